package service

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/punchamoorthee/sessionops/internal/domain"
	"github.com/punchamoorthee/sessionops/internal/store"
)

var ErrInvalidAmount = errors.New("amount must be positive")

// GiftProcessor validates and settles one-off tips with the same revenue
// split as sessions, independent of any session lifecycle.
type GiftProcessor struct {
	store store.Store
	sink  EventSink
	locks *keyedMutex
}

func NewGiftProcessor(st store.Store, sink EventSink) *GiftProcessor {
	return &GiftProcessor{store: st, sink: sink, locks: newKeyedMutex()}
}

// SendGift checks the sender's balance, persists the gift unprocessed, then
// immediately settles it through the ledger. The balance pre-check runs
// before the gift row is written so an underfunded send leaves no orphaned
// record; the authoritative check still happens inside the settlement
// transaction.
func (g *GiftProcessor) SendGift(ctx context.Context, senderID, recipientID int64, livestreamID string, amount int64, giftType, message string) (*domain.Gift, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}

	sender, err := g.store.GetUser(ctx, senderID)
	if err != nil {
		return nil, err
	}
	if _, err := g.store.GetUser(ctx, recipientID); err != nil {
		return nil, err
	}
	if sender.Balance < amount {
		return nil, store.ErrInsufficientFunds
	}

	readerAmount, platformAmount := domain.SplitAmount(amount)
	gift := &domain.Gift{
		ID:             uuid.New().String(),
		SenderID:       senderID,
		RecipientID:    recipientID,
		LivestreamID:   livestreamID,
		Amount:         amount,
		GiftType:       giftType,
		Message:        message,
		ReaderAmount:   readerAmount,
		PlatformAmount: platformAmount,
		CreatedAt:      time.Now().UTC(),
	}
	if err := g.store.CreateGift(ctx, gift); err != nil {
		return nil, err
	}

	settled, err := g.settle(ctx, gift.ID)
	if err != nil {
		// The unprocessed row stays behind for ProcessUnprocessedGifts.
		return nil, err
	}
	return settled, nil
}

// ProcessUnprocessedGifts settles gifts left unprocessed by a crash between
// persist and settle. It only touches rows still flagged unprocessed, so it
// is safe to run repeatedly; a gift that cannot settle is skipped and logged.
func (g *GiftProcessor) ProcessUnprocessedGifts(ctx context.Context) (int, error) {
	pending, err := g.store.ListUnprocessedGifts(ctx)
	if err != nil {
		return 0, err
	}

	settled := 0
	for _, gift := range pending {
		if _, err := g.settle(ctx, gift.ID); err != nil {
			if errors.Is(err, store.ErrAlreadyProcessed) {
				continue
			}
			zap.L().Warn("unprocessed gift settlement skipped",
				zap.String("gift_id", gift.ID), zap.Error(err))
			continue
		}
		settled++
	}
	if settled > 0 {
		zap.L().Info("recovered unprocessed gifts", zap.Int("count", settled))
	}
	return settled, nil
}

func (g *GiftProcessor) settle(ctx context.Context, giftID string) (*domain.Gift, error) {
	unlock := g.locks.lock(giftID)
	defer unlock()

	now := time.Now().UTC()
	gift, err := g.store.SettleGift(ctx, giftID, now)
	if err != nil {
		return nil, err
	}

	giftsSettledTotal.Inc()
	g.sink.Publish(domain.Event{
		Kind:   domain.EventGiftSent,
		UserID: gift.RecipientID,
		GiftID: gift.ID,
		Amount: gift.Amount,
		At:     now,
	})
	zap.L().Info("gift settled",
		zap.String("gift_id", gift.ID),
		zap.Int64("sender_id", gift.SenderID),
		zap.Int64("recipient_id", gift.RecipientID),
		zap.Int64("amount", gift.Amount))
	return gift, nil
}
