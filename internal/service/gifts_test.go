package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/punchamoorthee/sessionops/internal/domain"
	"github.com/punchamoorthee/sessionops/internal/store"
)

func TestSendGiftSplitsSeventyThirty(t *testing.T) {
	env := newTestEnv(t, 500)
	gifts := NewGiftProcessor(env.store, env.sink)
	ctx := context.Background()

	// $5.00 balance sends a $5.00 gift.
	gift, err := gifts.SendGift(ctx, env.clientID, env.readerID, "", 500, "rose", "thanks!")
	if err != nil {
		t.Fatalf("SendGift: %v", err)
	}
	if !gift.Processed || gift.ProcessedAt == nil {
		t.Fatalf("gift not processed: %+v", gift)
	}
	if gift.ReaderAmount != 350 || gift.PlatformAmount != 150 {
		t.Errorf("split = %d/%d, want 350/150", gift.ReaderAmount, gift.PlatformAmount)
	}

	if got := env.user(t, env.clientID).Balance; got != 0 {
		t.Errorf("sender balance = %d, want 0", got)
	}
	if got := env.user(t, env.readerID).Earnings; got != 350 {
		t.Errorf("recipient earnings = %d, want 350", got)
	}
	if got := env.user(t, domain.PlatformAccountID).Earnings; got != 150 {
		t.Errorf("platform earnings = %d, want 150", got)
	}
	if env.sink.countKind(domain.EventGiftSent) != 1 {
		t.Errorf("expected one gift.sent event")
	}
}

func TestSendGiftInsufficientFundsWritesNothing(t *testing.T) {
	env := newTestEnv(t, 100)
	gifts := NewGiftProcessor(env.store, env.sink)
	ctx := context.Background()

	if _, err := gifts.SendGift(ctx, env.clientID, env.readerID, "", 500, "rose", ""); !errors.Is(err, store.ErrInsufficientFunds) {
		t.Fatalf("error = %v, want ErrInsufficientFunds", err)
	}

	pending, err := env.store.ListUnprocessedGifts(ctx)
	if err != nil {
		t.Fatalf("ListUnprocessedGifts: %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("unprocessed gifts = %d, want 0 (no orphaned rows)", len(pending))
	}
	if got := env.user(t, env.clientID).Balance; got != 100 {
		t.Errorf("sender balance = %d, want 100", got)
	}
}

func TestSendGiftRejectsNonPositiveAmount(t *testing.T) {
	env := newTestEnv(t, 100)
	gifts := NewGiftProcessor(env.store, env.sink)

	for _, amount := range []int64{0, -5} {
		if _, err := gifts.SendGift(context.Background(), env.clientID, env.readerID, "", amount, "rose", ""); !errors.Is(err, ErrInvalidAmount) {
			t.Errorf("amount %d: error = %v, want ErrInvalidAmount", amount, err)
		}
	}
}

func TestProcessUnprocessedGiftsRecoversAndIsIdempotent(t *testing.T) {
	env := newTestEnv(t, 1000)
	gifts := NewGiftProcessor(env.store, env.sink)
	ctx := context.Background()

	// Simulate a crash between persist and settle: the row exists,
	// unprocessed, with the balance untouched.
	readerAmount, platformAmount := domain.SplitAmount(500)
	orphan := &domain.Gift{
		ID:             uuid.New().String(),
		SenderID:       env.clientID,
		RecipientID:    env.readerID,
		Amount:         500,
		GiftType:       "star",
		ReaderAmount:   readerAmount,
		PlatformAmount: platformAmount,
		CreatedAt:      time.Now().UTC(),
	}
	if err := env.store.CreateGift(ctx, orphan); err != nil {
		t.Fatalf("CreateGift: %v", err)
	}

	settled, err := gifts.ProcessUnprocessedGifts(ctx)
	if err != nil {
		t.Fatalf("ProcessUnprocessedGifts: %v", err)
	}
	if settled != 1 {
		t.Fatalf("settled = %d, want 1", settled)
	}
	if got := env.user(t, env.clientID).Balance; got != 500 {
		t.Errorf("sender balance = %d, want 500", got)
	}

	// Second run finds nothing to do and debits nothing.
	settled, err = gifts.ProcessUnprocessedGifts(ctx)
	if err != nil {
		t.Fatalf("ProcessUnprocessedGifts (again): %v", err)
	}
	if settled != 0 {
		t.Errorf("settled = %d, want 0", settled)
	}
	if got := env.user(t, env.clientID).Balance; got != 500 {
		t.Errorf("sender balance = %d, want 500 (single debit)", got)
	}
}

func TestProcessUnprocessedGiftsSkipsUnderfunded(t *testing.T) {
	env := newTestEnv(t, 100)
	gifts := NewGiftProcessor(env.store, env.sink)
	ctx := context.Background()

	readerAmount, platformAmount := domain.SplitAmount(500)
	orphan := &domain.Gift{
		ID:             uuid.New().String(),
		SenderID:       env.clientID,
		RecipientID:    env.readerID,
		Amount:         500,
		GiftType:       "star",
		ReaderAmount:   readerAmount,
		PlatformAmount: platformAmount,
		CreatedAt:      time.Now().UTC(),
	}
	if err := env.store.CreateGift(ctx, orphan); err != nil {
		t.Fatalf("CreateGift: %v", err)
	}

	settled, err := gifts.ProcessUnprocessedGifts(ctx)
	if err != nil {
		t.Fatalf("ProcessUnprocessedGifts: %v", err)
	}
	if settled != 0 {
		t.Errorf("settled = %d, want 0", settled)
	}

	// The row stays unprocessed for a later pass; nothing was debited.
	stored, err := env.store.GetGift(ctx, orphan.ID)
	if err != nil {
		t.Fatalf("GetGift: %v", err)
	}
	if stored.Processed {
		t.Errorf("underfunded gift must stay unprocessed")
	}
	if got := env.user(t, env.clientID).Balance; got != 100 {
		t.Errorf("sender balance = %d, want 100", got)
	}
}
