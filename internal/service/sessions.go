package service

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/punchamoorthee/sessionops/internal/config"
	"github.com/punchamoorthee/sessionops/internal/domain"
	"github.com/punchamoorthee/sessionops/internal/store"
)

var (
	ErrReaderNotFound    = errors.New("reader not found")
	ErrInvalidTransition = errors.New("invalid session transition")
)

// SessionTracker owns the session state machine (waiting -> active -> ended),
// the billing math, and ledger settlement on session end. Mutating
// operations on the same room id are serialized by a per-key mutex;
// different sessions proceed in parallel.
type SessionTracker struct {
	store store.Store
	sink  EventSink
	cfg   config.BillingConfig
	locks *keyedMutex

	stopChan chan struct{}
	doneChan chan struct{}
}

func NewSessionTracker(st store.Store, sink EventSink, cfg config.BillingConfig) *SessionTracker {
	return &SessionTracker{
		store:    st,
		sink:     sink,
		cfg:      cfg,
		locks:    newKeyedMutex(),
		stopChan: make(chan struct{}),
		doneChan: make(chan struct{}),
	}
}

// CreateSession snapshots the reader's current rate, assigns a room id, and
// persists the session in waiting. Later rate changes do not affect it.
func (t *SessionTracker) CreateSession(ctx context.Context, readerID, clientID int64, sessionType domain.SessionType) (*domain.Session, error) {
	reader, err := t.store.GetUser(ctx, readerID)
	if err != nil {
		if errors.Is(err, store.ErrUserNotFound) {
			return nil, ErrReaderNotFound
		}
		return nil, err
	}
	if reader.Role != domain.RoleReader {
		return nil, ErrReaderNotFound
	}

	sess := &domain.Session{
		RoomID:        uuid.New().String(),
		ReaderID:      readerID,
		ClientID:      clientID,
		Type:          sessionType,
		Status:        domain.SessionWaiting,
		RatePerMinute: reader.RatePerMinute,
		CreatedAt:     time.Now().UTC(),
	}
	if err := t.store.CreateSession(ctx, sess); err != nil {
		return nil, err
	}

	sessionsCreatedTotal.Inc()
	zap.L().Info("session created",
		zap.String("room_id", sess.RoomID),
		zap.Int64("reader_id", readerID),
		zap.Int64("client_id", clientID),
		zap.String("type", string(sessionType)))
	return sess, nil
}

// StartSession moves waiting -> active and stamps the start time. Calling it
// on an already-active session is a no-op returning current state; calling
// it on an ended session fails.
func (t *SessionTracker) StartSession(ctx context.Context, roomID string) (*domain.Session, error) {
	unlock := t.locks.lock(roomID)
	defer unlock()

	sess, err := t.store.GetSession(ctx, roomID)
	if err != nil {
		return nil, err
	}

	switch sess.Status {
	case domain.SessionActive:
		return sess, nil
	case domain.SessionEnded:
		return nil, ErrInvalidTransition
	}

	now := time.Now().UTC()
	sess.Status = domain.SessionActive
	sess.StartTime = &now
	if err := t.store.UpdateSession(ctx, sess); err != nil {
		return nil, err
	}

	t.sink.Publish(domain.Event{Kind: domain.EventSessionStarted, RoomID: roomID, UserID: sess.ReaderID, At: now})
	zap.L().Info("session started", zap.String("room_id", roomID))
	return sess, nil
}

// TrackBilling computes the amount currently owed on an active session
// without touching any state. Callers poll it to decide whether the client's
// balance still covers the session.
func (t *SessionTracker) TrackBilling(ctx context.Context, roomID string) (decimal.Decimal, error) {
	sess, err := t.store.GetSession(ctx, roomID)
	if err != nil {
		return decimal.Zero, err
	}
	if sess.Status != domain.SessionActive || sess.StartTime == nil {
		return decimal.Zero, ErrInvalidTransition
	}

	elapsed := int64(time.Since(*sess.StartTime).Seconds())
	minutes := billableMinutes(elapsed, t.cfg.MinimumBillableMinutes)
	return billedAmount(sess.RatePerMinute, minutes), nil
}

// EndSession moves active -> ended and settles the ledger: the client is
// debited and the reader credited in one atomic store transaction. It is
// idempotent; a second call returns the stored settlement without a second
// transfer. If the client cannot cover the amount the session is left active
// (fail-closed) for the caller to retry after funding or cancel explicitly.
func (t *SessionTracker) EndSession(ctx context.Context, roomID, reason string) (*domain.Session, error) {
	unlock := t.locks.lock(roomID)
	defer unlock()

	sess, err := t.store.GetSession(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if sess.Status == domain.SessionEnded {
		return sess, nil
	}

	now := time.Now().UTC()
	settle := domain.Settlement{EndTime: now, Reason: reason}

	if sess.Status == domain.SessionActive && sess.StartTime != nil {
		elapsed := int64(now.Sub(*sess.StartTime).Seconds())
		if elapsed < 0 {
			elapsed = 0
		}
		minutes := billableMinutes(elapsed, t.cfg.MinimumBillableMinutes)
		total := amountMinorUnits(billedAmount(sess.RatePerMinute, minutes))
		reader, platform := domain.SplitAmount(total)

		settle.DurationSeconds = elapsed
		settle.TotalAmount = total
		settle.ReaderEarned = reader
		settle.PlatformEarned = platform
	}

	settled, err := t.store.SettleSession(ctx, roomID, settle)
	if err != nil {
		if errors.Is(err, store.ErrInsufficientFunds) {
			zap.L().Warn("session settlement blocked on balance",
				zap.String("room_id", roomID),
				zap.Int64("amount", settle.TotalAmount))
		}
		return nil, err
	}

	sessionsSettledTotal.WithLabelValues(reason).Inc()
	settledAmountTotal.Add(float64(settle.TotalAmount))
	t.sink.Publish(domain.Event{
		Kind:   domain.EventSessionEnded,
		RoomID: roomID,
		UserID: settled.ReaderID,
		Amount: settle.TotalAmount,
		At:     now,
	})
	zap.L().Info("session settled",
		zap.String("room_id", roomID),
		zap.String("reason", reason),
		zap.Int64("total", settle.TotalAmount),
		zap.Int64("reader_earned", settle.ReaderEarned),
		zap.Int64("platform_earned", settle.PlatformEarned))
	return settled, nil
}

// CancelSession is the administrative escape hatch for sessions that cannot
// settle: it ends the session without charging anyone.
func (t *SessionTracker) CancelSession(ctx context.Context, roomID string) (*domain.Session, error) {
	unlock := t.locks.lock(roomID)
	defer unlock()

	sess, err := t.store.GetSession(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if sess.Status == domain.SessionEnded {
		return sess, nil
	}

	now := time.Now().UTC()
	settle := domain.Settlement{EndTime: now, Reason: domain.EndReasonCancel}
	if sess.StartTime != nil {
		settle.DurationSeconds = int64(now.Sub(*sess.StartTime).Seconds())
	}
	return t.store.SettleSession(ctx, roomID, settle)
}

// RunSweeper force-ends abandoned sessions on a fixed interval until Stop is
// called or the context is cancelled.
func (t *SessionTracker) RunSweeper(ctx context.Context) {
	defer close(t.doneChan)

	ticker := time.NewTicker(t.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			t.sweepStale(ctx)
		case <-t.stopChan:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Stop halts the sweeper and waits for the current pass to finish.
func (t *SessionTracker) Stop() {
	close(t.stopChan)
	<-t.doneChan
}

// sweepStale ends abandoned sessions: active ones running past the stale
// threshold and waiting ones that never started within it. A session whose
// client can no longer cover the bill is force-cancelled without charge so
// the sweep always converges.
func (t *SessionTracker) sweepStale(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-t.cfg.StaleAfter)
	stale, err := t.store.ListStaleSessions(ctx, cutoff)
	if err != nil {
		zap.L().Error("stale sweep query failed", zap.Error(err))
		return
	}

	for _, sess := range stale {
		if _, err := t.EndSession(ctx, sess.RoomID, domain.EndReasonStale); err != nil {
			if errors.Is(err, store.ErrInsufficientFunds) {
				if _, cerr := t.CancelSession(ctx, sess.RoomID); cerr != nil {
					zap.L().Error("stale session cancel failed",
						zap.String("room_id", sess.RoomID), zap.Error(cerr))
					continue
				}
			} else {
				zap.L().Error("stale session end failed",
					zap.String("room_id", sess.RoomID), zap.Error(err))
				continue
			}
		}
		staleSessionsReapedTotal.Inc()
		zap.L().Warn("stale session reaped", zap.String("room_id", sess.RoomID))
	}
}

// billableMinutes rounds elapsed seconds up to whole minutes and applies the
// minimum-duration floor.
func billableMinutes(elapsedSeconds, minimumMinutes int64) int64 {
	minutes := (elapsedSeconds + 59) / 60
	if minutes < minimumMinutes {
		minutes = minimumMinutes
	}
	return minutes
}

// billedAmount is minutes x rate, rounded to two decimal places.
func billedAmount(ratePerMinute decimal.Decimal, minutes int64) decimal.Decimal {
	return ratePerMinute.Mul(decimal.NewFromInt(minutes)).Round(2)
}

// amountMinorUnits converts a two-decimal amount to minor units.
func amountMinorUnits(amount decimal.Decimal) int64 {
	return amount.Shift(2).IntPart()
}
