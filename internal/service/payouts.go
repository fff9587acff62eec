package service

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/punchamoorthee/sessionops/internal/domain"
	"github.com/punchamoorthee/sessionops/internal/store"
)

// PayoutExecutor hands a pending payout to the external payment rail.
type PayoutExecutor interface {
	Execute(ctx context.Context, record *domain.PayoutRecord) error
}

// LogExecutor records the handoff and succeeds. Stands in until a real
// payment rail is attached.
type LogExecutor struct{}

func (LogExecutor) Execute(ctx context.Context, record *domain.PayoutRecord) error {
	zap.L().Info("payout handed off",
		zap.String("payout_id", record.ID),
		zap.Int64("reader_id", record.ReaderID),
		zap.Int64("amount", record.Amount))
	return nil
}

// PayoutScheduler sweeps readers whose accrued earnings meet the payout
// threshold. Each sweep atomically zeroes the reader's earnings and records
// a pending payout before handing off to the executor. A failed handoff
// marks the record failed with the reason and does NOT restore earnings;
// failed payouts are reconciled out of band, never silently retried.
type PayoutScheduler struct {
	store     store.Store
	executor  PayoutExecutor
	sink      EventSink
	threshold int64
	interval  time.Duration

	stopChan chan struct{}
	doneChan chan struct{}
}

func NewPayoutScheduler(st store.Store, executor PayoutExecutor, sink EventSink, threshold int64, interval time.Duration) *PayoutScheduler {
	return &PayoutScheduler{
		store:     st,
		executor:  executor,
		sink:      sink,
		threshold: threshold,
		interval:  interval,
		stopChan:  make(chan struct{}),
		doneChan:  make(chan struct{}),
	}
}

// Sweep performs one pass and returns the number of payouts initiated. It is
// stateless between invocations beyond what the store persists.
func (p *PayoutScheduler) Sweep(ctx context.Context) (int, error) {
	readers, err := p.store.ListPayableReaders(ctx, p.threshold)
	if err != nil {
		return 0, err
	}

	initiated := 0
	for _, reader := range readers {
		record, err := p.store.CreatePayout(ctx, reader.ID)
		if err != nil {
			if errors.Is(err, store.ErrNothingToPayout) {
				continue
			}
			zap.L().Error("payout creation failed",
				zap.Int64("reader_id", reader.ID), zap.Error(err))
			continue
		}

		if err := p.executor.Execute(ctx, record); err != nil {
			if uerr := p.store.UpdatePayoutStatus(ctx, record.ID, domain.PayoutFailed, err.Error()); uerr != nil {
				zap.L().Error("payout status update failed",
					zap.String("payout_id", record.ID), zap.Error(uerr))
			}
			payoutsTotal.WithLabelValues(string(domain.PayoutFailed)).Inc()
			zap.L().Error("payout execution failed, needs manual reconciliation",
				zap.String("payout_id", record.ID),
				zap.Int64("reader_id", record.ReaderID),
				zap.Int64("amount", record.Amount),
				zap.Error(err))
			continue
		}

		if err := p.store.UpdatePayoutStatus(ctx, record.ID, domain.PayoutCompleted, ""); err != nil {
			zap.L().Error("payout status update failed",
				zap.String("payout_id", record.ID), zap.Error(err))
			continue
		}
		payoutsTotal.WithLabelValues(string(domain.PayoutCompleted)).Inc()
		p.sink.Publish(domain.Event{
			Kind:   domain.EventPayoutInitiated,
			UserID: record.ReaderID,
			Amount: record.Amount,
			At:     record.CreatedAt,
		})
		initiated++
	}
	return initiated, nil
}

// Run sweeps on the configured period until Stop or context cancellation.
func (p *PayoutScheduler) Run(ctx context.Context) {
	defer close(p.doneChan)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if n, err := p.Sweep(ctx); err != nil {
				zap.L().Error("payout sweep failed", zap.Error(err))
			} else if n > 0 {
				zap.L().Info("payout sweep complete", zap.Int("initiated", n))
			}
		case <-p.stopChan:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Stop halts the run loop.
func (p *PayoutScheduler) Stop() {
	close(p.stopChan)
	<-p.doneChan
}
