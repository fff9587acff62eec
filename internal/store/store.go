package store

import (
	"context"
	"errors"
	"time"

	"github.com/punchamoorthee/sessionops/internal/domain"
)

var (
	ErrUserNotFound      = errors.New("user not found")
	ErrSessionNotFound   = errors.New("session not found")
	ErrGiftNotFound      = errors.New("gift not found")
	ErrPayoutNotFound    = errors.New("payout not found")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrAlreadyProcessed  = errors.New("already processed")
	ErrNothingToPayout   = errors.New("nothing to payout")
)

// Store is the durable backing store for users, sessions, gifts, and
// payouts. Settlement operations (Transfer, SettleSession, SettleGift,
// CreatePayout) each run in a single database transaction: the debit and
// credit legs commit together or not at all, and the balance check happens
// inside the same transaction to avoid a check-then-write race. The
// transaction boundary is the crash-recovery unit.
type Store interface {
	Close()
	// Migrate creates the schema and seeds the platform ledger account
	// (users.id = domain.PlatformAccountID), idempotently.
	Migrate(ctx context.Context) error

	CreateUser(ctx context.Context, u *domain.User) (int64, error)
	GetUser(ctx context.Context, id int64) (*domain.User, error)
	SetPresence(ctx context.Context, userID int64, online bool, lastActive time.Time) error

	// Transfer is the atomic ledger primitive shared by session and gift
	// settlement. Fails with ErrInsufficientFunds if the debit would drive
	// the payer's balance below zero.
	Transfer(ctx context.Context, p domain.TransferParams) error

	CreateSession(ctx context.Context, s *domain.Session) error
	GetSession(ctx context.Context, roomID string) (*domain.Session, error)
	UpdateSession(ctx context.Context, s *domain.Session) error
	// SettleSession marks the session ended and applies the ledger transfer
	// in one transaction. If the session is already ended it returns the
	// stored settlement untouched, so retries never double-charge.
	SettleSession(ctx context.Context, roomID string, settle domain.Settlement) (*domain.Session, error)
	// ListStaleSessions returns sessions for the background sweep: waiting
	// sessions created before the cutoff, and active sessions started before
	// it. An active session's waiting time does not count against it.
	ListStaleSessions(ctx context.Context, cutoff time.Time) ([]domain.Session, error)

	CreateGift(ctx context.Context, g *domain.Gift) error
	GetGift(ctx context.Context, id string) (*domain.Gift, error)
	// SettleGift transfers the gift amounts and flips the processed flag in
	// one transaction, returning ErrAlreadyProcessed on a second attempt.
	SettleGift(ctx context.Context, id string, at time.Time) (*domain.Gift, error)
	ListUnprocessedGifts(ctx context.Context) ([]domain.Gift, error)

	ListPayableReaders(ctx context.Context, threshold int64) ([]domain.User, error)
	// CreatePayout zeroes the reader's earnings and inserts a pending payout
	// record for that amount in one transaction.
	CreatePayout(ctx context.Context, readerID int64) (*domain.PayoutRecord, error)
	UpdatePayoutStatus(ctx context.Context, id string, status domain.PayoutStatus, reason string) error
	ListPayouts(ctx context.Context, readerID int64) ([]domain.PayoutRecord, error)
}
