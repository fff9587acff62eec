package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// PlatformAccountID is the ledger account that accumulates the platform's
// share of every settlement. Seeded at bootstrap, never deleted.
const PlatformAccountID int64 = 1

// ReaderSharePercent is the revenue split applied to sessions and gifts
// alike. The recipient gets this share, the platform keeps the rest plus any
// rounding remainder.
const ReaderSharePercent int64 = 70

// UserRole distinguishes paying clients from consultation providers.
type UserRole string

const (
	RoleClient   UserRole = "client"
	RoleReader   UserRole = "reader"
	RolePlatform UserRole = "platform"
)

// User is the ledger-facing view of a user record: spendable balance for
// clients, accrued pre-payout earnings for readers. Amounts are minor units.
type User struct {
	ID            int64           `json:"id"`
	Role          UserRole        `json:"role"`
	RatePerMinute decimal.Decimal `json:"rate_per_minute"`
	Balance       int64           `json:"balance"`
	Earnings      int64           `json:"earnings"`
	// BroadcastPresence marks users whose online/offline transitions are
	// published to the event sink (readers, not clients).
	BroadcastPresence bool      `json:"broadcast_presence"`
	IsOnline          bool      `json:"is_online"`
	LastActive        time.Time `json:"last_active"`
}

// SessionType is the consultation medium.
type SessionType string

const (
	SessionVideo SessionType = "video"
	SessionVoice SessionType = "voice"
	SessionChat  SessionType = "chat"
)

// SessionStatus is monotonic: waiting -> active -> ended, no backward moves.
type SessionStatus string

const (
	SessionWaiting SessionStatus = "waiting"
	SessionActive  SessionStatus = "active"
	SessionEnded   SessionStatus = "ended"
)

// End reasons recorded on the session at settlement.
const (
	EndReasonClient = "client_end"
	EndReasonStale  = "stale session cleanup"
	EndReasonCancel = "admin_cancel"
)

// Session is one metered consultation. RatePerMinute is snapshotted from the
// reader at creation so later rate changes never affect an in-flight session.
// Settlement fields stay nil until the session is ended.
type Session struct {
	RoomID        string          `json:"room_id"`
	ReaderID      int64           `json:"reader_id"`
	ClientID      int64           `json:"client_id"`
	Type          SessionType     `json:"session_type"`
	Status        SessionStatus   `json:"status"`
	RatePerMinute decimal.Decimal `json:"rate_per_minute"`

	StartTime *time.Time `json:"start_time,omitempty"`
	EndTime   *time.Time `json:"end_time,omitempty"`

	DurationSeconds *int64 `json:"duration_seconds,omitempty"`
	TotalAmount     *int64 `json:"total_amount,omitempty"`
	ReaderEarned    *int64 `json:"reader_earned,omitempty"`
	PlatformEarned  *int64 `json:"platform_earned,omitempty"`

	EndReason string    `json:"end_reason,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Settlement is the computed outcome applied when a session ends.
// ReaderEarned + PlatformEarned == TotalAmount always.
type Settlement struct {
	EndTime         time.Time
	DurationSeconds int64
	TotalAmount     int64
	ReaderEarned    int64
	PlatformEarned  int64
	Reason          string
}

// Gift is a one-off tip, settled at most once (the gift id is the
// idempotency key). Amounts are minor units.
type Gift struct {
	ID             string     `json:"id"`
	SenderID       int64      `json:"sender_id"`
	RecipientID    int64      `json:"recipient_id"`
	LivestreamID   string     `json:"livestream_id,omitempty"`
	Amount         int64      `json:"amount"`
	GiftType       string     `json:"gift_type"`
	Message        string     `json:"message,omitempty"`
	ReaderAmount   int64      `json:"reader_amount"`
	PlatformAmount int64      `json:"platform_amount"`
	Processed      bool       `json:"processed"`
	ProcessedAt    *time.Time `json:"processed_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// PayoutStatus tracks one payout attempt. Failed payouts are terminal and
// reconciled out of band; earnings are never restored automatically.
type PayoutStatus string

const (
	PayoutPending   PayoutStatus = "pending"
	PayoutCompleted PayoutStatus = "completed"
	PayoutFailed    PayoutStatus = "failed"
)

// PayoutRecord is one attempt to pay a reader's accrued earnings out.
type PayoutRecord struct {
	ID        string       `json:"id"`
	ReaderID  int64        `json:"reader_id"`
	Amount    int64        `json:"amount"`
	Status    PayoutStatus `json:"status"`
	Reason    string       `json:"reason,omitempty"`
	CreatedAt time.Time    `json:"created_at"`
}

// TransferParams is the single atomic ledger primitive: debit the payer,
// credit the recipient's earnings and the platform account together or not
// at all. Callers pass exact split amounts.
type TransferParams struct {
	DebitUserID    int64
	DebitAmount    int64
	CreditUserID   int64
	CreditAmount   int64
	PlatformAmount int64
	// ReferenceKind/ReferenceID tie the ledger entries back to the
	// originating session or gift.
	ReferenceKind string
	ReferenceID   string
}

// SplitAmount divides a settled amount 70/30. Integer floor on the reader
// share; the platform absorbs the remainder so the parts always reconstruct
// the input exactly.
func SplitAmount(total int64) (readerAmount, platformAmount int64) {
	readerAmount = total * ReaderSharePercent / 100
	platformAmount = total - readerAmount
	return readerAmount, platformAmount
}

// Event is a fire-and-forget status-change notification. Delivery failures
// never roll back the state change that produced the event.
type Event struct {
	Kind   string    `json:"kind"`
	UserID int64     `json:"user_id,omitempty"`
	RoomID string    `json:"room_id,omitempty"`
	GiftID string    `json:"gift_id,omitempty"`
	Amount int64     `json:"amount,omitempty"`
	At     time.Time `json:"at"`
}

// Event kinds published by the engine.
const (
	EventPresenceOnline  = "presence.online"
	EventPresenceOffline = "presence.offline"
	EventSessionStarted  = "session.started"
	EventSessionEnded    = "session.ended"
	EventGiftSent        = "gift.sent"
	EventPayoutInitiated = "payout.initiated"
)
