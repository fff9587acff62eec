package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/punchamoorthee/sessionops/internal/domain"
)

// PostgresStore backs the engine with a pgx connection pool. All settlement
// paths run under RepeatableRead with FOR UPDATE row locks acquired in
// ascending account-id order to prevent deadlocks between concurrent
// transfers touching the same accounts.
type PostgresStore struct {
	db *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	return &PostgresStore{db: pool}, nil
}

func (s *PostgresStore) Close() {
	s.db.Close()
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id BIGSERIAL PRIMARY KEY,
			role TEXT NOT NULL,
			rate_per_minute TEXT NOT NULL DEFAULT '0',
			balance BIGINT NOT NULL DEFAULT 0,
			earnings BIGINT NOT NULL DEFAULT 0,
			broadcast_presence BOOLEAN NOT NULL DEFAULT FALSE,
			is_online BOOLEAN NOT NULL DEFAULT FALSE,
			last_active TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS sessions (
			room_id TEXT PRIMARY KEY,
			reader_id BIGINT NOT NULL REFERENCES users(id),
			client_id BIGINT NOT NULL REFERENCES users(id),
			session_type TEXT NOT NULL,
			status TEXT NOT NULL,
			rate_per_minute TEXT NOT NULL,
			start_time TIMESTAMPTZ,
			end_time TIMESTAMPTZ,
			duration_seconds BIGINT,
			total_amount BIGINT,
			reader_earned BIGINT,
			platform_earned BIGINT,
			end_reason TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status)`,
		`CREATE TABLE IF NOT EXISTS gifts (
			id TEXT PRIMARY KEY,
			sender_id BIGINT NOT NULL REFERENCES users(id),
			recipient_id BIGINT NOT NULL REFERENCES users(id),
			livestream_id TEXT NOT NULL DEFAULT '',
			amount BIGINT NOT NULL,
			gift_type TEXT NOT NULL,
			message TEXT NOT NULL DEFAULT '',
			reader_amount BIGINT NOT NULL,
			platform_amount BIGINT NOT NULL,
			processed BOOLEAN NOT NULL DEFAULT FALSE,
			processed_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_gifts_processed ON gifts(processed)`,
		`CREATE TABLE IF NOT EXISTS payouts (
			id TEXT PRIMARY KEY,
			reader_id BIGINT NOT NULL REFERENCES users(id),
			amount BIGINT NOT NULL,
			status TEXT NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS ledger_entries (
			id BIGSERIAL PRIMARY KEY,
			reference_kind TEXT NOT NULL,
			reference_id TEXT NOT NULL,
			account_id BIGINT NOT NULL REFERENCES users(id),
			delta BIGINT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return s.seedPlatformAccount(ctx)
}

// seedPlatformAccount guarantees the platform revenue account exists and owns
// its fixed id before any settlement can run. If another user already holds
// that id the store refuses to start rather than route the platform share to
// them.
func (s *PostgresStore) seedPlatformAccount(ctx context.Context) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO users (id, role, rate_per_minute) VALUES ($1, $2, '0')
		 ON CONFLICT (id) DO NOTHING`,
		domain.PlatformAccountID, domain.RolePlatform)
	if err != nil {
		return fmt.Errorf("seed platform account: %w", err)
	}
	// The explicit id bypasses the serial sequence; advance it so the next
	// CreateUser does not collide.
	_, err = s.db.Exec(ctx,
		`SELECT setval(pg_get_serial_sequence('users', 'id'), (SELECT MAX(id) FROM users))`)
	if err != nil {
		return fmt.Errorf("seed platform account: %w", err)
	}

	var role string
	err = s.db.QueryRow(ctx,
		"SELECT role FROM users WHERE id = $1", domain.PlatformAccountID).Scan(&role)
	if err != nil {
		return fmt.Errorf("seed platform account: %w", err)
	}
	if role != string(domain.RolePlatform) {
		return fmt.Errorf("user %d holds the platform account id but has role %q",
			domain.PlatformAccountID, role)
	}
	return nil
}

func (s *PostgresStore) CreateUser(ctx context.Context, u *domain.User) (int64, error) {
	var id int64
	err := s.db.QueryRow(ctx,
		`INSERT INTO users (role, rate_per_minute, balance, earnings, broadcast_presence)
		 VALUES ($1, $2, $3, $4, $5) RETURNING id`,
		u.Role, u.RatePerMinute.String(), u.Balance, u.Earnings, u.BroadcastPresence,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("create user: %w", err)
	}
	u.ID = id
	return id, nil
}

func (s *PostgresStore) GetUser(ctx context.Context, id int64) (*domain.User, error) {
	var u domain.User
	var rate string
	err := s.db.QueryRow(ctx,
		`SELECT id, role, rate_per_minute, balance, earnings, broadcast_presence, is_online, last_active
		 FROM users WHERE id = $1`, id,
	).Scan(&u.ID, &u.Role, &rate, &u.Balance, &u.Earnings, &u.BroadcastPresence, &u.IsOnline, &u.LastActive)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	u.RatePerMinute, err = decimal.NewFromString(rate)
	if err != nil {
		return nil, fmt.Errorf("parse rate for user %d: %w", id, err)
	}
	return &u, nil
}

func (s *PostgresStore) SetPresence(ctx context.Context, userID int64, online bool, lastActive time.Time) error {
	tag, err := s.db.Exec(ctx,
		"UPDATE users SET is_online = $1, last_active = $2 WHERE id = $3",
		online, lastActive, userID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrUserNotFound
	}
	return nil
}

func (s *PostgresStore) Transfer(ctx context.Context, p domain.TransferParams) error {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := applyTransferPg(ctx, tx, p); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("tx commit failed: %w", err)
	}
	return nil
}

// applyTransferPg executes the debit and credit legs inside an open
// transaction. Rows are locked in ascending id order; the balance check runs
// under the same locks.
func applyTransferPg(ctx context.Context, tx pgx.Tx, p domain.TransferParams) error {
	ids := lockOrder(p.DebitUserID, p.CreditUserID, domain.PlatformAccountID)

	var debitBalance int64
	for _, id := range ids {
		var balance int64
		err := tx.QueryRow(ctx, "SELECT balance FROM users WHERE id = $1 FOR UPDATE", id).Scan(&balance)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrUserNotFound
			}
			return fmt.Errorf("lock acquisition failed: %w", err)
		}
		if id == p.DebitUserID {
			debitBalance = balance
		}
	}

	if debitBalance < p.DebitAmount {
		return ErrInsufficientFunds
	}

	if _, err := tx.Exec(ctx,
		"UPDATE users SET balance = balance - $1 WHERE id = $2",
		p.DebitAmount, p.DebitUserID); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx,
		"UPDATE users SET earnings = earnings + $1 WHERE id = $2",
		p.CreditAmount, p.CreditUserID); err != nil {
		return err
	}
	if p.PlatformAmount > 0 {
		if _, err := tx.Exec(ctx,
			"UPDATE users SET earnings = earnings + $1 WHERE id = $2",
			p.PlatformAmount, domain.PlatformAccountID); err != nil {
			return err
		}
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO ledger_entries (reference_kind, reference_id, account_id, delta)
		 VALUES ($1, $2, $3, $4), ($1, $2, $5, $6), ($1, $2, $7, $8)`,
		p.ReferenceKind, p.ReferenceID,
		p.DebitUserID, -p.DebitAmount,
		p.CreditUserID, p.CreditAmount,
		domain.PlatformAccountID, p.PlatformAmount); err != nil {
		return fmt.Errorf("ledger entry failed: %w", err)
	}
	return nil
}

// lockOrder returns the distinct account ids sorted ascending, the order in
// which row locks must be acquired.
func lockOrder(ids ...int64) []int64 {
	seen := make(map[int64]bool, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

const sessionColumns = `room_id, reader_id, client_id, session_type, status, rate_per_minute,
	start_time, end_time, duration_seconds, total_amount, reader_earned, platform_earned,
	end_reason, created_at`

func scanSession(row pgx.Row) (*domain.Session, error) {
	var sess domain.Session
	var rate string
	err := row.Scan(&sess.RoomID, &sess.ReaderID, &sess.ClientID, &sess.Type, &sess.Status, &rate,
		&sess.StartTime, &sess.EndTime, &sess.DurationSeconds, &sess.TotalAmount,
		&sess.ReaderEarned, &sess.PlatformEarned, &sess.EndReason, &sess.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}
	sess.RatePerMinute, err = decimal.NewFromString(rate)
	if err != nil {
		return nil, fmt.Errorf("parse rate for session %s: %w", sess.RoomID, err)
	}
	return &sess, nil
}

func (s *PostgresStore) CreateSession(ctx context.Context, sess *domain.Session) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO sessions (room_id, reader_id, client_id, session_type, status, rate_per_minute, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		sess.RoomID, sess.ReaderID, sess.ClientID, sess.Type, sess.Status,
		sess.RatePerMinute.String(), sess.CreatedAt)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetSession(ctx context.Context, roomID string) (*domain.Session, error) {
	row := s.db.QueryRow(ctx,
		"SELECT "+sessionColumns+" FROM sessions WHERE room_id = $1", roomID)
	return scanSession(row)
}

func (s *PostgresStore) UpdateSession(ctx context.Context, sess *domain.Session) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE sessions SET status = $1, start_time = $2, end_time = $3, duration_seconds = $4,
		 total_amount = $5, reader_earned = $6, platform_earned = $7, end_reason = $8
		 WHERE room_id = $9`,
		sess.Status, sess.StartTime, sess.EndTime, sess.DurationSeconds,
		sess.TotalAmount, sess.ReaderEarned, sess.PlatformEarned, sess.EndReason, sess.RoomID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrSessionNotFound
	}
	return nil
}

func (s *PostgresStore) SettleSession(ctx context.Context, roomID string, settle domain.Settlement) (*domain.Session, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return nil, fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	sess, err := scanSession(tx.QueryRow(ctx,
		"SELECT "+sessionColumns+" FROM sessions WHERE room_id = $1 FOR UPDATE", roomID))
	if err != nil {
		return nil, err
	}

	// Already settled: return the stored result, no second transfer.
	if sess.Status == domain.SessionEnded {
		return sess, tx.Commit(ctx)
	}

	if settle.TotalAmount > 0 {
		readerAmount := settle.ReaderEarned
		platformAmount := settle.PlatformEarned
		err = applyTransferPg(ctx, tx, domain.TransferParams{
			DebitUserID:    sess.ClientID,
			DebitAmount:    settle.TotalAmount,
			CreditUserID:   sess.ReaderID,
			CreditAmount:   readerAmount,
			PlatformAmount: platformAmount,
			ReferenceKind:  "session",
			ReferenceID:    roomID,
		})
		if err != nil {
			return nil, err
		}
	}

	if _, err := tx.Exec(ctx,
		`UPDATE sessions SET status = $1, end_time = $2, duration_seconds = $3,
		 total_amount = $4, reader_earned = $5, platform_earned = $6, end_reason = $7
		 WHERE room_id = $8`,
		domain.SessionEnded, settle.EndTime, settle.DurationSeconds,
		settle.TotalAmount, settle.ReaderEarned, settle.PlatformEarned, settle.Reason, roomID); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("tx commit failed: %w", err)
	}

	sess.Status = domain.SessionEnded
	end := settle.EndTime
	sess.EndTime = &end
	duration := settle.DurationSeconds
	sess.DurationSeconds = &duration
	total, reader, platform := settle.TotalAmount, settle.ReaderEarned, settle.PlatformEarned
	sess.TotalAmount = &total
	sess.ReaderEarned = &reader
	sess.PlatformEarned = &platform
	sess.EndReason = settle.Reason
	return sess, nil
}

func (s *PostgresStore) ListStaleSessions(ctx context.Context, cutoff time.Time) ([]domain.Session, error) {
	rows, err := s.db.Query(ctx,
		"SELECT "+sessionColumns+` FROM sessions
		 WHERE (status = $1 AND created_at < $2)
		    OR (status = $3 AND start_time < $2)`,
		domain.SessionWaiting, cutoff, domain.SessionActive)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []domain.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *sess)
	}
	return sessions, rows.Err()
}

func (s *PostgresStore) CreateGift(ctx context.Context, g *domain.Gift) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO gifts (id, sender_id, recipient_id, livestream_id, amount, gift_type, message,
		 reader_amount, platform_amount, processed, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		g.ID, g.SenderID, g.RecipientID, g.LivestreamID, g.Amount, g.GiftType, g.Message,
		g.ReaderAmount, g.PlatformAmount, g.Processed, g.CreatedAt)
	if err != nil {
		return fmt.Errorf("create gift: %w", err)
	}
	return nil
}

const giftColumns = `id, sender_id, recipient_id, livestream_id, amount, gift_type, message,
	reader_amount, platform_amount, processed, processed_at, created_at`

func scanGift(row pgx.Row) (*domain.Gift, error) {
	var g domain.Gift
	err := row.Scan(&g.ID, &g.SenderID, &g.RecipientID, &g.LivestreamID, &g.Amount, &g.GiftType,
		&g.Message, &g.ReaderAmount, &g.PlatformAmount, &g.Processed, &g.ProcessedAt, &g.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrGiftNotFound
		}
		return nil, err
	}
	return &g, nil
}

func (s *PostgresStore) GetGift(ctx context.Context, id string) (*domain.Gift, error) {
	return scanGift(s.db.QueryRow(ctx, "SELECT "+giftColumns+" FROM gifts WHERE id = $1", id))
}

func (s *PostgresStore) SettleGift(ctx context.Context, id string, at time.Time) (*domain.Gift, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return nil, fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	g, err := scanGift(tx.QueryRow(ctx, "SELECT "+giftColumns+" FROM gifts WHERE id = $1 FOR UPDATE", id))
	if err != nil {
		return nil, err
	}
	if g.Processed {
		return nil, ErrAlreadyProcessed
	}

	err = applyTransferPg(ctx, tx, domain.TransferParams{
		DebitUserID:    g.SenderID,
		DebitAmount:    g.Amount,
		CreditUserID:   g.RecipientID,
		CreditAmount:   g.ReaderAmount,
		PlatformAmount: g.PlatformAmount,
		ReferenceKind:  "gift",
		ReferenceID:    g.ID,
	})
	if err != nil {
		return nil, err
	}

	if _, err := tx.Exec(ctx,
		"UPDATE gifts SET processed = TRUE, processed_at = $1 WHERE id = $2", at, id); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("tx commit failed: %w", err)
	}

	g.Processed = true
	processedAt := at
	g.ProcessedAt = &processedAt
	return g, nil
}

func (s *PostgresStore) ListUnprocessedGifts(ctx context.Context) ([]domain.Gift, error) {
	rows, err := s.db.Query(ctx,
		"SELECT "+giftColumns+" FROM gifts WHERE processed = FALSE ORDER BY created_at")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var gifts []domain.Gift
	for rows.Next() {
		g, err := scanGift(rows)
		if err != nil {
			return nil, err
		}
		gifts = append(gifts, *g)
	}
	return gifts, rows.Err()
}

func (s *PostgresStore) ListPayableReaders(ctx context.Context, threshold int64) ([]domain.User, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id, role, rate_per_minute, balance, earnings, broadcast_presence, is_online, last_active
		 FROM users WHERE role = $1 AND earnings >= $2 ORDER BY id`,
		domain.RoleReader, threshold)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []domain.User
	for rows.Next() {
		var u domain.User
		var rate string
		if err := rows.Scan(&u.ID, &u.Role, &rate, &u.Balance, &u.Earnings,
			&u.BroadcastPresence, &u.IsOnline, &u.LastActive); err != nil {
			return nil, err
		}
		u.RatePerMinute, err = decimal.NewFromString(rate)
		if err != nil {
			return nil, fmt.Errorf("parse rate for user %d: %w", u.ID, err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

func (s *PostgresStore) CreatePayout(ctx context.Context, readerID int64) (*domain.PayoutRecord, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return nil, fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	var earnings int64
	err = tx.QueryRow(ctx, "SELECT earnings FROM users WHERE id = $1 FOR UPDATE", readerID).Scan(&earnings)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	if earnings <= 0 {
		return nil, ErrNothingToPayout
	}

	if _, err := tx.Exec(ctx, "UPDATE users SET earnings = 0 WHERE id = $1", readerID); err != nil {
		return nil, err
	}

	record := &domain.PayoutRecord{
		ID:        uuid.New().String(),
		ReaderID:  readerID,
		Amount:    earnings,
		Status:    domain.PayoutPending,
		CreatedAt: time.Now().UTC(),
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO payouts (id, reader_id, amount, status, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		record.ID, record.ReaderID, record.Amount, record.Status, record.CreatedAt); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("tx commit failed: %w", err)
	}
	return record, nil
}

func (s *PostgresStore) ListPayouts(ctx context.Context, readerID int64) ([]domain.PayoutRecord, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id, reader_id, amount, status, reason, created_at
		 FROM payouts WHERE reader_id = $1 ORDER BY created_at`, readerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []domain.PayoutRecord
	for rows.Next() {
		var r domain.PayoutRecord
		if err := rows.Scan(&r.ID, &r.ReaderID, &r.Amount, &r.Status, &r.Reason, &r.CreatedAt); err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

func (s *PostgresStore) UpdatePayoutStatus(ctx context.Context, id string, status domain.PayoutStatus, reason string) error {
	tag, err := s.db.Exec(ctx,
		"UPDATE payouts SET status = $1, reason = $2 WHERE id = $3", status, reason, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrPayoutNotFound
	}
	return nil
}
