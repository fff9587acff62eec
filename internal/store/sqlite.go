package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"github.com/punchamoorthee/sessionops/internal/domain"
)

const defaultBusyTimeout = 5000

// SQLiteStore backs the engine with a single-writer SQLite handle. The pool
// is capped at one connection, so every transaction serializes naturally;
// the balance check still runs inside the settlement transaction.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path == "" {
		path = "sessionops.db"
	}
	db, err := sql.Open("sqlite", buildDSN(path))
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec(fmt.Sprintf("PRAGMA busy_timeout=%d;", defaultBusyTimeout)); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

func buildDSN(path string) string {
	switch {
	case strings.HasPrefix(path, "sqlite://"):
		path = path[len("sqlite://"):]
	case strings.HasPrefix(path, "file:"), strings.HasPrefix(path, ":memory:"):
		// already in a form sqlite understands
	default:
		path = "file:" + path
	}
	separator := "?"
	if strings.Contains(path, "?") {
		separator = "&"
	}
	return fmt.Sprintf("%s%s_pragma=busy_timeout=%d&_pragma=foreign_keys=ON", path, separator, defaultBusyTimeout)
}

func (s *SQLiteStore) Close() {
	if s == nil || s.db == nil {
		return
	}
	_ = s.db.Close()
}

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			role TEXT NOT NULL,
			rate_per_minute TEXT NOT NULL DEFAULT '0',
			balance INTEGER NOT NULL DEFAULT 0,
			earnings INTEGER NOT NULL DEFAULT 0,
			broadcast_presence INTEGER NOT NULL DEFAULT 0,
			is_online INTEGER NOT NULL DEFAULT 0,
			last_active TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS sessions (
			room_id TEXT PRIMARY KEY,
			reader_id INTEGER NOT NULL,
			client_id INTEGER NOT NULL,
			session_type TEXT NOT NULL,
			status TEXT NOT NULL,
			rate_per_minute TEXT NOT NULL,
			start_time TIMESTAMP,
			end_time TIMESTAMP,
			duration_seconds INTEGER,
			total_amount INTEGER,
			reader_earned INTEGER,
			platform_earned INTEGER,
			end_reason TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL,
			FOREIGN KEY(reader_id) REFERENCES users(id),
			FOREIGN KEY(client_id) REFERENCES users(id)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);`,
		`CREATE TABLE IF NOT EXISTS gifts (
			id TEXT PRIMARY KEY,
			sender_id INTEGER NOT NULL,
			recipient_id INTEGER NOT NULL,
			livestream_id TEXT NOT NULL DEFAULT '',
			amount INTEGER NOT NULL,
			gift_type TEXT NOT NULL,
			message TEXT NOT NULL DEFAULT '',
			reader_amount INTEGER NOT NULL,
			platform_amount INTEGER NOT NULL,
			processed INTEGER NOT NULL DEFAULT 0,
			processed_at TIMESTAMP,
			created_at TIMESTAMP NOT NULL,
			FOREIGN KEY(sender_id) REFERENCES users(id),
			FOREIGN KEY(recipient_id) REFERENCES users(id)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_gifts_processed ON gifts(processed);`,
		`CREATE TABLE IF NOT EXISTS payouts (
			id TEXT PRIMARY KEY,
			reader_id INTEGER NOT NULL,
			amount INTEGER NOT NULL,
			status TEXT NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL,
			FOREIGN KEY(reader_id) REFERENCES users(id)
		);`,
		`CREATE TABLE IF NOT EXISTS ledger_entries (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			reference_kind TEXT NOT NULL,
			reference_id TEXT NOT NULL,
			account_id INTEGER NOT NULL,
			delta INTEGER NOT NULL,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY(account_id) REFERENCES users(id)
		);`,
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return s.seedPlatformAccount(ctx)
}

// seedPlatformAccount guarantees the platform revenue account exists and owns
// its fixed id before any settlement can run. If another user already holds
// that id the store refuses to start rather than route the platform share to
// them.
func (s *SQLiteStore) seedPlatformAccount(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO users (id, role, rate_per_minute, last_active)
		 VALUES (?, ?, '0', ?)`,
		domain.PlatformAccountID, domain.RolePlatform, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("seed platform account: %w", err)
	}

	var role string
	err = s.db.QueryRowContext(ctx,
		"SELECT role FROM users WHERE id = ?", domain.PlatformAccountID).Scan(&role)
	if err != nil {
		return fmt.Errorf("seed platform account: %w", err)
	}
	if role != string(domain.RolePlatform) {
		return fmt.Errorf("user %d holds the platform account id but has role %q",
			domain.PlatformAccountID, role)
	}
	return nil
}

func (s *SQLiteStore) CreateUser(ctx context.Context, u *domain.User) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO users (role, rate_per_minute, balance, earnings, broadcast_presence, last_active)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		u.Role, u.RatePerMinute.String(), u.Balance, u.Earnings, u.BroadcastPresence, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("create user: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	u.ID = id
	return id, nil
}

func (s *SQLiteStore) GetUser(ctx context.Context, id int64) (*domain.User, error) {
	return scanUserRow(s.db.QueryRowContext(ctx,
		`SELECT id, role, rate_per_minute, balance, earnings, broadcast_presence, is_online, last_active
		 FROM users WHERE id = ?`, id))
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUserRow(row rowScanner) (*domain.User, error) {
	var u domain.User
	var rate string
	err := row.Scan(&u.ID, &u.Role, &rate, &u.Balance, &u.Earnings,
		&u.BroadcastPresence, &u.IsOnline, &u.LastActive)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	u.RatePerMinute, err = decimal.NewFromString(rate)
	if err != nil {
		return nil, fmt.Errorf("parse rate for user %d: %w", u.ID, err)
	}
	return &u, nil
}

func (s *SQLiteStore) SetPresence(ctx context.Context, userID int64, online bool, lastActive time.Time) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE users SET is_online = ?, last_active = ? WHERE id = ?",
		online, lastActive, userID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrUserNotFound
	}
	return nil
}

func (s *SQLiteStore) Transfer(ctx context.Context, p domain.TransferParams) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback()

	if err := applyTransferSQLite(ctx, tx, p); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("tx commit failed: %w", err)
	}
	return nil
}

func applyTransferSQLite(ctx context.Context, tx *sql.Tx, p domain.TransferParams) error {
	var debitBalance int64
	err := tx.QueryRowContext(ctx, "SELECT balance FROM users WHERE id = ?", p.DebitUserID).Scan(&debitBalance)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrUserNotFound
		}
		return err
	}
	var exists int
	err = tx.QueryRowContext(ctx, "SELECT 1 FROM users WHERE id = ?", p.CreditUserID).Scan(&exists)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrUserNotFound
		}
		return err
	}

	if debitBalance < p.DebitAmount {
		return ErrInsufficientFunds
	}

	if _, err := tx.ExecContext(ctx,
		"UPDATE users SET balance = balance - ? WHERE id = ?", p.DebitAmount, p.DebitUserID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		"UPDATE users SET earnings = earnings + ? WHERE id = ?", p.CreditAmount, p.CreditUserID); err != nil {
		return err
	}
	if p.PlatformAmount > 0 {
		if _, err := tx.ExecContext(ctx,
			"UPDATE users SET earnings = earnings + ? WHERE id = ?",
			p.PlatformAmount, domain.PlatformAccountID); err != nil {
			return err
		}
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO ledger_entries (reference_kind, reference_id, account_id, delta)
		 VALUES (?, ?, ?, ?), (?, ?, ?, ?), (?, ?, ?, ?)`,
		p.ReferenceKind, p.ReferenceID, p.DebitUserID, -p.DebitAmount,
		p.ReferenceKind, p.ReferenceID, p.CreditUserID, p.CreditAmount,
		p.ReferenceKind, p.ReferenceID, domain.PlatformAccountID, p.PlatformAmount); err != nil {
		return fmt.Errorf("ledger entry failed: %w", err)
	}
	return nil
}

const sqliteSessionColumns = `room_id, reader_id, client_id, session_type, status, rate_per_minute,
	start_time, end_time, duration_seconds, total_amount, reader_earned, platform_earned,
	end_reason, created_at`

func scanSessionRow(row rowScanner) (*domain.Session, error) {
	var sess domain.Session
	var rate string
	var startTime, endTime sql.NullTime
	var duration, total, reader, platform sql.NullInt64
	err := row.Scan(&sess.RoomID, &sess.ReaderID, &sess.ClientID, &sess.Type, &sess.Status, &rate,
		&startTime, &endTime, &duration, &total, &reader, &platform,
		&sess.EndReason, &sess.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}
	sess.RatePerMinute, err = decimal.NewFromString(rate)
	if err != nil {
		return nil, fmt.Errorf("parse rate for session %s: %w", sess.RoomID, err)
	}
	if startTime.Valid {
		t := startTime.Time
		sess.StartTime = &t
	}
	if endTime.Valid {
		t := endTime.Time
		sess.EndTime = &t
	}
	if duration.Valid {
		v := duration.Int64
		sess.DurationSeconds = &v
	}
	if total.Valid {
		v := total.Int64
		sess.TotalAmount = &v
	}
	if reader.Valid {
		v := reader.Int64
		sess.ReaderEarned = &v
	}
	if platform.Valid {
		v := platform.Int64
		sess.PlatformEarned = &v
	}
	return &sess, nil
}

func (s *SQLiteStore) CreateSession(ctx context.Context, sess *domain.Session) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (room_id, reader_id, client_id, session_type, status, rate_per_minute, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sess.RoomID, sess.ReaderID, sess.ClientID, sess.Type, sess.Status,
		sess.RatePerMinute.String(), sess.CreatedAt)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetSession(ctx context.Context, roomID string) (*domain.Session, error) {
	return scanSessionRow(s.db.QueryRowContext(ctx,
		"SELECT "+sqliteSessionColumns+" FROM sessions WHERE room_id = ?", roomID))
}

func (s *SQLiteStore) UpdateSession(ctx context.Context, sess *domain.Session) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET status = ?, start_time = ?, end_time = ?, duration_seconds = ?,
		 total_amount = ?, reader_earned = ?, platform_earned = ?, end_reason = ?
		 WHERE room_id = ?`,
		sess.Status, nullTime(sess.StartTime), nullTime(sess.EndTime), nullInt(sess.DurationSeconds),
		nullInt(sess.TotalAmount), nullInt(sess.ReaderEarned), nullInt(sess.PlatformEarned),
		sess.EndReason, sess.RoomID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrSessionNotFound
	}
	return nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func nullInt(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func (s *SQLiteStore) SettleSession(ctx context.Context, roomID string, settle domain.Settlement) (*domain.Session, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback()

	sess, err := scanSessionRow(tx.QueryRowContext(ctx,
		"SELECT "+sqliteSessionColumns+" FROM sessions WHERE room_id = ?", roomID))
	if err != nil {
		return nil, err
	}

	if sess.Status == domain.SessionEnded {
		return sess, tx.Commit()
	}

	if settle.TotalAmount > 0 {
		err = applyTransferSQLite(ctx, tx, domain.TransferParams{
			DebitUserID:    sess.ClientID,
			DebitAmount:    settle.TotalAmount,
			CreditUserID:   sess.ReaderID,
			CreditAmount:   settle.ReaderEarned,
			PlatformAmount: settle.PlatformEarned,
			ReferenceKind:  "session",
			ReferenceID:    roomID,
		})
		if err != nil {
			return nil, err
		}
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE sessions SET status = ?, end_time = ?, duration_seconds = ?,
		 total_amount = ?, reader_earned = ?, platform_earned = ?, end_reason = ?
		 WHERE room_id = ?`,
		domain.SessionEnded, settle.EndTime, settle.DurationSeconds,
		settle.TotalAmount, settle.ReaderEarned, settle.PlatformEarned, settle.Reason, roomID); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
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

func (s *SQLiteStore) ListStaleSessions(ctx context.Context, cutoff time.Time) ([]domain.Session, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+sqliteSessionColumns+` FROM sessions
		 WHERE (status = ? AND created_at < ?) OR (status = ? AND start_time < ?)`,
		domain.SessionWaiting, cutoff, domain.SessionActive, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []domain.Session
	for rows.Next() {
		sess, err := scanSessionRow(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *sess)
	}
	return sessions, rows.Err()
}

func (s *SQLiteStore) CreateGift(ctx context.Context, g *domain.Gift) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO gifts (id, sender_id, recipient_id, livestream_id, amount, gift_type, message,
		 reader_amount, platform_amount, processed, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		g.ID, g.SenderID, g.RecipientID, g.LivestreamID, g.Amount, g.GiftType, g.Message,
		g.ReaderAmount, g.PlatformAmount, g.Processed, g.CreatedAt)
	if err != nil {
		return fmt.Errorf("create gift: %w", err)
	}
	return nil
}

const sqliteGiftColumns = `id, sender_id, recipient_id, livestream_id, amount, gift_type, message,
	reader_amount, platform_amount, processed, processed_at, created_at`

func scanGiftRow(row rowScanner) (*domain.Gift, error) {
	var g domain.Gift
	var processedAt sql.NullTime
	err := row.Scan(&g.ID, &g.SenderID, &g.RecipientID, &g.LivestreamID, &g.Amount, &g.GiftType,
		&g.Message, &g.ReaderAmount, &g.PlatformAmount, &g.Processed, &processedAt, &g.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrGiftNotFound
		}
		return nil, err
	}
	if processedAt.Valid {
		t := processedAt.Time
		g.ProcessedAt = &t
	}
	return &g, nil
}

func (s *SQLiteStore) GetGift(ctx context.Context, id string) (*domain.Gift, error) {
	return scanGiftRow(s.db.QueryRowContext(ctx,
		"SELECT "+sqliteGiftColumns+" FROM gifts WHERE id = ?", id))
}

func (s *SQLiteStore) SettleGift(ctx context.Context, id string, at time.Time) (*domain.Gift, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback()

	g, err := scanGiftRow(tx.QueryRowContext(ctx,
		"SELECT "+sqliteGiftColumns+" FROM gifts WHERE id = ?", id))
	if err != nil {
		return nil, err
	}
	if g.Processed {
		return nil, ErrAlreadyProcessed
	}

	err = applyTransferSQLite(ctx, tx, domain.TransferParams{
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

	if _, err := tx.ExecContext(ctx,
		"UPDATE gifts SET processed = 1, processed_at = ? WHERE id = ?", at, id); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("tx commit failed: %w", err)
	}

	g.Processed = true
	processedAt := at
	g.ProcessedAt = &processedAt
	return g, nil
}

func (s *SQLiteStore) ListUnprocessedGifts(ctx context.Context) ([]domain.Gift, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+sqliteGiftColumns+" FROM gifts WHERE processed = 0 ORDER BY created_at")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var gifts []domain.Gift
	for rows.Next() {
		g, err := scanGiftRow(rows)
		if err != nil {
			return nil, err
		}
		gifts = append(gifts, *g)
	}
	return gifts, rows.Err()
}

func (s *SQLiteStore) ListPayableReaders(ctx context.Context, threshold int64) ([]domain.User, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, role, rate_per_minute, balance, earnings, broadcast_presence, is_online, last_active
		 FROM users WHERE role = ? AND earnings >= ? ORDER BY id`,
		domain.RoleReader, threshold)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []domain.User
	for rows.Next() {
		u, err := scanUserRow(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, *u)
	}
	return users, rows.Err()
}

func (s *SQLiteStore) CreatePayout(ctx context.Context, readerID int64) (*domain.PayoutRecord, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback()

	var earnings int64
	err = tx.QueryRowContext(ctx, "SELECT earnings FROM users WHERE id = ?", readerID).Scan(&earnings)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	if earnings <= 0 {
		return nil, ErrNothingToPayout
	}

	if _, err := tx.ExecContext(ctx, "UPDATE users SET earnings = 0 WHERE id = ?", readerID); err != nil {
		return nil, err
	}

	record := &domain.PayoutRecord{
		ID:        uuid.New().String(),
		ReaderID:  readerID,
		Amount:    earnings,
		Status:    domain.PayoutPending,
		CreatedAt: time.Now().UTC(),
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO payouts (id, reader_id, amount, status, created_at) VALUES (?, ?, ?, ?, ?)",
		record.ID, record.ReaderID, record.Amount, record.Status, record.CreatedAt); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("tx commit failed: %w", err)
	}
	return record, nil
}

func (s *SQLiteStore) ListPayouts(ctx context.Context, readerID int64) ([]domain.PayoutRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, reader_id, amount, status, reason, created_at
		 FROM payouts WHERE reader_id = ? ORDER BY created_at`, readerID)
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

func (s *SQLiteStore) UpdatePayoutStatus(ctx context.Context, id string, status domain.PayoutStatus, reason string) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE payouts SET status = ?, reason = ? WHERE id = ?", status, reason, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrPayoutNotFound
	}
	return nil
}
