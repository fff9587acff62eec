package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/punchamoorthee/sessionops/internal/domain"
	"github.com/punchamoorthee/sessionops/internal/store"
)

func newTracker(env *testEnv) *SessionTracker {
	return NewSessionTracker(env.store, env.sink, testBillingConfig())
}

// backdateStart rewinds an active session's start time so billing math can
// be exercised without sleeping.
func backdateStart(t *testing.T, env *testEnv, roomID string, ago time.Duration) {
	t.Helper()
	ctx := context.Background()
	sess, err := env.store.GetSession(ctx, roomID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	start := time.Now().UTC().Add(-ago)
	sess.StartTime = &start
	if err := env.store.UpdateSession(ctx, sess); err != nil {
		t.Fatalf("UpdateSession: %v", err)
	}
}

func TestCreateSessionSnapshotsRate(t *testing.T) {
	env := newTestEnv(t, 5000)
	tracker := newTracker(env)
	ctx := context.Background()

	sess, err := tracker.CreateSession(ctx, env.readerID, env.clientID, domain.SessionVideo)
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if sess.Status != domain.SessionWaiting {
		t.Errorf("status = %s, want waiting", sess.Status)
	}
	if sess.RoomID == "" {
		t.Errorf("expected a room id")
	}
	if !sess.RatePerMinute.Equal(decimal.RequireFromString("2.00")) {
		t.Errorf("rate = %s, want 2.00", sess.RatePerMinute)
	}
}

func TestCreateSessionUnknownReader(t *testing.T) {
	env := newTestEnv(t, 0)
	tracker := newTracker(env)

	if _, err := tracker.CreateSession(context.Background(), 9999, env.clientID, domain.SessionChat); !errors.Is(err, ErrReaderNotFound) {
		t.Fatalf("error = %v, want ErrReaderNotFound", err)
	}
	// A client id is not a reader either.
	if _, err := tracker.CreateSession(context.Background(), env.clientID, env.clientID, domain.SessionChat); !errors.Is(err, ErrReaderNotFound) {
		t.Fatalf("error = %v, want ErrReaderNotFound", err)
	}
}

func TestStartSessionTransitions(t *testing.T) {
	env := newTestEnv(t, 5000)
	tracker := newTracker(env)
	ctx := context.Background()

	sess, err := tracker.CreateSession(ctx, env.readerID, env.clientID, domain.SessionVoice)
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	started, err := tracker.StartSession(ctx, sess.RoomID)
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	if started.Status != domain.SessionActive || started.StartTime == nil {
		t.Fatalf("session not active after start: %+v", started)
	}

	// Second start is a no-op returning current state.
	again, err := tracker.StartSession(ctx, sess.RoomID)
	if err != nil {
		t.Fatalf("StartSession (again): %v", err)
	}
	if !again.StartTime.Equal(*started.StartTime) {
		t.Errorf("start time moved on repeated start")
	}

	if _, err := tracker.EndSession(ctx, sess.RoomID, domain.EndReasonClient); err != nil {
		t.Fatalf("EndSession: %v", err)
	}
	if _, err := tracker.StartSession(ctx, sess.RoomID); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("start after end error = %v, want ErrInvalidTransition", err)
	}
}

func TestTrackBillingAppliesMinimumFloor(t *testing.T) {
	env := newTestEnv(t, 5000)
	tracker := newTracker(env)
	ctx := context.Background()

	sess, err := tracker.CreateSession(ctx, env.readerID, env.clientID, domain.SessionVideo)
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	// Billing reads on a waiting session are a usage error.
	if _, err := tracker.TrackBilling(ctx, sess.RoomID); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("billing on waiting error = %v, want ErrInvalidTransition", err)
	}

	if _, err := tracker.StartSession(ctx, sess.RoomID); err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	backdateStart(t, env, sess.RoomID, 90*time.Second)

	amount, err := tracker.TrackBilling(ctx, sess.RoomID)
	if err != nil {
		t.Fatalf("TrackBilling: %v", err)
	}
	// 90s at $2.00/min with a 5 minute floor.
	if !amount.Equal(decimal.RequireFromString("10.00")) {
		t.Errorf("amount = %s, want 10.00", amount)
	}
}

func TestEndSessionSettlesWithFloorAndSplit(t *testing.T) {
	env := newTestEnv(t, 5000)
	tracker := newTracker(env)
	ctx := context.Background()

	sess, err := tracker.CreateSession(ctx, env.readerID, env.clientID, domain.SessionVideo)
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if _, err := tracker.StartSession(ctx, sess.RoomID); err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	backdateStart(t, env, sess.RoomID, 90*time.Second)

	ended, err := tracker.EndSession(ctx, sess.RoomID, domain.EndReasonClient)
	if err != nil {
		t.Fatalf("EndSession: %v", err)
	}

	if ended.TotalAmount == nil || *ended.TotalAmount != 1000 {
		t.Fatalf("total = %v, want 1000", ended.TotalAmount)
	}
	if *ended.ReaderEarned != 700 || *ended.PlatformEarned != 300 {
		t.Errorf("split = %d/%d, want 700/300", *ended.ReaderEarned, *ended.PlatformEarned)
	}
	if *ended.ReaderEarned+*ended.PlatformEarned != *ended.TotalAmount {
		t.Errorf("split does not reconstruct total")
	}
	if *ended.DurationSeconds < 90 || *ended.DurationSeconds > 92 {
		t.Errorf("duration = %d, want ~90", *ended.DurationSeconds)
	}

	if got := env.user(t, env.clientID).Balance; got != 4000 {
		t.Errorf("client balance = %d, want 4000", got)
	}
	if got := env.user(t, env.readerID).Earnings; got != 700 {
		t.Errorf("reader earnings = %d, want 700", got)
	}
	if got := env.user(t, domain.PlatformAccountID).Earnings; got != 300 {
		t.Errorf("platform earnings = %d, want 300", got)
	}
}

func TestEndSessionIdempotent(t *testing.T) {
	env := newTestEnv(t, 5000)
	tracker := newTracker(env)
	ctx := context.Background()

	sess, err := tracker.CreateSession(ctx, env.readerID, env.clientID, domain.SessionChat)
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if _, err := tracker.StartSession(ctx, sess.RoomID); err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	backdateStart(t, env, sess.RoomID, 90*time.Second)

	first, err := tracker.EndSession(ctx, sess.RoomID, domain.EndReasonClient)
	if err != nil {
		t.Fatalf("EndSession: %v", err)
	}
	second, err := tracker.EndSession(ctx, sess.RoomID, domain.EndReasonClient)
	if err != nil {
		t.Fatalf("EndSession (again): %v", err)
	}

	if *first.TotalAmount != *second.TotalAmount ||
		*first.ReaderEarned != *second.ReaderEarned ||
		*first.DurationSeconds != *second.DurationSeconds {
		t.Errorf("settlement values differ between calls")
	}
	if got := env.user(t, env.clientID).Balance; got != 4000 {
		t.Errorf("client balance = %d, want 4000 (single debit)", got)
	}
}

func TestEndSessionInsufficientFundsLeavesActive(t *testing.T) {
	env := newTestEnv(t, 100)
	tracker := newTracker(env)
	ctx := context.Background()

	sess, err := tracker.CreateSession(ctx, env.readerID, env.clientID, domain.SessionVideo)
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if _, err := tracker.StartSession(ctx, sess.RoomID); err != nil {
		t.Fatalf("StartSession: %v", err)
	}

	if _, err := tracker.EndSession(ctx, sess.RoomID, domain.EndReasonClient); !errors.Is(err, store.ErrInsufficientFunds) {
		t.Fatalf("error = %v, want ErrInsufficientFunds", err)
	}

	stored, err := env.store.GetSession(ctx, sess.RoomID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if stored.Status != domain.SessionActive {
		t.Errorf("status = %s, want active (fail-closed)", stored.Status)
	}
	if got := env.user(t, env.clientID).Balance; got != 100 {
		t.Errorf("client balance = %d, want 100 (untouched)", got)
	}
}

func TestEndWaitingSessionSettlesZero(t *testing.T) {
	env := newTestEnv(t, 0)
	tracker := newTracker(env)
	ctx := context.Background()

	sess, err := tracker.CreateSession(ctx, env.readerID, env.clientID, domain.SessionChat)
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	ended, err := tracker.EndSession(ctx, sess.RoomID, domain.EndReasonStale)
	if err != nil {
		t.Fatalf("EndSession: %v", err)
	}
	if ended.Status != domain.SessionEnded || *ended.TotalAmount != 0 {
		t.Fatalf("waiting session should end with zero settlement: %+v", ended)
	}
}

func TestSweepReapsStaleAndCancelsUnfunded(t *testing.T) {
	env := newTestEnv(t, 100)
	tracker := newTracker(env)
	ctx := context.Background()

	// A 3h stale session at $2.00/min bills $360, so the funded client
	// needs a healthy balance.
	funded, err := env.store.CreateUser(ctx, &domain.User{
		Role: domain.RoleClient, RatePerMinute: decimal.Zero, Balance: 50000,
	})
	if err != nil {
		t.Fatalf("create funded client: %v", err)
	}

	// created_at is immutable through UpdateSession, so build the aged
	// rows directly.
	mkStale := func(clientID int64) string {
		old := time.Now().UTC().Add(-3 * time.Hour)
		sess := &domain.Session{
			RoomID:        uuid.New().String(),
			ReaderID:      env.readerID,
			ClientID:      clientID,
			Type:          domain.SessionChat,
			Status:        domain.SessionWaiting,
			RatePerMinute: decimal.RequireFromString("2.00"),
			CreatedAt:     old,
		}
		if err := env.store.CreateSession(ctx, sess); err != nil {
			t.Fatalf("CreateSession: %v", err)
		}
		sess.Status = domain.SessionActive
		start := old
		sess.StartTime = &start
		if err := env.store.UpdateSession(ctx, sess); err != nil {
			t.Fatalf("UpdateSession: %v", err)
		}
		return sess.RoomID
	}

	fundedRoom := mkStale(funded)
	brokeRoom := mkStale(env.clientID)

	// Idled in waiting for hours but started moments ago: live, and the
	// sweep must leave it alone.
	liveSess := &domain.Session{
		RoomID:        uuid.New().String(),
		ReaderID:      env.readerID,
		ClientID:      funded,
		Type:          domain.SessionChat,
		Status:        domain.SessionWaiting,
		RatePerMinute: decimal.RequireFromString("2.00"),
		CreatedAt:     time.Now().UTC().Add(-3 * time.Hour),
	}
	if err := env.store.CreateSession(ctx, liveSess); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	liveStart := time.Now().UTC().Add(-2 * time.Minute)
	liveSess.Status = domain.SessionActive
	liveSess.StartTime = &liveStart
	if err := env.store.UpdateSession(ctx, liveSess); err != nil {
		t.Fatalf("UpdateSession: %v", err)
	}

	tracker.sweepStale(ctx)

	liveAfter, err := env.store.GetSession(ctx, liveSess.RoomID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if liveAfter.Status != domain.SessionActive {
		t.Errorf("recently started session = %s, want active after sweep", liveAfter.Status)
	}

	fundedSess, err := env.store.GetSession(ctx, fundedRoom)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if fundedSess.Status != domain.SessionEnded || fundedSess.EndReason != domain.EndReasonStale {
		t.Errorf("funded stale session = %s/%s, want ended/stale", fundedSess.Status, fundedSess.EndReason)
	}
	if *fundedSess.TotalAmount == 0 {
		t.Errorf("funded stale session should have been billed")
	}

	brokeSess, err := env.store.GetSession(ctx, brokeRoom)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if brokeSess.Status != domain.SessionEnded || brokeSess.EndReason != domain.EndReasonCancel {
		t.Errorf("unfunded stale session = %s/%s, want ended/cancel", brokeSess.Status, brokeSess.EndReason)
	}
	if *brokeSess.TotalAmount != 0 {
		t.Errorf("unfunded stale session must not charge, got %d", *brokeSess.TotalAmount)
	}
	if got := env.user(t, env.clientID).Balance; got != 100 {
		t.Errorf("broke client balance = %d, want 100", got)
	}
}

func TestBillableMinutes(t *testing.T) {
	cases := []struct {
		elapsed, minimum, want int64
	}{
		{0, 5, 5},
		{1, 5, 5},
		{90, 5, 5},
		{300, 5, 5},
		{301, 5, 6},
		{360, 5, 6},
		{361, 5, 7},
		{59, 1, 1},
		{60, 1, 1},
		{61, 1, 2},
	}
	for _, c := range cases {
		if got := billableMinutes(c.elapsed, c.minimum); got != c.want {
			t.Errorf("billableMinutes(%d, %d) = %d, want %d", c.elapsed, c.minimum, got, c.want)
		}
	}
}

func TestSplitConservation(t *testing.T) {
	for _, total := range []int64{0, 1, 2, 3, 99, 100, 101, 999, 1000, 123457} {
		reader, platform := domain.SplitAmount(total)
		if reader+platform != total {
			t.Errorf("SplitAmount(%d): %d + %d != %d", total, reader, platform, total)
		}
		if reader < 0 || platform < 0 {
			t.Errorf("SplitAmount(%d) produced a negative share", total)
		}
	}
}
