package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/punchamoorthee/sessionops/internal/config"
	"github.com/punchamoorthee/sessionops/internal/domain"
	"github.com/punchamoorthee/sessionops/internal/store"
)

// testSink records published events for assertions.
type testSink struct {
	mu     sync.Mutex
	events []domain.Event
}

func (s *testSink) Publish(evt domain.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, evt)
}

func (s *testSink) countKind(kind string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, evt := range s.events {
		if evt.Kind == kind {
			n++
		}
	}
	return n
}

type testEnv struct {
	store    *store.SQLiteStore
	sink     *testSink
	readerID int64
	clientID int64
}

// newTestEnv stands up an in-memory store with the platform account, one
// broadcast reader at $2.00/min, and one client holding the given balance.
func newTestEnv(t *testing.T, clientBalance int64) *testEnv {
	t.Helper()
	ctx := context.Background()

	st, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(st.Close)
	if err := st.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	readerID, err := st.CreateUser(ctx, &domain.User{
		Role:              domain.RoleReader,
		RatePerMinute:     decimal.RequireFromString("2.00"),
		BroadcastPresence: true,
	})
	if err != nil {
		t.Fatalf("create reader: %v", err)
	}

	clientID, err := st.CreateUser(ctx, &domain.User{
		Role: domain.RoleClient, RatePerMinute: decimal.Zero, Balance: clientBalance,
	})
	if err != nil {
		t.Fatalf("create client: %v", err)
	}

	return &testEnv{store: st, sink: &testSink{}, readerID: readerID, clientID: clientID}
}

func (e *testEnv) user(t *testing.T, id int64) *domain.User {
	t.Helper()
	u, err := e.store.GetUser(context.Background(), id)
	if err != nil {
		t.Fatalf("GetUser(%d): %v", id, err)
	}
	return u
}

func testBillingConfig() config.BillingConfig {
	return config.BillingConfig{
		MinimumBillableMinutes: 5,
		StaleAfter:             2 * time.Hour,
		SweepInterval:          15 * time.Minute,
	}
}
