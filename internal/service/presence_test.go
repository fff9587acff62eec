package service

import (
	"context"
	"testing"
	"time"

	"github.com/punchamoorthee/sessionops/internal/domain"
)

const testDebounce = 50 * time.Millisecond

func TestConnectFlipsOnlineAndBroadcasts(t *testing.T) {
	env := newTestEnv(t, 0)
	tracker := NewPresenceTracker(env.store, env.sink, testDebounce)
	ctx := context.Background()

	if tracker.IsOnline(env.readerID) {
		t.Fatalf("reader online before any connection")
	}

	if err := tracker.Connect(ctx, env.readerID, "c1"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if !tracker.IsOnline(env.readerID) {
		t.Errorf("reader not online after connect")
	}
	if env.sink.countKind(domain.EventPresenceOnline) != 1 {
		t.Errorf("expected one online event")
	}
	if !env.user(t, env.readerID).IsOnline {
		t.Errorf("online state not persisted")
	}

	// A second tab adds a connection without a second transition.
	if err := tracker.Connect(ctx, env.readerID, "c2"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if env.sink.countKind(domain.EventPresenceOnline) != 1 {
		t.Errorf("multi-tab connect must not re-emit online")
	}
	if tracker.ConnectionCount(env.readerID) != 2 {
		t.Errorf("connection count = %d, want 2", tracker.ConnectionCount(env.readerID))
	}
}

func TestReconnectWithinWindowEmitsNoOffline(t *testing.T) {
	env := newTestEnv(t, 0)
	tracker := NewPresenceTracker(env.store, env.sink, testDebounce)
	ctx := context.Background()

	if err := tracker.Connect(ctx, env.readerID, "c1"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	tracker.Disconnect(env.readerID, "c1")

	// Page reload: the new connection arrives inside the grace period.
	if !tracker.IsOnline(env.readerID) {
		t.Errorf("user must stay online during the grace period")
	}
	if err := tracker.Connect(ctx, env.readerID, "c2"); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	time.Sleep(3 * testDebounce)

	if env.sink.countKind(domain.EventPresenceOffline) != 0 {
		t.Errorf("reconnect within window emitted an offline event")
	}
	if !tracker.IsOnline(env.readerID) {
		t.Errorf("user went offline despite reconnect")
	}
	if env.sink.countKind(domain.EventPresenceOnline) != 1 {
		t.Errorf("reconnect within window must not re-emit online")
	}
}

func TestDisconnectWithoutReconnectEmitsOneOffline(t *testing.T) {
	env := newTestEnv(t, 0)
	tracker := NewPresenceTracker(env.store, env.sink, testDebounce)
	ctx := context.Background()

	if err := tracker.Connect(ctx, env.readerID, "c1"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	tracker.Disconnect(env.readerID, "c1")

	time.Sleep(3 * testDebounce)

	if got := env.sink.countKind(domain.EventPresenceOffline); got != 1 {
		t.Errorf("offline events = %d, want exactly 1", got)
	}
	if tracker.IsOnline(env.readerID) {
		t.Errorf("user still online after debounce expiry")
	}
	if env.user(t, env.readerID).IsOnline {
		t.Errorf("offline state not persisted")
	}
}

func TestLastConnectionGoverns(t *testing.T) {
	env := newTestEnv(t, 0)
	tracker := NewPresenceTracker(env.store, env.sink, testDebounce)
	ctx := context.Background()

	if err := tracker.Connect(ctx, env.readerID, "c1"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := tracker.Connect(ctx, env.readerID, "c2"); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	tracker.Disconnect(env.readerID, "c1")
	time.Sleep(3 * testDebounce)

	if !tracker.IsOnline(env.readerID) {
		t.Errorf("closing one of two tabs must not flag offline")
	}
	if env.sink.countKind(domain.EventPresenceOffline) != 0 {
		t.Errorf("unexpected offline event with a connection still open")
	}
}

func TestClientTransitionsPersistWithoutBroadcast(t *testing.T) {
	env := newTestEnv(t, 0)
	tracker := NewPresenceTracker(env.store, env.sink, testDebounce)
	ctx := context.Background()

	if err := tracker.Connect(ctx, env.clientID, "c1"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	tracker.Disconnect(env.clientID, "c1")
	time.Sleep(3 * testDebounce)

	// Clients lack the broadcast capability: no events, but the persisted
	// state still tracks the transitions.
	if env.sink.countKind(domain.EventPresenceOnline) != 0 ||
		env.sink.countKind(domain.EventPresenceOffline) != 0 {
		t.Errorf("client presence must not broadcast")
	}
	if env.user(t, env.clientID).IsOnline {
		t.Errorf("client offline state not persisted")
	}
}

func TestConnectUnknownUser(t *testing.T) {
	env := newTestEnv(t, 0)
	tracker := NewPresenceTracker(env.store, env.sink, testDebounce)

	if err := tracker.Connect(context.Background(), 9999, "c1"); err == nil {
		t.Fatalf("expected an error for an unknown user")
	}
}
