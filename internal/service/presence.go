package service

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/punchamoorthee/sessionops/internal/domain"
	"github.com/punchamoorthee/sessionops/internal/store"
)

// PresenceTracker tracks the set of open realtime connections per user and
// debounces transient disconnects: a close-then-reopen pair inside the
// debounce window (page reload, network blip) produces no offline event.
//
// Per user the state machine is Online -> PendingOffline -> Offline, with
// PendingOffline -> Online on reconnect and PendingOffline -> Offline on
// timer expiry. Confirmed transitions are persisted and, for users with the
// broadcast capability, published to the event sink.
type PresenceTracker struct {
	mu      sync.Mutex
	window  time.Duration
	store   store.Store
	sink    EventSink
	entries map[int64]*presenceEntry
}

type presenceEntry struct {
	conns      map[string]struct{}
	online     bool
	broadcast  bool
	timer      *time.Timer
	lastActive time.Time
}

func NewPresenceTracker(st store.Store, sink EventSink, debounceWindow time.Duration) *PresenceTracker {
	return &PresenceTracker{
		window:  debounceWindow,
		store:   st,
		sink:    sink,
		entries: make(map[int64]*presenceEntry),
	}
}

// Connect registers an open connection. The first connection for a user
// flips them online, cancelling any pending offline timer from an earlier
// disconnect.
func (p *PresenceTracker) Connect(ctx context.Context, userID int64, connID string) error {
	p.mu.Lock()
	entry, ok := p.entries[userID]
	p.mu.Unlock()

	if !ok {
		user, err := p.store.GetUser(ctx, userID)
		if err != nil {
			return err
		}
		p.mu.Lock()
		entry, ok = p.entries[userID]
		if !ok {
			entry = &presenceEntry{
				conns:     make(map[string]struct{}),
				broadcast: user.BroadcastPresence,
			}
			p.entries[userID] = entry
		}
		p.mu.Unlock()
	}

	now := time.Now().UTC()

	p.mu.Lock()
	if entry.timer != nil {
		entry.timer.Stop()
		entry.timer = nil
	}
	entry.conns[connID] = struct{}{}
	entry.lastActive = now
	wentOnline := !entry.online
	entry.online = true
	broadcast := entry.broadcast
	p.mu.Unlock()

	if !wentOnline {
		return nil
	}

	if err := p.store.SetPresence(ctx, userID, true, now); err != nil {
		zap.L().Error("persist presence online failed",
			zap.Int64("user_id", userID), zap.Error(err))
	}
	presenceTransitionsTotal.WithLabelValues("online").Inc()
	if broadcast {
		p.sink.Publish(domain.Event{Kind: domain.EventPresenceOnline, UserID: userID, At: now})
	}
	return nil
}

// Disconnect removes a connection. When the last connection closes the user
// is not flagged offline immediately: a debounce timer is armed, and only if
// it fires with the connection set still empty does the user go offline.
func (p *PresenceTracker) Disconnect(userID int64, connID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	entry, ok := p.entries[userID]
	if !ok {
		return
	}
	delete(entry.conns, connID)
	entry.lastActive = time.Now().UTC()

	if len(entry.conns) > 0 || !entry.online || entry.timer != nil {
		return
	}

	var timer *time.Timer
	timer = time.AfterFunc(p.window, func() {
		p.fireOffline(userID, timer)
	})
	entry.timer = timer
}

func (p *PresenceTracker) fireOffline(userID int64, timer *time.Timer) {
	p.mu.Lock()
	entry, ok := p.entries[userID]
	if !ok || entry.timer != timer {
		// superseded by a reconnect
		p.mu.Unlock()
		return
	}
	entry.timer = nil
	if len(entry.conns) > 0 || !entry.online {
		p.mu.Unlock()
		return
	}
	entry.online = false
	now := time.Now().UTC()
	entry.lastActive = now
	broadcast := entry.broadcast
	p.mu.Unlock()

	if err := p.store.SetPresence(context.Background(), userID, false, now); err != nil {
		zap.L().Error("persist presence offline failed",
			zap.Int64("user_id", userID), zap.Error(err))
	}
	presenceTransitionsTotal.WithLabelValues("offline").Inc()
	if broadcast {
		p.sink.Publish(domain.Event{Kind: domain.EventPresenceOffline, UserID: userID, At: now})
	}
}

// IsOnline reports current state. A user inside the debounce grace period is
// still online.
func (p *PresenceTracker) IsOnline(userID int64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	entry, ok := p.entries[userID]
	return ok && entry.online
}

// ConnectionCount returns the number of open connections for a user.
func (p *PresenceTracker) ConnectionCount(userID int64) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if entry, ok := p.entries[userID]; ok {
		return len(entry.conns)
	}
	return 0
}

// Shutdown cancels every pending offline timer.
func (p *PresenceTracker) Shutdown() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, entry := range p.entries {
		if entry.timer != nil {
			entry.timer.Stop()
			entry.timer = nil
		}
	}
}
