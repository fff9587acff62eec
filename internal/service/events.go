package service

import (
	"go.uber.org/zap"

	"github.com/punchamoorthee/sessionops/internal/domain"
)

// EventSink receives status-change notifications from the engine. Publish is
// fire-and-forget: implementations must not block the caller, and a failed
// delivery never rolls back the state change that produced the event.
type EventSink interface {
	Publish(evt domain.Event)
}

// ZapSink writes events to the process log. It is the default sink when no
// realtime fanout is attached.
type ZapSink struct{}

func (ZapSink) Publish(evt domain.Event) {
	zap.L().Info("event",
		zap.String("kind", evt.Kind),
		zap.Int64("user_id", evt.UserID),
		zap.String("room_id", evt.RoomID),
		zap.String("gift_id", evt.GiftID),
		zap.Int64("amount", evt.Amount))
}

// MultiSink fans one event out to several sinks.
type MultiSink []EventSink

func (m MultiSink) Publish(evt domain.Event) {
	for _, sink := range m {
		sink.Publish(evt)
	}
}
