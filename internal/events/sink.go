package events

import (
	"context"
	"log/slog"

	"github.com/examcore/examcore/internal/domain"
)

// Durable event types, per spec §4.C: the Runner always persists these to
// the Event Store before publishing to the Live Bus.
const (
	TypeLog  = "log"
	TypeStep = "step"
	TypeDone = "done"

	// TypeProgress is published live-only by default (see EmitProgress).
	TypeProgress = "progress"
)

// Sink is the Composite Sink: store-then-publish, with a live-only fast
// path for high-frequency progress events.
type Sink struct {
	store *Store
	bus   *LiveBus
	log   *slog.Logger
}

// NewSink creates a Composite Sink over a durable Store and a LiveBus.
func NewSink(store *Store, bus *LiveBus, log *slog.Logger) *Sink {
	if log == nil {
		log = slog.Default()
	}
	return &Sink{store: store, bus: bus, log: log}
}

// Emit appends eventType/payload to the Event Store, then publishes a copy
// — with `_event_id` set to the assigned id — to the Live Bus. The event is
// durable even if the Live Bus publish fails.
func (s *Sink) Emit(ctx context.Context, taskID, eventType string, payload map[string]any) (domain.Event, error) {
	stored, err := s.store.Append(ctx, taskID, eventType, payload)
	if err != nil {
		return domain.Event{}, err
	}

	live := stored
	live.Payload = withEventID(stored.Payload, stored.ID)
	if err := s.bus.Publish(taskID, live); err != nil {
		s.log.Warn("events: live bus publish failed, event remains durable",
			"task_id", taskID, "event_id", stored.ID, "error", err)
	}
	return stored, nil
}

// EmitProgress publishes a high-frequency progress event to the Live Bus
// only, bypassing the Event Store. On Live Bus failure it degrades
// gracefully — the caller is not blocked and no error reaches the pipeline.
func (s *Sink) EmitProgress(taskID string, payload map[string]any) {
	ev := domain.Event{TaskID: taskID, Type: TypeProgress, Payload: payload}
	if err := s.bus.Publish(taskID, ev); err != nil {
		s.log.Debug("events: progress publish dropped", "task_id", taskID, "error", err)
	}
}

func withEventID(payload map[string]any, id int64) map[string]any {
	out := make(map[string]any, len(payload)+1)
	for k, v := range payload {
		out[k] = v
	}
	out["_event_id"] = id
	return out
}
