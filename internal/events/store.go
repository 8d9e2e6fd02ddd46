// Package events implements the Event Store, Live Bus, and Composite Sink
// (§4.C): a durable append-only per-task event log, a best-effort in-process
// fanout bus, and the sink that ties the two together.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j/dbtype"

	"github.com/examcore/examcore/internal/domain"
	"github.com/examcore/examcore/internal/errs"
)

// Store is the durable, append-only Event Store. Unlike internal/store's
// Task Repository, it does not serialize callers behind a single active
// transaction — high-frequency event appends must proceed concurrently
// with Task Repository operations on the same task.
type Store struct {
	driver neo4j.DriverWithContext
}

// NewStore creates an Event Store over an already-connected Neo4j driver.
func NewStore(driver neo4j.DriverWithContext) *Store {
	return &Store{driver: driver}
}

// EnsureSchema creates the event-log index this store relies on.
func (s *Store) EnsureSchema(ctx context.Context) error {
	sess := s.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer sess.Close(ctx)
	_, err := sess.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		_, err := tx.Run(ctx,
			"CREATE INDEX event_task_id IF NOT EXISTS FOR (e:Event) ON (e.task_id, e.id)", nil)
		return nil, err
	})
	if err != nil {
		return errs.Retryable("events.EnsureSchema", err)
	}
	return nil
}

// Append assigns a monotonic-within-task id to the event and persists it.
func (s *Store) Append(ctx context.Context, taskID, eventType string, payload map[string]any) (domain.Event, error) {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return domain.Event{}, errs.Fatal("events.Append.marshal", err)
	}

	sess := s.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer sess.Close(ctx)

	now := time.Now().UTC()
	res, err := sess.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		r, err := tx.Run(ctx,
			`MERGE (seq:EventSeq {task_id: $task_id})
			 ON CREATE SET seq.value = 0
			 SET seq.value = seq.value + 1
			 WITH seq.value AS next_id
			 CREATE (e:Event {
				task_id: $task_id, id: next_id, type: $type, payload: $payload, created_at: $now
			 })
			 RETURN e`,
			map[string]any{
				"task_id": taskID,
				"type":    eventType,
				"payload": string(payloadJSON),
				"now":     now,
			})
		if err != nil {
			return nil, err
		}
		if !r.Next(ctx) {
			return nil, errs.Fatalf("events.Append", "insert for task %s did not return a row", taskID)
		}
		node, _, err := neo4j.GetRecordValue[dbtype.Node](r.Record(), "e")
		if err != nil {
			return nil, err
		}
		return eventFromProps(node.Props), nil
	})
	if err != nil {
		return domain.Event{}, errs.Retryable("events.Append", err)
	}
	return res.(domain.Event), nil
}

// ListSince returns events with id > afterID in ascending order, up to limit
// (spec default 500).
func (s *Store) ListSince(ctx context.Context, taskID string, afterID int64, limit int) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 500
	}
	sess := s.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
	defer sess.Close(ctx)

	res, err := sess.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		r, err := tx.Run(ctx,
			`MATCH (e:Event {task_id: $task_id}) WHERE e.id > $after_id
			 RETURN e ORDER BY e.id ASC LIMIT $limit`,
			map[string]any{"task_id": taskID, "after_id": afterID, "limit": limit})
		if err != nil {
			return nil, err
		}
		var out []domain.Event
		for r.Next(ctx) {
			node, _, err := neo4j.GetRecordValue[dbtype.Node](r.Record(), "e")
			if err != nil {
				return nil, err
			}
			out = append(out, eventFromProps(node.Props))
		}
		return out, nil
	})
	if err != nil {
		return nil, errs.Retryable("events.ListSince", err)
	}
	return res.([]domain.Event), nil
}

// GetLatestID returns the highest assigned event id for a task, or 0 if none.
func (s *Store) GetLatestID(ctx context.Context, taskID string) (int64, error) {
	sess := s.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
	defer sess.Close(ctx)

	res, err := sess.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		r, err := tx.Run(ctx,
			`MATCH (seq:EventSeq {task_id: $task_id}) RETURN seq.value AS v`,
			map[string]any{"task_id": taskID})
		if err != nil {
			return nil, err
		}
		if !r.Next(ctx) {
			return int64(0), nil
		}
		v, ok := r.Record().Get("v")
		if !ok {
			return int64(0), nil
		}
		return toInt64(v), nil
	})
	if err != nil {
		return 0, errs.Retryable("events.GetLatestID", err)
	}
	return res.(int64), nil
}

// DeleteForTask removes all events (and the sequence counter) for a task,
// returning the number of event rows deleted.
func (s *Store) DeleteForTask(ctx context.Context, taskID string) (int, error) {
	sess := s.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer sess.Close(ctx)

	res, err := sess.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		r, err := tx.Run(ctx,
			`MATCH (e:Event {task_id: $task_id})
			 WITH collect(e) AS events, count(e) AS n
			 FOREACH (e IN events | DETACH DELETE e)
			 WITH n
			 OPTIONAL MATCH (seq:EventSeq {task_id: $task_id})
			 DETACH DELETE seq
			 RETURN n`,
			map[string]any{"task_id": taskID})
		if err != nil {
			return nil, err
		}
		if !r.Next(ctx) {
			return 0, nil
		}
		v, ok := r.Record().Get("n")
		if !ok {
			return 0, nil
		}
		return int(toInt64(v)), nil
	})
	if err != nil {
		return 0, errs.Retryable("events.DeleteForTask", err)
	}
	return res.(int), nil
}

func eventFromProps(p map[string]any) domain.Event {
	ev := domain.Event{
		TaskID: strProp(p, "task_id"),
		Type:   strProp(p, "type"),
	}
	if v, ok := p["id"]; ok {
		ev.ID = toInt64(v)
	}
	if v, ok := p["created_at"]; ok {
		if t, ok := v.(time.Time); ok {
			ev.CreatedAt = t
		}
	}
	if raw, ok := p["payload"]; ok {
		if s, ok := raw.(string); ok {
			var payload map[string]any
			if err := json.Unmarshal([]byte(s), &payload); err == nil {
				ev.Payload = payload
			}
		}
	}
	return ev
}

func strProp(p map[string]any, key string) string {
	if v, ok := p[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

func toInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	default:
		return 0
	}
}
