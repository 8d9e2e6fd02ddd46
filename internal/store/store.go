// Package store implements the Task Repository (§4.B): Neo4j-backed CRUD
// over tasks, stages, and logs, with a non-reentrant single-transaction-
// owner guard matching the "no nested transactions" contract.
package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j/db"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j/dbtype"

	"github.com/examcore/examcore/internal/domain"
	"github.com/examcore/examcore/internal/errs"
)

// Store is the Neo4j-backed Task Repository. All public methods open and
// close their own short transaction; the store enforces that only one
// transaction is active at a time across the whole store, rejecting any
// attempt at nested or concurrent transaction entry as a programmer error.
type Store struct {
	driver neo4j.DriverWithContext

	mu          sync.Mutex
	ownerActive bool
}

// New creates a Task Repository over an already-connected Neo4j driver.
func New(driver neo4j.DriverWithContext) *Store {
	return &Store{driver: driver}
}

// enterTx claims the store's single transaction slot or reports misuse.
func (s *Store) enterTx(op string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ownerActive {
		return errs.TransactionMisuse(fmt.Sprintf("%s: a transaction is already active on this store; nested or concurrent transactions are not permitted", op))
	}
	s.ownerActive = true
	return nil
}

func (s *Store) exitTx() {
	s.mu.Lock()
	s.ownerActive = false
	s.mu.Unlock()
}

// withWrite runs work inside a single managed write transaction, enforcing
// the non-reentrant transaction-owner guard.
func (s *Store) withWrite(ctx context.Context, op string, work func(tx neo4j.ManagedTransaction) (any, error)) (any, error) {
	if err := s.enterTx(op); err != nil {
		return nil, err
	}
	defer s.exitTx()

	sess := s.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer sess.Close(ctx)
	res, err := sess.ExecuteWrite(ctx, work)
	return res, classify(op, err)
}

// withRead runs work inside a single managed read transaction, enforcing
// the non-reentrant transaction-owner guard.
func (s *Store) withRead(ctx context.Context, op string, work func(tx neo4j.ManagedTransaction) (any, error)) (any, error) {
	if err := s.enterTx(op); err != nil {
		return nil, err
	}
	defer s.exitTx()

	sess := s.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
	defer sess.Close(ctx)
	res, err := sess.ExecuteRead(ctx, work)
	return res, classify(op, err)
}

// classify leaves the repository's own typed errors (NotFound,
// TransactionMisuse, Fatal) as-is, recognizes a Neo4j constraint violation
// (e.g. a duplicate task_id, which task_id_unique forbids per spec §8) as
// permanent, and wraps anything else — a raw driver or Cypher error — as
// retryable, per the propagation policy in spec §7.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	switch err.(type) {
	case *errs.NotFoundError, *errs.TransactionMisuseError, *errs.FatalError, *errs.RetryableError:
		return err
	}
	var neo4jErr *db.Neo4jError
	if errors.As(err, &neo4jErr) && strings.Contains(neo4jErr.Code, "ConstraintValidationFailed") {
		return errs.Fatal(op, err)
	}
	return errs.Retryable(op, err)
}

// EnsureSchema creates the constraints and indexes the repository relies on.
// Idempotent: CREATE ... IF NOT EXISTS additive migrations only.
func (s *Store) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		"CREATE CONSTRAINT task_id_unique IF NOT EXISTS FOR (t:Task) REQUIRE t.task_id IS UNIQUE",
		"CREATE INDEX task_status_created IF NOT EXISTS FOR (t:Task) ON (t.status, t.created_at)",
		"CREATE INDEX task_created IF NOT EXISTS FOR (t:Task) ON (t.created_at)",
		"CREATE INDEX task_file_hash IF NOT EXISTS FOR (t:Task) ON (t.file_hash)",
		"CREATE INDEX stage_task_step IF NOT EXISTS FOR (s:Stage) ON (s.task_id, s.step_index)",
		"CREATE INDEX log_task_id IF NOT EXISTS FOR (l:Log) ON (l.task_id, l.id)",
	}
	_, err := s.withWrite(ctx, "EnsureSchema", func(tx neo4j.ManagedTransaction) (any, error) {
		for _, stmt := range stmts {
			if _, err := tx.Run(ctx, stmt, nil); err != nil {
				return nil, err
			}
		}
		return nil, nil
	})
	return err
}

// CreateTask inserts a task and its five pending stages.
func (s *Store) CreateTask(ctx context.Context, t domain.Task) error {
	now := t.CreatedAt
	_, err := s.withWrite(ctx, "CreateTask", func(tx neo4j.ManagedTransaction) (any, error) {
		_, err := tx.Run(ctx,
			`CREATE (t:Task {
				task_id: $task_id, mode: $mode, pdf_name: $pdf_name, file_hash: $file_hash,
				exam_dir_name: $exam_dir_name, status: $status, current_step: $current_step,
				error_message: $error_message, expected_pages: $expected_pages,
				created_at: $created_at, updated_at: $updated_at, finished_at: null, deleted_at: null
			})`,
			map[string]any{
				"task_id":        t.TaskID,
				"mode":           string(t.Mode),
				"pdf_name":       t.PDFName,
				"file_hash":      t.FileHash,
				"exam_dir_name":  t.ExamDirName,
				"status":         string(domain.TaskPending),
				"current_step":  -1,
				"error_message": "",
				"expected_pages": t.ExpectedPages,
				"created_at":    now,
				"updated_at":    now,
			})
		if err != nil {
			return nil, err
		}
		for i, name := range domain.StageOrder {
			_, err := tx.Run(ctx,
				`MATCH (t:Task {task_id: $task_id})
				 CREATE (t)-[:HAS_STEP]->(s:Stage {
					task_id: $task_id, step_index: $step_index, name: $name, title: $title,
					status: $status, started_at: null, ended_at: null, error: '', artifact_refs: []
				 })`,
				map[string]any{
					"task_id":    t.TaskID,
					"step_index": i,
					"name":       string(name),
					"title":      stageTitle(name),
					"status":     string(domain.StagePending),
				})
			if err != nil {
				return nil, err
			}
		}
		return nil, nil
	})
	return err
}

func stageTitle(name domain.StageName) string {
	switch name {
	case domain.StagePDFToImages:
		return "Convert PDF to page images"
	case domain.StageExtractQuestions:
		return "Extract question structure"
	case domain.StageAnalyzeData:
		return "Analyze data-analysis sections"
	case domain.StageComposeLongImage:
		return "Compose long images"
	case domain.StageCollectResults:
		return "Collect results"
	default:
		return string(name)
	}
}

// GetTask returns a task's snapshot: the task row, its five stages, and up
// to 100 most recent log lines. Soft-deleted tasks are reported NotFound.
func (s *Store) GetTask(ctx context.Context, taskID string) (domain.TaskSnapshot, error) {
	var snap domain.TaskSnapshot
	res, err := s.withRead(ctx, "GetTask", func(tx neo4j.ManagedTransaction) (any, error) {
		r, err := tx.Run(ctx,
			`MATCH (t:Task {task_id: $task_id}) WHERE t.deleted_at IS NULL RETURN t`,
			map[string]any{"task_id": taskID})
		if err != nil {
			return nil, err
		}
		if !r.Next(ctx) {
			return nil, errs.NotFound("task", taskID)
		}
		node, _, err := neo4j.GetRecordValue[dbtype.Node](r.Record(), "t")
		if err != nil {
			return nil, err
		}
		task := taskFromProps(node.Props)

		var stages [domain.NumStages]domain.Stage
		sr, err := tx.Run(ctx,
			`MATCH (:Task {task_id: $task_id})-[:HAS_STEP]->(s:Stage) RETURN s ORDER BY s.step_index`,
			map[string]any{"task_id": taskID})
		if err != nil {
			return nil, err
		}
		for sr.Next(ctx) {
			sn, _, err := neo4j.GetRecordValue[dbtype.Node](sr.Record(), "s")
			if err != nil {
				return nil, err
			}
			stg := stageFromProps(sn.Props)
			if stg.StepIndex >= 0 && stg.StepIndex < domain.NumStages {
				stages[stg.StepIndex] = stg
			}
		}

		var logs []domain.LogEntry
		lr, err := tx.Run(ctx,
			`MATCH (:Task {task_id: $task_id})-[:HAS_LOG]->(l:Log)
			 RETURN l ORDER BY l.id DESC LIMIT 100`,
			map[string]any{"task_id": taskID})
		if err != nil {
			return nil, err
		}
		for lr.Next(ctx) {
			ln, _, err := neo4j.GetRecordValue[dbtype.Node](lr.Record(), "l")
			if err != nil {
				return nil, err
			}
			logs = append(logs, logFromProps(ln.Props))
		}
		sort.Slice(logs, func(i, j int) bool { return logs[i].ID < logs[j].ID })

		return domain.TaskSnapshot{Task: task, Stages: stages, RecentLogs: logs}, nil
	})
	if err != nil {
		return snap, err
	}
	return res.(domain.TaskSnapshot), nil
}

// ListTasks returns non-deleted tasks, optionally filtered by status,
// newest first.
func (s *Store) ListTasks(ctx context.Context, status *domain.TaskStatus, limit, offset int) ([]domain.Task, error) {
	if limit <= 0 {
		limit = 100
	}
	res, err := s.withRead(ctx, "ListTasks", func(tx neo4j.ManagedTransaction) (any, error) {
		cypher := `MATCH (t:Task) WHERE t.deleted_at IS NULL`
		params := map[string]any{"limit": limit, "offset": offset}
		if status != nil {
			cypher += ` AND t.status = $status`
			params["status"] = string(*status)
		}
		cypher += ` RETURN t ORDER BY t.created_at DESC SKIP $offset LIMIT $limit`

		r, err := tx.Run(ctx, cypher, params)
		if err != nil {
			return nil, err
		}
		var tasks []domain.Task
		for r.Next(ctx) {
			node, _, err := neo4j.GetRecordValue[dbtype.Node](r.Record(), "t")
			if err != nil {
				return nil, err
			}
			tasks = append(tasks, taskFromProps(node.Props))
		}
		return tasks, nil
	})
	if err != nil {
		return nil, err
	}
	return res.([]domain.Task), nil
}

// FindTaskByHash returns the most recent non-deleted task with the given
// PDF content hash, or nil if none exists.
func (s *Store) FindTaskByHash(ctx context.Context, hash string) (*domain.Task, error) {
	res, err := s.withRead(ctx, "FindTaskByHash", func(tx neo4j.ManagedTransaction) (any, error) {
		r, err := tx.Run(ctx,
			`MATCH (t:Task {file_hash: $hash}) WHERE t.deleted_at IS NULL
			 RETURN t ORDER BY t.created_at DESC LIMIT 1`,
			map[string]any{"hash": hash})
		if err != nil {
			return nil, err
		}
		if !r.Next(ctx) {
			return (*domain.Task)(nil), nil
		}
		node, _, err := neo4j.GetRecordValue[dbtype.Node](r.Record(), "t")
		if err != nil {
			return nil, err
		}
		task := taskFromProps(node.Props)
		return &task, nil
	})
	if err != nil {
		return nil, err
	}
	return res.(*domain.Task), nil
}

// UpdateTaskStatus sets a task's status and optionally its current_step and
// error_message, setting finished_at when the new status is terminal.
func (s *Store) UpdateTaskStatus(ctx context.Context, taskID string, status domain.TaskStatus, currentStep *int, errMsg *string) error {
	_, err := s.withWrite(ctx, "UpdateTaskStatus", func(tx neo4j.ManagedTransaction) (any, error) {
		now := time.Now().UTC()
		params := map[string]any{
			"task_id":    taskID,
			"status":     string(status),
			"updated_at": now,
		}
		if status.Terminal() {
			params["finished_at"] = now
		}
		cypher := `MATCH (t:Task {task_id: $task_id}) WHERE t.deleted_at IS NULL
			SET t.status = $status, t.updated_at = $updated_at`
		if status.Terminal() {
			cypher += `, t.finished_at = $finished_at`
		}
		if currentStep != nil {
			cypher += `, t.current_step = $current_step`
			params["current_step"] = *currentStep
		}
		if errMsg != nil {
			cypher += `, t.error_message = $error_message`
			params["error_message"] = *errMsg
		}
		cypher += ` RETURN t`
		r, err := tx.Run(ctx, cypher, params)
		if err != nil {
			return nil, err
		}
		if !r.Next(ctx) {
			return nil, errs.NotFound("task", taskID)
		}
		return nil, nil
	})
	return err
}

// UpdateStepStatus transitions a single stage. A nil artifactRefs leaves the
// existing refs untouched; a non-nil (possibly empty) slice replaces them.
func (s *Store) UpdateStepStatus(ctx context.Context, taskID string, stepIndex int, status domain.StageStatus, errMsg *string, artifactRefs *[]string) error {
	_, err := s.withWrite(ctx, "UpdateStepStatus", func(tx neo4j.ManagedTransaction) (any, error) {
		now := time.Now().UTC()
		cypher := `MATCH (:Task {task_id: $task_id})-[:HAS_STEP]->(s:Stage {step_index: $step_index})
			SET s.status = $status`
		params := map[string]any{
			"task_id":    taskID,
			"step_index": stepIndex,
			"status":     string(status),
		}
		if status == domain.StageRunning {
			cypher += `, s.started_at = CASE WHEN s.started_at IS NULL THEN $now ELSE s.started_at END`
			params["now"] = now
		}
		if status == domain.StageCompleted || status == domain.StageFailed || status == domain.StageSkipped {
			cypher += `, s.ended_at = $now`
			params["now"] = now
		}
		if errMsg != nil {
			cypher += `, s.error = $error`
			params["error"] = *errMsg
		}
		if artifactRefs != nil {
			cypher += `, s.artifact_refs = $artifact_refs`
			params["artifact_refs"] = *artifactRefs
		}
		cypher += ` RETURN s`
		r, err := tx.Run(ctx, cypher, params)
		if err != nil {
			return nil, err
		}
		if !r.Next(ctx) {
			return nil, errs.NotFound("stage", fmt.Sprintf("%s/%d", taskID, stepIndex))
		}
		return nil, nil
	})
	return err
}

// AddLog appends a log line to a task and bumps its updated_at.
func (s *Store) AddLog(ctx context.Context, taskID, message string, level domain.LogLevel) error {
	_, err := s.withWrite(ctx, "AddLog", func(tx neo4j.ManagedTransaction) (any, error) {
		now := time.Now().UTC()
		r, err := tx.Run(ctx,
			`MATCH (t:Task {task_id: $task_id}) WHERE t.deleted_at IS NULL
			 MERGE (seq:LogSeq {task_id: $task_id})
			 ON CREATE SET seq.value = 0
			 SET seq.value = seq.value + 1
			 WITH t, seq.value AS next_id
			 CREATE (t)-[:HAS_LOG]->(l:Log {
				id: next_id, task_id: $task_id, created_at: $now, level: $level, message: $message
			 })
			 SET t.updated_at = $now
			 RETURN l`,
			map[string]any{
				"task_id": taskID,
				"now":     now,
				"level":   string(level),
				"message": message,
			})
		if err != nil {
			return nil, err
		}
		if !r.Next(ctx) {
			return nil, errs.NotFound("task", taskID)
		}
		return nil, nil
	})
	return err
}

// GetLogs returns logs with id > sinceID in ascending order, up to limit.
func (s *Store) GetLogs(ctx context.Context, taskID string, sinceID int64, limit int) ([]domain.LogEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	res, err := s.withRead(ctx, "GetLogs", func(tx neo4j.ManagedTransaction) (any, error) {
		r, err := tx.Run(ctx,
			`MATCH (:Task {task_id: $task_id})-[:HAS_LOG]->(l:Log) WHERE l.id > $since_id
			 RETURN l ORDER BY l.id ASC LIMIT $limit`,
			map[string]any{"task_id": taskID, "since_id": sinceID, "limit": limit})
		if err != nil {
			return nil, err
		}
		var logs []domain.LogEntry
		for r.Next(ctx) {
			node, _, err := neo4j.GetRecordValue[dbtype.Node](r.Record(), "l")
			if err != nil {
				return nil, err
			}
			logs = append(logs, logFromProps(node.Props))
		}
		return logs, nil
	})
	if err != nil {
		return nil, err
	}
	return res.([]domain.LogEntry), nil
}

// DeleteTask removes a task. soft=true sets deleted_at; soft=false cascades
// a hard delete of the task, its stages, and its logs.
func (s *Store) DeleteTask(ctx context.Context, taskID string, soft bool) error {
	_, err := s.withWrite(ctx, "DeleteTask", func(tx neo4j.ManagedTransaction) (any, error) {
		if soft {
			r, err := tx.Run(ctx,
				`MATCH (t:Task {task_id: $task_id}) WHERE t.deleted_at IS NULL
				 SET t.deleted_at = $now RETURN t`,
				map[string]any{"task_id": taskID, "now": time.Now().UTC()})
			if err != nil {
				return nil, err
			}
			if !r.Next(ctx) {
				return nil, errs.NotFound("task", taskID)
			}
			return nil, nil
		}
		r, err := tx.Run(ctx,
			`MATCH (t:Task {task_id: $task_id})
			 OPTIONAL MATCH (t)-[:HAS_STEP]->(s:Stage)
			 OPTIONAL MATCH (t)-[:HAS_LOG]->(l:Log)
			 OPTIONAL MATCH (seq:LogSeq {task_id: $task_id})
			 DETACH DELETE t, s, l, seq
			 RETURN count(t) AS matched`,
			map[string]any{"task_id": taskID})
		if err != nil {
			return nil, err
		}
		r.Next(ctx)
		return nil, nil
	})
	return err
}

func taskFromProps(p map[string]any) domain.Task {
	t := domain.Task{
		TaskID:        strProp(p, "task_id"),
		Mode:          domain.TaskMode(strProp(p, "mode")),
		PDFName:       strProp(p, "pdf_name"),
		FileHash:      strProp(p, "file_hash"),
		ExamDirName:   strProp(p, "exam_dir_name"),
		Status:        domain.TaskStatus(strProp(p, "status")),
		CurrentStep:   intProp(p, "current_step", -1),
		ErrorMessage:  strProp(p, "error_message"),
		ExpectedPages: intProp(p, "expected_pages", 0),
	}
	if v, ok := p["created_at"]; ok {
		t.CreatedAt = timeProp(v)
	}
	if v, ok := p["updated_at"]; ok {
		t.UpdatedAt = timeProp(v)
	}
	if v, ok := p["finished_at"]; ok && v != nil {
		ts := timeProp(v)
		t.FinishedAt = &ts
	}
	if v, ok := p["deleted_at"]; ok && v != nil {
		ts := timeProp(v)
		t.DeletedAt = &ts
	}
	return t
}

func stageFromProps(p map[string]any) domain.Stage {
	s := domain.Stage{
		TaskID:    strProp(p, "task_id"),
		StepIndex: intProp(p, "step_index", -1),
		Name:      domain.StageName(strProp(p, "name")),
		Title:     strProp(p, "title"),
		Status:    domain.StageStatus(strProp(p, "status")),
		Error:     strProp(p, "error"),
	}
	if v, ok := p["started_at"]; ok && v != nil {
		ts := timeProp(v)
		s.StartedAt = &ts
	}
	if v, ok := p["ended_at"]; ok && v != nil {
		ts := timeProp(v)
		s.EndedAt = &ts
	}
	if v, ok := p["artifact_refs"]; ok && v != nil {
		if raw, ok := v.([]any); ok {
			refs := make([]string, 0, len(raw))
			for _, x := range raw {
				if str, ok := x.(string); ok {
					refs = append(refs, str)
				}
			}
			s.ArtifactRefs = refs
		}
	}
	return s
}

func logFromProps(p map[string]any) domain.LogEntry {
	l := domain.LogEntry{
		TaskID:  strProp(p, "task_id"),
		Level:   domain.LogLevel(strProp(p, "level")),
		Message: strProp(p, "message"),
	}
	if v, ok := p["id"]; ok {
		l.ID = int64Prop(v)
	}
	if v, ok := p["created_at"]; ok {
		l.CreatedAt = timeProp(v)
	}
	return l
}

func strProp(p map[string]any, key string) string {
	if v, ok := p[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

func intProp(p map[string]any, key string, fallback int) int {
	v, ok := p[key]
	if !ok {
		return fallback
	}
	return int(int64Prop(v))
}

func int64Prop(v any) int64 {
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

func timeProp(v any) time.Time {
	if t, ok := v.(time.Time); ok {
		return t
	}
	return time.Time{}
}
