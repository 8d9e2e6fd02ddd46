package store

import (
	"errors"
	"testing"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j/db"

	"github.com/examcore/examcore/internal/domain"
	"github.com/examcore/examcore/internal/errs"
)

func TestTaskFromProps(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Second)
	props := map[string]any{
		"task_id":        "task-1",
		"mode":           "auto",
		"pdf_name":       "exam.pdf",
		"file_hash":      "abc123",
		"exam_dir_name":  "exam-1",
		"status":         "processing",
		"current_step":   int64(2),
		"error_message":  "",
		"expected_pages": int64(10),
		"created_at":     now,
		"updated_at":     now,
	}
	task := taskFromProps(props)
	if task.TaskID != "task-1" {
		t.Errorf("TaskID = %q, want task-1", task.TaskID)
	}
	if task.Mode != domain.ModeAuto {
		t.Errorf("Mode = %q, want auto", task.Mode)
	}
	if task.CurrentStep != 2 {
		t.Errorf("CurrentStep = %d, want 2", task.CurrentStep)
	}
	if task.ExpectedPages != 10 {
		t.Errorf("ExpectedPages = %d, want 10", task.ExpectedPages)
	}
	if !task.CreatedAt.Equal(now) {
		t.Errorf("CreatedAt = %v, want %v", task.CreatedAt, now)
	}
	if task.FinishedAt != nil {
		t.Error("FinishedAt should be nil when absent")
	}
}

func TestTaskFromPropsMissingFields(t *testing.T) {
	task := taskFromProps(map[string]any{})
	if task.TaskID != "" {
		t.Errorf("expected empty TaskID, got %q", task.TaskID)
	}
	if task.CurrentStep != -1 {
		t.Errorf("expected CurrentStep default -1, got %d", task.CurrentStep)
	}
}

func TestStageFromPropsArtifactRefs(t *testing.T) {
	props := map[string]any{
		"task_id":       "task-1",
		"step_index":    int64(0),
		"name":          "pdf_to_images",
		"status":        "completed",
		"artifact_refs": []any{"ref-a", "ref-b", 42},
	}
	stage := stageFromProps(props)
	if len(stage.ArtifactRefs) != 2 {
		t.Fatalf("ArtifactRefs = %v, want 2 string entries", stage.ArtifactRefs)
	}
	if stage.ArtifactRefs[0] != "ref-a" || stage.ArtifactRefs[1] != "ref-b" {
		t.Errorf("ArtifactRefs = %v", stage.ArtifactRefs)
	}
}

func TestStageFromPropsTimestamps(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Second)
	props := map[string]any{
		"step_index": int64(1),
		"started_at": now,
		"ended_at":   nil,
	}
	stage := stageFromProps(props)
	if stage.StartedAt == nil || !stage.StartedAt.Equal(now) {
		t.Errorf("StartedAt = %v, want %v", stage.StartedAt, now)
	}
	if stage.EndedAt != nil {
		t.Error("EndedAt should stay nil")
	}
}

func TestLogFromProps(t *testing.T) {
	now := time.Now().UTC()
	props := map[string]any{
		"id":         int64(7),
		"task_id":    "task-1",
		"level":      "info",
		"message":    "stage completed",
		"created_at": now,
	}
	log := logFromProps(props)
	if log.ID != 7 {
		t.Errorf("ID = %d, want 7", log.ID)
	}
	if log.Level != domain.LogInfo {
		t.Errorf("Level = %q, want info", log.Level)
	}
}

func TestIntProp(t *testing.T) {
	cases := []struct {
		v    any
		want int
	}{
		{int64(5), 5},
		{42, 42},
		{float64(3), 3},
		{"not a number", 0},
	}
	for _, c := range cases {
		if got := intProp(map[string]any{"x": c.v}, "x", 0); got != c.want {
			t.Errorf("intProp(%v) = %d, want %d", c.v, got, c.want)
		}
	}
	if got := intProp(map[string]any{}, "missing", 99); got != 99 {
		t.Errorf("intProp missing key = %d, want fallback 99", got)
	}
}

func TestEnterExitTxGuard(t *testing.T) {
	s := &Store{}
	if err := s.enterTx("op1"); err != nil {
		t.Fatalf("first enterTx should succeed: %v", err)
	}
	if err := s.enterTx("op2"); err == nil {
		t.Fatal("nested enterTx should be rejected as transaction misuse")
	}
	s.exitTx()
	if err := s.enterTx("op3"); err != nil {
		t.Fatalf("enterTx after exitTx should succeed: %v", err)
	}
	s.exitTx()
}

func TestClassifyConstraintViolationIsFatal(t *testing.T) {
	neo4jErr := &db.Neo4jError{Code: "Neo.ClientError.Schema.ConstraintValidationFailed", Msg: "already exists with label `Task` and property `task_id`"}
	err := classify("CreateTask", neo4jErr)
	var fatal *errs.FatalError
	if !errors.As(err, &fatal) {
		t.Fatalf("classify(constraint violation) = %T, want *errs.FatalError", err)
	}
}

func TestClassifyOtherDriverErrorsAreRetryable(t *testing.T) {
	err := classify("CreateTask", errors.New("connection reset"))
	var retryable *errs.RetryableError
	if !errors.As(err, &retryable) {
		t.Fatalf("classify(generic error) = %T, want *errs.RetryableError", err)
	}
}

func TestEnterTxConcurrentOwnersRejected(t *testing.T) {
	s := &Store{}
	if err := s.enterTx("owner-a"); err != nil {
		t.Fatalf("owner-a enterTx: %v", err)
	}
	defer s.exitTx()

	done := make(chan error, 1)
	go func() {
		done <- s.enterTx("owner-b")
	}()
	if err := <-done; err == nil {
		t.Fatal("concurrent owner should be rejected")
	}
}
