package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/examcore/examcore/internal/domain"
	"github.com/examcore/examcore/internal/errs"
	"github.com/examcore/examcore/internal/steps"
)

type fakeRepo struct {
	mu         sync.Mutex
	taskStatus []domain.TaskStatus
	stepStatus map[int][]domain.StageStatus
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{stepStatus: make(map[int][]domain.StageStatus)}
}

func (f *fakeRepo) UpdateTaskStatus(ctx context.Context, taskID string, status domain.TaskStatus, currentStep *int, errMsg *string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.taskStatus = append(f.taskStatus, status)
	return nil
}

func (f *fakeRepo) UpdateStepStatus(ctx context.Context, taskID string, stepIndex int, status domain.StageStatus, errMsg *string, artifactRefs *[]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stepStatus[stepIndex] = append(f.stepStatus[stepIndex], status)
	return nil
}

type fakeSink struct {
	mu     sync.Mutex
	events []string
}

func (f *fakeSink) Emit(ctx context.Context, taskID, eventType string, payload map[string]any) (domain.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	kind, _ := payload["event"].(string)
	if kind == "" {
		kind = eventType
	}
	f.events = append(f.events, kind)
	return domain.Event{TaskID: taskID, Type: eventType, Payload: payload}, nil
}

func (f *fakeSink) has(kind string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range f.events {
		if e == kind {
			return true
		}
	}
	return false
}

func (f *fakeSink) count(kind string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, e := range f.events {
		if e == kind {
			n++
		}
	}
	return n
}

type fakeExecutor struct {
	name       domain.StageName
	results    []steps.StepResult // consumed in order, last one repeats
	prepareErr error
	calls      int
}

func (f *fakeExecutor) Name() domain.StageName { return f.name }
func (f *fakeExecutor) Prepare(ctx context.Context, sc steps.StepContext) error {
	return f.prepareErr
}
func (f *fakeExecutor) Execute(ctx context.Context, sc steps.StepContext) steps.StepResult {
	idx := f.calls
	if idx >= len(f.results) {
		idx = len(f.results) - 1
	}
	f.calls++
	return f.results[idx]
}
func (f *fakeExecutor) Rollback(ctx context.Context, sc steps.StepContext) error { return nil }

func allSucceedExecutors() [domain.NumStages]steps.Executor {
	var out [domain.NumStages]steps.Executor
	for i, name := range domain.StageOrder {
		out[i] = &fakeExecutor{name: name, results: []steps.StepResult{{Success: true, ArtifactRefs: []string{"ref"}, ArtifactCount: 1}}}
	}
	return out
}

func freshSnapshot(taskID string) domain.TaskSnapshot {
	var stages [domain.NumStages]domain.Stage
	for i, name := range domain.StageOrder {
		stages[i] = domain.Stage{TaskID: taskID, StepIndex: i, Name: name, Status: domain.StagePending}
	}
	return domain.TaskSnapshot{Task: domain.Task{TaskID: taskID, Status: domain.TaskPending, CurrentStep: -1}, Stages: stages}
}

func TestRunAllStagesSucceedMarksCompleted(t *testing.T) {
	repo := newFakeRepo()
	sink := &fakeSink{}
	r := New(repo, sink, allSucceedExecutors(), 3, time.Millisecond)

	snap, err := r.Run(context.Background(), freshSnapshot("t1"), steps.StepContext{TaskID: "t1"}, nil)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if snap.Task.Status != domain.TaskCompleted {
		t.Errorf("Task.Status = %q, want completed", snap.Task.Status)
	}
	for i, stage := range snap.Stages {
		if stage.Status != domain.StageCompleted {
			t.Errorf("stage %d status = %q, want completed", i, stage.Status)
		}
	}
	if !sink.has(kindPipelineStarted) || !sink.has(kindPipelineCompleted) || !sink.has(kindStepCompleted) {
		t.Errorf("missing expected events: %v", sink.events)
	}
	if !sink.has(eventTypeDone) {
		t.Errorf("expected a terminal done event, got %v", sink.events)
	}
}

func TestRunCriticalStageFailureStopsPipeline(t *testing.T) {
	repo := newFakeRepo()
	sink := &fakeSink{}
	execs := allSucceedExecutors()
	execs[0] = &fakeExecutor{
		name:    domain.StagePDFToImages,
		results: []steps.StepResult{{Success: false, Error: errors.New("rasterize failed"), CanRetry: false}},
	}
	r := New(repo, sink, execs, 3, time.Millisecond)

	snap, err := r.Run(context.Background(), freshSnapshot("t2"), steps.StepContext{TaskID: "t2"}, nil)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if snap.Task.Status != domain.TaskFailed {
		t.Errorf("Task.Status = %q, want failed", snap.Task.Status)
	}
	if snap.Stages[0].Status != domain.StageFailed {
		t.Errorf("stage 0 status = %q, want failed", snap.Stages[0].Status)
	}
	if snap.Stages[1].Status != domain.StagePending {
		t.Errorf("stage 1 status = %q, want untouched pending (never reached)", snap.Stages[1].Status)
	}
	if !sink.has(kindPipelineFailed) {
		t.Errorf("expected pipeline_failed event, got %v", sink.events)
	}
}

func TestRunNonCriticalStageFailureContinues(t *testing.T) {
	repo := newFakeRepo()
	sink := &fakeSink{}
	execs := allSucceedExecutors()
	execs[2] = &fakeExecutor{
		name:    domain.StageAnalyzeData,
		results: []steps.StepResult{{Success: false, Error: errs.Fatalf("analyze_data", "ocr incomplete"), CanRetry: false}},
	}
	r := New(repo, sink, execs, 3, time.Millisecond)

	snap, err := r.Run(context.Background(), freshSnapshot("t3"), steps.StepContext{TaskID: "t3"}, nil)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if snap.Stages[2].Status != domain.StageFailed {
		t.Errorf("stage 2 status = %q, want failed", snap.Stages[2].Status)
	}
	if snap.Stages[3].Status != domain.StageCompleted || snap.Stages[4].Status != domain.StageCompleted {
		t.Errorf("downstream stages should still run: stage3=%q stage4=%q", snap.Stages[3].Status, snap.Stages[4].Status)
	}
	// A non-critical failure means not every stage is completed|skipped -> pending.
	if snap.Task.Status != domain.TaskPending {
		t.Errorf("Task.Status = %q, want pending (non-critical failure)", snap.Task.Status)
	}
}

func TestRunRetriesRetryableFailureThenSucceeds(t *testing.T) {
	repo := newFakeRepo()
	sink := &fakeSink{}
	execs := allSucceedExecutors()
	execs[1] = &fakeExecutor{
		name: domain.StageExtractQuestions,
		results: []steps.StepResult{
			{Success: false, Error: errors.New("transient"), CanRetry: true},
			{Success: true, ArtifactRefs: []string{"q1.png"}, ArtifactCount: 1},
		},
	}
	r := New(repo, sink, execs, 3, time.Millisecond)

	snap, err := r.Run(context.Background(), freshSnapshot("t4"), steps.StepContext{TaskID: "t4"}, nil)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if snap.Stages[1].Status != domain.StageCompleted {
		t.Errorf("stage 1 status = %q, want completed after retry", snap.Stages[1].Status)
	}
	if !sink.has(kindStepRetrying) {
		t.Errorf("expected step_retrying event, got %v", sink.events)
	}
	if sink.count(kindStepStarted) < 2 {
		t.Errorf("expected at least 2 step_started for stage 1 (initial + retry), events=%v", sink.events)
	}
}

func TestRunFatalErrorIsNeverRetried(t *testing.T) {
	repo := newFakeRepo()
	sink := &fakeSink{}
	execs := allSucceedExecutors()
	fe := &fakeExecutor{
		name:    domain.StagePDFToImages,
		results: []steps.StepResult{{Success: false, Error: errs.Fatalf("pdf_to_images", "bad pdf"), CanRetry: true}},
	}
	execs[0] = fe
	r := New(repo, sink, execs, 3, time.Millisecond)

	_, err := r.Run(context.Background(), freshSnapshot("t5"), steps.StepContext{TaskID: "t5"}, nil)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if fe.calls != 1 {
		t.Errorf("fatal error was retried: calls = %d, want 1", fe.calls)
	}
}

func TestRunStartFromStepSkipsEarlierStages(t *testing.T) {
	repo := newFakeRepo()
	sink := &fakeSink{}
	execs := allSucceedExecutors()
	r := New(repo, sink, execs, 3, time.Millisecond)

	start := 2
	snap, err := r.Run(context.Background(), freshSnapshot("t6"), steps.StepContext{TaskID: "t6"}, &start)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if snap.Stages[0].Status != domain.StageSkipped || snap.Stages[1].Status != domain.StageSkipped {
		t.Errorf("stages before start_from_step should be skipped: %v, %v", snap.Stages[0].Status, snap.Stages[1].Status)
	}
	if snap.Stages[2].Status != domain.StageCompleted {
		t.Errorf("stage 2 should have run: %v", snap.Stages[2].Status)
	}
	if execs[0].(*fakeExecutor).calls != 0 {
		t.Errorf("skipped executor should never be called")
	}
}

func TestRunAlreadyCompletedStageIsSkipped(t *testing.T) {
	repo := newFakeRepo()
	sink := &fakeSink{}
	execs := allSucceedExecutors()
	r := New(repo, sink, execs, 3, time.Millisecond)

	snap := freshSnapshot("t7")
	snap.Stages[0].Status = domain.StageCompleted
	snap.Stages[0].ArtifactRefs = []string{"page_1.png"}

	out, err := r.Run(context.Background(), snap, steps.StepContext{TaskID: "t7"}, nil)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if execs[0].(*fakeExecutor).calls != 0 {
		t.Errorf("already-completed stage should not re-run")
	}
	if out.Stages[0].ArtifactRefs[0] != "page_1.png" {
		t.Errorf("already-completed stage artifact refs should be preserved")
	}
}

func TestRunCancellationRevertsToPending(t *testing.T) {
	repo := newFakeRepo()
	sink := &fakeSink{}
	execs := allSucceedExecutors()
	r := New(repo, sink, execs, 3, time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel() // pre-cancel: the very first cancellation check should trip
	snap, err := r.Run(ctx, freshSnapshot("t8"), steps.StepContext{TaskID: "t8"}, nil)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if snap.Task.Status != domain.TaskPending {
		t.Errorf("Task.Status = %q, want pending after cancellation", snap.Task.Status)
	}
	if !sink.has(kindPipelineCancelled) {
		t.Errorf("expected pipeline_cancelled event, got %v", sink.events)
	}
}

func TestCancelAndIsRunning(t *testing.T) {
	r := New(newFakeRepo(), &fakeSink{}, allSucceedExecutors(), 3, time.Millisecond)
	if r.Cancel("nope") {
		t.Error("Cancel() on unknown task should return false")
	}
	if r.IsRunning("nope") {
		t.Error("IsRunning() on unknown task should be false")
	}
}

func TestRunSingleStepCriticalFailureMarksTaskFailed(t *testing.T) {
	repo := newFakeRepo()
	sink := &fakeSink{}
	execs := allSucceedExecutors()
	execs[4] = &fakeExecutor{
		name:    domain.StageCollectResults,
		results: []steps.StepResult{{Success: false, Error: errs.Fatalf("collect_results", "no artifacts"), CanRetry: false}},
	}
	r := New(repo, sink, execs, 3, time.Millisecond)

	snap, err := r.RunSingleStep(context.Background(), freshSnapshot("t9"), steps.StepContext{TaskID: "t9"}, 4)
	if err != nil {
		t.Fatalf("RunSingleStep() error = %v", err)
	}
	if snap.Task.Status != domain.TaskFailed {
		t.Errorf("Task.Status = %q, want failed", snap.Task.Status)
	}
	if snap.Stages[4].Status != domain.StageFailed {
		t.Errorf("stage 4 status = %q, want failed", snap.Stages[4].Status)
	}
}
