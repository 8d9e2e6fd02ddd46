// Package recovery implements the Recovery Service (§4.K): on process
// start, reload dangling tasks from the Task Repository, validate their
// stage artifacts against the filesystem, and reset whatever no longer
// holds up before exposing clean snapshots for resume.
package recovery

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/examcore/examcore/internal/domain"
)

// TaskRepository is the slice of the Task Repository (§4.B) the Recovery
// Service needs. Satisfied structurally by *store.Store.
type TaskRepository interface {
	ListTasks(ctx context.Context, status *domain.TaskStatus, limit, offset int) ([]domain.Task, error)
	GetTask(ctx context.Context, taskID string) (domain.TaskSnapshot, error)
	UpdateStepStatus(ctx context.Context, taskID string, stepIndex int, status domain.StageStatus, errMsg *string, artifactRefs *[]string) error
}

// ArtifactChecker reports whether a content-addressed artifact ref still
// resolves to a file. Satisfied structurally by *artifact.Store.
type ArtifactChecker interface {
	Exists(ref string) bool
}

// batchLimit bounds one reload pass; recovery runs once at startup over a
// bounded set of dangling tasks, not the full task history.
const batchLimit = 1000

// Service rebuilds and validates TaskSnapshots for every task left in
// {pending, processing} when the process last exited.
type Service struct {
	repo      TaskRepository
	artifacts ArtifactChecker
	workdirOf func(domain.Task) string
	log       *slog.Logger
}

// New creates a Recovery Service. workdirOf maps a task to its on-disk
// workdir (base dir + exam_dir_name, falling back to task_id — see Workdir).
func New(repo TaskRepository, artifacts ArtifactChecker, workdirOf func(domain.Task) string) *Service {
	return &Service{repo: repo, artifacts: artifacts, workdirOf: workdirOf, log: slog.Default()}
}

// Workdir is the default workdirOf mapping: {base}/{exam_dir_name or task_id}.
func Workdir(base string, t domain.Task) string {
	name := t.ExamDirName
	if name == "" {
		name = t.TaskID
	}
	return filepath.Join(base, name)
}

// Recover loads every non-deleted task with status pending or processing,
// validates it against the filesystem, and returns cleaned snapshots. A
// task that fails to load (e.g. repository error) is logged and skipped —
// one bad row must not block recovery of the rest of the batch.
func (s *Service) Recover(ctx context.Context) ([]domain.TaskSnapshot, error) {
	pending := domain.TaskPending
	processing := domain.TaskProcessing

	var tasks []domain.Task
	for _, status := range []*domain.TaskStatus{&pending, &processing} {
		ts, err := s.repo.ListTasks(ctx, status, batchLimit, 0)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, ts...)
	}

	snapshots := make([]domain.TaskSnapshot, 0, len(tasks))
	for _, t := range tasks {
		snap, err := s.repo.GetTask(ctx, t.TaskID)
		if err != nil {
			s.log.Error("recovery: failed to load task snapshot, skipping", "task_id", t.TaskID, "error", err)
			continue
		}
		snapshots = append(snapshots, s.validate(ctx, snap))
	}
	return snapshots, nil
}

// validate applies the §4.K filesystem-vs-repository reconciliation rules
// to one snapshot, persisting any resets through the repository.
func (s *Service) validate(ctx context.Context, snap domain.TaskSnapshot) domain.TaskSnapshot {
	taskID := snap.Task.TaskID
	workdir := s.workdirOf(snap.Task)

	if !dirExists(workdir) {
		for i := range snap.Stages {
			snap.Stages[i] = s.resetStage(ctx, taskID, i, snap.Stages[i])
		}
		return snap
	}

	cascadeFrom := -1
	for i, stage := range snap.Stages {
		if stage.Status == domain.StageCompleted && s.anyMissing(stage.ArtifactRefs) {
			cascadeFrom = i
			break
		}
	}
	if cascadeFrom >= 0 {
		for i := cascadeFrom; i < domain.NumStages; i++ {
			snap.Stages[i] = s.resetStage(ctx, taskID, i, snap.Stages[i])
		}
	}

	for i, stage := range snap.Stages {
		if stage.Status == domain.StageRunning {
			snap.Stages[i] = s.resetStage(ctx, taskID, i, stage)
		}
	}
	return snap
}

// anyMissing reports whether any ref no longer resolves to a file, checked
// first as a content-addressed artifact ref and, failing that, as a direct
// filesystem path — stage 1's refs are artifact-store refs, stages 0/2/3/4's
// are absolute workdir paths (see spec §6).
func (s *Service) anyMissing(refs []string) bool {
	for _, ref := range refs {
		if s.artifacts != nil && s.artifacts.Exists(ref) {
			continue
		}
		if fileExists(ref) {
			continue
		}
		return true
	}
	return false
}

// resetStage reverts one stage to pending, clearing its artifact refs,
// error, and timestamps, and persists the reset. A stage already pending is
// left untouched (no redundant repository write).
func (s *Service) resetStage(ctx context.Context, taskID string, idx int, stage domain.Stage) domain.Stage {
	if stage.Status == domain.StagePending {
		return stage
	}
	empty := []string{}
	if err := s.repo.UpdateStepStatus(ctx, taskID, idx, domain.StagePending, nil, &empty); err != nil {
		s.log.Error("recovery: failed to reset stage", "task_id", taskID, "step_index", idx, "error", err)
	}
	stage.Status = domain.StagePending
	stage.ArtifactRefs = nil
	stage.Error = ""
	stage.StartedAt = nil
	stage.EndedAt = nil
	return stage
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
