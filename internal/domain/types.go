// Package domain defines the core data model shared across the processing
// core: tasks, stages, log entries, events, and the question/big-question
// structure graph. It carries no persistence or transport logic of its own.
package domain

import "time"

// StageName identifies one of the five ordered pipeline stages.
type StageName string

const (
	StagePDFToImages      StageName = "pdf_to_images"
	StageExtractQuestions StageName = "extract_questions"
	StageAnalyzeData      StageName = "analyze_data"
	StageComposeLongImage StageName = "compose_long_image"
	StageCollectResults   StageName = "collect_results"
)

// StageOrder lists the five stages in execution order; StageOrder[i].Index == i.
var StageOrder = []StageName{
	StagePDFToImages,
	StageExtractQuestions,
	StageAnalyzeData,
	StageComposeLongImage,
	StageCollectResults,
}

// NumStages is the fixed number of stages every task carries.
const NumStages = 5

// Critical reports whether a stage's failure must fail the whole task.
// Stages 0, 1, 4 are critical; 2, 3 are not.
func (s StageName) Critical() bool {
	switch s {
	case StagePDFToImages, StageExtractQuestions, StageCollectResults:
		return true
	default:
		return false
	}
}

// Index returns the stage's position in StageOrder, or -1 if unknown.
func (s StageName) Index() int {
	for i, n := range StageOrder {
		if n == s {
			return i
		}
	}
	return -1
}

// TaskMode selects how re-run/skip-existing policy behaves for stages 2 and 3.
type TaskMode string

const (
	ModeAuto   TaskMode = "auto"
	ModeManual TaskMode = "manual"
)

// TaskStatus is the lifecycle state of a Task.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskProcessing TaskStatus = "processing"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
)

// Terminal reports whether status is a terminal TaskStatus.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed
}

// StageStatus is the lifecycle state of a single Stage within a task.
type StageStatus string

const (
	StagePending   StageStatus = "pending"
	StageRunning   StageStatus = "running"
	StageCompleted StageStatus = "completed"
	StageFailed    StageStatus = "failed"
	StageSkipped   StageStatus = "skipped"
)

// LogLevel classifies a LogEntry.
type LogLevel string

const (
	LogDefault LogLevel = "default"
	LogInfo    LogLevel = "info"
	LogSuccess LogLevel = "success"
	LogError   LogLevel = "error"
)

// Task is the top-level unit of work: one PDF processing job.
type Task struct {
	TaskID        string
	Mode          TaskMode
	PDFName       string
	FileHash      string // SHA-256 hex, optional (empty if unset)
	ExamDirName   string // optional
	Status        TaskStatus
	CurrentStep   int // -1 when idle
	ErrorMessage  string
	ExpectedPages int // 0 means unset
	CreatedAt     time.Time
	UpdatedAt     time.Time
	FinishedAt    *time.Time
	DeletedAt     *time.Time
}

// Stage is one of the five ordered units of work within a Task.
type Stage struct {
	TaskID       string
	StepIndex    int
	Name         StageName
	Title        string
	Status       StageStatus
	StartedAt    *time.Time
	EndedAt      *time.Time
	Error        string
	ArtifactRefs []string
}

// LogEntry is an append-only, per-task audit record.
type LogEntry struct {
	ID        int64
	TaskID    string
	CreatedAt time.Time
	Level     LogLevel
	Message   string
}

// Event is an append-only, per-task record with a monotonically increasing ID.
type Event struct {
	ID        int64
	TaskID    string
	Type      string
	Payload   map[string]any
	CreatedAt time.Time
}

// TaskSnapshot bundles a task with its stages and recent logs, as returned by
// get_task and rebuilt by the recovery service.
type TaskSnapshot struct {
	Task       Task
	Stages     [NumStages]Stage
	RecentLogs []LogEntry
}
