// Package taskmodel defines the domain entities shared by the task
// repository, state machine, and orchestrator: Project, Phase, Task,
// TaskHistory, and the ephemeral Worker record.
package taskmodel

import "time"

// ProjectStatus is the lifecycle state of a Project.
type ProjectStatus string

const (
	ProjectDesign    ProjectStatus = "design"
	ProjectActive    ProjectStatus = "active"
	ProjectPaused    ProjectStatus = "paused"
	ProjectCompleted ProjectStatus = "completed"
)

// PhaseStatus is the lifecycle state of a Phase.
type PhaseStatus string

const (
	PhasePending   PhaseStatus = "pending"
	PhaseActive    PhaseStatus = "active"
	PhaseCompleted PhaseStatus = "completed"
)

// TaskStatus is one of the eight states in the task state machine.
type TaskStatus string

const (
	TaskWaiting    TaskStatus = "waiting"
	TaskReady      TaskStatus = "ready"
	TaskQueued     TaskStatus = "queued"
	TaskInProgress TaskStatus = "in_progress"
	TaskReview     TaskStatus = "review"
	TaskDone       TaskStatus = "done"
	TaskRejected   TaskStatus = "rejected"
	TaskBlocked    TaskStatus = "blocked"
)

// TaskPriority orders tasks for scheduling; lower Rank schedules first.
type TaskPriority string

const (
	PriorityCritical TaskPriority = "critical"
	PriorityHigh     TaskPriority = "high"
	PriorityMedium   TaskPriority = "medium"
	PriorityLow      TaskPriority = "low"
)

// priorityRank gives the strict scheduling order: critical < high < medium < low.
var priorityRank = map[TaskPriority]int{
	PriorityCritical: 0,
	PriorityHigh:     1,
	PriorityMedium:   2,
	PriorityLow:      3,
}

// Rank returns the scheduling rank of a priority; unknown priorities sort last.
func (p TaskPriority) Rank() int {
	if r, ok := priorityRank[p]; ok {
		return r
	}
	return 99
}

// WorkerStatus is the ephemeral operational state of a registered worker.
type WorkerStatus string

const (
	WorkerIdle    WorkerStatus = "idle"
	WorkerBusy    WorkerStatus = "busy"
	WorkerOffline WorkerStatus = "offline"
)

// Project is the root of a work tree, frozen by the architect flow.
type Project struct {
	ID            string
	Name          string
	Description   string
	DesignDocPath string
	RepoPath      string
	Status        ProjectStatus
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Phase is an ordered sibling under a Project, mapped to a git branch.
type Phase struct {
	ID          string
	ProjectID   string
	Name        string
	Description string
	BranchName  string
	Order       int
	Status      PhaseStatus
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// PromptPayload is a structured instruction payload handed to a worker
// or reviewer. Prompt is the literal instruction text; Metadata carries
// arbitrary structured context (files touched, acceptance criteria, ...).
type PromptPayload struct {
	Prompt   string         `json:"prompt"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Task is the unit of execution driven through the state machine.
type Task struct {
	ID          string
	ProjectID   string
	PhaseID     string
	Title       string
	Description string
	Status      TaskStatus
	Priority    TaskPriority
	OrderIndex  int

	WorkerPrompt *PromptPayload
	QAPrompt     *PromptPayload

	DependsOn []string

	WorkerID   string
	ReviewerID string

	BranchName string
	CommitHash string

	Version int

	ErrorMessage string
	QAResult     *QAResult
	OutputPath   string

	CreatedAt   time.Time
	UpdatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// QAResult captures the reviewer's verdict on a task.
type QAResult struct {
	Passed   bool   `json:"passed"`
	Feedback string `json:"feedback"`
}

// InitialStatus returns the status a new Task should be created in:
// waiting if it has dependencies, ready otherwise.
func InitialStatus(dependsOn []string) TaskStatus {
	if len(dependsOn) > 0 {
		return TaskWaiting
	}
	return TaskReady
}

// TaskHistory is an append-only ledger row for a single observed transition.
type TaskHistory struct {
	ID        int64
	TaskID    string
	From      TaskStatus
	To        TaskStatus
	Actor     string
	Reason    string
	Extra     map[string]any
	Timestamp time.Time
}

// Worker is the ephemeral registry record for a remote executor process.
// It is never persisted alongside Task/Project/Phase rows.
type Worker struct {
	ID            string
	Name          string
	Platform      string
	Capabilities  map[string]bool
	ExecutorType  string
	Status        WorkerStatus
	CurrentTaskID string
	Token         string
}
