package generation

import (
	"errors"
	"maps"
	"time"

	"github.com/spigell/profilegen/internal/llm"
)

var (
	// ErrNotFound is returned for unknown task ids.
	ErrNotFound = errors.New("task not found")
	// ErrValidation is returned when a request is rejected before a task is created.
	ErrValidation = errors.New("invalid generation request")
)

// Status is the lifecycle state of a task.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Steps reported in Task.CurrentStep with the progress they start at.
const (
	StepQueued         = "queued"
	StepResolving      = "resolving context"
	StepMatchingKPI    = "matching KPI"
	StepLoadingDataset = "loading KPI dataset"
	StepCalling        = "calling generation service"
	StepValidating     = "validating response"
	StepSaving         = "saving profile"
	StepCompleted      = "completed"
	StepFailed         = "failed"
	StepCancelled      = "cancelled"
)

var stepProgress = map[string]int{
	StepResolving:      10,
	StepMatchingKPI:    25,
	StepLoadingDataset: 30,
	StepCalling:        40,
	StepValidating:     85,
	StepSaving:         95,
	StepCompleted:      100,
}

// Task is one tracked profile generation. Values handed out by the Orchestrator are copies.
type Task struct {
	ID               string `json:"task_id"`
	PositionID       string `json:"position_id"`
	PositionName     string `json:"position_name"`
	BusinessUnitName string `json:"business_unit_name"`
	BatchID          string `json:"batch_id,omitempty"`

	Status      Status     `json:"status"`
	Progress    int        `json:"progress"`
	CurrentStep string     `json:"current_step"`
	Result      *Result    `json:"result,omitempty"`
	Error       *TaskError `json:"error,omitempty"`
	Attempts    int        `json:"attempts"`

	CreatedAt time.Time `json:"created_at"`
	// EstimatedDuration is advisory, in seconds.
	EstimatedDuration int        `json:"estimated_duration"`
	UpdatedAt         time.Time  `json:"updated_at"`
	StartedAt         *time.Time `json:"started_at,omitempty"`
	FinishedAt        *time.Time `json:"finished_at,omitempty"`
}

// Result is present only on completed tasks.
type Result struct {
	ProfileID       string         `json:"profile_id"`
	Profile         map[string]any `json:"profile"`
	DatasetKey      string         `json:"dataset_key"`
	DatasetFallback bool           `json:"dataset_fallback"`
	MatchConfidence float64        `json:"match_confidence"`
	Provider        string         `json:"provider"`
	Model           string         `json:"model"`
	GeneratedAt     time.Time      `json:"generated_at"`
}

// TaskError is present only on failed tasks.
type TaskError struct {
	Kind    llm.Kind `json:"kind"`
	Message string   `json:"message"`
}

func (t Task) clone() Task {
	if t.Result != nil {
		r := *t.Result
		r.Profile = maps.Clone(r.Profile)
		t.Result = &r
	}
	if t.Error != nil {
		e := *t.Error
		t.Error = &e
	}
	if t.StartedAt != nil {
		ts := *t.StartedAt
		t.StartedAt = &ts
	}
	if t.FinishedAt != nil {
		ts := *t.FinishedAt
		t.FinishedAt = &ts
	}
	return t
}
