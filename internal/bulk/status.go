package bulk

import (
	"time"

	"github.com/spigell/profilegen/internal/generation"
)

// Item is the state of one task in a batch.
type Item struct {
	TaskID       string                `json:"task_id"`
	PositionID   string                `json:"position_id"`
	PositionName string                `json:"position_name"`
	Status       generation.Status     `json:"status"`
	Progress     int                   `json:"progress"`
	CurrentStep  string                `json:"current_step"`
	ProfileID    string                `json:"profile_id,omitempty"`
	Error        *generation.TaskError `json:"error,omitempty"`
}

// Status is the aggregate view of a batch. It is derived from task snapshots on every call.
type Status struct {
	BatchID          string     `json:"batch_id"`
	ConcurrencyLimit int        `json:"concurrency_limit"`
	Total            int        `json:"total"`
	Queued           int        `json:"queued"`
	Processing       int        `json:"processing"`
	Completed        int        `json:"completed"`
	Failed           int        `json:"failed"`
	Cancelled        int        `json:"cancelled"`
	Done             bool       `json:"done"`
	Progress         int        `json:"progress"`
	CreatedAt        time.Time  `json:"created_at"`
	FinishedAt       *time.Time `json:"finished_at,omitempty"`
	PerItem          []Item     `json:"per_item"`
}

func aggregate(b Batch, tasks []generation.Task) Status {
	s := Status{
		BatchID:          b.ID,
		ConcurrencyLimit: b.ConcurrencyLimit,
		Total:            len(tasks),
		CreatedAt:        b.CreatedAt,
		PerItem:          make([]Item, 0, len(tasks)),
	}

	progress := 0
	var finished time.Time
	for _, t := range tasks {
		item := Item{
			TaskID:       t.ID,
			PositionID:   t.PositionID,
			PositionName: t.PositionName,
			Status:       t.Status,
			Progress:     t.Progress,
			CurrentStep:  t.CurrentStep,
			Error:        t.Error,
		}
		if t.Result != nil {
			item.ProfileID = t.Result.ProfileID
		}
		s.PerItem = append(s.PerItem, item)

		switch t.Status {
		case generation.StatusQueued:
			s.Queued++
		case generation.StatusProcessing:
			s.Processing++
		case generation.StatusCompleted:
			s.Completed++
		case generation.StatusFailed:
			s.Failed++
		case generation.StatusCancelled:
			s.Cancelled++
		}

		if t.Status.Terminal() {
			progress += 100
			if t.FinishedAt != nil && t.FinishedAt.After(finished) {
				finished = *t.FinishedAt
			}
		} else {
			progress += t.Progress
		}
	}

	s.Done = s.Queued == 0 && s.Processing == 0
	if s.Total > 0 {
		s.Progress = progress / s.Total
	}
	if s.Done && !finished.IsZero() {
		s.FinishedAt = &finished
	}

	return s
}
