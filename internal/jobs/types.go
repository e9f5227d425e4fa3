package jobs

import "time"

type Kind string

const (
	KindGenerate         Kind = "generate"
	KindSmartPersonality Kind = "smart_personality"
)

type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Progress is the last-value snapshot a client polls or streams.
// Percent is advisory and never decreases for a given job.
type Progress struct {
	JobID      string `json:"job_id"`
	Status     Status `json:"status"`
	Percent    int    `json:"progress"`
	Stage      string `json:"stage"`
	ETASeconds int    `json:"eta_seconds"`
	Done       bool   `json:"done"`
	Error      string `json:"error,omitempty"`
	Result     string `json:"result,omitempty"`
}

type Job struct {
	ID        string     `json:"id"`
	Kind      Kind       `json:"kind"`
	Summary   string     `json:"summary"`
	Status    Status     `json:"status"`
	Percent   int        `json:"progress"`
	Stage     string     `json:"stage"`
	ETA       int        `json:"eta_seconds"`
	Result    string     `json:"result,omitempty"`
	Warnings  []string   `json:"warnings,omitempty"`
	Error     string     `json:"error,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

func (j Job) Terminal() bool { return j.Status.Terminal() }

func (j Job) Clone() Job {
	out := j
	if j.Warnings != nil {
		out.Warnings = append([]string(nil), j.Warnings...)
	}
	if j.StartedAt != nil {
		t := *j.StartedAt
		out.StartedAt = &t
	}
	if j.EndedAt != nil {
		t := *j.EndedAt
		out.EndedAt = &t
	}
	return out
}

func (j Job) Progress() Progress {
	return Progress{
		JobID:      j.ID,
		Status:     j.Status,
		Percent:    j.Percent,
		Stage:      j.Stage,
		ETASeconds: j.ETA,
		Done:       j.Terminal(),
		Error:      j.Error,
		Result:     j.Result,
	}
}
