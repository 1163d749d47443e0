package importer

import (
	"time"
)

// Status is the final state of one row.
type Status string

const (
	StatusCreated Status = "created"
	StatusUpdated Status = "updated"
	StatusSkipped Status = "skipped"
	StatusFailed  Status = "failed"
)

// State is the lifecycle state of a run.
type State string

const (
	StatePending   State = "pending"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateAborted   State = "aborted"
)

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateAborted
}

// Outcome is the recorded result of one data row. Outcomes are immutable
// once recorded.
type Outcome struct {
	Row      int      `json:"row"`
	Line     int      `json:"line"`
	RecordID RecordID `json:"record_id,omitempty"`
	Status   Status   `json:"status"`
	// Action is the operation applied, e.g. "create" or "delete".
	Action string `json:"action,omitempty"`
	Code   string `json:"code,omitempty"`
	Error  string `json:"error,omitempty"`

	err error
}

// Err returns the error that failed or skipped the row, if any.
func (o Outcome) Err() error { return o.err }

// Summary counts outcomes by status. Created+Updated+Skipped+Failed always
// equals Total.
type Summary struct {
	Total   int `json:"total"`
	Created int `json:"created"`
	Updated int `json:"updated"`
	Skipped int `json:"skipped"`
	Failed  int `json:"failed"`
}

func (s *Summary) add(st Status) {
	s.Total++
	switch st {
	case StatusCreated:
		s.Created++
	case StatusUpdated:
		s.Updated++
	case StatusSkipped:
		s.Skipped++
	case StatusFailed:
		s.Failed++
	}
}

// Progress is a point-in-time view of a run.
type Progress struct {
	State      State   `json:"state"`
	RowsRead   int     `json:"rows_read"`
	Batches    int     `json:"batches"`
	BytesRead  int64   `json:"bytes_read"`
	TotalBytes int64   `json:"total_bytes"`
	Percent    int     `json:"percent"`
	Summary    Summary `json:"summary"`
}

// Report is handed to the caller when a run ends.
type Report struct {
	State      State          `json:"state"`
	Summary    Summary        `json:"summary"`
	Outcomes   []Outcome      `json:"outcomes"`
	Header     []string       `json:"header,omitempty"`
	Batches    int            `json:"batches"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt time.Time      `json:"finished_at"`
	Error      *UserMessage   `json:"error,omitempty"`
	Timings    TimingsSummary `json:"timings"`
}

// Failures returns the failed outcomes in row order.
func (r *Report) Failures() []Outcome {
	var out []Outcome
	for _, o := range r.Outcomes {
		if o.Status == StatusFailed {
			out = append(out, o)
		}
	}
	return out
}

// Duration is the wall time of the run.
func (r *Report) Duration() time.Duration {
	if r.FinishedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}
