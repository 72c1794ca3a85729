package tasks

import "time"

type Status string

const (
	StatusPending Status = "pending"
	StatusRunning Status = "running"
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
)

// Stage names accepted by the manager. They match the --mode values of the
// pipeline scripts the tasks wrap.
const (
	StageAnalyze  = "analyze"
	StageClassify = "classify"
)

// Record tracks one child-process invocation from launch to terminal status.
// All fields are guarded by the owning Manager's mutex; only the run
// goroutine that owns the record mutates it.
type Record struct {
	ID      string
	Stage   string
	Command []string
	Dir     string

	Status    Status
	StartedAt *time.Time
	EndedAt   *time.Time
	ExitCode  *int

	logs    []string
	summary map[string]any

	subscribers map[chan Event]struct{}
}

// Snapshot is the stable, side-effect-free projection of a Record. It never
// carries the full log or the subscriber set.
type Snapshot struct {
	TaskID    string         `json:"task_id"`
	Stage     string         `json:"stage"`
	Command   []string       `json:"command"`
	Dir       string         `json:"cwd"`
	Status    Status         `json:"status"`
	StartedAt *time.Time     `json:"started_at"`
	EndedAt   *time.Time     `json:"ended_at"`
	ExitCode  *int           `json:"return_code"`
	Summary   map[string]any `json:"summary"`
	LogLines  int            `json:"log_lines"`
}

type EventType string

const (
	EventLog    EventType = "log"
	EventStatus EventType = "status"
)

// Event is one broadcast item: a raw log line or a lifecycle transition
// carrying the serialized record.
type Event struct {
	Type EventType `json:"type"`
	Line string    `json:"line,omitempty"`
	Task *Snapshot `json:"task,omitempty"`
}

// Subscription is a live attachment to a task's event stream. Events is a
// bounded channel; events the subscriber is too slow to drain are dropped
// for this subscriber only. Cancel is idempotent.
type Subscription struct {
	Snapshot Snapshot
	LogTail  []string
	Events   <-chan Event
	Cancel   func()
}

func (t Status) Terminal() bool {
	return t == StatusSuccess || t == StatusFailed
}
