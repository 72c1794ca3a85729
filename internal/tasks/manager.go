package tasks

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

var ErrTaskNotFound = errors.New("task not found")

const (
	// MaxLogLines bounds each record's retained log so long-running tasks
	// cannot exhaust memory; oldest lines are discarded beyond the cap.
	MaxLogLines = 4000

	subscriberBuffer = 500
)

// Manager spawns child processes, captures their merged output line by line,
// and fans out log/status events to any number of live subscribers. Records
// are kept for the process lifetime; an optional Store archives terminal
// snapshots.
type Manager struct {
	mu      sync.RWMutex
	records map[string]*Record
	order   []string
	store   Store

	onEventDropped func()
	onFinished     func(stage string, status Status)
}

func NewManager() *Manager {
	return &Manager{
		records: make(map[string]*Record),
	}
}

func (m *Manager) SetStore(store Store) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.store = store
}

// SetDropHook installs a callback invoked whenever an event is dropped for a
// slow subscriber. Used for metrics; must not block.
func (m *Manager) SetDropHook(hook func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onEventDropped = hook
}

// SetFinishHook installs a callback invoked once per task on its terminal
// transition. Used for metrics; must not block.
func (m *Manager) SetFinishHook(hook func(stage string, status Status)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onFinished = hook
}

// StartTask registers a pending record and begins execution asynchronously.
// The caller gets the pending snapshot immediately; a failure to launch the
// command surfaces later as a failed terminal state, never as an error here.
func (m *Manager) StartTask(stage string, command []string, dir string) (Snapshot, error) {
	stage = strings.TrimSpace(stage)
	if stage == "" {
		return Snapshot{}, errors.New("stage is required")
	}
	if len(command) == 0 || strings.TrimSpace(command[0]) == "" {
		return Snapshot{}, errors.New("command is required")
	}

	rec := &Record{
		ID:          uuid.NewString()[:12],
		Stage:       stage,
		Command:     append([]string(nil), command...),
		Dir:         dir,
		Status:      StatusPending,
		summary:     make(map[string]any),
		subscribers: make(map[chan Event]struct{}),
	}

	m.mu.Lock()
	m.records[rec.ID] = rec
	m.order = append(m.order, rec.ID)
	snap := serializeLocked(rec)
	m.mu.Unlock()

	go m.run(rec)
	return snap, nil
}

// Get returns the current snapshot of a task.
func (m *Manager) Get(taskID string) (Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[taskID]
	if !ok {
		return Snapshot{}, ErrTaskNotFound
	}
	return serializeLocked(rec), nil
}

// LogTail returns up to n of the most recent log lines in original order.
func (m *Manager) LogTail(taskID string, n int) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[taskID]
	if !ok {
		return nil, ErrTaskNotFound
	}
	return tailLocked(rec, n), nil
}

// List returns snapshots of every known task, newest first.
func (m *Manager) List() []Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Snapshot, 0, len(m.order))
	for i := len(m.order) - 1; i >= 0; i-- {
		if rec, ok := m.records[m.order[i]]; ok {
			out = append(out, serializeLocked(rec))
		}
	}
	return out
}

// Subscribe attaches a bounded event channel to a task. For an unknown id it
// returns ErrTaskNotFound together with an already-closed channel, so the
// caller can still report over the medium it expected events on. The
// subscription carries the snapshot and log tail as of attach time; every
// event emitted afterwards follows in order.
func (m *Manager) Subscribe(taskID string, tail int) (Subscription, error) {
	m.mu.Lock()
	rec, ok := m.records[taskID]
	if !ok {
		m.mu.Unlock()
		ch := make(chan Event)
		close(ch)
		return Subscription{Events: ch, Cancel: func() {}}, ErrTaskNotFound
	}

	ch := make(chan Event, subscriberBuffer)
	rec.subscribers[ch] = struct{}{}
	sub := Subscription{
		Snapshot: serializeLocked(rec),
		LogTail:  tailLocked(rec, tail),
		Events:   ch,
	}
	m.mu.Unlock()

	sub.Cancel = func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if _, attached := rec.subscribers[ch]; attached {
			delete(rec.subscribers, ch)
			close(ch)
		}
	}
	return sub, nil
}

// run owns the record for the duration of the task. It must never panic or
// return an error past its boundary: every failure mode ends in a failed
// terminal state so subscribers always observe a terminal event.
func (m *Manager) run(rec *Record) {
	m.transition(rec, StatusRunning)

	cmd := exec.Command(rec.Command[0], rec.Command[1:]...)
	cmd.Dir = rec.Dir

	pr, pw, err := os.Pipe()
	if err != nil {
		m.failLaunch(rec, fmt.Errorf("create output pipe: %w", err))
		return
	}
	cmd.Stdout = pw
	cmd.Stderr = pw

	if err := cmd.Start(); err != nil {
		pw.Close()
		pr.Close()
		m.failLaunch(rec, fmt.Errorf("launch %s: %w", rec.Command[0], err))
		return
	}
	// The child holds its own copy of the write end; close ours so the read
	// loop sees EOF once the process exits.
	pw.Close()

	scanner := bufio.NewScanner(pr)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r\n")
		if line == "" {
			continue
		}
		m.appendLine(rec, line)
	}
	if err := scanner.Err(); err != nil {
		m.appendLine(rec, fmt.Sprintf("[litriage] output stream error: %v", err))
	}
	pr.Close()

	code := 0
	if err := cmd.Wait(); err != nil {
		code = -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		}
	}

	m.finish(rec, code)
}

func (m *Manager) transition(rec *Record, status Status) {
	now := time.Now().UTC()
	m.mu.Lock()
	rec.Status = status
	if status == StatusRunning {
		rec.StartedAt = &now
	}
	snap := serializeLocked(rec)
	m.broadcastLocked(rec, Event{Type: EventStatus, Task: &snap})
	m.mu.Unlock()

	log.Printf("task %s (%s): %s", rec.ID, rec.Stage, status)
}

func (m *Manager) failLaunch(rec *Record, err error) {
	m.appendLine(rec, fmt.Sprintf("[litriage] %v", err))
	m.finish(rec, -1)
}

func (m *Manager) finish(rec *Record, code int) {
	now := time.Now().UTC()
	m.mu.Lock()
	rec.ExitCode = &code
	if code == 0 {
		rec.Status = StatusSuccess
	} else {
		rec.Status = StatusFailed
	}
	rec.EndedAt = &now
	snap := serializeLocked(rec)
	m.broadcastLocked(rec, Event{Type: EventStatus, Task: &snap})
	store := m.store
	hook := m.onFinished
	m.mu.Unlock()

	log.Printf("task %s (%s): %s (exit %d)", rec.ID, rec.Stage, snap.Status, code)
	if hook != nil {
		hook(rec.Stage, snap.Status)
	}
	m.persist(store, snap)
}

func (m *Manager) appendLine(rec *Record, line string) {
	m.mu.Lock()
	rec.logs = append(rec.logs, line)
	if len(rec.logs) > MaxLogLines {
		rec.logs = append([]string(nil), rec.logs[len(rec.logs)-MaxLogLines:]...)
	}
	applySummaryLine(rec.summary, line)
	m.broadcastLocked(rec, Event{Type: EventLog, Line: line})
	m.mu.Unlock()
}

// broadcastLocked delivers to each subscriber without blocking the run
// goroutine. A full channel means that subscriber misses this event; other
// subscribers and the task itself are unaffected.
func (m *Manager) broadcastLocked(rec *Record, evt Event) {
	for ch := range rec.subscribers {
		select {
		case ch <- evt:
		default:
			if m.onEventDropped != nil {
				m.onEventDropped()
			}
		}
	}
}

func (m *Manager) persist(store Store, snap Snapshot) {
	if store == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := store.SaveTask(ctx, snap); err != nil {
			log.Printf("task %s: archive failed: %v", snap.TaskID, err)
		}
	}()
}

func serializeLocked(rec *Record) Snapshot {
	return Snapshot{
		TaskID:    rec.ID,
		Stage:     rec.Stage,
		Command:   append([]string(nil), rec.Command...),
		Dir:       rec.Dir,
		Status:    rec.Status,
		StartedAt: rec.StartedAt,
		EndedAt:   rec.EndedAt,
		ExitCode:  rec.ExitCode,
		Summary:   cloneSummary(rec.summary),
		LogLines:  len(rec.logs),
	}
}

func tailLocked(rec *Record, n int) []string {
	if n <= 0 || n > len(rec.logs) {
		n = len(rec.logs)
	}
	out := make([]string, n)
	copy(out, rec.logs[len(rec.logs)-n:])
	return out
}

func cloneSummary(summary map[string]any) map[string]any {
	out := make(map[string]any, len(summary))
	for k, v := range summary {
		if counts, ok := v.(map[string]int); ok {
			cp := make(map[string]int, len(counts))
			for name, c := range counts {
				cp[name] = c
			}
			out[k] = cp
			continue
		}
		out[k] = v
	}
	return out
}
