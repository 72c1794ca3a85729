package tasks

import (
	"context"
	"errors"
)

var ErrStoreNotFound = errors.New("task not found in store")

// Store archives terminal task snapshots. The manager treats it as
// best-effort: archive failures are logged, never surfaced to subscribers.
type Store interface {
	SaveTask(ctx context.Context, snap Snapshot) error
	GetTask(ctx context.Context, taskID string) (Snapshot, error)
	ListTasks(ctx context.Context, limit int) ([]Snapshot, error)
	Close() error
}
