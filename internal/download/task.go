package download

import (
	"sync"

	"github.com/google/uuid"

	"github.com/c16/dashcam-manager/internal/filerecord"
)

// Status is one of the five states a DownloadTask moves through.
type Status string

const (
	StatusQueued      Status = "queued"
	StatusDownloading Status = "downloading"
	StatusPaused      Status = "paused"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
)

// Task is the mutable transfer state the orchestrator owns for one file.
// At most one worker mutates a given task at a time; Status ==
// Downloading implies a worker slot is held. Status, progress, speed and
// error are read and written under the task's own mutex; the
// orchestrator's queue lock guards queue membership and is also held for
// the status changes made by promotion, pause and resume. Progress and
// SpeedMbps are written only by the one worker holding the task.
type Task struct {
	ID        string
	File      filerecord.FileRecord
	LocalPath string

	mu        sync.RWMutex
	status    Status
	progress  float64
	speedMbps float64
	err       error
}

// newTask builds a queued task with a stable, IPC-safe ID.
func newTask(file filerecord.FileRecord, localPath string) *Task {
	return &Task{
		ID:        uuid.NewString(),
		File:      file,
		LocalPath: localPath,
		status:    StatusQueued,
	}
}

func (t *Task) Status() Status {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.status
}

func (t *Task) setStatus(s Status) {
	t.mu.Lock()
	t.status = s
	t.mu.Unlock()
}

func (t *Task) Progress() float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.progress
}

func (t *Task) SpeedMbps() float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.speedMbps
}

func (t *Task) Error() error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.err
}

func (t *Task) setProgress(p, speed float64) {
	t.mu.Lock()
	t.progress = p
	t.speedMbps = speed
	t.mu.Unlock()
}

func (t *Task) setFailed(err error) {
	t.mu.Lock()
	t.status = StatusFailed
	t.progress = 0
	t.speedMbps = 0
	t.err = err
	t.mu.Unlock()
}

func (t *Task) setCompleted() {
	t.mu.Lock()
	t.status = StatusCompleted
	t.progress = 100.0
	t.err = nil
	t.mu.Unlock()
}

// IsActive reports whether the task is still moving toward completion.
func (t *Task) IsActive() bool {
	switch t.Status() {
	case StatusQueued, StatusDownloading:
		return true
	default:
		return false
	}
}

// IsComplete reports whether the download finished successfully.
func (t *Task) IsComplete() bool { return t.Status() == StatusCompleted }

// HasFailed reports whether the download exhausted its retries.
func (t *Task) HasFailed() bool { return t.Status() == StatusFailed }
