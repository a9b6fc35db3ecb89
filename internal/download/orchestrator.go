// Package download implements the queue-driven worker pool that performs
// streaming file transfers with per-task progress, speed, retry, pause,
// resume, remove, and completion callbacks.
package download

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"

	"github.com/c16/dashcam-manager/internal/deviceclient"
	"github.com/c16/dashcam-manager/internal/filerecord"
	"github.com/c16/dashcam-manager/internal/workerpool"
)

const (
	defaultStreamChunkSize = 128 * 1024
	progressHeuristicBytes = 50 * 1024 * 1024 // 52428800: the 50 MiB guess used absent a Content-Length header
	defaultMaxAttempts     = 3
	defaultRetryBackoff    = 2 * time.Second
)

// Snapshot is the derived QueueSnapshot view: counts by status.
type Snapshot struct {
	Total       int
	Queued      int
	Downloading int
	Completed   int
	Failed      int
	Paused      int
}

// ProgressSink is invoked after every chunk write for a downloading task.
// Must be non-blocking and safe for concurrent calls.
type ProgressSink func(*Task)

// CompletionSink is invoked once a task reaches a terminal status change
// (completed or failed), and synchronously for the pre-existing-file
// short-circuit. Must be non-blocking and safe for concurrent calls.
type CompletionSink func(*Task)

// Orchestrator queues, dispatches, and tracks file transfers with bounded
// parallelism.
type Orchestrator struct {
	client          *deviceclient.Client
	downloadDir     string
	maxParallel     int
	pollInterval    time.Duration
	streamChunkSize int
	maxAttempts     int
	retryBackoff    time.Duration
	onProgress      ProgressSink
	onComplete      CompletionSink
	log             zerolog.Logger

	pool *workerpool.Pool

	mu    sync.Mutex
	queue []*Task

	stopCh   chan struct{}
	stopOnce sync.Once
	loopDone chan struct{}
}

// Config configures the Orchestrator. StreamChunkSize, MaxRetries, and
// RetryBackoff fall back to their spec-pinned defaults (128 KiB, 3
// attempts, 2s) when left at their zero value.
type Config struct {
	DownloadDir     string
	MaxParallel     int
	PollInterval    time.Duration
	StreamChunkSize int
	MaxRetries      int
	RetryBackoff    time.Duration
}

// New builds an Orchestrator. It does not start the coordinator loop;
// call Start for that.
func New(client *deviceclient.Client, cfg Config, onProgress ProgressSink, onComplete CompletionSink, log zerolog.Logger) *Orchestrator {
	if cfg.MaxParallel < 1 {
		cfg.MaxParallel = 3
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if cfg.StreamChunkSize <= 0 {
		cfg.StreamChunkSize = defaultStreamChunkSize
	}
	if cfg.MaxRetries < 1 {
		cfg.MaxRetries = defaultMaxAttempts
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = defaultRetryBackoff
	}
	if onProgress == nil {
		onProgress = func(*Task) {}
	}
	if onComplete == nil {
		onComplete = func(*Task) {}
	}
	return &Orchestrator{
		client:          client,
		downloadDir:     cfg.DownloadDir,
		maxParallel:     cfg.MaxParallel,
		pollInterval:    cfg.PollInterval,
		streamChunkSize: cfg.StreamChunkSize,
		maxAttempts:     cfg.MaxRetries,
		retryBackoff:    cfg.RetryBackoff,
		onProgress:      onProgress,
		onComplete:      onComplete,
		log:             log.With().Str("component", "download").Logger(),
		pool:            workerpool.New(cfg.MaxParallel),
	}
}

// Start launches the coordinator loop. Calling Start twice is a no-op.
func (o *Orchestrator) Start(ctx context.Context) {
	o.mu.Lock()
	if o.stopCh != nil {
		o.mu.Unlock()
		return
	}
	o.stopCh = make(chan struct{})
	o.loopDone = make(chan struct{})
	stop := o.stopCh
	done := o.loopDone
	o.mu.Unlock()

	go o.coordinatorLoop(ctx, stop, done)
}

// Stop signals the coordinator to exit and drains the worker pool,
// waiting for any in-flight transfers to finish.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	stop := o.stopCh
	o.mu.Unlock()
	if stop == nil {
		return
	}
	o.stopOnce.Do(func() { close(stop) })

	o.mu.Lock()
	done := o.loopDone
	o.mu.Unlock()
	if done != nil {
		<-done
	}
	o.pool.Wait()
}

func (o *Orchestrator) coordinatorLoop(ctx context.Context, stop, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(o.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.dispatchPromotable(ctx)
		}
	}
}

// dispatchPromotable promotes up to maxParallel-downloading queued tasks
// to downloading, in FIFO order, and submits each to the bounded pool.
func (o *Orchestrator) dispatchPromotable(ctx context.Context) {
	promoted := o.promote()
	for _, t := range promoted {
		t := t
		o.pool.Go(func() { o.runTask(ctx, t) })
	}
}

func (o *Orchestrator) promote() []*Task {
	o.mu.Lock()
	defer o.mu.Unlock()

	downloading := 0
	for _, t := range o.queue {
		if t.Status() == StatusDownloading {
			downloading++
		}
	}
	slots := o.maxParallel - downloading
	if slots <= 0 {
		return nil
	}

	var promoted []*Task
	for _, t := range o.queue {
		if len(promoted) >= slots {
			break
		}
		if t.Status() == StatusQueued {
			t.setStatus(StatusDownloading)
			promoted = append(promoted, t)
		}
	}
	return promoted
}

// AddToQueue enqueues a download for record. If the destination already
// exists on disk the task is born completed, the completion sink is
// invoked synchronously, and the task is never added to the queue.
func (o *Orchestrator) AddToQueue(record filerecord.FileRecord) *Task {
	dateDir := record.Timestamp.Format("2006-01-02")
	destDir := filepath.Join(o.downloadDir, dateDir)
	localPath := filepath.Join(destDir, record.Filename)

	task := newTask(record, localPath)

	if _, err := os.Stat(localPath); err == nil {
		task.setCompleted()
		o.onComplete(task)
		return task
	}

	if err := os.MkdirAll(destDir, 0o755); err != nil {
		o.log.Error().Err(err).Str("dir", destDir).Msg("failed to create download directory")
	}

	o.mu.Lock()
	o.queue = append(o.queue, task)
	o.mu.Unlock()
	return task
}

// AddMultiple enqueues each record in order via sequential AddToQueue calls.
func (o *Orchestrator) AddMultiple(records []filerecord.FileRecord) []*Task {
	tasks := make([]*Task, 0, len(records))
	for _, r := range records {
		tasks = append(tasks, o.AddToQueue(r))
	}
	return tasks
}

// FindByID returns the task with the given ID, or nil if no such task is
// in the queue (it may never have existed, or may have been a
// pre-existing-file short-circuit that was never enqueued).
func (o *Orchestrator) FindByID(id string) *Task {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, t := range o.queue {
		if t.ID == id {
			return t
		}
	}
	return nil
}

// RemoveFromQueue removes task unless it is currently downloading.
func (o *Orchestrator) RemoveFromQueue(task *Task) bool {
	if task.Status() == StatusDownloading {
		return false
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	for i, t := range o.queue {
		if t == task {
			o.queue = append(o.queue[:i], o.queue[i+1:]...)
			return true
		}
	}
	return false
}

// PauseTask transitions a queued task to paused; any other status is
// rejected.
func (o *Orchestrator) PauseTask(task *Task) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if task.Status() != StatusQueued {
		return false
	}
	task.setStatus(StatusPaused)
	return true
}

// ResumeTask transitions a paused task back to queued; any other status
// is rejected.
func (o *Orchestrator) ResumeTask(task *Task) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if task.Status() != StatusPaused {
		return false
	}
	task.setStatus(StatusQueued)
	return true
}

// ClearCompleted removes every completed task from the queue, returning
// the number removed.
func (o *Orchestrator) ClearCompleted() int {
	o.mu.Lock()
	defer o.mu.Unlock()

	kept := o.queue[:0:0]
	removed := 0
	for _, t := range o.queue {
		if t.IsComplete() {
			removed++
			continue
		}
		kept = append(kept, t)
	}
	o.queue = kept
	return removed
}

// QueueStatus returns the current QueueSnapshot counts.
func (o *Orchestrator) QueueStatus() Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()

	var s Snapshot
	s.Total = len(o.queue)
	for _, t := range o.queue {
		switch t.Status() {
		case StatusQueued:
			s.Queued++
		case StatusDownloading:
			s.Downloading++
		case StatusCompleted:
			s.Completed++
		case StatusFailed:
			s.Failed++
		case StatusPaused:
			s.Paused++
		}
	}
	return s
}

// runTask executes the full retry-bounded attempt sequence for a
// promoted task and invokes the completion sink on its terminal outcome.
func (o *Orchestrator) runTask(ctx context.Context, task *Task) {
	attempt := 0
	err := retry.Do(
		func() error {
			attempt++
			task.setProgress(0, 0)
			return o.attemptDownload(ctx, task)
		},
		retry.Attempts(uint(o.maxAttempts)),
		retry.Delay(o.retryBackoff),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
	)

	if err != nil {
		task.setFailed(fmt.Errorf("failed after %d attempts: %w", attempt, err))
		o.log.Warn().Err(err).Str("task", task.ID).Int("attempts", attempt).Msg("download failed")
	} else {
		task.setCompleted()
		o.log.Info().Str("task", task.ID).Str("path", task.LocalPath).Msg("download completed")
	}
	o.onComplete(task)
}

// attemptDownload performs one attempt: stream the body in 128 KiB chunks
// to the destination file, invoking the progress sink after each write.
func (o *Orchestrator) attemptDownload(ctx context.Context, task *Task) error {
	body, err := o.client.OpenStream(ctx, task.File.Path, "")
	if err != nil {
		return err
	}
	defer body.Close()

	if err := os.MkdirAll(filepath.Dir(task.LocalPath), 0o755); err != nil {
		return err
	}
	f, err := os.Create(task.LocalPath)
	if err != nil {
		return err
	}
	defer f.Close()

	start := time.Now()
	var written int64
	buf := make([]byte, o.streamChunkSize)

	for {
		n, readErr := body.Read(buf)
		if n > 0 {
			if _, writeErr := f.Write(buf[:n]); writeErr != nil {
				return writeErr
			}
			written += int64(n)

			elapsed := time.Since(start).Seconds()
			sizeMB := float64(written) / (1024 * 1024)
			speed := 0.0
			if elapsed > 0 {
				speed = sizeMB * 8 / elapsed
			}
			progress := min95(float64(written) / float64(progressHeuristicBytes) * 100)
			task.setProgress(progress, speed)
			o.onProgress(task)
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return readErr
		}
	}

	elapsed := time.Since(start).Seconds()
	sizeMB := float64(written) / (1024 * 1024)
	speed := 0.0
	if elapsed > 0 {
		speed = sizeMB * 8 / elapsed
	}
	task.setProgress(100.0, speed)
	o.log.Debug().Str("task", task.ID).Str("size", humanize.Bytes(uint64(written))).Msg("attempt finished")
	return nil
}

func min95(p float64) float64 {
	if p > 95.0 {
		return 95.0
	}
	return p
}
