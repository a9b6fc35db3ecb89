package download

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/c16/dashcam-manager/internal/deviceclient"
	"github.com/c16/dashcam-manager/internal/filerecord"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestOrchestrator(t *testing.T, handler http.HandlerFunc, onProgress ProgressSink, onComplete CompletionSink) (*Orchestrator, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	cli := deviceclient.New(deviceclient.Config{BaseURL: srv.URL, ConnectionTimeout: 2 * time.Second, MaxRetries: 0}, zerolog.Nop())
	o := New(cli, Config{
		DownloadDir:  t.TempDir(),
		MaxParallel:  3,
		PollInterval: 20 * time.Millisecond,
	}, onProgress, onComplete, zerolog.Nop())
	return o, srv
}

func mustRecord(t *testing.T) filerecord.FileRecord {
	t.Helper()
	r, err := filerecord.Parse("sd//norm/2025_10_12_220337_00.TS")
	require.NoError(t, err)
	return r
}

func TestHappyPathDownload(t *testing.T) {
	var calls atomic.Int64
	chunk := make([]byte, 42*1024)

	o, srv := newTestOrchestrator(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		for i := 0; i < 3; i++ {
			_, _ = w.Write(chunk)
		}
	}, nil, nil)
	defer srv.Close()

	task := o.AddToQueue(mustRecord(t))
	assert.Equal(t, StatusQueued, task.Status())

	o.Start(context.Background())
	defer o.Stop()

	require.Eventually(t, func() bool {
		return task.Status() == StatusCompleted
	}, 3*time.Second, 10*time.Millisecond)

	assert.Equal(t, 100.0, task.Progress())
	assert.Greater(t, task.SpeedMbps(), 0.0)

	info, err := os.Stat(task.LocalPath)
	require.NoError(t, err)
	assert.Equal(t, int64(3*42*1024), info.Size())
}

func TestPreExistingFileShortCircuits(t *testing.T) {
	var completeCalls atomic.Int64
	o, srv := newTestOrchestrator(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("network should not be called for a pre-existing file")
	}, nil, func(task *Task) { completeCalls.Add(1) })
	defer srv.Close()

	rec := mustRecord(t)
	dateDir := rec.Timestamp.Format("2006-01-02")
	destDir := filepath.Join(o.downloadDir, dateDir)
	require.NoError(t, os.MkdirAll(destDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(destDir, rec.Filename), []byte("existing"), 0o644))

	task := o.AddToQueue(rec)
	assert.Equal(t, StatusCompleted, task.Status())
	assert.Equal(t, 100.0, task.Progress())
	assert.Equal(t, int64(1), completeCalls.Load())
}

func TestRetryAfterTransientFailure(t *testing.T) {
	var attempt atomic.Int64
	var attemptTimes []time.Time
	var mu sync.Mutex

	o, srv := newTestOrchestrator(t, func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		attemptTimes = append(attemptTimes, time.Now())
		mu.Unlock()

		n := attempt.Add(1)
		if n < 3 {
			hj, ok := w.(http.Hijacker)
			if ok {
				conn, _, _ := hj.Hijack()
				conn.Close()
				return
			}
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte("ok-bytes"))
	}, nil, nil)
	defer srv.Close()

	task := o.AddToQueue(mustRecord(t))
	o.Start(context.Background())
	defer o.Stop()

	require.Eventually(t, func() bool {
		return task.Status() == StatusCompleted || task.Status() == StatusFailed
	}, 10*time.Second, 20*time.Millisecond)

	assert.Equal(t, StatusCompleted, task.Status())
	assert.NoError(t, task.Error())

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, attemptTimes, 3)
	assert.GreaterOrEqual(t, attemptTimes[1].Sub(attemptTimes[0]), 1800*time.Millisecond)
}

func TestExhaustedRetries(t *testing.T) {
	o, srv := newTestOrchestrator(t, func(w http.ResponseWriter, r *http.Request) {
		hj, ok := w.(http.Hijacker)
		if ok {
			conn, _, _ := hj.Hijack()
			conn.Close()
			return
		}
		w.WriteHeader(http.StatusInternalServerError)
	}, nil, nil)
	defer srv.Close()

	task := o.AddToQueue(mustRecord(t))
	o.Start(context.Background())
	defer o.Stop()

	require.Eventually(t, func() bool {
		return task.Status() == StatusFailed
	}, 10*time.Second, 20*time.Millisecond)

	assert.Equal(t, 0.0, task.Progress())
	require.Error(t, task.Error())
	assert.Contains(t, task.Error().Error(), "after 3 attempts")
}

func TestRemoveFromQueue_RejectedWhileDownloading(t *testing.T) {
	release := make(chan struct{})
	o, srv := newTestOrchestrator(t, func(w http.ResponseWriter, r *http.Request) {
		w.(http.Flusher).Flush()
		<-release
		_, _ = w.Write([]byte("done"))
	}, nil, nil)
	defer srv.Close()

	task := o.AddToQueue(mustRecord(t))
	o.Start(context.Background())
	defer func() {
		close(release)
		o.Stop()
	}()

	require.Eventually(t, func() bool {
		return task.Status() == StatusDownloading
	}, 2*time.Second, 10*time.Millisecond)

	assert.False(t, o.RemoveFromQueue(task))
}

func TestPauseResume(t *testing.T) {
	o, srv := newTestOrchestrator(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("x"))
	}, nil, nil)
	defer srv.Close()

	task := o.AddToQueue(mustRecord(t))
	assert.True(t, o.PauseTask(task))
	assert.Equal(t, StatusPaused, task.Status())

	assert.False(t, o.PauseTask(task))

	assert.True(t, o.ResumeTask(task))
	assert.Equal(t, StatusQueued, task.Status())
}

func TestQueueStatusAndClearCompleted(t *testing.T) {
	o, srv := newTestOrchestrator(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("x"))
	}, nil, nil)
	defer srv.Close()

	rec := mustRecord(t)
	dateDir := rec.Timestamp.Format("2006-01-02")
	destDir := filepath.Join(o.downloadDir, dateDir)
	require.NoError(t, os.MkdirAll(destDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(destDir, rec.Filename), []byte("existing"), 0o644))

	completedTask := o.AddToQueue(rec)
	assert.Equal(t, StatusCompleted, completedTask.Status())

	snap := o.QueueStatus()
	assert.Equal(t, 0, snap.Total) // completed-on-enqueue tasks never join the queue

	removed := o.ClearCompleted()
	assert.Equal(t, 0, removed)
}
