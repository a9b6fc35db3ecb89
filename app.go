package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
	"github.com/wailsapp/wails/v2/pkg/runtime"

	"github.com/c16/dashcam-manager/internal/cache"
	"github.com/c16/dashcam-manager/internal/config"
	"github.com/c16/dashcam-manager/internal/download"
	"github.com/c16/dashcam-manager/internal/filerecord"
	"github.com/c16/dashcam-manager/internal/session"
	"github.com/c16/dashcam-manager/internal/thumbnail"
)

// App is the Wails-bound object. It owns no window layout or widget
// tree — only the exported methods a frontend calls and the
// runtime.EventsEmit calls that realize the core's injected status,
// progress, and completion sinks. Nothing here knows about any UI
// toolkit beyond emitting named events.
type App struct {
	ctx context.Context
	cfg *config.Config
	log zerolog.Logger

	sessionMgr *session.Manager
	cache      *cache.Cache
	thumbs     *thumbnail.Pipeline
	downloads  *download.Orchestrator
}

// NewApp opens the thumbnail cache and builds the Session Manager from
// cfg; it talks to no device. The device connection, thumbnail pipeline
// and download orchestrator come up in ready (or Connect) once the
// frontend is listening for events.
func NewApp(cfg *config.Config, log zerolog.Logger) *App {
	c, err := cache.New(cfg.Cache.Dir, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open thumbnail cache")
	}

	a := &App{cfg: cfg, log: log, cache: c}

	a.sessionMgr = session.New(session.Config{
		DeviceIP:          cfg.Device.IP,
		DevicePort:        cfg.Device.Port,
		LocalIP:           cfg.Device.LocalIP,
		ConnectionTimeout: cfg.ConnectionTimeoutDur,
		DiscoverTimeout:   cfg.DiscoverTimeoutDur,
		ProbeInterval:     cfg.ProbeIntervalDur,
		DisconnectWait:    cfg.DisconnectWaitDur,
		AutoReconnect:     cfg.Session.AutoReconnect,
	}, log, a.emitStatus)

	return a
}

// startup saves the Wails runtime context so later calls can emit events.
func (a *App) startup(ctx context.Context) {
	a.ctx = ctx
}

// ready brings the session online once the frontend can receive events.
func (a *App) ready(ctx context.Context) {
	if err := a.sessionMgr.Connect(ctx); err != nil {
		a.log.Warn().Err(err).Msg("initial connect failed; the user can retry via Connect")
		return
	}
	a.wireDownloadOrchestrator(ctx)
}

func (a *App) wireDownloadOrchestrator(ctx context.Context) {
	cli := a.sessionMgr.Client()
	if cli == nil {
		return
	}
	cacheMaxAge := time.Duration(a.cfg.Cache.MaxAgeDays) * 24 * time.Hour
	a.thumbs = thumbnail.New(cli, a.cache, a.cfg.CourtesyDelayDur, cacheMaxAge, a.log)
	a.downloads = download.New(cli, download.Config{
		DownloadDir:     a.cfg.Download.Dir,
		MaxParallel:     a.cfg.Download.MaxParallel,
		PollInterval:    a.cfg.PollIntervalDur,
		StreamChunkSize: a.cfg.Download.StreamChunkSize,
		MaxRetries:      a.cfg.Download.MaxRetries,
		RetryBackoff:    a.cfg.RetryBackoffDur,
	}, a.emitProgress, a.emitCompletion, a.log)
	a.downloads.Start(ctx)
}

// shutdown stops the download orchestrator and the session prober
// cleanly before the process exits.
func (a *App) shutdown(ctx context.Context) {
	if a.downloads != nil {
		a.downloads.Stop()
	}
	a.sessionMgr.Disconnect()
}

func (a *App) emitStatus(u session.StatusUpdate) {
	if a.ctx == nil {
		return
	}
	runtime.EventsEmit(a.ctx, "session:status", map[string]any{
		"message":   u.Message,
		"connected": u.Connected,
	})
}

func (a *App) emitProgress(t *download.Task) {
	if a.ctx == nil {
		return
	}
	runtime.EventsEmit(a.ctx, "download:progress", taskView(t))
}

func (a *App) emitCompletion(t *download.Task) {
	if a.ctx == nil {
		return
	}
	runtime.EventsEmit(a.ctx, "download:complete", taskView(t))
}

func taskView(t *download.Task) map[string]any {
	errMsg := ""
	if err := t.Error(); err != nil {
		errMsg = err.Error()
	}
	sizeHuman := ""
	if info, err := os.Stat(t.LocalPath); err == nil {
		sizeHuman = humanize.Bytes(uint64(info.Size()))
	}
	return map[string]any{
		"id":        t.ID,
		"path":      t.File.Path,
		"localPath": t.LocalPath,
		"status":    string(t.Status()),
		"progress":  t.Progress(),
		"speedMbps": t.SpeedMbps(),
		"sizeHuman": sizeHuman,
		"error":     errMsg,
	}
}

// Connect attempts to bring the session online; safe to call again after
// a failed attempt or an explicit Disconnect.
func (a *App) Connect() error {
	if a.ctx == nil {
		return fmt.Errorf("app: not started")
	}
	if err := a.sessionMgr.Connect(a.ctx); err != nil {
		return err
	}
	a.wireDownloadOrchestrator(a.ctx)
	return nil
}

// Disconnect tears down the session and stops any in-flight orchestrator.
func (a *App) Disconnect() {
	if a.downloads != nil {
		a.downloads.Stop()
		a.downloads = nil
	}
	a.sessionMgr.Disconnect()
}

// ListDirectory lists the parsed FileRecords for one on-device directory
// name (e.g. "norm", "back_emr").
func (a *App) ListDirectory(dir string) ([]filerecord.FileRecord, error) {
	cli := a.sessionMgr.Client()
	if cli == nil {
		return nil, fmt.Errorf("app: not connected")
	}
	count, err := cli.GetDirFileCount(a.ctx, dir)
	if err != nil {
		return nil, err
	}
	paths, err := cli.GetDirFileList(a.ctx, dir, 0, count)
	if err != nil {
		return nil, err
	}
	records := make([]filerecord.FileRecord, 0, len(paths))
	for _, p := range paths {
		rec, err := filerecord.Parse(p)
		if err != nil {
			a.log.Debug().Err(err).Str("path", p).Msg("skipping unparseable directory entry")
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

// BrowseAll enumerates every recognized directory name into FileRecords
// in one call — an enrichment over the single-directory ListDirectory.
func (a *App) BrowseAll() ([]filerecord.FileRecord, error) {
	cli := a.sessionMgr.Client()
	if cli == nil {
		return nil, fmt.Errorf("app: not connected")
	}
	dirs, err := cli.GetDirCapability(a.ctx)
	if err != nil {
		return nil, err
	}
	var all []filerecord.FileRecord
	for _, dir := range dirs {
		recs, err := a.ListDirectory(dir)
		if err != nil {
			a.log.Warn().Err(err).Str("dir", dir).Msg("failed to browse directory")
			continue
		}
		all = append(all, recs...)
	}
	return all, nil
}

// LoadThumbnails replaces any in-flight thumbnail batch with one for
// records, publishing each result as a "thumbnail:result" event.
func (a *App) LoadThumbnails(records []filerecord.FileRecord) {
	if a.thumbs == nil {
		return
	}
	go a.thumbs.LoadAll(a.ctx, records, func(r thumbnail.Result) {
		errMsg := ""
		if r.Err != nil {
			errMsg = r.Err.Error()
		}
		runtime.EventsEmit(a.ctx, "thumbnail:result", map[string]any{
			"path":  r.Record.Path,
			"error": errMsg,
		})
	})
}

// EnqueueDownload adds one record to the download queue.
func (a *App) EnqueueDownload(record filerecord.FileRecord) (string, error) {
	if a.downloads == nil {
		return "", fmt.Errorf("app: not connected")
	}
	t := a.downloads.AddToQueue(record)
	return t.ID, nil
}

// EnqueueDirectory downloads an entire recognized directory in one call.
func (a *App) EnqueueDirectory(dir string) ([]string, error) {
	records, err := a.ListDirectory(dir)
	if err != nil {
		return nil, err
	}
	if a.downloads == nil {
		return nil, fmt.Errorf("app: not connected")
	}
	tasks := a.downloads.AddMultiple(records)
	ids := make([]string, len(tasks))
	for i, t := range tasks {
		ids[i] = t.ID
	}
	return ids, nil
}

// PauseTask pauses a queued task by ID.
func (a *App) PauseTask(id string) bool {
	if a.downloads == nil {
		return false
	}
	t := a.downloads.FindByID(id)
	if t == nil {
		return false
	}
	return a.downloads.PauseTask(t)
}

// ResumeTask resumes a paused task by ID.
func (a *App) ResumeTask(id string) bool {
	if a.downloads == nil {
		return false
	}
	t := a.downloads.FindByID(id)
	if t == nil {
		return false
	}
	return a.downloads.ResumeTask(t)
}

// RemoveTask removes a non-downloading task by ID.
func (a *App) RemoveTask(id string) bool {
	if a.downloads == nil {
		return false
	}
	t := a.downloads.FindByID(id)
	if t == nil {
		return false
	}
	return a.downloads.RemoveFromQueue(t)
}

// QueueStatus returns the current download queue counts.
func (a *App) QueueStatus() download.Snapshot {
	if a.downloads == nil {
		return download.Snapshot{}
	}
	snap := a.downloads.QueueStatus()
	a.log.Debug().
		Int("total", snap.Total).
		Int("downloading", snap.Downloading).
		Int("queued", snap.Queued).
		Str("cacheSize", humanize.Bytes(uint64(a.cache.GetStats().CacheSizeBytes))).
		Msg("queue status queried")
	return snap
}

// ClearCompleted removes every completed task from the download queue.
func (a *App) ClearCompleted() int {
	if a.downloads == nil {
		return 0
	}
	return a.downloads.ClearCompleted()
}

// CacheStats reports the thumbnail cache's current footprint.
func (a *App) CacheStats() cache.Stats {
	return a.cache.GetStats()
}

// GetGPSData retrieves the raw GPS sidecar text for a recording, deriving
// the .TXT sidecar path from record via FileRecord.GPSSidecarPath.
func (a *App) GetGPSData(record filerecord.FileRecord) (string, error) {
	cli := a.sessionMgr.Client()
	if cli == nil {
		return "", fmt.Errorf("app: not connected")
	}
	sidecar := record.GPSSidecarPath()
	if sidecar == "" {
		return "", fmt.Errorf("app: %s has no GPS sidecar (not a .TS recording)", record.Path)
	}
	return cli.GetGPSData(a.ctx, sidecar)
}
