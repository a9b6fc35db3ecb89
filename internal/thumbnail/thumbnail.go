// Package thumbnail implements the bounded-concurrency, cache-backed,
// cancellable batch loader that produces validated thumbnail blobs for a
// displayed set of file records.
package thumbnail

import (
	"bytes"
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/c16/dashcam-manager/internal/cache"
	"github.com/c16/dashcam-manager/internal/deviceclient"
	"github.com/c16/dashcam-manager/internal/filerecord"
	"github.com/c16/dashcam-manager/internal/workerpool"
)

// Result is published to the display sink for one record, either with a
// valid blob or an error.
type Result struct {
	Record filerecord.FileRecord
	Blob   []byte
	Err    error
}

// DisplaySink receives one Result per record that survives to publication.
// Implementations must be non-blocking and safe for concurrent calls —
// the pool makes no ordering guarantee across workers.
type DisplaySink func(Result)

var jpegSOI = []byte{0xFF, 0xD8}

// Pipeline loads thumbnails for the currently displayed set of records.
type Pipeline struct {
	client  *deviceclient.Client
	cache   *cache.Cache
	workers int
	delay   *rate.Limiter
	maxAge  time.Duration
	log     zerolog.Logger

	gen  workerpool.Generation
	pool *workerpool.Pool
}

// New builds a Pipeline with a fixed worker cap of 3 (a conservative cap
// chosen to avoid saturating the device) and a per-fetch courtesy delay
// of courtesyDelay (50ms in the shipped configuration), expressed as a
// token bucket rather than a bare sleep. maxAge
// bounds how old a cache hit may be before it is treated as a miss and
// re-fetched; zero disables the staleness check (presence alone is
// sufficient).
func New(client *deviceclient.Client, c *cache.Cache, courtesyDelay, maxAge time.Duration, log zerolog.Logger) *Pipeline {
	const workers = 3
	return &Pipeline{
		client:  client,
		cache:   c,
		workers: workers,
		delay:   rate.NewLimiter(rate.Every(courtesyDelay), 1),
		maxAge:  maxAge,
		log:     log.With().Str("component", "thumbnail").Logger(),
		pool:    workerpool.New(workers),
	}
}

// LoadAll replaces any in-flight batch: it advances the generation counter
// so that workers from a previous call abandon their work at their next
// checkpoint, then dispatches a fresh batch of jobs across the bounded
// pool. The call blocks until every job in this batch has either
// published or been abandoned — callers that want true cancel-and-return
// should invoke LoadAll from its own goroutine.
func (p *Pipeline) LoadAll(ctx context.Context, records []filerecord.FileRecord, sink DisplaySink) {
	if sink == nil {
		sink = func(Result) {}
	}
	generation := p.gen.Next()

	jobs := make([]func(), len(records))
	for i, record := range records {
		record := record
		jobs[i] = func() { p.loadOne(ctx, generation, record, sink) }
	}
	p.pool.Run(jobs)
}

func (p *Pipeline) loadOne(ctx context.Context, generation uint64, record filerecord.FileRecord, sink DisplaySink) {
	// Checkpoint 1: on entry.
	if p.gen.Stale(generation) {
		return
	}

	thumbPath := record.ThumbnailSidecarPath()
	if thumbPath == "" {
		thumbPath = record.Path
	}

	// The cache is keyed on record.Path, not the derived .THM path: the
	// .THM substitution exists only to build the network fetch path below.
	if p.cache.Has(record.Path) {
		stale := p.maxAge > 0 && p.cache.IsStale(record.Path, p.maxAge)
		blob := p.cache.Get(record.Path)
		if !stale && blob != nil && isValidJPEG(blob) {
			// Checkpoint 4: before publishing (cache path).
			if p.gen.Stale(generation) {
				return
			}
			sink(Result{Record: record, Blob: blob})
			return
		}
		p.cache.Invalidate(record.Path)
	}

	// Checkpoint 2: before the API call.
	if p.gen.Stale(generation) {
		return
	}

	_ = p.delay.Wait(ctx)

	blob, err := p.client.FetchBytes(ctx, thumbPath)

	// Checkpoint 3: after the API call.
	if p.gen.Stale(generation) {
		return
	}

	if err != nil {
		sink(Result{Record: record, Err: err})
		return
	}

	if !isValidJPEG(blob) {
		sink(Result{Record: record, Err: classifyInvalidBlob(blob)})
		return
	}

	if err := p.cache.Save(record.Path, blob); err != nil {
		p.log.Error().Err(err).Str("path", record.Path).Msg("failed to save thumbnail to cache")
	}

	// Checkpoint 4: before publishing (network path).
	if p.gen.Stale(generation) {
		return
	}
	sink(Result{Record: record, Blob: blob})
}

func isValidJPEG(blob []byte) bool {
	return len(blob) >= 2 && bytes.Equal(blob[:2], jpegSOI)
}

func classifyInvalidBlob(blob []byte) error {
	switch {
	case len(blob) >= 2 && strings.HasPrefix(string(blob[:2]), "<!"):
		return errInvalidBlobHTML
	case len(blob) >= 2 && blob[0] == 0x47 && blob[1] == 0x40:
		return errInvalidBlobTS
	default:
		return errInvalidBlobUnknown
	}
}
