// Package downloader implements the dual priority-queue worker pool:
// HTTP GET with manual redirect handling, PNG structural validation,
// retry with escalating timeout/backoff, and permanent-failure routing
// to the fallback manager.
package downloader

import (
	"bytes"
	"context"
	"fmt"
	"image/png"
	"io"
	"math"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/PlayeRom/photoscenery/internal/jobs"
	"github.com/PlayeRom/photoscenery/internal/mapserver"
)

// StatusSink receives per-chunk progress notifications. statusbus.Bus
// implements this.
type StatusSink interface {
	ChunkState(tileID, sizeID, x, y int, state string)
	AddBytes(n int64)
	IncDone()
	IncFailed()
}

// FallbackSink receives permanent-failure events. fallback.Manager
// implements this.
type FallbackSink interface {
	PermanentFailure(tileID, sizeID int)
}

// Config holds the download-tuning options.
type Config struct {
	Workers            int
	Attempts           int
	BaseTimeout        time.Duration
	RetryBackoffBase   float64
	RetryMaxSleep      time.Duration
	RetryTimeoutCap    time.Duration
	RetryTimeoutFactor float64
	MaxRedirects       int
	MinChunkBytes      int64
	UserAgent          string
	Proxy              string
}

// DefaultConfig favors modest concurrency with generous but bounded
// retry.
func DefaultConfig() Config {
	return Config{
		Workers:            8,
		Attempts:           5,
		BaseTimeout:        10 * time.Second,
		RetryBackoffBase:   2.0,
		RetryMaxSleep:      30 * time.Second,
		RetryTimeoutCap:    60 * time.Second,
		RetryTimeoutFactor: 1.5,
		MaxRedirects:       5,
		MinChunkBytes:      1024,
		UserAgent:          "photoscenery/1.0",
	}
}

// Pool is the dual priority-queue worker pool. HIGH has capacity 512, LOW
// has capacity 4096.
type Pool struct {
	cfg    Config
	high   chan jobs.ChunkJob
	low    chan jobs.ChunkJob
	server mapserver.Server

	classMu sync.Mutex
	class   map[string]jobs.Priority

	pending int64
	done    int64
	failed  int64

	status   StatusSink
	fallback FallbackSink
	log      *logrus.Entry

	wg sync.WaitGroup
}

// NewPool constructs a worker pool targeting server, reporting progress
// to status and routing permanent failures to fallback.
func NewPool(cfg Config, server mapserver.Server, status StatusSink, fallback FallbackSink, log *logrus.Entry) *Pool {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Pool{
		cfg:      cfg,
		high:     make(chan jobs.ChunkJob, 512),
		low:      make(chan jobs.ChunkJob, 4096),
		server:   server,
		class:    make(map[string]jobs.Priority),
		status:   status,
		fallback: fallback,
		log:      log.WithField("component", "downloader"),
	}
}

// SetFallback wires the fallback sink after construction, for callers
// that must build the fallback manager from the pool itself (the
// manager's Enqueuer is the pool).
func (p *Pool) SetFallback(fallback FallbackSink) { p.fallback = fallback }

// Pending, Done and Failed expose the pool's atomic progress counters.
func (p *Pool) Pending() int64 { return atomic.LoadInt64(&p.pending) }
func (p *Pool) Done() int64    { return atomic.LoadInt64(&p.done) }
func (p *Pool) Failed() int64  { return atomic.LoadInt64(&p.failed) }

// Enqueue submits job to its recorded priority class, blocking if that
// queue is full, which is the pool's only backpressure mechanism.
func (p *Pool) Enqueue(job jobs.ChunkJob) {
	p.classMu.Lock()
	p.class[job.StagingPath] = job.Priority
	p.classMu.Unlock()
	atomic.AddInt64(&p.pending, 1)
	if job.Priority == jobs.High {
		p.high <- job
	} else {
		p.low <- job
	}
}

// Start launches Workers goroutines that run until ctx is canceled.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go p.workerLoop(ctx, i)
	}
}

// Wait blocks until all worker goroutines have returned (e.g. after ctx
// cancellation).
func (p *Pool) Wait() { p.wg.Wait() }

func (p *Pool) workerLoop(ctx context.Context, id int) {
	defer p.wg.Done()
	log := p.log.WithField("worker", id)
	for {
		// HIGH strictly preempts LOW: try it non-blocking first.
		select {
		case job := <-p.high:
			p.process(ctx, job, log)
			continue
		default:
		}

		select {
		case <-ctx.Done():
			return
		case job := <-p.high:
			p.process(ctx, job, log)
		case job := <-p.low:
			p.process(ctx, job, log)
		}
	}
}

func (p *Pool) classOf(job jobs.ChunkJob) jobs.Priority {
	p.classMu.Lock()
	defer p.classMu.Unlock()
	if c, ok := p.class[job.StagingPath]; ok {
		return c
	}
	return job.Priority
}

func (p *Pool) reenqueue(job jobs.ChunkJob) {
	job.Priority = p.classOf(job)
	atomic.AddInt64(&p.pending, 1)
	if job.Priority == jobs.High {
		p.high <- job
	} else {
		p.low <- job
	}
}

func (p *Pool) process(ctx context.Context, job jobs.ChunkJob, log *logrus.Entry) {
	log = log.WithField("staging", job.StagingPath)
	p.status.ChunkState(job.TileID, job.SizeID, job.ChunkX, job.ChunkY, "in_progress")

	if alreadyDone(job.StagingPath, p.cfg.MinChunkBytes) {
		p.finishDone(job)
		return
	}

	attempt := p.cfg.Attempts - job.RetriesLeft
	timeout := escalatedTimeout(p.cfg.BaseTimeout, p.cfg.RetryTimeoutFactor, p.cfg.RetryTimeoutCap, attempt)

	url := p.server.Render(mapserver.BBox{
		LonLL: job.BBox.LonLL, LatLL: job.BBox.LatLL, LonUR: job.BBox.LonUR, LatUR: job.BBox.LatUR,
	}, mapserver.PixelSize{W: job.PixelSize.W, H: job.PixelSize.H})

	body, status, err := p.fetch(ctx, url, timeout)
	if err != nil {
		p.handleTransient(job, log, fmt.Sprintf("request error: %v", err))
		return
	}
	if isPermanent(status) {
		log.WithField("status", status).Warn("definitive failure, routing to fallback")
		p.finishFailed(job)
		p.fallback.PermanentFailure(job.TileID, job.SizeID)
		return
	}
	if isTransient(status) {
		p.handleTransient(job, log, fmt.Sprintf("transient status %d", status))
		return
	}
	if status != http.StatusOK {
		p.handleTransient(job, log, fmt.Sprintf("unexpected status %d", status))
		return
	}

	if !validatePNGSignature(body) {
		p.handleTransient(job, log, "png signature/IHDR validation failed")
		return
	}

	if err := writeAtomic(job.StagingPath, body); err != nil {
		p.handleTransient(job, log, fmt.Sprintf("write failed: %v", err))
		return
	}

	if _, err := png.Decode(bytes.NewReader(body)); err != nil {
		os.Remove(job.StagingPath)
		p.handleTransient(job, log, fmt.Sprintf("undecodable png: %v", err))
		return
	}

	p.status.AddBytes(int64(len(body)))
	p.finishDone(job)
}

func (p *Pool) finishDone(job jobs.ChunkJob) {
	atomic.AddInt64(&p.pending, -1)
	atomic.AddInt64(&p.done, 1)
	p.status.ChunkState(job.TileID, job.SizeID, job.ChunkX, job.ChunkY, "completed")
	p.status.IncDone()
}

func (p *Pool) finishFailed(job jobs.ChunkJob) {
	atomic.AddInt64(&p.pending, -1)
	atomic.AddInt64(&p.failed, 1)
	p.status.ChunkState(job.TileID, job.SizeID, job.ChunkX, job.ChunkY, "failed")
	p.status.IncFailed()
}

func (p *Pool) handleTransient(job jobs.ChunkJob, log *logrus.Entry, reason string) {
	if job.RetriesLeft <= 0 {
		log.WithField("reason", reason).Warn("retries exhausted, permanent failure")
		p.finishFailed(job)
		p.fallback.PermanentFailure(job.TileID, job.SizeID)
		return
	}
	atomic.AddInt64(&p.pending, -1)
	attempt := p.cfg.Attempts - job.RetriesLeft
	sleep := backoffSleep(p.cfg.RetryBackoffBase, p.cfg.RetryMaxSleep, attempt)
	log.WithField("reason", reason).WithField("sleep", sleep).Debug("transient failure, retrying")
	job.RetriesLeft--
	time.Sleep(sleep)
	p.reenqueue(job)
}

// fetch performs the HTTP GET, following redirects manually up to
// MaxRedirects, preserving method and using the Location header.
func (p *Pool) fetch(ctx context.Context, url string, timeout time.Duration) ([]byte, int, error) {
	client := &http.Client{
		Timeout: timeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	for redirects := 0; redirects <= p.cfg.MaxRedirects; redirects++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, 0, err
		}
		req.Header.Set("User-Agent", p.cfg.UserAgent)

		resp, err := client.Do(req)
		if err != nil {
			return nil, 0, err
		}

		if resp.StatusCode == http.StatusMovedPermanently || resp.StatusCode == http.StatusFound {
			loc := resp.Header.Get("Location")
			resp.Body.Close()
			if loc == "" {
				return nil, resp.StatusCode, fmt.Errorf("redirect without Location header")
			}
			url = loc
			continue
		}

		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return nil, resp.StatusCode, err
		}
		return body, resp.StatusCode, nil
	}
	return nil, 0, fmt.Errorf("too many redirects (> %d)", p.cfg.MaxRedirects)
}

func alreadyDone(path string, minBytes int64) bool {
	if !validatePNGSignatureFile(path) {
		return false
	}
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.Size() >= minBytes
}

func validatePNGSignatureFile(path string) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	return validatePNGSignature(data)
}

// validatePNGSignature checks the 8-byte PNG signature, bytes 13..16 ==
// "IHDR", and that the IHDR chunk's declared length (big-endian uint32
// at offset 8) equals 13.
func validatePNGSignature(data []byte) bool {
	sig := []byte{0x89, 'P', 'N', 'G', 0x0D, 0x0A, 0x1A, 0x0A}
	if len(data) < 25 {
		return false
	}
	if !bytes.Equal(data[0:8], sig) {
		return false
	}
	if string(data[12:16]) != "IHDR" {
		return false
	}
	ihdrLen := uint32(data[8])<<24 | uint32(data[9])<<16 | uint32(data[10])<<8 | uint32(data[11])
	return ihdrLen == 13
}

func writeAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func isPermanent(status int) bool {
	switch status {
	case 404, 410, 500:
		return true
	}
	return false
}

func isTransient(status int) bool {
	switch status {
	case 429, 503, 504:
		return true
	}
	// 403 is classified as transient: some tile servers throttle with 403
	// rather than 429, and those are worth retrying rather than failing.
	return status == 403
}

func escalatedTimeout(base time.Duration, grow float64, cap_ time.Duration, attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := time.Duration(float64(base) * math.Pow(grow, float64(attempt)))
	if d > cap_ {
		return cap_
	}
	if d < base {
		return base
	}
	return d
}

func backoffSleep(base float64, max time.Duration, attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	secs := math.Pow(base, float64(attempt))
	d := time.Duration(secs * float64(time.Second))
	if d > max {
		return max
	}
	return d
}
