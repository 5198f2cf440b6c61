// Package download runs the bounded worker pool that turns admitted media
// candidates into files on disk, with retry, dedup, and filtering.
package download

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"image"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	// Dimension probes for the min-size filter.
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/mediaharvest/harvester/internal/harvest"
	"github.com/mediaharvest/harvester/internal/progress"
)

// progressStep is the byte interval between DOWNLOAD_PROGRESS events.
const progressStep = 256 * 1024

// Config controls the pipeline.
type Config struct {
	Workers        int
	PerDomainSlots int
	Timeout        time.Duration
	UserAgent      string
	// ReferrerPolicy is auto (send the source page), origin (send its
	// origin only), or none.
	ReferrerPolicy string

	MinImageWidth  int
	MinImageHeight int
	MinImageKB     int
	MinVideoKB     int
	// AllowedExtensions restricts admission; empty allows all.
	AllowedExtensions []string

	RunID    [16]byte
	TempDir  string
	Store    harvest.MediaStore
	Clock    harvest.Clock
	Emitter  progress.Emitter
	Counters *harvest.Counters
	Logger   *zap.Logger
	// Pauser, when set, holds workers between jobs while the run is paused.
	Pauser harvest.Gate
	// Retry defaults to NewRetryPolicy(3, 500ms, 30s).
	Retry *RetryPolicy
	// HTTPClient overrides the default client, mainly for tests.
	HTTPClient *http.Client
}

// Pipeline implements harvest.Admitter and owns the download workers.
// Admission is atomic per canonical URL: of two concurrent Submit calls for
// the same URL exactly one wins.
type Pipeline struct {
	cfg     config
	queue   *jobQueue
	client  *http.Client
	retry   *RetryPolicy
	logger  *zap.Logger
	emitter progress.Emitter

	mu        sync.Mutex
	admitted  map[string]struct{}
	completed map[string]struct{}
	hashes    map[string]struct{}
	slots     map[string]*semaphore.Weighted

	pending atomic.Int64
	idle    chan struct{}
	wg      sync.WaitGroup
	jobSeq  atomic.Uint64
}

type config struct {
	Config
	allowed map[string]struct{}
}

// New constructs a Pipeline. Run must be called before Quiesce.
func New(cfg Config) *Pipeline {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.PerDomainSlots <= 0 {
		cfg.PerDomainSlots = 2
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.TempDir == "" {
		cfg.TempDir = os.TempDir()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	retry := cfg.Retry
	if retry == nil {
		retry = NewRetryPolicy(3, 500*time.Millisecond, 30*time.Second)
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	allowed := make(map[string]struct{}, len(cfg.AllowedExtensions))
	for _, ext := range cfg.AllowedExtensions {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		allowed[ext] = struct{}{}
	}
	return &Pipeline{
		cfg:       config{Config: cfg, allowed: allowed},
		queue:     newJobQueue(),
		client:    client,
		retry:     retry,
		logger:    logger,
		emitter:   cfg.Emitter,
		admitted:  make(map[string]struct{}),
		completed: make(map[string]struct{}),
		hashes:    make(map[string]struct{}),
		slots:     make(map[string]*semaphore.Weighted),
		idle:      make(chan struct{}, 1),
	}
}

// Submit admits a candidate. It returns harvest.ErrDuplicateSkip for a URL
// already admitted this run, a *harvest.FilterError when the file type is not
// allowed, and nil on admission. It never blocks on the download workers.
func (p *Pipeline) Submit(c harvest.MediaCandidate) error {
	canonical, err := harvest.CanonicalURL(c.URL)
	if err != nil {
		return fmt.Errorf("candidate url: %w", err)
	}
	c.URL = canonical
	if len(p.cfg.allowed) > 0 {
		ext := harvest.URLExtension(canonical)
		if _, ok := p.cfg.allowed[ext]; !ok {
			return &harvest.FilterError{URL: canonical, Reason: "extension_not_allowed"}
		}
	}
	// Markup dimension hints reject obviously small images before any
	// bytes move. A missing hint leaves the decision to the decoded
	// header after download.
	if c.Kind == harvest.KindImage && c.Width > 0 && c.Height > 0 {
		if (p.cfg.MinImageWidth > 0 && c.Width < p.cfg.MinImageWidth) ||
			(p.cfg.MinImageHeight > 0 && c.Height < p.cfg.MinImageHeight) {
			return &harvest.FilterError{URL: canonical, Reason: "below_min_dimensions"}
		}
	}

	p.mu.Lock()
	if _, dup := p.admitted[canonical]; dup {
		p.mu.Unlock()
		return fmt.Errorf("%s: %w", canonical, harvest.ErrDuplicateSkip)
	}
	p.admitted[canonical] = struct{}{}
	p.mu.Unlock()

	p.pending.Add(1)
	p.queue.Push(harvest.DownloadJob{
		ID:        fmt.Sprintf("job-%d", p.jobSeq.Add(1)),
		Candidate: c,
		Status:    harvest.JobStatusQueued,
	})
	return nil
}

// Run starts the workers and blocks until the context ends or the queue is
// closed and drained.
func (p *Pipeline) Run(ctx context.Context) {
	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go func(n int) {
			defer p.wg.Done()
			p.worker(ctx, n)
		}(i)
	}
	p.wg.Wait()
}

// Close stops the queue; workers exit once it drains.
func (p *Pipeline) Close() {
	p.queue.Close()
}

// Quiesce blocks until every admitted job has reached a terminal state.
func (p *Pipeline) Quiesce(ctx context.Context) error {
	ticker := time.NewTicker(25 * time.Millisecond)
	defer ticker.Stop()
	for {
		if p.pending.Load() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("download quiesce: %w", ctx.Err())
		case <-p.idle:
		case <-ticker.C:
		}
	}
}

// CompletedURLs returns the canonical URLs stored this run, for snapshots.
func (p *Pipeline) CompletedURLs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.completed))
	for u := range p.completed {
		out = append(out, u)
	}
	return out
}

// RestoreCompleted marks URLs from a snapshot as done so a resumed run will
// not download them again.
func (p *Pipeline) RestoreCompleted(urls []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, u := range urls {
		p.admitted[u] = struct{}{}
		p.completed[u] = struct{}{}
	}
}

func (p *Pipeline) worker(ctx context.Context, n int) {
	logger := p.logger.With(zap.Int("worker", n))
	for {
		if p.cfg.Pauser != nil {
			if err := p.cfg.Pauser.Wait(ctx); err != nil {
				return
			}
		}
		job, err := p.queue.Pop(ctx)
		if err != nil {
			return
		}
		p.process(ctx, job, logger)
	}
}

func (p *Pipeline) process(ctx context.Context, job harvest.DownloadJob, logger *zap.Logger) {
	job.Status = harvest.JobStatusInFlight
	job.Attempts++
	start := time.Now()

	written, err := p.attempt(ctx, &job)
	if err == nil {
		p.finish(job, written, time.Since(start))
		return
	}

	if p.retry.ShouldRetry(err, job.Attempts) {
		job.Status = harvest.JobStatusRetrying
		delay := p.retry.Backoff(job.Attempts)
		logger.Debug("download retry scheduled",
			zap.String("url", job.Candidate.URL),
			zap.Int("attempt", job.Attempts),
			zap.Duration("backoff", delay),
			zap.Error(err),
		)
		p.requeueAfter(ctx, job, delay)
		return
	}
	p.fail(job, err, logger)
}

// requeueAfter waits out the backoff off-worker, so a retrying job does not
// hold a pool slot.
func (p *Pipeline) requeueAfter(ctx context.Context, job harvest.DownloadJob, delay time.Duration) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			p.settle()
		case <-timer.C:
			if !p.queue.Push(job) {
				p.settle()
			}
		}
	}()
}

func (p *Pipeline) finish(job harvest.DownloadJob, written int64, dur time.Duration) {
	p.mu.Lock()
	p.completed[job.Candidate.URL] = struct{}{}
	p.mu.Unlock()
	if p.cfg.Counters != nil {
		p.cfg.Counters.Downloaded.Add(1)
	}
	p.emit(progress.Event{
		Stage:   progress.StageJobCompleted,
		Domain:  harvest.Domain(job.Candidate.URL),
		URL:     job.Candidate.URL,
		Bytes:   written,
		Attempt: job.Attempts,
		Dur:     dur,
	})
	p.settle()
}

func (p *Pipeline) fail(job harvest.DownloadJob, err error, logger *zap.Logger) {
	reason := failureReason(err)
	if p.cfg.Counters != nil {
		if reason == "duplicate_content" || strings.HasPrefix(reason, "filtered_") {
			p.cfg.Counters.Skipped.Add(1)
		} else {
			p.cfg.Counters.Failed.Add(1)
		}
	}
	logger.Debug("download failed",
		zap.String("url", job.Candidate.URL),
		zap.Int("attempt", job.Attempts),
		zap.String("reason", reason),
		zap.Error(err),
	)
	p.emit(progress.Event{
		Stage:   progress.StageJobFailed,
		Domain:  harvest.Domain(job.Candidate.URL),
		URL:     job.Candidate.URL,
		Attempt: job.Attempts,
		Reason:  reason,
	})
	p.settle()
}

// settle records one job reaching a terminal state.
func (p *Pipeline) settle() {
	if p.pending.Add(-1) == 0 {
		select {
		case p.idle <- struct{}{}:
		default:
		}
	}
}

// attempt performs one download try end to end: fetch, stream to a temp
// file, verify, filter, dedup by content hash, and publish.
func (p *Pipeline) attempt(ctx context.Context, job *harvest.DownloadJob) (int64, error) {
	c := job.Candidate
	domain := harvest.Domain(c.URL)
	slot := p.slot(domain)
	if err := slot.Acquire(ctx, 1); err != nil {
		return 0, fmt.Errorf("domain slot wait: %w", err)
	}
	defer slot.Release(1)

	reqCtx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, c.URL, nil)
	if err != nil {
		return 0, &harvest.FilterError{URL: c.URL, Reason: "bad_url"}
	}
	if p.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", p.cfg.UserAgent)
	}
	req.Header.Set("Accept", acceptFor(c.Kind))
	if ref := p.referer(c); ref != "" {
		req.Header.Set("Referer", ref)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return 0, &harvest.NetworkError{URL: c.URL, Transient: true, Err: err}
	}
	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return 0, &harvest.NetworkError{
			URL:        c.URL,
			StatusCode: resp.StatusCode,
			Transient:  harvest.TransientStatus(resp.StatusCode),
			Err:        fmt.Errorf("unexpected status %d", resp.StatusCode),
		}
	}
	ct := resp.Header.Get("Content-Type")
	if strings.HasPrefix(ct, "text/html") {
		// A media URL answering with a page is a soft 404.
		return 0, &harvest.FilterError{URL: c.URL, Reason: "not_media"}
	}
	if resp.ContentLength > 0 && p.tooSmall(c.Kind, resp.ContentLength) {
		return 0, &harvest.FilterError{URL: c.URL, Reason: "below_min_size"}
	}

	tmp, err := os.CreateTemp(p.cfg.TempDir, "harvest-*.part")
	if err != nil {
		return 0, fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	discard := func() {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
	}

	hasher := sha256.New()
	written, err := io.Copy(io.MultiWriter(tmp, hasher), p.progressReader(resp.Body, c, resp.ContentLength))
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(tmpPath)
		return 0, &harvest.NetworkError{URL: c.URL, Transient: true, Err: err}
	}
	if resp.ContentLength > 0 && written != resp.ContentLength {
		_ = os.Remove(tmpPath)
		return 0, &harvest.NetworkError{
			URL:       c.URL,
			Transient: true,
			Err:       fmt.Errorf("truncated body: got %d of %d bytes", written, resp.ContentLength),
		}
	}
	if p.tooSmall(c.Kind, written) {
		discard()
		return 0, &harvest.FilterError{URL: c.URL, Reason: "below_min_size"}
	}
	if reason, ok := p.dimensionReject(c, tmpPath); ok {
		discard()
		return 0, &harvest.FilterError{URL: c.URL, Reason: reason}
	}

	sum := hex.EncodeToString(hasher.Sum(nil))
	p.mu.Lock()
	_, dupContent := p.hashes[sum]
	if !dupContent {
		p.hashes[sum] = struct{}{}
	}
	p.mu.Unlock()
	if dupContent {
		discard()
		return 0, &harvest.FilterError{URL: c.URL, Reason: "duplicate_content"}
	}

	relPath := filepath.Join(SubdirFor(c), SuggestFilename(c))
	uri, err := p.cfg.Store.Publish(ctx, relPath, tmpPath)
	if err != nil {
		discard()
		return 0, &harvest.NetworkError{URL: c.URL, Transient: true, Err: fmt.Errorf("publish: %w", err)}
	}
	job.StoredURI = uri
	job.Status = harvest.JobStatusCompleted
	return written, nil
}

// progressReader wraps the body and emits throttled DOWNLOAD_PROGRESS events.
func (p *Pipeline) progressReader(r io.Reader, c harvest.MediaCandidate, total int64) io.Reader {
	if p.emitter == nil {
		return r
	}
	return &meteredReader{
		r:     r,
		total: total,
		emit: func(read int64) {
			p.emit(progress.Event{
				Stage:  progress.StageDownloading,
				Domain: harvest.Domain(c.URL),
				URL:    c.URL,
				Bytes:  read,
				Total:  total,
			})
		},
	}
}

type meteredReader struct {
	r        io.Reader
	total    int64
	read     int64
	lastEmit int64
	emit     func(read int64)
}

func (m *meteredReader) Read(p []byte) (int, error) {
	n, err := m.r.Read(p)
	m.read += int64(n)
	if m.read-m.lastEmit >= progressStep || (err == io.EOF && m.read > m.lastEmit) {
		m.lastEmit = m.read
		m.emit(m.read)
	}
	return n, err
}

// dimensionReject probes image headers for the min-dimension filter. Files
// the stdlib cannot decode pass through rather than being dropped.
func (p *Pipeline) dimensionReject(c harvest.MediaCandidate, path string) (string, bool) {
	if c.Kind != harvest.KindImage || (p.cfg.MinImageWidth <= 0 && p.cfg.MinImageHeight <= 0) {
		return "", false
	}
	f, err := os.Open(path)
	if err != nil {
		return "", false
	}
	defer f.Close()
	cfg, _, err := image.DecodeConfig(f)
	if err != nil {
		return "", false
	}
	if (p.cfg.MinImageWidth > 0 && cfg.Width < p.cfg.MinImageWidth) ||
		(p.cfg.MinImageHeight > 0 && cfg.Height < p.cfg.MinImageHeight) {
		return "below_min_dimensions", true
	}
	return "", false
}

func (p *Pipeline) tooSmall(kind harvest.MediaKind, size int64) bool {
	switch kind {
	case harvest.KindImage:
		return p.cfg.MinImageKB > 0 && size < int64(p.cfg.MinImageKB)*1024
	case harvest.KindVideo:
		return p.cfg.MinVideoKB > 0 && size < int64(p.cfg.MinVideoKB)*1024
	default:
		return false
	}
}

func (p *Pipeline) referer(c harvest.MediaCandidate) string {
	switch p.cfg.ReferrerPolicy {
	case "none":
		return ""
	case "origin":
		u, err := url.Parse(c.SourcePage)
		if err != nil || u.Host == "" {
			return ""
		}
		return u.Scheme + "://" + u.Host + "/"
	default: // auto
		return c.SourcePage
	}
}

func (p *Pipeline) slot(domain string) *semaphore.Weighted {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.slots[domain]
	if !ok {
		s = semaphore.NewWeighted(int64(p.cfg.PerDomainSlots))
		p.slots[domain] = s
	}
	return s
}

func (p *Pipeline) emit(evt progress.Event) {
	if p.emitter == nil {
		return
	}
	evt.RunID = p.cfg.RunID
	if p.cfg.Clock != nil {
		evt.TS = p.cfg.Clock.Now()
	} else {
		evt.TS = time.Now().UTC()
	}
	p.emitter.Emit(evt)
}

func acceptFor(kind harvest.MediaKind) string {
	switch kind {
	case harvest.KindVideo:
		return "video/*;q=0.9,*/*;q=0.5"
	case harvest.KindAudio:
		return "audio/*;q=0.9,*/*;q=0.5"
	default:
		return "image/avif,image/webp,image/*;q=0.9,*/*;q=0.5"
	}
}

func failureReason(err error) string {
	var filterErr *harvest.FilterError
	if errors.As(err, &filterErr) {
		if filterErr.Reason == "duplicate_content" {
			return "duplicate_content"
		}
		return "filtered_" + filterErr.Reason
	}
	var netErr *harvest.NetworkError
	if errors.As(err, &netErr) {
		if netErr.Transient {
			return "max_attempts"
		}
		return fmt.Sprintf("http_%d", netErr.StatusCode)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return "canceled"
	}
	return "error"
}
