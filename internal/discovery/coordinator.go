// Package discovery runs the workers that walk pages, extract media
// candidates, and feed both the frontier and the download pipeline.
package discovery

import (
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/mediaharvest/harvester/internal/domainhealth"
	"github.com/mediaharvest/harvester/internal/frontier"
	"github.com/mediaharvest/harvester/internal/harvest"
	"github.com/mediaharvest/harvester/internal/progress"
)

// Config wires a Coordinator. Frontier, Fetcher, and Extractor are required.
type Config struct {
	Frontier  *frontier.Frontier
	Fetcher   harvest.Fetcher
	Extractor harvest.Extractor
	Health    *domainhealth.Monitor
	Admitter  harvest.Admitter

	Workers int
	// StayInDomain restricts discovered page links to the seed sites.
	StayInDomain bool
	// RequeueQuarantined gives a task popped during its domain's quarantine
	// one deferred second chance instead of dropping it.
	RequeueQuarantined bool
	// RequeueDelay is how long a deferred task waits before re-entering the
	// frontier (default 30s).
	RequeueDelay time.Duration
	Blocklist    *Blocklist
	// StopWords reject page links whose URL contains any of them.
	StopWords []string

	RunID    [16]byte
	Clock    harvest.Clock
	Emitter  progress.Emitter
	Counters *harvest.Counters
	Logger   *zap.Logger
	// Pauser, when set, holds workers between tasks while the run is paused.
	Pauser harvest.Gate
}

// Coordinator drives the discovery side of a run. It owns quiescence: when
// the last in-flight task settles and nothing remains queued, it closes the
// frontier exactly once, which releases every blocked worker.
type Coordinator struct {
	cfg         Config
	logger      *zap.Logger
	seedDomains map[string]struct{}
	stopWords   []string

	inflight  atomic.Int64
	closeOnce sync.Once
	wg        sync.WaitGroup
}

const defaultRequeueDelay = 30 * time.Second

// New builds a Coordinator.
func New(cfg Config) *Coordinator {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.RequeueDelay <= 0 {
		cfg.RequeueDelay = defaultRequeueDelay
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	stopWords := make([]string, 0, len(cfg.StopWords))
	for _, w := range cfg.StopWords {
		if w = strings.ToLower(strings.TrimSpace(w)); w != "" {
			stopWords = append(stopWords, w)
		}
	}
	return &Coordinator{
		cfg:         cfg,
		logger:      logger,
		seedDomains: make(map[string]struct{}),
		stopWords:   stopWords,
	}
}

// Seed pushes the starting URLs at depth zero. It returns the number of
// seeds accepted and must be called before Run.
func (c *Coordinator) Seed(rawURLs []string) int {
	accepted := 0
	for _, raw := range rawURLs {
		canonical, err := harvest.CanonicalURL(raw)
		if err != nil {
			c.logger.Warn("seed rejected", zap.String("url", raw), zap.Error(err))
			continue
		}
		domain := harvest.Domain(canonical)
		c.seedDomains[harvest.BaseDomain(domain)] = struct{}{}
		c.inflight.Add(1)
		if !c.cfg.Frontier.Push(harvest.URLTask{
			URL:    canonical,
			Domain: domain,
			Class:  harvest.ClassNavigation,
		}) {
			c.inflight.Add(-1)
			continue
		}
		accepted++
	}
	return accepted
}

// Enqueue adds a task restored from a snapshot, keeping the quiescence
// accounting in step with the frontier. Must be called before Run.
func (c *Coordinator) Enqueue(task harvest.URLTask) bool {
	return c.pushTask(task)
}

// Run blocks until discovery quiesces or the context ends.
func (c *Coordinator) Run(ctx context.Context) {
	if c.inflight.Load() == 0 {
		c.close()
		return
	}
	for i := 0; i < c.cfg.Workers; i++ {
		c.wg.Add(1)
		go func(n int) {
			defer c.wg.Done()
			c.worker(ctx, n)
		}(i)
	}
	c.wg.Wait()
}

func (c *Coordinator) worker(ctx context.Context, n int) {
	logger := c.logger.With(zap.Int("worker", n))
	for {
		if c.cfg.Pauser != nil {
			if err := c.cfg.Pauser.Wait(ctx); err != nil {
				return
			}
		}
		task, err := c.cfg.Frontier.Pop(ctx)
		if err != nil {
			return
		}
		c.process(ctx, task, logger)
	}
}

func (c *Coordinator) process(ctx context.Context, task harvest.URLTask, logger *zap.Logger) {
	defer c.settle()

	if c.cfg.Health != nil && c.cfg.Health.IsQuarantined(task.Domain) {
		c.deferOrDrop(ctx, task, logger)
		return
	}

	start := time.Now()
	resp, err := c.cfg.Fetcher.Fetch(ctx, harvest.FetchRequest{
		URL:     task.URL,
		Referer: task.DiscoveredFrom,
	})
	if err != nil {
		c.handleFetchError(ctx, task, err, logger)
		return
	}
	c.recordSuccess(task.Domain)

	result, err := c.cfg.Extractor.Extract(resp.URL, resp.Body, resp.Headers.Get("Content-Type"))
	if err != nil {
		if c.cfg.Counters != nil {
			c.cfg.Counters.Errors.Add(1)
		}
		logger.Warn("extraction failed", zap.String("url", task.URL), zap.Error(err))
		c.emit(progress.Event{
			Stage:  progress.StageError,
			Domain: task.Domain,
			URL:    task.URL,
			Reason: "parse_error",
		})
		return
	}

	submitted := c.submitCandidates(result.Candidates, logger)
	queued := c.enqueueLinks(task, result.Links)

	if c.cfg.Counters != nil {
		c.cfg.Counters.PagesParsed.Add(1)
	}
	c.emit(progress.Event{
		Stage:  progress.StagePageParsed,
		Domain: task.Domain,
		URL:    task.URL,
		Media:  submitted,
		Links:  queued,
		Dur:    time.Since(start),
	})
}

// deferOrDrop handles a task whose domain was quarantined after it was
// queued. At most one deferred retry per task keeps a long quarantine from
// cycling the same URLs forever.
func (c *Coordinator) deferOrDrop(ctx context.Context, task harvest.URLTask, logger *zap.Logger) {
	if c.cfg.RequeueQuarantined && task.Requeues == 0 {
		requeued := task
		requeued.Requeues++
		// The task counts as in flight for the whole delay so quiescence
		// cannot trigger while it waits. Requeue bypasses the seen set,
		// which already holds this URL from its first push.
		c.inflight.Add(1)
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			timer := time.NewTimer(c.cfg.RequeueDelay)
			defer timer.Stop()
			select {
			case <-ctx.Done():
				c.settle()
				return
			case <-timer.C:
			}
			if !c.cfg.Frontier.Requeue(requeued) {
				c.settle()
			}
		}()
		logger.Debug("task deferred, domain quarantined",
			zap.String("url", task.URL),
			zap.String("domain", task.Domain),
		)
		return
	}
	logger.Debug("task dropped, domain quarantined",
		zap.String("url", task.URL),
		zap.String("domain", task.Domain),
	)
	if c.cfg.Counters != nil {
		c.cfg.Counters.Skipped.Add(1)
	}
	c.emit(progress.Event{
		Stage:  progress.StageError,
		Domain: task.Domain,
		URL:    task.URL,
		Reason: "quarantine_skip",
	})
}

func (c *Coordinator) handleFetchError(ctx context.Context, task harvest.URLTask, err error, logger *zap.Logger) {
	if errors.Is(err, harvest.ErrQuarantineSkip) {
		c.deferOrDrop(ctx, task, logger)
		return
	}
	if c.cfg.Counters != nil {
		c.cfg.Counters.Errors.Add(1)
	}
	logger.Warn("fetch failed", zap.String("url", task.URL), zap.Error(err))
	c.emit(progress.Event{
		Stage:  progress.StageError,
		Domain: task.Domain,
		URL:    task.URL,
		Reason: "fetch_error",
	})
	c.recordFailure(task.Domain, failureKind(err))
}

func (c *Coordinator) submitCandidates(candidates []harvest.MediaCandidate, logger *zap.Logger) int {
	if c.cfg.Admitter == nil {
		return 0
	}
	submitted := 0
	for _, candidate := range candidates {
		err := c.cfg.Admitter.Submit(candidate)
		switch {
		case err == nil:
			submitted++
			if c.cfg.Counters != nil {
				c.cfg.Counters.MediaFound.Add(1)
			}
			c.emit(progress.Event{
				Stage:  progress.StageMediaFound,
				Domain: harvest.Domain(candidate.URL),
				URL:    candidate.URL,
			})
		case errors.Is(err, harvest.ErrDuplicateSkip):
			// Already admitted, usually the same asset linked from
			// several pages.
		default:
			logger.Debug("candidate rejected", zap.String("url", candidate.URL), zap.Error(err))
			if c.cfg.Counters != nil {
				c.cfg.Counters.Skipped.Add(1)
			}
			reason := "filtered"
			var filterErr *harvest.FilterError
			if errors.As(err, &filterErr) {
				reason = "filtered_" + filterErr.Reason
			}
			c.emit(progress.Event{
				Stage:  progress.StageError,
				Domain: harvest.Domain(candidate.URL),
				URL:    candidate.URL,
				Reason: reason,
			})
		}
	}
	return submitted
}

func (c *Coordinator) enqueueLinks(task harvest.URLTask, links []harvest.Link) int {
	queued := 0
	for _, link := range links {
		if !c.allowLink(link.URL) {
			continue
		}
		if c.pushTask(harvest.URLTask{
			URL:            link.URL,
			Domain:         harvest.Domain(link.URL),
			Depth:          task.Depth + 1,
			Class:          link.Class,
			DiscoveredFrom: task.URL,
		}) {
			queued++
		}
	}
	return queued
}

func (c *Coordinator) allowLink(rawURL string) bool {
	host := harvest.Domain(rawURL)
	if host == "" {
		return false
	}
	if c.cfg.Blocklist.IsBlocked(host) {
		return false
	}
	if c.cfg.StayInDomain {
		if _, ok := c.seedDomains[harvest.BaseDomain(host)]; !ok {
			return false
		}
	}
	lower := strings.ToLower(rawURL)
	for _, word := range c.stopWords {
		if strings.Contains(lower, word) {
			return false
		}
	}
	return true
}

// pushTask keeps the in-flight count and the frontier in step. The count is
// raised before the push so a racing settle cannot observe an empty run
// while the child is still on its way in.
func (c *Coordinator) pushTask(task harvest.URLTask) bool {
	c.inflight.Add(1)
	if c.cfg.Frontier.Push(task) {
		return true
	}
	c.inflight.Add(-1)
	return false
}

// settle retires one task. The last one out closes the frontier.
func (c *Coordinator) settle() {
	if c.inflight.Add(-1) == 0 {
		c.close()
	}
}

func (c *Coordinator) close() {
	c.closeOnce.Do(func() {
		c.logger.Info("discovery quiesced, closing frontier")
		c.cfg.Frontier.Close()
	})
}

func (c *Coordinator) recordSuccess(domain string) {
	if c.cfg.Health != nil {
		c.cfg.Health.RecordSuccess(domain)
	}
}

func (c *Coordinator) recordFailure(domain string, kind domainhealth.FailureKind) {
	if c.cfg.Health == nil {
		return
	}
	newly, until := c.cfg.Health.RecordFailure(domain, kind)
	if !newly {
		return
	}
	c.logger.Warn("domain quarantined",
		zap.String("domain", domain),
		zap.Time("until", until),
	)
	c.emit(progress.Event{
		Stage:  progress.StageDomainQuarantined,
		Domain: domain,
		Reason: "consecutive_failures",
	})
}

func (c *Coordinator) emit(evt progress.Event) {
	if c.cfg.Emitter == nil {
		return
	}
	evt.RunID = c.cfg.RunID
	if c.cfg.Clock != nil {
		evt.TS = c.cfg.Clock.Now()
	} else {
		evt.TS = time.Now().UTC()
	}
	c.cfg.Emitter.Emit(evt)
}

// failureKind maps a fetch error onto the health monitor's taxonomy. Only
// domain-attributable kinds count toward quarantine.
func failureKind(err error) domainhealth.FailureKind {
	var netErr *harvest.NetworkError
	if errors.As(err, &netErr) {
		switch {
		case netErr.StatusCode >= 500:
			return domainhealth.FailureServer
		case netErr.StatusCode >= 400:
			return domainhealth.FailureClient
		}
		var timeoutErr net.Error
		if errors.As(netErr.Err, &timeoutErr) && timeoutErr.Timeout() {
			return domainhealth.FailureTimeout
		}
		if netErr.Transient {
			return domainhealth.FailureConnect
		}
	}
	return domainhealth.FailureClient
}
