// Package fetch implements the politeness-aware HTTP fetch client used by the
// discovery workers, built on the Colly collector.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/mediaharvest/harvester/internal/harvest"
)

// Config controls client behavior.
type Config struct {
	UserAgent      string
	AcceptLanguage string
	Timeout        time.Duration
	// PerDomainConcurrency caps simultaneous requests per domain,
	// independent of the worker count (default 2).
	PerDomainConcurrency int
	// PerDomainRPS is the steady request rate per domain; <= 0 disables
	// rate limiting.
	PerDomainRPS float64
	Burst        int
	// Gate short-circuits fetches to quarantined domains; nil disables.
	Gate harvest.QuarantineGate
}

// Client implements harvest.Fetcher. Every request passes the quarantine
// gate, then the domain's token bucket, then the domain's concurrency slot,
// in that order, so a quarantined domain costs nothing and a slow domain
// cannot absorb the whole worker pool.
type Client struct {
	cfg           Config
	baseCollector *colly.Collector

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	slots    map[string]*semaphore.Weighted
}

// New builds a Client.
func New(cfg Config) *Client {
	if cfg.PerDomainConcurrency <= 0 {
		cfg.PerDomainConcurrency = 2
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	c := colly.NewCollector(colly.Async(false))
	c.IgnoreRobotsTxt = true
	c.WithTransport(newHTTPTransport())
	return &Client{
		cfg:           cfg,
		baseCollector: c,
		limiters:      make(map[string]*rate.Limiter),
		slots:         make(map[string]*semaphore.Weighted),
	}
}

// Fetch executes a single GET. Quarantined domains fail fast with
// harvest.ErrQuarantineSkip before any network or limiter wait.
func (c *Client) Fetch(ctx context.Context, req harvest.FetchRequest) (harvest.FetchResponse, error) {
	domain := harvest.Domain(req.URL)
	if domain == "" {
		return harvest.FetchResponse{}, &harvest.NetworkError{
			URL: req.URL,
			Err: fmt.Errorf("no host in %q", req.URL),
		}
	}
	if c.cfg.Gate != nil && c.cfg.Gate.IsQuarantined(domain) {
		return harvest.FetchResponse{}, fmt.Errorf("%s: %w", domain, harvest.ErrQuarantineSkip)
	}

	if err := c.limiter(domain).Wait(ctx); err != nil {
		return harvest.FetchResponse{}, fmt.Errorf("rate limit wait: %w", err)
	}
	slot := c.slot(domain)
	if err := slot.Acquire(ctx, 1); err != nil {
		return harvest.FetchResponse{}, fmt.Errorf("domain slot wait: %w", err)
	}
	defer slot.Release(1)

	return c.visit(ctx, req)
}

func (c *Client) visit(ctx context.Context, req harvest.FetchRequest) (harvest.FetchResponse, error) {
	var (
		result    harvest.FetchResponse
		status    int
		fetchErr  error
		gotResult bool
	)
	start := time.Now()

	collector := c.baseCollector.Clone()
	if c.cfg.UserAgent != "" {
		collector.UserAgent = c.cfg.UserAgent
	}
	collector.SetRequestTimeout(c.cfg.Timeout)

	collector.OnRequest(func(r *colly.Request) {
		if c.cfg.AcceptLanguage != "" {
			r.Headers.Set("Accept-Language", c.cfg.AcceptLanguage)
		}
		if req.Accept != "" {
			r.Headers.Set("Accept", req.Accept)
		}
		if req.Referer != "" {
			r.Headers.Set("Referer", req.Referer)
		}
	})
	collector.OnResponse(func(r *colly.Response) {
		gotResult = true
		result = harvest.FetchResponse{
			URL:        r.Request.URL.String(),
			StatusCode: r.StatusCode,
			Headers:    r.Headers.Clone(),
			Body:       append([]byte(nil), r.Body...),
			Duration:   time.Since(start),
		}
	})
	collector.OnError(func(r *colly.Response, err error) {
		if r != nil {
			status = r.StatusCode
		}
		fetchErr = err
	})

	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(req.URL)
	}()

	select {
	case <-ctx.Done():
		// The colly request cannot be aborted mid-flight; the Visit
		// goroutine runs on until the request timeout and its result is
		// discarded. The caller is released immediately.
		return harvest.FetchResponse{}, fmt.Errorf("fetch canceled: %w", ctx.Err())
	case visitErr := <-done:
		if fetchErr != nil {
			return harvest.FetchResponse{}, classify(req.URL, status, fetchErr)
		}
		if visitErr != nil {
			return harvest.FetchResponse{}, classify(req.URL, status, visitErr)
		}
		if !gotResult {
			return harvest.FetchResponse{}, &harvest.NetworkError{
				URL: req.URL,
				Err: errors.New("no response received"),
			}
		}
		return result, nil
	}
}

// classify folds transport and HTTP failures into the shared error taxonomy.
func classify(url string, status int, err error) error {
	transient := harvest.TransientStatus(status)
	if status == 0 {
		// Transport-level failure: timeouts and refused connections are
		// domain problems worth backing off from.
		var netErr net.Error
		switch {
		case errors.As(err, &netErr) && netErr.Timeout():
			transient = true
		case isConnectFailure(err):
			transient = true
		}
	}
	return &harvest.NetworkError{
		URL:        url,
		StatusCode: status,
		Transient:  transient,
		Err:        err,
	}
}

func isConnectFailure(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "no such host") ||
		strings.Contains(msg, "connection reset")
}

func (c *Client) limiter(domain string) *rate.Limiter {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.limiters[domain]
	if !ok {
		limit := rate.Inf
		if c.cfg.PerDomainRPS > 0 {
			limit = rate.Limit(c.cfg.PerDomainRPS)
		}
		l = rate.NewLimiter(limit, c.cfg.Burst)
		c.limiters[domain] = l
	}
	return l
}

func (c *Client) slot(domain string) *semaphore.Weighted {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.slots[domain]
	if !ok {
		s = semaphore.NewWeighted(int64(c.cfg.PerDomainConcurrency))
		c.slots[domain] = s
	}
	return s
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
