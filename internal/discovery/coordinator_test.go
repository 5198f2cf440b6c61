package discovery

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mediaharvest/harvester/internal/domainhealth"
	"github.com/mediaharvest/harvester/internal/frontier"
	"github.com/mediaharvest/harvester/internal/harvest"
	"github.com/mediaharvest/harvester/internal/progress"
)

type realClock struct{}

func (realClock) Now() time.Time { return time.Now().UTC() }

// recordEmitter collects emitted events for assertions.
type recordEmitter struct {
	mu     sync.Mutex
	events []progress.Event
}

func (r *recordEmitter) Emit(e progress.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recordEmitter) reasons() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, e := range r.events {
		if e.Reason != "" {
			out = append(out, e.Reason)
		}
	}
	return out
}

// fakeFetcher serves canned responses keyed by canonical URL.
type fakeFetcher struct {
	mu    sync.Mutex
	errs  map[string]error
	calls []string
}

func (f *fakeFetcher) Fetch(_ context.Context, req harvest.FetchRequest) (harvest.FetchResponse, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req.URL)
	err := f.errs[req.URL]
	f.mu.Unlock()
	if err != nil {
		return harvest.FetchResponse{}, err
	}
	return harvest.FetchResponse{
		URL:        req.URL,
		StatusCode: 200,
		Body:       []byte("<html></html>"),
	}, nil
}

func (f *fakeFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// fakeExtractor returns canned results keyed by page URL.
type fakeExtractor struct {
	results map[string]harvest.ExtractResult
}

func (e *fakeExtractor) Extract(pageURL string, _ []byte, _ string) (harvest.ExtractResult, error) {
	return e.results[pageURL], nil
}

// fakeAdmitter records submissions and can simulate duplicates.
type fakeAdmitter struct {
	mu        sync.Mutex
	submitted []string
	seen      map[string]struct{}
}

func newFakeAdmitter() *fakeAdmitter {
	return &fakeAdmitter{seen: make(map[string]struct{})}
}

func (a *fakeAdmitter) Submit(c harvest.MediaCandidate) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, dup := a.seen[c.URL]; dup {
		return harvest.ErrDuplicateSkip
	}
	a.seen[c.URL] = struct{}{}
	a.submitted = append(a.submitted, c.URL)
	return nil
}

func (a *fakeAdmitter) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.submitted)
}

func runToCompletion(t *testing.T, c *Coordinator) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.Run(ctx)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		t.Fatal("discovery did not quiesce")
	}
}

func TestCoordinatorWalksSiteAndQuiesces(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{}
	extractor := &fakeExtractor{results: map[string]harvest.ExtractResult{
		"https://example.com/": {
			Candidates: []harvest.MediaCandidate{
				{URL: "https://cdn.example.com/a.jpg", Kind: harvest.KindImage, SourcePage: "https://example.com/"},
			},
			Links: []harvest.Link{
				{URL: "https://example.com/gallery", Class: harvest.ClassContent},
				{URL: "https://example.com/about", Class: harvest.ClassNavigation},
			},
		},
		"https://example.com/gallery": {
			Candidates: []harvest.MediaCandidate{
				{URL: "https://cdn.example.com/b.jpg", Kind: harvest.KindImage, SourcePage: "https://example.com/gallery"},
				{URL: "https://cdn.example.com/a.jpg", Kind: harvest.KindImage, SourcePage: "https://example.com/gallery"},
			},
		},
	}}
	admitter := newFakeAdmitter()
	counters := &harvest.Counters{}

	c := New(Config{
		Frontier:  frontier.New(frontier.Config{MaxDepth: 3}),
		Fetcher:   fetcher,
		Extractor: extractor,
		Health:    domainhealth.New(domainhealth.Config{Clock: realClock{}}),
		Admitter:  admitter,
		Workers:   2,
		Counters:  counters,
	})
	require.Equal(t, 1, c.Seed([]string{"https://example.com/"}))
	runToCompletion(t, c)

	require.Equal(t, 3, fetcher.callCount())
	require.Equal(t, 2, admitter.count(), "duplicate candidate admitted once")
	require.Equal(t, int64(3), counters.PagesParsed.Load())
	require.Equal(t, int64(2), counters.MediaFound.Load())
}

func TestCoordinatorNoSeedsQuiescesImmediately(t *testing.T) {
	t.Parallel()

	c := New(Config{
		Frontier:  frontier.New(frontier.Config{MaxDepth: 3}),
		Fetcher:   &fakeFetcher{},
		Extractor: &fakeExtractor{},
		Workers:   2,
	})
	require.Equal(t, 0, c.Seed(nil))
	runToCompletion(t, c)
}

func TestCoordinatorStayInDomain(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{}
	extractor := &fakeExtractor{results: map[string]harvest.ExtractResult{
		"https://example.com/": {
			Links: []harvest.Link{
				{URL: "https://www.example.com/more", Class: harvest.ClassContent},
				{URL: "https://elsewhere.org/page", Class: harvest.ClassContent},
			},
		},
	}}

	c := New(Config{
		Frontier:     frontier.New(frontier.Config{MaxDepth: 3}),
		Fetcher:      fetcher,
		Extractor:    extractor,
		Workers:      1,
		StayInDomain: true,
	})
	require.Equal(t, 1, c.Seed([]string{"https://example.com/"}))
	runToCompletion(t, c)

	require.Equal(t, 2, fetcher.callCount(), "offsite link must not be fetched")
	require.Contains(t, fetcher.calls, "https://www.example.com/more")
	require.NotContains(t, fetcher.calls, "https://elsewhere.org/page")
}

func TestCoordinatorBlocklistAndStopWords(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{}
	extractor := &fakeExtractor{results: map[string]harvest.ExtractResult{
		"https://example.com/": {
			Links: []harvest.Link{
				{URL: "https://ads.tracker.net/page", Class: harvest.ClassNavigation},
				{URL: "https://example.com/account/logout", Class: harvest.ClassNavigation},
				{URL: "https://example.com/gallery", Class: harvest.ClassContent},
			},
		},
	}}

	c := New(Config{
		Frontier:  frontier.New(frontier.Config{MaxDepth: 3}),
		Fetcher:   fetcher,
		Extractor: extractor,
		Workers:   1,
		Blocklist: NewBlocklist([]string{"*.tracker.net"}),
		StopWords: []string{"logout", "signin"},
	})
	require.Equal(t, 1, c.Seed([]string{"https://example.com/"}))
	runToCompletion(t, c)

	require.Equal(t, 2, fetcher.callCount())
	require.NotContains(t, fetcher.calls, "https://ads.tracker.net/page")
	require.NotContains(t, fetcher.calls, "https://example.com/account/logout")
}

func TestCoordinatorQuarantinesFailingDomain(t *testing.T) {
	t.Parallel()

	serverErr := &harvest.NetworkError{
		URL:        "https://flaky.com/",
		StatusCode: 503,
		Transient:  true,
		Err:        errors.New("unavailable"),
	}
	fetcher := &fakeFetcher{errs: map[string]error{
		"https://flaky.com/":  serverErr,
		"https://flaky.com/a": serverErr,
	}}
	extractor := &fakeExtractor{results: map[string]harvest.ExtractResult{}}
	health := domainhealth.New(domainhealth.Config{Threshold: 2, Clock: realClock{}})

	c := New(Config{
		Frontier:  frontier.New(frontier.Config{MaxDepth: 3}),
		Fetcher:   fetcher,
		Extractor: extractor,
		Health:    health,
		Workers:   1,
	})
	require.Equal(t, 2, c.Seed([]string{"https://flaky.com/", "https://flaky.com/a"}))
	runToCompletion(t, c)

	require.True(t, health.IsQuarantined("flaky.com"))
}

func TestCoordinatorDefersQuarantinedTaskOnce(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{}
	health := domainhealth.New(domainhealth.Config{Threshold: 2, Clock: realClock{}})
	health.Restore([]harvest.DomainState{{
		Domain:              "frozen.com",
		ConsecutiveFailures: 2,
		QuarantinedUntil:    time.Now().UTC().Add(time.Hour),
	}})

	counters := &harvest.Counters{}
	emitter := &recordEmitter{}
	c := New(Config{
		Frontier:           frontier.New(frontier.Config{MaxDepth: 3}),
		Fetcher:            fetcher,
		Extractor:          &fakeExtractor{},
		Health:             health,
		Workers:            1,
		RequeueQuarantined: true,
		RequeueDelay:       5 * time.Millisecond,
		Counters:           counters,
		Emitter:            emitter,
	})
	require.Equal(t, 1, c.Seed([]string{"https://frozen.com/"}))
	runToCompletion(t, c)

	// Deferred once, dropped on the second pop, never fetched.
	require.Equal(t, 0, fetcher.callCount())
	require.Equal(t, int64(1), counters.Skipped.Load())
	require.Contains(t, emitter.reasons(), "quarantine_skip")
}

func TestCoordinatorRequeueFetchesAfterQuarantineLifts(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{}
	health := domainhealth.New(domainhealth.Config{Threshold: 2, Clock: realClock{}})
	health.Restore([]harvest.DomainState{{
		Domain:              "thawing.com",
		ConsecutiveFailures: 2,
		QuarantinedUntil:    time.Now().UTC().Add(30 * time.Millisecond),
	}})

	c := New(Config{
		Frontier:           frontier.New(frontier.Config{MaxDepth: 3}),
		Fetcher:            fetcher,
		Extractor:          &fakeExtractor{},
		Health:             health,
		Workers:            1,
		RequeueQuarantined: true,
		RequeueDelay:       200 * time.Millisecond,
	})
	require.Equal(t, 1, c.Seed([]string{"https://thawing.com/"}))
	runToCompletion(t, c)

	// The quarantine expired during the requeue delay, so the deferred
	// task must come back through the frontier and be fetched.
	require.Equal(t, 1, fetcher.callCount())
}

func TestCoordinatorReportsFilteredCandidates(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{}
	extractor := &fakeExtractor{results: map[string]harvest.ExtractResult{
		"https://example.com/": {
			Candidates: []harvest.MediaCandidate{
				{URL: "https://cdn.example.com/a.exe", Kind: harvest.KindImage},
			},
		},
	}}
	counters := &harvest.Counters{}
	emitter := &recordEmitter{}

	c := New(Config{
		Frontier:  frontier.New(frontier.Config{MaxDepth: 3}),
		Fetcher:   fetcher,
		Extractor: extractor,
		Admitter: &rejectingAdmitter{err: &harvest.FilterError{
			URL:    "https://cdn.example.com/a.exe",
			Reason: "extension_not_allowed",
		}},
		Workers:  1,
		Counters: counters,
		Emitter:  emitter,
	})
	require.Equal(t, 1, c.Seed([]string{"https://example.com/"}))
	runToCompletion(t, c)

	require.Equal(t, int64(0), counters.MediaFound.Load())
	require.Equal(t, int64(1), counters.Skipped.Load())
	require.Contains(t, emitter.reasons(), "filtered_extension_not_allowed")
}

type rejectingAdmitter struct {
	err error
}

func (a *rejectingAdmitter) Submit(harvest.MediaCandidate) error {
	return a.err
}

func TestBlocklistPatterns(t *testing.T) {
	t.Parallel()

	b := NewBlocklist([]string{"ads.example.com", "*.tracker.net", ".doubleclick.net", "", "  "})
	require.True(t, b.IsBlocked("ads.example.com"))
	require.True(t, b.IsBlocked("ADS.EXAMPLE.COM"))
	require.False(t, b.IsBlocked("example.com"))
	require.True(t, b.IsBlocked("tracker.net"))
	require.True(t, b.IsBlocked("cdn.tracker.net"))
	require.True(t, b.IsBlocked("a.doubleclick.net"))
	require.False(t, b.IsBlocked("nottracker.net"))

	var nilList *Blocklist
	require.False(t, nilList.IsBlocked("anything.com"))
	require.Nil(t, NewBlocklist(nil))
}

func TestLoadBlocklistFile(t *testing.T) {
	t.Parallel()

	path := t.TempDir() + "/blocklist.txt"
	content := "# trackers\nads.example.com\n\n*.tracker.net\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	b, err := LoadBlocklist(path)
	require.NoError(t, err)
	require.True(t, b.IsBlocked("ads.example.com"))
	require.True(t, b.IsBlocked("x.tracker.net"))
	require.False(t, b.IsBlocked("example.com"))

	_, err = LoadBlocklist(t.TempDir() + "/missing.txt")
	require.Error(t, err)
}
