package download

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mediaharvest/harvester/internal/harvest"
)

// memStore keeps published files in memory and consumes the temp file, the
// same contract the real stores follow.
type memStore struct {
	mu    sync.Mutex
	files map[string][]byte
}

func newMemStore() *memStore {
	return &memStore{files: make(map[string][]byte)}
}

func (s *memStore) Publish(_ context.Context, relPath, srcPath string) (string, error) {
	data, err := os.ReadFile(srcPath)
	if err != nil {
		return "", err
	}
	_ = os.Remove(srcPath)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files[relPath] = data
	return "mem://" + relPath, nil
}

func (s *memStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.files)
}

func newTestPipeline(t *testing.T, cfg Config) (*Pipeline, *memStore, func()) {
	t.Helper()
	store := newMemStore()
	cfg.Store = store
	cfg.TempDir = t.TempDir()
	if cfg.Workers == 0 {
		cfg.Workers = 2
	}
	if cfg.Counters == nil {
		cfg.Counters = &harvest.Counters{}
	}
	if cfg.Retry == nil {
		cfg.Retry = NewRetryPolicy(3, time.Millisecond, 10*time.Millisecond)
	}
	p := New(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		p.Run(ctx)
	}()
	stop := func() {
		p.Close()
		cancel()
		<-done
	}
	return p, store, stop
}

func TestPipelineDownloadsAndPublishes(t *testing.T) {
	t.Parallel()

	body := bytes.Repeat([]byte{0xAB}, 4096)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "harvester-test", r.UserAgent())
		require.Equal(t, "https://example.com/gallery", r.Header.Get("Referer"))
		w.Header().Set("Content-Type", "image/jpeg")
		_, _ = w.Write(body)
	}))
	defer srv.Close()

	counters := &harvest.Counters{}
	p, store, stop := newTestPipeline(t, Config{
		UserAgent: "harvester-test",
		Counters:  counters,
	})
	defer stop()

	err := p.Submit(harvest.MediaCandidate{
		URL:        srv.URL + "/photo.jpg",
		Kind:       harvest.KindImage,
		SourcePage: "https://example.com/gallery",
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, p.Quiesce(ctx))

	require.Equal(t, 1, store.count())
	require.Equal(t, int64(1), counters.Downloaded.Load())
	require.Len(t, p.CompletedURLs(), 1)
}

func TestPipelineDuplicateAdmissionIsAtomic(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("payload"))
	}))
	defer srv.Close()

	p, store, stop := newTestPipeline(t, Config{})
	defer stop()

	candidate := harvest.MediaCandidate{URL: srv.URL + "/one.png", Kind: harvest.KindImage}
	var admitted, dups atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := p.Submit(candidate)
			switch {
			case err == nil:
				admitted.Add(1)
			case errors.Is(err, harvest.ErrDuplicateSkip):
				dups.Add(1)
			}
		}()
	}
	wg.Wait()

	require.Equal(t, int64(1), admitted.Load())
	require.Equal(t, int64(15), dups.Load())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, p.Quiesce(ctx))
	require.Equal(t, 1, store.count())
}

func TestPipelineExtensionFilter(t *testing.T) {
	t.Parallel()

	p, _, stop := newTestPipeline(t, Config{
		AllowedExtensions: []string{".jpg", "png"},
	})
	defer stop()

	require.NoError(t, p.Submit(harvest.MediaCandidate{URL: "https://example.com/a.png", Kind: harvest.KindImage}))

	err := p.Submit(harvest.MediaCandidate{URL: "https://example.com/clip.mp4", Kind: harvest.KindVideo})
	var filterErr *harvest.FilterError
	require.ErrorAs(t, err, &filterErr)
	require.Equal(t, "extension_not_allowed", filterErr.Reason)
}

func TestPipelineDimensionHintFilter(t *testing.T) {
	t.Parallel()

	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "image/jpeg")
		_, _ = w.Write([]byte("payload"))
	}))
	defer srv.Close()

	p, _, stop := newTestPipeline(t, Config{
		MinImageWidth:  100,
		MinImageHeight: 100,
	})
	defer stop()

	// Both hints present and below the floor: rejected without a request.
	err := p.Submit(harvest.MediaCandidate{
		URL: srv.URL + "/icon.jpg", Kind: harvest.KindImage, Width: 16, Height: 16,
	})
	var filterErr *harvest.FilterError
	require.ErrorAs(t, err, &filterErr)
	require.Equal(t, "below_min_dimensions", filterErr.Reason)

	// A single hint is not trusted; the decoded header decides later.
	require.NoError(t, p.Submit(harvest.MediaCandidate{
		URL: srv.URL + "/banner.jpg", Kind: harvest.KindImage, Width: 16,
	}))

	require.NoError(t, p.Quiesce(context.Background()))
	require.Equal(t, int64(1), hits.Load(), "rejected candidate must not be fetched")
}

func TestPipelineRetriesTransientThenSucceeds(t *testing.T) {
	t.Parallel()

	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("finally here"))
	}))
	defer srv.Close()

	counters := &harvest.Counters{}
	p, store, stop := newTestPipeline(t, Config{Counters: counters})
	defer stop()

	require.NoError(t, p.Submit(harvest.MediaCandidate{URL: srv.URL + "/flaky.jpg", Kind: harvest.KindImage}))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, p.Quiesce(ctx))

	require.Equal(t, int64(3), hits.Load())
	require.Equal(t, 1, store.count())
	require.Equal(t, int64(1), counters.Downloaded.Load())
}

func TestPipelinePermanentFailureDoesNotRetry(t *testing.T) {
	t.Parallel()

	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.NotFound(w, r)
	}))
	defer srv.Close()

	counters := &harvest.Counters{}
	p, store, stop := newTestPipeline(t, Config{Counters: counters})
	defer stop()

	require.NoError(t, p.Submit(harvest.MediaCandidate{URL: srv.URL + "/gone.jpg", Kind: harvest.KindImage}))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, p.Quiesce(ctx))

	require.Equal(t, int64(1), hits.Load())
	require.Equal(t, 0, store.count())
	require.Equal(t, int64(1), counters.Failed.Load())
}

func TestPipelineExhaustsAttempts(t *testing.T) {
	t.Parallel()

	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	counters := &harvest.Counters{}
	p, store, stop := newTestPipeline(t, Config{Counters: counters})
	defer stop()

	require.NoError(t, p.Submit(harvest.MediaCandidate{URL: srv.URL + "/down.jpg", Kind: harvest.KindImage}))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, p.Quiesce(ctx))

	require.Equal(t, int64(3), hits.Load())
	require.Equal(t, 0, store.count())
	require.Equal(t, int64(1), counters.Failed.Load())
}

func TestPipelineContentHashDedup(t *testing.T) {
	t.Parallel()

	body := bytes.Repeat([]byte("same-bytes-"), 512)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(body)
	}))
	defer srv.Close()

	counters := &harvest.Counters{}
	p, store, stop := newTestPipeline(t, Config{Workers: 1, Counters: counters})
	defer stop()

	require.NoError(t, p.Submit(harvest.MediaCandidate{URL: srv.URL + "/a.png", Kind: harvest.KindImage}))
	require.NoError(t, p.Submit(harvest.MediaCandidate{URL: srv.URL + "/b.png", Kind: harvest.KindImage}))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, p.Quiesce(ctx))

	require.Equal(t, 1, store.count())
	require.Equal(t, int64(1), counters.Downloaded.Load())
	require.Equal(t, int64(1), counters.Skipped.Load())
}

func TestPipelineMinSizeFilter(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/gif")
		_, _ = w.Write([]byte("tiny"))
	}))
	defer srv.Close()

	counters := &harvest.Counters{}
	p, store, stop := newTestPipeline(t, Config{MinImageKB: 1, Counters: counters})
	defer stop()

	require.NoError(t, p.Submit(harvest.MediaCandidate{URL: srv.URL + "/pixel.gif", Kind: harvest.KindImage}))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, p.Quiesce(ctx))

	require.Equal(t, 0, store.count())
	require.Equal(t, int64(1), counters.Skipped.Load())
}

func TestPipelineHTMLResponseIsNotMedia(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = fmt.Fprint(w, "<html><body>not found</body></html>")
	}))
	defer srv.Close()

	counters := &harvest.Counters{}
	p, store, stop := newTestPipeline(t, Config{Counters: counters})
	defer stop()

	require.NoError(t, p.Submit(harvest.MediaCandidate{URL: srv.URL + "/soft404.jpg", Kind: harvest.KindImage}))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, p.Quiesce(ctx))

	require.Equal(t, 0, store.count())
	require.Equal(t, int64(1), counters.Skipped.Load())
}

func TestPipelineRestoreCompletedSkipsResubmission(t *testing.T) {
	t.Parallel()

	p, _, stop := newTestPipeline(t, Config{})
	defer stop()

	p.RestoreCompleted([]string{"https://example.com/done.jpg"})

	err := p.Submit(harvest.MediaCandidate{URL: "https://example.com/done.jpg", Kind: harvest.KindImage})
	require.ErrorIs(t, err, harvest.ErrDuplicateSkip)
	require.Contains(t, p.CompletedURLs(), "https://example.com/done.jpg")
}

func TestPipelineQuiesceImmediateWhenEmpty(t *testing.T) {
	t.Parallel()

	p, _, stop := newTestPipeline(t, Config{})
	defer stop()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, p.Quiesce(ctx))
}
