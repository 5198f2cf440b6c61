package fetch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mediaharvest/harvester/internal/harvest"
)

type staticGate struct {
	quarantined map[string]bool
}

func (g *staticGate) IsQuarantined(domain string) bool {
	return g.quarantined[domain]
}

func TestFetchSuccess(t *testing.T) {
	t.Parallel()

	var gotReferer, gotAccept string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotReferer = r.Header.Get("Referer")
		gotAccept = r.Header.Get("Accept")
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte("<html>ok</html>"))
	}))
	defer srv.Close()

	c := New(Config{UserAgent: "harvester-test/1.0"})
	resp, err := c.Fetch(context.Background(), harvest.FetchRequest{
		URL:     srv.URL + "/page",
		Referer: "https://example.com/",
		Accept:  "text/html",
	})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, []byte("<html>ok</html>"), resp.Body)
	require.Equal(t, "text/html", resp.Headers.Get("Content-Type"))
	require.Equal(t, "https://example.com/", gotReferer)
	require.Equal(t, "text/html", gotAccept)
}

func TestFetchClassifiesStatusErrors(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/missing":
			w.WriteHeader(http.StatusNotFound)
		case "/busy":
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	}))
	defer srv.Close()

	c := New(Config{})

	_, err := c.Fetch(context.Background(), harvest.FetchRequest{URL: srv.URL + "/missing"})
	var netErr *harvest.NetworkError
	require.ErrorAs(t, err, &netErr)
	require.Equal(t, http.StatusNotFound, netErr.StatusCode)
	require.False(t, netErr.Transient)

	_, err = c.Fetch(context.Background(), harvest.FetchRequest{URL: srv.URL + "/busy"})
	require.ErrorAs(t, err, &netErr)
	require.Equal(t, http.StatusServiceUnavailable, netErr.StatusCode)
	require.True(t, netErr.Transient)
}

func TestFetchConnectFailureIsTransient(t *testing.T) {
	t.Parallel()

	c := New(Config{Timeout: 2 * time.Second})
	// Port 1 on loopback refuses connections.
	_, err := c.Fetch(context.Background(), harvest.FetchRequest{URL: "http://127.0.0.1:1/x"})
	require.True(t, harvest.IsTransient(err), "got %v", err)
}

func TestFetchQuarantineSkipBeforeNetwork(t *testing.T) {
	t.Parallel()

	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	c := New(Config{Gate: &staticGate{quarantined: map[string]bool{"127.0.0.1": true}}})
	_, err := c.Fetch(context.Background(), harvest.FetchRequest{URL: srv.URL + "/page"})
	require.ErrorIs(t, err, harvest.ErrQuarantineSkip)
	require.Zero(t, hits.Load(), "quarantined fetch must not reach the network")
}

func TestFetchPerDomainConcurrencyCap(t *testing.T) {
	t.Parallel()

	var inFlight, peak atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		cur := inFlight.Add(1)
		for {
			old := peak.Load()
			if cur <= old || peak.CompareAndSwap(old, cur) {
				break
			}
		}
		time.Sleep(30 * time.Millisecond)
		inFlight.Add(-1)
	}))
	defer srv.Close()

	c := New(Config{PerDomainConcurrency: 2})
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = c.Fetch(context.Background(), harvest.FetchRequest{URL: srv.URL + "/slow"})
		}()
	}
	wg.Wait()
	require.LessOrEqual(t, peak.Load(), int64(2))
}

func TestFetchHonorsContext(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	c := New(Config{Timeout: 30 * time.Second})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := c.Fetch(ctx, harvest.FetchRequest{URL: srv.URL + "/hang"})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
