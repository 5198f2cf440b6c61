package harvest

import (
	"context"
	"time"
)

// Fetcher retrieves a single URL. Implementations apply politeness (rate
// limits, per-domain caps) and must fail fast with ErrQuarantineSkip before
// any network activity when the domain is quarantined.
type Fetcher interface {
	Fetch(ctx context.Context, req FetchRequest) (FetchResponse, error)
}

// Extractor turns fetched content into media candidates and navigation links.
// Malformed input yields an empty result and a *ParseError, never a panic.
type Extractor interface {
	Extract(pageURL string, body []byte, contentType string) (ExtractResult, error)
}

// Clock abstracts time for quarantine and backoff testability.
type Clock interface {
	Now() time.Time
}

// QuarantineGate answers whether a domain is currently quarantined.
type QuarantineGate interface {
	IsQuarantined(domain string) bool
}

// Admitter accepts discovered media candidates into the download pipeline.
// It returns ErrDuplicateSkip when the canonical URL was already admitted.
type Admitter interface {
	Submit(candidate MediaCandidate) error
}

// MediaStore publishes a fully downloaded temp file under a relative path and
// returns the stored URI. Publication must be atomic: a reader never observes
// a partial file at the final location.
type MediaStore interface {
	Publish(ctx context.Context, relPath string, srcPath string) (string, error)
}

// SessionStore persists and restores run snapshots.
type SessionStore interface {
	Save(ctx context.Context, snap Snapshot) error
	Load(ctx context.Context, runID string) (Snapshot, error)
}

// URLRewriter maps thumbnail or preview URLs to their full-size form. The
// input URL is returned unchanged when no rewrite applies.
type URLRewriter interface {
	RewriteMediaURL(rawURL, pageURL string) string
}

// Gate blocks while the run is paused. Wait returns promptly when the run is
// active and returns ctx.Err() if the context ends first.
type Gate interface {
	Wait(ctx context.Context) error
}
