// Package extract turns fetched content into media candidates and navigation
// links. Three strategies cover HTML documents, JSON API payloads, and static
// script text; selection happens per response, never per run.
package extract

import (
	"path"
	"strings"

	"go.uber.org/zap"

	"github.com/mediaharvest/harvester/internal/harvest"
)

// Config controls strategy behavior.
type Config struct {
	// Rewriter maps thumbnail URLs to full-size; nil disables rewriting.
	Rewriter harvest.URLRewriter
	// ScriptHeuristics also scans inline <script> text in HTML pages.
	ScriptHeuristics bool
	// Logger is optional.
	Logger *zap.Logger
}

// Extractor implements harvest.Extractor.
type Extractor struct {
	rewriter harvest.URLRewriter
	scripts  bool
	logger   *zap.Logger
}

// New constructs an Extractor.
func New(cfg Config) *Extractor {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Extractor{
		rewriter: cfg.Rewriter,
		scripts:  cfg.ScriptHeuristics,
		logger:   logger,
	}
}

// Extract picks a strategy from the content type (with a URL sniff for JSON
// APIs served as text) and runs it. Malformed input returns an empty result
// and a *harvest.ParseError.
func (e *Extractor) Extract(pageURL string, body []byte, contentType string) (harvest.ExtractResult, error) {
	ct := strings.ToLower(contentType)
	switch {
	case strings.Contains(ct, "json") || harvest.LooksLikeAPI(pageURL):
		return e.extractJSON(pageURL, body)
	case strings.Contains(ct, "javascript") || strings.Contains(ct, "ecmascript"):
		return e.extractScript(pageURL, string(body)), nil
	default:
		return e.extractHTML(pageURL, body)
	}
}

// rewrite runs the candidate URL through the pattern registry.
func (e *Extractor) rewrite(rawURL, pageURL string) string {
	if e.rewriter == nil {
		return rawURL
	}
	return e.rewriter.RewriteMediaURL(rawURL, pageURL)
}

// resultBuilder accumulates candidates and links, deduplicating within the
// page so one response never yields the same URL twice.
type resultBuilder struct {
	pageURL    string
	candidates []harvest.MediaCandidate
	links      []harvest.Link
	seen       map[string]struct{}
}

func newResultBuilder(pageURL string) *resultBuilder {
	return &resultBuilder{
		pageURL: pageURL,
		seen:    make(map[string]struct{}),
	}
}

func (b *resultBuilder) addCandidate(c harvest.MediaCandidate) {
	canonical, err := harvest.CanonicalURL(c.URL)
	if err != nil {
		return
	}
	if _, dup := b.seen[canonical]; dup {
		return
	}
	b.seen[canonical] = struct{}{}
	c.URL = canonical
	c.SourcePage = b.pageURL
	if c.Filename == "" {
		c.Filename = filenameFromURL(canonical)
	}
	b.candidates = append(b.candidates, c)
}

func (b *resultBuilder) addLink(rawURL string) {
	canonical, err := harvest.CanonicalURL(rawURL)
	if err != nil {
		return
	}
	if _, dup := b.seen[canonical]; dup {
		return
	}
	b.seen[canonical] = struct{}{}
	b.links = append(b.links, harvest.Link{
		URL:   canonical,
		Class: harvest.ClassifyPageURL(canonical),
	})
}

func (b *resultBuilder) result() harvest.ExtractResult {
	return harvest.ExtractResult{
		Candidates: b.candidates,
		Links:      b.links,
	}
}

func filenameFromURL(rawURL string) string {
	trimmed := rawURL
	if i := strings.IndexAny(trimmed, "?#"); i >= 0 {
		trimmed = trimmed[:i]
	}
	return path.Base(trimmed)
}
