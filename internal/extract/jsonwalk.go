package extract

import (
	"encoding/json"
	"strings"

	"github.com/mediaharvest/harvester/internal/harvest"
)

// maxJSONDepth bounds recursion over hostile or degenerate payloads.
const maxJSONDepth = 64

func (e *Extractor) extractJSON(pageURL string, body []byte) (harvest.ExtractResult, error) {
	var root any
	if err := json.Unmarshal(body, &root); err != nil {
		return harvest.ExtractResult{}, &harvest.ParseError{URL: pageURL, Strategy: "json", Err: err}
	}
	b := newResultBuilder(pageURL)
	e.walkJSON(pageURL, root, 0, b)
	return b.result(), nil
}

// walkJSON visits every string leaf in the value tree. URL-shaped strings
// with a media extension become candidates; page-shaped ones become links.
func (e *Extractor) walkJSON(pageURL string, node any, depth int, b *resultBuilder) {
	if depth > maxJSONDepth {
		return
	}
	switch v := node.(type) {
	case map[string]any:
		for _, child := range v {
			e.walkJSON(pageURL, child, depth+1, b)
		}
	case []any:
		for _, child := range v {
			e.walkJSON(pageURL, child, depth+1, b)
		}
	case string:
		e.considerJSONString(pageURL, v, b)
	}
}

func (e *Extractor) considerJSONString(pageURL, value string, b *resultBuilder) {
	value = strings.TrimSpace(value)
	if value == "" {
		return
	}
	if !strings.HasPrefix(value, "http://") &&
		!strings.HasPrefix(value, "https://") &&
		!strings.HasPrefix(value, "//") &&
		!strings.HasPrefix(value, "/") {
		return
	}
	abs := harvest.ResolveRef(pageURL, value)
	if abs == "" {
		return
	}
	if kind, ok := harvest.KindForURL(abs); ok {
		b.addCandidate(harvest.MediaCandidate{
			URL:  e.rewrite(abs, pageURL),
			Kind: kind,
		})
		return
	}
	if harvest.IsWebpageURL(abs) {
		b.addLink(abs)
	}
}
