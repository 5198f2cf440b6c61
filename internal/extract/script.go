package extract

import (
	"regexp"

	"github.com/mediaharvest/harvester/internal/harvest"
)

// Static analysis only: these patterns pull URL literals out of script text
// without executing anything.
var (
	// Quoted string containing a media extension, e.g. "https://a.com/x.jpg"
	// or '/img/y.png?v=2'.
	quotedMediaURL = regexp.MustCompile(`["']([^"'\s]+\.(?i:jpe?g|png|gif|webp|bmp|avif|mp4|webm|mov|m4v|mp3|ogg|wav|flac))(\?[^"'\s]*)?["']`)
	// CSS url(...) values, with or without quotes.
	cssURL = regexp.MustCompile(`url\(\s*["']?([^"')\s]+\.(?i:jpe?g|png|gif|webp|avif))["']?\s*\)`)
)

// extractScript is the strategy for responses that are script text.
func (e *Extractor) extractScript(pageURL, text string) harvest.ExtractResult {
	b := newResultBuilder(pageURL)
	e.scanScriptText(pageURL, text, b)
	return b.result()
}

// scanScriptText feeds matches into the builder. Everything found here is low
// confidence: the literal may never be requested by a real browser.
func (e *Extractor) scanScriptText(pageURL, text string, b *resultBuilder) {
	for _, m := range quotedMediaURL.FindAllStringSubmatch(text, -1) {
		e.addScriptCandidate(pageURL, m[1]+m[2], b)
	}
	for _, m := range cssURL.FindAllStringSubmatch(text, -1) {
		e.addScriptCandidate(pageURL, m[1], b)
	}
}

func (e *Extractor) addScriptCandidate(pageURL, raw string, b *resultBuilder) {
	abs := harvest.ResolveRef(pageURL, raw)
	if abs == "" {
		return
	}
	kind, ok := harvest.KindForURL(abs)
	if !ok {
		return
	}
	b.addCandidate(harvest.MediaCandidate{
		URL:           e.rewrite(abs, pageURL),
		Kind:          kind,
		LowConfidence: true,
	})
}
