package extract

import (
	"bytes"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/mediaharvest/harvester/internal/harvest"
)

// lazyAttrs are data attributes used by common lazy-loading libraries, in
// preference order after plain src.
var lazyAttrs = []string{"data-src", "data-original", "data-lazy-src", "data-full", "data-image"}

func (e *Extractor) extractHTML(pageURL string, body []byte) (harvest.ExtractResult, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return harvest.ExtractResult{}, &harvest.ParseError{URL: pageURL, Strategy: "html", Err: err}
	}

	b := newResultBuilder(pageURL)
	e.collectImages(doc, pageURL, b)
	e.collectAV(doc, pageURL, b)
	e.collectMeta(doc, pageURL, b)
	e.collectAnchors(doc, pageURL, b)
	if e.scripts {
		doc.Find("script").Each(func(_ int, s *goquery.Selection) {
			e.scanScriptText(pageURL, s.Text(), b)
		})
	}
	return b.result(), nil
}

func (e *Extractor) collectImages(doc *goquery.Document, pageURL string, b *resultBuilder) {
	doc.Find("img").Each(func(_ int, s *goquery.Selection) {
		src := bestImageSource(s)
		abs := harvest.ResolveRef(pageURL, src)
		if abs == "" {
			return
		}
		width, height := dimensionHints(s)
		b.addCandidate(harvest.MediaCandidate{
			URL:    e.rewrite(abs, pageURL),
			Kind:   harvest.KindImage,
			Width:  width,
			Height: height,
		})
	})
}

func (e *Extractor) collectAV(doc *goquery.Document, pageURL string, b *resultBuilder) {
	doc.Find("video, audio, video source, audio source").Each(func(_ int, s *goquery.Selection) {
		src, _ := s.Attr("src")
		abs := harvest.ResolveRef(pageURL, src)
		if abs == "" {
			return
		}
		kind := harvest.KindVideo
		if goquery.NodeName(s) == "audio" || s.Closest("audio").Length() > 0 {
			kind = harvest.KindAudio
		}
		if k, ok := harvest.KindForURL(abs); ok {
			kind = k
		}
		ct, _ := s.Attr("type")
		b.addCandidate(harvest.MediaCandidate{
			URL:             abs,
			Kind:            kind,
			ContentTypeHint: ct,
		})
	})
}

func (e *Extractor) collectMeta(doc *goquery.Document, pageURL string, b *resultBuilder) {
	doc.Find(`meta[property="og:image"], meta[property="og:video"], meta[name="twitter:image"]`).
		Each(func(_ int, s *goquery.Selection) {
			content, _ := s.Attr("content")
			abs := harvest.ResolveRef(pageURL, content)
			if abs == "" {
				return
			}
			kind := harvest.KindImage
			if prop, _ := s.Attr("property"); prop == "og:video" {
				kind = harvest.KindVideo
			}
			b.addCandidate(harvest.MediaCandidate{
				URL:  e.rewrite(abs, pageURL),
				Kind: kind,
			})
		})
}

// collectAnchors handles both media-file links (candidates) and page links.
// An anchor wrapping an <img> is the thumbnail convention: the href is the
// full-size image or the content page hosting it.
func (e *Extractor) collectAnchors(doc *goquery.Document, pageURL string, b *resultBuilder) {
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		abs := harvest.ResolveRef(pageURL, href)
		if abs == "" {
			return
		}
		if kind, ok := harvest.KindForURL(abs); ok {
			b.addCandidate(harvest.MediaCandidate{URL: abs, Kind: kind})
			return
		}
		if !harvest.IsWebpageURL(abs) {
			return
		}
		if s.Find("img").Length() > 0 {
			// Thumbnail anchor: the target page very likely bears media.
			if canonical, err := harvest.CanonicalURL(abs); err == nil {
				b.addThumbnailLink(canonical)
			}
			return
		}
		b.addLink(abs)
	})
}

// addThumbnailLink records a link at content priority regardless of what the
// path heuristic says.
func (b *resultBuilder) addThumbnailLink(canonical string) {
	if _, dup := b.seen[canonical]; dup {
		return
	}
	b.seen[canonical] = struct{}{}
	b.links = append(b.links, harvest.Link{URL: canonical, Class: harvest.ClassContent})
}

// bestImageSource picks the richest source for an <img>: an explicit src, a
// lazy-load attribute, or the largest srcset candidate.
func bestImageSource(s *goquery.Selection) string {
	if srcset, ok := s.Attr("srcset"); ok {
		if best := largestSrcsetCandidate(srcset); best != "" {
			return best
		}
	}
	if src, ok := s.Attr("src"); ok && !strings.HasPrefix(src, "data:") && strings.TrimSpace(src) != "" {
		return src
	}
	for _, attr := range lazyAttrs {
		if v, ok := s.Attr(attr); ok && strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

// largestSrcsetCandidate parses "url1 100w, url2 200w" and returns the URL
// with the biggest width descriptor. Density descriptors (2x) compare by
// density; entries without a descriptor rank lowest.
func largestSrcsetCandidate(srcset string) string {
	best := ""
	bestScore := -1.0
	for _, part := range strings.Split(srcset, ",") {
		fields := strings.Fields(strings.TrimSpace(part))
		if len(fields) == 0 {
			continue
		}
		url := fields[0]
		score := 0.0
		if len(fields) > 1 {
			desc := fields[1]
			switch {
			case strings.HasSuffix(desc, "w"):
				if v, err := strconv.ParseFloat(strings.TrimSuffix(desc, "w"), 64); err == nil {
					score = v
				}
			case strings.HasSuffix(desc, "x"):
				if v, err := strconv.ParseFloat(strings.TrimSuffix(desc, "x"), 64); err == nil {
					score = v
				}
			}
		}
		if score > bestScore {
			bestScore = score
			best = url
		}
	}
	return best
}

func dimensionHints(s *goquery.Selection) (int, int) {
	parse := func(attr string) int {
		v, ok := s.Attr(attr)
		if !ok {
			return 0
		}
		n, err := strconv.Atoi(strings.TrimSuffix(strings.TrimSpace(v), "px"))
		if err != nil || n < 0 {
			return 0
		}
		return n
	}
	return parse("width"), parse("height")
}
