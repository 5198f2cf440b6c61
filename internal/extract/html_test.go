package extract

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mediaharvest/harvester/internal/harvest"
	"github.com/mediaharvest/harvester/internal/sitepatterns"
)

const galleryPage = `<!DOCTYPE html>
<html><body>
  <img src="/img/cat.jpg" width="800" height="600">
  <img data-src="/img/lazy-dog.png">
  <img srcset="/img/small.jpg 320w, /img/large.jpg 1280w, /img/medium.jpg 640w">
  <a href="/gallery/42"><img src="/thumbs/42.jpg"></a>
  <a href="/downloads/clip.mp4">download</a>
  <a href="/about.html">about us</a>
  <a href="mailto:x@example.com">mail</a>
  <video><source src="/media/movie.webm" type="video/webm"></video>
  <audio src="/media/theme.mp3"></audio>
  <meta property="og:image" content="https://cdn.example.com/og.jpg">
  <script>var hero = "/img/hero.jpg";</script>
</body></html>`

func candidateURLs(result harvest.ExtractResult) map[string]harvest.MediaCandidate {
	out := make(map[string]harvest.MediaCandidate, len(result.Candidates))
	for _, c := range result.Candidates {
		out[c.URL] = c
	}
	return out
}

func TestExtractHTML(t *testing.T) {
	t.Parallel()

	e := New(Config{Rewriter: sitepatterns.Default()})
	result, err := e.Extract("https://example.com/gallery", []byte(galleryPage), "text/html; charset=utf-8")
	require.NoError(t, err)

	byURL := candidateURLs(result)

	img, ok := byURL["https://example.com/img/cat.jpg"]
	require.True(t, ok)
	require.Equal(t, harvest.KindImage, img.Kind)
	require.Equal(t, 800, img.Width)
	require.Equal(t, 600, img.Height)
	require.Equal(t, "cat.jpg", img.Filename)
	require.Equal(t, "https://example.com/gallery", img.SourcePage)

	_, ok = byURL["https://example.com/img/lazy-dog.png"]
	require.True(t, ok, "lazy-load attribute should be scanned")

	_, ok = byURL["https://example.com/img/large.jpg"]
	require.True(t, ok, "largest srcset candidate should win")
	_, ok = byURL["https://example.com/img/small.jpg"]
	require.False(t, ok)

	clip, ok := byURL["https://example.com/downloads/clip.mp4"]
	require.True(t, ok)
	require.Equal(t, harvest.KindVideo, clip.Kind)

	movie, ok := byURL["https://example.com/media/movie.webm"]
	require.True(t, ok)
	require.Equal(t, harvest.KindVideo, movie.Kind)

	theme, ok := byURL["https://example.com/media/theme.mp3"]
	require.True(t, ok)
	require.Equal(t, harvest.KindAudio, theme.Kind)

	og, ok := byURL["https://cdn.example.com/og.jpg"]
	require.True(t, ok)
	require.Equal(t, harvest.KindImage, og.Kind)

	// The thumbnail in the anchor goes through the generic rewrite rules.
	_, ok = byURL["https://example.com/42.jpg"]
	require.True(t, ok, "thumbnail should be rewritten to full size")
}

func TestExtractHTMLLinks(t *testing.T) {
	t.Parallel()

	e := New(Config{})
	result, err := e.Extract("https://example.com/gallery", []byte(galleryPage), "text/html")
	require.NoError(t, err)

	byURL := make(map[string]harvest.Link, len(result.Links))
	for _, l := range result.Links {
		byURL[l.URL] = l
	}

	thumb, ok := byURL["https://example.com/gallery/42"]
	require.True(t, ok)
	require.Equal(t, harvest.ClassContent, thumb.Class, "anchor wrapping an img ranks as content")

	about, ok := byURL["https://example.com/about.html"]
	require.True(t, ok)
	require.Equal(t, harvest.ClassNavigation, about.Class)

	_, ok = byURL["mailto:x@example.com"]
	require.False(t, ok)
}

func TestScriptHeuristicsToggle(t *testing.T) {
	t.Parallel()

	off := New(Config{})
	result, err := off.Extract("https://example.com/gallery", []byte(galleryPage), "text/html")
	require.NoError(t, err)
	_, found := candidateURLs(result)["https://example.com/img/hero.jpg"]
	require.False(t, found)

	on := New(Config{ScriptHeuristics: true})
	result, err = on.Extract("https://example.com/gallery", []byte(galleryPage), "text/html")
	require.NoError(t, err)
	hero, found := candidateURLs(result)["https://example.com/img/hero.jpg"]
	require.True(t, found)
	require.True(t, hero.LowConfidence)
}

func TestExtractHTMLDeduplicatesWithinPage(t *testing.T) {
	t.Parallel()

	page := `<html><body>
	  <img src="/img/cat.jpg">
	  <img src="/img/cat.jpg?">
	  <a href="/img/cat.jpg">same again</a>
	</body></html>`
	e := New(Config{})
	result, err := e.Extract("https://example.com/", []byte(page), "text/html")
	require.NoError(t, err)
	require.Len(t, result.Candidates, 1)
}

func TestExtractHTMLNeverPanicsOnGarbage(t *testing.T) {
	t.Parallel()

	e := New(Config{})
	result, err := e.Extract("https://example.com/", []byte("<<<\x00\xff not html at all"), "text/html")
	require.NoError(t, err)
	require.Empty(t, result.Candidates)
}
