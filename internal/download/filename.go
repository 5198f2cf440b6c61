package download

import (
	"crypto/sha1"
	"encoding/hex"
	"net/url"
	"path"
	"strings"

	"github.com/kennygrant/sanitize"

	"github.com/mediaharvest/harvester/internal/harvest"
)

const maxFilenameLen = 120

// SuggestFilename produces a filesystem-safe name for a candidate, keeping
// the original basename where possible and guaranteeing an extension.
func SuggestFilename(c harvest.MediaCandidate) string {
	name := c.Filename
	if name == "" {
		name = basenameFromURL(c.URL)
	}
	ext := strings.ToLower(path.Ext(name))
	base := strings.TrimSuffix(name, path.Ext(name))
	base = sanitize.BaseName(base)
	if ext == "" {
		ext = harvest.FallbackExtension(c.Kind)
	}
	if base == "" || base == "-" {
		base = hashPrefix(c.URL)
	}
	if len(base) > maxFilenameLen {
		base = base[:maxFilenameLen]
	}
	return base + ext
}

// SubdirFor groups downloads by the source page's domain plus its first two
// path components, so one output root stays navigable across sites.
func SubdirFor(c harvest.MediaCandidate) string {
	source := c.SourcePage
	fromMedia := source == ""
	if fromMedia {
		source = c.URL
	}
	u, err := url.Parse(source)
	if err != nil || u.Hostname() == "" {
		return "unsorted"
	}
	segs := strings.Split(strings.Trim(u.Path, "/"), "/")
	if fromMedia && len(segs) > 0 {
		// The media URL's basename is the file itself, not a directory.
		segs = segs[:len(segs)-1]
	}
	parts := []string{strings.ToLower(u.Hostname())}
	for _, seg := range segs {
		if seg == "" {
			continue
		}
		if clean := sanitize.BaseName(seg); clean != "" {
			parts = append(parts, clean)
		}
		if len(parts) == 3 {
			break
		}
	}
	return strings.Join(parts, "_")
}

func basenameFromURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	base := path.Base(u.Path)
	if base == "." || base == "/" {
		return ""
	}
	return base
}

func hashPrefix(rawURL string) string {
	sum := sha1.Sum([]byte(rawURL))
	return hex.EncodeToString(sum[:])[:16]
}
