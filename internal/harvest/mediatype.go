package harvest

import (
	"net/url"
	"path"
	"strings"
)

var imageExtensions = map[string]struct{}{
	".jpg": {}, ".jpeg": {}, ".png": {}, ".gif": {}, ".webp": {},
	".bmp": {}, ".svg": {}, ".tiff": {}, ".avif": {}, ".ico": {},
}

var videoExtensions = map[string]struct{}{
	".mp4": {}, ".webm": {}, ".mov": {}, ".avi": {}, ".mkv": {},
	".flv": {}, ".wmv": {}, ".m4v": {}, ".mpg": {}, ".mpeg": {}, ".ts": {},
}

var audioExtensions = map[string]struct{}{
	".mp3": {}, ".wav": {}, ".ogg": {}, ".flac": {}, ".m4a": {}, ".aac": {}, ".opus": {},
}

var webpageExtensions = map[string]struct{}{
	".html": {}, ".htm": {}, ".php": {}, ".asp": {}, ".aspx": {},
	".jsp": {}, ".cgi": {}, ".shtml": {},
}

// contentPageMarkers are path fragments that suggest a page hosts media.
var contentPageMarkers = []string{
	"/photo", "/image", "/img/", "/gallery", "/galleries", "/album",
	"/video", "/watch", "/media", "/picture", "/wallpaper",
}

// URLExtension returns the lowercase file extension of a URL path, without
// any query string.
func URLExtension(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return strings.ToLower(path.Ext(u.Path))
}

// KindForURL classifies a URL by its path extension. The second return is
// false when the extension maps to no media kind.
func KindForURL(rawURL string) (MediaKind, bool) {
	ext := URLExtension(rawURL)
	switch {
	case hasExt(imageExtensions, ext):
		return KindImage, true
	case hasExt(videoExtensions, ext):
		return KindVideo, true
	case hasExt(audioExtensions, ext):
		return KindAudio, true
	}
	return "", false
}

// KindForContentType classifies a response by its Content-Type header.
func KindForContentType(contentType string) (MediaKind, bool) {
	ct := strings.ToLower(contentType)
	switch {
	case strings.HasPrefix(ct, "image/"):
		return KindImage, true
	case strings.HasPrefix(ct, "video/"):
		return KindVideo, true
	case strings.HasPrefix(ct, "audio/"):
		return KindAudio, true
	}
	return "", false
}

// IsMediaURL reports whether the URL path ends in a known media extension.
func IsMediaURL(rawURL string) bool {
	_, ok := KindForURL(rawURL)
	return ok
}

// IsWebpageURL reports whether the URL looks like a navigable page rather
// than a document or binary asset. Extensionless paths count as pages.
func IsWebpageURL(rawURL string) bool {
	ext := URLExtension(rawURL)
	if ext == "" {
		return true
	}
	_, ok := webpageExtensions[ext]
	return ok
}

// FallbackExtension returns the extension assumed for a kind when the URL
// carries none.
func FallbackExtension(kind MediaKind) string {
	switch kind {
	case KindVideo:
		return ".mp4"
	case KindAudio:
		return ".mp3"
	default:
		return ".jpg"
	}
}

// ClassifyPageURL assigns a frontier priority class: pages whose path hints
// at galleries, photos, or videos rank above plain navigation.
func ClassifyPageURL(rawURL string) PriorityClass {
	lower := strings.ToLower(rawURL)
	for _, marker := range contentPageMarkers {
		if strings.Contains(lower, marker) {
			return ClassContent
		}
	}
	return ClassNavigation
}

// LooksLikeAPI reports whether a URL appears to serve JSON rather than HTML,
// sniffing the path and query before any response arrives.
func LooksLikeAPI(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	p := strings.ToLower(u.Path)
	if strings.Contains(p, "/api/") || strings.HasSuffix(p, ".json") {
		return true
	}
	q := strings.ToLower(u.RawQuery)
	return strings.Contains(q, "format=json") || strings.Contains(q, "output=json")
}

func hasExt(table map[string]struct{}, ext string) bool {
	_, ok := table[ext]
	return ok
}
