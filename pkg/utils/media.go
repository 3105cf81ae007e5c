package utils

import (
	"path/filepath"
	"strings"
)

// MediaKind is the coarse category of an uploaded file.
type MediaKind string

const (
	KindVideo    MediaKind = "video"
	KindImage    MediaKind = "image"
	KindSubtitle MediaKind = "subtitle"
	KindOther    MediaKind = "other"
)

var mediaTypes = map[string]struct {
	kind     MediaKind
	mimeType string
}{
	".mp4":  {KindVideo, "video/mp4"},
	".avi":  {KindVideo, "video/x-msvideo"},
	".mov":  {KindVideo, "video/quicktime"},
	".mkv":  {KindVideo, "video/x-matroska"},
	".webm": {KindVideo, "video/webm"},
	".jpg":  {KindImage, "image/jpeg"},
	".jpeg": {KindImage, "image/jpeg"},
	".png":  {KindImage, "image/png"},
	".gif":  {KindImage, "image/gif"},
	".webp": {KindImage, "image/webp"},
	".srt":  {KindSubtitle, "application/x-subrip"},
	".vtt":  {KindSubtitle, "text/vtt"},
	".sbv":  {KindSubtitle, "text/plain"},
}

// DetectMedia returns the kind and MIME type for a file name based on its
// extension. Unknown extensions map to KindOther and application/octet-stream.
func DetectMedia(name string) (MediaKind, string) {
	if m, ok := mediaTypes[strings.ToLower(filepath.Ext(name))]; ok {
		return m.kind, m.mimeType
	}
	return KindOther, "application/octet-stream"
}

// IsImageFile checks if a file path has an image extension.
func IsImageFile(path string) bool {
	kind, _ := DetectMedia(path)
	return kind == KindImage
}

func IsVideoFile(path string) bool {
	kind, _ := DetectMedia(path)
	return kind == KindVideo
}

func IsSubtitleFile(path string) bool {
	kind, _ := DetectMedia(path)
	return kind == KindSubtitle
}

// HasExtension reports whether name ends in one of exts (case-insensitive,
// exts include the leading dot).
func HasExtension(name string, exts ...string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	for _, e := range exts {
		if ext == strings.ToLower(e) {
			return true
		}
	}
	return false
}

// SanitizeFilename removes path components and traversal sequences so the
// name is safe to put in a multipart Content-Disposition header.
func SanitizeFilename(filename string) string {
	base := filepath.Base(strings.ReplaceAll(filename, "\\", "/"))
	base = strings.ReplaceAll(base, "..", "")
	base = strings.ReplaceAll(base, "/", "_")
	base = strings.Map(func(r rune) rune {
		if r == '"' || r < 0x20 {
			return '_'
		}
		return r
	}, base)
	if base == "." || base == "_" {
		return ""
	}
	return base
}
