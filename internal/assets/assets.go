// Package assets implements the safety checks for serving local images
// referenced by a previewed document. A reference is only served when it
// parses as a plain local path (or file:// URL), resolves to a real file
// inside the document's own directory after symlink evaluation, and carries a
// known image extension. Everything else is rejected.
package assets

import (
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

// ParseLocalReference extracts a local filesystem path from a markdown image
// reference. Fragments, protocol-relative URLs, and any scheme other than
// file:// are rejected. Query strings and fragments are stripped and percent
// escapes decoded.
func ParseLocalReference(raw string) (string, bool) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" || strings.HasPrefix(trimmed, "#") || strings.HasPrefix(trimmed, "//") {
		return "", false
	}

	candidate := trimmed
	if hasURLScheme(trimmed) {
		lower := strings.ToLower(trimmed)
		if !strings.HasPrefix(lower, "file://") {
			return "", false
		}
		candidate = trimmed[len("file://"):]
	}

	if idx := strings.IndexAny(candidate, "?#"); idx >= 0 {
		candidate = candidate[:idx]
	}
	if candidate == "" {
		return "", false
	}

	decoded, err := url.PathUnescape(candidate)
	if err != nil || strings.TrimSpace(decoded) == "" {
		return "", false
	}
	return decoded, true
}

// hasURLScheme reports whether the value starts with a URL scheme. Windows
// drive prefixes (C:\ or C:/) are not schemes.
func hasURLScheme(value string) bool {
	if len(value) >= 3 {
		first := value[0]
		if (first >= 'a' && first <= 'z' || first >= 'A' && first <= 'Z') &&
			value[1] == ':' && (value[2] == '\\' || value[2] == '/') {
			return false
		}
	}

	for i, ch := range value {
		if i == 0 {
			if !isASCIIAlpha(ch) {
				return false
			}
			continue
		}
		if ch == ':' {
			return true
		}
		if isASCIIAlpha(ch) || (ch >= '0' && ch <= '9') || ch == '+' || ch == '-' || ch == '.' {
			continue
		}
		return false
	}
	return false
}

func isASCIIAlpha(ch rune) bool {
	return (ch >= 'a' && ch <= 'z') || (ch >= 'A' && ch <= 'Z')
}

// Resolve turns a raw asset reference into an absolute path, enforcing that
// the result is an existing regular file with a supported image extension
// contained in the directory of sourceFile. Symlinks are resolved before the
// containment check.
func Resolve(sourceFile, raw string) (string, bool) {
	if sourceFile == "" {
		return "", false
	}

	sourceDir, err := filepath.EvalSymlinks(filepath.Dir(sourceFile))
	if err != nil {
		return "", false
	}
	sourceDir, err = filepath.Abs(sourceDir)
	if err != nil {
		return "", false
	}

	reference, ok := ParseLocalReference(raw)
	if !ok {
		return "", false
	}

	candidate := reference
	if !filepath.IsAbs(candidate) {
		candidate = filepath.Join(sourceDir, candidate)
	}

	resolved, err := filepath.EvalSymlinks(candidate)
	if err != nil {
		return "", false
	}
	resolved, err = filepath.Abs(resolved)
	if err != nil {
		return "", false
	}

	if !contains(sourceDir, resolved) {
		return "", false
	}

	info, err := os.Stat(resolved)
	if err != nil || !info.Mode().IsRegular() {
		return "", false
	}
	if !IsSupportedImage(resolved) {
		return "", false
	}
	return resolved, true
}

// contains reports whether path sits under dir (or equals it).
func contains(dir, path string) bool {
	rel, err := filepath.Rel(dir, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

var imageExtensions = map[string]string{
	".png":  "image/png",
	".apng": "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".gif":  "image/gif",
	".webp": "image/webp",
	".svg":  "image/svg+xml",
	".bmp":  "image/bmp",
	".ico":  "image/x-icon",
	".avif": "image/avif",
	".tif":  "image/tiff",
	".tiff": "image/tiff",
}

// IsSupportedImage reports whether the path has an allowed image extension.
func IsSupportedImage(path string) bool {
	_, ok := imageExtensions[strings.ToLower(filepath.Ext(path))]
	return ok
}

// ContentType maps a resolved asset path to its MIME type.
func ContentType(path string) string {
	if ct, ok := imageExtensions[strings.ToLower(filepath.Ext(path))]; ok {
		return ct
	}
	return "application/octet-stream"
}
