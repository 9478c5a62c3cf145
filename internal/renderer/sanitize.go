package renderer

import "strings"

// placeholderURL replaces destinations with executable or otherwise unsafe
// schemes.
const placeholderURL = "#"

// sanitizeLinkURL rewrites javascript:, vbscript: and data: destinations to a
// harmless placeholder. Everything else passes through untouched (attribute
// escaping happens at write time).
func sanitizeLinkURL(dest string) string {
	trimmed := strings.TrimSpace(dest)
	if trimmed == "" {
		return placeholderURL
	}

	lower := strings.ToLower(trimmed)
	if strings.HasPrefix(lower, "javascript:") ||
		strings.HasPrefix(lower, "vbscript:") ||
		strings.HasPrefix(lower, "data:") {
		return placeholderURL
	}
	return trimmed
}

// sanitizeImageURL is sanitizeLinkURL with an exception for inline image
// payloads: data:image/ is allowed, other data: subtypes are not.
func sanitizeImageURL(dest string) string {
	trimmed := strings.TrimSpace(dest)
	if trimmed == "" {
		return placeholderURL
	}

	lower := strings.ToLower(trimmed)
	if strings.HasPrefix(lower, "data:") {
		if strings.HasPrefix(lower, "data:image/") {
			return trimmed
		}
		return placeholderURL
	}
	if strings.HasPrefix(lower, "javascript:") || strings.HasPrefix(lower, "vbscript:") {
		return placeholderURL
	}
	return trimmed
}

// escapeHTML writes text with &<>"' escaped. Used for both element content
// and attribute values.
func escapeHTML(out *strings.Builder, text string) {
	for _, ch := range text {
		switch ch {
		case '&':
			out.WriteString("&amp;")
		case '<':
			out.WriteString("&lt;")
		case '>':
			out.WriteString("&gt;")
		case '"':
			out.WriteString("&quot;")
		case '\'':
			out.WriteString("&#39;")
		default:
			out.WriteRune(ch)
		}
	}
}
