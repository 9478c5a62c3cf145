package renderer

import (
	"strconv"
	"strings"
	"unicode"

	"github.com/yuin/goldmark/ast"
	"golang.org/x/text/unicode/norm"
)

// assignHeadingIDs walks the document once and gives every heading a stable,
// unique id. Precedence per heading: an explicit author-supplied id
// ({#custom} attribute), then the target fragment of an internal link whose
// display text matches the heading (supports hand-authored tables of
// contents), then a slug derived from the heading text.
//
// Collisions are deduplicated with a "-N" suffix. N increases monotonically
// per base and the used-id set is always consulted, so a suffix taken by an
// earlier heading (or by an explicit id) is never handed out again.
func assignHeadingIDs(doc ast.Node, src []byte) map[*ast.Heading]string {
	tocTargets := collectInternalLinkTargets(doc, src)

	ids := make(map[*ast.Heading]string)
	used := make(map[string]bool)
	counters := make(map[string]int)

	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		heading, ok := n.(*ast.Heading)
		if !ok {
			return ast.WalkContinue, nil
		}

		base := explicitID(heading)
		if base == "" {
			if target, ok := tocTargets[normalizeHeadingText(plainText(heading, src))]; ok {
				base = target
			}
		}
		if base == "" {
			base = slugify(plainText(heading, src))
		}

		id := dedupeID(base, used, counters)
		used[id] = true
		ids[heading] = id
		return ast.WalkSkipChildren, nil
	})

	return ids
}

// dedupeID returns base when unused, otherwise the first free "base-N" with N
// past the highest suffix already handed out for that base.
func dedupeID(base string, used map[string]bool, counters map[string]int) string {
	if !used[base] {
		return base
	}
	n := counters[base]
	for {
		n++
		candidate := base + "-" + strconv.Itoa(n)
		if !used[candidate] {
			counters[base] = n
			return candidate
		}
	}
}

// explicitID reads the {#id} heading attribute, if the author supplied one.
func explicitID(heading *ast.Heading) string {
	value, ok := heading.AttributeString("id")
	if !ok {
		return ""
	}
	switch v := value.(type) {
	case []byte:
		return string(v)
	case string:
		return v
	default:
		return ""
	}
}

// collectInternalLinkTargets maps normalized display text of same-document
// links ("#fragment") to their target fragments. The first occurrence of a
// display text wins.
func collectInternalLinkTargets(doc ast.Node, src []byte) map[string]string {
	targets := make(map[string]string)
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		link, ok := n.(*ast.Link)
		if !ok {
			return ast.WalkContinue, nil
		}
		dest := string(link.Destination)
		if len(dest) < 2 || dest[0] != '#' {
			return ast.WalkContinue, nil
		}
		display := normalizeHeadingText(plainText(link, src))
		if display == "" {
			return ast.WalkContinue, nil
		}
		if _, seen := targets[display]; !seen {
			targets[display] = dest[1:]
		}
		return ast.WalkContinue, nil
	})
	return targets
}

func normalizeHeadingText(text string) string {
	return strings.Join(strings.Fields(strings.ToLower(text)), " ")
}

// slugify lowercases the text, folds accented characters to their base form,
// and joins alphanumeric words with hyphens. Empty input slugs to "section".
func slugify(text string) string {
	folded := norm.NFKD.String(text)

	var out strings.Builder
	word := false
	for _, r := range folded {
		switch {
		case unicode.Is(unicode.Mn, r):
			// Combining mark left over from decomposition.
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			out.WriteRune(unicode.ToLower(r))
			word = true
		default:
			if word {
				out.WriteByte('-')
				word = false
			}
		}
	}

	slug := strings.Trim(out.String(), "-")
	if slug == "" {
		return "section"
	}
	return slug
}
