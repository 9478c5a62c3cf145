package renderer

import (
	"strings"

	"github.com/alecthomas/chroma/v2"
	chromahtml "github.com/alecthomas/chroma/v2/formatters/html"
	"github.com/alecthomas/chroma/v2/lexers"
	"github.com/alecthomas/chroma/v2/styles"
)

// codeFormatter emits class-annotated spans only; the surrounding pre/code
// markup (with its data-line attribute) is owned by the emitter. Class mode
// keeps the output free of inline styles so the viewer's CSP stays strict,
// and makes highlighting deterministic.
var codeFormatter = chromahtml.New(
	chromahtml.WithClasses(true),
	chromahtml.PreventSurroundingPre(true),
)

// highlightCode writes syntax-highlighted spans for code in the given
// language. It reports false when no lexer matches or tokenization fails, in
// which case the caller escapes the code as plain text.
func (e *emitter) highlightCode(code, lang string) bool {
	if lang == "" {
		return false
	}
	lexer := lexers.Get(lang)
	if lexer == nil {
		return false
	}

	iterator, err := chroma.Coalesce(lexer).Tokenise(nil, code)
	if err != nil {
		return false
	}

	// Format into a scratch buffer first so a failure cannot leave the
	// output with a partial fragment.
	var buf strings.Builder
	if err := codeFormatter.Format(&buf, styles.Fallback, iterator); err != nil {
		return false
	}

	e.out.WriteString(buf.String())
	return true
}
