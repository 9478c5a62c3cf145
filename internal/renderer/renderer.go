// Package renderer turns raw markdown into sanitized, line-addressable HTML
// for the live preview. Rendering is a pure function: no I/O, no shared
// mutable state, and identical input always produces byte-identical output,
// so a Renderer is safe to share across concurrent sessions.
//
// Every block-level element carries a data-line marker pointing at its source
// line. Markers are clamped so the emitted sequence is always non-decreasing
// even when the parser reports an offset mapping to an earlier line. All text
// and raw HTML is escaped, link and image destinations are sanitized, and
// headings get stable unique ids (see headings.go).
package renderer

import (
	"strconv"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	east "github.com/yuin/goldmark/extension/ast"
	"github.com/yuin/goldmark/parser"
	"github.com/yuin/goldmark/text"
)

// Renderer converts markdown to preview HTML. The zero value is not usable;
// construct with New.
type Renderer struct {
	md goldmark.Markdown
}

// New creates a Renderer with GFM extensions (tables, task lists,
// strikethrough), footnotes, and explicit heading attributes enabled.
func New() *Renderer {
	return &Renderer{
		md: goldmark.New(
			goldmark.WithExtensions(
				extension.GFM,
				extension.Footnote,
			),
			goldmark.WithParserOptions(
				parser.WithAttribute(),
			),
		),
	}
}

// Render converts markdown to a sanitized HTML fragment wrapped in a single
// root container. It never fails: the grammar is permissive, so malformed
// input at worst yields a poor but safe rendering.
func (r *Renderer) Render(markdown string) string {
	src := []byte(markdown)
	doc := r.md.Parser().Parse(text.NewReader(src))

	e := &emitter{
		src:        src,
		lineStarts: lineStartIndices(src),
		headingIDs: assignHeadingIDs(doc, src),
		skip:       make(map[ast.Node]bool),
		lastLine:   1,
	}

	e.out.Grow(len(src)*2 + 128)
	e.out.WriteString(`<article id="md-root">`)
	for child := doc.FirstChild(); child != nil; child = child.NextSibling() {
		e.emit(child)
	}
	e.out.WriteString(`</article>`)
	return e.out.String()
}

// emitter holds per-render state while walking the AST. It lives for exactly
// one Render call.
type emitter struct {
	out        strings.Builder
	src        []byte
	lineStarts []int
	headingIDs map[*ast.Heading]string
	skip       map[ast.Node]bool
	lastLine   int
}

// blockLine resolves the source line for a block node and clamps it so the
// emitted marker sequence never regresses.
func (e *emitter) blockLine(n ast.Node) int {
	line := e.lastLine
	if offset := firstSourceOffset(n); offset >= 0 {
		if l := lineForOffset(offset, e.lineStarts); l > line {
			line = l
		}
	}
	e.lastLine = line
	return line
}

func (e *emitter) openBlock(tag string, n ast.Node) {
	e.out.WriteString("<")
	e.out.WriteString(tag)
	e.writeLineAttr(e.blockLine(n))
	e.out.WriteString(">")
}

func (e *emitter) writeLineAttr(line int) {
	e.out.WriteString(` data-line="`)
	e.out.WriteString(strconv.Itoa(line))
	e.out.WriteString(`"`)
}

func (e *emitter) children(n ast.Node) {
	for child := n.FirstChild(); child != nil; child = child.NextSibling() {
		e.emit(child)
	}
}

func (e *emitter) emit(n ast.Node) {
	if e.skip[n] {
		return
	}

	switch node := n.(type) {
	case *ast.Paragraph:
		e.openBlock("p", n)
		e.children(n)
		e.out.WriteString("</p>")
	case *ast.TextBlock:
		// Tight list items carry their text in a bare block.
		e.children(n)
	case *ast.Heading:
		e.emitHeading(node)
	case *ast.Blockquote:
		e.emitBlockquote(node)
	case *ast.FencedCodeBlock:
		lang := ""
		if info := node.Language(e.src); info != nil {
			lang = string(info)
		}
		e.emitCodeBlock(node, lang)
	case *ast.CodeBlock:
		e.emitCodeBlock(node, "")
	case *ast.List:
		e.emitList(node)
	case *ast.ListItem:
		e.openBlock("li", n)
		e.children(n)
		e.out.WriteString("</li>")
	case *ast.ThematicBreak:
		e.out.WriteString("<hr />")
	case *ast.HTMLBlock:
		e.emitHTMLBlock(node)
	case *east.Table:
		e.emitTable(node)
	case *east.FootnoteList:
		e.children(n)
	case *east.Footnote:
		e.emitFootnote(node)
	case *east.FootnoteLink:
		e.out.WriteString("<sup>")
		e.out.WriteString(strconv.Itoa(node.Index))
		e.out.WriteString("</sup>")
	case *east.FootnoteBacklink:
		// Backlinks add noise in a live preview.
	case *ast.Text:
		e.emitText(node)
	case *ast.String:
		escapeHTML(&e.out, string(node.Value))
	case *ast.CodeSpan:
		e.out.WriteString("<code>")
		escapeHTML(&e.out, string(codeSpanText(node, e.src)))
		e.out.WriteString("</code>")
	case *ast.Emphasis:
		tag := "em"
		if node.Level == 2 {
			tag = "strong"
		}
		e.out.WriteString("<" + tag + ">")
		e.children(n)
		e.out.WriteString("</" + tag + ">")
	case *east.Strikethrough:
		e.out.WriteString("<del>")
		e.children(n)
		e.out.WriteString("</del>")
	case *ast.Link:
		e.emitLink(node)
	case *ast.AutoLink:
		e.emitAutoLink(node)
	case *ast.Image:
		e.emitImage(node)
	case *ast.RawHTML:
		for i := 0; i < node.Segments.Len(); i++ {
			segment := node.Segments.At(i)
			escapeHTML(&e.out, string(segment.Value(e.src)))
		}
	case *east.TaskCheckBox:
		if node.IsChecked {
			e.out.WriteString(`<input type="checkbox" checked disabled /> `)
		} else {
			e.out.WriteString(`<input type="checkbox" disabled /> `)
		}
	default:
		e.children(n)
	}
}

func (e *emitter) emitHeading(n *ast.Heading) {
	level := strconv.Itoa(n.Level)
	e.out.WriteString("<h")
	e.out.WriteString(level)
	if id, ok := e.headingIDs[n]; ok {
		e.out.WriteString(` id="`)
		escapeHTML(&e.out, id)
		e.out.WriteString(`"`)
	}
	e.writeLineAttr(e.blockLine(n))
	e.out.WriteString(">")
	e.children(n)
	e.out.WriteString("</h")
	e.out.WriteString(level)
	e.out.WriteString(">")
}

func (e *emitter) emitBlockquote(n *ast.Blockquote) {
	kind, markerNodes := alertKind(n, e.src)
	if kind == "" {
		e.openBlock("blockquote", n)
		e.children(n)
		e.out.WriteString("</blockquote>")
		return
	}

	for _, marker := range markerNodes {
		e.skip[marker] = true
	}
	// A marker-only first paragraph would emit empty; drop it entirely.
	if first := n.FirstChild(); first != nil && first.ChildCount() == len(markerNodes) {
		e.skip[first] = true
	}
	e.out.WriteString(`<blockquote class="markdown-alert markdown-alert-`)
	e.out.WriteString(kind)
	e.out.WriteString(`"`)
	e.writeLineAttr(e.blockLine(n))
	e.out.WriteString(`><p class="markdown-alert-title">`)
	e.out.WriteString(alertTitles[kind])
	e.out.WriteString("</p>")
	e.children(n)
	e.out.WriteString("</blockquote>")
}

func (e *emitter) emitCodeBlock(n ast.Node, lang string) {
	e.out.WriteString("<pre")
	e.writeLineAttr(e.blockLine(n))
	e.out.WriteString("><code")
	if lang != "" {
		e.out.WriteString(` class="language-`)
		escapeHTML(&e.out, lang)
		e.out.WriteString(`"`)
	}
	e.out.WriteString(">")

	var code strings.Builder
	lines := n.Lines()
	for i := 0; i < lines.Len(); i++ {
		segment := lines.At(i)
		code.Write(segment.Value(e.src))
	}

	if !e.highlightCode(code.String(), lang) {
		escapeHTML(&e.out, code.String())
	}
	e.out.WriteString("</code></pre>")
}

func (e *emitter) emitList(n *ast.List) {
	if n.IsOrdered() {
		e.out.WriteString(`<ol start="`)
		e.out.WriteString(strconv.Itoa(n.Start))
		e.out.WriteString(`">`)
		e.children(n)
		e.out.WriteString("</ol>")
		return
	}
	e.out.WriteString("<ul>")
	e.children(n)
	e.out.WriteString("</ul>")
}

// emitHTMLBlock escapes raw HTML instead of passing it through; the preview
// runs in a sandboxed viewer and never executes author-supplied markup.
func (e *emitter) emitHTMLBlock(n *ast.HTMLBlock) {
	lines := n.Lines()
	for i := 0; i < lines.Len(); i++ {
		segment := lines.At(i)
		escapeHTML(&e.out, string(segment.Value(e.src)))
	}
	if n.HasClosure() {
		escapeHTML(&e.out, string(n.ClosureLine.Value(e.src)))
	}
}

func (e *emitter) emitTable(n *east.Table) {
	e.openBlock("table", n)
	for child := n.FirstChild(); child != nil; child = child.NextSibling() {
		switch row := child.(type) {
		case *east.TableHeader:
			e.out.WriteString("<thead>")
			e.emitTableRow(row, true)
			e.out.WriteString("</thead>")
		case *east.TableRow:
			e.emitTableRow(row, false)
		}
	}
	e.out.WriteString("</table>")
}

func (e *emitter) emitTableRow(row ast.Node, header bool) {
	cell := "td"
	if header {
		cell = "th"
	}
	e.out.WriteString("<tr>")
	for child := row.FirstChild(); child != nil; child = child.NextSibling() {
		e.out.WriteString("<" + cell + ">")
		e.children(child)
		e.out.WriteString("</" + cell + ">")
	}
	e.out.WriteString("</tr>")
}

func (e *emitter) emitFootnote(n *east.Footnote) {
	e.out.WriteString("<section")
	e.writeLineAttr(e.blockLine(n))
	e.out.WriteString(` class="footnote" data-footnote="`)
	escapeHTML(&e.out, string(n.Ref))
	e.out.WriteString(`">`)
	e.children(n)
	e.out.WriteString("</section>")
}

func (e *emitter) emitText(n *ast.Text) {
	escapeHTML(&e.out, string(n.Segment.Value(e.src)))
	if n.HardLineBreak() {
		e.out.WriteString("<br />\n")
	} else if n.SoftLineBreak() {
		e.out.WriteString("\n")
	}
}

func (e *emitter) emitLink(n *ast.Link) {
	e.out.WriteString(`<a href="`)
	escapeHTML(&e.out, sanitizeLinkURL(string(n.Destination)))
	e.out.WriteString(`"`)
	if len(n.Title) > 0 {
		e.out.WriteString(` title="`)
		escapeHTML(&e.out, string(n.Title))
		e.out.WriteString(`"`)
	}
	e.out.WriteString(">")
	e.children(n)
	e.out.WriteString("</a>")
}

func (e *emitter) emitAutoLink(n *ast.AutoLink) {
	url := string(n.URL(e.src))
	if n.AutoLinkType == ast.AutoLinkEmail && !strings.HasPrefix(url, "mailto:") {
		url = "mailto:" + url
	}
	e.out.WriteString(`<a href="`)
	escapeHTML(&e.out, sanitizeLinkURL(url))
	e.out.WriteString(`">`)
	escapeHTML(&e.out, string(n.Label(e.src)))
	e.out.WriteString("</a>")
}

func (e *emitter) emitImage(n *ast.Image) {
	e.out.WriteString(`<img src="`)
	escapeHTML(&e.out, sanitizeImageURL(string(n.Destination)))
	e.out.WriteString(`" alt="`)
	escapeHTML(&e.out, plainText(n, e.src))
	e.out.WriteString(`"`)
	if len(n.Title) > 0 {
		e.out.WriteString(` title="`)
		escapeHTML(&e.out, string(n.Title))
		e.out.WriteString(`"`)
	}
	e.out.WriteString(" />")
}

var alertTitles = map[string]string{
	"note":      "Note",
	"tip":       "Tip",
	"important": "Important",
	"warning":   "Warning",
	"caution":   "Caution",
}

// alertKinds is ordered so alert detection is deterministic.
var alertKinds = []string{"note", "tip", "important", "warning", "caution"}

// alertKind inspects a blockquote for a GFM alert marker ([!NOTE] etc.) alone
// on the first line. It returns the lowercase kind and the text nodes making
// up the marker (to suppress when emitting), or "" for an ordinary quote.
// The inline parser may split the marker across several text nodes (the
// unmatched bracket becomes its own node), so the whole first line is
// collected before matching.
func alertKind(quote *ast.Blockquote, src []byte) (string, []ast.Node) {
	first := quote.FirstChild()
	if first == nil {
		return "", nil
	}
	if first.Kind() != ast.KindParagraph && first.Kind() != ast.KindTextBlock {
		return "", nil
	}

	var markerNodes []ast.Node
	var line strings.Builder
	for child := first.FirstChild(); child != nil; child = child.NextSibling() {
		textNode, ok := child.(*ast.Text)
		if !ok {
			return "", nil
		}
		line.Write(textNode.Segment.Value(src))
		markerNodes = append(markerNodes, child)
		if textNode.SoftLineBreak() || textNode.HardLineBreak() {
			break
		}
	}

	value := strings.TrimSpace(line.String())
	for _, kind := range alertKinds {
		if value == "[!"+strings.ToUpper(kind)+"]" {
			return kind, markerNodes
		}
	}
	return "", nil
}

// codeSpanText concatenates the text segments of a code span.
func codeSpanText(n *ast.CodeSpan, src []byte) []byte {
	var buf []byte
	for child := n.FirstChild(); child != nil; child = child.NextSibling() {
		if t, ok := child.(*ast.Text); ok {
			buf = append(buf, t.Segment.Value(src)...)
		}
	}
	return buf
}

// plainText flattens a node's inline content to unformatted text, used for
// image alt attributes.
func plainText(n ast.Node, src []byte) string {
	var buf strings.Builder
	var walk func(ast.Node)
	walk = func(node ast.Node) {
		for child := node.FirstChild(); child != nil; child = child.NextSibling() {
			switch t := child.(type) {
			case *ast.Text:
				buf.Write(t.Segment.Value(src))
				if t.SoftLineBreak() || t.HardLineBreak() {
					buf.WriteByte(' ')
				}
			case *ast.String:
				buf.Write(t.Value)
			default:
				walk(child)
			}
		}
	}
	walk(n)
	return buf.String()
}
