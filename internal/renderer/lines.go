package renderer

import (
	"sort"

	"github.com/yuin/goldmark/ast"
)

// lineStartIndices returns the byte offset of the first character of each
// source line, ascending. Offset 0 is always line 1.
func lineStartIndices(src []byte) []int {
	starts := make([]int, 1, 64)
	for i, b := range src {
		if b == '\n' {
			starts = append(starts, i+1)
		}
	}
	return starts
}

// lineForOffset maps a byte offset to its 1-based source line.
func lineForOffset(offset int, starts []int) int {
	idx := sort.SearchInts(starts, offset)
	if idx < len(starts) && starts[idx] == offset {
		return idx + 1
	}
	if idx == 0 {
		return 1
	}
	return idx
}

// firstSourceOffset finds the earliest source byte offset attributable to a
// node. Leaf blocks expose line segments directly; container blocks
// (blockquotes, lists, tables) borrow the offset of their first positioned
// descendant. Returns -1 when the subtree has no source position.
func firstSourceOffset(n ast.Node) int {
	if n.Type() == ast.TypeBlock {
		if lines := n.Lines(); lines != nil && lines.Len() > 0 {
			return lines.At(0).Start
		}
	}
	if t, ok := n.(*ast.Text); ok {
		return t.Segment.Start
	}
	for child := n.FirstChild(); child != nil; child = child.NextSibling() {
		if offset := firstSourceOffset(child); offset >= 0 {
			return offset
		}
	}
	return -1
}
