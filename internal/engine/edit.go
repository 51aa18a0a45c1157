package engine

import (
	sitter "github.com/tree-sitter/go-tree-sitter"

	"github.com/cptaffe/treelight/rangeset"
)

// Edit is a single content mutation: bytes [Start, OldEnd) of the previous
// content were replaced by bytes [Start, NewEnd) of the new content.
type Edit struct {
	Start  int
	OldEnd int
	NewEnd int
}

// EditFor reconstructs an Edit from a post-change range and the signed length
// delta, as reported by DidChangeContent.
func EditFor(r rangeset.Range, delta int) Edit {
	return Edit{Start: r.Start, OldEnd: r.End - delta, NewEnd: r.End}
}

// Delta returns the signed byte-length change.
func (e Edit) Delta() int { return e.NewEnd - e.OldEnd }

// OldLen returns the number of bytes replaced.
func (e Edit) OldLen() int { return e.OldEnd - e.Start }

// NewLen returns the number of replacement bytes.
func (e Edit) NewLen() int { return e.NewEnd - e.Start }

// NewRange returns the replacement span in the new content.
func (e Edit) NewRange() rangeset.Range { return rangeset.Range{Start: e.Start, End: e.NewEnd} }

// inputEdit converts e to tree-sitter's edit record.  Points for the old
// coordinates come from oldSrc, for the new end from newSrc.
func (e Edit) inputEdit(oldSrc, newSrc []byte) sitter.InputEdit {
	return sitter.InputEdit{
		StartByte:      uint(e.Start),
		OldEndByte:     uint(e.OldEnd),
		NewEndByte:     uint(e.NewEnd),
		StartPosition:  pointAt(oldSrc, e.Start),
		OldEndPosition: pointAt(oldSrc, e.OldEnd),
		NewEndPosition: pointAt(newSrc, e.NewEnd),
	}
}

// pointAt computes the row/column point of a byte offset.  Columns are byte
// counts from the last newline, per tree-sitter convention.  Offsets beyond
// the source are clamped.
func pointAt(src []byte, off int) sitter.Point {
	if off > len(src) {
		off = len(src)
	}
	if off < 0 {
		off = 0
	}
	var p sitter.Point
	lineStart := 0
	for i := 0; i < off; i++ {
		if src[i] == '\n' {
			p.Row++
			lineStart = i + 1
		}
	}
	p.Column = uint(off - lineStart)
	return p
}

// lineBounds expands r to whole-line boundaries of content.
func lineBounds(content []byte, r rangeset.Range) rangeset.Range {
	r = r.Clamp(len(content))
	start := r.Start
	for start > 0 && content[start-1] != '\n' {
		start--
	}
	end := r.End
	for end < len(content) && content[end] != '\n' {
		end++
	}
	if end < len(content) {
		end++ // include the newline
	}
	return rangeset.Range{Start: start, End: end}
}

// shiftRange applies e to a tracked range.
func shiftRange(r rangeset.Range, e Edit) (rangeset.Range, bool) {
	return r.Shift(e.Start, e.OldLen(), e.NewLen())
}
