package engine

import (
	"iter"
	"sort"

	sitter "github.com/tree-sitter/go-tree-sitter"

	"github.com/cptaffe/treelight/rangeset"
	"github.com/cptaffe/treelight/textsystem"
)

// layerTokens returns the tokens one layer's highlight query produces within
// r.  The sequence is finite and restartable: each iteration re-runs the
// query over the layer's current tree, so identical tree and range always
// yield identical tokens.  Tokens are non-overlapping (first capture wins,
// in query pattern order) and ordered by start offset.  A node partially
// overlapping r is included whole.
func layerTokens(l *layer, r rangeset.Range) iter.Seq[textsystem.Token] {
	return func(yield func(textsystem.Token) bool) {
		for _, t := range collectLayerTokens(l, r) {
			if !yield(t) {
				return
			}
		}
	}
}

func collectLayerTokens(l *layer, r rangeset.Range) []textsystem.Token {
	if l.pending || l.tree == nil || l.config == nil || l.config.Highlights() == nil {
		return nil
	}
	query := l.config.Highlights()
	names := query.CaptureNames()

	qc := sitter.NewQueryCursor()
	defer qc.Close()
	if !r.Empty() {
		qc.SetByteRange(uint(r.Start), uint(r.End))
	}

	var toks []textsystem.Token
	var claimed rangeset.Set
	captures := qc.Captures(query, l.tree.RootNode(), l.source)
	for match, captureIdx := captures.Next(); match != nil; match, captureIdx = captures.Next() {
		if int(captureIdx) >= len(match.Captures) {
			continue
		}
		cap := match.Captures[captureIdx]
		if int(cap.Index) >= len(names) {
			continue
		}
		nr := rangeset.Range{Start: int(cap.Node.StartByte()), End: int(cap.Node.EndByte())}
		if nr.Empty() || !nr.Overlaps(r) {
			continue
		}
		// First capture wins: a catch-all pattern later in the query file
		// never overrides an earlier, more specific one.
		if overlapsSet(&claimed, nr) {
			continue
		}
		claimed.Insert(nr)
		toks = append(toks, textsystem.Token{Name: names[cap.Index], Range: nr})
	}
	sort.Slice(toks, func(i, j int) bool { return toks[i].Start() < toks[j].Start() })
	return toks
}

// tokens produces the effective token set for r across the whole layer tree.
// Child layer tokens take precedence over parent tokens within the child's
// injection ranges; pending layers contribute nothing.
func (g *graph) tokens(r rangeset.Range) []textsystem.Token {
	return g.layerTreeTokens(g.root, r)
}

func (g *graph) layerTreeTokens(l *layer, r rangeset.Range) []textsystem.Token {
	out := make([]textsystem.Token, 0, 32)
	for t := range layerTokens(l, r) {
		out = append(out, t)
	}
	for _, child := range l.children {
		childToks := g.layerTreeTokens(child, r)
		out = overrideTokens(out, child.ranges, childToks)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start() < out[j].Start() })
	return out
}

// overrideTokens removes the portions of base tokens that fall inside the
// child's injection ranges and appends the child's tokens in their place.
func overrideTokens(base []textsystem.Token, childRanges []rangeset.Range, childToks []textsystem.Token) []textsystem.Token {
	if len(childRanges) == 0 {
		return base
	}
	out := make([]textsystem.Token, 0, len(base)+len(childToks))
	for _, t := range base {
		parts := []rangeset.Range{t.Range}
		for _, cr := range childRanges {
			parts = subtractRange(parts, cr)
		}
		for _, p := range parts {
			out = append(out, textsystem.Token{Name: t.Name, Range: p})
		}
	}
	return append(out, childToks...)
}

// subtractRange removes cut from each range in parts.
func subtractRange(parts []rangeset.Range, cut rangeset.Range) []rangeset.Range {
	var out []rangeset.Range
	for _, p := range parts {
		if !p.Overlaps(cut) {
			out = append(out, p)
			continue
		}
		if p.Start < cut.Start {
			out = append(out, rangeset.Range{Start: p.Start, End: cut.Start})
		}
		if p.End > cut.End {
			out = append(out, rangeset.Range{Start: cut.End, End: p.End})
		}
	}
	return out
}
