package engine

import (
	"fmt"
	"slices"

	sitter "github.com/tree-sitter/go-tree-sitter"

	"github.com/cptaffe/treelight/language"
	"github.com/cptaffe/treelight/rangeset"
)

// layer is one language's parse state within the document.  The root layer
// covers the whole content; child layers cover their injection ranges only.
// All fields are owned by the document's owner goroutine.
type layer struct {
	name    string // language name; set even while pending
	config  *language.Config
	pending bool // config not yet available from the provider

	parser *sitter.Parser
	tree   *sitter.Tree
	source []byte // content the current tree was parsed from

	// ranges are the injection ranges this layer describes, in document
	// byte offsets, sorted and disjoint.  nil means the whole document
	// (root layer only).
	ranges []rangeset.Range

	depth    int
	children []*layer
}

func newLayer(name string, cfg *language.Config, depth int) *layer {
	return &layer{
		name:    name,
		config:  cfg,
		pending: cfg == nil,
		depth:   depth,
	}
}

// close releases tree-sitter resources for the layer and its children.
func (l *layer) close() {
	for _, c := range l.children {
		c.close()
	}
	l.children = nil
	if l.tree != nil {
		l.tree.Close()
		l.tree = nil
	}
	if l.parser != nil {
		l.parser.Close()
		l.parser = nil
	}
	l.source = nil
}

// coverage returns the document extent this layer describes: its injection
// ranges, or the whole content for the root.
func (l *layer) coverage(contentLen int) []rangeset.Range {
	if l.ranges == nil {
		if contentLen == 0 {
			return nil
		}
		return []rangeset.Range{{Start: 0, End: contentLen}}
	}
	return l.ranges
}

// ensureParser lazily constructs the parser bound to the layer's grammar.
func (l *layer) ensureParser() error {
	if l.parser != nil {
		return nil
	}
	if l.config == nil {
		return fmt.Errorf("layer %s: no configuration", l.name)
	}
	p := sitter.NewParser()
	if err := p.SetLanguage(l.config.Grammar()); err != nil {
		p.Close()
		return fmt.Errorf("layer %s: set language: %w", l.name, err)
	}
	l.parser = p
	return nil
}

// setIncludedRanges restricts the parser to the layer's injection ranges.
func (l *layer) setIncludedRanges(content []byte) error {
	if l.ranges == nil {
		return nil
	}
	srs := make([]sitter.Range, 0, len(l.ranges))
	for _, r := range l.ranges {
		r = r.Clamp(len(content))
		if r.Empty() {
			continue
		}
		srs = append(srs, sitter.Range{
			StartByte:  uint(r.Start),
			EndByte:    uint(r.End),
			StartPoint: pointAt(content, r.Start),
			EndPoint:   pointAt(content, r.End),
		})
	}
	if len(srs) == 0 {
		return fmt.Errorf("layer %s: no non-empty included ranges", l.name)
	}
	if err := l.parser.SetIncludedRanges(srs); err != nil {
		return fmt.Errorf("layer %s: set included ranges: %w", l.name, err)
	}
	return nil
}

// parseFull discards any prior tree and parses content from scratch.
func (l *layer) parseFull(content []byte) error {
	if err := l.ensureParser(); err != nil {
		return err
	}
	if err := l.setIncludedRanges(content); err != nil {
		return err
	}
	if l.tree != nil {
		l.tree.Close()
		l.tree = nil
	}
	l.tree = l.parser.Parse(content, nil)
	if l.tree == nil {
		return fmt.Errorf("layer %s: parse returned no tree", l.name)
	}
	l.source = slices.Clone(content)
	return nil
}

// parseIncremental applies the pending edits to the previous tree, re-parses,
// and returns the ranges whose structure changed.  Falls back to a full parse
// when no prior tree exists; the caller then invalidates the layer's whole
// coverage.
func (l *layer) parseIncremental(content []byte, edits []Edit) ([]rangeset.Range, bool, error) {
	if l.tree == nil || len(edits) == 0 {
		if err := l.parseFull(content); err != nil {
			return nil, false, err
		}
		return nil, true, nil
	}
	if err := l.ensureParser(); err != nil {
		return nil, false, err
	}
	for _, e := range edits {
		ie := e.inputEdit(l.source, content)
		l.tree.Edit(&ie)
	}
	if err := l.setIncludedRanges(content); err != nil {
		return nil, false, err
	}
	newTree := l.parser.Parse(content, l.tree)
	if newTree == nil {
		return nil, false, fmt.Errorf("layer %s: parse returned no tree", l.name)
	}
	var changed []rangeset.Range
	for _, sr := range l.tree.ChangedRanges(newTree) {
		changed = append(changed, rangeset.Range{Start: int(sr.StartByte), End: int(sr.EndByte)})
	}
	l.tree.Close()
	l.tree = newTree
	l.source = slices.Clone(content)
	return changed, false, nil
}

// shiftRanges adjusts the layer's injection ranges for the given edits,
// without re-parsing.  Used to predict where an unchanged injection should
// land after an edit elsewhere in the document.
func shiftRanges(ranges []rangeset.Range, edits []Edit) []rangeset.Range {
	out := make([]rangeset.Range, 0, len(ranges))
	for _, r := range ranges {
		ok := true
		for _, e := range edits {
			r, ok = shiftRange(r, e)
			if !ok {
				break
			}
		}
		if ok && !r.Empty() {
			out = append(out, r)
		}
	}
	return out
}

// walk visits l and every descendant in depth-first order.
func (l *layer) walk(fn func(*layer)) {
	fn(l)
	for _, c := range l.children {
		c.walk(fn)
	}
}
