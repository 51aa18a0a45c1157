package engine

import (
	"errors"
	"slices"
	"sort"

	sitter "github.com/tree-sitter/go-tree-sitter"
	"go.uber.org/zap"

	"github.com/cptaffe/treelight/language"
	"github.com/cptaffe/treelight/rangeset"
)

// graph maintains the tree of language layers: the root language plus child
// layers for every discovered injection, recursively.  All methods run on the
// document's owner goroutine.
type graph struct {
	log      *zap.Logger
	provider language.Provider
	root     *layer
}

func newGraph(root *language.Config, provider language.Provider, log *zap.Logger) *graph {
	return &graph{
		log:      log,
		provider: provider,
		root:     newLayer(root.Name(), root, 0),
	}
}

func (g *graph) close() {
	g.root.close()
}

// fullReparse rebuilds the root layer and the whole injection tree from
// scratch.  The returned dirty set is always "all".
func (g *graph) fullReparse(content []byte) (rangeset.Set, error) {
	dirty := rangeset.All()
	for _, c := range g.root.children {
		c.close()
	}
	g.root.children = nil
	if err := g.root.parseFull(content); err != nil {
		return dirty, err
	}
	var scratch rangeset.Set
	g.reconcileChildren(g.root, content, nil, &scratch)
	return dirty, nil
}

// parse applies the pending edits incrementally to every layer and
// reconciles injections, returning the coalesced set of ranges whose tokens
// may have changed.
func (g *graph) parse(content []byte, edits []Edit) (rangeset.Set, error) {
	var dirty rangeset.Set
	if err := g.parseLayer(g.root, content, edits, &dirty); err != nil {
		return dirty, err
	}
	return dirty, nil
}

func (g *graph) parseLayer(l *layer, content []byte, edits []Edit, dirty *rangeset.Set) error {
	if l.pending {
		return nil
	}
	changed, wasFull, err := l.parseIncremental(content, edits)
	if err != nil {
		return err
	}
	if wasFull {
		for _, r := range l.coverage(len(content)) {
			dirty.Insert(r)
		}
	}
	for _, r := range changed {
		dirty.Insert(r)
	}
	g.reconcileChildren(l, content, edits, dirty)
	return nil
}

// injectionSpec is one discovered embedded-language region set.
type injectionSpec struct {
	lang   string
	ranges []rangeset.Range
}

// reconcileChildren re-scans l for injection directives and creates, drops,
// or re-parses child layers to match.
func (g *graph) reconcileChildren(l *layer, content []byte, edits []Edit, dirty *rangeset.Set) {
	if l.config == nil || l.tree == nil || len(l.config.Injections()) == 0 {
		return
	}
	specs := g.discoverInjections(l, content)

	seen := make(map[string]bool, len(specs))
	var kept []*layer
	for _, spec := range specs {
		seen[spec.lang] = true
		child := findChild(l, spec.lang)
		switch {
		case child == nil:
			child = g.newChild(l, spec, content, dirty)
			if child != nil {
				kept = append(kept, child)
			}
		case child.pending:
			// Still waiting for the grammar; track the latest ranges so
			// readiness parses the right region.
			child.ranges = spec.ranges
			kept = append(kept, child)
		case slices.Equal(shiftRanges(child.ranges, edits), spec.ranges) && len(edits) > 0:
			// Injection survived the edit unmoved (modulo shifting):
			// re-parse it incrementally.
			child.ranges = spec.ranges
			if err := g.parseLayer(child, content, edits, dirty); err != nil {
				g.log.Warn("child layer parse", zap.String("language", child.name), zap.Error(err))
				g.invalidateRanges(dirty, spec.ranges)
				child.close()
				continue
			}
			kept = append(kept, child)
		case slices.Equal(child.ranges, spec.ranges) && len(edits) == 0:
			kept = append(kept, child)
		default:
			// Added, removed, or resized region: re-parse from scratch.
			g.invalidateRanges(dirty, child.ranges)
			child.ranges = spec.ranges
			if err := child.parseFull(content); err != nil {
				g.log.Warn("child layer reparse", zap.String("language", child.name), zap.Error(err))
				child.close()
				continue
			}
			g.invalidateRanges(dirty, spec.ranges)
			g.reconcileChildren(child, content, nil, dirty)
			kept = append(kept, child)
		}
	}

	for _, child := range l.children {
		if !seen[child.name] {
			g.invalidateRanges(dirty, shiftRanges(child.ranges, edits))
			child.close()
		}
	}
	l.children = kept
}

// newChild creates a layer for a newly discovered injection.  When the
// provider reports the language as pending, a placeholder layer is created
// and excluded from querying until readiness arrives.
func (g *graph) newChild(parent *layer, spec injectionSpec, content []byte, dirty *rangeset.Set) *layer {
	cfg, err := g.provider(spec.lang)
	switch {
	case err == nil && cfg != nil:
		child := newLayer(spec.lang, cfg, parent.depth+1)
		child.ranges = spec.ranges
		if perr := child.parseFull(content); perr != nil {
			g.log.Warn("injection parse", zap.String("language", spec.lang), zap.Error(perr))
			child.close()
			return nil
		}
		g.invalidateRanges(dirty, spec.ranges)
		g.reconcileChildren(child, content, nil, dirty)
		return child
	case errors.Is(err, language.ErrPending):
		g.log.Debug("injection language pending", zap.String("language", spec.lang))
		child := newLayer(spec.lang, nil, parent.depth+1)
		child.ranges = spec.ranges
		return child
	default:
		g.log.Debug("injection language unavailable",
			zap.String("language", spec.lang), zap.Error(err))
		return nil
	}
}

// discoverInjections runs l's injection queries in declaration order and
// resolves overlapping claims: the first-declared query wins and losers are
// dropped with a diagnostic.  Returned specs have sorted, disjoint ranges and
// are ordered by language name for deterministic reconciliation.
func (g *graph) discoverInjections(l *layer, content []byte) []injectionSpec {
	var claimed rangeset.Set
	byLang := make(map[string][]rangeset.Range)

	for ruleIdx, inj := range l.config.Injections() {
		qc := sitter.NewQueryCursor()
		matches := qc.Matches(inj.Query, l.tree.RootNode(), l.source)
		for m := matches.Next(); m != nil; m = matches.Next() {
			var region rangeset.Range
			lang := inj.Language
			ok := false
			for _, cap := range m.Captures {
				switch {
				case uint32(cap.Index) == inj.ContentIndex:
					region = rangeset.Range{
						Start: int(cap.Node.StartByte()),
						End:   int(cap.Node.EndByte()),
					}
					ok = true
				case inj.LangIndex >= 0 && uint32(cap.Index) == uint32(inj.LangIndex):
					lang = string(l.source[cap.Node.StartByte():cap.Node.EndByte()])
				}
			}
			if !ok || region.Empty() || lang == "" {
				continue
			}
			if overlapsSet(&claimed, region) {
				p := pointAt(l.source, region.Start)
				g.log.Warn("overlapping injection claim dropped",
					zap.String("parent", l.name),
					zap.String("language", lang),
					zap.Int("rule", ruleIdx),
					zap.Int("start", region.Start),
					zap.Int("end", region.End),
					zap.Uint("line", p.Row),
					zap.Uint("col", p.Column))
				continue
			}
			claimed.Insert(region)
			byLang[lang] = append(byLang[lang], region)
		}
		qc.Close()
	}

	specs := make([]injectionSpec, 0, len(byLang))
	for lang, ranges := range byLang {
		sort.Slice(ranges, func(i, j int) bool { return ranges[i].Start < ranges[j].Start })
		specs = append(specs, injectionSpec{lang: lang, ranges: ranges})
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].lang < specs[j].lang })
	return specs
}

// languageReady resolves every layer waiting on name, fully re-parsing each
// and invalidating its coverage.  Layers already using the language are also
// re-parsed, since their configuration may have been replaced.
func (g *graph) languageReady(name string, content []byte) rangeset.Set {
	var dirty rangeset.Set
	g.root.walk(func(l *layer) {
		if l.name != name {
			return
		}
		cfg, err := g.provider(name)
		if err != nil || cfg == nil {
			return
		}
		l.config = cfg
		l.pending = false
		if l.parser != nil {
			// Grammar may differ from the one the parser was bound to.
			l.parser.Close()
			l.parser = nil
		}
		if err := l.parseFull(content); err != nil {
			g.log.Warn("deferred language parse", zap.String("language", name), zap.Error(err))
			return
		}
		if l.ranges == nil {
			dirty.InsertAll()
		} else {
			g.invalidateRanges(&dirty, l.ranges)
		}
		g.reconcileChildren(l, content, nil, &dirty)
	})
	return dirty
}

func (g *graph) invalidateRanges(dirty *rangeset.Set, ranges []rangeset.Range) {
	for _, r := range ranges {
		dirty.Insert(r)
	}
}

func findChild(l *layer, lang string) *layer {
	for _, c := range l.children {
		if c.name == lang {
			return c
		}
	}
	return nil
}

func overlapsSet(s *rangeset.Set, r rangeset.Range) bool {
	for _, cr := range s.Ranges() {
		if cr.Overlaps(r) {
			return true
		}
	}
	return false
}
