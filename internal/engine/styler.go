package engine

import (
	"sort"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/cptaffe/treelight/rangeset"
	"github.com/cptaffe/treelight/style"
	"github.com/cptaffe/treelight/textsystem"
)

// Styler turns dirty ranges into attribute applications.  It re-queries
// tokens for each pending range, resolves them against the palette, diffs the
// result against the styling it previously applied, and sends the text
// system only the minimal changed interval.  Ranges intersecting the visible
// viewport are validated first.
//
// All methods run on the document's owner goroutine.
type Styler struct {
	log     *zap.Logger
	ts      textsystem.Interface
	palette *style.Palette
	tokens  func(rangeset.Range) []textsystem.Token

	pending rangeset.Set
	applied []style.Run // styling currently applied, sorted by Start
	visible rangeset.Range
	hasVis  bool
}

// NewStyler binds a styler to a text system, palette, and token source.
func NewStyler(ts textsystem.Interface, palette *style.Palette, tokens func(rangeset.Range) []textsystem.Token, log *zap.Logger) *Styler {
	return &Styler{log: log, ts: ts, palette: palette, tokens: tokens}
}

// Invalidate marks r as needing re-tokenization and restyling.
func (s *Styler) Invalidate(r rangeset.Range) {
	s.pending.Insert(r)
}

// InvalidateAll marks the whole document stale.
func (s *Styler) InvalidateAll() {
	s.pending.InsertAll()
}

// Merge folds a dirty set into the pending work.
func (s *Styler) Merge(set rangeset.Set) {
	s.pending.Merge(set)
}

// HasPending reports whether any range awaits validation.
func (s *Styler) HasPending() bool {
	return !s.pending.Empty()
}

// DidChangeContent shifts every tracked offset by the edit so subsequent
// diffing stays aligned with the new content.
func (s *Styler) DidChangeContent(e Edit) {
	s.applied = shiftRuns(s.applied, e)
	s.pending.Shift(e.Start, e.OldLen(), e.NewLen())
	if s.hasVis {
		if v, ok := shiftRange(s.visible, e); ok {
			s.visible = v
		}
	}
}

// VisibleContentDidChange re-reads the viewport from the text system.  It
// affects only the order pending ranges are validated in, never correctness.
func (s *Styler) VisibleContentDidChange() {
	if v, ok := s.ts.VisibleRange(); ok {
		s.visible = v
		s.hasVis = true
	}
}

// Validate re-queries and restyles every pending range.  Applying is
// diff-minimal: a range whose tokens match the previously applied styling
// produces no text-system call, so a second Validate with no new
// invalidations is a no-op.
func (s *Styler) Validate() error {
	if s.pending.Empty() {
		return nil
	}
	n := s.ts.Length()
	work := s.pending.Take()
	ranges := work.Materialize(n)
	if s.hasVis {
		sort.SliceStable(ranges, func(i, j int) bool {
			return ranges[i].Overlaps(s.visible) && !ranges[j].Overlaps(s.visible)
		})
	}

	var err error
	for _, r := range ranges {
		if aerr := s.validateRange(r); aerr != nil {
			// Keep the range dirty so a later validate retries it.
			s.pending.Insert(r)
			err = multierr.Append(err, aerr)
		}
	}
	return err
}

func (s *Styler) validateRange(r rangeset.Range) error {
	newRuns := s.runsFor(r)
	oldRuns := runsWithin(s.applied, r)

	q0, q1, changed := diffRuns(oldRuns, newRuns)
	if !changed {
		return nil
	}
	app := textsystem.TokenApplication{
		Range: rangeset.Range{Start: q0, End: q1},
		Runs:  runsWithin(newRuns, rangeset.Range{Start: q0, End: q1}),
	}
	if err := s.ts.ApplyStyles(app); err != nil {
		s.log.Error("apply styles", zap.Int("start", q0), zap.Int("end", q1), zap.Error(err))
		return err
	}
	s.splice(app.Range, app.Runs)
	return nil
}

// runsFor resolves the tokens within r to palette-named runs clipped to r.
// Tokens with no palette entry (after dotted-prefix fallback) are
// transparent and produce no run.
func (s *Styler) runsFor(r rangeset.Range) []style.Run {
	toks := s.tokens(r)
	runs := make([]style.Run, 0, len(toks))
	for _, t := range toks {
		e, ok := s.palette.Resolve(t.Name)
		if !ok {
			continue
		}
		tr, ok := t.Range.Intersect(r)
		if !ok {
			continue
		}
		runs = append(runs, style.Run{Name: e.Name, Start: tr.Start, End: tr.End})
	}
	sort.Slice(runs, func(i, j int) bool { return runs[i].Start < runs[j].Start })
	return runs
}

// splice replaces the tracked applied styling within r by runs.
func (s *Styler) splice(r rangeset.Range, runs []style.Run) {
	kept := make([]style.Run, 0, len(s.applied)+len(runs))
	for _, old := range s.applied {
		if old.End <= r.Start || old.Start >= r.End {
			kept = append(kept, old)
			continue
		}
		// Trim the parts that survive outside r.
		if old.Start < r.Start {
			kept = append(kept, style.Run{Name: old.Name, Start: old.Start, End: r.Start})
		}
		if old.End > r.End {
			kept = append(kept, style.Run{Name: old.Name, Start: r.End, End: old.End})
		}
	}
	s.applied = append(kept, runs...)
	sort.Slice(s.applied, func(i, j int) bool { return s.applied[i].Start < s.applied[j].Start })
}

// runsWithin returns the runs overlapping r, clipped to r.
func runsWithin(runs []style.Run, r rangeset.Range) []style.Run {
	out := make([]style.Run, 0, len(runs))
	for _, run := range runs {
		if run.End <= r.Start || run.Start >= r.End {
			continue
		}
		start, end := run.Start, run.End
		if start < r.Start {
			start = r.Start
		}
		if end > r.End {
			end = r.End
		}
		out = append(out, style.Run{Name: run.Name, Start: start, End: end})
	}
	return out
}

// shiftRuns adjusts run offsets for an edit: the replaced bytes are deleted
// and the replacement length inserted at the edit start.  Runs entirely
// inside the deletion are dropped.
func shiftRuns(runs []style.Run, e Edit) []style.Run {
	runs = adjustRunsDelete(runs, e.Start, e.OldEnd)
	adjustRunsInsert(runs, e.Start, e.NewLen())
	return runs
}

// adjustRunsInsert shifts and extends runs for an insertion of n bytes at q0.
// Bytes inserted strictly inside a run extend it; insertions at a boundary
// fall into the right neighbour.
func adjustRunsInsert(runs []style.Run, q0, n int) {
	for i := range runs {
		r := &runs[i]
		switch {
		case q0 <= r.Start:
			r.Start += n
			r.End += n
		case q0 < r.End:
			r.End += n
		}
	}
}

// adjustRunsDelete applies deletion of bytes [q0, q1) to a run slice,
// returning the updated slice.
func adjustRunsDelete(runs []style.Run, q0, q1 int) []style.Run {
	n := q1 - q0
	if n <= 0 {
		return runs
	}
	out := runs[:0]
	for _, r := range runs {
		switch {
		case r.End <= q0:
			out = append(out, r)
		case r.Start >= q1:
			out = append(out, style.Run{Name: r.Name, Start: r.Start - n, End: r.End - n})
		case r.Start < q0 && r.End > q1:
			out = append(out, style.Run{Name: r.Name, Start: r.Start, End: r.End - n})
		case r.Start < q0:
			if q0 > r.Start {
				out = append(out, style.Run{Name: r.Name, Start: r.Start, End: q0})
			}
		case r.End > q1:
			out = append(out, style.Run{Name: r.Name, Start: q0, End: r.End - n})
			// completely inside deletion: discard
		}
	}
	return out
}

// diffRuns finds the minimal dirty interval between two sorted,
// non-overlapping run slices.
func diffRuns(old, new []style.Run) (q0, q1 int, changed bool) {
	i, j := 0, 0
	for i < len(old) && j < len(new) && old[i] == new[j] {
		i++
		j++
	}
	if i == len(old) && j == len(new) {
		return 0, 0, false
	}

	ei, ej := len(old)-1, len(new)-1
	for ei >= i && ej >= j && old[ei] == new[ej] {
		ei--
		ej--
	}

	const maxInt = int(^uint(0) >> 1)
	q0 = maxInt
	for _, r := range old[i : ei+1] {
		if r.Start < q0 {
			q0 = r.Start
		}
		if r.End > q1 {
			q1 = r.End
		}
	}
	for _, r := range new[j : ej+1] {
		if r.Start < q0 {
			q0 = r.Start
		}
		if r.End > q1 {
			q1 = r.End
		}
	}
	if q0 == maxInt || q0 >= q1 {
		return 0, 0, false
	}
	return q0, q1, true
}
