package engine

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/cptaffe/treelight/rangeset"
	"github.com/cptaffe/treelight/style"
	"github.com/cptaffe/treelight/textsystem"
)

// recordingTS captures every application for assertions.
type recordingTS struct {
	length  int
	visible rangeset.Range
	hasVis  bool
	apps    []textsystem.TokenApplication
	failN   int // fail the next N applications
}

func (r *recordingTS) Length() int { return r.length }

func (r *recordingTS) ApplyStyles(app textsystem.TokenApplication) error {
	if r.failN > 0 {
		r.failN--
		return errors.New("text system unavailable")
	}
	r.apps = append(r.apps, app)
	return nil
}

func (r *recordingTS) VisibleRange() (rangeset.Range, bool) {
	return r.visible, r.hasVis
}

func testPalette() *style.Palette {
	return style.NewPalette(
		style.PaletteEntry{Name: "keyword", Attributes: style.Attributes{FG: "#569cd6"}},
		style.PaletteEntry{Name: "comment", Attributes: style.Attributes{FG: "#6a9955"}},
	)
}

func staticTokens(toks ...textsystem.Token) func(rangeset.Range) []textsystem.Token {
	return func(r rangeset.Range) []textsystem.Token {
		var out []textsystem.Token
		for _, t := range toks {
			if t.Range.Overlaps(r) {
				out = append(out, t)
			}
		}
		return out
	}
}

func tok(name string, start, end int) textsystem.Token {
	return textsystem.Token{Name: name, Range: rangeset.Range{Start: start, End: end}}
}

func TestStyler_Validate_AppliesResolvedRuns(t *testing.T) {
	ts := &recordingTS{length: 100}
	s := NewStyler(ts, testPalette(), staticTokens(
		tok("keyword", 0, 4),
		tok("comment.line", 10, 30),
		tok("punctuation", 5, 6), // no palette entry: transparent
	), zap.NewNop())

	s.InvalidateAll()
	require.NoError(t, s.Validate())

	require.Len(t, ts.apps, 1)
	require.Equal(t, []style.Run{
		{Name: "keyword", Start: 0, End: 4},
		{Name: "comment", Start: 10, End: 30},
	}, ts.apps[0].Runs, "tokens resolve by dotted prefix; unmatched tokens vanish")
}

func TestStyler_Validate_Idempotent(t *testing.T) {
	ts := &recordingTS{length: 100}
	s := NewStyler(ts, testPalette(), staticTokens(tok("keyword", 0, 4)), zap.NewNop())

	s.InvalidateAll()
	require.NoError(t, s.Validate())
	require.Len(t, ts.apps, 1)

	require.NoError(t, s.Validate())
	require.Len(t, ts.apps, 1, "no pending work, no applications")

	s.InvalidateAll()
	require.NoError(t, s.Validate())
	require.Len(t, ts.apps, 1, "unchanged tokens diff to nothing")
}

func TestStyler_Validate_MinimalInterval(t *testing.T) {
	toks := []textsystem.Token{tok("keyword", 0, 4), tok("comment", 10, 30), tok("keyword", 50, 55)}
	ts := &recordingTS{length: 100}
	s := NewStyler(ts, testPalette(), staticTokens(toks...), zap.NewNop())

	s.InvalidateAll()
	require.NoError(t, s.Validate())
	require.Len(t, ts.apps, 1)

	// Only the middle token changes.
	toks[1] = tok("keyword", 10, 30)
	s.InvalidateAll()
	require.NoError(t, s.Validate())
	require.Len(t, ts.apps, 2)
	require.Equal(t, rangeset.Range{Start: 10, End: 30}, ts.apps[1].Range,
		"application covers only the changed interval")
	require.Equal(t, []style.Run{{Name: "keyword", Start: 10, End: 30}}, ts.apps[1].Runs)
}

func TestStyler_Validate_ClipsToRange(t *testing.T) {
	ts := &recordingTS{length: 100}
	s := NewStyler(ts, testPalette(), staticTokens(tok("comment", 0, 100)), zap.NewNop())

	s.Invalidate(rangeset.Range{Start: 40, End: 60})
	require.NoError(t, s.Validate())
	require.Len(t, ts.apps, 1)
	require.Equal(t, []style.Run{{Name: "comment", Start: 40, End: 60}}, ts.apps[0].Runs,
		"token spanning the dirty range is clipped to it")
}

func TestStyler_Validate_VisibleFirst(t *testing.T) {
	ts := &recordingTS{length: 100, visible: rangeset.Range{Start: 60, End: 80}, hasVis: true}
	s := NewStyler(ts, testPalette(), staticTokens(
		tok("keyword", 0, 4),
		tok("keyword", 65, 70),
	), zap.NewNop())
	s.VisibleContentDidChange()

	s.Invalidate(rangeset.Range{Start: 0, End: 10})
	s.Invalidate(rangeset.Range{Start: 60, End: 80})
	require.NoError(t, s.Validate())

	require.Len(t, ts.apps, 2)
	require.True(t, ts.apps[0].Range.Overlaps(rangeset.Range{Start: 60, End: 80}),
		"the visible range is validated first")
}

func TestStyler_Validate_FailedRangeStaysPending(t *testing.T) {
	ts := &recordingTS{length: 100, failN: 1}
	s := NewStyler(ts, testPalette(), staticTokens(tok("keyword", 0, 4)), zap.NewNop())

	s.InvalidateAll()
	require.Error(t, s.Validate())
	require.True(t, s.HasPending(), "failed range is retried later")

	require.NoError(t, s.Validate())
	require.Len(t, ts.apps, 1, "retry succeeds once the text system recovers")
}

func TestStyler_DidChangeContent_ShiftsApplied(t *testing.T) {
	ts := &recordingTS{length: 20}
	toks := []textsystem.Token{tok("keyword", 10, 14)}
	tokens := func(r rangeset.Range) []textsystem.Token { return staticTokens(toks...)(r) }
	s := NewStyler(ts, testPalette(), tokens, zap.NewNop())

	s.InvalidateAll()
	require.NoError(t, s.Validate())
	require.Len(t, ts.apps, 1)

	// Insert 5 bytes at offset 0; the token moves with the content.
	ts.length = 25
	toks[0] = tok("keyword", 15, 19)
	s.DidChangeContent(Edit{Start: 0, OldEnd: 0, NewEnd: 5})

	s.InvalidateAll()
	require.NoError(t, s.Validate())
	require.Len(t, ts.apps, 1, "shifted applied runs already match the shifted tokens")
}

func TestStyler_Splice_StraddlingRunKeepsNeighbours(t *testing.T) {
	s := NewStyler(&recordingTS{length: 200}, testPalette(), staticTokens(), zap.NewNop())
	s.applied = []style.Run{
		{Name: "a", Start: 0, End: 100},
		{Name: "b", Start: 100, End: 200},
	}

	// Replacing the middle of run a trims it on both sides; run b is
	// untouched.
	s.splice(rangeset.Range{Start: 40, End: 50}, []style.Run{{Name: "c", Start: 40, End: 50}})

	require.Equal(t, []style.Run{
		{Name: "a", Start: 0, End: 40},
		{Name: "c", Start: 40, End: 50},
		{Name: "a", Start: 50, End: 100},
		{Name: "b", Start: 100, End: 200},
	}, s.applied)
}

func TestAdjustRunsInsert(t *testing.T) {
	runs := []style.Run{{Name: "a", Start: 10, End: 20}, {Name: "b", Start: 30, End: 40}}
	adjustRunsInsert(runs, 15, 5)
	require.Equal(t, []style.Run{{Name: "a", Start: 10, End: 25}, {Name: "b", Start: 35, End: 45}}, runs,
		"insertion inside a run extends it; later runs shift")

	runs = []style.Run{{Name: "a", Start: 10, End: 20}}
	adjustRunsInsert(runs, 10, 5)
	require.Equal(t, []style.Run{{Name: "a", Start: 15, End: 25}}, runs,
		"insertion at the left boundary shifts the run")
}

func TestAdjustRunsDelete(t *testing.T) {
	runs := []style.Run{
		{Name: "a", Start: 0, End: 5},
		{Name: "b", Start: 10, End: 20},
		{Name: "c", Start: 12, End: 14},
		{Name: "d", Start: 30, End: 40},
	}
	got := adjustRunsDelete(runs, 11, 15)
	require.Equal(t, []style.Run{
		{Name: "a", Start: 0, End: 5},
		{Name: "b", Start: 10, End: 16},
		{Name: "d", Start: 26, End: 36},
	}, got, "runs inside the deletion vanish; straddling runs shrink")
}

func TestDiffRuns(t *testing.T) {
	old := []style.Run{{Name: "a", Start: 0, End: 5}, {Name: "b", Start: 10, End: 20}}

	_, _, changed := diffRuns(old, []style.Run{{Name: "a", Start: 0, End: 5}, {Name: "b", Start: 10, End: 20}})
	require.False(t, changed)

	q0, q1, changed := diffRuns(old, []style.Run{{Name: "a", Start: 0, End: 5}, {Name: "c", Start: 10, End: 20}})
	require.True(t, changed)
	require.Equal(t, 10, q0)
	require.Equal(t, 20, q1)

	q0, q1, changed = diffRuns(old, []style.Run{{Name: "b", Start: 10, End: 20}})
	require.True(t, changed, "removed leading run")
	require.Equal(t, 0, q0)
	require.Equal(t, 5, q1)

	q0, q1, changed = diffRuns(nil, old)
	require.True(t, changed)
	require.Equal(t, 0, q0)
	require.Equal(t, 20, q1)
}
