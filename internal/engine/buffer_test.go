package engine

import (
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/cptaffe/treelight/rangeset"
)

func TestInvalidationBuffer_ImmediateWhenIdle(t *testing.T) {
	var got []rangeset.Set
	b := NewInvalidationBuffer(func(s rangeset.Set) { got = append(got, s) })

	b.Invalidate(rangeset.Range{Start: 5, End: 10})
	require.Len(t, got, 1, "idle invalidations deliver immediately")
	require.Equal(t, []rangeset.Range{{Start: 5, End: 10}}, got[0].Ranges())
}

func TestInvalidationBuffer_DefersWhileBuffering(t *testing.T) {
	var got []rangeset.Set
	b := NewInvalidationBuffer(func(s rangeset.Set) { got = append(got, s) })

	b.BeginBuffering()
	b.Invalidate(rangeset.Range{Start: 0, End: 10})
	b.Invalidate(rangeset.Range{Start: 5, End: 20})
	require.Empty(t, got, "nothing delivers before the outermost end")

	b.EndBuffering()
	require.Len(t, got, 1, "one coalesced flush")
	require.Equal(t, []rangeset.Range{{Start: 0, End: 20}}, got[0].Ranges())
}

func TestInvalidationBuffer_NestedPairs(t *testing.T) {
	var got []rangeset.Set
	b := NewInvalidationBuffer(func(s rangeset.Set) { got = append(got, s) })

	b.BeginBuffering()
	b.BeginBuffering()
	b.Invalidate(rangeset.Range{Start: 1, End: 2})
	b.EndBuffering()
	require.Empty(t, got, "inner end does not flush")
	b.Invalidate(rangeset.Range{Start: 3, End: 4})
	b.EndBuffering()
	require.Len(t, got, 1)
	require.Equal(t, []rangeset.Range{{Start: 1, End: 2}, {Start: 3, End: 4}}, got[0].Ranges())
}

func TestInvalidationBuffer_AllSubsumes(t *testing.T) {
	var got []rangeset.Set
	b := NewInvalidationBuffer(func(s rangeset.Set) { got = append(got, s) })

	b.BeginBuffering()
	b.Invalidate(rangeset.Range{Start: 1, End: 2})
	b.InvalidateAll()
	b.Invalidate(rangeset.Range{Start: 50, End: 60})
	b.EndBuffering()

	require.Len(t, got, 1)
	require.True(t, got[0].IsAll())
}

func TestInvalidationBuffer_EmptyFlushSkipped(t *testing.T) {
	calls := 0
	b := NewInvalidationBuffer(func(s rangeset.Set) { calls++ })

	b.BeginBuffering()
	b.EndBuffering()
	require.Zero(t, calls, "an empty dirty set produces no flush")
}

func TestInvalidationBuffer_UnmatchedEndIgnored(t *testing.T) {
	calls := 0
	b := NewInvalidationBuffer(func(s rangeset.Set) { calls++ })
	b.EndBuffering()
	b.Invalidate(rangeset.Range{Start: 0, End: 1})
	require.Equal(t, 1, calls, "stray EndBuffering does not corrupt state")
}

// Under any interleaving of invalidations and balanced begin/end pairs, every
// invalidated byte is eventually delivered exactly once per flush and nothing
// is lost.
func TestInvalidationBuffer_Completeness(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		var delivered rangeset.Set
		b := NewInvalidationBuffer(func(s rangeset.Set) { delivered.Merge(s) })

		var want rangeset.Set
		depth := 0
		steps := rapid.IntRange(1, 50).Draw(t, "steps")
		for i := 0; i < steps; i++ {
			switch rapid.IntRange(0, 2).Draw(t, "op") {
			case 0:
				start := rapid.IntRange(0, 500).Draw(t, "start")
				length := rapid.IntRange(1, 50).Draw(t, "length")
				r := rangeset.Range{Start: start, End: start + length}
				want.Insert(r)
				b.Invalidate(r)
			case 1:
				b.BeginBuffering()
				depth++
			case 2:
				if depth > 0 {
					b.EndBuffering()
					depth--
				}
			}
		}
		for depth > 0 {
			b.EndBuffering()
			depth--
		}

		for _, r := range want.Ranges() {
			for off := r.Start; off < r.End; off++ {
				covered := false
				for _, dr := range delivered.Ranges() {
					if dr.Contains(off) {
						covered = true
						break
					}
				}
				require.True(t, covered, "invalidated offset %d was never delivered", off)
			}
		}
	})
}
