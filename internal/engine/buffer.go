package engine

import "github.com/cptaffe/treelight/rangeset"

type bufferState uint8

const (
	stateIdle bufferState = iota
	stateBuffering
	stateFlushing
)

// InvalidationBuffer defers invalidation delivery while a content mutation is
// underway.  Platform text systems forbid attribute mutation while a
// content-change notification is being processed, so the highlighter buffers
// between BeginBuffering and EndBuffering and hands the handler one coalesced
// dirty set once the stack has returned to a safe point.
//
// Begin/End pairs nest; only the outermost End flushes.  An invalidation
// arriving while idle is delivered immediately.  No invalidation is ever
// dropped: anything inserted during buffering is part of the next flush.
type InvalidationBuffer struct {
	state   bufferState
	depth   int
	pending rangeset.Set
	flush   func(rangeset.Set)
}

// NewInvalidationBuffer returns a buffer delivering coalesced dirty sets to
// flush.
func NewInvalidationBuffer(flush func(rangeset.Set)) *InvalidationBuffer {
	return &InvalidationBuffer{flush: flush}
}

// BeginBuffering enters (or nests into) the buffering state.
func (b *InvalidationBuffer) BeginBuffering() {
	b.depth++
	if b.state == stateIdle {
		b.state = stateBuffering
	}
}

// EndBuffering leaves one level of buffering.  The outermost call flushes the
// coalesced dirty set to the handler exactly once and returns to idle.
func (b *InvalidationBuffer) EndBuffering() {
	if b.depth == 0 {
		return
	}
	b.depth--
	if b.depth > 0 {
		return
	}
	b.state = stateFlushing
	b.deliver()
	b.state = stateIdle
}

// Invalidate merges r into the pending dirty set, delivering immediately when
// idle.
func (b *InvalidationBuffer) Invalidate(r rangeset.Range) {
	b.pending.Insert(r)
	if b.state == stateIdle {
		b.deliver()
	}
}

// InvalidateAll switches the pending set to the whole-document sentinel,
// which subsumes all specific ranges.
func (b *InvalidationBuffer) InvalidateAll() {
	b.pending.InsertAll()
	if b.state == stateIdle {
		b.deliver()
	}
}

// Merge folds an entire dirty set into the buffer.
func (b *InvalidationBuffer) Merge(set rangeset.Set) {
	b.pending.Merge(set)
	if b.state == stateIdle {
		b.deliver()
	}
}

func (b *InvalidationBuffer) deliver() {
	if b.pending.Empty() {
		return
	}
	b.flush(b.pending.Take())
}
