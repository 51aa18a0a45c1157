// Package textsystem abstracts the text widget or buffer that highlighting is
// applied to.  The engine never talks to a platform view directly; it asks an
// Interface for the current content length and hands it token applications to
// realise.  Two backends ship with the module: the in-memory Buffer below
// (also the default when no interface is supplied) and the acme-backed
// implementation in the acmetext subpackage.
package textsystem

import (
	"sort"
	"sync"

	"github.com/cptaffe/treelight/rangeset"
	"github.com/cptaffe/treelight/style"
)

// Token is a named classification of a syntax unit over a byte range.
type Token struct {
	Name  string // dotted-scope token name, e.g. "keyword.control"
	Range rangeset.Range
}

// Start returns the token's first byte offset.
func (t Token) Start() int { return t.Range.Start }

// End returns the token's exclusive end offset.
func (t Token) End() int { return t.Range.End }

// TokenApplication instructs a text system to replace all styling within
// Range by Runs.  Runs are sorted, non-overlapping, contained in Range, and
// already resolved to palette entry names; bytes of Range not covered by any
// run are cleared.  Applications are idempotent: applying the same value
// twice leaves the text system unchanged.
type TokenApplication struct {
	Range rangeset.Range
	Runs  []style.Run
}

// Interface is the boundary between the engine and whatever widget or buffer
// is being styled.
type Interface interface {
	// Length returns the current content length in bytes.
	Length() int

	// ApplyStyles replaces all styling within app.Range by app.Runs.
	ApplyStyles(app TokenApplication) error

	// VisibleRange reports the currently rendered extent, used only to
	// prioritise work.  ok is false when the backend has no viewport.
	VisibleRange() (r rangeset.Range, ok bool)
}

// Buffer is the built-in text system: it tracks applied runs in memory over a
// caller-supplied content accessor.  It backs tests, the one-shot CLI, and
// any host that only wants the engine's token output without a widget.
type Buffer struct {
	mu      sync.Mutex
	content func() []byte
	runs    []style.Run
	applies int
	visible *rangeset.Range
}

// NewBuffer returns a Buffer reading content through the given accessor.
func NewBuffer(content func() []byte) *Buffer {
	return &Buffer{content: content}
}

// Length implements Interface.
func (b *Buffer) Length() int {
	return len(b.content())
}

// ApplyStyles implements Interface.  It splices app.Runs over the tracked
// styling within app.Range.
func (b *Buffer) ApplyStyles(app TokenApplication) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.applies++
	kept := b.runs[:0]
	for _, r := range b.runs {
		if r.End <= app.Range.Start || r.Start >= app.Range.End {
			kept = append(kept, r)
		}
	}
	b.runs = append(kept, app.Runs...)
	sort.Slice(b.runs, func(i, j int) bool { return b.runs[i].Start < b.runs[j].Start })
	return nil
}

// VisibleRange implements Interface.
func (b *Buffer) VisibleRange() (rangeset.Range, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.visible == nil {
		return rangeset.Range{}, false
	}
	return *b.visible, true
}

// SetVisibleRange sets the viewport reported by VisibleRange.
func (b *Buffer) SetVisibleRange(r rangeset.Range) {
	b.mu.Lock()
	b.visible = &r
	b.mu.Unlock()
}

// Runs returns a snapshot of the currently applied styling in ascending
// order.
func (b *Buffer) Runs() []style.Run {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]style.Run, len(b.runs))
	copy(out, b.runs)
	return out
}

// Applications returns how many ApplyStyles calls have been made.
func (b *Buffer) Applications() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.applies
}
