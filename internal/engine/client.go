package engine

import (
	"go.uber.org/zap"

	"github.com/cptaffe/treelight/language"
	"github.com/cptaffe/treelight/rangeset"
	"github.com/cptaffe/treelight/textsystem"
)

// Client coordinates the edit → re-parse → injection update → invalidation
// sequence for one document.  Token production is bound to the live content
// accessor, so consumers always see the latest parse, never a stale snapshot.
//
// All methods run on the document's owner goroutine.
type Client struct {
	log        *zap.Logger
	content    func() []byte
	length     func() int
	invalidate func(rangeset.Set)
	graph      *graph

	willRanges  []rangeset.Range
	knownLength int
	primed      bool
}

// NewClient builds a coordinator for the given root language.  invalidate
// receives the dirty set after every re-parse; content is the live content
// accessor; length reports the text system's view of the current content
// length, used to detect desynchronized edit notifications.
func NewClient(root *language.Config, provider language.Provider, content func() []byte, length func() int, invalidate func(rangeset.Set), log *zap.Logger) *Client {
	return &Client{
		log:        log,
		content:    content,
		length:     length,
		invalidate: invalidate,
		graph:      newGraph(root, provider, log),
	}
}

// Close releases all layer resources.
func (c *Client) Close() {
	c.graph.close()
}

// Reparse discards incremental state and re-parses the whole document,
// emitting an "all" invalidation.  Used for the initial parse and as the
// desynchronization fallback.
func (c *Client) Reparse() {
	content := c.content()
	dirty, err := c.graph.fullReparse(content)
	if err != nil {
		c.log.Error("full reparse", zap.Error(err))
	}
	c.knownLength = len(content)
	c.primed = true
	c.invalidate(dirty)
}

// WillChangeContent records that a mutation is about to happen in r.  Must be
// paired 1:1 with DidChangeContent.
func (c *Client) WillChangeContent(r rangeset.Range) {
	c.willRanges = append(c.willRanges, r)
}

// DidChangeContent incorporates a completed mutation described by e,
// re-parses incrementally, and emits the dirty set.  When the resulting
// content length does not match the accessor's actual content (edits arrived
// out of order, or notifications were coalesced), the incremental edit is
// abandoned in favour of a full re-parse: correctness over incrementality.
func (c *Client) DidChangeContent(e Edit) {
	if len(c.willRanges) > 0 {
		c.willRanges = c.willRanges[1:]
	} else {
		c.log.Warn("content change without matching WillChangeContent",
			zap.Int("start", e.Start), zap.Int("newEnd", e.NewEnd))
	}
	if !c.primed {
		c.Reparse()
		return
	}

	content := c.content()
	expected := c.knownLength + e.Delta()
	actual := len(content)
	if c.length != nil {
		if n := c.length(); n != actual {
			actual = -1 // accessor and text system disagree; force fallback
		}
	}
	if expected != actual {
		p := pointAt(content, e.Start)
		c.log.Warn("content length mismatch; falling back to full reparse",
			zap.Int("expected", expected), zap.Int("actual", len(content)),
			zap.Uint("line", p.Row), zap.Uint("col", p.Column))
		c.Reparse()
		return
	}

	dirty, err := c.graph.parse(content, []Edit{e})
	if err != nil {
		c.log.Warn("incremental parse failed; falling back to full reparse", zap.Error(err))
		c.Reparse()
		return
	}
	// Token boundaries can change without structural tree changes (an
	// identifier completing into a keyword), so the edited lines are always
	// re-queried even when the tree reports nothing changed.
	dirty.Insert(lineBounds(content, e.NewRange()))
	c.knownLength = actual
	c.invalidate(dirty)
}

// LanguageConfigurationChanged signals that a deferred language is now
// available.  Every layer waiting on it is fully re-parsed and its coverage
// invalidated.
func (c *Client) LanguageConfigurationChanged(name string) {
	dirty := c.graph.languageReady(name, c.content())
	if !dirty.Empty() {
		c.invalidate(dirty)
	}
}

// Tokens returns the effective tokens within r for the current layer tree.
func (c *Client) Tokens(r rangeset.Range) []textsystem.Token {
	return c.graph.tokens(r)
}
