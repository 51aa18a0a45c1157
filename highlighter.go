package treelight

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/cptaffe/treelight/internal/engine"
	"github.com/cptaffe/treelight/language"
	"github.com/cptaffe/treelight/rangeset"
	"github.com/cptaffe/treelight/style"
	"github.com/cptaffe/treelight/textsystem"
)

// validateDelay is the default window during which invalidations are batched
// into a single restyle pass.
const validateDelay = 20 * time.Millisecond

// callTimeout is the maximum time call() will wait for the highlighter
// goroutine to process a closure.
const callTimeout = 5 * time.Second

// Config describes one highlighted document.
type Config struct {
	// Language parses the document root.  Required.
	Language *language.Config

	// Languages resolves injected language names.  Optional; when nil,
	// injections never materialize.
	Languages language.Provider

	// Palette maps capture names to display attributes.  Required.
	Palette *style.Palette

	// Content returns the current document bytes.  Required.  Called only
	// from the highlighter goroutine, during the host's Will/DidChangeContent
	// calls and during validation.
	Content func() []byte

	// TextSystem receives attribute applications.  Optional; defaults to an
	// in-memory textsystem.Buffer over Content.
	TextSystem textsystem.Interface

	// ValidateDelay overrides the debounce window.  Zero means the default;
	// negative disables debouncing (every invalidation validates on the next
	// loop turn).
	ValidateDelay time.Duration

	Logger *zap.Logger
}

func (c *Config) validate() error {
	var err error
	if c.Language == nil {
		err = multierr.Append(err, errors.New("config: Language is required"))
	}
	if c.Palette == nil {
		err = multierr.Append(err, errors.New("config: Palette is required"))
	}
	if c.Content == nil {
		err = multierr.Append(err, errors.New("config: Content is required"))
	}
	return err
}

// Highlighter is the actor for one document.
//
// The fields ctx, cancel, cmdCh, and log are set once at construction and may
// be read from any goroutine without a lock.  All remaining fields are owned
// exclusively by the run() goroutine.
type Highlighter struct {
	ctx    context.Context
	cancel context.CancelFunc
	cmdCh  chan func()
	doneCh chan struct{}
	log    *zap.Logger

	// Owned by run(); do not access from other goroutines.
	ts            textsystem.Interface
	client        *engine.Client
	styler        *engine.Styler
	buffer        *engine.InvalidationBuffer
	validateTimer *time.Timer
	delay         time.Duration
}

// New starts a highlighter for cfg and schedules the initial parse.  The
// returned highlighter must be released with Close.
func New(cfg Config) (*Highlighter, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	ts := cfg.TextSystem
	if ts == nil {
		ts = textsystem.NewBuffer(cfg.Content)
	}
	delay := cfg.ValidateDelay
	if delay == 0 {
		delay = validateDelay
	}

	ctx, cancel := context.WithCancel(context.Background())
	h := &Highlighter{
		ctx:    ctx,
		cancel: cancel,
		cmdCh:  make(chan func(), 64),
		doneCh: make(chan struct{}),
		log:    log,
		ts:     ts,
		delay:  delay,
	}
	h.buffer = engine.NewInvalidationBuffer(h.onDirty)
	h.client = engine.NewClient(cfg.Language, cfg.Languages, cfg.Content, ts.Length, h.buffer.Merge, log)
	h.styler = engine.NewStyler(ts, cfg.Palette, h.client.Tokens, log)

	go h.run()
	h.submit(func() { h.client.Reparse() })
	return h, nil
}

// Close stops the highlighter goroutine and releases parser resources.  It
// blocks until the goroutine has exited.
func (h *Highlighter) Close() {
	h.cancel()
	<-h.doneCh
}

// WillChangeContent records that the host is about to mutate the bytes in r.
// Every call must be paired with a DidChangeContent; pairs may nest.  Blocks
// until the highlighter has processed the notification, so a following
// DidChangeContent observes it in order.
func (h *Highlighter) WillChangeContent(r rangeset.Range) error {
	return h.call(func() {
		h.buffer.BeginBuffering()
		h.client.WillChangeContent(r)
	})
}

// DidChangeContent reports a completed mutation.  r is the replacement span
// in the new content (for a pure deletion r is empty at the deletion point),
// and delta is the signed byte-length change.  The content accessor must
// already return the post-edit bytes.
func (h *Highlighter) DidChangeContent(r rangeset.Range, delta int) error {
	return h.call(func() {
		e := engine.EditFor(r, delta)
		h.styler.DidChangeContent(e)
		h.client.DidChangeContent(e)
		h.buffer.EndBuffering()
	})
}

// Invalidate marks r stale without a content change, e.g. after a palette
// entry is redefined.
func (h *Highlighter) Invalidate(r rangeset.Range) {
	h.submit(func() { h.buffer.Invalidate(r) })
}

// InvalidateAll marks the whole document stale.
func (h *Highlighter) InvalidateAll() {
	h.submit(func() { h.buffer.InvalidateAll() })
}

// VisibleContentDidChange tells the highlighter the viewport moved, so
// pending validation can prioritize what the user sees.
func (h *Highlighter) VisibleContentDidChange() {
	h.submit(func() {
		h.styler.VisibleContentDidChange()
		if h.styler.HasPending() {
			h.scheduleValidate()
		}
	})
}

// LanguageConfigurationChanged reports that the named language finished
// loading (or changed).  Layers pending on it parse for the first time;
// layers already using it re-parse.
func (h *Highlighter) LanguageConfigurationChanged(name string) {
	h.submit(func() {
		h.buffer.BeginBuffering()
		h.client.LanguageConfigurationChanged(name)
		h.buffer.EndBuffering()
	})
}

// Flush validates all pending ranges immediately, bypassing the debounce
// window.  Useful in tests and before reading back styling.
func (h *Highlighter) Flush() error {
	var verr error
	if err := h.call(func() {
		h.stopValidateTimer()
		verr = h.styler.Validate()
	}); err != nil {
		return err
	}
	return verr
}

// submit enqueues fn to run in the highlighter goroutine.  Returns
// immediately; fn runs asynchronously.  Drops fn silently if the highlighter
// is closed.
func (h *Highlighter) submit(fn func()) {
	select {
	case h.cmdCh <- fn:
	case <-h.ctx.Done():
	}
}

// call enqueues fn and blocks until it has run, the highlighter is closed, or
// callTimeout elapses.
func (h *Highlighter) call(fn func()) error {
	done := make(chan struct{})
	h.submit(func() {
		fn()
		close(done)
	})
	select {
	case <-done:
		return nil
	case <-h.ctx.Done():
		return fmt.Errorf("highlighter closed")
	case <-time.After(callTimeout):
		h.log.Warn("call timed out; highlighter goroutine unresponsive")
		return fmt.Errorf("highlighter unresponsive")
	}
}

// run is the highlighter goroutine.  It owns all mutable state and is the
// only goroutine that touches it.
func (h *Highlighter) run() {
	defer close(h.doneCh)

	h.validateTimer = time.NewTimer(validateDelay)
	h.validateTimer.Stop()

	for {
		select {
		case fn := <-h.cmdCh:
			fn()

		case <-h.validateTimer.C:
			if err := h.styler.Validate(); err != nil {
				h.log.Error("validate", zap.Error(err))
			}

		case <-h.ctx.Done():
			h.validateTimer.Stop()
			h.client.Close()
			return
		}
	}
}

// onDirty receives coalesced dirty sets from the invalidation buffer.
// Must be called from within the highlighter goroutine.
func (h *Highlighter) onDirty(set rangeset.Set) {
	h.styler.Merge(set)
	h.scheduleValidate()
}

func (h *Highlighter) scheduleValidate() {
	d := h.delay
	if d < 0 {
		// Debounce disabled: validate on the next loop turn.  Still goes
		// through the timer so scheduling never blocks the run goroutine.
		d = 0
	}
	resetTimer(h.validateTimer, d)
}

func (h *Highlighter) stopValidateTimer() {
	if !h.validateTimer.Stop() {
		select {
		case <-h.validateTimer.C:
		default:
		}
	}
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}
