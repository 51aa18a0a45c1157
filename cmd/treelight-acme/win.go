package main

import (
	"context"
	"sync"
	"unicode/utf8"

	"9fans.net/go/acme"
	"go.uber.org/zap"

	"github.com/cptaffe/treelight"
	"github.com/cptaffe/treelight/language"
	"github.com/cptaffe/treelight/logger"
	"github.com/cptaffe/treelight/rangeset"
	"github.com/cptaffe/treelight/textsystem/acmetext"
)

// winHighlighter drives one highlighter from a window's event file.
//
// The body snapshot is guarded by mu: the run goroutine mutates it while the
// highlighter goroutine reads it through the content accessor during
// validation.
type winHighlighter struct {
	ctx    context.Context
	cancel context.CancelFunc
	d      *daemon
	id     int
	win    *acme.Win
	ts     *acmetext.TextSystem
	hl     *treelight.Highlighter
	unsub  func()

	mu   sync.Mutex
	body []byte
}

func newWinHighlighter(d *daemon, id int, lang string) (*winHighlighter, error) {
	w, err := acme.Open(id, nil)
	if err != nil {
		return nil, err
	}
	body, err := w.ReadAll("body")
	if err != nil {
		w.CloseFiles()
		return nil, err
	}

	ctx, cancel := context.WithCancel(d.ctx)
	wh := &winHighlighter{
		ctx:    ctx,
		cancel: cancel,
		d:      d,
		id:     id,
		win:    w,
		body:   body,
	}

	ts, err := acmetext.New(id, "treelight", wh.content, d.palette)
	if err != nil {
		cancel()
		w.CloseFiles()
		return nil, err
	}
	wh.ts = ts

	root, err := language.Builtin(lang)
	if err != nil {
		cancel()
		w.CloseFiles()
		return nil, err
	}
	hl, err := treelight.New(treelight.Config{
		Language:   root,
		Languages:  d.languages.Lookup,
		Palette:    d.palette,
		Content:    wh.content,
		TextSystem: ts,
		Logger:     logger.L(ctx).With(zap.Int("win", id)),
	})
	if err != nil {
		cancel()
		w.CloseFiles()
		return nil, err
	}
	wh.hl = hl
	wh.unsub = d.languages.Subscribe(func(name string) {
		wh.hl.LanguageConfigurationChanged(name)
	})
	return wh, nil
}

func (wh *winHighlighter) content() []byte {
	wh.mu.Lock()
	defer wh.mu.Unlock()
	return wh.body
}

func (wh *winHighlighter) stop() {
	wh.cancel()
}

// run follows the window's event file until the window is deleted or the
// daemon shuts down.  Taking the event file puts the window in event mode, so
// execute and look events are forwarded back to acme untouched.
func (wh *winHighlighter) run() {
	defer wh.d.wg.Done()
	defer wh.unsub()
	defer wh.hl.Close()
	defer wh.win.CloseFiles()
	log := logger.L(wh.ctx).With(zap.Int("win", wh.id))

	if err := wh.win.OpenEvent(); err != nil {
		log.Error("open event file", zap.Error(err))
		return
	}

	ch := make(chan *acme.Event)
	go func() {
		defer close(ch)
		for {
			e, err := wh.win.ReadEvent()
			if err != nil {
				return
			}
			select {
			case ch <- e:
			case <-wh.ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-wh.ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			var err error
			switch e.C2 {
			case 'x', 'X', 'l', 'L':
				err = wh.win.WriteEvent(e)
			case 'I':
				err = wh.applyInsert(e)
			case 'D':
				err = wh.applyDelete(e.Q0, e.Q1)
			default:
				continue
			}
			if err != nil {
				log.Warn("edit tracking lost; resyncing", zap.Error(err))
				if err := wh.resync(); err != nil {
					log.Error("resync", zap.Error(err))
					return
				}
			}
		}
	}
}

// applyInsert incorporates an insertion occupying runes [e.Q0, e.Q1) of the
// post-insert body.  Acme elides the text from large events; it is then
// fetched via xdata.
func (wh *winHighlighter) applyInsert(e *acme.Event) error {
	ins := e.Text
	if utf8.RuneCount(ins) != e.Q1-e.Q0 {
		if err := wh.win.Addr("#%d,#%d", e.Q0, e.Q1); err != nil {
			return err
		}
		var err error
		ins, err = wh.win.ReadAll("xdata")
		if err != nil {
			return err
		}
	}
	b0 := runeToByte(wh.content(), e.Q0)
	if err := wh.hl.WillChangeContent(rangeset.Range{Start: b0, End: b0}); err != nil {
		return err
	}
	wh.mu.Lock()
	body := make([]byte, 0, len(wh.body)+len(ins))
	body = append(body, wh.body[:b0]...)
	body = append(body, ins...)
	body = append(body, wh.body[b0:]...)
	wh.body = body
	wh.mu.Unlock()
	return wh.hl.DidChangeContent(rangeset.Range{Start: b0, End: b0 + len(ins)}, len(ins))
}

// applyDelete incorporates a deletion of runes [q0, q1) of the pre-edit body.
func (wh *winHighlighter) applyDelete(q0, q1 int) error {
	old := wh.content()
	b0 := runeToByte(old, q0)
	b1 := runeToByte(old, q1)
	if err := wh.hl.WillChangeContent(rangeset.Range{Start: b0, End: b1}); err != nil {
		return err
	}
	wh.mu.Lock()
	body := make([]byte, 0, len(wh.body)-(b1-b0))
	body = append(body, wh.body[:b0]...)
	body = append(body, wh.body[b1:]...)
	wh.body = body
	wh.mu.Unlock()
	return wh.hl.DidChangeContent(rangeset.Range{Start: b0, End: b0}, -(b1 - b0))
}

// resync re-reads the whole body and reports it as one replacing edit, which
// forces a full re-parse.
func (wh *winHighlighter) resync() error {
	fresh, err := wh.win.ReadAll("body")
	if err != nil {
		return err
	}
	old := wh.content()
	if err := wh.hl.WillChangeContent(rangeset.Range{Start: 0, End: len(old)}); err != nil {
		return err
	}
	wh.mu.Lock()
	wh.body = fresh
	wh.mu.Unlock()
	return wh.hl.DidChangeContent(rangeset.Range{Start: 0, End: len(fresh)}, len(fresh)-len(old))
}

func runeToByte(content []byte, runeOff int) int {
	off := 0
	for i := 0; i < runeOff && off < len(content); i++ {
		_, n := utf8.DecodeRune(content[off:])
		off += n
	}
	return off
}
