// Treelight-acme highlights acme windows.  It follows the acme log, attaches
// a highlighter to every window whose name has a recognized extension, and
// writes runs to the acme-styles compositor as the window body changes.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"path"
	"sync"
	"syscall"
	"time"

	"9fans.net/go/acme"
	"go.uber.org/zap"

	"github.com/cptaffe/treelight/language"
	"github.com/cptaffe/treelight/logger"
	"github.com/cptaffe/treelight/style"
)

func main() {
	paletteFile := flag.String("palette", "", "palette file (:name fg=#rrggbb ... lines)")
	verbose := flag.Bool("v", false, "verbose logging")
	flag.Parse()

	var err error
	var l *zap.Logger
	if *verbose {
		l, err = zap.NewDevelopment()
	} else {
		l, err = zap.NewProduction()
	}
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	zap.ReplaceGlobals(l)
	defer l.Sync() //nolint:errcheck

	palette := defaultPalette()
	if *paletteFile != "" {
		data, err := os.ReadFile(*paletteFile)
		if err != nil {
			l.Fatal("read palette", zap.String("path", *paletteFile), zap.Error(err))
		}
		palette = style.ParsePalette(string(data))
		l.Info("loaded palette",
			zap.Int("entries", len(palette.Entries())),
			zap.String("path", *paletteFile))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logger.NewContext(ctx, l)

	d := &daemon{
		ctx:       ctx,
		palette:   palette,
		languages: language.NewBuiltinRegistry(),
		wins:      make(map[int]*winHighlighter),
	}
	d.watchLog()

	l.Info("shutting down; waiting for window goroutines")
	done := make(chan struct{})
	go func() { d.wg.Wait(); close(done) }()
	select {
	case <-done:
		l.Info("shutdown complete")
	case <-time.After(5 * time.Second):
		l.Warn("shutdown timed out; exiting anyway")
	}
}

type daemon struct {
	ctx       context.Context
	palette   *style.Palette
	languages *language.Registry
	wg        sync.WaitGroup

	mu   sync.Mutex
	wins map[int]*winHighlighter
}

// watchLog seeds window state from acme and then streams opens/closes.
//
// acme.Windows() and acme.Log() are retried with backoff: when a previous
// process exits abruptly, the 9P proxy may still be sending Tclunk messages
// for its outstanding fids, leaving acme's fid table temporarily busy.
//
// lr.Read() is a blocking call; each call is wrapped in a goroutine selected
// against ctx.Done() so that a signal causes a clean exit.
func (d *daemon) watchLog() {
	l := logger.L(d.ctx)

	wins, err := retryOn(d.ctx, 10, 200*time.Millisecond, acme.Windows)
	if err != nil {
		l.Fatal("acme.Windows", zap.Error(err))
	}
	for _, w := range wins {
		d.addWin(w.ID, w.Name)
	}

	lr, err := retryOn(d.ctx, 10, 200*time.Millisecond, acme.Log)
	if err != nil {
		l.Fatal("acme.Log", zap.Error(err))
	}
	defer lr.Close()

	type logResult struct {
		ev  acme.LogEvent
		err error
	}
	ch := make(chan logResult, 1)

	readNext := func() {
		go func() {
			ev, err := lr.Read()
			ch <- logResult{ev, err}
		}()
	}
	readNext()

	for {
		select {
		case <-d.ctx.Done():
			return
		case res := <-ch:
			if res.err != nil {
				if d.ctx.Err() != nil {
					return
				}
				l.Fatal("acme log", zap.Error(res.err))
			}
			switch res.ev.Op {
			case "new":
				d.addWin(res.ev.ID, res.ev.Name)
			case "del":
				d.delWin(res.ev.ID)
			}
			readNext()
		}
	}
}

// addWin starts a highlighter for the window if its name maps to a known
// language.  Windows with unrecognized extensions are ignored.
func (d *daemon) addWin(id int, name string) {
	lang, ok := language.ByExtension(path.Ext(name))
	if !ok {
		return
	}
	d.mu.Lock()
	if _, exists := d.wins[id]; exists {
		d.mu.Unlock()
		return
	}
	d.mu.Unlock()

	wh, err := newWinHighlighter(d, id, lang)
	if err != nil {
		logger.L(d.ctx).Error("attach window",
			zap.Int("win", id), zap.String("lang", lang), zap.Error(err))
		return
	}

	d.mu.Lock()
	d.wins[id] = wh
	d.mu.Unlock()

	d.wg.Add(1)
	go wh.run()
	logger.L(d.ctx).Info("tracking window",
		zap.Int("win", id), zap.String("lang", lang), zap.String("name", name))
}

func (d *daemon) delWin(id int) {
	d.mu.Lock()
	wh := d.wins[id]
	delete(d.wins, id)
	d.mu.Unlock()
	if wh != nil {
		wh.stop()
	}
}

func defaultPalette() *style.Palette {
	return style.NewPalette(
		style.PaletteEntry{Name: "comment", Attributes: style.Attributes{FG: "#6a9955", Italic: true}},
		style.PaletteEntry{Name: "string", Attributes: style.Attributes{FG: "#ce9178"}},
		style.PaletteEntry{Name: "number", Attributes: style.Attributes{FG: "#b5cea8"}},
		style.PaletteEntry{Name: "keyword", Attributes: style.Attributes{FG: "#569cd6", Bold: true}},
		style.PaletteEntry{Name: "function", Attributes: style.Attributes{FG: "#dcdcaa"}},
		style.PaletteEntry{Name: "type", Attributes: style.Attributes{FG: "#4ec9b0"}},
		style.PaletteEntry{Name: "constant", Attributes: style.Attributes{FG: "#4fc1ff"}},
		style.PaletteEntry{Name: "operator", Attributes: style.Attributes{FG: "#d4d4d4"}},
		style.PaletteEntry{Name: "tag", Attributes: style.Attributes{FG: "#569cd6"}},
		style.PaletteEntry{Name: "attribute", Attributes: style.Attributes{FG: "#9cdcfe"}},
	)
}

// retryOn calls fn repeatedly until it succeeds, the context is cancelled,
// or maxAttempts is exhausted.  Between each attempt it waits delay.
func retryOn[T any](ctx context.Context, maxAttempts int, delay time.Duration, fn func() (T, error)) (T, error) {
	var (
		zero T
		err  error
	)
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		var v T
		v, err = fn()
		if err == nil {
			return v, nil
		}
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(delay):
		}
	}
	return zero, err
}
