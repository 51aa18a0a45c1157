package treelight

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cptaffe/treelight/language"
	"github.com/cptaffe/treelight/rangeset"
	"github.com/cptaffe/treelight/style"
	"github.com/cptaffe/treelight/textsystem"
)

func testPalette() *style.Palette {
	return style.NewPalette(
		style.PaletteEntry{Name: "keyword", Attributes: style.Attributes{FG: "#569cd6"}},
		style.PaletteEntry{Name: "comment", Attributes: style.Attributes{FG: "#6a9955"}},
		style.PaletteEntry{Name: "string", Attributes: style.Attributes{FG: "#ce9178"}},
		style.PaletteEntry{Name: "number", Attributes: style.Attributes{FG: "#b5cea8"}},
		style.PaletteEntry{Name: "function", Attributes: style.Attributes{FG: "#dcdcaa"}},
		style.PaletteEntry{Name: "type", Attributes: style.Attributes{FG: "#4ec9b0"}},
		style.PaletteEntry{Name: "tag", Attributes: style.Attributes{FG: "#569cd6"}},
		style.PaletteEntry{Name: "attribute", Attributes: style.Attributes{FG: "#9cdcfe"}},
		style.PaletteEntry{Name: "constant", Attributes: style.Attributes{FG: "#4fc1ff"}},
		style.PaletteEntry{Name: "operator", Attributes: style.Attributes{FG: "#d4d4d4"}},
	)
}

// doc is a mutable document wired to a highlighter and the in-memory buffer.
type doc struct {
	t   *testing.T
	mu  sync.Mutex
	src []byte
	buf *textsystem.Buffer
	hl  *Highlighter
}

func newDoc(t *testing.T, lang, src string) *doc {
	t.Helper()
	cfg, err := language.Builtin(lang)
	require.NoError(t, err)

	d := &doc{t: t, src: []byte(src)}
	d.buf = textsystem.NewBuffer(d.content)
	d.hl, err = New(Config{
		Language:   cfg,
		Languages:  language.Builtin,
		Palette:    testPalette(),
		Content:    d.content,
		TextSystem: d.buf,
	})
	require.NoError(t, err)
	t.Cleanup(d.hl.Close)
	require.NoError(t, d.hl.Flush())
	return d
}

func (d *doc) content() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.src
}

func (d *doc) replace(start, end int, text string) {
	d.t.Helper()
	require.NoError(d.t, d.hl.WillChangeContent(rangeset.Range{Start: start, End: end}))
	d.mu.Lock()
	body := make([]byte, 0, len(d.src)-(end-start)+len(text))
	body = append(body, d.src[:start]...)
	body = append(body, text...)
	body = append(body, d.src[end:]...)
	d.src = body
	d.mu.Unlock()
	require.NoError(d.t, d.hl.DidChangeContent(rangeset.Range{Start: start, End: start + len(text)}, len(text)-(end-start)))
}

// runAt finds the applied run covering the first occurrence of text.
func (d *doc) runAt(text string) (style.Run, bool) {
	off := strings.Index(string(d.content()), text)
	if off < 0 {
		return style.Run{}, false
	}
	for _, r := range d.buf.Runs() {
		if off >= r.Start && off < r.End {
			return r, true
		}
	}
	return style.Run{}, false
}

const goSrc = "package main\n\n// greet\nfunc main() {\n\tx := 1\n\t_ = x\n}\n"

func TestHighlighter_InitialStyling(t *testing.T) {
	d := newDoc(t, "go", goSrc)

	for text, want := range map[string]string{
		"package":  "keyword",
		"// greet": "comment",
		"1":        "number",
	} {
		r, ok := d.runAt(text)
		require.True(t, ok, "no run covering %q", text)
		require.Equal(t, want, r.Name)
	}
}

func TestHighlighter_EditRestyles(t *testing.T) {
	d := newDoc(t, "go", goSrc)

	off := strings.Index(goSrc, "1")
	d.replace(off, off+1, `"hello"`)
	require.NoError(t, d.hl.Flush())

	r, ok := d.runAt(`"hello"`)
	require.True(t, ok)
	require.Equal(t, "string", r.Name)
}

func TestHighlighter_EditShiftsLaterRuns(t *testing.T) {
	d := newDoc(t, "go", goSrc)
	before, ok := d.runAt("1")
	require.True(t, ok, "the number literal is styled")
	require.Equal(t, "number", before.Name)

	// Grow the comment above; everything below shifts right.
	off := strings.Index(goSrc, "greet")
	d.replace(off, off, "loudly ")
	require.NoError(t, d.hl.Flush())

	after, ok := d.runAt("1")
	require.True(t, ok)
	require.Equal(t, before.Name, after.Name)
	require.Equal(t, before.Start+len("loudly "), after.Start, "runs after the edit shift by its length")
}

func TestHighlighter_DebounceCoalesces(t *testing.T) {
	cfg, err := language.Builtin("go")
	require.NoError(t, err)

	d := &doc{t: t, src: []byte(goSrc)}
	d.buf = textsystem.NewBuffer(d.content)
	d.hl, err = New(Config{
		Language:   cfg,
		Languages:  language.Builtin,
		Palette:    testPalette(),
		Content:    d.content,
		TextSystem: d.buf,
		// Long enough that the timer cannot fire mid-burst.
		ValidateDelay: time.Hour,
	})
	require.NoError(t, err)
	t.Cleanup(d.hl.Close)
	require.NoError(t, d.hl.Flush())
	applies := d.buf.Applications()

	// A burst of edits inside the comment.
	off := strings.Index(goSrc, "greet")
	for i := 0; i < 5; i++ {
		d.replace(off, off, "e")
	}
	require.NoError(t, d.hl.Flush())

	require.LessOrEqual(t, d.buf.Applications()-applies, 1,
		"a burst of edits coalesces into at most one application")
}

func TestHighlighter_InvalidateAll(t *testing.T) {
	d := newDoc(t, "go", goSrc)
	applies := d.buf.Applications()

	d.hl.InvalidateAll()
	require.NoError(t, d.hl.Flush())
	require.Equal(t, applies, d.buf.Applications(),
		"revalidating unchanged content applies nothing")
}

func TestHighlighter_Flush_Idempotent(t *testing.T) {
	d := newDoc(t, "go", goSrc)
	applies := d.buf.Applications()
	require.NoError(t, d.hl.Flush())
	require.NoError(t, d.hl.Flush())
	require.Equal(t, applies, d.buf.Applications())
}

func TestHighlighter_HTMLInjectionStyling(t *testing.T) {
	src := "<html><body><script>var x = 10;</script></body></html>\n"
	d := newDoc(t, "html", src)

	r, ok := d.runAt("body")
	require.True(t, ok)
	require.Equal(t, "tag", r.Name)

	r, ok = d.runAt("var")
	require.True(t, ok, "script content styled by the JavaScript layer")
	require.Equal(t, "keyword", r.Name)
}

func TestHighlighter_PendingLanguageStylesOnReady(t *testing.T) {
	src := "<html><body><script>var x = 10;</script></body></html>\n"

	var mu sync.Mutex
	pending := true
	provider := func(name string) (*language.Config, error) {
		mu.Lock()
		p := pending
		mu.Unlock()
		if name == "javascript" && p {
			return nil, language.ErrPending
		}
		return language.Builtin(name)
	}

	cfg, err := language.Builtin("html")
	require.NoError(t, err)
	d := &doc{t: t, src: []byte(src)}
	d.buf = textsystem.NewBuffer(d.content)
	d.hl, err = New(Config{
		Language:   cfg,
		Languages:  provider,
		Palette:    testPalette(),
		Content:    d.content,
		TextSystem: d.buf,
	})
	require.NoError(t, err)
	t.Cleanup(d.hl.Close)
	require.NoError(t, d.hl.Flush())

	_, ok := d.runAt("var")
	require.False(t, ok, "pending injection is unstyled")

	mu.Lock()
	pending = false
	mu.Unlock()
	d.hl.LanguageConfigurationChanged("javascript")
	require.NoError(t, d.hl.Flush())

	r, ok := d.runAt("var")
	require.True(t, ok)
	require.Equal(t, "keyword", r.Name)
}

func TestHighlighter_VisibleContentDidChange(t *testing.T) {
	d := newDoc(t, "go", goSrc)
	d.buf.SetVisibleRange(rangeset.Range{Start: 0, End: 10})
	d.hl.VisibleContentDidChange()
	require.NoError(t, d.hl.Flush())

	r, ok := d.runAt("package")
	require.True(t, ok)
	require.Equal(t, "keyword", r.Name)
}

func TestHighlighter_ConfigValidation(t *testing.T) {
	cfg, err := language.Builtin("go")
	require.NoError(t, err)

	_, err = New(Config{})
	require.Error(t, err)
	require.Contains(t, err.Error(), "Language is required")
	require.Contains(t, err.Error(), "Palette is required")
	require.Contains(t, err.Error(), "Content is required")

	hl, err := New(Config{
		Language: cfg,
		Palette:  testPalette(),
		Content:  func() []byte { return []byte(goSrc) },
	})
	require.NoError(t, err, "text system and provider are optional")
	hl.Close()
}

func TestHighlighter_CloseRejectsLaterCalls(t *testing.T) {
	d := newDoc(t, "go", goSrc)
	d.hl.Close()
	err := d.hl.WillChangeContent(rangeset.Range{})
	require.Error(t, err)
	// Close is part of the Cleanup too; a second Close must not hang.
}

func TestHighlighter_ValidateDelayElapses(t *testing.T) {
	cfg, err := language.Builtin("go")
	require.NoError(t, err)

	d := &doc{t: t, src: []byte(goSrc)}
	d.buf = textsystem.NewBuffer(d.content)
	d.hl, err = New(Config{
		Language:      cfg,
		Languages:     language.Builtin,
		Palette:       testPalette(),
		Content:       d.content,
		TextSystem:    d.buf,
		ValidateDelay: time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(d.hl.Close)

	require.Eventually(t, func() bool {
		_, ok := d.runAt("package")
		return ok
	}, time.Second, time.Millisecond, "validation fires from the debounce timer without Flush")
}
