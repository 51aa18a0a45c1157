// Treelight highlights a source file and writes it to stdout with ANSI
// colors.  Language is inferred from the file extension unless -lang is
// given.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"path"

	"github.com/muesli/termenv"
	"go.uber.org/zap"

	"github.com/cptaffe/treelight"
	"github.com/cptaffe/treelight/language"
	"github.com/cptaffe/treelight/style"
	"github.com/cptaffe/treelight/textsystem"
)

func main() {
	langFlag := flag.String("lang", "", "language name (default: by extension)")
	paletteFile := flag.String("palette", "", "palette file (:name fg=#rrggbb ... lines)")
	verbose := flag.Bool("v", false, "verbose logging")
	flag.Parse()

	if flag.NArg() != 1 {
		fmt.Fprintf(os.Stderr, "usage: %s [-lang name] [-palette file] file\n", os.Args[0])
		os.Exit(2)
	}
	file := flag.Arg(0)

	var err error
	var l *zap.Logger
	if *verbose {
		l, err = zap.NewDevelopment()
	} else {
		l = zap.NewNop()
	}
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer l.Sync() //nolint:errcheck

	content, err := os.ReadFile(file)
	if err != nil {
		l.Fatal("read file", zap.String("path", file), zap.Error(err))
		return
	}

	langName := *langFlag
	if langName == "" {
		var ok bool
		langName, ok = language.ByExtension(path.Ext(file))
		if !ok {
			fmt.Fprintf(os.Stderr, "unknown extension %q; use -lang\n", path.Ext(file))
			os.Exit(1)
		}
	}

	palette := defaultPalette()
	if *paletteFile != "" {
		data, err := os.ReadFile(*paletteFile)
		if err != nil {
			l.Fatal("read palette", zap.String("path", *paletteFile), zap.Error(err))
			return
		}
		palette = style.ParsePalette(string(data))
	}

	root, err := language.Builtin(langName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "language %q: %v\n", langName, err)
		os.Exit(1)
	}

	buf := textsystem.NewBuffer(func() []byte { return content })
	hl, err := treelight.New(treelight.Config{
		Language:   root,
		Languages:  language.Builtin,
		Palette:    palette,
		Content:    func() []byte { return content },
		TextSystem: buf,
		Logger:     l,
	})
	if err != nil {
		l.Fatal("highlighter", zap.Error(err))
		return
	}
	defer hl.Close()

	if err := hl.Flush(); err != nil {
		l.Error("flush", zap.Error(err))
	}

	render(os.Stdout, content, buf.Runs(), palette)
}

// render writes content with each run wrapped in its palette entry's ANSI
// style.  Unstyled gaps pass through unmodified.
func render(w *os.File, content []byte, runs []style.Run, palette *style.Palette) {
	out := termenv.NewOutput(w)
	pos := 0
	for _, r := range runs {
		if r.Start > pos {
			w.Write(content[pos:r.Start]) //nolint:errcheck
		}
		e, ok := palette.Resolve(r.Name)
		if !ok {
			w.Write(content[r.Start:r.End]) //nolint:errcheck
			pos = r.End
			continue
		}
		s := out.String(string(content[r.Start:r.End]))
		if e.FG != "" {
			s = s.Foreground(out.Color(e.FG))
		}
		if e.BG != "" {
			s = s.Background(out.Color(e.BG))
		}
		if e.Bold {
			s = s.Bold()
		}
		if e.Italic {
			s = s.Italic()
		}
		if e.Underline {
			s = s.Underline()
		}
		fmt.Fprint(w, s)
		pos = r.End
	}
	if pos < len(content) {
		w.Write(content[pos:]) //nolint:errcheck
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
