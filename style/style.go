// Package style defines the attribute model shared by the highlighter engine
// and its text-system backends.
//
// A Palette is an ordered list of named attribute definitions.  Token names
// follow the dotted-scope convention ("keyword.control"); Resolve matches a
// token to a palette entry by exact name or by the longest registered dotted
// prefix, so a palette that only defines "keyword" still styles
// "keyword.control".
//
// Run and Format retain the acme-styles compositor wire format ("start length
// name" run lines, ":name fg=#rrggbb bold" palette lines) used by the acme
// text-system backend.
package style

import (
	"fmt"
	"strconv"
	"strings"
)

// Attributes is a visual style definition.
type Attributes struct {
	FontName  string // absolute font path, or ""
	FG        string // "#rrggbb", or ""
	BG        string // "#rrggbb", or ""
	Bold      bool
	Italic    bool
	Underline bool
}

// Equal reports whether a and b are identical visual definitions.
func (a Attributes) Equal(b Attributes) bool {
	return a == b
}

// PaletteEntry is a named visual style definition.
type PaletteEntry struct {
	Name string // e.g. "keyword" or "keyword.control"
	Attributes
}

// Run is a named style span.  Start and End are file-absolute byte offsets;
// End is exclusive.
type Run struct {
	Name  string
	Start int
	End   int // exclusive
}

// Palette is an ordered set of named attribute definitions.
type Palette struct {
	entries []PaletteEntry
	byName  map[string]int
}

// NewPalette builds a palette from entries.  A duplicate name replaces the
// earlier definition in place.
func NewPalette(entries ...PaletteEntry) *Palette {
	p := &Palette{byName: make(map[string]int, len(entries))}
	for _, e := range entries {
		p.Add(e)
	}
	return p
}

// Add appends or replaces the entry.
func (p *Palette) Add(e PaletteEntry) {
	if i, ok := p.byName[e.Name]; ok {
		p.entries[i] = e
		return
	}
	p.byName[e.Name] = len(p.entries)
	p.entries = append(p.entries, e)
}

// Entries returns the palette entries in registration order.
func (p *Palette) Entries() []PaletteEntry { return p.entries }

// Resolve maps a dotted token name to a palette entry, trying the exact name
// first and then successively shorter dotted prefixes:
//
//	"keyword.control" → "keyword" → not found
//
// The second return is false when no prefix matches; such tokens are
// transparent (no attributes applied).
func (p *Palette) Resolve(token string) (PaletteEntry, bool) {
	name := strings.TrimPrefix(token, "@")
	for {
		if i, ok := p.byName[name]; ok {
			return p.entries[i], true
		}
		dot := strings.LastIndex(name, ".")
		if dot < 0 {
			return PaletteEntry{}, false
		}
		name = name[:dot]
	}
}

// Format serialises palette entries and runs into the acme-styles wire
// format.  Offsets are written as-is; callers needing rune offsets convert
// before formatting.
func Format(palette []PaletteEntry, runs []Run) string {
	var sb strings.Builder
	for _, e := range palette {
		writePaletteLine(&sb, e)
	}
	for _, r := range runs {
		fmt.Fprintf(&sb, "%d %d %s\n", r.Start, r.End-r.Start, r.Name)
	}
	return sb.String()
}

func writePaletteLine(sb *strings.Builder, e PaletteEntry) {
	fmt.Fprintf(sb, ":%s", e.Name)
	if e.FontName != "" {
		fmt.Fprintf(sb, " font=%s", e.FontName)
	}
	if e.FG != "" {
		fmt.Fprintf(sb, " fg=%s", e.FG)
	}
	if e.BG != "" {
		fmt.Fprintf(sb, " bg=%s", e.BG)
	}
	if e.Bold {
		sb.WriteString(" bold")
	}
	if e.Italic {
		sb.WriteString(" italic")
	}
	if e.Underline {
		sb.WriteString(" underline")
	}
	sb.WriteByte('\n')
}

// ParsePalette parses a palette file: one ":name [prop ...]" line per entry,
// blank lines and "#" comments ignored.
func ParsePalette(content string) *Palette {
	p := NewPalette()
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if !strings.HasPrefix(line, ":") {
			continue
		}
		if e, ok := parsePaletteLine(line[1:]); ok {
			p.Add(e)
		}
	}
	return p
}

// parsePaletteLine parses "name [prop ...]" (after the leading ':' is stripped).
func parsePaletteLine(line string) (PaletteEntry, bool) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return PaletteEntry{}, false
	}
	e := PaletteEntry{Name: fields[0]}
	for _, tok := range fields[1:] {
		switch {
		case tok == "bold":
			e.Bold = true
		case tok == "italic":
			e.Italic = true
		case tok == "underline":
			e.Underline = true
		case strings.HasPrefix(tok, "font="):
			e.FontName = tok[5:]
		case strings.HasPrefix(tok, "fg="):
			e.FG = tok[3:]
		case strings.HasPrefix(tok, "bg="):
			e.BG = tok[3:]
		}
	}
	return e, true
}

// ParseRuns parses run lines of the form "start length name".
func ParseRuns(content string) []Run {
	var runs []Run
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ":") {
			continue
		}
		if r, ok := parseRunLine(line); ok {
			runs = append(runs, r)
		}
	}
	return runs
}

// parseRunLine parses "start length name".
func parseRunLine(line string) (Run, bool) {
	fields := strings.Fields(line)
	if len(fields) < 3 {
		return Run{}, false
	}
	start, err := strconv.Atoi(fields[0])
	if err != nil {
		return Run{}, false
	}
	length, err := strconv.Atoi(fields[1])
	if err != nil || length <= 0 {
		return Run{}, false
	}
	return Run{Name: fields[2], Start: start, End: start + length}, true
}
