// Package acmetext backs a highlighter with an acme window, writing runs to
// the acme-styles compositor.
//
// The compositor is a 9P file server that maintains named layers of
// highlight runs per acme window and composes them into a single style
// stream written to acme's N/style file.  A single 9P connection is shared
// across all windows in the process and re-established on first use after
// any error.
package acmetext

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"unicode/utf8"

	"9fans.net/go/plan9"
	"9fans.net/go/plan9/client"

	"github.com/cptaffe/treelight/rangeset"
	"github.com/cptaffe/treelight/style"
	"github.com/cptaffe/treelight/textsystem"
)

// ---- connection management ----

var (
	connMu sync.Mutex
	fsys   *client.Fsys
)

// currentFsys returns the cached connection to acme-styles, connecting on
// first use or after a previous connection error has been reset.
func currentFsys() (*client.Fsys, error) {
	connMu.Lock()
	defer connMu.Unlock()
	if fsys != nil {
		return fsys, nil
	}
	fs, err := client.MountService("acme-styles")
	if err != nil {
		return nil, err
	}
	fsys = fs
	return fs, nil
}

// resetFsys clears the cached connection so the next call to currentFsys
// will reconnect.  Call this when any operation returns a connection error.
func resetFsys() {
	connMu.Lock()
	fsys = nil
	connMu.Unlock()
}

// TextSystem adapts one acme window to the textsystem.Interface.  Offsets on
// the engine side are byte offsets into the content accessor; the compositor
// wire format uses rune offsets, so runs are converted at write time.
//
// All methods must be called from a single goroutine (the highlighter's
// caller), matching the textsystem.Interface contract.
type TextSystem struct {
	winID   int
	layerID int
	name    string // for re-allocation after compositor restart
	content func() []byte
	palette *style.Palette

	mu      sync.Mutex
	runs    []style.Run
	visible rangeset.Range
	hasVis  bool
}

var _ textsystem.Interface = (*TextSystem)(nil)

// New returns a text system for the named layer on winID, creating and
// naming the layer in the compositor if it does not already exist.  content
// must return the window body bytes; palette supplies the definitions sent
// alongside runs.  Returns an error only if acme-styles is unreachable.
func New(winID int, name string, content func() []byte, palette *style.Palette) (*TextSystem, error) {
	fs, err := currentFsys()
	if err != nil {
		return nil, err
	}
	layID, err := findOrCreate(fs, winID, name)
	if err != nil {
		resetFsys()
		return nil, err
	}
	return &TextSystem{
		winID:   winID,
		layerID: layID,
		name:    name,
		content: content,
		palette: palette,
	}, nil
}

// Length reports the current content length in bytes.
func (t *TextSystem) Length() int {
	return len(t.content())
}

// ApplyStyles replaces the runs within app.Range and rewrites the layer.
// Opening the layer's style file OWRITE causes the compositor to clear and
// replace its contents atomically; a compositor flush fires at fid clunk.
func (t *TextSystem) ApplyStyles(app textsystem.TokenApplication) error {
	t.mu.Lock()
	kept := make([]style.Run, 0, len(t.runs)+len(app.Runs))
	for _, r := range t.runs {
		if r.End <= app.Range.Start {
			kept = append(kept, r)
		}
	}
	kept = append(kept, app.Runs...)
	for _, r := range t.runs {
		if r.Start >= app.Range.End {
			kept = append(kept, r)
		}
	}
	t.runs = kept
	text := t.format()
	t.mu.Unlock()
	return t.write(text)
}

// SetVisibleRange records the byte range the host currently displays.
func (t *TextSystem) SetVisibleRange(r rangeset.Range) {
	t.mu.Lock()
	t.visible = r
	t.hasVis = true
	t.mu.Unlock()
}

// VisibleRange returns the recorded viewport, falling back to the window's
// dot when none has been set.
func (t *TextSystem) VisibleRange() (rangeset.Range, bool) {
	t.mu.Lock()
	v, ok := t.visible, t.hasVis
	t.mu.Unlock()
	if ok {
		return v, true
	}
	q0, q1, err := readDot(t.winID)
	if err != nil {
		return rangeset.Range{}, false
	}
	content := t.content()
	return rangeset.Range{
		Start: byteOffset(content, q0),
		End:   byteOffset(content, q1),
	}, true
}

// Delete removes the layer from the compositor.  Call on graceful shutdown
// so highlights don't linger in open windows.  Best-effort.
func (t *TextSystem) Delete() {
	t.ctl("delete\n")
}

// Clear removes all runs from the layer.  Best-effort.
func (t *TextSystem) Clear() {
	t.mu.Lock()
	t.runs = t.runs[:0]
	t.mu.Unlock()
	t.ctl("clear\n")
}

// format renders the palette and current runs in the compositor wire format,
// converting byte offsets to rune offsets.  Caller holds t.mu.
func (t *TextSystem) format() string {
	content := t.content()
	converted := make([]style.Run, 0, len(t.runs))
	for _, r := range t.runs {
		q0 := runeOffset(content, r.Start)
		q1 := runeOffset(content, r.End)
		if q1 <= q0 {
			continue
		}
		converted = append(converted, style.Run{Name: r.Name, Start: q0, End: q1})
	}
	return style.Format(t.palette.Entries(), converted)
}

// write sends layer text to the compositor.  If the layer is gone
// (compositor restarted), it is re-allocated and the write retried once.
func (t *TextSystem) write(text string) error {
	fs, err := currentFsys()
	if err != nil {
		return err
	}
	stylePath := fmt.Sprintf("%d/layers/%d/style", t.winID, t.layerID)
	fid, err := fs.Open(stylePath, plan9.OWRITE)
	if err != nil {
		resetFsys()
		fs, err = currentFsys()
		if err != nil {
			return err
		}
		newID, err2 := findOrCreate(fs, t.winID, t.name)
		if err2 != nil {
			resetFsys()
			return fmt.Errorf("re-alloc layer: %w", err2)
		}
		t.layerID = newID
		fid, err = fs.Open(fmt.Sprintf("%d/layers/%d/style", t.winID, t.layerID), plan9.OWRITE)
		if err != nil {
			resetFsys()
			return err
		}
	}
	defer fid.Close()
	if _, err := fid.Write([]byte(text)); err != nil {
		resetFsys()
		return err
	}
	return nil
}

// ctl writes cmd to the layer's ctl file; best-effort.
func (t *TextSystem) ctl(cmd string) {
	fs, err := currentFsys()
	if err != nil {
		return
	}
	fid, err := fs.Open(fmt.Sprintf("%d/layers/%d/ctl", t.winID, t.layerID), plan9.OWRITE)
	if err != nil {
		resetFsys()
		return
	}
	if _, err := fid.Write([]byte(cmd)); err != nil {
		resetFsys()
	}
	fid.Close()
}

// ---- offset conversion ----

func runeOffset(content []byte, byteOff int) int {
	if byteOff > len(content) {
		byteOff = len(content)
	}
	return utf8.RuneCount(content[:byteOff])
}

func byteOffset(content []byte, runeOff int) int {
	off := 0
	for i := 0; i < runeOff && off < len(content); i++ {
		_, n := utf8.DecodeRune(content[off:])
		off += n
	}
	return off
}

// ---- compositor helpers ----

// find looks up a layer by name in the window's layers/index.
func find(fs *client.Fsys, winID int, name string) (int, bool) {
	fid, err := fs.Open(fmt.Sprintf("%d/layers/index", winID), plan9.OREAD)
	if err != nil {
		return 0, false
	}
	data, err := io.ReadAll(fid)
	fid.Close()
	if err != nil {
		return 0, false
	}
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) == 2 && fields[1] == name {
			id, err := strconv.Atoi(fields[0])
			if err == nil {
				return id, true
			}
		}
	}
	return 0, false
}

// findOrCreate returns the ID of the named layer, creating and naming it if
// it does not already exist.
func findOrCreate(fs *client.Fsys, winID int, name string) (int, error) {
	if id, ok := find(fs, winID, name); ok {
		return id, nil
	}

	newFid, err := fs.Open(fmt.Sprintf("%d/layers/new", winID), plan9.OREAD)
	if err != nil {
		return 0, fmt.Errorf("open layers/new: %w", err)
	}
	data, err := io.ReadAll(newFid)
	newFid.Close()
	if err != nil {
		return 0, fmt.Errorf("read layers/new: %w", err)
	}
	layID, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("parse layer id %q: %w", string(data), err)
	}

	nameFid, err := fs.Open(fmt.Sprintf("%d/layers/%d/name", winID, layID), plan9.OWRITE)
	if err != nil {
		return 0, fmt.Errorf("open layer name: %w", err)
	}
	nameFid.Write([]byte(name)) //nolint:errcheck
	nameFid.Close()

	return layID, nil
}

// readDot returns the current dot [q0, q1) in rune offsets for winID, via
// acme's own 9P service.  The addr fid is opened before the ctl write so the
// nopen 0→1 transition does not reset the address.
func readDot(winID int) (q0, q1 int, err error) {
	acmefs, err := client.MountService("acme")
	if err != nil {
		return 0, 0, err
	}

	addrFid, err := acmefs.Open(fmt.Sprintf("%d/addr", winID), plan9.OREAD)
	if err != nil {
		return 0, 0, fmt.Errorf("open addr: %w", err)
	}
	defer addrFid.Close()

	ctlFid, err := acmefs.Open(fmt.Sprintf("%d/ctl", winID), plan9.OWRITE)
	if err != nil {
		return 0, 0, fmt.Errorf("open ctl: %w", err)
	}
	_, err = ctlFid.Write([]byte("addr=dot"))
	ctlFid.Close()
	if err != nil {
		return 0, 0, fmt.Errorf("write addr=dot: %w", err)
	}

	buf := make([]byte, 40)
	n, _ := addrFid.Read(buf)
	if _, err := fmt.Sscanf(strings.TrimSpace(string(buf[:n])), "%d %d", &q0, &q1); err != nil {
		return 0, 0, fmt.Errorf("parse addr %q: %w", string(buf[:n]), err)
	}
	return q0, q1, nil
}
