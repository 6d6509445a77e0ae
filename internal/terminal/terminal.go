// Package terminal turns a terminal output byte stream into a screen model
// and keystrokes into input bytes. It implements the subset of VT100/xterm
// an interactive shell and common full-screen programs rely on.
package terminal

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/mattn/go-runewidth"
)

const (
	DefaultCols = 80
	DefaultRows = 24
	tabWidth    = 8
)

// ErrInvalidSize is returned for a non-positive resize.
var ErrInvalidSize = errors.New("terminal size must be positive")

// Options configure a Terminal. Zero values select the defaults.
type Options struct {
	Cols       int
	Rows       int
	Scrollback int

	// OnResize is called after every successful Resize, outside the lock.
	OnResize func(cols, rows int)
	// OnBell is called for each BEL.
	OnBell func()
	// OnReply receives bytes the terminal sends back to the host, such as
	// cursor position reports.
	OnReply func([]byte)
}

type savedCursor struct {
	row, col int
	attrs    Attrs
	set      bool
}

// Terminal is a screen buffer driven by terminal output. It is safe for
// concurrent use; each Write is applied atomically, token by token.
type Terminal struct {
	mu sync.Mutex

	parser Parser
	cols   int
	rows   int

	main   *screen
	alt    *screen
	active *screen

	history *scrollback

	cursor      Cursor
	wrapPending bool
	attrs       Attrs
	saved       savedCursor
	altSaved    savedCursor

	top, bottom int

	autowrap  bool
	appCursor bool
	title     string
	bells     int

	onResize func(cols, rows int)
	onBell   func()
	onReply  func([]byte)
}

// New returns a blank terminal.
func New(opts Options) *Terminal {
	cols, rows := opts.Cols, opts.Rows
	if cols <= 0 {
		cols = DefaultCols
	}
	if rows <= 0 {
		rows = DefaultRows
	}
	sb := opts.Scrollback
	if sb == 0 {
		sb = DefaultScrollback
	}

	t := &Terminal{
		cols:     cols,
		rows:     rows,
		history:  newScrollback(sb),
		onResize: opts.OnResize,
		onBell:   opts.OnBell,
		onReply:  opts.OnReply,
	}
	t.resetLocked()
	return t
}

func (t *Terminal) resetLocked() {
	t.main = newScreen(t.cols, t.rows)
	t.alt = nil
	t.active = t.main
	t.cursor = Cursor{Visible: true}
	t.wrapPending = false
	t.attrs = Attrs{}
	t.saved = savedCursor{}
	t.altSaved = savedCursor{}
	t.top, t.bottom = 0, t.rows-1
	t.autowrap = true
	t.appCursor = false
}

// Write feeds terminal output. It never fails.
func (t *Terminal) Write(p []byte) (int, error) {
	t.mu.Lock()
	var fx effects
	for _, tok := range t.parser.Feed(p) {
		t.apply(tok, &fx)
	}
	t.mu.Unlock()

	fx.run(t)
	return len(p), nil
}

// effects are callbacks collected under the lock and run after it.
type effects struct {
	bells   int
	replies [][]byte
}

func (fx *effects) run(t *Terminal) {
	if t.onBell != nil {
		for i := 0; i < fx.bells; i++ {
			t.onBell()
		}
	}
	if t.onReply != nil {
		for _, r := range fx.replies {
			t.onReply(r)
		}
	}
}

func (t *Terminal) apply(tok Token, fx *effects) {
	switch tok.Kind {
	case TokenText:
		for _, r := range tok.Text {
			t.print(r)
		}
	case TokenControl:
		t.control(tok.Final, fx)
	case TokenCSI:
		t.csi(tok, fx)
	case TokenEscape:
		t.escape(tok)
	case TokenOSC:
		t.osc(tok.Text)
	}
}

func (t *Terminal) blank() Cell {
	return Cell{Rune: ' ', Attrs: Attrs{BG: t.attrs.BG}}
}

func (t *Terminal) print(r rune) {
	w := runewidth.RuneWidth(r)
	if w == 0 {
		return
	}
	if w > t.cols {
		w = 1
	}

	if t.wrapPending || t.cursor.Col+w > t.cols {
		if t.autowrap {
			t.cursor.Col = 0
			t.lineFeed()
		} else {
			t.cursor.Col = t.cols - w
		}
		t.wrapPending = false
	}

	row := t.active.row(t.cursor.Row)
	row[t.cursor.Col] = Cell{Rune: r, Attrs: t.attrs}
	if w == 2 {
		row[t.cursor.Col+1] = Cell{Rune: 0, Attrs: t.attrs}
	}

	if t.cursor.Col+w >= t.cols {
		t.cursor.Col = t.cols - 1
		t.wrapPending = true
		return
	}
	t.cursor.Col += w
}

func (t *Terminal) control(b byte, fx *effects) {
	switch b {
	case 0x07:
		t.bells++
		fx.bells++
	case 0x08:
		if t.cursor.Col > 0 {
			t.cursor.Col--
		}
		t.wrapPending = false
	case 0x09:
		next := (t.cursor.Col/tabWidth + 1) * tabWidth
		t.cursor.Col = min(next, t.cols-1)
		t.wrapPending = false
	case 0x0a, 0x0b, 0x0c:
		t.lineFeed()
	case 0x0d:
		t.cursor.Col = 0
		t.wrapPending = false
	}
}

// lineFeed moves down one row, scrolling the region when the cursor sits
// on its bottom margin.
func (t *Terminal) lineFeed() {
	t.wrapPending = false
	switch {
	case t.cursor.Row == t.bottom:
		t.scrollUp(1)
	case t.cursor.Row < t.rows-1:
		t.cursor.Row++
	}
}

func (t *Terminal) reverseIndex() {
	t.wrapPending = false
	switch {
	case t.cursor.Row == t.top:
		t.active.scrollDown(t.top, t.bottom, 1, t.blank())
	case t.cursor.Row > 0:
		t.cursor.Row--
	}
}

// scrollUp scrolls the region. Lines leaving the top of the main screen go
// to scrollback only when the region starts at the first row.
func (t *Terminal) scrollUp(n int) {
	keep := t.active == t.main && t.top == 0
	for _, line := range t.active.scrollUp(t.top, t.bottom, n, t.blank(), keep) {
		t.history.push(line)
	}
}

func (t *Terminal) escape(tok Token) {
	if tok.Intermediates != "" {
		// Character set designations and similar are accepted and ignored.
		return
	}
	switch tok.Final {
	case '7':
		t.saveCursor()
	case '8':
		t.restoreCursor()
	case 'D':
		t.lineFeed()
	case 'E':
		t.cursor.Col = 0
		t.lineFeed()
	case 'M':
		t.reverseIndex()
	case 'c':
		t.resetLocked()
		t.history.clear()
	}
}

func (t *Terminal) osc(payload string) {
	code, text, _ := strings.Cut(payload, ";")
	switch code {
	case "0", "2":
		t.title = text
	}
}

func (t *Terminal) saveCursor() {
	t.saved = savedCursor{row: t.cursor.Row, col: t.cursor.Col, attrs: t.attrs, set: true}
}

func (t *Terminal) restoreCursor() {
	t.restoreFrom(t.saved)
}

func (t *Terminal) restoreFrom(s savedCursor) {
	t.wrapPending = false
	if !s.set {
		t.cursor.Row, t.cursor.Col = 0, 0
		t.attrs = Attrs{}
		return
	}
	t.cursor.Row = clamp(s.row, 0, t.rows-1)
	t.cursor.Col = clamp(s.col, 0, t.cols-1)
	t.attrs = s.attrs
}

// enterAlternate swaps in a fresh blank alternate screen.
func (t *Terminal) enterAlternate(saveCursor bool) {
	if t.active == t.alt {
		return
	}
	if saveCursor {
		t.altSaved = savedCursor{row: t.cursor.Row, col: t.cursor.Col, attrs: t.attrs, set: true}
	}
	t.alt = newScreen(t.cols, t.rows)
	t.active = t.alt
	if saveCursor {
		t.cursor.Row, t.cursor.Col = 0, 0
	}
	t.wrapPending = false
}

// exitAlternate restores the main screen exactly as it was and discards the
// alternate content.
func (t *Terminal) exitAlternate(restoreCursor bool) {
	if t.active != t.alt {
		return
	}
	t.active = t.main
	t.alt = nil
	if restoreCursor {
		t.restoreFrom(t.altSaved)
	}
	t.wrapPending = false
}

// Resize changes the screen size. Every row is truncated or padded to cols,
// rows are added or removed at the bottom, the cursor is clamped and the
// scroll region reset. OnResize is invoked with the new size.
func (t *Terminal) Resize(cols, rows int) error {
	if cols <= 0 || rows <= 0 {
		return fmt.Errorf("resize to %dx%d: %w", cols, rows, ErrInvalidSize)
	}

	t.mu.Lock()
	onAlt := t.active == t.alt
	t.main = t.main.resized(cols, rows)
	if t.alt != nil {
		t.alt = t.alt.resized(cols, rows)
	}
	t.active = t.main
	if onAlt {
		t.active = t.alt
	}
	t.cols, t.rows = cols, rows
	t.cursor.Row = clamp(t.cursor.Row, 0, rows-1)
	t.cursor.Col = clamp(t.cursor.Col, 0, cols-1)
	t.wrapPending = false
	t.top, t.bottom = 0, rows-1
	cb := t.onResize
	t.mu.Unlock()

	if cb != nil {
		cb(cols, rows)
	}
	return nil
}

// Size returns the current column and row count.
func (t *Terminal) Size() (cols, rows int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cols, t.rows
}

// Snapshot returns the visible rows as strings with trailing blanks trimmed.
func (t *Terminal) Snapshot() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, t.rows)
	for r := range out {
		out[r] = t.active.line(r)
	}
	return out
}

// Line returns a copy of visible row r.
func (t *Terminal) Line(r int) []Cell {
	t.mu.Lock()
	defer t.mu.Unlock()
	if r < 0 || r >= t.rows {
		return nil
	}
	return append([]Cell(nil), t.active.row(r)...)
}

// Cell returns the cell at row, col, or Blank when out of range.
func (t *Terminal) Cell(row, col int) Cell {
	t.mu.Lock()
	defer t.mu.Unlock()
	if row < 0 || row >= t.rows || col < 0 || col >= t.cols {
		return Blank
	}
	return t.active.row(row)[col]
}

// Cursor returns the cursor position and visibility.
func (t *Terminal) Cursor() Cursor {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cursor
}

// Scrollback returns the off-screen lines, oldest first.
func (t *Terminal) Scrollback() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, t.history.len())
	for i := range out {
		out[i] = lineString(t.history.at(i))
	}
	return out
}

// ScrollbackLen returns the number of off-screen lines.
func (t *Terminal) ScrollbackLen() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.history.len()
}

// IsAlternateScreen reports whether the alternate screen is showing.
func (t *Terminal) IsAlternateScreen() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.active == t.alt
}

// ScrollRegion returns the zero-based top and bottom margins.
func (t *Terminal) ScrollRegion() (top, bottom int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.top, t.bottom
}

// Title returns the window title last set by OSC 0 or 2.
func (t *Terminal) Title() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.title
}

// Bells returns how many BEL characters have been received.
func (t *Terminal) Bells() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.bells
}

// Attrs returns the current graphic rendition.
func (t *Terminal) Attrs() Attrs {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.attrs
}

// EncodeKey encodes k honouring the application cursor key mode the remote
// program selected.
func (t *Terminal) EncodeKey(k Key) []byte {
	t.mu.Lock()
	app := t.appCursor
	t.mu.Unlock()
	return EncodeKey(k, app)
}

func clamp(v, lo, hi int) int {
	return max(lo, min(v, hi))
}
