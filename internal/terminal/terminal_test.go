package terminal

import (
	"errors"
	"fmt"
	"reflect"
	"testing"
)

func newTerm(cols, rows int) *Terminal {
	return New(Options{Cols: cols, Rows: rows})
}

func write(t *Terminal, s string) {
	t.Write([]byte(s))
}

func TestTerminal_PrintAndNewline(t *testing.T) {
	term := newTerm(20, 4)
	write(term, "hello\r\nworld")

	snap := term.Snapshot()
	if snap[0] != "hello" || snap[1] != "world" {
		t.Errorf("Snapshot() = %q", snap)
	}
	if c := term.Cursor(); c.Row != 1 || c.Col != 5 || !c.Visible {
		t.Errorf("Cursor() = %+v", c)
	}
}

func TestTerminal_CursorMotionClamped(t *testing.T) {
	term := newTerm(80, 24)

	write(term, "\x1b[5;10H")
	if c := term.Cursor(); c.Row != 4 || c.Col != 9 {
		t.Errorf("CUP: cursor = %+v", c)
	}
	write(term, "\x1b[100;100H")
	if c := term.Cursor(); c.Row != 23 || c.Col != 79 {
		t.Errorf("CUP clamp: cursor = %+v", c)
	}
	write(term, "\x1b[3A\x1b[2D")
	if c := term.Cursor(); c.Row != 20 || c.Col != 77 {
		t.Errorf("CUU/CUB: cursor = %+v", c)
	}
	write(term, "\x1b[99B\x1b[99C")
	if c := term.Cursor(); c.Row != 23 || c.Col != 79 {
		t.Errorf("CUD/CUF clamp: cursor = %+v", c)
	}
	write(term, "\x1b[2F")
	if c := term.Cursor(); c.Row != 21 || c.Col != 0 {
		t.Errorf("CPL: cursor = %+v", c)
	}
	write(term, "\x1b[7G\x1b[3d")
	if c := term.Cursor(); c.Row != 2 || c.Col != 6 {
		t.Errorf("CHA/VPA: cursor = %+v", c)
	}
}

func TestTerminal_EraseLine(t *testing.T) {
	tests := []struct {
		seq  string
		want string
	}{
		{"\x1b[K", "ab"},
		{"\x1b[0K", "ab"},
		{"\x1b[1K", "   def"},
		{"\x1b[2K", ""},
	}
	for _, tt := range tests {
		term := newTerm(10, 2)
		write(term, "abcdef\x1b[1;3H"+tt.seq)
		if got := term.Snapshot()[0]; got != tt.want {
			t.Errorf("%q: row = %q, want %q", tt.seq, got, tt.want)
		}
	}
}

func TestTerminal_EraseDisplay(t *testing.T) {
	setup := "one\r\ntwo\r\nthree\x1b[2;2H"
	tests := []struct {
		seq  string
		want []string
	}{
		{"\x1b[J", []string{"one", "t", ""}},
		{"\x1b[1J", []string{"", "  o", "three"}},
		{"\x1b[2J", []string{"", "", ""}},
	}
	for _, tt := range tests {
		term := newTerm(10, 3)
		write(term, setup+tt.seq)
		if got := term.Snapshot(); !reflect.DeepEqual(got, tt.want) {
			t.Errorf("%q: Snapshot() = %q, want %q", tt.seq, got, tt.want)
		}
	}
}

func TestTerminal_EraseDisplay3ClearsScrollback(t *testing.T) {
	term := newTerm(10, 2)
	write(term, "a\r\nb\r\nc")
	if term.ScrollbackLen() == 0 {
		t.Fatal("expected scrollback")
	}
	write(term, "\x1b[3J")
	if term.ScrollbackLen() != 0 {
		t.Errorf("ScrollbackLen() = %d after ED 3", term.ScrollbackLen())
	}
}

func TestTerminal_SGR(t *testing.T) {
	term := newTerm(20, 2)
	write(term, "\x1b[1;3;4;31mX\x1b[0mY\x1b[92;104mZ\x1b[38;5;200;48;5;17mQ\x1b[7;9mR\x1b[27;29;39;49mS")

	x := term.Cell(0, 0).Attrs
	if !x.Has(Bold|Italic|Underline) || x.FG != Indexed(1) {
		t.Errorf("X attrs = %+v", x)
	}
	if y := term.Cell(0, 1).Attrs; y != (Attrs{}) {
		t.Errorf("Y attrs = %+v, want reset", y)
	}
	if z := term.Cell(0, 2).Attrs; z.FG != Indexed(10) || z.BG != Indexed(12) {
		t.Errorf("Z attrs = %+v", z)
	}
	if q := term.Cell(0, 3).Attrs; q.FG != Indexed(200) || q.BG != Indexed(17) {
		t.Errorf("Q attrs = %+v", q)
	}
	if r := term.Cell(0, 4).Attrs; !r.Has(Reverse | Strikethrough) {
		t.Errorf("R attrs = %+v", r)
	}
	if s := term.Cell(0, 5).Attrs; s.Has(Reverse) || s.Has(Strikethrough) || s.FG != DefaultColor || s.BG != DefaultColor {
		t.Errorf("S attrs = %+v", s)
	}
}

func TestTerminal_Tab(t *testing.T) {
	term := newTerm(20, 2)
	write(term, "\tX")
	if term.Cell(0, 8).Rune != 'X' {
		t.Errorf("tab should stop at column 8, row = %q", term.Snapshot()[0])
	}

	narrow := newTerm(10, 2)
	write(narrow, "\t\t\t")
	if c := narrow.Cursor(); c.Col != 9 {
		t.Errorf("tab past the edge should clamp to the last column, col = %d", c.Col)
	}
}

func TestTerminal_BackspaceAndCR(t *testing.T) {
	term := newTerm(10, 2)
	write(term, "abc\b\bX\rY")
	if got := term.Snapshot()[0]; got != "YXc" {
		t.Errorf("row = %q", got)
	}
}

func TestTerminal_Autowrap(t *testing.T) {
	term := newTerm(5, 3)
	write(term, "abcde")
	if c := term.Cursor(); c.Row != 0 || c.Col != 4 {
		t.Errorf("cursor after filling a row = %+v, wrap should be pending", c)
	}
	write(term, "fg")
	if snap := term.Snapshot(); snap[0] != "abcde" || snap[1] != "fg" {
		t.Errorf("Snapshot() = %q", snap)
	}

	off := newTerm(5, 3)
	write(off, "\x1b[?7labcdefg")
	if snap := off.Snapshot(); snap[0] != "abcdg" || snap[1] != "" {
		t.Errorf("no-autowrap Snapshot() = %q", snap)
	}
}

func TestTerminal_WideCharacters(t *testing.T) {
	term := newTerm(10, 2)
	write(term, "中x")

	if term.Cell(0, 0).Rune != '中' || term.Cell(0, 1).Rune != 0 || term.Cell(0, 2).Rune != 'x' {
		t.Errorf("cells = %+v", term.Line(0)[:3])
	}
	if got := term.Snapshot()[0]; got != "中x" {
		t.Errorf("row = %q", got)
	}
}

func TestTerminal_ScrollPushesToScrollback(t *testing.T) {
	term := newTerm(10, 3)
	write(term, "1\r\n2\r\n3\r\n4")

	if snap := term.Snapshot(); !reflect.DeepEqual(snap, []string{"2", "3", "4"}) {
		t.Errorf("Snapshot() = %q", snap)
	}
	if sb := term.Scrollback(); !reflect.DeepEqual(sb, []string{"1"}) {
		t.Errorf("Scrollback() = %q", sb)
	}
}

func TestTerminal_ScrollbackBound(t *testing.T) {
	const limit = 5
	term := New(Options{Cols: 10, Rows: 2, Scrollback: limit})

	for i := 0; i < 20; i++ {
		write(term, fmt.Sprintf("L%d\r\n", i))
		if n := term.ScrollbackLen(); n > limit {
			t.Fatalf("after line %d scrollback holds %d lines, cap %d", i, n, limit)
		}
	}

	sb := term.Scrollback()
	want := []string{"L14", "L15", "L16", "L17", "L18"}
	if !reflect.DeepEqual(sb, want) {
		t.Errorf("Scrollback() = %q, want oldest dropped first %q", sb, want)
	}
}

func TestTerminal_ScrollRegion(t *testing.T) {
	term := newTerm(10, 5)
	write(term, "top\r\nr1\r\nr2\r\nr3\r\nbottom")
	write(term, "\x1b[2;4r")

	if top, bottom := term.ScrollRegion(); top != 1 || bottom != 3 {
		t.Fatalf("ScrollRegion() = %d,%d", top, bottom)
	}
	if c := term.Cursor(); c.Row != 0 || c.Col != 0 {
		t.Errorf("DECSTBM should home the cursor, got %+v", c)
	}

	write(term, "\x1b[4;1H\nnew")

	want := []string{"top", "r2", "r3", "new", "bottom"}
	if snap := term.Snapshot(); !reflect.DeepEqual(snap, want) {
		t.Errorf("Snapshot() = %q, want %q", snap, want)
	}
	if term.ScrollbackLen() != 0 {
		t.Error("scrolling a region below row 0 must not feed scrollback")
	}
}

func TestTerminal_InvalidScrollRegionIgnored(t *testing.T) {
	term := newTerm(10, 5)
	write(term, "\x1b[4;2r")
	if top, bottom := term.ScrollRegion(); top != 0 || bottom != 4 {
		t.Errorf("ScrollRegion() = %d,%d", top, bottom)
	}
}

func TestTerminal_InsertDeleteLines(t *testing.T) {
	term := newTerm(10, 3)
	write(term, "a\r\nb\r\nc\x1b[2;1H\x1b[L")
	if snap := term.Snapshot(); !reflect.DeepEqual(snap, []string{"a", "", "b"}) {
		t.Errorf("IL: %q", snap)
	}

	term = newTerm(10, 3)
	write(term, "a\r\nb\r\nc\x1b[1;1H\x1b[M")
	if snap := term.Snapshot(); !reflect.DeepEqual(snap, []string{"b", "c", ""}) {
		t.Errorf("DL: %q", snap)
	}
}

func TestTerminal_InsertDeleteEraseChars(t *testing.T) {
	tests := []struct {
		seq  string
		want string
	}{
		{"\x1b[2@", "a  bcdef"},
		{"\x1b[2P", "adef"},
		{"\x1b[2X", "a  def"},
	}
	for _, tt := range tests {
		term := newTerm(10, 1)
		write(term, "abcdef\x1b[1;2H"+tt.seq)
		if got := term.Snapshot()[0]; got != tt.want {
			t.Errorf("%q: row = %q, want %q", tt.seq, got, tt.want)
		}
	}
}

func TestTerminal_ScrollUpDown(t *testing.T) {
	term := newTerm(10, 3)
	write(term, "a\r\nb\r\nc\x1b[S")
	if snap := term.Snapshot(); !reflect.DeepEqual(snap, []string{"b", "c", ""}) {
		t.Errorf("SU: %q", snap)
	}
	write(term, "\x1b[2T")
	if snap := term.Snapshot(); !reflect.DeepEqual(snap, []string{"", "", "b"}) {
		t.Errorf("SD: %q", snap)
	}
}

func TestTerminal_ReverseIndex(t *testing.T) {
	term := newTerm(10, 3)
	write(term, "a\x1bM")
	if snap := term.Snapshot(); !reflect.DeepEqual(snap, []string{"", "a", ""}) {
		t.Errorf("RI at top: %q", snap)
	}
}

func TestTerminal_SaveRestoreCursor(t *testing.T) {
	term := newTerm(20, 12)
	write(term, "\x1b[2;5H\x1b[1m\x1b7\x1b[10;10H\x1b[0m\x1b8")
	if c := term.Cursor(); c.Row != 1 || c.Col != 4 {
		t.Errorf("ESC 8: cursor = %+v", c)
	}
	if !term.Attrs().Has(Bold) {
		t.Error("ESC 8 should restore rendition")
	}

	write(term, "\x1b[3;3H\x1b[s\x1b[H\x1b[s\x1b[5;5H\x1b[u")
	if c := term.Cursor(); c.Row != 0 || c.Col != 0 {
		t.Errorf("save slot is single, last save wins: cursor = %+v", c)
	}
}

func TestTerminal_AlternateScreenIsolation(t *testing.T) {
	term := newTerm(10, 3)
	write(term, "A")
	write(term, "\x1b[?1049h")

	if !term.IsAlternateScreen() {
		t.Fatal("expected alternate screen")
	}
	if snap := term.Snapshot(); snap[0] != "" {
		t.Errorf("alternate screen should start blank, got %q", snap[0])
	}

	write(term, "B")
	if snap := term.Snapshot(); snap[0] != "B" {
		t.Errorf("alternate row = %q", snap[0])
	}

	write(term, "\x1b[?1049l")
	if term.IsAlternateScreen() {
		t.Fatal("expected main screen")
	}
	if snap := term.Snapshot(); snap[0] != "A" {
		t.Errorf("main row = %q, want A", snap[0])
	}
	if c := term.Cursor(); c.Row != 0 || c.Col != 1 {
		t.Errorf("1049 should restore the cursor, got %+v", c)
	}
}

func TestTerminal_AlternateScreenDoesNotFeedScrollback(t *testing.T) {
	term := newTerm(10, 2)
	write(term, "\x1b[?47h")
	for i := 0; i < 10; i++ {
		write(term, "x\r\n")
	}
	if term.ScrollbackLen() != 0 {
		t.Errorf("ScrollbackLen() = %d", term.ScrollbackLen())
	}

	write(term, "\x1b[?47l\x1b[?1047h")
	if snap := term.Snapshot(); snap[0] != "" || snap[1] != "" {
		t.Errorf("re-entering must allocate a fresh screen, got %q", snap)
	}
}

func TestTerminal_EscapeSequenceAtomicity(t *testing.T) {
	stream := []byte("hello\x1b[2;3H\x1b[1;31mX\x1b[K\x1b]2;title\x07é\x1b[?1049h\x1b[?1049l\x1b[3;1Hdone")

	whole := newTerm(20, 5)
	whole.Write(stream)

	split := newTerm(20, 5)
	for i := range stream {
		split.Write(stream[i : i+1])
	}

	if !reflect.DeepEqual(whole.Snapshot(), split.Snapshot()) {
		t.Errorf("snapshots differ:\n%q\n%q", whole.Snapshot(), split.Snapshot())
	}
	if whole.Cursor() != split.Cursor() {
		t.Errorf("cursors differ: %+v vs %+v", whole.Cursor(), split.Cursor())
	}
	for r := 0; r < 5; r++ {
		if !reflect.DeepEqual(whole.Line(r), split.Line(r)) {
			t.Errorf("row %d cells differ", r)
		}
	}
	if whole.Title() != "title" || split.Title() != "title" {
		t.Errorf("titles = %q, %q", whole.Title(), split.Title())
	}
}

func TestTerminal_IncompleteSequenceAppliesNothing(t *testing.T) {
	term := newTerm(10, 3)
	write(term, "ab")
	before := term.Snapshot()
	cursor := term.Cursor()

	write(term, "\x1b[2")
	if !reflect.DeepEqual(term.Snapshot(), before) || term.Cursor() != cursor {
		t.Fatal("incomplete CSI changed the buffer")
	}

	write(term, "J")
	if snap := term.Snapshot(); snap[0] != "" {
		t.Errorf("completed ED 2 should clear, got %q", snap)
	}
}

func TestTerminal_ResizeInvariant(t *testing.T) {
	sizes := [][2]int{{40, 10}, {5, 2}, {120, 50}, {1, 1}, {80, 24}}

	term := newTerm(80, 24)
	write(term, "\x1b[24;80Hcorner\x1b[1;1Hfirst line of text that is long")

	for _, sz := range sizes {
		cols, rows := sz[0], sz[1]
		if err := term.Resize(cols, rows); err != nil {
			t.Fatal(err)
		}
		if got := len(term.Snapshot()); got != rows {
			t.Errorf("%dx%d: %d rows", cols, rows, got)
		}
		for r := 0; r < rows; r++ {
			if got := len(term.Line(r)); got != cols {
				t.Errorf("%dx%d: row %d has %d cells", cols, rows, r, got)
			}
		}
		if c := term.Cursor(); c.Row >= rows || c.Col >= cols || c.Row < 0 || c.Col < 0 {
			t.Errorf("%dx%d: cursor %+v out of bounds", cols, rows, c)
		}
		if top, bottom := term.ScrollRegion(); top != 0 || bottom != rows-1 {
			t.Errorf("%dx%d: scroll region %d,%d not reset", cols, rows, top, bottom)
		}
	}
}

func TestTerminal_ResizeKeepsContentAndNotifies(t *testing.T) {
	var gotCols, gotRows int
	term := New(Options{Cols: 10, Rows: 3, OnResize: func(c, r int) { gotCols, gotRows = c, r }})
	write(term, "abcdefghij\r\nsecond\r\nthird")

	if err := term.Resize(4, 2); err != nil {
		t.Fatal(err)
	}
	if snap := term.Snapshot(); !reflect.DeepEqual(snap, []string{"abcd", "seco"}) {
		t.Errorf("after shrink: %q", snap)
	}
	if gotCols != 4 || gotRows != 2 {
		t.Errorf("OnResize got %dx%d", gotCols, gotRows)
	}

	term.Resize(8, 4)
	if snap := term.Snapshot(); !reflect.DeepEqual(snap, []string{"abcd", "seco", "", ""}) {
		t.Errorf("after grow: %q", snap)
	}
}

func TestTerminal_ResizeOnAlternateScreen(t *testing.T) {
	term := newTerm(10, 3)
	write(term, "main\x1b[?1049halt")

	term.Resize(6, 2)
	if !term.IsAlternateScreen() {
		t.Fatal("resize left the alternate screen")
	}
	if snap := term.Snapshot(); snap[0] != "alt" || len(term.Line(0)) != 6 {
		t.Errorf("alternate after resize: %q", snap)
	}

	write(term, "\x1b[?1049l")
	if snap := term.Snapshot(); snap[0] != "main" || len(term.Line(1)) != 6 {
		t.Errorf("main after resize: %q", snap)
	}
}

func TestTerminal_ResizeInvalid(t *testing.T) {
	if err := newTerm(10, 3).Resize(0, 5); !errors.Is(err, ErrInvalidSize) {
		t.Errorf("err = %v", err)
	}
}

func TestTerminal_BellAndReplies(t *testing.T) {
	var bells int
	var replies []string
	term := New(Options{
		Cols:    20,
		Rows:    5,
		OnBell:  func() { bells++ },
		OnReply: func(b []byte) { replies = append(replies, string(b)) },
	})

	write(term, "\a\a\x1b[3;4H\x1b[6n\x1b[5n\x1b[c")

	if bells != 2 || term.Bells() != 2 {
		t.Errorf("bells = %d, Bells() = %d", bells, term.Bells())
	}
	want := []string{"\x1b[3;4R", "\x1b[0n", "\x1b[?1;2c"}
	if !reflect.DeepEqual(replies, want) {
		t.Errorf("replies = %q, want %q", replies, want)
	}
}

func TestTerminal_Modes(t *testing.T) {
	term := newTerm(10, 3)

	write(term, "\x1b[?25l")
	if term.Cursor().Visible {
		t.Error("?25l should hide the cursor")
	}
	write(term, "\x1b[?1h")
	if got := string(term.EncodeKey(Key{Code: KeyUp})); got != "\x1bOA" {
		t.Errorf("application cursor up = %q", got)
	}
	write(term, "\x1b[?1l")
	if got := string(term.EncodeKey(Key{Code: KeyUp})); got != "\x1b[A" {
		t.Errorf("normal cursor up = %q", got)
	}
}

func TestTerminal_FullReset(t *testing.T) {
	term := newTerm(10, 2)
	write(term, "a\r\nb\r\nc\x1b[1m\x1b[?1049h\x1bc")

	if term.IsAlternateScreen() || term.ScrollbackLen() != 0 || term.Attrs() != (Attrs{}) {
		t.Error("RIS should restore the initial state")
	}
	if snap := term.Snapshot(); snap[0] != "" || snap[1] != "" {
		t.Errorf("Snapshot() = %q", snap)
	}
}
