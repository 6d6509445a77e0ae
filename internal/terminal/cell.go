package terminal

// ColorMode says how a Color is interpreted.
type ColorMode uint8

const (
	ColorDefault ColorMode = iota
	ColorIndexed
)

// Color is a palette colour. Indexes 0-7 are the standard colours, 8-15
// their bright variants and 16-255 the xterm extended palette.
type Color struct {
	Mode  ColorMode
	Index uint8
}

// DefaultColor is the terminal's default foreground or background.
var DefaultColor = Color{}

// Indexed returns palette colour i.
func Indexed(i uint8) Color { return Color{Mode: ColorIndexed, Index: i} }

// Flags are boolean rendition attributes.
type Flags uint8

const (
	Bold Flags = 1 << iota
	Italic
	Underline
	Blink
	Reverse
	Strikethrough
)

// Attrs are the graphic rendition of a cell.
type Attrs struct {
	FG    Color
	BG    Color
	Flags Flags
}

// Has reports whether every flag in f is set.
func (a Attrs) Has(f Flags) bool { return a.Flags&f == f }

// Cell is one character position. Rune 0 marks the right half of a wide
// character.
type Cell struct {
	Rune  rune
	Attrs Attrs
}

// Blank is an empty cell with default rendition.
var Blank = Cell{Rune: ' '}

// Cursor is the cursor position, zero-based.
type Cursor struct {
	Row     int
	Col     int
	Visible bool
}
