package terminal

import "fmt"

func (t *Terminal) csi(tok Token, fx *effects) {
	if tok.Intermediates != "" {
		return
	}
	if tok.Private != 0 {
		if tok.Private == '?' && (tok.Final == 'h' || tok.Final == 'l') {
			for _, mode := range tok.Params {
				t.setPrivateMode(mode, tok.Final == 'h')
			}
		}
		return
	}

	n := tok.Param(0, 1)
	switch tok.Final {
	case 'A':
		t.moveTo(t.cursor.Row-n, t.cursor.Col)
	case 'B':
		t.moveTo(t.cursor.Row+n, t.cursor.Col)
	case 'C':
		t.moveTo(t.cursor.Row, t.cursor.Col+n)
	case 'D':
		t.moveTo(t.cursor.Row, t.cursor.Col-n)
	case 'E':
		t.moveTo(t.cursor.Row+n, 0)
	case 'F':
		t.moveTo(t.cursor.Row-n, 0)
	case 'G', '`':
		t.moveTo(t.cursor.Row, n-1)
	case 'H', 'f':
		t.moveTo(tok.Param(0, 1)-1, tok.Param(1, 1)-1)
	case 'd':
		t.moveTo(n-1, t.cursor.Col)
	case 'J':
		t.eraseDisplay(tok.Param(0, 0))
	case 'K':
		t.eraseLine(tok.Param(0, 0))
	case 'L':
		if t.inRegion() {
			t.active.scrollDown(t.cursor.Row, t.bottom, n, t.blank())
			t.cursor.Col = 0
		}
	case 'M':
		if t.inRegion() {
			t.active.scrollUp(t.cursor.Row, t.bottom, n, t.blank(), false)
			t.cursor.Col = 0
		}
	case '@':
		t.active.insertCells(t.cursor.Row, t.cursor.Col, n, t.blank())
	case 'P':
		t.active.deleteCells(t.cursor.Row, t.cursor.Col, n, t.blank())
	case 'X':
		t.active.fill(t.cursor.Row, t.cursor.Col, t.cursor.Col+n, t.blank())
	case 'S':
		t.scrollUp(n)
	case 'T':
		t.active.scrollDown(t.top, t.bottom, n, t.blank())
	case 'm':
		t.sgr(tok.Params)
	case 'r':
		t.setScrollRegion(tok.Param(0, 1)-1, tok.Param(1, t.rows)-1)
	case 's':
		t.saveCursor()
	case 'u':
		t.restoreCursor()
	case 'n':
		switch tok.Param(0, 0) {
		case 5:
			fx.replies = append(fx.replies, []byte("\x1b[0n"))
		case 6:
			fx.replies = append(fx.replies, fmt.Appendf(nil, "\x1b[%d;%dR", t.cursor.Row+1, t.cursor.Col+1))
		}
	case 'c':
		if tok.Param(0, 0) == 0 {
			fx.replies = append(fx.replies, []byte("\x1b[?1;2c"))
		}
	}
}

func (t *Terminal) moveTo(row, col int) {
	t.cursor.Row = clamp(row, 0, t.rows-1)
	t.cursor.Col = clamp(col, 0, t.cols-1)
	t.wrapPending = false
}

func (t *Terminal) inRegion() bool {
	return t.cursor.Row >= t.top && t.cursor.Row <= t.bottom
}

func (t *Terminal) eraseDisplay(mode int) {
	b := t.blank()
	r, c := t.cursor.Row, t.cursor.Col
	switch mode {
	case 0:
		t.active.fill(r, c, t.cols, b)
		t.active.clearRows(r+1, t.rows, b)
	case 1:
		t.active.clearRows(0, r, b)
		t.active.fill(r, 0, c+1, b)
	case 2:
		t.active.clearRows(0, t.rows, b)
	case 3:
		t.history.clear()
	}
	t.wrapPending = false
}

func (t *Terminal) eraseLine(mode int) {
	b := t.blank()
	r, c := t.cursor.Row, t.cursor.Col
	switch mode {
	case 0:
		t.active.fill(r, c, t.cols, b)
	case 1:
		t.active.fill(r, 0, c+1, b)
	case 2:
		t.active.fill(r, 0, t.cols, b)
	}
	t.wrapPending = false
}

// setScrollRegion applies DECSTBM. An invalid region is ignored; a valid
// one homes the cursor.
func (t *Terminal) setScrollRegion(top, bottom int) {
	bottom = min(bottom, t.rows-1)
	if top < 0 || top >= bottom {
		return
	}
	t.top, t.bottom = top, bottom
	t.moveTo(0, 0)
}

func (t *Terminal) setPrivateMode(mode int, on bool) {
	switch mode {
	case 1:
		t.appCursor = on
	case 7:
		t.autowrap = on
		if !on {
			t.wrapPending = false
		}
	case 25:
		t.cursor.Visible = on
	case 47, 1047:
		if on {
			t.enterAlternate(false)
		} else {
			t.exitAlternate(false)
		}
	case 1049:
		if on {
			t.enterAlternate(true)
		} else {
			t.exitAlternate(true)
		}
	}
}

func (t *Terminal) sgr(params []int) {
	if len(params) == 0 {
		t.attrs = Attrs{}
		return
	}
	for i := 0; i < len(params); i++ {
		p := params[i]
		switch {
		case p == 0:
			t.attrs = Attrs{}
		case p == 1:
			t.attrs.Flags |= Bold
		case p == 3:
			t.attrs.Flags |= Italic
		case p == 4:
			t.attrs.Flags |= Underline
		case p == 5 || p == 6:
			t.attrs.Flags |= Blink
		case p == 7:
			t.attrs.Flags |= Reverse
		case p == 9:
			t.attrs.Flags |= Strikethrough
		case p == 21 || p == 22:
			t.attrs.Flags &^= Bold
		case p == 23:
			t.attrs.Flags &^= Italic
		case p == 24:
			t.attrs.Flags &^= Underline
		case p == 25:
			t.attrs.Flags &^= Blink
		case p == 27:
			t.attrs.Flags &^= Reverse
		case p == 29:
			t.attrs.Flags &^= Strikethrough
		case p >= 30 && p <= 37:
			t.attrs.FG = Indexed(uint8(p - 30))
		case p == 39:
			t.attrs.FG = DefaultColor
		case p >= 40 && p <= 47:
			t.attrs.BG = Indexed(uint8(p - 40))
		case p == 49:
			t.attrs.BG = DefaultColor
		case p >= 90 && p <= 97:
			t.attrs.FG = Indexed(uint8(p - 90 + 8))
		case p >= 100 && p <= 107:
			t.attrs.BG = Indexed(uint8(p - 100 + 8))
		case p == 38 || p == 48:
			c, used := extendedColor(params[i+1:])
			i += used
			if used == 0 {
				return
			}
			if p == 38 {
				t.attrs.FG = c
			} else {
				t.attrs.BG = c
			}
		}
	}
}

// extendedColor parses the arguments after SGR 38 or 48. Only the 256
// colour form (5;n) is kept; 24-bit colours (2;r;g;b) are consumed and
// mapped to the nearest xterm cube entry.
func extendedColor(args []int) (Color, int) {
	if len(args) == 0 {
		return Color{}, 0
	}
	switch args[0] {
	case 5:
		if len(args) < 2 {
			return Color{}, 0
		}
		return Indexed(uint8(min(args[1], 255))), 2
	case 2:
		if len(args) < 4 {
			return Color{}, 0
		}
		return Indexed(cubeIndex(args[1], args[2], args[3])), 4
	}
	return Color{}, 0
}

func cubeIndex(r, g, b int) uint8 {
	q := func(v int) int { return (min(max(v, 0), 255)*5 + 127) / 255 }
	return uint8(16 + 36*q(r) + 6*q(g) + q(b))
}
