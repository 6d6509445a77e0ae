package terminal

import "strings"

// screen is a fixed-size arena of rows. Row r occupies
// cells[r*cols : (r+1)*cols], so every row always has exactly cols cells.
// Resizing builds a new screen rather than reshaping this one.
type screen struct {
	cols, rows int
	cells      []Cell
}

func newScreen(cols, rows int) *screen {
	s := &screen{cols: cols, rows: rows, cells: make([]Cell, cols*rows)}
	for i := range s.cells {
		s.cells[i] = Blank
	}
	return s
}

func (s *screen) row(r int) []Cell {
	return s.cells[r*s.cols : (r+1)*s.cols : (r+1)*s.cols]
}

// resized copies s into a new cols x rows screen, truncating or padding
// every row and dropping or adding rows at the bottom.
func (s *screen) resized(cols, rows int) *screen {
	n := newScreen(cols, rows)
	for r := 0; r < min(rows, s.rows); r++ {
		dst := n.row(r)
		copy(dst, s.row(r))
		// A wide character cut in half at the new edge becomes a blank.
		if cols < s.cols && s.row(r)[cols].Rune == 0 {
			dst[cols-1] = Blank
		}
	}
	return n
}

func (s *screen) fill(r, from, to int, c Cell) {
	row := s.row(r)
	for i := max(from, 0); i < min(to, s.cols); i++ {
		row[i] = c
	}
}

func (s *screen) clearRows(from, to int, c Cell) {
	for r := max(from, 0); r < min(to, s.rows); r++ {
		s.fill(r, 0, s.cols, c)
	}
}

// scrollUp moves rows top+n..bottom up by n and blanks the freed rows at
// the bottom. It returns copies of the rows that fell off the top.
func (s *screen) scrollUp(top, bottom, n int, blank Cell, keep bool) [][]Cell {
	height := bottom - top + 1
	n = min(n, height)
	var evicted [][]Cell
	if keep {
		for r := top; r < top+n; r++ {
			evicted = append(evicted, append([]Cell(nil), s.row(r)...))
		}
	}
	copy(s.cells[top*s.cols:(bottom+1-n)*s.cols], s.cells[(top+n)*s.cols:(bottom+1)*s.cols])
	s.clearRows(bottom+1-n, bottom+1, blank)
	return evicted
}

// scrollDown moves rows top..bottom-n down by n and blanks the freed rows
// at the top.
func (s *screen) scrollDown(top, bottom, n int, blank Cell) {
	height := bottom - top + 1
	n = min(n, height)
	copy(s.cells[(top+n)*s.cols:(bottom+1)*s.cols], s.cells[top*s.cols:(bottom+1-n)*s.cols])
	s.clearRows(top, top+n, blank)
}

func (s *screen) insertCells(r, col, n int, blank Cell) {
	row := s.row(r)
	n = min(n, s.cols-col)
	copy(row[col+n:], row[col:s.cols-n])
	s.fill(r, col, col+n, blank)
}

func (s *screen) deleteCells(r, col, n int, blank Cell) {
	row := s.row(r)
	n = min(n, s.cols-col)
	copy(row[col:], row[col+n:])
	s.fill(r, s.cols-n, s.cols, blank)
}

func (s *screen) line(r int) string {
	return lineString(s.row(r))
}

func lineString(cells []Cell) string {
	var b strings.Builder
	for _, c := range cells {
		if c.Rune == 0 {
			continue
		}
		b.WriteRune(c.Rune)
	}
	return strings.TrimRight(b.String(), " ")
}
