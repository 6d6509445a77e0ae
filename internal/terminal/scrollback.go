package terminal

// DefaultScrollback is the default number of lines kept off-screen.
const DefaultScrollback = 10000

// scrollback is a ring of lines evicted off the top of the main screen.
// Once full, the oldest line is overwritten.
type scrollback struct {
	lines [][]Cell
	start int
	size  int
}

func newScrollback(capacity int) *scrollback {
	return &scrollback{lines: make([][]Cell, max(capacity, 0))}
}

func (s *scrollback) push(line []Cell) {
	if len(s.lines) == 0 {
		return
	}
	if s.size < len(s.lines) {
		s.lines[(s.start+s.size)%len(s.lines)] = line
		s.size++
		return
	}
	s.lines[s.start] = line
	s.start = (s.start + 1) % len(s.lines)
}

func (s *scrollback) len() int { return s.size }

// at returns line i, oldest first.
func (s *scrollback) at(i int) []Cell {
	return s.lines[(s.start+i)%len(s.lines)]
}

func (s *scrollback) clear() {
	for i := range s.lines {
		s.lines[i] = nil
	}
	s.start, s.size = 0, 0
}
