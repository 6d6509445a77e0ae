package terminal

import (
	"strconv"
	"unicode/utf8"
)

// KeyCode identifies a key. KeyRune means Key.Rune holds a character.
type KeyCode int

const (
	KeyRune KeyCode = iota
	KeyEnter
	KeyTab
	KeyBackspace
	KeyEscape
	KeyUp
	KeyDown
	KeyRight
	KeyLeft
	KeyHome
	KeyEnd
	KeyPageUp
	KeyPageDown
	KeyInsert
	KeyDelete
	KeyF1
	KeyF2
	KeyF3
	KeyF4
	KeyF5
	KeyF6
	KeyF7
	KeyF8
	KeyF9
	KeyF10
	KeyF11
	KeyF12
)

// Modifier is a set of held modifier keys.
type Modifier uint8

const (
	ModShift Modifier = 1 << iota
	ModAlt
	ModCtrl
)

// Key is a keystroke.
type Key struct {
	Code KeyCode
	Rune rune
	Mod  Modifier
}

var cursorFinals = map[KeyCode]byte{
	KeyUp: 'A', KeyDown: 'B', KeyRight: 'C', KeyLeft: 'D', KeyHome: 'H', KeyEnd: 'F',
}

var tildeCodes = map[KeyCode]int{
	KeyInsert: 2, KeyDelete: 3, KeyPageUp: 5, KeyPageDown: 6,
	KeyF5: 15, KeyF6: 17, KeyF7: 18, KeyF8: 19, KeyF9: 20, KeyF10: 21, KeyF11: 23, KeyF12: 24,
}

var ss3Finals = map[KeyCode]byte{KeyF1: 'P', KeyF2: 'Q', KeyF3: 'R', KeyF4: 'S'}

// EncodeKey returns the bytes an xterm sends for k. appCursor selects
// SS3 arrow sequences (DECCKM).
func EncodeKey(k Key, appCursor bool) []byte {
	// xterm modifier parameter: 1 + shift + 2*alt + 4*ctrl.
	modParam := 1 + int(k.Mod&ModShift) + int(k.Mod&ModAlt) + int(k.Mod&ModCtrl)

	if final, ok := cursorFinals[k.Code]; ok {
		switch {
		case modParam > 1:
			return []byte("\x1b[1;" + strconv.Itoa(modParam) + string(final))
		case appCursor:
			return []byte{0x1b, 'O', final}
		default:
			return []byte{0x1b, '[', final}
		}
	}
	if code, ok := tildeCodes[k.Code]; ok {
		if modParam > 1 {
			return []byte("\x1b[" + strconv.Itoa(code) + ";" + strconv.Itoa(modParam) + "~")
		}
		return []byte("\x1b[" + strconv.Itoa(code) + "~")
	}
	if final, ok := ss3Finals[k.Code]; ok {
		if modParam > 1 {
			return []byte("\x1b[1;" + strconv.Itoa(modParam) + string(final))
		}
		return []byte{0x1b, 'O', final}
	}

	var out []byte
	switch k.Code {
	case KeyEnter:
		out = []byte{'\r'}
	case KeyTab:
		if k.Mod&ModShift != 0 {
			return []byte("\x1b[Z")
		}
		out = []byte{'\t'}
	case KeyBackspace:
		if k.Mod&ModCtrl != 0 {
			out = []byte{0x08}
		} else {
			out = []byte{0x7f}
		}
	case KeyEscape:
		out = []byte{0x1b}
	case KeyRune:
		out = encodeRune(k.Rune, k.Mod&ModCtrl != 0)
	default:
		return nil
	}

	if k.Mod&ModAlt != 0 {
		out = append([]byte{0x1b}, out...)
	}
	return out
}

func encodeRune(r rune, ctrl bool) []byte {
	if ctrl {
		switch {
		case r >= 'a' && r <= 'z':
			return []byte{byte(r - 'a' + 1)}
		case r >= '@' && r <= '_':
			return []byte{byte(r - '@')}
		case r == ' ' || r == '2':
			return []byte{0}
		case r == '?':
			return []byte{0x7f}
		}
	}
	return utf8.AppendRune(nil, r)
}
