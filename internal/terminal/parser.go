package terminal

import (
	"strings"
	"unicode/utf8"
)

// TokenKind identifies what a Token carries.
type TokenKind uint8

const (
	// TokenText is printable text; Text holds valid UTF-8.
	TokenText TokenKind = iota
	// TokenControl is a single C0 control byte in Final.
	TokenControl
	// TokenCSI is ESC [ private? params intermediates final.
	TokenCSI
	// TokenEscape is ESC intermediates final.
	TokenEscape
	// TokenOSC is ESC ] payload (BEL | ESC \); Text holds the payload.
	TokenOSC
)

// Token is one lexical unit of terminal output.
type Token struct {
	Kind          TokenKind
	Text          string
	Final         byte
	Private       byte
	Intermediates string
	Params        []int
}

// Param returns parameter i, or def when it is missing or zero.
func (t Token) Param(i, def int) int {
	if i < len(t.Params) && t.Params[i] > 0 {
		return t.Params[i]
	}
	return def
}

const (
	maxParams     = 32
	maxParamValue = 65535
	maxOSC        = 4096
)

type parserState uint8

const (
	stateGround parserState = iota
	stateEscape
	stateEscapeIntermediate
	stateCSIEntry
	stateCSIParam
	stateCSIIntermediate
	stateOSC
	stateOSCEscape
)

const replacement = "�"

// Parser splits a byte stream into tokens. State survives between Feed
// calls, so a sequence split across reads is emitted once, whole.
type Parser struct {
	state parserState

	private       byte
	params        []int
	param         int
	paramSet      bool
	intermediates []byte
	osc           []byte

	// pending holds a partial UTF-8 rune from the end of the previous Feed.
	pending []byte
}

// InProgress reports whether the parser holds an incomplete sequence.
func (p *Parser) InProgress() bool {
	return p.state != stateGround || len(p.pending) > 0
}

// Feed lexes data and returns the complete tokens it contains, in order.
func (p *Parser) Feed(data []byte) []Token {
	var toks []Token
	var text []byte

	if p.state == stateGround && len(p.pending) > 0 {
		text = append(text, p.pending...)
		p.pending = p.pending[:0]
	}

	flush := func() {
		if len(text) == 0 {
			return
		}
		toks = append(toks, Token{Kind: TokenText, Text: strings.ToValidUTF8(string(text), replacement)})
		text = text[:0]
	}

	for i := 0; i < len(data); i++ {
		b := data[i]

		switch p.state {
		case stateGround:
			switch {
			case b == 0x1b:
				flush()
				p.begin(stateEscape)
			case b < 0x20:
				flush()
				toks = append(toks, Token{Kind: TokenControl, Final: b})
			case b == 0x7f:
				// DEL is ignored in ground state.
			default:
				text = append(text, b)
			}

		case stateEscape:
			switch {
			case b == '[':
				p.state = stateCSIEntry
			case b == ']':
				p.state = stateOSC
			case b >= 0x20 && b <= 0x2f:
				p.intermediates = append(p.intermediates, b)
				p.state = stateEscapeIntermediate
			case b >= 0x30 && b <= 0x7e:
				toks = append(toks, Token{Kind: TokenEscape, Final: b})
				p.reset()
			default:
				toks = append(toks, p.malformed())
				i--
			}

		case stateEscapeIntermediate:
			switch {
			case b >= 0x20 && b <= 0x2f:
				p.intermediates = append(p.intermediates, b)
			case b >= 0x30 && b <= 0x7e:
				toks = append(toks, Token{Kind: TokenEscape, Final: b, Intermediates: string(p.intermediates)})
				p.reset()
			default:
				toks = append(toks, p.malformed())
				i--
			}

		case stateCSIEntry, stateCSIParam:
			switch {
			case p.state == stateCSIEntry && b >= '<' && b <= '?':
				p.private = b
				p.state = stateCSIParam
			case b >= '0' && b <= '9':
				p.param = min(p.param*10+int(b-'0'), maxParamValue)
				p.paramSet = true
				p.state = stateCSIParam
			case b == ';' || b == ':':
				p.pushParam()
				p.state = stateCSIParam
			case b >= 0x20 && b <= 0x2f:
				p.intermediates = append(p.intermediates, b)
				p.state = stateCSIIntermediate
			case b >= 0x40 && b <= 0x7e:
				toks = append(toks, p.csi(b))
			default:
				toks = append(toks, p.malformed())
				i--
			}

		case stateCSIIntermediate:
			switch {
			case b >= 0x20 && b <= 0x2f:
				p.intermediates = append(p.intermediates, b)
			case b >= 0x40 && b <= 0x7e:
				toks = append(toks, p.csi(b))
			default:
				toks = append(toks, p.malformed())
				i--
			}

		case stateOSC:
			switch b {
			case 0x07:
				toks = append(toks, Token{Kind: TokenOSC, Text: string(p.osc)})
				p.reset()
			case 0x1b:
				p.state = stateOSCEscape
			default:
				if len(p.osc) < maxOSC {
					p.osc = append(p.osc, b)
				}
			}

		case stateOSCEscape:
			if b == '\\' {
				toks = append(toks, Token{Kind: TokenOSC, Text: string(p.osc)})
				p.reset()
				continue
			}
			// ESC that is not a string terminator ends the OSC and starts a
			// new escape sequence.
			toks = append(toks, Token{Kind: TokenOSC, Text: string(p.osc)})
			p.begin(stateEscape)
			i--
		}
	}

	if p.state == stateGround {
		if cut := incompleteRuneStart(text); cut >= 0 {
			p.pending = append(p.pending[:0], text[cut:]...)
			text = text[:cut]
		}
	}
	flush()
	return toks
}

func (p *Parser) begin(s parserState) {
	p.reset()
	p.state = s
}

func (p *Parser) reset() {
	p.state = stateGround
	p.private = 0
	p.params = p.params[:0]
	p.param = 0
	p.paramSet = false
	p.intermediates = p.intermediates[:0]
	p.osc = p.osc[:0]
}

func (p *Parser) pushParam() {
	if len(p.params) < maxParams {
		p.params = append(p.params, p.param)
	}
	p.param = 0
	p.paramSet = false
}

func (p *Parser) csi(final byte) Token {
	if p.paramSet || len(p.params) > 0 {
		p.pushParam()
	}
	t := Token{
		Kind:          TokenCSI,
		Final:         final,
		Private:       p.private,
		Intermediates: string(p.intermediates),
		Params:        append([]int(nil), p.params...),
	}
	p.reset()
	return t
}

// malformed abandons the current sequence. The caller reprocesses the
// offending byte in ground state.
func (p *Parser) malformed() Token {
	p.reset()
	return Token{Kind: TokenText, Text: replacement}
}

// incompleteRuneStart returns the index where a truncated UTF-8 rune begins
// at the end of b, or -1.
func incompleteRuneStart(b []byte) int {
	for i := len(b) - 1; i >= 0 && i >= len(b)-utf8.UTFMax; i-- {
		if utf8.RuneStart(b[i]) {
			if !utf8.FullRune(b[i:]) {
				return i
			}
			return -1
		}
	}
	return -1
}
