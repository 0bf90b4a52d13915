package declaration

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"
)

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokColon
	tokDoubleColon
	tokNumber
	tokIdent
	tokInvalid
)

type token struct {
	kind tokenKind
	text string
}

// lex splits the modifier tail (everything after 日记本) into tokens.
func lex(s string) []token {
	var toks []token
	for i := 0; i < len(s); {
		switch {
		case strings.HasPrefix(s[i:], "::"):
			toks = append(toks, token{tokDoubleColon, "::"})
			i += 2
		case s[i] == ':':
			toks = append(toks, token{tokColon, ":"})
			i++
		case isNumberByte(s[i]):
			j := i
			for j < len(s) && isNumberByte(s[j]) {
				j++
			}
			toks = append(toks, token{tokNumber, s[i:j]})
			i = j
		default:
			r, size := utf8.DecodeRuneInString(s[i:])
			if !unicode.IsLetter(r) {
				return append(toks, token{tokInvalid, string(r)})
			}
			j := i + size
			for j < len(s) {
				r, size = utf8.DecodeRuneInString(s[j:])
				if !unicode.IsLetter(r) {
					break
				}
				j += size
			}
			toks = append(toks, token{tokIdent, s[i:j]})
			i = j
		}
	}
	return append(toks, token{kind: tokEOF})
}

func isNumberByte(c byte) bool {
	return (c >= '0' && c <= '9') || c == '.'
}

type parser struct {
	toks []token
	pos  int
}

func (p *parser) peek() token { return p.toks[p.pos] }

func (p *parser) next() token {
	t := p.toks[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

// parseBody parses `name 日记本 modifiers` and enforces which modifiers each
// kind accepts.
func parseBody(body string, kind Kind) (string, Modifiers, error) {
	mods := Modifiers{KMultiplier: 1.0}

	idx := strings.Index(body, Suffix)
	if idx <= 0 {
		return "", mods, fmt.Errorf("missing diary name or %s suffix", Suffix)
	}
	name := body[:idx]
	if strings.ContainsAny(name, ":[]<>\n") || strings.Contains(name, "《") || strings.Contains(name, "》") {
		return "", mods, fmt.Errorf("invalid diary name %q", name)
	}

	tail := body[idx+len(Suffix):]
	if kind == FullText {
		if tail != "" {
			return "", mods, fmt.Errorf("full-text declarations take no modifiers")
		}
		return name, mods, nil
	}

	p := &parser{toks: lex(tail)}
	if err := p.parseModifiers(&mods); err != nil {
		return "", mods, err
	}
	if kind == Hybrid && (mods.UseTime || mods.UseGroup) {
		return "", mods, fmt.Errorf("hybrid declarations only accept ::Rerank")
	}
	return name, mods, nil
}

// parseModifiers: [ ":" number ] { "::" flag } EOF
func (p *parser) parseModifiers(mods *Modifiers) error {
	if p.peek().kind == tokColon {
		p.next()
		t := p.next()
		if t.kind != tokNumber {
			return fmt.Errorf("expected multiplier after ':', got %q", t.text)
		}
		f, err := strconv.ParseFloat(t.text, 64)
		if err != nil || f <= 0 || math.IsInf(f, 0) {
			return fmt.Errorf("invalid multiplier %q", t.text)
		}
		mods.KMultiplier = f
	}

	for p.peek().kind == tokDoubleColon {
		p.next()
		if err := p.parseFlag(mods); err != nil {
			return err
		}
	}

	if t := p.next(); t.kind != tokEOF {
		return fmt.Errorf("unexpected %q in modifiers", t.text)
	}
	return nil
}

func (p *parser) parseFlag(mods *Modifiers) error {
	t := p.next()
	if t.kind != tokIdent {
		return fmt.Errorf("expected flag after '::', got %q", t.text)
	}
	switch t.text {
	case "Time":
		mods.UseTime = true
	case "Group":
		mods.UseGroup = true
	case "Rerank":
		mods.UseRerank = true
	default:
		return fmt.Errorf("unknown flag %q", t.text)
	}
	return nil
}
