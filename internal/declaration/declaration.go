// Package declaration finds retrieval placeholders embedded in prompt text.
//
// Three forms are recognised:
//
//	[[Name日记本:MULT::Time::Group::Rerank]]   semantic retrieval
//	<<Name日记本>>                             full-text, threshold gated
//	《《Name日记本:MULT::Rerank》》              hybrid, threshold gated
//
// A bracketed span whose body does not follow the grammar is ordinary text.
package declaration

import (
	"errors"
	"strings"
)

// Kind selects the retrieval mode of a declaration.
type Kind int

const (
	Semantic Kind = iota
	FullText
	Hybrid
)

func (k Kind) String() string {
	switch k {
	case Semantic:
		return "rag"
	case FullText:
		return "fulltext"
	case Hybrid:
		return "hybrid"
	}
	return "unknown"
}

// Modifiers are the optional settings that follow the diary name.
type Modifiers struct {
	KMultiplier float64
	UseTime     bool
	UseGroup    bool
	UseRerank   bool
}

// Declaration is one parsed placeholder occurrence.
type Declaration struct {
	Kind   Kind
	DBName string
	Mods   Modifiers
	// Raw is the placeholder exactly as it appeared, delimiters included.
	Raw string
	// Start and End are byte offsets of Raw within the scanned text.
	Start, End int
}

// DisplayName is the diary name with its 日记本 suffix.
func (d Declaration) DisplayName() string {
	return d.DBName + Suffix
}

// Suffix terminates every diary name inside a declaration.
const Suffix = "日记本"

// NestedPlaceholder replaces declarations found inside retrieved content.
const NestedPlaceholder = "[嵌套日记本声明已忽略]"

// ErrNotDeclaration is returned by Parse when the text is not a single
// well-formed declaration.
var ErrNotDeclaration = errors.New("not a diary declaration")

type delimiter struct {
	open, close string
	kind        Kind
}

var delimiters = []delimiter{
	{"[[", "]]", Semantic},
	{"<<", ">>", FullText},
	{"《《", "》》", Hybrid},
}

// Scan returns every declaration in text, in order of appearance.
func Scan(text string) []Declaration {
	var out []Declaration
	for i := 0; i < len(text); {
		d, ok := scanAt(text, i)
		if ok {
			out = append(out, d)
			i = d.End
			continue
		}
		i++
	}
	return out
}

// Parse parses s as exactly one declaration.
func Parse(s string) (Declaration, error) {
	d, ok := scanAt(s, 0)
	if !ok || d.End != len(s) {
		return Declaration{}, ErrNotDeclaration
	}
	return d, nil
}

func scanAt(text string, i int) (Declaration, bool) {
	for _, dl := range delimiters {
		if !strings.HasPrefix(text[i:], dl.open) {
			continue
		}
		bodyStart := i + len(dl.open)
		n := strings.Index(text[bodyStart:], dl.close)
		if n < 0 {
			return Declaration{}, false
		}
		body := text[bodyStart : bodyStart+n]
		name, mods, err := parseBody(body, dl.kind)
		if err != nil {
			return Declaration{}, false
		}
		end := bodyStart + n + len(dl.close)
		return Declaration{
			Kind:   dl.kind,
			DBName: name,
			Mods:   mods,
			Raw:    text[i:end],
			Start:  i,
			End:    end,
		}, true
	}
	return Declaration{}, false
}

// Replace substitutes each declaration in decls, which must come from
// Scan(text), with the string returned by fn.
func Replace(text string, decls []Declaration, fn func(Declaration) string) string {
	if len(decls) == 0 {
		return text
	}
	var b strings.Builder
	prev := 0
	for _, d := range decls {
		b.WriteString(text[prev:d.Start])
		b.WriteString(fn(d))
		prev = d.End
	}
	b.WriteString(text[prev:])
	return b.String()
}

// Strip removes every declaration from text.
func Strip(text string) string {
	return Replace(text, Scan(text), func(Declaration) string { return "" })
}

// Neutralize rewrites every declaration in text to NestedPlaceholder so that
// retrieved content can never trigger another retrieval.
func Neutralize(text string) string {
	return Replace(text, Scan(text), func(Declaration) string { return NestedPlaceholder })
}
