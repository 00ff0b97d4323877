package diff

import (
	"path"
	"strings"
	"sync"

	"github.com/alecthomas/chroma/v2"
	"github.com/alecthomas/chroma/v2/lexers"
	"github.com/alecthomas/chroma/v2/styles"
)

// HighlightedLine is one source line split into colored tokens.
type HighlightedLine struct {
	Tokens []Token
}

// Token is a run of text drawn in one color. Color is a hex color such
// as "#ff79c6", or empty for the terminal default.
type Token struct {
	Text  string
	Color string
}

// Plain returns the line without colors.
func (hl HighlightedLine) Plain() string {
	var b strings.Builder
	for _, t := range hl.Tokens {
		b.WriteString(t.Text)
	}
	return b.String()
}

// Highlighter colors depot file content. Lexers are looked up by file
// extension once and cached; it is safe for concurrent use.
type Highlighter struct {
	style *chroma.Style

	mu    sync.Mutex
	byExt map[string]chroma.Lexer
}

// NewHighlighter returns a Highlighter using the named chroma style,
// falling back to chroma's default when the name is unknown.
func NewHighlighter(style string) *Highlighter {
	s := styles.Get(style)
	if s == nil {
		s = styles.Fallback
	}
	return &Highlighter{style: s, byExt: make(map[string]chroma.Lexer)}
}

var defaultHighlighter = NewHighlighter("dracula")

// HighlightLines colors lines of the depot file name with the default
// style. name may carry a revision, e.g. "//depot/main/a.go#3".
func HighlightLines(name string, lines []string) []HighlightedLine {
	return defaultHighlighter.Lines(name, lines)
}

// Lines returns exactly one HighlightedLine per input line.
func (h *Highlighter) Lines(name string, lines []string) []HighlightedLine {
	lexer := h.lexer(name)
	if lexer == nil {
		return plainLines(lines)
	}
	it, err := lexer.Tokenise(nil, strings.Join(lines, "\n"))
	if err != nil {
		return plainLines(lines)
	}

	out := make([]HighlightedLine, len(lines))
	for i, toks := range chroma.SplitTokensIntoLines(it.Tokens()) {
		if i >= len(out) {
			break
		}
		for _, tok := range toks {
			text := strings.TrimSuffix(tok.Value, "\n")
			if text == "" {
				continue
			}
			out[i].Tokens = append(out[i].Tokens, Token{Text: text, Color: h.color(tok.Type)})
		}
	}
	return out
}

func (h *Highlighter) color(tt chroma.TokenType) string {
	if e := h.style.Get(tt); e.Colour.IsSet() {
		return e.Colour.String()
	}
	return ""
}

func (h *Highlighter) lexer(name string) chroma.Lexer {
	base := baseName(name)
	key := path.Ext(base)
	if key == "" {
		key = base
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if l, ok := h.byExt[key]; ok {
		return l
	}
	l := lexers.Match(base)
	if l == nil && path.Ext(base) != "" {
		l = lexers.Match("file" + path.Ext(base))
	}
	if l != nil {
		l = chroma.Coalesce(l)
	}
	h.byExt[key] = l
	return l
}

func plainLines(lines []string) []HighlightedLine {
	out := make([]HighlightedLine, len(lines))
	for i, line := range lines {
		out[i] = HighlightedLine{Tokens: []Token{{Text: line}}}
	}
	return out
}

// baseName strips the depot prefix and any #rev or @change specifier.
func baseName(name string) string {
	if i := strings.IndexAny(name, "#@"); i >= 0 {
		name = name[:i]
	}
	return path.Base(strings.TrimPrefix(name, "//"))
}
