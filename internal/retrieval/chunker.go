package retrieval

import (
	"log/slog"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
)

// Chunker splits diary text into sentence-aligned chunks of at most
// MaxTokens tokens, repeating up to OverlapTokens of trailing sentences at
// the start of the next chunk. A single sentence longer than MaxTokens
// becomes its own chunk.
type Chunker struct {
	MaxTokens     int
	OverlapTokens int

	// Counter overrides the tokenizer when set.
	Counter func(string) int

	once sync.Once
	enc  *tiktoken.Tiktoken
}

// NewChunker returns a Chunker using the cl100k_base encoding.
func NewChunker(maxTokens, overlapTokens int) *Chunker {
	if maxTokens <= 0 {
		maxTokens = 500
	}
	if overlapTokens < 0 || overlapTokens >= maxTokens {
		overlapTokens = 0
	}
	return &Chunker{MaxTokens: maxTokens, OverlapTokens: overlapTokens}
}

// CountTokens returns the cl100k_base token count of s. If the encoding
// cannot be loaded, it falls back to one token per two runes.
func (c *Chunker) CountTokens(s string) int {
	if c.Counter != nil {
		return c.Counter(s)
	}
	c.once.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			slog.Warn("chunker: tiktoken unavailable, estimating tokens", "error", err)
			return
		}
		c.enc = enc
	})
	if c.enc == nil {
		return (utf8.RuneCountInString(s) + 1) / 2
	}
	return len(c.enc.Encode(s, nil, nil))
}

// Chunk splits text. Empty or whitespace-only text yields no chunks.
func (c *Chunker) Chunk(text string) []string {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	sentences := splitSentences(text)
	counts := make([]int, len(sentences))
	for i, s := range sentences {
		counts[i] = c.CountTokens(s)
	}

	var chunks []string
	var cur strings.Builder
	curTokens := 0
	flush := func() {
		if t := strings.TrimSpace(cur.String()); t != "" {
			chunks = append(chunks, t)
		}
	}

	for i, s := range sentences {
		if curTokens+counts[i] > c.MaxTokens && curTokens > 0 {
			flush()
			var overlap []string
			overlapTokens := 0
			for j := i - 1; j >= 0; j-- {
				if overlapTokens+counts[j] > c.OverlapTokens {
					break
				}
				overlap = append([]string{sentences[j]}, overlap...)
				overlapTokens += counts[j]
			}
			cur.Reset()
			cur.WriteString(strings.Join(overlap, ""))
			curTokens = overlapTokens
		}
		cur.WriteString(s)
		curTokens += counts[i]
	}
	flush()
	return chunks
}

// splitSentences cuts after every sentence terminator, keeping it.
func splitSentences(text string) []string {
	var out []string
	start := 0
	for i, r := range text {
		switch r {
		case '。', '？', '！', '.', '!', '?', '\n':
			end := i + utf8.RuneLen(r)
			out = append(out, text[start:end])
			start = end
		}
	}
	if start < len(text) {
		out = append(out, text[start:])
	}
	return out
}
