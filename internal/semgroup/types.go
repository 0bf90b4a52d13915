package semgroup

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strings"
)

// Group is a named word list with an out-of-line embedding.
type Group struct {
	Words           []string `json:"words"`
	AutoLearned     []string `json:"auto_learned,omitempty"`
	Weight          float64  `json:"weight,omitempty"`
	VectorID        string   `json:"vector_id,omitempty"`
	WordsHash       string   `json:"words_hash,omitempty"`
	LastActivated   string   `json:"last_activated,omitempty"`
	ActivationCount int      `json:"activation_count,omitempty"`

	// Vector only appears in legacy files written before vectors moved out
	// of line. It is migrated on load and never written back.
	Vector []float32 `json:"vector,omitempty"`
}

// EffectiveWeight is the group weight, defaulting to 1.
func (g *Group) EffectiveWeight() float64 {
	if g.Weight == 0 {
		return 1.0
	}
	return g.Weight
}

// AllWords is words followed by auto-learned words, empty and repeated
// entries removed.
func (g *Group) AllWords() []string {
	seen := make(map[string]bool, len(g.Words)+len(g.AutoLearned))
	var out []string
	for _, list := range [][]string{g.Words, g.AutoLearned} {
		for _, w := range list {
			w = strings.TrimSpace(w)
			if w == "" || seen[w] {
				continue
			}
			seen[w] = true
			out = append(out, w)
		}
	}
	return out
}

func (g *Group) clone() *Group {
	c := *g
	c.Words = append([]string(nil), g.Words...)
	c.AutoLearned = append([]string(nil), g.AutoLearned...)
	c.Vector = nil
	return &c
}

// Document is the on-disk shape of semantic_groups.json and its edit buffer.
type Document struct {
	Config map[string]any    `json:"config"`
	Groups map[string]*Group `json:"groups"`
}

// Activation describes how strongly a group matched some text.
type Activation struct {
	Strength     float64  `json:"strength"`
	MatchedWords []string `json:"matched_words"`
	AllWords     []string `json:"all_words"`
}

// WordsHash hashes the sorted word set. Word order does not affect it.
func WordsHash(words []string) string {
	sorted := append([]string(nil), words...)
	sort.Strings(sorted)
	b, _ := json.Marshal(sorted)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// Description is the text embedded to obtain a group's vector.
func Description(name string, words []string) string {
	return name + "相关主题：" + strings.Join(words, ", ")
}
