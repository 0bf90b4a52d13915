package pipeline

import (
	"math"
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/kalambet/ragdiary/internal/composer"
)

// Policy bounds how semantic and time-range entries are combined.
type Policy struct {
	// Cap is the maximum number of entries kept.
	Cap int
	// Floor and Ratio reserve max(Floor, Ratio*Cap) slots for semantic
	// entries when that many are available.
	Floor int
	Ratio float64
}

// DefaultPolicy keeps at most 30 entries with at least 12 semantic slots.
var DefaultPolicy = Policy{Cap: 30, Floor: 5, Ratio: 0.4}

// MergeEntries deduplicates by trimmed text, semantic entries winning ties,
// then keeps the guaranteed semantic share, fills the rest with time-range
// entries newest first, and hands any slots left over back to semantic
// entries. Semantic entries come first in the result.
func MergeEntries(semantic, timed []composer.Entry, p Policy) []composer.Entry {
	if p.Cap <= 0 {
		p = DefaultPolicy
	}
	seen := make(map[string]bool)
	dedupe := func(in []composer.Entry) []composer.Entry {
		var out []composer.Entry
		for _, e := range in {
			k := e.Key()
			if k == "" || seen[k] {
				continue
			}
			seen[k] = true
			out = append(out, e)
		}
		return out
	}
	sem := dedupe(semantic)
	tim := dedupe(timed)
	sort.SliceStable(tim, func(i, j int) bool { return tim[i].Date > tim[j].Date })

	guaranteed := max(p.Floor, int(math.Round(p.Ratio*float64(p.Cap))))
	semTake := min(len(sem), guaranteed, p.Cap)
	timeTake := min(len(tim), p.Cap-semTake)
	semTake += min(len(sem)-semTake, p.Cap-semTake-timeTake)

	out := make([]composer.Entry, 0, semTake+timeTake)
	out = append(out, sem[:semTake]...)
	out = append(out, tim[:timeTake]...)
	return out
}

// DynamicK sizes a retrieval from the latest turn: 3, 5 or 7 by user text
// length, averaged with the same scale over the assistant's distinct tokens
// when there is an assistant turn.
func DynamicK(userText, aiText string, hasAI bool) int {
	kUser := scaleK(utf8.RuneCountInString(userText), 30, 100)
	if !hasAI {
		return kUser
	}
	kAI := scaleK(uniqueTokens(aiText), 40, 100)
	return int(math.Round(float64(kUser+kAI) / 2))
}

func scaleK(n, mid, high int) int {
	switch {
	case n > high:
		return 7
	case n > mid:
		return 5
	}
	return 3
}

var tokenPattern = regexp.MustCompile(`[a-zA-Z0-9]+|[^\x00-\x7F\s]`)

// uniqueTokens counts distinct ASCII words and non-ASCII characters,
// ignoring case.
func uniqueTokens(s string) int {
	seen := make(map[string]struct{})
	for _, t := range tokenPattern.FindAllString(strings.ToLower(s), -1) {
		seen[t] = struct{}{}
	}
	return len(seen)
}
