// Package timeparse turns Chinese natural-language time references into
// absolute day-aligned UTC ranges.
//
// Calendar arithmetic happens on Beijing civil dates. A resolved date d is
// emitted as [d 00:00:00.000Z, d 23:59:59.999Z], so a range always covers
// whole UTC days labelled with the Beijing date.
package timeparse

import (
	"regexp"
	"sort"
	"strings"
	"time"
	"unicode/utf8"
)

// Range is an inclusive time interval produced by the parser.
type Range struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

const isoMillis = "2006-01-02T15:04:05.000Z"

// Key identifies a range by its ISO start/end pair.
func (r Range) Key() string {
	return r.Start.UTC().Format(isoMillis) + "|" + r.End.UTC().Format(isoMillis)
}

// Contains reports whether t falls inside the range, bounds included.
func (r Range) Contains(t time.Time) bool {
	return !t.Before(r.Start) && !t.After(r.End)
}

// Beijing is the fixed UTC+8 zone used to anchor "today".
var Beijing = time.FixedZone("CST", 8*60*60)

// Parser resolves time expressions relative to a clock in a given zone.
type Parser struct {
	loc *time.Location
}

// New returns a Parser anchored in loc. A nil loc means Beijing time.
func New(loc *time.Location) *Parser {
	if loc == nil {
		loc = Beijing
	}
	return &Parser{loc: loc}
}

// Parse resolves every time expression found in text against the current time.
func (p *Parser) Parse(text string) []Range {
	return p.ParseAt(text, time.Now())
}

// ParseAt resolves every time expression found in text against now. The
// result is never nil-typed for callers that range over it, contains no two
// ranges with the same ISO pair and keeps discovery order.
func (p *Parser) ParseAt(text string, now time.Time) []Range {
	local := now.In(p.loc)
	today := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, time.UTC)

	work := text
	var found []Range

	for _, ph := range phrases {
		var hits int
		work, hits = consume(work, ph)
		for i := 0; i < hits; i++ {
			found = append(found, ph.resolve(today))
		}
	}

	for _, dp := range dynamicPatterns {
		locs := dp.re.FindAllStringSubmatchIndex(work, -1)
		if len(locs) == 0 {
			continue
		}
		for _, loc := range locs {
			arg := work[loc[2]:loc[3]]
			if r, ok := dp.resolve(today, arg); ok {
				found = append(found, r)
			}
		}
		work = dp.re.ReplaceAllStringFunc(work, blank)
	}

	return dedupe(found)
}

func dedupe(ranges []Range) []Range {
	seen := make(map[string]bool, len(ranges))
	out := make([]Range, 0, len(ranges))
	for _, r := range ranges {
		k := r.Key()
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, r)
	}
	return out
}

// blank replaces a consumed match with NUL runes of the same count so the
// surrounding text cannot fuse into a new match.
func blank(s string) string {
	return strings.Repeat("\x00", utf8.RuneCountInString(s))
}

// --- hardcoded phrases ---

type phrase struct {
	text string
	// notBefore lists runes that must not immediately follow the phrase for
	// it to match. It keeps "上周" from swallowing "上周三".
	notBefore string
	resolve   func(today time.Time) Range
}

func consume(work string, ph phrase) (string, int) {
	var b strings.Builder
	hits := 0
	rest := work
	for {
		i := strings.Index(rest, ph.text)
		if i < 0 {
			b.WriteString(rest)
			break
		}
		after := rest[i+len(ph.text):]
		if ph.notBefore != "" && after != "" {
			next, _ := utf8.DecodeRuneInString(after)
			if strings.ContainsRune(ph.notBefore, next) {
				b.WriteString(rest[:i+len(ph.text)])
				rest = after
				continue
			}
		}
		b.WriteString(rest[:i])
		b.WriteString(blank(ph.text))
		rest = after
		hits++
	}
	return b.String(), hits
}

const weekdayRunes = "一二三四五六日天1234567"

var phrases = buildPhrases()

func buildPhrases() []phrase {
	day := func(offset int) func(time.Time) Range {
		return func(today time.Time) Range { return dayRange(today.AddDate(0, 0, -offset)) }
	}
	week := func(offset int) func(time.Time) Range {
		return func(today time.Time) Range { return weekRange(today, offset) }
	}
	month := func(offset int) func(time.Time) Range {
		return func(today time.Time) Range { return monthRange(today, offset) }
	}
	band := func(offset, from, to int) func(time.Time) Range {
		return func(today time.Time) Range { return monthBand(today, offset, from, to) }
	}
	year := func(offset int) func(time.Time) Range {
		return func(today time.Time) Range {
			y := today.Year() - offset
			return span(time.Date(y, 1, 1, 0, 0, 0, 0, time.UTC), time.Date(y, 12, 31, 0, 0, 0, 0, time.UTC))
		}
	}

	list := []phrase{
		{text: "今天", resolve: day(0)},
		{text: "昨天", resolve: day(1)},
		{text: "前天", resolve: day(2)},
		{text: "大前天", resolve: day(3)},

		{text: "本周", notBefore: weekdayRunes, resolve: week(0)},
		{text: "这周", notBefore: weekdayRunes, resolve: week(0)},
		{text: "上周", notBefore: weekdayRunes, resolve: week(1)},
		{text: "上星期", notBefore: weekdayRunes, resolve: week(1)},
		{text: "上个星期", notBefore: weekdayRunes, resolve: week(1)},
		{text: "上上周", notBefore: weekdayRunes, resolve: week(2)},
		{text: "上上个星期", notBefore: weekdayRunes, resolve: week(2)},

		{text: "本月", resolve: month(0)},
		{text: "这个月", resolve: month(0)},
		{text: "上月", resolve: month(1)},
		{text: "上个月", resolve: month(1)},
		{text: "上上个月", resolve: month(2)},

		{text: "本月初", resolve: band(0, 1, 10)},
		{text: "本月中", resolve: band(0, 11, 20)},
		{text: "本月末", resolve: band(0, 21, 31)},
		{text: "上月初", resolve: band(1, 1, 10)},
		{text: "上月中", resolve: band(1, 11, 20)},
		{text: "上月末", resolve: band(1, 21, 31)},
		{text: "上个月初", resolve: band(1, 1, 10)},
		{text: "上个月中", resolve: band(1, 11, 20)},
		{text: "上个月末", resolve: band(1, 21, 31)},

		{text: "今年", resolve: year(0)},
		{text: "去年", resolve: year(1)},
		{text: "前年", resolve: year(2)},
	}

	sort.SliceStable(list, func(i, j int) bool {
		return utf8.RuneCountInString(list[i].text) > utf8.RuneCountInString(list[j].text)
	})
	return list
}

// --- parametrized patterns ---

type dynamicPattern struct {
	re      *regexp.Regexp
	resolve func(today time.Time, arg string) (Range, bool)
}

const numClass = `([0-9]+|[零〇一二两三四五六七八九十]+)`

var dynamicPatterns = []dynamicPattern{
	{
		// 上周X is in the previous ISO week, 上上周X one week earlier.
		re: regexp.MustCompile(`(上上?(?:周|个?星期)[一二三四五六日天1-7])`),
		resolve: func(today time.Time, arg string) (Range, bool) {
			last, _ := utf8.DecodeLastRuneInString(arg)
			target, ok := weekdayNumber(string(last))
			if !ok {
				return Range{}, false
			}
			back := daysBackToLastWeek(today, target)
			if strings.HasPrefix(arg, "上上") {
				back += 7
			}
			return dayRange(today.AddDate(0, 0, -back)), true
		},
	},
	{
		re: regexp.MustCompile(`(?:最近|过去)` + numClass + `天`),
		resolve: func(today time.Time, arg string) (Range, bool) {
			n, ok := ParseNumber(arg)
			if !ok || n <= 0 {
				return Range{}, false
			}
			return span(today.AddDate(0, 0, -(n-1)), today), true
		},
	},
	{
		re: regexp.MustCompile(numClass + `天前`),
		resolve: func(today time.Time, arg string) (Range, bool) {
			n, ok := ParseNumber(arg)
			if !ok {
				return Range{}, false
			}
			return dayRange(today.AddDate(0, 0, -n)), true
		},
	},
	{
		re: regexp.MustCompile(numClass + `(?:周|个星期|星期)前`),
		resolve: func(today time.Time, arg string) (Range, bool) {
			n, ok := ParseNumber(arg)
			if !ok {
				return Range{}, false
			}
			return weekRange(today, n), true
		},
	},
	{
		re: regexp.MustCompile(numClass + `个月前`),
		resolve: func(today time.Time, arg string) (Range, bool) {
			n, ok := ParseNumber(arg)
			if !ok {
				return Range{}, false
			}
			return monthRange(today, n), true
		},
	},
}

// weekdayNumber maps a weekday token to ISO numbering, Monday=1 … Sunday=7.
func weekdayNumber(s string) (int, bool) {
	switch s {
	case "一", "1":
		return 1, true
	case "二", "2":
		return 2, true
	case "三", "3":
		return 3, true
	case "四", "4":
		return 4, true
	case "五", "5":
		return 5, true
	case "六", "6":
		return 6, true
	case "日", "天", "7":
		return 7, true
	}
	return 0, false
}

// isoWeekday converts Go's Sunday=0 numbering to Monday=1 … Sunday=7.
func isoWeekday(t time.Time) int {
	wd := int(t.Weekday())
	if wd == 0 {
		return 7
	}
	return wd
}

// daysBackToLastWeek returns how many days before today the given weekday
// of the previous ISO week falls.
func daysBackToLastWeek(today time.Time, target int) int {
	return isoWeekday(today) + (7 - target)
}

// --- range helpers ---

func dayRange(d time.Time) Range {
	return span(d, d)
}

func span(from, to time.Time) Range {
	return Range{
		Start: time.Date(from.Year(), from.Month(), from.Day(), 0, 0, 0, 0, time.UTC),
		End:   time.Date(to.Year(), to.Month(), to.Day(), 23, 59, 59, int(999*time.Millisecond), time.UTC),
	}
}

// weekRange returns the Monday-start ISO week that lies offset weeks before
// the week containing today.
func weekRange(today time.Time, offset int) Range {
	monday := today.AddDate(0, 0, -(isoWeekday(today) - 1) - 7*offset)
	return span(monday, monday.AddDate(0, 0, 6))
}

// monthRange returns the calendar month offset months before today's.
func monthRange(today time.Time, offset int) Range {
	first := time.Date(today.Year(), today.Month()-time.Month(offset), 1, 0, 0, 0, 0, time.UTC)
	return span(first, monthEnd(first))
}

// monthBand returns days from..to of the month offset months back, with to
// clipped to the real month end.
func monthBand(today time.Time, offset, from, to int) Range {
	first := time.Date(today.Year(), today.Month()-time.Month(offset), 1, 0, 0, 0, 0, time.UTC)
	last := monthEnd(first)
	if to > last.Day() {
		to = last.Day()
	}
	return span(first.AddDate(0, 0, from-1), time.Date(first.Year(), first.Month(), to, 0, 0, 0, 0, time.UTC))
}

// monthEnd is day 0 of the following month.
func monthEnd(first time.Time) time.Time {
	return time.Date(first.Year(), first.Month()+1, 0, 0, 0, 0, 0, time.UTC)
}
