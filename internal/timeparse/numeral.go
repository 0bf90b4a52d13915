package timeparse

import "strconv"

var cnDigits = map[rune]int{
	'零': 0, '〇': 0,
	'一': 1, '二': 2, '两': 2, '三': 3, '四': 4,
	'五': 5, '六': 6, '七': 7, '八': 8, '九': 9,
}

// ParseNumber converts an Arabic or Chinese numeral below one hundred into
// an int. Compound forms such as "十五", "二十一" and "三十" are supported.
// The second return value is false when s is not a recognised numeral.
func ParseNumber(s string) (int, bool) {
	if s == "" {
		return 0, false
	}
	if n, err := strconv.Atoi(s); err == nil {
		return n, n >= 0
	}

	runes := []rune(s)
	tenAt := -1
	for i, r := range runes {
		if r == '十' {
			if tenAt != -1 {
				return 0, false
			}
			tenAt = i
			continue
		}
		if _, ok := cnDigits[r]; !ok {
			return 0, false
		}
	}

	if tenAt == -1 {
		if len(runes) != 1 {
			return 0, false
		}
		return cnDigits[runes[0]], true
	}

	tens, ones := 1, 0
	switch tenAt {
	case 0:
	case 1:
		tens = cnDigits[runes[0]]
		if tens == 0 {
			return 0, false
		}
	default:
		return 0, false
	}
	switch len(runes) - tenAt - 1 {
	case 0:
	case 1:
		ones = cnDigits[runes[tenAt+1]]
	default:
		return 0, false
	}
	return tens*10 + ones, true
}
