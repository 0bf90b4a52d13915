package composer

import (
	"fmt"
	"sort"
	"strings"

	"github.com/kalambet/ragdiary/internal/semgroup"
	"github.com/kalambet/ragdiary/internal/timeparse"
)

// Source tells where a retrieved entry came from.
type Source string

const (
	SourceRAG  Source = "rag"
	SourceTime Source = "time"
)

// Entry is one retrieved piece of diary text.
type Entry struct {
	Text   string
	Source Source
	// Date is YYYY-MM-DD when known.
	Date string
}

// Key identifies an entry by its trimmed text.
func (e Entry) Key() string {
	return strings.TrimSpace(e.Text)
}

const noResults = "没有找到直接相关的记忆片段。"

// FormatFlat renders entries as the plain bulleted list used by semantic and
// hybrid declarations.
func FormatFlat(displayName string, entries []Entry) string {
	var b strings.Builder
	fmt.Fprintf(&b, "\n[--- 从\"%s\"中检索到的相关记忆片段 ---]\n", displayName)
	if len(entries) == 0 {
		b.WriteString(noResults)
	} else {
		writeBullets(&b, entries, false)
	}
	b.WriteString("\n[--- 记忆片段结束 ---]\n")
	return b.String()
}

// FormatGroupReport renders entries retrieved with a group-enhanced query,
// listing the groups that were activated and how strongly.
func FormatGroupReport(displayName string, entries []Entry, groups map[string]semgroup.Activation) string {
	var b strings.Builder
	fmt.Fprintf(&b, "\n[--- \"%s\" 语义组增强检索 ---]\n", displayName)
	writeGroups(&b, groups)
	if len(entries) == 0 {
		b.WriteString(noResults)
	} else {
		fmt.Fprintf(&b, "[检索到 %d 条相关记忆]\n", len(entries))
		writeBullets(&b, entries, false)
	}
	b.WriteString("\n[--- 检索结束 ---]\n")
	return b.String()
}

// FormatTimeReport renders the combined result of a time-aware declaration:
// semantic matches and entries from the requested time ranges, each dated
// where possible. Activated groups, if any, are listed before the entries.
func FormatTimeReport(displayName string, ranges []timeparse.Range, entries []Entry, groups map[string]semgroup.Activation) string {
	var semantic, timed []Entry
	for _, e := range entries {
		if e.Source == SourceTime {
			timed = append(timed, e)
		} else {
			semantic = append(semantic, e)
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "\n[--- \"%s\" 多时间感知检索结果 ---]\n", displayName)
	if len(ranges) > 0 {
		spans := make([]string, len(ranges))
		for i, r := range ranges {
			spans[i] = formatRange(r)
		}
		fmt.Fprintf(&b, "[时间范围: %s]\n", strings.Join(spans, "; "))
	}
	fmt.Fprintf(&b, "[合计 %d 条: 语义相关 %d 条, 时间范围 %d 条]\n\n", len(entries), len(semantic), len(timed))
	writeGroups(&b, groups)

	b.WriteString("【语义相关记忆】\n")
	if len(semantic) == 0 {
		b.WriteString("（无）")
	} else {
		writeBullets(&b, semantic, true)
	}
	b.WriteString("\n\n【时间范围记忆】\n")
	if len(timed) == 0 {
		b.WriteString("（无）")
	} else {
		writeBullets(&b, timed, true)
	}
	b.WriteString("\n[--- 检索结束 ---]\n")
	return b.String()
}

// CircularNotice replaces a second declaration of the same diary within one
// message.
func CircularNotice(displayName string) string {
	return fmt.Sprintf("[检测到循环引用，已跳过\"%s\"的解析]", displayName)
}

func writeGroups(b *strings.Builder, groups map[string]semgroup.Activation) {
	if len(groups) == 0 {
		return
	}
	b.WriteString("[激活的语义组]\n")
	names := make([]string, 0, len(groups))
	for n := range groups {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		a := groups[n]
		fmt.Fprintf(b, "  • %s (%d%%激活): %s\n", n, int(a.Strength*100+0.5), strings.Join(a.MatchedWords, ", "))
	}
	b.WriteByte('\n')
}

func writeBullets(b *strings.Builder, entries []Entry, dated bool) {
	for i, e := range entries {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString("* ")
		if dated && e.Date != "" {
			fmt.Fprintf(b, "[%s] ", e.Date)
		}
		b.WriteString(e.Key())
	}
}

func formatRange(r timeparse.Range) string {
	start := r.Start.UTC().Format("2006-01-02")
	end := r.End.UTC().Format("2006-01-02")
	if start == end {
		return start
	}
	return start + " ~ " + end
}
