package main

import (
	"cmp"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/kalambet/ragdiary/internal/api"
	"github.com/kalambet/ragdiary/internal/semgroup"
	"github.com/kalambet/ragdiary/internal/timeparse"
)

const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
	colorBold   = "\033[1m"
)

// Command output goes through these so tests can capture it.
var (
	stdout io.Writer = os.Stdout
	stderr io.Writer = os.Stderr
)

func colorize(color, text string) string {
	if noColor {
		return text
	}
	return color + text + colorReset
}

// notice writes one marked line to stderr.
func notice(color, mark, format string, args []any) {
	fmt.Fprintln(stderr, colorize(color, mark+" "+fmt.Sprintf(format, args...)))
}

func printSuccess(format string, args ...any) { notice(colorGreen, "✓", format, args) }
func printError(format string, args ...any)   { notice(colorRed, "✗", format, args) }
func printWarning(format string, args ...any) { notice(colorYellow, "⚠", format, args) }
func printStep(format string, args ...any)    { notice(colorCyan, "→", format, args) }

// printStatus writes an aligned "label: value" line for the status command.
func printStatus(label, format string, args ...any) {
	fmt.Fprintf(stderr, "  %s %s\n", colorize(colorBold, fmt.Sprintf("%-16s", label+":")), fmt.Sprintf(format, args...))
}

// printJSON writes v to stdout as indented JSON.
func printJSON(v any) error {
	enc := json.NewEncoder(stdout)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// printActivations lists activated groups, strongest first.
func printActivations(activated map[string]semgroup.Activation) {
	if len(activated) == 0 {
		fmt.Fprintln(stdout, "No groups activated.")
		return
	}
	names := make([]string, 0, len(activated))
	for name := range activated {
		names = append(names, name)
	}
	slices.SortFunc(names, func(a, b string) int {
		if c := cmp.Compare(activated[b].Strength, activated[a].Strength); c != 0 {
			return c
		}
		return strings.Compare(a, b)
	})
	for _, name := range names {
		a := activated[name]
		fmt.Fprintf(stdout, "%s %3.0f%%  %s\n", colorize(colorBold, name), a.Strength*100, strings.Join(a.MatchedWords, ", "))
	}
}

// printDiaries writes the diary list as a table.
func printDiaries(infos []api.DiaryInfo) {
	if len(infos) == 0 {
		fmt.Fprintln(stdout, "No diaries found.")
		return
	}
	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "DIARY\tFILES\tCHUNKS")
	for _, d := range infos {
		fmt.Fprintf(tw, "%s\t%d\t%d\n", d.Name, d.Files, d.Chunks)
	}
	tw.Flush()
}

// printRanges writes one line per resolved day or span.
func printRanges(ranges []timeparse.Range) {
	if len(ranges) == 0 {
		fmt.Fprintln(stdout, "No time expressions found.")
		return
	}
	for _, r := range ranges {
		fmt.Fprintf(stdout, "%s  %s .. %s\n", colorize(colorBold, r.Start.Format(time.DateOnly)), r.Start.Format(time.RFC3339), r.End.Format(time.RFC3339Nano))
	}
}
