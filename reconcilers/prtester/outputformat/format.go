/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package outputformat renders raw CI driver output as a GitHub comment:
// collapsible sections for the driver's phases, highlighted result lines,
// fenced test output, and a hard cap on the rendered length.
//
// The input is expected to be raw driver output. Formatting already
// formatted text is not supported.
package outputformat

import (
	"strings"
	"unicode/utf8"

	"github.com/charmbracelet/x/ansi"
)

const (
	// CommentCap is the maximum number of characters GitHub accepts in a
	// single issue comment.
	CommentCap = 262144

	// RemovedNotice is appended when section content had to be erased.
	RemovedNotice = "\nREMOVED SOME LINES FROM OUTPUT TO COMPLY TO COMMENT MAX LENGTH!"

	// CapFailureMessage replaces the whole report when erasing section
	// content is not enough to fit the cap.
	CapFailureMessage = "Could not comply to comment max length by erasing section content for some reason." +
		"\nPlease check the CI log for further information."

	// markerWidth is the length of the banner lines the CI driver uses to
	// open and close a phase.
	markerWidth = 62

	detailsOpen  = "<details><summary>"
	detailsEnd   = "</details>"
	detailsClose = detailsEnd + "\n"
	summaryOpen  = "<summary>"
	summaryClose = "</summary>"

	wrapperHead = "<details>\n<summary>Output</summary>\n\n"
	wrapperTail = "\n</details>"
)

var (
	openMarker  = strings.Repeat(">", markerWidth)
	closeMarker = strings.Repeat("<", markerWidth)
)

// Transform is a single text-to-text stage of the pipeline.
type Transform func(string) string

// Pipeline returns the stages applied before length capping, in order.
// Stripping must precede section detection, which must precede
// colorization, since each stage matches on the output of the previous one.
func Pipeline() []Transform {
	return []Transform{
		StripControl,
		CollapseSections,
		ColorizeResults,
		FenceTestOutput,
	}
}

// Format renders raw CI output into a report of at most CommentCap
// characters.
func Format(raw string) string {
	return FormatWithin(raw, CommentCap)
}

// FormatWithin renders raw CI output into a report of at most limit
// characters, wrapped in an outer "Output" section. Callers that prepend
// their own text pass the remaining budget.
func FormatWithin(raw string, limit int) string {
	report, _ := Render(raw, limit)
	return report
}

// Render is FormatWithin that also reports whether output had to be erased,
// or the whole report replaced, to stay within limit.
func Render(raw string, limit int) (report string, truncated bool) {
	out := raw
	for _, tf := range Pipeline() {
		out = tf(out)
	}
	out, truncated = capLength(out, limit-Len(wrapperHead)-Len(wrapperTail))
	return wrapperHead + out + wrapperTail, truncated
}

// Len counts characters the way the comment limit does.
func Len(s string) int {
	return utf8.RuneCountInString(s)
}

// StripControl removes terminal escape sequences and turns carriage returns
// into indented line breaks, so progress output that overwrites itself
// stays readable instead of being lost.
func StripControl(s string) string {
	s = ansi.Strip(s)
	return strings.ReplaceAll(s, "\r", "\n   ")
}

// CollapseSections turns the driver's phase banners into collapsible
// sections. The line after an opening banner becomes the section title.
// Banners are replaced independently, in the order they appear; nesting is
// not checked.
func CollapseSections(s string) string {
	s = strings.ReplaceAll(s, openMarker, detailsOpen)
	s = strings.ReplaceAll(s, closeMarker, detailsClose)

	lines := splitKeepEnds(s)
	for i, l := range lines {
		if strings.Contains(l, summaryOpen) && i+1 < len(lines) {
			lines[i+1] += summaryClose + "\n\n"
		}
	}
	return strings.Join(lines, "")
}

// ColorizeResults wraps result lines in diff blocks so GitHub renders
// successes green and failures red.
func ColorizeResults(s string) string {
	lines := splitKeepEnds(s)
	for i, l := range lines {
		if strings.Contains(l, "returned with code '") {
			lines[i] = diffBlock(strings.Contains(l, "code '0'"), l)
		}
		if strings.Contains(l, "Summary: ") && !strings.Contains(l, "package finished") {
			lines[i] = diffBlock(strings.Contains(l, "0 errors") && strings.Contains(l, "0 failures"), l)
		}
	}
	return strings.Join(lines, "")
}

func diffBlock(positive bool, line string) string {
	sign := "-"
	if positive {
		sign = "+"
	}
	return "```diff\n" + sign + line + "\n```\n"
}

// FenceTestOutput closes and reopens a code fence at every line starting
// with "---", the separator test runners print before raw output.
func FenceTestOutput(s string) string {
	return strings.ReplaceAll(s, "\n---", "\n\n```\n\n")
}

// CapLength erases the content of collapsed sections, earliest first, until
// s fits into limit characters including RemovedNotice. If that is not
// enough, CapFailureMessage is returned instead.
func CapLength(s string, limit int) string {
	out, _ := capLength(s, limit)
	return out
}

func capLength(s string, limit int) (string, bool) {
	budget := limit - Len(RemovedNotice)
	n := Len(s)
	if n <= budget {
		return s, false
	}

	// Sections are located in s itself; an erasure never changes what
	// follows it, so the result is assembled in one pass.
	var b strings.Builder
	b.Grow(len(s))
	kept := 0
	for n > budget {
		start, end, ok := nextErasable(s, kept)
		if !ok {
			return CapFailureMessage, true
		}
		b.WriteString(s[kept:start])
		b.WriteString("...")
		n -= Len(s[start:end]) - len("...")
		kept = end
	}
	b.WriteString(s[kept:])
	b.WriteString(RemovedNotice)
	return b.String(), true
}

// nextErasable finds the earliest section body at or after from: the
// complete lines directly following a "</summary>" up to, but excluding,
// the first line that contains "</details>".
func nextErasable(s string, from int) (start, end int, ok bool) {
	for from <= len(s) {
		i := strings.Index(s[from:], summaryClose)
		if i < 0 {
			return 0, 0, false
		}
		start = from + i + len(summaryClose)
		end = start
		for {
			nl := strings.IndexByte(s[end:], '\n')
			if nl < 0 || strings.Contains(s[end:end+nl], detailsEnd) {
				break
			}
			end += nl + 1
		}
		if end > start {
			return start, end, true
		}
		from = start
	}
	return 0, 0, false
}

func splitKeepEnds(s string) []string {
	lines := strings.SplitAfter(s, "\n")
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}
