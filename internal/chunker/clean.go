package chunker

import (
	"regexp"
	"strings"
)

var (
	manyNewlines   = regexp.MustCompile(`\n{3,}`)
	horizontalRuns = regexp.MustCompile(`[ \t]+`)
	anyWhitespace  = regexp.MustCompile(`\s+`)
)

// Clean normalizes raw text before chunking. When preserveStructure is set,
// line structure survives: line endings are normalized, runs of three or
// more newlines collapse to exactly two, and horizontal whitespace runs
// collapse to a single space. Otherwise all whitespace flattens to single
// spaces.
func Clean(text string, preserveStructure bool) string {
	if !preserveStructure {
		return strings.TrimSpace(anyWhitespace.ReplaceAllString(text, " "))
	}

	s := strings.ReplaceAll(text, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	s = manyNewlines.ReplaceAllString(s, "\n\n")
	s = horizontalRuns.ReplaceAllString(s, " ")

	// Trim trailing spaces per line left behind by the horizontal collapse.
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " ")
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}
