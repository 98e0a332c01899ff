package events

import (
	"regexp"
	"strconv"
)

// closingKeywordPattern matches GitHub's closing keywords ("fixes #12").
var closingKeywordPattern = regexp.MustCompile(`(?i)\b(?:fixes|closes|resolves)\s+#(\d+)\b`)

// blockerRefPattern matches blocker references in issue and comment bodies:
// "blocked by #12" and "blocking #12".
var blockerRefPattern = regexp.MustCompile(`(?i)\bblock(?:ing|ed\s+by)\s+#(\d+)\b`)

// ClosingIssueRefs extracts the issue numbers a text closes via keywords.
func ClosingIssueRefs(text string) []int {
	return extractRefs(closingKeywordPattern, text)
}

// BlockerRefs extracts the issue numbers a text declares as blockers.
func BlockerRefs(text string) []int {
	return extractRefs(blockerRefPattern, text)
}

func extractRefs(pattern *regexp.Regexp, text string) []int {
	var out []int
	seen := map[int]bool{}
	for _, m := range pattern.FindAllStringSubmatch(text, -1) {
		n, err := strconv.Atoi(m[1])
		if err != nil || seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, n)
	}
	return out
}
