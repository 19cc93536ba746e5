package search

import (
	"regexp"
	"strings"
	"time"
)

// Reply layout markers. Search answers end with a Source URLs line and,
// when freshness matters, a Checked on line.
const (
	SourceURLsPrefix = "Source URLs:"
	CheckedOnPrefix  = "Checked on:"
	checkedOnLayout  = "2006-01-02"
)

var urlRegex = regexp.MustCompile(`https?://[^\s<>()\[\]{}"']+`)

// ExtractURLs returns the distinct URLs in text in first-seen order.
// Trailing sentence punctuation is stripped.
func ExtractURLs(text string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, raw := range urlRegex.FindAllString(text, -1) {
		u := strings.TrimRight(raw, ".,;:!?")
		if u == "" || seen[u] {
			continue
		}
		seen[u] = true
		out = append(out, u)
	}
	return out
}

// HasCheckedOn reports whether the reply carries a Checked on line.
func HasCheckedOn(text string) bool {
	return strings.Contains(text, CheckedOnPrefix)
}

// CheckedOnDate returns the parsed date of the first Checked on line.
func CheckedOnDate(text string) (time.Time, bool) {
	idx := strings.Index(text, CheckedOnPrefix)
	if idx < 0 {
		return time.Time{}, false
	}
	rest := strings.TrimSpace(text[idx+len(CheckedOnPrefix):])
	if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
		rest = rest[:nl]
	}
	rest = strings.TrimSpace(rest)
	if len(rest) < len(checkedOnLayout) {
		return time.Time{}, false
	}
	d, err := time.Parse(checkedOnLayout, rest[:len(checkedOnLayout)])
	if err != nil {
		return time.Time{}, false
	}
	return d, true
}

// NormalizeReply appends the Source URLs and Checked on lines when missing.
// extraURLs are merged with URLs already present in the text. The operation
// is idempotent: normalizing a normalized reply changes nothing.
func NormalizeReply(text string, extraURLs []string, now time.Time) string {
	text = strings.TrimRight(text, " \t\n")
	if text == "" {
		return text
	}

	urls := ExtractURLs(text)
	known := make(map[string]bool, len(urls))
	for _, u := range urls {
		known[u] = true
	}
	var missing []string
	for _, u := range extraURLs {
		u = strings.TrimRight(u, ".,;:!?")
		if u != "" && !known[u] {
			known[u] = true
			missing = append(missing, u)
		}
	}

	if !strings.Contains(text, SourceURLsPrefix) {
		all := append(append([]string(nil), urls...), missing...)
		if len(all) > 0 {
			text += "\n" + SourceURLsPrefix + " " + strings.Join(all, ", ")
		}
	} else if len(missing) > 0 {
		text = appendToSourceLine(text, missing)
	}

	if !HasCheckedOn(text) {
		text += "\n" + CheckedOnPrefix + " " + now.UTC().Format(checkedOnLayout)
	}
	return text
}

// appendToSourceLine extends an existing Source URLs line in place.
func appendToSourceLine(text string, urls []string) string {
	idx := strings.Index(text, SourceURLsPrefix)
	lineEnd := strings.IndexByte(text[idx:], '\n')
	if lineEnd < 0 {
		lineEnd = len(text) - idx
	}
	head := text[:idx+lineEnd]
	tail := text[idx+lineEnd:]
	sep := ", "
	if strings.TrimSpace(strings.TrimPrefix(text[idx:idx+lineEnd], SourceURLsPrefix)) == "" {
		sep = " "
	}
	return head + sep + strings.Join(urls, ", ") + tail
}
