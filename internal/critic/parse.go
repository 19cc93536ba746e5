package critic

import (
	"encoding/json"
	"regexp"
	"strings"
)

var (
	fenceRegex         = regexp.MustCompile("(?s)^```(?:json)?\\s*\\n(.*?)\\n?```\\s*$")
	trailingCommaRegex = regexp.MustCompile(`,\s*([}\]])`)
)

// ParseAssessment decodes a critic reply leniently: fenced JSON and trailing
// commas are tolerated, and the pass floor is enforced by downgrading
// under-scored passes to revise.
func ParseAssessment(text string) (*Assessment, bool) {
	text = strings.TrimSpace(text)
	if m := fenceRegex.FindStringSubmatch(text); m != nil {
		text = strings.TrimSpace(m[1])
	}
	if text == "" || text[0] != '{' {
		// Salvage an embedded object when the model added prose around it.
		start := strings.IndexByte(text, '{')
		end := strings.LastIndexByte(text, '}')
		if start < 0 || end <= start {
			return nil, false
		}
		text = text[start : end+1]
	}
	text = trailingCommaRegex.ReplaceAllString(text, "$1")

	var a Assessment
	if err := json.Unmarshal([]byte(text), &a); err != nil {
		return nil, false
	}
	if a.Verdict != VerdictPass && a.Verdict != VerdictRevise {
		return nil, false
	}
	if a.Score < 0 {
		a.Score = 0
	}
	if a.Score > 1 {
		a.Score = 1
	}
	if a.Verdict == VerdictPass && a.Score < PassScoreFloor {
		a.Verdict = VerdictRevise
	}
	return &a, true
}
