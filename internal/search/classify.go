package search

import (
	"regexp"
	"strings"
)

// Mode selects the attempt budget and grounding strictness.
type Mode string

const (
	ModeSimple  Mode = "simple"
	ModeComplex Mode = "complex"
)

var (
	timeSensitiveRegex = regexp.MustCompile(`(?i)\b(latest|current|today|yesterday|this (week|month|year)|recent|breaking|news|price|score|release[ds]?|announc|now|202\d|deadline|schedule)\b`)
	wantsSourcesRegex  = regexp.MustCompile(`(?i)\b(source|cite|citation|link|reference|proof|evidence|where did|according to)\b`)
	complexRegex       = regexp.MustCompile(`(?i)\b(compare|versus|vs\.?|tradeoff|trade-off|analyz|explain why|in depth|detailed|comprehensive|pros and cons|timeline of|history of|implications?)\b`)
)

// Profile captures what the query demands from the search pipeline.
type Profile struct {
	Mode          Mode
	TimeSensitive bool
	WantsSources  bool
}

// MinRequiredSources is the distinct-URL floor the freshness guard enforces.
func (p Profile) MinRequiredSources() int {
	if p.Mode == ModeComplex {
		return 2
	}
	return 1
}

// Classify tags a query with simple content heuristics. Long or multi-part
// questions count as complex even without an explicit analysis verb.
func Classify(query string) Profile {
	q := strings.TrimSpace(query)
	p := Profile{Mode: ModeSimple}
	if q == "" {
		return p
	}

	p.TimeSensitive = timeSensitiveRegex.MatchString(q)
	p.WantsSources = wantsSourcesRegex.MatchString(q)

	if complexRegex.MatchString(q) || len(q) > 280 || strings.Count(q, "?") > 1 {
		p.Mode = ModeComplex
	}
	return p
}

// FirstURL returns the first URL in the query, if any.
func FirstURL(query string) string {
	urls := ExtractURLs(query)
	if len(urls) == 0 {
		return ""
	}
	return urls[0]
}
