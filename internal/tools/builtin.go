package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// RegisterCurrentTime registers the benign current_time tool.
func RegisterCurrentTime(reg *Registry, now func() time.Time) error {
	if now == nil {
		now = time.Now
	}
	return reg.Register(Definition{
		Name:        "current_time",
		Description: "Returns the current date and time in UTC.",
		Schema:      json.RawMessage(`{"type":"object","additionalProperties":false}`),
		Risk:        RiskBenign,
		Execute: func(context.Context, json.RawMessage) (string, error) {
			return now().UTC().Format(time.RFC3339), nil
		},
	})
}

// WebSearchFunc runs a web search and returns a plain-text result list.
type WebSearchFunc func(ctx context.Context, query string) (string, error)

// RegisterWebSearch registers the web_search tool backed by the given
// search function.
func RegisterWebSearch(reg *Registry, searchFn WebSearchFunc) error {
	return reg.Register(Definition{
		Name:        "web_search",
		Description: "Searches the web and returns result titles, URLs, and snippets.",
		Schema: json.RawMessage(`{
			"type": "object",
			"required": ["query"],
			"properties": {"query": {"type": "string", "minLength": 1}},
			"additionalProperties": false
		}`),
		Risk: RiskNetworkRead,
		Execute: func(ctx context.Context, args json.RawMessage) (string, error) {
			var params struct {
				Query string `json:"query"`
			}
			if err := json.Unmarshal(args, &params); err != nil {
				return "", fmt.Errorf("decode args: %w", err)
			}
			return searchFn(ctx, params.Query)
		},
	})
}

// WebScrapeFunc fetches a page and returns its readable text.
type WebScrapeFunc func(ctx context.Context, url string) (string, error)

// RegisterWebScrape registers the web_scrape tool backed by the given
// fetcher.
func RegisterWebScrape(reg *Registry, scrapeFn WebScrapeFunc) error {
	return reg.Register(Definition{
		Name:        "web_scrape",
		Description: "Fetches a URL and returns the page text.",
		Schema: json.RawMessage(`{
			"type": "object",
			"required": ["url"],
			"properties": {"url": {"type": "string", "minLength": 1}},
			"additionalProperties": false
		}`),
		Risk: RiskNetworkRead,
		Execute: func(ctx context.Context, args json.RawMessage) (string, error) {
			var params struct {
				URL string `json:"url"`
			}
			if err := json.Unmarshal(args, &params); err != nil {
				return "", fmt.Errorf("decode args: %w", err)
			}
			return scrapeFn(ctx, params.URL)
		},
	})
}

// PackageLookupFunc resolves registry metadata for a package name.
type PackageLookupFunc func(ctx context.Context, name string) (string, error)

// RegisterPackageLookup registers the npm_package_lookup tool backed by the
// given resolver. The resolver owns the actual registry I/O.
func RegisterPackageLookup(reg *Registry, lookup PackageLookupFunc) error {
	return reg.Register(Definition{
		Name:        "npm_package_lookup",
		Description: "Looks up npm package metadata: latest version, release dates, exports.",
		Schema: json.RawMessage(`{
			"type": "object",
			"required": ["package"],
			"properties": {"package": {"type": "string", "minLength": 1}},
			"additionalProperties": false
		}`),
		Risk: RiskNetworkRead,
		Execute: func(ctx context.Context, args json.RawMessage) (string, error) {
			var params struct {
				Package string `json:"package"`
			}
			if err := json.Unmarshal(args, &params); err != nil {
				return "", fmt.Errorf("decode args: %w", err)
			}
			return lookup(ctx, params.Package)
		},
	})
}
