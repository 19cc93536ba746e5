// webtools.go backs the network-read tools the CLI registers: web search
// via the DuckDuckGo Instant Answer API, page fetching, and npm registry
// lookups.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"
)

const (
	webUserAgent     = "Mozilla/5.0 (compatible; SageBot/1.0)"
	maxFetchBytes    = 512 * 1024
	maxScrapeChars   = 8000
	maxSearchResults = 5
)

type webTools struct {
	client *http.Client
}

func newWebTools() *webTools {
	return &webTools{client: &http.Client{Timeout: 15 * time.Second}}
}

func (w *webTools) get(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", webUserAgent)

	resp, err := w.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s returned status %d", req.URL.Host, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBytes))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	return body, nil
}

// search queries the DuckDuckGo Instant Answer API and formats the abstract
// plus related topics as a plain-text result list.
func (w *webTools) search(ctx context.Context, query string) (string, error) {
	endpoint := fmt.Sprintf("https://api.duckduckgo.com/?q=%s&format=json&no_html=1",
		url.QueryEscape(query))
	body, err := w.get(ctx, endpoint)
	if err != nil {
		return "", err
	}

	var ddg struct {
		AbstractText  string `json:"AbstractText"`
		AbstractURL   string `json:"AbstractURL"`
		Heading       string `json:"Heading"`
		RelatedTopics []struct {
			FirstURL string `json:"FirstURL"`
			Text     string `json:"Text"`
		} `json:"RelatedTopics"`
	}
	if err := json.Unmarshal(body, &ddg); err != nil {
		return "", fmt.Errorf("parse response: %w", err)
	}

	var b strings.Builder
	count := 0
	if ddg.AbstractText != "" && ddg.AbstractURL != "" {
		fmt.Fprintf(&b, "%s\n%s\n%s\n\n", ddg.Heading, ddg.AbstractURL, ddg.AbstractText)
		count++
	}
	for _, topic := range ddg.RelatedTopics {
		if count >= maxSearchResults {
			break
		}
		if topic.FirstURL == "" || topic.Text == "" {
			continue
		}
		fmt.Fprintf(&b, "%s\n%s\n\n", topic.FirstURL, topic.Text)
		count++
	}
	if count == 0 {
		return "no results for: " + query, nil
	}
	return strings.TrimSpace(b.String()), nil
}

var (
	scriptStyleRegex = regexp.MustCompile(`(?is)<(script|style|noscript)[^>]*>.*?</(script|style|noscript)>`)
	tagRegex         = regexp.MustCompile(`<[^>]*>`)
	whitespaceRegex  = regexp.MustCompile(`[ \t]*\n[\s]*`)
)

// scrape fetches a page and strips it down to readable text.
func (w *webTools) scrape(ctx context.Context, rawURL string) (string, error) {
	if !strings.HasPrefix(rawURL, "http://") && !strings.HasPrefix(rawURL, "https://") {
		return "", fmt.Errorf("url must be http or https")
	}
	body, err := w.get(ctx, rawURL)
	if err != nil {
		return "", err
	}

	text := scriptStyleRegex.ReplaceAllString(string(body), " ")
	text = tagRegex.ReplaceAllString(text, " ")
	text = strings.Join(strings.Fields(text), " ")
	text = whitespaceRegex.ReplaceAllString(text, "\n")
	if len(text) > maxScrapeChars {
		text = text[:maxScrapeChars] + "…[truncated]"
	}
	if strings.TrimSpace(text) == "" {
		return "", fmt.Errorf("page had no readable text")
	}
	return text, nil
}

// npmLookup fetches package metadata from the public npm registry.
func (w *webTools) npmLookup(ctx context.Context, name string) (string, error) {
	body, err := w.get(ctx, "https://registry.npmjs.org/"+url.PathEscape(name))
	if err != nil {
		return "", err
	}

	var pkg struct {
		Name     string            `json:"name"`
		DistTags map[string]string `json:"dist-tags"`
		Time     map[string]string `json:"time"`
	}
	if err := json.Unmarshal(body, &pkg); err != nil {
		return "", fmt.Errorf("parse registry response: %w", err)
	}
	latest := pkg.DistTags["latest"]
	if latest == "" {
		return "", fmt.Errorf("package %s has no latest tag", name)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s latest=%s", pkg.Name, latest)
	if published := pkg.Time[latest]; published != "" {
		fmt.Fprintf(&b, " published=%s", published)
	}
	if modified := pkg.Time["modified"]; modified != "" {
		fmt.Fprintf(&b, " modified=%s", modified)
	}
	return b.String(), nil
}
