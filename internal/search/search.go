// Package search provides the scraped web-search fallback used when a
// registry's own search API fails or returns nothing.
package search

import (
	"context"
	"fmt"
	"html"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

// Result is one hit from a search engine.
type Result struct {
	URL   string
	Title string
}

// Engine searches the web for a query, optionally restricted to one domain.
type Engine interface {
	Search(ctx context.Context, query, site string) ([]Result, error)
}

const defaultBaseURL = "https://html.duckduckgo.com/html/"

// resultLinkRe matches result anchors in the HTML-only search frontend.
var resultLinkRe = regexp.MustCompile(`<a[^>]+class="result__a"[^>]+href="([^"]+)"[^>]*>(.*?)</a>`)

var tagRe = regexp.MustCompile(`<[^>]+>`)

// ScrapedEngine queries the HTML frontend of a search engine and extracts
// result links. It is deliberately tolerant: markup drift yields empty
// results, never an error.
type ScrapedEngine struct {
	client  *http.Client
	baseURL string
}

func NewScrapedEngine(client *http.Client) *ScrapedEngine {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &ScrapedEngine{client: client, baseURL: defaultBaseURL}
}

// SetBaseURLForTest overrides the engine endpoint (tests only).
func (e *ScrapedEngine) SetBaseURLForTest(u string) { e.baseURL = u }

// Search runs one query, restricted to site when non-empty.
func (e *ScrapedEngine) Search(ctx context.Context, query, site string) ([]Result, error) {
	q := strings.TrimSpace(query)
	if q == "" {
		return nil, fmt.Errorf("empty search query")
	}
	if site != "" {
		q = q + " site:" + site
	}

	reqURL := e.baseURL + "?q=" + url.QueryEscape(q)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("creating search request: %w", err)
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; model-resolver)")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("search request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("search engine returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("reading search response: %w", err)
	}

	var results []Result
	for _, m := range resultLinkRe.FindAllStringSubmatch(string(body), -1) {
		link := decodeResultURL(html.UnescapeString(m[1]))
		if link == "" {
			continue
		}
		if site != "" && !fromDomain(link, site) {
			continue
		}
		title := strings.TrimSpace(html.UnescapeString(tagRe.ReplaceAllString(m[2], "")))
		results = append(results, Result{URL: link, Title: title})
	}
	log.Debugf("Search %q (site %q) returned %d results", query, site, len(results))
	return results, nil
}

// decodeResultURL unwraps the engine's redirect links (…/l/?uddg=<target>).
func decodeResultURL(href string) string {
	if strings.HasPrefix(href, "//") {
		href = "https:" + href
	}
	u, err := url.Parse(href)
	if err != nil {
		return ""
	}
	if target := u.Query().Get("uddg"); target != "" {
		return target
	}
	if u.Scheme == "http" || u.Scheme == "https" {
		return href
	}
	return ""
}

func fromDomain(link, site string) bool {
	u, err := url.Parse(link)
	if err != nil {
		return false
	}
	host := strings.ToLower(u.Hostname())
	site = strings.ToLower(site)
	return host == site || strings.HasSuffix(host, "."+site)
}

// WithFallback runs primary and falls back to the scraped engine when the
// primary errors or comes back empty.
func WithFallback(ctx context.Context, primary func(context.Context) ([]Result, error), engine Engine, query, site string) ([]Result, error) {
	results, err := primary(ctx)
	if err == nil && len(results) > 0 {
		return results, nil
	}
	if err != nil {
		log.WithError(err).Debugf("Primary search for %q failed, trying scraped engine", query)
	} else {
		log.Debugf("Primary search for %q returned nothing, trying scraped engine", query)
	}
	if engine == nil {
		return nil, err
	}
	fallbackResults, fbErr := engine.Search(ctx, query, site)
	if fbErr != nil {
		if err != nil {
			return nil, fmt.Errorf("primary search failed (%v); fallback failed: %w", err, fbErr)
		}
		return nil, fbErr
	}
	return fallbackResults, nil
}
