// Package civitai locates and downloads model files from CivitAI, with a
// scraped web-search fallback when the site's own search API fails.
package civitai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"model-resolver/internal/downloader"
	"model-resolver/internal/models"
	"model-resolver/internal/progress"
	"model-resolver/internal/scoring"
	"model-resolver/internal/search"
)

// API errors.
var (
	ErrRateLimited  = errors.New("API rate limit exceeded")
	ErrUnauthorized = errors.New("API request unauthorized (check API key)")
	ErrNotFound     = errors.New("API resource not found")
	ErrServerError  = errors.New("API server error")
)

const defaultBaseURL = "https://civitai.com"

const maxRetries = 3

// maxCandidateModels bounds how many search hits get resolved and scored.
const maxCandidateModels = 5

// sleepFn is swapped out by tests to avoid real backoff waits.
var sleepFn = time.Sleep

// Client talks to the CivitAI v1 API and resolves files through the shared
// downloader.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	dl      *downloader.Downloader
	engine  search.Engine
}

// New creates a Client. engine may be nil to disable the web-search
// fallback; httpClient may be nil for a default.
func New(token string, httpClient *http.Client, engine search.Engine) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		baseURL: defaultBaseURL,
		token:   token,
		http:    httpClient,
		dl:      downloader.NewDownloader(httpClient),
		engine:  engine,
	}
}

// SetBaseURLForTest overrides the API endpoint (tests only).
func (c *Client) SetBaseURLForTest(u string) { c.baseURL = u }

func (c *Client) headers() map[string]string {
	if c.token == "" {
		return nil
	}
	return map[string]string{"Authorization": "Bearer " + c.token}
}

// getJSON performs a GET with retries and decodes the body into out. Rate
// limits and 5xx responses retry with backoff; auth failures and 404s fail
// fast.
func (c *Client) getJSON(ctx context.Context, reqURL string, out any) error {
	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
		if err != nil {
			return fmt.Errorf("error creating request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		for k, v := range c.headers() {
			req.Header.Set(k, v)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			lastErr = fmt.Errorf("http request failed (attempt %d/%d): %w", attempt+1, maxRetries, err)
			if ctx.Err() != nil {
				return lastErr
			}
			if attempt < maxRetries-1 {
				log.WithError(err).Warnf("Retrying (%d/%d)...", attempt+1, maxRetries)
				sleepFn(time.Duration(attempt+1) * 2 * time.Second)
			}
			continue
		}

		switch resp.StatusCode {
		case http.StatusOK:
			body, readErr := io.ReadAll(resp.Body)
			_ = resp.Body.Close()
			if readErr != nil {
				return fmt.Errorf("error reading response body: %w", readErr)
			}
			if err := json.Unmarshal(body, out); err != nil {
				return fmt.Errorf("error unmarshalling response JSON: %w", err)
			}
			return nil
		case http.StatusUnauthorized, http.StatusForbidden:
			_ = resp.Body.Close()
			return ErrUnauthorized
		case http.StatusNotFound:
			_ = resp.Body.Close()
			return ErrNotFound
		case http.StatusTooManyRequests:
			_ = resp.Body.Close()
			lastErr = ErrRateLimited
			if attempt < maxRetries-1 {
				log.Warnf("Rate limited. Retrying (%d/%d)...", attempt+1, maxRetries)
				sleepFn(time.Duration(attempt+1) * 5 * time.Second)
			}
		default:
			_ = resp.Body.Close()
			if resp.StatusCode >= 500 {
				lastErr = fmt.Errorf("%w (status code %d)", ErrServerError, resp.StatusCode)
				if attempt < maxRetries-1 {
					log.Warnf("Server error. Retrying (%d/%d)...", attempt+1, maxRetries)
					sleepFn(time.Duration(attempt+1) * 3 * time.Second)
				}
			} else {
				return fmt.Errorf("API request failed with status %d", resp.StatusCode)
			}
		}
	}
	return lastErr
}

// wrapAPIError brands a raw API error with the right taxonomy kind.
func wrapAPIError(message string, err error) error {
	kind := models.KindTransient
	switch {
	case errors.Is(err, ErrUnauthorized):
		kind = models.KindAccessRestricted
	case errors.Is(err, ErrNotFound):
		kind = models.KindNotFound
	}
	return models.NewSourceError(kind, models.SourceCivitAI, message, err)
}

// GetModel fetches model metadata including all versions.
func (c *Client) GetModel(ctx context.Context, modelID int) (*models.CivitaiModel, error) {
	var model models.CivitaiModel
	reqURL := fmt.Sprintf("%s/api/v1/models/%d", c.baseURL, modelID)
	if err := c.getJSON(ctx, reqURL, &model); err != nil {
		return nil, wrapAPIError(fmt.Sprintf("fetching model %d", modelID), err)
	}
	return &model, nil
}

// GetVersion fetches one model version by its id.
func (c *Client) GetVersion(ctx context.Context, versionID int) (*models.CivitaiModelVersion, error) {
	var version models.CivitaiModelVersion
	reqURL := fmt.Sprintf("%s/api/v1/model-versions/%d", c.baseURL, versionID)
	if err := c.getJSON(ctx, reqURL, &version); err != nil {
		return nil, wrapAPIError(fmt.Sprintf("fetching model version %d", versionID), err)
	}
	return &version, nil
}

// filePriority ranks file types when a version carries several artifacts.
func filePriority(fileType string) int {
	switch fileType {
	case "Model", "Pruned Model":
		return 3
	case "VAE":
		return 2
	case "Config":
		return 1
	default:
		return 0
	}
}

// pickFile selects the file to download from a version: highest type
// priority first, larger file on ties.
func pickFile(files []models.CivitaiFile) *models.CivitaiFile {
	var best *models.CivitaiFile
	for i := range files {
		f := &files[i]
		if best == nil {
			best = f
			continue
		}
		bp, fp := filePriority(best.Type), filePriority(f.Type)
		if fp > bp || (fp == bp && f.SizeKB > best.SizeKB) {
			best = f
		}
	}
	return best
}

func (c *Client) candidateFromVersion(version *models.CivitaiModelVersion, score float64) (*models.Candidate, error) {
	file := pickFile(version.Files)
	if file == nil {
		return nil, models.NewSourceError(models.KindNotFound, models.SourceCivitAI,
			fmt.Sprintf("version %d has no files", version.ID), nil)
	}
	downloadURL := file.DownloadUrl
	if downloadURL == "" {
		downloadURL = version.DownloadUrl
	}
	return &models.Candidate{
		Source:         models.SourceCivitAI,
		ModelID:        version.ModelId,
		VersionID:      version.ID,
		URL:            downloadURL,
		Filename:       path.Base(file.Name),
		SizeBytes:      int64(file.SizeKB * 1024),
		Hashes:         file.Hashes,
		RelevanceScore: score,
	}, nil
}

// Resolve turns a parsed reference into a downloadable candidate. A bare
// model id resolves to its latest version; a pinned or direct-download
// version is used as-is.
func (c *Client) Resolve(ctx context.Context, ref Ref) (*models.Candidate, error) {
	if ref.ModelID == 0 {
		version, err := c.GetVersion(ctx, ref.VersionID)
		if err != nil {
			return nil, err
		}
		return c.candidateFromVersion(version, 0)
	}

	model, err := c.GetModel(ctx, ref.ModelID)
	if err != nil {
		return nil, err
	}
	if len(model.ModelVersions) == 0 {
		return nil, models.NewSourceError(models.KindNotFound, models.SourceCivitAI,
			fmt.Sprintf("model %d has no versions", ref.ModelID), nil)
	}

	version := &model.ModelVersions[0] // versions are newest first
	if ref.VersionID != 0 {
		version = nil
		for i := range model.ModelVersions {
			if model.ModelVersions[i].ID == ref.VersionID {
				version = &model.ModelVersions[i]
				break
			}
		}
		if version == nil {
			return nil, models.NewSourceError(models.KindNotFound, models.SourceCivitAI,
				fmt.Sprintf("model %d has no version %d", ref.ModelID, ref.VersionID), nil)
		}
	}
	return c.candidateFromVersion(version, 0)
}

// apiSearch queries the CivitAI search API and returns model page URLs.
func (c *Client) apiSearch(ctx context.Context, query string) ([]search.Result, error) {
	var response models.CivitaiSearchResponse
	reqURL := c.baseURL + "/api/v1/models?limit=10&query=" + url.QueryEscape(query)
	if err := c.getJSON(ctx, reqURL, &response); err != nil {
		return nil, err
	}
	var results []search.Result
	for _, item := range response.Items {
		results = append(results, search.Result{
			URL:   fmt.Sprintf("%s/models/%d", c.baseURL, item.ID),
			Title: item.Name,
		})
	}
	return results, nil
}

// Search locates the best matching model for modelName. The site's search
// API runs first; the scraped engine takes over when it errors or finds
// nothing. A nil candidate with nil error means no model cleared the
// relevance bar.
func (c *Client) Search(ctx context.Context, modelName string) (*models.Candidate, error) {
	results, err := search.WithFallback(ctx, func(ctx context.Context) ([]search.Result, error) {
		return c.apiSearch(ctx, modelName)
	}, c.engine, modelName, "civitai.com")
	if err != nil {
		return nil, models.NewSourceError(models.KindTransient, models.SourceCivitAI, "search failed", err)
	}

	var best *models.Candidate
	var bestScore float64
	inspected := 0
	for _, res := range results {
		if inspected >= maxCandidateModels {
			break
		}
		ref, ok := parseRefAnyHost(res.URL)
		if !ok || ref.ModelID == 0 {
			continue
		}
		inspected++

		score := scoring.ScoreCivitai(modelName, res.Title, true)
		if score <= scoring.CivitaiAcceptScore || score <= bestScore {
			continue
		}
		cand, err := c.Resolve(ctx, ref)
		if err != nil {
			log.WithError(err).Debugf("Skipping model %d during search", ref.ModelID)
			continue
		}
		cand.RelevanceScore = score
		best = cand
		bestScore = score
	}
	if best != nil {
		log.WithFields(log.Fields{"model": best.ModelID, "version": best.VersionID, "score": best.RelevanceScore}).
			Info("CivitAI hit")
	}
	return best, nil
}

// parseRefAnyHost is ParseRef without the civitai.com host check, for model
// page URLs the API search built against a test endpoint.
func parseRefAnyHost(rawURL string) (Ref, bool) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return Ref{}, false
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(parts) >= 2 && parts[0] == "models" {
		if id, err := strconv.Atoi(parts[1]); err == nil && id > 0 {
			return Ref{ModelID: id}, true
		}
	}
	return Ref{}, false
}

// Fetch downloads the candidate's file to destPath, verifying the file
// hashes CivitAI published for it.
func (c *Client) Fetch(ctx context.Context, cand *models.Candidate, destPath string, report *progress.Reporter) error {
	downloadURL := cand.URL
	if downloadURL == "" {
		downloadURL = fmt.Sprintf("%s/api/download/models/%d", c.baseURL, cand.VersionID)
	}

	size := cand.SizeBytes
	if size <= 0 {
		size = models.SizeUnknown
	}
	_, err := c.dl.Fetch(ctx, downloadURL, c.headers(), destPath, size, cand.Hashes, report)
	if err == nil {
		return nil
	}

	kind := models.KindTransient
	var statusErr *downloader.HTTPStatusError
	switch {
	case errors.Is(err, downloader.ErrCancelled):
		kind = models.KindCancelled
	case errors.Is(err, downloader.ErrHashMismatch):
		kind = models.KindInvalid
	case errors.As(err, &statusErr):
		switch statusErr.Code {
		case http.StatusUnauthorized, http.StatusForbidden:
			kind = models.KindAccessRestricted
		case http.StatusNotFound:
			kind = models.KindNotFound
		}
	}
	return models.NewSourceError(kind, models.SourceCivitAI,
		fmt.Sprintf("downloading version %d", cand.VersionID), err)
}
