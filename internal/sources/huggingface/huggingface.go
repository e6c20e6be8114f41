// Package huggingface locates and downloads model files from the Hugging
// Face Hub, with a scraped web-search fallback when the Hub's own search
// comes up empty.
package huggingface

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"model-resolver/internal/downloader"
	"model-resolver/internal/models"
	"model-resolver/internal/progress"
	"model-resolver/internal/scoring"
	"model-resolver/internal/search"
)

const defaultBaseURL = "https://huggingface.co"

// maxCandidateRepos bounds how many search hits get their file listing
// inspected.
const maxCandidateRepos = 5

var bareRepoRe = regexp.MustCompile(`^[A-Za-z0-9][\w.-]*/[\w.-]+$`)

// Client talks to the Hub API and resolves files through the shared
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
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	return &Client{
		baseURL: defaultBaseURL,
		token:   token,
		http:    httpClient,
		dl:      downloader.NewDownloader(httpClient),
		engine:  engine,
	}
}

// SetBaseURLForTest overrides the Hub endpoint (tests only).
func (c *Client) SetBaseURLForTest(u string) { c.baseURL = u }

// ParseReference recognizes Hub references: full file URLs
// (…/owner/repo/resolve/rev/path or …/blob/rev/path), repo URLs, and bare
// owner/repo ids. Plain filenames are not references.
func ParseReference(ref string) (repoID, filePath string, ok bool) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", "", false
	}

	if strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") {
		u, err := url.Parse(ref)
		if err != nil {
			return "", "", false
		}
		host := strings.ToLower(u.Hostname())
		if host != "huggingface.co" && host != "www.huggingface.co" && host != "hf.co" {
			return "", "", false
		}
		parts := strings.Split(strings.Trim(u.Path, "/"), "/")
		if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
			return "", "", false
		}
		repoID = parts[0] + "/" + parts[1]
		if len(parts) >= 4 && (parts[2] == "resolve" || parts[2] == "blob") {
			filePath = strings.Join(parts[4:], "/")
		}
		return repoID, filePath, true
	}

	// Model names may carry a subdirectory ("SDXL/model.safetensors"); a
	// weight extension means this is a filename, not a repo id.
	if bareRepoRe.MatchString(ref) && !isWeightFile(ref) {
		return ref, "", true
	}
	return "", "", false
}

func (c *Client) headers() map[string]string {
	if c.token == "" {
		return nil
	}
	return map[string]string{"Authorization": "Bearer " + c.token}
}

// ModelInfo fetches repo metadata including the file listing. Gated repos
// without a configured token are reported as access restricted so the
// caller can surface actionable guidance instead of a bare 401.
func (c *Client) ModelInfo(ctx context.Context, repoID string) (*models.HFModelInfo, error) {
	reqURL := c.baseURL + "/api/models/" + repoID
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, models.NewSourceError(models.KindTransient, models.SourceHuggingFace, "creating model info request", err)
	}
	for k, v := range c.headers() {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, models.NewSourceError(models.KindTransient, models.SourceHuggingFace, "model info request failed", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, models.NewSourceError(models.KindAccessRestricted, models.SourceHuggingFace,
			fmt.Sprintf("repo %s requires authorization (status %d)", repoID, resp.StatusCode), nil)
	case resp.StatusCode == http.StatusNotFound:
		return nil, models.NewSourceError(models.KindNotFound, models.SourceHuggingFace,
			fmt.Sprintf("repo %s not found", repoID), nil)
	case resp.StatusCode != http.StatusOK:
		return nil, models.NewSourceError(models.KindTransient, models.SourceHuggingFace,
			fmt.Sprintf("model info for %s returned status %d", repoID, resp.StatusCode), nil)
	}

	var info models.HFModelInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, models.NewSourceError(models.KindTransient, models.SourceHuggingFace, "decoding model info", err)
	}
	if info.IsGated() && c.token == "" {
		return nil, models.NewSourceError(models.KindAccessRestricted, models.SourceHuggingFace,
			fmt.Sprintf("repo %s is gated and no Hugging Face token is configured", repoID), nil)
	}
	return &info, nil
}

// apiSearch queries the Hub's own search endpoint and returns repo URLs.
func (c *Client) apiSearch(ctx context.Context, query string) ([]search.Result, error) {
	reqURL := c.baseURL + "/api/models?limit=10&search=" + url.QueryEscape(query)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("creating hub search request: %w", err)
	}
	for k, v := range c.headers() {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("hub search failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("hub search returned status %d", resp.StatusCode)
	}

	var infos []models.HFModelInfo
	if err := json.NewDecoder(resp.Body).Decode(&infos); err != nil {
		return nil, fmt.Errorf("decoding hub search response: %w", err)
	}

	var results []search.Result
	for _, info := range infos {
		id := info.ID
		if id == "" {
			id = info.ModelID
		}
		if id == "" {
			continue
		}
		results = append(results, search.Result{URL: c.baseURL + "/" + id, Title: id})
	}
	return results, nil
}

// Search locates the best matching repo file for modelName. Hub search runs
// first; the scraped engine takes over when it errors or finds nothing. A
// nil candidate with nil error means no file cleared the relevance bar. A
// hit that turned out to be gated is reported as access restricted rather
// than swallowed, so the caller can surface the token guidance.
func (c *Client) Search(ctx context.Context, modelName string) (*models.Candidate, error) {
	results, err := search.WithFallback(ctx, func(ctx context.Context) ([]search.Result, error) {
		return c.apiSearch(ctx, modelName)
	}, c.engine, modelName, "huggingface.co")
	if err != nil {
		return nil, models.NewSourceError(models.KindTransient, models.SourceHuggingFace, "search failed", err)
	}

	var best *models.Candidate
	var restricted error
	inspected := 0
	for _, res := range results {
		if inspected >= maxCandidateRepos {
			break
		}
		repoID, _, ok := ParseReference(res.URL)
		if !ok {
			repoID, _, ok = ParseReference(res.Title)
		}
		if !ok {
			continue
		}
		inspected++

		cand, err := c.bestFile(ctx, repoID, modelName)
		if err != nil {
			if models.IsCancelled(err) {
				return nil, err
			}
			if models.KindOf(err) == models.KindAccessRestricted && restricted == nil {
				restricted = err
			}
			log.WithError(err).Debugf("Skipping repo %s during search", repoID)
			continue
		}
		if cand != nil && (best == nil || cand.RelevanceScore > best.RelevanceScore) {
			best = cand
		}
	}
	if best == nil && restricted != nil {
		return nil, restricted
	}
	if best != nil {
		log.WithFields(log.Fields{"repo": best.RepoID, "file": best.FilePath, "score": best.RelevanceScore}).
			Info("Hugging Face hit")
	}
	return best, nil
}

// bestFile scores the repo's files against modelName and returns the top
// one above the acceptance threshold.
func (c *Client) bestFile(ctx context.Context, repoID, modelName string) (*models.Candidate, error) {
	info, err := c.ModelInfo(ctx, repoID)
	if err != nil {
		return nil, err
	}

	var best *models.Candidate
	for _, f := range info.Siblings {
		score := scoring.ScoreHuggingFace(modelName, repoID, f.Filename)
		if score <= scoring.HuggingFaceAcceptScore {
			continue
		}
		if best == nil || score > best.RelevanceScore {
			size := f.Size
			if size <= 0 {
				size = models.SizeUnknown
			}
			best = &models.Candidate{
				Source:         models.SourceHuggingFace,
				RepoID:         repoID,
				FilePath:       f.Filename,
				Filename:       path.Base(f.Filename),
				SizeBytes:      size,
				RelevanceScore: score,
			}
		}
	}
	return best, nil
}

// Fetch downloads the candidate's file to destPath. Candidates without a
// FilePath refer to a whole repo and are rejected here; use FetchSnapshot.
func (c *Client) Fetch(ctx context.Context, cand *models.Candidate, destPath string, report *progress.Reporter) error {
	if cand.FilePath == "" {
		return models.NewSourceError(models.KindInvalid, models.SourceHuggingFace, "candidate has no file path", nil)
	}

	fileURL := c.baseURL + "/" + cand.RepoID + "/resolve/main/" + cand.FilePath
	size := cand.SizeBytes
	if size <= 0 {
		size = c.dl.RemoteSize(ctx, fileURL, c.headers())
	}

	_, err := c.dl.Fetch(ctx, fileURL, c.headers(), destPath, size, models.Hashes{}, report)
	return c.wrapDownloadError(cand, err)
}

// FetchSnapshot downloads every file of a repo into destDir. Files land in
// a staging directory first and move into place only once the whole set is
// down, so an aborted snapshot leaves no partial entries. Files already
// present with the expected size are kept unless overwrite is set.
func (c *Client) FetchSnapshot(ctx context.Context, repoID, destDir string, overwrite bool, report *progress.Reporter) error {
	info, err := c.ModelInfo(ctx, repoID)
	if err != nil {
		return err
	}
	files := info.Siblings
	if len(files) == 0 {
		return models.NewSourceError(models.KindNotFound, models.SourceHuggingFace,
			fmt.Sprintf("repo %s has no files", repoID), nil)
	}

	if err := os.MkdirAll(destDir, os.ModePerm); err != nil {
		return models.NewSourceError(models.KindTransient, models.SourceHuggingFace, "creating snapshot directory", err)
	}
	stage, err := os.MkdirTemp(filepath.Dir(destDir), ".snapshot-")
	if err != nil {
		return models.NewSourceError(models.KindTransient, models.SourceHuggingFace, "creating staging directory", err)
	}
	defer os.RemoveAll(stage)

	for i, f := range files {
		final := filepath.Join(destDir, filepath.FromSlash(f.Filename))
		if !overwrite {
			if fi, err := os.Stat(final); err == nil && (f.Size <= 0 || fi.Size() == f.Size) {
				log.Debugf("Keeping %s, already present", final)
				continue
			}
		}

		lo := i * 100 / len(files)
		hi := (i + 1) * 100 / len(files)
		fileURL := c.baseURL + "/" + repoID + "/resolve/main/" + f.Filename
		size := f.Size
		if size <= 0 {
			size = models.SizeUnknown
		}
		staged := filepath.Join(stage, filepath.FromSlash(f.Filename))
		if _, err := c.dl.Fetch(ctx, fileURL, c.headers(), staged, size, models.Hashes{}, report.Band(lo, hi)); err != nil {
			return c.wrapDownloadError(&models.Candidate{RepoID: repoID, FilePath: f.Filename}, err)
		}
	}

	return c.placeSnapshot(stage, destDir)
}

// placeSnapshot moves the staged files into destDir, replacing whatever the
// download pass decided to refresh.
func (c *Client) placeSnapshot(stage, destDir string) error {
	err := filepath.WalkDir(stage, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil || d.IsDir() {
			return walkErr
		}
		rel, err := filepath.Rel(stage, p)
		if err != nil {
			return err
		}
		target := filepath.Join(destDir, rel)
		if err := os.MkdirAll(filepath.Dir(target), os.ModePerm); err != nil {
			return err
		}
		return os.Rename(p, target)
	})
	if err != nil {
		return models.NewSourceError(models.KindTransient, models.SourceHuggingFace, "placing snapshot files", err)
	}
	return nil
}

func (c *Client) wrapDownloadError(cand *models.Candidate, err error) error {
	if err == nil {
		return nil
	}
	kind := models.KindTransient
	switch {
	case errors.Is(err, downloader.ErrCancelled):
		kind = models.KindCancelled
	case errors.Is(err, downloader.ErrHashMismatch):
		kind = models.KindInvalid
	}
	return models.NewSourceError(kind, models.SourceHuggingFace,
		fmt.Sprintf("downloading %s from %s", cand.FilePath, cand.RepoID), err)
}

var weightExtensions = []string{".safetensors", ".ckpt", ".pt", ".pth", ".bin", ".gguf", ".onnx"}

func isWeightFile(name string) bool {
	lower := strings.ToLower(name)
	for _, ext := range weightExtensions {
		if strings.HasSuffix(lower, ext) {
			return true
		}
	}
	return false
}
