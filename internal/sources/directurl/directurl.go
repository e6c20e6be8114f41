// Package directurl downloads model files addressed by a plain HTTP(S)
// URL, the escape hatch when a request carries no registry reference.
package directurl

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"model-resolver/internal/downloader"
	"model-resolver/internal/models"
	"model-resolver/internal/progress"
)

// registryHosts are handled by their dedicated source clients, never here.
var registryHosts = []string{"huggingface.co", "hf.co", "civitai.com", "drive.google.com", "docs.google.com"}

// Client fetches arbitrary URLs through the shared downloader.
type Client struct {
	dl *downloader.Downloader
}

func New(httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Minute}
	}
	return &Client{dl: downloader.NewDownloader(httpClient)}
}

// ParseReference accepts any well-formed http(s) URL that no registry
// client claims. The candidate filename comes from the URL path.
func ParseReference(ref string) (*models.Candidate, bool) {
	ref = strings.TrimSpace(ref)
	if !strings.HasPrefix(ref, "http://") && !strings.HasPrefix(ref, "https://") {
		return nil, false
	}
	u, err := url.Parse(ref)
	if err != nil || u.Hostname() == "" {
		return nil, false
	}
	host := strings.ToLower(u.Hostname())
	for _, rh := range registryHosts {
		if host == rh || strings.HasSuffix(host, "."+rh) {
			return nil, false
		}
	}

	filename := path.Base(u.Path)
	if filename == "." || filename == "/" {
		filename = ""
	}
	return &models.Candidate{
		Source:   models.SourceDirectURL,
		URL:      ref,
		Filename: filename,
	}, true
}

// Fetch downloads the candidate's URL to destPath.
func (c *Client) Fetch(ctx context.Context, cand *models.Candidate, destPath string, report *progress.Reporter) error {
	size := c.dl.RemoteSize(ctx, cand.URL, nil)
	_, err := c.dl.Fetch(ctx, cand.URL, nil, destPath, size, models.Hashes{}, report)
	if err == nil {
		return nil
	}

	kind := models.KindTransient
	var statusErr *downloader.HTTPStatusError
	switch {
	case errors.Is(err, downloader.ErrCancelled):
		kind = models.KindCancelled
	case errors.As(err, &statusErr):
		switch statusErr.Code {
		case http.StatusUnauthorized, http.StatusForbidden:
			kind = models.KindAccessRestricted
		case http.StatusNotFound, http.StatusGone:
			kind = models.KindNotFound
		}
	}
	return models.NewSourceError(kind, models.SourceDirectURL, fmt.Sprintf("downloading %s", cand.URL), err)
}
