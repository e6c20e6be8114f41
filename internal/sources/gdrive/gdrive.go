// Package gdrive downloads model files shared via Google Drive links,
// including the "can't scan for viruses" confirmation interstitial Drive
// serves for large files.
package gdrive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"regexp"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"model-resolver/internal/downloader"
	"model-resolver/internal/models"
	"model-resolver/internal/progress"
)

const defaultBaseURL = "https://drive.google.com"

var fileIDRes = []*regexp.Regexp{
	regexp.MustCompile(`/file/d/([\w-]+)`),
	regexp.MustCompile(`[?&]id=([\w-]+)`),
}

var (
	formActionRe  = regexp.MustCompile(`<form[^>]+action="([^"]+)"`)
	hiddenInputRe = regexp.MustCompile(`<input[^>]+type="hidden"[^>]+name="([^"]+)"[^>]+value="([^"]*)"`)
	confirmRe     = regexp.MustCompile(`confirm=([\w-]+)`)
)

// Client resolves Drive share links to streamable download URLs. The
// http.Client carries a cookie jar because the confirmation flow is
// cookie-coupled.
type Client struct {
	baseURL string
	http    *http.Client
	dl      *downloader.Downloader
}

func New(httpClient *http.Client) *Client {
	if httpClient == nil {
		jar, _ := cookiejar.New(nil)
		httpClient = &http.Client{Timeout: 15 * time.Minute, Jar: jar}
	} else if httpClient.Jar == nil {
		jar, _ := cookiejar.New(nil)
		httpClient.Jar = jar
	}
	return &Client{
		baseURL: defaultBaseURL,
		http:    httpClient,
		dl:      downloader.NewDownloader(httpClient),
	}
}

// SetBaseURLForTest overrides the Drive endpoint (tests only).
func (c *Client) SetBaseURLForTest(u string) { c.baseURL = u }

// ParseReference extracts a Drive file id from share link forms:
// /file/d/<id>/view, open?id=<id> and uc?id=<id>.
func ParseReference(ref string) (*models.Candidate, bool) {
	ref = strings.TrimSpace(ref)
	if !strings.HasPrefix(ref, "http://") && !strings.HasPrefix(ref, "https://") {
		return nil, false
	}
	u, err := url.Parse(ref)
	if err != nil {
		return nil, false
	}
	host := strings.ToLower(u.Hostname())
	if host != "drive.google.com" && host != "docs.google.com" {
		return nil, false
	}
	for _, re := range fileIDRes {
		if m := re.FindStringSubmatch(ref); m != nil {
			return &models.Candidate{
				Source:      models.SourceGoogleDrive,
				DriveFileID: m[1],
				URL:         ref,
			}, true
		}
	}
	return nil, false
}

// resolveDownloadURL probes the uc endpoint. A binary response means the
// returned URL streams directly; an HTML interstitial is parsed for the
// confirmation form and turned into the real download URL.
func (c *Client) resolveDownloadURL(ctx context.Context, fileID string) (string, error) {
	probeURL := fmt.Sprintf("%s/uc?export=download&id=%s", c.baseURL, url.QueryEscape(fileID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, probeURL, nil)
	if err != nil {
		return "", models.NewSourceError(models.KindTransient, models.SourceGoogleDrive, "creating probe request", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", models.NewSourceError(models.KindTransient, models.SourceGoogleDrive, "probe request failed", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return "", models.NewSourceError(models.KindNotFound, models.SourceGoogleDrive,
			fmt.Sprintf("file %s not found", fileID), nil)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return "", models.NewSourceError(models.KindAccessRestricted, models.SourceGoogleDrive,
			fmt.Sprintf("file %s is not shared publicly", fileID), nil)
	case resp.StatusCode != http.StatusOK:
		return "", models.NewSourceError(models.KindTransient, models.SourceGoogleDrive,
			fmt.Sprintf("probe returned status %d", resp.StatusCode), nil)
	}

	if !strings.Contains(resp.Header.Get("Content-Type"), "text/html") {
		return probeURL, nil
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", models.NewSourceError(models.KindTransient, models.SourceGoogleDrive, "reading interstitial page", err)
	}
	page := string(body)

	if m := formActionRe.FindStringSubmatch(page); m != nil {
		action := strings.ReplaceAll(m[1], "&amp;", "&")
		values := url.Values{}
		for _, input := range hiddenInputRe.FindAllStringSubmatch(page, -1) {
			values.Set(input[1], input[2])
		}
		if values.Get("id") == "" {
			values.Set("id", fileID)
		}
		if values.Get("export") == "" {
			values.Set("export", "download")
		}
		sep := "?"
		if strings.Contains(action, "?") {
			sep = "&"
		}
		return action + sep + values.Encode(), nil
	}

	if m := confirmRe.FindStringSubmatch(page); m != nil {
		return probeURL + "&confirm=" + m[1], nil
	}

	log.Debugf("Drive interstitial for %s had no confirmation form", fileID)
	return "", models.NewSourceError(models.KindAccessRestricted, models.SourceGoogleDrive,
		fmt.Sprintf("file %s requires manual confirmation", fileID), nil)
}

// Fetch downloads the candidate's file to destPath. Drive archives whole
// folders as zips; when the downloaded payload is a zip but destPath is
// not, the single contained weight file replaces it.
func (c *Client) Fetch(ctx context.Context, cand *models.Candidate, destPath string, report *progress.Reporter) error {
	if !report.Continue() {
		return models.NewSourceError(models.KindCancelled, models.SourceGoogleDrive, "cancelled before download", nil)
	}

	downloadURL, err := c.resolveDownloadURL(ctx, cand.DriveFileID)
	if err != nil {
		return err
	}

	size := cand.SizeBytes
	if size <= 0 {
		size = models.SizeUnknown
	}
	if _, err := c.dl.Fetch(ctx, downloadURL, nil, destPath, size, models.Hashes{}, report.Band(0, 90)); err != nil {
		kind := models.KindTransient
		if errors.Is(err, downloader.ErrCancelled) {
			kind = models.KindCancelled
		}
		return models.NewSourceError(kind, models.SourceGoogleDrive,
			fmt.Sprintf("downloading file %s", cand.DriveFileID), err)
	}

	if err := normalizeArchive(destPath); err != nil {
		return models.NewSourceError(models.KindInvalid, models.SourceGoogleDrive,
			fmt.Sprintf("unpacking file %s", cand.DriveFileID), err)
	}
	report.Progress("Download complete", 100)
	return nil
}
