package downloader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"model-resolver/internal/helpers"
	"model-resolver/internal/models"
	"model-resolver/internal/progress"

	log "github.com/sirupsen/logrus"
)

// Downloader errors.
var (
	ErrHashMismatch = errors.New("downloaded file hash mismatch")
	ErrHttpStatus   = errors.New("unexpected HTTP status code")
	ErrFileSystem   = errors.New("filesystem error")
	ErrHttpRequest  = errors.New("HTTP request creation/execution error")
	ErrCancelled    = errors.New("download cancelled")
)

// HTTPStatusError carries the response code for callers that map statuses
// onto their own error taxonomy. It matches ErrHttpStatus under errors.Is.
type HTTPStatusError struct {
	Code int
	URL  string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("received status %d from %s", e.Code, e.URL)
}

func (e *HTTPStatusError) Unwrap() error { return ErrHttpStatus }

// chunkSize bounds memory use while streaming large model files.
const chunkSize = 1 << 20

// assumedSizeBytes is the progress denominator when neither the caller nor
// the server knows the real size.
const assumedSizeBytes = 100 << 20

// Downloader streams remote files to disk with a temp-file-then-rename
// placement so a reader never observes a partially written final file.
type Downloader struct {
	client *http.Client
}

// NewDownloader creates a Downloader. A nil client gets a default suitable
// for large transfers.
func NewDownloader(client *http.Client) *Downloader {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Minute}
	}
	return &Downloader{client: client}
}

// RemoteSize issues a HEAD request and returns the Content-Length, or
// models.SizeUnknown when the server does not say.
func (d *Downloader) RemoteSize(ctx context.Context, url string, headers map[string]string) int64 {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return models.SizeUnknown
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return models.SizeUnknown
	}
	defer resp.Body.Close()
	if resp.ContentLength > 0 {
		return resp.ContentLength
	}
	return models.SizeUnknown
}

// Fetch downloads url to destPath. The file is written to a temp file in the
// destination directory and renamed into place only after the stream (and any
// hash verification) completed. The reporter's cancellation check runs before
// the request and after every chunk; a cancelled transfer removes the temp
// file and returns ErrCancelled. knownSize is used for percentages when the
// response carries no Content-Length; pass models.SizeUnknown when unknown.
func (d *Downloader) Fetch(ctx context.Context, url string, headers map[string]string, destPath string, knownSize int64, hashes models.Hashes, report *progress.Reporter) (string, error) {
	if url == "" {
		return "", fmt.Errorf("%w: empty url", ErrHttpRequest)
	}
	if report != nil && !report.Continue() {
		return "", ErrCancelled
	}

	targetDir := filepath.Dir(destPath)
	baseName := filepath.Base(destPath)
	if !helpers.CheckAndMakeDir(targetDir) {
		return "", fmt.Errorf("%w: failed to create target directory %s", ErrFileSystem, targetDir)
	}

	tempFile, err := os.CreateTemp(targetDir, baseName+".*.tmp")
	if err != nil {
		return "", fmt.Errorf("%w: creating temporary file for %s: %v", ErrFileSystem, destPath, err)
	}
	shouldCleanupTemp := true
	defer func() {
		if shouldCleanupTemp {
			log.Debugf("Cleaning up temporary file %s", tempFile.Name())
			_ = tempFile.Close()
			if removeErr := os.Remove(tempFile.Name()); removeErr != nil && !os.IsNotExist(removeErr) {
				log.WithError(removeErr).Warnf("Failed to remove temporary file %s", tempFile.Name())
			}
		}
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("%w: creating download request for %s: %v", ErrHttpRequest, url, err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: performing request for %s: %v", ErrHttpRequest, url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		return "", &HTTPStatusError{Code: resp.StatusCode, URL: url}
	}

	// The served filename is informational only; placement stays at destPath
	// so callers can rely on where the artifact lands.
	if cd := resp.Header.Get("Content-Disposition"); cd != "" {
		if _, params, cdErr := mime.ParseMediaType(cd); cdErr == nil && params["filename"] != "" {
			log.Debugf("Server filename for %s: %s (keeping %s)", url, params["filename"], baseName)
		}
	}

	total := resp.ContentLength
	if total <= 0 {
		total = knownSize
	}
	if total <= 0 {
		total = assumedSizeBytes
	}

	buf := make([]byte, chunkSize)
	var written int64
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if _, writeErr := tempFile.Write(buf[:n]); writeErr != nil {
				return "", fmt.Errorf("%w: writing temporary file %s: %v", ErrFileSystem, tempFile.Name(), writeErr)
			}
			written += int64(n)
			if report != nil {
				pct := int(written * 100 / total)
				if pct > 100 {
					pct = 100
				}
				report.Progress(fmt.Sprintf("Downloading %s (%s / %s)", baseName,
					helpers.BytesToSize(uint64(written)), helpers.BytesToSize(uint64(total))), pct)
				if !report.Continue() {
					log.Infof("Download of %s cancelled after %s", baseName, helpers.BytesToSize(uint64(written)))
					return "", ErrCancelled
				}
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return "", fmt.Errorf("%w: streaming %s: %v", ErrHttpRequest, url, readErr)
		}
	}

	if err := tempFile.Close(); err != nil {
		return "", fmt.Errorf("%w: closing temp file %s: %v", ErrFileSystem, tempFile.Name(), err)
	}

	if helpers.HashesProvided(hashes) {
		if !helpers.CheckHash(tempFile.Name(), hashes) {
			log.Errorf("Hash mismatch for downloaded file %s", tempFile.Name())
			return "", ErrHashMismatch
		}
		log.Debugf("Hash verified for %s", tempFile.Name())
	}

	if err := os.Rename(tempFile.Name(), destPath); err != nil {
		return "", fmt.Errorf("%w: renaming %s to %s: %v", ErrFileSystem, tempFile.Name(), destPath, err)
	}
	shouldCleanupTemp = false

	log.Infof("Downloaded %s (%s)", destPath, helpers.BytesToSize(uint64(written)))
	return destPath, nil
}
