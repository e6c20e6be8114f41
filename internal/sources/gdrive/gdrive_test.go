package gdrive

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"model-resolver/internal/models"
	"model-resolver/internal/progress"
)

func TestParseReference(t *testing.T) {
	tests := []struct {
		name   string
		ref    string
		fileID string
		ok     bool
	}{
		{"view link", "https://drive.google.com/file/d/1aBcD_e-F/view?usp=sharing", "1aBcD_e-F", true},
		{"open link", "https://drive.google.com/open?id=1aBcD_e-F", "1aBcD_e-F", true},
		{"uc link", "https://drive.google.com/uc?export=download&id=1aBcD_e-F", "1aBcD_e-F", true},
		{"docs host", "https://docs.google.com/uc?id=1aBcD_e-F", "1aBcD_e-F", true},
		{"other host", "https://example.com/file/d/abc/view", "", false},
		{"no id", "https://drive.google.com/drive/my-drive", "", false},
		{"plain filename", "model.safetensors", "", false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cand, ok := ParseReference(tc.ref)
			assert.Equal(t, tc.ok, ok)
			if tc.ok {
				require.NotNil(t, cand)
				assert.Equal(t, models.SourceGoogleDrive, cand.Source)
				assert.Equal(t, tc.fileID, cand.DriveFileID)
			}
		})
	}
}

func newReporter(t *testing.T, session string) *progress.Reporter {
	t.Helper()
	return progress.NewReporter(progress.NewStore(), progress.NewCancelStore(), session)
}

func TestFetchDirect(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/uc", r.URL.Path)
		w.Header().Set("Content-Type", "application/octet-stream")
		_, _ = w.Write([]byte("weights"))
	}))
	t.Cleanup(srv.Close)

	c := New(srv.Client())
	c.SetBaseURLForTest(srv.URL)

	dest := filepath.Join(t.TempDir(), "model.safetensors")
	cand := &models.Candidate{Source: models.SourceGoogleDrive, DriveFileID: "abc123"}
	require.NoError(t, c.Fetch(context.Background(), cand, dest, newReporter(t, "sess-gd")))

	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "weights", string(data))
}

func TestFetchConfirmInterstitial(t *testing.T) {
	var srvURL string
	mux := http.NewServeMux()
	mux.HandleFunc("/uc", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("confirm") == "" {
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			page := fmt.Sprintf(`<html><body>
<form id="download-form" action="%s/uc" method="get">
<input type="hidden" name="id" value="abc123">
<input type="hidden" name="export" value="download">
<input type="hidden" name="confirm" value="t0k3n">
</form></body></html>`, srvURL)
			_, _ = w.Write([]byte(page))
			return
		}
		assert.Equal(t, "t0k3n", r.URL.Query().Get("confirm"))
		w.Header().Set("Content-Type", "application/octet-stream")
		_, _ = w.Write([]byte("big weights"))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	srvURL = srv.URL

	c := New(srv.Client())
	c.SetBaseURLForTest(srv.URL)

	dest := filepath.Join(t.TempDir(), "model.safetensors")
	cand := &models.Candidate{Source: models.SourceGoogleDrive, DriveFileID: "abc123"}
	require.NoError(t, c.Fetch(context.Background(), cand, dest, newReporter(t, "sess-gd2")))

	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "big weights", string(data))
}

func TestFetchAccessRestricted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "forbidden", http.StatusForbidden)
	}))
	t.Cleanup(srv.Close)

	c := New(srv.Client())
	c.SetBaseURLForTest(srv.URL)

	err := c.Fetch(context.Background(), &models.Candidate{DriveFileID: "abc"},
		filepath.Join(t.TempDir(), "f"), newReporter(t, "sess-gd3"))
	require.Error(t, err)
	assert.Equal(t, models.KindAccessRestricted, models.KindOf(err))
}

func zipBytes(t *testing.T, entries map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, content := range entries {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func TestFetchUnpacksUnexpectedZip(t *testing.T) {
	payload := zipBytes(t, map[string]string{
		"readme.txt":               "ignore me",
		"model/model_v1.ckpt":      "the actual weights",
		"model/preview_image.tiff": "x",
	})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/octet-stream")
		_, _ = w.Write(payload)
	}))
	t.Cleanup(srv.Close)

	c := New(srv.Client())
	c.SetBaseURLForTest(srv.URL)

	dest := filepath.Join(t.TempDir(), "model_v1.ckpt")
	cand := &models.Candidate{Source: models.SourceGoogleDrive, DriveFileID: "abc"}
	require.NoError(t, c.Fetch(context.Background(), cand, dest, newReporter(t, "sess-gd4")))

	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "the actual weights", string(data))
}

func TestFetchKeepsAmbiguousArchive(t *testing.T) {
	payload := zipBytes(t, map[string]string{
		"a.safetensors": "one",
		"b.safetensors": "two",
	})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/octet-stream")
		_, _ = w.Write(payload)
	}))
	t.Cleanup(srv.Close)

	c := New(srv.Client())
	c.SetBaseURLForTest(srv.URL)

	dest := filepath.Join(t.TempDir(), "model.safetensors")
	cand := &models.Candidate{Source: models.SourceGoogleDrive, DriveFileID: "abc"}
	require.NoError(t, c.Fetch(context.Background(), cand, dest, newReporter(t, "sess-gd6")))

	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, payload, data, "ambiguous archives stay bundled")
}

func TestFetchKeepsRequestedZip(t *testing.T) {
	payload := zipBytes(t, map[string]string{"inner.safetensors": "weights"})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/octet-stream")
		_, _ = w.Write(payload)
	}))
	t.Cleanup(srv.Close)

	c := New(srv.Client())
	c.SetBaseURLForTest(srv.URL)

	dest := filepath.Join(t.TempDir(), "bundle.zip")
	cand := &models.Candidate{Source: models.SourceGoogleDrive, DriveFileID: "abc"}
	require.NoError(t, c.Fetch(context.Background(), cand, dest, newReporter(t, "sess-gd5")))

	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, payload, data)
}
