package directurl

import (
	"context"
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
		name     string
		ref      string
		filename string
		ok       bool
	}{
		{"plain url", "https://example.com/files/model_v1.safetensors", "model_v1.safetensors", true},
		{"url without file", "https://example.com/", "", true},
		{"huggingface claimed elsewhere", "https://huggingface.co/owner/repo", "", false},
		{"civitai claimed elsewhere", "https://civitai.com/models/42", "", false},
		{"gdrive claimed elsewhere", "https://drive.google.com/file/d/abc/view", "", false},
		{"not a url", "detail_tweaker.safetensors", "", false},
		{"ftp scheme", "ftp://example.com/model.ckpt", "", false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cand, ok := ParseReference(tc.ref)
			assert.Equal(t, tc.ok, ok)
			if tc.ok {
				require.NotNil(t, cand)
				assert.Equal(t, models.SourceDirectURL, cand.Source)
				assert.Equal(t, tc.filename, cand.Filename)
			}
		})
	}
}

func TestFetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("weights"))
	}))
	t.Cleanup(srv.Close)

	c := New(srv.Client())
	ps := progress.NewStore()
	cs := progress.NewCancelStore()
	report := progress.NewReporter(ps, cs, "sess-direct")

	dest := filepath.Join(t.TempDir(), "model.safetensors")
	cand := &models.Candidate{Source: models.SourceDirectURL, URL: srv.URL + "/model.safetensors"}
	require.NoError(t, c.Fetch(context.Background(), cand, dest, report))

	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "weights", string(data))
}

func TestFetchStatusMapping(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/secret":
			http.Error(w, "no", http.StatusForbidden)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)

	c := New(srv.Client())
	ps := progress.NewStore()
	cs := progress.NewCancelStore()

	err := c.Fetch(context.Background(), &models.Candidate{URL: srv.URL + "/secret"},
		filepath.Join(t.TempDir(), "a"), progress.NewReporter(ps, cs, "s1"))
	require.Error(t, err)
	assert.Equal(t, models.KindAccessRestricted, models.KindOf(err))

	err = c.Fetch(context.Background(), &models.Candidate{URL: srv.URL + "/missing"},
		filepath.Join(t.TempDir(), "b"), progress.NewReporter(ps, cs, "s2"))
	require.Error(t, err)
	assert.Equal(t, models.KindNotFound, models.KindOf(err))
}
