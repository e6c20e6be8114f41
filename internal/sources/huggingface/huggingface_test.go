package huggingface

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"model-resolver/internal/models"
	"model-resolver/internal/progress"
	"model-resolver/internal/search"
)

func TestParseReference(t *testing.T) {
	tests := []struct {
		name     string
		ref      string
		repoID   string
		filePath string
		ok       bool
	}{
		{"file url", "https://huggingface.co/owner/repo/resolve/main/unet/model.safetensors", "owner/repo", "unet/model.safetensors", true},
		{"blob url", "https://huggingface.co/owner/repo/blob/main/model.ckpt", "owner/repo", "model.ckpt", true},
		{"repo url", "https://huggingface.co/stabilityai/sdxl-vae", "stabilityai/sdxl-vae", "", true},
		{"bare repo", "stabilityai/sdxl-vae", "stabilityai/sdxl-vae", "", true},
		{"plain filename", "detail_tweaker.safetensors", "", "", false},
		{"filename with subdirectory", "SDXL/model.safetensors", "", "", false},
		{"other host", "https://example.com/owner/repo", "", "", false},
		{"empty", "", "", "", false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			repoID, filePath, ok := ParseReference(tc.ref)
			assert.Equal(t, tc.ok, ok)
			assert.Equal(t, tc.repoID, repoID)
			assert.Equal(t, tc.filePath, filePath)
		})
	}
}

func newHubServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/api/models", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("search") == "" {
			http.Error(w, "missing query", http.StatusBadRequest)
			return
		}
		_ = json.NewEncoder(w).Encode([]models.HFModelInfo{
			{ID: "acme/detail-tweaker"},
			{ID: "acme/unrelated"},
		})
	})
	mux.HandleFunc("/api/models/acme/detail-tweaker", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(models.HFModelInfo{
			ID: "acme/detail-tweaker",
			Siblings: []models.HFFile{
				{Filename: "README.md", Size: 10},
				{Filename: "detail_tweaker.safetensors", Size: 7},
			},
		})
	})
	mux.HandleFunc("/api/models/acme/unrelated", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(models.HFModelInfo{
			ID:       "acme/unrelated",
			Siblings: []models.HFFile{{Filename: "something_else.bin", Size: 3}},
		})
	})
	mux.HandleFunc("/api/models/acme/gated-repo", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(models.HFModelInfo{ID: "acme/gated-repo", Gated: "manual"})
	})
	mux.HandleFunc("/api/models/acme/secret", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	})
	mux.HandleFunc("/acme/detail-tweaker/resolve/main/detail_tweaker.safetensors", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("weights"))
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newTestClient(t *testing.T, srv *httptest.Server, token string, engine search.Engine) *Client {
	t.Helper()
	c := New(token, srv.Client(), engine)
	c.SetBaseURLForTest(srv.URL)
	return c
}

func TestModelInfo(t *testing.T) {
	srv := newHubServer(t)

	t.Run("ok", func(t *testing.T) {
		c := newTestClient(t, srv, "", nil)
		info, err := c.ModelInfo(context.Background(), "acme/detail-tweaker")
		require.NoError(t, err)
		assert.Len(t, info.Siblings, 2)
	})

	t.Run("gated without token", func(t *testing.T) {
		c := newTestClient(t, srv, "", nil)
		_, err := c.ModelInfo(context.Background(), "acme/gated-repo")
		require.Error(t, err)
		assert.Equal(t, models.KindAccessRestricted, models.KindOf(err))
	})

	t.Run("gated with token", func(t *testing.T) {
		c := newTestClient(t, srv, "hf_token", nil)
		_, err := c.ModelInfo(context.Background(), "acme/gated-repo")
		assert.NoError(t, err)
	})

	t.Run("unauthorized", func(t *testing.T) {
		c := newTestClient(t, srv, "", nil)
		_, err := c.ModelInfo(context.Background(), "acme/secret")
		require.Error(t, err)
		assert.Equal(t, models.KindAccessRestricted, models.KindOf(err))
	})

	t.Run("not found", func(t *testing.T) {
		c := newTestClient(t, srv, "", nil)
		_, err := c.ModelInfo(context.Background(), "acme/missing")
		require.Error(t, err)
		assert.Equal(t, models.KindNotFound, models.KindOf(err))
	})
}

func TestSearchPicksBestFile(t *testing.T) {
	srv := newHubServer(t)
	c := newTestClient(t, srv, "", nil)

	cand, err := c.Search(context.Background(), "detail_tweaker.safetensors")
	require.NoError(t, err)
	require.NotNil(t, cand)
	assert.Equal(t, models.SourceHuggingFace, cand.Source)
	assert.Equal(t, "acme/detail-tweaker", cand.RepoID)
	assert.Equal(t, "detail_tweaker.safetensors", cand.FilePath)
	assert.Equal(t, int64(7), cand.SizeBytes)
}

func TestSearchNoMatch(t *testing.T) {
	srv := newHubServer(t)
	c := newTestClient(t, srv, "", nil)

	cand, err := c.Search(context.Background(), "completely_different_model.safetensors")
	require.NoError(t, err)
	assert.Nil(t, cand)
}

func TestSearchSurfacesAccessRestriction(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/models", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode([]models.HFModelInfo{{ID: "acme/gated-model"}})
	})
	mux.HandleFunc("/api/models/acme/gated-model", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "forbidden", http.StatusForbidden)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	c := newTestClient(t, srv, "", nil)
	cand, err := c.Search(context.Background(), "gated-model.safetensors")
	require.Error(t, err)
	assert.Nil(t, cand)
	assert.Equal(t, models.KindAccessRestricted, models.KindOf(err))
}

func TestSearchPrefersOpenRepoOverRestricted(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/models", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode([]models.HFModelInfo{
			{ID: "acme/gated-model"},
			{ID: "acme/detail-tweaker"},
		})
	})
	mux.HandleFunc("/api/models/acme/gated-model", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "forbidden", http.StatusForbidden)
	})
	mux.HandleFunc("/api/models/acme/detail-tweaker", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(models.HFModelInfo{
			ID:       "acme/detail-tweaker",
			Siblings: []models.HFFile{{Filename: "detail_tweaker.safetensors", Size: 7}},
		})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	c := newTestClient(t, srv, "", nil)
	cand, err := c.Search(context.Background(), "detail_tweaker.safetensors")
	require.NoError(t, err)
	require.NotNil(t, cand)
	assert.Equal(t, "acme/detail-tweaker", cand.RepoID)
}

type fakeEngine struct {
	results []search.Result
	calls   int
}

func (f *fakeEngine) Search(ctx context.Context, query, site string) ([]search.Result, error) {
	f.calls++
	return f.results, nil
}

func TestSearchFallsBackToWebSearch(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/models", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "search down", http.StatusInternalServerError)
	})
	mux.HandleFunc("/api/models/acme/detail-tweaker", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(models.HFModelInfo{
			ID:       "acme/detail-tweaker",
			Siblings: []models.HFFile{{Filename: "detail_tweaker.safetensors", Size: 7}},
		})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	engine := &fakeEngine{results: []search.Result{
		{URL: "https://huggingface.co/acme/detail-tweaker", Title: "detail tweaker"},
	}}
	c := newTestClient(t, srv, "", engine)

	cand, err := c.Search(context.Background(), "detail_tweaker.safetensors")
	require.NoError(t, err)
	require.NotNil(t, cand)
	assert.Equal(t, "acme/detail-tweaker", cand.RepoID)
	assert.Equal(t, 1, engine.calls)
}

func TestFetch(t *testing.T) {
	srv := newHubServer(t)
	c := newTestClient(t, srv, "", nil)

	ps := progress.NewStore()
	cs := progress.NewCancelStore()
	report := progress.NewReporter(ps, cs, "sess-hf")

	dest := filepath.Join(t.TempDir(), "loras", "detail_tweaker.safetensors")
	cand := &models.Candidate{
		Source:    models.SourceHuggingFace,
		RepoID:    "acme/detail-tweaker",
		FilePath:  "detail_tweaker.safetensors",
		Filename:  "detail_tweaker.safetensors",
		SizeBytes: 7,
	}
	require.NoError(t, c.Fetch(context.Background(), cand, dest, report))

	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "weights", string(data))
	assert.Equal(t, 100, ps.Get("sess-hf").Percentage)
}

func TestFetchCancelled(t *testing.T) {
	srv := newHubServer(t)
	c := newTestClient(t, srv, "", nil)

	ps := progress.NewStore()
	cs := progress.NewCancelStore()
	cs.Cancel("sess-hf-cancel")
	report := progress.NewReporter(ps, cs, "sess-hf-cancel")

	dest := filepath.Join(t.TempDir(), "detail_tweaker.safetensors")
	cand := &models.Candidate{RepoID: "acme/detail-tweaker", FilePath: "detail_tweaker.safetensors"}
	err := c.Fetch(context.Background(), cand, dest, report)
	require.Error(t, err)
	assert.Equal(t, models.KindCancelled, models.KindOf(err))
}

// newSnapshotServer serves a three-file repo and counts downloads. failOn,
// when non-empty, makes that file's download return a server error.
func newSnapshotServer(t *testing.T, downloads *int, failOn string) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/api/models/acme/multi", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(models.HFModelInfo{
			ID: "acme/multi",
			Siblings: []models.HFFile{
				{Filename: "model-00001.safetensors", Size: 5},
				{Filename: "model-00002.safetensors", Size: 5},
				{Filename: "config.json", Size: 2},
			},
		})
	})
	mux.HandleFunc("/acme/multi/resolve/main/", func(w http.ResponseWriter, r *http.Request) {
		if failOn != "" && strings.HasSuffix(r.URL.Path, failOn) {
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		*downloads++
		_, _ = w.Write([]byte("bytes"))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func snapshotReporter(session string) *progress.Reporter {
	return progress.NewReporter(progress.NewStore(), progress.NewCancelStore(), session)
}

func TestFetchSnapshotSkipsExisting(t *testing.T) {
	downloads := 0
	srv := newSnapshotServer(t, &downloads, "")
	c := newTestClient(t, srv, "", nil)

	destDir := filepath.Join(t.TempDir(), "acme_multi")
	require.NoError(t, os.MkdirAll(destDir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(destDir, "model-00001.safetensors"), []byte("12345"), 0644))

	require.NoError(t, c.FetchSnapshot(context.Background(), "acme/multi", destDir, false, snapshotReporter("sess-snap")))
	assert.Equal(t, 2, downloads, "the size-matched file should be kept")
	for _, name := range []string{"model-00002.safetensors", "config.json"} {
		_, err := os.Stat(filepath.Join(destDir, name))
		assert.NoError(t, err, name)
	}
	data, err := os.ReadFile(filepath.Join(destDir, "model-00001.safetensors"))
	require.NoError(t, err)
	assert.Equal(t, "12345", string(data))
}

func TestFetchSnapshotOverwrite(t *testing.T) {
	downloads := 0
	srv := newSnapshotServer(t, &downloads, "")
	c := newTestClient(t, srv, "", nil)

	destDir := filepath.Join(t.TempDir(), "acme_multi")
	require.NoError(t, os.MkdirAll(destDir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(destDir, "model-00001.safetensors"), []byte("12345"), 0644))

	require.NoError(t, c.FetchSnapshot(context.Background(), "acme/multi", destDir, true, snapshotReporter("sess-snap-ow")))
	assert.Equal(t, 3, downloads)
	data, err := os.ReadFile(filepath.Join(destDir, "model-00001.safetensors"))
	require.NoError(t, err)
	assert.Equal(t, "bytes", string(data))
}

func TestFetchSnapshotFailureLeavesNoPartials(t *testing.T) {
	downloads := 0
	srv := newSnapshotServer(t, &downloads, "config.json")
	c := newTestClient(t, srv, "", nil)

	parent := t.TempDir()
	destDir := filepath.Join(parent, "acme_multi")

	err := c.FetchSnapshot(context.Background(), "acme/multi", destDir, false, snapshotReporter("sess-snap-fail"))
	require.Error(t, err)

	entries, readErr := os.ReadDir(destDir)
	require.NoError(t, readErr)
	assert.Empty(t, entries, "no staged file may reach the target on failure")
	parentEntries, readErr := os.ReadDir(parent)
	require.NoError(t, readErr)
	assert.Len(t, parentEntries, 1, "staging directory must be cleaned up")
}
