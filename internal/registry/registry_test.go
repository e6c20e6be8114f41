package registry

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"model-resolver/internal/models"
)

func openTestRegistry(t *testing.T) *Registry {
	t.Helper()
	r, err := Open(filepath.Join(t.TempDir(), "registry.bleve"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func TestRecordAndFind(t *testing.T) {
	r := openTestRegistry(t)

	require.NoError(t, r.RecordCandidate(&models.Candidate{
		Source:    models.SourceHuggingFace,
		RepoID:    "acme/detail-tweaker",
		FilePath:  "detail_tweaker.safetensors",
		Filename:  "detail_tweaker.safetensors",
		SizeBytes: 7,
	}, "/models/loras/detail_tweaker.safetensors", "loras"))

	require.NoError(t, r.RecordCandidate(&models.Candidate{
		Source:    models.SourceCivitAI,
		ModelID:   42,
		VersionID: 777,
		Filename:  "epic_checkpoint.safetensors",
	}, "/models/checkpoints/epic_checkpoint.safetensors", "checkpoints"))

	entries, err := r.Find("+source:huggingface")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "/models/loras/detail_tweaker.safetensors", entries[0].Path)
	assert.Equal(t, "acme/detail-tweaker/detail_tweaker.safetensors", entries[0].Identifier)
	assert.Equal(t, "loras", entries[0].Directory)
	assert.False(t, entries[0].ResolvedAt.IsZero())
}

func TestRecordUpdatesInPlace(t *testing.T) {
	r := openTestRegistry(t)

	path := "/models/loras/detail_tweaker.safetensors"
	require.NoError(t, r.Record(Entry{Path: path, Name: "detail_tweaker.safetensors", Source: "huggingface"}))
	require.NoError(t, r.Record(Entry{Path: path, Name: "detail_tweaker.safetensors", Source: "global_cache"}))

	entries, err := r.Find("detail_tweaker.safetensors")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "global_cache", entries[0].Source)
}

func TestFindNoResults(t *testing.T) {
	r := openTestRegistry(t)
	entries, err := r.Find("nothing_indexed_yet")
	require.NoError(t, err)
	assert.Empty(t, entries)
}
