// Package registry keeps a searchable provenance index of every model the
// resolver placed on disk: where it came from, which identifier resolved
// it, and when.
package registry

import (
	"fmt"
	"time"

	"github.com/blevesearch/bleve/v2"
	log "github.com/sirupsen/logrus"

	"model-resolver/internal/models"
)

// Entry is one resolved model. ID is the final on-disk path, so repeat
// resolutions of the same file update in place. All fields are searchable
// by their lowercase JSON tag names (e.g. '+source:huggingface').
type Entry struct {
	Path       string    `json:"path"`
	Name       string    `json:"name"`
	Source     string    `json:"source"`
	Identifier string    `json:"identifier,omitempty"` // repo id, model:version, key or URL
	Directory  string    `json:"directory"`
	SizeBytes  int64     `json:"sizeBytes,omitempty"`
	ResolvedAt time.Time `json:"resolvedAt"`
}

// Registry wraps the bleve index.
type Registry struct {
	index bleve.Index
}

// Open opens an existing index or creates a new one at path.
func Open(path string) (*Registry, error) {
	index, err := bleve.Open(path)
	if err == bleve.ErrorIndexPathDoesNotExist {
		log.Debugf("Creating new registry index at %s", path)
		index, err = bleve.New(path, bleve.NewIndexMapping())
	}
	if err != nil {
		return nil, fmt.Errorf("opening registry index at %s: %w", path, err)
	}
	return &Registry{index: index}, nil
}

func (r *Registry) Close() error {
	return r.index.Close()
}

// Record adds or updates the entry for a resolved model.
func (r *Registry) Record(entry Entry) error {
	if entry.ResolvedAt.IsZero() {
		entry.ResolvedAt = time.Now()
	}
	return r.index.Index(entry.Path, entry)
}

// RecordCandidate builds and records an entry from a fetched candidate.
func (r *Registry) RecordCandidate(cand *models.Candidate, path, directory string) error {
	return r.Record(Entry{
		Path:       path,
		Name:       cand.Filename,
		Source:     string(cand.Source),
		Identifier: candidateIdentifier(cand),
		Directory:  directory,
		SizeBytes:  cand.SizeBytes,
	})
}

func candidateIdentifier(cand *models.Candidate) string {
	switch cand.Source {
	case models.SourceGlobalCache:
		return cand.RemoteKey
	case models.SourceHuggingFace:
		if cand.FilePath != "" {
			return cand.RepoID + "/" + cand.FilePath
		}
		return cand.RepoID
	case models.SourceCivitAI:
		return fmt.Sprintf("%d:%d", cand.ModelID, cand.VersionID)
	default:
		return cand.URL
	}
}

// Find runs a query-string search and returns matching entries.
func (r *Registry) Find(query string) ([]Entry, error) {
	searchRequest := bleve.NewSearchRequest(bleve.NewQueryStringQuery(query))
	searchRequest.Fields = []string{"*"}
	results, err := r.index.Search(searchRequest)
	if err != nil {
		return nil, fmt.Errorf("searching registry: %w", err)
	}

	var entries []Entry
	for _, hit := range results.Hits {
		entry := Entry{Path: hit.ID}
		if v, ok := hit.Fields["name"].(string); ok {
			entry.Name = v
		}
		if v, ok := hit.Fields["source"].(string); ok {
			entry.Source = v
		}
		if v, ok := hit.Fields["identifier"].(string); ok {
			entry.Identifier = v
		}
		if v, ok := hit.Fields["directory"].(string); ok {
			entry.Directory = v
		}
		if v, ok := hit.Fields["sizeBytes"].(float64); ok {
			entry.SizeBytes = int64(v)
		}
		if v, ok := hit.Fields["resolvedAt"].(string); ok {
			if ts, parseErr := time.Parse(time.RFC3339, v); parseErr == nil {
				entry.ResolvedAt = ts
			}
		}
		entries = append(entries, entry)
	}
	return entries, nil
}
