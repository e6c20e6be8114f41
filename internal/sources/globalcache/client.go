package globalcache

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"model-resolver/internal/database"
	"model-resolver/internal/models"
	"model-resolver/internal/progress"
	"model-resolver/internal/scoring"
)

var pollInterval = 500 * time.Millisecond

// assumedSizeBytes stands in as the progress denominator when the catalog
// does not know the object's size.
const assumedSizeBytes = 100 << 20

// Client answers "do we already host this model" against a cached catalog
// of the store's contents. The catalog survives restarts via the local
// database and is refreshed when older than ttl.
type Client struct {
	store  ObjectStore
	db     *database.DB
	prefix string
	ttl    time.Duration

	mu      sync.Mutex
	catalog database.CatalogSnapshot
	loaded  bool
}

func New(store ObjectStore, db *database.DB, prefix string, ttl time.Duration) *Client {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Client{store: store, db: db, prefix: prefix, ttl: ttl}
}

func (c *Client) fresh(snap database.CatalogSnapshot) bool {
	age := time.Since(time.Unix(int64(snap.Timestamp), 0))
	return snap.Structure != nil && age < c.ttl
}

// Catalog returns the structure of the store keyed by category then
// filename. force bypasses both the in-memory and persisted snapshots.
func (c *Client) Catalog(ctx context.Context, force bool) (database.CatalogSnapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.loaded && !force && c.fresh(c.catalog) {
		return c.catalog, nil
	}

	if !force && c.db != nil {
		if snap, err := c.db.LoadCatalog(); err == nil && c.fresh(snap) {
			log.Debug("Using persisted global cache catalog")
			c.catalog = snap
			c.loaded = true
			return snap, nil
		}
	}

	objects, err := c.store.List(ctx, c.prefix)
	if err != nil {
		return database.CatalogSnapshot{}, models.NewSourceError(models.KindTransient, models.SourceGlobalCache, "catalog refresh failed", err)
	}

	snap := database.CatalogSnapshot{
		Structure: make(map[string]map[string]database.CatalogEntry),
		Timestamp: float64(time.Now().Unix()),
	}
	trimmed := strings.TrimSuffix(strings.TrimPrefix(c.prefix, "/"), "/")
	for _, obj := range objects {
		rel := strings.TrimPrefix(strings.TrimPrefix(obj.Key, trimmed), "/")
		parts := strings.SplitN(rel, "/", 2)
		if len(parts) != 2 || parts[1] == "" {
			continue
		}
		category := parts[0]
		filename := filepath.Base(parts[1])
		if snap.Structure[category] == nil {
			snap.Structure[category] = make(map[string]database.CatalogEntry)
		}
		snap.Structure[category][filename] = database.CatalogEntry{Size: obj.Size, Key: obj.Key}
	}

	if c.db != nil {
		if err := c.db.SaveCatalog(snap); err != nil {
			log.WithError(err).Warn("Failed to persist global cache catalog")
		}
	}
	c.catalog = snap
	c.loaded = true
	log.Infof("Refreshed global cache catalog: %d categories", len(snap.Structure))
	return snap, nil
}

// Search scans the catalog for the best match to modelName. A nil
// candidate with nil error means nothing scored above the acceptance
// threshold.
func (c *Client) Search(ctx context.Context, modelName string) (*models.Candidate, error) {
	snap, err := c.Catalog(ctx, false)
	if err != nil {
		return nil, err
	}

	var best *models.Candidate
	for category, files := range snap.Structure {
		for filename, entry := range files {
			score := scoring.ScoreGlobalCache(filename, modelName)
			if score < scoring.GlobalCacheAcceptScore {
				continue
			}
			if best == nil || score > best.RelevanceScore {
				best = &models.Candidate{
					Source:         models.SourceGlobalCache,
					RemoteKey:      entry.Key,
					Category:       category,
					Filename:       filename,
					SizeBytes:      entry.Size,
					RelevanceScore: score,
				}
			}
		}
	}
	if best != nil {
		log.WithFields(log.Fields{"key": best.RemoteKey, "score": best.RelevanceScore}).Info("Global cache hit")
	}
	return best, nil
}

// Fetch copies the candidate's object into destPath. The copy runs in a
// subprocess while a poller watches the growing temp file for progress and
// for session cancellation; on cancel the subprocess context is torn down
// and the partial file removed.
func (c *Client) Fetch(ctx context.Context, cand *models.Candidate, destPath string, report *progress.Reporter) error {
	if !report.Continue() {
		return models.NewSourceError(models.KindCancelled, models.SourceGlobalCache, "cancelled before copy", nil)
	}

	if err := os.MkdirAll(filepath.Dir(destPath), os.ModePerm); err != nil {
		return models.NewSourceError(models.KindTransient, models.SourceGlobalCache, "creating target directory", err)
	}

	tempPath := destPath + ".partial"
	copyCtx, cancelCopy := context.WithCancel(ctx)
	defer cancelCopy()

	done := make(chan error, 1)
	go func() {
		done <- c.store.Copy(copyCtx, cand.RemoteKey, tempPath)
	}()

	total := cand.SizeBytes
	if total <= 0 {
		total = assumedSizeBytes
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	cancelled := false
	var copyErr error
poll:
	for {
		select {
		case copyErr = <-done:
			break poll
		case <-ticker.C:
			if !report.Continue() {
				cancelled = true
				cancelCopy()
				copyErr = <-done
				break poll
			}
			if fi, err := os.Stat(tempPath); err == nil {
				pct := int(fi.Size() * 100 / total)
				if pct > 99 {
					pct = 99
				}
				report.Progress(fmt.Sprintf("Copying %s from global storage", cand.Filename), pct)
			}
		}
	}

	if cancelled {
		_ = os.Remove(tempPath)
		return models.NewSourceError(models.KindCancelled, models.SourceGlobalCache, "copy cancelled", copyErr)
	}
	if copyErr != nil {
		_ = os.Remove(tempPath)
		if ctx.Err() != nil {
			return models.NewSourceError(models.KindCancelled, models.SourceGlobalCache, "copy cancelled", copyErr)
		}
		return models.NewSourceError(models.KindTransient, models.SourceGlobalCache, "copy failed", copyErr)
	}

	if err := os.Rename(tempPath, destPath); err != nil {
		_ = os.Remove(tempPath)
		return models.NewSourceError(models.KindTransient, models.SourceGlobalCache, "placing file", err)
	}
	report.Progress(fmt.Sprintf("Copied %s from global storage", cand.Filename), 100)
	return nil
}
