package database

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"model-resolver/internal/models"

	"git.mills.io/prologic/bitcask"
	log "github.com/sirupsen/logrus"
)

// ErrNotFound is returned when a key is not found in the database.
var ErrNotFound = errors.New("key not found")

// gzipMagicBytes are the first two bytes of a gzip file.
var gzipMagicBytes = []byte{0x1f, 0x8b}

const (
	catalogKey       = "catalog"
	journalKeyPrefix = "session_"
)

// DB wraps the bitcask store holding the global-cache catalog snapshot and
// the session journal. Values are gzip-compressed transparently.
type DB struct {
	db           *bitcask.Bitcask
	sync.RWMutex // guards access across goroutines sharing one handle
}

// Open initializes and returns a DB instance, creating parent directories as
// needed.
func Open(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if dir != "." && dir != "/" {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("failed to create database directory %s: %w", dir, err)
		}
	}

	dbInstance, err := bitcask.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open bitcask database at %s: %w", path, err)
	}
	log.Debugf("Catalog database opened at %s", path)
	return &DB{db: dbInstance}, nil
}

// Close safely closes the database.
func (d *DB) Close() error {
	d.Lock()
	defer d.Unlock()
	return d.db.Close()
}

// Has checks if a key exists.
func (d *DB) Has(key []byte) bool {
	d.RLock()
	defer d.RUnlock()
	return d.db.Has(key)
}

// Get retrieves the value for a key, decompressing it if necessary.
func (d *DB) Get(key []byte) ([]byte, error) {
	d.RLock()
	value, err := d.db.Get(key)
	d.RUnlock()

	if err != nil {
		if errors.Is(err, bitcask.ErrKeyNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("error getting key %s: %w", string(key), err)
	}

	return decompressIfGzipped(value)
}

// Put compresses and stores a key-value pair.
func (d *DB) Put(key []byte, value []byte) error {
	compressedValue, err := compressGzip(value, gzip.BestCompression)
	if err != nil {
		return fmt.Errorf("error compressing value for key %s: %w", string(key), err)
	}

	d.Lock()
	err = d.db.Put(key, compressedValue)
	d.Unlock()
	if err != nil {
		return fmt.Errorf("error putting compressed key %s: %w", string(key), err)
	}
	return nil
}

// Delete removes a key.
func (d *DB) Delete(key []byte) error {
	d.Lock()
	err := d.db.Delete(key)
	d.Unlock()
	if err != nil {
		if errors.Is(err, bitcask.ErrKeyNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("error deleting key %s: %w", string(key), err)
	}
	return nil
}

// Fold iterates over all key-value pairs, decompressing each value before
// calling fn.
func (d *DB) Fold(fn func(key []byte, value []byte) error) error {
	d.RLock()
	defer d.RUnlock()

	return d.db.Fold(func(key []byte) error {
		rawValue, err := d.db.Get(key)
		if err != nil {
			log.WithError(err).Warnf("Fold: error getting value for key %s", string(key))
			return nil
		}
		value, err := decompressIfGzipped(rawValue)
		if err != nil {
			log.WithError(err).Warnf("Fold: error decompressing value for key %s", string(key))
			return nil
		}
		return fn(key, value)
	})
}

// --- Catalog snapshot ---

// CatalogSnapshot is the persisted form of the global-cache catalog:
// category -> filename -> entry, plus the refresh timestamp used for TTL
// decisions across restarts.
type CatalogSnapshot struct {
	Structure map[string]map[string]CatalogEntry `json:"structure"`
	Timestamp float64                            `json:"timestamp"`
}

// CatalogEntry describes one remote object in the global cache.
type CatalogEntry struct {
	Size int64  `json:"size"`
	Key  string `json:"key"`
}

// LoadCatalog reads the persisted catalog snapshot. Returns ErrNotFound when
// no snapshot has been written yet.
func (d *DB) LoadCatalog() (CatalogSnapshot, error) {
	raw, err := d.Get([]byte(catalogKey))
	if err != nil {
		return CatalogSnapshot{}, err
	}
	var snap CatalogSnapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return CatalogSnapshot{}, fmt.Errorf("error unmarshalling catalog snapshot: %w", err)
	}
	return snap, nil
}

// SaveCatalog persists the catalog snapshot.
func (d *DB) SaveCatalog(snap CatalogSnapshot) error {
	raw, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("error marshalling catalog snapshot: %w", err)
	}
	return d.Put([]byte(catalogKey), raw)
}

// --- Session journal ---

// RecordSession stores the terminal outcome of a resolution attempt.
// Best-effort: callers log failures but do not abort on them.
func (d *DB) RecordSession(entry models.SessionJournalEntry) error {
	if entry.Timestamp == 0 {
		entry.Timestamp = time.Now().Unix()
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("error marshalling session journal entry: %w", err)
	}
	return d.Put([]byte(journalKeyPrefix+entry.SessionID), raw)
}

// Sessions returns all recorded session outcomes.
func (d *DB) Sessions() ([]models.SessionJournalEntry, error) {
	var entries []models.SessionJournalEntry
	err := d.Fold(func(key, value []byte) error {
		if !bytes.HasPrefix(key, []byte(journalKeyPrefix)) {
			return nil
		}
		var entry models.SessionJournalEntry
		if err := json.Unmarshal(value, &entry); err != nil {
			log.WithError(err).Warnf("Skipping malformed session journal entry %s", string(key))
			return nil
		}
		entries = append(entries, entry)
		return nil
	})
	return entries, err
}

// --- Compression helpers ---

func decompressIfGzipped(value []byte) ([]byte, error) {
	if bytes.HasPrefix(value, gzipMagicBytes) {
		gReader, err := gzip.NewReader(bytes.NewReader(value))
		if err != nil {
			log.WithError(err).Warn("Error creating gzip reader for value, returning raw data.")
			return value, nil
		}
		defer gReader.Close()

		decompressedValue, err := io.ReadAll(gReader)
		if err != nil {
			log.WithError(err).Warn("Error decompressing value, returning raw data.")
			return value, nil
		}
		return decompressedValue, nil
	}
	return value, nil
}

func compressGzip(value []byte, level int) ([]byte, error) {
	var buf bytes.Buffer
	gWriter, err := gzip.NewWriterLevel(&buf, level)
	if err != nil {
		return nil, fmt.Errorf("error creating gzip writer for value: %w", err)
	}
	if _, err = gWriter.Write(value); err != nil {
		_ = gWriter.Close()
		return nil, fmt.Errorf("error writing compressed data for value: %w", err)
	}
	if err = gWriter.Close(); err != nil {
		return nil, fmt.Errorf("error closing gzip writer for value: %w", err)
	}
	return buf.Bytes(), nil
}
