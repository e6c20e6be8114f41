package gdrive

import (
	"archive/zip"
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	log "github.com/sirupsen/logrus"
)

var zipMagic = []byte{0x50, 0x4b, 0x03, 0x04}

var weightExtensions = []string{".safetensors", ".ckpt", ".pt", ".pth", ".bin", ".gguf", ".onnx"}

func isWeightFile(name string) bool {
	lower := strings.ToLower(name)
	for _, ext := range weightExtensions {
		if strings.HasSuffix(lower, ext) {
			return true
		}
	}
	return false
}

// normalizeArchive replaces path with the weight file it contains when the
// downloaded payload turned out to be a zip the caller did not ask for.
// Wanted zips (path ends in .zip) and non-zip payloads pass through.
// Archives holding several weight files are deliberately kept as the raw
// zip at path rather than re-packed: the bundle is already a single
// artifact at the expected location, and guessing which entry the user
// wanted would be wrong more often than right.
func normalizeArchive(path string) error {
	if strings.EqualFold(filepath.Ext(path), ".zip") {
		return nil
	}

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	magic := make([]byte, 4)
	if _, err := io.ReadFull(f, magic); err != nil || !bytes.Equal(magic, zipMagic) {
		_ = f.Close()
		return nil
	}
	_ = f.Close()

	reader, err := zip.OpenReader(path)
	if err != nil {
		return fmt.Errorf("opening downloaded archive: %w", err)
	}

	var files []*zip.File
	var weights []*zip.File
	for _, entry := range reader.File {
		if entry.FileInfo().IsDir() {
			continue
		}
		files = append(files, entry)
		if isWeightFile(entry.Name) {
			weights = append(weights, entry)
		}
	}
	if len(files) == 0 {
		_ = reader.Close()
		return fmt.Errorf("downloaded archive is empty")
	}

	// A lone entry, or a lone weight file among support files, replaces the
	// archive. Anything more ambiguous stays bundled.
	var picked *zip.File
	switch {
	case len(files) == 1:
		picked = files[0]
	case len(weights) == 1:
		picked = weights[0]
	default:
		_ = reader.Close()
		log.Debugf("Keeping downloaded archive %s: %d entries, %d weight files", path, len(files), len(weights))
		return nil
	}

	log.Debugf("Extracting %s from downloaded archive", picked.Name)
	src, err := picked.Open()
	if err != nil {
		_ = reader.Close()
		return fmt.Errorf("opening archive entry %s: %w", picked.Name, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.unzip")
	if err != nil {
		_ = src.Close()
		_ = reader.Close()
		return err
	}
	_, copyErr := io.Copy(tmp, src)
	_ = src.Close()
	_ = reader.Close()
	closeErr := tmp.Close()
	if copyErr != nil || closeErr != nil {
		_ = os.Remove(tmp.Name())
		if copyErr != nil {
			return fmt.Errorf("extracting %s: %w", picked.Name, copyErr)
		}
		return closeErr
	}

	return os.Rename(tmp.Name(), path)
}
