package blob

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"

	"cloudemu/pkg/log"
)

// Put stores the bytes read from reader and returns their hash and length. Storing content
// that already exists leaves the existing copy in place.
func (s *Store) Put(reader io.Reader) (string, int64, error) {
	hash, size, tempFile, err := s.processAndHashFile(reader)
	if err != nil {
		return "", 0, err
	}
	defer s.cleanupTempFile(tempFile)

	if err := s.commit(hash, tempFile); err != nil {
		return "", 0, err
	}

	log.Debug().Str("hash", hash).Str("size", humanize.IBytes(uint64(size))).Msg("Blob stored")
	return hash, size, nil
}

// PutBytes stores data and returns its hash.
func (s *Store) PutBytes(data []byte) (string, error) {
	hash, _, err := s.Put(bytes.NewReader(data))
	return hash, err
}

// processAndHashFile reads from reader, hashes content and saves to temp file.
func (s *Store) processAndHashFile(reader io.Reader) (string, int64, *os.File, error) {
	hasher := sha256.New()
	tempFile, err := os.CreateTemp(s.tmpDir(), "put-*")
	if err != nil {
		log.Error().Err(err).Msg("Failed to create temporary file")
		return "", 0, nil, fmt.Errorf("create temp file: %w", err)
	}

	writer := io.MultiWriter(hasher, tempFile)
	size, err := io.Copy(writer, reader)
	if err != nil {
		log.Error().Err(err).Msg("Failed to process blob")
		s.cleanupTempFile(tempFile)
		return "", 0, nil, fmt.Errorf("write temp file: %w", err)
	}

	if err := tempFile.Sync(); err != nil {
		s.cleanupTempFile(tempFile)
		return "", 0, nil, fmt.Errorf("sync temp file: %w", err)
	}

	return hex.EncodeToString(hasher.Sum(nil)), size, tempFile, nil
}

// commit renames the temp file into its content address unless a copy already exists.
func (s *Store) commit(hash string, tempFile *os.File) error {
	targetPath := s.Path(hash)
	if targetPath == "" {
		return fmt.Errorf("%w: %s", ErrInvalidHash, hash)
	}

	if _, err := os.Stat(targetPath); err == nil {
		return nil
	}

	targetDir := filepath.Dir(targetPath)
	if err := os.MkdirAll(targetDir, dirPerm); err != nil {
		log.Error().Err(err).Str("target_dir", targetDir).Msg("Failed to create target directory")
		return fmt.Errorf("create blob dir: %w", err)
	}

	if err := tempFile.Chmod(filePerm); err != nil {
		return fmt.Errorf("chmod temp file: %w", err)
	}

	if err := os.Rename(tempFile.Name(), targetPath); err != nil {
		log.Error().Err(err).Str("target_path", targetPath).Msg("Failed to move blob into place")
		return fmt.Errorf("rename blob: %w", err)
	}
	return nil
}

// cleanupTempFile closes and removes a temp file. Removing an already-renamed file is harmless.
func (s *Store) cleanupTempFile(tempFile *os.File) {
	if tempFile == nil {
		return
	}
	if err := tempFile.Close(); err != nil {
		log.Debug().Err(err).Str("temp_file", tempFile.Name()).Msg("Failed to close temporary file")
	}
	if err := os.Remove(tempFile.Name()); err != nil && !os.IsNotExist(err) {
		log.Error().Err(err).Str("temp_file", tempFile.Name()).Msg("Failed to remove temporary file")
	}
}

// Concat writes the concatenation of the given blobs as a new blob.
func (s *Store) Concat(hashes []string) (string, int64, error) {
	readers := make([]io.Reader, 0, len(hashes))
	files := make([]*os.File, 0, len(hashes))
	defer func() {
		for _, f := range files {
			_ = f.Close()
		}
	}()

	for _, hash := range hashes {
		f, err := s.openFile(hash)
		if err != nil {
			return "", 0, err
		}
		files = append(files, f)
		readers = append(readers, f)
	}

	return s.Put(io.MultiReader(readers...))
}
