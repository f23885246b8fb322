// Package blob implements the content-addressed object store. Payloads are keyed by the
// SHA-256 of their bytes and laid out as <root>/<hash[0:2]>/<hash[2:]>.
package blob

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

const (
	hashLength = 64
	dirPerm    = 0o750
	filePerm   = 0o640
	tmpDirName = "tmp"
)

// ErrInvalidHash is returned for strings that are not lowercase hex SHA-256 digests.
var ErrInvalidHash = errors.New("invalid hash format")

// ErrNotFound is returned when no blob exists for a hash.
var ErrNotFound = errors.New("blob not found")

// Store is a content-addressed blob store rooted at a directory.
type Store struct {
	root string
}

// New creates the store root and its temp directory.
func New(root string) (*Store, error) {
	if err := os.MkdirAll(filepath.Join(root, tmpDirName), dirPerm); err != nil {
		return nil, fmt.Errorf("create blob root %q: %w", root, err)
	}
	return &Store{root: root}, nil
}

// Root returns the directory the store writes under.
func (s *Store) Root() string {
	return s.root
}

// ValidateHash checks if a hash string is valid format.
func (s *Store) ValidateHash(hash string) bool {
	if len(hash) != hashLength {
		return false
	}

	for _, char := range hash {
		if (char < '0' || char > '9') && (char < 'a' || char > 'f') {
			return false
		}
	}

	return true
}

// Path returns the on-disk location for hash, or "" for an invalid hash.
func (s *Store) Path(hash string) string {
	if !s.ValidateHash(hash) {
		return ""
	}
	return filepath.Join(s.root, hash[:2], hash[2:])
}

func (s *Store) tmpDir() string {
	return filepath.Join(s.root, tmpDirName)
}
