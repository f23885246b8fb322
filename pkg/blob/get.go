package blob

import (
	"fmt"
	"io"
	"os"
)

// Get returns the full content of a blob.
func (s *Store) Get(hash string) ([]byte, error) {
	f, err := s.openFile(hash)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("read blob %s: %w", hash, err)
	}
	return data, nil
}

// Open returns a seekable reader over a blob. The caller closes it.
func (s *Store) Open(hash string) (io.ReadSeekCloser, error) {
	return s.openFile(hash)
}

// Exists checks if a blob with the given hash is stored.
func (s *Store) Exists(hash string) (bool, error) {
	path := s.Path(hash)
	if path == "" {
		return false, fmt.Errorf("%w: %s", ErrInvalidHash, hash)
	}

	_, err := os.Stat(path)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("stat blob %s: %w", hash, err)
	}
	return true, nil
}

// Size returns the stored length of a blob.
func (s *Store) Size(hash string) (int64, error) {
	path := s.Path(hash)
	if path == "" {
		return 0, fmt.Errorf("%w: %s", ErrInvalidHash, hash)
	}

	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return 0, fmt.Errorf("%w: %s", ErrNotFound, hash)
	}
	if err != nil {
		return 0, fmt.Errorf("stat blob %s: %w", hash, err)
	}
	return info.Size(), nil
}

func (s *Store) openFile(hash string) (*os.File, error) {
	path := s.Path(hash)
	if path == "" {
		return nil, fmt.Errorf("%w: %s", ErrInvalidHash, hash)
	}

	//nolint:gosec // path is derived from a validated hash
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, hash)
	}
	if err != nil {
		return nil, fmt.Errorf("open blob %s: %w", hash, err)
	}
	return f, nil
}
