package blob

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/suite"
)

type BlobStoreTestSuite struct {
	suite.Suite
	root  string
	store *Store
}

func (s *BlobStoreTestSuite) SetupTest() {
	s.root = filepath.Join(s.T().TempDir(), "objects")
	store, err := New(s.root)
	s.Require().NoError(err)
	s.store = store
}

func sum(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

func (s *BlobStoreTestSuite) TestPutGetRoundTrip() {
	payloads := [][]byte{
		[]byte("Hello World"),
		{},
		bytes.Repeat([]byte{0x00, 0xff}, 1<<16),
	}
	for _, payload := range payloads {
		hash, size, err := s.store.Put(bytes.NewReader(payload))
		s.Require().NoError(err)
		s.Equal(sum(payload), hash)
		s.Equal(int64(len(payload)), size)

		data, err := s.store.Get(hash)
		s.Require().NoError(err)
		s.Equal(payload, data)
	}
}

func (s *BlobStoreTestSuite) TestLayout() {
	hash, err := s.store.PutBytes([]byte("layout"))
	s.Require().NoError(err)

	expected := filepath.Join(s.root, hash[:2], hash[2:])
	s.Equal(expected, s.store.Path(hash))
	_, err = os.Stat(expected)
	s.NoError(err)
}

func (s *BlobStoreTestSuite) TestPutIsIdempotent() {
	first, err := s.store.PutBytes([]byte("same"))
	s.Require().NoError(err)
	second, err := s.store.PutBytes([]byte("same"))
	s.Require().NoError(err)
	s.Equal(first, second)

	entries, err := os.ReadDir(filepath.Join(s.root, first[:2]))
	s.Require().NoError(err)
	s.Len(entries, 1)

	tmp, err := os.ReadDir(filepath.Join(s.root, tmpDirName))
	s.Require().NoError(err)
	s.Empty(tmp, "temp files must not leak")
}

func (s *BlobStoreTestSuite) TestConcurrentPuts() {
	var wg sync.WaitGroup
	hashes := make([]string, 8)
	for i := range hashes {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			hash, err := s.store.PutBytes([]byte("concurrent payload"))
			s.NoError(err)
			hashes[i] = hash
		}(i)
	}
	wg.Wait()

	for _, h := range hashes {
		s.Equal(hashes[0], h)
	}
	data, err := s.store.Get(hashes[0])
	s.Require().NoError(err)
	s.Equal("concurrent payload", string(data))
}

func (s *BlobStoreTestSuite) TestExistsAndSize() {
	hash, err := s.store.PutBytes([]byte("12345"))
	s.Require().NoError(err)

	exists, err := s.store.Exists(hash)
	s.Require().NoError(err)
	s.True(exists)

	size, err := s.store.Size(hash)
	s.Require().NoError(err)
	s.Equal(int64(5), size)

	missing := strings.Repeat("a", 64)
	exists, err = s.store.Exists(missing)
	s.Require().NoError(err)
	s.False(exists)

	_, err = s.store.Get(missing)
	s.True(errors.Is(err, ErrNotFound))
}

func (s *BlobStoreTestSuite) TestInvalidHash() {
	for _, bad := range []string{"", "abc", strings.Repeat("A", 64), strings.Repeat("g", 64), "../" + strings.Repeat("a", 61)} {
		s.False(s.store.ValidateHash(bad), bad)
		s.Empty(s.store.Path(bad))
		_, err := s.store.Exists(bad)
		s.True(errors.Is(err, ErrInvalidHash))
	}
}

func (s *BlobStoreTestSuite) TestOpenSeeks() {
	hash, err := s.store.PutBytes([]byte("0123456789"))
	s.Require().NoError(err)

	r, err := s.store.Open(hash)
	s.Require().NoError(err)
	defer r.Close()

	_, err = r.Seek(4, io.SeekStart)
	s.Require().NoError(err)
	buf := make([]byte, 3)
	_, err = io.ReadFull(r, buf)
	s.Require().NoError(err)
	s.Equal("456", string(buf))
}

func (s *BlobStoreTestSuite) TestConcat() {
	a, err := s.store.PutBytes([]byte("part-one/"))
	s.Require().NoError(err)
	b, err := s.store.PutBytes([]byte("part-two"))
	s.Require().NoError(err)

	hash, size, err := s.store.Concat([]string{a, b})
	s.Require().NoError(err)
	s.Equal(int64(len("part-one/part-two")), size)
	s.Equal(sum([]byte("part-one/part-two")), hash)

	_, _, err = s.store.Concat([]string{a, strings.Repeat("0", 64)})
	s.True(errors.Is(err, ErrNotFound))
}

func TestBlobStoreTestSuite(t *testing.T) {
	suite.Run(t, new(BlobStoreTestSuite))
}
