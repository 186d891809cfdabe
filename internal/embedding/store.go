package embedding

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"
	"path/filepath"

	"SimpleLLM/internal/runtime"
)

// DiskStore keeps one file per vector, <root>/<key>.bin, holding raw
// little-endian float32 values with no header.
type DiskStore struct {
	root string
}

// NewDiskStore returns a store rooted at dir. The directory is created on
// the first write.
func NewDiskStore(dir string) *DiskStore {
	return &DiskStore{root: dir}
}

// Root returns the cache directory.
func (s *DiskStore) Root() string { return s.root }

// Path returns the file that holds key.
func (s *DiskStore) Path(key CacheKey) string {
	return filepath.Join(s.root, string(key)+".bin")
}

// Load returns the vector stored under key. ok is false when no file
// exists.
func (s *DiskStore) Load(key CacheKey) (vec []float32, ok bool, err error) {
	raw, err := os.ReadFile(s.Path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("embedding: read %s: %w: %w", key, runtime.ErrCacheIO, err)
	}
	vec, err = decodeVector(raw)
	if err != nil {
		return nil, false, fmt.Errorf("embedding: %s: %w", key, err)
	}
	return vec, true, nil
}

// Save writes vec under key through a temporary file and a rename, so a
// concurrent reader never sees a partial vector.
func (s *DiskStore) Save(key CacheKey, vec []float32) error {
	if len(vec) == 0 {
		return fmt.Errorf("embedding: refusing to cache empty vector for %s: %w", key, runtime.ErrCacheIO)
	}
	if err := os.MkdirAll(s.root, 0o755); err != nil {
		return fmt.Errorf("embedding: create cache dir: %w: %w", runtime.ErrCacheIO, err)
	}
	tmp, err := os.CreateTemp(s.root, string(key)+".*.tmp")
	if err != nil {
		return fmt.Errorf("embedding: %w: %w", runtime.ErrCacheIO, err)
	}
	_, werr := tmp.Write(encodeVector(vec))
	cerr := tmp.Close()
	if err := errors.Join(werr, cerr); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("embedding: write %s: %w: %w", key, runtime.ErrCacheIO, err)
	}
	if err := os.Rename(tmp.Name(), s.Path(key)); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("embedding: commit %s: %w: %w", key, runtime.ErrCacheIO, err)
	}
	return nil
}

func encodeVector(vec []float32) []byte {
	buf := make([]byte, 4*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(v))
	}
	return buf
}

func decodeVector(raw []byte) ([]float32, error) {
	if len(raw) == 0 || len(raw)%4 != 0 {
		return nil, fmt.Errorf("corrupt vector of %d bytes: %w", len(raw), runtime.ErrCacheIO)
	}
	vec := make([]float32, len(raw)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[4*i:]))
	}
	return vec, nil
}
