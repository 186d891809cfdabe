package embedding

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"os"
)

// CacheKey is the lowercase hex SHA-256 digest that names a cached vector.
type CacheKey string

// NewCacheKey digests the model path followed by the input bytes.
func NewCacheKey(modelPath string, input []byte) CacheKey {
	h := sha256.New()
	h.Write([]byte(modelPath))
	h.Write(input)
	return CacheKey(hex.EncodeToString(h.Sum(nil)))
}

// fingerprintKey also folds the model file's size and modification time
// into the digest so that replacing the model invalidates its vectors.
func fingerprintKey(modelPath string, input []byte) (CacheKey, error) {
	fi, err := os.Stat(modelPath)
	if err != nil {
		return "", fmt.Errorf("embedding: fingerprint %s: %w", modelPath, err)
	}
	var meta [16]byte
	binary.LittleEndian.PutUint64(meta[:8], uint64(fi.Size()))
	binary.LittleEndian.PutUint64(meta[8:], uint64(fi.ModTime().UnixNano()))

	h := sha256.New()
	h.Write([]byte(modelPath))
	h.Write(meta[:])
	h.Write(input)
	return CacheKey(hex.EncodeToString(h.Sum(nil))), nil
}

func (k CacheKey) String() string { return string(k) }

// Input is the text to embed: either inline content or a file whose raw
// bytes are both hashed and embedded.
type Input struct {
	text string
	path string
}

// TextInput embeds s.
func TextInput(s string) Input { return Input{text: s} }

// FileInput embeds the contents of the file at path.
func FileInput(path string) Input { return Input{path: path} }

// IsFile reports whether the input refers to a file.
func (in Input) IsFile() bool { return in.path != "" }

func (in Input) String() string {
	if in.IsFile() {
		return "file:" + in.path
	}
	if len(in.text) > 32 {
		return fmt.Sprintf("text:%q…", in.text[:32])
	}
	return fmt.Sprintf("text:%q", in.text)
}

// Bytes returns the content that is hashed and embedded.
func (in Input) Bytes() ([]byte, error) {
	if !in.IsFile() {
		return []byte(in.text), nil
	}
	data, err := os.ReadFile(in.path)
	if err != nil {
		return nil, fmt.Errorf("embedding: read input %s: %w", in.path, err)
	}
	return data, nil
}
