// Package codec compresses JSON blobs with the LZ4 frame format before they
// are parked in the KV store.
package codec

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/goccy/go-json"
	"github.com/pierrec/lz4/v4"
)

// ErrCorrupt is returned when input is not a valid LZ4 frame.
var ErrCorrupt = errors.New("codec: corrupt lz4 frame")

// maxDecompressed bounds decompressed output (dashboard summaries are a few KB)
const maxDecompressed = 16 << 20

// Compress encodes src as a single LZ4 frame
func Compress(src []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := lz4.NewWriter(&buf)
	if err := w.Apply(lz4.CompressionLevelOption(lz4.Fast)); err != nil {
		return nil, fmt.Errorf("configure lz4 writer: %w", err)
	}
	if _, err := w.Write(src); err != nil {
		return nil, fmt.Errorf("lz4 write: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("lz4 close: %w", err)
	}
	return buf.Bytes(), nil
}

// Decompress reverses Compress
func Decompress(src []byte) ([]byte, error) {
	if len(src) == 0 {
		return nil, ErrCorrupt
	}
	r := lz4.NewReader(bytes.NewReader(src))
	out, err := io.ReadAll(io.LimitReader(r, maxDecompressed+1))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if len(out) > maxDecompressed {
		return nil, fmt.Errorf("%w: output exceeds %d bytes", ErrCorrupt, maxDecompressed)
	}
	return out, nil
}

// NewReader wraps r with an LZ4 frame decoder, for streamed request bodies
func NewReader(r io.Reader) io.Reader {
	return lz4.NewReader(r)
}

// CompressJSON marshals v and compresses the result
func CompressJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return Compress(raw)
}

// DecompressJSON decompresses src and unmarshals it into dst
func DecompressJSON(src []byte, dst any) error {
	raw, err := Decompress(src)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return nil
}
