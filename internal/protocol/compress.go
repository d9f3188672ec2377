package protocol

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
)

// maxPayloadSize caps the decompressed size of a single payload. Frames are
// read with a 16 MiB limit, so this allows an 8x expansion.
var maxPayloadSize int64 = 128 << 20

// ErrPayloadTooLarge is returned when a payload expands past maxPayloadSize
var ErrPayloadTooLarge = errors.New("decompressed payload too large")

// Compress gzips b. An empty input still yields a valid gzip member.
func Compress(b []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(b); err != nil {
		w.Close()
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Decompress reverses Compress. An empty result is returned as nil.
func Decompress(b []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(b))
	if err != nil {
		return nil, fmt.Errorf("failed to open gzip stream: %w", err)
	}
	defer r.Close()

	out, err := io.ReadAll(io.LimitReader(r, maxPayloadSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read gzip stream: %w", err)
	}
	if int64(len(out)) > maxPayloadSize {
		return nil, ErrPayloadTooLarge
	}
	if len(out) == 0 {
		return nil, nil
	}
	return out, nil
}
