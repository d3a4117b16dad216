package db

import (
	"bytes"
	"fmt"
	"io"

	"github.com/andybalholm/brotli"
)

const (
	encodingIdentity = "identity"
	encodingBrotli   = "br"

	// Raw responses smaller than this are stored uncompressed.
	compressThreshold = 1024
)

// encodeRaw compresses a raw response for storage and returns the bytes with their encoding.
func encodeRaw(raw []byte) ([]byte, string, error) {
	if len(raw) < compressThreshold {
		return raw, encodingIdentity, nil
	}

	var buf bytes.Buffer
	w := brotli.NewWriterLevel(&buf, brotli.DefaultCompression)
	if _, err := w.Write(raw); err != nil {
		return nil, "", fmt.Errorf("compressing raw response : %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("flushing brotli writer : %w", err)
	}

	return buf.Bytes(), encodingBrotli, nil
}

// decodeRaw reverses encodeRaw.
func decodeRaw(stored []byte, encoding string) ([]byte, error) {
	switch encoding {
	case "", encodingIdentity:
		return stored, nil
	case encodingBrotli:
		raw, err := io.ReadAll(brotli.NewReader(bytes.NewReader(stored)))
		if err != nil {
			return nil, fmt.Errorf("decompressing raw response : %w", err)
		}
		return raw, nil
	default:
		return nil, fmt.Errorf("unsupported raw encoding %q", encoding)
	}
}
