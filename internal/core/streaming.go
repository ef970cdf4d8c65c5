package core

import (
	"io"

	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// LimitedReader counts bytes read and fails with a PayloadTooLarge
// validation error once more than Limit bytes have been read.
// A Limit of zero or less disables the ceiling.
type LimitedReader struct {
	reader    io.Reader
	BytesRead int64
	Limit     int64
}

// NewLimitedReader wraps r with a byte ceiling.
func NewLimitedReader(r io.Reader, limit int64) *LimitedReader {
	return &LimitedReader{reader: r, Limit: limit}
}

// Read implements io.Reader.
func (r *LimitedReader) Read(p []byte) (int, error) {
	n, err := r.reader.Read(p)
	r.BytesRead += int64(n)
	if r.Limit > 0 && r.BytesRead > r.Limit {
		return n, PayloadTooLarge(r.BytesRead, r.Limit)
	}
	return n, err
}

// ReadPayload reads an upload stream fully, enforcing the size ceiling.
func ReadPayload(r io.Reader, limit int64) ([]byte, error) {
	return io.ReadAll(NewLimitedReader(r, limit))
}

// NewTextDecoder returns a transformer that yields clean UTF-8 from sheet
// exports. A leading UTF-8 BOM is dropped. A UTF-16 BOM switches decoding
// to UTF-16 in the marked byte order. Invalid bytes become U+FFFD.
func NewTextDecoder() transform.Transformer {
	return unicode.BOMOverride(unicode.UTF8.NewDecoder())
}

// WrapForStreaming wraps a reader with the payload ceiling and text decoding.
// The ceiling applies to raw bytes, before decoding.
func WrapForStreaming(r io.Reader, limit int64) io.Reader {
	return transform.NewReader(NewLimitedReader(r, limit), NewTextDecoder())
}
