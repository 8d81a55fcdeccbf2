package types

import (
	"bytes"
	"compress/zlib"
	"fmt"
	"io"
)

// CompressionZlib is the only compression scheme currently written.
// The column exists so old blobs stay readable if the scheme ever changes.
const CompressionZlib = "zlib"

// OutputStore is a write-once compressed blob referenced from a compute
// history entry. Replacing a record's output deletes the old blob in the
// same transaction as the reference update.
type OutputStore struct {
	ID          int64      `json:"id"`
	OutputType  OutputType `json:"output_type"`
	Compression string     `json:"compression"`
	Data        []byte     `json:"data"`
}

// NewOutput compresses raw bytes into a blob of the given type
func NewOutput(t OutputType, raw []byte) (*OutputStore, error) {
	var buf bytes.Buffer
	w := zlib.NewWriter(&buf)
	if _, err := w.Write(raw); err != nil {
		return nil, fmt.Errorf("failed to compress output: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("failed to compress output: %w", err)
	}
	return &OutputStore{
		OutputType:  t,
		Compression: CompressionZlib,
		Data:        buf.Bytes(),
	}, nil
}

// NewOutputString compresses a string into a blob of the given type
func NewOutputString(t OutputType, s string) (*OutputStore, error) {
	return NewOutput(t, []byte(s))
}

// Decompress returns the raw bytes of the blob
func (o *OutputStore) Decompress() ([]byte, error) {
	if o.Compression != CompressionZlib {
		return nil, fmt.Errorf("unknown compression scheme: %s", o.Compression)
	}
	r, err := zlib.NewReader(bytes.NewReader(o.Data))
	if err != nil {
		return nil, fmt.Errorf("failed to decompress output %d: %w", o.ID, err)
	}
	defer func() { _ = r.Close() }()
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress output %d: %w", o.ID, err)
	}
	return raw, nil
}

// DecompressString returns the blob contents as a string
func (o *OutputStore) DecompressString() (string, error) {
	raw, err := o.Decompress()
	return string(raw), err
}
