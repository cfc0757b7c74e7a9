package objstore

import (
	"context"
	"io"
)

// Store is the object storage boundary of the shipping service. Every call
// blocks; any error means the transfer failed.
type Store interface {
	// InitMultipart starts a multipart upload and returns its upload id
	InitMultipart(ctx context.Context, key string) (string, error)
	// PutObjectMultipart uploads r as the parts of uploadID and completes it
	PutObjectMultipart(ctx context.Context, key, uploadID string, r io.Reader) error
	// AbortMultipart discards an unfinished upload. Unknown uploads are not an error.
	AbortMultipart(ctx context.Context, key, uploadID string) error
	// GetObject streams an object. The caller closes the reader.
	GetObject(ctx context.Context, key string) (io.ReadCloser, error)
	PutObject(ctx context.Context, key string, data []byte) error
	// ListObjects returns the keys starting with prefix
	ListObjects(ctx context.Context, prefix string) ([]string, error)
}
