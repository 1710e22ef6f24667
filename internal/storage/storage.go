// Package storage provides object storage abstractions for trace resources.
package storage

import (
	"context"
	"errors"
)

// Common errors for storage operations.
var (
	ErrObjectNotFound = errors.New("object not found")
	ErrUploadFailed   = errors.New("upload failed")
	ErrDownloadFailed = errors.New("download failed")
)

// ObjectStorage abstracts the object store that holds trace files.
// Implementations include S3 and the local filesystem.
type ObjectStorage interface {
	// Upload uploads a file to object storage.
	// localPath is the path to the local file to upload.
	// objectPath is the destination path in object storage.
	Upload(ctx context.Context, localPath, objectPath string) error

	// Download downloads a file from object storage.
	// objectPath is the source path in object storage.
	// localPath is the destination path on the local filesystem.
	// Returns ErrObjectNotFound if the object does not exist.
	Download(ctx context.Context, objectPath, localPath string) error

	// Exists checks if an object exists in storage.
	Exists(ctx context.Context, objectPath string) (bool, error)

	// ListObjects returns all object paths under the given prefix.
	ListObjects(ctx context.Context, prefix string) ([]string, error)
}
