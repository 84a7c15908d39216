// Package storage fetches the upstream installer from a local path, an
// http(s) URL or an S3 bucket, and fingerprints what it fetched.
package storage

import (
	"context"
	"errors"
)

// Common errors for fetch operations.
var (
	ErrObjectNotFound    = errors.New("object not found")
	ErrDownloadFailed    = errors.New("download failed")
	ErrUnsupportedSource = errors.New("unsupported source")
)

// Source is a read-only object store the installer can be fetched from.
type Source interface {
	// Download copies objectPath to localPath, creating parent directories.
	Download(ctx context.Context, objectPath, localPath string) error
}
