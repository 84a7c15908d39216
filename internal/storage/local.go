package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// LocalSource reads objects from a directory on the local filesystem.
type LocalSource struct {
	basePath string
}

// NewLocalSource creates a local source rooted at basePath.
func NewLocalSource(basePath string) *LocalSource {
	return &LocalSource{basePath: basePath}
}

// Download copies an object out of the source directory.
func (l *LocalSource) Download(ctx context.Context, objectPath, localPath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	srcPath := l.fullPath(objectPath)
	src, err := os.Open(srcPath)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrObjectNotFound, srcPath)
		}
		return fmt.Errorf("%w: %v", ErrDownloadFailed, err)
	}
	defer src.Close()

	return writeFile(localPath, src)
}

// fullPath returns the full filesystem path for an object.
func (l *LocalSource) fullPath(objectPath string) string {
	return filepath.Join(l.basePath, objectPath)
}
