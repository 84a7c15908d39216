package storage

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/spaolacci/murmur3"
	"go.uber.org/zap"
)

// Artifact describes a fetched file.
type Artifact struct {
	Source      string
	Path        string
	Size        int64
	Fingerprint string
}

// S3Factory opens a source for a bucket.
type S3Factory func(ctx context.Context, bucket string) (Source, error)

// Fetcher resolves an installer location to a Source and downloads it.
// Supported locations: plain paths, file://, http://, https:// and
// s3://bucket/key.
type Fetcher struct {
	httpClient *http.Client
	newS3      S3Factory
	logger     *zap.Logger
}

// NewFetcher creates a fetcher. S3 locations use cfg with the default
// credential chain.
func NewFetcher(cfg S3Config, logger *zap.Logger) *Fetcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fetcher{
		logger: logger,
		newS3: func(ctx context.Context, bucket string) (Source, error) {
			return NewS3Source(ctx, bucket, cfg)
		},
	}
}

// WithHTTPClient replaces the client used for http(s) locations.
func (f *Fetcher) WithHTTPClient(c *http.Client) *Fetcher {
	f.httpClient = c
	return f
}

// WithS3Factory replaces how S3 sources are opened.
func (f *Fetcher) WithS3Factory(factory S3Factory) *Fetcher {
	f.newS3 = factory
	return f
}

// Resolve splits location into a Source and the object path inside it.
func (f *Fetcher) Resolve(ctx context.Context, location string) (Source, string, error) {
	u, err := url.Parse(location)
	if err != nil || u.Scheme == "" || len(u.Scheme) == 1 {
		// plain path (a one letter scheme is a drive letter)
		return NewLocalSource(filepath.Dir(location)), filepath.Base(location), nil
	}

	switch u.Scheme {
	case "file":
		p := u.Path
		if u.Host != "" {
			p = filepath.Join(u.Host, p)
		}
		return NewLocalSource(filepath.Dir(p)), filepath.Base(p), nil
	case "http", "https":
		dir, file := path.Split(u.Path)
		base := *u
		base.Path = strings.TrimSuffix(dir, "/")
		base.RawQuery = ""
		return NewHTTPSource(base.String(), f.httpClient).WithQuery(u.RawQuery), file, nil
	case "s3":
		if u.Host == "" {
			return nil, "", fmt.Errorf("%w: %s has no bucket", ErrUnsupportedSource, location)
		}
		src, err := f.newS3(ctx, u.Host)
		if err != nil {
			return nil, "", err
		}
		return src, strings.TrimPrefix(u.Path, "/"), nil
	default:
		return nil, "", fmt.Errorf("%w: %s", ErrUnsupportedSource, u.Scheme)
	}
}

// Fetch downloads location into dest and fingerprints the result.
func (f *Fetcher) Fetch(ctx context.Context, location, dest string) (Artifact, error) {
	src, object, err := f.Resolve(ctx, location)
	if err != nil {
		return Artifact{}, err
	}

	f.logger.Info("fetching installer", zap.String("source", location), zap.String("dest", dest))

	if err := src.Download(ctx, object, dest); err != nil {
		return Artifact{}, err
	}

	art, err := Fingerprint(dest)
	if err != nil {
		return Artifact{}, err
	}
	art.Source = location

	f.logger.Debug("installer fetched",
		zap.Int64("bytes", art.Size),
		zap.String("fingerprint", art.Fingerprint))
	return art, nil
}

// Fingerprint returns the murmur3 128-bit hash of the file at p.
func Fingerprint(p string) (Artifact, error) {
	file, err := os.Open(p)
	if err != nil {
		return Artifact{}, fmt.Errorf("failed to open %s: %w", p, err)
	}
	defer file.Close()

	h := murmur3.New128()
	n, err := io.Copy(h, file)
	if err != nil {
		return Artifact{}, fmt.Errorf("failed to hash %s: %w", p, err)
	}

	return Artifact{
		Path:        p,
		Size:        n,
		Fingerprint: hex.EncodeToString(h.Sum(nil)),
	}, nil
}
