// Package source resolves trace paths to event sources.
//
// A trace path is either a local filesystem path, a file:// URL, a
// store://key reference into the configured object storage, or an
// s3://bucket/key URL. Remote traces are downloaded into a scratch directory
// for the lifetime of the source and removed when it is closed, unless a
// trace cache is configured, in which case they are kept there.
package source

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tracetab/tracetab/internal/cache"
	"github.com/tracetab/tracetab/internal/engine"
	"github.com/tracetab/tracetab/internal/errors"
	"github.com/tracetab/tracetab/internal/storage"
)

// Supported path schemes.
const (
	SchemeFile  = "file"
	SchemeStore = "store"
	SchemeS3    = "s3"
)

// BucketFunc returns object storage for an S3 bucket.
type BucketFunc func(ctx context.Context, bucket string) (storage.ObjectStorage, error)

// Resolver implements engine.Opener over local files and object storage.
type Resolver struct {
	local       engine.Opener
	store       storage.ObjectStorage
	buckets     BucketFunc
	cache       *cache.TraceCache
	downloadDir string
	logger      *zap.Logger
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithStore serves store:// paths from s.
func WithStore(s storage.ObjectStorage) Option {
	return func(r *Resolver) { r.store = s }
}

// WithBuckets serves s3:// paths from the storage fn returns.
func WithBuckets(fn BucketFunc) Option {
	return func(r *Resolver) { r.buckets = fn }
}

// WithCache keeps downloaded traces in c.
func WithCache(c *cache.TraceCache) Option {
	return func(r *Resolver) { r.cache = c }
}

// WithLocalOpener replaces the opener used for local files.
func WithLocalOpener(o engine.Opener) Option {
	return func(r *Resolver) { r.local = o }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(r *Resolver) {
		if l != nil {
			r.logger = l
		}
	}
}

// NewResolver creates a resolver that downloads remote traces into
// downloadDir. An empty downloadDir uses the system temporary directory.
func NewResolver(downloadDir string, opts ...Option) *Resolver {
	if downloadDir == "" {
		downloadDir = os.TempDir()
	}
	r := &Resolver{
		local:       engine.FileOpener{},
		downloadDir: downloadDir,
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Location is a parsed trace path.
type Location struct {
	Scheme string // "" for plain local paths
	Bucket string // s3 only
	Key    string // object key, or the local path
}

// String renders the location as a trace path.
func (l Location) String() string {
	switch l.Scheme {
	case SchemeStore:
		return SchemeStore + "://" + l.Key
	case SchemeS3:
		return SchemeS3 + "://" + l.Bucket + "/" + l.Key
	case SchemeFile:
		return (&url.URL{Scheme: SchemeFile, Path: l.Key}).String()
	default:
		return l.Key
	}
}

// Remote reports whether the location lives in object storage.
func (l Location) Remote() bool {
	return l.Scheme == SchemeStore || l.Scheme == SchemeS3
}

// Parse splits a trace path into its location.
func Parse(p string) (Location, error) {
	if p == "" {
		return Location{}, errors.NewSourceError(errors.CodeUnsupportedScheme, "empty trace path", nil)
	}
	if !strings.Contains(p, "://") {
		return Location{Key: p}, nil
	}

	u, err := url.Parse(p)
	if err != nil {
		return Location{}, errors.NewSourceError(errors.CodeUnsupportedScheme, fmt.Sprintf("invalid trace path %q", p), err)
	}

	switch u.Scheme {
	case SchemeFile:
		return Location{Scheme: SchemeFile, Key: u.Path}, nil
	case SchemeStore:
		key := strings.TrimPrefix(u.Host+u.Path, "/")
		if key == "" {
			return Location{}, errors.NewSourceError(errors.CodeUnsupportedScheme, fmt.Sprintf("missing object key in %q", p), nil)
		}
		return Location{Scheme: SchemeStore, Key: key}, nil
	case SchemeS3:
		key := strings.TrimPrefix(u.Path, "/")
		if u.Host == "" || key == "" {
			return Location{}, errors.NewSourceError(errors.CodeUnsupportedScheme, fmt.Sprintf("s3 path %q needs a bucket and a key", p), nil)
		}
		return Location{Scheme: SchemeS3, Bucket: u.Host, Key: key}, nil
	default:
		return Location{}, errors.NewSourceError(errors.CodeUnsupportedScheme, fmt.Sprintf("unsupported scheme %q", u.Scheme), nil)
	}
}

// Open implements engine.Opener.
func (r *Resolver) Open(ctx context.Context, p string) (engine.EventSource, error) {
	loc, err := Parse(p)
	if err != nil {
		return nil, err
	}
	if !loc.Remote() {
		return r.local.Open(ctx, loc.Key)
	}

	key := loc.String()
	if r.cache != nil {
		if cachedPath, ok := r.cache.Acquire(key); ok {
			r.logger.Debug("using cached trace", zap.String("location", key), zap.String("local", cachedPath))
			return r.openCached(ctx, key, cachedPath)
		}
	}

	store, err := r.storageFor(ctx, loc)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(r.downloadDir, 0755); err != nil {
		return nil, errors.NewSourceError(errors.CodeFetchFailed, "cannot create download directory", err)
	}
	local := filepath.Join(r.downloadDir, uuid.NewString()+"-"+path.Base(loc.Key))

	if err := store.Download(ctx, loc.Key, local); err != nil {
		os.Remove(local)
		return nil, errors.NewSourceError(errors.CodeFetchFailed, fmt.Sprintf("cannot fetch %s", loc), err)
	}
	r.logger.Debug("fetched remote trace", zap.Stringer("location", loc), zap.String("local", local))

	if r.cache != nil {
		cachedPath, err := r.cache.Put(key, local)
		if err == nil {
			return r.openCached(ctx, key, cachedPath)
		}
		r.logger.Warn("failed to cache trace", zap.String("location", key), zap.Error(err))
	}

	src, err := r.local.Open(ctx, local)
	if err != nil {
		os.Remove(local)
		return nil, err
	}
	return &downloaded{EventSource: src, path: local}, nil
}

// List returns the trace paths stored under prefix, which must be a
// store:// or s3:// location. The key part is used as a plain prefix.
func (r *Resolver) List(ctx context.Context, prefix string) ([]string, error) {
	loc, err := parsePrefix(prefix)
	if err != nil {
		return nil, err
	}
	store, err := r.storageFor(ctx, loc)
	if err != nil {
		return nil, err
	}
	keys, err := store.ListObjects(ctx, loc.Key)
	if err != nil {
		return nil, errors.NewSourceError(errors.CodeFetchFailed, fmt.Sprintf("cannot list %s", prefix), err)
	}
	paths := make([]string, len(keys))
	for i, k := range keys {
		paths[i] = Location{Scheme: loc.Scheme, Bucket: loc.Bucket, Key: k}.String()
	}
	return paths, nil
}

// Put uploads the local file at localPath to the remote location dest.
func (r *Resolver) Put(ctx context.Context, localPath, dest string) error {
	loc, err := Parse(dest)
	if err != nil {
		return err
	}
	store, err := r.storageFor(ctx, loc)
	if err != nil {
		return err
	}
	if err := store.Upload(ctx, localPath, loc.Key); err != nil {
		return errors.NewSourceError(errors.CodeFetchFailed, fmt.Sprintf("cannot upload to %s", loc), err)
	}
	if r.cache != nil && !r.cache.Invalidate(loc.String()) {
		r.logger.Warn("replaced trace is still cached and in use", zap.Stringer("location", loc))
	}
	return nil
}

func parsePrefix(prefix string) (Location, error) {
	switch {
	case prefix == SchemeStore+"://":
		return Location{Scheme: SchemeStore}, nil
	case strings.HasPrefix(prefix, SchemeS3+"://"):
		bucket, key, _ := strings.Cut(strings.TrimPrefix(prefix, SchemeS3+"://"), "/")
		if bucket == "" {
			return Location{}, errors.NewSourceError(errors.CodeUnsupportedScheme, fmt.Sprintf("s3 prefix %q needs a bucket", prefix), nil)
		}
		return Location{Scheme: SchemeS3, Bucket: bucket, Key: key}, nil
	}
	loc, err := Parse(prefix)
	if err != nil {
		return Location{}, err
	}
	if !loc.Remote() {
		return Location{}, errors.NewSourceError(errors.CodeUnsupportedScheme, fmt.Sprintf("%q is not an object storage prefix", prefix), nil)
	}
	return loc, nil
}

func (r *Resolver) storageFor(ctx context.Context, loc Location) (storage.ObjectStorage, error) {
	switch loc.Scheme {
	case SchemeStore:
		if r.store == nil {
			return nil, errors.NewSourceError(errors.CodeUnsupportedScheme, "no object storage configured for store:// paths", nil)
		}
		return r.store, nil
	case SchemeS3:
		if r.buckets == nil {
			return nil, errors.NewSourceError(errors.CodeUnsupportedScheme, "s3:// paths are not enabled", nil)
		}
		s, err := r.buckets(ctx, loc.Bucket)
		if err != nil {
			return nil, errors.NewSourceError(errors.CodeFetchFailed, fmt.Sprintf("cannot reach bucket %s", loc.Bucket), err)
		}
		return s, nil
	default:
		return nil, errors.NewSourceError(errors.CodeUnsupportedScheme, fmt.Sprintf("%s is not in object storage", loc), nil)
	}
}

func (r *Resolver) openCached(ctx context.Context, key, file string) (engine.EventSource, error) {
	src, err := r.local.Open(ctx, file)
	if err != nil {
		r.cache.Release(key)
		r.cache.Invalidate(key)
		return nil, err
	}
	return &cached{EventSource: src, release: func() { r.cache.Release(key) }}, nil
}

// cached unpins its cache entry when closed.
type cached struct {
	engine.EventSource
	release func()
}

func (c *cached) Close() error {
	err := c.EventSource.Close()
	c.release()
	return err
}

// downloaded removes its scratch file when closed.
type downloaded struct {
	engine.EventSource
	path string
}

func (d *downloaded) Close() error {
	err := d.EventSource.Close()
	if rmErr := os.Remove(d.path); err == nil && !os.IsNotExist(rmErr) {
		err = rmErr
	}
	return err
}
