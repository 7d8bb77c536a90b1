package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"
)

// BlobStore reads and writes opaque byte blobs by key.
type BlobStore interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Close() error
}

// FileBlobStore stores blobs as files. Keys are paths relative to Dir, or
// absolute paths when Dir is empty.
type FileBlobStore struct {
	Dir string
}

func (f FileBlobStore) path(key string) string {
	if f.Dir == "" {
		return key
	}
	return filepath.Join(f.Dir, key)
}

// Put writes data atomically through a temporary file in the same
// directory, creating parent directories as needed.
func (f FileBlobStore) Put(ctx context.Context, key string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path := f.path(key)
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".blob-*")
	if err != nil {
		return fmt.Errorf("create temp file in %s: %w", dir, err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", tmp.Name(), err)
	}
	if err := tmp.Chmod(0o644); err != nil {
		tmp.Close()
		return fmt.Errorf("chmod %s: %w", tmp.Name(), err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("rename to %s: %w", path, err)
	}
	return nil
}

// Get reads a blob. A missing file is ErrBlobNotFound.
func (f FileBlobStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(f.path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrBlobNotFound, key)
	}
	return data, err
}

// Close implements BlobStore.
func (FileBlobStore) Close() error { return nil }

// RedisBlobStore stores blobs as plain Redis strings without expiry.
type RedisBlobStore struct {
	client *redis.Client
	prefix string
}

// NewRedisBlobStore connects to Redis. Every key is prefixed with prefix.
func NewRedisBlobStore(addr, password string, db int, prefix string) (*RedisBlobStore, error) {
	client, err := newRedisClient(addr, password, db)
	if err != nil {
		return nil, err
	}
	return &RedisBlobStore{client: client, prefix: prefix}, nil
}

// Put implements BlobStore.
func (r *RedisBlobStore) Put(ctx context.Context, key string, data []byte) error {
	if err := r.client.Set(ctx, r.prefix+key, data, 0).Err(); err != nil {
		return fmt.Errorf("failed to store blob %s in redis: %w", key, err)
	}
	return nil
}

// Get implements BlobStore.
func (r *RedisBlobStore) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := r.client.Get(ctx, r.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", ErrBlobNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get blob %s from redis: %w", key, err)
	}
	return data, nil
}

// Close implements BlobStore.
func (r *RedisBlobStore) Close() error { return r.client.Close() }

// BlobURI is a parsed blob location.
type BlobURI struct {
	// Scheme is "file" or "redis".
	Scheme string

	// Addr, Password and DB are set for redis URIs.
	Addr     string
	Password string
	DB       int

	// Key is the file path or the Redis key.
	Key string
}

// ParseBlobURI accepts local paths, file:// URIs and
// redis://[:password@]host:port/db/key URIs.
func ParseBlobURI(uri string) (BlobURI, error) {
	if !strings.Contains(uri, "://") {
		if uri == "" {
			return BlobURI{}, fmt.Errorf("%w: empty uri", ErrInvalidKey)
		}
		return BlobURI{Scheme: "file", Key: uri}, nil
	}
	u, err := url.Parse(uri)
	if err != nil {
		return BlobURI{}, fmt.Errorf("parse %q: %w", uri, err)
	}
	switch u.Scheme {
	case "file":
		return BlobURI{Scheme: "file", Key: u.Host + u.Path}, nil
	case "redis":
		parts := strings.SplitN(strings.TrimPrefix(u.Path, "/"), "/", 2)
		if len(parts) != 2 || parts[1] == "" {
			return BlobURI{}, fmt.Errorf("%w: %q must look like redis://host:port/db/key", ErrInvalidKey, uri)
		}
		db, err := strconv.Atoi(parts[0])
		if err != nil || db < 0 {
			return BlobURI{}, fmt.Errorf("%w: bad database %q in %q", ErrInvalidKey, parts[0], uri)
		}
		password, _ := u.User.Password()
		return BlobURI{Scheme: "redis", Addr: u.Host, Password: password, DB: db, Key: parts[1]}, nil
	default:
		return BlobURI{}, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidKey, u.Scheme)
	}
}

// OpenBlob resolves uri to a store and the key to use in it. The caller
// closes the store.
func OpenBlob(uri string) (BlobStore, string, error) {
	parsed, err := ParseBlobURI(uri)
	if err != nil {
		return nil, "", err
	}
	if parsed.Scheme == "redis" {
		store, err := NewRedisBlobStore(parsed.Addr, parsed.Password, parsed.DB, "")
		if err != nil {
			return nil, "", err
		}
		return store, parsed.Key, nil
	}
	return FileBlobStore{}, parsed.Key, nil
}
