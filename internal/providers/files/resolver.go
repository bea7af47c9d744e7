// Package files turns stored file paths into links a viewer can open.
package files

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

var ErrEmptyPath = errors.New("empty_file_path")

type Resolver interface {
	ResolveFileURL(ctx context.Context, path string) (string, error)
}

// StaticResolver joins paths onto a public base URL.
type StaticResolver struct {
	baseURL string
}

func NewStatic(baseURL string) *StaticResolver {
	return &StaticResolver{baseURL: strings.TrimRight(baseURL, "/")}
}

func (r *StaticResolver) ResolveFileURL(_ context.Context, path string) (string, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return "", ErrEmptyPath
	}
	if isAbsoluteURL(path) {
		return path, nil
	}
	segments := strings.Split(strings.TrimLeft(path, "/"), "/")
	for i, segment := range segments {
		segments[i] = url.PathEscape(segment)
	}
	return r.baseURL + "/" + strings.Join(segments, "/"), nil
}

// GCSResolver issues V4 signed GET URLs for objects of one bucket.
type GCSResolver struct {
	bucket     string
	accessID   string
	privateKey []byte
	ttl        time.Duration
	now        func() time.Time
}

type GCSOptions struct {
	Bucket     string
	AccessID   string
	PrivateKey []byte
	TTL        time.Duration
}

func NewGCS(opts GCSOptions) (*GCSResolver, error) {
	if strings.TrimSpace(opts.Bucket) == "" {
		return nil, errors.New("gcs bucket is required")
	}
	if opts.AccessID == "" || len(opts.PrivateKey) == 0 {
		return nil, errors.New("gcs signer credentials are required")
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &GCSResolver{
		bucket:     strings.TrimSpace(opts.Bucket),
		accessID:   opts.AccessID,
		privateKey: opts.PrivateKey,
		ttl:        ttl,
		now:        time.Now,
	}, nil
}

type serviceAccountKey struct {
	ClientEmail string `json:"client_email"`
	PrivateKey  string `json:"private_key"`
}

// LoadSigner reads signing credentials from a service account JSON file or
// a PEM key file paired with accessID.
func LoadSigner(keyFile, accessID string) (string, []byte, error) {
	raw, err := os.ReadFile(keyFile)
	if err != nil {
		return "", nil, err
	}
	trimmed := strings.TrimSpace(string(raw))
	if strings.HasPrefix(trimmed, "{") {
		var key serviceAccountKey
		if err := json.Unmarshal(raw, &key); err != nil {
			return "", nil, fmt.Errorf("invalid service account key: %w", err)
		}
		if key.ClientEmail == "" || key.PrivateKey == "" {
			return "", nil, errors.New("service account key missing client_email or private_key")
		}
		return key.ClientEmail, []byte(strings.ReplaceAll(key.PrivateKey, `\n`, "\n")), nil
	}
	if accessID == "" {
		return "", nil, errors.New("access id is required with a PEM key file")
	}
	return accessID, []byte(trimmed), nil
}

func (r *GCSResolver) ResolveFileURL(_ context.Context, path string) (string, error) {
	object := objectKey(r.bucket, path)
	if object == "" {
		return "", ErrEmptyPath
	}
	return storage.SignedURL(r.bucket, object, &storage.SignedURLOptions{
		Scheme:         storage.SigningSchemeV4,
		Method:         "GET",
		GoogleAccessID: r.accessID,
		PrivateKey:     r.privateKey,
		Expires:        r.now().Add(r.ttl),
	})
}

// TTL is how long issued links stay valid.
func (r *GCSResolver) TTL() time.Duration {
	return r.ttl
}

// objectKey strips bucket URLs down to the object name.
func objectKey(bucket, path string) string {
	path = strings.TrimSpace(path)
	if isAbsoluteURL(path) {
		if parsed, err := url.Parse(path); err == nil {
			host := strings.ToLower(parsed.Host)
			p := strings.TrimPrefix(parsed.Path, "/")
			if host == "storage.googleapis.com" || host == "storage.cloud.google.com" {
				p = strings.TrimPrefix(p, bucket+"/")
			}
			path = p
		}
	}
	path = strings.TrimPrefix(path, "gs://"+bucket+"/")
	return strings.TrimLeft(path, "/")
}

func isAbsoluteURL(path string) bool {
	return strings.HasPrefix(path, "https://") || strings.HasPrefix(path, "http://")
}

// CachedResolver memoizes resolved links for less than their lifetime.
type CachedResolver struct {
	next  Resolver
	cache *expirable.LRU[string, string]
}

func NewCached(next Resolver, size int, ttl time.Duration) *CachedResolver {
	if size <= 0 {
		size = 256
	}
	return &CachedResolver{
		next:  next,
		cache: expirable.NewLRU[string, string](size, nil, ttl),
	}
}

func (r *CachedResolver) ResolveFileURL(ctx context.Context, path string) (string, error) {
	if link, ok := r.cache.Get(path); ok {
		return link, nil
	}
	link, err := r.next.ResolveFileURL(ctx, path)
	if err != nil {
		return "", err
	}
	r.cache.Add(path, link)
	return link, nil
}
