// Package blob stores uploaded calibration photos in a gocloud.dev bucket,
// addressed by generated keys rather than user file names.
package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"path"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"gocloud.dev/blob"
	"gocloud.dev/blob/fileblob"
	"gocloud.dev/gcerrors"

	// Registers the s3:// URL scheme for blob.OpenBucket.
	_ "gocloud.dev/blob/s3blob"

	"calibration-backend/config"
	"calibration-backend/internal/apperr"
)

// Access selects how Address exposes a blob to viewers.
type Access string

const (
	// AccessProxy serves blobs through the application at ProxyPath.
	AccessProxy Access = "proxy"
	// AccessPublic points straight at PublicBaseURL; the bucket must be public.
	AccessPublic Access = "public"
	// AccessSigned serves through ProxyPath, which redirects to a short lived
	// signed URL when the backend supports one.
	AccessSigned Access = "signed"
)

// DefaultProxyPath is the route prefix that streams blobs.
const DefaultProxyPath = "/uploads/"

var canonicalExt = map[string][]string{
	"image/jpeg": {".jpg", ".jpeg"},
	"image/png":  {".png"},
	"image/gif":  {".gif"},
	"image/webp": {".webp"},
	"image/heic": {".heic"},
	"image/bmp":  {".bmp"},
}

// Options configures a Store.
type Options struct {
	Prefix          string
	MaxBytes        int64
	AllowedTypes    []string
	Access          Access
	PublicBaseURL   string
	ProxyPath       string
	SignedURLExpiry time.Duration
}

// Object describes one stored blob.
type Object struct {
	Key     string
	Size    int64
	ModTime time.Time
}

// Store owns a bucket of image blobs.
type Store struct {
	bucket  *blob.Bucket
	opts    Options
	allowed map[string]bool
}

// OpenBucket opens the bucket described by cfg: a gocloud.dev URL when set,
// otherwise a local directory.
func OpenBucket(ctx context.Context, cfg config.BlobConfig) (*blob.Bucket, error) {
	if cfg.URL != "" {
		b, err := blob.OpenBucket(ctx, cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("could not open bucket %s: %w", cfg.URL, err)
		}
		return b, nil
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create upload directory: %w", err)
	}
	b, err := fileblob.OpenBucket(cfg.Dir, nil)
	if err != nil {
		return nil, fmt.Errorf("could not open upload directory %s: %w", cfg.Dir, err)
	}
	return b, nil
}

// New wraps bucket. The Store does not take ownership of the bucket.
func New(bucket *blob.Bucket, opts Options) (*Store, error) {
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = 10 << 20
	}
	if opts.ProxyPath == "" {
		opts.ProxyPath = DefaultProxyPath
	}
	if !strings.HasSuffix(opts.ProxyPath, "/") {
		opts.ProxyPath += "/"
	}
	switch opts.Access {
	case "":
		opts.Access = AccessProxy
	case AccessProxy, AccessSigned:
	case AccessPublic:
		if opts.PublicBaseURL == "" {
			return nil, fmt.Errorf("public blob access requires a public base URL")
		}
		opts.PublicBaseURL = strings.TrimSuffix(opts.PublicBaseURL, "/")
	default:
		return nil, fmt.Errorf("unknown blob access mode %q", opts.Access)
	}
	if opts.SignedURLExpiry <= 0 {
		opts.SignedURLExpiry = 15 * time.Minute
	}
	if len(opts.AllowedTypes) == 0 {
		return nil, fmt.Errorf("no allowed image types configured")
	}

	allowed := make(map[string]bool, len(opts.AllowedTypes))
	for _, t := range opts.AllowedTypes {
		allowed[strings.ToLower(t)] = true
	}
	return &Store{bucket: bucket, opts: opts, allowed: allowed}, nil
}

// Access returns the configured access mode.
func (s *Store) Access() Access {
	return s.opts.Access
}

// Put validates and stores data under a fresh key and returns the key.
// Nothing is written when validation fails.
func (s *Store) Put(ctx context.Context, data []byte, contentType, suggestedExt string) (string, error) {
	mediaType, err := s.checkType(contentType)
	if err != nil {
		return "", err
	}
	if len(data) == 0 {
		return "", apperr.Validation("image is empty")
	}
	if int64(len(data)) > s.opts.MaxBytes {
		return "", apperr.Validation("image exceeds the %d byte limit", s.opts.MaxBytes)
	}
	if !s.sniffAllowed(data) {
		return "", apperr.Validation("image content is not an allowed image type")
	}

	id, err := uuid.NewV7()
	if err != nil {
		return "", apperr.StorageWrite("generate image key", err)
	}
	key := s.opts.Prefix + id.String() + extension(mediaType, suggestedExt)

	if err := s.bucket.WriteAll(ctx, key, data, &blob.WriterOptions{ContentType: mediaType}); err != nil {
		return "", apperr.StorageWrite("write image", err)
	}
	return key, nil
}

func (s *Store) checkType(contentType string) (string, error) {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return "", apperr.Validation("invalid image content type %q", contentType)
	}
	mediaType = strings.ToLower(mediaType)
	if !s.allowed[mediaType] {
		return "", apperr.Validation("image type %s is not allowed", mediaType)
	}
	return mediaType, nil
}

// sniffAllowed checks the bytes, not the declared type, against the allow list.
func (s *Store) sniffAllowed(data []byte) bool {
	for m := mimetype.Detect(data); m != nil; m = m.Parent() {
		for t := range s.allowed {
			if m.Is(t) {
				return true
			}
		}
	}
	return false
}

func extension(mediaType, suggested string) string {
	suggested = strings.ToLower(suggested)
	if suggested != "" && !strings.HasPrefix(suggested, ".") {
		suggested = "." + suggested
	}
	exts, ok := canonicalExt[mediaType]
	if !ok {
		return ""
	}
	for _, e := range exts {
		if e == suggested {
			return e
		}
	}
	return exts[0]
}

// Remove deletes a blob. A key that is already gone is not an error.
func (s *Store) Remove(ctx context.Context, key string) error {
	if err := s.bucket.Delete(ctx, key); err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return nil
		}
		return fmt.Errorf("could not delete blob %s: %w", key, err)
	}
	return nil
}

// Address maps a key to the locator handed to viewers. It performs no I/O.
func (s *Store) Address(key string) string {
	if s.opts.Access == AccessPublic {
		return s.opts.PublicBaseURL + "/" + key
	}
	return s.opts.ProxyPath + key
}

// ValidKey reports whether key could have been produced by Put.
func (s *Store) ValidKey(key string) bool {
	if !strings.HasPrefix(key, s.opts.Prefix) || strings.Contains(key, "..") {
		return false
	}
	return path.Clean("/"+key) == "/"+key
}

// Open returns a reader for a stored blob.
func (s *Store) Open(ctx context.Context, key string) (*blob.Reader, error) {
	if !s.ValidKey(key) {
		return nil, apperr.NotFound("image", key)
	}
	r, err := s.bucket.NewReader(ctx, key, nil)
	if err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return nil, apperr.NotFound("image", key)
		}
		return nil, fmt.Errorf("could not open blob %s: %w", key, err)
	}
	return r, nil
}

// SignedURL returns a time limited URL for key. Backends without signing
// support return an error whose gcerrors code is Unimplemented.
func (s *Store) SignedURL(ctx context.Context, key string) (string, error) {
	return s.bucket.SignedURL(ctx, key, &blob.SignedURLOptions{Expiry: s.opts.SignedURLExpiry})
}

// IsUnimplemented reports whether err means the backend lacks a feature.
func IsUnimplemented(err error) bool {
	return gcerrors.Code(err) == gcerrors.Unimplemented
}

// Keys lists every blob under the store prefix.
func (s *Store) Keys(ctx context.Context) ([]Object, error) {
	var objects []Object
	iter := s.bucket.List(&blob.ListOptions{Prefix: s.opts.Prefix})
	for {
		obj, err := iter.Next(ctx)
		if errors.Is(err, io.EOF) {
			return objects, nil
		}
		if err != nil {
			return nil, fmt.Errorf("could not list blobs: %w", err)
		}
		if obj.IsDir {
			continue
		}
		objects = append(objects, Object{Key: obj.Key, Size: obj.Size, ModTime: obj.ModTime})
	}
}
