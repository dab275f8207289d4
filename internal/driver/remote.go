package driver

import (
	"context"
	"errors"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"

	"rastertile/internal/rterrors"
)

// s3GetObjectAPI is the single S3 method Remote needs, narrowed from
// *s3.Client so tests can substitute a fake without a real AWS config.
type s3GetObjectAPI interface {
	GetObject(ctx context.Context, input *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// Remote is a read-only Driver backed by a SQLite database mirrored from
// an S3 object. It re-checks the object's freshness through a
// conditional GET at most once per checkTTL, keeping the local copy in
// between. The underlying Local driver's connection is closed whenever
// the last Connect scope is released.
type Remote struct {
	bucket, key string
	localPath   string
	checkTTL    time.Duration

	s3Client s3GetObjectAPI

	mu        sync.Mutex
	local     *Local
	lastCheck time.Time
	etag      string

	connMu   sync.Mutex
	refcount int
}

// NewRemote prepares a driver for the s3://bucket/key database, caching
// its local mirror under cacheDir.
func NewRemote(ctx context.Context, remotePath, cacheDir string, checkTTL time.Duration) (*Remote, error) {
	u, err := url.Parse(remotePath)
	if err != nil || u.Scheme != "s3" {
		return nil, rterrors.New(rterrors.ConfigError, "expected an s3:// URL, got "+remotePath)
	}
	bucket := u.Host
	key := strings.TrimPrefix(u.Path, "/")

	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, rterrors.Wrap(rterrors.ConfigError, "load AWS config", err)
	}

	if err := os.MkdirAll(cacheDir, 0o755); err != nil {
		return nil, rterrors.Wrap(rterrors.IOErrorKind, "create remote db cache dir", err)
	}
	localPath := filepath.Join(cacheDir, "s3_db.sqlite")

	r := &Remote{
		bucket:    bucket,
		key:       key,
		localPath: localPath,
		checkTTL:  checkTTL,
		s3Client:  s3.NewFromConfig(cfg),
		local:     NewLocal(localPath),
	}
	return r, nil
}

// checkDB re-downloads the object if it's been more than checkTTL since
// the last check and the remote object's own ETag no longer matches the
// one observed on the last successful fetch — a single-slot, TTL-guarded
// cache around the conditional GET, mirroring the upstream driver's
// per-instance TTLCache(maxsize=1). The conditional token is S3's ETag,
// not a locally computed digest: S3 ETags are (for non-multipart puts) an
// MD5 of the object body, so only a token S3 itself issued can ever
// compare equal to one in a later response.
func (r *Remote) checkDB(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.lastCheck.IsZero() && time.Since(r.lastCheck) < r.checkTTL {
		return nil
	}

	input := &s3.GetObjectInput{
		Bucket: aws.String(r.bucket),
		Key:    aws.String(r.key),
	}
	if r.etag != "" {
		input.IfNoneMatch = aws.String(r.etag)
	}
	out, err := r.s3Client.GetObject(ctx, input)
	if err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) && apiErr.ErrorCode() == "NotModified" {
			r.lastCheck = time.Now()
			return nil
		}
		return rterrors.Wrap(rterrors.RemoteDBError, "fetch remote database from s3://"+r.bucket+"/"+r.key, err)
	}
	defer out.Body.Close()

	// Write to a temporary file in the same directory and rename it over
	// the mirror, so the mirror is replaced atomically.
	f, err := os.CreateTemp(filepath.Dir(r.localPath), "s3_db-*.tmp")
	if err != nil {
		return rterrors.Wrap(rterrors.IOErrorKind, "create local db mirror", err)
	}
	defer os.Remove(f.Name())

	if _, err := io.Copy(f, out.Body); err != nil {
		f.Close()
		return rterrors.Wrap(rterrors.IOErrorKind, "write local db mirror", err)
	}
	if err := f.Close(); err != nil {
		return rterrors.Wrap(rterrors.IOErrorKind, "write local db mirror", err)
	}
	if err := os.Rename(f.Name(), r.localPath); err != nil {
		return rterrors.Wrap(rterrors.IOErrorKind, "replace local db mirror", err)
	}

	if out.ETag != nil {
		r.etag = *out.ETag
	}
	r.lastCheck = time.Now()
	return nil
}

// Connect checks the remote object for freshness (subject to checkTTL) on
// the outermost call and shares that check across nested/concurrent
// callers, then opens (or shares) the underlying Local driver's
// connection. release must be called exactly once per successful Connect.
func (r *Remote) Connect(ctx context.Context) (func(), error) {
	r.connMu.Lock()
	defer r.connMu.Unlock()

	if r.refcount == 0 {
		if err := r.checkDB(ctx); err != nil {
			return nil, err
		}
	}

	release, err := r.local.Connect(ctx)
	if err != nil {
		return nil, err
	}
	r.refcount++

	var released bool
	wrapped := func() {
		r.connMu.Lock()
		defer r.connMu.Unlock()
		if released {
			return
		}
		released = true
		r.refcount--
		release()
	}
	return wrapped, nil
}

func (r *Remote) Create(ctx context.Context, keys []KeyDescription) error {
	return rterrors.New(rterrors.NotImplementedKind, "remote databases are read-only")
}

func (r *Remote) Insert(ctx context.Context, keyValues []string, path string, opts InsertOptions) error {
	return rterrors.New(rterrors.NotImplementedKind, "remote databases are read-only")
}

func (r *Remote) Delete(ctx context.Context, keyValues []string) error {
	return rterrors.New(rterrors.NotImplementedKind, "remote databases are read-only")
}

func (r *Remote) Keys(ctx context.Context) ([]KeyDescription, error) {
	return r.local.Keys(ctx)
}

func (r *Remote) Get(ctx context.Context, keyValues []string) (*Dataset, error) {
	return r.local.Get(ctx, keyValues)
}

func (r *Remote) Datasets(ctx context.Context, where map[string]string, limit, offset int) ([]Dataset, error) {
	return r.local.Datasets(ctx, where, limit, offset)
}

func (r *Remote) Close() error {
	return r.local.Close()
}
