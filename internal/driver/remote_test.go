package driver

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	smithy "github.com/aws/smithy-go"
)

// fakeS3 serves a single object, optionally honoring IfNoneMatch the way a
// real bucket would: a request whose token matches the current ETag gets a
// NotModified API error back instead of a body.
type fakeS3 struct {
	body  []byte
	etag  string
	calls int
}

type notModifiedError struct{}

func (notModifiedError) Error() string     { return "NotModified" }
func (notModifiedError) ErrorCode() string { return "NotModified" }
func (notModifiedError) ErrorMessage() string { return "Not Modified" }
func (notModifiedError) ErrorFault() smithy.ErrorFault { return smithy.FaultUnknown }

func (f *fakeS3) GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.calls++
	if in.IfNoneMatch != nil && *in.IfNoneMatch == f.etag {
		return nil, notModifiedError{}
	}
	return &s3.GetObjectOutput{
		Body: io.NopCloser(bytes.NewReader(f.body)),
		ETag: aws.String(f.etag),
	}, nil
}

func newTestRemote(t *testing.T, fake *fakeS3, ttl time.Duration) *Remote {
	t.Helper()
	dir := t.TempDir()
	localPath := filepath.Join(dir, "s3_db.sqlite")
	return &Remote{
		bucket:    "bucket",
		key:       "db.sqlite",
		localPath: localPath,
		checkTTL:  ttl,
		s3Client:  fake,
		local:     NewLocal(localPath),
	}
}

func TestCheckDBWritesOnFirstFetch(t *testing.T) {
	fake := &fakeS3{body: []byte("db-v1"), etag: `"abc123"`}
	r := newTestRemote(t, fake, time.Hour)

	if err := r.checkDB(context.Background()); err != nil {
		t.Fatalf("checkDB: %v", err)
	}
	if fake.calls != 1 {
		t.Fatalf("expected exactly one GetObject call, got %d", fake.calls)
	}
	data, err := os.ReadFile(r.localPath)
	if err != nil {
		t.Fatalf("read local mirror: %v", err)
	}
	if string(data) != "db-v1" {
		t.Errorf("expected local mirror to contain %q, got %q", "db-v1", data)
	}
	if r.etag != `"abc123"` {
		t.Errorf("expected stored etag %q, got %q", `"abc123"`, r.etag)
	}
}

func TestCheckDBSkipsFetchWithinTTL(t *testing.T) {
	fake := &fakeS3{body: []byte("db-v1"), etag: `"abc123"`}
	r := newTestRemote(t, fake, time.Hour)

	if err := r.checkDB(context.Background()); err != nil {
		t.Fatalf("checkDB: %v", err)
	}
	if err := r.checkDB(context.Background()); err != nil {
		t.Fatalf("checkDB: %v", err)
	}
	if fake.calls != 1 {
		t.Fatalf("expected TTL to suppress the second check, got %d calls", fake.calls)
	}
}

func TestCheckDBUnchangedETagLeavesMirrorUntouched(t *testing.T) {
	fake := &fakeS3{body: []byte("db-v1"), etag: `"abc123"`}
	r := newTestRemote(t, fake, time.Millisecond)

	if err := r.checkDB(context.Background()); err != nil {
		t.Fatalf("checkDB: %v", err)
	}
	before, err := os.Stat(r.localPath)
	if err != nil {
		t.Fatalf("stat local mirror: %v", err)
	}

	time.Sleep(5 * time.Millisecond)
	if err := r.checkDB(context.Background()); err != nil {
		t.Fatalf("checkDB: %v", err)
	}
	if fake.calls != 2 {
		t.Fatalf("expected the expired TTL to trigger exactly one more conditional GET, got %d calls", fake.calls)
	}
	after, err := os.Stat(r.localPath)
	if err != nil {
		t.Fatalf("stat local mirror: %v", err)
	}
	if !before.ModTime().Equal(after.ModTime()) {
		t.Errorf("expected mtime unchanged when the remote ETag matches, got %v -> %v", before.ModTime(), after.ModTime())
	}
}

func TestCheckDBChangedETagRewritesMirror(t *testing.T) {
	fake := &fakeS3{body: []byte("db-v1"), etag: `"abc123"`}
	r := newTestRemote(t, fake, time.Millisecond)

	if err := r.checkDB(context.Background()); err != nil {
		t.Fatalf("checkDB: %v", err)
	}

	fake.body = []byte("db-v2-longer")
	fake.etag = `"def456"`
	time.Sleep(5 * time.Millisecond)
	if err := r.checkDB(context.Background()); err != nil {
		t.Fatalf("checkDB: %v", err)
	}

	data, err := os.ReadFile(r.localPath)
	if err != nil {
		t.Fatalf("read local mirror: %v", err)
	}
	if string(data) != "db-v2-longer" {
		t.Errorf("expected local mirror updated to %q, got %q", "db-v2-longer", data)
	}
	if r.etag != `"def456"` {
		t.Errorf("expected stored etag updated to %q, got %q", `"def456"`, r.etag)
	}
}
