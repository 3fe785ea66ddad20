package artifact_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/pithecene-io/jobforge/artifact"
	"github.com/pithecene-io/jobforge/backoff"
	"github.com/pithecene-io/jobforge/envelope"
	"github.com/pithecene-io/jobforge/types"
)

func TestFSStoreRoundTrip(t *testing.T) {
	store, err := artifact.NewFSStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFSStore: %v", err)
	}

	ref, err := store.Put(t.Context(), "acme/2026-08-24/run-1/manifest.json", []byte(`{"ok":true}`))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if !strings.HasPrefix(ref, "file://") {
		t.Errorf("ref = %q, want file:// prefix", ref)
	}

	got, err := store.Get(t.Context(), "acme/2026-08-24/run-1/manifest.json")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != `{"ok":true}` {
		t.Errorf("round trip = %q", got)
	}

	if _, err := store.Get(t.Context(), "acme/missing"); !errors.Is(err, types.ErrNotFound) {
		t.Errorf("missing key: got %v, want ErrNotFound", err)
	}
}

func TestFSStoreRejectsEscapingKeys(t *testing.T) {
	store, err := artifact.NewFSStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFSStore: %v", err)
	}

	for _, key := range []string{"", "/abs/path", "a/../../etc/passwd"} {
		if _, err := store.Put(t.Context(), key, []byte("x")); !errors.Is(err, artifact.ErrBadKey) {
			t.Errorf("Put(%q): got %v, want ErrBadKey", key, err)
		}
	}
}

func TestExporterPartitionedLayout(t *testing.T) {
	dir := t.TempDir()
	store, err := artifact.NewFSStore(dir)
	if err != nil {
		t.Fatalf("NewFSStore: %v", err)
	}
	exp := artifact.NewExporter(store)

	created := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	final := "succeeded"
	m := &types.Manifest{
		Version:       types.ManifestVersion,
		RunID:         "run-1",
		Tenant:        "acme",
		JobType:       "report.generate",
		CreatedAt:     created,
		FinalizedAt:   &created,
		InputHash:     "abc",
		Outputs:       []types.ManifestOutput{},
		Metrics:       map[string]float64{},
		ToolVersions:  map[string]string{"jobforge": types.Version},
		FinalDecision: &final,
		Status:        types.ManifestComplete,
	}
	if err := exp.SaveManifest(t.Context(), m); err != nil {
		t.Fatalf("SaveManifest: %v", err)
	}

	want := filepath.Join(dir, "acme", "2026-08-24", "run-1", "manifest.json")
	if _, err := store.Get(t.Context(), "acme/2026-08-24/run-1/manifest.json"); err != nil {
		t.Fatalf("manifest not at partitioned key (%s): %v", want, err)
	}
}

func TestExporterReplayRoundTrip(t *testing.T) {
	store, err := artifact.NewFSStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFSStore: %v", err)
	}
	exp := artifact.NewExporter(store)

	clock := backoff.NewVirtualClock(time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC))
	env, err := envelope.Open(envelope.Params{
		RunID:   "run-replay",
		Tenant:  "acme",
		JobType: "report.generate",
		Payload: map[string]any{"month": "2026-08"},
	}, clock)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := env.Complete("succeeded"); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	bundle, err := env.Bundle()
	if err != nil {
		t.Fatalf("Bundle: %v", err)
	}

	if err := exp.SaveReplayBundle(t.Context(), bundle); err != nil {
		t.Fatalf("SaveReplayBundle: %v", err)
	}

	got, err := exp.LoadReplayBundle(t.Context(), "acme", bundle.Manifest.CreatedAt, "run-replay")
	if err != nil {
		t.Fatalf("LoadReplayBundle: %v", err)
	}
	if diffs := envelope.Compare(bundle, got); len(diffs) != 0 {
		t.Errorf("exported bundle not equivalent to original: %+v", diffs)
	}
}

// fakeS3 records puts and serves gets from memory.
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	if f.objects == nil {
		f.objects = make(map[string][]byte)
	}
	f.objects[*in.Key] = data
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[*in.Key]
	if !ok {
		return nil, errors.New("NoSuchKey")
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func TestS3StorePrefixAndRef(t *testing.T) {
	fake := &fakeS3{}
	store := artifact.NewS3StoreWithClient(fake, artifact.S3Config{
		Bucket: "jobforge-artifacts",
		Prefix: "prod",
	})

	ref, err := store.Put(t.Context(), "acme/2026-08-24/run-1/replay.json", []byte("{}"))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	want := "s3://jobforge-artifacts/prod/acme/2026-08-24/run-1/replay.json"
	if ref != want {
		t.Errorf("ref = %q, want %q", ref, want)
	}

	got, err := store.Get(t.Context(), "acme/2026-08-24/run-1/replay.json")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != "{}" {
		t.Errorf("round trip = %q", got)
	}
}
