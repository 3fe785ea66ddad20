package worker_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pithecene-io/jobforge/audit"
	"github.com/pithecene-io/jobforge/backoff"
	"github.com/pithecene-io/jobforge/envelope"
	"github.com/pithecene-io/jobforge/flags"
	"github.com/pithecene-io/jobforge/metrics"
	"github.com/pithecene-io/jobforge/queue"
	"github.com/pithecene-io/jobforge/registry"
	"github.com/pithecene-io/jobforge/types"
	"github.com/pithecene-io/jobforge/worker"
)

// memManifests collects saved manifests and replay bundles.
type memManifests struct {
	mu        sync.Mutex
	manifests []*types.Manifest
	replays   []*envelope.ReplayBundle
}

func (m *memManifests) SaveManifest(_ context.Context, manifest *types.Manifest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.manifests = append(m.manifests, manifest)
	return nil
}

func (m *memManifests) SaveReplayBundle(_ context.Context, b *envelope.ReplayBundle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.replays = append(m.replays, b)
	return nil
}

func (m *memManifests) saved() []*types.Manifest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*types.Manifest, len(m.manifests))
	copy(out, m.manifests)
	return out
}

type fixture struct {
	pool      *worker.Pool
	queue     *queue.MemQueue
	registry  *registry.Registry
	metrics   *metrics.Collector
	manifests *memManifests
}

func newFixture(t *testing.T, overrides map[string]bool) *fixture {
	t.Helper()
	base := map[string]bool{
		string(flags.ManifestsEnabled):  true,
		string(flags.ReplayPackEnabled): true,
	}
	for k, v := range overrides {
		base[k] = v
	}
	fl, err := flags.New(flags.Options{Overrides: base})
	if err != nil {
		t.Fatalf("flags.New: %v", err)
	}

	q := queue.NewMemQueue(backoff.SystemClock{}, audit.NopRecorder{})
	reg := registry.New()
	col := metrics.NewCollector("w-test")
	sink := &memManifests{}

	return &fixture{
		pool: worker.New(worker.Options{
			Queue:           q,
			Registry:        reg,
			Flags:           fl,
			Metrics:         col,
			Manifests:       sink,
			Replays:         sink,
			WorkerID:        "w-test",
			Concurrency:     2,
			PollInterval:    5 * time.Millisecond,
			HeartbeatPeriod: 20 * time.Millisecond,
			ReapThreshold:   time.Minute,
			ShutdownGrace:   200 * time.Millisecond,
		}),
		queue:     q,
		registry:  reg,
		metrics:   col,
		manifests: sink,
	}
}

// runPool runs the pool until stop is called.
func runPool(t *testing.T, p *worker.Pool) (stop func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = p.Run(ctx)
	}()
	return func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("pool did not stop")
		}
	}
}

// waitForStatus polls until the job reaches one of the wanted statuses.
func waitForStatus(t *testing.T, q *queue.MemQueue, tenant, jobID string, timeout time.Duration, want ...types.JobStatus) *types.Job {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		job, err := q.Get(context.Background(), tenant, jobID)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		for _, s := range want {
			if job.Status == s {
				return job
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	job, _ := q.Get(context.Background(), tenant, jobID)
	t.Fatalf("job %s stuck in %s, wanted one of %v", jobID, job.Status, want)
	return nil
}

func TestPool_ExecutesJobToSuccess(t *testing.T) {
	f := newFixture(t, nil)
	err := f.registry.Register(registry.Registration{
		Type: "report.generate",
		Handler: registry.HandlerFunc(func(_ context.Context, run *registry.Run, payload map[string]any) (map[string]any, error) {
			run.Envelope.Trace().Append("render", envelope.DecisionAllow, "template ok", nil, nil, 0)
			if err := run.Envelope.RecordOutput(types.ManifestOutput{Name: "report", Type: "document", Ref: "mem://report"}); err != nil {
				return nil, err
			}
			return map[string]any{"rows": payload["rows"]}, nil
		}),
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	job, err := f.queue.Enqueue(t.Context(), queue.EnqueueParams{
		Tenant:  "acme",
		Type:    "report.generate",
		Payload: map[string]any{"rows": 42},
	})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	stop := runPool(t, f.pool)
	defer stop()

	done := waitForStatus(t, f.queue, "acme", job.ID, 5*time.Second, types.StatusSucceeded)
	if done.LockedBy != nil {
		t.Error("lock not cleared after completion")
	}
	if done.ResultID == nil {
		t.Fatal("no result recorded")
	}
	result, err := f.queue.Result(t.Context(), "acme", *done.ResultID)
	if err != nil {
		t.Fatalf("Result: %v", err)
	}
	if result.Payload["rows"] != 42 {
		t.Errorf("result payload = %v", result.Payload)
	}

	stop()
	saved := f.manifests.saved()
	if len(saved) != 1 {
		t.Fatalf("manifests saved = %d, want 1", len(saved))
	}
	if saved[0].Status != types.ManifestComplete || saved[0].FinalDecision == nil {
		t.Errorf("manifest = %+v, want complete with final decision", saved[0])
	}
	if got := f.metrics.Snapshot(); got.RunsSucceeded != 1 {
		t.Errorf("RunsSucceeded = %d, want 1", got.RunsSucceeded)
	}
}

func TestPool_RetriesThenDeadLetters(t *testing.T) {
	f := newFixture(t, nil)
	err := f.registry.Register(registry.Registration{
		Type: "always.fails",
		Handler: registry.HandlerFunc(func(context.Context, *registry.Run, map[string]any) (map[string]any, error) {
			return nil, types.NewJobError(types.CodeTransport, "upstream down")
		}),
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	job, err := f.queue.Enqueue(t.Context(), queue.EnqueueParams{
		Tenant:      "acme",
		Type:        "always.fails",
		MaxAttempts: 3,
	})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	stop := runPool(t, f.pool)
	defer stop()

	// Attempts run at ~0s, ~1s, ~3s with exponential backoff between.
	dead := waitForStatus(t, f.queue, "acme", job.ID, 15*time.Second, types.StatusDead)
	if dead.Attempts != 3 {
		t.Errorf("attempts = %d, want 3", dead.Attempts)
	}
	if dead.Error == nil || dead.Error.Code != types.CodeTransport {
		t.Errorf("error = %+v, want Transport", dead.Error)
	}

	attempts, err := f.queue.Attempts(t.Context(), "acme", job.ID)
	if err != nil {
		t.Fatalf("Attempts: %v", err)
	}
	if len(attempts) != 3 {
		t.Fatalf("attempt rows = %d, want 3", len(attempts))
	}
	for i, a := range attempts {
		if a.AttemptNo != i+1 {
			t.Errorf("attempt %d has attempt_no %d", i, a.AttemptNo)
		}
	}
}

func TestPool_PlainHandlerErrorClassifiedInternal(t *testing.T) {
	f := newFixture(t, nil)
	err := f.registry.Register(registry.Registration{
		Type: "always.errors",
		Handler: registry.HandlerFunc(func(context.Context, *registry.Run, map[string]any) (map[string]any, error) {
			return nil, errors.New("boom")
		}),
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	job, err := f.queue.Enqueue(t.Context(), queue.EnqueueParams{
		Tenant:      "acme",
		Type:        "always.errors",
		MaxAttempts: 1,
	})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	stop := runPool(t, f.pool)
	defer stop()

	dead := waitForStatus(t, f.queue, "acme", job.ID, 5*time.Second, types.StatusDead)
	if dead.Error == nil || dead.Error.Code != types.CodeInternal {
		t.Errorf("error = %+v, want Internal", dead.Error)
	}
	if dead.Error != nil && !dead.Error.Retryable {
		t.Error("plain handler errors must stay retryable")
	}
}

func TestPool_PanicIsolated(t *testing.T) {
	f := newFixture(t, nil)
	var calls int
	var mu sync.Mutex
	err := f.registry.Register(registry.Registration{
		Type: "flaky.panics",
		Handler: registry.HandlerFunc(func(context.Context, *registry.Run, map[string]any) (map[string]any, error) {
			mu.Lock()
			calls++
			first := calls == 1
			mu.Unlock()
			if first {
				panic("nil map write")
			}
			return map[string]any{}, nil
		}),
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	job, err := f.queue.Enqueue(t.Context(), queue.EnqueueParams{Tenant: "acme", Type: "flaky.panics"})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	stop := runPool(t, f.pool)
	defer stop()

	done := waitForStatus(t, f.queue, "acme", job.ID, 10*time.Second, types.StatusSucceeded)
	if done.Attempts != 2 {
		t.Errorf("attempts = %d, want 2 (panic then success)", done.Attempts)
	}

	attempts, _ := f.queue.Attempts(t.Context(), "acme", job.ID)
	if len(attempts) != 2 {
		t.Fatalf("attempt rows = %d, want 2", len(attempts))
	}
	if attempts[0].Error == nil || attempts[0].Error.Code != types.CodeInternal {
		t.Errorf("first attempt error = %+v, want Internal", attempts[0].Error)
	}
	if attempts[0].Error.Stack == nil {
		t.Error("panic did not capture a stack")
	}
	if got := f.metrics.Snapshot(); got.RunsPanicked != 1 {
		t.Errorf("RunsPanicked = %d, want 1", got.RunsPanicked)
	}
}

func TestPool_TimeoutFailsAttempt(t *testing.T) {
	f := newFixture(t, nil)
	err := f.registry.Register(registry.Registration{
		Type:      "slow.handler",
		TimeoutMs: 50,
		Handler: registry.HandlerFunc(func(ctx context.Context, _ *registry.Run, _ map[string]any) (map[string]any, error) {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(5 * time.Second):
				return map[string]any{}, nil
			}
		}),
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	job, err := f.queue.Enqueue(t.Context(), queue.EnqueueParams{
		Tenant:      "acme",
		Type:        "slow.handler",
		MaxAttempts: 1,
	})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	stop := runPool(t, f.pool)
	defer stop()

	dead := waitForStatus(t, f.queue, "acme", job.ID, 10*time.Second, types.StatusDead)
	if dead.Error == nil || dead.Error.Code != types.CodeTimeout {
		t.Errorf("error = %+v, want Timeout", dead.Error)
	}
}

func TestPool_InvalidPayloadParksFailed(t *testing.T) {
	f := newFixture(t, nil)
	schema, err := registry.SchemaFromJSON([]byte(`{
		"type": "object",
		"required": ["report_id"],
		"properties": {"report_id": {"type": "string"}}
	}`))
	if err != nil {
		t.Fatalf("SchemaFromJSON: %v", err)
	}
	err = f.registry.Register(registry.Registration{
		Type:        "report.generate",
		InputSchema: schema,
		Handler: registry.HandlerFunc(func(context.Context, *registry.Run, map[string]any) (map[string]any, error) {
			t.Error("handler ran despite invalid payload")
			return nil, nil
		}),
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	job, err := f.queue.Enqueue(t.Context(), queue.EnqueueParams{
		Tenant:  "acme",
		Type:    "report.generate",
		Payload: map[string]any{"wrong": true},
	})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	stop := runPool(t, f.pool)
	defer stop()

	failed := waitForStatus(t, f.queue, "acme", job.ID, 5*time.Second, types.StatusFailed)
	if failed.Error == nil || failed.Error.Code != types.CodeBadInput {
		t.Errorf("error = %+v, want BadInput", failed.Error)
	}
	if failed.Attempts != 1 {
		t.Errorf("attempts = %d, want 1 (no retries for BadInput)", failed.Attempts)
	}
}

func TestPool_UnknownTypeParksFailed(t *testing.T) {
	f := newFixture(t, nil)

	job, err := f.queue.Enqueue(t.Context(), queue.EnqueueParams{Tenant: "acme", Type: "never.registered"})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	stop := runPool(t, f.pool)
	defer stop()

	failed := waitForStatus(t, f.queue, "acme", job.ID, 5*time.Second, types.StatusFailed)
	if failed.Error == nil || failed.Error.Code != types.CodeBadInput {
		t.Errorf("error = %+v, want BadInput", failed.Error)
	}
}

func TestPool_GracefulShutdown(t *testing.T) {
	f := newFixture(t, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.pool.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run returned %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("pool did not shut down")
	}
}

func TestPool_ShutdownGraceCancelsStuckHandler(t *testing.T) {
	f := newFixture(t, nil)

	started := make(chan struct{})
	canceled := make(chan struct{})
	err := f.registry.Register(registry.Registration{
		Type: "never.returns",
		Handler: registry.HandlerFunc(func(ctx context.Context, _ *registry.Run, _ map[string]any) (map[string]any, error) {
			close(started)
			<-ctx.Done()
			close(canceled)
			return nil, ctx.Err()
		}),
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	if _, err := f.queue.Enqueue(t.Context(), queue.EnqueueParams{Tenant: "acme", Type: "never.returns"}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	stop := runPool(t, f.pool)
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("handler never started")
	}

	// stop cancels the pool context and waits for Run to return. The
	// handler blocks until its context is canceled, so Run can only
	// return if the grace period delivers that cancellation.
	stop()

	select {
	case <-canceled:
	case <-time.After(time.Second):
		t.Fatal("handler context was never canceled on shutdown")
	}
}

func TestPool_ManifestsDisabledSkipsSink(t *testing.T) {
	f := newFixture(t, map[string]bool{
		string(flags.ManifestsEnabled):  false,
		string(flags.ReplayPackEnabled): false,
	})
	err := f.registry.Register(registry.Registration{
		Type: "report.generate",
		Handler: registry.HandlerFunc(func(context.Context, *registry.Run, map[string]any) (map[string]any, error) {
			return map[string]any{}, nil
		}),
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	job, err := f.queue.Enqueue(t.Context(), queue.EnqueueParams{Tenant: "acme", Type: "report.generate"})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	stop := runPool(t, f.pool)
	waitForStatus(t, f.queue, "acme", job.ID, 5*time.Second, types.StatusSucceeded)
	stop()

	if got := f.manifests.saved(); len(got) != 0 {
		t.Errorf("%d manifests saved with manifests_enabled off", len(got))
	}
}
