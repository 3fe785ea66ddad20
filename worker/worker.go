// Package worker runs the pull side of the queue protocol: a pool of
// claim loops that poll for due jobs, execute their handlers under
// heartbeat and timeout, and report completion. A reaper loop reclaims
// jobs whose workers went silent.
package worker

import (
	"context"
	"math/rand"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pithecene-io/jobforge/backoff"
	"github.com/pithecene-io/jobforge/envelope"
	"github.com/pithecene-io/jobforge/flags"
	"github.com/pithecene-io/jobforge/metrics"
	"github.com/pithecene-io/jobforge/queue"
	"github.com/pithecene-io/jobforge/registry"
	"github.com/pithecene-io/jobforge/types"
)

// DefaultShutdownGrace is how long in-flight jobs may run after shutdown
// begins before their contexts are canceled.
const DefaultShutdownGrace = 30 * time.Second

// ManifestSink persists finalized manifests.
type ManifestSink interface {
	SaveManifest(ctx context.Context, m *types.Manifest) error
}

// ReplaySink exports replay bundles.
type ReplaySink interface {
	SaveReplayBundle(ctx context.Context, b *envelope.ReplayBundle) error
}

// Notifier receives completion notifications after the queue accepts a
// transition. Implementations must swallow their own publish failures;
// the pool never feeds them back into the job outcome.
type Notifier interface {
	NotifyCompletion(ctx context.Context, job *types.Job, status types.JobStatus, jobErr *types.JobError)
}

// Options configure a Pool.
type Options struct {
	// Queue is the job queue to pull from. Required.
	Queue queue.Queue
	// Registry resolves job types to handlers. Required.
	Registry *registry.Registry
	// Flags gates manifest production and replay export.
	Flags *flags.Registry
	// Clock drives polling, heartbeats, and the reaper.
	Clock backoff.Clock
	// Logger reports pool activity.
	Logger *zap.Logger
	// Metrics receives worker counters.
	Metrics *metrics.Collector
	// Manifests receives finalized manifests when manifests_enabled.
	Manifests ManifestSink
	// Replays receives replay bundles when replay_pack_enabled.
	Replays ReplaySink
	// Notifier receives completion notifications, when configured.
	Notifier Notifier

	// WorkerID identifies this process in job locks. Defaults to
	// hostname plus a random suffix.
	WorkerID string
	// Concurrency is the number of claim loops. Default 4.
	Concurrency int
	// ClaimBatch is the per-poll claim limit. Default: Concurrency.
	ClaimBatch int
	// PollInterval is the idle polling period. Default
	// queue.DefaultPollInterval.
	PollInterval time.Duration
	// HeartbeatPeriod is the per-job heartbeat period. Default
	// queue.DefaultHeartbeatPeriod.
	HeartbeatPeriod time.Duration
	// ReapThreshold is the stale-lock threshold. Default
	// queue.DefaultReapThreshold.
	ReapThreshold time.Duration
	// ReapInterval is the reaper sweep period. Default: ReapThreshold/5.
	ReapInterval time.Duration
	// ShutdownGrace is how long in-flight jobs may keep running after
	// shutdown begins before their handler contexts are canceled and
	// their locks are left to the reaper. Default DefaultShutdownGrace.
	ShutdownGrace time.Duration
	// EnvFingerprint is stamped onto every manifest this worker produces.
	EnvFingerprint map[string]string
}

// Pool is a fixed-size pool of claim loops plus one reaper loop.
type Pool struct {
	queue     queue.Queue
	registry  *registry.Registry
	flags     *flags.Registry
	clock     backoff.Clock
	log       *zap.Logger
	metrics   *metrics.Collector
	manifests ManifestSink
	replays   ReplaySink
	notifier  Notifier

	workerID        string
	concurrency     int
	claimBatch      int
	pollInterval    time.Duration
	heartbeatPeriod time.Duration
	reapThreshold   time.Duration
	reapInterval    time.Duration
	shutdownGrace   time.Duration
	envFingerprint  map[string]string

	// work fans claimed jobs out to executor goroutines.
	work chan *types.Job
}

// New creates a pool, filling unset options with defaults.
func New(opts Options) *Pool {
	if opts.Clock == nil {
		opts.Clock = backoff.SystemClock{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.WorkerID == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "worker"
		}
		opts.WorkerID = host + "-" + uuid.NewString()[:8]
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	if opts.ClaimBatch <= 0 {
		opts.ClaimBatch = opts.Concurrency
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = queue.DefaultPollInterval
	}
	if opts.HeartbeatPeriod <= 0 {
		opts.HeartbeatPeriod = queue.DefaultHeartbeatPeriod
	}
	if opts.ReapThreshold <= 0 {
		opts.ReapThreshold = queue.DefaultReapThreshold
	}
	if opts.ReapInterval <= 0 {
		opts.ReapInterval = opts.ReapThreshold / 5
	}
	if opts.ShutdownGrace <= 0 {
		opts.ShutdownGrace = DefaultShutdownGrace
	}

	return &Pool{
		queue:           opts.Queue,
		registry:        opts.Registry,
		flags:           opts.Flags,
		clock:           opts.Clock,
		log:             opts.Logger.With(zap.String("worker_id", opts.WorkerID)),
		metrics:         opts.Metrics,
		manifests:       opts.Manifests,
		replays:         opts.Replays,
		notifier:        opts.Notifier,
		workerID:        opts.WorkerID,
		concurrency:     opts.Concurrency,
		claimBatch:      opts.ClaimBatch,
		pollInterval:    opts.PollInterval,
		heartbeatPeriod: opts.HeartbeatPeriod,
		reapThreshold:   opts.ReapThreshold,
		reapInterval:    opts.ReapInterval,
		shutdownGrace:   opts.ShutdownGrace,
		envFingerprint:  opts.EnvFingerprint,
		work:            make(chan *types.Job),
	}
}

// WorkerID returns the pool's lock identity.
func (p *Pool) WorkerID() string {
	return p.workerID
}

// Run polls, executes, and reaps until ctx is canceled, then drains:
// jobs already claimed get the shutdown grace period to finish. When the
// grace expires, in-flight handler contexts are canceled and Run returns;
// any lock a straggler still holds goes stale and the reaper reclaims it.
func (p *Pool) Run(ctx context.Context) error {
	p.log.Info("worker pool starting",
		zap.Int("concurrency", p.concurrency),
		zap.Duration("poll_interval", p.pollInterval),
		zap.Duration("heartbeat_period", p.heartbeatPeriod),
	)

	// Detached from the pool context so a shutdown does not abandon
	// in-flight locks immediately; canceled when the grace expires.
	drainCtx, cancelDrain := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelDrain()

	var executors sync.WaitGroup
	for i := 0; i < p.concurrency; i++ {
		executors.Add(1)
		go func() {
			defer executors.Done()
			for job := range p.work {
				p.execute(drainCtx, job)
			}
		}()
	}

	var loops sync.WaitGroup
	loops.Add(2)
	go func() {
		defer loops.Done()
		p.pollLoop(ctx, drainCtx)
	}()
	go func() {
		defer loops.Done()
		p.reapLoop(ctx)
	}()

	<-ctx.Done()

	drained := make(chan struct{})
	go func() {
		loops.Wait()
		close(p.work)
		executors.Wait()
		close(drained)
	}()

	select {
	case <-drained:
	case <-p.clock.After(p.shutdownGrace):
		p.log.Warn("shutdown grace elapsed, canceling in-flight handlers",
			zap.Duration("shutdown_grace", p.shutdownGrace))
		cancelDrain()
	}

	p.log.Info("worker pool stopped")
	return ctx.Err()
}

// pollLoop claims due jobs and hands them to executors. The poll period
// is jittered so a fleet of workers does not thunder in lockstep.
func (p *Pool) pollLoop(ctx, drainCtx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		p.metrics.IncPollCycle()

		jobs, err := p.queue.Claim(ctx, p.workerID, p.claimBatch)
		if err != nil {
			p.metrics.IncClaimFailure()
			p.log.Warn("claim failed", zap.Error(err))
		} else if len(jobs) > 0 {
			p.metrics.AddJobsClaimed(len(jobs))
			for _, job := range jobs {
				select {
				case p.work <- job:
				case <-ctx.Done():
					// Shutdown with a claimed job in hand: run it inline
					// under the drain context so it shares the grace period
					// instead of abandoning the lock outright.
					p.execute(drainCtx, job)
				}
			}
			// More work may be due; poll again immediately.
			continue
		}

		select {
		case <-p.clock.After(jitter(p.pollInterval)):
		case <-ctx.Done():
			return
		}
	}
}

// reapLoop periodically reclaims stale locks.
func (p *Pool) reapLoop(ctx context.Context) {
	for {
		select {
		case <-p.clock.After(p.reapInterval):
		case <-ctx.Done():
			return
		}

		n, err := p.queue.ReapStale(ctx, p.reapThreshold)
		if err != nil {
			p.log.Warn("reap sweep failed", zap.Error(err))
			continue
		}
		if n > 0 {
			p.metrics.AddJobsReaped(n)
			p.log.Info("reaped stale jobs", zap.Int("count", n))
		}
	}
}

// jitter spreads d by up to +50%.
func jitter(d time.Duration) time.Duration {
	return d + time.Duration(rand.Int63n(int64(d)/2+1))
}
