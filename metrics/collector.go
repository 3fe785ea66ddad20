// Package metrics provides worker-side metrics collection.
//
// The Collector accumulates counters for one worker process. It is a leaf
// package with no internal dependencies. Queue-side observations (claims,
// completions, reaps) are recorded live by the worker loops; run-scoped
// metrics live on the manifest, not here.
package metrics

import "sync"

// Snapshot is an immutable point-in-time view of all worker metrics.
// Returned by Collector.Snapshot(). Safe to read concurrently after
// creation.
type Snapshot struct {
	// Claim loop
	PollCycles    int64
	JobsClaimed   int64
	ClaimFailures int64

	// Run lifecycle
	RunsStarted   int64
	RunsSucceeded int64
	RunsFailed    int64
	RunsRetried   int64
	RunsDead      int64
	RunsPanicked  int64
	FailedByCode  map[string]int64

	// Protocol upkeep
	HeartbeatsSent   int64
	HeartbeatsLost   int64
	JobsReaped       int64
	ManifestFailures int64

	// Dimensions (informational, set at construction)
	WorkerID string
}

// Collector accumulates metrics for one worker process.
// Thread-safe via sync.Mutex. All increment methods are nil-receiver safe.
type Collector struct {
	mu sync.Mutex

	pollCycles    int64
	jobsClaimed   int64
	claimFailures int64

	runsStarted   int64
	runsSucceeded int64
	runsFailed    int64
	runsRetried   int64
	runsDead      int64
	runsPanicked  int64
	failedByCode  map[string]int64

	heartbeatsSent   int64
	heartbeatsLost   int64
	jobsReaped       int64
	manifestFailures int64

	workerID string
}

// NewCollector creates a Collector labeled with the worker identity.
func NewCollector(workerID string) *Collector {
	return &Collector{
		failedByCode: make(map[string]int64),
		workerID:     workerID,
	}
}

// --- Claim loop ---

// IncPollCycle records one poll cycle, whether or not it yielded work.
func (c *Collector) IncPollCycle() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.pollCycles++
	c.mu.Unlock()
}

// AddJobsClaimed records jobs received from one claim call.
func (c *Collector) AddJobsClaimed(n int) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.jobsClaimed += int64(n)
	c.mu.Unlock()
}

// IncClaimFailure records a failed claim call.
func (c *Collector) IncClaimFailure() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.claimFailures++
	c.mu.Unlock()
}

// --- Run lifecycle ---

// IncRunStarted records an attempt starting execution.
func (c *Collector) IncRunStarted() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.runsStarted++
	c.mu.Unlock()
}

// IncRunSucceeded records a successful completion.
func (c *Collector) IncRunSucceeded() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.runsSucceeded++
	c.mu.Unlock()
}

// IncRunFailed records a failed attempt, keyed by error code. code may be
// empty when the failure carried no structured error.
func (c *Collector) IncRunFailed(code string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.runsFailed++
	if code != "" {
		c.failedByCode[code]++
	}
	c.mu.Unlock()
}

// IncRunRetried records a failed attempt that was requeued with backoff.
func (c *Collector) IncRunRetried() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.runsRetried++
	c.mu.Unlock()
}

// IncRunDead records a job promoted to the dead letter status.
func (c *Collector) IncRunDead() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.runsDead++
	c.mu.Unlock()
}

// IncRunPanicked records a handler panic caught by the worker.
func (c *Collector) IncRunPanicked() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.runsPanicked++
	c.mu.Unlock()
}

// --- Protocol upkeep ---

// IncHeartbeatSent records a successful heartbeat.
func (c *Collector) IncHeartbeatSent() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.heartbeatsSent++
	c.mu.Unlock()
}

// IncHeartbeatLost records a heartbeat refused by the queue (lock lost).
func (c *Collector) IncHeartbeatLost() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.heartbeatsLost++
	c.mu.Unlock()
}

// AddJobsReaped records jobs reclaimed by one reaper sweep.
func (c *Collector) AddJobsReaped(n int) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.jobsReaped += int64(n)
	c.mu.Unlock()
}

// IncManifestFailure records a manifest that could not be persisted.
func (c *Collector) IncManifestFailure() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.manifestFailures++
	c.mu.Unlock()
}

// --- Snapshot ---

// Snapshot returns an immutable point-in-time view of all metrics.
// The returned Snapshot is safe to read concurrently; the Collector can
// continue to be mutated independently.
func (c *Collector) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	failed := make(map[string]int64, len(c.failedByCode))
	for k, v := range c.failedByCode {
		failed[k] = v
	}

	return Snapshot{
		PollCycles:    c.pollCycles,
		JobsClaimed:   c.jobsClaimed,
		ClaimFailures: c.claimFailures,

		RunsStarted:   c.runsStarted,
		RunsSucceeded: c.runsSucceeded,
		RunsFailed:    c.runsFailed,
		RunsRetried:   c.runsRetried,
		RunsDead:      c.runsDead,
		RunsPanicked:  c.runsPanicked,
		FailedByCode:  failed,

		HeartbeatsSent:   c.heartbeatsSent,
		HeartbeatsLost:   c.heartbeatsLost,
		JobsReaped:       c.jobsReaped,
		ManifestFailures: c.manifestFailures,

		WorkerID: c.workerID,
	}
}
