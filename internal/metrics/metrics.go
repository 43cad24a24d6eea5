// Package metrics tracks operational counters for the downloader, updater,
// and integrity pipelines. Counters are updated with atomic adds so hot paths
// never contend on a lock; Snapshot assembles the health-endpoint view.
package metrics

import (
	"sync/atomic"
	"time"
)

// Metrics holds process-lifetime counters. The zero value is not usable;
// construct with New so the start time is recorded.
type Metrics struct {
	startTime time.Time

	tasksSubmitted  int64
	tasksCompleted  int64
	tasksFailed     int64
	segmentsFetched int64
	segmentsFailed  int64
	recordsWritten  int64
	rateLimitHits   int64

	integrityChecks int64
	integrityIssues int64

	updaterRuns      int64
	updaterCooldowns int64
}

// New creates a metrics registry anchored at the current time.
func New() *Metrics {
	return &Metrics{startTime: time.Now().UTC()}
}

func (m *Metrics) TaskSubmitted() { atomic.AddInt64(&m.tasksSubmitted, 1) }
func (m *Metrics) TaskCompleted() { atomic.AddInt64(&m.tasksCompleted, 1) }
func (m *Metrics) TaskFailed()    { atomic.AddInt64(&m.tasksFailed, 1) }

func (m *Metrics) SegmentFetched() { atomic.AddInt64(&m.segmentsFetched, 1) }
func (m *Metrics) SegmentFailed()  { atomic.AddInt64(&m.segmentsFailed, 1) }

func (m *Metrics) RecordsWritten(n int64) {
	if n > 0 {
		atomic.AddInt64(&m.recordsWritten, n)
	}
}

func (m *Metrics) RateLimitHit() { atomic.AddInt64(&m.rateLimitHits, 1) }

func (m *Metrics) IntegrityCheck() { atomic.AddInt64(&m.integrityChecks, 1) }

func (m *Metrics) IntegrityIssues(n int64) {
	if n > 0 {
		atomic.AddInt64(&m.integrityIssues, n)
	}
}

func (m *Metrics) UpdaterRun()      { atomic.AddInt64(&m.updaterRuns, 1) }
func (m *Metrics) UpdaterCooldown() { atomic.AddInt64(&m.updaterCooldowns, 1) }

// Snapshot is the point-in-time counter view serialized by the health
// endpoint.
type Snapshot struct {
	Uptime           string `json:"uptime"`
	TasksSubmitted   int64  `json:"tasks_submitted"`
	TasksCompleted   int64  `json:"tasks_completed"`
	TasksFailed      int64  `json:"tasks_failed"`
	SegmentsFetched  int64  `json:"segments_fetched"`
	SegmentsFailed   int64  `json:"segments_failed"`
	RecordsWritten   int64  `json:"records_written"`
	RateLimitHits    int64  `json:"rate_limit_hits"`
	IntegrityChecks  int64  `json:"integrity_checks"`
	IntegrityIssues  int64  `json:"integrity_issues"`
	UpdaterRuns      int64  `json:"updater_runs"`
	UpdaterCooldowns int64  `json:"updater_cooldowns"`
}

// Snapshot returns a copy of the counters. Individual loads are atomic; the
// set is not, which is fine for monitoring output.
func (m *Metrics) Snapshot() Snapshot {
	return Snapshot{
		Uptime:           time.Since(m.startTime).Round(time.Second).String(),
		TasksSubmitted:   atomic.LoadInt64(&m.tasksSubmitted),
		TasksCompleted:   atomic.LoadInt64(&m.tasksCompleted),
		TasksFailed:      atomic.LoadInt64(&m.tasksFailed),
		SegmentsFetched:  atomic.LoadInt64(&m.segmentsFetched),
		SegmentsFailed:   atomic.LoadInt64(&m.segmentsFailed),
		RecordsWritten:   atomic.LoadInt64(&m.recordsWritten),
		RateLimitHits:    atomic.LoadInt64(&m.rateLimitHits),
		IntegrityChecks:  atomic.LoadInt64(&m.integrityChecks),
		IntegrityIssues:  atomic.LoadInt64(&m.integrityIssues),
		UpdaterRuns:      atomic.LoadInt64(&m.updaterRuns),
		UpdaterCooldowns: atomic.LoadInt64(&m.updaterCooldowns),
	}
}

// Uptime returns elapsed time since process start.
func (m *Metrics) Uptime() time.Duration {
	return time.Since(m.startTime)
}
