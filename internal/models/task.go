package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// TaskStatus represents the lifecycle state of a download task.
type TaskStatus string

// Task lifecycle states. A task is born running (submission enqueues work
// immediately) and ends in exactly one terminal state.
const (
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
)

// TaskKind distinguishes the pipelines that produce tasks; every kind shares
// the DownloadTask progress shape and the same polling endpoint.
type TaskKind string

const (
	TaskKindDownload    TaskKind = "download"
	TaskKindAutoUpdate  TaskKind = "auto_update"
	TaskKindMissingOnly TaskKind = "missing_only"
	TaskKindBackfill    TaskKind = "backfill"
)

// DownloadTask is the aggregate progress record for one submitted download
// intent. It is owned by the task store; callers only ever see copies, and a
// task never mutates again once terminal.
type DownloadTask struct {
	ID             string     `json:"task_id"`
	Kind           TaskKind   `json:"kind"`
	Interval       Interval   `json:"interval"`
	Symbol         string     `json:"symbol,omitempty"`
	Status         TaskStatus `json:"status"`
	SegmentsTotal  int        `json:"segments_total"`
	SegmentsDone   int        `json:"segments_done"`
	RecordsWritten int64      `json:"records_written"`
	StartedAt      time.Time  `json:"started_at"`
	EndedAt        *time.Time `json:"ended_at,omitempty"`
	ErrorSummary   []string   `json:"error_summary,omitempty"`
	Message        string     `json:"message,omitempty"`
}

// NewDownloadTask creates a running task for the given intent.
func NewDownloadTask(id string, kind TaskKind, interval Interval, symbol string) *DownloadTask {
	return &DownloadTask{
		ID:        id,
		Kind:      kind,
		Interval:  interval,
		Symbol:    symbol,
		Status:    TaskStatusRunning,
		StartedAt: time.Now().UTC(),
	}
}

// IsTerminal reports whether the task has reached a final state.
func (t *DownloadTask) IsTerminal() bool {
	return t.Status == TaskStatusCompleted || t.Status == TaskStatusFailed
}

// AddPlanned grows the planned segment count. Plans are discovered one
// symbol at a time, so the total accumulates as the task progresses.
func (t *DownloadTask) AddPlanned(segments int) {
	if segments > 0 {
		t.SegmentsTotal += segments
	}
}

// RecordSegment advances the progress counters after one segment finished,
// successfully or not. Counters are monotonic.
func (t *DownloadTask) RecordSegment(recordsWritten int64) {
	t.SegmentsDone++
	if recordsWritten > 0 {
		t.RecordsWritten += recordsWritten
	}
}

// AddError appends a segment-level failure to the error summary without
// changing the task status. Partial failure is not task failure.
func (t *DownloadTask) AddError(msg string) {
	if msg != "" {
		t.ErrorSummary = append(t.ErrorSummary, msg)
	}
}

// Complete transitions running -> completed. A non-empty error summary is
// allowed: partial success still completes, since partial data beats none.
func (t *DownloadTask) Complete(message string) error {
	if t.Status != TaskStatusRunning {
		return fmt.Errorf("cannot complete task in status %s", t.Status)
	}
	t.Status = TaskStatusCompleted
	t.Message = message
	now := time.Now().UTC()
	t.EndedAt = &now
	return nil
}

// Fail transitions running -> failed. Reserved for unrecoverable conditions:
// unreachable storage, or every planned segment failing.
func (t *DownloadTask) Fail(reason string) error {
	if t.Status != TaskStatusRunning {
		return fmt.Errorf("cannot fail task in status %s", t.Status)
	}
	t.Status = TaskStatusFailed
	t.Message = reason
	if reason != "" {
		t.ErrorSummary = append(t.ErrorSummary, reason)
	}
	now := time.Now().UTC()
	t.EndedAt = &now
	return nil
}

// Clone returns a deep copy safe to hand to concurrent readers.
func (t *DownloadTask) Clone() *DownloadTask {
	clone := *t
	if t.EndedAt != nil {
		ended := *t.EndedAt
		clone.EndedAt = &ended
	}
	if t.ErrorSummary != nil {
		clone.ErrorSummary = append([]string(nil), t.ErrorSummary...)
	}
	return &clone
}

// Duration returns elapsed wall time, using now for tasks still running.
func (t *DownloadTask) Duration() time.Duration {
	if t.EndedAt != nil {
		return t.EndedAt.Sub(t.StartedAt)
	}
	return time.Since(t.StartedAt)
}

// Summary returns a one-line description for logs.
func (t *DownloadTask) Summary() string {
	return fmt.Sprintf("task %s [%s %s] %s: %d/%d segments, %d records, %d errors",
		t.ID, t.Kind, t.Interval, t.Status, t.SegmentsDone, t.SegmentsTotal,
		t.RecordsWritten, len(t.ErrorSummary))
}

// ToJSON serializes the task for API responses and logs.
func (t *DownloadTask) ToJSON() ([]byte, error) {
	return json.Marshal(t)
}
