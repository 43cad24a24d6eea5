package integrity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/klinesync/klinesync/internal/downloader"
	apperrors "github.com/klinesync/klinesync/internal/errors"
	"github.com/klinesync/klinesync/internal/models"
)

// taskPollInterval is how often the healer re-reads a submitted task while
// waiting for the lane to finish it.
const taskPollInterval = 100 * time.Millisecond

// MissingStats tallies the remediation downloads of one healing run.
type MissingStats struct {
	EmptyDownloaded  int      `json:"empty_series_downloaded"`
	RangesDownloaded int      `json:"missing_ranges_downloaded"`
	Succeeded        []string `json:"succeeded"`
	Failed           []string `json:"failed"`
}

// MissingResult wraps a healing run: the report that triggered it, what was
// downloaded, and the report after the downloads finished.
type MissingResult struct {
	Before *models.IntegrityReport `json:"check_before"`
	Stats  MissingStats            `json:"download_stats"`
	After  *models.IntegrityReport `json:"check_after"`
}

// Healer turns integrity findings into remediation downloads: empty series
// get a full historical backfill, series with gaps get their missing span
// re-fetched. Downloads go through the regular download lane one at a time,
// so a healing run never competes with itself for exchange budget.
type Healer struct {
	checker *Checker
	svc     *downloader.Service
	logger  *slog.Logger
}

// NewHealer creates a healer that submits through the given download service.
func NewHealer(checker *Checker, svc *downloader.Service, logger *slog.Logger) *Healer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Healer{checker: checker, svc: svc, logger: logger}
}

// DownloadMissing checks the requested scope, downloads what the report says
// is absent, and checks again. The missing check is forced on since the run
// is pointless without it.
func (h *Healer) DownloadMissing(ctx context.Context, req CheckRequest) (*MissingResult, error) {
	req.CheckMissing = true

	before, err := h.checker.Check(ctx, req)
	if err != nil {
		return nil, err
	}

	stats := MissingStats{Succeeded: []string{}, Failed: []string{}}
	for _, symbol := range before.EmptySeries {
		ok, err := h.backfill(ctx, downloader.Intent{
			Kind:           models.TaskKindBackfill,
			Interval:       req.Interval,
			Symbol:         symbol,
			UpdateExisting: true,
		})
		if err != nil {
			return nil, err
		}
		if ok {
			stats.EmptyDownloaded++
			stats.Succeeded = append(stats.Succeeded, symbol)
		} else {
			stats.Failed = append(stats.Failed, symbol)
		}
	}

	for _, symbol := range before.SymbolsWithIssues {
		finding := before.Findings[symbol]
		if finding == nil || len(finding.MissingTimestamps) == 0 {
			continue
		}
		ok, err := h.backfill(ctx, downloader.Intent{
			Kind:           models.TaskKindBackfill,
			Interval:       req.Interval,
			Symbol:         symbol,
			StartMs:        finding.MissingTimestamps[0],
			EndMs:          finding.MissingTimestamps[len(finding.MissingTimestamps)-1],
			UpdateExisting: true,
		})
		if err != nil {
			return nil, err
		}
		if ok {
			stats.RangesDownloaded++
			stats.Succeeded = append(stats.Succeeded, symbol)
		} else {
			stats.Failed = append(stats.Failed, symbol)
		}
	}

	after, err := h.checker.Check(ctx, req)
	if err != nil {
		return nil, err
	}

	h.logger.Info("missing-data healing finished",
		"interval", req.Interval,
		"empty_downloaded", stats.EmptyDownloaded,
		"ranges_downloaded", stats.RangesDownloaded,
		"failed", len(stats.Failed),
		"issues_before", before.TotalIssues(),
		"issues_after", after.TotalIssues(),
	)
	return &MissingResult{Before: before, Stats: stats, After: after}, nil
}

// backfill submits one intent and blocks until its task leaves the lane.
// It reports whether the task completed; a saturated queue marks the symbol
// failed while a stopped service aborts the run.
func (h *Healer) backfill(ctx context.Context, intent downloader.Intent) (bool, error) {
	task, err := h.svc.Submit(intent)
	if err != nil {
		if errors.Is(err, downloader.ErrNotRunning) {
			return false, err
		}
		h.logger.Warn("healing submit rejected", "symbol", intent.Symbol, "error", err)
		return false, nil
	}

	final, err := h.waitTask(ctx, task.ID)
	if err != nil {
		return false, err
	}
	return final.Status == models.TaskStatusCompleted, nil
}

func (h *Healer) waitTask(ctx context.Context, id string) (*models.DownloadTask, error) {
	ticker := time.NewTicker(taskPollInterval)
	defer ticker.Stop()
	for {
		task, ok := h.svc.Task(id)
		if !ok {
			return nil, fmt.Errorf("downloader lost task %s", id)
		}
		if task.IsTerminal() {
			return task, nil
		}
		select {
		case <-ctx.Done():
			return nil, apperrors.New(apperrors.TypeCanceled, "download_missing", ctx.Err())
		case <-ticker.C:
		}
	}
}
