// Package downloader runs download tasks through a single serial execution
// lane. One consumer goroutine owns the fetch, normalize, upsert pipeline;
// producers enqueue work and poll task state through the TaskStore. The lane
// is serial on purpose: the exchange budgets request weight per IP, so
// concurrent workers would only race each other into the rate limiter.
package downloader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/klinesync/klinesync/internal/config"
	apperrors "github.com/klinesync/klinesync/internal/errors"
	"github.com/klinesync/klinesync/internal/exchange"
	"github.com/klinesync/klinesync/internal/metrics"
	"github.com/klinesync/klinesync/internal/models"
	"github.com/klinesync/klinesync/internal/planner"
	"github.com/klinesync/klinesync/internal/storage"
)

const (
	// queueCapacity bounds pending submissions. The lane is serial, so a
	// deeper queue would only hide how far behind the process is.
	queueCapacity = 128

	// maxRetryAfter caps how long a server-dictated rate-limit wait is
	// honored before retrying anyway.
	maxRetryAfter = 5 * time.Minute
)

var (
	// ErrNotRunning is returned for submissions before Start or after Stop.
	ErrNotRunning = errors.New("downloader: service not running")
	// ErrQueueFull is returned when the submission queue is saturated.
	ErrQueueFull = errors.New("downloader: task queue full")
)

// Pacing controls how politely a task walks the exchange. Zero fields fall
// back to the configured defaults.
type Pacing struct {
	RequestDelay time.Duration // pause after each exchange call
	BatchSize    int           // symbols per pacing batch
	BatchDelay   time.Duration // pause between symbol batches
}

// Intent describes one download submission. Symbol selects a single series;
// left empty, the task covers every relevant symbol for the interval.
type Intent struct {
	Kind           models.TaskKind
	Interval       models.Interval
	Symbol         string
	StartMs        int64
	EndMs          int64
	DaysBack       int
	PageLimit      int
	UpdateExisting bool
	MissingOnly    bool
	Pacing         Pacing
}

type laneJob struct {
	taskID string
	run    func()
}

// Service owns the download lane. All submissions flow through Submit; the
// consumer goroutine executes them strictly in order.
type Service struct {
	store   storage.Store
	source  exchange.KlineSource
	plan    *planner.Planner
	tasks   TaskStore
	metrics *metrics.Metrics
	cfg     config.DownloaderConfig
	logger  *slog.Logger

	queue chan laneJob

	runMu   sync.RWMutex
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	cancelMu  sync.Mutex
	cancelers map[string]context.CancelFunc
}

// New creates a download service wired to the given backends. Nil tasks and
// metrics get private defaults; the store and source are required.
func New(store storage.Store, source exchange.KlineSource, tasks TaskStore, m *metrics.Metrics, cfg config.DownloaderConfig, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if tasks == nil {
		tasks = NewMemoryTaskStore()
	}
	if m == nil {
		m = metrics.New()
	}
	return &Service{
		store:     store,
		source:    source,
		plan:      planner.New(),
		tasks:     tasks,
		metrics:   m,
		cfg:       cfg,
		logger:    logger,
		queue:     make(chan laneJob, queueCapacity),
		cancelers: make(map[string]context.CancelFunc),
	}
}

// TaskStore exposes the registry for components that share it, such as the
// HTTP server.
func (s *Service) TaskStore() TaskStore { return s.tasks }

// Metrics exposes the shared counters.
func (s *Service) Metrics() *metrics.Metrics { return s.metrics }

// Start launches the lane consumer. Submissions are rejected until Start has
// been called.
func (s *Service) Start(ctx context.Context) error {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	if s.running {
		return errors.New("downloader: already started")
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.running = true

	s.wg.Add(1)
	go s.consume()

	s.logger.Info("download lane started",
		"queue_capacity", queueCapacity,
		"request_delay", s.cfg.RequestDelayDuration(),
		"max_retries", s.cfg.MaxRetries)
	return nil
}

// Stop cancels the in-flight task at its next segment boundary, fails queued
// tasks with a shutdown note, and waits for the lane to drain.
func (s *Service) Stop() {
	s.runMu.Lock()
	if !s.running {
		s.runMu.Unlock()
		return
	}
	s.running = false
	cancel := s.cancel
	s.runMu.Unlock()

	cancel()
	s.wg.Wait()
	s.logger.Info("download lane stopped")
}

func (s *Service) consume() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			s.drainQueue()
			return
		case job := <-s.queue:
			job.run()
		}
	}
}

// drainQueue runs leftover jobs after shutdown; each sees a canceled context
// and marks its task failed immediately.
func (s *Service) drainQueue() {
	for {
		select {
		case job := <-s.queue:
			job.run()
		default:
			return
		}
	}
}

// Submit validates the intent, registers a running task, and enqueues the
// work. The returned task is the submission-time snapshot; progress is
// observed through Task.
func (s *Service) Submit(intent Intent) (*models.DownloadTask, error) {
	s.runMu.RLock()
	defer s.runMu.RUnlock()

	if !s.running {
		return nil, ErrNotRunning
	}
	if !intent.Interval.Valid() {
		return nil, apperrors.Newf(apperrors.TypeClientError, "submit", "unsupported interval %q", intent.Interval)
	}
	intent = s.normalizeIntent(intent)

	task := models.NewDownloadTask(uuid.New().String(), intent.Kind, intent.Interval, intent.Symbol)
	s.tasks.Create(task)
	s.metrics.TaskSubmitted()

	taskCtx, cancel := context.WithCancel(s.ctx)
	s.registerCancel(task.ID, cancel)

	job := laneJob{taskID: task.ID, run: func() { s.runTask(taskCtx, task.ID, intent) }}
	select {
	case s.queue <- job:
	default:
		s.unregisterCancel(task.ID)
		s.finishFailed(task.ID, "rejected: task queue full")
		return nil, ErrQueueFull
	}

	s.logger.Info("task submitted",
		"task_id", task.ID,
		"kind", intent.Kind,
		"interval", intent.Interval,
		"symbol", intent.Symbol)
	return task, nil
}

// Task returns a snapshot of one task.
func (s *Service) Task(id string) (*models.DownloadTask, bool) {
	return s.tasks.Get(id)
}

// Tasks returns snapshots of every known task, newest first.
func (s *Service) Tasks() []*models.DownloadTask {
	return s.tasks.List()
}

// Cancel requests cooperative cancellation of a task. The lane honors it at
// the next segment boundary; an in-flight exchange call is never interrupted.
// Returns false when the task is unknown or already finished.
func (s *Service) Cancel(id string) bool {
	s.cancelMu.Lock()
	cancel, ok := s.cancelers[id]
	s.cancelMu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

func (s *Service) registerCancel(id string, cancel context.CancelFunc) {
	s.cancelMu.Lock()
	defer s.cancelMu.Unlock()
	s.cancelers[id] = cancel
}

func (s *Service) unregisterCancel(id string) {
	s.cancelMu.Lock()
	defer s.cancelMu.Unlock()
	if cancel, ok := s.cancelers[id]; ok {
		cancel()
		delete(s.cancelers, id)
	}
}

func (s *Service) normalizeIntent(intent Intent) Intent {
	if intent.Kind == "" {
		if intent.MissingOnly {
			intent.Kind = models.TaskKindMissingOnly
		} else {
			intent.Kind = models.TaskKindDownload
		}
	}
	intent.Symbol = strings.ToUpper(strings.TrimSpace(intent.Symbol))
	if intent.PageLimit <= 0 || intent.PageLimit > planner.MaxPageSize {
		intent.PageLimit = s.cfg.PageLimit
	}
	if intent.DaysBack <= 0 {
		intent.DaysBack = s.cfg.DaysBack
	}
	return intent
}

func (s *Service) effectivePacing(p Pacing) Pacing {
	if p.RequestDelay <= 0 {
		p.RequestDelay = s.cfg.RequestDelayDuration()
	}
	if p.BatchSize <= 0 {
		p.BatchSize = s.cfg.BatchSize
	}
	if p.BatchDelay <= 0 {
		p.BatchDelay = s.cfg.BatchDelayDuration()
	}
	return p
}

// runTask executes one task on the lane goroutine.
func (s *Service) runTask(ctx context.Context, taskID string, intent Intent) {
	defer s.unregisterCancel(taskID)

	if ctx.Err() != nil {
		s.finishFailed(taskID, s.interruptReason())
		return
	}

	symbols, err := s.resolveSymbols(ctx, intent)
	if err != nil {
		if apperrors.IsCanceled(err) {
			s.finishFailed(taskID, s.interruptReason())
			return
		}
		s.finishFailed(taskID, fmt.Sprintf("resolve symbols: %v", err))
		return
	}
	if len(symbols) == 0 {
		s.finishCompleted(taskID, "nothing to download")
		return
	}

	pacing := s.effectivePacing(intent.Pacing)
	s.logger.Info("task running",
		"task_id", taskID,
		"interval", intent.Interval,
		"symbols", len(symbols))

	var (
		planned int
		failed  int
		written int64
	)
	for i, symbol := range symbols {
		if ctx.Err() != nil {
			s.finishFailed(taskID, s.interruptReason())
			return
		}
		if i > 0 && pacing.BatchSize > 0 && i%pacing.BatchSize == 0 {
			s.logger.Debug("pausing between symbol batches",
				"task_id", taskID,
				"done", i,
				"delay", pacing.BatchDelay)
			if !sleepCtx(ctx, pacing.BatchDelay) {
				s.finishFailed(taskID, s.interruptReason())
				return
			}
		}

		res, err := s.downloadSymbol(ctx, taskID, symbol, intent, pacing)
		planned += res.planned
		failed += res.failed
		written += res.written
		if err != nil {
			// Storage failures end the task; retrying other symbols
			// against a dead backend would fail the same way.
			s.finishFailed(taskID, fmt.Sprintf("storage unavailable: %v", err))
			return
		}
	}

	if ctx.Err() != nil {
		s.finishFailed(taskID, s.interruptReason())
		return
	}

	switch {
	case planned == 0:
		s.finishCompleted(taskID, "already up to date")
	case failed == planned:
		s.finishFailed(taskID, "all segments failed")
	default:
		s.finishCompleted(taskID, fmt.Sprintf("wrote %d records across %d segments (%d failed)", written, planned, failed))
	}
}

type symbolResult struct {
	planned int
	failed  int
	written int64
}

// downloadSymbol plans and executes the segments for one series. The error
// return is reserved for storage failures, which abort the whole task;
// fetch-side failures are recorded per segment. Cancellation is left for the
// caller to observe on ctx.
func (s *Service) downloadSymbol(ctx context.Context, taskID, symbol string, intent Intent, pacing Pacing) (symbolResult, error) {
	var res symbolResult

	series := models.NewSeriesKey(symbol, intent.Interval)
	if err := s.store.EnsureSeries(ctx, series); err != nil {
		return res, err
	}
	lastStored, hasStored, err := s.store.LastOpenTime(ctx, series)
	if err != nil {
		return res, err
	}

	segments := s.plan.Plan(planner.Request{
		Series:         series,
		StartMs:        intent.StartMs,
		EndMs:          intent.EndMs,
		LastStoredMs:   lastStored,
		HasStored:      hasStored,
		UpdateExisting: intent.UpdateExisting,
		PageSize:       intent.PageLimit,
		DaysBack:       intent.DaysBack,
	})
	res.planned = len(segments)
	if len(segments) == 0 {
		s.logger.Debug("series already covered", "task_id", taskID, "series", series.TableName())
		return res, nil
	}

	s.tasks.Update(taskID, func(t *models.DownloadTask) { t.AddPlanned(len(segments)) })

	policy := storage.InsertSkip
	if intent.UpdateExisting {
		policy = storage.InsertOverwrite
	}

	for _, seg := range segments {
		if ctx.Err() != nil {
			return res, nil
		}

		records, err := s.fetchSegment(ctx, seg, intent.PageLimit)
		if err != nil {
			if apperrors.IsCanceled(err) || ctx.Err() != nil {
				return res, nil
			}
			res.failed++
			s.metrics.SegmentFailed()
			s.recordSegmentError(taskID, seg, err)
			continue
		}
		s.metrics.SegmentFetched()

		var written int64
		if len(records) > 0 {
			written, err = s.store.UpsertBatch(ctx, series, records, policy)
			if err != nil {
				if apperrors.IsStorageUnavailable(err) {
					return res, err
				}
				res.failed++
				s.metrics.SegmentFailed()
				s.recordSegmentError(taskID, seg, err)
				continue
			}
		}
		res.written += written
		s.metrics.RecordsWritten(written)
		s.tasks.Update(taskID, func(t *models.DownloadTask) { t.RecordSegment(written) })

		if !sleepCtx(ctx, pacing.RequestDelay) {
			return res, nil
		}
	}
	return res, nil
}

// fetchSegment retrieves one segment with bounded retries. Rate-limit
// responses carrying a server wait are honored before the backoff delay.
func (s *Service) fetchSegment(ctx context.Context, seg models.FetchSegment, pageLimit int) ([]models.KlineRecord, error) {
	policy := apperrors.NewExponentialBackOff(s.cfg.RetryInitialDelayDuration(), s.cfg.RetryMaxDelayDuration())
	bounded := apperrors.WithRetryBudget(ctx, policy, uint64(s.cfg.MaxRetries))

	var records []models.KlineRecord
	operation := func() error {
		recs, err := s.source.FetchKlines(ctx, seg.Series, seg.StartMs, seg.EndMs, pageLimit)
		if err == nil {
			records = recs
			return nil
		}

		classified := apperrors.Classify("fetch_klines", err)
		if apperrors.IsRateLimited(classified) {
			s.metrics.RateLimitHit()
			if wait := apperrors.RetryAfterOf(classified); wait > 0 {
				if wait > maxRetryAfter {
					wait = maxRetryAfter
				}
				s.logger.Warn("rate limited, honoring exchange wait",
					"series", seg.Series.TableName(),
					"wait", wait)
				if !sleepCtx(ctx, wait) {
					return backoff.Permanent(apperrors.Classify("fetch_klines", ctx.Err()))
				}
			}
		}
		if !apperrors.IsRetryable(classified) {
			return backoff.Permanent(classified)
		}
		return classified
	}

	notify := func(err error, next time.Duration) {
		s.logger.Warn("segment fetch failed, backing off",
			"segment", seg.String(),
			"retry_in", next,
			"error", err)
	}

	if err := backoff.RetryNotify(operation, bounded, notify); err != nil {
		return nil, err
	}
	return records, nil
}

func (s *Service) recordSegmentError(taskID string, seg models.FetchSegment, err error) {
	s.tasks.Update(taskID, func(t *models.DownloadTask) {
		t.RecordSegment(0)
		t.AddError(fmt.Sprintf("%s: %v", seg.String(), err))
	})
}

// resolveSymbols expands the intent into the concrete symbol list. Single
// symbol intents pass through; everything else consults the registry, the
// exchange listing, or the set of existing series tables.
func (s *Service) resolveSymbols(ctx context.Context, intent Intent) ([]string, error) {
	if intent.Symbol != "" {
		return []string{intent.Symbol}, nil
	}

	if intent.Kind == models.TaskKindAutoUpdate {
		return s.symbolsWithSeries(ctx, intent.Interval)
	}

	symbols, err := s.trackedTradingSymbols(ctx)
	if err != nil {
		return nil, err
	}
	if intent.MissingOnly {
		return s.filterMissing(ctx, intent.Interval, symbols)
	}
	return symbols, nil
}

// trackedTradingSymbols returns the registry's TRADING symbols, seeding the
// registry from the exchange listing on first use.
func (s *Service) trackedTradingSymbols(ctx context.Context) ([]string, error) {
	infos, err := s.store.ListSymbols(ctx, models.StatusTrading)
	if err != nil {
		return nil, err
	}
	if len(infos) > 0 {
		symbols := make([]string, 0, len(infos))
		for _, info := range infos {
			symbols = append(symbols, info.Symbol)
		}
		return symbols, nil
	}

	listing, err := s.source.TradingSymbols(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := s.store.SyncSymbols(ctx, listing, false); err != nil {
		return nil, err
	}
	s.logger.Info("symbol registry seeded from exchange", "symbols", len(listing))
	return listing, nil
}

// symbolsWithSeries returns the symbols that already have a kline table for
// the interval; auto-updates only refresh what was downloaded before.
func (s *Service) symbolsWithSeries(ctx context.Context, interval models.Interval) ([]string, error) {
	series, err := s.store.ListSeries(ctx)
	if err != nil {
		return nil, err
	}
	var symbols []string
	for _, key := range series {
		if key.Interval == interval {
			symbols = append(symbols, key.Symbol)
		}
	}
	return symbols, nil
}

// filterMissing keeps only the symbols whose series is absent or empty.
func (s *Service) filterMissing(ctx context.Context, interval models.Interval, symbols []string) ([]string, error) {
	var missing []string
	for _, symbol := range symbols {
		stats, err := s.store.SeriesStats(ctx, models.NewSeriesKey(symbol, interval))
		switch {
		case errors.Is(err, storage.ErrSeriesNotFound):
			missing = append(missing, symbol)
		case err != nil:
			return nil, err
		case stats.Empty():
			missing = append(missing, symbol)
		}
	}
	return missing, nil
}

func (s *Service) finishCompleted(taskID, message string) {
	s.tasks.Update(taskID, func(t *models.DownloadTask) { _ = t.Complete(message) })
	s.metrics.TaskCompleted()
	if task, ok := s.tasks.Get(taskID); ok {
		s.logger.Info("task completed", "summary", task.Summary())
	}
}

func (s *Service) finishFailed(taskID, reason string) {
	s.tasks.Update(taskID, func(t *models.DownloadTask) { _ = t.Fail(reason) })
	s.metrics.TaskFailed()
	if task, ok := s.tasks.Get(taskID); ok {
		s.logger.Warn("task failed", "summary", task.Summary())
	}
}

// interruptReason distinguishes process shutdown from a per-task cancel in
// the failure note.
func (s *Service) interruptReason() string {
	if s.ctx.Err() != nil {
		return "interrupted by shutdown"
	}
	return "canceled"
}

// sleepCtx pauses for d unless ctx ends first. Returns false on
// cancellation.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
