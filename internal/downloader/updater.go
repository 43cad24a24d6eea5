package downloader

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/klinesync/klinesync/internal/config"
	apperrors "github.com/klinesync/klinesync/internal/errors"
	"github.com/klinesync/klinesync/internal/metrics"
	"github.com/klinesync/klinesync/internal/models"
)

const (
	tickInterval  = time.Minute
	minutesPerDay = 24 * 60
)

// Updater keeps stored series fresh by submitting auto-update tasks on each
// interval's natural cadence: hourly series refresh every 60 minutes, daily
// series once a day at midnight UTC, and so on. Updates run through the same
// serial lane as manual downloads, with gentler pacing.
type Updater struct {
	svc     *Service
	tasks   TaskStore
	metrics *metrics.Metrics
	cfg     config.UpdaterConfig
	logger  *slog.Logger

	intervals []models.Interval
	now       func() time.Time

	started int32
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu            sync.Mutex
	active        map[models.Interval]string
	cooldownUntil time.Time
}

// NewUpdater creates an updater bound to the download service. Intervals
// that fail to parse are skipped with a warning; configuration validation
// normally rejects them before this point.
func NewUpdater(svc *Service, cfg config.UpdaterConfig, logger *slog.Logger) *Updater {
	if logger == nil {
		logger = slog.Default()
	}

	var intervals []models.Interval
	for _, raw := range cfg.Intervals {
		interval, err := models.ParseInterval(raw)
		if err != nil {
			logger.Warn("skipping unsupported updater interval", "interval", raw)
			continue
		}
		intervals = append(intervals, interval)
	}

	return &Updater{
		svc:       svc,
		tasks:     svc.TaskStore(),
		metrics:   svc.Metrics(),
		cfg:       cfg,
		logger:    logger,
		intervals: intervals,
		now:       time.Now,
		active:    make(map[models.Interval]string),
	}
}

// WithClock substitutes the time source; tests drive ticks directly.
func (u *Updater) WithClock(now func() time.Time) *Updater {
	u.now = now
	return u
}

// Start launches the ticker loop.
func (u *Updater) Start(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&u.started, 0, 1) {
		return errors.New("updater: already started")
	}
	u.ctx, u.cancel = context.WithCancel(ctx)

	u.wg.Add(1)
	go u.loop()

	u.logger.Info("auto-updater started",
		"intervals", u.cfg.Intervals,
		"request_delay", u.cfg.RequestDelayDuration(),
		"batch_delay", u.cfg.BatchDelayDuration())
	return nil
}

// Stop halts the ticker and waits for the loop to exit. Tasks already
// submitted keep running on the lane.
func (u *Updater) Stop() {
	if !atomic.CompareAndSwapInt32(&u.started, 1, 0) {
		return
	}
	u.cancel()
	u.wg.Wait()
	u.logger.Info("auto-updater stopped")
}

func (u *Updater) loop() {
	defer u.wg.Done()

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-u.ctx.Done():
			return
		case <-ticker.C:
			u.tick(u.now())
		}
	}
}

// tick runs one scheduling pass: reap finished runs, honor any cooldown,
// then fire every interval whose cadence divides the current minute of day.
func (u *Updater) tick(now time.Time) {
	u.reapFinished()

	u.mu.Lock()
	cooling := now.Before(u.cooldownUntil)
	until := u.cooldownUntil
	u.mu.Unlock()
	if cooling {
		u.logger.Debug("updater cooling down", "until", until)
		return
	}

	utc := now.UTC()
	minuteOfDay := utc.Hour()*60 + utc.Minute()
	for _, interval := range u.intervals {
		cadence := cadenceMinutes(interval)
		if cadence <= 0 || minuteOfDay%cadence != 0 {
			continue
		}
		u.enqueueUpdate(interval)
	}
}

// cadenceMinutes maps an interval to its refresh cadence. Intervals of a day
// or longer collapse to one run per day at midnight UTC.
func cadenceMinutes(interval models.Interval) int {
	cadence := int(interval.Seconds() / 60)
	if cadence > minutesPerDay {
		cadence = minutesPerDay
	}
	return cadence
}

// reapFinished drops terminal runs from the active set and applies post-run
// cooldowns based on how they ended.
func (u *Updater) reapFinished() {
	u.mu.Lock()
	defer u.mu.Unlock()

	for interval, taskID := range u.active {
		task, ok := u.tasks.Get(taskID)
		if ok && !task.IsTerminal() {
			continue
		}
		delete(u.active, interval)
		if ok {
			u.assessOutcome(task)
		}
	}
}

// assessOutcome inspects a finished run and schedules a cooldown when the
// exchange pushed back. Caller holds u.mu.
func (u *Updater) assessOutcome(task *models.DownloadTask) {
	failed := len(task.ErrorSummary)
	succeeded := task.SegmentsDone - failed
	if succeeded < 0 {
		succeeded = 0
	}

	var cooldown time.Duration
	var cause string
	switch {
	case hasRateLimitErrors(task):
		cooldown = u.cfg.BanCooldownDuration()
		cause = "rate-limit ban"
	case failed > u.cfg.FailureThreshold && succeeded == 0:
		cooldown = u.cfg.FailureCooldownDuration()
		cause = "mass failure"
	default:
		return
	}

	until := u.now().Add(cooldown)
	if until.After(u.cooldownUntil) {
		u.cooldownUntil = until
		u.metrics.UpdaterCooldown()
		u.logger.Warn("auto-updater entering cooldown",
			"cause", cause,
			"task_id", task.ID,
			"failed_segments", failed,
			"until", until)
	}
}

func (u *Updater) enqueueUpdate(interval models.Interval) {
	u.mu.Lock()
	_, busy := u.active[interval]
	u.mu.Unlock()
	if busy {
		u.logger.Debug("auto-update still running, skipping", "interval", interval)
		return
	}

	task, err := u.svc.Submit(Intent{
		Kind:     models.TaskKindAutoUpdate,
		Interval: interval,
		Pacing: Pacing{
			RequestDelay: u.cfg.RequestDelayDuration(),
			BatchSize:    u.cfg.BatchSize,
			BatchDelay:   u.cfg.BatchDelayDuration(),
		},
	})
	if err != nil {
		u.logger.Warn("auto-update submission rejected", "interval", interval, "error", err)
		return
	}

	u.metrics.UpdaterRun()
	u.mu.Lock()
	u.active[interval] = task.ID
	u.mu.Unlock()
	u.logger.Info("auto-update enqueued", "interval", interval, "task_id", task.ID)
}

func hasRateLimitErrors(task *models.DownloadTask) bool {
	for _, msg := range task.ErrorSummary {
		if strings.Contains(msg, string(apperrors.TypeRateLimited)) {
			return true
		}
	}
	return false
}
