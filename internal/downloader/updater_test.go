package downloader

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/klinesync/klinesync/internal/config"
	"github.com/klinesync/klinesync/internal/models"
	"github.com/klinesync/klinesync/internal/storage"
)

func testUpdaterConfig(intervals ...string) config.UpdaterConfig {
	return config.UpdaterConfig{
		Enabled:          true,
		Intervals:        intervals,
		RequestDelay:     "0s",
		BatchSize:        30,
		BatchDelay:       "0s",
		BanCooldown:      "10m",
		FailureCooldown:  "20m",
		FailureThreshold: 10,
	}
}

func newTestUpdater(t *testing.T, intervals ...string) (*Updater, *Service) {
	t.Helper()
	svc := newTestService(t, storage.NewMemoryStore(), &stubSource{}, testDownloaderConfig())
	u := NewUpdater(svc, testUpdaterConfig(intervals...), discardLogger())
	return u, svc
}

func at(hour, minute int) time.Time {
	return time.Date(2024, 5, 2, hour, minute, 0, 0, time.UTC)
}

func TestUpdater_FiresOnCadence(t *testing.T) {
	u, svc := newTestUpdater(t, "1h", "5m")

	// Noon divides both cadences.
	u.tick(at(12, 0))

	tasks := svc.Tasks()
	require.Len(t, tasks, 2)
	seen := map[models.Interval]bool{}
	for _, task := range tasks {
		assert.Equal(t, models.TaskKindAutoUpdate, task.Kind)
		seen[task.Interval] = true
	}
	assert.True(t, seen[models.Interval1h])
	assert.True(t, seen[models.Interval5m])
	assert.Equal(t, int64(2), svc.Metrics().Snapshot().UpdaterRuns)

	// 12:03 divides neither.
	u.tick(at(12, 3))
	assert.Len(t, svc.Tasks(), 2)

	// 12:05 divides only the five-minute cadence.
	waitTerminal(t, svc, tasks[0].ID)
	waitTerminal(t, svc, tasks[1].ID)
	u.tick(at(12, 5))
	assert.Len(t, svc.Tasks(), 3)
	assert.Equal(t, int64(3), svc.Metrics().Snapshot().UpdaterRuns)
}

func TestUpdater_DailyFiresAtMidnightOnly(t *testing.T) {
	u, svc := newTestUpdater(t, "1d")

	u.tick(at(12, 0))
	assert.Empty(t, svc.Tasks())

	u.tick(at(0, 0))
	tasks := svc.Tasks()
	require.Len(t, tasks, 1)
	assert.Equal(t, models.Interval1d, tasks[0].Interval)
}

func TestUpdater_SkipsIntervalStillRunning(t *testing.T) {
	u, svc := newTestUpdater(t, "1h", "5m")

	stuck := models.NewDownloadTask("stuck-1h", models.TaskKindAutoUpdate, models.Interval1h, "")
	svc.TaskStore().Create(stuck)
	u.active[models.Interval1h] = stuck.ID

	// 13:00 divides both cadences, but the hourly run is still going.
	u.tick(at(13, 0))

	assert.Equal(t, int64(1), svc.Metrics().Snapshot().UpdaterRuns)
	assert.Equal(t, stuck.ID, u.active[models.Interval1h])

	var intervals []models.Interval
	for _, task := range svc.Tasks() {
		if task.ID != stuck.ID {
			intervals = append(intervals, task.Interval)
		}
	}
	assert.Equal(t, []models.Interval{models.Interval5m}, intervals)
}

func TestUpdater_RateLimitBanTriggersCooldown(t *testing.T) {
	u, svc := newTestUpdater(t, "1h", "5m")
	u.WithClock(func() time.Time { return at(12, 7) })

	banned := models.NewDownloadTask("banned-run", models.TaskKindAutoUpdate, models.Interval1h, "")
	banned.RecordSegment(0)
	banned.AddError("Segment{K1hBTCUSDT ..}: fetch_klines: rate_limited: too many requests")
	require.NoError(t, banned.Complete("wrote 0 records across 1 segments (1 failed)"))
	svc.TaskStore().Create(banned)
	u.active[models.Interval1h] = banned.ID

	// 12:07 divides neither cadence; this pass only reaps the finished run.
	u.tick(at(12, 7))
	assert.Equal(t, int64(1), svc.Metrics().Snapshot().UpdaterCooldowns)
	assert.Empty(t, u.active)

	// Inside the ban window nothing fires, even on cadence.
	u.tick(at(12, 10))
	assert.Equal(t, int64(0), svc.Metrics().Snapshot().UpdaterRuns)
	assert.Len(t, svc.Tasks(), 1)

	// Past the window the five-minute cadence resumes.
	u.tick(at(12, 20))
	assert.Equal(t, int64(1), svc.Metrics().Snapshot().UpdaterRuns)
	assert.Len(t, svc.Tasks(), 2)
}

func TestUpdater_MassFailureTriggersCooldown(t *testing.T) {
	u, svc := newTestUpdater(t, "5m")
	u.WithClock(func() time.Time { return at(9, 1) })

	broken := models.NewDownloadTask("broken-run", models.TaskKindAutoUpdate, models.Interval5m, "")
	for i := 0; i < 12; i++ {
		broken.RecordSegment(0)
		broken.AddError(fmt.Sprintf("Segment{K5mBTCUSDT %d}: fetch_klines: transient_network: connection reset", i))
	}
	require.NoError(t, broken.Fail("all segments failed"))
	svc.TaskStore().Create(broken)
	u.active[models.Interval5m] = broken.ID

	u.tick(at(9, 1))
	assert.Equal(t, int64(1), svc.Metrics().Snapshot().UpdaterCooldowns)

	// Cadence minutes inside the twenty-minute window stay quiet.
	u.tick(at(9, 5))
	u.tick(at(9, 20))
	assert.Len(t, svc.Tasks(), 1)

	// Past the window the cadence resumes.
	u.tick(at(9, 25))
	assert.Len(t, svc.Tasks(), 2)
}

func TestUpdater_BelowThresholdNoCooldown(t *testing.T) {
	u, svc := newTestUpdater(t, "1h")
	u.WithClock(func() time.Time { return at(9, 1) })

	mixed := models.NewDownloadTask("mixed-run", models.TaskKindAutoUpdate, models.Interval1h, "")
	mixed.RecordSegment(500)
	mixed.RecordSegment(0)
	mixed.AddError("Segment{K1hBTCUSDT ..}: fetch_klines: transient_network: connection reset")
	require.NoError(t, mixed.Complete("wrote 500 records across 2 segments (1 failed)"))
	svc.TaskStore().Create(mixed)
	u.active[models.Interval1h] = mixed.ID

	u.tick(at(9, 1))
	assert.Zero(t, svc.Metrics().Snapshot().UpdaterCooldowns)
	assert.Empty(t, u.active)
}

func TestUpdater_StartStop(t *testing.T) {
	u, _ := newTestUpdater(t, "1h")

	require.NoError(t, u.Start(context.Background()))
	assert.Error(t, u.Start(context.Background()))

	u.Stop()
	u.Stop() // idempotent

	require.NoError(t, u.Start(context.Background()))
	u.Stop()
}

func TestUpdater_SkipsUnparsableIntervals(t *testing.T) {
	svc := newTestService(t, storage.NewMemoryStore(), &stubSource{}, testDownloaderConfig())
	u := NewUpdater(svc, testUpdaterConfig("1h", "bogus"), discardLogger())
	require.Len(t, u.intervals, 1)
	assert.Equal(t, models.Interval1h, u.intervals[0])
}
