package schedule

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/thelastdreamer/bondarb/internal/model"
)

func at(hour, min int) time.Time {
	return time.Date(2026, 1, 1, hour, min, 0, 0, time.UTC)
}

func TestInWindowDisabled(t *testing.T) {
	w := model.ScheduleWindow{Enabled: false, Start: 0, End: time.Hour}
	assert.False(t, InWindow(w, at(0, 30)))
}

func TestInWindowSimple(t *testing.T) {
	w := model.ScheduleWindow{Enabled: true, Start: 9 * time.Hour, End: 17 * time.Hour}
	assert.True(t, InWindow(w, at(12, 0)))
	assert.True(t, InWindow(w, at(9, 0)))
	assert.True(t, InWindow(w, at(17, 0)))
	assert.False(t, InWindow(w, at(8, 59)))
	assert.False(t, InWindow(w, at(17, 1)))
}

func TestInWindowMidnightWrap(t *testing.T) {
	w := model.ScheduleWindow{Enabled: true, Start: 22 * time.Hour, End: 6 * time.Hour}
	assert.True(t, InWindow(w, at(23, 0)))
	assert.True(t, InWindow(w, at(2, 0)))
	assert.False(t, InWindow(w, at(12, 0)))
}

func baseCfg() *model.ConfigSnapshot {
	return &model.ConfigSnapshot{
		DownloadTotalMbps: 500,
		UploadTotalMbps:   100,
	}
}

func TestEffectiveDownloadOverrideWins(t *testing.T) {
	cfg := baseCfg()
	now := at(12, 0)
	override := Override{Active: true, DownloadMbps: 50, ExpiresAt: now.Add(time.Hour)}
	assert.Equal(t, 50.0, EffectiveDownload(cfg, override, now))
}

func TestEffectiveDownloadOverrideExpired(t *testing.T) {
	cfg := baseCfg()
	now := at(12, 0)
	override := Override{Active: true, DownloadMbps: 50, ExpiresAt: now.Add(-time.Hour)}
	assert.Equal(t, cfg.DownloadTotalMbps, EffectiveDownload(cfg, override, now))
}

func TestEffectiveDownloadScheduleAlternate(t *testing.T) {
	cfg := baseCfg()
	cfg.DownloadSchedule = model.ScheduleWindow{Enabled: true, Start: 1 * time.Hour, End: 5 * time.Hour, AlternateMbps: 100}
	now := at(2, 0)
	assert.Equal(t, 100.0, EffectiveDownload(cfg, Override{}, now))
}

func TestEffectiveDownloadFallsBackToTotal(t *testing.T) {
	cfg := baseCfg()
	now := at(12, 0)
	assert.Equal(t, cfg.DownloadTotalMbps, EffectiveDownload(cfg, Override{}, now))
}

func TestEffectiveUploadOverrideWins(t *testing.T) {
	cfg := baseCfg()
	now := at(12, 0)
	override := Override{Active: true, UploadMbps: 10, ExpiresAt: now.Add(time.Hour)}
	assert.Equal(t, 10.0, EffectiveUpload(cfg, override, now))
}

func TestEffectiveUploadZeroOverrideIgnored(t *testing.T) {
	cfg := baseCfg()
	now := at(12, 0)
	// Active but zero-valued override must not suppress the configured total.
	override := Override{Active: true, UploadMbps: 0, ExpiresAt: now.Add(time.Hour)}
	assert.Equal(t, cfg.UploadTotalMbps, EffectiveUpload(cfg, override, now))
}
