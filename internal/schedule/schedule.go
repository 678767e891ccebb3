// Package schedule evaluates time-of-day windows and temporary overrides,
// resolving effective capacity per spec §4.5.1.
package schedule

import (
	"time"

	"github.com/thelastdreamer/bondarb/internal/model"
)

// InWindow reports whether now's time-of-day offset from local midnight
// falls within [w.Start, w.End], handling midnight wraparound when
// Start > End.
func InWindow(w model.ScheduleWindow, now time.Time) bool {
	if !w.Enabled {
		return false
	}
	offset := time.Duration(now.Hour())*time.Hour +
		time.Duration(now.Minute())*time.Minute +
		time.Duration(now.Second())*time.Second

	if w.Start <= w.End {
		return offset >= w.Start && offset <= w.End
	}
	// wraps midnight
	return offset >= w.Start || offset <= w.End
}

// Override is a temporary manual limit set via the control surface (spec §6).
type Override struct {
	Active        bool
	DownloadMbps  float64
	UploadMbps    float64
	ExpiresAt     time.Time
	SourceTag     string
}

func (o Override) expired(now time.Time) bool {
	return !o.Active || now.After(o.ExpiresAt)
}

// EffectiveDownload resolves the effective download capacity per spec
// §4.5.1: temp override wins, else schedule alternate if in-window and
// positive, else the configured total.
func EffectiveDownload(cfg *model.ConfigSnapshot, override Override, now time.Time) float64 {
	if !override.expired(now) && override.DownloadMbps > 0 {
		return override.DownloadMbps
	}
	if InWindow(cfg.DownloadSchedule, now) && cfg.DownloadSchedule.AlternateMbps > 0 {
		return cfg.DownloadSchedule.AlternateMbps
	}
	return cfg.DownloadTotalMbps
}

// EffectiveUpload mirrors EffectiveDownload for the upload side.
func EffectiveUpload(cfg *model.ConfigSnapshot, override Override, now time.Time) float64 {
	if !override.expired(now) && override.UploadMbps > 0 {
		return override.UploadMbps
	}
	if InWindow(cfg.UploadSchedule, now) && cfg.UploadSchedule.AlternateMbps > 0 {
		return cfg.UploadSchedule.AlternateMbps
	}
	return cfg.UploadTotalMbps
}
