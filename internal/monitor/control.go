package monitor

import (
	"time"

	"github.com/thelastdreamer/bondarb/internal/model"
	"github.com/thelastdreamer/bondarb/internal/schedule"
)

// SetTemporaryLimits installs a manual override that wins over both the
// configured total and any active schedule window until it expires
// (spec §4.5.1, §6 "set_temporary_limits"). A nil pointer leaves that
// side's override value at zero, meaning "no override for this side".
func (m *Monitor) SetTemporaryLimits(downloadMbps, uploadMbps *float64, duration time.Duration, sourceTag string) {
	var dl, ul float64
	if downloadMbps != nil {
		dl = *downloadMbps
	}
	if uploadMbps != nil {
		ul = *uploadMbps
	}

	m.tmpMu.Lock()
	m.override = schedule.Override{
		Active:       true,
		DownloadMbps: dl,
		UploadMbps:   ul,
		ExpiresAt:    m.clock.Now().Add(duration),
		SourceTag:    sourceTag,
	}
	m.tmpMu.Unlock()

	m.log.Info("temporary limits set", "download_mbps", dl, "upload_mbps", ul, "duration", duration, "source", sourceTag)
	m.publishEvent("temporary_limits_set", map[string]any{
		"download_mbps": dl,
		"upload_mbps":   ul,
		"duration_s":    duration.Seconds(),
		"source":        sourceTag,
	})
}

// ClearTemporaryLimits cancels any active override immediately.
func (m *Monitor) ClearTemporaryLimits() {
	m.tmpMu.Lock()
	m.override = schedule.Override{}
	m.tmpMu.Unlock()

	m.log.Info("temporary limits cleared")
	m.publishEvent("temporary_limits_cleared", map[string]any{})
}

// TemporaryLimits is the external projection of the active override, if any.
type TemporaryLimits struct {
	Active       bool
	DownloadMbps float64
	UploadMbps   float64
	ExpiresAt    time.Time
	RemainingS   float64
	SourceTag    string
}

// GetTemporaryLimits reports the currently active override, honoring
// expiry: an override past its ExpiresAt reads back as inactive without
// requiring a tick to have run first.
func (m *Monitor) GetTemporaryLimits() TemporaryLimits {
	m.tmpMu.Lock()
	o := m.override
	m.tmpMu.Unlock()

	now := m.clock.Now()
	if !o.Active || now.After(o.ExpiresAt) {
		return TemporaryLimits{}
	}
	return TemporaryLimits{
		Active:       true,
		DownloadMbps: o.DownloadMbps,
		UploadMbps:   o.UploadMbps,
		ExpiresAt:    o.ExpiresAt,
		RemainingS:   o.ExpiresAt.Sub(now).Seconds(),
		SourceTag:    o.SourceTag,
	}
}

// ListReservations returns a read-only snapshot of every live bandwidth
// reservation (spec §6 "list_reservations").
func (m *Monitor) ListReservations() []model.ReservationView {
	return m.reservations.Snapshot()
}

// ClearReservation cancels a single reservation by id, freeing its held
// bandwidth immediately instead of waiting for its timer to fire.
func (m *Monitor) ClearReservation(id string) bool {
	ok := m.reservations.CancelByID(id)
	if ok {
		m.log.Info("reservation cleared manually", "reservation_id", id)
		m.publishEvent("reservation_cleared", map[string]any{"reservation_id": id})
	}
	return ok
}

// ClientStatus is one client's current observed stats, for
// GetCurrentStatus's per-client breakdown. GetCurrentStatus does not fill
// DownloadLimitMbps or UploadLimitMbps, so they read as zero; the limits
// the client itself last reported are in Stats.
type ClientStatus struct {
	ClientID          string
	Stats             model.ClientStats
	DownloadLimitMbps float64
	UploadLimitMbps   float64
}

// Status is the full synchronous snapshot spec §6's get_current_status
// returns: capacity, active streams, reservations, override, and the
// last-known per-client figures.
type Status struct {
	EffectiveDownloadMbps float64
	EffectiveUploadMbps   float64
	StreamCount           int
	ReservedMbps          float64
	Paused                bool
	Override              TemporaryLimits
	Reservations          []model.ReservationView
	Clients               []ClientStatus
}

// GetCurrentStatus assembles a consistent read-only view of system state
// for the control surface. It takes each concern's own lock in turn
// rather than a single global lock, matching the "one mutex per concern,
// never held across I/O" rule the rest of the monitor follows; the
// result is a best-effort snapshot, not a transactionally consistent one.
func (m *Monitor) GetCurrentStatus() Status {
	cfg := m.currentConfig()
	now := m.clock.Now()

	m.tmpMu.Lock()
	override := m.override
	m.tmpMu.Unlock()

	m.streamMu.Lock()
	streamCount := len(m.stream.streams)
	m.streamMu.Unlock()

	descriptors := m.clients.Descriptors()

	m.clientMu.Lock()
	statsCopy := make(map[string]model.ClientStats, len(m.client.stats))
	for id, st := range m.client.stats {
		statsCopy[id] = st
	}
	m.clientMu.Unlock()

	clients := make([]ClientStatus, 0, len(descriptors))
	for _, d := range descriptors {
		clients = append(clients, ClientStatus{ClientID: d.ID, Stats: statsCopy[d.ID]})
	}

	return Status{
		EffectiveDownloadMbps: schedule.EffectiveDownload(cfg, override, now),
		EffectiveUploadMbps:   schedule.EffectiveUpload(cfg, override, now),
		StreamCount:           streamCount,
		ReservedMbps:          m.reservations.Total(),
		Paused:                m.isPaused(),
		Override:              m.GetTemporaryLimits(),
		Reservations:          m.reservations.Snapshot(),
		Clients:               clients,
	}
}
