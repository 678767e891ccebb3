// Package model holds the value types shared across the arbitration core:
// stream sessions, client stats, reservations, and the configuration
// snapshot the allocator consumes.
package model

import "time"

// PlaybackState is the playback state of a Session.
type PlaybackState string

const (
	PlaybackPlaying   PlaybackState = "playing"
	PlaybackPaused    PlaybackState = "paused"
	PlaybackBuffering PlaybackState = "buffering"
)

// MediaKind classifies a stream for restoration-delay and quality-fallback purposes.
type MediaKind string

const (
	MediaEpisode MediaKind = "episode"
	MediaMovie   MediaKind = "movie"
	MediaOther   MediaKind = "other"
)

// Session is a single active playback session reported by a StreamSource.
type Session struct {
	ID           string
	UserID       string
	UserName     string
	PlayerID     string
	PlayerName   string
	MediaKind    MediaKind
	MediaTitle   string
	BitrateMbps  float64
	ObservedMbps float64 // 0 if the source does not report real-time throughput
	QualityHint  string  // "4k", "1080p", "720p", or "" — used only when BitrateMbps is 0 (spec §4.5.2)
	IPAddress    string
	IsLAN        bool
	State        PlaybackState
}

// ClientType tags the wire-format family a download client speaks.
type ClientType string

const (
	ClientTorrentA ClientType = "torrent-a"
	ClientUsenetA  ClientType = "usenet-a"
	ClientUsenetB  ClientType = "usenet-b"
	ClientTorrentB ClientType = "torrent-b"
	ClientTorrentC ClientType = "torrent-c"
)

// ClientStats is the per-poll snapshot read from a ClientAdapter.
type ClientStats struct {
	DownloadMbps          float64
	UploadMbps             float64
	DownloadLimitMbps      float64 // 0 = unlimited
	UploadLimitMbps        float64 // 0 = unlimited
	ActiveWork             bool
	OriginalDownloadLimit  float64
	OriginalUploadLimit    float64
}

// Reservation is a timed hold on upload capacity created when a stream ends.
type Reservation struct {
	ID            string
	UserID        string
	PlayerID      string
	BandwidthMbps float64
	MediaKind     MediaKind
	CreatedAt     time.Time
	ExpiresAt     time.Time
}

// ReservationView is the external read-only projection of a Reservation.
type ReservationView struct {
	ID            string
	UserID        string
	PlayerID      string
	BandwidthMbps float64
	MediaKind     MediaKind
	CreatedAt     time.Time
	ExpiresAt     time.Time
	RemainingS    float64
}

// ScheduleWindow is a [start, end] local wall-clock window, possibly wrapping midnight.
type ScheduleWindow struct {
	Enabled      bool
	Start        time.Duration // offset from local midnight
	End          time.Duration
	AlternateMbps float64
}

// ConfigSnapshot is the immutable configuration the allocator and polling
// monitor consume for one tick. See spec §3 "Configuration snapshot".
type ConfigSnapshot struct {
	DownloadTotalMbps float64
	UploadTotalMbps   float64

	// Per-client-type percent maps; absent entries mean "no configured percent".
	DownloadPercent map[ClientType]float64
	UploadPercent   map[ClientType]float64

	SafetyNetPercent       float64 // default 0.05
	StreamOverheadPercent  float64 // clamped [0, 300]
	DownloadReservePercent float64 // see SPEC_FULL open-question resolution; default 0

	RestorationDelay map[MediaKind]time.Duration // episode: 600s, movie: 1800s

	DownloadSchedule ScheduleWindow
	UploadSchedule   ScheduleWindow

	LANInclusion bool // if true, LAN streams count toward stream cost
	EnabledClientIDs []string

	InactiveBufferIntervals int // default 6, see spec §3 "Inactive counters"
	ActiveThresholdFraction float64 // default 0.10, see spec §4.5.5
}

// ClientDescriptor identifies one configured download client.
type ClientDescriptor struct {
	ID             string
	Type           ClientType
	SupportsUpload bool
}

// Decision is the allocator's output for one client (spec §4.5).
type Decision struct {
	ClientID          string
	DownloadLimitMbps float64
	UploadLimitMbps   float64
	Reason            Reason
}

// Reason carries the diagnostic fields attached to every decision (spec §4.5.7),
// plus the emergency-mode flag surfaced structurally per SPEC_FULL.
type Reason struct {
	ActiveStreamCount int
	RawBitrateSum     float64
	StreamCost        float64
	ReservedMbps       float64
	HoldingMbps        float64
	Emergency          bool
}
