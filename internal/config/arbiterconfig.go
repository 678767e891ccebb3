package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/thelastdreamer/bondarb/internal/model"
)

// ArbiterConfig is the strongly-typed configuration snapshot loaded from
// disk/env via viper, mirroring the teacher's BondConfig/WANInterfaceConfig
// split: one struct per concern, duration fields stored as parseable
// strings with a documented fallback.
type ArbiterConfig struct {
	StreamBandwidth StreamBandwidthConfig  `mapstructure:"stream_bandwidth"`
	Clients         []ClientConfig         `mapstructure:"clients"`
	Schedules       SchedulesConfig        `mapstructure:"schedules"`
	LinkProbe       LinkProbeConfig        `mapstructure:"link_probe"`
	StreamSource    StreamSourceConfig     `mapstructure:"stream_source"`
	Polling         PollingConfig          `mapstructure:"polling"`
}

// StreamBandwidthConfig is the Configuration snapshot of spec §3.
type StreamBandwidthConfig struct {
	DownloadTotalMbps      float64            `mapstructure:"download_total_mbps"`
	UploadTotalMbps        float64            `mapstructure:"upload_total_mbps"`
	DownloadPercent        map[string]float64 `mapstructure:"download_percent"`
	UploadPercent          map[string]float64 `mapstructure:"upload_percent"`
	SafetyNetPercent       float64            `mapstructure:"safety_net_percent"`
	StreamOverheadPercent  float64            `mapstructure:"stream_overhead_percent"`
	// DownloadReservePercent resolves spec §9's open question: the source's
	// decision engine references this percent but never defines it on a
	// config type. Documented default: 0.
	DownloadReservePercent float64 `mapstructure:"download_reserve_percent"`
	EpisodeRestorationDelay string `mapstructure:"episode_restoration_delay"` // "600s"
	MovieRestorationDelay   string `mapstructure:"movie_restoration_delay"`   // "1800s"
	LANInclusion            bool   `mapstructure:"lan_inclusion"`
}

// ClientConfig describes one configured download client connection.
type ClientConfig struct {
	ID             string `mapstructure:"id"`
	Name           string `mapstructure:"name"`
	Type           string `mapstructure:"type"` // torrent-a, usenet-a, usenet-b, torrent-b, torrent-c
	URL            string `mapstructure:"url"`
	Username       string `mapstructure:"username"`
	Password       string `mapstructure:"password"`
	Enabled        bool   `mapstructure:"enabled"`
	SupportsUpload bool   `mapstructure:"supports_upload"`
}

// ScheduleConfig is one [start,end] alternate-total window.
type ScheduleConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	Start         string `mapstructure:"start"` // "22:00"
	End           string `mapstructure:"end"`   // "06:00"
	AlternateMbps float64 `mapstructure:"alternate_mbps"`
}

// SchedulesConfig carries the two optional scheduled alternates.
type SchedulesConfig struct {
	Download ScheduleConfig `mapstructure:"download"`
	Upload   ScheduleConfig `mapstructure:"upload"`
}

// LinkProbeConfig configures the optional SNMP link probe.
type LinkProbeConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Host      string `mapstructure:"host"`
	Port      int    `mapstructure:"port"`
	Community string `mapstructure:"community"`
	Interface string `mapstructure:"interface"`
}

// StreamSourceConfig configures the media-server StreamSource.
type StreamSourceConfig struct {
	BaseURL string `mapstructure:"base_url"`
	Token   string `mapstructure:"token"`
}

// PollingConfig configures the two polling loops.
type PollingConfig struct {
	IntervalSeconds         int `mapstructure:"interval_seconds"` // minimum 5s per spec §4.6
	InactiveBufferIntervals int `mapstructure:"inactive_buffer_intervals"` // default 6
	ConsecutiveFailureThreshold int `mapstructure:"consecutive_failure_threshold"` // default 6
}

// LoadArbiterConfig loads configuration from a file plus BONDARB_*
// environment overrides, using viper the way the teacher's go.mod
// declared but never exercised.
func LoadArbiterConfig(path string) (*ArbiterConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("BONDARB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setArbiterDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read arbiter config: %w", err)
	}

	var cfg ArbiterConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal arbiter config: %w", err)
	}
	return &cfg, nil
}

func setArbiterDefaults(v *viper.Viper) {
	v.SetDefault("stream_bandwidth.safety_net_percent", 0.05)
	v.SetDefault("stream_bandwidth.stream_overhead_percent", 0)
	v.SetDefault("stream_bandwidth.download_reserve_percent", 0)
	v.SetDefault("stream_bandwidth.episode_restoration_delay", "600s")
	v.SetDefault("stream_bandwidth.movie_restoration_delay", "1800s")
	v.SetDefault("polling.interval_seconds", 5)
	v.SetDefault("polling.inactive_buffer_intervals", 6)
	v.SetDefault("polling.consecutive_failure_threshold", 6)
}

// parseDurationOrDefault mirrors the teacher's ToWANConfig pattern: parse a
// duration string, falling back to a documented default on error.
func parseDurationOrDefault(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

// parseScheduleTime parses "HH:MM" into an offset from local midnight.
func parseScheduleTime(s string) (time.Duration, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("parse schedule time %q: %w", s, err)
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, nil
}

// ToSnapshot converts the loaded configuration into the immutable
// model.ConfigSnapshot the allocator and polling monitor consume.
func (c *ArbiterConfig) ToSnapshot() (*model.ConfigSnapshot, error) {
	dlPercent := make(map[model.ClientType]float64, len(c.StreamBandwidth.DownloadPercent))
	for k, v := range c.StreamBandwidth.DownloadPercent {
		dlPercent[model.ClientType(k)] = v
	}
	ulPercent := make(map[model.ClientType]float64, len(c.StreamBandwidth.UploadPercent))
	for k, v := range c.StreamBandwidth.UploadPercent {
		ulPercent[model.ClientType(k)] = v
	}

	overhead := c.StreamBandwidth.StreamOverheadPercent
	if overhead < 0 {
		overhead = 0
	} else if overhead > 300 {
		overhead = 300
	}

	episodeDelay := parseDurationOrDefault(c.StreamBandwidth.EpisodeRestorationDelay, 600*time.Second)
	movieDelay := parseDurationOrDefault(c.StreamBandwidth.MovieRestorationDelay, 1800*time.Second)

	dlSched, err := toScheduleWindow(c.Schedules.Download)
	if err != nil {
		return nil, err
	}
	ulSched, err := toScheduleWindow(c.Schedules.Upload)
	if err != nil {
		return nil, err
	}

	var enabledIDs []string
	for _, cc := range c.Clients {
		if cc.Enabled {
			enabledIDs = append(enabledIDs, cc.ID)
		}
	}

	inactiveBuffer := c.Polling.InactiveBufferIntervals
	if inactiveBuffer <= 0 {
		inactiveBuffer = 6
	}

	return &model.ConfigSnapshot{
		DownloadTotalMbps:      c.StreamBandwidth.DownloadTotalMbps,
		UploadTotalMbps:        c.StreamBandwidth.UploadTotalMbps,
		DownloadPercent:        dlPercent,
		UploadPercent:          ulPercent,
		SafetyNetPercent:       c.StreamBandwidth.SafetyNetPercent,
		StreamOverheadPercent:  overhead,
		DownloadReservePercent: c.StreamBandwidth.DownloadReservePercent,
		RestorationDelay: map[model.MediaKind]time.Duration{
			model.MediaEpisode: episodeDelay,
			model.MediaMovie:   movieDelay,
			model.MediaOther:   episodeDelay,
		},
		DownloadSchedule:        dlSched,
		UploadSchedule:          ulSched,
		LANInclusion:            c.StreamBandwidth.LANInclusion,
		EnabledClientIDs:        enabledIDs,
		InactiveBufferIntervals: inactiveBuffer,
		ActiveThresholdFraction: 0.10,
	}, nil
}

func toScheduleWindow(sc ScheduleConfig) (model.ScheduleWindow, error) {
	if !sc.Enabled {
		return model.ScheduleWindow{}, nil
	}
	start, err := parseScheduleTime(sc.Start)
	if err != nil {
		return model.ScheduleWindow{}, err
	}
	end, err := parseScheduleTime(sc.End)
	if err != nil {
		return model.ScheduleWindow{}, err
	}
	return model.ScheduleWindow{
		Enabled:       true,
		Start:         start,
		End:           end,
		AlternateMbps: sc.AlternateMbps,
	}, nil
}
