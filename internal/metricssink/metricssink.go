// Package metricssink defines the MetricsSink contract the core publishes
// per-tick observability data to (spec §4.6.2.7) and an adapter onto the
// teacher's pkg/metrics.Collector/Exporter, repurposed from per-WAN
// bonding metrics to per-client arbitration metrics.
package metricssink

import (
	"github.com/thelastdreamer/bondarb/internal/model"
	"github.com/thelastdreamer/bondarb/pkg/metrics"
)

// ClientTick is one client's observed/limit figures for a single
// download-loop tick.
type ClientTick struct {
	ClientID           string
	ObservedDownload   float64
	ObservedUpload     float64
	ObservedDownLimit  float64
	ObservedUpLimit    float64
	NewDownloadLimit   float64
	NewUploadLimit     float64
}

// Tick bundles everything spec §4.6.2 step 7 requires a MetricsSink to
// receive for one download-loop pass.
type Tick struct {
	Clients            []ClientTick
	StreamCount        int
	StreamCost         float64
	ReservedMbps       float64
	ReservationCount   int
	LinkProbeInMbps    float64
	LinkProbeOutMbps   float64
	LinkProbeAvailable bool
	EffectiveDownload  float64
	EffectiveUpload    float64
}

// Sink publishes one tick's metrics. Implementations must not block the
// calling loop on a slow downstream collector.
type Sink interface {
	RecordTick(t Tick)
}

// CollectorSink adapts a metrics.Collector (the teacher's generic
// time-series store) into a Sink, recording each figure as a named
// system metric the way the teacher recorded WAN/flow metrics.
type CollectorSink struct {
	collector *metrics.Collector
}

// NewCollectorSink wraps an already-started metrics.Collector.
func NewCollectorSink(collector *metrics.Collector) *CollectorSink {
	return &CollectorSink{collector: collector}
}

// RecordTick implements Sink.
func (s *CollectorSink) RecordTick(t Tick) {
	s.collector.UpdateActivity(len(t.Clients), t.StreamCount, t.ReservationCount)
	for _, c := range t.Clients {
		labels := map[string]string{"client_id": c.ClientID}
		s.collector.RecordSystemMetric("client_download_mbps", c.ObservedDownload, labels)
		s.collector.RecordSystemMetric("client_upload_mbps", c.ObservedUpload, labels)
		s.collector.RecordSystemMetric("client_download_limit_mbps", c.ObservedDownLimit, labels)
		s.collector.RecordSystemMetric("client_upload_limit_mbps", c.ObservedUpLimit, labels)
		s.collector.RecordSystemMetric("client_new_download_limit_mbps", c.NewDownloadLimit, labels)
		s.collector.RecordSystemMetric("client_new_upload_limit_mbps", c.NewUploadLimit, labels)
	}
	s.collector.RecordSystemMetric("stream_count", float64(t.StreamCount), nil)
	s.collector.RecordSystemMetric("stream_cost_mbps", t.StreamCost, nil)
	s.collector.RecordSystemMetric("reserved_mbps", t.ReservedMbps, nil)
	s.collector.RecordSystemMetric("effective_download_mbps", t.EffectiveDownload, nil)
	s.collector.RecordSystemMetric("effective_upload_mbps", t.EffectiveUpload, nil)
	if t.LinkProbeAvailable {
		s.collector.RecordSystemMetric("link_probe_in_mbps", t.LinkProbeInMbps, nil)
		s.collector.RecordSystemMetric("link_probe_out_mbps", t.LinkProbeOutMbps, nil)
	}
}

// DecisionToClientTick merges one allocator Decision with its adapter
// ClientStats into the shape RecordTick expects.
func DecisionToClientTick(d model.Decision, stats model.ClientStats) ClientTick {
	return ClientTick{
		ClientID:          d.ClientID,
		ObservedDownload:  stats.DownloadMbps,
		ObservedUpload:    stats.UploadMbps,
		ObservedDownLimit: stats.DownloadLimitMbps,
		ObservedUpLimit:   stats.UploadLimitMbps,
		NewDownloadLimit:  d.DownloadLimitMbps,
		NewUploadLimit:    d.UploadLimitMbps,
	}
}
