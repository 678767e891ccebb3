package monitor

import (
	"context"
	"time"

	"github.com/thelastdreamer/bondarb/internal/allocator"
	"github.com/thelastdreamer/bondarb/internal/linkprobe"
	"github.com/thelastdreamer/bondarb/internal/metricssink"
	"github.com/thelastdreamer/bondarb/internal/model"
	"github.com/thelastdreamer/bondarb/internal/schedule"
)

// downloadLoop is the download-side cooperative task of spec §4.6.2.
func (m *Monitor) downloadLoop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.downloadTick(ctx)
		}
	}
}

// downloadTick runs one iteration of the download-side polling cycle:
// gather stats, sample the link probe, resolve effective capacity,
// allocate, and actuate (spec §4.6.2 steps 1-7).
func (m *Monitor) downloadTick(ctx context.Context) {
	cfg := m.currentConfig()
	now := m.clock.Now()

	tickCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	stats := m.clients.StatsAll(tickCtx)
	cancel()

	descriptors := m.clients.Descriptors()
	m.trackClientFailures(descriptors, stats)
	m.persistClientStats(stats)

	probeSample, probeAvailable := m.sampleLinkProbe(ctx)

	m.streamMu.Lock()
	streams := append([]model.Session(nil), m.stream.streams...)
	m.streamMu.Unlock()

	m.tmpMu.Lock()
	override := m.override
	m.tmpMu.Unlock()

	reservedUpload := m.reservations.Total()

	clientInputs := m.buildClientInputs(descriptors, stats)

	streamInputs := make([]allocator.StreamCostInput, 0, len(streams))
	for _, s := range streams {
		streamInputs = append(streamInputs, allocator.StreamCostInput{
			BitrateMbps: s.BitrateMbps,
			QualityHint: s.QualityHint,
			IsLAN:       s.IsLAN,
		})
	}

	in := allocator.Input{
		Clients:               clientInputs,
		Streams:               streamInputs,
		ReservedUploadMbps:    reservedUpload,
		ReservedDownloadMbps:  0,
		LinkProbeInboundMbps:  probeSample.InboundMbps,
		LinkProbeAvailable:    probeAvailable,
		EffectiveDownloadMbps: schedule.EffectiveDownload(cfg, override, now),
		EffectiveUploadMbps:   schedule.EffectiveUpload(cfg, override, now),
		Config:                cfg,
	}

	result := allocator.Allocate(in)
	m.persistStreaks(result.Streaks)

	if m.isPaused() {
		m.log.Debug("arbitration paused, skipping actuation", "decision_count", len(result.Decisions))
	} else {
		applyCtx, applyCancel := context.WithTimeout(ctx, 5*time.Second)
		applyResults := m.clients.ApplyAll(applyCtx, result.Decisions)
		applyCancel()
		for id, err := range applyResults {
			if err != nil {
				m.log.Warn("set_limits failed", "client_id", id, "error", err)
			}
		}
	}

	m.publishTickMetrics(result, stats, len(streams), in)
	m.publishEvent("allocation", map[string]any{
		"decisions":   result.Decisions,
		"stream_count": len(streams),
		"emergency":   len(result.Decisions) > 0 && result.Decisions[0].Reason.Emergency,
	})
}

func (m *Monitor) buildClientInputs(descriptors []model.ClientDescriptor, stats map[string]model.ClientStats) []allocator.ClientInput {
	m.clientMu.Lock()
	defer m.clientMu.Unlock()

	inputs := make([]allocator.ClientInput, 0, len(descriptors))
	for _, d := range descriptors {
		st := stats[d.ID]
		inputs = append(inputs, allocator.ClientInput{
			ClientDescriptor:       d,
			ObservedDownloadMbps:   st.DownloadMbps,
			ObservedUploadMbps:     st.UploadMbps,
			DownloadInactiveStreak: m.client.downloadStreak[d.ID],
			UploadInactiveStreak:   m.client.uploadStreak[d.ID],
		})
	}
	return inputs
}

// persistClientStats keeps the latest GetStats result per client so
// GetCurrentStatus can serve a read without re-polling every adapter.
func (m *Monitor) persistClientStats(stats map[string]model.ClientStats) {
	m.clientMu.Lock()
	defer m.clientMu.Unlock()
	for id, st := range stats {
		m.client.stats[id] = st
	}
}

func (m *Monitor) persistStreaks(streaks []allocator.StreakUpdate) {
	m.clientMu.Lock()
	defer m.clientMu.Unlock()
	for _, s := range streaks {
		m.client.downloadStreak[s.ClientID] = s.DownloadInactiveStreak
		m.client.uploadStreak[s.ClientID] = s.UploadInactiveStreak
	}
}

// trackClientFailures maintains per-client consecutive-failure counts:
// an id missing from stats (its GetStats call failed) increments the
// streak; a present id resets it and, if it crosses the warn threshold
// on the way down, emits a recovery event.
func (m *Monitor) trackClientFailures(descriptors []model.ClientDescriptor, stats map[string]model.ClientStats) {
	m.clientMu.Lock()
	defer m.clientMu.Unlock()

	threshold := m.cfg.ConsecutiveFailureThreshold
	for _, d := range descriptors {
		_, ok := stats[d.ID]
		if ok {
			if m.client.warned[d.ID] {
				m.log.Info("client connection restored", "client_id", d.ID)
				m.publishEvent("client_recovered", map[string]any{"client_id": d.ID})
			}
			m.client.failures[d.ID] = 0
			m.client.warned[d.ID] = false
			continue
		}
		m.client.failures[d.ID]++
		if m.client.failures[d.ID] >= threshold && !m.client.warned[d.ID] {
			m.client.warned[d.ID] = true
			m.log.Error("client unreachable for consecutive polls", "client_id", d.ID, "consecutive_failures", m.client.failures[d.ID])
			m.publishEvent("client_unreachable", map[string]any{"client_id": d.ID, "consecutive_failures": m.client.failures[d.ID]})
		}
	}
}

// sampleLinkProbe samples the optional LinkProbe, tracking consecutive
// failures the same way the stream and client polls do. A probe that
// was never configured, or whose first sample has no baseline yet,
// simply reports unavailable; the prior sample is retained on a
// transient failure rather than treated as zero throughput.
func (m *Monitor) sampleLinkProbe(ctx context.Context) (linkprobe.Sample, bool) {
	if m.linkProbe == nil {
		return linkprobe.Sample{}, false
	}

	sampleCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	sample, ok, err := m.linkProbe.Sample(sampleCtx)
	cancel()

	m.probeMu.Lock()
	defer m.probeMu.Unlock()

	if err != nil {
		m.probe.failures++
		if m.probe.failures >= m.cfg.ConsecutiveFailureThreshold && !m.probe.warned {
			m.probe.warned = true
			m.log.Error("link probe unreachable for consecutive polls", "consecutive_failures", m.probe.failures, "error", err)
			m.publishEvent("link_probe_unreachable", map[string]any{"consecutive_failures": m.probe.failures})
		}
		return m.probe.lastSample, m.probe.available
	}

	if m.probe.warned {
		m.log.Info("link probe connection restored")
		m.publishEvent("link_probe_recovered", map[string]any{})
	}
	m.probe.failures = 0
	m.probe.warned = false

	if !ok {
		// No baseline yet for this interface; nothing to report this tick.
		m.probe.available = false
		return linkprobe.Sample{}, false
	}

	m.probe.lastSample = sample
	m.probe.available = true
	return sample, true
}

func (m *Monitor) publishTickMetrics(result allocator.Result, stats map[string]model.ClientStats, streamCount int, in allocator.Input) {
	if m.metrics == nil {
		return
	}
	ticks := make([]metricssink.ClientTick, 0, len(result.Decisions))
	for _, d := range result.Decisions {
		ticks = append(ticks, metricssink.DecisionToClientTick(d, stats[d.ClientID]))
	}
	var streamCost float64
	if len(result.Decisions) > 0 {
		streamCost = result.Decisions[0].Reason.StreamCost
	}
	m.metrics.RecordTick(metricssink.Tick{
		Clients:            ticks,
		StreamCount:        streamCount,
		StreamCost:         streamCost,
		ReservedMbps:       in.ReservedUploadMbps,
		ReservationCount:   m.reservations.Count(),
		LinkProbeInMbps:    in.LinkProbeInboundMbps,
		LinkProbeAvailable: in.LinkProbeAvailable,
		EffectiveDownload:  in.EffectiveDownloadMbps,
		EffectiveUpload:    in.EffectiveUploadMbps,
	})
}
