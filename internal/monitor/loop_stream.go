package monitor

import (
	"context"
	"errors"
	"time"

	"github.com/thelastdreamer/bondarb/internal/arberr"
	"github.com/thelastdreamer/bondarb/internal/model"
)

// streamLoop is the stream-side cooperative task of spec §4.6.1.
func (m *Monitor) streamLoop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.streamTick(ctx)
		}
	}
}

// streamTick runs one iteration of the stream-side polling cycle,
// grounded in polling_monitor.py's _plex_poll_cycle.
func (m *Monitor) streamTick(ctx context.Context) {
	m.streamMu.Lock()
	oldStreams := append([]model.Session(nil), m.stream.streams...)
	wasFirstPoll := m.stream.firstPoll
	m.streamMu.Unlock()

	tickCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	newStreams, err := m.streamSource.ListActive(tickCtx)
	cancel()

	if err != nil {
		m.handleStreamSourceFailure(err, oldStreams)
		return
	}
	m.handleStreamSourceRecovery()

	if wasFirstPoll {
		// First successful snapshot since process start: baseline only,
		// no started/ended events (spec §4.6.1 step 3, §9 open question).
		m.streamMu.Lock()
		m.stream.streams = newStreams
		m.stream.firstPoll = false
		m.streamMu.Unlock()
		m.log.Info("stream source: initial snapshot", "stream_count", len(newStreams))
		return
	}

	oldByID := make(map[string]model.Session, len(oldStreams))
	for _, s := range oldStreams {
		oldByID[s.ID] = s
	}
	newByID := make(map[string]model.Session, len(newStreams))
	for _, s := range newStreams {
		newByID[s.ID] = s
	}

	for id, s := range newByID {
		if _, existed := oldByID[id]; !existed {
			m.handleStreamStarted(s)
		}
	}
	for id, s := range oldByID {
		if _, stillPresent := newByID[id]; !stillPresent {
			m.handleStreamEnded(ctx, s)
		}
	}

	m.streamMu.Lock()
	m.stream.streams = newStreams
	m.streamMu.Unlock()

	for _, s := range newStreams {
		m.sessionBW.Store(s.ID, s.BitrateMbps)
	}
}

// handleStreamSourceFailure implements the consecutive-failure tracking
// of spec §4.6.1 / §7: retain the prior snapshot, never treat an
// unreachable source as "no active streams".
func (m *Monitor) handleStreamSourceFailure(err error, oldStreams []model.Session) {
	m.streamMu.Lock()
	m.stream.consecutiveFailures++
	count := m.stream.consecutiveFailures
	alreadyWarned := m.stream.warned
	if count >= m.cfg.ConsecutiveFailureThreshold && !alreadyWarned {
		m.stream.warned = true
	}
	m.streamMu.Unlock()

	if errors.Is(err, arberr.ErrUnreachable) {
		m.log.Debug("stream source unreachable, retaining prior snapshot", "consecutive_failures", count, "retained_stream_count", len(oldStreams))
	} else {
		m.log.Warn("stream source list_active failed, retaining prior snapshot", "error", err, "consecutive_failures", count)
	}

	if count >= m.cfg.ConsecutiveFailureThreshold && !alreadyWarned {
		m.log.Error("stream source unreachable for consecutive polls", "consecutive_failures", count)
		m.publishEvent("stream_source_unreachable", map[string]any{"consecutive_failures": count})
	}
}

func (m *Monitor) handleStreamSourceRecovery() {
	m.streamMu.Lock()
	wasWarned := m.stream.warned
	m.stream.consecutiveFailures = 0
	m.stream.warned = false
	m.streamMu.Unlock()

	if wasWarned {
		m.log.Info("stream source connection restored")
		m.publishEvent("stream_source_recovered", map[string]any{})
	}
}

// handleStreamStarted cancels any reservation held for the same
// (user, player) — the viewer returned — and emits a stream-started
// event (spec §4.6.1 step 4 "Started").
func (m *Monitor) handleStreamStarted(s model.Session) {
	freed := m.reservations.CancelMatching(s.UserID, s.PlayerID)
	if freed > 0 {
		m.log.Info("reservation cancelled: viewer resumed", "user_id", s.UserID, "player_id", s.PlayerID, "freed_mbps", freed)
	}
	m.log.Info("stream started", "session_id", s.ID, "user_id", s.UserID, "player_id", s.PlayerID, "bitrate_mbps", s.BitrateMbps)
	m.publishEvent("stream_started", map[string]any{
		"session_id": s.ID,
		"user_id":    s.UserID,
		"user_name":  s.UserName,
		"player_id":  s.PlayerID,
		"media_title": s.MediaTitle,
		"bitrate_mbps": s.BitrateMbps,
	})
}

// handleStreamEnded computes the departing stream's retained cost and
// creates a reservation for it, unless it was a LAN stream and
// LAN-inclusion is off (spec §4.6.1 step 4 "Ended").
func (m *Monitor) handleStreamEnded(ctx context.Context, s model.Session) {
	cfg := m.currentConfig()

	bitrate := s.BitrateMbps
	if bitrate <= 0 {
		if stored, ok := m.sessionBW.Get(s.ID); ok {
			bitrate = stored
		}
	}
	m.sessionBW.Clear(s.ID)

	if s.IsLAN && !cfg.LANInclusion {
		m.log.Debug("LAN stream ended, skipping reservation", "session_id", s.ID, "user_id", s.UserID)
		m.publishEvent("stream_ended", map[string]any{"session_id": s.ID, "user_id": s.UserID, "is_lan": true, "reservation_created": false})
		return
	}

	overhead := cfg.StreamOverheadPercent
	cost := bitrate * (1 + clampOverhead(overhead)/100)

	delay, ok := cfg.RestorationDelay[s.MediaKind]
	if !ok {
		delay = cfg.RestorationDelay[model.MediaEpisode]
	}
	if delay <= 0 {
		m.log.Debug("restoration delay is zero, skipping reservation", "session_id", s.ID)
		return
	}

	id := m.reservations.Create(s.UserID, s.PlayerID, cost, delay, s.MediaKind)
	m.log.Info("bandwidth reservation created", "reservation_id", id, "user_id", s.UserID, "player_id", s.PlayerID, "bandwidth_mbps", cost, "duration", delay)
	m.publishEvent("stream_ended", map[string]any{
		"session_id":      s.ID,
		"user_id":         s.UserID,
		"user_name":       s.UserName,
		"reservation_id":  id,
		"bandwidth_mbps":  cost,
		"duration_s":      delay.Seconds(),
		"reservation_created": true,
	})
}

func clampOverhead(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 300 {
		return 300
	}
	return v
}
