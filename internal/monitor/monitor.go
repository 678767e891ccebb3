// Package monitor implements the PollingMonitor of spec §4.6: the two
// cooperative loops (stream-side, download-side) that tie together
// StreamSource, the ClientAdapter set, LinkProbe, ReservationTable, the
// Allocator, and the schedule/override resolution into one continuous
// feedback loop, plus the synchronous control surface of spec §6.
//
// Grounded in original_source/backend/app/services/polling_monitor.py's
// PollingMonitor, mapped from asyncio tasks + asyncio.Lock onto
// goroutines + sync.Mutex per component, following the concurrency model
// the teacher's pkg/health.Manager uses for its own two-loop-plus-timers
// shape (context.WithCancel, sync.WaitGroup, one mutex per concern).
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/thelastdreamer/bondarb/internal/clientset"
	"github.com/thelastdreamer/bondarb/internal/config"
	"github.com/thelastdreamer/bondarb/internal/eventsink"
	"github.com/thelastdreamer/bondarb/internal/linkprobe"
	"github.com/thelastdreamer/bondarb/internal/metricssink"
	"github.com/thelastdreamer/bondarb/internal/model"
	"github.com/thelastdreamer/bondarb/internal/reservation"
	"github.com/thelastdreamer/bondarb/internal/schedule"
	"github.com/thelastdreamer/bondarb/internal/sessionbw"
	"github.com/thelastdreamer/bondarb/internal/streamsource"
)

// Config bundles the tuning knobs PollingMonitor needs beyond the
// arbitration ConfigSnapshot itself (spec §4.6, §5 "Timeouts").
type Config struct {
	PollInterval                time.Duration // minimum 5s per spec §4.6
	ConsecutiveFailureThreshold int           // default 6
	ShutdownRestoreTimeout      time.Duration // default 15s, spec §4.6.3
}

func (c Config) withDefaults() Config {
	if c.PollInterval < 5*time.Second {
		c.PollInterval = 5 * time.Second
	}
	if c.ConsecutiveFailureThreshold <= 0 {
		c.ConsecutiveFailureThreshold = 6
	}
	if c.ShutdownRestoreTimeout <= 0 {
		c.ShutdownRestoreTimeout = 15 * time.Second
	}
	return c
}

// streamState is everything stream_mu guards (spec §5 table).
type streamState struct {
	streams             []model.Session
	firstPoll           bool
	consecutiveFailures int
	warned              bool
}

// clientPollState is everything client_mu guards.
type clientPollState struct {
	stats          map[string]model.ClientStats
	downloadStreak map[string]int
	uploadStreak   map[string]int
	failures       map[string]int
	warned         map[string]bool
}

// probeState is everything probe_mu guards.
type probeState struct {
	lastSample linkprobe.Sample
	available  bool
	failures   int
	warned     bool
}

// Monitor is the PollingMonitor: it owns no global state beyond what is
// documented in spec §5. streamMu, clientMu, probeMu and tmpMu each guard
// one concern's state; cfgMu, pauseMu and runMu guard the configuration
// snapshot, the pause flag and the running flag.
type Monitor struct {
	clients      *clientset.Set
	streamSource streamsource.StreamSource
	linkProbe    linkprobe.LinkProbe // nil if not configured
	reservations *reservation.Table
	sessionBW    *sessionbw.Cache
	events       eventsink.Sink
	metrics      metricssink.Sink
	log          *slog.Logger
	clock        Clock
	cfg          Config

	cfgMu     sync.RWMutex
	arbiterCfg *model.ConfigSnapshot

	streamMu sync.Mutex
	stream   streamState

	clientMu sync.Mutex
	client   clientPollState

	probeMu sync.Mutex
	probe   probeState

	tmpMu    sync.Mutex
	override schedule.Override

	pauseMu sync.Mutex
	paused  bool

	runMu   sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New constructs a Monitor. linkProbe may be nil (spec §4.3: "optional").
func New(
	initialCfg *model.ConfigSnapshot,
	clients *clientset.Set,
	src streamsource.StreamSource,
	probe linkprobe.LinkProbe,
	reservations *reservation.Table,
	sessionBW *sessionbw.Cache,
	events eventsink.Sink,
	metrics metricssink.Sink,
	log *slog.Logger,
	cfg Config,
) *Monitor {
	return &Monitor{
		clients:      clients,
		streamSource: src,
		linkProbe:    probe,
		reservations: reservations,
		sessionBW:    sessionBW,
		events:       events,
		metrics:      metrics,
		log:          log,
		clock:        realClock{},
		cfg:          cfg.withDefaults(),
		arbiterCfg:   initialCfg,
		stream:       streamState{firstPoll: true},
		client: clientPollState{
			stats:          make(map[string]model.ClientStats),
			downloadStreak: make(map[string]int),
			uploadStreak:   make(map[string]int),
			failures:       make(map[string]int),
			warned:         make(map[string]bool),
		},
	}
}

// SetClock overrides the wall clock; test-only.
func (m *Monitor) SetClock(c Clock) { m.clock = c }

// Start launches the two polling loops. Start is not re-entrant; call
// Stop before calling Start again.
func (m *Monitor) Start(ctx context.Context) error {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.running {
		return fmt.Errorf("bondarb: monitor already running")
	}

	loopCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.running = true

	m.wg.Add(2)
	go m.streamLoop(loopCtx)
	go m.downloadLoop(loopCtx)

	m.log.Info("polling monitor started", "poll_interval", m.cfg.PollInterval)
	return nil
}

// Stop cancels both loops, cancels every reservation timer, and makes a
// best-effort attempt to restore every adapter's original limits within
// cfg.ShutdownRestoreTimeout, per spec §4.6.3. An unreachable adapter
// must not stall shutdown past that bound.
func (m *Monitor) Stop() error {
	m.runMu.Lock()
	if !m.running {
		m.runMu.Unlock()
		return fmt.Errorf("bondarb: monitor not running")
	}
	cancel := m.cancel
	m.running = false
	m.runMu.Unlock()

	cancel()
	m.wg.Wait()

	m.reservations.CancelAll()

	restoreCtx, restoreCancel := context.WithTimeout(context.Background(), m.cfg.ShutdownRestoreTimeout)
	defer restoreCancel()
	results := m.clients.RestoreAll(restoreCtx, 0, 0)
	for id, err := range results {
		if err != nil {
			m.log.Warn("restore_limits failed during shutdown", "client_id", id, "error", err)
		}
	}

	if m.linkProbe != nil {
		if err := m.linkProbe.Close(); err != nil {
			m.log.Warn("link probe close failed", "error", err)
		}
	}
	if err := m.clients.CloseAll(); err != nil {
		m.log.Warn("client set close reported errors", "error", err)
	}

	m.log.Info("polling monitor stopped")
	return nil
}

func (m *Monitor) currentConfig() *model.ConfigSnapshot {
	m.cfgMu.RLock()
	defer m.cfgMu.RUnlock()
	return m.arbiterCfg
}

// Reload atomically swaps the configuration snapshot (spec §6 "reload").
// An in-flight tick completes under the old config; the next tick reads
// the new one.
func (m *Monitor) Reload(newCfg *model.ConfigSnapshot) {
	m.cfgMu.Lock()
	m.arbiterCfg = newCfg
	m.cfgMu.Unlock()
	m.log.Info("configuration reloaded")
}

// ReloadFromConfigFile re-reads the configuration file at path, swaps
// the arbitration snapshot, and rebuilds the client set so client
// additions/removals/credential changes take effect without a restart
// (spec §6 "reload"; mirrors controller_manager.py's reload_clients).
func (m *Monitor) ReloadFromConfigFile(ctx context.Context, path string) error {
	arbCfg, err := config.LoadArbiterConfig(path)
	if err != nil {
		return fmt.Errorf("reload: %w", err)
	}
	snapshot, err := arbCfg.ToSnapshot()
	if err != nil {
		return fmt.Errorf("reload: %w", err)
	}
	if err := m.clients.Reload(ctx, arbCfg.Clients); err != nil {
		return fmt.Errorf("reload: client set: %w", err)
	}
	m.Reload(snapshot)
	return nil
}

// ApplyTuningOverrides patches the safety-net and stream-overhead percentages
// on the live configuration snapshot without touching anything else,
// so an operator's hot-reloadable tuning file (config.HotConfig) can nudge
// these two knobs live instead of requiring a full ReloadFromConfigFile.
// A nil pointer leaves that knob unchanged.
func (m *Monitor) ApplyTuningOverrides(safetyNetPercent, streamOverheadPercent *float64) {
	m.cfgMu.Lock()
	next := *m.arbiterCfg
	if safetyNetPercent != nil {
		next.SafetyNetPercent = *safetyNetPercent
	}
	if streamOverheadPercent != nil {
		overhead := *streamOverheadPercent
		if overhead < 0 {
			overhead = 0
		} else if overhead > 300 {
			overhead = 300
		}
		next.StreamOverheadPercent = overhead
	}
	m.arbiterCfg = &next
	m.cfgMu.Unlock()
	m.log.Info("tuning overrides applied", "safety_net_percent", next.SafetyNetPercent, "stream_overhead_percent", next.StreamOverheadPercent)
}

// Pause stops the download loop from calling set_limits; it keeps
// polling and computing decisions so status queries stay live.
func (m *Monitor) Pause() {
	m.pauseMu.Lock()
	m.paused = true
	m.pauseMu.Unlock()
	m.log.Info("arbitration paused")
}

// Resume re-enables actuation.
func (m *Monitor) Resume() {
	m.pauseMu.Lock()
	m.paused = false
	m.pauseMu.Unlock()
	m.log.Info("arbitration resumed")
}

func (m *Monitor) isPaused() bool {
	m.pauseMu.Lock()
	defer m.pauseMu.Unlock()
	return m.paused
}

func (m *Monitor) publishEvent(eventType string, data interface{}) {
	if m.events == nil {
		return
	}
	evt, ok := eventsink.NewEvent(eventType, data)
	if !ok {
		return
	}
	m.events.Publish(evt)
}
