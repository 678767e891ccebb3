package monitor

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thelastdreamer/bondarb/internal/adapter"
	"github.com/thelastdreamer/bondarb/internal/clientset"
	"github.com/thelastdreamer/bondarb/internal/config"
	"github.com/thelastdreamer/bondarb/internal/model"
	"github.com/thelastdreamer/bondarb/internal/reservation"
	"github.com/thelastdreamer/bondarb/internal/sessionbw"
)

type fakeStreamSource struct{}

func (fakeStreamSource) ListActive(ctx context.Context) ([]model.Session, error) {
	return nil, nil
}

const monitorTestClientType model.ClientType = "monitor-test-fake"

type noopAdapter struct{ id string }

func (a *noopAdapter) ClientID() string             { return a.id }
func (a *noopAdapter) ClientType() model.ClientType { return monitorTestClientType }
func (a *noopAdapter) SupportsUpload() bool         { return true }
func (a *noopAdapter) TestConnection(ctx context.Context) error { return nil }
func (a *noopAdapter) GetStats(ctx context.Context) (model.ClientStats, error) {
	return model.ClientStats{}, nil
}
func (a *noopAdapter) GetLimits(ctx context.Context) (float64, float64, error) { return 0, 0, nil }
func (a *noopAdapter) SetLimits(ctx context.Context, download, upload *float64) error {
	return nil
}
func (a *noopAdapter) RestoreLimits(ctx context.Context) error { return nil }
func (a *noopAdapter) Close() error                            { return nil }

func init() {
	adapter.Register(monitorTestClientType, func(cc config.ClientConfig) (adapter.ClientAdapter, error) {
		return &noopAdapter{id: cc.ID}, nil
	})
}

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

func testMonitor(t *testing.T) *Monitor {
	t.Helper()
	clients, err := clientset.New([]config.ClientConfig{{ID: "c1", Type: string(monitorTestClientType)}}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)

	cfg := &model.ConfigSnapshot{
		DownloadTotalMbps:       500,
		UploadTotalMbps:         100,
		DownloadPercent:         map[model.ClientType]float64{},
		UploadPercent:           map[model.ClientType]float64{},
		SafetyNetPercent:        0.05,
		InactiveBufferIntervals: 6,
		ActiveThresholdFraction: 0.10,
	}

	mon := New(cfg, clients, fakeStreamSource{}, nil, reservation.New(), sessionbw.New(), nil, nil,
		slog.New(slog.NewTextHandler(io.Discard, nil)), Config{})
	return mon
}

func TestPauseResume(t *testing.T) {
	mon := testMonitor(t)
	assert.False(t, mon.isPaused())
	mon.Pause()
	assert.True(t, mon.isPaused())
	mon.Resume()
	assert.False(t, mon.isPaused())
}

func TestSetAndClearTemporaryLimits(t *testing.T) {
	mon := testMonitor(t)
	clk := &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	mon.SetClock(clk)

	dl, ul := 50.0, 10.0
	mon.SetTemporaryLimits(&dl, &ul, time.Minute, "test")

	limits := mon.GetTemporaryLimits()
	assert.True(t, limits.Active)
	assert.Equal(t, 50.0, limits.DownloadMbps)
	assert.Equal(t, 10.0, limits.UploadMbps)
	assert.Equal(t, "test", limits.SourceTag)

	mon.ClearTemporaryLimits()
	limits = mon.GetTemporaryLimits()
	assert.False(t, limits.Active)
}

func TestTemporaryLimitsExpireWithoutATick(t *testing.T) {
	mon := testMonitor(t)
	clk := &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	mon.SetClock(clk)

	dl := 50.0
	mon.SetTemporaryLimits(&dl, nil, time.Minute, "test")

	clk.now = clk.now.Add(2 * time.Minute)
	limits := mon.GetTemporaryLimits()
	assert.False(t, limits.Active)
}

func TestApplyTuningOverridesPartialUpdate(t *testing.T) {
	mon := testMonitor(t)
	originalOverhead := mon.currentConfig().StreamOverheadPercent

	safetyNet := 0.2
	mon.ApplyTuningOverrides(&safetyNet, nil)

	cfg := mon.currentConfig()
	assert.Equal(t, 0.2, cfg.SafetyNetPercent)
	assert.Equal(t, originalOverhead, cfg.StreamOverheadPercent)
}

func TestApplyTuningOverridesClampsOverhead(t *testing.T) {
	mon := testMonitor(t)
	overhead := 1000.0
	mon.ApplyTuningOverrides(nil, &overhead)
	assert.Equal(t, 300.0, mon.currentConfig().StreamOverheadPercent)

	negative := -10.0
	mon.ApplyTuningOverrides(nil, &negative)
	assert.Equal(t, 0.0, mon.currentConfig().StreamOverheadPercent)
}

func TestReservationsRoundTripThroughControlSurface(t *testing.T) {
	mon := testMonitor(t)
	id := mon.reservations.Create("alice", "player1", 5, time.Hour, model.MediaMovie)

	views := mon.ListReservations()
	require.Len(t, views, 1)
	assert.Equal(t, id, views[0].ID)

	assert.True(t, mon.ClearReservation(id))
	assert.False(t, mon.ClearReservation(id))
	assert.Empty(t, mon.ListReservations())
}

func TestGetCurrentStatusReflectsPauseAndReservations(t *testing.T) {
	mon := testMonitor(t)
	mon.reservations.Create("alice", "player1", 5, time.Hour, model.MediaMovie)
	mon.Pause()

	status := mon.GetCurrentStatus()
	assert.True(t, status.Paused)
	assert.Equal(t, 5.0, status.ReservedMbps)
	require.Len(t, status.Clients, 1)
	assert.Equal(t, "c1", status.Clients[0].ClientID)
}

func TestStartStopLifecycle(t *testing.T) {
	mon := testMonitor(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, mon.Start(ctx))
	assert.Error(t, mon.Start(ctx), "starting twice must fail")
	require.NoError(t, mon.Stop())
	assert.Error(t, mon.Stop(), "stopping twice must fail")
}
