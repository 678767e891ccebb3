package clientset

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thelastdreamer/bondarb/internal/adapter"
	"github.com/thelastdreamer/bondarb/internal/config"
	"github.com/thelastdreamer/bondarb/internal/model"
)

const fakeClientType model.ClientType = "test-fake"

type fakeAdapter struct {
	id             string
	supportsUpload bool

	mu            sync.Mutex
	testErr       error
	statsErr      error
	setLimitsErr  error
	restoreErr    error
	restoreCalls  int
	lastDownload  *float64
	lastUpload    *float64
}

func (f *fakeAdapter) ClientID() string            { return f.id }
func (f *fakeAdapter) ClientType() model.ClientType { return fakeClientType }
func (f *fakeAdapter) SupportsUpload() bool         { return f.supportsUpload }

func (f *fakeAdapter) TestConnection(ctx context.Context) error { return f.testErr }

func (f *fakeAdapter) GetStats(ctx context.Context) (model.ClientStats, error) {
	if f.statsErr != nil {
		return model.ClientStats{}, f.statsErr
	}
	return model.ClientStats{DownloadMbps: 10, UploadMbps: 5}, nil
}

func (f *fakeAdapter) GetLimits(ctx context.Context) (float64, float64, error) {
	return 0, 0, nil
}

func (f *fakeAdapter) SetLimits(ctx context.Context, downloadMbps, uploadMbps *float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastDownload = downloadMbps
	f.lastUpload = uploadMbps
	return f.setLimitsErr
}

func (f *fakeAdapter) RestoreLimits(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.restoreCalls++
	return f.restoreErr
}

func (f *fakeAdapter) Close() error { return nil }

func init() {
	adapter.Register(fakeClientType, func(cc config.ClientConfig) (adapter.ClientAdapter, error) {
		return &fakeAdapter{id: cc.ID, supportsUpload: cc.SupportsUpload}, nil
	})
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func cfgs(ids ...string) []config.ClientConfig {
	out := make([]config.ClientConfig, 0, len(ids))
	for _, id := range ids {
		out = append(out, config.ClientConfig{ID: id, Type: string(fakeClientType), SupportsUpload: true})
	}
	return out
}

func TestNewBuildsOneAdapterPerConfig(t *testing.T) {
	s, err := New(cfgs("a", "b"), testLogger())
	require.NoError(t, err)
	assert.Len(t, s.Descriptors(), 2)
}

func TestNewUnknownTypeFails(t *testing.T) {
	_, err := New([]config.ClientConfig{{ID: "x", Type: "does-not-exist"}}, testLogger())
	assert.Error(t, err)
}

func TestTestAllCollectsPerClientErrors(t *testing.T) {
	s, err := New(cfgs("a", "b"), testLogger())
	require.NoError(t, err)

	s.adapters["b"].(*fakeAdapter).testErr = errors.New("unreachable")

	results := s.TestAll(context.Background())
	require.Len(t, results, 2)
	assert.NoError(t, results["a"])
	assert.Error(t, results["b"])
}

func TestStatsAllSkipsFailedClients(t *testing.T) {
	s, err := New(cfgs("a", "b"), testLogger())
	require.NoError(t, err)
	s.adapters["b"].(*fakeAdapter).statsErr = errors.New("boom")

	stats := s.StatsAll(context.Background())
	assert.Len(t, stats, 1)
	assert.Contains(t, stats, "a")
}

func TestApplyAllSetsLimitsAndIgnoresUnknownClients(t *testing.T) {
	s, err := New(cfgs("a"), testLogger())
	require.NoError(t, err)

	decisions := []model.Decision{
		{ClientID: "a", DownloadLimitMbps: 12.5, UploadLimitMbps: 3},
		{ClientID: "does-not-exist", DownloadLimitMbps: 99},
	}
	results := s.ApplyAll(context.Background(), decisions)
	require.Len(t, results, 1)
	assert.NoError(t, results["a"])

	a := s.adapters["a"].(*fakeAdapter)
	require.NotNil(t, a.lastDownload)
	assert.Equal(t, 12.5, *a.lastDownload)
}

func TestRestoreAllRetriesOnFailure(t *testing.T) {
	s, err := New(cfgs("a"), testLogger())
	require.NoError(t, err)
	a := s.adapters["a"].(*fakeAdapter)
	a.restoreErr = errors.New("transient")

	results := s.RestoreAll(context.Background(), 2, time.Millisecond)
	assert.Error(t, results["a"])
	assert.Equal(t, 3, a.restoreCalls) // initial attempt + 2 retries
}

func TestCloseAllEmptiesSet(t *testing.T) {
	s, err := New(cfgs("a", "b"), testLogger())
	require.NoError(t, err)
	require.NoError(t, s.CloseAll())
	assert.Empty(t, s.Descriptors())
}
