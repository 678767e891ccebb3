package allocator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thelastdreamer/bondarb/internal/model"
)

func TestStreamCostBitrateFallback(t *testing.T) {
	cases := []struct {
		name string
		in   StreamCostInput
		want float64
	}{
		{"reported bitrate used as-is", StreamCostInput{BitrateMbps: 10}, 10},
		{"4k fallback", StreamCostInput{QualityHint: "4k"}, 40},
		{"1080p fallback", StreamCostInput{QualityHint: "1080p"}, 12},
		{"720p fallback", StreamCostInput{QualityHint: "720p"}, 6},
		{"unknown hint falls back to default", StreamCostInput{QualityHint: "sd"}, defaultQualityFallback},
		{"no hint falls back to default", StreamCostInput{}, defaultQualityFallback},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, StreamCost(tc.in, 0))
		})
	}
}

func TestStreamCostOverheadClamped(t *testing.T) {
	assert.Equal(t, 20.0, StreamCost(StreamCostInput{BitrateMbps: 10}, 100))
	// overhead above 300 clamps to 300
	assert.Equal(t, 40.0, StreamCost(StreamCostInput{BitrateMbps: 10}, 1000))
	// negative overhead clamps to 0
	assert.Equal(t, 10.0, StreamCost(StreamCostInput{BitrateMbps: 10}, -50))
}

func TestTotalStreamCostExcludesLANByDefault(t *testing.T) {
	streams := []StreamCostInput{
		{BitrateMbps: 10},
		{BitrateMbps: 5, IsLAN: true},
	}
	assert.Equal(t, 10.0, TotalStreamCost(streams, 0, false))
	assert.Equal(t, 15.0, TotalStreamCost(streams, 0, true))
}

func baseConfig() *model.ConfigSnapshot {
	return &model.ConfigSnapshot{
		DownloadTotalMbps:       500,
		UploadTotalMbps:         100,
		DownloadPercent:         map[model.ClientType]float64{},
		UploadPercent:           map[model.ClientType]float64{},
		SafetyNetPercent:        0.05,
		StreamOverheadPercent:   0,
		DownloadReservePercent: 0,
		LANInclusion:            false,
		InactiveBufferIntervals: 6,
		ActiveThresholdFraction: 0.10,
	}
}

func client(id string, supportsUpload bool) ClientInput {
	return ClientInput{
		ClientDescriptor: model.ClientDescriptor{
			ID:             id,
			Type:           model.ClientTorrentA,
			SupportsUpload: supportsUpload,
		},
	}
}

func TestAllocateEmergencyMode(t *testing.T) {
	cfg := baseConfig()
	in := Input{
		Clients: []ClientInput{client("a", true), client("b", false)},
		Streams: []StreamCostInput{{BitrateMbps: 90}},
		EffectiveDownloadMbps: 500,
		EffectiveUploadMbps:   80, // streamCost(90) > effective upload: emergency
		Config:                cfg,
	}
	res := Allocate(in)
	require.Len(t, res.Decisions, 2)

	byID := map[string]model.Decision{}
	for _, d := range res.Decisions {
		byID[d.ClientID] = d
	}
	assert.True(t, byID["a"].Reason.Emergency)
	assert.Equal(t, round2(80*0.01), byID["a"].UploadLimitMbps)
	assert.Equal(t, 0.0, byID["b"].UploadLimitMbps)
}

func TestAllocateSingleActiveClientSafetyNet(t *testing.T) {
	cfg := baseConfig()
	clients := []ClientInput{
		{ClientDescriptor: model.ClientDescriptor{ID: "active", Type: model.ClientTorrentA}, ObservedDownloadMbps: 50},
		{
			ClientDescriptor:       model.ClientDescriptor{ID: "idle", Type: model.ClientTorrentA},
			ObservedDownloadMbps:   0,
			DownloadInactiveStreak: cfg.InactiveBufferIntervals, // already past the buffer, classified inactive this tick
		},
	}
	in := Input{
		Clients:               clients,
		Streams:               nil,
		EffectiveDownloadMbps: 100,
		EffectiveUploadMbps:   100,
		Config:                cfg,
	}
	res := Allocate(in)
	byID := map[string]model.Decision{}
	for _, d := range res.Decisions {
		byID[d.ClientID] = d
	}
	// available download == 100 (no stream cost), one active client.
	assert.Equal(t, round2(100*cfg.SafetyNetPercent), byID["idle"].DownloadLimitMbps)
	assert.Equal(t, round2(100*(1-cfg.SafetyNetPercent)), byID["active"].DownloadLimitMbps)
}

func TestAllocateMultiActivePercentBased(t *testing.T) {
	cfg := baseConfig()
	cfg.DownloadPercent[model.ClientTorrentA] = 75
	cfg.DownloadPercent[model.ClientUsenetA] = 25

	clients := []ClientInput{
		{ClientDescriptor: model.ClientDescriptor{ID: "torrent", Type: model.ClientTorrentA}, ObservedDownloadMbps: 50},
		{ClientDescriptor: model.ClientDescriptor{ID: "usenet", Type: model.ClientUsenetA}, ObservedDownloadMbps: 50},
	}
	in := Input{
		Clients:               clients,
		EffectiveDownloadMbps: 100,
		EffectiveUploadMbps:   100,
		Config:                cfg,
	}
	res := Allocate(in)
	byID := map[string]model.Decision{}
	for _, d := range res.Decisions {
		byID[d.ClientID] = d
	}
	assert.Equal(t, round2(100*0.75), byID["torrent"].DownloadLimitMbps)
	assert.Equal(t, round2(100*0.25), byID["usenet"].DownloadLimitMbps)
}

func TestAllocateMultiActiveEvenSplitWhenNotAllConfigured(t *testing.T) {
	cfg := baseConfig()
	cfg.DownloadPercent[model.ClientTorrentA] = 75
	// usenet left unconfigured on purpose

	clients := []ClientInput{
		{ClientDescriptor: model.ClientDescriptor{ID: "torrent", Type: model.ClientTorrentA}, ObservedDownloadMbps: 50},
		{ClientDescriptor: model.ClientDescriptor{ID: "usenet", Type: model.ClientUsenetA}, ObservedDownloadMbps: 50},
	}
	in := Input{
		Clients:               clients,
		EffectiveDownloadMbps: 100,
		EffectiveUploadMbps:   100,
		Config:                cfg,
	}
	res := Allocate(in)
	byID := map[string]model.Decision{}
	for _, d := range res.Decisions {
		byID[d.ClientID] = d
	}
	assert.Equal(t, round2(50.0), byID["torrent"].DownloadLimitMbps)
	assert.Equal(t, round2(50.0), byID["usenet"].DownloadLimitMbps)
}

func TestAllocateZeroActiveClientsEvenSplit(t *testing.T) {
	cfg := baseConfig()
	clients := []ClientInput{
		{
			ClientDescriptor:       model.ClientDescriptor{ID: "a", Type: model.ClientTorrentA},
			ObservedDownloadMbps:   0,
			DownloadInactiveStreak: cfg.InactiveBufferIntervals,
		},
		{
			ClientDescriptor:       model.ClientDescriptor{ID: "b", Type: model.ClientTorrentA},
			ObservedDownloadMbps:   0,
			DownloadInactiveStreak: cfg.InactiveBufferIntervals,
		},
	}
	in := Input{
		Clients:               clients,
		EffectiveDownloadMbps: 100,
		EffectiveUploadMbps:   100,
		Config:                cfg,
	}
	res := Allocate(in)
	byID := map[string]model.Decision{}
	for _, d := range res.Decisions {
		byID[d.ClientID] = d
	}
	assert.Equal(t, 50.0, byID["a"].DownloadLimitMbps)
	assert.Equal(t, 50.0, byID["b"].DownloadLimitMbps)
}

func TestAllocateReturnsEmptyForNoClients(t *testing.T) {
	cfg := baseConfig()
	res := Allocate(Input{Clients: nil, Config: cfg})
	assert.Empty(t, res.Decisions)
	assert.Empty(t, res.Streaks)
}

func TestAllocateStreaksResetOnActivity(t *testing.T) {
	cfg := baseConfig()
	clients := []ClientInput{
		{
			ClientDescriptor:       model.ClientDescriptor{ID: "a", Type: model.ClientTorrentA},
			ObservedDownloadMbps:   80,
			DownloadInactiveStreak: 3,
		},
	}
	in := Input{
		Clients:               clients,
		EffectiveDownloadMbps: 100,
		EffectiveUploadMbps:   100,
		Config:                cfg,
	}
	res := Allocate(in)
	require.Len(t, res.Streaks, 1)
	assert.Equal(t, 0, res.Streaks[0].DownloadInactiveStreak)
}
