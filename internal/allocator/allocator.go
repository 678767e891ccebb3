// Package allocator implements the pure decision function of spec §4.5:
// given capacity, client list, per-client current speed, and config,
// produce per-client download and upload limits. It performs no I/O and
// holds no state; every call is self-contained and reproducible.
package allocator

import (
	"math"

	"github.com/thelastdreamer/bondarb/internal/model"
)

// qualityFallback maps a bucket name to a Mbps estimate used when a
// stream reports no usable bitrate (spec §4.5.2).
var qualityFallback = map[string]float64{
	"4k":    40,
	"1080p": 12,
	"720p":  6,
}

const defaultQualityFallback = 4

// StreamCostInput is one counted stream's contribution to total_stream_cost.
type StreamCostInput struct {
	BitrateMbps float64
	QualityHint string // "4k", "1080p", "720p", or "" for defaultQualityFallback
	IsLAN       bool
}

// StreamCost computes a single stream's cost per spec §4.5.2.
func StreamCost(s StreamCostInput, overheadPercent float64) float64 {
	bitrate := s.BitrateMbps
	if bitrate <= 0 {
		if fb, ok := qualityFallback[s.QualityHint]; ok {
			bitrate = fb
		} else {
			bitrate = defaultQualityFallback
		}
	}
	overhead := clamp(overheadPercent, 0, 300)
	return bitrate * (1 + overhead/100)
}

// TotalStreamCost sums StreamCost across streams, honoring LAN-exclusion
// unless lanInclusion is set.
func TotalStreamCost(streams []StreamCostInput, overheadPercent float64, lanInclusion bool) float64 {
	var total float64
	for _, s := range streams {
		if s.IsLAN && !lanInclusion {
			continue
		}
		total += StreamCost(s, overheadPercent)
	}
	return total
}

// ClientInput bundles one client's identity and current observation for
// one allocation pass.
type ClientInput struct {
	model.ClientDescriptor
	ObservedDownloadMbps float64
	ObservedUploadMbps   float64
	// InactiveStreak* are the counters from spec §3 "Inactive counters",
	// carried by the caller (PollingMonitor) between ticks; Allocate uses
	// them to classify effective activity and returns the next values in
	// Result.Streaks for the caller to persist.
	DownloadInactiveStreak int
	UploadInactiveStreak   int
}

// Input is everything Allocate needs for one tick.
type Input struct {
	Clients              []ClientInput
	Streams              []StreamCostInput
	ReservedUploadMbps   float64
	ReservedDownloadMbps float64
	LinkProbeInboundMbps float64 // 0 if unavailable
	LinkProbeAvailable   bool
	EffectiveDownloadMbps float64
	EffectiveUploadMbps   float64
	Config               *model.ConfigSnapshot
}

// StreakUpdate reports the new inactive-streak values the caller should
// persist for the next tick, per client id.
type StreakUpdate struct {
	ClientID               string
	DownloadInactiveStreak int
	UploadInactiveStreak   int
}

// Result is Allocate's full output: the per-client decisions plus the
// streak updates the caller must persist.
type Result struct {
	Decisions []model.Decision
	Streaks   []StreakUpdate
}

// Allocate runs the full decision pipeline of spec §4.5. It is a pure
// function: identical inputs always produce identical outputs.
func Allocate(in Input) Result {
	cfg := in.Config
	n := len(in.Clients)
	if n == 0 {
		return Result{}
	}

	streamCost := TotalStreamCost(in.Streams, cfg.StreamOverheadPercent, cfg.LANInclusion)
	var rawBitrateSum float64
	for _, s := range in.Streams {
		if s.IsLAN && !cfg.LANInclusion {
			continue
		}
		rawBitrateSum += s.BitrateMbps
	}

	reason := model.Reason{
		ActiveStreamCount: countCounted(in.Streams, cfg.LANInclusion),
		RawBitrateSum:     rawBitrateSum,
		StreamCost:        streamCost,
		ReservedMbps:      in.ReservedUploadMbps,
		HoldingMbps:       in.ReservedUploadMbps,
	}

	// --- Upload side ---
	emergency := streamCost > in.EffectiveUploadMbps
	uploadDecisions, uploadStreaks := allocateUpload(in, streamCost, emergency)

	// --- Download side ---
	downloadReserve := streamCost*(cfg.DownloadReservePercent/100) + in.ReservedDownloadMbps
	availableDownload := math.Max(0, in.EffectiveDownloadMbps-downloadReserve)
	if in.LinkProbeAvailable {
		availableDownload = math.Max(0, availableDownload-in.LinkProbeInboundMbps)
	}
	downloadDecisions, downloadStreaks := allocateSide(in.Clients, availableDownload, cfg,
		func(c ClientInput) float64 { return c.ObservedDownloadMbps },
		func(c ClientInput) int { return c.DownloadInactiveStreak },
		func(c ClientInput, p float64) (model.ClientType, float64) {
			p2, ok := cfg.DownloadPercent[c.Type]
			if !ok {
				return c.Type, 0
			}
			return c.Type, p2
		},
		false,
	)

	decisions := make([]model.Decision, 0, n)
	byID := make(map[string]*model.Decision, n)
	for i := range downloadDecisions {
		d := downloadDecisions[i]
		d.Reason = reason
		decisions = append(decisions, d)
		byID[d.ClientID] = &decisions[len(decisions)-1]
	}
	for _, u := range uploadDecisions {
		if d, ok := byID[u.ClientID]; ok {
			d.UploadLimitMbps = u.UploadLimitMbps
		}
	}
	reason.Emergency = emergency
	for i := range decisions {
		decisions[i].Reason = reason
	}

	streaks := mergeStreaks(downloadStreaks, uploadStreaks)

	return Result{Decisions: decisions, Streaks: streaks}
}

func countCounted(streams []StreamCostInput, lanInclusion bool) int {
	n := 0
	for _, s := range streams {
		if s.IsLAN && !lanInclusion {
			continue
		}
		n++
	}
	return n
}

// allocateUpload handles the emergency-mode branch (spec §4.5.3) and
// otherwise delegates to allocateSide against upload-capable clients only.
func allocateUpload(in Input, streamCost float64, emergency bool) ([]model.Decision, []StreakUpdate) {
	cfg := in.Config

	if emergency {
		decisions := make([]model.Decision, 0, len(in.Clients))
		streaks := make([]StreakUpdate, 0, len(in.Clients))
		for _, c := range in.Clients {
			upload := 0.0
			if c.SupportsUpload {
				upload = round2(in.EffectiveUploadMbps * 0.01)
			}
			decisions = append(decisions, model.Decision{ClientID: c.ID, UploadLimitMbps: upload})
			streaks = append(streaks, StreakUpdate{ClientID: c.ID, UploadInactiveStreak: c.UploadInactiveStreak})
		}
		return decisions, streaks
	}

	availableUpload := math.Max(0, in.EffectiveUploadMbps-streamCost-in.ReservedUploadMbps)

	uploadCapable := make([]ClientInput, 0, len(in.Clients))
	for _, c := range in.Clients {
		if c.SupportsUpload {
			uploadCapable = append(uploadCapable, c)
		}
	}

	decisions, streaks := allocateSide(uploadCapable, availableUpload, cfg,
		func(c ClientInput) float64 { return c.ObservedUploadMbps },
		func(c ClientInput) int { return c.UploadInactiveStreak },
		func(c ClientInput, p float64) (model.ClientType, float64) {
			p2, ok := cfg.UploadPercent[c.Type]
			if !ok {
				return c.Type, 0
			}
			return c.Type, p2
		},
		true,
	)

	out := make([]model.Decision, 0, len(in.Clients))
	streakByID := make(map[string]StreakUpdate, len(streaks))
	for _, s := range streaks {
		streakByID[s.ClientID] = s
	}
	decisionByID := make(map[string]model.Decision, len(decisions))
	for _, d := range decisions {
		decisionByID[d.ClientID] = d
		out = append(out, model.Decision{ClientID: d.ClientID, UploadLimitMbps: d.DownloadLimitMbps})
	}
	for _, c := range in.Clients {
		if c.SupportsUpload {
			continue
		}
		out = append(out, model.Decision{ClientID: c.ID, UploadLimitMbps: 0})
		streakByID[c.ID] = StreakUpdate{ClientID: c.ID, UploadInactiveStreak: c.UploadInactiveStreak}
	}
	finalStreaks := make([]StreakUpdate, 0, len(streakByID))
	for _, s := range streakByID {
		finalStreaks = append(finalStreaks, s)
	}
	return out, finalStreaks
}

// allocateSide implements spec §4.5.5/§4.5.6 for one side (download or
// upload), given the set of clients eligible for that side, the capacity
// available to it, and accessors for the observed rate / streak / percent.
//
// The result's DownloadLimitMbps field is reused to carry whichever side
// is being computed; callers map it into the correct Decision field.
func allocateSide(
	clients []ClientInput,
	available float64,
	cfg *model.ConfigSnapshot,
	observed func(ClientInput) float64,
	streak func(ClientInput) int,
	percent func(ClientInput, float64) (model.ClientType, float64),
	isUpload bool,
) ([]model.Decision, []StreakUpdate) {
	n := len(clients)
	if n == 0 {
		return nil, nil
	}

	threshold := (available / float64(n)) * cfg.ActiveThresholdFraction

	type classified struct {
		ClientInput
		active     bool
		newStreak  int
	}
	cl := make([]classified, 0, n)
	for _, c := range clients {
		s := streak(c)
		if observed(c) > threshold {
			s = 0
		} else {
			s++
		}
		effectivelyActive := s < cfg.InactiveBufferIntervals
		cl = append(cl, classified{ClientInput: c, active: effectivelyActive, newStreak: s})
	}

	safetyNet := cfg.SafetyNetPercent

	var activeClients, inactiveClients []classified
	for _, c := range cl {
		if c.active {
			activeClients = append(activeClients, c)
		} else {
			inactiveClients = append(inactiveClients, c)
		}
	}

	limits := make(map[string]float64, n)

	switch {
	case len(activeClients) == 0:
		for _, c := range cl {
			limits[c.ID] = available / float64(n)
		}
	case len(activeClients) == 1:
		a := activeClients[0]
		for _, i := range inactiveClients {
			limits[i.ID] = available * safetyNet
		}
		limits[a.ID] = available * (1 - float64(len(inactiveClients))*safetyNet)
	default:
		for _, i := range inactiveClients {
			limits[i.ID] = available * safetyNet
		}
		activePool := available * (1 - float64(len(inactiveClients))*safetyNet)

		allConfigured := true
		var percentSum float64
		percents := make(map[string]float64, len(activeClients))
		for _, a := range activeClients {
			_, p := percent(a.ClientInput, 0)
			if p <= 0 {
				allConfigured = false
				break
			}
			percents[a.ID] = p
			percentSum += p
		}

		if allConfigured && percentSum > 0 {
			for _, a := range activeClients {
				limits[a.ID] = activePool * (percents[a.ID] / percentSum)
			}
		} else {
			share := activePool / float64(len(activeClients))
			for _, a := range activeClients {
				limits[a.ID] = share
			}
		}
	}

	decisions := make([]model.Decision, 0, n)
	streaks := make([]StreakUpdate, 0, n)
	for _, c := range cl {
		limit := round2(limits[c.ID])
		d := model.Decision{ClientID: c.ID, DownloadLimitMbps: limit}
		decisions = append(decisions, d)
		if isUpload {
			streaks = append(streaks, StreakUpdate{ClientID: c.ID, UploadInactiveStreak: c.newStreak})
		} else {
			streaks = append(streaks, StreakUpdate{ClientID: c.ID, DownloadInactiveStreak: c.newStreak})
		}
	}
	return decisions, streaks
}

func mergeStreaks(download, upload []StreakUpdate) []StreakUpdate {
	byID := make(map[string]*StreakUpdate, len(download)+len(upload))
	order := make([]string, 0, len(download)+len(upload))
	for _, d := range download {
		d := d
		if _, ok := byID[d.ClientID]; !ok {
			order = append(order, d.ClientID)
		}
		byID[d.ClientID] = &d
	}
	for _, u := range upload {
		if existing, ok := byID[u.ClientID]; ok {
			existing.UploadInactiveStreak = u.UploadInactiveStreak
		} else {
			u := u
			byID[u.ClientID] = &u
			order = append(order, u.ClientID)
		}
	}
	out := make([]StreakUpdate, 0, len(order))
	for _, id := range order {
		out = append(out, *byID[id])
	}
	return out
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
