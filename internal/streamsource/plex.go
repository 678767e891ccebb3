package streamsource

import (
	"context"
	"encoding/xml"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/thelastdreamer/bondarb/internal/arberr"
	"github.com/thelastdreamer/bondarb/internal/model"
)

// PlexSource implements StreamSource against a Plex-style media server
// HTTP API. Grounded in plex.py's get_active_streams/_get_sessions/
// get_bandwidth_stats/_normalize_stream.
//
// Critical nuance preserved from the source: a connection-level failure
// on the sessions endpoint propagates (caller must keep its previous
// snapshot); a locally-observed HTTP 401/404 on that same endpoint is
// caught here and returns an empty list, not an error. The separate
// bandwidth-stats endpoint's failures are always swallowed.
type PlexSource struct {
	baseURL string
	token   string

	httpClient *http.Client
	log        *slog.Logger
}

// New constructs a PlexSource.
func New(baseURL, token string, log *slog.Logger) *PlexSource {
	return &PlexSource{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: 2 * time.Second},
		log:        log,
	}
}

type mediaContainer struct {
	Video []sessionXML `xml:"Video"`
}

type sessionXML struct {
	SessionKey     string  `xml:"sessionKey,attr"`
	Title          string  `xml:"title,attr"`
	Type           string  `xml:"type,attr"`
	Bitrate        float64 `xml:"Media>bitrate,attr"`
	VideoResolution string `xml:"Media>videoResolution,attr"`
	User       struct {
		ID    string `xml:"id,attr"`
		Title string `xml:"title,attr"`
	} `xml:"User"`
	Player struct {
		MachineIdentifier string `xml:"machineIdentifier,attr"`
		Title             string `xml:"title,attr"`
		Local             string `xml:"local,attr"`
		Address           string `xml:"address,attr"`
		State             string `xml:"state,attr"`
	} `xml:"Player"`
	Session struct {
		Bandwidth float64 `xml:"bandwidth,attr"`
		Location  string  `xml:"location,attr"`
	} `xml:"Session"`
	TranscodeSession struct {
		Bitrate float64 `xml:"bitrate,attr"`
	} `xml:"TranscodeSession"`
}

// ListActive implements StreamSource.
func (p *PlexSource) ListActive(ctx context.Context) ([]model.Session, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/status/sessions", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-Plex-Token", p.token)
	req.Header.Set("Accept", "application/xml")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		// Connection-level failure: propagate, caller must preserve snapshot.
		return nil, fmt.Errorf("%w: plex sessions: %v", arberr.ErrUnreachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusNotFound {
		// Caught locally per the source: not propagated, treated as "no sessions".
		p.log.Debug("plex sessions endpoint returned auth/not-found, treating as empty", "status", resp.StatusCode)
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: plex sessions status %d", arberr.ErrUnreachable, resp.StatusCode)
	}

	var mc mediaContainer
	if err := xml.NewDecoder(resp.Body).Decode(&mc); err != nil {
		return nil, fmt.Errorf("plex sessions decode: %w", err)
	}

	bandwidthBySessionUser := p.bandwidthStats(ctx)

	sessions := make([]model.Session, 0, len(mc.Video))
	for _, v := range mc.Video {
		sessions = append(sessions, p.normalize(v, bandwidthBySessionUser))
	}
	return sessions, nil
}

// bandwidthStats fetches the optional real-time per-(account,device)
// bandwidth endpoint. Its absence or failure is never an error: swallow
// and return nil, matching plex.py's get_bandwidth_stats.
func (p *PlexSource) bandwidthStats(ctx context.Context) map[string]float64 {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/statistics/bandwidth", nil)
	if err != nil {
		return nil
	}
	req.Header.Set("X-Plex-Token", p.token)
	req.Header.Set("Accept", "application/xml")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		p.log.Debug("plex bandwidth stats unavailable", "error", err)
		return nil
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil
	}

	var stats struct {
		Entries []struct {
			AccountID string `xml:"accountID,attr"`
			DeviceID  string `xml:"deviceID,attr"`
			Bitrate   float64 `xml:"bitrate,attr"` // kbps
		} `xml:"StatisticsBandwidth"`
	}
	if err := xml.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return nil
	}

	out := make(map[string]float64, len(stats.Entries))
	for _, e := range stats.Entries {
		out[e.AccountID+"|"+e.DeviceID] = e.Bitrate / 1000
	}
	return out
}

func (p *PlexSource) normalize(v sessionXML, bandwidthStats map[string]float64) model.Session {
	bitrate := v.Session.Bandwidth / 1000
	if bitrate <= 0 {
		bitrate = v.Bitrate / 1000
	}
	if bitrate <= 0 {
		bitrate = v.TranscodeSession.Bitrate / 1000
	}

	observed := 0.0
	if bandwidthStats != nil {
		if m, ok := bandwidthStats[v.User.ID+"|"+v.Player.MachineIdentifier]; ok {
			observed = m
		}
	}

	isLAN := v.Player.Local == "1" ||
		strings.EqualFold(v.Session.Location, "lan") ||
		isPrivateIP(v.Player.Address)

	kind := model.MediaOther
	switch v.Type {
	case "episode":
		kind = model.MediaEpisode
	case "movie":
		kind = model.MediaMovie
	}

	state := model.PlaybackPlaying
	switch v.Player.State {
	case "paused":
		state = model.PlaybackPaused
	case "buffering":
		state = model.PlaybackBuffering
	}

	return model.Session{
		ID:           v.SessionKey,
		UserID:       v.User.ID,
		UserName:     v.User.Title,
		PlayerID:     v.Player.MachineIdentifier,
		PlayerName:   v.Player.Title,
		MediaKind:    kind,
		MediaTitle:   v.Title,
		BitrateMbps:  bitrate,
		ObservedMbps: observed,
		QualityHint:  qualityHint(v.VideoResolution),
		IPAddress:    v.Player.Address,
		IsLAN:        isLAN,
		State:        state,
	}
}

// qualityHint maps Plex's videoResolution attribute ("4k", "1080", "720",
// "sd", ...) onto the allocator's StreamCostInput.QualityHint vocabulary.
func qualityHint(res string) string {
	switch strings.ToLower(res) {
	case "4k":
		return "4k"
	case "1080":
		return "1080p"
	case "720":
		return "720p"
	default:
		return ""
	}
}

func isPrivateIP(addr string) bool {
	ip := net.ParseIP(addr)
	if ip == nil {
		return false
	}
	if ip.IsLoopback() || ip.IsPrivate() {
		return true
	}
	return false
}
