// Package usenetmb implements the ClientAdapter for the usenet-a wire
// family: API-key auth, limits expressed as the string "X.YM" (decimal
// MB/s), "0" meaning unlimited. Grounded in
// original_source/backend/app/clients/sabnzbd.py.
package usenetmb

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/thelastdreamer/bondarb/internal/adapter"
	"github.com/thelastdreamer/bondarb/internal/arberr"
	"github.com/thelastdreamer/bondarb/internal/config"
	"github.com/thelastdreamer/bondarb/internal/model"
)

func init() {
	adapter.Register(model.ClientUsenetA, func(cc config.ClientConfig) (adapter.ClientAdapter, error) {
		return New(cc), nil
	})
}

// Adapter talks to a usenet-a (SABnzbd-style) daemon over its API-key
// authenticated HTTP API.
type Adapter struct {
	id      string
	baseURL string
	apiKey  string

	httpClient *http.Client

	mu             sync.Mutex
	originalMBps   *float64 // nil until first successful probe; note client has no upload side
}

// New constructs a usenet-a adapter. The ClientConfig's Password field
// carries the API key.
func New(cc config.ClientConfig) *Adapter {
	return &Adapter{
		id:      cc.ID,
		baseURL: strings.TrimRight(cc.URL, "/"),
		apiKey:  cc.Password,
		httpClient: &http.Client{
			Timeout: 2 * time.Second,
		},
	}
}

func (a *Adapter) ClientID() string             { return a.id }
func (a *Adapter) ClientType() model.ClientType { return model.ClientUsenetA }
func (a *Adapter) SupportsUpload() bool         { return false }
func (a *Adapter) Close() error                 { return nil }

func (a *Adapter) TestConnection(ctx context.Context) error {
	_, err := a.call(ctx, map[string]string{"mode": "qstatus"})
	return err
}

type queueResult struct {
	Queue struct {
		Speed     string `json:"speed"`
		SpeedLimit string `json:"speedlimit"`
	} `json:"queue"`
}

func (a *Adapter) GetStats(ctx context.Context) (model.ClientStats, error) {
	raw, err := a.call(ctx, map[string]string{"mode": "queue", "output": "json"})
	if err != nil {
		return model.ClientStats{}, err
	}
	var q queueResult
	if err := json.Unmarshal(raw, &q); err != nil {
		return model.ClientStats{}, fmt.Errorf("usenet-a parse queue: %w", err)
	}

	speedKBs, _ := strconv.ParseFloat(q.Queue.Speed, 64)
	downloadMbps := speedKBs / 1000 * 8

	limitMbps := parseSpeedLimit(q.Queue.SpeedLimit)

	a.mu.Lock()
	if a.originalMBps == nil {
		v := limitMbps
		a.originalMBps = &v
	}
	orig := *a.originalMBps
	a.mu.Unlock()

	return model.ClientStats{
		DownloadMbps:          downloadMbps,
		UploadMbps:            0,
		DownloadLimitMbps:      limitMbps,
		UploadLimitMbps:        0,
		ActiveWork:             speedKBs*1000 > 1024, // >1KB/s measured rate, not daemon state string
		OriginalDownloadLimit:  orig,
		OriginalUploadLimit:    0,
	}, nil
}

func (a *Adapter) GetLimits(ctx context.Context) (float64, float64, error) {
	raw, err := a.call(ctx, map[string]string{"mode": "queue", "output": "json"})
	if err != nil {
		return 0, 0, err
	}
	var q queueResult
	if err := json.Unmarshal(raw, &q); err != nil {
		return 0, 0, err
	}
	return parseSpeedLimit(q.Queue.SpeedLimit), 0, nil
}

// SetLimits ignores uploadMbps: usenet-a has no upload side.
func (a *Adapter) SetLimits(ctx context.Context, downloadMbps, uploadMbps *float64) error {
	if downloadMbps == nil {
		return nil
	}
	value := "0"
	if *downloadMbps > 0 {
		mbs := *downloadMbps / 8
		value = fmt.Sprintf("%.1fM", mbs)
	}
	_, err := a.call(ctx, map[string]string{"mode": "config", "name": "speedlimit", "value": value})
	return err
}

// RestoreLimits sets the download limit back to the value recorded on
// first probe. Matches the Python source's simplification: a client that
// never recorded an original limit restores to unlimited.
func (a *Adapter) RestoreLimits(ctx context.Context) error {
	a.mu.Lock()
	orig := a.originalMBps
	a.mu.Unlock()
	v := 0.0
	if orig != nil {
		v = *orig
	}
	return a.SetLimits(ctx, &v, nil)
}

func parseSpeedLimit(s string) float64 {
	s = strings.TrimSpace(s)
	if s == "" || s == "0" {
		return 0
	}
	s = strings.TrimSuffix(s, "M")
	s = strings.TrimSuffix(s, "G")
	mbs, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return mbs * 8
}

func (a *Adapter) call(ctx context.Context, params map[string]string) (json.RawMessage, error) {
	q := url.Values{}
	for k, v := range params {
		q.Set(k, v)
	}
	q.Set("apikey", a.apiKey)
	q.Set("output", "json")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/api?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: usenet-a: %v", arberr.ErrUnreachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return nil, fmt.Errorf("%w: usenet-a", arberr.ErrAuthFailed)
	}

	var raw json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("usenet-a decode: %w", err)
	}
	return raw, nil
}
