// Package torrentb implements the ClientAdapter for the torrent-b wire
// family: Transmission-style RPC over HTTP, 409 + X-Transmission-Session-Id
// retry on first call, KB/s + boolean-enabled limits. Grounded in
// original_source/backend/app/clients/transmission.py.
package torrentb

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/thelastdreamer/bondarb/internal/adapter"
	"github.com/thelastdreamer/bondarb/internal/arberr"
	"github.com/thelastdreamer/bondarb/internal/config"
	"github.com/thelastdreamer/bondarb/internal/model"
)

func init() {
	adapter.Register(model.ClientTorrentB, func(cc config.ClientConfig) (adapter.ClientAdapter, error) {
		return New(cc), nil
	})
}

const sessionIDHeader = "X-Transmission-Session-Id"

// Adapter talks to a torrent-b (Transmission-style) daemon.
type Adapter struct {
	id       string
	baseURL  string
	username string
	password string

	httpClient *http.Client

	mu             sync.Mutex
	sessionID      string
	originalLimits *limits
}

type limits struct {
	downloadMbps float64
	uploadMbps   float64
}

// New constructs a torrent-b adapter.
func New(cc config.ClientConfig) *Adapter {
	return &Adapter{
		id:       cc.ID,
		baseURL:  cc.URL,
		username: cc.Username,
		password: cc.Password,
		httpClient: &http.Client{
			Timeout: 2 * time.Second,
		},
	}
}

func (a *Adapter) ClientID() string             { return a.id }
func (a *Adapter) ClientType() model.ClientType { return model.ClientTorrentB }
func (a *Adapter) SupportsUpload() bool         { return true }
func (a *Adapter) Close() error                 { return nil }

type rpcRequest struct {
	Method    string                 `json:"method"`
	Arguments map[string]interface{} `json:"arguments,omitempty"`
}

type rpcResponse struct {
	Result    string                 `json:"result"`
	Arguments map[string]interface{} `json:"arguments"`
}

// rpcCall retries exactly once on a 409, capturing the session id the
// daemon hands back in that response's headers.
func (a *Adapter) rpcCall(ctx context.Context, method string, args map[string]interface{}) (map[string]interface{}, error) {
	body, err := json.Marshal(rpcRequest{Method: method, Arguments: args})
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	sessionID := a.sessionID
	a.mu.Unlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/transmission/rpc", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	if sessionID != "" {
		req.Header.Set(sessionIDHeader, sessionID)
	}
	if a.username != "" {
		req.SetBasicAuth(a.username, a.password)
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: torrent-b: %v", arberr.ErrUnreachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusConflict {
		newID := resp.Header.Get(sessionIDHeader)
		a.mu.Lock()
		a.sessionID = newID
		a.mu.Unlock()
		return a.rpcCallNoRetry(ctx, method, args, newID)
	}

	var rr rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rr); err != nil {
		return nil, fmt.Errorf("torrent-b decode: %w", err)
	}
	if rr.Result != "success" {
		return nil, fmt.Errorf("%w: torrent-b: %s", arberr.ErrActuationRejected, rr.Result)
	}
	return rr.Arguments, nil
}

// rpcCallNoRetry performs the retry half of a 409 handshake; it must not
// itself retry, matching the Python source's single-retry contract.
func (a *Adapter) rpcCallNoRetry(ctx context.Context, method string, args map[string]interface{}, sessionID string) (map[string]interface{}, error) {
	body, err := json.Marshal(rpcRequest{Method: method, Arguments: args})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/transmission/rpc", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set(sessionIDHeader, sessionID)
	if a.username != "" {
		req.SetBasicAuth(a.username, a.password)
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: torrent-b: %v", arberr.ErrUnreachable, err)
	}
	defer resp.Body.Close()

	var rr rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rr); err != nil {
		return nil, fmt.Errorf("torrent-b decode: %w", err)
	}
	if rr.Result != "success" {
		return nil, fmt.Errorf("%w: torrent-b: %s", arberr.ErrActuationRejected, rr.Result)
	}
	return rr.Arguments, nil
}

func (a *Adapter) TestConnection(ctx context.Context) error {
	_, err := a.rpcCall(ctx, "session-get", nil)
	return err
}

func (a *Adapter) GetStats(ctx context.Context) (model.ClientStats, error) {
	session, err := a.rpcCall(ctx, "session-stats", nil)
	if err != nil {
		return model.ClientStats{}, err
	}

	dlMbps, ulMbps, err := a.GetLimits(ctx)
	if err != nil {
		return model.ClientStats{}, err
	}

	a.mu.Lock()
	if a.originalLimits == nil {
		a.originalLimits = &limits{downloadMbps: dlMbps, uploadMbps: ulMbps}
	}
	orig := *a.originalLimits
	a.mu.Unlock()

	downloadSpeed, _ := session["downloadSpeed"].(float64)
	uploadSpeed, _ := session["uploadSpeed"].(float64)

	return model.ClientStats{
		DownloadMbps:          downloadSpeed / 1_048_576 * 8,
		UploadMbps:            uploadSpeed / 1_048_576 * 8,
		DownloadLimitMbps:      dlMbps,
		UploadLimitMbps:        ulMbps,
		ActiveWork:             downloadSpeed > 1024 || uploadSpeed > 1024,
		OriginalDownloadLimit:  orig.downloadMbps,
		OriginalUploadLimit:    orig.uploadMbps,
	}, nil
}

func (a *Adapter) GetLimits(ctx context.Context) (float64, float64, error) {
	settings, err := a.rpcCall(ctx, "session-get", nil)
	if err != nil {
		return 0, 0, err
	}

	dlEnabled, _ := settings["speed-limit-down-enabled"].(bool)
	ulEnabled, _ := settings["speed-limit-up-enabled"].(bool)
	dlKBps, _ := settings["speed-limit-down"].(float64)
	ulKBps, _ := settings["speed-limit-up"].(float64)

	dlMbps := 0.0
	if dlEnabled && dlKBps > 0 {
		dlMbps = dlKBps * 8 / 1000
	}
	ulMbps := 0.0
	if ulEnabled && ulKBps > 0 {
		ulMbps = ulKBps * 8 / 1000
	}
	return dlMbps, ulMbps, nil
}

// SetLimits converts Mbps to KB/s and toggles the enabled boolean; a
// non-positive Mbps disables the corresponding limit rather than setting
// it to zero (Transmission treats 0 KB/s as "stalled", not "unlimited").
func (a *Adapter) SetLimits(ctx context.Context, downloadMbps, uploadMbps *float64) error {
	args := map[string]interface{}{}
	if downloadMbps != nil {
		kbps := int(*downloadMbps * 1000 / 8)
		args["speed-limit-down"] = kbps
		args["speed-limit-down-enabled"] = kbps > 0
	}
	if uploadMbps != nil {
		kbps := int(*uploadMbps * 1000 / 8)
		args["speed-limit-up"] = kbps
		args["speed-limit-up-enabled"] = kbps > 0
	}
	if len(args) == 0 {
		return nil
	}
	_, err := a.rpcCall(ctx, "session-set", args)
	return err
}

func (a *Adapter) RestoreLimits(ctx context.Context) error {
	a.mu.Lock()
	orig := a.originalLimits
	a.mu.Unlock()
	if orig == nil {
		return nil
	}
	dl, ul := orig.downloadMbps, orig.uploadMbps
	return a.SetLimits(ctx, &dl, &ul)
}
