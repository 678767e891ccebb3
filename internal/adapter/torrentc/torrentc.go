// Package torrentc implements the ClientAdapter for the torrent-c wire
// family: Deluge-style JSON-RPC over a Set-Cookie session, KB/s
// decimal limits, -1 meaning unlimited, with single reauth-and-retry on
// a "Not authenticated" (error code 1) response. Grounded in
// original_source/backend/app/clients/deluge.py.
package torrentc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/thelastdreamer/bondarb/internal/adapter"
	"github.com/thelastdreamer/bondarb/internal/arberr"
	"github.com/thelastdreamer/bondarb/internal/config"
	"github.com/thelastdreamer/bondarb/internal/model"
)

func init() {
	adapter.Register(model.ClientTorrentC, func(cc config.ClientConfig) (adapter.ClientAdapter, error) {
		return New(cc), nil
	})
}

// auditLog is a secondary logrus logger dedicated to the
// actuation-retry/reauth path, kept separate from the process-wide slog
// logger so operators can route actuation audit lines to their own sink.
var auditLog = logrus.WithField("component", "torrentc")

// Adapter talks to a torrent-c (Deluge-style) daemon over JSON-RPC.
type Adapter struct {
	id       string
	baseURL  string
	password string

	httpClient *http.Client

	mu             sync.Mutex
	authenticated  bool
	sessionCookie  string
	requestID      int
	originalLimits *limits
}

type limits struct {
	downloadMbps float64
	uploadMbps   float64
}

// New constructs a torrent-c adapter.
func New(cc config.ClientConfig) *Adapter {
	return &Adapter{
		id:       cc.ID,
		baseURL:  strings.TrimRight(cc.URL, "/"),
		password: cc.Password,
		httpClient: &http.Client{
			Timeout: 2 * time.Second,
		},
	}
}

func (a *Adapter) ClientID() string             { return a.id }
func (a *Adapter) ClientType() model.ClientType { return model.ClientTorrentC }
func (a *Adapter) SupportsUpload() bool         { return true }
func (a *Adapter) Close() error                 { return nil }

type rpcRequest struct {
	Method string        `json:"method"`
	Params []interface{} `json:"params"`
	ID     int           `json:"id"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

func (a *Adapter) nextID() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.requestID++
	return a.requestID
}

// rpcCall matches Deluge's _rpc_call: detects error.code==1 "Not
// authenticated" and retries exactly once after re-authenticating.
func (a *Adapter) rpcCall(ctx context.Context, method string, params []interface{}, allowRetry bool) (json.RawMessage, error) {
	body, err := json.Marshal(rpcRequest{Method: method, Params: params, ID: a.nextID()})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/json", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	a.mu.Lock()
	cookie := a.sessionCookie
	a.mu.Unlock()
	if cookie != "" {
		req.Header.Set("Cookie", cookie)
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: torrent-c: %v", arberr.ErrUnreachable, err)
	}
	defer resp.Body.Close()

	if setCookie := resp.Header.Get("Set-Cookie"); setCookie != "" && strings.Contains(setCookie, "_session_id=") {
		a.mu.Lock()
		a.sessionCookie = strings.Split(setCookie, ";")[0]
		a.mu.Unlock()
	}

	var rr rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rr); err != nil {
		return nil, fmt.Errorf("torrent-c decode: %w", err)
	}

	if rr.Error != nil {
		if rr.Error.Code == 1 && strings.Contains(rr.Error.Message, "Not authenticated") {
			a.mu.Lock()
			a.authenticated = false
			a.sessionCookie = ""
			a.mu.Unlock()
			if allowRetry && method != "auth.login" {
				auditLog.WithField("method", method).Debug("session expired, re-authenticating")
				if err := a.ensureAuthenticated(ctx); err != nil {
					return nil, err
				}
				return a.rpcCall(ctx, method, params, false)
			}
		}
		return nil, fmt.Errorf("%w: torrent-c: %s", arberr.ErrActuationRejected, rr.Error.Message)
	}

	return rr.Result, nil
}

func (a *Adapter) ensureAuthenticated(ctx context.Context) error {
	a.mu.Lock()
	already := a.authenticated
	a.mu.Unlock()
	if already {
		return nil
	}

	result, err := a.rpcCall(ctx, "auth.login", []interface{}{a.password}, false)
	if err != nil {
		return fmt.Errorf("%w: torrent-c login: %v", arberr.ErrAuthFailed, err)
	}
	var ok bool
	_ = json.Unmarshal(result, &ok)
	if !ok {
		return fmt.Errorf("%w: torrent-c login rejected", arberr.ErrAuthFailed)
	}

	a.mu.Lock()
	hasCookie := a.sessionCookie != ""
	if hasCookie {
		a.authenticated = true
	}
	a.mu.Unlock()
	if !hasCookie {
		return fmt.Errorf("%w: torrent-c login succeeded but no session cookie", arberr.ErrAuthFailed)
	}
	return nil
}

func (a *Adapter) TestConnection(ctx context.Context) error {
	return a.ensureAuthenticated(ctx)
}

type sessionStatus struct {
	DownloadRate float64 `json:"download_rate"`
	UploadRate   float64 `json:"upload_rate"`
}

func (a *Adapter) GetStats(ctx context.Context) (model.ClientStats, error) {
	if err := a.ensureAuthenticated(ctx); err != nil {
		return model.ClientStats{}, err
	}

	raw, err := a.rpcCall(ctx, "core.get_session_status", []interface{}{
		[]string{"download_rate", "upload_rate"},
	}, true)
	if err != nil {
		return model.ClientStats{}, err
	}
	var status sessionStatus
	if err := json.Unmarshal(raw, &status); err != nil {
		return model.ClientStats{}, fmt.Errorf("torrent-c parse status: %w", err)
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

	return model.ClientStats{
		DownloadMbps:          status.DownloadRate / 1_048_576 * 8,
		UploadMbps:            status.UploadRate / 1_048_576 * 8,
		DownloadLimitMbps:      dlMbps,
		UploadLimitMbps:        ulMbps,
		ActiveWork:             status.DownloadRate > 1024 || status.UploadRate > 1024,
		OriginalDownloadLimit:  orig.downloadMbps,
		OriginalUploadLimit:    orig.uploadMbps,
	}, nil
}

type deluegeConfig struct {
	MaxDownloadSpeed float64 `json:"max_download_speed"`
	MaxUploadSpeed   float64 `json:"max_upload_speed"`
}

func (a *Adapter) GetLimits(ctx context.Context) (float64, float64, error) {
	if err := a.ensureAuthenticated(ctx); err != nil {
		return 0, 0, err
	}
	raw, err := a.rpcCall(ctx, "core.get_config", nil, true)
	if err != nil {
		return 0, 0, err
	}
	var cfg deluegeConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return 0, 0, err
	}
	dlMbps := 0.0
	if cfg.MaxDownloadSpeed > 0 {
		dlMbps = cfg.MaxDownloadSpeed * 8 / 1000
	}
	ulMbps := 0.0
	if cfg.MaxUploadSpeed > 0 {
		ulMbps = cfg.MaxUploadSpeed * 8 / 1000
	}
	return dlMbps, ulMbps, nil
}

// SetLimits converts Mbps to KB/s (decimal), -1 meaning unlimited.
func (a *Adapter) SetLimits(ctx context.Context, downloadMbps, uploadMbps *float64) error {
	if err := a.ensureAuthenticated(ctx); err != nil {
		return err
	}
	updates := map[string]interface{}{}
	if downloadMbps != nil {
		updates["max_download_speed"] = mbpsToKBps(*downloadMbps)
	}
	if uploadMbps != nil {
		updates["max_upload_speed"] = mbpsToKBps(*uploadMbps)
	}
	if len(updates) == 0 {
		return nil
	}
	_, err := a.rpcCall(ctx, "core.set_config", []interface{}{updates}, true)
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

func mbpsToKBps(mbps float64) float64 {
	if mbps <= 0 {
		return -1
	}
	return mbps * 1000 / 8
}
