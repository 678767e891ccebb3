// Package usenetb implements the ClientAdapter for the usenet-b wire
// family: JSON-RPC 2.0 over HTTP Basic Auth, KB/s decimal limits, 0
// meaning unlimited. Grounded in
// original_source/backend/app/clients/nzbget.py.
package usenetb

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
	adapter.Register(model.ClientUsenetB, func(cc config.ClientConfig) (adapter.ClientAdapter, error) {
		return New(cc), nil
	})
}

// Adapter talks to a usenet-b (NZBGet-style) daemon over JSON-RPC 2.0.
type Adapter struct {
	id       string
	baseURL  string
	username string
	password string

	httpClient *http.Client

	mu           sync.Mutex
	requestID    int
	originalKBps *int64
}

// New constructs a usenet-b adapter.
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
func (a *Adapter) ClientType() model.ClientType { return model.ClientUsenetB }
func (a *Adapter) SupportsUpload() bool         { return false }
func (a *Adapter) Close() error                 { return nil }

type rpcRequest struct {
	Method string        `json:"method"`
	Params []interface{} `json:"params"`
	ID     int           `json:"id"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (a *Adapter) call(ctx context.Context, method string, params ...interface{}) (json.RawMessage, error) {
	a.mu.Lock()
	a.requestID++
	id := a.requestID
	a.mu.Unlock()

	body, err := json.Marshal(rpcRequest{Method: method, Params: params, ID: id})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/jsonrpc", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth(a.username, a.password)

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: usenet-b: %v", arberr.ErrUnreachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return nil, fmt.Errorf("%w: usenet-b", arberr.ErrAuthFailed)
	}

	var rr rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rr); err != nil {
		return nil, fmt.Errorf("usenet-b decode: %w", err)
	}
	if rr.Error != nil {
		return nil, fmt.Errorf("%w: usenet-b: %s", arberr.ErrActuationRejected, rr.Error.Message)
	}
	return rr.Result, nil
}

func (a *Adapter) TestConnection(ctx context.Context) error {
	_, err := a.call(ctx, "status")
	return err
}

type statusResult struct {
	DownloadRate  int64 `json:"DownloadRate"`  // bytes/s
	DownloadLimit int64 `json:"DownloadLimit"` // bytes/s, 0 = unlimited
}

func (a *Adapter) GetStats(ctx context.Context) (model.ClientStats, error) {
	raw, err := a.call(ctx, "status")
	if err != nil {
		return model.ClientStats{}, err
	}
	var st statusResult
	if err := json.Unmarshal(raw, &st); err != nil {
		return model.ClientStats{}, fmt.Errorf("usenet-b parse status: %w", err)
	}

	downloadMbps := float64(st.DownloadRate) / 1_048_576 * 8
	limitMbps := bytesToMbps(st.DownloadLimit)

	a.mu.Lock()
	if a.originalKBps == nil {
		v := st.DownloadLimit / 1024
		a.originalKBps = &v
	}
	origMbps := kbpsToMbps(*a.originalKBps)
	a.mu.Unlock()

	return model.ClientStats{
		DownloadMbps:          downloadMbps,
		DownloadLimitMbps:      limitMbps,
		ActiveWork:             st.DownloadRate > 1024,
		OriginalDownloadLimit:  origMbps,
	}, nil
}

func (a *Adapter) GetLimits(ctx context.Context) (float64, float64, error) {
	raw, err := a.call(ctx, "status")
	if err != nil {
		return 0, 0, err
	}
	var st statusResult
	if err := json.Unmarshal(raw, &st); err != nil {
		return 0, 0, err
	}
	return bytesToMbps(st.DownloadLimit), 0, nil
}

// SetLimits converts Mbps to KB/s: Mbps * 125.
func (a *Adapter) SetLimits(ctx context.Context, downloadMbps, uploadMbps *float64) error {
	if downloadMbps == nil {
		return nil
	}
	kbps := 0
	if *downloadMbps > 0 {
		kbps = int(*downloadMbps * 125)
	}
	_, err := a.call(ctx, "rate", kbps)
	return err
}

func (a *Adapter) RestoreLimits(ctx context.Context) error {
	a.mu.Lock()
	orig := a.originalKBps
	a.mu.Unlock()
	v := 0.0
	if orig != nil {
		v = kbpsToMbps(*orig)
	}
	return a.SetLimits(ctx, &v, nil)
}

func bytesToMbps(b int64) float64 {
	if b <= 0 {
		return 0
	}
	return float64(b) / 1_048_576 * 8
}

func kbpsToMbps(kbps int64) float64 {
	if kbps <= 0 {
		return 0
	}
	return float64(kbps) / 125
}
