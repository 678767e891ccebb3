// Package torrenta implements the ClientAdapter for the torrent-a wire
// family: webUI cookie auth, bytes/s (binary, ÷1048576) limits, 0=unlimited.
// Grounded in original_source/backend/app/clients/qbittorrent.py.
package torrenta

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/thelastdreamer/bondarb/internal/arberr"
	"github.com/thelastdreamer/bondarb/internal/config"
	"github.com/thelastdreamer/bondarb/internal/model"

	"github.com/thelastdreamer/bondarb/internal/adapter"
)

func init() {
	adapter.Register(model.ClientTorrentA, func(cc config.ClientConfig) (adapter.ClientAdapter, error) {
		return New(cc), nil
	})
}

// Adapter talks to a torrent-a (webUI) daemon.
type Adapter struct {
	id       string
	baseURL  string
	username string
	password string

	httpClient *http.Client

	mu              sync.Mutex
	authenticated   bool
	originalLimits  *limits
}

type limits struct {
	downloadMbps float64
	uploadMbps   float64
}

// New constructs a torrent-a adapter from its configuration.
func New(cc config.ClientConfig) *Adapter {
	return &Adapter{
		id:       cc.ID,
		baseURL:  strings.TrimRight(cc.URL, "/"),
		username: cc.Username,
		password: cc.Password,
		httpClient: &http.Client{
			Timeout: 2 * time.Second,
		},
	}
}

func (a *Adapter) ClientID() string            { return a.id }
func (a *Adapter) ClientType() model.ClientType { return model.ClientTorrentA }
func (a *Adapter) SupportsUpload() bool         { return true }
func (a *Adapter) Close() error                 { return nil }

func (a *Adapter) ensureAuthenticated(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.authenticated {
		return nil
	}

	form := url.Values{}
	form.Set("username", a.username)
	form.Set("password", a.password)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/api/v2/auth/login", strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("torrent-a auth request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: torrent-a auth: %v", arberr.ErrUnreachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: torrent-a auth status %d", arberr.ErrAuthFailed, resp.StatusCode)
	}
	a.authenticated = true
	return nil
}

func (a *Adapter) TestConnection(ctx context.Context) error {
	return a.ensureAuthenticated(ctx)
}

// forceReauth drops the cached session, forcing the next
// ensureAuthenticated call to log in again. Used when a call that
// assumed an existing session comes back 403, matching the session
// adapters' "re-authenticate once, retry the call" contract (spec §4.1).
func (a *Adapter) forceReauth() {
	a.mu.Lock()
	a.authenticated = false
	a.mu.Unlock()
}

// withReauth runs op; if op reports an expired-session error, it
// re-authenticates exactly once and retries op, matching the single-retry
// contract session-based adapters must honor.
func (a *Adapter) withReauth(ctx context.Context, op func() error) error {
	err := op()
	if err == nil || !errors.Is(err, arberr.ErrAuthExpired) {
		return err
	}
	a.forceReauth()
	if authErr := a.ensureAuthenticated(ctx); authErr != nil {
		return authErr
	}
	return op()
}

func (a *Adapter) GetStats(ctx context.Context) (model.ClientStats, error) {
	if err := a.ensureAuthenticated(ctx); err != nil {
		return model.ClientStats{}, err
	}

	var transfer struct {
		DlInfoSpeed int64 `json:"dl_info_speed"`
		UpInfoSpeed int64 `json:"up_info_speed"`
	}
	if err := a.withReauth(ctx, func() error {
		return a.getJSON(ctx, "/api/v2/transfer/info", &transfer)
	}); err != nil {
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

	return model.ClientStats{
		DownloadMbps:          float64(transfer.DlInfoSpeed) / 1_048_576 * 8,
		UploadMbps:            float64(transfer.UpInfoSpeed) / 1_048_576 * 8,
		DownloadLimitMbps:     dlMbps,
		UploadLimitMbps:       ulMbps,
		ActiveWork:            transfer.DlInfoSpeed > 1024 || transfer.UpInfoSpeed > 1024,
		OriginalDownloadLimit: orig.downloadMbps,
		OriginalUploadLimit:   orig.uploadMbps,
	}, nil
}

func (a *Adapter) GetLimits(ctx context.Context) (float64, float64, error) {
	if err := a.ensureAuthenticated(ctx); err != nil {
		return 0, 0, err
	}

	var dlBytes, ulBytes int64
	err := a.withReauth(ctx, func() error {
		var e error
		dlBytes, e = a.getLimitBytes(ctx, "/api/v2/transfer/downloadLimit")
		return e
	})
	if err != nil {
		return 0, 0, err
	}
	err = a.withReauth(ctx, func() error {
		var e error
		ulBytes, e = a.getLimitBytes(ctx, "/api/v2/transfer/uploadLimit")
		return e
	})
	if err != nil {
		return 0, 0, err
	}

	dlMbps := 0.0
	if dlBytes > 0 {
		dlMbps = float64(dlBytes) / 1_048_576 * 8
	}
	ulMbps := 0.0
	if ulBytes > 0 {
		ulMbps = float64(ulBytes) / 1_048_576 * 8
	}
	return dlMbps, ulMbps, nil
}

func (a *Adapter) getLimitBytes(ctx context.Context, path string) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+path, nil)
	if err != nil {
		return 0, err
	}
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", arberr.ErrUnreachable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusForbidden {
		return 0, fmt.Errorf("%w: torrent-a session expired", arberr.ErrAuthExpired)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(strings.TrimSpace(string(body)), 10, 64)
}

// SetLimits translates Mbps to bytes/sec (binary), 0 meaning unlimited.
func (a *Adapter) SetLimits(ctx context.Context, downloadMbps, uploadMbps *float64) error {
	if err := a.ensureAuthenticated(ctx); err != nil {
		return err
	}
	if downloadMbps != nil {
		limit := mbpsToBinaryBytes(*downloadMbps)
		if err := a.withReauth(ctx, func() error {
			return a.setLimitBytes(ctx, "/api/v2/transfer/setDownloadLimit", limit)
		}); err != nil {
			return err
		}
	}
	if uploadMbps != nil {
		limit := mbpsToBinaryBytes(*uploadMbps)
		if err := a.withReauth(ctx, func() error {
			return a.setLimitBytes(ctx, "/api/v2/transfer/setUploadLimit", limit)
		}); err != nil {
			return err
		}
	}
	return nil
}

func (a *Adapter) setLimitBytes(ctx context.Context, path string, limitBytes int64) error {
	form := url.Values{}
	form.Set("limit", strconv.FormatInt(limitBytes, 10))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+path, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", arberr.ErrUnreachable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusForbidden {
		return fmt.Errorf("%w: torrent-a session expired", arberr.ErrAuthExpired)
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("%w: status %d", arberr.ErrActuationRejected, resp.StatusCode)
	}
	return nil
}

// RestoreLimits writes back the limits recorded on first successful probe;
// an original of 0 is written back as 0, which the daemon treats as unlimited.
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

func (a *Adapter) getJSON(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", arberr.ErrUnreachable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusForbidden {
		return fmt.Errorf("%w: torrent-a session expired", arberr.ErrAuthExpired)
	}
	return decodeJSON(resp.Body, out)
}

func mbpsToBinaryBytes(mbps float64) int64 {
	if mbps <= 0 {
		return 0
	}
	return int64(mbps * 1_048_576 / 8)
}
