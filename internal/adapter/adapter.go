// Package adapter defines the ClientAdapter contract (spec §4.1) and the
// factory that maps a configured client_type to a concrete implementation.
package adapter

import (
	"context"
	"fmt"

	"github.com/thelastdreamer/bondarb/internal/config"
	"github.com/thelastdreamer/bondarb/internal/model"
)

// ClientAdapter encapsulates a single downloader daemon so the rest of the
// system talks only in (download_mbps, upload_mbps) pairs.
type ClientAdapter interface {
	ClientID() string
	ClientType() model.ClientType
	SupportsUpload() bool

	TestConnection(ctx context.Context) error
	GetStats(ctx context.Context) (model.ClientStats, error)
	GetLimits(ctx context.Context) (downloadMbps, uploadMbps float64, err error)
	SetLimits(ctx context.Context, downloadMbps, uploadMbps *float64) error
	RestoreLimits(ctx context.Context) error

	// Close releases any held transport handles.
	Close() error
}

// Factory constructs a ClientAdapter from its configuration. Registered
// per client_type; see Register/New below.
type Factory func(cc config.ClientConfig) (ClientAdapter, error)

var registry = map[model.ClientType]Factory{}

// Register installs a factory for a client type. Called from each
// adapter subpackage's init().
func Register(t model.ClientType, f Factory) {
	registry[t] = f
}

// New builds the adapter for cc.Type, per spec §9 "dynamic dispatch":
// a factory that selects the implementation from configuration.
func New(cc config.ClientConfig) (ClientAdapter, error) {
	f, ok := registry[model.ClientType(cc.Type)]
	if !ok {
		return nil, fmt.Errorf("bondarb: unknown client type %q for %s", cc.Type, cc.ID)
	}
	return f(cc)
}
