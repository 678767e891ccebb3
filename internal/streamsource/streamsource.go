// Package streamsource defines the StreamSource contract (spec §4.2) and
// a media-server implementation grounded in
// original_source/backend/app/clients/plex.py.
package streamsource

import (
	"context"

	"github.com/thelastdreamer/bondarb/internal/model"
)

// StreamSource lists active playback sessions. Implementations may raise
// a transient unreachable error; the caller (PollingMonitor) is
// responsible for preserving the previous snapshot on such an error.
type StreamSource interface {
	ListActive(ctx context.Context) ([]model.Session, error)
}
