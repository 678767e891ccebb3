// Package clientset fans work out across the configured ClientAdapters
// in parallel, grounded in
// original_source/backend/app/services/controller_manager.py's
// ControllerManager (test_connections/get_client_stats/apply_decisions/
// restore_all_speeds/reload_clients).
package clientset

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/thelastdreamer/bondarb/internal/adapter"
	"github.com/thelastdreamer/bondarb/internal/config"
	"github.com/thelastdreamer/bondarb/internal/model"
)

// defaultClientQPS is the rate of the single limiter the Set shares across
// all adapters and all call groups (TestAll, StatsAll, ApplyAll), with a
// burst of twice that, so a short poll interval never floods the daemons'
// HTTP APIs with back-to-back requests.
const defaultClientQPS = 20

// Set owns the live ClientAdapters, keyed by client id.
type Set struct {
	mu       sync.RWMutex
	adapters map[string]adapter.ClientAdapter
	log      *slog.Logger
	limiter  *rate.Limiter
}

// New builds a Set by constructing one adapter per entry in cfgs via the
// adapter registry (each adapter subpackage's init() has already called
// adapter.Register).
func New(cfgs []config.ClientConfig, log *slog.Logger) (*Set, error) {
	s := &Set{
		adapters: make(map[string]adapter.ClientAdapter, len(cfgs)),
		log:      log,
		limiter:  rate.NewLimiter(rate.Limit(defaultClientQPS), defaultClientQPS*2),
	}
	for _, cc := range cfgs {
		a, err := adapter.New(cc)
		if err != nil {
			_ = s.CloseAll()
			return nil, err
		}
		s.adapters[cc.ID] = a
	}
	return s, nil
}

// CloseAll closes every adapter, collecting but not stopping on errors.
func (s *Set) CloseAll() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var firstErr error
	for id, a := range s.adapters {
		if err := a.Close(); err != nil && firstErr == nil {
			firstErr = err
			s.log.Warn("client close failed", "client_id", id, "error", err)
		}
	}
	s.adapters = make(map[string]adapter.ClientAdapter)
	return firstErr
}

// Reload replaces the adapter set with one built from newCfgs: close all,
// swap, then TestAll so a bad new config surfaces immediately. Mirrors
// reload_clients's close-all -> swap-config -> reinitialize -> test.
func (s *Set) Reload(ctx context.Context, newCfgs []config.ClientConfig) error {
	if err := s.CloseAll(); err != nil {
		s.log.Warn("reload: close_all reported errors", "error", err)
	}

	fresh, err := New(newCfgs, s.log)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.adapters = fresh.adapters
	s.mu.Unlock()

	_ = s.TestAll(ctx)
	return nil
}

func (s *Set) snapshot() map[string]adapter.ClientAdapter {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]adapter.ClientAdapter, len(s.adapters))
	for id, a := range s.adapters {
		out[id] = a
	}
	return out
}

// TestAll runs TestConnection against every adapter concurrently and
// returns a map of client id -> error (nil entries mean success).
func (s *Set) TestAll(ctx context.Context) map[string]error {
	adapters := s.snapshot()
	results := make(map[string]error, len(adapters))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	for id, a := range adapters {
		id, a := id, a
		g.Go(func() error {
			if err := s.limiter.Wait(gctx); err != nil {
				mu.Lock()
				results[id] = err
				mu.Unlock()
				return nil
			}
			err := a.TestConnection(gctx)
			mu.Lock()
			results[id] = err
			mu.Unlock()
			return nil // collect, don't abort the group on one failure
		})
	}
	_ = g.Wait()
	return results
}

// Descriptors returns the identity of every configured adapter, the
// shape the allocator needs to classify and split capacity per client.
func (s *Set) Descriptors() []model.ClientDescriptor {
	adapters := s.snapshot()
	out := make([]model.ClientDescriptor, 0, len(adapters))
	for _, a := range adapters {
		out = append(out, model.ClientDescriptor{
			ID:             a.ClientID(),
			Type:           a.ClientType(),
			SupportsUpload: a.SupportsUpload(),
		})
	}
	return out
}

// StatsAll reads GetStats from every adapter concurrently.
func (s *Set) StatsAll(ctx context.Context) map[string]model.ClientStats {
	adapters := s.snapshot()
	results := make(map[string]model.ClientStats, len(adapters))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	for id, a := range adapters {
		id, a := id, a
		g.Go(func() error {
			if err := s.limiter.Wait(gctx); err != nil {
				return nil
			}
			stats, err := a.GetStats(gctx)
			if err != nil {
				s.log.Warn("get_stats failed", "client_id", id, "error", err)
				return nil
			}
			mu.Lock()
			results[id] = stats
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// ApplyAll pushes each decision to its adapter concurrently, returning a
// map of client id -> error for any that failed.
func (s *Set) ApplyAll(ctx context.Context, decisions []model.Decision) map[string]error {
	adapters := s.snapshot()
	results := make(map[string]error, len(decisions))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	for _, d := range decisions {
		d := d
		a, ok := adapters[d.ClientID]
		if !ok {
			continue
		}
		g.Go(func() error {
			if err := s.limiter.Wait(gctx); err != nil {
				mu.Lock()
				results[d.ClientID] = err
				mu.Unlock()
				return nil
			}
			dl, ul := d.DownloadLimitMbps, d.UploadLimitMbps
			err := a.SetLimits(gctx, &dl, &ul)
			if err != nil {
				s.log.Warn("apply decision failed", "client_id", d.ClientID, "error", err)
			}
			mu.Lock()
			results[d.ClientID] = err
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// RestoreAll calls RestoreLimits on every adapter, retrying failures up
// to retries times with retryDelay between attempts, matching
// restore_all_speeds(retries=3, retry_delay=1.0)'s best-effort shutdown
// restore.
func (s *Set) RestoreAll(ctx context.Context, retries int, retryDelay time.Duration) map[string]error {
	adapters := s.snapshot()
	results := make(map[string]error, len(adapters))
	var mu sync.Mutex
	var wg sync.WaitGroup

	for id, a := range adapters {
		id, a := id, a
		wg.Add(1)
		go func() {
			defer wg.Done()
			var err error
		attempts:
			for attempt := 0; attempt <= retries; attempt++ {
				err = a.RestoreLimits(ctx)
				if err == nil {
					break
				}
				if attempt < retries {
					s.log.Warn("restore_limits failed, retrying", "client_id", id, "attempt", attempt+1, "error", err)
					select {
					case <-ctx.Done():
						break attempts
					case <-time.After(retryDelay):
					}
				}
			}
			mu.Lock()
			results[id] = err
			mu.Unlock()
		}()
	}
	wg.Wait()
	return results
}
