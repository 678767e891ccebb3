// Package reservation implements the ReservationTable of spec §4.4: a set
// of independent timed holds on upload capacity, each with its own expiry
// timer and identity, serialized through a single mutex per teacher
// pkg/health.Checker's convention of one state mutex per component.
package reservation

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/thelastdreamer/bondarb/internal/model"
)

// Table holds the live reservations.
type Table struct {
	mu    sync.Mutex
	byID  map[string]*entry
	clock func() time.Time
}

type entry struct {
	res   model.Reservation
	timer *time.Timer
}

// New creates an empty reservation table using the real wall clock.
func New() *Table {
	return &Table{
		byID:  make(map[string]*entry),
		clock: time.Now,
	}
}

// Create adds a reservation and spawns its self-removing expiry timer.
// The reservation id combines (user, player) with a uuid rather than a
// raw timestamp string, avoiding the collision the Python source's
// f"{user}_{player}_{ts}" id scheme has if the same pair reappears
// within the same second.
func (t *Table) Create(userID, playerID string, bandwidthMbps float64, duration time.Duration, kind model.MediaKind) string {
	id := userID + "_" + playerID + "_" + uuid.NewString()
	now := t.clock()
	res := model.Reservation{
		ID:            id,
		UserID:        userID,
		PlayerID:      playerID,
		BandwidthMbps: bandwidthMbps,
		MediaKind:     kind,
		CreatedAt:     now,
		ExpiresAt:     now.Add(duration),
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	e := &entry{res: res}
	e.timer = time.AfterFunc(duration, func() {
		t.removeByID(id)
	})
	t.byID[id] = e
	return id
}

// CancelMatching removes every reservation whose (user_id, player_id)
// matches, cancelling their timers, and returns the freed bandwidth sum.
// Different users or different players never match.
func (t *Table) CancelMatching(userID, playerID string) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	var freed float64
	for id, e := range t.byID {
		if e.res.UserID == userID && e.res.PlayerID == playerID {
			e.timer.Stop()
			freed += e.res.BandwidthMbps
			delete(t.byID, id)
		}
	}
	return freed
}

// CancelByID removes a single reservation by id, reporting whether it existed.
func (t *Table) CancelByID(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.byID[id]
	if !ok {
		return false
	}
	e.timer.Stop()
	delete(t.byID, id)
	return true
}

// removeByID is the timer-fired removal path; the explicit-cancel paths
// (CancelMatching, CancelByID) delete their entries directly under the
// same mu.
func (t *Table) removeByID(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.byID, id)
}

// Count reports how many reservations are currently live.
func (t *Table) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.byID)
}

// Total sums the held bandwidth across all live reservations.
func (t *Table) Total() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	var sum float64
	for _, e := range t.byID {
		sum += e.res.BandwidthMbps
	}
	return sum
}

// Snapshot returns a read-only projection of all live reservations.
func (t *Table) Snapshot() []model.ReservationView {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.clock()
	views := make([]model.ReservationView, 0, len(t.byID))
	for _, e := range t.byID {
		views = append(views, model.ReservationView{
			ID:            e.res.ID,
			UserID:        e.res.UserID,
			PlayerID:      e.res.PlayerID,
			BandwidthMbps: e.res.BandwidthMbps,
			MediaKind:     e.res.MediaKind,
			CreatedAt:     e.res.CreatedAt,
			ExpiresAt:     e.res.ExpiresAt,
			RemainingS:    e.res.ExpiresAt.Sub(now).Seconds(),
		})
	}
	return views
}

// CancelAll stops every live timer without side effects, used on shutdown.
func (t *Table) CancelAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, e := range t.byID {
		e.timer.Stop()
		delete(t.byID, id)
	}
}
