package reservation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thelastdreamer/bondarb/internal/model"
)

func TestCreateAndSnapshot(t *testing.T) {
	tbl := New()
	id := tbl.Create("alice", "player1", 5, time.Hour, model.MediaMovie)
	require.NotEmpty(t, id)
	assert.Equal(t, 1, tbl.Count())
	assert.Equal(t, 5.0, tbl.Total())

	views := tbl.Snapshot()
	require.Len(t, views, 1)
	assert.Equal(t, "alice", views[0].UserID)
	assert.Equal(t, "player1", views[0].PlayerID)
	assert.Equal(t, 5.0, views[0].BandwidthMbps)
	assert.True(t, views[0].RemainingS > 0)
}

func TestCreateIDsDoNotCollide(t *testing.T) {
	tbl := New()
	id1 := tbl.Create("alice", "player1", 5, time.Hour, model.MediaMovie)
	id2 := tbl.Create("alice", "player1", 5, time.Hour, model.MediaMovie)
	assert.NotEqual(t, id1, id2)
	assert.Equal(t, 2, tbl.Count())
}

func TestCancelMatchingFreesBandwidth(t *testing.T) {
	tbl := New()
	tbl.Create("alice", "player1", 5, time.Hour, model.MediaMovie)
	tbl.Create("alice", "player1", 3, time.Hour, model.MediaEpisode)
	tbl.Create("bob", "player2", 7, time.Hour, model.MediaMovie)

	freed := tbl.CancelMatching("alice", "player1")
	assert.Equal(t, 8.0, freed)
	assert.Equal(t, 1, tbl.Count())
	assert.Equal(t, 7.0, tbl.Total())
}

func TestCancelMatchingNoMatch(t *testing.T) {
	tbl := New()
	tbl.Create("alice", "player1", 5, time.Hour, model.MediaMovie)
	freed := tbl.CancelMatching("alice", "player2")
	assert.Equal(t, 0.0, freed)
	assert.Equal(t, 1, tbl.Count())
}

func TestCancelByID(t *testing.T) {
	tbl := New()
	id := tbl.Create("alice", "player1", 5, time.Hour, model.MediaMovie)

	assert.True(t, tbl.CancelByID(id))
	assert.Equal(t, 0, tbl.Count())
	assert.False(t, tbl.CancelByID(id))
	assert.False(t, tbl.CancelByID("does-not-exist"))
}

func TestCancelAll(t *testing.T) {
	tbl := New()
	tbl.Create("alice", "player1", 5, time.Hour, model.MediaMovie)
	tbl.Create("bob", "player2", 3, time.Hour, model.MediaEpisode)

	tbl.CancelAll()
	assert.Equal(t, 0, tbl.Count())
	assert.Empty(t, tbl.Snapshot())
}

func TestReservationExpiresOnItsOwn(t *testing.T) {
	tbl := New()
	tbl.Create("alice", "player1", 5, 20*time.Millisecond, model.MediaMovie)
	assert.Equal(t, 1, tbl.Count())

	require.Eventually(t, func() bool {
		return tbl.Count() == 0
	}, time.Second, 5*time.Millisecond, "reservation did not self-expire")
}
