package mesh

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNeighborTable_TouchDiscovery_CreatesNewActive(t *testing.T) {
	table := newNeighborTable(time.Minute)
	now := time.Now()

	n := table.touchDiscovery("n1", -80, 5, false, 0.9, now)
	assert.Equal(t, neighborActive, n.State)
	assert.Equal(t, -80.0, n.RSSIEWMA)
	assert.Equal(t, 5.0, n.SNREWMA)
	assert.Equal(t, 1, n.HopCount)
}

func TestNeighborTable_TouchDiscovery_AppliesEWMAOnRefresh(t *testing.T) {
	table := newNeighborTable(time.Minute)
	now := time.Now()

	table.touchDiscovery("n1", -80, 5, false, 0.9, now)
	n := table.touchDiscovery("n1", -60, 10, false, 0.8, now.Add(time.Second))

	wantRSSI := ewmaAlpha*-60.0 + (1-ewmaAlpha)*-80.0
	wantSNR := ewmaAlpha*10.0 + (1-ewmaAlpha)*5.0
	assert.InDelta(t, wantRSSI, n.RSSIEWMA, 1e-9)
	assert.InDelta(t, wantSNR, n.SNREWMA, 1e-9)
}

func TestNeighborTable_TouchHeartbeat_UnknownNodeIgnored(t *testing.T) {
	table := newNeighborTable(time.Minute)
	ok := table.touchHeartbeat("ghost", time.Now())
	assert.False(t, ok)
	assert.False(t, table.has("ghost"))
}

func TestNeighborTable_TouchHeartbeat_RefreshesKnownNode(t *testing.T) {
	table := newNeighborTable(time.Minute)
	now := time.Now()
	table.touchDiscovery("n1", -80, 5, false, 0.9, now)

	later := now.Add(30 * time.Second)
	ok := table.touchHeartbeat("n1", later)
	require.True(t, ok)

	n, _ := table.get("n1")
	assert.Equal(t, later, n.LastSeen)
	assert.Equal(t, neighborActive, n.State)
}

func TestNeighborTable_Sweep_TransitionsToQuietThenDeletes(t *testing.T) {
	table := newNeighborTable(10 * time.Second)
	now := time.Now()
	table.touchDiscovery("n1", -80, 5, false, 0.9, now)

	// past the quiet threshold (half of timeout) but not the full timeout
	deleted := table.sweep(now.Add(6 * time.Second))
	assert.Empty(t, deleted)
	n, _ := table.get("n1")
	assert.Equal(t, neighborQuiet, n.State)

	// past the full timeout
	deleted = table.sweep(now.Add(11 * time.Second))
	assert.Equal(t, []string{"n1"}, deleted)
	assert.False(t, table.has("n1"))
}

func TestNeighborTable_Snapshot_ReturnsCopies(t *testing.T) {
	table := newNeighborTable(time.Minute)
	table.touchDiscovery("n1", -80, 5, false, 0.9, time.Now())

	snap := table.snapshot()
	require.Len(t, snap, 1)

	snap[0].RSSIEWMA = 999
	n, _ := table.get("n1")
	assert.NotEqual(t, 999.0, n.RSSIEWMA, "snapshot must not alias the live neighbour record")
}
