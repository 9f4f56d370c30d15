package statusbus

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestChunkStateAndSnapshot(t *testing.T) {
	b := New(nil)
	b.SetPlanned(10)
	b.ChunkState(1, 2, 1, 1, "in_progress")
	b.ChunkState(1, 2, 1, 1, "completed")
	b.AddBytes(2048)
	b.IncDone()

	snap := b.Snapshot()
	require.EqualValues(t, 10, snap.TilesPlanned)
	require.EqualValues(t, 1, snap.TilesDone)
	require.EqualValues(t, 2048, snap.BytesTotal)
	require.NotEmpty(t, snap.BytesHuman)
	require.Contains(t, snap.Grid, "1")
	require.Len(t, snap.Grid["1"], 1)
	require.Equal(t, "completed", snap.Grid["1"][0].State)
}

func TestChunkSizeStatsAggregatesSamples(t *testing.T) {
	b := New(nil)
	b.AddBytes(1000)
	b.AddBytes(2000)
	b.AddBytes(3000)

	snap := b.Snapshot()
	require.Equal(t, 1000.0, snap.ChunkSize.Min)
	require.Equal(t, 3000.0, snap.ChunkSize.Max)
	require.Equal(t, 2000.0, snap.ChunkSize.Mean)
}

func TestLogsChannelReceivesLines(t *testing.T) {
	b := New(nil)
	b.ChunkState(5, 1, 0, 0, "failed")
	b.IncFailed()

	select {
	case line := <-b.Logs():
		require.Contains(t, line, "tile=5")
	default:
		t.Fatal("expected a log line to be published")
	}
}
