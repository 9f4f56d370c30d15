package icao

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestResolveCachesLookupResult(t *testing.T) {
	calls := 0
	lookup := func(code string) (Coord, error) {
		calls++
		return Coord{Lat: 47.25, Lon: 11.31}, nil
	}
	r := New(lookup)

	c1, err := r.Resolve("LOWI")
	require.NoError(t, err)
	c2, err := r.Resolve("LOWI")
	require.NoError(t, err)

	require.Equal(t, c1, c2)
	require.Equal(t, 1, calls)
}

func TestNoopLookupReturnsNotFound(t *testing.T) {
	r := New(NoopLookup)
	_, err := r.Resolve("ZZZZ")
	require.ErrorIs(t, err, ErrNotFound)
}
