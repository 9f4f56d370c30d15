// Package icao wraps an external ICAO/route-file lookup behind a small
// in-process cache. ICAO/route file parsing itself is an external
// collaborator — only its call signature is defined here; this package
// never parses an airport database.
package icao

import (
	"errors"

	lru "github.com/hashicorp/golang-lru/v2"
)

// ErrNotFound is returned when Lookup has no coordinates for a code.
var ErrNotFound = errors.New("icao: code not found")

// Coord is a resolved airport position.
type Coord struct {
	Lat, Lon float64
}

// Lookup resolves a 4-letter ICAO code to coordinates. The concrete
// implementation (a route-file parser, a database, a remote API) is an
// external collaborator supplied by the caller.
type Lookup func(code string) (Coord, error)

const cacheSize = 256

// Resolver caches Lookup results in-process so a session that repeatedly
// asks about the same airport doesn't re-invoke the external lookup.
type Resolver struct {
	lookup Lookup
	cache  *lru.Cache[string, Coord]
}

// New wraps lookup with an LRU cache of cacheSize entries.
func New(lookup Lookup) *Resolver {
	cache, _ := lru.New[string, Coord](cacheSize)
	return &Resolver{lookup: lookup, cache: cache}
}

// Resolve returns the cached coordinate for code, calling the
// underlying Lookup on a cache miss.
func (r *Resolver) Resolve(code string) (Coord, error) {
	if c, ok := r.cache.Get(code); ok {
		return c, nil
	}
	c, err := r.lookup(code)
	if err != nil {
		return Coord{}, err
	}
	r.cache.Add(code, c)
	return c, nil
}

// NoopLookup always reports ErrNotFound; it is the default when no
// route-file/ICAO database has been configured.
func NoopLookup(code string) (Coord, error) {
	return Coord{}, ErrNotFound
}
