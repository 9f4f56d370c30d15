// Package mapserver renders download URLs from a small declarative
// server record.
package mapserver

import (
	"fmt"
	"os"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"
	"gopkg.in/yaml.v3"
)

// Server is one map-server profile: its template and, optionally, the
// proxy to route requests through.
type Server struct {
	ID          int    `yaml:"id" json:"id"`
	URLBase     string `yaml:"url_base" json:"url_base"`
	URLTemplate string `yaml:"url_template" json:"url_template"`
	Proxy       string `yaml:"proxy,omitempty" json:"proxy,omitempty"`
}

// PixelSize is the requested chunk dimensions for a render call.
type PixelSize struct {
	W, H int
}

// BBox mirrors the ChunkJob bbox fields this package substitutes.
type BBox struct {
	LonLL, LatLL, LonUR, LatUR float64
}

// fixed renders v with exactly 6 decimal digits, using shopspring/decimal
// so the formatting is exact rather than float-rounding-dependent.
func fixed(v float64) string {
	return decimal.NewFromFloat(v).Round(6).StringFixed(6)
}

// Render substitutes the six placeholders
// ({latLL},{lonLL},{latUR},{lonUR},{szWidth},{szHight}) into the
// server's URLTemplate and concatenates the result onto URLBase.
func (s Server) Render(bbox BBox, size PixelSize) string {
	t := s.URLTemplate
	t = strings.ReplaceAll(t, "{latLL}", fixed(bbox.LatLL))
	t = strings.ReplaceAll(t, "{lonLL}", fixed(bbox.LonLL))
	t = strings.ReplaceAll(t, "{latUR}", fixed(bbox.LatUR))
	t = strings.ReplaceAll(t, "{lonUR}", fixed(bbox.LonUR))
	t = strings.ReplaceAll(t, "{szWidth}", fmt.Sprintf("%d", size.W))
	t = strings.ReplaceAll(t, "{szHight}", fmt.Sprintf("%d", size.H))
	return s.URLBase + t
}

// Registry holds the set of configured map servers, keyed by ID.
type Registry struct {
	servers map[int]Server
}

// NewRegistry builds an (initially empty) server registry.
func NewRegistry() *Registry {
	return &Registry{servers: make(map[int]Server)}
}

// Get returns the server with the given ID.
func (r *Registry) Get(id int) (Server, bool) {
	s, ok := r.servers[id]
	return s, ok
}

// Add registers (or replaces) a server profile.
func (r *Registry) Add(s Server) {
	r.servers[s.ID] = s
}

// LoadYAML loads a list of server profiles from a YAML document on disk.
func LoadYAML(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var list []Server
	if err := yaml.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("mapserver: parse %s: %w", path, err)
	}
	reg := NewRegistry()
	for _, s := range list {
		reg.Add(s)
	}
	return reg, nil
}

// LoadJSONQuick is a fast-path loader for callers that already hold the
// declarative source as a JSON document in memory (e.g. fetched from the
// HTTP control plane) and want to avoid a full struct-binding pass.
func LoadJSONQuick(doc string) (*Registry, error) {
	reg := NewRegistry()
	result := gjson.Parse(doc)
	if !result.IsArray() {
		return nil, fmt.Errorf("mapserver: expected a JSON array of server records")
	}
	var parseErr error
	result.ForEach(func(_, value gjson.Result) bool {
		s := Server{
			ID:          int(value.Get("id").Int()),
			URLBase:     value.Get("url_base").String(),
			URLTemplate: value.Get("url_template").String(),
			Proxy:       value.Get("proxy").String(),
		}
		if s.URLTemplate == "" {
			parseErr = fmt.Errorf("mapserver: server %d missing url_template", s.ID)
			return false
		}
		reg.Add(s)
		return true
	})
	if parseErr != nil {
		return nil, parseErr
	}
	return reg, nil
}
