// Package fgfs implements the live-position client: a TCP text-protocol
// client against FlightGear's property-tree telnet server, smoothing
// successive fixes with a geodetic Kalman filter the way
// rotblauer-catd/geo/act smooths cat tracks.
package fgfs

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/jellydator/ttlcache/v3"
	rkalman "github.com/regnull/kalman"
	"github.com/sirupsen/logrus"
)

const snapshotKey = "latest"

// Connection states, matching the {"disconnected", "connecting",
// "connected"} enum reported by GET /api/connection-state.
const (
	StateDisconnected = "disconnected"
	StateConnecting   = "connecting"
	StateConnected    = "connected"
)

// Config controls connection parameters and the publish cadence.
type Config struct {
	Addr             string
	PollInterval     time.Duration
	ReconnectBackoff time.Duration
	DialTimeout      time.Duration
	SnapshotTTL      time.Duration
}

func (c *Config) withDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.ReconnectBackoff < 5*time.Second {
		c.ReconnectBackoff = 5 * time.Second
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 5 * time.Second
	}
	if c.SnapshotTTL <= 0 {
		c.SnapshotTTL = c.PollInterval * 3
	}
}

// Snapshot is a single smoothed position fix published for the
// orchestrator and the control-plane API to read.
type Snapshot struct {
	LatDeg             float64
	LonDeg             float64
	AltitudeMSLFt      float64
	GroundElevationFt  float64
	AGLFt              float64
	HeadingDeg         float64
	SpeedMPH           float64
	ObservedAt         time.Time
}

// Client polls a running FlightGear instance's telnet property
// interface and maintains a Kalman-smoothed position snapshot. A nil
// return from Latest means the client is currently disconnected or has
// not yet produced a fix within SnapshotTTL.
type Client struct {
	cfg Config
	log *logrus.Entry

	cache  *ttlcache.Cache[string, *Snapshot]
	filter *rkalman.GeoFilter
	lastFixAt time.Time

	state atomic.Value // string
}

// New constructs a Client. cfg.Addr is host:port of FlightGear's
// "--telnet=" listener.
func New(cfg Config, log *logrus.Entry) *Client {
	cfg.withDefaults()
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	cache := ttlcache.New[string, *Snapshot](
		ttlcache.WithTTL[string, *Snapshot](cfg.SnapshotTTL),
	)
	go cache.Start()
	c := &Client{cfg: cfg, log: log.WithField("component", "fgfs"), cache: cache}
	c.state.Store(StateDisconnected)
	return c
}

// State returns the client's current connection state, one of the
// State* constants.
func (c *Client) State() string {
	return c.state.Load().(string)
}

// Latest returns the most recent smoothed snapshot, or nil if the
// client is disconnected or the last fix has expired.
func (c *Client) Latest() *Snapshot {
	item := c.cache.Get(snapshotKey)
	if item == nil {
		return nil
	}
	return item.Value()
}

// Run dials FlightGear and polls position/orientation/velocities on
// cfg.PollInterval until ctx is canceled, reconnecting with
// cfg.ReconnectBackoff between attempts.
func (c *Client) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			c.state.Store(StateDisconnected)
			return ctx.Err()
		}
		if err := c.runOnce(ctx); err != nil {
			c.log.WithError(err).Warn("flightgear connection lost")
			c.state.Store(StateDisconnected)
			c.cache.Delete(snapshotKey)
		}
		select {
		case <-ctx.Done():
			c.state.Store(StateDisconnected)
			return ctx.Err()
		case <-time.After(c.cfg.ReconnectBackoff):
		}
	}
}

func (c *Client) runOnce(ctx context.Context) error {
	c.state.Store(StateConnecting)
	dialer := net.Dialer{Timeout: c.cfg.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", c.cfg.Addr)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	c.state.Store(StateConnected)
	c.log.WithField("addr", c.cfg.Addr).Info("connected to flightgear telnet interface")
	reader := bufio.NewReader(conn)

	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		fix, err := c.fetchFix(conn, reader)
		if err != nil {
			return err
		}
		c.publish(fix)
	}
}

type rawFix struct {
	latDeg, lonDeg           float64
	altMSLFt, groundElevFt   float64
	headingDeg, speedMPH     float64
}

// fetchFix issues the three "dump" commands and parses each response.
func (c *Client) fetchFix(conn net.Conn, reader *bufio.Reader) (rawFix, error) {
	var fix rawFix

	position, err := c.dump(conn, reader, "/position")
	if err != nil {
		return fix, err
	}
	fix.latDeg = position["latitude-deg"]
	fix.lonDeg = position["longitude-deg"]
	fix.altMSLFt = position["altitude-ft"]
	fix.groundElevFt = position["ground-elev-ft"]

	orientation, err := c.dump(conn, reader, "/orientation")
	if err != nil {
		return fix, err
	}
	fix.headingDeg = orientation["heading-deg"]

	velocities, err := c.dump(conn, reader, "/velocities")
	if err != nil {
		return fix, err
	}
	fix.speedMPH = velocities["groundspeed-kt"] * 1.15078

	return fix, nil
}

var propertyTag = regexp.MustCompile(`<(\w[\w-]*)[^>]*>([^<]*)</\w[\w-]*>`)

// dump sends "dump <path>\r\n" and reads until the closing
// </PropertyList> tag, tolerant of the response arriving fragmented
// across multiple TCP reads, then parses the leaf properties into a
// flat map.
func (c *Client) dump(conn net.Conn, reader *bufio.Reader, path string) (map[string]float64, error) {
	if _, err := fmt.Fprintf(conn, "dump %s\r\n", path); err != nil {
		return nil, fmt.Errorf("write command: %w", err)
	}

	var buf strings.Builder
	for !strings.Contains(buf.String(), "</PropertyList>") {
		line, err := reader.ReadString('\n')
		if err != nil {
			return nil, fmt.Errorf("read response: %w", err)
		}
		buf.WriteString(line)
	}

	out := make(map[string]float64)
	for _, m := range propertyTag.FindAllStringSubmatch(buf.String(), -1) {
		name, val := m[1], strings.TrimSpace(m[2])
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			out[name] = f
		}
	}
	return out, nil
}

// publish smooths the raw fix through the Kalman filter (lazily
// initialized against the first fix's latitude, as in
// act.NewRKalmanFilter) and stores the resulting snapshot.
func (c *Client) publish(fix rawFix) {
	now := time.Now()
	seconds := c.cfg.PollInterval.Seconds()
	if !c.lastFixAt.IsZero() {
		seconds = now.Sub(c.lastFixAt).Seconds()
	}
	c.lastFixAt = now

	if c.filter == nil {
		processNoise := &rkalman.GeoProcessNoise{
			BaseLat:           fix.latDeg,
			DistancePerSecond: 30,
			SpeedPerSecond:    5,
		}
		filter, err := rkalman.NewGeoFilter(processNoise)
		if err != nil {
			c.log.WithError(err).Error("failed to initialize kalman filter")
			return
		}
		c.filter = filter
	}

	speedMPS := fix.speedMPH * 0.44704
	if err := c.filter.Observe(seconds, &rkalman.GeoObserved{
		Lat:                fix.latDeg,
		Lng:                fix.lonDeg,
		Altitude:           fix.altMSLFt * 0.3048,
		Speed:              speedMPS,
		SpeedAccuracy:      2.0,
		Direction:          fix.headingDeg,
		DirectionAccuracy:  5.0,
		HorizontalAccuracy: 10.0,
		VerticalAccuracy:   10.0,
	}); err != nil {
		c.log.WithError(err).Warn("kalman observe failed")
	}

	snap := &Snapshot{
		LatDeg:            fix.latDeg,
		LonDeg:            fix.lonDeg,
		AltitudeMSLFt:     fix.altMSLFt,
		GroundElevationFt: fix.groundElevFt,
		HeadingDeg:        fix.headingDeg,
		SpeedMPH:          fix.speedMPH,
		ObservedAt:        now,
	}
	if est := c.filter.Estimate(); est != nil {
		snap.LatDeg = est.Lat
		snap.LonDeg = est.Lng
	}
	if snap.AltitudeMSLFt > snap.GroundElevationFt {
		snap.AGLFt = snap.AltitudeMSLFt - snap.GroundElevationFt
	}

	c.cache.Set(snapshotKey, snap, ttlcache.DefaultTTL)
}
