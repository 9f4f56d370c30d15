// Command photoscenery is the companion driver: it wires the core
// acquisition engine, the control-plane HTTP server, and the live
// FlightGear bridge into one process, using a spf13/cobra command tree
// (run/serve/fill-holes/resolve-icao) since the flag surface is wide
// enough that a command tree reads better than one flat flag list.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/teris-io/shortid"

	"github.com/PlayeRom/photoscenery/internal/assembly"
	"github.com/PlayeRom/photoscenery/internal/backupgc"
	"github.com/PlayeRom/photoscenery/internal/cacheindex"
	"github.com/PlayeRom/photoscenery/internal/config"
	"github.com/PlayeRom/photoscenery/internal/downloader"
	"github.com/PlayeRom/photoscenery/internal/fallback"
	"github.com/PlayeRom/photoscenery/internal/fgfs"
	"github.com/PlayeRom/photoscenery/internal/geodesy"
	"github.com/PlayeRom/photoscenery/internal/httpapi"
	"github.com/PlayeRom/photoscenery/internal/icao"
	"github.com/PlayeRom/photoscenery/internal/logging"
	"github.com/PlayeRom/photoscenery/internal/mapserver"
	"github.com/PlayeRom/photoscenery/internal/orchestrator"
	"github.com/PlayeRom/photoscenery/internal/placement"
	"github.com/PlayeRom/photoscenery/internal/sessionsummary"
	"github.com/PlayeRom/photoscenery/internal/statusbus"
)

var cfgFile string

func main() {
	root := &cobra.Command{
		Use:   "photoscenery",
		Short: "Orthophoto tile acquisition and assembly engine",
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", "", "path to a TOML config file")

	root.AddCommand(newRunCmd(), newServeCmd(), newFillHolesCmd(), newResolveICAOCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// system bundles the long-lived collaborators every subcommand needs:
// the cache index, the map-server registry, and a tagged logger.
type system struct {
	cfg *config.Config
	log *logrus.Entry
	idx *cacheindex.Index
	reg *mapserver.Registry
}

func bootstrap() (*system, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	log := logging.New(logging.Config{Level: cfg.LogLevel, FilePath: cfg.LogFile})

	idx := cacheindex.New(cfg.IndexPath, "photoscenery/1.0", log.WithField("component", "cacheindex"))
	needsRebuild, err := idx.Load([]string{cfg.FinalRoot, cfg.BackupRoot})
	if err != nil {
		return nil, fmt.Errorf("load cache index: %w", err)
	}
	if needsRebuild {
		if err := idx.Rebuild([]string{cfg.FinalRoot, cfg.BackupRoot}); err != nil {
			return nil, fmt.Errorf("rebuild cache index: %w", err)
		}
	}

	reg := mapserver.NewRegistry()
	for _, ms := range cfg.MapServers {
		reg.Add(mapserver.Server{ID: ms.ID, URLBase: ms.URLBase, URLTemplate: ms.URLTemplate, Proxy: ms.Proxy})
	}

	return &system{cfg: cfg, log: log, idx: idx, reg: reg}, nil
}

// pipeline wires the downloader pool, fallback manager, and assembly
// monitor into one runnable acquisition backend: the worker pool feeds
// the assembly monitor which feeds placement, with the status bus
// observing every stage.
type pipeline struct {
	pool     *downloader.Pool
	fallback *fallback.Manager
	monitor  *assembly.Monitor
	bus      *statusbus.Bus
}

func (s *system) newPipeline(mapID int, overwrite placement.Overwrite, retries int) (*pipeline, error) {
	srv, ok := s.reg.Get(mapID)
	if !ok {
		return nil, fmt.Errorf("unknown map server id %d", mapID)
	}

	bus := statusbus.New(s.log.WithField("component", "statusbus"))

	monitor, err := assembly.New(
		s.cfg.StagingDir, s.cfg.FinalRoot, s.cfg.BackupRoot, overwrite, s.idx,
		s.cfg.StagingDir+"/assembly.db", s.log.WithField("component", "assembly"),
	)
	if err != nil {
		return nil, fmt.Errorf("open assembly monitor: %w", err)
	}

	dlCfg := downloader.DefaultConfig()
	dlCfg.Workers = s.cfg.Workers
	dlCfg.Attempts = retries
	dlCfg.Proxy = srv.Proxy

	pool := downloader.NewPool(dlCfg, srv, bus, nil, s.log.WithField("component", "downloader"))

	fbMgr := fallback.New(fallback.Config{
		StagingDir: s.cfg.StagingDir, FinalRoot: s.cfg.FinalRoot, BackupRoot: s.cfg.BackupRoot,
		Retries: retries, CoarsestSize: s.cfg.FloorSizeID,
	}, s.idx, pool, s.log.WithField("component", "fallback"))
	pool.SetFallback(fbMgr)

	return &pipeline{pool: pool, fallback: fbMgr, monitor: monitor, bus: bus}, nil
}

func newRunCmd() *cobra.Command {
	var (
		lat, lon, latll, lonll, latur, lonur float64
		icaoCode                             string
		radius                                float64
		size, over, sdwn, mapID, attempts     int
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Acquire and assemble orthophoto coverage for an area",
		RunE: func(cmd *cobra.Command, args []string) error {
			sys, err := bootstrap()
			if err != nil {
				return err
			}

			centerLat, centerLon, radiusNM, err := resolveArea(lat, lon, latll, lonll, latur, lonur, radius, icaoCode)
			if err != nil {
				return err
			}

			pl, err := sys.newPipeline(mapID, placement.Overwrite(over), attempts)
			if err != nil {
				return err
			}

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			pl.pool.Start(ctx)

			floor := sys.cfg.FloorSizeID
			if sdwn > floor {
				floor = sdwn
			}
			cands := orchestrator.New(orchestrator.Config{
				CenterLat: centerLat, CenterLon: centerLon, RadiusNM: radiusNM,
				BaseSizeID: size, FloorSizeID: floor,
			}, sys.idx, nil).Enumerate()

			o := orchestrator.New(orchestrator.Config{
				CenterLat: centerLat, CenterLon: centerLon, RadiusNM: radiusNM,
				BaseSizeID: size, FloorSizeID: floor,
				PreCoverageSizeID: sys.cfg.PreCoverageSizeID,
				StagingDir: sys.cfg.StagingDir, Retries: attempts,
			}, sys.idx, sys.log.WithField("component", "orchestrator"))

			started := time.Now()
			runErr := o.Run(ctx, pl.pool, pl.monitor)
			pl.pool.Wait()
			writeSummary(sys, pl.bus, started, len(cands), runErr)
			if saveErr := sys.idx.Save(sys.cfg.FinalRoot, sys.cfg.BackupRoot); saveErr != nil {
				sys.log.WithError(saveErr).Warn("cache index save failed")
			}
			return runErr
		},
	}
	cmd.Flags().Float64Var(&lat, "lat", 0, "center latitude")
	cmd.Flags().Float64Var(&lon, "lon", 0, "center longitude")
	cmd.Flags().Float64Var(&latll, "latll", 0, "lower-left latitude of a rectangle request")
	cmd.Flags().Float64Var(&lonll, "lonll", 0, "lower-left longitude")
	cmd.Flags().Float64Var(&latur, "latur", 0, "upper-right latitude")
	cmd.Flags().Float64Var(&lonur, "lonur", 0, "upper-right longitude")
	cmd.Flags().StringVar(&icaoCode, "icao", "", "resolve the center from an ICAO airport code")
	cmd.Flags().Float64Var(&radius, "radius", 30, "acquisition radius in nautical miles")
	cmd.Flags().IntVar(&size, "size", 3, "base size_id (0..6)")
	cmd.Flags().IntVar(&over, "over", int(placement.OverwriteSkip), "overwrite policy (0=skip,1=if-bigger,2=always)")
	cmd.Flags().IntVar(&sdwn, "sdwn", 0, "size step-down floor")
	cmd.Flags().IntVar(&mapID, "map", 0, "map server profile id")
	cmd.Flags().IntVar(&attempts, "attempts", 5, "download attempts per chunk")
	return cmd
}

func newServeCmd() *cobra.Command {
	var mapID, over, attempts int
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP control plane (default host 127.0.0.1:8000)",
		RunE: func(cmd *cobra.Command, args []string) error {
			sys, err := bootstrap()
			if err != nil {
				return err
			}

			pl, err := sys.newPipeline(mapID, placement.Overwrite(over), attempts)
			if err != nil {
				return err
			}

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			pl.pool.Start(ctx)

			gc := backupgc.New(backupgc.Config{}, sys.idx, sys.cfg.FinalRoot, sys.cfg.BackupRoot, sys.log)
			go gc.Run(ctx.Done())

			resolver := icao.New(icao.NoopLookup)

			srv := httpapi.New(httpapi.Deps{
				Index: sys.idx, Bus: pl.bus, Enqueuer: pl.pool, Scanner: pl.monitor,
				ICAO: resolver, FinalRoot: sys.cfg.FinalRoot, StagingDir: sys.cfg.StagingDir,
				Retries: attempts, Shutdown: cancel, Log: sys.log,
				NewFGFS: func(port int) httpapi.FGFSDialer {
					return fgfs.New(fgfs.Config{Addr: fmt.Sprintf("127.0.0.1:%d", port)}, sys.log.WithField("component", "fgfs"))
				},
			})

			go func() {
				<-ctx.Done()
				pl.pool.Wait()
				if err := sys.idx.Save(sys.cfg.FinalRoot, sys.cfg.BackupRoot); err != nil {
					sys.log.WithError(err).Warn("cache index save failed")
				}
			}()

			addr := sys.cfg.HTTPAddr
			sys.log.WithField("addr", addr).Info("control plane listening")
			server := &http.Server{Addr: addr, Handler: srv.Router()}
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				server.Shutdown(shutdownCtx)
			}()
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&mapID, "map", 0, "map server profile id")
	cmd.Flags().IntVar(&over, "over", int(placement.OverwriteSkip), "overwrite policy")
	cmd.Flags().IntVar(&attempts, "attempts", 5, "download attempts per chunk")
	return cmd
}

func newFillHolesCmd() *cobra.Command {
	var north, south, east, west float64
	var size, mapID, attempts int
	cmd := &cobra.Command{
		Use:   "fill-holes",
		Short: "Dispatch acquisition only for tiles missing within a rectangle",
		RunE: func(cmd *cobra.Command, args []string) error {
			sys, err := bootstrap()
			if err != nil {
				return err
			}
			pl, err := sys.newPipeline(mapID, placement.OverwriteSkip, attempts)
			if err != nil {
				return err
			}

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			pl.pool.Start(ctx)

			started := time.Now()
			n, err := orchestrator.FillHoles(ctx, orchestrator.FillHolesConfig{
				Bounds:      orchestrator.Bounds{North: north, South: south, East: east, West: west},
				SizeID:      size, FloorSizeID: sys.cfg.FloorSizeID,
				StagingDir: sys.cfg.StagingDir, Retries: attempts,
			}, sys.idx, pl.pool, pl.monitor, sys.log.WithField("component", "orchestrator"))
			pl.pool.Wait()
			sys.log.WithField("dispatched", n).Info("fill-holes complete")
			writeSummary(sys, pl.bus, started, n, err)
			if saveErr := sys.idx.Save(sys.cfg.FinalRoot, sys.cfg.BackupRoot); saveErr != nil {
				sys.log.WithError(saveErr).Warn("cache index save failed")
			}
			return err
		},
	}
	cmd.Flags().Float64Var(&north, "north", 0, "rectangle north latitude")
	cmd.Flags().Float64Var(&south, "south", 0, "rectangle south latitude")
	cmd.Flags().Float64Var(&east, "east", 0, "rectangle east longitude")
	cmd.Flags().Float64Var(&west, "west", 0, "rectangle west longitude")
	cmd.Flags().IntVar(&size, "size", 3, "size_id to require coverage at")
	cmd.Flags().IntVar(&mapID, "map", 0, "map server profile id")
	cmd.Flags().IntVar(&attempts, "attempts", 5, "download attempts per chunk")
	return cmd
}

func newResolveICAOCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resolve-icao [code]",
		Short: "Resolve an ICAO airport code to coordinates",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resolver := icao.New(icao.NoopLookup)
			c, err := resolver.Resolve(args[0])
			if err != nil {
				return err
			}
			fmt.Printf("%s: lat=%.6f lon=%.6f\n", args[0], c.Lat, c.Lon)
			return nil
		},
	}
	return cmd
}

// writeSummary persists the session-summary supplement after a run or
// fill-holes invocation settles, pulling the per-chunk done/failed
// counters and bytes total off the status bus rather than re-deriving
// them.
func writeSummary(sys *system, bus *statusbus.Bus, started time.Time, tilesRequested int, runErr error) {
	snap := bus.Snapshot()
	runID, err := shortid.Generate()
	if err != nil {
		runID = "run"
	}
	ended := time.Now()
	s := sessionsummary.Summary{
		RunID: runID, StartedAt: started, EndedAt: ended,
		DurationSeconds: ended.Sub(started).Seconds(),
		TilesRequested:  tilesRequested,
		TilesCompleted:  snap.TilesDone,
		TilesFailed:     snap.TilesFailed,
		BytesDownloaded: snap.BytesTotal,
	}
	if runErr != nil {
		s.Err = runErr.Error()
	}
	if err := sessionsummary.Write(sys.cfg.IndexPath, s); err != nil {
		sys.log.WithError(err).Warn("session summary write failed")
	}
}

// resolveArea turns whichever of the CLI's mutually-compatible area
// flags were set into a single (centerLat, centerLon, radiusNM) used
// by Config. A rectangle (latll/lonll/latur/lonur) is converted to an
// equivalent center+radius; a bare --icao resolves through a noop
// lookup since no route-file collaborator is wired into the CLI.
func resolveArea(lat, lon, latll, lonll, latur, lonur, radius float64, code string) (float64, float64, float64, error) {
	if code != "" {
		c, err := icao.NoopLookup(code)
		if err != nil {
			return 0, 0, 0, fmt.Errorf("resolve icao %q: %w", code, err)
		}
		return c.Lat, c.Lon, radius, nil
	}
	if latll != 0 || lonll != 0 || latur != 0 || lonur != 0 {
		centerLat := (latll + latur) / 2
		centerLon := (lonll + lonur) / 2
		radiusNM := geodesy.SurfaceDistanceNM(lonll, latll, lonur, latur) / 2
		return centerLat, centerLon, radiusNM, nil
	}
	if lat == 0 && lon == 0 {
		return 0, 0, 0, fmt.Errorf("no area specified: pass --lat/--lon, --icao, or a rectangle")
	}
	return lat, lon, radius, nil
}
