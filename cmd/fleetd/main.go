// Fleetd is the fleet telemetry data plane. One binary runs every
// role; the subcommand picks which one, so a deployment scales roles
// independently while shipping a single artifact.
//
// Usage:
//
//	fleetd bridge     Bridge device MQTT traffic onto the bus
//	fleetd ingest     Validate and persist telemetry from the bus
//	fleetd evaluate   Evaluate heartbeats and alert rules
//	fleetd escalate   Advance open alerts through escalation policies
//	fleetd deliver    Deliver route jobs to webhooks, brokers, storage
//	fleetd migrate    Apply the database schema
//	fleetd version    Print version and build information
//	fleetd -o json version   Output version information as JSON
//
// Configuration is loaded from a single YAML file discovered
// automatically (see [config.DefaultSearchPaths]) with environment
// overrides applied on top.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/fleetline/fleetline/internal/authcache"
	"github.com/fleetline/fleetline/internal/batch"
	"github.com/fleetline/fleetline/internal/bridge"
	"github.com/fleetline/fleetline/internal/buildinfo"
	"github.com/fleetline/fleetline/internal/bus"
	"github.com/fleetline/fleetline/internal/config"
	"github.com/fleetline/fleetline/internal/escalate"
	"github.com/fleetline/fleetline/internal/evaluator"
	"github.com/fleetline/fleetline/internal/events"
	"github.com/fleetline/fleetline/internal/ingest"
	"github.com/fleetline/fleetline/internal/metricmap"
	"github.com/fleetline/fleetline/internal/metrics"
	"github.com/fleetline/fleetline/internal/mqttconn"
	"github.com/fleetline/fleetline/internal/ops"
	"github.com/fleetline/fleetline/internal/ratelimit"
	"github.com/fleetline/fleetline/internal/routedelivery"
	"github.com/fleetline/fleetline/internal/routes"
	"github.com/fleetline/fleetline/internal/store"
)

// main is intentionally minimal. It constructs the OS-level
// environment (context, stdio, argv) and delegates immediately to
// [run]. This keeps os.Exit, os.Stdout, and os.Args out of the
// application logic so the full lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point. Arguments are parsed by hand: the flag
// package relies on package-level globals that interfere with calling
// run concurrently from tests, and the argument surface is small.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string // "text" (default) or "json"
	var command string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			return fmt.Errorf("unknown flag: %s", args[i])
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "bridge", "ingest", "evaluate", "escalate", "deliver":
		return runRole(ctx, stdout, command, configPath)
	case "migrate":
		return runMigrate(ctx, stdout, configPath)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// printUsage writes the top-level help text to w.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "fleetd - Fleet Telemetry Data Plane")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: fleetd [flags] <command>")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  bridge     Bridge device MQTT traffic onto the bus")
	fmt.Fprintln(w, "  ingest     Validate and persist telemetry from the bus")
	fmt.Fprintln(w, "  evaluate   Evaluate heartbeats and alert rules")
	fmt.Fprintln(w, "  escalate   Advance open alerts through escalation policies")
	fmt.Fprintln(w, "  deliver    Deliver route jobs to webhooks, brokers, storage")
	fmt.Fprintln(w, "  migrate    Apply the database schema")
	fmt.Fprintln(w, "  version    Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	return nil
}

// loadConfig locates and parses the YAML configuration file. If
// explicit is non-empty, that exact path is used (and must exist).
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, cfgPath, err
	}
	return cfg, cfgPath, nil
}

// runMigrate applies the schema and exits. Kept out of role startup so
// schema changes deploy as an explicit step, not a side effect of
// whichever process restarts first.
func runMigrate(ctx context.Context, stdout io.Writer, configPath string) error {
	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger, err := cfg.NewLogger(stdout)
	if err != nil {
		return err
	}
	logger.Info("config loaded", "path", cfgPath)

	st, err := store.Connect(ctx, cfg.Store.DSN, cfg.Store.PoolMin, cfg.Store.PoolMax, logger)
	if err != nil {
		return fmt.Errorf("connect store: %w", err)
	}
	defer st.Close()

	if err := st.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	logger.Info("schema up to date")
	return nil
}

// runRole boots one data-plane role: config, logger, bus and store as
// the role requires, the ops listener, and the role's service. It
// blocks until a signal arrives, then shuts down in dependency order.
func runRole(ctx context.Context, stdout io.Writer, role, configPath string) error {
	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger, err := cfg.NewLogger(stdout)
	if err != nil {
		return err
	}
	logger = logger.With("role", role)
	logger.Info("fleetd starting", "version", buildinfo.Version, "config", cfgPath)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	evs := events.New()
	opsServer := ops.NewServer(cfg.Ops, evs, logger)

	busConn, err := bus.Connect(cfg.Bus.URL, time.Duration(cfg.Bus.OpTimeoutSec)*time.Second, logger)
	if err != nil {
		return fmt.Errorf("connect bus: %w", err)
	}
	defer busConn.Close()
	if err := busConn.EnsureStreams(); err != nil {
		return fmt.Errorf("ensure streams: %w", err)
	}
	opsServer.AddCheck("bus", func(context.Context) bool { return busConn.Healthy() })

	// The bridge is deliberately store-free: device traffic must keep
	// flowing onto the bus while the database is down.
	var st *store.Store
	if role != "bridge" {
		st, err = store.Connect(ctx, cfg.Store.DSN, cfg.Store.PoolMin, cfg.Store.PoolMax, logger)
		if err != nil {
			return fmt.Errorf("connect store: %w", err)
		}
		defer st.Close()
		opsServer.AddCheck("store", st.Healthy)
	}

	service, cleanup, err := buildService(ctx, role, cfg, busConn, st, evs, opsServer, logger)
	if err != nil {
		return err
	}
	if cleanup != nil {
		defer cleanup()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return opsServer.Start(gctx)
	})
	g.Go(func() error {
		defer cancel()
		return service(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		return opsServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("%s failed: %w", role, err)
	}
	logger.Info("fleetd stopped")
	return nil
}

// buildService wires one role's dependencies and returns its blocking
// run function, plus an optional cleanup executed after shutdown.
func buildService(ctx context.Context, role string, cfg *config.Config, busConn *bus.Bus, st *store.Store, evs *events.Bus, opsServer *ops.Server, logger *slog.Logger) (func(context.Context) error, func(), error) {
	switch role {
	case "bridge":
		b := bridge.New(busConn, evs, cfg.MQTT.InFlightLimit, logger)
		return func(ctx context.Context) error {
			return b.Run(ctx, cfg.MQTT)
		}, nil, nil

	case "ingest":
		auth, err := authcache.New(
			cfg.AuthCache.MaxSize,
			time.Duration(cfg.AuthCache.TTLSeconds)*time.Second,
			st.AuthLookup,
			metrics.CacheHits.WithLabelValues("auth"),
			metrics.CacheMisses.WithLabelValues("auth"),
		)
		if err != nil {
			return nil, nil, fmt.Errorf("auth cache: %w", err)
		}
		keyMap := metricmap.New(
			cfg.MetricMap.MaxSize,
			time.Duration(cfg.MetricMap.TTLSeconds)*time.Second,
			st.MetricMapLookup,
			metrics.MetricKeysRewritten,
		)
		limiter := ratelimit.New(
			cfg.RateLimit.TenantRateMultiplier,
			time.Duration(cfg.RateLimit.BucketTTLSeconds)*time.Second,
			logger,
		)
		go limiter.Run(ctx, time.Duration(cfg.RateLimit.CleanupIntervalSec)*time.Second)

		writer := batch.NewWriter(st, evs, logger,
			cfg.Ingest.BatchSize,
			time.Duration(cfg.Ingest.FlushIntervalMS)*time.Millisecond)
		fanout := ingest.NewFanout(busConn, evs, ingest.DefaultFanoutCapacity, logger)
		pipeline := ingest.NewPipeline(ingest.PipelineDeps{
			Auth:            auth,
			Limiter:         limiter,
			MetricMap:       keyMap,
			Writer:          writer,
			Quar:            st,
			Matcher:         routes.NewMatcher(st, 1024, 30*time.Second),
			Fanout:          fanout,
			Events:          evs,
			Logger:          logger,
			MaxPayloadBytes: cfg.Ingest.MaxPayloadBytes,
			MaxMetrics:      cfg.Ingest.MaxMetrics,
			DefaultLimits: ratelimit.Limits{
				Rate:  cfg.RateLimit.DefaultRate,
				Burst: cfg.RateLimit.DefaultBurst,
			},
		})

		opsServer.Mount(ingest.NewHTTPHandler(pipeline, logger).Register)

		svc := ingest.NewService(busConn, pipeline, writer, fanout, cfg.Ingest, logger)
		return svc.Run, nil, nil

	case "evaluate":
		ev := evaluator.New(st, evs, cfg.Evaluator, logger)
		return func(ctx context.Context) error {
			// The batch writer's telemetry-written event only fires
			// in this process when ingest is colocated; a bus watch
			// on the telemetry subjects feeds the same debounced wake
			// path when roles run as separate processes.
			err := busConn.Watch(ctx, "telemetry.>", func(string) {
				evs.Publish(events.Event{
					Timestamp: time.Now(),
					Source:    events.SourceBus,
					Kind:      events.KindTelemetryWritten,
				})
			})
			if err != nil {
				return err
			}
			return ev.Run(ctx)
		}, nil, nil

	case "escalate":
		o := escalate.New(st, busConn, evs, cfg.Escalate, logger)
		return o.Run, nil, nil

	case "deliver":
		sinks := map[string]routedelivery.Sink{
			"webhook":        routedelivery.NewWebhookSink(),
			"object_storage": routedelivery.NewObjectStorageSink(),
		}
		var cleanup func()
		if cfg.MQTT.Broker != "" {
			conn, err := mqttconn.Connect(ctx, cfg.MQTT, mqttconn.Options{Role: role}, logger)
			if err != nil {
				return nil, nil, fmt.Errorf("connect mqtt: %w", err)
			}
			sinks["mqtt_republish"] = routedelivery.NewMQTTSink(conn)
			opsServer.AddCheck("mqtt", func(ctx context.Context) bool {
				awaitCtx, awaitCancel := context.WithTimeout(ctx, 2*time.Second)
				defer awaitCancel()
				return conn.AwaitConnection(awaitCtx) == nil
			})
			cleanup = func() {
				closeCtx, closeCancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer closeCancel()
				if err := conn.Close(closeCtx); err != nil {
					logger.Warn("mqtt close failed", "error", err)
				}
			}
		} else {
			logger.Info("mqtt republish disabled (no broker configured)")
		}

		w := routedelivery.New(busConn, st, evs, sinks, cfg.Ingest.DeliveryWorkerCount, logger)
		return w.Run, cleanup, nil

	default:
		return nil, nil, fmt.Errorf("unknown role: %s", role)
	}
}
