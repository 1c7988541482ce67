package main

import (
	"context"
	"crypto/rand"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/ajitpratap0/memcap/internal/exec"
	"github.com/ajitpratap0/memcap/pkg/config"
	"github.com/ajitpratap0/memcap/pkg/errors"
	"github.com/ajitpratap0/memcap/pkg/json"
	"github.com/ajitpratap0/memcap/pkg/logger"
	"github.com/ajitpratap0/memcap/pkg/memory"
	"github.com/ajitpratap0/memcap/pkg/metrics"
	"github.com/ajitpratap0/memcap/pkg/observability"
	"github.com/apache/arrow-go/v18/arrow"
	"github.com/mitchellh/go-homedir"
	"github.com/oklog/ulid/v2"
	"github.com/pkg/profile"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

func newRunCommand(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a built-in scenario under a memory cap",
		Long: `Run a built-in scenario under a memory cap.

Settings are layered: the scenario's defaults, then the configuration
file, then environment variables and flags.

Example:
  memcap run --scenario a --cap 5MB
  memcap run --scenario b --snapshot snapshot.json
  MEMCAP_CAP=64MB memcap run --scenario b`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScenario(cmd, v)
		},
	}

	f := cmd.Flags()
	f.String("scenario", "a", "Scenario to run (see 'memcap scenarios')")
	f.String("cap", "", "Query memory cap, e.g. 5MB or 1.5GB (0 disables the cap)")
	f.Int("drivers", 0, "Drivers per pipeline, overriding the scenario")
	f.Int("splits", 0, "Number of input splits")
	f.Int("rows", 0, "Rows per input split")
	f.Int("batch-size", 0, "Rows per output batch of blocking operators")
	f.Bool("exact", false, "Charge exact byte counts instead of quantized reservations")
	f.String("query-id", "", "Query id (default: a new ULID)")
	f.String("snapshot", "", "Write the usage snapshot as JSON to this file when the cap is exceeded (- for stdout)")
	f.String("metrics-addr", "", "Serve Prometheus metrics on this address while running")
	f.Bool("trace", false, "Export task and driver spans to stderr")
	f.String("profile", "", "Record a profile while running (cpu, mem, block, mutex)")
	f.String("profile-dir", ".", "Directory for profile output")
	f.Duration("timeout", 5*time.Minute, "Abort the run after this duration")
	_ = v.BindPFlags(f)
	return cmd
}

// runSettings is the resolved input of one run
type runSettings struct {
	cfg      *config.Config
	scenario exec.Scenario
	drivers  int
	queryID  string
}

func resolveSettings(v *viper.Viper) (*runSettings, error) {
	s, err := exec.LookupScenario(v.GetString("scenario"))
	if err != nil {
		return nil, err
	}

	cfg := config.NewDefaultConfig()
	cfg.Memory.MaxBytes = s.Cap
	cfg.Execution.Splits = s.Splits
	if path := v.GetString("config"); path != "" {
		expanded, err := homedir.Expand(path)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeConfig, "invalid config path")
		}
		if cfg, err = config.LoadConfig(expanded); err != nil {
			return nil, err
		}
		if cfg.Memory.MaxBytes == 0 && cfg.Memory.MaxUserBytes == 0 && cfg.Memory.MaxSystemBytes == 0 {
			cfg.Memory.MaxBytes = s.Cap
		}
	}

	if v.IsSet("cap") {
		n, err := memory.ParseBytes(v.GetString("cap"))
		if err != nil {
			return nil, err
		}
		cfg.Memory = config.MemoryConfig{
			MaxBytes:              n,
			QuantizedReservations: cfg.Memory.QuantizedReservations,
			TopUsages:             cfg.Memory.TopUsages,
		}
	}
	if v.GetBool("exact") {
		cfg.Memory.QuantizedReservations = false
	}
	if v.IsSet("splits") {
		cfg.Execution.Splits = v.GetInt("splits")
	}
	if v.IsSet("rows") {
		cfg.Execution.SplitRows = v.GetInt("rows")
	}
	if v.IsSet("batch-size") {
		cfg.Execution.BatchSize = v.GetInt("batch-size")
	}
	if lvl := v.GetString("log-level"); lvl != "" {
		cfg.Observability.LogLevel = lvl
	}
	if format := v.GetString("log-format"); format != "" {
		cfg.Observability.LogFormat = format
	}
	if addr := v.GetString("metrics-addr"); addr != "" {
		cfg.Observability.EnableMetrics = true
		cfg.Observability.MetricsAddr = addr
	}
	if v.GetBool("trace") {
		cfg.Observability.EnableTracing = true
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	rs := &runSettings{cfg: cfg, scenario: s, drivers: v.GetInt("drivers"), queryID: v.GetString("query-id")}
	if rs.queryID == "" {
		rs.queryID = ulid.MustNew(ulid.Timestamp(time.Now()), rand.Reader).String()
	}
	return rs, nil
}

func runScenario(cmd *cobra.Command, v *viper.Viper) error {
	rs, err := resolveSettings(v)
	if err != nil {
		return err
	}
	cfg := rs.cfg

	log, err := logger.New(logger.Config{
		Level:       cfg.Observability.LogLevel,
		Encoding:    cfg.Observability.LogFormat,
		OutputPaths: []string{"stderr"},
	})
	if err != nil {
		return err
	}
	logger.Set(log)
	defer func() { _ = log.Sync() }()
	log = log.With(zap.String("component", "memcap-cli"), zap.String("scenario", rs.scenario.Name))

	if kind := v.GetString("profile"); kind != "" {
		p, err := startProfile(kind, v.GetString("profile-dir"))
		if err != nil {
			return err
		}
		defer p.Stop()
	}

	if cfg.Observability.EnableTracing {
		tc := observability.DefaultConfig()
		tc.ServiceName = cfg.Name
		tc.ServiceVersion = version
		tc.SamplingRate = cfg.Observability.TracingSampleRate
		tc.Writer = cmd.ErrOrStderr()
		if err := observability.Initialize(tc); err != nil {
			return err
		}
		defer func() { _ = observability.Shutdown(context.Background()) }()
	}

	if cfg.Observability.EnableMetrics {
		srv := serveMetrics(cfg.Observability.MetricsAddr, log)
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(ctx)
		}()
	}

	pool, err := cfg.NewQueryPool(rs.queryID,
		memory.WithLogger(log),
		memory.WithMetrics(metrics.NewMemoryCollector(rs.queryID)))
	if err != nil {
		return err
	}

	var rows atomic.Int64
	plan := rs.scenario.Plan(cfg.Execution.Splits, cfg.Execution.SplitRows, func(_ int, rec arrow.Record) error {
		rows.Add(rec.NumRows())
		return nil
	})
	if rs.drivers > 0 {
		for i := range plan.Pipelines {
			plan.Pipelines[i].Drivers = rs.drivers
		}
	}
	task := exec.NewTask(rs.queryID+".0", plan, pool, exec.TaskConfig{
		MaxDrivers: cfg.Execution.GetMaxDrivers(),
		BatchSize:  cfg.Execution.BatchSize,
	}, log)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, v.GetDuration("timeout"))
	defer cancel()

	start := time.Now()
	runErr := task.Run(ctx)

	sum := summary{
		Scenario: rs.scenario.Name,
		QueryID:  rs.queryID,
		Drivers:  task.Drivers(),
		State:    task.State().String(),
		Cap:      cfg.Memory.MaxBytes,
		Peak:     pool.PeakBytes(),
		Rows:     rows.Load(),
		Duration: time.Since(start),
	}
	sum.collectProcessStats(log)
	sum.Render(cmd.OutOrStdout())

	if cerr := pool.Close(); cerr != nil && runErr == nil {
		runErr = cerr
	}
	if runErr != nil {
		var ce *memory.CapExceededError
		if errors.As(runErr, &ce) {
			if err := writeSnapshot(cmd, v.GetString("snapshot"), ce.Snapshot); err != nil {
				log.Warn("failed to write snapshot", zap.Error(err))
			}
		}
		return runErr
	}
	return nil
}

func writeSnapshot(cmd *cobra.Command, path string, snap *memory.Snapshot) error {
	if path == "" || snap == nil {
		return nil
	}
	if path == "-" {
		return json.WriteIndent(cmd.OutOrStdout(), snap)
	}
	f, err := os.Create(path) //nolint:gosec
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "failed to create snapshot file").
			WithDetail("path", path)
	}
	if err := json.WriteIndent(f, snap); err != nil {
		_ = f.Close()
		return errors.Wrap(err, errors.ErrorTypeInternal, "failed to write snapshot").
			WithDetail("path", path)
	}
	return f.Close()
}

func serveMetrics(addr string, log *zap.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		log.Info("serving metrics", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Warn("metrics server stopped", zap.Error(err))
		}
	}()
	return srv
}

func startProfile(kind, dir string) (interface{ Stop() }, error) {
	opts := []func(*profile.Profile){profile.ProfilePath(dir), profile.NoShutdownHook, profile.Quiet}
	switch kind {
	case "cpu":
		opts = append(opts, profile.CPUProfile)
	case "mem":
		opts = append(opts, profile.MemProfile)
	case "block":
		opts = append(opts, profile.BlockProfile)
	case "mutex":
		opts = append(opts, profile.MutexProfile)
	default:
		return nil, errors.Newf(errors.ErrorTypeValidation, "unknown profile %q", kind)
	}
	return profile.Start(opts...), nil
}
