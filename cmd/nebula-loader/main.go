package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/ajitpratap0/nebula-loader/internal/loader"
	"github.com/ajitpratap0/nebula-loader/pkg/config"
	nebulaerrors "github.com/ajitpratap0/nebula-loader/pkg/errors"
	"github.com/ajitpratap0/nebula-loader/pkg/logger"
	"github.com/ajitpratap0/nebula-loader/pkg/objectstore"
	"github.com/ajitpratap0/nebula-loader/pkg/observability"
	"github.com/ajitpratap0/nebula-loader/pkg/protocol"
	"github.com/ajitpratap0/nebula-loader/pkg/retry"
)

var version = "0.1.0"

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix("NEBULA_LOADER")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	root := &cobra.Command{
		Use:          "nebula-loader",
		SilenceUsage: true,
		Short:        "Nebula loader - checkpointed bulk loads into object storage",
		Long: `nebula-loader reads RECORD, STATE and TRACE messages on stdin, writes the
records to object storage as compressed multipart objects, and echoes every
STATE message on stdout once all records it covers are durably stored.`,
	}
	root.PersistentFlags().StringP("config", "c", "", "Path to the loader YAML configuration")
	root.PersistentFlags().String("log-level", "", "Override observability.log_level (debug, info, warn, error)")
	_ = v.BindPFlags(root.PersistentFlags())

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "nebula-loader v%s\n", version)
			fmt.Fprintf(out, "Go version: %s\n", runtime.Version())
			fmt.Fprintf(out, "OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	})

	checkCmd := &cobra.Command{
		Use:   "check-config",
		Short: "Validate the configuration and print it with defaults applied",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(v)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			if path, _ := cmd.Flags().GetString("write"); path != "" {
				return config.Save(path, cfg)
			}
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			defer enc.Close()
			return enc.Encode(cfg)
		},
	}
	checkCmd.Flags().String("write", "", "Write the resolved configuration to this file instead of stdout")
	root.AddCommand(checkCmd)

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Load the protocol stream on stdin",
		Long: `Run a load. Messages are read from stdin until EOF and completed
checkpoints are written to stdout. Logs and spans go to stderr.

Example:
  source-postgres read | nebula-loader run --config loader.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(v)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			if timeout := v.GetDuration("timeout"); timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}
			return runLoader(ctx, cfg)
		},
	}
	runCmd.Flags().Duration("timeout", 0, "Abort the load after this duration (0 = no limit)")
	runCmd.Flags().String("metrics-addr", "", "Override observability.metrics_addr")
	runCmd.Flags().Duration("max-object-age", 0, "Override pipeline.max_object_age")
	_ = v.BindPFlags(runCmd.Flags())
	root.AddCommand(runCmd)

	return root
}

// loadConfig reads the YAML file named by --config and applies flag and
// environment overrides on top.
func loadConfig(v *viper.Viper) (*config.LoaderConfig, error) {
	cfg := config.NewLoaderConfig("nebula-loader")
	if path := v.GetString("config"); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return nil, fmt.Errorf("configuration error: %w", err)
		}
		cfg = loaded
	}
	if level := v.GetString("log-level"); level != "" {
		cfg.Observability.LogLevel = level
	}
	if addr := v.GetString("metrics-addr"); addr != "" {
		cfg.Observability.MetricsAddr = addr
		cfg.Observability.EnableMetrics = true
	}
	if v.IsSet("max-object-age") {
		cfg.Pipeline.MaxObjectAge = v.GetDuration("max-object-age")
	}
	return cfg, nil
}

func runLoader(ctx context.Context, cfg *config.LoaderConfig) error {
	if err := logger.Init(logger.Config{
		Level:    cfg.Observability.LogLevel,
		Encoding: cfg.Observability.LogEncoding,
	}); err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(logger.ContextWithSync(ctx, cfg.Name), os.Interrupt, syscall.SIGTERM)
	defer stop()
	base := logger.WithContext(ctx, nil)
	log := base.With(zap.String("component", "nebula-loader"))

	shutdownTracing, err := observability.Initialize(observability.TracingConfig{
		ServiceName:    "nebula-loader",
		ServiceVersion: version,
		Enabled:        cfg.Observability.EnableTracing,
		SamplingRate:   1.0,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			log.Warn("failed to flush spans", zap.Error(err))
		}
	}()

	if cfg.Observability.EnableMetrics {
		srv := serveMetrics(cfg.Observability.MetricsAddr, log)
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(sctx)
		}()
	}

	store, err := objectstore.NewFromConfig(ctx, cfg.Storage, base)
	if err != nil {
		return fmt.Errorf("failed to create object store: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Warn("failed to close object store", zap.Error(err))
		}
	}()
	client := objectstore.WithRetry(store, retry.FromConfig(cfg.Reliability), base)

	l, err := loader.New(cfg, client, base)
	if err != nil {
		return err
	}

	summary, err := l.Run(ctx, os.Stdin, protocol.NewEmitter(os.Stdout))
	if err != nil {
		log.Error("load failed", nebulaerrors.Fields(err)...)
		return fmt.Errorf("load failed: %w", err)
	}

	log.Info("load completed successfully",
		zap.Int64("records", summary.Records),
		zap.Int64("checkpoints_emitted", summary.CheckpointsEmitted),
		zap.Int64("objects", summary.Objects),
		zap.Int("streams", len(summary.Streams)),
		zap.Duration("duration", summary.Duration),
		zap.Float64("records_per_second", float64(summary.Records)/summary.Duration.Seconds()))
	return nil
}

func serveMetrics(addr string, log *zap.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		log.Info("serving metrics", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server stopped", zap.Error(err))
		}
	}()
	return srv
}
