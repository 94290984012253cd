package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dataplane-io/strata/internal/pipeline"
	"github.com/dataplane-io/strata/pkg/config"
	"github.com/dataplane-io/strata/pkg/format"
	"github.com/dataplane-io/strata/pkg/format/plugindir"
	"github.com/dataplane-io/strata/pkg/logger"

	// Register built-in formats
	_ "github.com/dataplane-io/strata/pkg/format/arrowfmt"
	_ "github.com/dataplane-io/strata/pkg/format/csvfmt"
	_ "github.com/dataplane-io/strata/pkg/format/jsonlfmt"
	_ "github.com/dataplane-io/strata/pkg/format/parquetfmt"
)

var version = "0.3.0"

func main() {
	// Load .env if present
	_ = godotenv.Load()

	var configFile, logLevel, metricsAddr string

	root := &cobra.Command{
		Use:   "strata",
		Short: "Strata - streaming columnar ETL engine",
		Long: `Strata converts tabular data between storage backends and on-disk
formats with bounded memory: a fixed buffer pool gates how fast bytes
leave storage, and decoded batches flow through a backpressure-aware
bridge to the output codec.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&configFile, "config", "c", "", "pipeline configuration file (YAML or JSON)")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "override log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&metricsAddr, "metrics-addr", "", "address to serve Prometheus metrics on (e.g. :9091)")

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("Strata v%s\n", version)
			fmt.Printf("Format API: %s\n", format.APIVersion)
			fmt.Printf("Go version: %s\n", runtime.Version())
			fmt.Printf("OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "list-formats",
		Short: "List registered formats and loaded plugins",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile, logLevel)
			if err != nil {
				return err
			}
			registry, _, err := buildRegistry(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			for _, e := range registry.Entries() {
				fmt.Printf("%-10s v%-8s extensions: %-20s source: %s\n",
					e.Descriptor.Name,
					e.Descriptor.Version,
					strings.Join(e.Descriptor.Extensions, ","),
					e.Descriptor.Source)
			}
			return nil
		},
	})

	var inputFormat, outputFormat, filter string
	var projection []string

	convertCmd := &cobra.Command{
		Use:   "convert <input> <output>",
		Short: "Convert one object between formats",
		Long: `Convert reads the input object, decodes it with the input format,
optionally filters and projects rows, and writes it through the output
format. Locations are URIs (file, s3, az, gs schemes); bare paths mean
local files. Formats default to the file extension.

Example:
  strata convert s3://lake/raw/events.csv file:///tmp/events.parquet --filter "status = ok"`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile, logLevel)
			if err != nil {
				return err
			}
			registry, stopPlugins, err := buildRegistry(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer stopPlugins()
			startMetrics(metricsAddr)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			run := pipeline.NewRun(pipeline.Spec{
				Input:        args[0],
				InputFormat:  inputFormat,
				Output:       args[1],
				OutputFormat: outputFormat,
				Filter:       filter,
				Projection:   projection,
			}, cfg, registry)
			return run.Execute(ctx)
		},
	}
	convertCmd.Flags().StringVar(&inputFormat, "input-format", "", "input format name (default: infer from extension)")
	convertCmd.Flags().StringVar(&outputFormat, "output-format", "", "output format name (default: infer from extension)")
	convertCmd.Flags().StringVar(&filter, "filter", "", "row filter, e.g. \"a > 10 AND b = x\"")
	convertCmd.Flags().StringSliceVar(&projection, "columns", nil, "columns to keep, in order")
	root.AddCommand(convertCmd)

	var outPath string
	initCmd := &cobra.Command{
		Use:   "init-config",
		Short: "Write the default configuration to a file",
		RunE: func(cmd *cobra.Command, args []string) error {
			return config.DefaultConfig().SaveToFile(outPath)
		},
	}
	initCmd.Flags().StringVarP(&outPath, "output", "o", "strata.yaml", "destination file")
	root.AddCommand(initCmd)

	if err := root.Execute(); err != nil {
		logger.Get().Error("command failed", zap.Error(err))
		logger.Sync()
		os.Exit(1)
	}
	logger.Sync()
}

func loadConfig(path, logLevel string) (*config.PipelineConfig, error) {
	var cfg *config.PipelineConfig
	var err error
	if path != "" {
		cfg, err = config.LoadFromFile(path)
	} else {
		cfg = config.DefaultConfig()
		err = cfg.Validate()
	}
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if err := logger.Init(logger.Config{
		Level:    cfg.Logging.Level,
		Encoding: cfg.Logging.Encoding,
	}); err != nil {
		return nil, err
	}
	return cfg, nil
}

// buildRegistry returns the default registry with built-ins, plus the
// plugin loader running if configured. The returned stop function
// cancels hot reloading.
func buildRegistry(ctx context.Context, cfg *config.PipelineConfig) (*format.Registry, func(), error) {
	registry := format.DefaultRegistry()
	if !cfg.Plugins.Enabled {
		return registry, func() {}, nil
	}

	loader := plugindir.NewLoader(registry, cfg.Plugins)
	if err := loader.Scan(ctx); err != nil {
		// A missing plugin directory is not fatal; built-ins still work.
		logger.Get().Warn("plugin scan failed", zap.Error(err))
		return registry, func() {}, nil
	}

	stop := func() {}
	if cfg.Plugins.HotReload {
		watchCtx, cancel := context.WithCancel(ctx)
		go loader.Watch(watchCtx)
		stop = cancel
	}
	return registry, stop, nil
}

func startMetrics(addr string) {
	if addr == "" {
		return
	}
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		if err := http.ListenAndServe(addr, mux); err != nil {
			logger.Get().Warn("metrics server stopped", zap.Error(err))
		}
	}()
}
