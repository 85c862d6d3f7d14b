package cli

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/lazypower/engram/internal/config"
	"github.com/lazypower/engram/internal/engine"
	"github.com/lazypower/engram/internal/log"
	"github.com/lazypower/engram/internal/store"
)

var (
	envFile string
	dbPath  string
	debug   bool

	cfg      config.Config
	flushLog func()
)

var rootCmd = &cobra.Command{
	Use:   "engram",
	Short: "Decay-scored long-term memory engine",
	Long: "Engram keeps an assistant's long-term memories ranked by how often and how recently " +
		"they are used, links related memories, and archives what has stopped mattering.",
	SilenceUsage:      true,
	PersistentPreRunE: setup,
}

// Execute runs the root command under ctx.
func Execute(ctx context.Context) error {
	err := rootCmd.ExecuteContext(ctx)
	if flushLog != nil {
		flushLog()
	}
	return err
}

func init() {
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", "", "dotenv file to load (default .env)")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "database path (overrides ENGRAM_DB_PATH)")
	rootCmd.PersistentFlags().BoolVarP(&debug, "debug", "d", false, "enable debug logging")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(sweepCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(inspectCmd)
}

// setup loads configuration and installs the logger on the command context.
func setup(cmd *cobra.Command, args []string) error {
	c, err := config.Load(envFile)
	if err != nil {
		return err
	}
	if dbPath != "" {
		c.Database.Path = dbPath
	}
	if debug {
		c.Log.Debug = true
	}
	cfg = c

	ctx, flush := log.NewContextWithLogger(cmd.Context(), cfg.Log.Debug)
	flushLog = flush
	cmd.SetContext(ctx)
	return nil
}

// openEngine opens the configured database and builds an engine whose
// metrics land on a fresh registry alongside the runtime collectors.
func openEngine(ctx context.Context) (*engine.Engine, *prometheus.Registry, error) {
	path := cfg.Database.Path
	if path == "" {
		var err error
		path, err = store.DefaultDBPath()
		if err != nil {
			return nil, nil, fmt.Errorf("resolve db path: %w", err)
		}
	}

	db, err := store.Open(ctx, path)
	if err != nil {
		return nil, nil, fmt.Errorf("open database: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	eng := engine.New(db, engine.Deps{Metrics: engine.NewMetrics(reg)}, cfg.EngineOptions())
	log.FromCtx(ctx).Debug().Str("db", path).Msg("database open")
	return eng, reg, nil
}
