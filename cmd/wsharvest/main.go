// Command wsharvest collects Yandex Wordstat frequencies with a pool of
// logged-in browser sessions.
//
// Usage:
//
//	wsharvest account add alice --proxy 1.2.3.4:8080:user:pass
//	wsharvest proxy check
//	wsharvest harvest --tabs 2 -f phrases.txt
//	wsharvest results --status error
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	_ "modernc.org/sqlite"

	"github.com/hazyhaar/wsharvest/internal/config"
	"github.com/hazyhaar/wsharvest/registry"
	"github.com/hazyhaar/wsharvest/store"
)

var (
	cfgPath     string
	dbPath      string
	profilesDir string
	logLevel    string
	logFormat   string
)

var rootCmd = &cobra.Command{
	Use:   "wsharvest",
	Short: "Parallel Yandex Wordstat frequency harvester",
	Long: `wsharvest drives one Chromium per account, logs in through Yandex Passport
and reads phrase frequencies from Wordstat. Results are kept in SQLite, so an
interrupted batch resumes where it stopped.`,
	SilenceErrors: true,
	SilenceUsage:  true,
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&cfgPath, "config", "c", "", "YAML config file")
	pf.StringVar(&dbPath, "db", "", "SQLite database path (overrides config)")
	pf.StringVar(&profilesDir, "profiles", "", "root of per-account browser profiles (overrides config)")
	pf.StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error")
	pf.StringVar(&logFormat, "log-format", "", "log format: json or text")

	rootCmd.AddCommand(harvestCmd, accountCmd, proxyCmd, resultsCmd, statsCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		slog.Error("wsharvest: fatal", "error", err)
		os.Exit(1)
	}
}

// app holds what every subcommand needs.
type app struct {
	cfg      config.Config
	log      *slog.Logger
	st       *store.Store
	proxies  *registry.Proxies
	accounts *registry.Accounts
}

// loadConfig reads --config (or the defaults) and applies flag overrides.
func loadConfig() (config.Config, error) {
	cfg := config.Default()
	if cfgPath != "" {
		var err error
		if cfg, err = config.Load(cfgPath); err != nil {
			return cfg, err
		}
	}
	if dbPath != "" {
		cfg.DB = dbPath
	}
	if profilesDir != "" {
		cfg.Profiles = profilesDir
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if logFormat != "" {
		cfg.Log.Format = logFormat
	}
	return cfg, cfg.Validate()
}

func newLogger(c config.LogConfig, w io.Writer) (*slog.Logger, error) {
	level, err := config.ParseLevel(c.Level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.Format == "text" {
		return slog.New(slog.NewTextHandler(w, opts)), nil
	}
	return slog.New(slog.NewJSONHandler(w, opts)), nil
}

func openApp() (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	logger, err := newLogger(cfg.Log, os.Stderr)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger)

	st, err := store.Open(cfg.DB, store.WithMkdirAll(), store.WithStaleRunning(cfg.Harvest.StaleRunning))
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	proxies := registry.NewProxies(st, logger)
	return &app{
		cfg:      cfg,
		log:      logger,
		st:       st,
		proxies:  proxies,
		accounts: registry.NewAccounts(st, proxies, cfg.Profiles, logger),
	}, nil
}

func (a *app) Close() error { return a.st.Close() }

// withApp opens the database around a command.
func withApp(fn func(cmd *cobra.Command, a *app, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()
		return fn(cmd, a, args)
	}
}
