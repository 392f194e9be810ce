package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/oauth2"

	"github.com/mrshanahan/notes-sync/internal/app"
	"github.com/mrshanahan/notes-sync/internal/config"
	"github.com/mrshanahan/notes-sync/internal/netstate"
	"github.com/mrshanahan/notes-sync/internal/reminder"
	"github.com/mrshanahan/notes-sync/pkg/auth"
	"github.com/mrshanahan/notes-sync/pkg/client"
	notesdb "github.com/mrshanahan/notes-sync/pkg/notes-db"
)

var (
	verbose    bool
	configFile string
	envFile    string
)

const probeTimeout = 2 * time.Second

var rootCmd = &cobra.Command{
	Use:   "notes-sync",
	Short: "Offline-first client for the notes API",
	Long: `notes-sync saves notes to the notes API, queueing them locally while the
API is unreachable and syncing them once it is back.

` + config.Help(),
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level := slog.LevelInfo
		if verbose {
			level = slog.LevelDebug
		}

		opts := &slog.HandlerOptions{
			Level: level,
		}
		logger := slog.New(slog.NewTextHandler(os.Stderr, opts))
		slog.SetDefault(logger)
	},
}

func Execute(ctx context.Context) int {
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Path to the YAML config file")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", "", "Path to a .env file")
}

// env is everything a command needs, built from the loaded configuration.
type env struct {
	cfg     *config.Config
	queue   *notesdb.Queue
	store   *auth.TokenStore
	tokens  oauth2.TokenSource
	client  *client.Client
	monitor *netstate.Monitor
	prober  netstate.Prober
	app     *app.App
}

func loadConfig() (*config.Config, error) {
	return config.Loader{File: configFile, EnvFile: envFile, Logger: slog.Default()}.Load()
}

// setup loads configuration and opens the local queue. oauthCfg may be nil,
// in which case stored tokens are used as-is without refreshing.
func setup(ctx context.Context, oauthCfg *oauth2.Config) (*env, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0700); err != nil {
		slog.Error("failed to create notes directory",
			"path", filepath.Dir(cfg.DBPath),
			"err", err)
		return nil, err
	}
	queue := notesdb.Open(cfg.DBPath)
	if err := queue.Initialize(ctx); err != nil {
		queue.Close()
		return nil, fmt.Errorf("failed to initialize local queue: %w", err)
	}

	e := &env{cfg: cfg, queue: queue}
	opts := []client.Option{
		client.WithLogger(slog.Default()),
		client.WithHTTPClient(&http.Client{Timeout: 30 * time.Second}),
	}
	if cfg.Auth.Disabled {
		slog.Warn("sending requests without credentials", "disableAuth", cfg.Auth.Disabled)
	} else {
		e.store = auth.NewTokenStore(cfg.Auth.TokenFile)
		e.tokens = e.store.TokenSource(ctx, oauthCfg)
		opts = append(opts, client.WithTokenSource(e.tokens))
	}
	e.client = client.NewClient(cfg.APIURL, opts...)

	e.prober, err = netstate.DialProber(cfg.APIURL, probeTimeout)
	if err != nil {
		queue.Close()
		return nil, err
	}
	e.monitor = netstate.NewMonitor(e.prober(ctx), slog.Default())
	return e, nil
}

// newApp builds the controller; extra may add optional dependencies.
func (e *env) newApp(extra func(*app.Deps)) {
	deps := app.Deps{
		Queue:            e.queue,
		Gateway:          e.client,
		Monitor:          e.monitor,
		Logger:           slog.Default(),
		SyncInterval:     e.cfg.SyncInterval.Duration,
		ReminderInterval: config.DefaultReminderInterval,
	}
	if e.cfg.Notifications {
		deps.Notifier = &reminder.TerminalNotifier{W: os.Stdout}
	}
	if extra != nil {
		extra(&deps)
	}
	e.app = app.New(deps)
}

func (e *env) Close() {
	if err := e.queue.Close(); err != nil {
		slog.Warn("failed to close local queue", "err", err)
	}
}

func withEnv(fn func(cmd *cobra.Command, args []string, e *env) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		e, err := setup(cmd.Context(), nil)
		if err != nil {
			return err
		}
		defer e.Close()
		e.newApp(nil)
		return fn(cmd, args, e)
	}
}
