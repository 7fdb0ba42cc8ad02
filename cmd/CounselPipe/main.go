// Command CounselPipe runs counseling sessions from the terminal and maintains the session store.
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

	"github.com/BTreeMap/CounselPipe/internal/config"
)

// cli holds the persistent flag values and the configuration resolved from them.
type cli struct {
	logLevel string
	logJSON  bool
	stateDir string
	dbDSN    string
	redisURL string
	userID   string

	cfg config.Config
}

func newRootCmd() *cobra.Command {
	c := &cli{}
	root := &cobra.Command{
		Use:   "CounselPipe",
		Short: "Phase-guided counseling conversations backed by a language model",
		Long: `CounselPipe guides a conversation through five counseling phases
(engagement, exploration, insight, action, closing), persisting every turn.

Configuration is read from the environment and an optional .env file;
flags override the environment.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return c.setup(cmd)
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&c.logLevel, "log-level", "", "log level: debug, info, warn, error (overrides $LOG_LEVEL)")
	flags.BoolVar(&c.logJSON, "log-json", false, "emit logs as JSON")
	flags.StringVar(&c.stateDir, "state-dir", "", "state directory for CounselPipe data (overrides $COUNSELPIPE_STATE_DIR)")
	flags.StringVar(&c.dbDSN, "db-dsn", "", "PostgreSQL DSN or SQLite path (overrides $DATABASE_URL)")
	flags.StringVar(&c.redisURL, "redis-url", "", "Redis URL for cross-process session locks (overrides $REDIS_URL)")
	flags.StringVar(&c.userID, "user", defaultUserID(), "user ID the sessions belong to")

	root.AddCommand(
		newChatCmd(c),
		newPersonasCmd(c),
		newSessionsCmd(c),
		newHistoryCmd(c),
		newSweepCmd(c),
	)
	return root
}

// setup resolves configuration and installs the logger.
func (c *cli) setup(cmd *cobra.Command) error {
	cfg := config.Load()
	flags := cmd.Flags()
	if flags.Changed("log-level") {
		cfg.LogLevel = c.logLevel
	}
	if flags.Changed("state-dir") {
		cfg.StateDir = c.stateDir
	}
	if flags.Changed("db-dsn") {
		cfg.DatabaseURL = c.dbDSN
	}
	if flags.Changed("redis-url") {
		cfg.RedisURL = c.redisURL
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	level, _ := config.ParseLogLevel(cfg.LogLevel)
	initializeLogger(cmd.ErrOrStderr(), level, c.logJSON)

	slog.Debug("CounselPipe: configuration resolved",
		"command", cmd.Name(), "state_dir", cfg.StateDir, "dsn_set", cfg.DatabaseURL != "",
		"redis_set", cfg.RedisURL != "", "user", c.userID)
	c.cfg = cfg
	return nil
}

func initializeLogger(w io.Writer, level slog.Level, asJSON bool) {
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler = slog.NewTextHandler(w, opts)
	if asJSON {
		handler = slog.NewJSONHandler(w, opts)
	}
	slog.SetDefault(slog.New(handler))
}

func defaultUserID() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "local"
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, errorStyle.Render(err.Error()))
		stop()
		os.Exit(1)
	}
}
