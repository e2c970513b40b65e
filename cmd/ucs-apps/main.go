// Package main is the entry point for ucs-apps, which installs, removes,
// upgrades and stalls apps on a Univention Corporate Server.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/manchtools/power-manage/ucs-apps/internal/config"
)

// version is set at build time via -ldflags.
var version = "dev"

const passwordEnv = config.Prefix + "_AUTH_PASSWORD"

// exitError carries a process exit code for a failure that has already been
// reported on stdout.
type exitError struct {
	code int
}

func (e *exitError) Error() string { return fmt.Sprintf("exit status %d", e.code) }

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := newRootCmd(os.Stdin).ExecuteContext(ctx)
	stop()

	if err != nil {
		var exit *exitError
		if errors.As(err, &exit) {
			os.Exit(exit.code)
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// cli is the state shared by all subcommands of one invocation.
type cli struct {
	cfg    *config.Config
	logger *slog.Logger
	stdin  io.Reader
	stderr io.Writer
}

func newRootCmd(stdin io.Reader) *cobra.Command {
	c := &cli{stdin: stdin, stderr: os.Stderr}

	var (
		toolPath  string
		osRelease string
		dataDir   string
		logLevel  string
		logFormat string
	)

	root := &cobra.Command{
		Use:   "ucs-apps",
		Short: "Reconcile Univention App Center apps to a desired state",
		Long: `ucs-apps brings one app of the Univention App Center to the desired state
by driving the univention-app tool: it installs, removes, upgrades or stalls
the app as needed and reports whether anything changed.

Examples:
  # Make sure wordpress is installed
  ucs-apps apply --name wordpress --username Administrator --password-file /root/pw

  # Upgrade nextcloud if an update is available
  ucs-apps apply --name nextcloud --upgrade --params /etc/ucs-apps/nextcloud.yml

  # Show the state of an app
  ucs-apps status wordpress`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			// univention-app inherits the environment.
			os.Unsetenv(passwordEnv)

			flags := cmd.Flags()
			if flags.Changed("tool-path") {
				cfg.ToolPath = toolPath
			}
			if flags.Changed("os-release") {
				cfg.OSReleasePath = osRelease
			}
			if flags.Changed("data-dir") {
				cfg.DataDir = dataDir
			}
			if flags.Changed("log-level") {
				cfg.Log.Level = logLevel
			}
			if flags.Changed("log-format") {
				cfg.Log.Format = logFormat
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			c.cfg = cfg
			c.logger = setupLogger(c.stderr, cfg.Log.Level, cfg.Log.Format)
			slog.SetDefault(c.logger)
			c.logger.Debug("configuration loaded", cfg.Describe()...)
			return nil
		},
	}

	def := config.Default()
	pf := root.PersistentFlags()
	pf.StringVar(&toolPath, "tool-path", def.ToolPath, "univention-app binary (env UCS_APPS_TOOL_PATH)")
	pf.StringVar(&osRelease, "os-release", def.OSReleasePath, "os-release file used for host detection (env UCS_APPS_OS_RELEASE)")
	pf.StringVar(&dataDir, "data-dir", def.DataDir, "directory for the journal and stored credentials (env UCS_APPS_DATA_DIR)")
	pf.StringVar(&logLevel, "log-level", def.Log.Level, "log level: debug, info, warn, error (env UCS_APPS_LOG_LEVEL)")
	pf.StringVar(&logFormat, "log-format", def.Log.Format, "log format: text, json (env UCS_APPS_LOG_FORMAT)")

	root.AddCommand(
		newApplyCmd(c),
		newStatusCmd(c),
		newLoginCmd(c),
		newLogoutCmd(c),
		newHistoryCmd(c),
	)
	return root
}

// setupLogger builds the process logger. Logs go to w (stderr) so stdout
// carries only the JSON result.
func setupLogger(w io.Writer, level, format string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: logLevel,
	}

	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	return slog.New(handler)
}
