// Command devorch runs the KEGE development environment: it resolves the web,
// database and builder containers, starts postgres, and reads operator
// commands from stdin until `quit`.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/bdobrica/devorch/common/environment"
	"github.com/bdobrica/devorch/common/retry"
	"github.com/bdobrica/devorch/common/version"
	"github.com/bdobrica/devorch/internal/devorch/app"
	"github.com/bdobrica/devorch/internal/devorch/observability"
	"github.com/bdobrica/devorch/internal/devorch/runtime/docker"
	"github.com/bdobrica/devorch/internal/devorch/supervisor"
)

var flags struct {
	Root      string
	Config    string
	Registry  string
	LogLevel  string
	LogFormat string
	NoProbe   bool
}

var rootCmd = &cobra.Command{
	Use:           "devorch",
	Short:         "KEGE development environment orchestrator",
	Version:       version.Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the environment and read commands from stdin",
	Long: `Resolves the nginx, postgres and builder containers (building or pulling
images as needed), starts postgres, then reads one command per line:

  quit (q)                      end the session
  api (a) [variant]             rebuild and restart the API (default: debug)
  kill (k) db|api|esbuild       stop a supervised process
  api-clean (ac) <variant>      wipe and reconfigure a build directory
  api-build-image <variant>     package the API into an image
  nginx-build-image <root>      package the production UI into an image
  ui-node-install (ui)          npm install
  ui-gen-proto (up)             regenerate protocol bindings
  ui-watch (w)                  start the bundler in watch mode

On quit, end of input or Ctrl+C every process is stopped, then every
container.`,
	Args: cobra.NoArgs,
	RunE: runSession,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintln(cmd.OutOrStdout(), version.Info())
	},
}

func init() {
	cwd, _ := os.Getwd()

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&flags.LogLevel, "log-level", environment.StringOr("DEVORCH_LOG_LEVEL", "info"),
		"Log level: debug, info, warn, error")
	pf.StringVar(&flags.LogFormat, "log-format", environment.StringOr("DEVORCH_LOG_FORMAT", "pretty"),
		"Log format: pretty, text, json")

	rf := runCmd.Flags()
	rf.StringVar(&flags.Root, "root", environment.PathOr("DEVORCH_ROOT", cwd),
		"KEGE repository root")
	rf.StringVar(&flags.Config, "config", environment.PathOr("DEVORCH_CONFIG", ""),
		"Resource file (default: built-in KEGE resources)")
	rf.StringVar(&flags.Registry, "registry", environment.StringOr("DEVORCH_REGISTRY", ""),
		"Registry prefix for built images (default: from the resource file)")
	rf.BoolVar(&flags.NoProbe, "no-probe", false,
		"Skip the database readiness probe")

	rootCmd.AddCommand(runCmd, versionCmd)
}

func runSession(cmd *cobra.Command, _ []string) error {
	observability.Setup(os.Stderr, flags.LogLevel, flags.LogFormat)
	slog.Info("devorch starting", "version", version.Info())

	root, err := filepath.Abs(flags.Root)
	if err != nil {
		return fmt.Errorf("resolve root: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := docker.New(os.Stderr)
	if err != nil {
		return err
	}
	defer rt.Close()
	if err := rt.Ping(ctx, retry.Config{MaxAttempts: 5, InitialDelay: 500 * time.Millisecond, MaxDelay: 4 * time.Second}); err != nil {
		return err
	}

	a, err := app.New(&app.Config{
		Root:          root,
		Resources:     flags.Config,
		Registry:      flags.Registry,
		DatabasePath:  environment.PathOr("DEVORCH_DB_PATH", ""),
		GraceTimeout:  environment.DurationOr("DEVORCH_GRACE_TIMEOUT", supervisor.DefaultGraceTimeout),
		KillTimeout:   environment.DurationOr("DEVORCH_KILL_TIMEOUT", supervisor.DefaultKillTimeout),
		KillAttempts:  environment.IntOr("DEVORCH_KILL_MAX_ATTEMPTS", 0),
		ProbeDatabase: !flags.NoProbe,
		Input:         os.Stdin,
		Output:        os.Stdout,
	}, rt)
	if err != nil {
		return err
	}
	return a.Run(ctx)
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
