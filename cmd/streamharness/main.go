package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"syscall"

	"github.com/CZERTAINLY/streamharness/internal/config"
	"github.com/CZERTAINLY/streamharness/internal/harness"
	"github.com/CZERTAINLY/streamharness/internal/log"
	"github.com/CZERTAINLY/streamharness/internal/metrics"
	"gopkg.in/yaml.v3"

	"github.com/spf13/cobra"
)

const configFileName = "streamharness.yaml"

var userConfigPath string // /default/config/path/streamharness on given OS

func init() {
	d, err := os.UserConfigDir()
	if err != nil {
		d = "."
	}
	userConfigPath = filepath.Join(d, "streamharness")
}

func main() {
	a := &app{
		stdout: os.Stdout,
		stderr: os.Stderr,
	}
	os.Exit(a.execute(context.Background(), os.Args[1:]))
}

// app holds the state of one invocation.
type app struct {
	stdout io.Writer
	stderr io.Writer

	configPath string // actual config file used (if loaded)
	config     config.Config
	exitCode   int

	flagConfigFilePath string // value of --config flag
	flagVerbose        bool   // value of --verbose flag
}

func (a *app) execute(ctx context.Context, args []string) int {
	root := a.rootCmd()
	root.SetArgs(args)
	root.SetOut(a.stdout)
	root.SetErr(a.stderr)

	if err := root.ExecuteContext(ctx); err != nil {
		slog.Error("streamharness failed", "err", err)
		return 1
	}
	return a.exitCode
}

func (a *app) rootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "streamharness",
		Short:        "Integration test harness for stream consumers",
		SilenceUsage: true,
		// never print messages
		SilenceErrors: true,
		// setup logging
		PersistentPreRunE: a.initLogging,
	}

	rootCmd.PersistentFlags().StringVar(&a.flagConfigFilePath, "config", "", "Config file to load - default is "+configFileName+" in current directory or in "+userConfigPath)
	rootCmd.PersistentFlags().BoolVar(&a.flagVerbose, "verbose", false, "verbose logging")

	rootCmd.AddCommand(a.runCmd())
	rootCmd.AddCommand(a.extractCmd())
	rootCmd.AddCommand(a.configCmd())
	rootCmd.AddCommand(a.versionCmd())
	return rootCmd
}

func (a *app) runCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "run starts the server and the subject and reports the verdict as exit code",
		Args:  cobra.NoArgs,
		RunE:  a.doRun,
	}
	cmd.Flags().String("window", "", "observation window, e.g. 5s")
	cmd.Flags().String("mode", "", "subject mode: window or complete")
	cmd.Flags().Bool("keep-dir", false, "keep the run directory")
	cmd.Flags().String("metrics-file", "", "write metrics in the textfile format to this file")
	return cmd
}

func (a *app) configCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "config prints the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.loadConfig(cmd); err != nil {
				return err
			}
			if a.configPath != "" {
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "# %s\n", a.configPath)
			}
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			if err := enc.Encode(a.config); err != nil {
				return fmt.Errorf("encoding configuration: %w", err)
			}
			return enc.Close()
		},
	}
}

func (a *app) versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "version provide version of a streamharness",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			info, ok := debug.ReadBuildInfo()
			if !ok {
				_, _ = fmt.Fprintln(out, "streamharness: version info not available")
				return
			}

			_, _ = fmt.Fprintf(out, "streamharness: %s\n", info.Main.Version)
			_, _ = fmt.Fprintf(out, "go:            %s\n", info.GoVersion)
			for _, s := range info.Settings {
				switch s.Key {
				case "vcs.revision":
					_, _ = fmt.Fprintf(out, "commit:        %s\n", s.Value)
				case "vcs.time":
					_, _ = fmt.Fprintf(out, "date:          %s\n", s.Value)
				case "vcs.modified":
					_, _ = fmt.Fprintf(out, "dirty:         %s\n", s.Value)
				}
			}
		},
	}
}

func (a *app) doRun(cmd *cobra.Command, _ []string) error {
	if err := a.loadConfig(cmd); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	attrs := slog.Group("streamharness",
		slog.String("cmd", "run"),
		slog.Int("pid", os.Getpid()),
	)
	ctx = log.ContextAttrs(ctx, attrs)

	orchestrator := harness.New(a.config, harness.WithMetrics(metrics.New()))
	verdict := orchestrator.Run(ctx)

	level := slog.LevelInfo
	if !verdict.Passed() {
		level = slog.LevelError
	}
	slog.LogAttrs(ctx, level, "run finished", verdict.LogAttrs()...)
	a.exitCode = exitCode(verdict)
	return nil
}

// exitCode maps the verdict to a process exit status. The harness failure
// sentinel and codes out of range become 255.
func exitCode(v harness.Verdict) int {
	switch {
	case v.Passed():
		return 0
	case v.ExitCode > 0 && v.ExitCode <= 255:
		return v.ExitCode
	case v.ExitCode == 0:
		return 1
	default:
		return 255
	}
}

// flagKeys maps run flags to the configuration keys they override.
var flagKeys = []struct {
	flag string
	key  string
}{
	{"window", "timeouts.observation_window"},
	{"mode", "subject.mode"},
	{"keep-dir", "keep_dir"},
	{"metrics-file", "metrics_file"},
	{"verbose", "verbose"},
}

// loadConfig merges the config file, STREAMHARNESS_* environment and the
// flags set on the command line, in this order of precedence from lowest.
func (a *app) loadConfig(cmd *cobra.Command) error {
	a.configPath = a.findConfig()

	v, err := config.NewViper(a.configPath)
	if err != nil {
		return err
	}
	for _, fk := range flagKeys {
		f := cmd.Flags().Lookup(fk.flag)
		if f == nil || !f.Changed {
			continue
		}
		v.Set(fk.key, f.Value.String())
	}

	a.config, err = config.FromViper(v)
	if err != nil {
		for _, d := range config.ErrDetails(err) {
			slog.Error("invalid configuration", d.Attr("detail"))
		}
		return fmt.Errorf("parsing config: %w", err)
	}

	a.setLogger(a.config.Verbose, a.config.LogFormat)
	slog.Debug("streamharness config", "configPath", a.configPath)
	return nil
}

func (a *app) findConfig() string {
	if envConfig, ok := os.LookupEnv(config.EnvPrefix + "_CONFIG"); ok {
		return envConfig
	}
	if a.flagConfigFilePath != "" {
		return a.flagConfigFilePath
	}
	for _, d := range []string{".", userConfigPath} {
		path := filepath.Join(d, configFileName)
		if exists(path) {
			return path
		}
	}
	return ""
}

func (a *app) initLogging(_ *cobra.Command, _ []string) error {
	a.setLogger(a.flagVerbose, config.LogJSON)
	return nil
}

func (a *app) setLogger(verbose bool, format string) {
	// --verbose has a precedence over config file
	slog.SetDefault(log.New(a.stderr, verbose || a.flagVerbose, format))
}

func exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
