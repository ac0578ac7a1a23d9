package cmd

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime"
	"strings"

	"github.com/spf13/cobra"

	"github.com/offlinefirst/keyboard-monitor/internal/buildinfo"
	"github.com/offlinefirst/keyboard-monitor/pkg/config"
	"github.com/offlinefirst/keyboard-monitor/pkg/logging"
)

// AppContext exposes lazily initialised configuration and logging facilities.
type AppContext struct {
	Config config.Config
	Logger *slog.Logger
	closer io.Closer
}

// Close releases the log file.
func (a *AppContext) Close() error {
	if a == nil || a.closer == nil {
		return nil
	}
	return a.closer.Close()
}

type rootOptions struct {
	configPath string
	configDir  string
	logLevel   string
	logFormat  string
	stdout     io.Writer
	stderr     io.Writer
}

// NewRootCommand constructs the CLI with its subcommands and global flags.
func NewRootCommand() *cobra.Command {
	return newRootCommand(&rootOptions{stdout: os.Stdout, stderr: os.Stderr})
}

func newRootCommand(opts *rootOptions) *cobra.Command {
	root := &cobra.Command{
		Use:           "keyboard-monitor",
		Short:         "Capture keyboard chords and ship them to GreptimeDB",
		Long:          "keyboard-monitor records modifier chords such as ctrl+shift+a and stores one row per chord in a GreptimeDB table.",
		Version:       versionString(),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(opts.stdout)
	root.SetErr(opts.stderr)

	flags := root.PersistentFlags()
	flags.StringVar(&opts.configPath, "config", "", "Path to config file (default: ./"+config.DefaultFileName+" if present)")
	flags.StringVar(&opts.logLevel, "log-level", "", "Override console log level (debug, info, warn, error)")
	flags.StringVar(&opts.logFormat, "log-format", "", "Override console log format (text, json, auto)")

	root.AddCommand(
		newRunCommand(opts),
		newDoctorCommand(opts),
		newConfigCommand(opts),
		newStatusCommand(opts),
		newVersionCommand(),
	)
	return root
}

// Execute runs the CLI and returns the process exit code.
func Execute(args []string) int {
	root := NewRootCommand()
	root.SetArgs(args)
	if err := root.Execute(); err != nil {
		fmt.Fprintf(root.ErrOrStderr(), "Error: %v\n", err)
		return 1
	}
	return 0
}

// loadConfig merges every configuration source. Flag overrides only apply
// when the flag was given.
func (o *rootOptions) loadConfig(skipValidate bool) (config.Config, error) {
	overrides := map[string]any{}
	if o.logLevel != "" {
		lvl, err := config.NormalizeLogLevel(o.logLevel)
		if err != nil {
			return config.Config{}, err
		}
		overrides["logging.console_level"] = lvl
	}
	if o.logFormat != "" {
		format, err := config.NormalizeFormat(o.logFormat)
		if err != nil {
			return config.Config{}, err
		}
		overrides["logging.format"] = format
	}
	return config.Load(config.LoadOptions{
		Path:         o.configPath,
		Dir:          o.configDir,
		Overrides:    overrides,
		SkipValidate: skipValidate,
	})
}

func (o *rootOptions) appContext() (*AppContext, error) {
	cfg, err := o.loadConfig(false)
	if err != nil {
		return nil, err
	}

	logger, closer, err := logging.New(logging.Options{
		FilePath:     cfg.Logging.File,
		FileLevel:    cfg.Logging.FileLevel,
		ConsoleLevel: cfg.Logging.ConsoleLevel,
		Format:       cfg.Logging.Format,
		Console:      o.stdout,
	})
	if err != nil {
		return nil, err
	}

	logger.Debug("configuration loaded", "source", cfg.Source, "table", cfg.Database.Table, "provider", cfg.Capture.Provider)
	return &AppContext{Config: cfg, Logger: logger, closer: closer}, nil
}

var errChecksFailed = errors.New("one or more checks failed")

func versionString() string {
	return fmt.Sprintf("%s (rev %s, go%s/%s)", buildinfo.Version(), buildinfo.Revision(), runtimeVersion(), runtimeGOOS())
}

// runtimeVersion is extracted for testability.
var runtimeVersion = func() string { return strings.TrimPrefix(runtime.Version(), "go") }

// runtimeGOOS is extracted for testability.
var runtimeGOOS = func() string { return runtime.GOOS }
