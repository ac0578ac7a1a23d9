package cmd

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/offlinefirst/keyboard-monitor/pkg/config"
	"github.com/offlinefirst/keyboard-monitor/pkg/keyhook"
	"github.com/offlinefirst/keyboard-monitor/pkg/store"
)

const doctorPingTimeout = 5 * time.Second

var detectEnvironment = keyhook.DetectEnvironment

func newDoctorCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check configuration, key hook permissions and database reachability",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.loadConfig(true)
			if err != nil {
				return err
			}
			return runDoctor(cmd.Context(), cfg, cmd.OutOrStdout())
		},
	}
}

func runDoctor(ctx context.Context, cfg config.Config, stdout io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	failures := 0
	report := func(ok bool, name, detail string) {
		status := "ok"
		if !ok {
			status = "FAIL"
			failures++
		}
		fmt.Fprintf(stdout, "[%-4s] %-12s %s\n", status, name, detail)
	}

	fmt.Fprintf(stdout, "keyboard-monitor %s\n", versionString())
	fmt.Fprintf(stdout, "config source: %s\n", cfg.Source)

	if err := cfg.Validate(); err != nil {
		report(false, "config", err.Error())
	} else {
		report(true, "config", "valid")
	}

	env := detectEnvironment(keyhook.Options{
		Provider: cfg.Capture.Provider,
		Devices:  cfg.Capture.Devices,
		Script:   cfg.Capture.Script,
	})
	provider := env.Provider
	if provider == "" {
		provider = "none"
	}
	detail := fmt.Sprintf("provider=%s permission=%s", provider, env.Permission)
	if env.Message != "" {
		detail += " (" + env.Message + ")"
	}
	if len(env.Devices) > 0 {
		detail += " devices=" + strings.Join(env.Devices, ",")
	}
	report(env.Available, "key hook", detail)
	if env.Guidance != "" {
		fmt.Fprintf(stdout, "       hint: %s\n", env.Guidance)
	}

	if cfg.Database.URL == "" {
		report(false, "database", "no database url configured")
	} else {
		pingCtx, cancel := context.WithTimeout(ctx, doctorPingTimeout)
		err := pingDatabase(pingCtx, cfg)
		cancel()
		if err != nil {
			report(false, "database", err.Error())
		} else {
			report(true, "database", fmt.Sprintf("reachable, table %s", cfg.Database.Table))
		}
	}

	if failures > 0 {
		return fmt.Errorf("%w: %d", errChecksFailed, failures)
	}
	return nil
}

func pingDatabase(ctx context.Context, cfg config.Config) error {
	db, err := openStore(ctx, cfg.Database.URL, store.Options{Table: cfg.Database.Table, TTL: cfg.Database.TTL})
	if err != nil {
		return err
	}
	defer db.Close()
	return db.Ping(ctx)
}
