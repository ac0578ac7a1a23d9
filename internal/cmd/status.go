package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/offlinefirst/keyboard-monitor/pkg/runrecord"
)

func newStatusCommand(opts *rootOptions) *cobra.Command {
	var asJSON bool
	var path string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the record of the last run",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if path == "" {
				cfg, err := opts.loadConfig(true)
				if err != nil {
					return err
				}
				path = cfg.Paths.RecordFile
			}
			rec, err := runrecord.Load(path)
			if err != nil {
				if errors.Is(err, os.ErrNotExist) {
					return fmt.Errorf("no run recorded at %s", path)
				}
				return err
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(rec)
			}
			printRecord(cmd.OutOrStdout(), rec)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the raw record as JSON")
	cmd.Flags().StringVar(&path, "record", "", "Path to the run record (default: paths.record_file)")
	return cmd
}

func printRecord(w io.Writer, rec runrecord.Record) {
	fmt.Fprintf(w, "Run %s on %s (pid %d, version %s)\n", rec.RunID, rec.Hostname, rec.PID, rec.AppVersion)
	fmt.Fprintf(w, "  state: %s\n", rec.Status.State)
	if rec.Status.Termination != "" {
		fmt.Fprintf(w, "  termination: %s\n", rec.Status.Termination)
	}
	if rec.Status.StartedAt != nil {
		fmt.Fprintf(w, "  started: %s\n", rec.Status.StartedAt.Format(time.RFC3339))
	}
	if rec.Status.EndedAt != nil {
		fmt.Fprintf(w, "  ended: %s\n", rec.Status.EndedAt.Format(time.RFC3339))
	}
	fmt.Fprintf(w, "  provider: %s, table: %s\n", rec.Provider, rec.Table)
	fmt.Fprintf(w, "  delivered: %d, retried: %d, pending: %d\n", rec.Status.Delivered, rec.Status.Retried, rec.Status.Pending)
	if rec.Status.Error != "" {
		fmt.Fprintf(w, "  error: %s\n", rec.Status.Error)
	}
	if len(rec.Status.Timeline) > 0 {
		fmt.Fprintln(w, "  timeline:")
		for _, ev := range rec.Status.Timeline {
			fmt.Fprintf(w, "    - %s %s", ev.At.Format(time.RFC3339), ev.Kind)
			if ev.Detail != "" {
				fmt.Fprintf(w, " (%s)", ev.Detail)
			}
			fmt.Fprintln(w)
		}
	}
}
