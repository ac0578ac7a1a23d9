package runrecord

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/offlinefirst/keyboard-monitor/pkg/agent"
	"github.com/offlinefirst/keyboard-monitor/pkg/config"
)

// SchemaVersion captures the record version for compatibility checks.
const SchemaVersion = 1

// Run states stored in the record.
const (
	StateRunning   = "running"
	StateCompleted = "completed"
	StateFailed    = "failed"
)

// Status summarises the lifecycle of an agent run.
type Status struct {
	State       string        `json:"state"`
	StartedAt   *time.Time    `json:"started_at,omitempty"`
	EndedAt     *time.Time    `json:"ended_at,omitempty"`
	Termination string        `json:"termination,omitempty"`
	Error       string        `json:"error,omitempty"`
	Delivered   int64         `json:"delivered"`
	Retried     int64         `json:"retried"`
	Pending     int           `json:"pending"`
	Timeline    []agent.Event `json:"timeline,omitempty"`
}

// Record is the durable metadata describing the most recent run.
type Record struct {
	SchemaVersion int    `json:"schema_version"`
	RunID         string `json:"run_id"`
	Hostname      string `json:"hostname"`
	PID           int    `json:"pid"`
	AppVersion    string `json:"app_version"`
	ConfigSource  string `json:"config_source"`
	Provider      string `json:"provider"`
	Table         string `json:"table"`
	Status        Status `json:"status"`
}

// Options captures the knobs for creating a new record.
type Options struct {
	StartedAt  time.Time
	Hostname   string
	PID        int
	AppVersion string
	Provider   string
	Config     config.Config
}

// New constructs a record in the running state.
func New(opts Options) Record {
	started := opts.StartedAt.UTC()
	return Record{
		SchemaVersion: SchemaVersion,
		RunID:         ResolveRunID(started),
		Hostname:      opts.Hostname,
		PID:           opts.PID,
		AppVersion:    opts.AppVersion,
		ConfigSource:  opts.Config.Source,
		Provider:      opts.Provider,
		Table:         opts.Config.Database.Table,
		Status:        Status{State: StateRunning, StartedAt: &started},
	}
}

// Finish copies the outcome of a run into the record.
func (r *Record) Finish(summary agent.Summary, runErr error) {
	r.Status.State = StateCompleted
	if runErr != nil || summary.Termination.Failed() {
		r.Status.State = StateFailed
	}
	if runErr != nil {
		r.Status.Error = runErr.Error()
	}
	if !summary.StartedAt.IsZero() {
		started := summary.StartedAt.UTC()
		r.Status.StartedAt = &started
	}
	ended := summary.FinishedAt.UTC()
	if summary.FinishedAt.IsZero() {
		ended = time.Now().UTC()
	}
	r.Status.EndedAt = &ended
	r.Status.Termination = string(summary.Termination)
	r.Status.Delivered = summary.Delivered
	r.Status.Retried = summary.Retried
	r.Status.Pending = summary.Pending
	r.Status.Timeline = summary.Timeline
}

// Save writes the record JSON next to path and renames it into place so a
// concurrent reader never sees a partial file.
func Save(rec Record, path string) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal run record: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create run record directory: %w", err)
		}
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write run record: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("replace run record: %w", err)
	}
	return nil
}

// Load reads a record JSON file from disk.
func Load(path string) (Record, error) {
	var rec Record
	data, err := os.ReadFile(path)
	if err != nil {
		return rec, fmt.Errorf("read run record: %w", err)
	}
	if err := json.Unmarshal(data, &rec); err != nil {
		return rec, fmt.Errorf("decode run record: %w", err)
	}
	if rec.SchemaVersion != SchemaVersion {
		return rec, fmt.Errorf("unsupported run record schema %d", rec.SchemaVersion)
	}
	return rec, nil
}

// ResolveRunID derives a run identifier from the start time.
func ResolveRunID(now time.Time) string {
	return now.UTC().Format("20060102_150405")
}
