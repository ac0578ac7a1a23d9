package runrecord

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/offlinefirst/keyboard-monitor/pkg/agent"
	"github.com/offlinefirst/keyboard-monitor/pkg/config"
)

func TestNewStartsRunning(t *testing.T) {
	cfg := config.Default()
	cfg.Source = "keyboard-monitor.yaml"
	started := time.Date(2024, 3, 15, 10, 30, 0, 0, time.FixedZone("CET", 3600))

	rec := New(Options{StartedAt: started, Hostname: "host", PID: 42, AppVersion: "v1", Provider: "evdev", Config: cfg})

	if rec.RunID != "20240315_093000" {
		t.Fatalf("unexpected run id: %q", rec.RunID)
	}
	if rec.Status.State != StateRunning {
		t.Fatalf("unexpected state: %q", rec.Status.State)
	}
	if rec.Table != "keyboard_monitor" || rec.ConfigSource != "keyboard-monitor.yaml" {
		t.Fatalf("unexpected record: %+v", rec)
	}
}

func TestFinishMarksOutcome(t *testing.T) {
	start := time.Date(2024, 3, 15, 9, 0, 0, 0, time.UTC)
	rec := New(Options{StartedAt: start, Config: config.Default()})

	rec.Finish(agent.Summary{
		StartedAt:   start,
		FinishedAt:  start.Add(time.Minute),
		Termination: agent.TerminationInterrupt,
		Delivered:   12,
		Retried:     2,
	}, nil)
	if rec.Status.State != StateCompleted || rec.Status.Delivered != 12 || rec.Status.Termination != "interrupt" {
		t.Fatalf("unexpected status: %+v", rec.Status)
	}
	if !rec.Status.EndedAt.Equal(start.Add(time.Minute)) {
		t.Fatalf("unexpected end: %v", rec.Status.EndedAt)
	}

	rec.Finish(agent.Summary{Termination: agent.TerminationDeliveryFailed, Pending: 3}, errors.New("boom"))
	if rec.Status.State != StateFailed || rec.Status.Error != "boom" || rec.Status.Pending != 3 {
		t.Fatalf("unexpected failed status: %+v", rec.Status)
	}
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "run.json")
	rec := New(Options{StartedAt: time.Now(), Hostname: "h", Config: config.Default()})
	rec.Finish(agent.Summary{
		Termination: agent.TerminationDrained,
		Timeline:    []agent.Event{{At: time.Now().UTC(), Kind: "running"}},
	}, nil)

	if err := Save(rec, path); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if _, err := os.Stat(path + ".tmp"); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("temporary file left behind: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.RunID != rec.RunID || loaded.Status.Termination != "drained" || len(loaded.Status.Timeline) != 1 {
		t.Fatalf("unexpected loaded record: %+v", loaded)
	}
}

func TestLoadRejectsUnknownSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.json")
	if err := os.WriteFile(path, []byte(`{"schema_version": 99}`), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatalf("expected schema error")
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Fatalf("expected missing file error")
	}
}
