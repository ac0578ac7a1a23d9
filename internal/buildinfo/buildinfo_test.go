package buildinfo

import "testing"

func TestSetVersionOverrides(t *testing.T) {
	orig := version
	defer func() { version = orig }()

	SetVersion("")
	if version != orig {
		t.Fatalf("empty version must not override")
	}
	SetVersion("v1.2.3")
	if got := Version(); got != "v1.2.3" {
		t.Fatalf("unexpected version %q", got)
	}
}

func TestRevisionPrefersLinkerValue(t *testing.T) {
	orig := revision
	defer func() { revision = orig }()

	revision = "abc123"
	if got := Revision(); got != "abc123" {
		t.Fatalf("unexpected revision %q", got)
	}
	revision = ""
	if Revision() == "" {
		t.Fatalf("revision must never be empty")
	}
}
