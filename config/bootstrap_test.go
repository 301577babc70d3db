package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/mzxrai/memva/store"
)

func TestLoadBootstrap_ParsesYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.yaml")
	contents := "maxTurns: 25\npermissionMode: plan\ndefaultDirectory: /srv/app\n"
	if err := os.WriteFile(path, []byte(contents), 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	b, err := LoadBootstrap(path)
	if err != nil {
		t.Fatalf("LoadBootstrap failed: %v", err)
	}
	if b.MaxTurns != 25 {
		t.Errorf("expected MaxTurns 25, got %d", b.MaxTurns)
	}
	if b.PermissionMode != "plan" {
		t.Errorf("expected PermissionMode plan, got %q", b.PermissionMode)
	}
	if b.DefaultDirectory != "/srv/app" {
		t.Errorf("expected DefaultDirectory /srv/app, got %q", b.DefaultDirectory)
	}
}

func TestLoadBootstrap_MissingFile(t *testing.T) {
	if _, err := LoadBootstrap(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected an error for a missing bootstrap file")
	}
}

func TestApply_WritesSettingsRow(t *testing.T) {
	s, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	b := &Bootstrap{MaxTurns: 12, PermissionMode: "acceptEdits", DefaultDirectory: "/work"}
	if err := Apply(context.Background(), s, b); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	got, err := s.GetSettings(context.Background())
	if err != nil {
		t.Fatalf("GetSettings failed: %v", err)
	}
	if got.MaxTurns != 12 || got.PermissionMode != "acceptEdits" || got.DefaultDirectory != "/work" {
		t.Errorf("unexpected settings after Apply: %+v", got)
	}
}
