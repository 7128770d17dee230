package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/morphicai/driftsync/internal/descriptor"
	"github.com/morphicai/driftsync/internal/record"
)

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "syncd.yaml")
	cfgYAML := `
database: ` + filepath.Join(dir, "local.db") + `
remote:
  url: https://api.example.test/rest/v1
  api_key: secret
user_id: U1
debounce_ms: 250
tables:
  - local: tasks
    user_field: user_id
    fields: [title, notes]
    unique_keys:
      - local: title
        remote: title
`
	if err := os.WriteFile(path, []byte(cfgYAML), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := loadConfig(path)
	if err != nil {
		t.Fatalf("loadConfig failed: %v", err)
	}
	if cfg.Remote.URL != "https://api.example.test/rest/v1" || cfg.UserID != "U1" {
		t.Errorf("unexpected config: %+v", cfg)
	}
	if cfg.debounce().Milliseconds() != 250 {
		t.Errorf("debounce = %v, want 250ms", cfg.debounce())
	}
	if len(cfg.Tables) != 1 || cfg.Tables[0].Local != "tasks" {
		t.Fatalf("unexpected tables: %+v", cfg.Tables)
	}
}

func TestLoadConfigRequiresRemoteURL(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "syncd.yaml")
	if err := os.WriteFile(path, []byte("tables:\n  - local: tasks\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := loadConfig(path); err == nil {
		t.Fatal("expected error for missing remote.url")
	}
}

func TestBuildDescriptorDefaults(t *testing.T) {
	tc := tableConfig{Local: "tasks", Fields: []string{"title"}}

	d, err := buildDescriptor(tc)
	if err != nil {
		t.Fatalf("buildDescriptor failed: %v", err)
	}
	if d.RemoteTable != "tasks" || d.Keys.RemotePK != "id" || d.Keys.LocalRemoteIDField != "remote_id" {
		t.Errorf("unexpected defaults: %+v", d)
	}
	if d.Timestamps.LocalField != "updated_at" || d.Timestamps.RemoteField != "updated_at" {
		t.Errorf("unexpected timestamp defaults: %+v", d.Timestamps)
	}
	if d.Scope != nil {
		t.Error("scope should be absent without a user field")
	}
}

func TestBuildDescriptorMappings(t *testing.T) {
	tc := tableConfig{
		Local:     "tasks",
		Fields:    []string{"title", "notes"},
		UserField: "user_id",
	}
	d, err := buildDescriptor(tc)
	if err != nil {
		t.Fatalf("buildDescriptor failed: %v", err)
	}

	local, err := d.RemoteToLocal(map[string]any{
		"id": "R1", "title": "A", "notes": "n", "extra": "dropped",
	}, descriptor.Context{})
	if err != nil {
		t.Fatalf("RemoteToLocal failed: %v", err)
	}
	if local["title"] != "A" || local["notes"] != "n" {
		t.Errorf("fields should copy through: %v", local)
	}
	if _, ok := local["extra"]; ok {
		t.Error("unlisted fields must not leak into the local row")
	}

	remote, err := d.LocalToRemote(map[string]any{
		"id": "L1", "title": "A", "updated_at": int64(1735689600000),
	}, descriptor.Context{})
	if err != nil {
		t.Fatalf("LocalToRemote failed: %v", err)
	}
	if remote["title"] != "A" {
		t.Errorf("fields should copy through: %v", remote)
	}
	if got := record.RemoteMillis(remote["updated_at"]); got != 1735689600000 {
		t.Errorf("remote timestamp should render the local instant, got %v", remote["updated_at"])
	}
}
