package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "operatorhub.json")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `{"plugins":{"dir":"my-plugins","manager_file":"plugins.yaml"},"logging":{"audit":{"path":"logs/audit.log"}}}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	base := filepath.Dir(path)

	if cfg.Server.Address != ":8080" {
		t.Fatalf("unexpected address: %s", cfg.Server.Address)
	}
	if cfg.Plugins.Dir != filepath.Join(base, "my-plugins") {
		t.Fatalf("plugin dir should resolve against config dir, got %s", cfg.Plugins.Dir)
	}
	if cfg.Plugins.ManagerFile != filepath.Join(base, "plugins.yaml") {
		t.Fatalf("unexpected manager file: %s", cfg.Plugins.ManagerFile)
	}
	if cfg.Queue.Driver != "memory" || cfg.Queue.Workers != 2 || cfg.Settings.Driver != "memory" {
		t.Fatalf("unexpected backend defaults: %+v %+v", cfg.Queue, cfg.Settings)
	}
	if cfg.Logging.Audit.Path != filepath.Join(base, "logs", "audit.log") {
		t.Fatalf("unexpected audit path: %s", cfg.Logging.Audit.Path)
	}
	if cfg.Plugins.Debounce().Milliseconds() != 250 {
		t.Fatalf("unexpected debounce: %s", cfg.Plugins.Debounce())
	}
}

func TestLoadRejectsIncompleteBackends(t *testing.T) {
	cases := map[string]string{
		"redis without address": `{"queue":{"driver":"redis"}}`,
		"rabbitmq without url":  `{"queue":{"driver":"RabbitMQ"}}`,
		"unknown queue":         `{"queue":{"driver":"kafka"}}`,
		"mysql without dsn":     `{"settings":{"driver":"mysql"}}`,
		"unknown settings":      `{"settings":{"driver":"etcd"}}`,
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, content)); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestLoadErrors(t *testing.T) {
	if _, err := Load(""); err == nil {
		t.Fatal("expected error for empty path")
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Fatal("expected error for missing file")
	}
	if _, err := Load(writeConfig(t, `{not json`)); err == nil {
		t.Fatal("expected error for malformed file")
	}
}

func TestDefaultPathFromEnv(t *testing.T) {
	t.Setenv(EnvPath, "/etc/operatorhub.json")
	if got := DefaultPath(); got != "/etc/operatorhub.json" {
		t.Fatalf("unexpected path: %s", got)
	}
	t.Setenv(EnvPath, "")
	if got := DefaultPath(); got != filepath.Join("configs", "operatorhub.json") {
		t.Fatalf("unexpected default path: %s", got)
	}
}
