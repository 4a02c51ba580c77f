package plugin

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir %s: %v", path, err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestDiscoverDefinitions(t *testing.T) {
	root := t.TempDir()

	writeFile(t, filepath.Join(root, "map", "fiftyone.yml"), `name: "@acme/map"
version: 1.2.0
license: MIT
description: Map panel
operators: [open_map, export_map]
js_bundle: dist/index.so
fiftyone:
  version: ">=0.21"
`)
	writeFile(t, filepath.Join(root, "map", "dist", "index.so"), "bundle")
	writeFile(t, filepath.Join(root, "map", "__init__.py"), "")

	writeFile(t, filepath.Join(root, "org", "brain", "fiftyone.yaml"), `name: brain
operators: [compute]
`)
	writeFile(t, filepath.Join(root, "org", "brain", "package.json"), `{"fiftyone": {"script": "build/brain.so"}}`)
	writeFile(t, filepath.Join(root, "org", "brain", "build", "brain.so"), "bundle")

	writeFile(t, filepath.Join(root, "node_modules", "vendored", "fiftyone.yml"), "name: vendored\n")
	writeFile(t, filepath.Join(root, "broken", "fiftyone.yml"), "version: 1.0\n")
	writeFile(t, filepath.Join(root, "off", "fiftyone.yml"), "name: off\n")

	off := false
	cfg := ManagerConfig{PluginDir: root, HostVersion: "0.22.0", Plugins: map[string]PluginConfig{"off": {Enabled: &off}}}
	var skipped []string
	defs, err := DiscoverDefinitions(cfg, func(path string, err error) {
		skipped = append(skipped, path)
	})
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	if len(skipped) != 1 {
		t.Fatalf("expected the nameless definition to be skipped, got %v", skipped)
	}

	byName := map[string]Definition{}
	for _, def := range defs {
		byName[def.Name] = def
	}
	if len(byName) != 3 {
		t.Fatalf("expected 3 definitions, got %+v", defs)
	}

	m := byName["@acme/map"]
	if !m.HasJS || !m.JSBundleExists || m.JSBundle != "dist/index.so" {
		t.Fatalf("map bundle not resolved: %+v", m)
	}
	if m.JSBundleServerPath != "/plugins/map/dist/index.so" {
		t.Fatalf("unexpected server path %q", m.JSBundleServerPath)
	}
	if !m.HasPy || m.PyEntry != "__init__.py" {
		t.Fatalf("expected __init__.py fallback, got %+v", m)
	}
	if !m.CanRegisterOperator("open_map") || m.CanRegisterOperator("missing") {
		t.Fatal("unexpected operator registration capability")
	}
	if ok, err := m.Compatible("0.22.0"); err != nil || !ok {
		t.Fatalf("expected compatibility with 0.22.0, got %v %v", ok, err)
	}

	brain := byName["brain"]
	if brain.JSBundle != "build/brain.so" || brain.Compatibility != "0.22.0" {
		t.Fatalf("package.json script or default compatibility not applied: %+v", brain)
	}
	if brain.HasPy || brain.CanRegisterOperator("compute") {
		t.Fatal("brain has no python entry")
	}
	if _, ok := byName["vendored"]; !ok {
		t.Fatal("node_modules plugin not discovered")
	}
}

func TestValidateDefinitionsDuplicate(t *testing.T) {
	_, err := ValidateDefinitions([]Definition{{Name: "a"}, {Name: "b"}, {Name: "a"}})
	if !errors.Is(err, ErrDuplicatePlugin) {
		t.Fatalf("expected duplicate error, got %v", err)
	}
	_, err = ValidateDefinitions([]Definition{{Directory: "/x"}})
	if !errors.Is(err, ErrInvalidDefinition) {
		t.Fatalf("expected invalid definition error, got %v", err)
	}
}

func TestSatisfiesConstraint(t *testing.T) {
	cases := []struct {
		constraint string
		version    string
		want       bool
	}{
		{"", "0.1.0", true},
		{"*", "9.0.0", true},
		{">=0.21", "0.21.0", true},
		{">=0.21", "0.20.9", false},
		{">=0.21 <0.23", "0.22.1", true},
		{">=0.21, <0.23", "0.23.0", false},
		{"^1.2.0", "1.9.0", true},
		{"^1.2.0", "2.0.0", false},
		{"^0.21.0", "0.22.0", false},
		{"~0.21.1", "0.21.9", true},
		{"~0.21.1", "0.22.0", false},
		{"=1.0.0", "1.0.0", true},
		{"0.21.0", "0.21.5", true},
	}
	for _, tc := range cases {
		got, err := SatisfiesConstraint(tc.constraint, tc.version)
		if err != nil {
			t.Fatalf("%q vs %q: %v", tc.constraint, tc.version, err)
		}
		if got != tc.want {
			t.Errorf("%q vs %q: got %v want %v", tc.constraint, tc.version, got, tc.want)
		}
	}

	if _, err := SatisfiesConstraint(">=banana", "1.0.0"); err == nil {
		t.Fatal("expected error for invalid constraint")
	}
}

func TestDiff(t *testing.T) {
	before := []Definition{{Name: "a", Version: "1"}, {Name: "b", Version: "1"}}
	after := []Definition{{Name: "a", Version: "2"}, {Name: "c", Version: "1"}}
	change := Diff(before, after)
	if len(change.Added) != 1 || change.Added[0].Name != "c" {
		t.Fatalf("unexpected added: %+v", change.Added)
	}
	if len(change.Updated) != 1 || change.Updated[0].Name != "a" {
		t.Fatalf("unexpected updated: %+v", change.Updated)
	}
	if len(change.Removed) != 1 || change.Removed[0] != "b" {
		t.Fatalf("unexpected removed: %+v", change.Removed)
	}
	if !Diff(after, after).Empty() {
		t.Fatal("identical sets should not differ")
	}
}
