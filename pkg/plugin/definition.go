package plugin

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/mod/semver"
	"gopkg.in/yaml.v3"
)

const (
	// MetadataFilename is the base name of a plugin metadata file.
	MetadataFilename = "fiftyone"
	// MaxSearchDepth bounds how deep DiscoverDefinitions looks for metadata.
	MaxSearchDepth = 3
)

var metadataExtensions = []string{"yml", "yaml"}

var (
	// ErrDuplicatePlugin is returned when two definitions share a name.
	ErrDuplicatePlugin = errors.New("plugin name is not unique")
	// ErrInvalidDefinition is returned for definitions missing required keys.
	ErrInvalidDefinition = errors.New("invalid plugin definition")
)

// Definition is the normalized metadata of an installed plugin. The JSON shape
// is the one served by the /plugins endpoint.
type Definition struct {
	Name               string   `json:"name"`
	Author             string   `json:"author,omitempty"`
	Version            string   `json:"version"`
	License            string   `json:"license"`
	Description        string   `json:"description"`
	Compatibility      string   `json:"fiftyone_compatibility"`
	Operators          []string `json:"operators"`
	JSBundle           string   `json:"js_bundle"`
	PyEntry            string   `json:"py_entry"`
	JSBundleExists     bool     `json:"js_bundle_exists"`
	JSBundleServerPath string   `json:"js_bundle_server_path"`
	HasPy              bool     `json:"has_py"`
	HasJS              bool     `json:"has_js"`

	Directory string `json:"-"`
}

// CanRegisterOperator reports whether the plugin declares the operator and
// ships a python entry point able to provide it.
func (d Definition) CanRegisterOperator(name string) bool {
	if !d.HasPy {
		return false
	}
	for _, op := range d.Operators {
		if op == name {
			return true
		}
	}
	return false
}

// Normalize fills derived fields so that decoded remote entries behave like
// locally discovered ones.
func (d Definition) Normalize() Definition {
	d.Name = strings.TrimSpace(d.Name)
	if d.Operators == nil {
		d.Operators = []string{}
	}
	if d.JSBundle != "" && d.JSBundleServerPath != "" {
		d.HasJS = true
	}
	d.JSBundleExists = d.HasJS
	if d.PyEntry != "" {
		d.HasPy = true
	}
	return d
}

type metadataFile struct {
	Name        string   `yaml:"name"`
	Author      string   `yaml:"author"`
	Version     string   `yaml:"version"`
	License     string   `yaml:"license"`
	Description string   `yaml:"description"`
	Operators   []string `yaml:"operators"`
	JSBundle    string   `yaml:"js_bundle"`
	PyEntry     string   `yaml:"py_entry"`
	Host        struct {
		Version string `yaml:"version"`
	} `yaml:"fiftyone"`
}

// LoadDefinition parses a metadata file. root is the plugins directory used to
// compute server paths; hostVersion is the default compatibility constraint.
func LoadDefinition(metadataPath, root, hostVersion string) (Definition, error) {
	raw, err := os.ReadFile(metadataPath)
	if err != nil {
		return Definition{}, fmt.Errorf("read plugin metadata: %w", err)
	}
	var meta metadataFile
	if err := yaml.Unmarshal(raw, &meta); err != nil {
		return Definition{}, fmt.Errorf("parse plugin metadata %s: %w", metadataPath, err)
	}
	if strings.TrimSpace(meta.Name) == "" {
		return Definition{}, fmt.Errorf("%w: %s is missing required field name", ErrInvalidDefinition, metadataPath)
	}

	dir := filepath.Dir(metadataPath)
	def := Definition{
		Name:          strings.TrimSpace(meta.Name),
		Author:        meta.Author,
		Version:       meta.Version,
		License:       meta.License,
		Description:   meta.Description,
		Compatibility: meta.Host.Version,
		Operators:     meta.Operators,
		Directory:     dir,
	}
	if def.Compatibility == "" {
		def.Compatibility = hostVersion
	}
	if def.Operators == nil {
		def.Operators = []string{}
	}

	if bundle := resolveJSBundle(dir, meta.JSBundle); bundle != "" {
		def.JSBundle = bundle
		def.HasJS = true
		def.JSBundleExists = true
		rel, err := filepath.Rel(root, dir)
		if err != nil {
			rel = filepath.Base(dir)
		}
		def.JSBundleServerPath = path.Join("/plugins", filepath.ToSlash(rel), bundle)
	}
	if entry := resolvePyEntry(dir, meta.PyEntry); entry != "" {
		def.PyEntry = entry
		def.HasPy = true
	}
	return def, nil
}

func resolveJSBundle(dir, declared string) string {
	if declared != "" && fileExists(filepath.Join(dir, declared)) {
		return declared
	}
	raw, err := os.ReadFile(filepath.Join(dir, "package.json"))
	if err != nil {
		return ""
	}
	var pkg struct {
		FiftyOne struct {
			Script string `json:"script"`
		} `json:"fiftyone"`
	}
	if err := json.Unmarshal(raw, &pkg); err != nil {
		return ""
	}
	if script := pkg.FiftyOne.Script; script != "" && fileExists(filepath.Join(dir, script)) {
		return script
	}
	return ""
}

func resolvePyEntry(dir, declared string) string {
	if declared != "" && fileExists(filepath.Join(dir, declared)) {
		return declared
	}
	if fileExists(filepath.Join(dir, "__init__.py")) {
		return "__init__.py"
	}
	return ""
}

func fileExists(p string) bool {
	info, err := os.Stat(p)
	return err == nil && !info.IsDir()
}

// FindMetadataFiles returns the metadata files below root: directories up to
// MaxSearchDepth-1 levels deep, plus node_modules/* and packages/*.
func FindMetadataFiles(root string) ([]string, error) {
	if root == "" {
		return nil, nil
	}
	var found []string
	for depth := 1; depth < MaxSearchDepth; depth++ {
		parts := []string{root}
		for i := 0; i < depth; i++ {
			parts = append(parts, "*")
		}
		matches, err := globMetadata(filepath.Join(parts...))
		if err != nil {
			return nil, err
		}
		found = append(found, matches...)
	}
	for _, vendored := range []string{"node_modules", "packages"} {
		matches, err := globMetadata(filepath.Join(root, vendored, "*"))
		if err != nil {
			return nil, err
		}
		found = append(found, matches...)
	}
	return dedupe(found), nil
}

func globMetadata(dirPattern string) ([]string, error) {
	var out []string
	for _, ext := range metadataExtensions {
		matches, err := filepath.Glob(filepath.Join(dirPattern, MetadataFilename+"."+ext))
		if err != nil {
			return nil, err
		}
		out = append(out, matches...)
	}
	return out, nil
}

func dedupe(paths []string) []string {
	seen := make(map[string]struct{}, len(paths))
	out := paths[:0]
	for _, p := range paths {
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// DiscoverDefinitions loads every enabled plugin definition below cfg.PluginDir.
// Files that fail to parse are reported through onError and skipped.
func DiscoverDefinitions(cfg ManagerConfig, onError func(path string, err error)) ([]Definition, error) {
	files, err := FindMetadataFiles(cfg.PluginDir)
	if err != nil {
		return nil, err
	}
	defs := make([]Definition, 0, len(files))
	for _, file := range files {
		def, err := LoadDefinition(file, cfg.PluginDir, cfg.HostVersion)
		if err != nil {
			if onError != nil {
				onError(file, err)
			}
			continue
		}
		if !cfg.IsEnabled(def.Name) {
			continue
		}
		defs = append(defs, def)
	}
	return ValidateDefinitions(defs)
}

// ValidateDefinitions rejects unnamed or duplicate definitions.
func ValidateDefinitions(defs []Definition) ([]Definition, error) {
	names := make(map[string]string, len(defs))
	for _, def := range defs {
		if def.Name == "" {
			return nil, fmt.Errorf("%w: definition in %s is missing a name", ErrInvalidDefinition, def.Directory)
		}
		if _, ok := names[def.Name]; ok {
			return nil, fmt.Errorf("%w: %s", ErrDuplicatePlugin, def.Name)
		}
		names[def.Name] = def.Directory
	}
	return defs, nil
}

// Compatible reports whether hostVersion satisfies the definition's
// compatibility constraint. See SatisfiesConstraint for the grammar.
func (d Definition) Compatible(hostVersion string) (bool, error) {
	return SatisfiesConstraint(d.Compatibility, hostVersion)
}

// SatisfiesConstraint evaluates a space or comma separated list of version
// comparisons (">=", ">", "<=", "<", "=", "^", "~"). A bare version means ">=".
// An empty constraint or "*" matches anything.
func SatisfiesConstraint(constraint, version string) (bool, error) {
	constraint = strings.TrimSpace(constraint)
	if constraint == "" || constraint == "*" {
		return true, nil
	}
	v := canonical(version)
	if !semver.IsValid(v) {
		return false, fmt.Errorf("invalid version %q", version)
	}
	for _, term := range strings.FieldsFunc(constraint, func(r rune) bool { return r == ' ' || r == ',' }) {
		ok, err := satisfiesTerm(term, v)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

func satisfiesTerm(term, v string) (bool, error) {
	op, raw := splitOperator(term)
	bound := canonical(raw)
	if !semver.IsValid(bound) {
		return false, fmt.Errorf("invalid version constraint %q", term)
	}
	cmp := semver.Compare(v, bound)
	switch op {
	case ">=", "":
		return cmp >= 0, nil
	case ">":
		return cmp > 0, nil
	case "<=":
		return cmp <= 0, nil
	case "<":
		return cmp < 0, nil
	case "=", "==":
		return cmp == 0, nil
	case "^":
		return cmp >= 0 && semver.Compare(v, caretCeiling(bound)) < 0, nil
	case "~":
		return cmp >= 0 && semver.Compare(v, nextMinor(bound)) < 0, nil
	}
	return false, fmt.Errorf("unknown operator in %q", term)
}

func splitOperator(term string) (string, string) {
	for _, op := range []string{">=", "<=", "==", ">", "<", "=", "^", "~"} {
		if strings.HasPrefix(term, op) {
			return op, strings.TrimSpace(term[len(op):])
		}
	}
	return "", term
}

func canonical(v string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return ""
	}
	if !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	return semver.Canonical(v)
}

func validVersion(v string) bool {
	return semver.IsValid(canonical(v))
}

func versionParts(v string) (int, int) {
	parts := strings.SplitN(strings.TrimPrefix(semver.MajorMinor(v), "v"), ".", 2)
	major, _ := strconv.Atoi(parts[0])
	minor := 0
	if len(parts) > 1 {
		minor, _ = strconv.Atoi(parts[1])
	}
	return major, minor
}

func caretCeiling(v string) string {
	major, minor := versionParts(v)
	if major == 0 {
		return fmt.Sprintf("v0.%d.0", minor+1)
	}
	return fmt.Sprintf("v%d.0.0", major+1)
}

func nextMinor(v string) string {
	major, minor := versionParts(v)
	return fmt.Sprintf("v%d.%d.0", major, minor+1)
}
