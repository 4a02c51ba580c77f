package plugin

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"OperatorHub/pkg/logger"
)

// DirectoryFetcher serves definitions discovered on the local filesystem.
type DirectoryFetcher struct {
	Config ManagerConfig
}

// FetchPlugins implements MetadataFetcher.
func (f DirectoryFetcher) FetchPlugins(context.Context) ([]Definition, error) {
	log := logger.Named("plugin.discovery")
	return DiscoverDefinitions(f.Config, func(path string, err error) {
		log.Warn("skipping plugin metadata", slog.String("path", path), slog.Any("error", err))
	})
}

// Change describes how the installed plugin set changed between two scans.
type Change struct {
	Added   []Definition
	Removed []string
	Updated []Definition
}

// Empty reports whether nothing changed.
func (c Change) Empty() bool {
	return len(c.Added) == 0 && len(c.Removed) == 0 && len(c.Updated) == 0
}

// Diff compares two definition sets by name and version.
func Diff(before, after []Definition) Change {
	prev := make(map[string]Definition, len(before))
	for _, def := range before {
		prev[def.Name] = def
	}
	var change Change
	for _, def := range after {
		old, ok := prev[def.Name]
		switch {
		case !ok:
			change.Added = append(change.Added, def)
		case old.Version != def.Version || old.JSBundle != def.JSBundle || old.PyEntry != def.PyEntry:
			change.Updated = append(change.Updated, def)
		}
		delete(prev, def.Name)
	}
	for name := range prev {
		change.Removed = append(change.Removed, name)
	}
	sort.Strings(change.Removed)
	return change
}

// Watcher rescans the plugin directory when files change, so a host can
// hot-reload plugins.
type Watcher struct {
	cfg      ManagerConfig
	debounce time.Duration
	onChange func(Change)
	log      *slog.Logger

	mu      sync.Mutex
	current []Definition
}

// NewWatcher builds a watcher. onChange is called from the watcher goroutine.
func NewWatcher(cfg ManagerConfig, debounce time.Duration, onChange func(Change)) (*Watcher, error) {
	if cfg.PluginDir == "" {
		return nil, errors.New("plugin directory cannot be empty")
	}
	if onChange == nil {
		return nil, errors.New("change callback cannot be nil")
	}
	if debounce <= 0 {
		debounce = 250 * time.Millisecond
	}
	return &Watcher{cfg: cfg, debounce: debounce, onChange: onChange, log: logger.Named("plugin.watcher")}, nil
}

// Scan rediscovers definitions and reports the change since the previous scan.
func (w *Watcher) Scan(ctx context.Context) (Change, error) {
	defs, err := DirectoryFetcher{Config: w.cfg}.FetchPlugins(ctx)
	if err != nil {
		return Change{}, err
	}
	w.mu.Lock()
	change := Diff(w.current, defs)
	w.current = defs
	w.mu.Unlock()
	return change, nil
}

// Run watches until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fsw.Close()

	if err := w.addTree(fsw, w.cfg.PluginDir); err != nil {
		return err
	}
	if _, err := w.Scan(ctx); err != nil {
		return err
	}

	var timer *time.Timer
	fire := make(chan struct{}, 1)
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return ctx.Err()
		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if event.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					_ = w.addTree(fsw, event.Name)
				}
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.debounce, func() {
				select {
				case fire <- struct{}{}:
				default:
				}
			})
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("plugin watcher error", slog.Any("error", err))
		case <-fire:
			change, err := w.Scan(ctx)
			if err != nil {
				w.log.Error("plugin rescan failed", slog.Any("error", err))
				continue
			}
			if !change.Empty() {
				w.onChange(change)
			}
		}
	}
}

func (w *Watcher) addTree(fsw *fsnotify.Watcher, root string) error {
	baseDepth := depthOf(w.cfg.PluginDir)
	return filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if depthOf(path)-baseDepth > MaxSearchDepth {
			return filepath.SkipDir
		}
		return fsw.Add(path)
	})
}

func depthOf(p string) int {
	clean := filepath.Clean(p)
	depth := 0
	for _, r := range clean {
		if r == filepath.Separator {
			depth++
		}
	}
	return depth
}
