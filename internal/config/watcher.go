package config

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
)

// ReloadKind says which watched tree a change came from.
type ReloadKind string

const (
	ReloadConfig ReloadKind = "config"
	ReloadRoster ReloadKind = "roster"
)

type ReloadEvent struct {
	Kind ReloadKind
	Path string
	Op   fsnotify.Op
}

// Watcher reports changes to config.yaml and to butler declarations under the
// roster directory. Events are dropped when the consumer falls behind; a
// dropped roster event is covered by the next one since rediscovery rescans
// the whole tree.
type Watcher struct {
	homeDir   string
	rosterDir string
	logger    *slog.Logger
	events    chan ReloadEvent
}

func NewWatcher(homeDir, rosterDir string, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		homeDir:   homeDir,
		rosterDir: rosterDir,
		logger:    logger,
		events:    make(chan ReloadEvent, 16),
	}
}

func (w *Watcher) Events() <-chan ReloadEvent {
	return w.events
}

func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	// config.yaml is matched by name so rename-based saves are still seen.
	if err := fsw.Add(w.homeDir); err != nil {
		_ = fsw.Close()
		return err
	}
	if w.rosterDir != "" {
		w.addRosterTree(fsw)
	}

	go func() {
		defer fsw.Close()
		defer close(w.events)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				w.handle(fsw, ev)
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				w.logger.Error("config watcher error", "error", err)
			}
		}
	}()
	return nil
}

func (w *Watcher) handle(fsw *fsnotify.Watcher, ev fsnotify.Event) {
	if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
		return
	}
	var kind ReloadKind
	switch {
	case filepath.Clean(ev.Name) == filepath.Clean(ConfigPath(w.homeDir)):
		if ev.Op&fsnotify.Remove != 0 {
			return
		}
		kind = ReloadConfig
	case w.inRoster(ev.Name):
		if ev.Op&fsnotify.Create != 0 {
			if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
				_ = fsw.Add(ev.Name)
			}
		}
		if filepath.Clean(ev.Name) == filepath.Clean(w.rosterDir) && ev.Op&fsnotify.Create != 0 {
			w.addRosterTree(fsw)
		}
		kind = ReloadRoster
	default:
		return
	}
	select {
	case w.events <- ReloadEvent{Kind: kind, Path: ev.Name, Op: ev.Op}:
	default:
	}
	w.logger.Info("watched file changed", "kind", kind, "path", ev.Name, "op", ev.Op.String())
}

func (w *Watcher) inRoster(path string) bool {
	if w.rosterDir == "" {
		return false
	}
	root := filepath.Clean(w.rosterDir)
	path = filepath.Clean(path)
	return path == root || strings.HasPrefix(path, root+string(filepath.Separator))
}

// addRosterTree watches the roster directory and its immediate children,
// where butler.toml files live.
func (w *Watcher) addRosterTree(fsw *fsnotify.Watcher) {
	if err := fsw.Add(w.rosterDir); err != nil {
		w.logger.Warn("roster directory not watched", "dir", w.rosterDir, "error", err)
		return
	}
	entries, err := os.ReadDir(w.rosterDir)
	if err != nil {
		return
	}
	for _, e := range entries {
		if e.IsDir() {
			_ = fsw.Add(filepath.Join(w.rosterDir, e.Name()))
		}
	}
}
