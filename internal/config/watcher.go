package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const watchDebounce = 300 * time.Millisecond

// Watch reloads the config whenever config.yaml changes and invokes onChange
// with the new value. Editors fire several events per save, so changes are
// debounced. Returns once ctx is done.
func Watch(ctx context.Context, homeDir string, logger *slog.Logger, onChange func(Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(homeDir); err != nil {
		return err
	}
	target := filepath.Join(homeDir, FileName)

	var debounce *time.Timer
	fire := make(chan struct{}, 1)
	lastFP := ""

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Name != target {
				continue
			}
			if !ev.Op.Has(fsnotify.Write) && !ev.Op.Has(fsnotify.Create) && !ev.Op.Has(fsnotify.Rename) {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(watchDebounce, func() {
				select {
				case fire <- struct{}{}:
				default:
				}
			})
		case <-fire:
			cfg, err := Load(homeDir)
			if err != nil {
				logger.Warn("config: reload failed, keeping previous", "error", err)
				continue
			}
			fp := cfg.Fingerprint()
			if fp == lastFP {
				continue
			}
			lastFP = fp
			logger.Info("config: reloaded", "fingerprint", fp)
			onChange(cfg)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("config: watcher error", "error", err)
		}
	}
}
