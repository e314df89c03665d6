package daemon

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"

	"github.com/nexusio/nexus/updater/internal/downloader"
)

// ProxyWatcher reloads the proxy configuration whenever its file changes
type ProxyWatcher struct {
	path  string
	apply func(*downloader.ProxyConfig)
	log   *log.Entry
}

// NewProxyWatcher creates a watcher that hands every successfully parsed config to apply
func NewProxyWatcher(path string, apply func(*downloader.ProxyConfig), logger *log.Entry) *ProxyWatcher {
	return &ProxyWatcher{
		path:  filepath.Clean(path),
		apply: apply,
		log:   logger.WithField("component", "proxy-watch"),
	}
}

// Load reads the proxy file once and applies it. A missing file disables the proxy.
func (w *ProxyWatcher) Load() error {
	cfg, err := downloader.LoadProxyConfig(w.path)
	if err != nil {
		return err
	}
	if cfg == nil || !cfg.Enabled {
		w.log.Infof("no proxy configured in %s", w.path)
	} else {
		w.log.Infof("using %s proxy %s:%d", cfg.Type, cfg.Server.Host, cfg.Server.Port)
	}
	w.apply(cfg)
	return nil
}

// Watch blocks until ctx is done, reloading the config on every change.
// The directory is watched so editors that replace the file are handled.
func (w *ProxyWatcher) Watch(ctx context.Context, ready chan<- struct{}) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer func() {
		if err := watcher.Close(); err != nil {
			w.log.Warnf("failed to close watcher: %v", err)
		}
	}()

	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(w.path), err)
	}
	if ready != nil {
		close(ready)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return errors.New("watcher closed unexpectedly")
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) && !event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
				continue
			}

			w.log.Debugf("proxy config event: %s", event)
			if err := w.Load(); err != nil {
				w.log.Warnf("keeping previous proxy settings: %v", err)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return errors.New("watcher closed unexpectedly")
			}
			w.log.Warnf("proxy config watcher error: %v", err)
		}
	}
}
