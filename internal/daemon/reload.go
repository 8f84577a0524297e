package daemon

import (
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/msageha/phasegraph/internal/coherence"
	"github.com/msageha/phasegraph/internal/logging"
	"github.com/msageha/phasegraph/internal/yaml"
)

// watchConfig watches the config file's directory; editors replace files
// by rename, which drops a watch on the file itself.
func (d *Daemon) watchConfig() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(d.configPath)); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watch %s: %w", filepath.Dir(d.configPath), err)
	}
	d.watcher = watcher

	d.wg.Add(1)
	go d.fsnotifyLoop()
	return nil
}

func (d *Daemon) fsnotifyLoop() {
	defer d.wg.Done()
	target := filepath.Clean(d.configPath)

	for {
		select {
		case <-d.ctx.Done():
			return
		case event, ok := <-d.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				d.log().Debugf("fsnotify event=%s file=%s", event.Op, event.Name)
				d.Reload()
			}
		case err, ok := <-d.watcher.Errors:
			if !ok {
				return
			}
			d.log().Errorf("fsnotify error=%v", err)
		}
	}
}

// Reload re-reads the config file and applies the settings that can change
// at runtime: log level and coherence thresholds. Other changes need a
// restart. An invalid file leaves the running config untouched.
func (d *Daemon) Reload() {
	l := d.log()
	cfg, err := yaml.LoadConfig(d.configPath)
	if err != nil {
		l.Warnf("config reload rejected: %v", err)
		return
	}
	th := coherence.ThresholdsFromConfig(cfg.Coherence)
	if err := d.monitor.SetThresholds(th); err != nil {
		l.Warnf("config reload rejected: %v", err)
		return
	}
	d.logger.SetLevel(logging.ParseLevel(cfg.Logging.Level))

	d.mu.Lock()
	prev := d.config
	d.config.Logging = cfg.Logging
	d.config.Coherence.ImbalanceRatio = cfg.Coherence.ImbalanceRatio
	d.config.Coherence.ImbalanceMinTasks = cfg.Coherence.ImbalanceMinTasks
	d.config.Coherence.StagnationAfterSec = cfg.Coherence.StagnationAfterSec
	d.config.Coherence.BlockedFraction = cfg.Coherence.BlockedFraction
	d.mu.Unlock()

	if prev.Store != cfg.Store || prev.Daemon != cfg.Daemon || prev.Metrics != cfg.Metrics || prev.Events != cfg.Events {
		l.Warnf("config reload: only logging and coherence thresholds apply without a restart")
	}
	l.Infof("config reloaded level=%s imbalance_ratio=%v stagnation_after=%s blocked_fraction=%v",
		cfg.Logging.Level, th.ImbalanceRatio, th.StagnationAfter, th.BlockedFraction)
}
