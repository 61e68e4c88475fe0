package config

import (
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
)

// WatchAppConfig watches agent.yaml and invokes onReload after the file
// has been rewritten. Editors replace files with rename+create, so the
// watch is placed on the directory and filtered by name. Events are
// debounced because a single save usually produces several of them.
func WatchAppConfig(onReload func()) (*fsnotify.Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	dir := filepath.Dir(ConfigFile)
	if dir == "" {
		dir = "."
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, err
	}

	go func() {
		var timer *time.Timer
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Base(event.Name) != filepath.Base(ConfigFile) {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
					continue
				}
				if timer != nil {
					timer.Stop()
				}
				timer = time.AfterFunc(500*time.Millisecond, func() {
					if err := LoadAppConfig(); err != nil {
						log.Errorf("config reload failed, keeping previous configuration: %v", err)
						return
					}
					log.Infof("configuration reloaded from %s", ConfigFile)
					if onReload != nil {
						onReload()
					}
				})
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Errorf("config watcher error: %v", err)
			}
		}
	}()

	return watcher, nil
}
