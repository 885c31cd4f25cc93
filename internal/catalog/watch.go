package catalog

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
)

const debounceInterval = 500 * time.Millisecond

// skipDirs are never watched. The runtime dir is written by the supervisor
// on every start and would otherwise trigger reload loops.
var skipDirs = map[string]bool{
	"logs":         true,
	"runtime":      true,
	"node_modules": true,
}

// Watch reloads the catalog whenever a file under the data directory
// changes. Bursts of events are coalesced. It returns once the watcher is
// running; the loop exits when ctx is done.
func (c *Catalog) Watch(ctx context.Context) error {
	fsW, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "create watcher")
	}
	for _, sub := range []string{profilesDir, tasksDir} {
		_ = os.MkdirAll(filepath.Join(c.dir, sub), 0o755)
	}
	if err := addDirsRecursive(fsW, c.dir); err != nil {
		fsW.Close()
		return errors.Wrap(err, "watch data dir")
	}

	go c.watchLoop(ctx, fsW)
	return nil
}

func (c *Catalog) watchLoop(ctx context.Context, fsW *fsnotify.Watcher) {
	defer fsW.Close()

	var timer *time.Timer
	reload := func() {
		if err := c.Load(); err != nil {
			c.log.WithError(err).Warn("catalog reload failed")
		}
	}

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return

		case event, ok := <-fsW.Events:
			if !ok {
				return
			}
			base := filepath.Base(event.Name)
			if event.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if !skipDirs[base] && !isHidden(base) {
						_ = fsW.Add(event.Name)
					}
				}
			}
			if isHidden(base) || filepath.Ext(base) == ".tmp" {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(debounceInterval, reload)

		case err, ok := <-fsW.Errors:
			if !ok {
				return
			}
			c.log.WithError(err).Warn("watcher error")
		}
	}
}

func addDirsRecursive(w *fsnotify.Watcher, dir string) error {
	return filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil || !d.IsDir() {
			return nil
		}
		name := d.Name()
		if path != dir && (skipDirs[name] || isHidden(name)) {
			return filepath.SkipDir
		}
		return w.Add(path)
	})
}
