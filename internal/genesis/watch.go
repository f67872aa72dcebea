package genesis

import (
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"

	"github.com/machina/machina/internal/logging"
)

// Watcher watches cfg.PluginDir for newly-dropped .so files and reports
// them on Loads, for enqueuing into GENESIS.LOAD_PLUGIN. Grounded on the
// teacher's fsnotify usage for watching .nerd/ config/tool directories,
// retargeted at runtime_plugins/.
type Watcher struct {
	w     *fsnotify.Watcher
	Loads chan string
	done  chan struct{}
}

// NewWatcher starts watching dir for new/renamed .so files.
func NewWatcher(dir string) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, err
	}
	watcher := &Watcher{w: fw, Loads: make(chan string, 16), done: make(chan struct{})}
	go watcher.run()
	return watcher, nil
}

func (w *Watcher) run() {
	log := logging.Get(logging.CategoryGenesis)
	defer close(w.Loads)
	for {
		select {
		case ev, ok := <-w.w.Events:
			if !ok {
				return
			}
			if !strings.HasSuffix(ev.Name, ".so") {
				continue
			}
			if ev.Op&(fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			select {
			case w.Loads <- filepath.Clean(ev.Name):
			default:
				log.Warnw("genesis plugin watcher channel full, dropping event", "path", ev.Name)
			}
		case err, ok := <-w.w.Errors:
			if !ok {
				return
			}
			log.Warnw("genesis plugin watcher error", "error", err)
		case <-w.done:
			return
		}
	}
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	close(w.done)
	return w.w.Close()
}
