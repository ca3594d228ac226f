package config

import (
	"log"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads the config file when it changes on disk and delivers the
// new config to onChange. Reloads are debounced since editors typically fire
// several write events per save.
type Watcher struct {
	path     string
	onChange func(Config)
	watcher  *fsnotify.Watcher
	closed   chan struct{}
}

// Watch starts watching path's parent directory for changes to the config
// file. onChange is called with the freshly loaded config; invalid configs
// are logged and skipped, never delivered.
func Watch(path string, onChange func(Config)) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	// Watch the directory, not the file: many editors replace the file on
	// save, which would drop a direct file watch.
	if err := fw.Add(filepath.Dir(path)); err != nil {
		fw.Close()
		return nil, err
	}

	w := &Watcher{
		path:     path,
		onChange: onChange,
		watcher:  fw,
		closed:   make(chan struct{}),
	}
	go w.watchLoop()
	return w, nil
}

func (w *Watcher) watchLoop() {
	var debounce *time.Timer

	for {
		select {
		case <-w.closed:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(200*time.Millisecond, w.reload)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("CONFIG: watcher error: %v", err)
		}
	}
}

func (w *Watcher) reload() {
	select {
	case <-w.closed:
		return
	default:
	}

	cfg, err := Load(w.path)
	if err != nil {
		log.Printf("CONFIG: hot reload failed for %s: %v", w.path, err)
		return
	}
	log.Printf("CONFIG: reloaded %s", w.path)
	w.onChange(cfg)
}

func (w *Watcher) Close() error {
	select {
	case <-w.closed:
		return nil
	default:
		close(w.closed)
	}
	return w.watcher.Close()
}
