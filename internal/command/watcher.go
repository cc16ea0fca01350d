package command

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/joss/agentgate/internal/domain"
	"github.com/joss/agentgate/internal/logging"
)

// DefaultDebounce is the quiet period before a changed codebase is reloaded.
const DefaultDebounce = 250 * time.Millisecond

// Watcher reloads a codebase's templates when files under its template
// roots change. fsnotify is not recursive, so every subdirectory is added.
type Watcher struct {
	loader   *Loader
	watcher  *fsnotify.Watcher
	debounce time.Duration
	log      *logging.Logger

	mu      sync.Mutex
	dirs    map[string]*domain.Codebase // watched template directory -> owner
	parents map[string]*domain.Codebase // watched directories leading to a root
	timers  map[string]*time.Timer      // codebase id -> pending reload

	// OnReload, if set, is called after each reload attempt.
	OnReload func(cb *domain.Codebase, loaded int, err error)
}

// NewWatcher creates a watcher. A non-positive debounce uses DefaultDebounce.
func NewWatcher(loader *Loader, debounce time.Duration) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	return &Watcher{
		loader:   loader,
		watcher:  fw,
		debounce: debounce,
		log:      logging.New("command-watcher"),
		dirs:     make(map[string]*domain.Codebase),
		parents:  make(map[string]*domain.Codebase),
		timers:   make(map[string]*time.Timer),
	}, nil
}

// Watch starts watching the template roots of cb. Roots that do not exist
// yet are picked up once they are created.
func (w *Watcher) Watch(cb *domain.Codebase) error {
	_, err := w.watchRoots(cb)
	return err
}

// watchRoots adds every existing template root of cb along with the
// directories leading to it, and returns how many roots were newly added.
func (w *Watcher) watchRoots(cb *domain.Codebase) (int, error) {
	added := 0
	for _, root := range RootPaths(cb.WorkingDir, w.loader.Patterns()) {
		for _, dir := range ancestors(cb.WorkingDir, root) {
			ok, err := w.addParent(dir, cb)
			if err != nil {
				return added, err
			}
			if !ok {
				break
			}
		}
		if !isDir(root) {
			continue
		}
		w.mu.Lock()
		_, known := w.dirs[root]
		w.mu.Unlock()
		if known {
			continue
		}
		if err := w.addTree(root, cb); err != nil {
			return added, err
		}
		added++
	}
	return added, nil
}

// addParent watches dir for the creation of a template root below it. It
// reports false when dir does not exist.
func (w *Watcher) addParent(dir string, cb *domain.Codebase) (bool, error) {
	if !isDir(dir) {
		return false, nil
	}
	w.mu.Lock()
	_, known := w.parents[dir]
	w.parents[dir] = cb
	w.mu.Unlock()
	if known {
		return true, nil
	}
	return true, w.watcher.Add(dir)
}

// ancestors lists the directories from base down to the parent of root.
func ancestors(base, root string) []string {
	rel, err := filepath.Rel(base, root)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return nil
	}
	parts := strings.Split(rel, string(filepath.Separator))
	out := []string{base}
	for _, p := range parts[:len(parts)-1] {
		out = append(out, filepath.Join(out[len(out)-1], p))
	}
	return out
}

func isDir(p string) bool {
	info, err := os.Stat(p)
	return err == nil && info.IsDir()
}

// Watched returns the number of watched directories.
func (w *Watcher) Watched() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.dirs)
}

func (w *Watcher) addTree(root string, cb *domain.Codebase) error {
	return filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil || !d.IsDir() {
			return nil
		}
		w.mu.Lock()
		_, known := w.dirs[p]
		w.dirs[p] = cb
		w.mu.Unlock()
		if known {
			return nil
		}
		return w.watcher.Add(p)
	})
}

func (w *Watcher) owner(path string) *domain.Codebase {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.dirs[filepath.Dir(path)]
}

func (w *Watcher) parent(path string) *domain.Codebase {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.parents[filepath.Dir(path)]
}

// forget drops path and everything below it. A removed directory must be
// added again when it reappears.
func (w *Watcher) forget(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	prefix := path + string(filepath.Separator)
	for _, m := range []map[string]*domain.Codebase{w.dirs, w.parents} {
		for dir := range m {
			if dir == path || strings.HasPrefix(dir, prefix) {
				delete(m, dir)
			}
		}
	}
}

// Run processes filesystem events until ctx ends.
func (w *Watcher) Run(ctx context.Context) error {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			w.handle(ctx, event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("watch_error", nil, err)
		case <-ctx.Done():
			w.stopTimers()
			return nil
		}
	}
}

func (w *Watcher) handle(ctx context.Context, event fsnotify.Event) {
	if event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
		w.forget(event.Name)
	}
	if pc := w.parent(event.Name); pc != nil && event.Has(fsnotify.Create) {
		n, err := w.watchRoots(pc)
		if err != nil {
			w.log.Warn("watch_add_failed", logging.Fields{"path": event.Name}, err)
		}
		if n > 0 {
			w.schedule(ctx, pc)
		}
	}

	cb := w.owner(event.Name)
	if cb == nil {
		return
	}
	if event.Has(fsnotify.Create) {
		// new subdirectory: watch it and everything already inside
		if err := w.addTree(event.Name, cb); err != nil {
			w.log.Warn("watch_add_failed", logging.Fields{"path": event.Name}, err)
		}
	}
	if !strings.HasSuffix(event.Name, ".md") {
		return
	}
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
		return
	}
	w.log.Debug("template_changed", logging.Fields{"path": event.Name, "op": event.Op.String()})
	w.schedule(ctx, cb)
}

// schedule reloads cb once no change has been seen for the debounce period.
func (w *Watcher) schedule(ctx context.Context, cb *domain.Codebase) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.timers[cb.ID]; ok {
		t.Stop()
	}
	var timer *time.Timer
	timer = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		current := w.timers[cb.ID] == timer
		if current {
			delete(w.timers, cb.ID)
		}
		w.mu.Unlock()

		// superseded or stopped while waiting for the lock
		if !current || ctx.Err() != nil {
			return
		}
		n, err := w.loader.Load(ctx, cb)
		if err != nil {
			w.log.Warn("reload_failed", logging.Fields{"codebase": cb.Name}, err)
		}
		if w.OnReload != nil {
			w.OnReload(cb, n, err)
		}
	})
	w.timers[cb.ID] = timer
}

func (w *Watcher) stopTimers() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for id, t := range w.timers {
		t.Stop()
		delete(w.timers, id)
	}
}

// Close stops the watcher and releases resources.
func (w *Watcher) Close() error {
	w.stopTimers()
	return w.watcher.Close()
}
