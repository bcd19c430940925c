// Package thingdir registers the Thing Descriptions found in a directory and
// keeps watching it, so that dropping or editing a *.json file re-registers
// the thing without a restart.
package thingdir

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/macc-n/wot-mcp/internal/logctx"
	"github.com/macc-n/wot-mcp/td"
	"github.com/macc-n/wot-mcp/wot"
)

// DefaultDebounce coalesces the burst of write events editors produce for a
// single save.
const DefaultDebounce = 100 * time.Millisecond

// Registrar accepts parsed descriptions. *session.Manager implements it.
type Registrar interface {
	RegisterThing(ctx context.Context, d *td.ThingDescription) (*wot.Thing, error)
}

// Loader loads and watches one directory.
type Loader struct {
	dir      string
	reg      Registrar
	log      *slog.Logger
	debounce time.Duration

	mu      sync.Mutex
	pending map[string]*debouncer
}

// Option configures a Loader.
type Option func(*Loader)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(ld *Loader) {
		if l != nil {
			ld.log = l
		}
	}
}

// WithDebounce overrides DefaultDebounce. Zero loads on every event.
func WithDebounce(d time.Duration) Option {
	return func(ld *Loader) { ld.debounce = d }
}

// New returns a Loader for dir.
func New(dir string, reg Registrar, opts ...Option) *Loader {
	ld := &Loader{
		dir:      dir,
		reg:      reg,
		log:      logctx.Discard(),
		debounce: DefaultDebounce,
		pending:  make(map[string]*debouncer),
	}
	for _, opt := range opts {
		opt(ld)
	}
	ld.log = logctx.New(ld.log)
	return ld
}

func isDescription(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".json")
}

// LoadAll registers every *.json file in the directory in name order. A file
// that fails to load does not stop the others; all failures are returned
// joined.
func (ld *Loader) LoadAll(ctx context.Context) (int, error) {
	entries, err := os.ReadDir(ld.dir)
	if err != nil {
		return 0, fmt.Errorf("read things dir: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	var (
		loaded int
		errs   []error
	)
	for _, e := range entries {
		if e.IsDir() || !isDescription(e.Name()) {
			continue
		}
		if err := ld.LoadFile(ctx, filepath.Join(ld.dir, e.Name())); err != nil {
			errs = append(errs, err)
			continue
		}
		loaded++
	}
	ld.log.InfoContext(ctx, "thingdir.load_all.ok", slog.String("dir", ld.dir), slog.Int("loaded", loaded), slog.Int("failed", len(errs)))
	return loaded, errors.Join(errs...)
}

// LoadFile parses and registers a single description file.
func (ld *Loader) LoadFile(ctx context.Context, path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	d, err := td.Parse(b)
	if err != nil {
		ld.log.WarnContext(ctx, "thingdir.load.fail", slog.String("file", path), slog.String("err", err.Error()))
		return fmt.Errorf("parse %s: %w", path, err)
	}
	t, err := ld.reg.RegisterThing(ctx, d)
	if err != nil {
		return fmt.Errorf("register %s: %w", path, err)
	}
	ld.log.InfoContext(ctx, "thingdir.load.ok", slog.String("file", path), slog.String("thing", t.ID))
	return nil
}

// Run watches the directory until ctx is canceled, re-registering files as
// they are created or written. Removing a file leaves its thing registered.
func (ld *Loader) Run(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("fsnotify: %w", err)
	}
	defer func() {
		// Best-effort watcher close; no actionable error handling path.
		_ = w.Close()
	}()
	if err := w.Add(ld.dir); err != nil {
		return fmt.Errorf("watch %s: %w", ld.dir, err)
	}
	defer ld.stopPending()
	ld.log.InfoContext(ctx, "thingdir.watch.start", slog.String("dir", ld.dir))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if !isDescription(ev.Name) {
				continue
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write) != 0 {
				ld.markChanged(ctx, ev.Name)
			}
			if ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
				ld.log.InfoContext(ctx, "thingdir.file.removed", slog.String("file", ev.Name))
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			ld.log.WarnContext(ctx, "thingdir.watch.error", slog.String("err", err.Error()))
		}
	}
}

// markChanged schedules a debounced reload of path.
func (ld *Loader) markChanged(ctx context.Context, path string) {
	ld.mu.Lock()
	db, ok := ld.pending[path]
	if !ok {
		db = &debouncer{interval: ld.debounce, fire: func() {
			if _, err := os.Stat(path); err != nil {
				return
			}
			if err := ld.LoadFile(ctx, path); err != nil {
				ld.log.WarnContext(ctx, "thingdir.reload.fail", slog.String("file", path), slog.String("err", err.Error()))
			}
		}}
		ld.pending[path] = db
	}
	ld.mu.Unlock()
	db.trigger()
}

func (ld *Loader) stopPending() {
	ld.mu.Lock()
	defer ld.mu.Unlock()
	for _, db := range ld.pending {
		db.stop()
	}
}

type debouncer struct {
	mu       sync.Mutex
	timer    *time.Timer
	pending  bool
	interval time.Duration
	fire     func()
}

func (d *debouncer) trigger() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.interval <= 0 {
		d.fire()
		return
	}
	if d.pending {
		d.timer.Reset(d.interval)
		return
	}
	d.pending = true
	if d.timer == nil {
		d.timer = time.AfterFunc(d.interval, d.flush)
	} else {
		d.timer.Reset(d.interval)
	}
}

func (d *debouncer) flush() {
	d.mu.Lock()
	d.pending = false
	d.mu.Unlock()
	d.fire()
}

func (d *debouncer) stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
	}
	d.pending = false
}
