package batch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"defensepipe/internal/logging"
	"defensepipe/internal/store"
)

// WatchConfig configures a Watcher.
type WatchConfig struct {
	// Debounce is how long an input's size must stay unchanged before it is
	// processed. Defaults to 2s.
	Debounce time.Duration
	// Backfill queues inputs already present whose output does not exist.
	Backfill bool
	// OnProcessed, when set, is called after each input with its outcome.
	OnProcessed func(input string, err error)
}

type pendingFile struct {
	size    int64
	changed time.Time
}

// Watcher processes inputs as they appear in the runner's directory and
// rewrites the summary after each success.
type Watcher struct {
	mu        sync.Mutex
	runner    *Runner
	cfg       WatchConfig
	watcher   *fsnotify.Watcher
	pending   map[string]*pendingFile
	seq       int
	runID     string
	failures  int
	stopCh    chan struct{}
	doneCh    chan struct{}
	running   bool
	logger    *zap.Logger
	nowFn     func() time.Time
	processFn func(ctx context.Context, name string)
}

// NewWatcher creates a watcher over the runner's directory.
func NewWatcher(runner *Runner, cfg WatchConfig) (*Watcher, error) {
	if cfg.Debounce <= 0 {
		cfg.Debounce = 2 * time.Second
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	w := &Watcher{
		runner:  runner,
		cfg:     cfg,
		watcher: fw,
		pending: make(map[string]*pendingFile),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
		logger:  logging.Named(runner.cfg.Logger, logging.CategoryBatch).Named("watch"),
		nowFn:   time.Now,
	}
	w.processFn = w.process
	return w, nil
}

// Start begins watching (non-blocking).
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return nil
	}
	dir := w.runner.cfg.Dir
	if err := w.watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	runID, err := w.runner.cfg.Recorder.CreateRun(ctx, w.runner.tool.Name()+" (watch)", dir, 0)
	if err != nil {
		w.logger.Warn("ledger unavailable, continuing without it", zap.Error(err))
		w.runner.cfg.Recorder = NopRecorder{}
	}
	w.runID = runID

	if w.cfg.Backfill {
		inputs, err := Discover(dir, w.runner.cfg.Pattern)
		if err != nil {
			return err
		}
		for _, in := range inputs {
			if _, err := os.Stat(filepath.Join(dir, w.runner.tool.OutputName(in))); err == nil {
				continue
			}
			w.pending[in] = &pendingFile{size: -1, changed: w.nowFn()}
		}
	}

	w.running = true
	go w.run(ctx)

	w.runner.cfg.Printer.Step("Watching %s for %s", dir, w.runner.cfg.Pattern)
	w.logger.Info("watcher started", zap.String("dir", dir), zap.Duration("debounce", w.cfg.Debounce),
		zap.Int("backfill", len(w.pending)))
	return nil
}

// Stop stops the watcher and waits for the loop to exit. An input being
// processed is allowed to finish.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	close(w.stopCh)
	w.mu.Unlock()

	<-w.doneCh
	err := w.watcher.Close()

	status := store.RunSucceeded
	var runErr error
	if w.failures > 0 {
		status = store.RunFailed
		runErr = fmt.Errorf("%d inputs failed", w.failures)
	}
	if ferr := w.runner.cfg.Recorder.FinishRun(context.Background(), w.runID, status, runErr); ferr != nil {
		w.logger.Warn("failed to finish run in ledger", zap.Error(ferr))
	}
	w.logger.Info("watcher stopped", zap.Int("processed", w.seq), zap.Int("failures", w.failures))
	return err
}

// Run starts the watcher and blocks until ctx is done.
func (w *Watcher) Run(ctx context.Context) error {
	if err := w.Start(ctx); err != nil {
		w.watcher.Close()
		return err
	}
	<-ctx.Done()
	return w.Stop()
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.doneCh)

	tick := w.cfg.Debounce / 4
	if tick < 10*time.Millisecond {
		tick = 10 * time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("watcher error", zap.Error(err))
		case <-ticker.C:
			for _, name := range w.stable() {
				if ctx.Err() != nil {
					return
				}
				w.processFn(ctx, name)
			}
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	name := filepath.Base(event.Name)
	matched, err := filepath.Match(w.runner.cfg.Pattern, name)
	if err != nil || !matched {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	switch {
	case event.Has(fsnotify.Create), event.Has(fsnotify.Write):
		p, ok := w.pending[name]
		if !ok {
			p = &pendingFile{size: -1}
			w.pending[name] = p
		}
		p.changed = w.nowFn()
	case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
		delete(w.pending, name)
	}
}

// stable returns the pending inputs whose size has not changed for the
// debounce interval, removing them from the pending set.
func (w *Watcher) stable() []string {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.nowFn()
	var ready []string
	for name, p := range w.pending {
		info, err := os.Stat(filepath.Join(w.runner.cfg.Dir, name))
		if err != nil || !info.Mode().IsRegular() {
			delete(w.pending, name)
			continue
		}
		if info.Size() != p.size {
			p.size = info.Size()
			p.changed = now
			continue
		}
		if now.Sub(p.changed) >= w.cfg.Debounce {
			ready = append(ready, name)
			delete(w.pending, name)
		}
	}
	sort.Strings(ready)
	return ready
}

func (w *Watcher) process(ctx context.Context, name string) {
	w.mu.Lock()
	w.seq++
	seq := w.seq
	w.mu.Unlock()

	_, err := w.runner.ProcessOne(ctx, w.runID, seq, name)
	if err != nil {
		w.mu.Lock()
		w.failures++
		w.mu.Unlock()
		w.runner.cfg.Printer.Error("%v", err)
	} else if w.runner.cfg.SummaryName != "" {
		if _, serr := w.runner.WriteSummary(); serr != nil {
			err = serr
			w.runner.cfg.Printer.Error("%v", serr)
		}
	}
	if w.cfg.OnProcessed != nil {
		w.cfg.OnProcessed(name, err)
	}
}
