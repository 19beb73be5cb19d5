package simulator

import (
	"log/slog"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ScenarioWatcher reloads a scenario file when it changes and hands the new
// scenario to apply (in practice Server.SwapScenario). Changes are debounced
// so editor write bursts reload once. An edit that fails to load keeps the
// previous scenario and logs the error.
type ScenarioWatcher struct {
	path     string
	log      *slog.Logger
	apply    func(*Scenario)
	fw       *fsnotify.Watcher
	debounce time.Duration
	stop     chan struct{}
	done     chan struct{}
}

// NewScenarioWatcher creates a watcher for the scenario file at path.
func NewScenarioWatcher(path string, log *slog.Logger, apply func(*Scenario)) (*ScenarioWatcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &ScenarioWatcher{
		path:     path,
		log:      log,
		apply:    apply,
		fw:       fw,
		debounce: 300 * time.Millisecond,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}, nil
}

// Start begins watching. The scenario already loaded by the caller stays in
// effect until the first change.
func (w *ScenarioWatcher) Start() error {
	if err := w.fw.Add(w.path); err != nil {
		return err
	}
	go w.loop()
	w.log.Info("scenario watcher started", "path", w.path)
	return nil
}

// Stop halts the watcher and waits for its goroutine to exit.
func (w *ScenarioWatcher) Stop() {
	close(w.stop)
	<-w.done
	_ = w.fw.Close()
	w.log.Info("scenario watcher stopped")
}

func (w *ScenarioWatcher) loop() {
	defer close(w.done)

	var timer *time.Timer
	var fire <-chan time.Time
	schedule := func() {
		if timer == nil {
			timer = time.NewTimer(w.debounce)
			fire = timer.C
			return
		}
		timer.Reset(w.debounce)
	}
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-w.stop:
			return

		case ev, ok := <-w.fw.Events:
			if !ok {
				return
			}
			if ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename) {
				// Editors replace the file rather than writing in place;
				// the watch follows the old inode and must be re-added.
				time.Sleep(50 * time.Millisecond)
				if err := w.fw.Add(w.path); err != nil {
					w.log.Error("re-watch scenario file", "path", w.path, "error", err)
					continue
				}
				schedule()
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			schedule()

		case <-fire:
			w.reload()

		case err, ok := <-w.fw.Errors:
			if !ok {
				return
			}
			w.log.Error("scenario watcher error", "error", err)
		}
	}
}

func (w *ScenarioWatcher) reload() {
	scn, err := LoadScenario(w.path)
	if err != nil {
		w.log.Error("scenario reload failed, keeping previous scenario",
			"path", w.path, "error", err)
		return
	}
	w.log.Info("scenario reloaded", "path", w.path, "name", scn.Name, "steps", len(scn.Steps))
	w.apply(scn)
}
