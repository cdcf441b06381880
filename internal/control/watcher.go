package control

import (
	"encoding/json"
	"log/slog"
	"os"
	"time"

	"mep-arb/internal/trace"
)

// applyThrottle caps how often parameter overrides are merged. One-shot
// actions are never throttled.
const applyThrottle = 250 * time.Millisecond

// Actions are the one-shot commands consumed from the control document in
// one poll. Consumed flags are cleared in the document before Poll returns.
type Actions struct {
	PanicStop         bool
	Resume            bool
	ReloadInstruments bool
	ForceFlatten      bool
	ForceReauth       bool

	// HalfLifeOverride carries an operator HALF_LIFE_S value applied while
	// auto-tune is off; the caller pushes it into the estimator.
	HalfLifeOverride *float64
}

// Watcher reads the operator control document and feeds overrides into the
// live settings. Poll is called once per trading-loop iteration from the
// loop goroutine; Watcher itself is not safe for concurrent use.
type Watcher struct {
	path      string
	settings  *Settings
	tracer    *trace.Writer
	logger    *slog.Logger
	lastApply time.Time
}

// NewWatcher watches the control document at path.
func NewWatcher(path string, settings *Settings, tracer *trace.Writer, logger *slog.Logger) *Watcher {
	return &Watcher{
		path:     path,
		settings: settings,
		tracer:   tracer,
		logger:   logger.With("component", "control"),
	}
}

// Poll reads the control document, consumes one-shot flags, and applies
// parameter overrides if the throttle allows. A missing or unparseable
// document is treated as empty.
func (w *Watcher) Poll(now time.Time) Actions {
	var acts Actions

	raw, err := os.ReadFile(w.path)
	if err != nil {
		return acts
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		w.logger.Debug("control document unreadable", "path", w.path, "error", err)
		return acts
	}
	if len(doc) == 0 {
		return acts
	}

	dirty := false
	shot := func(key string, hit *bool, event string) {
		v, ok := doc[key].(bool)
		if !ok || !v {
			return
		}
		*hit = true
		doc[key] = false
		dirty = true
		w.logger.Info("control action", "action", key)
		w.tracer.Event(event, nil)
	}
	shot("panic_stop", &acts.PanicStop, "control.panic")
	shot("resume", &acts.Resume, "control.resume")
	shot("reload_instruments_now", &acts.ReloadInstruments, "control.reload")
	shot("force_flatten", &acts.ForceFlatten, "control.force_flatten")
	shot("force_reauth", &acts.ForceReauth, "control.force_reauth")

	if now.Sub(w.lastApply) > applyThrottle {
		applied := w.settings.Apply(doc)
		w.lastApply = now
		if len(applied) > 0 {
			w.logger.Info("overrides applied", "count", len(applied))
			w.tracer.Event("overrides.apply", applied)

			if _, ok := applied["trace_enabled"]; ok {
				w.tracer.SetEnabled(w.settings.TraceEnabled())
			}
			if _, ok := applied["trace_raw"]; ok {
				w.tracer.SetRaw(w.settings.TraceRaw())
			}
			if _, ok := applied["HALF_LIFE_S"]; ok && !w.settings.RefTune() {
				hl := w.settings.HalfLife()
				acts.HalfLifeOverride = &hl
			}
		}
	}

	if dirty {
		w.acknowledge(doc)
	}
	return acts
}

// acknowledge rewrites the document with consumed flags cleared. The write
// is temp-then-rename so the operator never reads a partial file.
func (w *Watcher) acknowledge(doc map[string]any) {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return
	}
	tmp := w.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		w.logger.Debug("control acknowledge failed", "error", err)
		return
	}
	if err := os.Rename(tmp, w.path); err != nil {
		w.logger.Debug("control acknowledge failed", "error", err)
	}
}
