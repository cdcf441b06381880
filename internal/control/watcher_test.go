package control

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestWatcher(t *testing.T) (*Watcher, *Settings, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "control.json")
	settings := FromConfig(testConfig())
	return NewWatcher(path, settings, nil, testLogger()), settings, path
}

func writeControl(t *testing.T, path string, doc map[string]any) {
	t.Helper()
	data, err := json.Marshal(doc)
	if err != nil {
		t.Fatalf("marshal control doc: %v", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write control doc: %v", err)
	}
}

func readControl(t *testing.T, path string) map[string]any {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read control doc: %v", err)
	}
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("unmarshal control doc: %v", err)
	}
	return doc
}

func TestPollMissingDocumentIsQuiet(t *testing.T) {
	t.Parallel()
	w, s, _ := newTestWatcher(t)

	acts := w.Poll(time.Now())
	if acts != (Actions{}) {
		t.Errorf("acts = %+v, want none", acts)
	}
	if s.ThreshPct() != 0.002 {
		t.Error("settings must be untouched")
	}
}

func TestPollUnreadableDocumentIsQuiet(t *testing.T) {
	t.Parallel()
	w, s, path := newTestWatcher(t)

	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	if acts := w.Poll(time.Now()); acts != (Actions{}) {
		t.Errorf("acts = %+v", acts)
	}
	if s.ThreshPct() != 0.002 {
		t.Error("settings must be untouched")
	}
}

func TestPollPanicStopWithOverride(t *testing.T) {
	t.Parallel()
	w, s, path := newTestWatcher(t)

	writeControl(t, path, map[string]any{"panic_stop": true, "thresh_pct": 0.003})

	acts := w.Poll(time.Now())
	if !acts.PanicStop {
		t.Error("panic_stop not consumed")
	}
	if s.ThreshPct() != 0.003 {
		t.Errorf("ThreshPct = %v, override must land in the same poll", s.ThreshPct())
	}

	doc := readControl(t, path)
	if doc["panic_stop"] != false {
		t.Errorf("panic_stop = %v in document, want cleared", doc["panic_stop"])
	}
	if doc["thresh_pct"] != 0.003 {
		t.Errorf("thresh_pct = %v, acknowledgement must preserve overrides", doc["thresh_pct"])
	}

	// Resume round-trip: re-enable and clear.
	writeControl(t, path, map[string]any{"resume": true})
	acts = w.Poll(time.Now().Add(time.Second))
	if !acts.Resume {
		t.Error("resume not consumed")
	}
	if doc := readControl(t, path); doc["resume"] != false {
		t.Errorf("resume = %v in document, want cleared", doc["resume"])
	}
}

func TestPollConsumesEveryOneShotOnce(t *testing.T) {
	t.Parallel()
	w, _, path := newTestWatcher(t)

	writeControl(t, path, map[string]any{
		"panic_stop":             true,
		"resume":                 true,
		"reload_instruments_now": true,
		"force_flatten":          true,
		"force_reauth":           true,
	})

	acts := w.Poll(time.Now())
	if !acts.PanicStop || !acts.Resume || !acts.ReloadInstruments || !acts.ForceFlatten || !acts.ForceReauth {
		t.Fatalf("acts = %+v, want all one-shots", acts)
	}

	// Second poll sees only the cleared flags.
	acts = w.Poll(time.Now().Add(time.Second))
	if acts.PanicStop || acts.Resume || acts.ReloadInstruments || acts.ForceFlatten || acts.ForceReauth {
		t.Errorf("acts = %+v, one-shots must not fire twice", acts)
	}
}

func TestPollOneShotRequiresTrueBool(t *testing.T) {
	t.Parallel()
	w, _, path := newTestWatcher(t)

	writeControl(t, path, map[string]any{"force_flatten": "yes", "resume": false})

	if acts := w.Poll(time.Now()); acts.ForceFlatten || acts.Resume {
		t.Errorf("acts = %+v, only literal true fires a one-shot", acts)
	}
}

func TestPollThrottlesOverrides(t *testing.T) {
	t.Parallel()
	w, s, path := newTestWatcher(t)
	base := time.Now()

	writeControl(t, path, map[string]any{"thresh_pct": 0.003})
	w.Poll(base)
	if s.ThreshPct() != 0.003 {
		t.Fatalf("ThreshPct = %v after first poll", s.ThreshPct())
	}

	// Inside the throttle window the new value must wait.
	writeControl(t, path, map[string]any{"thresh_pct": 0.005})
	w.Poll(base.Add(100 * time.Millisecond))
	if s.ThreshPct() != 0.003 {
		t.Errorf("ThreshPct = %v, throttle must hold the old value", s.ThreshPct())
	}

	w.Poll(base.Add(400 * time.Millisecond))
	if s.ThreshPct() != 0.005 {
		t.Errorf("ThreshPct = %v after throttle expiry", s.ThreshPct())
	}
}

func TestPollOneShotsBypassThrottle(t *testing.T) {
	t.Parallel()
	w, _, path := newTestWatcher(t)
	base := time.Now()

	writeControl(t, path, map[string]any{"thresh_pct": 0.003})
	w.Poll(base)

	writeControl(t, path, map[string]any{"panic_stop": true})
	if acts := w.Poll(base.Add(50 * time.Millisecond)); !acts.PanicStop {
		t.Error("one-shots must fire inside the override throttle window")
	}
}

func TestPollHalfLifeOverrideGatedOnTune(t *testing.T) {
	t.Parallel()
	w, s, path := newTestWatcher(t)
	base := time.Now()

	// Auto-tune off: the operator value goes to the estimator.
	writeControl(t, path, map[string]any{"HALF_LIFE_S": float64(5)})
	acts := w.Poll(base)
	if acts.HalfLifeOverride == nil || *acts.HalfLifeOverride != 5 {
		t.Fatalf("HalfLifeOverride = %v, want 5", acts.HalfLifeOverride)
	}
	if s.HalfLife() != 5 {
		t.Errorf("HalfLife = %v", s.HalfLife())
	}

	// Auto-tune on in the same document: the probe owns the half-life.
	writeControl(t, path, map[string]any{"HALF_LIFE_S": float64(7), "REF_TUNE": true})
	acts = w.Poll(base.Add(time.Second))
	if acts.HalfLifeOverride != nil {
		t.Errorf("HalfLifeOverride = %v, want none while tuning", *acts.HalfLifeOverride)
	}
}
