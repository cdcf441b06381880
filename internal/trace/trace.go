// Package trace provides the JSONL audit log.
//
// Every record is one JSON object per line: {"ts":..., "kind":..., fields}.
// The log is toggleable at runtime from the control document; the raw toggle
// additionally admits wire-level payload dumps. Files rotate by size via an
// atomic rename to a timestamped sibling.
package trace

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Writer appends audit records to a JSONL file. All methods are safe for
// concurrent use and never fail the caller: audit problems are not trading
// problems.
type Writer struct {
	mu          sync.Mutex
	path        string
	file        *os.File
	size        int64
	rotateBytes int64
	enabled     bool
	raw         bool
}

// New creates a writer for path, rotating whenever the file reaches
// rotateMB. The file is opened lazily on first write.
func New(path string, rotateMB int) *Writer {
	if rotateMB <= 0 {
		rotateMB = 20
	}
	return &Writer{
		path:        path,
		rotateBytes: int64(rotateMB) * 1024 * 1024,
	}
}

// SetEnabled flips audit logging on or off.
func (w *Writer) SetEnabled(v bool) {
	if w == nil {
		return
	}
	w.mu.Lock()
	w.enabled = v
	w.mu.Unlock()
}

// SetRaw flips wire-level payload dumps on or off.
func (w *Writer) SetRaw(v bool) {
	if w == nil {
		return
	}
	w.mu.Lock()
	w.raw = v
	w.mu.Unlock()
}

// Enabled reports whether records are currently written.
func (w *Writer) Enabled() bool {
	if w == nil {
		return false
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.enabled
}

// Event appends one record when the writer is enabled.
func (w *Writer) Event(kind string, fields map[string]any) {
	if w == nil {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.enabled {
		return
	}
	w.write(kind, fields)
}

// RawEvent appends a wire payload dump when both enabled and raw are set.
func (w *Writer) RawEvent(kind string, payload []byte) {
	if w == nil {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.enabled || !w.raw {
		return
	}
	w.write(kind, map[string]any{"raw": string(payload)})
}

// Close flushes and closes the underlying file.
func (w *Writer) Close() error {
	if w == nil {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	w.size = 0
	return err
}

// write appends one record. Caller holds w.mu.
func (w *Writer) write(kind string, fields map[string]any) {
	rec := make(map[string]any, len(fields)+2)
	for k, v := range fields {
		rec[k] = v
	}
	rec["ts"] = time.Now().UTC().Format(time.RFC3339Nano)
	rec["kind"] = kind

	line, err := json.Marshal(rec)
	if err != nil {
		return
	}

	if w.size >= w.rotateBytes {
		w.rotate()
	}
	if w.file == nil {
		if !w.open() {
			return
		}
	}

	n, err := w.file.Write(append(line, '\n'))
	if err != nil {
		w.file.Close()
		w.file = nil
		w.size = 0
		return
	}
	w.size += int64(n)
}

func (w *Writer) open() bool {
	if dir := filepath.Dir(w.path); dir != "." {
		os.MkdirAll(dir, 0o755)
	}
	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return false
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return false
	}
	w.file = f
	w.size = info.Size()
	return true
}

func (w *Writer) rotate() {
	if w.file != nil {
		w.file.Close()
		w.file = nil
	}
	stamp := time.Now().UTC().Format("20060102-150405")
	os.Rename(w.path, fmt.Sprintf("%s.%s", w.path, stamp))
	w.size = 0
}
