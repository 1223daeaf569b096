package orchestrator

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync/atomic"
)

// Trace is the verbose dispatch log enabled by log.debug_file. It records
// every claim, skip and state change the dispatcher makes.
type Trace struct {
	f   *os.File
	out *log.Logger
}

var activeTrace atomic.Pointer[Trace]

// SetTrace makes t the destination of dispatch tracing. nil disables it.
func SetTrace(t *Trace) {
	activeTrace.Store(t)
}

func debugLog(format string, args ...any) {
	if t := activeTrace.Load(); t != nil {
		t.out.Printf(format, args...)
	}
}

// OpenTrace appends to the file at path, creating it and its directory.
func OpenTrace(path string) (*Trace, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create trace directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open trace file: %w", err)
	}
	return &Trace{f: f, out: log.New(f, "", log.Ldate|log.Lmicroseconds)}, nil
}

// Close stops tracing to t if it is active and closes its file.
func (t *Trace) Close() error {
	if t == nil {
		return nil
	}
	activeTrace.CompareAndSwap(t, nil)
	return t.f.Close()
}
