package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// signalDispatch wakes a running orchestrator by touching a file in the
// watched signals directory. Best-effort: if nothing is serving, the next
// serve drains the queue on startup anyway.
func signalDispatch(signalsDir string) error {
	if err := os.MkdirAll(signalsDir, 0o755); err != nil {
		return fmt.Errorf("create signals dir: %w", err)
	}
	path := filepath.Join(signalsDir, "dispatch")
	now := time.Now()
	if err := os.WriteFile(path, []byte(now.Format(time.RFC3339Nano)+"\n"), 0o644); err != nil {
		return fmt.Errorf("write dispatch signal: %w", err)
	}
	return nil
}
