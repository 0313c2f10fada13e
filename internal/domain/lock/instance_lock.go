// Package lock implements the InstanceLock (spec §4.8): a single
// data-directory-scoped lock file, `orcbot.lock`, preventing two primary
// dispatcher processes from running against the same data directory.
// Workers spawned by the Orchestrator never contend for this lock — each
// worker owns its own data directory.
package lock

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fredabila/orcbot/internal/domain/entity"
	"github.com/gofrs/flock"
)

// Record is the JSON body written into the lock file, for diagnosing which
// process holds it.
type Record struct {
	PID       int       `json:"pid"`
	StartedAt time.Time `json:"startedAt"`
	Host      string    `json:"host"`
	Cwd       string    `json:"cwd"`
}

// InstanceLock wraps a gofrs/flock file lock plus the JSON record written
// alongside it.
type InstanceLock struct {
	path string
	fl   *flock.Flock
}

// Acquire attempts to take the lock at <dataDir>/orcbot.lock. If the lock
// is held by a process that no longer exists (stale pid), it is treated as
// free and overwritten. Returns entity.ErrInstanceAlreadyRunning-shaped
// error (via fmt.Errorf wrapping) if a live process holds it.
func Acquire(dataDir string) (*InstanceLock, error) {
	path := filepath.Join(dataDir, "orcbot.lock")

	if rec, err := readRecord(path); err == nil && rec != nil {
		if processAlive(rec.PID) {
			return nil, fmt.Errorf("pid %d, started %s: %w", rec.PID, rec.StartedAt.Format(time.RFC3339), entity.ErrInstanceAlreadyRunning)
		}
	}

	fl := flock.New(path + ".flock")
	locked, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire instance lock: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("flock held: %w", entity.ErrInstanceAlreadyRunning)
	}

	host, _ := os.Hostname()
	cwd, _ := os.Getwd()
	rec := Record{PID: os.Getpid(), StartedAt: time.Now(), Host: host, Cwd: cwd}
	if err := writeRecord(path, rec); err != nil {
		fl.Unlock()
		return nil, err
	}

	return &InstanceLock{path: path, fl: fl}, nil
}

// Release unlocks and removes both the flock handle and the JSON record.
// Safe to call on normal exit or from a SIGINT/SIGTERM handler.
func (l *InstanceLock) Release() error {
	if l == nil {
		return nil
	}
	err := l.fl.Unlock()
	os.Remove(l.path)
	os.Remove(l.path + ".flock")
	return err
}

func readRecord(path string) (*Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func writeRecord(path string, rec Record) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// processAlive reports whether pid refers to a live process, by sending
// signal 0 (the standard Unix liveness probe — no actual signal delivered).
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	return err == nil
}
