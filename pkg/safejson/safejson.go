// Package safejson provides the durable-write discipline the spec's
// persisted-state model (actions.json, memory.json, schedules, known_users)
// relies on: a whole-file JSON rewrite that is flushed and fsynced to a
// temp file before an atomic rename replaces the target, so a reader never
// observes a partially-written file and a crash mid-write never corrupts
// the previous good state.
//
// This generalizes the buffered-flush-then-rotate durability discipline of
// the event bus's write-ahead log into simple single-file rewrites, since
// the spec's persisted state is a set of small, whole-file-rewritable JSON
// documents rather than an append-only log.
package safejson

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// WriteFile marshals v as indented JSON and durably replaces path with it.
// The caller may assume the write is complete and fsynced before this
// function returns (spec §4.1: "writes must be durable before the caller
// returns").
func WriteFile(path string, v interface{}) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create dir %s: %w", dir, err)
	}

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", path, err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file for %s: %w", path, err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp file for %s: %w", path, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("sync temp file for %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp file for %s: %w", path, err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename temp file into %s: %w", path, err)
	}
	return nil
}

// ReadFile unmarshals path into v. A missing file is not an error — v is
// left untouched (callers initialize it to the desired zero value first),
// matching spec §4.1's "persistence errors are logged but non-fatal for
// reads".
func ReadFile(path string, v interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("unmarshal %s: %w", path, err)
	}
	return nil
}

// WriteLine durably writes a single line of text to path (used for the
// last_heartbeat / last_heartbeat_autonomy single-line UNIX-millis files).
func WriteLine(path string, line string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create dir %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file for %s: %w", path, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.WriteString(line); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp file for %s: %w", path, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("sync temp file for %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp file for %s: %w", path, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename temp file into %s: %w", path, err)
	}
	return nil
}

// ReadLine reads a single-line file, returning "" if it does not exist.
func ReadLine(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	return string(data), nil
}
