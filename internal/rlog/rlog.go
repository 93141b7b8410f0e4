// Package rlog implements the append-only recovery log.
//
// Every recovery attempt, skip and diagnostic is recorded as one line and
// synced to disk before Record returns, so a crash mid-scan leaves a log
// consistent up to the last event. There are no mutation or deletion
// operations.
package rlog

import (
	"fmt"
	"os"
	"sync"
	"time"
)

// Severity of a log entry.
type Severity uint8

const (
	Info Severity = iota
	Warning
	Error
)

func (s Severity) String() string {
	switch s {
	case Info:
		return "INFO"
	case Warning:
		return "WARN"
	case Error:
		return "ERROR"
	}
	return "UNKNOWN"
}

// Log is an append-only, per-entry-durable sink.
type Log struct {
	mu sync.Mutex
	f  *os.File
}

// Open opens (or creates) the log file in append mode.
func Open(path string) (*Log, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open recovery log: %w", err)
	}
	return &Log{f: f}, nil
}

// Discard returns a log that drops all entries. Used when no log path
// is configured.
func Discard() *Log {
	return &Log{}
}

// Record appends one entry and syncs it to disk.
func (l *Log) Record(sev Severity, msg string) error {
	return l.write(fmt.Sprintf("%s\t%s\t%s\n",
		time.Now().UTC().Format(time.RFC3339Nano), sev, msg))
}

// RecordAt appends one entry tied to a device offset.
func (l *Log) RecordAt(sev Severity, msg string, offset int64) error {
	return l.write(fmt.Sprintf("%s\t%s\t%s\t@%d\n",
		time.Now().UTC().Format(time.RFC3339Nano), sev, msg, offset))
}

func (l *Log) write(line string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.f == nil {
		return nil
	}
	if _, err := l.f.WriteString(line); err != nil {
		return fmt.Errorf("recovery log write: %w", err)
	}
	// Durable before return, not batched.
	if err := l.f.Sync(); err != nil {
		return fmt.Errorf("recovery log sync: %w", err)
	}
	return nil
}

// Close closes the underlying file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.f == nil {
		return nil
	}
	err := l.f.Close()
	l.f = nil
	return err
}
