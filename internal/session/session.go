// Package session orchestrates a recovery run: it owns the device handle,
// selects a scanner, pipes candidates through a bounded channel to the
// file writer, and exposes the state machine the front-ends poll.
package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/shubham/filerescue/internal/carve"
	"github.com/shubham/filerescue/internal/disk"
	"github.com/shubham/filerescue/internal/exfat"
	"github.com/shubham/filerescue/internal/fat32"
	"github.com/shubham/filerescue/internal/logger"
	"github.com/shubham/filerescue/internal/monitoring"
	"github.com/shubham/filerescue/internal/ntfs"
	"github.com/shubham/filerescue/internal/rlog"
	"github.com/shubham/filerescue/internal/scan"
	"github.com/shubham/filerescue/internal/sig"
)

// ScanType selects the scanning strategy.
type ScanType string

const (
	// ScanQuick walks filesystem metadata and falls back to a
	// sector-aligned carve when the filesystem is unrecognized.
	ScanQuick ScanType = "quick"
	// ScanDeep carves the raw device byte by byte, ignoring metadata.
	ScanDeep ScanType = "deep"
)

// State is the lifecycle phase of a session.
type State int32

const (
	StateIdle State = iota
	StateScanning
	StateFinalizing
	StateCompleted
	StateCancelled
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateScanning:
		return "scanning"
	case StateFinalizing:
		return "finalizing"
	case StateCompleted:
		return "completed"
	case StateCancelled:
		return "cancelled"
	}
	return "failed"
}

// Terminal reports whether the session has finished for good.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateCancelled || s == StateFailed
}

// Config describes one recovery run. Dest must not be on the source
// device; recovering onto the disk being scanned overwrites the very
// clusters under recovery.
type Config struct {
	Source   string
	ScanType ScanType
	Types    []string // catalog tags to keep; empty keeps everything
	Dest     string
	LogPath  string // defaults to Dest/recovery.log
}

// Status is a point-in-time snapshot of session progress. All counters
// are monotonic within a run.
type Status struct {
	State           State
	BytesScanned    int64
	DeviceSize      int64
	CandidatesFound int64
	FilesWritten    int64
	FilesFailed     int64
	FilesSkipped    int64
	Err             string
}

// candidateBuffer is the capacity of the scanner-to-writer channel. The
// scanner stalls when the writer falls this far behind.
const candidateBuffer = 64

// Session is safe for concurrent use by one producer of control calls
// (Start, Cancel) and any number of Status readers.
type Session struct {
	cfg     Config
	catalog *sig.Catalog

	src *disk.Reader
	log *rlog.Log

	state           atomic.Int32
	bytesScanned    atomic.Int64
	candidatesFound atomic.Int64
	filesWritten    atomic.Int64
	filesFailed     atomic.Int64
	filesSkipped    atomic.Int64
	deviceSize      int64

	cancel        context.CancelFunc
	done          chan struct{}
	carveProgress bool // carver reports cursor progress, writer must not

	mu    sync.Mutex
	files []FileResult
	err   error

	// newScanner is overridable so tests can drive the pipeline with a
	// deterministic candidate stream.
	newScanner func(src disk.Source) (scan.Scanner, error)
}

// New builds an idle session. Nothing is opened until Start.
func New(cfg Config, catalog *sig.Catalog) *Session {
	if catalog == nil {
		catalog = sig.New()
	}
	s := &Session{
		cfg:     cfg,
		catalog: catalog,
		done:    make(chan struct{}),
	}
	s.newScanner = s.selectScanner
	return s
}

// Start transitions Idle to Scanning and launches the pipeline. A second
// Start on the same session is an error.
func (s *Session) Start(ctx context.Context) error {
	if !s.state.CompareAndSwap(int32(StateIdle), int32(StateScanning)) {
		return fmt.Errorf("session already started")
	}

	if s.cfg.Source == "" || s.cfg.Dest == "" {
		s.fail(fmt.Errorf("source and destination are required"))
		return s.err
	}
	if err := os.MkdirAll(s.cfg.Dest, 0o755); err != nil {
		s.fail(fmt.Errorf("failed to create destination: %w", err))
		return s.err
	}

	src, err := disk.Open(s.cfg.Source)
	if err != nil {
		s.fail(err)
		return err
	}
	s.src = src
	s.deviceSize = src.Size()

	logPath := s.cfg.LogPath
	if logPath == "" {
		logPath = filepath.Join(s.cfg.Dest, "recovery.log")
	}
	log, err := rlog.Open(logPath)
	if err != nil {
		src.Close()
		s.fail(err)
		return err
	}
	s.log = log

	scanner, err := s.newScanner(src)
	if err != nil {
		s.log.Record(rlog.Error, err.Error())
		s.log.Close()
		src.Close()
		s.fail(err)
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	monitoring.SessionsActive.Inc()
	s.log.Record(rlog.Info, fmt.Sprintf("scan started: source=%s type=%s dest=%s",
		s.cfg.Source, s.cfg.ScanType, s.cfg.Dest))
	logger.Log.Info("session started: {Source} ({Type} scan, {Size} bytes)",
		s.cfg.Source, string(s.cfg.ScanType), s.deviceSize)

	go s.run(runCtx, scanner)
	return nil
}

// selectScanner picks the scanner for the configured scan type. Quick
// scans need a recognized filesystem; anything else carves.
func (s *Session) selectScanner(src disk.Source) (scan.Scanner, error) {
	if s.cfg.ScanType == ScanQuick {
		fs, err := disk.DetectFilesystem(src)
		if err == nil {
			switch fs {
			case "fat32", "fat16":
				return fat32.NewScanner(src)
			case "ntfs":
				return ntfs.NewScanner(src)
			case "exfat":
				return exfat.NewScanner(src)
			}
		}
		logger.Log.Warn("no recognized filesystem on {Source}, falling back to sector carve", s.cfg.Source)
		s.log.Record(rlog.Warning, "no recognized filesystem, falling back to sector-aligned carve")
		c := carve.New(src, s.carveCatalog())
		c.SetStride(disk.SectorSize)
		c.OnProgress = s.trackProgress
		s.carveProgress = true
		return c, nil
	}

	c := carve.New(src, s.carveCatalog())
	c.OnProgress = s.trackProgress
	s.carveProgress = true
	return c, nil
}

// trackProgress records the carver's absolute cursor and feeds the byte
// counter the delta.
func (s *Session) trackProgress(cursor int64) {
	prev := s.bytesScanned.Swap(cursor)
	if cursor > prev {
		monitoring.BytesScanned.Add(float64(cursor - prev))
	}
}

// carveCatalog narrows the catalog to the requested tags so a filtered
// deep scan never pays for signatures it will discard.
func (s *Session) carveCatalog() *sig.Catalog {
	if len(s.cfg.Types) == 0 {
		return s.catalog
	}
	var rs []sig.Descriptor
	for _, tag := range s.cfg.Types {
		if d := s.catalog.ByTag(tag); d != nil {
			rs = append(rs, *d)
		}
	}
	if len(rs) == 0 {
		return s.catalog
	}
	return sig.FromRows(rs)
}

// run owns the producer and consumer goroutines and the terminal
// transition. It is the only writer of s.err and the terminal states.
func (s *Session) run(ctx context.Context, scanner scan.Scanner) {
	defer monitoring.SessionsActive.Dec()
	defer close(s.done)

	candidates := make(chan scan.Candidate, candidateBuffer)
	scanErr := make(chan error, 1)

	go func() {
		defer close(candidates)
		scanErr <- scanner.Scan(ctx, func(cand scan.Candidate) error {
			s.candidatesFound.Add(1)
			monitoring.CandidatesFound.WithLabelValues(cand.Tag).Inc()
			select {
			case candidates <- cand:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
	}()

	w := newWriter(s)
	writeErr := w.drain(ctx, candidates)
	if writeErr != nil {
		// Stop the producer and release anything parked on the channel.
		s.cancel()
		for range candidates {
		}
	}
	err := <-scanErr

	s.state.Store(int32(StateFinalizing))

	if mErr := s.writeManifest(w.results()); mErr != nil {
		logger.Log.Error("failed to write manifest: {Error}", mErr)
		s.log.Record(rlog.Error, fmt.Sprintf("manifest write failed: %v", mErr))
		if err == nil {
			err = mErr
		}
	}

	for _, reg := range s.src.BadRegions() {
		s.log.RecordAt(rlog.Warning, fmt.Sprintf("skipped %d unreadable bytes", reg.Length), reg.Offset)
	}

	s.mu.Lock()
	s.files = w.results()
	s.mu.Unlock()

	final := StateCompleted
	switch {
	// A writer failure cancels the scan context itself, so it must win
	// over the cancellation check.
	case writeErr != nil:
		final = StateFailed
		s.mu.Lock()
		s.err = writeErr
		s.mu.Unlock()
		s.log.Record(rlog.Error, fmt.Sprintf("scan failed: %v", writeErr))
	case ctx.Err() != nil:
		final = StateCancelled
		s.log.Record(rlog.Info, "scan cancelled")
	case err != nil:
		final = StateFailed
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		s.log.Record(rlog.Error, fmt.Sprintf("scan failed: %v", err))
	default:
		s.log.Record(rlog.Info, fmt.Sprintf("scan completed: %d candidates, %d written, %d failed, %d skipped",
			s.candidatesFound.Load(), s.filesWritten.Load(), s.filesFailed.Load(), s.filesSkipped.Load()))
	}

	s.log.Close()
	s.src.Close()
	s.state.Store(int32(final))

	logger.Log.Info("session finished: {State}, {Written} files written", final.String(), s.filesWritten.Load())
}

// Cancel requests cooperative cancellation. Safe to call from any state
// and idempotent; the session drains to Cancelled on its own time.
func (s *Session) Cancel() {
	if s.cancel != nil {
		s.cancel()
	}
}

// Status returns a progress snapshot.
func (s *Session) Status() Status {
	st := Status{
		State:           State(s.state.Load()),
		BytesScanned:    s.bytesScanned.Load(),
		DeviceSize:      s.deviceSize,
		CandidatesFound: s.candidatesFound.Load(),
		FilesWritten:    s.filesWritten.Load(),
		FilesFailed:     s.filesFailed.Load(),
		FilesSkipped:    s.filesSkipped.Load(),
	}
	s.mu.Lock()
	if s.err != nil {
		st.Err = s.err.Error()
	}
	s.mu.Unlock()
	return st
}

// ErrNotTerminal is returned by Result while the session is still
// running. Poll Status or call Wait first.
var ErrNotTerminal = errors.New("session has not reached a terminal state")

// Result returns the per-file outcomes of a finished session.
func (s *Session) Result() ([]FileResult, error) {
	if !State(s.state.Load()).Terminal() {
		return nil, ErrNotTerminal
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]FileResult, len(s.files))
	copy(out, s.files)
	return out, nil
}

// Wait blocks until the session reaches a terminal state and returns the
// failure cause, if any.
func (s *Session) Wait() error {
	<-s.done
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// fail records a startup failure, before the pipeline exists.
func (s *Session) fail(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
	s.state.Store(int32(StateFailed))
	close(s.done)
}
