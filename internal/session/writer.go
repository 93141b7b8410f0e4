package session

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/shubham/filerescue/internal/disk"
	"github.com/shubham/filerescue/internal/monitoring"
	"github.com/shubham/filerescue/internal/rlog"
	"github.com/shubham/filerescue/internal/scan"
)

// writer consumes candidates and materializes them as files under the
// destination directory.
type writer struct {
	s       *Session
	stamp   string
	seq     int
	written []claim // device ranges already written out
	out     []FileResult
	filter  map[string]bool
}

// claim is a half-open device byte range [start, end) owned by a written
// file.
type claim struct {
	start, end int64
}

func newWriter(s *Session) *writer {
	w := &writer{
		s:     s,
		stamp: time.Now().Format("20060102T150405"),
	}
	if len(s.cfg.Types) > 0 {
		w.filter = make(map[string]bool, len(s.cfg.Types))
		for _, t := range s.cfg.Types {
			w.filter[strings.ToUpper(t)] = true
		}
	}
	return w
}

func (w *writer) results() []FileResult {
	return w.out
}

// drain consumes the candidate channel until it closes or the context is
// cancelled. Cancellation is honored between candidates, never mid-file,
// so every written file is internally complete.
func (w *writer) drain(ctx context.Context, candidates <-chan scan.Candidate) error {
	for cand := range candidates {
		if ctx.Err() != nil {
			return nil
		}
		if err := w.handle(cand); err != nil {
			return err
		}
	}
	return nil
}

// effectiveTag resolves the type tag used for filtering and naming. A
// metadata candidate carries the generic FILE tag; its recovered name's
// extension maps it back into the catalog when possible.
func (w *writer) effectiveTag(cand scan.Candidate) string {
	if cand.Method == scan.MethodMetadata && cand.Name != "" {
		if t := w.s.catalog.TagForExt(filepath.Ext(cand.Name)); t != "" {
			return t
		}
	}
	return cand.Tag
}

func (w *writer) handle(cand scan.Candidate) error {
	tag := w.effectiveTag(cand)

	if w.filter != nil && !w.filter[strings.ToUpper(tag)] {
		w.s.filesSkipped.Add(1)
		monitoring.FilesWritten.WithLabelValues("skipped").Inc()
		w.record(cand, tag, "", "", "skipped", cand.Ambiguous)
		return nil
	}

	// A candidate overlapping an already written range means two scanners
	// or signatures claimed the same bytes. Keep it, but flag it; the
	// manifest must never carry an unmarked overlap.
	ambiguous := cand.Ambiguous || w.overlapsWritten(cand)

	w.seq++
	name := fmt.Sprintf("%s_%06d%s", w.stamp, w.seq, w.extFor(tag, cand))
	path := filepath.Join(w.s.cfg.Dest, name)

	written, sum, err := w.writeFile(path, cand)
	if err != nil {
		os.Remove(path)
		w.s.filesFailed.Add(1)
		monitoring.FilesWritten.WithLabelValues("failed").Inc()
		w.s.log.RecordAt(rlog.Error, fmt.Sprintf("failed to write %s: %v", name, err), cand.Start)
		w.record(cand, tag, name, "", "failed", ambiguous)
		// A failed candidate is survivable; a vanished destination is not.
		if _, serr := os.Stat(w.s.cfg.Dest); serr != nil {
			return fmt.Errorf("destination unwritable: %w", err)
		}
		return nil
	}

	status := "recovered"
	if cand.Partial {
		status = "partial"
	}
	w.s.filesWritten.Add(1)
	monitoring.FilesWritten.WithLabelValues(status).Inc()
	w.written = append(w.written, claim{start: cand.Start, end: cand.End})
	w.s.log.RecordAt(rlog.Info, fmt.Sprintf("%s %s (%d bytes, %s, %s)",
		status, name, written, cand.Confidence, cand.Method), cand.Start)
	w.record(cand, tag, name, sum, status, ambiguous)
	return nil
}

// overlapsWritten reports whether the candidate's byte range intersects
// any already written range. Metadata scanners emit in directory order,
// not offset order, so a plain high-water mark would misfire here.
func (w *writer) overlapsWritten(cand scan.Candidate) bool {
	for _, c := range w.written {
		if cand.Start < c.end && c.start < cand.End {
			return true
		}
	}
	return false
}

// writeFile streams the candidate's extents into one output file,
// hashing as it goes. Sparse extents materialize as zeros.
func (w *writer) writeFile(path string, cand scan.Candidate) (int64, string, error) {
	f, err := os.Create(path)
	if err != nil {
		return 0, "", err
	}

	h := xxhash.New()
	mw := io.MultiWriter(f, h)

	var written int64
	for _, ext := range cand.Extents {
		var n int64
		var cerr error
		if ext.Sparse {
			n, cerr = writeZeros(mw, ext.Length)
		} else {
			n, cerr = disk.CopyRange(w.s.src, mw, ext.Offset, ext.Length)
		}
		written += n
		if !w.s.carveProgress {
			w.s.bytesScanned.Add(n)
			monitoring.BytesScanned.Add(float64(n))
		}
		if cerr != nil {
			f.Close()
			return written, "", cerr
		}
	}

	if err := f.Close(); err != nil {
		return written, "", err
	}
	return written, fmt.Sprintf("%016x", h.Sum64()), nil
}

// extFor picks the output extension: the catalog's for a known tag, the
// recovered name's otherwise, else a neutral fallback.
func (w *writer) extFor(tag string, cand scan.Candidate) string {
	if d := w.s.catalog.ByTag(tag); d != nil {
		return d.Ext
	}
	if ext := filepath.Ext(cand.Name); ext != "" {
		return strings.ToLower(ext)
	}
	return ".bin"
}

func (w *writer) record(cand scan.Candidate, tag, name, sum, status string, ambiguous bool) {
	w.out = append(w.out, FileResult{
		Name:         name,
		OriginalName: cand.Name,
		Tag:          tag,
		Offset:       cand.Start,
		Size:         cand.Bytes(),
		Checksum:     sum,
		Status:       status,
		Confidence:   cand.Confidence.String(),
		Method:       cand.Method.String(),
		Partial:      cand.Partial,
		Ambiguous:    ambiguous,
	})
}

func writeZeros(w io.Writer, length int64) (int64, error) {
	buf := make([]byte, 32*1024)
	var written int64
	for written < length {
		chunk := length - written
		if chunk > int64(len(buf)) {
			chunk = int64(len(buf))
		}
		n, err := w.Write(buf[:chunk])
		written += int64(n)
		if err != nil {
			return written, err
		}
	}
	return written, nil
}
