package session

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shubham/filerescue/internal/disk"
	"github.com/shubham/filerescue/internal/monitoring"
	"github.com/shubham/filerescue/internal/scan"
)

// stubScanner feeds a fixed candidate stream into the pipeline. With
// blockAfter set it parks on the context once the stream is emitted,
// simulating a long-running scan for cancellation tests. setup runs
// before the first emit, inside the scan goroutine.
type stubScanner struct {
	setup      func()
	cands      []scan.Candidate
	blockAfter bool
	err        error
}

func (st *stubScanner) Scan(ctx context.Context, emit func(scan.Candidate) error) error {
	if st.setup != nil {
		st.setup()
	}
	for _, c := range st.cands {
		if err := emit(c); err != nil {
			return err
		}
	}
	if st.err != nil {
		return st.err
	}
	if st.blockAfter {
		<-ctx.Done()
		return ctx.Err()
	}
	return nil
}

func sourceImage(t *testing.T) (string, []byte) {
	t.Helper()
	data := make([]byte, 8192)
	for i := range data {
		data[i] = byte(i % 251)
	}
	path := filepath.Join(t.TempDir(), "source.img")
	require.NoError(t, os.WriteFile(path, data, 0644))
	return path, data
}

func newTestSession(t *testing.T, cfg Config, st *stubScanner) *Session {
	t.Helper()
	s := New(cfg, nil)
	s.newScanner = func(disk.Source) (scan.Scanner, error) { return st, nil }
	return s
}

func TestSessionCompletes(t *testing.T) {
	src, data := sourceImage(t)
	dest := t.TempDir()

	st := &stubScanner{cands: []scan.Candidate{
		{
			Tag: "JPEG", Start: 100, End: 600, Size: 500,
			Extents:    []scan.Extent{{Offset: 100, Length: 500}},
			Confidence: scan.ConfidenceHigh, Method: scan.MethodFooter,
		},
		{
			Tag: "FILE", Start: 200, End: 300, Size: 150, Name: "a/report.pdf",
			Extents: []scan.Extent{
				{Offset: 200, Length: 100},
				{Length: 50, Sparse: true},
			},
			Confidence: scan.ConfidenceMedium, Method: scan.MethodMetadata,
		},
	}}

	scannedBefore := testutil.ToFloat64(monitoring.BytesScanned)

	s := newTestSession(t, Config{Source: src, ScanType: ScanQuick, Dest: dest}, st)
	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.Wait())

	status := s.Status()
	assert.Equal(t, StateCompleted, status.State)
	assert.Equal(t, int64(2), status.CandidatesFound)
	assert.Equal(t, int64(2), status.FilesWritten)
	assert.Equal(t, int64(0), status.FilesFailed)
	assert.Equal(t, int64(650), status.BytesScanned, "500 + 100 read plus 50 sparse")
	assert.Equal(t, float64(650), testutil.ToFloat64(monitoring.BytesScanned)-scannedBefore)

	results, err := s.Result()
	require.NoError(t, err)
	require.Len(t, results, 2)

	jpeg := results[0]
	assert.Equal(t, "recovered", jpeg.Status)
	assert.Equal(t, "JPEG", jpeg.Tag)
	assert.NotEmpty(t, jpeg.Checksum)
	assert.Equal(t, ".jpg", filepath.Ext(jpeg.Name))

	written, err := os.ReadFile(filepath.Join(dest, jpeg.Name))
	require.NoError(t, err)
	assert.True(t, bytes.Equal(written, data[100:600]), "recovered bytes must match the source range")

	// Metadata candidate: tag resolved from the recovered name's
	// extension, sparse extent materialized as zeros.
	pdf := results[1]
	assert.Equal(t, "PDF", pdf.Tag)
	assert.Equal(t, "a/report.pdf", pdf.OriginalName)

	written, err = os.ReadFile(filepath.Join(dest, pdf.Name))
	require.NoError(t, err)
	require.Len(t, written, 150)
	assert.True(t, bytes.Equal(written[:100], data[200:300]))
	assert.True(t, bytes.Equal(written[100:], make([]byte, 50)))

	// Finalization artifacts.
	manifest, err := ReadManifest(dest)
	require.NoError(t, err)
	assert.Len(t, manifest, 2)

	_, err = os.Stat(filepath.Join(dest, "recovery.log"))
	assert.NoError(t, err, "recovery log is written next to the files")
}

func TestSessionTypeFilter(t *testing.T) {
	src, _ := sourceImage(t)
	dest := t.TempDir()

	st := &stubScanner{cands: []scan.Candidate{
		{
			Tag: "JPEG", Start: 0, End: 100, Size: 100,
			Extents:    []scan.Extent{{Offset: 0, Length: 100}},
			Confidence: scan.ConfidenceHigh, Method: scan.MethodFooter,
		},
		{
			Tag: "PNG", Start: 1000, End: 1100, Size: 100,
			Extents:    []scan.Extent{{Offset: 1000, Length: 100}},
			Confidence: scan.ConfidenceHigh, Method: scan.MethodFooter,
		},
		{
			// Metadata candidate filtered by its name's extension.
			Tag: "FILE", Start: 2000, End: 2050, Size: 50, Name: "img.png",
			Extents:    []scan.Extent{{Offset: 2000, Length: 50}},
			Confidence: scan.ConfidenceHigh, Method: scan.MethodMetadata,
		},
	}}

	s := newTestSession(t, Config{Source: src, ScanType: ScanQuick, Dest: dest, Types: []string{"png"}}, st)
	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.Wait())

	status := s.Status()
	assert.Equal(t, int64(2), status.FilesWritten)
	assert.Equal(t, int64(1), status.FilesSkipped)

	results, err := s.Result()
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, "skipped", results[0].Status)
	assert.Equal(t, "recovered", results[1].Status)
	assert.Equal(t, "recovered", results[2].Status)
	assert.Equal(t, "PNG", results[2].Tag)
}

func TestSessionDestinationLossFatal(t *testing.T) {
	src, _ := sourceImage(t)
	dest := filepath.Join(t.TempDir(), "out")

	st := &stubScanner{
		setup: func() { os.RemoveAll(dest) },
		cands: []scan.Candidate{{
			Tag: "JPEG", Start: 0, End: 100, Size: 100,
			Extents:    []scan.Extent{{Offset: 0, Length: 100}},
			Confidence: scan.ConfidenceHigh, Method: scan.MethodFooter,
		}},
	}

	s := newTestSession(t, Config{Source: src, ScanType: ScanQuick, Dest: dest}, st)
	require.NoError(t, s.Start(context.Background()))

	err := s.Wait()
	require.Error(t, err, "losing the destination directory is fatal, not a per-file failure")
	assert.Contains(t, err.Error(), "destination unwritable")
	assert.Equal(t, StateFailed, s.Status().State)
}

func TestSessionOverlapFlagging(t *testing.T) {
	src, _ := sourceImage(t)
	dest := t.TempDir()

	// Metadata scans emit in directory order, so offsets arrive shuffled.
	st := &stubScanner{cands: []scan.Candidate{
		{
			Tag: "JPEG", Start: 5000, End: 6000, Size: 1000,
			Extents:    []scan.Extent{{Offset: 5000, Length: 1000}},
			Confidence: scan.ConfidenceHigh, Method: scan.MethodFooter,
		},
		{
			Tag: "PNG", Start: 1000, End: 2000, Size: 1000,
			Extents:    []scan.Extent{{Offset: 1000, Length: 1000}},
			Confidence: scan.ConfidenceMedium, Method: scan.MethodFooter,
		},
		{
			Tag: "GIF", Start: 5500, End: 5800, Size: 300,
			Extents:    []scan.Extent{{Offset: 5500, Length: 300}},
			Confidence: scan.ConfidenceHigh, Method: scan.MethodFooter,
		},
	}}

	s := newTestSession(t, Config{Source: src, ScanType: ScanQuick, Dest: dest}, st)
	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.Wait())

	results, err := s.Result()
	require.NoError(t, err)
	require.Len(t, results, 3)

	assert.False(t, results[0].Ambiguous)
	assert.False(t, results[1].Ambiguous, "a lower offset than an earlier write is not by itself an overlap")
	assert.True(t, results[2].Ambiguous, "ranges claimed twice are flagged regardless of confidence")
}

func TestSessionCancellation(t *testing.T) {
	src, _ := sourceImage(t)
	dest := t.TempDir()

	st := &stubScanner{
		cands: []scan.Candidate{{
			Tag: "JPEG", Start: 0, End: 100, Size: 100,
			Extents:    []scan.Extent{{Offset: 0, Length: 100}},
			Confidence: scan.ConfidenceHigh, Method: scan.MethodFooter,
		}},
		blockAfter: true,
	}

	s := newTestSession(t, Config{Source: src, ScanType: ScanDeep, Dest: dest}, st)
	require.NoError(t, s.Start(context.Background()))

	_, err := s.Result()
	assert.ErrorIs(t, err, ErrNotTerminal, "results are withheld while scanning")

	// Wait for the emitted candidate to land, then cancel.
	deadline := time.Now().Add(5 * time.Second)
	for s.Status().FilesWritten == 0 {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for the first file")
		}
		time.Sleep(10 * time.Millisecond)
	}
	s.Cancel()

	require.NoError(t, s.Wait(), "cancellation is not a failure")
	status := s.Status()
	assert.Equal(t, StateCancelled, status.State)
	assert.Equal(t, int64(1), status.FilesWritten, "work done before cancel is kept")

	// Cancel is idempotent.
	s.Cancel()
	assert.Equal(t, StateCancelled, s.Status().State)
}

func TestSessionDoubleStart(t *testing.T) {
	src, _ := sourceImage(t)
	s := newTestSession(t, Config{Source: src, ScanType: ScanQuick, Dest: t.TempDir()}, &stubScanner{})

	require.NoError(t, s.Start(context.Background()))
	assert.Error(t, s.Start(context.Background()), "a session runs exactly once")
	require.NoError(t, s.Wait())
}

func TestSessionScanFailure(t *testing.T) {
	src, _ := sourceImage(t)
	st := &stubScanner{err: fmt.Errorf("media gone")}

	s := newTestSession(t, Config{Source: src, ScanType: ScanQuick, Dest: t.TempDir()}, st)
	require.NoError(t, s.Start(context.Background()))

	err := s.Wait()
	require.Error(t, err)
	assert.Equal(t, StateFailed, s.Status().State)
	assert.Contains(t, s.Status().Err, "media gone")
}

func TestSessionRequiresConfig(t *testing.T) {
	s := New(Config{}, nil)
	assert.Error(t, s.Start(context.Background()))
	assert.Equal(t, StateFailed, s.Status().State)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "idle", StateIdle.String())
	assert.Equal(t, "scanning", StateScanning.String())
	assert.Equal(t, "finalizing", StateFinalizing.String())
	assert.Equal(t, "completed", StateCompleted.String())
	assert.Equal(t, "cancelled", StateCancelled.String())
	assert.Equal(t, "failed", StateFailed.String())

	assert.False(t, StateScanning.Terminal())
	assert.True(t, StateCompleted.Terminal())
	assert.True(t, StateFailed.Terminal())
}

func TestManifestRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s := &Session{cfg: Config{Dest: dir}}

	files := []FileResult{
		{Name: "x.jpg", Tag: "JPEG", Offset: 10, Size: 100, Status: "recovered", Confidence: "high", Method: "footer"},
		{Tag: "PNG", Offset: 500, Size: 0, Status: "skipped", Confidence: "low", Method: "heuristic"},
	}
	require.NoError(t, s.writeManifest(files))

	got, err := ReadManifest(dir)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, files[0], got[0])
	assert.Equal(t, files[1], got[1])
}
