// Package carve implements the signature-based deep scanner. It streams the
// full device address space in overlapping windows, claims a byte range for
// each header match and emits recovery candidates, ignoring any filesystem
// structure on the device.
package carve

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/shubham/filerescue/internal/disk"
	"github.com/shubham/filerescue/internal/logger"
	"github.com/shubham/filerescue/internal/monitoring"
	"github.com/shubham/filerescue/internal/scan"
	"github.com/shubham/filerescue/internal/sig"
)

const defaultWindow = disk.MaxChunk

// maxReadFailureRun bounds consecutive failed window reads. Isolated bad
// sectors are ledgered and skipped; a run this long means the device
// itself is gone and the scan must fail rather than crawl the remaining
// address space sector by sector.
const maxReadFailureRun = 64

// Carver scans raw bytes for file signatures.
type Carver struct {
	src     disk.Source
	catalog *sig.Catalog
	stride  int64
	window  int

	// OnProgress receives the absolute scan cursor as it advances.
	OnProgress func(cursor int64)
}

// New returns a byte-stride carver over the full device.
func New(src disk.Source, catalog *sig.Catalog) *Carver {
	return &Carver{
		src:     src,
		catalog: catalog,
		stride:  1,
		window:  defaultWindow,
	}
}

// SetStride widens the no-match cursor advance. A sector stride trades
// thoroughness for speed and is what quick carve passes use.
func (c *Carver) SetStride(stride int64) {
	if stride > 0 {
		c.stride = stride
	}
}

// Scan walks the device and emits one candidate per claimed signature match.
// Unreadable sectors are ledgered and skipped; a sustained run of read
// failures fails the scan. Cancellation is observed between windows.
func (c *Carver) Scan(ctx context.Context, emit func(scan.Candidate) error) error {
	size := c.src.Size()
	overlap := c.catalog.MaxHeaderLen() - 1
	if overlap < 0 {
		overlap = 0
	}
	buf := make([]byte, c.window)
	sector := int64(c.src.SectorSize())

	var cursor int64
	var failureRun int
	for cursor < size {
		if err := ctx.Err(); err != nil {
			return err
		}

		want := int64(len(buf))
		if size-cursor < want {
			want = size - cursor
		}
		n, err := c.src.ReadAt(buf[:want], cursor)
		if err != nil && err != io.EOF {
			// One bad sector must not abort a multi-gigabyte scan.
			c.src.MarkBad(cursor, sector)
			monitoring.ReadErrors.Inc()
			logger.Log.Warn("skipping unreadable sector at {Offset}: {Error}", cursor, err)
			failureRun++
			if failureRun >= maxReadFailureRun {
				return fmt.Errorf("device unreadable: %d consecutive read failures ending at offset %d: %w",
					failureRun, cursor, err)
			}
			cursor += sector
			c.progress(cursor)
			continue
		}
		if n == 0 {
			break
		}
		failureRun = 0

		limit := n - overlap
		if cursor+int64(n) >= size || limit < 1 {
			limit = n
		}

		claimedEnd := int64(-1)
		for i := 0; i < limit; i += int(c.stride) {
			matches := c.catalog.Match(buf[i:n])
			if len(matches) == 0 {
				continue
			}
			desc := sig.Resolve(matches)
			if len(matches) > 1 {
				logger.Log.Debug("ambiguous signature at {Offset}, resolved to {Tag}",
					cursor+int64(i), desc.Tag)
			}
			cand := c.carve(desc, cursor+int64(i), buf[i:n])
			if err := emit(cand); err != nil {
				return err
			}
			claimedEnd = cand.End
			break
		}

		// Advancing to the claimed end assumes carved regions do not
		// overlap, which avoids re-matching inside an extracted file.
		var advance int64
		if claimedEnd > cursor {
			advance = claimedEnd - cursor
		} else {
			advance = int64(limit)
			if c.stride > 1 {
				advance -= advance % c.stride
			}
		}
		if advance <= 0 {
			advance = int64(n)
		}
		cursor += advance
		c.progress(cursor)
	}

	c.progress(size)
	return nil
}

func (c *Carver) progress(cursor int64) {
	if c.OnProgress != nil {
		c.OnProgress(cursor)
	}
}

// carve determines the candidate's end offset: embedded length field first,
// then a bounded footer search, else the max-size cap.
func (c *Carver) carve(d *sig.Descriptor, start int64, window []byte) scan.Candidate {
	size := c.src.Size()
	cand := scan.Candidate{
		Tag:        d.Tag,
		Start:      start,
		Confidence: scan.ConfidenceHigh,
	}

	switch {
	case c.endFromLength(d, start, window, &cand):
	case c.endFromFooter(d, start, &cand):
	default:
		cand.End = start + d.MaxSize
		cand.Method = scan.MethodHeuristic
		cand.Confidence = scan.ConfidenceLow
	}

	if cand.End > size {
		cand.End = size
		cand.Partial = true
	}
	if cand.End <= cand.Start {
		cand.End = min64(start+int64(len(d.Header)), size)
	}
	cand.Size = cand.End - cand.Start
	cand.Extents = []scan.Extent{{Offset: cand.Start, Length: cand.Size}}

	if d.Container {
		c.validateContainer(d, &cand)
	}
	return cand
}

func (c *Carver) endFromLength(d *sig.Descriptor, start int64, window []byte, cand *scan.Candidate) bool {
	if d.Length == nil {
		return false
	}
	if len(window) < d.Length.Offset+d.Length.Bytes {
		// Header field split across the window boundary; re-read it.
		hdr := make([]byte, d.Length.Offset+d.Length.Bytes)
		if _, err := c.src.ReadAt(hdr, start); err != nil && err != io.EOF {
			return false
		}
		window = hdr
	}
	sz := d.SizeFromHeader(window)
	if sz < int64(len(d.Header)) || sz > d.MaxSize {
		return false
	}
	cand.End = start + sz
	cand.Method = scan.MethodLengthField
	cand.Confidence = scan.ConfidenceHigh
	return true
}

// endFromFooter searches forward for the earliest footer occurrence within
// the type's max size. Earliest wins so a missing footer cannot swallow the
// next unrelated file.
func (c *Carver) endFromFooter(d *sig.Descriptor, start int64, cand *scan.Candidate) bool {
	if len(d.Footer) == 0 {
		return false
	}
	limit := start + d.MaxSize
	if limit > c.src.Size() {
		limit = c.src.Size()
	}
	fl := int64(len(d.Footer))
	buf := make([]byte, disk.MaxChunk)

	pos := start + int64(len(d.Header))
	for pos < limit {
		want := limit + fl - pos
		if want > int64(len(buf)) {
			want = int64(len(buf))
		}
		n, err := c.src.ReadAt(buf[:want], pos)
		if err != nil && err != io.EOF {
			c.src.MarkBad(pos, int64(c.src.SectorSize()))
			monitoring.ReadErrors.Inc()
			return false
		}
		if int64(n) < fl {
			return false
		}
		if idx := bytes.Index(buf[:n], d.Footer); idx >= 0 {
			footerAt := pos + int64(idx)
			if footerAt >= limit {
				return false
			}
			cand.End = footerAt + fl
			cand.Method = scan.MethodFooter
			cand.Confidence = scan.ConfidenceHigh
			return true
		}
		if err == io.EOF {
			return false
		}
		pos += int64(n) - fl + 1
	}
	return false
}

// validateContainer parses the zip directory over the carved range. A
// corrupted container is still partially useful, so failure only downgrades
// confidence.
func (c *Carver) validateContainer(d *sig.Descriptor, cand *scan.Candidate) {
	sr := io.NewSectionReader(c.src, cand.Start, cand.End-cand.Start)
	zr, err := zip.NewReader(sr, cand.End-cand.Start)
	if err != nil || len(zr.File) == 0 {
		logger.Log.Debug("container validation failed for {Tag} at {Offset}", d.Tag, cand.Start)
		if cand.Confidence > scan.ConfidenceLow {
			cand.Confidence--
		}
		cand.Partial = true
	}
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
