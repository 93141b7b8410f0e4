// Package disk provides read-only, chunked byte-range access to a block
// device or image file, with a ledger of unreadable regions.
package disk

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"
)

const (
	SectorSize = 512
	// MaxChunk bounds a single read so scanning a multi-gigabyte device
	// never loads it into memory.
	MaxChunk = 1024 * 1024
)

// Region is a byte range of the source, used to record ranges that were
// skipped as unreadable.
type Region struct {
	Offset int64
	Length int64
}

// ReadError reports a failed read at a device offset. Scanners treat the
// range as unreadable and skip past it instead of aborting.
type ReadError struct {
	Offset int64
	Err    error
}

func (e *ReadError) Error() string {
	return fmt.Sprintf("read error at offset %d: %v", e.Offset, e.Err)
}

func (e *ReadError) Unwrap() error { return e.Err }

// Source is the byte-addressable view scanners operate on. *Reader is the
// canonical implementation; tests substitute fault-injecting wrappers.
type Source interface {
	io.ReaderAt
	Size() int64
	SectorSize() int
	MarkBad(offset, length int64)
	BadRegions() []Region
}

// Reader owns the device handle for the lifetime of a session.
type Reader struct {
	file       *os.File
	size       int64
	sectorSize int

	mu  sync.Mutex
	bad []Region
}

// Open opens the source read-only and determines its size. Block devices
// report a zero stat size, so those fall back to an ioctl or a seek probe.
func Open(path string) (*Reader, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open device: %w", err)
	}

	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to stat device: %w", err)
	}

	size := stat.Size()
	if size == 0 {
		size, err = deviceSize(file)
		if err != nil {
			file.Close()
			return nil, fmt.Errorf("failed to determine device size: %w", err)
		}
	}

	return &Reader{
		file:       file,
		size:       size,
		sectorSize: SectorSize,
	}, nil
}

func (r *Reader) Close() error {
	return r.file.Close()
}

func (r *Reader) Size() int64 {
	return r.size
}

func (r *Reader) SectorSize() int {
	return r.sectorSize
}

// ReadAt reads into buf at the given offset, issuing at most MaxChunk per
// underlying read. Short reads at end of device return io.EOF with the
// partial count, matching io.ReaderAt semantics.
func (r *Reader) ReadAt(buf []byte, offset int64) (int, error) {
	var total int
	for total < len(buf) {
		chunk := len(buf) - total
		if chunk > MaxChunk {
			chunk = MaxChunk
		}
		n, err := r.file.ReadAt(buf[total:total+chunk], offset+int64(total))
		total += n
		if err == io.EOF {
			return total, io.EOF
		}
		if err != nil {
			return total, &ReadError{Offset: offset + int64(total), Err: err}
		}
	}
	return total, nil
}

// ReadSector reads one sector.
func (r *Reader) ReadSector(sector int64) ([]byte, error) {
	buf := make([]byte, r.sectorSize)
	if _, err := r.ReadAt(buf, sector*int64(r.sectorSize)); err != nil && err != io.EOF {
		return nil, err
	}
	return buf, nil
}

// CopyRange streams [offset, offset+length) to w in MaxChunk pieces and
// returns the number of bytes copied.
func (r *Reader) CopyRange(w io.Writer, offset, length int64) (int64, error) {
	return CopyRange(r, w, offset, length)
}

// CopyRange streams a byte range from any Source to w, chunked.
func CopyRange(src Source, w io.Writer, offset, length int64) (int64, error) {
	buf := make([]byte, MaxChunk)
	var copied int64
	for copied < length {
		chunk := length - copied
		if chunk > int64(len(buf)) {
			chunk = int64(len(buf))
		}
		n, err := src.ReadAt(buf[:chunk], offset+copied)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return copied, werr
			}
			copied += int64(n)
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return copied, err
		}
	}
	return copied, nil
}

// MarkBad records an unreadable region. A region marked bad is never
// retried within the session; overlapping and touching marks coalesce,
// so the ledger always holds disjoint regions in offset order.
func (r *Reader) MarkBad(offset, length int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.bad = append(r.bad, Region{Offset: offset, Length: length})
	sort.Slice(r.bad, func(i, j int) bool { return r.bad[i].Offset < r.bad[j].Offset })

	merged := r.bad[:1]
	for _, reg := range r.bad[1:] {
		last := &merged[len(merged)-1]
		if reg.Offset <= last.Offset+last.Length {
			if end := reg.Offset + reg.Length; end > last.Offset+last.Length {
				last.Length = end - last.Offset
			}
			continue
		}
		merged = append(merged, reg)
	}
	r.bad = merged
}

// BadRegions returns a copy of the unreadable-region ledger.
func (r *Reader) BadRegions() []Region {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Region, len(r.bad))
	copy(out, r.bad)
	return out
}

// DetectFilesystem probes the boot sector for a known filesystem.
func DetectFilesystem(src Source) (string, error) {
	buf := make([]byte, 4096)
	if _, err := src.ReadAt(buf, 0); err != nil && err != io.EOF {
		return "", err
	}

	if string(buf[3:7]) == "NTFS" {
		return "ntfs", nil
	}
	if string(buf[3:11]) == "EXFAT   " {
		return "exfat", nil
	}
	// FAT32 carries its type string in the extended BPB at offset 82.
	if string(buf[82:87]) == "FAT32" || string(buf[54:59]) == "FAT32" {
		return "fat32", nil
	}
	if string(buf[54:58]) == "FAT1" {
		return "fat16", nil
	}

	return "", errors.New("unknown filesystem")
}
