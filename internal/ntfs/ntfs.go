// Package ntfs recovers deleted files from NTFS volumes by walking MFT
// records whose in-use flag has been cleared.
package ntfs

import (
	"context"
	"encoding/binary"
	"fmt"
	"path/filepath"
	"strings"
	"unicode/utf16"

	"github.com/shubham/filerescue/internal/disk"
	"github.com/shubham/filerescue/internal/logger"
	"github.com/shubham/filerescue/internal/scan"
)

const (
	MFTRecordMagic = "FILE"
	AttrFileName   = 0x30
	AttrData       = 0x80
	AttrEnd        = 0xFFFFFFFF

	rootRecordIndex = 5
	maxMFTRecords   = 10_000_000
)

// BootSector holds the NTFS boot fields the scanner needs.
type BootSector struct {
	BytesPerSector    uint16
	SectorsPerCluster uint8
	MFTCluster        uint64
	ClustersPerMFTRec int8
}

// DataRun is one cluster run of a non-resident attribute. Offset -1 marks
// a sparse run.
type DataRun struct {
	Offset int64
	Length uint64
}

// record is the per-MFT-entry state kept for path reconstruction.
type record struct {
	Name      string
	ParentRef uint64
	Size      uint64
	Deleted   bool
	Directory bool
	DataRuns  []DataRun
	// Resident $DATA lives inside the MFT record itself.
	ResidentOffset int64
	ResidentLength int64
}

// Scanner parses the MFT and emits candidates for deleted records.
type Scanner struct {
	src         disk.Source
	bootSector  *BootSector
	mftStart    int64
	clusterSize int
	mftRecSize  int
	records     map[uint64]*record
}

// NewScanner reads and validates the boot sector.
func NewScanner(src disk.Source) (*Scanner, error) {
	s := &Scanner{
		src:     src,
		records: make(map[uint64]*record),
	}
	if err := s.readBootSector(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Scanner) readBootSector() error {
	buf := make([]byte, 512)
	if _, err := s.src.ReadAt(buf, 0); err != nil {
		return fmt.Errorf("failed to read boot sector: %w", err)
	}
	if string(buf[3:7]) != "NTFS" {
		return fmt.Errorf("not an NTFS filesystem")
	}

	bs := &BootSector{
		BytesPerSector:    binary.LittleEndian.Uint16(buf[11:13]),
		SectorsPerCluster: buf[13],
		MFTCluster:        binary.LittleEndian.Uint64(buf[48:56]),
		ClustersPerMFTRec: int8(buf[64]),
	}
	if bs.BytesPerSector == 0 || bs.SectorsPerCluster == 0 {
		return fmt.Errorf("invalid NTFS boot sector")
	}
	s.bootSector = bs
	s.clusterSize = int(bs.SectorsPerCluster) * int(bs.BytesPerSector)

	if bs.ClustersPerMFTRec < 0 {
		s.mftRecSize = 1 << uint(-bs.ClustersPerMFTRec)
	} else {
		s.mftRecSize = int(bs.ClustersPerMFTRec) * s.clusterSize
	}
	s.mftStart = int64(bs.MFTCluster) * int64(s.clusterSize)

	return nil
}

func (s *Scanner) readMFTRecord(index uint64) ([]byte, error) {
	offset := s.mftStart + int64(index)*int64(s.mftRecSize)
	buf := make([]byte, s.mftRecSize)
	if _, err := s.src.ReadAt(buf, offset); err != nil {
		return nil, err
	}
	if string(buf[0:4]) != MFTRecordMagic {
		return nil, fmt.Errorf("invalid MFT record at index %d", index)
	}
	if err := applyFixup(buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// applyFixup restores the sector-tail bytes the update sequence replaced.
func applyFixup(rec []byte) error {
	updateSeqOff := binary.LittleEndian.Uint16(rec[4:6])
	updateSeqSize := binary.LittleEndian.Uint16(rec[6:8])
	if updateSeqSize < 2 || int(updateSeqOff)+int(updateSeqSize)*2 > len(rec) {
		return nil
	}

	signature := rec[updateSeqOff : updateSeqOff+2]
	for i := uint16(1); i < updateSeqSize; i++ {
		pos := int(i)*512 - 2
		if pos+1 >= len(rec) {
			break
		}
		if rec[pos] == signature[0] && rec[pos+1] == signature[1] {
			fixup := updateSeqOff + i*2
			rec[pos] = rec[fixup]
			rec[pos+1] = rec[fixup+1]
		}
	}
	return nil
}

func (s *Scanner) parseRecord(index uint64, buf []byte) *record {
	flags := binary.LittleEndian.Uint16(buf[22:24])
	rec := &record{
		Deleted:   flags&0x01 == 0,
		Directory: flags&0x02 != 0,
	}

	offset := int(binary.LittleEndian.Uint16(buf[20:22]))
	for offset+16 < len(buf) {
		attrType := binary.LittleEndian.Uint32(buf[offset:])
		if attrType == AttrEnd || attrType == 0 {
			break
		}
		attrLen := int(binary.LittleEndian.Uint32(buf[offset+4:]))
		if attrLen == 0 || attrLen > len(buf)-offset {
			break
		}
		nonResident := buf[offset+8]

		switch attrType {
		case AttrFileName:
			if nonResident == 0 {
				s.parseFileNameAttr(buf[offset:offset+attrLen], rec)
			}
		case AttrData:
			if nonResident == 1 && attrLen >= 56 {
				rec.DataRuns = parseDataRuns(buf[offset : offset+attrLen])
				rec.Size = binary.LittleEndian.Uint64(buf[offset+48:])
			} else if nonResident == 0 && attrLen >= 24 {
				valueLen := binary.LittleEndian.Uint32(buf[offset+16:])
				valueOff := binary.LittleEndian.Uint16(buf[offset+20:])
				rec.Size = uint64(valueLen)
				recBase := s.mftStart + int64(index)*int64(s.mftRecSize)
				rec.ResidentOffset = recBase + int64(offset) + int64(valueOff)
				rec.ResidentLength = int64(valueLen)
			}
		}
		offset += attrLen
	}

	return rec
}

func (s *Scanner) parseFileNameAttr(attr []byte, rec *record) {
	if len(attr) < 24+66 {
		return
	}
	valueOffset := binary.LittleEndian.Uint16(attr[20:22])
	if int(valueOffset)+66 > len(attr) {
		return
	}

	fn := attr[valueOffset:]
	parentRef := binary.LittleEndian.Uint64(fn[0:8]) & 0x0000FFFFFFFFFFFF
	nameLen := int(fn[64])
	nameType := fn[65]

	// DOS 8.3 names lose to Win32/POSIX names already seen.
	if nameType == 2 && rec.Name != "" {
		return
	}
	if 66+nameLen*2 > len(fn) {
		return
	}

	rec.Name = decodeUTF16(fn[66 : 66+nameLen*2])
	rec.ParentRef = parentRef
}

func parseDataRuns(attr []byte) []DataRun {
	var runs []DataRun

	dataRunsOff := binary.LittleEndian.Uint16(attr[32:34])
	if int(dataRunsOff) >= len(attr) {
		return runs
	}

	data := attr[dataRunsOff:]
	var currentLCN int64
	for i := 0; i < len(data); {
		header := data[i]
		if header == 0 {
			break
		}
		lenBytes := int(header & 0x0F)
		offBytes := int(header >> 4)
		if i+1+lenBytes+offBytes > len(data) {
			break
		}

		var length uint64
		for j := 0; j < lenBytes; j++ {
			length |= uint64(data[i+1+j]) << (8 * j)
		}

		if offBytes == 0 {
			// Sparse run: no physical clusters.
			runs = append(runs, DataRun{Offset: -1, Length: length})
			i += 1 + lenBytes
			continue
		}

		var offset int64
		for j := 0; j < offBytes; j++ {
			offset |= int64(data[i+1+lenBytes+j]) << (8 * j)
		}
		if data[i+lenBytes+offBytes]&0x80 != 0 {
			for j := offBytes; j < 8; j++ {
				offset |= int64(0xFF) << (8 * j)
			}
		}

		currentLCN += offset
		runs = append(runs, DataRun{Offset: currentLCN, Length: length})
		i += 1 + lenBytes + offBytes
	}

	return runs
}

func decodeUTF16(b []byte) string {
	if len(b)%2 != 0 {
		b = b[:len(b)-1]
	}
	u16 := make([]uint16, len(b)/2)
	for i := range u16 {
		u16[i] = binary.LittleEndian.Uint16(b[i*2:])
	}
	return string(utf16.Decode(u16))
}

// Scan walks MFT records and emits candidates for deleted files. Corrupt
// records are skipped, never fatal.
func (s *Scanner) Scan(ctx context.Context, emit func(scan.Candidate) error) error {
	maxRecords := uint64(s.src.Size()) / uint64(s.mftRecSize)
	if maxRecords > maxMFTRecords {
		maxRecords = maxMFTRecords
	}

	var deleted []uint64
	for i := uint64(0); i < maxRecords; i++ {
		if i%4096 == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}

		buf, err := s.readMFTRecord(i)
		if err != nil {
			if re, ok := err.(*disk.ReadError); ok {
				s.src.MarkBad(re.Offset, int64(s.src.SectorSize()))
				logger.Log.Warn("unreadable MFT record {Index}: {Error}", i, err)
				continue
			}
			// Non-FILE record: past the MFT or a free slot.
			continue
		}

		rec := s.parseRecord(i, buf)
		if rec.Name == "" || rec.Name == "." || strings.HasPrefix(rec.Name, "$") {
			continue
		}
		s.records[i] = rec
		if rec.Deleted && !rec.Directory {
			deleted = append(deleted, i)
		}
	}

	for _, idx := range deleted {
		if err := ctx.Err(); err != nil {
			return err
		}
		rec := s.records[idx]
		cand, ok := s.buildCandidate(rec, s.reconstructPath(idx))
		if !ok {
			continue
		}
		if err := emit(cand); err != nil {
			return err
		}
	}

	return nil
}

// buildCandidate maps a deleted record's data to device extents. Full runs
// covering the reported size give high confidence; short or partly sparse
// data is flagged partial at medium confidence. Resident data is always
// intact inside the record.
func (s *Scanner) buildCandidate(rec *record, path string) (scan.Candidate, bool) {
	var extents []scan.Extent

	if rec.ResidentLength > 0 {
		extents = []scan.Extent{{Offset: rec.ResidentOffset, Length: rec.ResidentLength}}
	} else {
		var covered int64
		for _, run := range rec.DataRuns {
			length := int64(run.Length) * int64(s.clusterSize)
			if run.Offset < 0 {
				extents = append(extents, scan.Extent{Offset: 0, Length: length, Sparse: true})
				covered += length
				continue
			}
			extents = append(extents, scan.Extent{
				Offset: run.Offset * int64(s.clusterSize),
				Length: length,
			})
			covered += length
		}
		if len(extents) == 0 || rec.Size == 0 {
			return scan.Candidate{}, false
		}
		// Trim allocation slack off the final extent.
		if covered > int64(rec.Size) {
			excess := covered - int64(rec.Size)
			last := &extents[len(extents)-1]
			if last.Length > excess {
				last.Length -= excess
			}
		}
	}

	var total int64
	confidence := scan.ConfidenceHigh
	partial := false
	for _, e := range extents {
		total += e.Length
		if e.Sparse {
			confidence = scan.ConfidenceMedium
		}
	}
	if total < int64(rec.Size) {
		confidence = scan.ConfidenceMedium
		partial = true
	}

	start, end := extentBounds(extents)
	if start < 0 || end <= start || end > s.src.Size() {
		return scan.Candidate{}, false
	}

	return scan.Candidate{
		Tag:        "FILE",
		Start:      start,
		End:        end,
		Extents:    extents,
		Size:       int64(rec.Size),
		Confidence: confidence,
		Method:     scan.MethodMetadata,
		Name:       path,
		Partial:    partial,
	}, true
}

// extentBounds returns the device span of the non-sparse extents.
func extentBounds(extents []scan.Extent) (int64, int64) {
	start, end := int64(-1), int64(-1)
	for _, e := range extents {
		if e.Sparse {
			continue
		}
		if start < 0 || e.Offset < start {
			start = e.Offset
		}
		if e.Offset+e.Length > end {
			end = e.Offset + e.Length
		}
	}
	return start, end
}

func (s *Scanner) reconstructPath(index uint64) string {
	var parts []string
	visited := make(map[uint64]bool)

	current := index
	for !visited[current] {
		visited[current] = true
		rec, ok := s.records[current]
		if !ok {
			break
		}
		if rec.Name != "" && rec.Name != "." {
			parts = append([]string{rec.Name}, parts...)
		}
		if rec.ParentRef == rootRecordIndex || rec.ParentRef == current {
			break
		}
		current = rec.ParentRef
	}

	if len(parts) == 0 {
		if rec, ok := s.records[index]; ok && rec.Name != "" {
			return rec.Name
		}
		return fmt.Sprintf("file_%d", index)
	}
	return filepath.Join(parts...)
}
