package ntfs

import (
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/shubham/filerescue/internal/disk"
	"github.com/shubham/filerescue/internal/scan"
)

// Test image geometry: 512-byte sectors, 8 sectors per cluster (4KB),
// 1KB MFT records, MFT at cluster 4 (offset 16384).
const (
	testClusterSize = 4096
	testMFTStart    = 16384
	testRecSize     = 1024
	testImageSize   = 256 * 1024
)

type testAttr struct {
	resident    []byte // resident $DATA value
	runs        []byte // non-resident $DATA run list
	realSize    uint64
	hasResident bool
}

// makeMFTRecord builds a minimal FILE record with one $FILE_NAME and an
// optional $DATA attribute. No update sequence, so no fixup applies.
func makeMFTRecord(name string, parentRef uint64, inUse, dir bool, data *testAttr) []byte {
	rec := make([]byte, testRecSize)
	copy(rec[0:4], MFTRecordMagic)

	var flags uint16
	if inUse {
		flags |= 0x01
	}
	if dir {
		flags |= 0x02
	}
	binary.LittleEndian.PutUint16(rec[22:24], flags)
	binary.LittleEndian.PutUint16(rec[20:22], 56) // first attribute

	// $FILE_NAME, resident.
	fnValueLen := 66 + 2*len(name)
	fnAttrLen := (24 + fnValueLen + 7) &^ 7
	off := 56
	binary.LittleEndian.PutUint32(rec[off:], AttrFileName)
	binary.LittleEndian.PutUint32(rec[off+4:], uint32(fnAttrLen))
	binary.LittleEndian.PutUint16(rec[off+20:], 24) // value offset
	fn := rec[off+24:]
	binary.LittleEndian.PutUint64(fn[0:8], parentRef)
	fn[64] = byte(len(name))
	fn[65] = 1 // Win32 name
	for i, c := range name {
		binary.LittleEndian.PutUint16(fn[66+i*2:], uint16(c))
	}
	off += fnAttrLen

	if data != nil {
		binary.LittleEndian.PutUint32(rec[off:], AttrData)
		if data.hasResident {
			attrLen := (24 + len(data.resident) + 7) &^ 7
			binary.LittleEndian.PutUint32(rec[off+4:], uint32(attrLen))
			rec[off+8] = 0
			binary.LittleEndian.PutUint32(rec[off+16:], uint32(len(data.resident)))
			binary.LittleEndian.PutUint16(rec[off+20:], 24)
			copy(rec[off+24:], data.resident)
			off += attrLen
		} else {
			attrLen := (64 + len(data.runs) + 7) &^ 7
			binary.LittleEndian.PutUint32(rec[off+4:], uint32(attrLen))
			rec[off+8] = 1
			binary.LittleEndian.PutUint16(rec[off+32:], 64) // run list offset
			binary.LittleEndian.PutUint64(rec[off+48:], data.realSize)
			copy(rec[off+64:], data.runs)
			off += attrLen
		}
	}

	binary.LittleEndian.PutUint32(rec[off:], 0xFFFFFFFF)
	return rec
}

func createNTFSImage(t *testing.T) string {
	t.Helper()
	img := make([]byte, testImageSize)

	bs := img[:512]
	bs[0], bs[1], bs[2] = 0xEB, 0x52, 0x90
	copy(bs[3:11], "NTFS    ")
	binary.LittleEndian.PutUint16(bs[11:13], 512)
	bs[13] = 8
	bs[21] = 0xF8
	binary.LittleEndian.PutUint64(bs[40:48], testImageSize/512)
	binary.LittleEndian.PutUint64(bs[48:56], 4) // MFT at cluster 4
	bs[64] = 0xF6                               // 2^10 = 1KB records
	bs[510], bs[511] = 0x55, 0xAA

	putRecord := func(index uint64, rec []byte) {
		copy(img[testMFTStart+int64(index)*testRecSize:], rec)
	}

	// System records are ignored by name; root keeps path walks bounded.
	putRecord(0, makeMFTRecord("$MFT", 5, true, false, nil))
	putRecord(5, makeMFTRecord(".", 5, true, true, nil))

	// Live directory the deleted file below hangs off of.
	putRecord(10, makeMFTRecord("docs", 5, true, true, nil))

	// Deleted file with resident data.
	putRecord(11, makeMFTRecord("note.txt", 10, false, false, &testAttr{
		hasResident: true,
		resident:    []byte("hello world"),
	}))

	// Deleted file with one non-resident run: 2 clusters at LCN 30,
	// real size 5000 (slack trimmed).
	putRecord(12, makeMFTRecord("video.bin", 5, false, false, &testAttr{
		runs:     []byte{0x11, 0x02, 0x1E, 0x00},
		realSize: 5000,
	}))

	// Deleted file whose runs cover less than its size: partial.
	putRecord(13, makeMFTRecord("huge.bin", 5, false, false, &testAttr{
		runs:     []byte{0x11, 0x01, 0x28, 0x00},
		realSize: 10000,
	}))

	path := filepath.Join(t.TempDir(), "ntfs.img")
	if err := os.WriteFile(path, img, 0644); err != nil {
		t.Fatalf("Failed to create NTFS image: %v", err)
	}
	return path
}

func openScanner(t *testing.T) *Scanner {
	t.Helper()
	reader, err := disk.Open(createNTFSImage(t))
	if err != nil {
		t.Fatalf("Failed to open image: %v", err)
	}
	t.Cleanup(func() { reader.Close() })

	s, err := NewScanner(reader)
	if err != nil {
		t.Fatalf("Failed to create scanner: %v", err)
	}
	return s
}

func TestNewScanner(t *testing.T) {
	s := openScanner(t)

	if s.bootSector.BytesPerSector != 512 {
		t.Errorf("Expected 512 bytes per sector, got %d", s.bootSector.BytesPerSector)
	}
	if s.bootSector.SectorsPerCluster != 8 {
		t.Errorf("Expected 8 sectors per cluster, got %d", s.bootSector.SectorsPerCluster)
	}
	if s.clusterSize != testClusterSize {
		t.Errorf("Expected cluster size %d, got %d", testClusterSize, s.clusterSize)
	}
	if s.mftRecSize != testRecSize {
		t.Errorf("Expected MFT record size %d, got %d", testRecSize, s.mftRecSize)
	}
	if s.mftStart != testMFTStart {
		t.Errorf("Expected MFT start %d, got %d", testMFTStart, s.mftStart)
	}
}

func TestScanFindsDeletedRecords(t *testing.T) {
	s := openScanner(t)

	var cands []scan.Candidate
	err := s.Scan(context.Background(), func(c scan.Candidate) error {
		cands = append(cands, c)
		return nil
	})
	if err != nil {
		t.Fatalf("Scan failed: %v", err)
	}

	if len(cands) != 3 {
		t.Fatalf("Expected 3 candidates, got %d: %+v", len(cands), cands)
	}

	// Resident data: intact inside the MFT record, path reconstructed.
	note := cands[0]
	if note.Name != filepath.Join("docs", "note.txt") {
		t.Errorf("Expected path docs/note.txt, got %s", note.Name)
	}
	if note.Size != 11 {
		t.Errorf("Expected size 11, got %d", note.Size)
	}
	if note.Confidence != scan.ConfidenceHigh {
		t.Errorf("Expected high confidence for resident data, got %s", note.Confidence)
	}
	if len(note.Extents) != 1 || note.Extents[0].Length != 11 {
		t.Errorf("Expected one 11-byte extent, got %+v", note.Extents)
	}

	// Non-resident run: slack trimmed to the real size.
	video := cands[1]
	if video.Name != "video.bin" {
		t.Errorf("Expected name video.bin, got %s", video.Name)
	}
	if video.Start != 30*testClusterSize {
		t.Errorf("Expected start at LCN 30, got %d", video.Start)
	}
	if video.Size != 5000 {
		t.Errorf("Expected size 5000, got %d", video.Size)
	}
	if video.Extents[0].Length != 5000 {
		t.Errorf("Expected extent trimmed to 5000, got %d", video.Extents[0].Length)
	}
	if video.Partial {
		t.Errorf("Fully covered file must not be partial")
	}

	// Runs shorter than the reported size: partial, medium confidence.
	huge := cands[2]
	if !huge.Partial {
		t.Errorf("Short runs must flag partial")
	}
	if huge.Confidence != scan.ConfidenceMedium {
		t.Errorf("Expected medium confidence, got %s", huge.Confidence)
	}
}

func TestScanCancellation(t *testing.T) {
	s := openScanner(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := s.Scan(ctx, func(scan.Candidate) error { return nil })
	if err != context.Canceled {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}

func TestDecodeUTF16(t *testing.T) {
	tests := []struct {
		name     string
		input    []byte
		expected string
	}{
		{
			name:     "Simple ASCII",
			input:    []byte{'H', 0, 'e', 0, 'l', 0, 'l', 0, 'o', 0},
			expected: "Hello",
		},
		{
			name:     "Empty",
			input:    []byte{},
			expected: "",
		},
		{
			name:     "Filename with extension",
			input:    []byte{'t', 0, 'e', 0, 's', 0, 't', 0, '.', 0, 't', 0, 'x', 0, 't', 0},
			expected: "test.txt",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if result := decodeUTF16(tt.input); result != tt.expected {
				t.Errorf("Expected '%s', got '%s'", tt.expected, result)
			}
		})
	}
}

func TestParseDataRuns(t *testing.T) {
	tests := []struct {
		name     string
		runs     []byte
		expected []DataRun
	}{
		{
			name:     "Single run",
			runs:     []byte{0x11, 0x10, 0x64, 0x00},
			expected: []DataRun{{Offset: 100, Length: 16}},
		},
		{
			name: "Relative negative offset",
			runs: []byte{0x11, 0x10, 0x64, 0x11, 0x05, 0xF6, 0x00},
			expected: []DataRun{
				{Offset: 100, Length: 16},
				{Offset: 90, Length: 5},
			},
		},
		{
			name: "Sparse run in the middle",
			runs: []byte{0x11, 0x04, 0x64, 0x01, 0x02, 0x11, 0x03, 0x0A, 0x00},
			expected: []DataRun{
				{Offset: 100, Length: 4},
				{Offset: -1, Length: 2},
				{Offset: 110, Length: 3},
			},
		},
		{
			name:     "Empty",
			runs:     []byte{0x00},
			expected: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			attr := make([]byte, 64+len(tt.runs))
			binary.LittleEndian.PutUint16(attr[32:34], 64)
			copy(attr[64:], tt.runs)

			result := parseDataRuns(attr)
			if len(result) != len(tt.expected) {
				t.Fatalf("Expected %d runs, got %d", len(tt.expected), len(result))
			}
			for i, run := range result {
				if run.Offset != tt.expected[i].Offset {
					t.Errorf("Run %d: expected offset %d, got %d", i, tt.expected[i].Offset, run.Offset)
				}
				if run.Length != tt.expected[i].Length {
					t.Errorf("Run %d: expected length %d, got %d", i, tt.expected[i].Length, run.Length)
				}
			}
		})
	}
}

func TestApplyFixup(t *testing.T) {
	rec := make([]byte, 1024)
	copy(rec[0:4], MFTRecordMagic)
	binary.LittleEndian.PutUint16(rec[4:6], 48) // update sequence offset
	binary.LittleEndian.PutUint16(rec[6:8], 3)  // signature + 2 sectors

	// Signature and the saved original bytes.
	rec[48], rec[49] = 0xAB, 0xCD
	rec[50], rec[51] = 0x11, 0x22
	rec[52], rec[53] = 0x33, 0x44

	// Sector tails hold the signature on disk.
	rec[510], rec[511] = 0xAB, 0xCD
	rec[1022], rec[1023] = 0xAB, 0xCD

	if err := applyFixup(rec); err != nil {
		t.Fatalf("applyFixup failed: %v", err)
	}
	if rec[510] != 0x11 || rec[511] != 0x22 {
		t.Errorf("First sector tail not restored: %x %x", rec[510], rec[511])
	}
	if rec[1022] != 0x33 || rec[1023] != 0x44 {
		t.Errorf("Second sector tail not restored: %x %x", rec[1022], rec[1023])
	}
}

func TestReconstructPath(t *testing.T) {
	s := &Scanner{
		records: map[uint64]*record{
			10: {Name: "Documents", ParentRef: 5},
			20: {Name: "Work", ParentRef: 10},
			30: {Name: "report.pdf", ParentRef: 20},
		},
	}

	tests := []struct {
		index    uint64
		expected string
	}{
		{30, filepath.Join("Documents", "Work", "report.pdf")},
		{20, filepath.Join("Documents", "Work")},
		{10, "Documents"},
	}

	for _, tt := range tests {
		if result := s.reconstructPath(tt.index); result != tt.expected {
			t.Errorf("Record %d: expected '%s', got '%s'", tt.index, tt.expected, result)
		}
	}
}
