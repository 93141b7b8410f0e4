package disk

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"
)

func writeImage(t *testing.T, data []byte) string {
	t.Helper()
	tmpFile := filepath.Join(t.TempDir(), "test.img")
	if err := os.WriteFile(tmpFile, data, 0644); err != nil {
		t.Fatalf("Failed to create test file: %v", err)
	}
	return tmpFile
}

func TestOpen(t *testing.T) {
	testData := make([]byte, 1024*1024)
	for i := range testData {
		testData[i] = byte(i % 256)
	}

	reader, err := Open(writeImage(t, testData))
	if err != nil {
		t.Fatalf("Failed to open test file: %v", err)
	}
	defer reader.Close()

	if reader.Size() != int64(len(testData)) {
		t.Errorf("Expected size %d, got %d", len(testData), reader.Size())
	}
	if reader.SectorSize() != SectorSize {
		t.Errorf("Expected sector size %d, got %d", SectorSize, reader.SectorSize())
	}
}

func TestReadAt(t *testing.T) {
	testData := []byte("Hello, World! This is a test file for disk reader.")

	reader, err := Open(writeImage(t, testData))
	if err != nil {
		t.Fatalf("Failed to open test file: %v", err)
	}
	defer reader.Close()

	buf := make([]byte, 5)
	n, err := reader.ReadAt(buf, 0)
	if err != nil {
		t.Fatalf("ReadAt failed: %v", err)
	}
	if n != 5 {
		t.Errorf("Expected to read 5 bytes, got %d", n)
	}
	if string(buf) != "Hello" {
		t.Errorf("Expected 'Hello', got '%s'", string(buf))
	}

	n, err = reader.ReadAt(buf, 7)
	if err != nil {
		t.Fatalf("ReadAt failed: %v", err)
	}
	if string(buf) != "World" {
		t.Errorf("Expected 'World', got '%s'", string(buf))
	}
}

func TestReadAtLargerThanChunk(t *testing.T) {
	// A read larger than MaxChunk must still fill the whole buffer.
	testData := make([]byte, MaxChunk+4096)
	for i := range testData {
		testData[i] = byte(i % 251)
	}

	reader, err := Open(writeImage(t, testData))
	if err != nil {
		t.Fatalf("Failed to open test file: %v", err)
	}
	defer reader.Close()

	buf := make([]byte, len(testData))
	n, err := reader.ReadAt(buf, 0)
	if err != nil {
		t.Fatalf("ReadAt failed: %v", err)
	}
	if n != len(testData) {
		t.Fatalf("Expected %d bytes, got %d", len(testData), n)
	}
	if !bytes.Equal(buf, testData) {
		t.Errorf("Data mismatch across chunk boundary")
	}
}

func TestReadAtEOF(t *testing.T) {
	reader, err := Open(writeImage(t, []byte("short")))
	if err != nil {
		t.Fatalf("Failed to open test file: %v", err)
	}
	defer reader.Close()

	buf := make([]byte, 10)
	n, err := reader.ReadAt(buf, 0)
	if err != io.EOF {
		t.Fatalf("Expected io.EOF, got %v", err)
	}
	if n != 5 {
		t.Errorf("Expected 5 bytes before EOF, got %d", n)
	}
}

func TestReadSector(t *testing.T) {
	sector1 := bytes.Repeat([]byte{0xAA}, SectorSize)
	sector2 := bytes.Repeat([]byte{0xBB}, SectorSize)

	reader, err := Open(writeImage(t, append(sector1, sector2...)))
	if err != nil {
		t.Fatalf("Failed to open test file: %v", err)
	}
	defer reader.Close()

	data, err := reader.ReadSector(0)
	if err != nil {
		t.Fatalf("ReadSector failed: %v", err)
	}
	if data[0] != 0xAA || data[SectorSize-1] != 0xAA {
		t.Errorf("Sector 0 data mismatch")
	}

	data, err = reader.ReadSector(1)
	if err != nil {
		t.Fatalf("ReadSector failed: %v", err)
	}
	if data[0] != 0xBB || data[SectorSize-1] != 0xBB {
		t.Errorf("Sector 1 data mismatch")
	}
}

func TestCopyRange(t *testing.T) {
	testData := make([]byte, 4096)
	for i := range testData {
		testData[i] = byte(i)
	}

	reader, err := Open(writeImage(t, testData))
	if err != nil {
		t.Fatalf("Failed to open test file: %v", err)
	}
	defer reader.Close()

	var out bytes.Buffer
	n, err := reader.CopyRange(&out, 100, 200)
	if err != nil {
		t.Fatalf("CopyRange failed: %v", err)
	}
	if n != 200 {
		t.Errorf("Expected 200 bytes copied, got %d", n)
	}
	if !bytes.Equal(out.Bytes(), testData[100:300]) {
		t.Errorf("Copied data mismatch")
	}
}

func TestMarkBad(t *testing.T) {
	reader, err := Open(writeImage(t, make([]byte, 4096)))
	if err != nil {
		t.Fatalf("Failed to open test file: %v", err)
	}
	defer reader.Close()

	if len(reader.BadRegions()) != 0 {
		t.Fatalf("Expected no bad regions on a fresh reader")
	}

	reader.MarkBad(512, 512)
	reader.MarkBad(2048, 512)

	regions := reader.BadRegions()
	if len(regions) != 2 {
		t.Fatalf("Expected 2 bad regions, got %d", len(regions))
	}
	if regions[0].Offset != 512 || regions[1].Offset != 2048 {
		t.Errorf("Regions not sorted by offset: %+v", regions)
	}

	// Overlapping marks coalesce.
	reader.MarkBad(768, 512)
	regions = reader.BadRegions()
	if len(regions) != 2 {
		t.Fatalf("Expected overlapping marks to coalesce, got %d regions", len(regions))
	}
	if regions[0].Offset != 512 || regions[0].Length != 768 {
		t.Errorf("Expected coalesced region [512, 1280), got %+v", regions[0])
	}
}

func TestMarkBadBridgesNeighbors(t *testing.T) {
	reader, err := Open(writeImage(t, make([]byte, 4096)))
	if err != nil {
		t.Fatalf("Failed to open test file: %v", err)
	}
	defer reader.Close()

	// A mark filling the gap between two regions must leave one region,
	// not two overlapping entries.
	reader.MarkBad(0, 512)
	reader.MarkBad(1024, 512)
	reader.MarkBad(256, 1024)

	regions := reader.BadRegions()
	if len(regions) != 1 {
		t.Fatalf("Expected a bridging mark to collapse the ledger to 1 region, got %d: %+v", len(regions), regions)
	}
	if regions[0].Offset != 0 || regions[0].Length != 1536 {
		t.Errorf("Expected coalesced region [0, 1536), got %+v", regions[0])
	}
}

func TestDetectFilesystem(t *testing.T) {
	tests := []struct {
		name     string
		data     []byte
		expected string
		wantErr  bool
	}{
		{
			name: "NTFS",
			data: func() []byte {
				buf := make([]byte, 4096)
				copy(buf[3:7], "NTFS")
				return buf
			}(),
			expected: "ntfs",
		},
		{
			name: "exFAT",
			data: func() []byte {
				buf := make([]byte, 4096)
				copy(buf[3:11], "EXFAT   ")
				return buf
			}(),
			expected: "exfat",
		},
		{
			name: "FAT32 at offset 82",
			data: func() []byte {
				buf := make([]byte, 4096)
				copy(buf[82:87], "FAT32")
				return buf
			}(),
			expected: "fat32",
		},
		{
			name: "FAT32 at offset 54",
			data: func() []byte {
				buf := make([]byte, 4096)
				copy(buf[54:59], "FAT32")
				return buf
			}(),
			expected: "fat32",
		},
		{
			name: "FAT16",
			data: func() []byte {
				buf := make([]byte, 4096)
				copy(buf[54:59], "FAT16")
				return buf
			}(),
			expected: "fat16",
		},
		{
			name:    "Unknown",
			data:    make([]byte, 4096),
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reader, err := Open(writeImage(t, tt.data))
			if err != nil {
				t.Fatalf("Failed to open test file: %v", err)
			}
			defer reader.Close()

			fs, err := DetectFilesystem(reader)
			if tt.wantErr {
				if err == nil {
					t.Errorf("Expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("DetectFilesystem failed: %v", err)
			}
			if fs != tt.expected {
				t.Errorf("Expected %s, got %s", tt.expected, fs)
			}
		})
	}
}
