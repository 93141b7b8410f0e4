// Package fat32 recovers deleted files from FAT-family filesystems whose
// directory entries still exist but are flagged deleted.
package fat32

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
	DirEntrySize     = 32
	DeletedMarker    = 0xE5
	LFNAttribute     = 0x0F
	AttrDirectory    = 0x10
	AttrVolumeLabel  = 0x08
	ClusterEndMarker = 0x0FFFFFF8
	fatEntryMask     = 0x0FFFFFFF
)

// BootSector holds the FAT32 BPB fields the scanner needs.
type BootSector struct {
	BytesPerSector    uint16
	SectorsPerCluster uint8
	ReservedSectors   uint16
	NumFATs           uint8
	TotalSectors32    uint32
	FATSize32         uint32
	RootCluster       uint32
}

// Scanner parses FAT32 structures and emits candidates for deleted entries.
type Scanner struct {
	src        disk.Source
	bootSector *BootSector
	fatStart   int64
	dataStart  int64
	clusterSz  int
	fatTable   []uint32
}

// NewScanner reads and validates the boot sector.
func NewScanner(src disk.Source) (*Scanner, error) {
	s := &Scanner{src: src}
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

	bs := &BootSector{
		BytesPerSector:    binary.LittleEndian.Uint16(buf[11:13]),
		SectorsPerCluster: buf[13],
		ReservedSectors:   binary.LittleEndian.Uint16(buf[14:16]),
		NumFATs:           buf[16],
		TotalSectors32:    binary.LittleEndian.Uint32(buf[32:36]),
		FATSize32:         binary.LittleEndian.Uint32(buf[36:40]),
		RootCluster:       binary.LittleEndian.Uint32(buf[44:48]),
	}
	if bs.BytesPerSector == 0 || bs.SectorsPerCluster == 0 || bs.NumFATs == 0 {
		return fmt.Errorf("invalid FAT32 boot sector")
	}
	s.bootSector = bs

	s.fatStart = int64(bs.ReservedSectors) * int64(bs.BytesPerSector)
	fatSize := int64(bs.FATSize32) * int64(bs.BytesPerSector)
	s.dataStart = s.fatStart + int64(bs.NumFATs)*fatSize
	s.clusterSz = int(bs.SectorsPerCluster) * int(bs.BytesPerSector)

	return nil
}

func (s *Scanner) loadFAT() error {
	fatSize := int(s.bootSector.FATSize32) * int(s.bootSector.BytesPerSector)
	buf := make([]byte, fatSize)
	if _, err := s.src.ReadAt(buf, s.fatStart); err != nil {
		return fmt.Errorf("failed to read FAT: %w", err)
	}

	s.fatTable = make([]uint32, fatSize/4)
	for i := range s.fatTable {
		s.fatTable[i] = binary.LittleEndian.Uint32(buf[i*4:]) & fatEntryMask
	}
	return nil
}

func (s *Scanner) clusterToOffset(cluster uint32) int64 {
	return s.dataStart + int64(cluster-2)*int64(s.clusterSz)
}

func (s *Scanner) readCluster(cluster uint32) ([]byte, error) {
	buf := make([]byte, s.clusterSz)
	if _, err := s.src.ReadAt(buf, s.clusterToOffset(cluster)); err != nil {
		return nil, err
	}
	return buf, nil
}

func (s *Scanner) fatEntry(cluster uint32) uint32 {
	if int(cluster) >= len(s.fatTable) {
		return 0
	}
	return s.fatTable[cluster]
}

// Scan walks the directory tree and emits one candidate per deleted entry
// whose data still looks recoverable. A corrupt directory cluster is
// skipped and logged, never fatal.
func (s *Scanner) Scan(ctx context.Context, emit func(scan.Candidate) error) error {
	if err := s.loadFAT(); err != nil {
		return err
	}
	visited := make(map[uint32]bool)
	return s.scanDirectory(ctx, s.bootSector.RootCluster, "", emit, visited)
}

func (s *Scanner) scanDirectory(ctx context.Context, cluster uint32, path string,
	emit func(scan.Candidate) error, visited map[uint32]bool) error {

	for cluster >= 2 && cluster < ClusterEndMarker {
		if err := ctx.Err(); err != nil {
			return err
		}
		if visited[cluster] {
			break
		}
		visited[cluster] = true

		data, err := s.readCluster(cluster)
		if err != nil {
			logger.Log.Warn("unreadable directory cluster {Cluster}: {Error}", cluster, err)
			break
		}

		var lfnParts []string
		for i := 0; i+DirEntrySize <= len(data); i += DirEntrySize {
			entry := data[i : i+DirEntrySize]

			if entry[0] == 0x00 {
				// End of directory.
				break
			}
			if entry[11] == LFNAttribute {
				if entry[0]&0x40 != 0 {
					lfnParts = nil
				}
				lfnParts = append([]string{parseLFNEntry(entry)}, lfnParts...)
				continue
			}
			if entry[11]&AttrVolumeLabel != 0 {
				continue
			}

			isDeleted := entry[0] == DeletedMarker
			isDir := entry[11]&AttrDirectory != 0
			firstCluster := uint32(binary.LittleEndian.Uint16(entry[26:28])) |
				(uint32(binary.LittleEndian.Uint16(entry[20:22])) << 16)
			fileSize := binary.LittleEndian.Uint32(entry[28:32])

			shortName := parseShortName(entry[:11], isDeleted)
			longName := strings.Join(lfnParts, "")
			lfnParts = nil
			name := longName
			if name == "" {
				name = shortName
			}
			if name == "." || name == ".." {
				continue
			}

			if isDeleted && !isDir && fileSize > 0 {
				if cand, ok := s.buildCandidate(firstCluster, fileSize, filepath.Join(path, name)); ok {
					if err := emit(cand); err != nil {
						return err
					}
				}
			}

			// Recurse into live directories; deleted ones may point at
			// reused clusters.
			if isDir && !isDeleted && firstCluster >= 2 {
				if err := s.scanDirectory(ctx, firstCluster, filepath.Join(path, name), emit, visited); err != nil {
					return err
				}
			}
		}

		cluster = s.fatEntry(cluster)
	}

	return nil
}

// buildCandidate reconstructs a deleted file's extents. The FAT chain of a
// deleted file is normally zeroed, so: an intact chain gives high
// confidence; otherwise the start cluster must still be free and a
// contiguous run of free clusters is assumed, at medium confidence.
func (s *Scanner) buildCandidate(firstCluster, fileSize uint32, name string) (scan.Candidate, bool) {
	if firstCluster < 2 || int(firstCluster) >= len(s.fatTable) {
		return scan.Candidate{}, false
	}

	clustersNeeded := (int64(fileSize) + int64(s.clusterSz) - 1) / int64(s.clusterSz)
	if clustersNeeded == 0 {
		clustersNeeded = 1
	}

	var clusters []uint32
	confidence := scan.ConfidenceHigh

	if next := s.fatEntry(firstCluster); next != 0 {
		// Chain survived: the entry was only flagged deleted.
		seen := make(map[uint32]bool)
		c := firstCluster
		for c >= 2 && c < ClusterEndMarker && int64(len(clusters)) < clustersNeeded {
			if seen[c] {
				break
			}
			seen[c] = true
			clusters = append(clusters, c)
			c = s.fatEntry(c)
		}
	} else {
		// Chain erased: start cluster must not have been reallocated.
		confidence = scan.ConfidenceMedium
		for i := int64(0); i < clustersNeeded; i++ {
			c := firstCluster + uint32(i)
			if int(c) >= len(s.fatTable) || s.fatEntry(c) != 0 {
				break
			}
			clusters = append(clusters, c)
		}
	}

	if len(clusters) == 0 {
		return scan.Candidate{}, false
	}

	extents := clustersToExtents(clusters, s.clusterToOffset, int64(s.clusterSz))
	recovered := int64(len(clusters)) * int64(s.clusterSz)
	partial := recovered < int64(fileSize)

	// Trim the final extent so the candidate spans exactly the file size.
	if !partial {
		excess := recovered - int64(fileSize)
		last := &extents[len(extents)-1]
		last.Length -= excess
	}

	cand := scan.Candidate{
		Tag:        "FILE",
		Start:      extents[0].Offset,
		End:        extents[len(extents)-1].Offset + extents[len(extents)-1].Length,
		Extents:    extents,
		Size:       int64(fileSize),
		Confidence: confidence,
		Method:     scan.MethodMetadata,
		Name:       name,
		Partial:    partial,
	}
	if cand.Validate(s.src.Size()) != nil {
		return scan.Candidate{}, false
	}
	return cand, true
}

// clustersToExtents merges adjacent clusters into contiguous byte extents.
func clustersToExtents(clusters []uint32, toOffset func(uint32) int64, clusterSz int64) []scan.Extent {
	var extents []scan.Extent
	for _, c := range clusters {
		off := toOffset(c)
		if n := len(extents); n > 0 && extents[n-1].Offset+extents[n-1].Length == off {
			extents[n-1].Length += clusterSz
			continue
		}
		extents = append(extents, scan.Extent{Offset: off, Length: clusterSz})
	}
	return extents
}

func parseLFNEntry(entry []byte) string {
	var chars []uint16
	spans := [][2]int{{1, 5}, {14, 6}, {28, 2}}
	for _, sp := range spans {
		for j := 0; j < sp[1]; j++ {
			c := binary.LittleEndian.Uint16(entry[sp[0]+j*2:])
			if c == 0 || c == 0xFFFF {
				return string(utf16.Decode(chars))
			}
			chars = append(chars, c)
		}
	}
	return string(utf16.Decode(chars))
}

func parseShortName(name []byte, isDeleted bool) string {
	baseName := strings.TrimRight(string(name[:8]), " ")
	ext := strings.TrimRight(string(name[8:11]), " ")

	if isDeleted && len(baseName) > 0 {
		// First byte held the deletion marker; the original char is lost.
		baseName = "?" + baseName[1:]
	}
	if ext != "" {
		return baseName + "." + ext
	}
	return baseName
}
