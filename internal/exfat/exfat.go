// Package exfat recovers deleted files from exFAT volumes. Deletion in
// exFAT clears the in-use bit of a directory entry set but leaves the set
// itself in place, so the stream extension still names the first cluster
// and data length.
package exfat

import (
	"context"
	"encoding/binary"
	"fmt"
	"path/filepath"
	"unicode/utf16"

	"github.com/shubham/filerescue/internal/disk"
	"github.com/shubham/filerescue/internal/logger"
	"github.com/shubham/filerescue/internal/scan"
)

const (
	entrySize = 32

	entryEndOfDir    = 0x00
	entryBitmap      = 0x81
	entryFile        = 0x85
	entryFileDeleted = 0x05
	entryStream      = 0xC0
	entryStreamDel   = 0x40
	entryName        = 0xC1
	entryNameDel     = 0x41

	attrDirectory  = 0x10
	flagNoFatChain = 0x02

	fatEOC = 0xFFFFFFFF
)

// Scanner parses exFAT structures and emits candidates for deleted
// directory entry sets.
type Scanner struct {
	src disk.Source

	fatOffset    int64
	heapOffset   int64
	clusterCount uint32
	rootCluster  uint32
	sectorSize   int
	clusterSize  int64

	fat    []uint32
	bitmap []byte
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
	if string(buf[3:11]) != "EXFAT   " {
		return fmt.Errorf("not an exFAT filesystem")
	}

	sectorShift := buf[108]
	clusterShift := buf[109]
	if sectorShift < 9 || sectorShift > 12 || clusterShift > 25 {
		return fmt.Errorf("invalid exFAT boot sector")
	}
	s.sectorSize = 1 << sectorShift
	s.clusterSize = int64(s.sectorSize) << clusterShift

	fatOffsetSectors := binary.LittleEndian.Uint32(buf[80:84])
	heapOffsetSectors := binary.LittleEndian.Uint32(buf[88:92])
	s.fatOffset = int64(fatOffsetSectors) * int64(s.sectorSize)
	s.heapOffset = int64(heapOffsetSectors) * int64(s.sectorSize)
	s.clusterCount = binary.LittleEndian.Uint32(buf[92:96])
	s.rootCluster = binary.LittleEndian.Uint32(buf[96:100])

	if s.rootCluster < 2 {
		return fmt.Errorf("invalid exFAT root cluster %d", s.rootCluster)
	}
	return nil
}

func (s *Scanner) clusterToOffset(cluster uint32) int64 {
	return s.heapOffset + int64(cluster-2)*s.clusterSize
}

func (s *Scanner) loadFAT() error {
	entries := int64(s.clusterCount) + 2
	buf := make([]byte, entries*4)
	if _, err := s.src.ReadAt(buf, s.fatOffset); err != nil {
		return fmt.Errorf("failed to read FAT: %w", err)
	}
	s.fat = make([]uint32, entries)
	for i := range s.fat {
		s.fat[i] = binary.LittleEndian.Uint32(buf[i*4:])
	}
	return nil
}

func (s *Scanner) fatEntry(cluster uint32) uint32 {
	if int64(cluster) >= int64(len(s.fat)) {
		return 0
	}
	return s.fat[cluster]
}

// clusterFree consults the allocation bitmap; without a bitmap the cluster
// is conservatively treated as reallocated.
func (s *Scanner) clusterFree(cluster uint32) bool {
	if cluster < 2 {
		return false
	}
	bit := cluster - 2
	idx := int(bit / 8)
	if idx >= len(s.bitmap) {
		return false
	}
	return s.bitmap[idx]&(1<<(bit%8)) == 0
}

func (s *Scanner) readCluster(cluster uint32) ([]byte, error) {
	buf := make([]byte, s.clusterSize)
	if _, err := s.src.ReadAt(buf, s.clusterToOffset(cluster)); err != nil {
		return nil, err
	}
	return buf, nil
}

// Scan loads the FAT and allocation bitmap, then walks the directory tree.
func (s *Scanner) Scan(ctx context.Context, emit func(scan.Candidate) error) error {
	if err := s.loadFAT(); err != nil {
		return err
	}
	if err := s.loadBitmap(); err != nil {
		logger.Log.Warn("exFAT allocation bitmap unavailable: {Error}", err)
	}
	visited := make(map[uint32]bool)
	return s.scanDirectory(ctx, s.rootCluster, "", emit, visited)
}

// loadBitmap locates the allocation bitmap entry in the root directory.
func (s *Scanner) loadBitmap() error {
	data, err := s.readCluster(s.rootCluster)
	if err != nil {
		return err
	}
	for i := 0; i+entrySize <= len(data); i += entrySize {
		e := data[i : i+entrySize]
		if e[0] == entryEndOfDir {
			break
		}
		if e[0] != entryBitmap {
			continue
		}
		first := binary.LittleEndian.Uint32(e[20:24])
		length := int64(binary.LittleEndian.Uint64(e[24:32]))
		if first < 2 || length <= 0 || length > 1<<28 {
			return fmt.Errorf("invalid bitmap entry")
		}
		s.bitmap = make([]byte, length)
		if _, err := s.src.ReadAt(s.bitmap, s.clusterToOffset(first)); err != nil {
			s.bitmap = nil
			return err
		}
		return nil
	}
	return fmt.Errorf("no bitmap entry in root directory")
}

func (s *Scanner) scanDirectory(ctx context.Context, cluster uint32, path string,
	emit func(scan.Candidate) error, visited map[uint32]bool) error {

	for cluster >= 2 && cluster != fatEOC {
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

		for i := 0; i+entrySize <= len(data); i += entrySize {
			e := data[i : i+entrySize]
			switch e[0] {
			case entryEndOfDir:
				return nil
			case entryFile, entryFileDeleted:
				consumed, err := s.handleEntrySet(ctx, data[i:], path, e[0] == entryFileDeleted, emit, visited)
				if err != nil {
					return err
				}
				i += consumed * entrySize
			}
		}

		cluster = s.fatEntry(cluster)
	}
	return nil
}

// handleEntrySet parses one file entry set (file + stream + names) and
// returns how many secondary entries it consumed.
func (s *Scanner) handleEntrySet(ctx context.Context, data []byte, path string, deleted bool,
	emit func(scan.Candidate) error, visited map[uint32]bool) (int, error) {

	secondaries := int(data[1])
	attributes := binary.LittleEndian.Uint16(data[4:6])
	isDir := attributes&attrDirectory != 0

	var (
		firstCluster uint32
		dataLength   int64
		noFatChain   bool
		nameLen      int
		name         []uint16
	)

	streamType, nameType := byte(entryStream), byte(entryName)
	if deleted {
		streamType, nameType = entryStreamDel, entryNameDel
	}

	consumed := 0
	for n := 1; n <= secondaries && (n+1)*entrySize <= len(data); n++ {
		e := data[n*entrySize : (n+1)*entrySize]
		switch e[0] {
		case streamType:
			noFatChain = e[1]&flagNoFatChain != 0
			nameLen = int(e[3])
			firstCluster = binary.LittleEndian.Uint32(e[20:24])
			dataLength = int64(binary.LittleEndian.Uint64(e[24:32]))
		case nameType:
			for j := 0; j < 15; j++ {
				c := binary.LittleEndian.Uint16(e[2+j*2:])
				if c != 0 {
					name = append(name, c)
				}
			}
		default:
			// Mixed or corrupt set; stop consuming.
			return consumed, nil
		}
		consumed = n
	}

	if nameLen > 0 && nameLen <= len(name) {
		name = name[:nameLen]
	}
	fileName := string(utf16.Decode(name))
	fullPath := filepath.Join(path, fileName)

	if deleted && !isDir && dataLength > 0 && firstCluster >= 2 {
		if cand, ok := s.buildCandidate(firstCluster, dataLength, noFatChain, fullPath); ok {
			if err := emit(cand); err != nil {
				return consumed, err
			}
		}
	}

	if !deleted && isDir && firstCluster >= 2 {
		if err := s.scanDirectory(ctx, firstCluster, fullPath, emit, visited); err != nil {
			return consumed, err
		}
	}

	return consumed, nil
}

// buildCandidate reconstructs extents for a deleted entry set. NoFatChain
// files are contiguous by definition; chained files fall back to the FAT
// when it survived, else a contiguous run. Clusters already reallocated
// (bitmap set) truncate the run and flag the candidate partial.
func (s *Scanner) buildCandidate(firstCluster uint32, dataLength int64, noFatChain bool, name string) (scan.Candidate, bool) {
	clustersNeeded := (dataLength + s.clusterSize - 1) / s.clusterSize

	var clusters []uint32
	confidence := scan.ConfidenceHigh

	if noFatChain {
		for i := int64(0); i < clustersNeeded; i++ {
			c := firstCluster + uint32(i)
			if !s.clusterFree(c) {
				confidence = scan.ConfidenceMedium
				break
			}
			clusters = append(clusters, c)
		}
	} else if s.fatEntry(firstCluster) != 0 {
		seen := make(map[uint32]bool)
		c := firstCluster
		for c >= 2 && c != fatEOC && int64(len(clusters)) < clustersNeeded {
			if seen[c] {
				break
			}
			seen[c] = true
			clusters = append(clusters, c)
			c = s.fatEntry(c)
		}
	} else {
		confidence = scan.ConfidenceMedium
		for i := int64(0); i < clustersNeeded; i++ {
			c := firstCluster + uint32(i)
			if !s.clusterFree(c) {
				break
			}
			clusters = append(clusters, c)
		}
	}

	if len(clusters) == 0 {
		return scan.Candidate{}, false
	}

	var extents []scan.Extent
	for _, c := range clusters {
		off := s.clusterToOffset(c)
		if n := len(extents); n > 0 && extents[n-1].Offset+extents[n-1].Length == off {
			extents[n-1].Length += s.clusterSize
			continue
		}
		extents = append(extents, scan.Extent{Offset: off, Length: s.clusterSize})
	}

	recovered := int64(len(clusters)) * s.clusterSize
	partial := recovered < dataLength
	if !partial {
		excess := recovered - dataLength
		last := &extents[len(extents)-1]
		last.Length -= excess
	}

	cand := scan.Candidate{
		Tag:        "FILE",
		Start:      extents[0].Offset,
		End:        extents[len(extents)-1].Offset + extents[len(extents)-1].Length,
		Extents:    extents,
		Size:       dataLength,
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
