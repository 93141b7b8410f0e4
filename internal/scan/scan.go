// Package scan defines the candidate model shared by the metadata scanners
// and the carving engine, and the contract a scanner presents to a session.
package scan

import (
	"context"
	"fmt"
)

// Confidence is the qualitative certainty of a candidate's boundaries.
type Confidence uint8

const (
	ConfidenceLow Confidence = iota
	ConfidenceMedium
	ConfidenceHigh
)

func (c Confidence) String() string {
	switch c {
	case ConfidenceHigh:
		return "high"
	case ConfidenceMedium:
		return "medium"
	}
	return "low"
}

// Method records how a candidate's extent was determined.
type Method uint8

const (
	// MethodMetadata means the extent came from filesystem structures.
	MethodMetadata Method = iota
	// MethodLengthField means an embedded length field inside the header.
	MethodLengthField
	// MethodFooter means a footer signature bounded the extent.
	MethodFooter
	// MethodHeuristic means the extent was capped at the type's max size.
	MethodHeuristic
)

func (m Method) String() string {
	switch m {
	case MethodMetadata:
		return "metadata"
	case MethodLengthField:
		return "length-field"
	case MethodFooter:
		return "footer"
	}
	return "heuristic"
}

// Extent is one contiguous byte range of a candidate on the device.
// Sparse extents have no backing bytes and read as zeros.
type Extent struct {
	Offset int64
	Length int64
	Sparse bool
}

// Candidate is a recoverable file located by a scanner. Immutable once
// emitted; the session decides accept, reject or write.
type Candidate struct {
	Tag        string
	Start      int64
	End        int64
	Extents    []Extent
	Size       int64 // logical size when known (metadata), else End-Start
	Confidence Confidence
	Method     Method
	Name       string // original name when metadata preserved it
	Partial    bool
	Ambiguous  bool
}

// Validate checks the offset invariants against the device size.
func (c Candidate) Validate(deviceSize int64) error {
	if c.Start < 0 || c.Start >= c.End || c.End > deviceSize {
		return fmt.Errorf("candidate %s has invalid extent [%d, %d) on %d-byte device",
			c.Tag, c.Start, c.End, deviceSize)
	}
	return nil
}

// Bytes returns the number of device bytes the candidate spans across
// its extents.
func (c Candidate) Bytes() int64 {
	var n int64
	for _, e := range c.Extents {
		n += e.Length
	}
	return n
}

// Scanner produces candidates incrementally. Emit may block under
// backpressure; a non-nil return from emit stops the scan.
type Scanner interface {
	Scan(ctx context.Context, emit func(Candidate) error) error
}
