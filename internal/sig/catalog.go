// Package sig holds the static catalog of file-type signatures used by the
// carving engine. Supporting a new type means adding a row, not code.
package sig

import (
	"bytes"
	"strings"
)

// LengthField describes an embedded size field inside a format's header,
// the most reliable way to bound a carved file.
type LengthField struct {
	Offset    int   // byte offset of the field from the match position
	Bytes     int   // field width, 2..8
	Skew      int64 // bytes to add to the field value to get total size
	BigEndian bool
}

// Descriptor is one immutable catalog row.
type Descriptor struct {
	Tag       string
	Ext       string
	Header    []byte
	Footer    []byte // optional; earliest occurrence bounds the file
	MaxSize   int64
	Container bool // ZIP-like archive, validated after extraction
	Length    *LengthField

	// Verify is an optional cheap post-match check on the header window,
	// for formats whose leading magic alone is too weak (RIFF, MP4).
	Verify func(window []byte) bool
}

// Catalog is a process-wide immutable signature table. Reads need no
// synchronization.
type Catalog struct {
	rows      []Descriptor
	byTag     map[string]*Descriptor
	maxHeader int
}

// New builds the catalog from the built-in rows.
func New() *Catalog {
	return FromRows(rows)
}

// FromRows builds a catalog from custom rows. Tests and type-filtered
// carve passes use this.
func FromRows(rs []Descriptor) *Catalog {
	c := &Catalog{
		rows:  make([]Descriptor, len(rs)),
		byTag: make(map[string]*Descriptor, len(rs)),
	}
	copy(c.rows, rs)
	for i := range c.rows {
		d := &c.rows[i]
		if len(d.Header) > c.maxHeader {
			c.maxHeader = len(d.Header)
		}
		if _, dup := c.byTag[d.Tag]; !dup {
			c.byTag[d.Tag] = d
		}
	}
	return c
}

// MaxHeaderLen is the longest header in the catalog; scan windows overlap
// by MaxHeaderLen-1 so no signature is missed across a chunk boundary.
func (c *Catalog) MaxHeaderLen() int {
	return c.maxHeader
}

// ByTag returns the descriptor for a type tag, or nil.
func (c *Catalog) ByTag(tag string) *Descriptor {
	return c.byTag[strings.ToUpper(tag)]
}

// TagForExt maps a file extension (with or without the dot) to a catalog
// tag, or "" when unknown. Metadata scanners use this so recovered names
// participate in type filtering.
func (c *Catalog) TagForExt(ext string) string {
	ext = strings.ToLower(ext)
	if !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	for i := range c.rows {
		if c.rows[i].Ext == ext {
			return c.rows[i].Tag
		}
	}
	return ""
}

// Tags lists all type tags in catalog order.
func (c *Catalog) Tags() []string {
	out := make([]string, 0, len(c.rows))
	seen := make(map[string]bool, len(c.rows))
	for i := range c.rows {
		if !seen[c.rows[i].Tag] {
			seen[c.rows[i].Tag] = true
			out = append(out, c.rows[i].Tag)
		}
	}
	return out
}

// Match returns every descriptor whose header matches at offset 0 of the
// window and whose Verify hook (if any) passes.
func (c *Catalog) Match(window []byte) []*Descriptor {
	var matches []*Descriptor
	for i := range c.rows {
		d := &c.rows[i]
		if len(d.Header) == 0 || len(window) < len(d.Header) {
			continue
		}
		if !bytes.Equal(window[:len(d.Header)], d.Header) {
			continue
		}
		if d.Verify != nil && !d.Verify(window) {
			continue
		}
		matches = append(matches, d)
	}
	return matches
}

// Resolve picks one descriptor from an ambiguous match set: the longest
// header wins; on a tie a container-aware row is preferred, then catalog
// order.
func Resolve(matches []*Descriptor) *Descriptor {
	if len(matches) == 0 {
		return nil
	}
	best := matches[0]
	for _, d := range matches[1:] {
		switch {
		case len(d.Header) > len(best.Header):
			best = d
		case len(d.Header) == len(best.Header) && d.Container && !best.Container:
			best = d
		}
	}
	return best
}

// SizeFromHeader evaluates a descriptor's length field over the header
// window. Returns 0 when the window is too short or the field is absent.
func (d *Descriptor) SizeFromHeader(window []byte) int64 {
	lf := d.Length
	if lf == nil || len(window) < lf.Offset+lf.Bytes {
		return 0
	}
	var v uint64
	field := window[lf.Offset : lf.Offset+lf.Bytes]
	if lf.BigEndian {
		for _, b := range field {
			v = v<<8 | uint64(b)
		}
	} else {
		for i := len(field) - 1; i >= 0; i-- {
			v = v<<8 | uint64(field[i])
		}
	}
	size := int64(v) + lf.Skew
	if size <= 0 {
		return 0
	}
	return size
}

func riffFormat(tag string) func([]byte) bool {
	return func(window []byte) bool {
		return len(window) >= 12 && string(window[8:12]) == tag
	}
}

// rows is the built-in signature table. Header magics and caps follow the
// common published values for each format.
var rows = []Descriptor{
	// Images
	{Tag: "JPEG", Ext: ".jpg", Header: []byte{0xFF, 0xD8, 0xFF}, Footer: []byte{0xFF, 0xD9}, MaxSize: 50 << 20},
	{Tag: "PNG", Ext: ".png", Header: []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A}, Footer: []byte{0x49, 0x45, 0x4E, 0x44, 0xAE, 0x42, 0x60, 0x82}, MaxSize: 50 << 20},
	{Tag: "GIF", Ext: ".gif", Header: []byte{0x47, 0x49, 0x46, 0x38}, Footer: []byte{0x00, 0x3B}, MaxSize: 20 << 20},
	{Tag: "BMP", Ext: ".bmp", Header: []byte{0x42, 0x4D}, MaxSize: 50 << 20,
		Length: &LengthField{Offset: 2, Bytes: 4}},
	{Tag: "TIFF", Ext: ".tiff", Header: []byte{0x49, 0x49, 0x2A, 0x00}, MaxSize: 100 << 20},
	{Tag: "TIFF", Ext: ".tiff", Header: []byte{0x4D, 0x4D, 0x00, 0x2A}, MaxSize: 100 << 20},
	{Tag: "WEBP", Ext: ".webp", Header: []byte{0x52, 0x49, 0x46, 0x46}, MaxSize: 50 << 20,
		Length: &LengthField{Offset: 4, Bytes: 4, Skew: 8}, Verify: riffFormat("WEBP")},

	// Audio
	{Tag: "WAV", Ext: ".wav", Header: []byte{0x52, 0x49, 0x46, 0x46}, MaxSize: 500 << 20,
		Length: &LengthField{Offset: 4, Bytes: 4, Skew: 8}, Verify: riffFormat("WAVE")},
	{Tag: "MP3", Ext: ".mp3", Header: []byte{0x49, 0x44, 0x33}, MaxSize: 100 << 20},
	{Tag: "FLAC", Ext: ".flac", Header: []byte{0x66, 0x4C, 0x61, 0x43}, MaxSize: 500 << 20},
	{Tag: "OGG", Ext: ".ogg", Header: []byte{0x4F, 0x67, 0x67, 0x53}, MaxSize: 200 << 20},

	// Video
	{Tag: "AVI", Ext: ".avi", Header: []byte{0x52, 0x49, 0x46, 0x46}, MaxSize: 4 << 30,
		Length: &LengthField{Offset: 4, Bytes: 4, Skew: 8}, Verify: riffFormat("AVI ")},
	{Tag: "MKV", Ext: ".mkv", Header: []byte{0x1A, 0x45, 0xDF, 0xA3}, MaxSize: 4 << 30},
	{Tag: "MP4", Ext: ".mp4", Header: []byte{0x00, 0x00, 0x00}, MaxSize: 4 << 30,
		Verify: func(w []byte) bool { return len(w) >= 8 && string(w[4:8]) == "ftyp" }},
	{Tag: "FLV", Ext: ".flv", Header: []byte{0x46, 0x4C, 0x56, 0x01}, MaxSize: 2 << 30},
	{Tag: "WMV", Ext: ".wmv", Header: []byte{0x30, 0x26, 0xB2, 0x75, 0x8E, 0x66, 0xCF, 0x11}, MaxSize: 4 << 30},

	// Documents and archives. OOXML documents are ZIP containers with the
	// same leading magic; the content-types check separates them, and the
	// container-aware ZIP row wins remaining PK collisions.
	{Tag: "PDF", Ext: ".pdf", Header: []byte{0x25, 0x50, 0x44, 0x46}, Footer: []byte{0x25, 0x25, 0x45, 0x4F, 0x46}, MaxSize: 500 << 20},
	{Tag: "DOCX", Ext: ".docx", Header: []byte{0x50, 0x4B, 0x03, 0x04}, MaxSize: 100 << 20, Container: true,
		Verify: func(w []byte) bool {
			return len(w) >= 64 && bytes.Contains(w[:64], []byte("[Content_Types].xml"))
		}},
	{Tag: "ZIP", Ext: ".zip", Header: []byte{0x50, 0x4B, 0x03, 0x04}, MaxSize: 1 << 30, Container: true},
	{Tag: "RAR", Ext: ".rar", Header: []byte{0x52, 0x61, 0x72, 0x21, 0x1A, 0x07}, MaxSize: 1 << 30},
	{Tag: "7Z", Ext: ".7z", Header: []byte{0x37, 0x7A, 0xBC, 0xAF, 0x27, 0x1C}, MaxSize: 1 << 30},
	{Tag: "DOC", Ext: ".doc", Header: []byte{0xD0, 0xCF, 0x11, 0xE0, 0xA1, 0xB1, 0x1A, 0xE1}, MaxSize: 100 << 20},

	// Executables and databases
	{Tag: "ELF", Ext: ".elf", Header: []byte{0x7F, 0x45, 0x4C, 0x46}, MaxSize: 500 << 20},
	{Tag: "SQLITE", Ext: ".sqlite", Header: []byte("SQLite format 3\x00"), MaxSize: 1 << 30},
}
