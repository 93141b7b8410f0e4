package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// ManifestName is the file written next to the recovered files during
// finalization, one JSON object per line.
const ManifestName = "manifest.jsonl"

// FileResult is one recovered (or skipped, or failed) file as recorded
// in the manifest.
type FileResult struct {
	Name         string `json:"name,omitempty"`
	OriginalName string `json:"original_name,omitempty"`
	Tag          string `json:"tag"`
	Offset       int64  `json:"offset"`
	Size         int64  `json:"size"`
	Checksum     string `json:"checksum,omitempty"`
	Status       string `json:"status"`
	Confidence   string `json:"confidence"`
	Method       string `json:"method"`
	Partial      bool   `json:"partial,omitempty"`
	Ambiguous    bool   `json:"ambiguous,omitempty"`
}

// writeManifest persists one line per file result. The manifest is the
// machine-readable record of the run; the recovery log is the narrative.
func (s *Session) writeManifest(files []FileResult) error {
	path := filepath.Join(s.cfg.Dest, ManifestName)
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create manifest: %w", err)
	}

	enc := json.NewEncoder(f)
	for i := range files {
		if err := enc.Encode(&files[i]); err != nil {
			f.Close()
			return fmt.Errorf("failed to encode manifest entry: %w", err)
		}
	}

	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// ReadManifest loads a manifest written by a previous run. The TUI uses
// this to browse results after the fact.
func ReadManifest(dir string) ([]FileResult, error) {
	f, err := os.Open(filepath.Join(dir, ManifestName))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []FileResult
	dec := json.NewDecoder(f)
	for dec.More() {
		var fr FileResult
		if err := dec.Decode(&fr); err != nil {
			return out, fmt.Errorf("corrupt manifest entry: %w", err)
		}
		out = append(out, fr)
	}
	return out, nil
}
