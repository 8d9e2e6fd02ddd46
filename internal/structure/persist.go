package structure

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/examcore/examcore/internal/domain"
)

func docPath(workdir string) string { return filepath.Join(workdir, "structure.json") }

// Load reads structure.json, rebuilding its in-memory lookup maps. A missing
// file is reported as (zero value, false, nil) — not an error.
func Load(workdir string) (domain.StructureDoc, bool, error) {
	data, err := os.ReadFile(docPath(workdir))
	if err != nil {
		if os.IsNotExist(err) {
			return domain.StructureDoc{}, false, nil
		}
		return domain.StructureDoc{}, false, fmt.Errorf("structure: read structure.json: %w", err)
	}
	var doc domain.StructureDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return domain.StructureDoc{}, false, fmt.Errorf("structure: decode structure.json: %w", err)
	}
	doc.Rebuild()
	return doc, true, nil
}

// Save writes structure.json atomically (temp file + fsync + rename).
func Save(workdir string, doc domain.StructureDoc) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("structure: encode structure.json: %w", err)
	}

	tmp := filepath.Join(workdir, fmt.Sprintf(".tmp-%s-structure.json", uuid.NewString()))
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("structure: create temp file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("structure: write temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("structure: sync temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("structure: close temp file: %w", err)
	}
	if err := os.Rename(tmp, docPath(workdir)); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("structure: rename into place: %w", err)
	}
	return nil
}

// Mode selects the re-run policy for analyze_data (stage 2).
type Mode int

const (
	// ModeAuto skips detection entirely when a valid structure.json already
	// exists for this workdir.
	ModeAuto Mode = iota
	// ModeRebuild always re-runs detection, overwriting any existing
	// structure.json.
	ModeRebuild
)

// ShouldRun applies the auto-skip/manual-rebuild re-run policy: ModeAuto
// only runs when no structure.json exists yet; ModeRebuild always runs.
func ShouldRun(workdir string, mode Mode) (bool, error) {
	if mode == ModeRebuild {
		return true, nil
	}
	_, exists, err := Load(workdir)
	if err != nil {
		return false, err
	}
	return !exists, nil
}
