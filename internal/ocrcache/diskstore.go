package ocrcache

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/examcore/examcore/internal/domain"
)

func ocrDir(workdir string) string { return filepath.Join(workdir, "ocr") }

func diskPath(workdir, pageID string) string {
	return filepath.Join(ocrDir(workdir), pageID+".json")
}

// diskLoad reads tier 2. Reads never create the ocr/ directory — a missing
// directory is just a miss, not an error.
func diskLoad(workdir, pageID string) (domain.PageLayout, bool, error) {
	data, err := os.ReadFile(diskPath(workdir, pageID))
	if err != nil {
		if os.IsNotExist(err) {
			return domain.PageLayout{}, false, nil
		}
		return domain.PageLayout{}, false, fmt.Errorf("ocrcache: read %s: %w", pageID, err)
	}
	var layout domain.PageLayout
	if err := json.Unmarshal(data, &layout); err != nil {
		return domain.PageLayout{}, false, fmt.Errorf("ocrcache: decode %s: %w", pageID, err)
	}
	return layout, true, nil
}

// diskSave writes tier 2 atomically (temp file + rename), creating the ocr/
// directory if needed.
func diskSave(workdir string, layout domain.PageLayout, pretty bool) error {
	dir := ocrDir(workdir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("ocrcache: create %s: %w", dir, err)
	}

	var data []byte
	var err error
	if pretty {
		data, err = json.MarshalIndent(layout, "", "  ")
	} else {
		data, err = json.Marshal(layout)
	}
	if err != nil {
		return fmt.Errorf("ocrcache: encode %s: %w", layout.PageID, err)
	}

	final := diskPath(workdir, layout.PageID)
	tmp := filepath.Join(dir, fmt.Sprintf(".tmp-%s-%s.json", uuid.NewString(), layout.PageID))
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("ocrcache: create temp file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("ocrcache: write temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("ocrcache: sync temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("ocrcache: close temp file: %w", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("ocrcache: rename into place: %w", err)
	}
	return nil
}

// IsComplete reports whether every page_*.png in workdir has a matching
// ocr/page_*.json — spec §4.E's is_ocr_complete.
func IsComplete(workdir string) (bool, error) {
	pageFiles, err := filepath.Glob(filepath.Join(workdir, "page_*.png"))
	if err != nil {
		return false, err
	}
	pageStems := make(map[string]bool, len(pageFiles))
	for _, p := range pageFiles {
		pageStems[PageID(p)] = true
	}

	ocrFiles, err := filepath.Glob(filepath.Join(ocrDir(workdir), "page_*.json"))
	if err != nil {
		return false, err
	}
	ocrStems := make(map[string]bool, len(ocrFiles))
	for _, p := range ocrFiles {
		ocrStems[strings.TrimSuffix(filepath.Base(p), ".json")] = true
	}

	if len(pageStems) != len(ocrStems) {
		return false, nil
	}
	for stem := range pageStems {
		if !ocrStems[stem] {
			return false, nil
		}
	}
	return true, nil
}
