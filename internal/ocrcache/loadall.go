package ocrcache

import (
	"fmt"
	"path/filepath"

	"github.com/examcore/examcore/internal/domain"
)

// LoadAllLayouts reads every cached ocr/page_*.json in workdir, for callers
// (the Structure Detector) that need the whole document's OCR layout at
// once rather than one page's.
func LoadAllLayouts(workdir string) ([]domain.PageLayout, error) {
	files, err := filepath.Glob(filepath.Join(ocrDir(workdir), "page_*.json"))
	if err != nil {
		return nil, err
	}
	layouts := make([]domain.PageLayout, 0, len(files))
	for _, f := range files {
		pageID := PageID(f)
		layout, ok, err := diskLoad(workdir, pageID)
		if err != nil {
			return nil, fmt.Errorf("ocrcache: load all layouts: %w", err)
		}
		if ok {
			layouts = append(layouts, layout)
		}
	}
	return layouts, nil
}
