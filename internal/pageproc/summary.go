package pageproc

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/examcore/examcore/internal/domain"
)

func summaryDir(workdir string) string { return filepath.Join(workdir, "pages") }

func summaryPath(workdir, pageID string) string {
	return filepath.Join(summaryDir(workdir), pageID+".json")
}

// loadSummary returns (summary, true) if a valid per-page summary already
// exists, for the skip_existing fast path.
func loadSummary(workdir, pageID string) (domain.PageSummary, bool) {
	data, err := os.ReadFile(summaryPath(workdir, pageID))
	if err != nil {
		return domain.PageSummary{}, false
	}
	var s domain.PageSummary
	if err := json.Unmarshal(data, &s); err != nil {
		return domain.PageSummary{}, false
	}
	if s.PageID != pageID {
		return domain.PageSummary{}, false
	}
	return s, true
}

func saveSummary(workdir string, s domain.PageSummary) error {
	dir := summaryDir(workdir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("pageproc: create %s: %w", dir, err)
	}
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("pageproc: encode summary %s: %w", s.PageID, err)
	}
	if err := os.WriteFile(summaryPath(workdir, s.PageID), data, 0o644); err != nil {
		return fmt.Errorf("pageproc: write summary %s: %w", s.PageID, err)
	}
	return nil
}
