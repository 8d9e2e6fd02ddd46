package crop

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/examcore/examcore/internal/domain"
)

// AllQuestionsDir is the fixed output directory name under a task's workdir.
const AllQuestionsDir = "all_questions"

func OutputDir(workdir string) string { return filepath.Join(workdir, AllQuestionsDir) }

// IsComplete implements §4.H's completeness check: every ungrouped normal
// question has a q{qno}.png, and every big question has a {big_id}.png.
func IsComplete(workdir string, doc domain.StructureDoc) (bool, error) {
	dir := OutputDir(workdir)
	for _, q := range doc.Questions {
		if q.Kind != domain.KindNormal || q.ParentID != "" {
			continue
		}
		ok, err := exists(filepath.Join(dir, fmt.Sprintf("q%d.png", q.Qno)))
		if err != nil || !ok {
			return false, err
		}
	}
	for _, bq := range doc.BigQuestions {
		ok, err := exists(filepath.Join(dir, bq.ID+".png"))
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

func exists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}
