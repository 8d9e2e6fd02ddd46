package steps

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/examcore/examcore/internal/domain"
)

// Rasterizer is the external, black-box PDF renderer: render_pdf_page(pdf,
// page_idx, dpi) -> path, plus a page-count probe. Nothing in this module
// decodes PDF bytes directly — that is always delegated here.
type Rasterizer interface {
	PageCount(ctx context.Context, pdfPath string) (int, error)
	RenderPage(ctx context.Context, pdfPath string, pageIdx, dpi int) (path string, err error)
}

// PDFToImagesStep is stage 0 (critical): rasterize every page of the source
// PDF into workdir/page_{n}.png, n 1-based, using a process pool sized
// min(total_pages, cpu).
type PDFToImagesStep struct {
	Rasterizer Rasterizer
	DPI        int
}

func (s *PDFToImagesStep) Name() domain.StageName { return domain.StagePDFToImages }

func (s *PDFToImagesStep) Prepare(ctx context.Context, sc StepContext) error {
	return os.MkdirAll(sc.Workdir, 0o755)
}

func (s *PDFToImagesStep) Execute(ctx context.Context, sc StepContext) StepResult {
	total, err := s.Rasterizer.PageCount(ctx, sc.PDFPath)
	if err != nil {
		return failure(fmt.Errorf("pdf_to_images: page count: %w", err), true)
	}
	if total <= 0 {
		return success([]string{})
	}

	workers := total
	if cpu := runtime.NumCPU(); workers > cpu {
		workers = cpu
	}

	paths := make([]string, total)

	errsList := runBounded(total, workers, func(i int) error {
		dest := pagePath(sc.Workdir, i+1)
		if sc.SkipExisting() {
			if _, statErr := os.Stat(dest); statErr == nil {
				paths[i] = dest
				return nil
			}
		}
		produced, err := s.Rasterizer.RenderPage(ctx, sc.PDFPath, i, s.dpi())
		if err != nil {
			return fmt.Errorf("pdf_to_images: render page %d: %w", i+1, err)
		}
		if produced != dest {
			if err := os.Rename(produced, dest); err != nil {
				return fmt.Errorf("pdf_to_images: move page %d into place: %w", i+1, err)
			}
		}
		paths[i] = dest
		return nil
	})
	if err := firstError(errsList); err != nil {
		return failure(err, true)
	}

	return success(paths)
}

func (s *PDFToImagesStep) Rollback(ctx context.Context, sc StepContext) error {
	return nil // keep-on-failure: a retry can resume via skip_existing
}

func (s *PDFToImagesStep) dpi() int {
	if s.DPI > 0 {
		return s.DPI
	}
	return 200
}

func pagePath(workdir string, page int) string {
	return filepath.Join(workdir, fmt.Sprintf("page_%d.png", page))
}
