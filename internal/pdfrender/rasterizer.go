// Package pdfrender implements steps.Rasterizer by shelling out to the
// poppler-utils binaries (pdfinfo, pdftoppm). Spec §6 treats PDF
// rasterization as an external black box; this package is the thinnest
// possible shim over that box, not a PDF parser in its own right.
package pdfrender

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

// Poppler renders PDF pages via the pdfinfo/pdftoppm command-line tools.
type Poppler struct {
	DPI int
}

var pagesRe = regexp.MustCompile(`(?m)^Pages:\s+(\d+)\s*$`)

// PageCount shells out to pdfinfo and parses its "Pages: N" line.
func (p *Poppler) PageCount(ctx context.Context, pdfPath string) (int, error) {
	out, err := exec.CommandContext(ctx, "pdfinfo", pdfPath).Output()
	if err != nil {
		return 0, fmt.Errorf("pdfrender: pdfinfo %s: %w", pdfPath, err)
	}
	m := pagesRe.FindSubmatch(out)
	if m == nil {
		return 0, fmt.Errorf("pdfrender: pdfinfo output for %s has no Pages line", pdfPath)
	}
	n, err := strconv.Atoi(string(m[1]))
	if err != nil {
		return 0, fmt.Errorf("pdfrender: parse page count: %w", err)
	}
	return n, nil
}

// RenderPage shells out to pdftoppm to rasterize one 1-indexed page and
// returns the produced PNG's path. pdftoppm names its output
// {prefix}-{page}.png, possibly zero-padded; RenderPage copies it to
// page_{page}.png in the source PDF's directory and returns that path.
func (p *Poppler) RenderPage(ctx context.Context, pdfPath string, pageIdx, dpi int) (string, error) {
	if dpi <= 0 {
		dpi = p.DPI
	}
	if dpi <= 0 {
		dpi = 200
	}
	page := pageIdx + 1
	outDir, err := os.MkdirTemp("", "pdfrender-page-*")
	if err != nil {
		return "", fmt.Errorf("pdfrender: mktemp: %w", err)
	}
	defer os.RemoveAll(outDir)

	prefix := filepath.Join(outDir, "page")
	cmd := exec.CommandContext(ctx, "pdftoppm",
		"-png", "-r", strconv.Itoa(dpi),
		"-f", strconv.Itoa(page), "-l", strconv.Itoa(page),
		pdfPath, prefix)
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("pdfrender: pdftoppm page %d of %s: %w", page, pdfPath, err)
	}

	produced, err := findRenderedPage(outDir, page)
	if err != nil {
		return "", err
	}
	dest := filepath.Join(filepath.Dir(pdfPath), fmt.Sprintf("page_%d.png", page))
	if err := copyFile(produced, dest); err != nil {
		return "", fmt.Errorf("pdfrender: copy rendered page %d: %w", page, err)
	}
	return dest, nil
}

func findRenderedPage(dir string, page int) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", fmt.Errorf("pdfrender: read temp dir: %w", err)
	}
	for _, e := range entries {
		name := e.Name()
		base, ok := strings.CutSuffix(name, ".png")
		if !ok {
			continue
		}
		dash := strings.LastIndex(base, "-")
		if dash < 0 {
			continue
		}
		// Accepts any zero-padding width: "-7", "-07", "-007".
		if n, err := strconv.Atoi(base[dash+1:]); err == nil && n == page {
			return filepath.Join(dir, name), nil
		}
	}
	return "", fmt.Errorf("pdfrender: pdftoppm did not produce a page %d output in %s", page, dir)
}

func copyFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	defer out.Close()

	w := bufio.NewWriter(out)
	if _, err := w.ReadFrom(in); err != nil {
		return err
	}
	return w.Flush()
}
