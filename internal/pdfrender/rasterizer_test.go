package pdfrender

import (
	"os"
	"path/filepath"
	"testing"
)

func TestPagesRegexpExtractsCount(t *testing.T) {
	sample := "Title:          exam\nPages:          42\nEncrypted:      no\n"
	m := pagesRe.FindSubmatch([]byte(sample))
	if m == nil {
		t.Fatal("pagesRe did not match sample pdfinfo output")
	}
	if string(m[1]) != "42" {
		t.Errorf("captured group = %q, want 42", string(m[1]))
	}
}

func TestPagesRegexpNoMatchOnMissingLine(t *testing.T) {
	if pagesRe.FindSubmatch([]byte("Title: exam\n")) != nil {
		t.Error("expected no match when Pages line is absent")
	}
}

func TestFindRenderedPageMatchesUnpaddedAndPaddedSuffix(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"page-3.png", "other-33.png"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	got, err := findRenderedPage(dir, 3)
	if err != nil {
		t.Fatalf("findRenderedPage() error = %v", err)
	}
	if filepath.Base(got) != "page-3.png" {
		t.Errorf("findRenderedPage() = %q, want page-3.png", got)
	}
}

func TestFindRenderedPagePaddedTwoDigits(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "page-07.png"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	got, err := findRenderedPage(dir, 7)
	if err != nil {
		t.Fatalf("findRenderedPage() error = %v", err)
	}
	if filepath.Base(got) != "page-07.png" {
		t.Errorf("findRenderedPage() = %q, want page-07.png", got)
	}
}

func TestFindRenderedPageMissingIsError(t *testing.T) {
	dir := t.TempDir()
	if _, err := findRenderedPage(dir, 9); err == nil {
		t.Error("expected an error when no matching output exists")
	}
}
