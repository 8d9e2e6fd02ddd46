package artifact

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/examcore/examcore/internal/errs"
)

func TestSanitize(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"page_001", "page_001"},
		{"../../etc/passwd", ".._.._etc_passwd"},
		{"", "unnamed"},
		{"  ", "unnamed"},
	}
	for _, c := range cases {
		if got := sanitize(c.in); got != c.want {
			t.Errorf("sanitize(%q) = %q, want %q", c.in, got, c.want)
		}
	}
	long := ""
	for i := 0; i < 100; i++ {
		long += "a"
	}
	if got := sanitize(long); len(got) != 64 {
		t.Errorf("sanitize(long) len = %d, want 64", len(got))
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	data := []byte("hello world")
	ref, err := s.Save("task-1", "pdf_to_images", "page_001", data)
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := s.Load(ref)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if string(got) != string(data) {
		t.Errorf("Load returned %q, want %q", got, data)
	}
	if !s.Exists(ref) {
		t.Errorf("Exists(%q) = false, want true", ref)
	}
}

func TestSaveContentAddressing(t *testing.T) {
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ref1, err := s.Save("task-1", "pdf_to_images", "page_001", []byte("a"))
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	ref2, err := s.Save("task-1", "pdf_to_images", "page_001", []byte("a"))
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if ref1 != ref2 {
		t.Errorf("identical saves produced different refs: %q vs %q", ref1, ref2)
	}
	ref3, err := s.Save("task-1", "pdf_to_images", "page_001", []byte("b"))
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if ref3 == ref1 {
		t.Errorf("different content produced the same ref %q", ref3)
	}
}

func TestLoadNotFound(t *testing.T) {
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, err = s.Load("task-1/pdf_to_images/missing-0000000000000000.bin")
	if err == nil {
		t.Fatal("expected error loading missing ref")
	}
	if !errors.Is(err, errs.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestResolveRejectsTraversal(t *testing.T) {
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := s.Load("../../../etc/passwd"); err == nil {
		t.Fatal("expected traversal attempt to be rejected")
	}
	if _, err := s.Load(filepath.Join("..", "outside.bin")); err == nil {
		t.Fatal("expected traversal attempt to be rejected")
	}
}

func TestListSortedExcludesTemp(t *testing.T) {
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := s.Save("task-1", "pdf_to_images", "page_002", []byte("b")); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if _, err := s.Save("task-1", "pdf_to_images", "page_001", []byte("a")); err != nil {
		t.Fatalf("Save: %v", err)
	}
	refs, err := s.List("task-1", "pdf_to_images")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(refs) != 2 {
		t.Fatalf("List returned %d refs, want 2", len(refs))
	}
	for _, r := range refs {
		if filepath.Base(r)[0] == '.' {
			t.Errorf("List leaked temp file: %q", r)
		}
	}
}

func TestListUnknownDirEmpty(t *testing.T) {
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	refs, err := s.List("no-such-task", "pdf_to_images")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(refs) != 0 {
		t.Errorf("List on unknown dir = %v, want empty", refs)
	}
}

func TestDelete(t *testing.T) {
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ref, err := s.Save("task-1", "pdf_to_images", "page_001", []byte("a"))
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	ok, err := s.Delete(ref)
	if err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if !ok {
		t.Error("Delete returned false for existing artifact")
	}
	if s.Exists(ref) {
		t.Error("artifact still exists after Delete")
	}
	ok, err = s.Delete(ref)
	if err != nil {
		t.Fatalf("Delete (second call): %v", err)
	}
	if ok {
		t.Error("Delete returned true for already-deleted artifact")
	}
}

func TestGetURLUnconfigured(t *testing.T) {
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, ok := s.GetURL("task-1/pdf_to_images/x.bin"); ok {
		t.Error("GetURL should report unconfigured for the local store")
	}
}
