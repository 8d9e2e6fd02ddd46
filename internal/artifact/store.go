// Package artifact implements the content-addressed local blob store
// (§4.A): atomic writes, path-traversal protection, and sanitized names.
package artifact

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/examcore/examcore/internal/errs"
)

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// sanitize collapses any character outside [A-Za-z0-9._-] to '_' and
// truncates to 64 bytes, matching the reference implementation's
// _safe_component helper.
func sanitize(v string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		v = "unnamed"
	}
	v = unsafeChars.ReplaceAllString(v, "_")
	if len(v) > 64 {
		v = v[:64]
	}
	return v
}

// Store is a content-addressed, atomic-write local blob store.
type Store struct {
	baseDir string
}

// New creates a Store rooted at baseDir, creating it if necessary.
func New(baseDir string) (*Store, error) {
	abs, err := filepath.Abs(baseDir)
	if err != nil {
		return nil, errs.Fatal("artifact.New", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, errs.Fatal("artifact.New", err)
	}
	return &Store{baseDir: abs}, nil
}

// resolve joins ref onto baseDir and verifies the result stays contained,
// rejecting any path-traversal attempt after canonicalization.
func (s *Store) resolve(ref string) (string, error) {
	joined := filepath.Join(s.baseDir, ref)
	abs, err := filepath.Abs(joined)
	if err != nil {
		return "", errs.Fatal("artifact.resolve", err)
	}
	rel, err := filepath.Rel(s.baseDir, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", errs.Fatalf("artifact.resolve", "ref %q resolves outside base dir", ref)
	}
	return abs, nil
}

// Save writes bytes under {base}/{safe(taskID)}/{safe(stage)}/{safe(name)}-{hash16}.bin
// atomically (temp file + fsync + rename) and returns the ref (path relative
// to base). Two saves of identical (taskID, stage, name, data) return the
// same ref; a save with different data returns a different ref.
func (s *Store) Save(taskID, stage, name string, data []byte) (string, error) {
	sum := sha256.Sum256(data)
	digest := hex.EncodeToString(sum[:])[:16]

	taskC := sanitize(taskID)
	stageC := sanitize(stage)
	nameC := sanitize(name)
	filename := fmt.Sprintf("%s-%s.bin", nameC, digest)
	rel := filepath.Join(taskC, stageC, filename)

	abs, err := s.resolve(rel)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", errs.Retryable("artifact.Save.mkdir", err)
	}

	tmpName := fmt.Sprintf(".tmp-%s-%s", uuid.NewString(), filename)
	tmpPath := filepath.Join(filepath.Dir(abs), tmpName)

	if err := writeAtomically(tmpPath, abs, data); err != nil {
		return "", err
	}
	return filepath.ToSlash(rel), nil
}

func writeAtomically(tmpPath, finalPath string, data []byte) (err error) {
	f, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return errs.Retryable("artifact.writeAtomically.create", err)
	}
	defer func() {
		if err != nil {
			os.Remove(tmpPath)
		}
	}()

	if _, werr := f.Write(data); werr != nil {
		f.Close()
		return errs.Retryable("artifact.writeAtomically.write", werr)
	}
	if ferr := f.Sync(); ferr != nil {
		f.Close()
		return errs.Retryable("artifact.writeAtomically.sync", ferr)
	}
	if cerr := f.Close(); cerr != nil {
		return errs.Retryable("artifact.writeAtomically.close", cerr)
	}
	if rerr := os.Rename(tmpPath, finalPath); rerr != nil {
		return errs.Retryable("artifact.writeAtomically.rename", rerr)
	}
	return nil
}

// Load reads the bytes referenced by ref.
func (s *Store) Load(ref string) ([]byte, error) {
	abs, err := s.resolve(ref)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, errs.NotFound("artifact", ref)
		}
		return nil, errs.Retryable("artifact.Load", err)
	}
	return data, nil
}

// List returns the sorted refs for a (taskID, stage) pair, skipping
// in-progress temp files.
func (s *Store) List(taskID, stage string) ([]string, error) {
	taskC := sanitize(taskID)
	stageC := sanitize(stage)
	dir := filepath.Join(taskC, stageC)

	abs, err := s.resolve(dir)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(abs)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return []string{}, nil
		}
		return nil, errs.Retryable("artifact.List", err)
	}

	refs := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".tmp-") {
			continue
		}
		refs = append(refs, filepath.ToSlash(filepath.Join(taskC, stageC, e.Name())))
	}
	sort.Strings(refs)
	return refs, nil
}

// Delete removes the artifact at ref, returning false if it did not exist.
func (s *Store) Delete(ref string) (bool, error) {
	abs, err := s.resolve(ref)
	if err != nil {
		return false, err
	}
	if rerr := os.Remove(abs); rerr != nil {
		if errors.Is(rerr, fs.ErrNotExist) {
			return false, nil
		}
		return false, errs.Retryable("artifact.Delete", rerr)
	}
	return true, nil
}

// Exists reports whether ref resolves to an existing file.
func (s *Store) Exists(ref string) bool {
	abs, err := s.resolve(ref)
	if err != nil {
		return false
	}
	info, err := os.Stat(abs)
	return err == nil && !info.IsDir()
}

// GetURL returns an optional public URL for ref. The local store has none.
func (s *Store) GetURL(ref string) (string, bool) {
	return "", false
}
