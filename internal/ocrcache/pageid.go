// Package ocrcache implements the two-tier OCR Cache (§4.E): an optional
// in-memory LRU over an on-disk JSON per-page cache, avoiding re-invocation
// of the OCR pipeline for pages already processed.
package ocrcache

import (
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

var trailingIntRe = regexp.MustCompile(`(\d+)$`)

// PageID derives the cache key from a page image filename, e.g.
// "page_12.png" -> "page_12".
func PageID(pageImagePath string) string {
	base := filepath.Base(pageImagePath)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// PageNumber extracts the trailing integer from a page id for ordering
// ("page_12" -> 12); falls back to 0 if there's no trailing digit run, so
// sorts are stable even for unexpected filenames.
func PageNumber(pageID string) int {
	m := trailingIntRe.FindString(pageID)
	if m == "" {
		return 0
	}
	n, err := strconv.Atoi(m)
	if err != nil {
		return 0
	}
	return n
}

// SortPageIDs orders page ids by PageNumber, falling back to lexicographic
// order for ties (including the all-zero fallback).
func SortPageIDs(ids []string) {
	sort.Slice(ids, func(i, j int) bool {
		ni, nj := PageNumber(ids[i]), PageNumber(ids[j])
		if ni != nj {
			return ni < nj
		}
		return ids[i] < ids[j]
	})
}
