// Package crop implements Crop & Stitch (§4.H, stage 3): rendering one PNG
// per question and per big-question from page bitmaps plus a StructureDoc.
package crop

import (
	"container/list"
	"fmt"
	"image"
	_ "image/jpeg"
	"os"
	"path/filepath"
	"sync"
)

// bitmapCache is a small LRU over decoded page bitmaps (≤5 entries) so
// composing several questions from the same page only decodes it once. Same
// container/list + map shape as internal/ocrcache's memCache — no ecosystem
// LRU library appears anywhere in the reference pack.
type bitmapCache struct {
	mu       sync.Mutex
	capacity int
	ll       *list.List
	items    map[string]*list.Element
}

type bitmapEntry struct {
	path string
	img  image.Image
}

func newBitmapCache(capacity int) *bitmapCache {
	if capacity <= 0 {
		capacity = 5
	}
	return &bitmapCache{capacity: capacity, ll: list.New(), items: make(map[string]*list.Element)}
}

// get decodes and returns the page bitmap at path, promoting it to
// most-recently-used and evicting the oldest entry past capacity.
func (c *bitmapCache) get(path string) (image.Image, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[path]; ok {
		c.ll.MoveToFront(el)
		return el.Value.(*bitmapEntry).img, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("crop: open page bitmap %s: %w", filepath.Base(path), err)
	}
	defer f.Close()
	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("crop: decode page bitmap %s: %w", filepath.Base(path), err)
	}

	el := c.ll.PushFront(&bitmapEntry{path: path, img: img})
	c.items[path] = el
	if c.ll.Len() > c.capacity {
		oldest := c.ll.Back()
		if oldest != nil {
			c.ll.Remove(oldest)
			delete(c.items, oldest.Value.(*bitmapEntry).path)
		}
	}
	return img, nil
}
