package ocrcache

import (
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"strings"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/examcore/examcore/internal/config"
	"github.com/examcore/examcore/internal/domain"
	"github.com/examcore/examcore/internal/gateway"
)

// ImageSize is a decoded page image's dimensions.
type ImageSize struct {
	Width  int
	Height int
}

// Predictor is the subset of *gateway.Lease the cache needs; an interface so
// tests can substitute a fake without standing up a real Gateway.
type Predictor interface {
	Predict(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

var _ Predictor = (*gateway.Lease)(nil)

// Cache is the two-tier OCR Cache (§4.E).
type Cache struct {
	mem             *memCache // nil when tier 1 is disabled
	maxContentChars int
	prettyPrint     bool
	passByArray     bool
}

// New builds a Cache from process configuration.
func New(cfg config.Config) *Cache {
	var mem *memCache
	if cfg.MemCacheEnabled {
		mem = newMemCache(cfg.MemCacheSize)
	}
	return &Cache{
		mem:             mem,
		maxContentChars: cfg.MaxContentChars,
		prettyPrint:     cfg.CachePrettyPrint,
		passByArray:     cfg.ImagePassByArray,
	}
}

// Run is run_ocr_with_cache: returns the page's normalized layout blocks and
// image size, invoking the OCR pipeline only on a cache miss (or when force
// is set).
func (c *Cache) Run(ctx context.Context, lease Predictor, pageImagePath, workdir string, force bool) ([]domain.Block, ImageSize, error) {
	pageID := PageID(pageImagePath)

	if !force && c.mem != nil {
		if layout, ok := c.mem.get(workdir, pageID); ok {
			return layout.Blocks, ImageSize{layout.ImageWidth, layout.ImageHeight}, nil
		}
	}
	if !force {
		layout, ok, err := diskLoad(workdir, pageID)
		if err != nil {
			return nil, ImageSize{}, err
		}
		if ok {
			if c.mem != nil {
				c.mem.put(workdir, pageID, layout)
			}
			return layout.Blocks, ImageSize{layout.ImageWidth, layout.ImageHeight}, nil
		}
	}

	size, err := readImageSize(pageImagePath)
	if err != nil {
		return nil, ImageSize{}, err
	}

	resp, err := c.predict(ctx, lease, pageImagePath)
	if err != nil && isPathOnlyErr(err) {
		resp, err = c.predictPathOnly(ctx, lease, pageImagePath)
	}
	if err != nil {
		return nil, ImageSize{}, fmt.Errorf("ocrcache: predict %s: %w", pageID, err)
	}

	blocks := normalizeBlocks(parseBlocks(resp), c.maxContentChars)
	layout := domain.PageLayout{
		PageID:      pageID,
		ImageWidth:  size.Width,
		ImageHeight: size.Height,
		Blocks:      blocks,
	}
	if err := diskSave(workdir, layout, c.prettyPrint); err != nil {
		return nil, ImageSize{}, err
	}
	if c.mem != nil {
		c.mem.put(workdir, pageID, layout)
	}
	return blocks, size, nil
}

// errPathOnly marks a predict failure whose pipeline only accepts file
// paths, not pixel arrays. Neither gateway engine returns it; isPathOnlyErr
// also matches any error whose text says "requires an image path". Run
// retries once with a path-only request when isPathOnlyErr reports true.
var errPathOnly = errors.New("ocrcache: pipeline requires an image path")

func isPathOnlyErr(err error) bool {
	return errors.Is(err, errPathOnly) || strings.Contains(err.Error(), "requires an image path")
}

func (c *Cache) predict(ctx context.Context, lease Predictor, pageImagePath string) (*structpb.Struct, error) {
	if c.passByArray {
		return c.predictWithPixels(ctx, lease, pageImagePath)
	}
	return c.predictPathOnly(ctx, lease, pageImagePath)
}

func (c *Cache) predictPathOnly(ctx context.Context, lease Predictor, pageImagePath string) (*structpb.Struct, error) {
	req, err := structpb.NewStruct(map[string]any{"path": pageImagePath})
	if err != nil {
		return nil, err
	}
	return lease.Predict(ctx, req)
}

// predictWithPixels reads the image into memory so file I/O happens outside
// the hard inference mutex; only the resulting struct crosses into Predict.
func (c *Cache) predictWithPixels(ctx context.Context, lease Predictor, pageImagePath string) (*structpb.Struct, error) {
	data, err := os.ReadFile(pageImagePath)
	if err != nil {
		return nil, fmt.Errorf("ocrcache: read image: %w", err)
	}
	req, err := structpb.NewStruct(map[string]any{
		"path":   pageImagePath,
		"pixels": string(data),
	})
	if err != nil {
		return nil, err
	}
	return lease.Predict(ctx, req)
}

func readImageSize(path string) (ImageSize, error) {
	f, err := os.Open(path)
	if err != nil {
		return ImageSize{}, fmt.Errorf("ocrcache: open image: %w", err)
	}
	defer f.Close()
	cfg, _, err := image.DecodeConfig(f)
	if err != nil {
		return ImageSize{}, fmt.Errorf("ocrcache: decode image header: %w", err)
	}
	return ImageSize{Width: cfg.Width, Height: cfg.Height}, nil
}

func parseBlocks(resp *structpb.Struct) []domain.Block {
	if resp == nil {
		return nil
	}
	list := resp.GetFields()["blocks"].GetListValue()
	if list == nil {
		return nil
	}
	out := make([]domain.Block, 0, len(list.GetValues()))
	for _, v := range list.GetValues() {
		s := v.GetStructValue()
		if s == nil {
			continue
		}
		out = append(out, blockFromStruct(s))
	}
	return out
}

func blockFromStruct(s *structpb.Struct) domain.Block {
	f := s.GetFields()
	b := domain.Block{
		Index:       int(f["index"].GetNumberValue()),
		Label:       f["label"].GetStringValue(),
		RegionLabel: f["region_label"].GetStringValue(),
		Content:     f["content"].GetStringValue(),
	}
	if bbox := f["bbox"].GetListValue(); bbox != nil && len(bbox.GetValues()) == 4 {
		for i, v := range bbox.GetValues() {
			b.BBox[i] = v.GetNumberValue()
		}
	}
	return b
}
