package preview

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"errors"
	"image"
	_ "image/jpeg" // Register JPEG decoder
	"image/png"
	"log/slog"
	"strings"
	"sync"

	_ "golang.org/x/image/bmp"  // Register BMP decoder
	"golang.org/x/image/draw"
	_ "golang.org/x/image/tiff" // Register TIFF decoder

	"github.com/zombor/gastos-import/internal/intake"
)

// DefaultMaxDimension bounds the longest side of a generated thumbnail
const DefaultMaxDimension = 512

// MaxSourcePixels is the largest image, in pixels, that is decoded for a preview
const MaxSourcePixels = 50_000_000

// ErrImageTooLarge is returned for images whose declared size exceeds MaxSourcePixels
var ErrImageTooLarge = errors.New("image too large for preview")

// Generator renders local previews of selected images
type Generator struct {
	maxDimension int
}

// NewGenerator creates a Generator. maxDimension <= 0 uses the default.
func NewGenerator(maxDimension int) *Generator {
	if maxDimension <= 0 {
		maxDimension = DefaultMaxDimension
	}
	return &Generator{maxDimension: maxDimension}
}

// Preview is the asynchronous result of rendering one file
type Preview struct {
	done    chan struct{}
	cancel  context.CancelFunc
	mu      sync.Mutex
	dataURL string
	err     error
}

// Start begins rendering a preview in the background. It returns nil for
// non-image inputs, which never get a preview.
func (g *Generator) Start(ctx context.Context, f intake.File) *Preview {
	if !f.IsImage() {
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	p := &Preview{
		done:   make(chan struct{}),
		cancel: cancel,
	}

	go func() {
		defer close(p.done)
		dataURL, err := g.render(ctx, f.Data)

		p.mu.Lock()
		defer p.mu.Unlock()
		if ctx.Err() != nil {
			// Discarded while rendering
			return
		}
		if err != nil {
			slog.Warn("Failed to render preview", "filename", f.Name, "content_type", f.ContentType, "error", err)
			p.err = err
			return
		}
		p.dataURL = dataURL
	}()

	return p
}

// Wait blocks until rendering finishes or ctx is done
func (p *Preview) Wait(ctx context.Context) (string, error) {
	select {
	case <-p.done:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dataURL, p.err
}

// DataURL returns the rendered preview if it is ready
func (p *Preview) DataURL() (string, bool) {
	if p == nil {
		return "", false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dataURL, p.dataURL != ""
}

// Discard stops rendering and drops any rendered preview
func (p *Preview) Discard() {
	if p == nil {
		return
	}
	p.cancel()
	p.mu.Lock()
	p.dataURL = ""
	p.mu.Unlock()
}

func (g *Generator) render(ctx context.Context, data []byte) (string, error) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		if strings.Contains(err.Error(), "unknown format") {
			return "", fmt.Errorf("unsupported image format: %w", err)
		}
		return "", fmt.Errorf("reading image header: %w", err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 || int64(cfg.Width)*int64(cfg.Height) > MaxSourcePixels {
		return "", fmt.Errorf("%dx%d: %w", cfg.Width, cfg.Height, ErrImageTooLarge)
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		if strings.Contains(err.Error(), "unknown format") {
			return "", fmt.Errorf("unsupported image format: %w", err)
		}
		return "", fmt.Errorf("decoding image: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	thumb := g.thumbnail(img)

	var buf bytes.Buffer
	if err := png.Encode(&buf, thumb); err != nil {
		return "", fmt.Errorf("encoding PNG: %w", err)
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// thumbnail scales img down so neither side exceeds maxDimension,
// preserving the aspect ratio. Smaller images are returned unchanged.
func (g *Generator) thumbnail(img image.Image) image.Image {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w <= g.maxDimension && h <= g.maxDimension {
		return img
	}

	if w >= h {
		h = h * g.maxDimension / w
		w = g.maxDimension
	} else {
		w = w * g.maxDimension / h
		h = g.maxDimension
	}
	if w < 1 {
		w = 1
	}
	if h < 1 {
		h = 1
	}

	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)
	return dst
}
