package cropper

import (
	"bytes"
	"fmt"
	"image"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/chai2010/webp"
	"github.com/disintegration/imaging"

	"github.com/menta2k/inventory-lens/pkg/types"
)

// Supported output formats
const (
	FormatJPEG = "jpg"
	FormatPNG  = "png"
	FormatWebP = "webp"
)

// Config holds configuration for crop encoding
type Config struct {
	Format   string
	Quality  int
	Lossless bool
}

// Cropper extracts exact pixel regions from a source image
type Cropper struct {
	config Config
}

// New creates a new Cropper with default configuration
func New() *Cropper {
	return &Cropper{
		config: Config{
			Format:  FormatJPEG,
			Quality: 90,
		},
	}
}

// NewWithConfig creates a new Cropper with custom configuration
func NewWithConfig(config Config) *Cropper {
	config.Format = normalizeFormat(config.Format)
	if config.Quality < 1 || config.Quality > 100 {
		config.Quality = 90
	}
	return &Cropper{config: config}
}

// Format returns the encoding format used for crops
func (c *Cropper) Format() string {
	return c.config.Format
}

// Crop returns the sub-image described by rect. The region must lie within
// the actual pixel bounds of img; no clamping or scaling is applied.
func (c *Cropper) Crop(img image.Image, rect types.Rectangle) (image.Image, error) {
	region, err := c.region(img, rect)
	if err != nil {
		return nil, err
	}
	return imaging.Crop(img, region), nil
}

// CropBytes crops img to rect and returns the encoded crop
func (c *Cropper) CropBytes(img image.Image, rect types.Rectangle) ([]byte, error) {
	cropped, err := c.Crop(img, rect)
	if err != nil {
		return nil, err
	}
	return c.Encode(cropped)
}

// Encode encodes an already cropped image in the configured format
func (c *Cropper) Encode(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := c.encode(&buf, img); err != nil {
		return nil, fmt.Errorf("failed to encode crop: %w", err)
	}
	return buf.Bytes(), nil
}

// CropToFile crops img to rect and writes the encoded crop to path. Geometry is
// validated before any file is created, and the file only appears at path once
// it has been fully written.
func (c *Cropper) CropToFile(img image.Image, rect types.Rectangle, path string) error {
	cropped, err := c.Crop(img, rect)
	if err != nil {
		return err
	}
	return c.writeFile(cropped, path)
}

// WriteEncoded writes already encoded crop bytes to path atomically
func WriteEncoded(data []byte, path string) error {
	return atomicWrite(path, func(w io.Writer) error {
		_, err := w.Write(data)
		return err
	})
}

func (c *Cropper) writeFile(img image.Image, path string) error {
	return atomicWrite(path, func(w io.Writer) error {
		return c.encode(w, img)
	})
}

func atomicWrite(path string, write func(io.Writer) error) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".crop-*")
	if err != nil {
		return fmt.Errorf("failed to create output file: %w", err)
	}
	tmpName := tmp.Name()

	if err := write(tmp); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write crop: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to write crop: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to move crop into place: %w", err)
	}
	return nil
}

func (c *Cropper) region(img image.Image, rect types.Rectangle) (image.Rectangle, error) {
	if img == nil {
		return image.Rectangle{}, fmt.Errorf("no source image")
	}
	if rect.Empty() {
		return image.Rectangle{}, &types.InvalidGeometryError{
			Box:    [4]float64{rect.X, rect.Y, rect.X + rect.Width, rect.Y + rect.Height},
			Reason: "zero area",
		}
	}

	bounds := img.Bounds()
	region := rect.ImageRect().Add(bounds.Min)
	if !region.In(bounds) || rect.X < 0 || rect.Y < 0 {
		return image.Rectangle{}, &types.GeometryOutOfBoundsError{Rect: region, Bounds: bounds}
	}
	if region.Empty() {
		return image.Rectangle{}, &types.InvalidGeometryError{
			Box:    [4]float64{rect.X, rect.Y, rect.X + rect.Width, rect.Y + rect.Height},
			Reason: "region rounds to zero pixels",
		}
	}
	return region, nil
}

func (c *Cropper) encode(w io.Writer, img image.Image) error {
	switch c.config.Format {
	case FormatWebP:
		return webp.Encode(w, img, &webp.Options{Lossless: c.config.Lossless, Quality: float32(c.config.Quality)})
	case FormatPNG:
		return imaging.Encode(w, img, imaging.PNG)
	default:
		return imaging.Encode(w, img, imaging.JPEG, imaging.JPEGQuality(c.config.Quality))
	}
}

// Clamp intersects rect with the bounds of img, returning an empty rectangle
// when nothing of it lies inside the image.
func Clamp(img image.Image, rect types.Rectangle) types.Rectangle {
	b := img.Bounds()
	full := types.Rectangle{Width: float64(b.Dx()), Height: float64(b.Dy())}

	x0 := maxf(rect.X, full.X)
	y0 := maxf(rect.Y, full.Y)
	x1 := minf(rect.X+rect.Width, full.Width)
	y1 := minf(rect.Y+rect.Height, full.Height)
	if x1 <= x0 || y1 <= y0 {
		return types.Rectangle{}
	}
	return types.Rectangle{X: x0, Y: y0, Width: x1 - x0, Height: y1 - y0}
}

// Extension returns the file extension for a crop format
func Extension(format string) string {
	return normalizeFormat(format)
}

func normalizeFormat(format string) string {
	switch strings.ToLower(strings.TrimPrefix(format, ".")) {
	case "png":
		return FormatPNG
	case "webp":
		return FormatWebP
	default:
		return FormatJPEG
	}
}

func maxf(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

func minf(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
