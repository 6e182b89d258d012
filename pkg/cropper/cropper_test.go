package cropper

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/chai2010/webp"

	"github.com/menta2k/inventory-lens/pkg/types"
)

// createTestImage creates a simple test image
func createTestImage(width, height int) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, width, height))

	// Create a pattern with some high-contrast areas
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			if x > width/3 && x < 2*width/3 && y > height/3 && y < 2*height/3 {
				img.Set(x, y, color.RGBA{255, 255, 255, 255})
			} else {
				img.Set(x, y, color.RGBA{64, 64, 64, 255})
			}
		}
	}

	return img
}

func TestNew(t *testing.T) {
	cropper := New()
	if cropper == nil {
		t.Fatal("New() returned nil")
	}

	if cropper.Format() != FormatJPEG {
		t.Errorf("Expected default format jpg, got %s", cropper.Format())
	}
}

func TestNewWithConfig(t *testing.T) {
	cropper := NewWithConfig(Config{Format: ".PNG", Quality: 500})
	if cropper.Format() != FormatPNG {
		t.Errorf("Expected format png, got %s", cropper.Format())
	}
	if cropper.config.Quality != 90 {
		t.Errorf("Expected out-of-range quality to fall back to 90, got %d", cropper.config.Quality)
	}
}

func TestCropExactDimensions(t *testing.T) {
	cropper := New()
	img := createTestImage(300, 400)

	rects := []types.Rectangle{
		{X: 10, Y: 10, Width: 50, Height: 100},
		{X: 0, Y: 0, Width: 300, Height: 400},
		{X: 150, Y: 150, Width: 100, Height: 150},
		{X: 299, Y: 399, Width: 1, Height: 1},
	}

	for _, rect := range rects {
		data, err := cropper.CropBytes(img, rect)
		if err != nil {
			t.Errorf("CropBytes(%+v) failed: %v", rect, err)
			continue
		}
		decoded, err := jpeg.Decode(bytes.NewReader(data))
		if err != nil {
			t.Errorf("CropBytes(%+v) produced invalid JPEG: %v", rect, err)
			continue
		}
		b := decoded.Bounds()
		if b.Dx() != int(rect.Width) || b.Dy() != int(rect.Height) {
			t.Errorf("CropBytes(%+v) dimensions %dx%d, expected %vx%v", rect, b.Dx(), b.Dy(), rect.Width, rect.Height)
		}
	}
}

func TestCropPreservesPixels(t *testing.T) {
	cropper := New()
	src := image.NewRGBA(image.Rect(0, 0, 20, 20))
	src.Set(5, 7, color.RGBA{255, 0, 0, 255})

	out, err := cropper.Crop(src, types.Rectangle{X: 5, Y: 7, Width: 4, Height: 4})
	if err != nil {
		t.Fatalf("Crop failed: %v", err)
	}
	r, g, b, _ := out.At(0, 0).RGBA()
	if r>>8 != 255 || g != 0 || b != 0 {
		t.Errorf("Expected red pixel at crop origin, got %v", out.At(0, 0))
	}
}

func TestCropNonZeroOriginImage(t *testing.T) {
	cropper := New()
	full := createTestImage(100, 100).(*image.RGBA)
	sub := full.SubImage(image.Rect(20, 20, 80, 80))

	out, err := cropper.Crop(sub, types.Rectangle{X: 0, Y: 0, Width: 60, Height: 60})
	if err != nil {
		t.Fatalf("Crop of sub-image failed: %v", err)
	}
	if out.Bounds().Dx() != 60 || out.Bounds().Dy() != 60 {
		t.Errorf("Unexpected dimensions %v", out.Bounds())
	}

	if _, err := cropper.Crop(sub, types.Rectangle{X: 10, Y: 10, Width: 60, Height: 10}); !errors.Is(err, types.ErrOutOfBounds) {
		t.Errorf("Expected out-of-bounds error relative to sub-image, got %v", err)
	}
}

func TestCropOutOfBounds(t *testing.T) {
	cropper := New()
	img := createTestImage(200, 200)

	rects := []types.Rectangle{
		{X: 150, Y: 150, Width: 100, Height: 150},
		{X: 190, Y: 0, Width: 20, Height: 10},
		{X: 300, Y: 300, Width: 10, Height: 10},
		{X: -5, Y: 0, Width: 20, Height: 20},
	}

	for _, rect := range rects {
		_, err := cropper.CropBytes(img, rect)
		if !errors.Is(err, types.ErrOutOfBounds) {
			t.Errorf("CropBytes(%+v) error = %v, expected out of bounds", rect, err)
		}
		var oob *types.GeometryOutOfBoundsError
		if !errors.As(err, &oob) {
			t.Errorf("CropBytes(%+v) error is not *GeometryOutOfBoundsError", rect)
		}
	}
}

func TestCropEmptyRectangle(t *testing.T) {
	cropper := New()
	img := createTestImage(50, 50)
	if _, err := cropper.Crop(img, types.Rectangle{X: 1, Y: 1}); !errors.Is(err, types.ErrInvalidGeometry) {
		t.Errorf("Expected invalid geometry for empty rectangle, got %v", err)
	}
}

func TestCropToFile(t *testing.T) {
	cropper := NewWithConfig(Config{Format: FormatPNG})
	img := createTestImage(120, 80)
	path := filepath.Join(t.TempDir(), "Lamp_1.png")

	if err := cropper.CropToFile(img, types.Rectangle{X: 10, Y: 5, Width: 40, Height: 30}, path); err != nil {
		t.Fatalf("CropToFile failed: %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("output file missing: %v", err)
	}
	defer f.Close()
	decoded, err := png.Decode(f)
	if err != nil {
		t.Fatalf("output is not a PNG: %v", err)
	}
	if decoded.Bounds().Dx() != 40 || decoded.Bounds().Dy() != 30 {
		t.Errorf("Unexpected output dimensions %v", decoded.Bounds())
	}
}

func TestCropToFileOutOfBoundsWritesNothing(t *testing.T) {
	cropper := New()
	img := createTestImage(100, 100)
	dir := t.TempDir()
	path := filepath.Join(dir, "Chair_2.jpg")

	err := cropper.CropToFile(img, types.Rectangle{X: 50, Y: 50, Width: 100, Height: 100}, path)
	if !errors.Is(err, types.ErrOutOfBounds) {
		t.Fatalf("Expected out-of-bounds error, got %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("Expected no files to be written, found %d", len(entries))
	}
}

func TestCropWebP(t *testing.T) {
	cropper := NewWithConfig(Config{Format: FormatWebP, Quality: 80})
	img := createTestImage(64, 64)

	data, err := cropper.CropBytes(img, types.Rectangle{X: 8, Y: 8, Width: 32, Height: 16})
	if err != nil {
		t.Fatalf("CropBytes webp failed: %v", err)
	}
	decoded, err := webp.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("output is not WebP: %v", err)
	}
	if decoded.Bounds().Dx() != 32 || decoded.Bounds().Dy() != 16 {
		t.Errorf("Unexpected WebP dimensions %v", decoded.Bounds())
	}
}

func TestClamp(t *testing.T) {
	img := createTestImage(200, 100)

	got := Clamp(img, types.Rectangle{X: 150, Y: 50, Width: 100, Height: 100})
	want := types.Rectangle{X: 150, Y: 50, Width: 50, Height: 50}
	if got != want {
		t.Errorf("Clamp = %+v, expected %+v", got, want)
	}

	if !Clamp(img, types.Rectangle{X: 300, Y: 300, Width: 10, Height: 10}).Empty() {
		t.Error("Expected fully outside rectangle to clamp to empty")
	}
}

func TestWriteEncoded(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.jpg")
	if err := WriteEncoded([]byte("abc"), path); err != nil {
		t.Fatalf("WriteEncoded failed: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil || string(data) != "abc" {
		t.Errorf("Unexpected file content %q (%v)", data, err)
	}
}
