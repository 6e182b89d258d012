// Package palette names the dominant colour of an image region so that crops
// can carry a human readable colour tag.
package palette

import (
	"image"

	"github.com/disintegration/imaging"
	colorful "github.com/lucasb-eyer/go-colorful"
)

type namedColor struct {
	name string
	hex  string
}

var names = []namedColor{
	{"black", "#000000"},
	{"white", "#ffffff"},
	{"gray", "#808080"},
	{"silver", "#c0c0c0"},
	{"red", "#d32f2f"},
	{"orange", "#f57c00"},
	{"yellow", "#fbc02d"},
	{"green", "#388e3c"},
	{"teal", "#00897b"},
	{"blue", "#1976d2"},
	{"navy", "#1a237e"},
	{"purple", "#7b1fa2"},
	{"pink", "#ec407a"},
	{"brown", "#6d4c41"},
	{"beige", "#e8d9b5"},
}

var parsed []colorful.Color

func init() {
	parsed = make([]colorful.Color, len(names))
	for i, n := range names {
		c, err := colorful.Hex(n.hex)
		if err != nil {
			panic(err)
		}
		parsed[i] = c
	}
}

// Average returns the mean colour of img
func Average(img image.Image) colorful.Color {
	px := imaging.Resize(img, 1, 1, imaging.Box)
	c, _ := colorful.MakeColor(px.At(0, 0))
	return c
}

// Dominant returns the palette name closest (in CIE Lab) to the average colour
// of img. Fully transparent images yield an empty name.
func Dominant(img image.Image) string {
	b := img.Bounds()
	if b.Empty() {
		return ""
	}
	px := imaging.Resize(img, 1, 1, imaging.Box)
	c, ok := colorful.MakeColor(px.At(0, 0))
	if !ok {
		return ""
	}
	return Nearest(c)
}

// Nearest returns the palette name closest to c
func Nearest(c colorful.Color) string {
	best := 0
	bestDist := c.DistanceLab(parsed[0])
	for i := 1; i < len(parsed); i++ {
		if d := c.DistanceLab(parsed[i]); d < bestDist {
			best, bestDist = i, d
		}
	}
	return names[best].name
}
