package detection

import (
	"math"

	"github.com/menta2k/inventory-lens/pkg/types"
)

// NormalizeBox converts opposite corners [x1, y1, x2, y2] in pixel coordinates
// into an origin/size rectangle. The corners may arrive in any order. Boxes
// that reach past the image edge, including negative coordinates, are kept so
// that cropping can clamp or report them against the actual image.
func NormalizeBox(box [4]float64) (types.Rectangle, error) {
	for _, v := range box {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return types.Rectangle{}, &types.InvalidGeometryError{Box: box, Reason: "non-finite coordinate"}
		}
	}

	x1, y1, x2, y2 := box[0], box[1], box[2], box[3]
	rect := types.Rectangle{
		X:      math.Min(x1, x2),
		Y:      math.Min(y1, y2),
		Width:  math.Abs(x2 - x1),
		Height: math.Abs(y2 - y1),
	}
	if rect.Width == 0 || rect.Height == 0 {
		return types.Rectangle{}, &types.InvalidGeometryError{Box: box, Reason: "zero area"}
	}
	return rect, nil
}

// clamp ensures a value is within the given bounds
func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
