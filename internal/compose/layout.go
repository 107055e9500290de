package compose

import (
	"image"
	"math"
)

// captionGap is the vertical space between the image and the caption, and the
// caption canvas padding below the glyphs.
const captionGap = 20

// Layout holds overlay positions in clip pixels. Values may be negative when
// an overlay is larger than the clip.
type Layout struct {
	ImageX, ImageY int
	TextX, TextY   int
	IconX, IconY   int
}

// ComputeLayout places the image centered, the caption right-aligned at 95%
// of the clip width under it, and the icon to the left of the caption.
// iconFrac is the icon width as a fraction of the clip width. All divisions
// floor.
func ComputeLayout(clip, img, text image.Point, iconFrac float64) Layout {
	var l Layout
	l.ImageX = floorDiv(clip.X-img.X, 2)
	l.ImageY = floorDiv(clip.Y-img.Y-text.Y-captionGap, 2)
	l.TextX = floorF(float64(clip.X)*0.95) - text.X
	l.TextY = l.ImageY + img.Y + captionGap
	l.IconX = l.TextX - floorF(float64(clip.X)*iconFrac+5)
	l.IconY = l.TextY - floorF(float64(clip.Y)*0.01)
	return l
}

// scaledWidth is round(width * frac), at least 1.
func scaledWidth(width int, frac float64) int {
	return max(1, int(math.Round(float64(width)*frac)))
}

func sizeOf(w, h int) image.Point { return image.Pt(w, h) }

func floorDiv(a, b int) int {
	q := a / b
	if a%b != 0 && (a < 0) != (b < 0) {
		q--
	}
	return q
}

func floorF(x float64) int { return int(math.Floor(x)) }
