package compose

import (
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	"image/jpeg"
	"image/png"
	"math"
	"os"
	"strings"

	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/font/opentype"
	"golang.org/x/image/math/fixed"
	_ "golang.org/x/image/webp"

	logx "chanpost/pkg/logx"
)

type imageFormat int

const (
	formatJPEG imageFormat = iota
	formatPNG
)

// resizeFile scales src to width, keeping the aspect ratio, and writes it to
// dst. It returns the written size.
func resizeFile(src, dst string, width int, format imageFormat) (image.Point, error) {
	if strings.TrimSpace(src) == "" {
		return image.Point{}, fmt.Errorf("no input image configured")
	}
	f, err := os.Open(src)
	if err != nil {
		return image.Point{}, err
	}
	img, _, err := image.Decode(f)
	_ = f.Close()
	if err != nil {
		return image.Point{}, fmt.Errorf("decode %s: %w", src, err)
	}
	scaled := resizeToWidth(img, width)
	if err := writeImage(dst, scaled, format); err != nil {
		return image.Point{}, err
	}
	return scaled.Bounds().Size(), nil
}

func resizeToWidth(src image.Image, width int) *image.RGBA {
	b := src.Bounds()
	height := 1
	if b.Dx() > 0 {
		height = max(1, int(math.Round(float64(width)*float64(b.Dy())/float64(b.Dx()))))
	}
	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, b, draw.Src, nil)
	return dst
}

func writeImage(dst string, img image.Image, format imageFormat) error {
	f, err := os.Create(dst)
	if err != nil {
		return err
	}
	switch format {
	case formatJPEG:
		err = jpeg.Encode(f, img, &jpeg.Options{Quality: 95})
	default:
		err = png.Encode(f, img)
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(dst)
		return fmt.Errorf("encode %s: %w", dst, err)
	}
	return nil
}

// writeCaption renders the caption layer: a transparent canvas
// width x (fontSize+20) with white text whose top sits at y=0. The returned
// size is the tight bounding box of the glyphs.
func (c *Compositor) writeCaption(dst string, width, fontSize int) (image.Point, error) {
	face := loadFace(c.cfg.FontPath, fontSize, c.log)
	defer face.Close()

	canvas, size := renderCaption(c.cfg.CaptionText, face, width, fontSize)
	if err := writeImage(dst, canvas, formatPNG); err != nil {
		return image.Point{}, err
	}
	return size, nil
}

func renderCaption(text string, face font.Face, width, fontSize int) (*image.RGBA, image.Point) {
	canvas := image.NewRGBA(image.Rect(0, 0, width, fontSize+captionGap))
	d := &font.Drawer{
		Dst:  canvas,
		Src:  image.NewUniform(color.White),
		Face: face,
		Dot:  fixed.P(0, face.Metrics().Ascent.Ceil()),
	}
	d.DrawString(text)

	b, _ := font.BoundString(face, text)
	return canvas, image.Pt((b.Max.X - b.Min.X).Ceil(), (b.Max.Y - b.Min.Y).Ceil())
}

// loadFace opens an OpenType/TrueType font at size pixels. Any failure falls
// back to the built-in bitmap face.
func loadFace(fontPath string, size int, log logx.Logger) font.Face {
	if strings.TrimSpace(fontPath) == "" {
		log.Warn("no caption font configured; using built-in font")
		return basicfont.Face7x13
	}
	data, err := os.ReadFile(fontPath)
	if err != nil {
		log.Warn("caption font unreadable; using built-in font", logx.String("path", fontPath), logx.Err(err))
		return basicfont.Face7x13
	}
	f, err := opentype.Parse(data)
	if err != nil {
		log.Warn("caption font invalid; using built-in font", logx.String("path", fontPath), logx.Err(err))
		return basicfont.Face7x13
	}
	face, err := opentype.NewFace(f, &opentype.FaceOptions{
		Size:    float64(size),
		DPI:     72,
		Hinting: font.HintingFull,
	})
	if err != nil {
		log.Warn("caption font face failed; using built-in font", logx.String("path", fontPath), logx.Err(err))
		return basicfont.Face7x13
	}
	return face
}
