package imaging

import (
	"bytes"
	"crypto/md5"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"

	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/lzumixiny/volo8-test/internal/models"
)

var (
	lockedColor   = color.RGBA{R: 0, G: 200, B: 0, A: 255}
	unlockedColor = color.RGBA{R: 230, G: 0, B: 0, A: 255}
	labelColor    = color.RGBA{R: 255, G: 255, B: 255, A: 255}
)

// Fingerprint returns the hex md5 of the image size and its 8-bit grayscale
// pixels, so re-encodings of the same picture share a fingerprint.
func Fingerprint(img image.Image) string {
	b := img.Bounds()
	gray := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(gray, gray.Bounds(), img, b.Min, draw.Src)

	h := md5.New()
	fmt.Fprintf(h, "%dx%d:", b.Dx(), b.Dy())
	h.Write(gray.Pix)
	return hex.EncodeToString(h.Sum(nil))
}

// Resize scales img so its longer edge is at most maxEdge, keeping the aspect
// ratio. Smaller images are returned unchanged.
func Resize(img image.Image, maxEdge int) image.Image {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if maxEdge <= 0 || (w <= maxEdge && h <= maxEdge) {
		return img
	}

	var nw, nh int
	if w >= h {
		nw = maxEdge
		nh = max(1, h*maxEdge/w)
	} else {
		nh = maxEdge
		nw = max(1, w*maxEdge/h)
	}

	dst := image.NewRGBA(image.Rect(0, 0, nw, nh))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, b, draw.Over, nil)
	return dst
}

// EncodeJPEG encodes img at the given quality.
func EncodeJPEG(img image.Image, quality int) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("failed to encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}

// DataURI returns data as an inline base64 JPEG.
func DataURI(data []byte) string {
	return "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(data)
}

// Annotate returns a copy of img with an outline and a label per detail.
// Locked items are green, everything else red.
func Annotate(img image.Image, details []models.LockDetail) image.Image {
	b := img.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)

	for _, d := range details {
		c := unlockedColor
		if d.IsLocked {
			c = lockedColor
		}
		r := image.Rect(d.PositionX, d.PositionY, d.PositionX+d.Width, d.PositionY+d.Height).Intersect(dst.Bounds())
		if r.Empty() {
			continue
		}
		outline(dst, r, c, 2)
		label(dst, r, fmt.Sprintf("%s %.2f", d.LockType, d.Confidence), c)
	}
	return dst
}

func outline(dst *image.RGBA, r image.Rectangle, c color.RGBA, thickness int) {
	src := image.NewUniform(c)
	t := min(thickness, r.Dx(), r.Dy())
	edges := []image.Rectangle{
		image.Rect(r.Min.X, r.Min.Y, r.Max.X, r.Min.Y+t),
		image.Rect(r.Min.X, r.Max.Y-t, r.Max.X, r.Max.Y),
		image.Rect(r.Min.X, r.Min.Y, r.Min.X+t, r.Max.Y),
		image.Rect(r.Max.X-t, r.Min.Y, r.Max.X, r.Max.Y),
	}
	for _, e := range edges {
		draw.Draw(dst, e, src, image.Point{}, draw.Src)
	}
}

func label(dst *image.RGBA, box image.Rectangle, text string, bg color.RGBA) {
	face := basicfont.Face7x13
	width := font.MeasureString(face, text).Ceil() + 4
	height := face.Height + 2

	top := box.Min.Y - height
	if top < dst.Bounds().Min.Y {
		top = box.Min.Y
	}
	bgRect := image.Rect(box.Min.X, top, box.Min.X+width, top+height).Intersect(dst.Bounds())
	draw.Draw(dst, bgRect, image.NewUniform(bg), image.Point{}, draw.Src)

	d := &font.Drawer{
		Dst:  dst,
		Src:  image.NewUniform(labelColor),
		Face: face,
		Dot:  fixed.P(box.Min.X+2, top+face.Ascent+1),
	}
	d.DrawString(text)
}

// RenderReply annotates, downsizes and encodes an image for a chat reply.
func RenderReply(img image.Image, details []models.LockDetail, maxEdge, quality int) ([]byte, error) {
	return EncodeJPEG(Resize(Annotate(img, details), maxEdge), quality)
}
