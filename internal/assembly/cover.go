package assembly

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"
	"os"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

const (
	coverWidth  = 600
	coverHeight = 800
	coverTitle  = "Kindle Relay"
)

type CoverRenderer interface {
	CreateCover(label, path string) (string, error)
}

// JPEGCover draws a plain black-on-white cover with the title and label.
type JPEGCover struct {
	Quality int
}

func (c JPEGCover) CreateCover(label, path string) (string, error) {
	img := image.NewGray(image.Rect(0, 0, coverWidth, coverHeight))
	draw.Draw(img, img.Bounds(), image.White, image.Point{}, draw.Src)

	// frame
	for x := 20; x < coverWidth-20; x++ {
		for _, y := range []int{20, 21, coverHeight - 22, coverHeight - 21} {
			img.SetGray(x, y, color.Gray{})
		}
	}

	drawCentered(img, coverTitle, coverHeight/2-20)
	drawCentered(img, label, coverHeight/2+20)

	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create cover: %w", err)
	}
	defer f.Close()

	quality := c.Quality
	if quality <= 0 {
		quality = 90
	}
	if err := jpeg.Encode(f, img, &jpeg.Options{Quality: quality}); err != nil {
		return "", fmt.Errorf("encode cover: %w", err)
	}
	return path, f.Close()
}

func drawCentered(dst draw.Image, text string, y int) {
	d := &font.Drawer{
		Dst:  dst,
		Src:  image.Black,
		Face: basicfont.Face7x13,
	}
	width := d.MeasureString(text).Ceil()
	d.Dot = fixed.P((coverWidth-width)/2, y)
	d.DrawString(text)
}
