package cloud

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"os"

	"github.com/paulmach/orb"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// QuickLook is a small raster preview of a registration with a text legend.
type QuickLook struct {
	Layers  []Layer
	Colors  map[string]LayerColor
	Size    int      // Width and height of the plot area in pixels
	Padding int      // Padding around the plot area
	Caption []string // Extra legend lines, e.g. iterations and sigma2
}

// NewQuickLook creates a 512px preview of the given layers.
func NewQuickLook(layers ...Layer) *QuickLook {
	return &QuickLook{
		Layers:  layers,
		Colors:  DefaultLayerColors(),
		Size:    512,
		Padding: 20,
	}
}

// Render draws the XY projection of every layer.
func (q *QuickLook) Render() (*image.RGBA, error) {
	if len(q.Layers) == 0 {
		return nil, fmt.Errorf("no layers to render")
	}
	var bound orb.Bound
	for i, l := range q.Layers {
		if _, c := l.Points.Dims(); c < 2 {
			return nil, fmt.Errorf("layer %s: rendering needs at least 2 columns, got %d", l.Name, c)
		}
		b := ToMultiPoint(l.Points).Bound()
		if i == 0 {
			bound = b
		} else {
			bound = bound.Union(b)
		}
	}

	legendHeight := 18 * (len(q.Layers) + len(q.Caption))
	width := q.Size + 2*q.Padding
	height := q.Size + 2*q.Padding + legendHeight

	img := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.Draw(img, img.Bounds(), &image.Uniform{color.RGBA{255, 255, 255, 255}}, image.Point{}, draw.Src)

	span := bound.Max[0] - bound.Min[0]
	if dy := bound.Max[1] - bound.Min[1]; dy > span {
		span = dy
	}
	if span <= 0 {
		span = 1
	}
	scale := float64(q.Size-1) / span

	// Image y grows downwards, so flip the cloud's y axis.
	toPixel := func(p orb.Point) (int, int) {
		x := q.Padding + int((p[0]-bound.Min[0])*scale+0.5)
		y := legendHeight + q.Padding + q.Size - 1 - int((p[1]-bound.Min[1])*scale+0.5)
		return x, y
	}

	for _, l := range q.Layers {
		c := q.color(l.Name)
		for _, p := range ToMultiPoint(l.Points) {
			x, y := toPixel(p)
			drawCircle(img, x, y, 2, c)
		}
	}

	q.drawLegend(img)
	return img, nil
}

// SavePNG renders the preview to a PNG file.
func (q *QuickLook) SavePNG(path string) error {
	img, err := q.Render()
	if err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating %s: %w", path, err)
	}
	if err := png.Encode(f, img); err != nil {
		f.Close()
		return fmt.Errorf("encoding %s: %w", path, err)
	}
	return f.Close()
}

func (q *QuickLook) color(name string) color.RGBA {
	if lc, ok := q.Colors[name]; ok {
		return nrgbaToRGBA(lc.Stroke)
	}
	return color.RGBA{0, 0, 0, 255}
}

// drawCircle draws a filled circle
func drawCircle(img *image.RGBA, cx, cy, radius int, c color.RGBA) {
	for dy := -radius; dy <= radius; dy++ {
		for dx := -radius; dx <= radius; dx++ {
			if dx*dx+dy*dy <= radius*radius {
				x, y := cx+dx, cy+dy
				if x >= 0 && x < img.Bounds().Max.X && y >= 0 && y < img.Bounds().Max.Y {
					img.Set(x, y, c)
				}
			}
		}
	}
}

// drawLegend adds one swatch and label per layer, then the caption lines
func (q *QuickLook) drawLegend(img *image.RGBA) {
	y := 15
	for _, l := range q.Layers {
		c := q.color(l.Name)
		for dy := 0; dy < 12; dy++ {
			for dx := 0; dx < 12; dx++ {
				img.Set(10+dx, y+dy-10, c)
			}
		}
		r, _ := l.Points.Dims()
		drawText(img, 28, y, fmt.Sprintf("%s (%d)", l.Name, r), color.RGBA{0, 0, 0, 255})
		y += 18
	}
	for _, line := range q.Caption {
		drawText(img, 10, y, line, color.RGBA{64, 64, 64, 255})
		y += 18
	}
}

// drawText renders text onto an image at the specified position
func drawText(img *image.RGBA, x, y int, text string, c color.RGBA) {
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(c),
		Face: basicfont.Face7x13,
		Dot:  fixed.Point26_6{X: fixed.I(x), Y: fixed.I(y)},
	}
	d.DrawString(text)
}
