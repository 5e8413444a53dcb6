package cloud

import (
	"fmt"
	"image/color"
	"image/png"
	"io"
	"math"
	"os"

	"github.com/paulmach/orb"
	"github.com/tdewolff/canvas"
	"github.com/tdewolff/canvas/renderers/rasterizer"
	"github.com/tdewolff/canvas/renderers/svg"
)

// DefaultResolution is the PNG output resolution in DPI.
const DefaultResolution = 300.0

// LayerColor is the marker style of one layer.
type LayerColor struct {
	Fill   color.NRGBA
	Stroke color.NRGBA
}

// DefaultLayerColors returns the colors used for the fixed, moving and
// aligned layers.
func DefaultLayerColors() map[string]LayerColor {
	return map[string]LayerColor{
		LayerFixed: { // Blue
			Fill:   color.NRGBA{100, 149, 237, 200}, // Cornflower blue
			Stroke: color.NRGBA{0, 0, 139, 255},     // Dark blue
		},
		LayerMoving: { // Grey
			Fill:   color.NRGBA{169, 169, 169, 140},
			Stroke: color.NRGBA{105, 105, 105, 255},
		},
		LayerAligned: { // Red
			Fill:   color.NRGBA{255, 99, 71, 200}, // Tomato
			Stroke: color.NRGBA{139, 0, 0, 255},   // Dark red
		},
	}
}

// nrgbaToRGBA converts color.NRGBA to color.RGBA by premultiplying alpha
// This is needed for the canvas library which expects premultiplied RGBA
func nrgbaToRGBA(c color.NRGBA) color.RGBA {
	if c.A == 0 {
		return color.RGBA{0, 0, 0, 0}
	}
	if c.A == 255 {
		return color.RGBA{c.R, c.G, c.B, 255}
	}
	alpha32 := uint32(c.A)
	return color.RGBA{
		R: uint8((uint32(c.R) * alpha32) / 255),
		G: uint8((uint32(c.G) * alpha32) / 255),
		B: uint8((uint32(c.B) * alpha32) / 255),
		A: c.A,
	}
}

// OverlayRenderer draws the XY projection of several point clouds on top
// of each other as vector graphics.
type OverlayRenderer struct {
	Layers      []Layer
	Colors      map[string]LayerColor
	Width       float64           // Canvas width in millimeters
	Padding     float64           // Padding in millimeters
	MarkerSize  float64           // Marker radius in millimeters
	GridSpacing float64           // Grid spacing in cloud units; 0 disables
	Resolution  canvas.Resolution // Resolution for PNG output
}

// NewOverlayRenderer creates an overlay renderer with default settings
func NewOverlayRenderer(layers ...Layer) *OverlayRenderer {
	return &OverlayRenderer{
		Layers:     layers,
		Colors:     DefaultLayerColors(),
		Width:      200.0,
		Padding:    10.0,
		MarkerSize: 0.8,
		Resolution: canvas.DPI(DefaultResolution),
	}
}

// canvasRenderer is an interface that both svg and rasterizer renderers implement
type canvasRenderer interface {
	RenderPath(path *canvas.Path, style canvas.Style, m canvas.Matrix)
}

// frame maps cloud coordinates onto the canvas.
type frame struct {
	bound  orb.Bound
	scale  float64
	pad    float64
	width  float64
	height float64
}

func (f frame) toCanvas(p orb.Point) (float64, float64) {
	return (p[0]-f.bound.Min[0])*f.scale + f.pad, (p[1]-f.bound.Min[1])*f.scale + f.pad
}

func (r *OverlayRenderer) frame() (frame, error) {
	if len(r.Layers) == 0 {
		return frame{}, fmt.Errorf("no layers to render")
	}
	var bound orb.Bound
	for i, l := range r.Layers {
		if _, c := l.Points.Dims(); c < 2 {
			return frame{}, fmt.Errorf("layer %s: rendering needs at least 2 columns, got %d", l.Name, c)
		}
		b := ToMultiPoint(l.Points).Bound()
		if i == 0 {
			bound = b
		} else {
			bound = bound.Union(b)
		}
	}

	span := math.Max(bound.Max[0]-bound.Min[0], bound.Max[1]-bound.Min[1])
	if span <= 0 {
		span = 1
	}
	inner := r.Width - 2*r.Padding
	if inner <= 0 {
		return frame{}, fmt.Errorf("width %g leaves no room inside padding %g", r.Width, r.Padding)
	}
	scale := inner / span
	return frame{
		bound:  bound,
		scale:  scale,
		pad:    r.Padding,
		width:  r.Width,
		height: (bound.Max[1]-bound.Min[1])*scale + 2*r.Padding,
	}, nil
}

// RenderToSVG writes the overlay as an SVG to the provided writer
func (r *OverlayRenderer) RenderToSVG(w io.Writer) error {
	f, err := r.frame()
	if err != nil {
		return err
	}
	svgRenderer := svg.New(w, f.width, f.height, nil)
	r.renderToCanvas(svgRenderer, f)
	return svgRenderer.Close()
}

// RenderToPNG writes the overlay as a PNG to the provided writer
func (r *OverlayRenderer) RenderToPNG(w io.Writer) error {
	f, err := r.frame()
	if err != nil {
		return err
	}
	rast := rasterizer.New(f.width, f.height, r.Resolution, canvas.DefaultColorSpace)
	r.renderToCanvas(rast, f)
	return png.Encode(w, rast)
}

// SaveSVG renders the overlay to an SVG file.
func (r *OverlayRenderer) SaveSVG(path string) error {
	return saveWith(path, r.RenderToSVG)
}

// SavePNG renders the overlay to a PNG file.
func (r *OverlayRenderer) SavePNG(path string) error {
	return saveWith(path, r.RenderToPNG)
}

func saveWith(path string, render func(io.Writer) error) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating %s: %w", path, err)
	}
	if err := render(f); err != nil {
		f.Close()
		return fmt.Errorf("rendering %s: %w", path, err)
	}
	return f.Close()
}

// renderToCanvas draws background, grid and markers (shared logic for SVG and PNG)
func (r *OverlayRenderer) renderToCanvas(renderer canvasRenderer, f frame) {
	bgStyle := canvas.DefaultStyle
	bgStyle.Fill = canvas.Paint{Color: canvas.White}
	renderer.RenderPath(canvas.Rectangle(f.width, f.height), bgStyle, canvas.Identity)

	if r.GridSpacing > 0 {
		gridStyle := canvas.DefaultStyle
		gridStyle.Fill = canvas.Paint{Color: canvas.Transparent}
		gridStyle.Stroke = canvas.Paint{Color: canvas.Gray}
		gridStyle.StrokeWidth = 0.2
		gridStyle.Dashes = []float64{1.0, 1.0}

		b := f.bound
		for x := math.Ceil(b.Min[0]/r.GridSpacing) * r.GridSpacing; x <= b.Max[0]; x += r.GridSpacing {
			gridPath := &canvas.Path{}
			gridPath.MoveTo(f.toCanvas(orb.Point{x, b.Min[1]}))
			gridPath.LineTo(f.toCanvas(orb.Point{x, b.Max[1]}))
			renderer.RenderPath(gridPath, gridStyle, canvas.Identity)
		}
		for y := math.Ceil(b.Min[1]/r.GridSpacing) * r.GridSpacing; y <= b.Max[1]; y += r.GridSpacing {
			gridPath := &canvas.Path{}
			gridPath.MoveTo(f.toCanvas(orb.Point{b.Min[0], y}))
			gridPath.LineTo(f.toCanvas(orb.Point{b.Max[0], y}))
			renderer.RenderPath(gridPath, gridStyle, canvas.Identity)
		}
	}

	for _, l := range r.Layers {
		lc, ok := r.Colors[l.Name]
		if !ok {
			lc = LayerColor{Fill: color.NRGBA{0, 0, 0, 200}, Stroke: color.NRGBA{0, 0, 0, 255}}
		}
		style := canvas.DefaultStyle
		style.Fill = canvas.Paint{Color: nrgbaToRGBA(lc.Fill)}
		style.Stroke = canvas.Paint{Color: nrgbaToRGBA(lc.Stroke)}
		style.StrokeWidth = r.MarkerSize / 4

		marker := canvas.Circle(r.MarkerSize)
		for _, p := range ToMultiPoint(l.Points) {
			cx, cy := f.toCanvas(p)
			renderer.RenderPath(marker, style, canvas.Identity.Translate(cx, cy))
		}
	}
}
