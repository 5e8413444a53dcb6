package cloud

import (
	"fmt"
	"os"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"gonum.org/v1/gonum/mat"
)

// Layer names used for features, legends and colors.
const (
	LayerFixed   = "fixed"
	LayerMoving  = "moving"
	LayerAligned = "aligned"
)

// Layer is one named point cloud of a registration.
type Layer struct {
	Name   string
	Points *mat.Dense
}

// Layers returns the standard fixed/moving/aligned triple, skipping nil clouds.
func Layers(fixed, moving, aligned *mat.Dense) []Layer {
	var out []Layer
	for _, l := range []Layer{{LayerFixed, fixed}, {LayerMoving, moving}, {LayerAligned, aligned}} {
		if l.Points != nil {
			out = append(out, l)
		}
	}
	return out
}

// ToMultiPoint projects the first two columns of m onto an orb.MultiPoint.
func ToMultiPoint(m *mat.Dense) orb.MultiPoint {
	r, _ := m.Dims()
	mp := make(orb.MultiPoint, r)
	for i := 0; i < r; i++ {
		row := m.RawRowView(i)
		mp[i] = orb.Point{row[0], row[1]}
	}
	return mp
}

// ToFeatureCollection exports each layer as a MultiPoint feature. Clouds
// must have two or three columns; the third column is carried in the "z"
// property because orb geometries are planar.
func ToFeatureCollection(layers ...Layer) (*geojson.FeatureCollection, error) {
	fc := geojson.NewFeatureCollection()
	for _, l := range layers {
		r, c := l.Points.Dims()
		if c != 2 && c != 3 {
			return nil, fmt.Errorf("layer %s: GeoJSON export needs 2 or 3 columns, got %d", l.Name, c)
		}
		f := geojson.NewFeature(ToMultiPoint(l.Points))
		f.ID = l.Name
		f.Properties["layer"] = l.Name
		f.Properties["count"] = r
		if c == 3 {
			z := make([]float64, r)
			for i := range z {
				z[i] = l.Points.At(i, 2)
			}
			f.Properties["z"] = z
		}
		fc.Append(f)
	}
	return fc, nil
}

// FromFeatureCollection rebuilds the layers written by ToFeatureCollection.
func FromFeatureCollection(fc *geojson.FeatureCollection) ([]Layer, error) {
	layers := make([]Layer, 0, len(fc.Features))
	for i, f := range fc.Features {
		mp, ok := f.Geometry.(orb.MultiPoint)
		if !ok {
			return nil, fmt.Errorf("feature %d: expected MultiPoint geometry, got %T", i, f.Geometry)
		}
		name := f.Properties.MustString("layer", fmt.Sprintf("layer-%d", i))

		var z []float64
		if raw, ok := f.Properties["z"].([]interface{}); ok {
			if len(raw) != len(mp) {
				return nil, fmt.Errorf("feature %s: %d z values for %d points", name, len(raw), len(mp))
			}
			z = make([]float64, len(raw))
			for k, v := range raw {
				fv, ok := v.(float64)
				if !ok {
					return nil, fmt.Errorf("feature %s: z[%d] is not a number", name, k)
				}
				z[k] = fv
			}
		}

		cols := 2
		if z != nil {
			cols = 3
		}
		m := mat.NewDense(len(mp), cols, nil)
		for k, p := range mp {
			m.Set(k, 0, p[0])
			m.Set(k, 1, p[1])
			if z != nil {
				m.Set(k, 2, z[k])
			}
		}
		layers = append(layers, Layer{Name: name, Points: m})
	}
	return layers, nil
}

// SaveGeoJSON writes the layers as a FeatureCollection to path.
func SaveGeoJSON(path string, layers ...Layer) error {
	fc, err := ToFeatureCollection(layers...)
	if err != nil {
		return err
	}
	data, err := fc.MarshalJSON()
	if err != nil {
		return fmt.Errorf("marshaling GeoJSON: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing GeoJSON file: %w", err)
	}
	return nil
}
