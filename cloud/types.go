package cloud

import (
	"fmt"

	"github.com/kwv/cpdmesh/cpd"
)

// Config is the on-disk configuration of the cpdmesh tool.
type Config struct {
	Registration cpd.Config      `yaml:"registration" json:"registration"`
	Transform    TransformConfig `yaml:"transform" json:"transform"`
	MQTT         MQTTConfig      `yaml:"mqtt,omitempty" json:"mqtt,omitempty"`
	Output       OutputConfig    `yaml:"output,omitempty" json:"output,omitempty"`
}

// TransformConfig selects the transform family and its knobs.
type TransformConfig struct {
	Kind        string  `yaml:"kind" json:"kind"` // "rigid", "affine", "nonrigid"
	Scale       bool    `yaml:"scale,omitempty" json:"scale,omitempty"`
	Reflections bool    `yaml:"reflections,omitempty" json:"reflections,omitempty"`
	Beta        float64 `yaml:"beta,omitempty" json:"beta,omitempty"`
	Lambda      float64 `yaml:"lambda,omitempty" json:"lambda,omitempty"`
}

// MQTTConfig holds MQTT connection settings
type MQTTConfig struct {
	Broker        string `yaml:"broker" json:"broker"`
	PublishPrefix string `yaml:"publishPrefix" json:"publishPrefix"`
	ClientID      string `yaml:"clientId" json:"clientId"`
	Username      string `yaml:"username,omitempty" json:"username,omitempty"`
	Password      string `yaml:"password,omitempty" json:"password,omitempty"`
}

// Enabled reports whether a broker is configured.
func (m MQTTConfig) Enabled() bool { return m.Broker != "" }

// OutputConfig lists the artifacts written after a run. Empty paths are skipped.
type OutputConfig struct {
	Points      string  `yaml:"points,omitempty" json:"points,omitempty"`
	GeoJSON     string  `yaml:"geojson,omitempty" json:"geojson,omitempty"`
	SVG         string  `yaml:"svg,omitempty" json:"svg,omitempty"`
	PNG         string  `yaml:"png,omitempty" json:"png,omitempty"`
	QuickLook   string  `yaml:"quicklook,omitempty" json:"quicklook,omitempty"`
	ResultCache string  `yaml:"resultCache,omitempty" json:"resultCache,omitempty"`
	Metrics     string  `yaml:"metrics,omitempty" json:"metrics,omitempty"`
	Resolution  float64 `yaml:"resolution,omitempty" json:"resolution,omitempty"` // PNG DPI (default 300)
}

// DefaultConfig returns a rigid registration with the library defaults.
func DefaultConfig() *Config {
	return &Config{
		Registration: cpd.DefaultConfig(),
		Transform: TransformConfig{
			Kind:   string(cpd.KindRigid),
			Beta:   cpd.DefaultBeta,
			Lambda: cpd.DefaultLambda,
		},
		MQTT: MQTTConfig{
			PublishPrefix: DefaultPublishPrefix,
			ClientID:      DefaultClientID,
		},
		Output: OutputConfig{
			Resolution: DefaultResolution,
		},
	}
}

// Build returns the transform described by c.
func (c TransformConfig) Build() (cpd.Transform, error) {
	kind, err := cpd.ParseKind(c.Kind)
	if err != nil {
		return nil, err
	}
	switch kind {
	case cpd.KindRigid:
		return &cpd.Rigid{Scale: c.Scale, Reflections: c.Reflections}, nil
	case cpd.KindAffine:
		return cpd.NewAffine(), nil
	case cpd.KindNonrigid:
		t := cpd.NewNonrigid()
		if c.Beta != 0 {
			t.Beta = c.Beta
		}
		if c.Lambda != 0 {
			t.Lambda = c.Lambda
		}
		return t, nil
	}
	return nil, fmt.Errorf("%w: %q", cpd.ErrUnknownTransform, c.Kind)
}
