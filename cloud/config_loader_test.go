package cloud

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/kwv/cpdmesh/cpd"
)

// ---------------------------------------------------------------------------
// helpers
// ---------------------------------------------------------------------------

func validConfigYAML() string {
	return `registration:
  maxIterations: 80
  tolerance: 1.0e-6
  outlierWeight: 0.2
  comparer: kdtree
transform:
  kind: nonrigid
  beta: 2
  lambda: 5
mqtt:
  broker: tcp://localhost:1883
  publishPrefix: cpdmesh-test
output:
  geojson: out.geojson
`
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("write config fixture: %v", err)
	}
	return path
}

func clearMQTTEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{"MQTT_BROKER", "MQTT_CLIENT_ID", "MQTT_USERNAME", "MQTT_PASSWORD", "MQTT_PUBLISH_PREFIX"} {
		t.Setenv(k, "")
	}
}

// ---------------------------------------------------------------------------
// LoadConfig
// ---------------------------------------------------------------------------

func TestLoadConfig_NotExists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nope.yaml")
	_, err := LoadConfig(path)
	if err == nil {
		t.Fatal("expected error for missing config file, got nil")
	}
}

func TestLoadConfig_Valid(t *testing.T) {
	clearMQTTEnv(t)
	cfg, err := LoadConfig(writeConfig(t, validConfigYAML()))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}

	if cfg.Registration.MaxIterations != 80 {
		t.Errorf("MaxIterations = %d, want 80", cfg.Registration.MaxIterations)
	}
	if cfg.Registration.Tolerance != 1e-6 {
		t.Errorf("Tolerance = %g, want 1e-6", cfg.Registration.Tolerance)
	}
	if cfg.Registration.Comparer != "kdtree" {
		t.Errorf("Comparer = %q, want kdtree", cfg.Registration.Comparer)
	}
	if cfg.Transform.Kind != "nonrigid" || cfg.Transform.Beta != 2 || cfg.Transform.Lambda != 5 {
		t.Errorf("Transform = %+v", cfg.Transform)
	}
	if cfg.MQTT.PublishPrefix != "cpdmesh-test" {
		t.Errorf("PublishPrefix = %q", cfg.MQTT.PublishPrefix)
	}
	if cfg.Output.GeoJSON != "out.geojson" {
		t.Errorf("GeoJSON = %q", cfg.Output.GeoJSON)
	}
}

func TestLoadConfig_MissingFieldsKeepDefaults(t *testing.T) {
	clearMQTTEnv(t)
	cfg, err := LoadConfig(writeConfig(t, "transform:\n  kind: affine\n"))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	def := cpd.DefaultConfig()
	if cfg.Registration != def {
		t.Errorf("Registration = %+v, want defaults %+v", cfg.Registration, def)
	}
	if !cfg.Registration.Normalize {
		t.Error("Normalize should default to true")
	}
	if cfg.MQTT.ClientID != DefaultClientID {
		t.Errorf("ClientID = %q, want %q", cfg.MQTT.ClientID, DefaultClientID)
	}
	if cfg.Output.Resolution != DefaultResolution {
		t.Errorf("Resolution = %g, want %g", cfg.Output.Resolution, DefaultResolution)
	}
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	clearMQTTEnv(t)
	t.Setenv("MQTT_BROKER", "tcp://broker:1883")
	t.Setenv("MQTT_PUBLISH_PREFIX", "from-env")
	t.Setenv("MQTT_USERNAME", "user")

	cfg, err := LoadConfig(writeConfig(t, validConfigYAML()))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.MQTT.Broker != "tcp://broker:1883" {
		t.Errorf("Broker = %q", cfg.MQTT.Broker)
	}
	if cfg.MQTT.PublishPrefix != "from-env" {
		t.Errorf("PublishPrefix = %q", cfg.MQTT.PublishPrefix)
	}
	if cfg.MQTT.Username != "user" {
		t.Errorf("Username = %q", cfg.MQTT.Username)
	}
}

func TestLoadConfig_InvalidYAML(t *testing.T) {
	_, err := LoadConfig(writeConfig(t, "registration: [unclosed"))
	if err == nil {
		t.Fatal("expected parse error")
	}
}

func TestLoadConfig_Invalid(t *testing.T) {
	clearMQTTEnv(t)
	tests := []struct {
		name string
		body string
		want error
	}{
		{"outlier weight", "registration:\n  outlierWeight: 1.5\n", cpd.ErrInvalidConfig},
		{"comparer", "registration:\n  comparer: octree\n", cpd.ErrUnknownComparer},
		{"transform", "transform:\n  kind: projective\n", cpd.ErrUnknownTransform},
		{"beta", "transform:\n  kind: nonrigid\n  beta: -1\n", cpd.ErrInvalidConfig},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, tt.body))
			if !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestReadConfig_SkipsValidation(t *testing.T) {
	clearMQTTEnv(t)
	path := writeConfig(t, "registration:\n  tolerance: 0\n")

	cfg, err := ReadConfig(path)
	if err != nil {
		t.Fatalf("ReadConfig: %v", err)
	}
	if cfg.Registration.Tolerance != 0 {
		t.Errorf("Tolerance = %g, want 0", cfg.Registration.Tolerance)
	}
	if _, err := LoadConfig(path); !errors.Is(err, cpd.ErrInvalidConfig) {
		t.Errorf("LoadConfig err = %v, want %v", err, cpd.ErrInvalidConfig)
	}
}

func TestSaveConfig_RoundTrip(t *testing.T) {
	clearMQTTEnv(t)
	cfg := DefaultConfig()
	cfg.Transform.Kind = "affine"
	cfg.Registration.Correspondence = true
	cfg.Output.SVG = "overlay.svg"

	path := filepath.Join(t.TempDir(), "saved.yaml")
	if err := SaveConfig(path, cfg); err != nil {
		t.Fatalf("SaveConfig: %v", err)
	}
	loaded, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if loaded.Transform.Kind != "affine" || !loaded.Registration.Correspondence || loaded.Output.SVG != "overlay.svg" {
		t.Errorf("round trip lost fields: %+v", loaded)
	}
}

// ---------------------------------------------------------------------------
// TransformConfig.Build
// ---------------------------------------------------------------------------

func TestTransformConfig_Build(t *testing.T) {
	rigid, err := TransformConfig{Kind: "Rigid", Scale: true, Reflections: true}.Build()
	if err != nil {
		t.Fatalf("Build rigid: %v", err)
	}
	r, ok := rigid.(*cpd.Rigid)
	if !ok || !r.Scale || !r.Reflections {
		t.Errorf("rigid transform = %#v", rigid)
	}

	affine, err := TransformConfig{Kind: "affine"}.Build()
	if err != nil || affine.Kind() != cpd.KindAffine {
		t.Errorf("affine = %v, %v", affine, err)
	}

	nr, err := TransformConfig{Kind: "nonrigid", Lambda: 7}.Build()
	if err != nil {
		t.Fatalf("Build nonrigid: %v", err)
	}
	n := nr.(*cpd.Nonrigid)
	if n.Beta != cpd.DefaultBeta || n.Lambda != 7 {
		t.Errorf("nonrigid beta=%g lambda=%g", n.Beta, n.Lambda)
	}

	if _, err := (TransformConfig{Kind: "shear"}).Build(); !errors.Is(err, cpd.ErrUnknownTransform) {
		t.Errorf("unknown kind err = %v", err)
	}
}
