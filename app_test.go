package main

import (
	"bytes"
	"errors"
	"log/slog"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/kwv/cpdmesh/cloud"
	"github.com/kwv/cpdmesh/cpd"
)

func clearMQTTEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{"MQTT_BROKER", "MQTT_CLIENT_ID", "MQTT_USERNAME", "MQTT_PASSWORD", "MQTT_PUBLISH_PREFIX"} {
		t.Setenv(k, "")
	}
}

// writeClouds writes a random 2-D cloud and a copy shifted by shift.
func writeClouds(t *testing.T, dir string, shift []float64) (string, string) {
	t.Helper()
	rng := rand.New(rand.NewSource(7))
	fixed := mat.NewDense(40, 2, nil)
	moving := mat.NewDense(40, 2, nil)
	for i := 0; i < 40; i++ {
		x, y := rng.Float64()*10, rng.Float64()*10
		fixed.Set(i, 0, x)
		fixed.Set(i, 1, y)
		moving.Set(i, 0, x-shift[0])
		moving.Set(i, 1, y-shift[1])
	}
	fixedPath := filepath.Join(dir, "fixed.txt")
	movingPath := filepath.Join(dir, "moving.txt")
	require.NoError(t, cloud.WriteMatrixFile(fixedPath, fixed))
	require.NoError(t, cloud.WriteMatrixFile(movingPath, moving))
	return fixedPath, movingPath
}

func newTestApp(opts AppOptions) *App {
	app := NewApp()
	app.Logger = slog.New(slog.DiscardHandler)
	if opts.Changed == nil {
		opts.Changed = map[string]bool{}
	}
	app.ApplyOptions(opts)
	return app
}

func TestNewApp(t *testing.T) {
	app := NewApp()
	require.NotNil(t, app)
	assert.NotNil(t, app.Connect)
	assert.NotNil(t, app.Stderr)
}

func TestApp_RunRegister_WritesOutputs(t *testing.T) {
	clearMQTTEnv(t)
	dir := t.TempDir()
	fixedPath, movingPath := writeClouds(t, dir, []float64{1, -0.5})

	out := func(name string) string { return filepath.Join(dir, name) }
	app := newTestApp(AppOptions{
		FixedFile:   fixedPath,
		MovingFile:  movingPath,
		OutFile:     out("aligned.txt"),
		GeoJSON:     out("clouds.geojson"),
		SVG:         out("overlay.svg"),
		QuickLook:   out("quicklook.png"),
		ResultCache: out("results.json"),
		Metrics:     out("cpdmesh.prom"),
		Correspond:  true,
		Changed: map[string]bool{
			"outfile": true, "geojson": true, "svg": true, "quicklook": true,
			"result-cache": true, "metrics": true, "correspondence": true,
		},
	})

	var stdout bytes.Buffer
	require.NoError(t, app.RunRegister(&stdout))

	summary := stdout.String()
	assert.Contains(t, summary, "transform: rigid")
	assert.Contains(t, summary, "average translation:")

	for _, name := range []string{"aligned.txt", "clouds.geojson", "overlay.svg", "quicklook.png", "results.json", "cpdmesh.prom"} {
		info, err := os.Stat(out(name))
		require.NoError(t, err, name)
		assert.Greater(t, info.Size(), int64(0), name)
	}

	aligned, err := cloud.ReadMatrixFile(out("aligned.txt"))
	require.NoError(t, err)
	fixed, err := cloud.ReadMatrixFile(fixedPath)
	require.NoError(t, err)
	var diff mat.Dense
	diff.Sub(aligned, fixed)
	assert.Less(t, mat.Norm(&diff, math.Inf(1)), 1e-2)

	cache, err := cloud.LoadResults(out("results.json"))
	require.NoError(t, err)
	rec, ok := cache.Latest()
	require.True(t, ok)
	assert.Equal(t, cpd.KindRigid, rec.Transform)
	assert.Equal(t, fixedPath, rec.Fixed)
	assert.Len(t, rec.Correspondence, 40)
	assert.Contains(t, summary, rec.RunID)
	require.Len(t, rec.Translation, 2)
	assert.InDelta(t, 1.0, rec.Translation[0], 1e-2)
	assert.InDelta(t, -0.5, rec.Translation[1], 1e-2)
}

func TestApp_RunRegister_ConfigAndFlags(t *testing.T) {
	clearMQTTEnv(t)
	dir := t.TempDir()
	fixedPath, movingPath := writeClouds(t, dir, []float64{0.2, 0.2})

	cfgPath := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("transform:\n  kind: affine\nregistration:\n  maxIterations: 7\n"), 0644))

	app := newTestApp(AppOptions{
		ConfigFile:    cfgPath,
		FixedFile:     fixedPath,
		MovingFile:    movingPath,
		MaxIterations: 3,
		Changed:       map[string]bool{"max-iterations": true},
	})
	var stdout bytes.Buffer
	require.NoError(t, app.RunRegister(&stdout))

	assert.Equal(t, "affine", app.Config.Transform.Kind)
	assert.Equal(t, 3, app.Config.Registration.MaxIterations)
	assert.Contains(t, stdout.String(), "transform: affine")
}

func TestApp_RunRegister_FlagFixesInvalidFileValue(t *testing.T) {
	clearMQTTEnv(t)
	dir := t.TempDir()
	fixedPath, movingPath := writeClouds(t, dir, []float64{0.2, 0})

	cfgPath := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("registration:\n  tolerance: 0\n"), 0644))

	opts := AppOptions{ConfigFile: cfgPath, FixedFile: fixedPath, MovingFile: movingPath}
	var stdout bytes.Buffer
	err := newTestApp(opts).RunRegister(&stdout)
	require.Error(t, err)
	assert.ErrorIs(t, err, cpd.ErrInvalidConfig)

	opts.Tolerance = 1e-6
	opts.Changed = map[string]bool{"tolerance": true}
	app := newTestApp(opts)
	require.NoError(t, app.RunRegister(&stdout))
	assert.Equal(t, 1e-6, app.Config.Registration.Tolerance)
}

func TestApplyFlags_OnlyChanged(t *testing.T) {
	cfg := cloud.DefaultConfig()
	applyFlags(cfg, AppOptions{
		Transform:   "nonrigid",
		Tolerance:   0.5,
		NoNormalize: true,
		SVG:         "x.svg",
		Changed:     map[string]bool{"no-normalize": true, "svg": true},
	})
	assert.Equal(t, "rigid", cfg.Transform.Kind)
	assert.Equal(t, cpd.DefaultTolerance, cfg.Registration.Tolerance)
	assert.False(t, cfg.Registration.Normalize)
	assert.Equal(t, "x.svg", cfg.Output.SVG)
}

func TestApp_RunRegister_Errors(t *testing.T) {
	clearMQTTEnv(t)
	dir := t.TempDir()
	fixedPath, movingPath := writeClouds(t, dir, []float64{0, 0})

	tests := []struct {
		name string
		opts AppOptions
		want string
	}{
		{"missing fixed", AppOptions{FixedFile: filepath.Join(dir, "none.txt"), MovingFile: movingPath}, "reading fixed cloud"},
		{"missing config", AppOptions{ConfigFile: filepath.Join(dir, "none.yaml"), FixedFile: fixedPath, MovingFile: movingPath}, "config file not found"},
		{"invalid flag value", AppOptions{FixedFile: fixedPath, MovingFile: movingPath, Outliers: 1, Changed: map[string]bool{"outliers": true}}, "outlierWeight"},
		{"bad transform", AppOptions{FixedFile: fixedPath, MovingFile: movingPath, Transform: "warp", Changed: map[string]bool{"transform": true}}, "transform.kind"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var stdout bytes.Buffer
			err := newTestApp(tt.opts).RunRegister(&stdout)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestApp_RunRegister_PublishesToMQTT(t *testing.T) {
	clearMQTTEnv(t)
	dir := t.TempDir()
	fixedPath, movingPath := writeClouds(t, dir, []float64{0.3, 0})

	client := cloud.NewMockClient()
	app := newTestApp(AppOptions{
		FixedFile:  fixedPath,
		MovingFile: movingPath,
		MQTTBroker: "tcp://broker:1883",
		Changed:    map[string]bool{"mqtt": true},
	})
	var gotBroker string
	app.Connect = func(cfg cloud.MQTTConfig) (mqtt.Client, error) {
		gotBroker = cfg.Broker
		client.SetConnected(true)
		return client, nil
	}

	var stdout bytes.Buffer
	require.NoError(t, app.RunRegister(&stdout))

	assert.Equal(t, "tcp://broker:1883", gotBroker)
	assert.Len(t, client.MessagesWithSuffix("/start"), 1)
	assert.Len(t, client.MessagesWithSuffix("/result"), 1)
	for _, m := range client.GetPublishedMessages() {
		assert.True(t, strings.HasPrefix(m.Topic, cloud.DefaultPublishPrefix+"/"), m.Topic)
	}
	assert.False(t, client.IsConnected(), "client should be disconnected after the run")
}

func TestApp_RunRegister_UnreachableBroker(t *testing.T) {
	clearMQTTEnv(t)
	dir := t.TempDir()
	fixedPath, movingPath := writeClouds(t, dir, []float64{0.3, 0})

	app := newTestApp(AppOptions{FixedFile: fixedPath, MovingFile: movingPath})
	t.Setenv("MQTT_BROKER", "tcp://nowhere:1883")
	app.Connect = func(cloud.MQTTConfig) (mqtt.Client, error) {
		return nil, errors.New("connection refused")
	}

	var logs bytes.Buffer
	app.Logger = slog.New(slog.NewJSONHandler(&logs, nil))

	var stdout bytes.Buffer
	assert.NoError(t, app.RunRegister(&stdout))
	assert.Contains(t, logs.String(), `"msg":"MQTT publishing disabled"`)
	assert.Contains(t, logs.String(), `"error":"connection refused"`)
}

func TestApp_Logger(t *testing.T) {
	var buf bytes.Buffer
	app := &App{Stderr: &buf, Options: AppOptions{LogFormat: "json", Verbose: true}}
	app.logger().Debug("hello", "k", 1)
	assert.Contains(t, buf.String(), `"msg":"hello"`)

	buf.Reset()
	app.Options = AppOptions{LogFormat: "text"}
	l := app.logger()
	l.Debug("hidden")
	l.Info("shown")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "msg=shown")
}
