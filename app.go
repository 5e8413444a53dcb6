package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/tdewolff/canvas"
	"gonum.org/v1/gonum/mat"

	"github.com/kwv/cpdmesh/cloud"
	"github.com/kwv/cpdmesh/cpd"
)

// App encapsulates the application state and dependencies
type App struct {
	Config  *cloud.Config
	Options AppOptions
	Logger  *slog.Logger
	Stderr  io.Writer

	// Connect opens the MQTT client; replaced in tests.
	Connect func(cloud.MQTTConfig) (mqtt.Client, error)
}

// NewApp creates a new App instance
func NewApp() *App {
	return &App{
		Stderr:  os.Stderr,
		Connect: cloud.Connect,
	}
}

// ApplyOptions applies CLI options to the App instance
func (a *App) ApplyOptions(opts AppOptions) {
	a.Options = opts
}

// RunRegister loads both clouds, registers them and writes every requested
// output. The summary goes to out.
func (a *App) RunRegister(out io.Writer) error {
	cfg, err := a.loadConfig()
	if err != nil {
		return err
	}
	a.Config = cfg
	logger := a.logger()

	fixed, err := cloud.ReadMatrixFile(a.Options.FixedFile)
	if err != nil {
		return fmt.Errorf("reading fixed cloud: %w", err)
	}
	moving, err := cloud.ReadMatrixFile(a.Options.MovingFile)
	if err != nil {
		return fmt.Errorf("reading moving cloud: %w", err)
	}

	transform, err := cfg.Transform.Build()
	if err != nil {
		return err
	}

	runID := cloud.NewRunID()
	var metrics *cloud.Metrics
	if cfg.Output.Metrics != "" {
		metrics = cloud.NewMetrics()
	}
	publisher, client := a.publisher(cfg.MQTT, runID)
	defer cloud.Disconnect(client)

	var observers []cpd.Observer
	if metrics != nil {
		observers = append(observers, metrics)
	}
	if publisher != nil {
		observers = append(observers, publisher)
	}

	runner, err := cpd.NewRunner(cfg.Registration, transform,
		cpd.WithLogger(logger.With("run_id", runID)),
		cpd.WithObserver(cloud.NewMultiObserver(observers...)),
	)
	if err != nil {
		return err
	}
	result, err := runner.Run(fixed, moving)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "run: %s\n", runID)
	fmt.Fprint(out, result.String())
	fmt.Fprintf(out, "average translation: %v\n", result.AverageTranslation(moving))

	return a.writeOutputs(cfg, runID, fixed, moving, result, metrics)
}

// loadConfig starts from the config file, or defaults plus environment when
// none is given, then applies the explicitly set flags. Validation runs once,
// after the flags, so a flag can fix an out-of-range file value.
func (a *App) loadConfig() (*cloud.Config, error) {
	var cfg *cloud.Config
	if a.Options.ConfigFile != "" {
		loaded, err := cloud.ReadConfig(a.Options.ConfigFile)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	} else {
		cfg = cloud.DefaultConfig()
		cfg.ApplyEnv()
	}

	applyFlags(cfg, a.Options)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyFlags copies every flag the user set onto cfg.
func applyFlags(cfg *cloud.Config, o AppOptions) {
	set := func(name string) bool { return o.Changed[name] }

	if set("transform") {
		cfg.Transform.Kind = o.Transform
	}
	if set("scale") {
		cfg.Transform.Scale = o.Scale
	}
	if set("reflections") {
		cfg.Transform.Reflections = o.Reflections
	}
	if set("beta") {
		cfg.Transform.Beta = o.Beta
	}
	if set("lambda") {
		cfg.Transform.Lambda = o.Lambda
	}

	reg := &cfg.Registration
	if set("comparer") {
		reg.Comparer = o.Comparer
	}
	if set("sigma2") {
		reg.InitialSigma2 = o.Sigma2
	}
	if set("max-iterations") {
		reg.MaxIterations = o.MaxIterations
	}
	if set("tolerance") {
		reg.Tolerance = o.Tolerance
	}
	if set("outliers") {
		reg.OutlierWeight = o.Outliers
	}
	if set("no-normalize") {
		reg.Normalize = !o.NoNormalize
	}
	if set("correspondence") {
		reg.Correspondence = o.Correspond
	}

	for name, p := range map[string]struct {
		dst *string
		val string
	}{
		"outfile":      {&cfg.Output.Points, o.OutFile},
		"geojson":      {&cfg.Output.GeoJSON, o.GeoJSON},
		"svg":          {&cfg.Output.SVG, o.SVG},
		"png":          {&cfg.Output.PNG, o.PNG},
		"quicklook":    {&cfg.Output.QuickLook, o.QuickLook},
		"result-cache": {&cfg.Output.ResultCache, o.ResultCache},
		"metrics":      {&cfg.Output.Metrics, o.Metrics},
		"mqtt":         {&cfg.MQTT.Broker, o.MQTTBroker},
	} {
		if set(name) {
			*p.dst = p.val
		}
	}
}

func (a *App) logger() *slog.Logger {
	if a.Logger != nil {
		return a.Logger
	}
	w := a.Stderr
	if w == nil {
		w = os.Stderr
	}
	level := slog.LevelInfo
	if a.Options.Verbose {
		level = slog.LevelDebug
	}
	hopts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(a.Options.LogFormat, "json") {
		return slog.New(slog.NewJSONHandler(w, hopts))
	}
	return slog.New(slog.NewTextHandler(w, hopts))
}

// publisher connects to the broker when one is configured. A broker that
// cannot be reached disables streaming for this run but does not fail it.
func (a *App) publisher(cfg cloud.MQTTConfig, runID string) (*cloud.Publisher, mqtt.Client) {
	if !cfg.Enabled() || a.Connect == nil {
		return nil, nil
	}
	client, err := a.Connect(cfg)
	if err != nil {
		a.logger().Warn("MQTT publishing disabled", "broker", cfg.Broker, "error", err)
		return nil, nil
	}
	return cloud.NewPublisher(client, runID, cfg.PublishPrefix), client
}

func (a *App) writeOutputs(cfg *cloud.Config, runID string, fixed, moving *mat.Dense, result *cpd.Result, metrics *cloud.Metrics) error {
	o := cfg.Output
	var errs []error

	if o.Points != "" {
		if err := cloud.WriteMatrixFile(o.Points, result.Points); err != nil {
			errs = append(errs, err)
		}
	}

	layers := cloud.Layers(fixed, moving, result.Points)
	if o.GeoJSON != "" {
		if err := cloud.SaveGeoJSON(o.GeoJSON, layers...); err != nil {
			errs = append(errs, err)
		}
	}

	if o.SVG != "" || o.PNG != "" {
		r := cloud.NewOverlayRenderer(layers...)
		if o.Resolution > 0 {
			r.Resolution = canvas.DPI(o.Resolution)
		}
		if o.SVG != "" {
			if err := r.SaveSVG(o.SVG); err != nil {
				errs = append(errs, err)
			}
		}
		if o.PNG != "" {
			if err := r.SavePNG(o.PNG); err != nil {
				errs = append(errs, err)
			}
		}
	}

	if o.QuickLook != "" {
		q := cloud.NewQuickLook(layers...)
		q.Caption = []string{
			fmt.Sprintf("%s, %d iterations (%s)", result.Transform, result.Iterations, result.StopReason),
			fmt.Sprintf("sigma2 %.4g", result.Sigma2),
		}
		if err := q.SavePNG(o.QuickLook); err != nil {
			errs = append(errs, err)
		}
	}

	if o.ResultCache != "" {
		rec := cloud.NewResultRecord(runID, cfg.Registration.Comparer, result)
		rec.Fixed, rec.Moving = a.Options.FixedFile, a.Options.MovingFile
		if err := cloud.AppendResult(o.ResultCache, rec); err != nil {
			errs = append(errs, err)
		}
	}

	if metrics != nil {
		if err := metrics.WriteToTextfile(o.Metrics); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}
