package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/kwv/cpdmesh/cloud"
	"github.com/kwv/cpdmesh/cpd"
)

// Version is set at build time with -ldflags "-X main.Version=..."
var Version = "dev"

// AppOptions carries the command line as parsed by cobra. Changed records
// which flags were given explicitly so they can override the config file.
type AppOptions struct {
	ConfigFile string
	FixedFile  string
	MovingFile string

	Transform     string
	Comparer      string
	Sigma2        float64
	MaxIterations int
	Tolerance     float64
	Outliers      float64
	NoNormalize   bool
	Correspond    bool
	Scale         bool
	Reflections   bool
	Beta          float64
	Lambda        float64

	OutFile     string
	GeoJSON     string
	SVG         string
	PNG         string
	QuickLook   string
	ResultCache string
	Metrics     string
	MQTTBroker  string

	LogFormat string
	Verbose   bool

	Changed map[string]bool
}

// Application is the behavior the CLI dispatches to.
type Application interface {
	ApplyOptions(opts AppOptions)
	RunRegister(out io.Writer) error
}

func main() {
	if err := run(os.Args[1:], os.Stdout, NewApp()); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// run executes the command line against app, writing user output to out.
func run(args []string, out io.Writer, app Application) error {
	root := newRootCmd(out, app)
	root.SetArgs(args)
	return root.Execute()
}

func newRootCmd(out io.Writer, app Application) *cobra.Command {
	root := &cobra.Command{
		Use:           "cpdmesh",
		Short:         "Coherent Point Drift point set registration",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(out)
	root.SetErr(out)

	root.AddCommand(newRegisterCmd(app), newVersionCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the cpdmesh version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "cpdmesh version: %s\n", Version)
		},
	}
}

func newRegisterCmd(app Application) *cobra.Command {
	var opts AppOptions

	cmd := &cobra.Command{
		Use:   "register FIXED MOVING",
		Short: "Register the MOVING point cloud onto the FIXED one",
		Long: `Register the MOVING point cloud onto the FIXED one.

Both files hold one point per line with whitespace or comma separated
coordinates. Flags override values from --config.

Examples:
  # Rigid registration with defaults
  cpdmesh register fixed.txt moving.txt

  # Nonrigid registration, writing the aligned points and an overlay
  cpdmesh register --transform nonrigid --beta 2 --lambda 3 \
      --outfile aligned.txt --svg overlay.svg fixed.txt moving.txt`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.FixedFile, opts.MovingFile = args[0], args[1]
			opts.Changed = make(map[string]bool)
			cmd.Flags().Visit(func(f *pflag.Flag) {
				opts.Changed[f.Name] = true
			})
			switch strings.ToLower(opts.LogFormat) {
			case "text", "json":
			default:
				return fmt.Errorf("invalid --log-format %q (must be text or json)", opts.LogFormat)
			}
			app.ApplyOptions(opts)
			return app.RunRegister(cmd.OutOrStdout())
		},
	}

	def := cpd.DefaultConfig()
	f := cmd.Flags()
	f.StringVarP(&opts.ConfigFile, "config", "c", "", "Path to YAML configuration file")
	f.StringVarP(&opts.Transform, "transform", "t", string(cpd.KindRigid), "Transform: rigid, affine or nonrigid")
	f.StringVar(&opts.Comparer, "comparer", def.Comparer, "Comparer: "+strings.Join(cpd.ComparerNames(), ", "))
	f.Float64Var(&opts.Sigma2, "sigma2", def.InitialSigma2, "Initial sigma2 (0 derives it from the data)")
	f.IntVar(&opts.MaxIterations, "max-iterations", def.MaxIterations, "Maximum number of EM iterations")
	f.Float64Var(&opts.Tolerance, "tolerance", def.Tolerance, "Relative likelihood change that ends the run")
	f.Float64VarP(&opts.Outliers, "outliers", "w", def.OutlierWeight, "Outlier weight in [0,1)")
	f.BoolVar(&opts.NoNormalize, "no-normalize", false, "Register in input units without normalization")
	f.BoolVar(&opts.Correspond, "correspondence", def.Correspondence, "Compute the closest fixed point for every aligned point")
	f.BoolVar(&opts.Scale, "scale", false, "Rigid: estimate a uniform scale")
	f.BoolVar(&opts.Reflections, "reflections", false, "Rigid: allow reflections")
	f.Float64Var(&opts.Beta, "beta", cpd.DefaultBeta, "Nonrigid: Gaussian kernel width")
	f.Float64Var(&opts.Lambda, "lambda", cpd.DefaultLambda, "Nonrigid: smoothness weight")
	f.StringVarP(&opts.OutFile, "outfile", "o", "", "Write the aligned points to this file")
	f.StringVar(&opts.GeoJSON, "geojson", "", "Write fixed, moving and aligned clouds as GeoJSON")
	f.StringVar(&opts.SVG, "svg", "", "Write an SVG overlay")
	f.StringVar(&opts.PNG, "png", "", "Write a PNG overlay")
	f.StringVar(&opts.QuickLook, "quicklook", "", "Write a small PNG preview with a legend")
	f.StringVar(&opts.ResultCache, "result-cache", "", "Append the run summary to this JSON cache (bare flag: "+cloud.DefaultResultCachePath+")")
	f.Lookup("result-cache").NoOptDefVal = cloud.DefaultResultCachePath
	f.StringVar(&opts.Metrics, "metrics", "", "Write Prometheus metrics to this textfile")
	f.StringVar(&opts.MQTTBroker, "mqtt", "", "Stream progress to this MQTT broker (e.g. tcp://localhost:1883)")
	f.StringVar(&opts.LogFormat, "log-format", "text", "Log format: text or json")
	f.BoolVarP(&opts.Verbose, "verbose", "v", false, "Log every iteration")
	return cmd
}
