package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/prl900/solarlayers/config"
	"github.com/prl900/solarlayers/layers"
	"github.com/prl900/solarlayers/rastreader"
	"github.com/prl900/solarlayers/solarapi"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	logger   *zap.Logger
	settings *config.Settings

	cfgFile string
	debug   bool

	dataLayersFile string
	lat, lng       float64
	kindList       string
	outDir         string
	roofOnly       bool
	hour           int
)

var rootCmd = &cobra.Command{
	Use:   "solarlayers",
	Short: "Render Solar API data layers as georeferenced images",
	Long: `solarlayers downloads the GeoTIFF data layers of a building (roof mask,
surface model, imagery, solar flux and shade), reprojects their bounds to
WGS84 and renders them as PNG frames ready to be overlaid on a map.`,
	SilenceUsage:      true,
	PersistentPreRunE: setup,
}

var kindsCmd = &cobra.Command{
	Use:   "kinds",
	Short: "List the supported layer kinds",
	RunE:  listKinds,
}

var renderCmd = &cobra.Command{
	Use:   "render",
	Short: "Fetch and render layers to PNG files",
	Long: `Loads the layer URLs from a saved dataLayers:get response (--datalayers)
or requests them for a location (--lat/--lng), then fetches and renders every
requested kind. A failing kind is reported and the others are still written.`,
	RunE: renderLayers,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve rendered layers over HTTP",
	RunE:  serve,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "solarlayers.yaml", "config file")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")

	renderCmd.Flags().StringVar(&dataLayersFile, "datalayers", "", "saved dataLayers:get JSON response")
	renderCmd.Flags().Float64Var(&lat, "lat", 0, "latitude to request layers for")
	renderCmd.Flags().Float64Var(&lng, "lng", 0, "longitude to request layers for")
	renderCmd.Flags().StringVar(&kindList, "kinds", "rgb,annualFlux", "comma separated layer kinds")
	renderCmd.Flags().StringVar(&outDir, "out", ".", "output directory")
	renderCmd.Flags().BoolVar(&roofOnly, "roof", false, "clip every layer to the roof mask (default depends on the kind)")
	renderCmd.Flags().IntVar(&hour, "hour", -1, "hour index for hourlyShade")

	rootCmd.AddCommand(kindsCmd, renderCmd, serveCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setup(cmd *cobra.Command, _ []string) error {
	overrides := map[string]any{}
	if cmd.Flags().Changed("debug") {
		overrides[config.KeyDebug] = debug
	}
	var err error
	settings, err = config.Load(config.WithConfigFile(cfgFile), config.WithOverrides(overrides))
	if err != nil {
		return err
	}

	zc := zap.NewProductionConfig()
	if settings.Debug {
		zc.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}
	logger, err = zc.Build()
	if err != nil {
		return fmt.Errorf("building logger: %w", err)
	}
	return nil
}

// newLoader wires the fetcher and factory from settings.
func newLoader(s *config.Settings, log *zap.Logger) (*layers.Loader, *rastreader.Fetcher, error) {
	fetcher := rastreader.NewFetcher(s.APIKey, log)
	fetcher.ProviderHost = s.APIHost
	fetcher.Timeout = s.FetchTimeout
	fetcher.Retries = s.FetchRetries
	fetcher.Backoff = s.FetchBackoff

	factory := layers.NewFactory()
	factory.AnnualFluxMax = s.AnnualFluxMax
	factory.MonthlyFluxMax = s.MonthlyFluxMax
	if s.StylesFile != "" {
		styles, err := layers.ReadStyles(s.StylesFile)
		if err != nil {
			return nil, nil, err
		}
		factory.Styles = styles
	}
	return &layers.Loader{
		Fetcher: fetcher,
		Factory: factory,
		Logger:  log,
		Timeout: s.RequestTimeout,
	}, fetcher, nil
}

func listKinds(cmd *cobra.Command, _ []string) error {
	out := cmd.OutOrStdout()
	for _, k := range layers.Kinds {
		fmt.Fprintf(out, "%-12s %s\n", k, k.Abstract())
	}
	return nil
}

func renderLayers(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	kinds, err := layers.ParseKinds(kindList)
	if err != nil {
		return err
	}
	if len(kinds) == 0 {
		kinds = layers.DefaultKinds
	}

	var dl *solarapi.DataLayers
	switch {
	case dataLayersFile != "":
		dl, err = solarapi.ReadDataLayers(dataLayersFile)
	case cmd.Flags().Changed("lat") && cmd.Flags().Changed("lng"):
		client := &solarapi.Client{BaseURL: settings.APIBaseURL, APIKey: settings.APIKey, Logger: logger}
		dl, err = client.DataLayers(ctx, solarapi.NewRequest(lat, lng))
	default:
		return errors.New("either --datalayers or both --lat and --lng are required")
	}
	if err != nil {
		return err
	}

	loader, fetcher, err := newLoader(settings, logger)
	if err != nil {
		return err
	}
	defer fetcher.Close()

	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	var results layers.Results
	for ev := range loader.Stream(ctx, dl.URLs(), kinds) {
		switch ev.Type {
		case layers.EventRasterFetched:
			fmt.Fprintf(out, "fetched %s raster\n", ev.Kind)
		case layers.EventLayerFailed:
			fmt.Fprintf(out, "%s failed: %v\n", ev.Kind, ev.Err)
		case layers.EventDone:
			results = ev.Results
		}
	}

	var failed []string
	for _, kind := range kinds {
		res := results[kind]
		if res.Err != nil {
			failed = append(failed, kind.String())
			continue
		}
		opts := layers.RenderOptions{ShowRoofOnly: kind.RoofOnlyByDefault()}
		if cmd.Flags().Changed("roof") {
			opts.ShowRoofOnly = roofOnly
		}
		if hour >= 0 {
			opts.Hour = &hour
		}
		frames, err := res.Layer.Render(ctx, opts)
		if err != nil {
			logger.Error("Render failed", zap.Stringer("kind", kind), zap.Error(err))
			failed = append(failed, kind.String())
			continue
		}
		for _, f := range frames {
			path := filepath.Join(outDir, fmt.Sprintf("%s_%02d.png", kind, f.Index))
			if err := writePNG(path, f.Image); err != nil {
				return err
			}
		}
		bounds, _ := json.Marshal(res.Layer.Bounds)
		fmt.Fprintf(out, "%s: %d frame(s), bounds %s\n", kind, len(frames), bounds)
		printStats(out, res.Layer.Stats)
	}
	if len(failed) > 0 {
		return fmt.Errorf("%d of %d layers failed: %s", len(failed), len(kinds), strings.Join(failed, ", "))
	}
	return nil
}

func printStats(w io.Writer, s rastreader.Stats) {
	if s.Count == 0 {
		fmt.Fprintln(w, "  no valid samples")
		return
	}
	fmt.Fprintf(w, "  %d samples, min %.2f, max %.2f, mean %.2f\n", s.Count, s.Min, s.Max, s.Mean)
}

func writePNG(path string, img image.Image) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := png.Encode(f, img); err != nil {
		f.Close()
		return fmt.Errorf("encoding %s: %w", path, err)
	}
	return f.Close()
}
