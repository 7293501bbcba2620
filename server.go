package main

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"image/png"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"text/template"

	"github.com/prl900/solarlayers/layers"
	"github.com/prl900/solarlayers/rastreader"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

//go:embed templates/capabilities.tpl
var capabilitiesTpl string

type layerServer struct {
	loader *layers.Loader
	logger *zap.Logger

	// Raster sources callers may name: the provider host over https and
	// the listed storage buckets.
	apiHost string
	buckets map[string]bool
}

func newMux(s *layerServer) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/capabilities", s.capabilities)
	mux.HandleFunc("/layer", s.layer)
	return mux
}

type capability struct {
	Kind     layers.Kind
	Abstract string
	Frames   int
	RoofOnly bool
	Colors   []string
	MinLabel string
	MaxLabel string
}

func (s *layerServer) capabilities(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Content-Type", "text/xml; charset=utf-8")

	caps := make([]capability, 0, len(layers.Kinds))
	for _, k := range layers.Kinds {
		c := capability{Kind: k, Abstract: s.loader.Factory.Abstract(k), Frames: 1, RoofOnly: k.RoofOnlyByDefault()}
		if k == layers.MonthlyFlux {
			c.Frames = 12
		}
		if p := s.loader.Factory.Legend(k); p != nil {
			c.Colors, c.MinLabel, c.MaxLabel = p.Colors, p.MinLabel, p.MaxLabel
		}
		caps = append(caps, c)
	}
	if err := ExecuteWriteTemplate(w, caps, capabilitiesTpl); err != nil {
		s.logger.Error("Writing capabilities", zap.Error(err))
	}
}

// layer serves one frame of a layer as PNG:
//
//	/layer?kind=annualFlux&mask=<url>&data=<url>[&roof=true][&hour=5][&frame=0]
//
// hourlyShade takes one data parameter per month.
func (s *layerServer) layer(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")

	params := r.URL.Query()
	kind, err := layers.ParseKind(params.Get("kind"))
	if err != nil {
		http.Error(w, fmt.Sprintf("Malformed layer request: %v", err), http.StatusBadRequest)
		return
	}
	urls := requestURLs(kind, params.Get("mask"), params["data"])
	for _, u := range append([]string{params.Get("mask")}, params["data"]...) {
		if err := s.checkSource(u); err != nil {
			http.Error(w, fmt.Sprintf("Malformed layer request: %v", err), http.StatusBadRequest)
			return
		}
	}

	opts := layers.RenderOptions{ShowRoofOnly: kind.RoofOnlyByDefault()}
	if v := params.Get("roof"); v != "" {
		if opts.ShowRoofOnly, err = strconv.ParseBool(v); err != nil {
			http.Error(w, fmt.Sprintf("Malformed layer request: %v", err), http.StatusBadRequest)
			return
		}
	}
	if v := params.Get("hour"); v != "" {
		h, err := strconv.Atoi(v)
		if err != nil {
			http.Error(w, fmt.Sprintf("Malformed layer request: %v", err), http.StatusBadRequest)
			return
		}
		opts.Hour = &h
	}
	frame := 0
	if v := params.Get("frame"); v != "" {
		if frame, err = strconv.Atoi(v); err != nil {
			http.Error(w, fmt.Sprintf("Malformed layer request: %v", err), http.StatusBadRequest)
			return
		}
	}

	res := s.loader.Load(r.Context(), urls, []layers.Kind{kind})[kind]
	if res.Err != nil {
		http.Error(w, res.Err.Error(), statusFor(res.Err))
		return
	}
	frames, err := res.Layer.Render(r.Context(), opts)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}
	if frame < 0 || frame >= len(frames) {
		http.Error(w, fmt.Sprintf("frame %d out of range, layer has %d", frame, len(frames)), http.StatusBadRequest)
		return
	}

	bounds, _ := json.Marshal(res.Layer.Bounds)
	w.Header().Set("X-Bounds", string(bounds))
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "public, max-age=3600")
	if err := png.Encode(w, frames[frame].Image); err != nil {
		s.logger.Error("Encoding PNG frame", zap.Stringer("kind", kind), zap.Error(err))
	}
}

// checkSource rejects raster URLs outside the provider host and the
// configured buckets. Empty URLs are left to the loader.
func (s *layerServer) checkSource(raw string) error {
	if raw == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return errors.New("unparseable raster URL")
	}
	switch u.Scheme {
	case "https":
		if s.apiHost != "" && strings.EqualFold(u.Host, s.apiHost) {
			return nil
		}
	case "gs":
		if s.buckets[u.Host] {
			return nil
		}
	}
	return fmt.Errorf("raster source %s://%s is not allowed", u.Scheme, u.Host)
}

func requestURLs(kind layers.Kind, mask string, data []string) layers.URLs {
	urls := layers.URLs{Mask: mask}
	first := ""
	if len(data) > 0 {
		first = data[0]
	}
	switch kind {
	case layers.Dsm:
		urls.Dsm = first
	case layers.Rgb:
		urls.Rgb = first
	case layers.AnnualFlux:
		urls.AnnualFlux = first
	case layers.MonthlyFlux:
		urls.MonthlyFlux = first
	case layers.HourlyShade:
		urls.HourlyShade = data
	}
	return urls
}

func statusFor(err error) int {
	var (
		nerr *rastreader.NetworkError
		derr *rastreader.DecodeError
		perr *rastreader.ProjectionError
		cerr *layers.DomainConfigError
	)
	switch {
	case errors.As(err, &cerr):
		return http.StatusBadRequest
	case errors.As(err, &nerr):
		return http.StatusBadGateway
	case errors.As(err, &derr), errors.As(err, &perr):
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

// ExecuteWriteTemplate renders tplStr with data into w.
func ExecuteWriteTemplate(w io.Writer, data interface{}, tplStr string) error {
	tpl, err := template.New("template").Parse(tplStr)
	if err != nil {
		return fmt.Errorf("Error trying to parse template document: %v", err)
	}
	if err := tpl.Execute(w, data); err != nil {
		return fmt.Errorf("Error executing template: %v", err)
	}
	return nil
}

func serve(cmd *cobra.Command, _ []string) error {
	loader, fetcher, err := newLoader(settings, logger)
	if err != nil {
		return err
	}
	defer fetcher.Close()

	s := &layerServer{loader: loader, logger: logger, apiHost: settings.APIHost, buckets: map[string]bool{}}
	for _, b := range settings.ServerBuckets {
		s.buckets[b] = true
	}
	logger.Info("Serving layers", zap.String("addr", settings.ServerAddr))
	return http.ListenAndServe(settings.ServerAddr, newMux(s))
}
