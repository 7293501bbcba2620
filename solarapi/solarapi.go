// Package solarapi requests data layer URLs from the Google Solar API.
package solarapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/prl900/solarlayers/layers"
	"github.com/prl900/solarlayers/rastreader"
	"go.uber.org/zap"
	"golang.org/x/net/context/ctxhttp"
)

const DefaultBaseURL = "https://solar.googleapis.com/v1"

// Date is the imagery acquisition date.
type Date struct {
	Year  int `json:"year"`
	Month int `json:"month"`
	Day   int `json:"day"`
}

// DataLayers is the dataLayers:get response.
type DataLayers struct {
	ImageryDate          Date     `json:"imageryDate"`
	ImageryProcessedDate Date     `json:"imageryProcessedDate"`
	DsmURL               string   `json:"dsmUrl"`
	RgbURL               string   `json:"rgbUrl"`
	MaskURL              string   `json:"maskUrl"`
	AnnualFluxURL        string   `json:"annualFluxUrl"`
	MonthlyFluxURL       string   `json:"monthlyFluxUrl"`
	HourlyShadeURLs      []string `json:"hourlyShadeUrls"`
	ImageryQuality       string   `json:"imageryQuality"`
}

// URLs returns the raster locations in the form the layer loader takes.
func (d *DataLayers) URLs() layers.URLs {
	return layers.URLs{
		Mask:        d.MaskURL,
		Dsm:         d.DsmURL,
		Rgb:         d.RgbURL,
		AnnualFlux:  d.AnnualFluxURL,
		MonthlyFlux: d.MonthlyFluxURL,
		HourlyShade: d.HourlyShadeURLs,
	}
}

// ReadDataLayers loads a saved dataLayers:get response.
func ReadDataLayers(fileName string) (*DataLayers, error) {
	bytes, err := os.ReadFile(fileName)
	if err != nil {
		return nil, err
	}
	var d DataLayers
	if err := json.Unmarshal(bytes, &d); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", fileName, err)
	}
	return &d, nil
}

// Request holds the dataLayers:get query around a location.
type Request struct {
	Latitude        float64
	Longitude       float64
	RadiusMeters    float64
	PixelSizeMeters float64
}

// NewRequest fills in the defaults: a 150 m radius at 0.5 m per pixel.
func NewRequest(lat, lng float64) Request {
	return Request{Latitude: lat, Longitude: lng, RadiusMeters: 150, PixelSizeMeters: 0.5}
}

// Client calls the Solar API.
type Client struct {
	HTTP    *http.Client
	BaseURL string
	APIKey  string
	Logger  *zap.Logger
}

// DataLayers requests the full set of layers at HIGH quality.
func (c *Client) DataLayers(ctx context.Context, req Request) (*DataLayers, error) {
	params := url.Values{}
	params.Set("key", c.APIKey)
	params.Set("location.latitude", strconv.FormatFloat(req.Latitude, 'f', -1, 64))
	params.Set("location.longitude", strconv.FormatFloat(req.Longitude, 'f', -1, 64))
	params.Set("radiusMeters", strconv.FormatFloat(req.RadiusMeters, 'f', -1, 64))
	params.Set("view", "FULL_LAYERS")
	params.Set("requiredQuality", "HIGH")
	params.Set("exactQualityRequired", "true")
	params.Set("pixelSizeMeters", strconv.FormatFloat(req.PixelSizeMeters, 'f', -1, 64))

	base := c.BaseURL
	if base == "" {
		base = DefaultBaseURL
	}
	endpoint := strings.TrimRight(base, "/") + "/dataLayers:get"

	client := c.HTTP
	if client == nil {
		client = http.DefaultClient
	}
	if c.Logger != nil {
		c.Logger.Debug("Requesting data layers",
			zap.Float64("lat", req.Latitude),
			zap.Float64("lng", req.Longitude),
			zap.Float64("radius", req.RadiusMeters))
	}
	hreq, err := http.NewRequest(http.MethodGet, endpoint+"?"+params.Encode(), nil)
	if err != nil {
		return nil, rastreader.ScrubURLError(err, endpoint)
	}
	hreq.Header.Set("Accept", "application/json")
	resp, err := ctxhttp.Do(ctx, client, hreq)
	if err != nil {
		return nil, &rastreader.NetworkError{URL: endpoint, Err: rastreader.ScrubURLError(err, endpoint)}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return nil, &rastreader.NetworkError{URL: endpoint, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	var d DataLayers
	if err := json.NewDecoder(resp.Body).Decode(&d); err != nil {
		return nil, fmt.Errorf("decoding dataLayers response: %w", err)
	}
	return &d, nil
}
