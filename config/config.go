// Package config loads settings with the precedence
// defaults < config file < environment variables < overrides.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	KeyAPIKey         = "api.key"
	KeyAPIHost        = "api.host"
	KeyAPIBaseURL     = "api.base_url"
	KeyFetchTimeout   = "fetch.timeout"
	KeyFetchRetries   = "fetch.retries"
	KeyFetchBackoff   = "fetch.backoff"
	KeyRequestTimeout = "request.timeout"
	KeyAnnualFluxMax  = "render.annual_flux_max"
	KeyMonthlyFluxMax = "render.monthly_flux_max"
	KeyStyles         = "render.styles"
	KeyServerAddr     = "server.addr"
	KeyServerBuckets  = "server.buckets"
	KeyDebug          = "log.debug"

	envPrefix = "SOLARLAYERS"
)

// Settings is the resolved configuration.
type Settings struct {
	APIKey         string
	APIHost        string
	APIBaseURL     string
	FetchTimeout   time.Duration
	FetchRetries   int
	FetchBackoff   time.Duration
	RequestTimeout time.Duration
	AnnualFluxMax  float64
	MonthlyFluxMax float64
	StylesFile     string
	ServerAddr     string
	// ServerBuckets lists the gs:// buckets the server may read for callers.
	ServerBuckets  []string
	Debug          bool
}

type loadSettings struct {
	path      string
	overrides map[string]any
}

// Option configures Load.
type Option func(*loadSettings)

// WithConfigFile merges a YAML file; a missing file is not an error.
func WithConfigFile(path string) Option {
	return func(s *loadSettings) {
		s.path = path
	}
}

// WithOverrides injects values typically coming from CLI flags.
func WithOverrides(overrides map[string]any) Option {
	return func(s *loadSettings) {
		s.overrides = overrides
	}
}

// Load resolves the settings.
func Load(opts ...Option) (*Settings, error) {
	ls := loadSettings{}
	for _, opt := range opts {
		opt(&ls)
	}

	v := viper.New()
	v.SetConfigType("yaml")
	setDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if err := mergeConfigFile(v, ls.path); err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	for k, val := range ls.overrides {
		v.Set(k, val)
	}

	s := &Settings{
		APIKey:         v.GetString(KeyAPIKey),
		APIHost:        v.GetString(KeyAPIHost),
		APIBaseURL:     v.GetString(KeyAPIBaseURL),
		FetchTimeout:   v.GetDuration(KeyFetchTimeout),
		FetchRetries:   v.GetInt(KeyFetchRetries),
		FetchBackoff:   v.GetDuration(KeyFetchBackoff),
		RequestTimeout: v.GetDuration(KeyRequestTimeout),
		AnnualFluxMax:  v.GetFloat64(KeyAnnualFluxMax),
		MonthlyFluxMax: v.GetFloat64(KeyMonthlyFluxMax),
		StylesFile:     v.GetString(KeyStyles),
		ServerAddr:     v.GetString(KeyServerAddr),
		Debug:          v.GetBool(KeyDebug),
	}
	if buckets := v.GetStringSlice(KeyServerBuckets); len(buckets) > 0 {
		s.ServerBuckets = buckets
	}
	if s.FetchRetries < 0 {
		return nil, fmt.Errorf("%s must not be negative, got %d", KeyFetchRetries, s.FetchRetries)
	}
	if s.AnnualFluxMax <= 0 || s.MonthlyFluxMax <= 0 {
		return nil, fmt.Errorf("flux maxima must be positive, got %v and %v", s.AnnualFluxMax, s.MonthlyFluxMax)
	}
	return s, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault(KeyAPIKey, "")
	v.SetDefault(KeyAPIHost, "solar.googleapis.com")
	v.SetDefault(KeyAPIBaseURL, "https://solar.googleapis.com/v1")
	v.SetDefault(KeyFetchTimeout, 60*time.Second)
	v.SetDefault(KeyFetchRetries, 2)
	v.SetDefault(KeyFetchBackoff, 500*time.Millisecond)
	v.SetDefault(KeyRequestTimeout, 3*time.Minute)
	v.SetDefault(KeyAnnualFluxMax, 1800.0)
	v.SetDefault(KeyMonthlyFluxMax, 200.0)
	v.SetDefault(KeyStyles, "")
	v.SetDefault(KeyServerAddr, ":8080")
	v.SetDefault(KeyDebug, false)
}

func mergeConfigFile(v *viper.Viper, path string) error {
	if strings.TrimSpace(path) == "" {
		return nil
	}
	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("stat %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config path %s is a directory", path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := v.MergeConfig(bytes.NewReader(data)); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}
