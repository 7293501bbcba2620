package rastreader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"cloud.google.com/go/storage"
	"github.com/golang/snappy"
	"go.uber.org/zap"
	"golang.org/x/net/context/ctxhttp"
)

const (
	// DefaultProviderHost is the Solar API host that requires an API key.
	DefaultProviderHost = "solar.googleapis.com"

	maxErrorBody = 4 << 10
)

var errFetcherClosed = errors.New("fetcher is closed")

// Fetcher downloads GeoTIFF rasters and returns them with WGS84 bounds.
// The zero value is usable; Logger and Client default to no-op and
// http.DefaultClient.
type Fetcher struct {
	Client       *http.Client
	APIKey       string
	ProviderHost string

	// Timeout bounds a single attempt. Zero means no per-attempt deadline.
	Timeout time.Duration
	// Retries is the number of extra attempts for transient network errors.
	Retries int
	Backoff time.Duration

	Logger *zap.Logger

	gcsOnce sync.Once
	gcs     *storage.Client
	gcsErr  error
}

// NewFetcher returns a Fetcher for the default provider host.
func NewFetcher(apiKey string, logger *zap.Logger) *Fetcher {
	return &Fetcher{
		Client:       http.DefaultClient,
		APIKey:       apiKey,
		ProviderHost: DefaultProviderHost,
		Timeout:      60 * time.Second,
		Retries:      2,
		Backoff:      500 * time.Millisecond,
		Logger:       logger,
	}
}

func (f *Fetcher) logger() *zap.Logger {
	if f.Logger == nil {
		return zap.NewNop()
	}
	return f.Logger
}

// Fetch downloads, decodes and reprojects the raster at rawURL.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (*Raster, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		shown, _, _ := strings.Cut(rawURL, "?")
		return nil, &NetworkError{URL: shown, Err: ScrubURLError(err, shown)}
	}
	shown := redact(u)
	if u.Scheme != "gs" && u.Scheme != "http" && u.Scheme != "https" {
		return nil, &NetworkError{URL: shown, Err: fmt.Errorf("unsupported scheme %q", u.Scheme)}
	}
	log := f.logger().With(zap.String("url", shown))

	var buf []byte
	for attempt := 0; ; attempt++ {
		buf, err = f.get(ctx, u, shown)
		if err == nil {
			break
		}
		if !IsRetryable(err) || attempt >= f.Retries || ctx.Err() != nil {
			return nil, err
		}
		wait := f.Backoff << attempt
		log.Warn("Retrying raster download", zap.Int("attempt", attempt+1), zap.Duration("wait", wait), zap.Error(err))
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return nil, &NetworkError{URL: shown, Err: ctx.Err()}
		}
	}

	if strings.HasSuffix(u.Path, ".snp") {
		if buf, err = snappy.Decode(nil, buf); err != nil {
			return nil, &DecodeError{URL: shown, Err: fmt.Errorf("snappy: %w", err)}
		}
	}

	img, err := Decode(buf)
	if err != nil {
		var derr *DecodeError
		if errors.As(err, &derr) {
			derr.URL = shown
		}
		return nil, err
	}

	p, err := ProjectionFromKeys(img.Keys)
	if err != nil {
		return nil, &ProjectionError{URL: shown, Err: err}
	}
	bounds, err := p.Bounds(img.Native)
	if err != nil {
		var perr *ProjectionError
		if errors.As(err, &perr) {
			perr.URL = shown
		}
		return nil, err
	}

	r := &Raster{
		Width:         img.Width,
		Height:        img.Height,
		Bands:         img.Bands,
		Bounds:        bounds,
		Native:        img.Native,
		Proj4:         p.Proj4,
		BitsPerSample: img.BitsPerSample,
		SampleFormat:  img.SampleFormat,
		NoData:        img.NoData,
	}
	log.Debug("Fetched raster",
		zap.Int("width", r.Width),
		zap.Int("height", r.Height),
		zap.Int("bands", len(r.Bands)),
		zap.Stringer("bounds", r.Bounds))
	return r, nil
}

func (f *Fetcher) get(ctx context.Context, u *url.URL, shown string) ([]byte, error) {
	if f.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.Timeout)
		defer cancel()
	}
	switch u.Scheme {
	case "gs":
		return f.readObject(ctx, u.Host, strings.TrimPrefix(u.Path, "/"), shown)
	case "http", "https":
		return f.httpGet(ctx, f.keyed(u), shown)
	default:
		return nil, &NetworkError{URL: shown, Err: fmt.Errorf("unsupported scheme %q", u.Scheme)}
	}
}

// keyed appends the API key when u points at the provider host.
func (f *Fetcher) keyed(u *url.URL) string {
	host := f.ProviderHost
	if host == "" {
		host = DefaultProviderHost
	}
	if f.APIKey == "" || !strings.EqualFold(u.Hostname(), host) {
		return u.String()
	}
	k := *u
	q := k.Query()
	q.Set("key", f.APIKey)
	k.RawQuery = q.Encode()
	return k.String()
}

func (f *Fetcher) httpGet(ctx context.Context, target, shown string) ([]byte, error) {
	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := ctxhttp.Get(ctx, client, target)
	if err != nil {
		return nil, &NetworkError{URL: shown, Err: ScrubURLError(err, shown)}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &NetworkError{URL: shown, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	buf, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &NetworkError{URL: shown, Err: fmt.Errorf("reading body: %w", err)}
	}
	return buf, nil
}

func (f *Fetcher) readObject(ctx context.Context, bucket, object, shown string) ([]byte, error) {
	f.gcsOnce.Do(func() {
		f.gcs, f.gcsErr = storage.NewClient(context.Background())
	})
	if f.gcsErr != nil {
		return nil, fmt.Errorf("creating storage client: %w", f.gcsErr)
	}
	r, err := f.gcs.Bucket(bucket).Object(object).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) || errors.Is(err, storage.ErrBucketNotExist) {
		return nil, &NetworkError{URL: shown, StatusCode: http.StatusNotFound, Body: err.Error()}
	}
	if err != nil {
		return nil, &NetworkError{URL: shown, Err: fmt.Errorf("creating object reader: %w", err)}
	}
	defer r.Close()
	buf, err := io.ReadAll(r)
	if err != nil {
		return nil, &NetworkError{URL: shown, Err: fmt.Errorf("reading object: %w", err)}
	}
	return buf, nil
}

// Close releases the storage client, if one was created. Later gs:// fetches
// fail.
func (f *Fetcher) Close() error {
	f.gcsOnce.Do(func() { f.gcsErr = errFetcherClosed })
	if f.gcs != nil {
		return f.gcs.Close()
	}
	return nil
}

// ScrubURLError replaces the request URL that net/http embeds in its errors,
// which may carry the API key, with shown.
func ScrubURLError(err error, shown string) error {
	var ue *url.Error
	if errors.As(err, &ue) {
		ue.URL = shown
	}
	return err
}

func redact(u *url.URL) string {
	c := *u
	q := c.Query()
	if q.Has("key") {
		q.Set("key", "REDACTED")
		c.RawQuery = q.Encode()
	}
	return c.String()
}
