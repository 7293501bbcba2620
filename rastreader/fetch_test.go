package rastreader

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang/snappy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func testFetcher(t *testing.T, srv *httptest.Server) *Fetcher {
	f := NewFetcher("secret", zaptest.NewLogger(t))
	f.Client = srv.Client()
	f.ProviderHost = "127.0.0.1"
	f.Backoff = time.Millisecond
	f.Timeout = 5 * time.Second
	return f
}

func TestFetchAppendsKeyForProvider(t *testing.T) {
	body := newTestTIFF(4, 4, seq(16, 0, 1)).encode(t)
	var gotKey, gotID string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey, gotID = r.URL.Query().Get("key"), r.URL.Query().Get("id")
		w.Write(body)
	}))
	defer srv.Close()

	r, err := testFetcher(t, srv).Fetch(context.Background(), srv.URL+"/v1/geoTiff:get?id=abc")
	require.NoError(t, err)
	assert.Equal(t, "secret", gotKey)
	assert.Equal(t, "abc", gotID)

	require.NoError(t, r.Validate())
	assert.Equal(t, 4, r.Width)
	assert.Equal(t, 4, r.Height)
	assert.True(t, r.Bounds.Valid())
	assert.InDelta(t, -123, r.Bounds.West, 1e-6)
	assert.Equal(t, "+proj=utm +zone=10 +datum=WGS84 +units=m +no_defs", r.Proj4)
}

func TestFetchOmitsKeyForOtherHosts(t *testing.T) {
	body := newTestTIFF(4, 4, seq(16, 0, 1)).encode(t)
	var sawKey bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sawKey = r.URL.Query().Has("key")
		w.Write(body)
	}))
	defer srv.Close()

	f := testFetcher(t, srv)
	f.ProviderHost = DefaultProviderHost
	_, err := f.Fetch(context.Background(), srv.URL+"/mask.tif")
	require.NoError(t, err)
	assert.False(t, sawKey)
}

func TestFetchHTTPError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "API key not valid", http.StatusForbidden)
	}))
	defer srv.Close()

	_, err := testFetcher(t, srv).Fetch(context.Background(), srv.URL+"/dsm.tif")
	var nerr *NetworkError
	require.True(t, errors.As(err, &nerr), "got %T: %v", err, err)
	assert.Equal(t, http.StatusForbidden, nerr.StatusCode)
	assert.Equal(t, "API key not valid", nerr.Body)
	assert.NotContains(t, err.Error(), "secret")
	assert.Equal(t, int32(1), calls.Load(), "client errors are not retried")
}

func TestFetchRetriesTransientErrors(t *testing.T) {
	body := newTestTIFF(4, 4, seq(16, 0, 1)).encode(t)
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write(body)
	}))
	defer srv.Close()

	_, err := testFetcher(t, srv).Fetch(context.Background(), srv.URL+"/rgb.tif")
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
}

func TestFetchGivesUpAfterRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	f := testFetcher(t, srv)
	f.Retries = 2
	_, err := f.Fetch(context.Background(), srv.URL+"/rgb.tif")
	var nerr *NetworkError
	require.True(t, errors.As(err, &nerr))
	assert.Equal(t, http.StatusBadGateway, nerr.StatusCode)
	assert.Equal(t, int32(3), calls.Load())
}

func TestFetchDecodeErrorIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Write([]byte("<html>not a tiff</html>"))
	}))
	defer srv.Close()

	_, err := testFetcher(t, srv).Fetch(context.Background(), srv.URL+"/flux.tif")
	var derr *DecodeError
	require.True(t, errors.As(err, &derr), "got %T: %v", err, err)
	assert.Equal(t, srv.URL+"/flux.tif", derr.URL)
	assert.Equal(t, int32(1), calls.Load())
}

func TestFetchProjectionError(t *testing.T) {
	tt := newTestTIFF(4, 4, seq(16, 0, 1))
	tt.keys = nil
	body := tt.encode(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(body)
	}))
	defer srv.Close()

	_, err := testFetcher(t, srv).Fetch(context.Background(), srv.URL+"/flux.tif")
	var perr *ProjectionError
	require.True(t, errors.As(err, &perr), "got %T: %v", err, err)
	assert.NotEmpty(t, perr.URL)
}

func TestFetchSnappy(t *testing.T) {
	body := snappy.Encode(nil, newTestTIFF(4, 4, seq(16, 0, 1)).encode(t))
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(body)
	}))
	defer srv.Close()

	r, err := testFetcher(t, srv).Fetch(context.Background(), srv.URL+"/mask.tif.snp")
	require.NoError(t, err)
	assert.Equal(t, seq(16, 0, 1), r.Bands[0])
}

func TestFetchCanceled(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := testFetcher(t, srv).Fetch(ctx, srv.URL+"/rgb.tif")
	require.Error(t, err)
	assert.False(t, IsRetryable(err))
	assert.Zero(t, calls.Load())
}

func TestFetchUnsupportedScheme(t *testing.T) {
	_, err := NewFetcher("", nil).Fetch(context.Background(), "ftp://example.com/mask.tif")
	var nerr *NetworkError
	require.True(t, errors.As(err, &nerr))
	assert.Zero(t, nerr.StatusCode)
}

func TestFetchTransportErrorHidesKey(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	f := testFetcher(t, srv)
	f.Retries = 1
	target := srv.URL + "/v1/geoTiff:get?id=abc"
	srv.Close()

	_, err := f.Fetch(context.Background(), target)
	var nerr *NetworkError
	require.True(t, errors.As(err, &nerr), "got %T: %v", err, err)
	assert.Zero(t, nerr.StatusCode)
	assert.NotContains(t, err.Error(), "secret")
	assert.Contains(t, err.Error(), "id=abc")
}

func TestFetchUnparseableURLHidesKey(t *testing.T) {
	_, err := NewFetcher("", nil).Fetch(context.Background(), "https://exa mple.com/x?key=secret")
	require.Error(t, err)
	assert.NotContains(t, err.Error(), "secret")
}

func TestFetchAfterClose(t *testing.T) {
	f := NewFetcher("", nil)
	require.NoError(t, f.Close())
	_, err := f.Fetch(context.Background(), "gs://solar-layers/mask.tif")
	assert.ErrorIs(t, err, errFetcherClosed)
}

func TestRedact(t *testing.T) {
	u, err := url.Parse("https://solar.googleapis.com/v1/geoTiff:get?id=abc&key=secret")
	require.NoError(t, err)
	shown := redact(u)
	assert.NotContains(t, shown, "secret")
	assert.Contains(t, shown, "key=REDACTED")
	assert.Contains(t, shown, "id=abc")
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(&NetworkError{StatusCode: 0}))
	assert.True(t, IsRetryable(&NetworkError{StatusCode: 429}))
	assert.True(t, IsRetryable(&NetworkError{StatusCode: 503}))
	assert.False(t, IsRetryable(&NetworkError{StatusCode: 404}))
	assert.False(t, IsRetryable(&DecodeError{}))
	assert.False(t, IsRetryable(&NetworkError{Err: context.Canceled}))
}
