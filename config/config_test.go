package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	s, err := Load()
	require.NoError(t, err)

	want := &Settings{
		APIHost:        "solar.googleapis.com",
		APIBaseURL:     "https://solar.googleapis.com/v1",
		FetchTimeout:   60 * time.Second,
		FetchRetries:   2,
		FetchBackoff:   500 * time.Millisecond,
		RequestTimeout: 3 * time.Minute,
		AnnualFluxMax:  1800,
		MonthlyFluxMax: 200,
		ServerAddr:     ":8080",
	}
	if diff := cmp.Diff(want, s); diff != "" {
		t.Errorf("settings mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadPrecedence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "solarlayers.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
api:
  key: from-file
fetch:
  timeout: 10s
  retries: 5
render:
  annual_flux_max: 1500
server:
  addr: ":9090"
  buckets: [solar-layers, solar-archive]
`), 0o644))
	t.Setenv("SOLARLAYERS_FETCH_RETRIES", "4")
	t.Setenv("SOLARLAYERS_API_KEY", "from-env")

	s, err := Load(
		WithConfigFile(path),
		WithOverrides(map[string]any{KeyServerAddr: ":7070", KeyDebug: true}),
	)
	require.NoError(t, err)
	assert.Equal(t, "from-env", s.APIKey)
	assert.Equal(t, 10*time.Second, s.FetchTimeout)
	assert.Equal(t, 4, s.FetchRetries)
	assert.Equal(t, 1500.0, s.AnnualFluxMax)
	assert.Equal(t, 200.0, s.MonthlyFluxMax)
	assert.Equal(t, ":7070", s.ServerAddr)
	assert.Equal(t, []string{"solar-layers", "solar-archive"}, s.ServerBuckets)
	assert.True(t, s.Debug)
}

func TestLoadMissingOrEmptyFile(t *testing.T) {
	dir := t.TempDir()
	_, err := Load(WithConfigFile(filepath.Join(dir, "absent.yaml")))
	require.NoError(t, err)

	empty := filepath.Join(dir, "empty.yaml")
	require.NoError(t, os.WriteFile(empty, []byte("  \n"), 0o644))
	_, err = Load(WithConfigFile(empty))
	require.NoError(t, err)

	_, err = Load(WithConfigFile(dir))
	assert.Error(t, err)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("fetch: [unclosed\n"), 0o644))
	_, err := Load(WithConfigFile(path))
	assert.Error(t, err)

	_, err = Load(WithOverrides(map[string]any{KeyFetchRetries: -1}))
	assert.Error(t, err)

	_, err = Load(WithOverrides(map[string]any{KeyMonthlyFluxMax: 0}))
	assert.Error(t, err)
}
