package qcache

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaultsDecodesTOML(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "defaults.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
stale_time = "5m"
cache_time = "1h"
retry = 3
retry_delay = "200ms"
network_mode = "always"
refetch_on_window_focus = true
keep_previous_data = true
`), 0o644))

	cfg, err := LoadDefaults(path)
	require.NoError(t, err)
	assert.Equal(t, 5*time.Minute, cfg.StaleTime)
	assert.Equal(t, time.Hour, cfg.CacheTime)
	assert.Equal(t, 3, cfg.Retry)
	assert.Equal(t, "200ms", cfg.RetryDelay)
	assert.Equal(t, "always", cfg.NetworkMode)
	assert.True(t, cfg.RefetchOnWindowFocus)
	assert.True(t, cfg.KeepPreviousData)
}

func TestLoadDefaultsFallsBackToYAMLForOtherExtensions(t *testing.T) {
	t.Parallel()

	for _, ext := range []string{".yaml", ".yml", ""} {
		ext := ext
		t.Run(ext, func(t *testing.T) {
			t.Parallel()
			path := filepath.Join(t.TempDir(), "defaults"+ext)
			require.NoError(t, os.WriteFile(path, []byte("stale_time: 1m\nretry: 2\nnetwork_mode: offline_first\n"), 0o644))

			cfg, err := LoadDefaults(path)
			require.NoError(t, err)
			assert.Equal(t, time.Minute, cfg.StaleTime)
			assert.Equal(t, 2, cfg.Retry)
			assert.Equal(t, "offline_first", cfg.NetworkMode)
		})
	}
}

func TestLoadDefaultsReturnsErrorForMissingFile(t *testing.T) {
	t.Parallel()

	_, err := LoadDefaults(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)
}

func TestToObserverOptionsTranslatesParsedFields(t *testing.T) {
	t.Parallel()

	d := ClientDefaults{
		StaleTime:            time.Minute,
		CacheTime:            time.Hour,
		Retry:                4,
		RetryDelay:           "500ms",
		NetworkMode:          "offlinefirst",
		KeepPreviousData:     true,
		RefetchOnWindowFocus: true,
	}
	opts := d.ToObserverOptions()

	assert.Equal(t, time.Minute, opts.StaleTime)
	assert.Equal(t, time.Hour, opts.CacheTime)
	assert.Equal(t, NetworkOfflineFirst, opts.NetworkMode)
	assert.True(t, opts.KeepPreviousData)
	require.NotNil(t, opts.RetryDelay)
	assert.Equal(t, 500*time.Millisecond, opts.RetryDelay(1, nil))

	value, always := opts.RefetchOnWindowFocus.evaluate(nil)
	assert.True(t, value)
	assert.False(t, always)
}

func TestParseRetryDelaySilentlySwallowsMalformedDuration(t *testing.T) {
	t.Parallel()

	assert.Nil(t, parseRetryDelay("not-a-duration"), "a malformed duration spec must not produce a usable RetryDelayFunc")
	assert.Nil(t, parseRetryDelay(""), "an empty spec means no override")

	fn := parseRetryDelay("10ms")
	require.NotNil(t, fn)
	assert.Equal(t, 10*time.Millisecond, fn(0, nil))
}

func TestParseNetworkModeDefaultsToOnline(t *testing.T) {
	t.Parallel()

	assert.Equal(t, NetworkAlways, parseNetworkMode("always"))
	assert.Equal(t, NetworkOfflineFirst, parseNetworkMode("offline_first"))
	assert.Equal(t, NetworkOfflineFirst, parseNetworkMode("offlinefirst"))
	assert.Equal(t, NetworkOnline, parseNetworkMode("whatever-else"))
}
