package qcache

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v2"
)

// ClientDefaults is the file-loadable shape of the global defaults a Client
// starts with (spec.md §4.11's defaultOptions, the subset that is plain data
// rather than Go funcs). It is merged in ahead of any in-code per-key
// defaults or caller-supplied options, so a value here is the weakest of the
// three layers.
type ClientDefaults struct {
	StaleTime time.Duration `toml:"stale_time" yaml:"stale_time"`
	CacheTime time.Duration `toml:"cache_time" yaml:"cache_time"`

	Retry       int    `toml:"retry" yaml:"retry"`
	RetryDelay  string `toml:"retry_delay" yaml:"retry_delay"`
	NetworkMode string `toml:"network_mode" yaml:"network_mode"`

	RefetchOnWindowFocus bool `toml:"refetch_on_window_focus" yaml:"refetch_on_window_focus"`
	RefetchOnReconnect   bool `toml:"refetch_on_reconnect" yaml:"refetch_on_reconnect"`
	RefetchOnMount       bool `toml:"refetch_on_mount" yaml:"refetch_on_mount"`

	KeepPreviousData bool `toml:"keep_previous_data" yaml:"keep_previous_data"`
}

// LoadDefaults reads a ClientDefaults document from path, dispatching on its
// extension: ".toml" uses BurntSushi/toml, anything else (".yml"/".yaml")
// uses yaml.v2.
func LoadDefaults(path string) (ClientDefaults, error) {
	var cfg ClientDefaults

	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("qcache: reading defaults file %q: %w", path, err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.Decode(string(raw), &cfg); err != nil {
			return cfg, fmt.Errorf("qcache: decoding toml defaults %q: %w", path, err)
		}
	default:
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return cfg, fmt.Errorf("qcache: decoding yaml defaults %q: %w", path, err)
		}
	}

	return cfg, nil
}

// ToObserverOptions converts the loaded, plain-data defaults into the
// ObserverOptions layer a Client actually merges (spec.md §4.11). Func-typed
// fields (Select, OnSuccess, dynamic bool hooks, ...) are necessarily left
// zero; callers wire those in code after loading the file.
func (d ClientDefaults) ToObserverOptions() ObserverOptions {
	retryDelay := parseRetryDelay(d.RetryDelay)
	return ObserverOptions{
		EntryOptions: EntryOptions{
			StaleTime:   d.StaleTime,
			CacheTime:   d.CacheTime,
			Retry:       RetryCount(d.Retry),
			RetryDelay:  retryDelay,
			NetworkMode: parseNetworkMode(d.NetworkMode),
		},
		RefetchOnWindowFocus: RefetchIf(d.RefetchOnWindowFocus),
		RefetchOnReconnect:   RefetchIf(d.RefetchOnReconnect),
		RefetchOnMount:       RefetchIf(d.RefetchOnMount),
		KeepPreviousData:     d.KeepPreviousData,
	}
}

func parseRetryDelay(spec string) RetryDelayFunc {
	if spec == "" {
		return nil
	}
	d, err := time.ParseDuration(spec)
	if err != nil {
		return nil
	}
	return func(attempt int, err error) time.Duration { return d }
}

func parseNetworkMode(s string) NetworkMode {
	switch strings.ToLower(s) {
	case "always":
		return NetworkAlways
	case "offlinefirst", "offline_first":
		return NetworkOfflineFirst
	default:
		return NetworkOnline
	}
}
