// Package config loads the effective configuration for the meta-hybrid
// core. Parsing and serialisation of config.toml is nominally an external
// collaborator's concern, but the core still needs a concrete value to
// run against, so this package owns decoding config.toml with sane
// defaults for every field — a missing or unparsable file never fails
// the process: a missing file silently yields the defaults, any other
// read or parse error yields the defaults plus a warning.
package config

import (
	"os"

	"github.com/pelletier/go-toml/v2"

	"github.com/pkczc/meta-hybrid/pkg/hylog"
)

// Config is the effective configuration for a single daemon run.
type Config struct {
	BaseDir       string   `toml:"base_dir" json:"base_dir"`
	ModuleDir     string   `toml:"module_dir" json:"module_dir"`
	ExtraParts    []string `toml:"extra_partitions" json:"extra_partitions"`
	ForceExt4     bool     `toml:"force_ext4" json:"force_ext4"`
	DisableUmount bool     `toml:"disable_umount" json:"disable_umount"`
	EnableNuke    bool     `toml:"enable_nuke" json:"enable_nuke"`
	ImageSize     string   `toml:"image_size" json:"image_size"`

	GranaryMaxBackups    int `toml:"granary_max_backups" json:"granary_max_backups"`
	GranaryRetentionDays int `toml:"granary_retention_days" json:"granary_retention_days"`
	RatoonThreshold      int `toml:"ratoon_threshold" json:"ratoon_threshold"`

	Verbose bool `toml:"verbose" json:"verbose"`
}

// Default returns the configuration used when no config.toml is present
// or it fails to parse.
func Default() Config {
	return Config{
		BaseDir:              "/data/adb/meta-hybrid/",
		ModuleDir:            "/data/adb/modules",
		ExtraParts:           nil,
		ForceExt4:            false,
		DisableUmount:        false,
		EnableNuke:           false,
		ImageSize:            "256M",
		GranaryMaxBackups:    5,
		GranaryRetentionDays: 14,
		RatoonThreshold:      3,
		Verbose:              false,
	}
}

// Load reads config.toml at path, merging onto Default(). A missing file
// returns the defaults without logging; any other I/O or parse error is
// logged as a warning and the defaults are returned — per the spec,
// configuration loading must never fail the process.
func Load(path string) Config {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			hylog.Warningf("reading %s: %v, using defaults", path, err)
		}
		return cfg
	}

	if err := toml.Unmarshal(data, &cfg); err != nil {
		hylog.Warningf("parsing %s: %v, using defaults", path, err)
		return Default()
	}

	return cfg
}
