// Package study runs replication studies over the brsa simulator and
// estimator: repeated simulate-and-fit cycles across a sweep of SNR levels,
// with recovery metrics aggregated per level and optionally persisted to
// SQLite.
package study

import (
	"fmt"
	"os"
	"runtime"

	"gopkg.in/yaml.v3"
)

// Config describes one replication study. Zero values are filled by
// ensureDefaults, so a YAML file only needs the fields it wants to change.
type Config struct {
	// Name identifies the study in logs and in the result store.
	Name string `yaml:"name"`

	// Scenario dimensions.
	Voxels     int `yaml:"voxels"`
	Conditions int `yaml:"conditions"`
	TimePoints int `yaml:"time_points"`
	Runs       int `yaml:"runs"`

	// SNRLevels is the sweep of global SNR multipliers; Replications is
	// the number of simulate-and-fit cycles per level.
	SNRLevels    []float64 `yaml:"snr_levels"`
	Replications int       `yaml:"replications"`

	// Noise configures the simulator's noise process.
	Noise NoiseConfig `yaml:"noise"`

	// GP configures the simulated log-SNR Gaussian process.
	GP GPConfig `yaml:"gp"`

	// NuisanceComponents is passed through to the estimator.
	NuisanceComponents int `yaml:"nuisance_components"`

	// Seed is the master seed; every replication derives its own seed
	// from it. Workers bounds the worker pool (default GOMAXPROCS).
	Seed    uint64 `yaml:"seed"`
	Workers int    `yaml:"workers"`
}

// NoiseConfig mirrors the noise fields of brsa.SimParams.
type NoiseConfig struct {
	Bot     float64 `yaml:"bot"`
	Top     float64 `yaml:"top"`
	Rho1Bot float64 `yaml:"rho1_bot"`
	Rho1Top float64 `yaml:"rho1_top"`
	Width   float64 `yaml:"width"`
	Offset  float64 `yaml:"offset"`
}

// GPConfig mirrors the SNR Gaussian-process fields of brsa.SimParams.
type GPConfig struct {
	Tau            float64 `yaml:"tau"`
	SpatialScale   float64 `yaml:"spatial_scale"`
	IntensityScale float64 `yaml:"intensity_scale"`
}

// DefaultConfig returns a fully defaulted configuration.
func DefaultConfig() Config {
	var cfg Config
	cfg.ensureDefaults()
	return cfg
}

// LoadConfig reads a study configuration from a YAML file and applies
// defaults.
func LoadConfig(path string) (Config, error) {
	var cfg Config
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.ensureDefaults()
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// ensureDefaults fills unset fields with a small but meaningful scenario.
func (c *Config) ensureDefaults() {
	if c.Name == "" {
		c.Name = "brsa-recovery"
	}
	if c.Voxels <= 0 {
		c.Voxels = 16
	}
	if c.Conditions <= 0 {
		c.Conditions = 3
	}
	if c.TimePoints <= 0 {
		c.TimePoints = 120
	}
	if c.Runs <= 0 {
		c.Runs = 2
	}
	if len(c.SNRLevels) == 0 {
		c.SNRLevels = []float64{0.5, 1, 2}
	}
	if c.Replications <= 0 {
		c.Replications = 20
	}
	if c.Noise.Top <= 0 {
		c.Noise.Bot = 0.5
		c.Noise.Top = 1.5
	}
	if c.Noise.Width <= 0 {
		c.Noise.Width = 2
	}
	if c.Noise.Offset <= 0 {
		c.Noise.Offset = 1
	}
	if c.GP.Tau <= 0 {
		c.GP.Tau = 1
	}
	if c.GP.SpatialScale <= 0 {
		c.GP.SpatialScale = 5
	}
	if c.Seed == 0 {
		c.Seed = 42
	}
	if c.Workers <= 0 {
		c.Workers = runtime.GOMAXPROCS(0)
	}
}

// Validate checks the cross-field consistency of the configuration.
func (c *Config) Validate() error {
	if c.TimePoints <= c.Conditions {
		return fmt.Errorf("need more time points (%d) than conditions (%d)", c.TimePoints, c.Conditions)
	}
	if c.Runs > c.TimePoints {
		return fmt.Errorf("more runs (%d) than time points (%d)", c.Runs, c.TimePoints)
	}
	for _, l := range c.SNRLevels {
		if l <= 0 {
			return fmt.Errorf("SNR levels must be positive, got %g", l)
		}
	}
	if c.Noise.Bot > c.Noise.Top {
		return fmt.Errorf("noise range [%g,%g] inverted", c.Noise.Bot, c.Noise.Top)
	}
	if c.Noise.Rho1Bot > c.Noise.Rho1Top {
		return fmt.Errorf("rho1 range [%g,%g] inverted", c.Noise.Rho1Bot, c.Noise.Rho1Top)
	}
	if c.Noise.Rho1Bot <= -1 || c.Noise.Rho1Top >= 1 {
		return fmt.Errorf("rho1 range [%g,%g] must lie inside (-1,1)", c.Noise.Rho1Bot, c.Noise.Rho1Top)
	}
	return nil
}
