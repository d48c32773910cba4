package study

import (
	"os"
	"path/filepath"
	"testing"
)

func TestEnsureDefaults(t *testing.T) {
	var cfg Config
	cfg.ensureDefaults()

	if cfg.Name == "" {
		t.Error("Name not defaulted")
	}
	if cfg.Voxels <= 0 || cfg.Conditions <= 0 || cfg.TimePoints <= 0 || cfg.Runs <= 0 {
		t.Errorf("scenario dimensions not defaulted: %+v", cfg)
	}
	if len(cfg.SNRLevels) == 0 || cfg.Replications <= 0 {
		t.Errorf("sweep not defaulted: %+v", cfg)
	}
	if cfg.Noise.Top <= cfg.Noise.Bot {
		t.Errorf("noise range not defaulted: [%g,%g]", cfg.Noise.Bot, cfg.Noise.Top)
	}
	if cfg.Noise.Offset <= 0 {
		t.Errorf("offset scale not defaulted: %g", cfg.Noise.Offset)
	}
	if cfg.Seed == 0 || cfg.Workers <= 0 {
		t.Errorf("seed/workers not defaulted: seed=%d workers=%d", cfg.Seed, cfg.Workers)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaulted config invalid: %v", err)
	}
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		var cfg Config
		cfg.ensureDefaults()
		return cfg
	}
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"too few time points", func(c *Config) { c.TimePoints = c.Conditions }},
		{"more runs than time points", func(c *Config) { c.Runs = c.TimePoints + 1 }},
		{"non-positive snr level", func(c *Config) { c.SNRLevels = []float64{1, 0} }},
		{"inverted noise range", func(c *Config) { c.Noise.Bot, c.Noise.Top = 2, 1 }},
		{"inverted rho range", func(c *Config) { c.Noise.Rho1Bot, c.Noise.Rho1Top = 0.5, 0.1 }},
		{"rho range outside unit circle", func(c *Config) { c.Noise.Rho1Top = 1 }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := valid()
			tc.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("invalid config accepted")
			}
		})
	}
}

func TestLoadConfig(t *testing.T) {
	content := `
name: smoke
voxels: 8
conditions: 2
time_points: 40
snr_levels: [0.5, 2]
replications: 3
noise:
  bot: 0.4
  top: 1.2
  rho1_top: 0.5
gp:
  spatial_scale: 4
seed: 7
`
	path := filepath.Join(t.TempDir(), "study.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Name != "smoke" || cfg.Voxels != 8 || cfg.TimePoints != 40 {
		t.Errorf("parsed fields wrong: %+v", cfg)
	}
	if len(cfg.SNRLevels) != 2 || cfg.SNRLevels[1] != 2 {
		t.Errorf("snr_levels = %v, want [0.5 2]", cfg.SNRLevels)
	}
	if cfg.Noise.Top != 1.2 || cfg.Noise.Rho1Top != 0.5 {
		t.Errorf("noise config wrong: %+v", cfg.Noise)
	}
	// Unset fields are defaulted.
	if cfg.Runs <= 0 || cfg.Workers <= 0 || cfg.GP.Tau <= 0 {
		t.Errorf("defaults not applied: %+v", cfg)
	}
}

func TestLoadConfigErrors(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("missing file accepted")
	}

	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("voxels: [not an int"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadConfig(path); err == nil {
		t.Error("malformed YAML accepted")
	}

	path = filepath.Join(t.TempDir(), "invalid.yaml")
	if err := os.WriteFile(path, []byte("snr_levels: [-1]\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadConfig(path); err == nil {
		t.Error("invalid config accepted")
	}
}
