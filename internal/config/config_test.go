package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

const sampleYAML = `
forecast:
  instruments: [AAPL, MSFT]
  history_window: 2160h
models:
  - instrument_id: AAPL
    order: 3
    coefficients: [-0.5, -0.3, -0.2]
    mean_diff_oc: "0.0125"
    sigma2: 0.04
    version: "2024-06"
  - instrument_id: MSFT
    coefficients: [0.1, 0.05]
    sigma2: 0.09
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaultsAndModels(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleYAML))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}

	if cfg.Scheduler.Interval != 24*time.Hour {
		t.Fatalf("expected default 24h interval, got %s", cfg.Scheduler.Interval)
	}
	if cfg.Forecast.HistoryWindow != 2160*time.Hour {
		t.Fatalf("history window not decoded: %s", cfg.Forecast.HistoryWindow)
	}
	if len(cfg.Models) != 2 || len(cfg.Models[0].Coefficients) != 3 {
		t.Fatalf("models not decoded: %+v", cfg.Models)
	}
	if cfg.Models[0].MeanDiffOC != "0.0125" {
		t.Fatalf("mean_diff_oc not decoded: %q", cfg.Models[0].MeanDiffOC)
	}
	if !cfg.HasInstrument("MSFT") || cfg.HasInstrument("TSLA") {
		t.Fatal("instrument lookup mismatch")
	}
}

func TestLoadRejectsInvalidModels(t *testing.T) {
	cases := map[string]string{
		"coefficient out of bounds": `
models:
  - instrument_id: AAPL
    coefficients: [2.5]
`,
		"order mismatch": `
models:
  - instrument_id: AAPL
    order: 2
    coefficients: [0.1]
`,
		"duplicate": `
models:
  - instrument_id: AAPL
    coefficients: [0.1]
  - instrument_id: AAPL
    coefficients: [0.2]
`,
		"bad mean": `
models:
  - instrument_id: AAPL
    coefficients: [0.1]
    mean_diff_oc: "abc"
`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, body)); err == nil {
				t.Fatal("expected config error")
			}
		})
	}
}

func TestValidateSchedulerOffset(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleYAML))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	cfg.Scheduler.Offset = 25 * time.Hour
	if err := cfg.Validate(); err == nil {
		t.Fatal("offset beyond interval should fail")
	}
}

func TestResolveMaxPoints(t *testing.T) {
	cfg := &Config{Export: ExportConfig{MaxDataPoints: 10}}
	if cfg.ResolveMaxPoints(0) != 10 || cfg.ResolveMaxPoints(3) != 3 {
		t.Fatal("unexpected max points resolution")
	}
}
