package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestDefaultTuningConfig(t *testing.T) {
	cfg := DefaultTuningConfig()

	if cfg.NearFieldThreshold == nil || *cfg.NearFieldThreshold != 8.0 {
		t.Errorf("Expected NearFieldThreshold 8.0, got %v", cfg.NearFieldThreshold)
	}
	if cfg.ScanCapacity == nil || *cfg.ScanCapacity != 5000 {
		t.Errorf("Expected ScanCapacity 5000, got %v", cfg.ScanCapacity)
	}
	if cfg.PollInterval == nil || *cfg.PollInterval != "100ms" {
		t.Errorf("Expected PollInterval '100ms', got %v", cfg.PollInterval)
	}

	if cfg.GetLeafSize() != 0.5 {
		t.Errorf("GetLeafSize() = %f, want 0.5", cfg.GetLeafSize())
	}
	if cfg.GetTransformEpsilon() != 0.01 {
		t.Errorf("GetTransformEpsilon() = %f, want 0.01", cfg.GetTransformEpsilon())
	}
	if cfg.GetMaxIterations() != 30 {
		t.Errorf("GetMaxIterations() = %d, want 30", cfg.GetMaxIterations())
	}
	if cfg.GetThrottleStep() != 0.1 || cfg.GetSteerStep() != 0.02 {
		t.Errorf("key steps = (%f, %f), want (0.1, 0.02)", cfg.GetThrottleStep(), cfg.GetSteerStep())
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config failed validation: %v", err)
	}
}

func TestEmptyTuningConfig_GettersReturnDefaults(t *testing.T) {
	empty := EmptyTuningConfig()
	full := DefaultTuningConfig()

	if diff := cmp.Diff(full, DefaultTuningConfig()); diff != "" {
		t.Fatalf("DefaultTuningConfig not deterministic (-want +got):\n%s", diff)
	}
	if empty.GetGridResolution() != full.GetGridResolution() {
		t.Errorf("GetGridResolution mismatch: %f vs %f", empty.GetGridResolution(), full.GetGridResolution())
	}
	if empty.GetPollInterval() != 100*time.Millisecond {
		t.Errorf("GetPollInterval() = %v, want 100ms", empty.GetPollInterval())
	}
	if empty.GetMQTTTopicPrefix() != "pose.report" {
		t.Errorf("GetMQTTTopicPrefix() = %q", empty.GetMQTTTopicPrefix())
	}
	if !empty.GetRecordCycles() {
		t.Error("GetRecordCycles() = false, want true")
	}
}

func TestLoadTuningConfig_JSON(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "test_config.json")

	testJSON := `{
  "near_field_threshold": 4.0,
  "leaf_size": 0.25,
  "max_iterations": 50,
  "poll_interval": "50ms"
}`
	if err := os.WriteFile(configPath, []byte(testJSON), 0644); err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}

	cfg, err := LoadTuningConfig(configPath)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.GetNearFieldThreshold() != 4.0 {
		t.Errorf("GetNearFieldThreshold() = %f, want 4.0", cfg.GetNearFieldThreshold())
	}
	if cfg.GetLeafSize() != 0.25 {
		t.Errorf("GetLeafSize() = %f, want 0.25", cfg.GetLeafSize())
	}
	if cfg.GetMaxIterations() != 50 {
		t.Errorf("GetMaxIterations() = %d, want 50", cfg.GetMaxIterations())
	}
	if cfg.GetPollInterval() != 50*time.Millisecond {
		t.Errorf("GetPollInterval() = %v, want 50ms", cfg.GetPollInterval())
	}
	// Omitted fields fall back to defaults.
	if cfg.GetScanCapacity() != 5000 {
		t.Errorf("GetScanCapacity() = %d, want 5000", cfg.GetScanCapacity())
	}
}

func TestLoadTuningConfig_YAML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "tuning.yaml")

	testYAML := `scan_capacity: 2000
grid_resolution: 2.0
record_cycles: false
mqtt_topic_prefix: garage
`
	if err := os.WriteFile(configPath, []byte(testYAML), 0644); err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}

	cfg, err := LoadTuningConfig(configPath)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}
	if cfg.GetScanCapacity() != 2000 {
		t.Errorf("GetScanCapacity() = %d, want 2000", cfg.GetScanCapacity())
	}
	if cfg.GetGridResolution() != 2.0 {
		t.Errorf("GetGridResolution() = %f, want 2.0", cfg.GetGridResolution())
	}
	if cfg.GetRecordCycles() {
		t.Error("GetRecordCycles() = true, want false")
	}
	if cfg.GetMQTTTopicPrefix() != "garage" {
		t.Errorf("GetMQTTTopicPrefix() = %q, want garage", cfg.GetMQTTTopicPrefix())
	}
}

func TestLoadTuningConfig_Errors(t *testing.T) {
	tmpDir := t.TempDir()

	tests := []struct {
		name    string
		file    string
		content string
		wantErr string
	}{
		{"bad extension", "tuning.txt", "{}", "extension"},
		{"bad json", "bad.json", "{not json", "parse config JSON"},
		{"bad yaml", "bad.yaml", "scan_capacity: [1", "parse config YAML"},
		{"invalid poll", "poll.json", `{"poll_interval": "soon"}`, "poll_interval"},
		{"negative leaf", "leaf.json", `{"leaf_size": -1}`, "leaf_size"},
		{"outlier range", "outlier.json", `{"outlier_ratio": 1.5}`, "outlier_ratio"},
		{"zero capacity", "cap.json", `{"scan_capacity": 0}`, "scan_capacity"},
		{"min cell points", "cell.json", `{"min_points_per_cell": 2}`, "min_points_per_cell"},
		{"negative near field", "near.json", `{"near_field_threshold": -1}`, "0 disables the filter"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(tmpDir, tt.file)
			if err := os.WriteFile(path, []byte(tt.content), 0644); err != nil {
				t.Fatalf("write: %v", err)
			}
			_, err := LoadTuningConfig(path)
			if err == nil {
				t.Fatalf("expected error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %v, want it to contain %q", err, tt.wantErr)
			}
		})
	}

	if _, err := LoadTuningConfig(filepath.Join(tmpDir, "missing.json")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestMustLoadDefaultConfig_MatchesBuiltInDefaults(t *testing.T) {
	cfg := MustLoadDefaultConfig()
	if diff := cmp.Diff(DefaultTuningConfig(), cfg); diff != "" {
		t.Errorf("config/localizer.defaults.json drifted from Get* defaults (-want +got):\n%s", diff)
	}
}
