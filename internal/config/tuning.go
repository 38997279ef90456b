package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigPath is the path to the canonical tuning defaults file.
// This is the single source of truth for all default tuning values.
const DefaultConfigPath = "config/localizer.defaults.json"

// TuningConfig represents the root configuration for localizer tuning.
// The schema matches the /api/localizer/status "tuning" block so the same
// document can be used for startup configuration and for inspection.
type TuningConfig struct {
	// Scan accumulation
	NearFieldThreshold *float64 `json:"near_field_threshold,omitempty" yaml:"near_field_threshold,omitempty"` // squared range in map units²; 0 disables the filter
	ScanCapacity       *int     `json:"scan_capacity,omitempty" yaml:"scan_capacity,omitempty"`

	// Preprocessing
	LeafSize *float64 `json:"leaf_size,omitempty" yaml:"leaf_size,omitempty"`

	// NDT registration
	TransformEpsilon *float64 `json:"transform_epsilon,omitempty" yaml:"transform_epsilon,omitempty"`
	StepSize         *float64 `json:"step_size,omitempty" yaml:"step_size,omitempty"`
	GridResolution   *float64 `json:"grid_resolution,omitempty" yaml:"grid_resolution,omitempty"`
	MaxIterations    *int     `json:"max_iterations,omitempty" yaml:"max_iterations,omitempty"`
	OutlierRatio     *float64 `json:"outlier_ratio,omitempty" yaml:"outlier_ratio,omitempty"`
	MinPointsPerCell *int     `json:"min_points_per_cell,omitempty" yaml:"min_points_per_cell,omitempty"`

	// Main loop
	PollInterval *string `json:"poll_interval,omitempty" yaml:"poll_interval,omitempty"` // duration string like "100ms"

	// Keyboard control
	ThrottleStep *float64 `json:"throttle_step,omitempty" yaml:"throttle_step,omitempty"`
	SteerStep    *float64 `json:"steer_step,omitempty" yaml:"steer_step,omitempty"`

	// Sinks
	HistorySize       *int    `json:"history_size,omitempty" yaml:"history_size,omitempty"`
	RecordCycles      *bool   `json:"record_cycles,omitempty" yaml:"record_cycles,omitempty"`
	MQTTTopicPrefix   *string `json:"mqtt_topic_prefix,omitempty" yaml:"mqtt_topic_prefix,omitempty"`
	VisualiserQueue   *int    `json:"visualiser_queue,omitempty" yaml:"visualiser_queue,omitempty"`
	SnapshotMapPoints *int    `json:"snapshot_map_points,omitempty" yaml:"snapshot_map_points,omitempty"`
}

// Helper functions to create pointers
func ptrFloat64(v float64) *float64 { return &v }
func ptrBool(v bool) *bool          { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }

// EmptyTuningConfig returns a TuningConfig with all fields set to nil.
// Use LoadTuningConfig to load actual values from the defaults file.
func EmptyTuningConfig() *TuningConfig {
	return &TuningConfig{}
}

// DefaultTuningConfig returns a TuningConfig with every field populated
// from the Get* defaults.
func DefaultTuningConfig() *TuningConfig {
	c := EmptyTuningConfig()
	return &TuningConfig{
		NearFieldThreshold: ptrFloat64(c.GetNearFieldThreshold()),
		ScanCapacity:       ptrInt(c.GetScanCapacity()),
		LeafSize:           ptrFloat64(c.GetLeafSize()),
		TransformEpsilon:   ptrFloat64(c.GetTransformEpsilon()),
		StepSize:           ptrFloat64(c.GetStepSize()),
		GridResolution:     ptrFloat64(c.GetGridResolution()),
		MaxIterations:      ptrInt(c.GetMaxIterations()),
		OutlierRatio:       ptrFloat64(c.GetOutlierRatio()),
		MinPointsPerCell:   ptrInt(c.GetMinPointsPerCell()),
		PollInterval:       ptrString(c.GetPollInterval().String()),
		ThrottleStep:       ptrFloat64(c.GetThrottleStep()),
		SteerStep:          ptrFloat64(c.GetSteerStep()),
		HistorySize:        ptrInt(c.GetHistorySize()),
		RecordCycles:       ptrBool(c.GetRecordCycles()),
		MQTTTopicPrefix:    ptrString(c.GetMQTTTopicPrefix()),
		VisualiserQueue:    ptrInt(c.GetVisualiserQueue()),
		SnapshotMapPoints:  ptrInt(c.GetSnapshotMapPoints()),
	}
}

// LoadTuningConfig loads a TuningConfig from a JSON or YAML file.
// The file is validated to ensure it has a known extension and is under the
// max file size. Fields omitted from the file retain their default values,
// so partial configs are safe.
func LoadTuningConfig(path string) (*TuningConfig, error) {
	cleanPath := filepath.Clean(path)
	ext := filepath.Ext(cleanPath)
	switch ext {
	case ".json", ".yaml", ".yml":
	default:
		return nil, fmt.Errorf("config file must have .json, .yaml or .yml extension, got %q", ext)
	}

	// Check file size for safety (max 1MB)
	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyTuningConfig()
	if ext == ".json" {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config JSON: %w", err)
		}
	} else {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config YAML: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// MustLoadDefaultConfig loads the canonical tuning defaults from DefaultConfigPath.
// It searches for the file in the current directory and common parent directories.
// Panics if the file cannot be loaded, intended for test setup.
func MustLoadDefaultConfig() *TuningConfig {
	candidates := []string{
		DefaultConfigPath,
		"../../" + DefaultConfigPath,       // from internal/config/
		"../../../" + DefaultConfigPath,    // from internal/lidar/pipeline/
		"../../../../" + DefaultConfigPath, // from internal/lidar/storage/sqlite/
	}
	for _, path := range candidates {
		if cfg, err := LoadTuningConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks that the configuration values are valid.
func (c *TuningConfig) Validate() error {
	if c.NearFieldThreshold != nil && *c.NearFieldThreshold < 0 {
		return fmt.Errorf("near_field_threshold must be non-negative (0 disables the filter), got %f", *c.NearFieldThreshold)
	}
	if c.ScanCapacity != nil && *c.ScanCapacity <= 0 {
		return fmt.Errorf("scan_capacity must be positive, got %d", *c.ScanCapacity)
	}
	if c.LeafSize != nil && *c.LeafSize < 0 {
		return fmt.Errorf("leaf_size must be non-negative, got %f", *c.LeafSize)
	}
	if c.TransformEpsilon != nil && *c.TransformEpsilon <= 0 {
		return fmt.Errorf("transform_epsilon must be positive, got %f", *c.TransformEpsilon)
	}
	if c.StepSize != nil && *c.StepSize <= 0 {
		return fmt.Errorf("step_size must be positive, got %f", *c.StepSize)
	}
	if c.GridResolution != nil && *c.GridResolution <= 0 {
		return fmt.Errorf("grid_resolution must be positive, got %f", *c.GridResolution)
	}
	if c.MaxIterations != nil && *c.MaxIterations <= 0 {
		return fmt.Errorf("max_iterations must be positive, got %d", *c.MaxIterations)
	}
	if c.OutlierRatio != nil && (*c.OutlierRatio <= 0 || *c.OutlierRatio >= 1) {
		return fmt.Errorf("outlier_ratio must be between 0 and 1 (exclusive), got %f", *c.OutlierRatio)
	}
	if c.MinPointsPerCell != nil && *c.MinPointsPerCell < 3 {
		return fmt.Errorf("min_points_per_cell must be at least 3, got %d", *c.MinPointsPerCell)
	}

	if c.PollInterval != nil && *c.PollInterval != "" {
		d, err := time.ParseDuration(*c.PollInterval)
		if err != nil {
			return fmt.Errorf("invalid poll_interval '%s': %w", *c.PollInterval, err)
		}
		if d <= 0 {
			return fmt.Errorf("poll_interval must be positive, got %s", d)
		}
	}

	if c.ThrottleStep != nil && (*c.ThrottleStep <= 0 || *c.ThrottleStep > 1) {
		return fmt.Errorf("throttle_step must be in (0, 1], got %f", *c.ThrottleStep)
	}
	if c.SteerStep != nil && (*c.SteerStep <= 0 || *c.SteerStep > 1) {
		return fmt.Errorf("steer_step must be in (0, 1], got %f", *c.SteerStep)
	}
	if c.HistorySize != nil && *c.HistorySize < 0 {
		return fmt.Errorf("history_size must be non-negative, got %d", *c.HistorySize)
	}
	if c.VisualiserQueue != nil && *c.VisualiserQueue <= 0 {
		return fmt.Errorf("visualiser_queue must be positive, got %d", *c.VisualiserQueue)
	}
	if c.SnapshotMapPoints != nil && *c.SnapshotMapPoints < 0 {
		return fmt.Errorf("snapshot_map_points must be non-negative, got %d", *c.SnapshotMapPoints)
	}

	return nil
}

// GetNearFieldThreshold returns the squared range at or below which detections
// are discarded as self-returns. Zero means no detection is discarded.
func (c *TuningConfig) GetNearFieldThreshold() float64 {
	if c.NearFieldThreshold == nil {
		return 8.0 // default
	}
	return *c.NearFieldThreshold
}

// GetScanCapacity returns the point count above which a scan is complete.
func (c *TuningConfig) GetScanCapacity() int {
	if c.ScanCapacity == nil {
		return 5000 // default
	}
	return *c.ScanCapacity
}

// GetLeafSize returns the voxel downsample leaf size.
func (c *TuningConfig) GetLeafSize() float64 {
	if c.LeafSize == nil {
		return 0.5 // default
	}
	return *c.LeafSize
}

// GetTransformEpsilon returns the NDT step length below which registration
// is considered converged.
func (c *TuningConfig) GetTransformEpsilon() float64 {
	if c.TransformEpsilon == nil {
		return 0.01 // default
	}
	return *c.TransformEpsilon
}

// GetStepSize returns the maximum More–Thuente step length.
func (c *TuningConfig) GetStepSize() float64 {
	if c.StepSize == nil {
		return 1.0 // default
	}
	return *c.StepSize
}

// GetGridResolution returns the NDT voxel side length.
func (c *TuningConfig) GetGridResolution() float64 {
	if c.GridResolution == nil {
		return 1.0 // default
	}
	return *c.GridResolution
}

// GetMaxIterations returns the NDT iteration cap.
func (c *TuningConfig) GetMaxIterations() int {
	if c.MaxIterations == nil {
		return 30 // default
	}
	return *c.MaxIterations
}

// GetOutlierRatio returns the NDT outlier mixture ratio.
func (c *TuningConfig) GetOutlierRatio() float64 {
	if c.OutlierRatio == nil {
		return 0.55 // default
	}
	return *c.OutlierRatio
}

// GetMinPointsPerCell returns the minimum map points for a voxel to carry a
// Gaussian.
func (c *TuningConfig) GetMinPointsPerCell() int {
	if c.MinPointsPerCell == nil {
		return 6 // default
	}
	return *c.MinPointsPerCell
}

// GetPollInterval parses and returns the main loop poll interval.
func (c *TuningConfig) GetPollInterval() time.Duration {
	if c.PollInterval == nil || *c.PollInterval == "" {
		return 100 * time.Millisecond // default
	}
	d, err := time.ParseDuration(*c.PollInterval)
	if err != nil {
		return 100 * time.Millisecond // default on parse error
	}
	return d
}

// GetThrottleStep returns the throttle delta for one key press.
func (c *TuningConfig) GetThrottleStep() float64 {
	if c.ThrottleStep == nil {
		return 0.1 // default
	}
	return *c.ThrottleStep
}

// GetSteerStep returns the steer delta for one key press.
func (c *TuningConfig) GetSteerStep() float64 {
	if c.SteerStep == nil {
		return 0.02 // default
	}
	return *c.SteerStep
}

// GetHistorySize returns how many cycle results the monitor keeps in memory.
func (c *TuningConfig) GetHistorySize() int {
	if c.HistorySize == nil {
		return 600 // default
	}
	return *c.HistorySize
}

// GetRecordCycles returns whether per-cycle rows are written to the database.
func (c *TuningConfig) GetRecordCycles() bool {
	if c.RecordCycles == nil {
		return true // default
	}
	return *c.RecordCycles
}

// GetMQTTTopicPrefix returns the MQTT topic prefix for pose telemetry.
func (c *TuningConfig) GetMQTTTopicPrefix() string {
	if c.MQTTTopicPrefix == nil || *c.MQTTTopicPrefix == "" {
		return "pose.report" // default
	}
	return *c.MQTTTopicPrefix
}

// GetVisualiserQueue returns the gRPC publisher frame queue depth.
func (c *TuningConfig) GetVisualiserQueue() int {
	if c.VisualiserQueue == nil {
		return 100 // default
	}
	return *c.VisualiserQueue
}

// GetSnapshotMapPoints returns the cap on map points drawn in scene views.
// Zero disables the cap.
func (c *TuningConfig) GetSnapshotMapPoints() int {
	if c.SnapshotMapPoints == nil {
		return 20000 // default
	}
	return *c.SnapshotMapPoints
}
