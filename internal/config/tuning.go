package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// DefaultConfigPath is the path to the canonical tuning defaults file.
// This is the single source of truth for all default tuning values.
const DefaultConfigPath = "config/tuning.defaults.json"

// TuningConfig represents the root configuration for tuning parameters.
// The schema matches the /api/status "tuning" block so the same JSON can be
// inspected at runtime and fed back in at startup.
type TuningConfig struct {
	// Loop params
	LoopRateHz *float64 `json:"loop_rate_hz,omitempty"`
	MaxUsers   *int     `json:"max_users,omitempty"`

	// Lock params
	AbandonAfter       *string  `json:"abandon_after,omitempty"` // duration string like "3s"
	ProximityThreshold *float64 `json:"proximity_threshold_m,omitempty"`

	// Validity policy
	MinConfidence *float64 `json:"min_confidence,omitempty"`
	CoMRule       *string  `json:"com_rule,omitempty"` // any_axis_zero | all_axes_zero

	// Estimator params
	ProcessNoisePos  *float64 `json:"process_noise_pos,omitempty"`
	ProcessNoiseVel  *float64 `json:"process_noise_vel,omitempty"`
	MeasurementNoise *float64 `json:"measurement_noise,omitempty"`
	InitialErrorCov  *float64 `json:"initial_error_cov,omitempty"`
	MinDT            *float64 `json:"min_dt,omitempty"` // seconds
	MaxDT            *float64 `json:"max_dt,omitempty"` // seconds

	// Frames and publication
	CameraFrameID    *string `json:"camera_frame_id,omitempty"`
	ReferenceFrameID *string `json:"reference_frame_id,omitempty"`
	PublishAllJoints *bool   `json:"publish_all_joints,omitempty"`
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

// DefaultTuningConfig returns a TuningConfig with every field set to its
// built-in default. It mirrors config/tuning.defaults.json.
func DefaultTuningConfig() *TuningConfig {
	e := EmptyTuningConfig()
	return &TuningConfig{
		LoopRateHz:         ptrFloat64(e.GetLoopRateHz()),
		MaxUsers:           ptrInt(e.GetMaxUsers()),
		AbandonAfter:       ptrString(e.GetAbandonAfter().String()),
		ProximityThreshold: ptrFloat64(e.GetProximityThreshold()),
		MinConfidence:      ptrFloat64(e.GetMinConfidence()),
		CoMRule:            ptrString(e.GetCoMRule()),
		ProcessNoisePos:    ptrFloat64(e.GetProcessNoisePos()),
		ProcessNoiseVel:    ptrFloat64(e.GetProcessNoiseVel()),
		MeasurementNoise:   ptrFloat64(e.GetMeasurementNoise()),
		InitialErrorCov:    ptrFloat64(e.GetInitialErrorCov()),
		MinDT:              ptrFloat64(e.GetMinDT()),
		MaxDT:              ptrFloat64(e.GetMaxDT()),
		CameraFrameID:      ptrString(e.GetCameraFrameID()),
		ReferenceFrameID:   ptrString(e.GetReferenceFrameID()),
		PublishAllJoints:   ptrBool(e.GetPublishAllJoints()),
	}
}

// LoadTuningConfig loads a TuningConfig from a JSON file.
// The file is validated to ensure it has a .json extension and is under the max file size.
// Fields omitted from the JSON file fall back to the Get* defaults, so
// partial configs are safe.
func LoadTuningConfig(path string) (*TuningConfig, error) {
	// Validate the config file path.
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
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
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
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
		"../" + DefaultConfigPath,
		"../../" + DefaultConfigPath, // from internal/<pkg>/
		"../../../" + DefaultConfigPath,
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
	if c.LoopRateHz != nil && (*c.LoopRateHz <= 0 || *c.LoopRateHz > 1000) {
		return fmt.Errorf("loop_rate_hz must be in (0, 1000], got %f", *c.LoopRateHz)
	}
	if c.MaxUsers != nil && *c.MaxUsers < 1 {
		return fmt.Errorf("max_users must be at least 1, got %d", *c.MaxUsers)
	}
	if c.AbandonAfter != nil && *c.AbandonAfter != "" {
		d, err := time.ParseDuration(*c.AbandonAfter)
		if err != nil {
			return fmt.Errorf("invalid abandon_after '%s': %w", *c.AbandonAfter, err)
		}
		if d <= 0 {
			return fmt.Errorf("abandon_after must be positive, got %s", d)
		}
	}
	if c.ProximityThreshold != nil && *c.ProximityThreshold <= 0 {
		return fmt.Errorf("proximity_threshold_m must be positive, got %f", *c.ProximityThreshold)
	}
	if c.MinConfidence != nil && (*c.MinConfidence < 0 || *c.MinConfidence > 1) {
		return fmt.Errorf("min_confidence must be between 0 and 1, got %f", *c.MinConfidence)
	}
	if c.CoMRule != nil {
		switch *c.CoMRule {
		case "", "any_axis_zero", "all_axes_zero":
		default:
			return fmt.Errorf("com_rule must be any_axis_zero or all_axes_zero, got %q", *c.CoMRule)
		}
	}
	for name, v := range map[string]*float64{
		"process_noise_pos": c.ProcessNoisePos,
		"process_noise_vel": c.ProcessNoiseVel,
		"measurement_noise": c.MeasurementNoise,
		"initial_error_cov": c.InitialErrorCov,
		"min_dt":            c.MinDT,
	} {
		if v != nil && *v <= 0 {
			return fmt.Errorf("%s must be positive, got %g", name, *v)
		}
	}
	if c.GetMaxDT() < c.GetMinDT() {
		return fmt.Errorf("max_dt (%g) must not be below min_dt (%g)", c.GetMaxDT(), c.GetMinDT())
	}
	if c.CameraFrameID != nil && *c.CameraFrameID == "" {
		return fmt.Errorf("camera_frame_id must not be empty")
	}
	if c.ReferenceFrameID != nil && *c.ReferenceFrameID == "" {
		return fmt.Errorf("reference_frame_id must not be empty")
	}
	return nil
}

// GetLoopRateHz returns the loop_rate_hz value or the default.
func (c *TuningConfig) GetLoopRateHz() float64 {
	if c.LoopRateHz == nil {
		return 30.0
	}
	return *c.LoopRateHz
}

// GetLoopInterval returns the cycle period implied by loop_rate_hz.
func (c *TuningConfig) GetLoopInterval() time.Duration {
	return time.Duration(float64(time.Second) / c.GetLoopRateHz())
}

// GetMaxUsers returns the max_users value or the default.
func (c *TuningConfig) GetMaxUsers() int {
	if c.MaxUsers == nil {
		return 15
	}
	return *c.MaxUsers
}

// GetAbandonAfter parses and returns AbandonAfter as a time.Duration.
func (c *TuningConfig) GetAbandonAfter() time.Duration {
	if c.AbandonAfter == nil || *c.AbandonAfter == "" {
		return 3 * time.Second // default
	}
	d, err := time.ParseDuration(*c.AbandonAfter)
	if err != nil {
		return 3 * time.Second // default on parse error
	}
	return d
}

// GetProximityThreshold returns the proximity_threshold_m value or the default.
func (c *TuningConfig) GetProximityThreshold() float64 {
	if c.ProximityThreshold == nil {
		return 0.8
	}
	return *c.ProximityThreshold
}

// GetMinConfidence returns the min_confidence value or the default.
func (c *TuningConfig) GetMinConfidence() float64 {
	if c.MinConfidence == nil {
		return 1.0 // full confidence
	}
	return *c.MinConfidence
}

// GetCoMRule returns the com_rule value or the default.
func (c *TuningConfig) GetCoMRule() string {
	if c.CoMRule == nil || *c.CoMRule == "" {
		return "any_axis_zero"
	}
	return *c.CoMRule
}

// GetProcessNoisePos returns the process_noise_pos value or the default.
func (c *TuningConfig) GetProcessNoisePos() float64 {
	if c.ProcessNoisePos == nil {
		return 1e-2
	}
	return *c.ProcessNoisePos
}

// GetProcessNoiseVel returns the process_noise_vel value or the default.
func (c *TuningConfig) GetProcessNoiseVel() float64 {
	if c.ProcessNoiseVel == nil {
		return 1e1
	}
	return *c.ProcessNoiseVel
}

// GetMeasurementNoise returns the measurement_noise value or the default.
func (c *TuningConfig) GetMeasurementNoise() float64 {
	if c.MeasurementNoise == nil {
		return 1e-2
	}
	return *c.MeasurementNoise
}

// GetInitialErrorCov returns the initial_error_cov value or the default.
func (c *TuningConfig) GetInitialErrorCov() float64 {
	if c.InitialErrorCov == nil {
		return 1e-1
	}
	return *c.InitialErrorCov
}

// GetMinDT returns the min_dt value or the default.
func (c *TuningConfig) GetMinDT() float64 {
	if c.MinDT == nil {
		return 0.001
	}
	return *c.MinDT
}

// GetMaxDT returns the max_dt value or the default.
func (c *TuningConfig) GetMaxDT() float64 {
	if c.MaxDT == nil {
		return 1.0
	}
	return *c.MaxDT
}

// GetCameraFrameID returns the camera_frame_id value or the default.
func (c *TuningConfig) GetCameraFrameID() string {
	if c.CameraFrameID == nil {
		return "camera_depth_frame"
	}
	return *c.CameraFrameID
}

// GetReferenceFrameID returns the reference_frame_id value or the default.
func (c *TuningConfig) GetReferenceFrameID() string {
	if c.ReferenceFrameID == nil {
		return "map"
	}
	return *c.ReferenceFrameID
}

// GetPublishAllJoints returns the publish_all_joints value or the default.
func (c *TuningConfig) GetPublishAllJoints() bool {
	if c.PublishAllJoints == nil {
		return false
	}
	return *c.PublishAllJoints
}
