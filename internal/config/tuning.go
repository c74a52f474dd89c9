package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/andresmejia3/meshline/internal/detector"
	"github.com/andresmejia3/meshline/internal/pipeline"
)

// TuningConfig is the on-disk tuning file. Every field is optional; the
// Get* methods fall back to the pipeline defaults for anything left unset.
type TuningConfig struct {
	// Pipeline
	QueueCapacity *int    `json:"queue_capacity,omitempty"`
	StageBudget   *string `json:"stage_budget,omitempty"` // duration string like "30ms"
	SinkTimeout   *string `json:"sink_timeout,omitempty"`
	SinkRetry     *string `json:"sink_retry,omitempty"`
	EventBuffer   *int    `json:"event_buffer,omitempty"`

	// Detector
	DetectorDeadline *string `json:"detector_deadline,omitempty"`
	DetectorGrace    *string `json:"detector_grace,omitempty"`
	MaxInFlight      *int    `json:"max_in_flight,omitempty"`
	Workers          *int    `json:"workers,omitempty"`
	WorkerTimeout    *string `json:"worker_timeout,omitempty"`
	PythonCommand    *string `json:"python_command,omitempty"`

	// Tracker
	MaxDistance       *float64 `json:"max_distance,omitempty"`
	GracePeriod       *int     `json:"grace_period,omitempty"`
	OrientationWeight *float64 `json:"orientation_weight,omitempty"`
	HistoryLen        *int     `json:"history_len,omitempty"`
}

const maxFileSize = 1 << 20

// LoadTuningConfig reads and validates a tuning file. Fields omitted from
// the file keep their defaults, so partial files are fine.
func LoadTuningConfig(path string) (*TuningConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	info, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if info.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &TuningConfig{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks the fields that are set. The assembled configuration is
// validated again by the pipeline itself.
func (c *TuningConfig) Validate() error {
	durations := []struct {
		name string
		val  *string
	}{
		{"stage_budget", c.StageBudget},
		{"sink_timeout", c.SinkTimeout},
		{"sink_retry", c.SinkRetry},
		{"detector_deadline", c.DetectorDeadline},
		{"detector_grace", c.DetectorGrace},
		{"worker_timeout", c.WorkerTimeout},
	}
	for _, d := range durations {
		if d.val == nil || *d.val == "" {
			continue
		}
		v, err := time.ParseDuration(*d.val)
		if err != nil {
			return fmt.Errorf("invalid %s '%s': %w", d.name, *d.val, err)
		}
		if v < 0 {
			return fmt.Errorf("%s must be non-negative, got %s", d.name, v)
		}
	}

	if c.QueueCapacity != nil && *c.QueueCapacity < 1 {
		return fmt.Errorf("queue_capacity must be at least 1, got %d", *c.QueueCapacity)
	}
	if c.Workers != nil && *c.Workers < 1 {
		return fmt.Errorf("workers must be at least 1, got %d", *c.Workers)
	}
	if c.MaxInFlight != nil && *c.MaxInFlight < 1 {
		return fmt.Errorf("max_in_flight must be at least 1, got %d", *c.MaxInFlight)
	}
	if c.GracePeriod != nil && *c.GracePeriod < 0 {
		return fmt.Errorf("grace_period must be non-negative, got %d", *c.GracePeriod)
	}
	if c.MaxDistance != nil && *c.MaxDistance <= 0 {
		return fmt.Errorf("max_distance must be positive, got %f", *c.MaxDistance)
	}
	return nil
}

func duration(s *string, def time.Duration) time.Duration {
	if s == nil || *s == "" {
		return def
	}
	d, err := time.ParseDuration(*s)
	if err != nil {
		return def
	}
	return d
}

func intOr(v *int, def int) int {
	if v == nil {
		return def
	}
	return *v
}

func floatOr(v *float64, def float64) float64 {
	if v == nil {
		return def
	}
	return *v
}

// GetDetectorDeadline returns how long a frame waits for detector output.
func (c *TuningConfig) GetDetectorDeadline() time.Duration {
	return duration(c.DetectorDeadline, pipeline.DefaultConfig().Annotator.Deadline)
}

// GetStageBudget returns the per-stage time limit.
func (c *TuningConfig) GetStageBudget() time.Duration {
	return duration(c.StageBudget, pipeline.DefaultConfig().StageBudget)
}

// GetSinkTimeout returns how long a frame is offered to a backpressured sink.
func (c *TuningConfig) GetSinkTimeout() time.Duration {
	return duration(c.SinkTimeout, pipeline.DefaultConfig().SinkTimeout)
}

// GetWorkers returns the number of detector worker processes.
func (c *TuningConfig) GetWorkers() int {
	return intOr(c.Workers, detector.DefaultPythonConfig().Workers)
}

// PipelineConfig overlays the file on the pipeline defaults.
func (c *TuningConfig) PipelineConfig() pipeline.Config {
	cfg := pipeline.DefaultConfig()
	cfg.QueueCapacity = intOr(c.QueueCapacity, cfg.QueueCapacity)
	cfg.StageBudget = c.GetStageBudget()
	cfg.SinkTimeout = c.GetSinkTimeout()
	cfg.SinkRetry = duration(c.SinkRetry, cfg.SinkRetry)
	cfg.EventBuffer = intOr(c.EventBuffer, cfg.EventBuffer)

	cfg.Annotator.Deadline = c.GetDetectorDeadline()
	cfg.Annotator.Grace = duration(c.DetectorGrace, cfg.Annotator.Grace)
	cfg.Annotator.MaxInFlight = intOr(c.MaxInFlight, cfg.Annotator.MaxInFlight)

	t := &cfg.Annotator.Tracker
	t.MaxDistance = floatOr(c.MaxDistance, t.MaxDistance)
	t.GracePeriod = intOr(c.GracePeriod, t.GracePeriod)
	t.OrientationWeight = floatOr(c.OrientationWeight, t.OrientationWeight)
	t.HistoryLen = intOr(c.HistoryLen, t.HistoryLen)
	return cfg
}

// DetectorConfig overlays the file on the worker defaults.
func (c *TuningConfig) DetectorConfig() detector.PythonConfig {
	cfg := detector.DefaultPythonConfig()
	cfg.Workers = c.GetWorkers()
	cfg.ReadTimeout = duration(c.WorkerTimeout, cfg.ReadTimeout)
	if c.PythonCommand != nil && *c.PythonCommand != "" {
		cfg.Command = *c.PythonCommand
	}
	return cfg
}
