package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/andresmejia3/meshline/internal/pipeline"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestEmptyConfigUsesDefaults(t *testing.T) {
	cfg := &TuningConfig{}
	def := pipeline.DefaultConfig()

	assert.Equal(t, def, cfg.PipelineConfig())
	assert.Equal(t, def.Annotator.Deadline, cfg.GetDetectorDeadline())
	assert.Equal(t, 1, cfg.GetWorkers())
	assert.Equal(t, "python3", cfg.DetectorConfig().Command)
}

func TestLoadTuningConfig(t *testing.T) {
	path := writeConfig(t, "tuning.json", `{
  "queue_capacity": 8,
  "stage_budget": "15ms",
  "detector_deadline": "80ms",
  "max_in_flight": 2,
  "workers": 3,
  "worker_timeout": "2s",
  "python_command": "/opt/venv/bin/python",
  "grace_period": 10,
  "max_distance": 0.2
}`)

	cfg, err := LoadTuningConfig(path)
	require.NoError(t, err)

	p := cfg.PipelineConfig()
	assert.Equal(t, 8, p.QueueCapacity)
	assert.Equal(t, 15*time.Millisecond, p.StageBudget)
	assert.Equal(t, 80*time.Millisecond, p.Annotator.Deadline)
	assert.Equal(t, 2, p.Annotator.MaxInFlight)
	assert.Equal(t, 10, p.Annotator.Tracker.GracePeriod)
	assert.InDelta(t, 0.2, p.Annotator.Tracker.MaxDistance, 1e-9)
	// Unset fields keep their defaults.
	assert.Equal(t, pipeline.DefaultConfig().SinkTimeout, p.SinkTimeout)
	require.NoError(t, p.Validate())

	d := cfg.DetectorConfig()
	assert.Equal(t, 3, d.Workers)
	assert.Equal(t, 2*time.Second, d.ReadTimeout)
	assert.Equal(t, "/opt/venv/bin/python", d.Command)
}

func TestLoadTuningConfigErrors(t *testing.T) {
	tests := []struct {
		name string
		file string
		body string
	}{
		{"wrong extension", "tuning.yaml", `{}`},
		{"invalid json", "tuning.json", `{"queue_capacity": "four"`},
		{"bad duration", "tuning.json", `{"stage_budget": "soon"}`},
		{"negative duration", "tuning.json", `{"sink_timeout": "-1s"}`},
		{"zero queue", "tuning.json", `{"queue_capacity": 0}`},
		{"zero workers", "tuning.json", `{"workers": 0}`},
		{"negative grace", "tuning.json", `{"grace_period": -1}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadTuningConfig(writeConfig(t, tt.file, tt.body))
			assert.Error(t, err)
		})
	}

	_, err := LoadTuningConfig("/nonexistent/tuning.json")
	assert.Error(t, err)
}
