package pipeline

import (
	"errors"
	"fmt"
	"time"

	"github.com/andresmejia3/meshline/internal/annotator"
	"github.com/andresmejia3/meshline/internal/source"
)

// Tuning holds the timeouts that may change while the pipeline runs.
type Tuning struct {
	DetectorDeadline time.Duration
	StageBudget      time.Duration
	SinkTimeout      time.Duration
}

// Validate checks the timeouts.
func (t Tuning) Validate() error {
	if t.DetectorDeadline <= 0 {
		return fmt.Errorf("detector deadline must be > 0, got %s", t.DetectorDeadline)
	}
	if t.StageBudget <= 0 {
		return fmt.Errorf("stage budget must be > 0, got %s", t.StageBudget)
	}
	if t.SinkTimeout <= 0 {
		return fmt.Errorf("sink timeout must be > 0, got %s", t.SinkTimeout)
	}
	return nil
}

// Config is fixed for the life of a Controller.
type Config struct {
	// Requested is what the source must confirm during Start.
	Requested source.Capabilities
	// QueueCapacity bounds frames waiting between capture and processing.
	QueueCapacity int
	Annotator     annotator.Config
	// StageBudget limits each stage per frame.
	StageBudget time.Duration
	// SinkTimeout is how long a frame may be offered to a sink, blocked or
	// pushing back, before it is dropped.
	SinkTimeout time.Duration
	// SinkRetry is the pause between offers to a sink that pushed back.
	SinkRetry time.Duration
	// EventBuffer sizes the Events channel. Events are dropped when it is
	// full.
	EventBuffer int
}

// DefaultConfig requests face mesh and suits a 30 fps stream.
func DefaultConfig() Config {
	return Config{
		Requested:     source.Capabilities{FaceMesh: true},
		QueueCapacity: 4,
		Annotator:     annotator.DefaultConfig(),
		StageBudget:   30 * time.Millisecond,
		SinkTimeout:   100 * time.Millisecond,
		SinkRetry:     2 * time.Millisecond,
		EventBuffer:   256,
	}
}

// Tuning returns the runtime-adjustable part of c.
func (c Config) Tuning() Tuning {
	return Tuning{
		DetectorDeadline: c.Annotator.Deadline,
		StageBudget:      c.StageBudget,
		SinkTimeout:      c.SinkTimeout,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	var errs []error
	if c.QueueCapacity < 1 {
		errs = append(errs, fmt.Errorf("queue capacity must be >= 1, got %d", c.QueueCapacity))
	}
	if c.SinkRetry <= 0 {
		errs = append(errs, fmt.Errorf("sink retry interval must be > 0, got %s", c.SinkRetry))
	}
	if c.EventBuffer < 0 {
		errs = append(errs, fmt.Errorf("event buffer must be >= 0, got %d", c.EventBuffer))
	}
	if err := c.Annotator.Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := c.Tuning().Validate(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
