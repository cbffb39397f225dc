package run

import (
	"errors"
	"fmt"
	"time"

	"github.com/nebflow/engine/internal/backend"
)

// Config holds the recognized options of one NEB run.
type Config struct {
	// NImages is the total chain length, endpoints included.
	NImages int `yaml:"n_images" json:"n_images"`
	// ForceThreshold is the max effective-force norm (inclusive) that an
	// iteration must reach, twice in a row, to converge the run.
	ForceThreshold float64 `yaml:"force_convergence_threshold" json:"force_convergence_threshold"`
	StallWindow    int     `yaml:"stall_window" json:"stall_window"`
	StallTolerance float64 `yaml:"stall_tolerance" json:"stall_tolerance"`
	MaxIterations  int     `yaml:"max_iterations" json:"max_iterations"`
	// MaxWallclock bounds the whole run; zero disables the bound.
	MaxWallclock     time.Duration `yaml:"max_wallclock" json:"max_wallclock"`
	RetryLimitPerJob int           `yaml:"retry_limit_per_job" json:"retry_limit_per_job"`

	EnableClimbingImage bool `yaml:"enable_climbing_image" json:"enable_climbing_image"`
	// ClimbingTriggerThreshold is the max force below which the highest
	// image switches to climbing, when enabled.
	ClimbingTriggerThreshold float64 `yaml:"climbing_image_trigger_threshold" json:"climbing_image_trigger_threshold"`

	SpringConstant float64 `yaml:"spring_constant" json:"spring_constant"`
	// JobTimeout bounds each submission attempt; zero means no per-job
	// timeout, leaving RetryLimitPerJob and MaxWallclock as the backstops.
	JobTimeout time.Duration `yaml:"job_timeout" json:"job_timeout"`
	// PollInterval is the job polling period; zero selects the engine
	// default.
	PollInterval time.Duration `yaml:"poll_interval" json:"poll_interval"`
	StepSize     float64       `yaml:"step_size" json:"step_size"`
	// RelaxEndpoints runs a geometry relaxation of both endpoints before
	// interpolating the chain.
	RelaxEndpoints bool `yaml:"relax_endpoints" json:"relax_endpoints"`

	// Params are forwarded to every calculation.
	Params backend.Params `yaml:"params" json:"params"`
}

// DefaultConfig returns the engine defaults for a small defect migration run.
func DefaultConfig() Config {
	return Config{
		NImages:                  7,
		ForceThreshold:           0.05,
		StallWindow:              10,
		StallTolerance:           0.02,
		MaxIterations:            200,
		MaxWallclock:             72 * time.Hour,
		RetryLimitPerJob:         2,
		EnableClimbingImage:      true,
		ClimbingTriggerThreshold: 0.5,
		SpringConstant:           5.0,
		JobTimeout:               2 * time.Hour,
		PollInterval:             10 * time.Second,
		StepSize:                 0.05,
	}
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	if c.NImages < 3 {
		return errors.New("n_images must be at least 3")
	}
	if c.ForceThreshold <= 0 {
		return errors.New("force_convergence_threshold must be positive")
	}
	if c.MaxIterations <= 0 {
		return errors.New("max_iterations must be positive")
	}
	if c.RetryLimitPerJob < 0 {
		return errors.New("retry_limit_per_job must not be negative")
	}
	if c.SpringConstant <= 0 {
		return errors.New("spring_constant must be positive")
	}
	if c.StepSize <= 0 {
		return errors.New("step_size must be positive")
	}
	if c.JobTimeout < 0 {
		return errors.New("job_timeout must not be negative")
	}
	if c.PollInterval < 0 {
		return errors.New("poll_interval must not be negative")
	}
	if c.EnableClimbingImage && c.ClimbingTriggerThreshold < c.ForceThreshold {
		return fmt.Errorf("climbing_image_trigger_threshold %v below force threshold %v",
			c.ClimbingTriggerThreshold, c.ForceThreshold)
	}
	return nil
}
