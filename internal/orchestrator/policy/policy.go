// Package policy defines configurable policy parameters for dispatcher behavior.
// This centralizes thresholds and intervals so they can be configured and tested.
package policy

import (
	"fmt"
	"time"
)

// Config contains all configurable policy parameters for the dispatcher.
type Config struct {
	// Dispatch policies
	Dispatch DispatchPolicy

	// Role synthesis policies
	Synthesis SynthesisPolicy

	// Loop policies
	Loop LoopPolicy

	// Metrics policies
	Metrics MetricsPolicy

	// Event policies
	Events EventPolicy

	// Message bus policies
	Bus BusPolicy
}

// DispatchPolicy controls how ready tasks are matched to agents.
type DispatchPolicy struct {
	// HighPriorityThreshold is the minimum priority for which a missing agent
	// triggers role synthesis and an ephemeral agent.
	HighPriorityThreshold int

	// Channel is the bus channel dispatch commands are published on.
	Channel string
}

// SynthesisPolicy controls dynamic role generation.
type SynthesisPolicy struct {
	// Model is the completion model asked to define new roles.
	Model string

	// MaxTokens caps the length of one role definition reply.
	MaxTokens int64

	// Timeout bounds one call to the completion service.
	Timeout time.Duration

	// Temperature is passed to the completion service.
	Temperature float64
}

// LoopPolicy controls the periodic dispatch loop.
type LoopPolicy struct {
	// Interval is the delay between dispatch cycles.
	Interval time.Duration

	// CleanupEphemeral removes idle ephemeral agents after each cycle.
	CleanupEphemeral bool
}

// MetricsPolicy controls persisted metric points.
type MetricsPolicy struct {
	// ErrorTruncate is the maximum length of an error tag on a completion metric.
	ErrorTruncate int
}

// EventPolicy controls the event channel.
type EventPolicy struct {
	// BufferSize is the capacity of the event channel.
	BufferSize int

	// SendTimeout is how long an emit waits on a full channel before dropping.
	SendTimeout time.Duration
}

// BusPolicy controls the in-process message bus.
type BusPolicy struct {
	// QueueCapacity bounds each bus queue; the oldest message is dropped
	// when a full queue receives another. Zero means unbounded.
	QueueCapacity int
}

// Default returns the default policy configuration.
func Default() *Config {
	return &Config{
		Dispatch: DispatchPolicy{
			HighPriorityThreshold: 4,
			Channel:               "task-dispatch",
		},
		Synthesis: SynthesisPolicy{
			Model:       "claude-sonnet-4-5-20250929",
			MaxTokens:   2048,
			Timeout:     30 * time.Second,
			Temperature: 0.7,
		},
		Loop: LoopPolicy{
			Interval:         5 * time.Second,
			CleanupEphemeral: true,
		},
		Metrics: MetricsPolicy{
			ErrorTruncate: 100,
		},
		Events: EventPolicy{
			BufferSize:  100,
			SendTimeout: 100 * time.Millisecond,
		},
		Bus: BusPolicy{
			QueueCapacity: 1000,
		},
	}
}

// Validate reports the first value that is out of range. Unset (zero)
// values are not errors; Normalized fills them in.
func (c *Config) Validate() error {
	switch {
	case c.Dispatch.HighPriorityThreshold < 0:
		return fmt.Errorf("dispatch high priority threshold must not be negative, got %d", c.Dispatch.HighPriorityThreshold)
	case c.Synthesis.MaxTokens < 0:
		return fmt.Errorf("synthesis max tokens must not be negative, got %d", c.Synthesis.MaxTokens)
	case c.Synthesis.Timeout < 0:
		return fmt.Errorf("synthesis timeout must not be negative, got %s", c.Synthesis.Timeout)
	case c.Synthesis.Temperature < 0 || c.Synthesis.Temperature > 1:
		return fmt.Errorf("synthesis temperature must be between 0 and 1, got %v", c.Synthesis.Temperature)
	case c.Loop.Interval < 0:
		return fmt.Errorf("loop interval must not be negative, got %s", c.Loop.Interval)
	case c.Metrics.ErrorTruncate < 0:
		return fmt.Errorf("metrics error truncation must not be negative, got %d", c.Metrics.ErrorTruncate)
	case c.Events.BufferSize < 0:
		return fmt.Errorf("event buffer size must not be negative, got %d", c.Events.BufferSize)
	case c.Bus.QueueCapacity < 0:
		return fmt.Errorf("bus queue capacity must not be negative, got %d", c.Bus.QueueCapacity)
	}
	return nil
}

// Normalized returns a copy of c with unset or out-of-range values reset to
// their defaults. c itself is not modified.
func (c *Config) Normalized() *Config {
	n := *c
	d := Default()
	if n.Dispatch.HighPriorityThreshold < 0 {
		n.Dispatch.HighPriorityThreshold = d.Dispatch.HighPriorityThreshold
	}
	if n.Dispatch.Channel == "" {
		n.Dispatch.Channel = d.Dispatch.Channel
	}
	if n.Synthesis.Model == "" {
		n.Synthesis.Model = d.Synthesis.Model
	}
	if n.Synthesis.MaxTokens <= 0 {
		n.Synthesis.MaxTokens = d.Synthesis.MaxTokens
	}
	if n.Synthesis.Timeout <= 0 {
		n.Synthesis.Timeout = d.Synthesis.Timeout
	}
	if n.Synthesis.Temperature < 0 || n.Synthesis.Temperature > 1 {
		n.Synthesis.Temperature = d.Synthesis.Temperature
	}
	if n.Loop.Interval < 10*time.Millisecond {
		n.Loop.Interval = d.Loop.Interval
	}
	if n.Metrics.ErrorTruncate < 1 {
		n.Metrics.ErrorTruncate = d.Metrics.ErrorTruncate
	}
	if n.Events.BufferSize < 1 {
		n.Events.BufferSize = d.Events.BufferSize
	}
	if n.Events.SendTimeout <= 0 {
		n.Events.SendTimeout = d.Events.SendTimeout
	}
	if n.Bus.QueueCapacity < 0 {
		n.Bus.QueueCapacity = d.Bus.QueueCapacity
	}
	return &n
}
