package orchestrator

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/deniskropp/t170/internal/bus"
	"github.com/deniskropp/t170/pkg/models"
)

// ErrAlreadyRunning is returned by Run when the loop is already active.
var ErrAlreadyRunning = errors.New("dispatcher already running")

// DispatcherStatus is a snapshot of the dispatcher and the state it manages.
type DispatcherStatus struct {
	Running   bool
	Interval  time.Duration
	Cycles    int
	LastCycle time.Time
	Tasks     map[models.TaskStatus]int
	Ready     int
	Agents    *AgentSummary
	Queues    map[string]int
	Failed    int
}

// Run dispatches once immediately and then once per policy interval until
// ctx is cancelled or Stop is called. It returns ctx.Err() on cancellation
// and nil after Stop.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return ErrAlreadyRunning
	}
	d.running = true
	stop := make(chan struct{})
	d.stopCh = stop
	d.mu.Unlock()

	defer func() {
		d.mu.Lock()
		d.running = false
		d.stopCh = nil
		d.mu.Unlock()
	}()

	interval := d.policy.Loop.Interval
	log.Printf("[dispatcher] loop started (interval %s)", interval)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	d.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			log.Printf("[dispatcher] loop cancelled")
			return ctx.Err()
		case <-stop:
			log.Printf("[dispatcher] loop stopped")
			return nil
		case <-ticker.C:
			d.tick(ctx)
		}
	}
}

// Stop ends a running loop. It is a no-op when the loop is not running.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopCh != nil {
		close(d.stopCh)
		d.stopCh = nil
	}
}

// Running reports whether Run is active.
func (d *Dispatcher) Running() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.running
}

func (d *Dispatcher) tick(ctx context.Context) {
	results, err := d.DispatchBatch(ctx)
	if err != nil {
		if ctx.Err() == nil {
			log.Printf("[dispatcher] cycle failed: %v", err)
		}
		return
	}

	assigned := 0
	for _, r := range results {
		if r.Success {
			assigned++
		}
	}
	if len(results) > 0 {
		log.Printf("[dispatcher] cycle: %d results, %d assigned", len(results), assigned)
	}

	if d.policy.Loop.CleanupEphemeral {
		if _, err := d.agents.CleanupEphemeral(); err != nil {
			log.Printf("[dispatcher] ephemeral cleanup: %v", err)
		}
	}
}

// Status reports loop state, task counts, agent summary and bus queue sizes.
func (d *Dispatcher) Status() (*DispatcherStatus, error) {
	d.mu.Lock()
	s := &DispatcherStatus{
		Running:   d.running,
		Interval:  d.policy.Loop.Interval,
		Cycles:    d.cycles,
		LastCycle: d.lastCycle,
	}
	d.mu.Unlock()

	counts, err := d.tasks.CountByStatus()
	if err != nil {
		return nil, err
	}
	s.Tasks = counts

	ready, err := d.tasks.ListReady()
	if err != nil {
		return nil, err
	}
	s.Ready = len(ready)

	agents, err := d.agents.Summary()
	if err != nil {
		return nil, err
	}
	s.Agents = agents

	if d.bus != nil {
		s.Queues = d.bus.QueueSizes()
		s.Failed = d.bus.QueueSize(bus.FailedQueue)
	}
	return s, nil
}
