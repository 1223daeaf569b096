package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/deniskropp/t170/internal/api"
	"github.com/deniskropp/t170/internal/bus"
	"github.com/deniskropp/t170/internal/config"
	"github.com/deniskropp/t170/internal/ethics"
	"github.com/deniskropp/t170/internal/orchestrator"
	"github.com/deniskropp/t170/internal/roles"
	"github.com/deniskropp/t170/internal/state"
	"github.com/deniskropp/t170/internal/telemetry"
)

// app holds the wired components shared by the commands.
type app struct {
	cfg        *config.Config
	db         *state.DB
	tasks      *orchestrator.TaskManager
	agents     *orchestrator.AgentRegistry
	bus        *bus.Bus
	gate       *ethics.KeywordGate
	dispatcher *orchestrator.Dispatcher
	events     *orchestrator.EventEmitter
	trace      *orchestrator.Trace
	completer  *api.Completer
	shutdown   telemetry.ShutdownFunc
}

// openApp loads configuration and wires every component. withEvents enables
// the dispatch event channel, which must then be drained.
func openApp(withEvents bool) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return newApp(cfg, withEvents)
}

func newApp(cfg *config.Config, withEvents bool) (_ *app, err error) {
	a := &app{cfg: cfg}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	path := cfg.Store.Path
	if path == "" {
		path = state.DefaultDBPath()
	}
	a.db, err = state.OpenWithDriver(path, cfg.Store.Driver)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err = a.db.Migrate(); err != nil {
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	if cfg.Log.DebugFile != "" {
		a.trace, err = orchestrator.OpenTrace(cfg.Log.DebugFile)
		if err != nil {
			return nil, err
		}
		orchestrator.SetTrace(a.trace)
	}

	var metrics *telemetry.Metrics
	if cfg.Telemetry.Enabled {
		a.shutdown, err = telemetry.Init(telemetry.Config{
			Exporter: cfg.Telemetry.Exporter,
			Interval: cfg.Telemetry.Interval,
		})
		if err != nil {
			return nil, err
		}
		metrics, err = telemetry.NewMetrics()
		if err != nil {
			return nil, fmt.Errorf("create metrics: %w", err)
		}
	}

	catalog, err := cfg.Catalog()
	if err != nil {
		return nil, err
	}

	a.gate = ethics.NewKeywordGate(cfg.Ethics.Keywords...)
	if cfg.Ethics.PolicyFile != "" {
		if err = a.gate.LoadPolicy(cfg.Ethics.PolicyFile); err != nil {
			return nil, err
		}
	}

	p := cfg.Policy()
	a.bus = bus.New(
		bus.WithJournal(a.db),
		bus.WithQueueCapacity(p.Bus.QueueCapacity),
		bus.WithFailureHook(func(queue string, _ error) {
			metrics.RecordBusFailure(context.Background(), queue)
		}),
	)

	a.completer, err = createCompleter(cfg, p.Synthesis)
	if err != nil {
		return nil, err
	}
	var completer roles.Completer
	if a.completer != nil {
		completer = a.completer
	} else {
		log.Printf("[roles] no completion service configured; synthesized roles use %s", roles.FallbackRole().Role)
	}

	synth := roles.NewSynthesizer(completer, catalog, roles.SynthesizerConfig{
		Timeout:     p.Synthesis.Timeout,
		Temperature: p.Synthesis.Temperature,
	})

	if withEvents {
		a.events = orchestrator.NewEventEmitter(p.Events.BufferSize, p.Events.SendTimeout)
	}

	a.tasks = orchestrator.NewTaskManager(a.db)
	a.agents = orchestrator.NewAgentRegistry(a.db, catalog)
	a.dispatcher = orchestrator.NewDispatcher(orchestrator.DispatcherDeps{
		Tasks:       a.tasks,
		Agents:      a.agents,
		Gate:        a.gate,
		Synthesizer: synth,
		Bus:         a.bus,
		Metrics:     a.db,
		Telemetry:   metrics,
		Events:      a.events,
	}, p)

	return a, nil
}

// Close releases every resource the app opened.
func (a *app) Close() error {
	if a.events != nil {
		a.events.Close()
	}
	if a.shutdown != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := a.shutdown(ctx); err != nil {
			log.Printf("[telemetry] shutdown: %v", err)
		}
		cancel()
	}
	if a.trace != nil {
		a.trace.Close()
	}
	if a.db != nil {
		return a.db.Close()
	}
	return nil
}
