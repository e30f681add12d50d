// Package dataplane moves bytes for started transfers. Tasks go through a bounded worker queue;
// results are reported back into the persisted transfer process rather than to the processor.
package dataplane

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/dataspace-connector/connector/internal/domain/dataplane"
	"github.com/dataspace-connector/connector/internal/faults"
	"github.com/dataspace-connector/connector/internal/retry"
	"github.com/dataspace-connector/connector/internal/worker"
)

// Reporter records the outcome of a data flow on its transfer process. A nil err means the
// copy completed.
type Reporter interface {
	CompleteDataFlow(ctx context.Context, processID string, err error) error
}

// Config sizes the queue and the worker pool.
type Config struct {
	QueueCapacity int
	Workers       int
	Report        retry.Config
}

// Manager executes data plane tasks.
type Manager struct {
	pool     *worker.Pool[dataplane.Task]
	mu       sync.Mutex
	inflight map[string]struct{}
	sources  map[string]dataplane.Source
	sinks    map[string]dataplane.Sink
	reporter Reporter
	report   retry.Config
	logger   zerolog.Logger
}

func NewManager(cfg Config, reg prometheus.Registerer, logger zerolog.Logger) *Manager {
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = 10000
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.Report.MaxAttempts == 0 {
		cfg.Report = retry.DefaultConfig()
	}
	m := &Manager{
		inflight: map[string]struct{}{},
		sources:  map[string]dataplane.Source{},
		sinks:    map[string]dataplane.Sink{},
		report:   cfg.Report,
		logger:   logger.With().Str("component", "dataplane").Logger(),
	}
	m.pool = worker.NewPool(worker.Config{Workers: cfg.Workers, Capacity: cfg.QueueCapacity}, m.process,
		worker.NewMetrics(reg, "connector_dataplane"))
	return m
}

// SetReporter wires the component that persists flow results. It must be called before Start.
func (m *Manager) SetReporter(r Reporter) { m.reporter = r }

func (m *Manager) RegisterSource(s dataplane.Source) { m.sources[s.Type()] = s }

func (m *Manager) RegisterSink(s dataplane.Sink) { m.sinks[s.Type()] = s }

// Source returns the source registered for typ.
func (m *Manager) Source(typ string) (dataplane.Source, bool) {
	s, ok := m.sources[typ]
	return s, ok
}

func (m *Manager) Start(ctx context.Context) error { return m.pool.Start(ctx) }

func (m *Manager) Stop(timeout time.Duration) error { return m.pool.Stop(timeout) }

// Stats exposes queue counters.
func (m *Manager) Stats() worker.Stats { return m.pool.Stats() }

// Submit enqueues task without blocking. A task whose flow is already queued or running is
// accepted without being queued twice. A full queue yields a transient error wrapping
// worker.ErrQueueFull; unknown address types yield a permanent one.
func (m *Manager) Submit(task dataplane.Task) error {
	const op = "dataplane submit"
	if _, ok := m.sources[task.Source.Type]; !ok {
		return faults.NewPermanent(op, fmt.Errorf("%w: source %q", dataplane.ErrUnsupportedType, task.Source.Type))
	}
	if _, ok := m.sinks[task.Destination.Type]; !ok {
		return faults.NewPermanent(op, fmt.Errorf("%w: sink %q", dataplane.ErrUnsupportedType, task.Destination.Type))
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.inflight[task.FlowID]; ok {
		return nil
	}
	if err := m.pool.Submit(task); err != nil {
		return faults.NewTransient(op, err)
	}
	m.inflight[task.FlowID] = struct{}{}
	return nil
}

func (m *Manager) process(ctx context.Context, task dataplane.Task) error {
	log := m.logger.With().Str("flow_id", task.FlowID).Str("source_type", task.Source.Type).Str("sink_type", task.Destination.Type).Logger()
	start := time.Now()
	err := m.copy(ctx, task)
	// The flow stays in flight until its result is reported so a resubmission cannot copy twice.
	defer func() {
		m.mu.Lock()
		delete(m.inflight, task.FlowID)
		m.mu.Unlock()
	}()
	if err != nil {
		log.Error().Err(err).Msg("data flow failed")
	} else {
		log.Info().Dur("duration", time.Since(start)).Msg("data flow completed")
	}

	if m.reporter != nil {
		reportErr := retry.Do(ctx, m.report, func(ctx context.Context) error {
			return m.reporter.CompleteDataFlow(ctx, task.FlowID, err)
		})
		if reportErr != nil {
			log.Error().Err(reportErr).Msg("failed to report data flow result")
		}
	}
	return err
}

func (m *Manager) copy(ctx context.Context, task dataplane.Task) error {
	src := m.sources[task.Source.Type]
	sink := m.sinks[task.Destination.Type]
	r, err := src.Open(ctx, task.Source)
	if err != nil {
		return fmt.Errorf("open source: %w", err)
	}
	defer r.Close()
	if err := sink.Write(ctx, task.Destination, r); err != nil {
		return fmt.Errorf("write sink: %w", err)
	}
	return nil
}
