// Package statemachine drives persisted entities through their states. A Processor polls the
// store for entities in states that have a handler, leases them, runs the handler and persists
// the outcome. Leases taken at the store are the only coordination between replicas.
package statemachine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"github.com/dataspace-connector/connector/internal/clock"
	"github.com/dataspace-connector/connector/internal/domain/entity"
)

// Config tunes one processor.
type Config struct {
	Name          string
	Owner         string
	BatchSize     int
	LeaseDuration time.Duration
	PollInterval  time.Duration
	MaxRetries    int
	Workers       int
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = 20
	}
	if c.LeaseDuration <= 0 {
		c.LeaseDuration = 60 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 7
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	return c
}

type registration[E any] struct {
	query   entity.Query
	handler Handler[E]
}

// Processor runs the state handlers of one entity type.
type Processor[E entity.Entity[E]] struct {
	cfg      Config
	store    entity.Store[E]
	leases   *LeaseManager
	wait     WaitStrategy
	clock    clock.Clock
	metrics  *Metrics
	logger   zerolog.Logger
	handlers []registration[E]
}

func NewProcessor[E entity.Entity[E]](cfg Config, store entity.Store[E], wait WaitStrategy, clk clock.Clock, metrics *Metrics, logger zerolog.Logger) *Processor[E] {
	cfg = cfg.withDefaults()
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	logger = logger.With().Str("component", "statemachine").Str("machine", cfg.Name).Logger()
	return &Processor[E]{
		cfg:     cfg,
		store:   store,
		leases:  NewLeaseManager(store, cfg.Owner, cfg.LeaseDuration, logger),
		wait:    wait,
		clock:   clk,
		metrics: metrics,
		logger:  logger,
	}
}

// Register binds handler to the entities matching q. Registration happens before Run.
func (p *Processor[E]) Register(q entity.Query, handler Handler[E]) {
	p.handlers = append(p.handlers, registration[E]{query: q, handler: handler})
}

// Leases exposes the lease manager so inbound messages can mutate entities under the same owner.
func (p *Processor[E]) Leases() *LeaseManager { return p.leases }

// Run polls until ctx is cancelled. Handlers already running when ctx is cancelled finish
// before Run returns.
func (p *Processor[E]) Run(ctx context.Context) error {
	p.logger.Info().Int("handlers", len(p.handlers)).Dur("poll_interval", p.cfg.PollInterval).Msg("state machine started")
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()
	for {
		if _, err := p.ProcessOnce(ctx); err != nil && ctx.Err() == nil {
			p.logger.Error().Err(err).Msg("processing cycle failed")
		}
		select {
		case <-ctx.Done():
			p.logger.Info().Msg("state machine stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// ProcessOnce runs one cycle over every registered handler and returns how many entities were
// handed to a handler.
func (p *Processor[E]) ProcessOnce(ctx context.Context) (int, error) {
	total := 0
	for _, reg := range p.handlers {
		if ctx.Err() != nil {
			return total, nil
		}
		n, err := p.processQuery(ctx, reg)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func (p *Processor[E]) processQuery(ctx context.Context, reg registration[E]) (int, error) {
	entities, err := p.store.LeaseAndFetch(ctx, reg.query, p.cfg.BatchSize, p.cfg.LeaseDuration, p.cfg.Owner)
	if err != nil {
		return 0, fmt.Errorf("lease and fetch state %d: %w", reg.query.State, err)
	}
	if len(entities) == 0 {
		return 0, nil
	}
	p.metrics.leased.WithLabelValues(p.cfg.Name).Add(float64(len(entities)))

	// In-flight handlers are not cancelled by shutdown.
	runCtx := context.WithoutCancel(ctx)
	var g errgroup.Group
	g.SetLimit(p.cfg.Workers)
	for _, e := range entities {
		g.Go(func() error {
			p.process(runCtx, reg.handler, e)
			return nil
		})
	}
	_ = g.Wait()
	return len(entities), nil
}

func (p *Processor[E]) process(ctx context.Context, handler Handler[E], e E) {
	base := e.Stateful()
	stateName := e.StateName(base.State)
	err := p.leases.Held(ctx, base.ID, func(ctx context.Context) (Disposition, error) {
		ctx, span := startSpan(ctx, p.cfg.Name, stateName, base)
		defer span.End()

		work := e.Clone()
		start := time.Now()
		outcome := p.invoke(ctx, handler, work)
		p.metrics.duration.WithLabelValues(p.cfg.Name, stateName).Observe(time.Since(start).Seconds())

		outcome = p.apply(work, outcome)
		p.metrics.outcomes.WithLabelValues(p.cfg.Name, stateName, outcome.Kind.String()).Inc()
		if outcome.Kind == KindFatal {
			span.SetStatus(codes.Error, outcome.Detail)
		}
		if err := p.store.SaveLeased(ctx, work, p.leases.Owner()); err != nil {
			if errors.Is(err, entity.ErrLeaseNotHeld) {
				// Another owner took the entity over while the handler ran; its state wins.
				p.metrics.stale.WithLabelValues(p.cfg.Name).Inc()
				p.logger.Warn().Str("entity_id", base.ID).Str("state", stateName).Msg("lease lost during handler, result dropped")
				return KeepLease, nil
			}
			return ReleaseLease, fmt.Errorf("save %s: %w", base.ID, err)
		}
		if outcome.Kind == KindDefer {
			return KeepLease, nil
		}
		return ReleaseLease, nil
	})
	if err != nil {
		p.logger.Error().Err(err).Str("entity_id", base.ID).Str("state", stateName).Msg("failed to process entity")
	}
}

func (p *Processor[E]) invoke(ctx context.Context, handler Handler[E], e E) (outcome Outcome) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error().Interface("panic", r).Str("entity_id", e.Stateful().ID).Msg("state handler panicked")
			outcome = Retry(fmt.Errorf("handler panic: %v", r))
		}
	}()
	return handler(ctx, e)
}

// apply records outcome on e and returns the outcome actually applied.
func (p *Processor[E]) apply(e E, outcome Outcome) Outcome {
	base := e.Stateful()
	now := p.clock.Now()
	from := e.StateName(base.State)
	log := p.logger.With().Str("entity_id", base.ID).Str("state", from).Int("state_count", base.StateCount).Logger()

	switch outcome.Kind {
	case KindAdvance:
		if !e.CanTransitionTo(outcome.State) {
			outcome = Fatalf("%s: %s -> %s", entity.ErrInvalidTransition, from, e.StateName(outcome.State))
			break
		}
		base.TransitionTo(outcome.State, now)
		log.Debug().Str("next_state", e.StateName(outcome.State)).Msg("state advanced")
		return outcome
	case KindRetry:
		if base.StateCount+1 < p.cfg.MaxRetries {
			var wait time.Duration
			if p.wait != nil {
				wait = p.wait.Delay(base.StateCount + 1)
			}
			base.RecordAttempt(now, wait)
			log.Warn().Str("reason", outcome.Detail).Msg("state handler will retry")
			return outcome
		}
		outcome = Fatalf("retries exhausted in %s after %d attempts: %s", from, base.StateCount+1, outcome.Detail)
	case KindDefer:
		log.Debug().Msg("state handler deferred")
		return outcome
	}

	target := e.ErrorState()
	base.Fail(target, outcome.Detail, now)
	log.Error().Str("next_state", e.StateName(target)).Str("error_detail", outcome.Detail).Msg("entity failed")
	return Outcome{Kind: KindFatal, State: target, Detail: outcome.Detail}
}
