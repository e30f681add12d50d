// Package worker provides a bounded queue drained by a fixed number of goroutines. Submit never
// blocks: a full queue rejects the item so producers can back off.
package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Config sizes a pool.
type Config struct {
	Workers  int
	Capacity int
}

type lifecycle int

const (
	idle lifecycle = iota
	running
	stopped
)

// Pool hands queued items of type T to handle.
type Pool[T any] struct {
	workers int
	handle  func(context.Context, T) error
	queue   chan T
	metrics *Metrics

	mu     sync.Mutex
	state  lifecycle
	wg     sync.WaitGroup
	cancel context.CancelFunc

	submitted atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64
}

// Metrics are the Prometheus collectors of one pool.
type Metrics struct {
	queueDepth prometheus.Gauge
	dropped    prometheus.Counter
	handled    *prometheus.CounterVec
	duration   prometheus.Histogram
}

// NewMetrics creates collectors named prefix_* and registers them with reg when reg is not nil.
func NewMetrics(reg prometheus.Registerer, prefix string) *Metrics {
	m := &Metrics{
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: prefix + "_queue_depth",
			Help: "Items waiting in the queue",
		}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: prefix + "_dropped_total",
			Help: "Items rejected because the queue was full",
		}),
		handled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: prefix + "_handled_total",
			Help: "Items taken off the queue, by outcome",
		}, []string{"outcome"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    prefix + "_handle_duration_seconds",
			Help:    "Time spent handling one item",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60, 300},
		}),
	}
	if reg != nil {
		reg.MustRegister(m.queueDepth, m.dropped, m.handled, m.duration)
	}
	return m
}

// NewPool creates a stopped pool. A nil metrics gets unregistered collectors.
func NewPool[T any](cfg Config, handle func(context.Context, T) error, metrics *Metrics) *Pool[T] {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.Capacity <= 0 {
		cfg.Capacity = 1000
	}
	if metrics == nil {
		metrics = NewMetrics(nil, "worker")
	}
	return &Pool[T]{
		workers: cfg.Workers,
		handle:  handle,
		queue:   make(chan T, cfg.Capacity),
		metrics: metrics,
	}
}

// Submit enqueues item without blocking. It returns ErrQueueFull when the queue is at capacity.
func (p *Pool[T]) Submit(item T) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch p.state {
	case idle:
		return ErrNotStarted
	case stopped:
		return ErrStopped
	}
	select {
	case p.queue <- item:
		p.submitted.Add(1)
		p.metrics.queueDepth.Set(float64(len(p.queue)))
		return nil
	default:
		p.dropped.Add(1)
		p.metrics.dropped.Inc()
		return ErrQueueFull
	}
}

// Start launches the workers. Cancelling ctx aborts in-flight work; Stop drains the queue.
func (p *Pool[T]) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != idle {
		return ErrAlreadyStarted
	}
	ctx, p.cancel = context.WithCancel(ctx)
	for range p.workers {
		p.wg.Add(1)
		go p.run(ctx)
	}
	p.state = running
	return nil
}

// Stop closes the queue and waits up to timeout for queued and in-flight work to finish.
func (p *Pool[T]) Stop(timeout time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != running {
		return nil
	}
	p.state = stopped
	close(p.queue)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	defer p.cancel()
	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return ErrStopTimeout
	}
}

// Stats is a snapshot of pool counters.
type Stats struct {
	QueueDepth int
	Submitted  int64
	Failed     int64
	Dropped    int64
}

func (p *Pool[T]) Stats() Stats {
	return Stats{
		QueueDepth: len(p.queue),
		Submitted:  p.submitted.Load(),
		Failed:     p.failed.Load(),
		Dropped:    p.dropped.Load(),
	}
}

func (p *Pool[T]) run(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case item, ok := <-p.queue:
			if !ok {
				return
			}
			p.metrics.queueDepth.Set(float64(len(p.queue)))
			start := time.Now()
			outcome := "ok"
			if err := p.handle(ctx, item); err != nil {
				p.failed.Add(1)
				outcome = "error"
			}
			p.metrics.handled.WithLabelValues(outcome).Inc()
			p.metrics.duration.Observe(time.Since(start).Seconds())
		}
	}
}
