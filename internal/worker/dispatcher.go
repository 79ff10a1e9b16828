package worker

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"browser-test-orchestrator/internal/config"
	"browser-test-orchestrator/internal/monitor"
)

var (
	ErrQueueFull = errors.New("dispatch queue full")
	ErrStopped   = errors.New("dispatcher stopped")
)

// Sender delivers one job to the worker.
type Sender interface {
	Send(ctx context.Context, job Job) error
}

// FailureFunc is called once for a job that could not be delivered.
type FailureFunc func(job Job, err error)

// Dispatcher sends jobs from a bounded queue with a fixed set of goroutines,
// retrying transient failures with exponential backoff.
type Dispatcher struct {
	sender     Sender
	ch         chan Job
	workers    int
	maxRetries int
	retryBase  time.Duration
	timeout    time.Duration
	onFailure  FailureFunc
	metrics    *monitor.Metrics

	wg   sync.WaitGroup
	done chan struct{}
	// mu orders Submit against Flush: once Flush holds it, no send is in
	// flight and none will follow.
	mu      sync.RWMutex
	stopped bool
}

func NewDispatcher(sender Sender, cfg config.WorkerConfig, metrics *monitor.Metrics) *Dispatcher {
	if cfg.QueueSize < 1 {
		cfg.QueueSize = 1000
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 4
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 200 * time.Millisecond
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	return &Dispatcher{
		sender:     sender,
		ch:         make(chan Job, cfg.QueueSize),
		workers:    cfg.Concurrency,
		maxRetries: cfg.MaxRetries,
		retryBase:  cfg.RetryBase,
		timeout:    cfg.Timeout,
		metrics:    metrics,
		done:       make(chan struct{}),
	}
}

// OnFailure registers the callback for undeliverable jobs. Call before Start.
func (d *Dispatcher) OnFailure(fn FailureFunc) {
	d.onFailure = fn
}

func (d *Dispatcher) Start() {
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.processLoop()
	}
	log.Info().Int("workers", d.workers).Int("queue", cap(d.ch)).Msg("dispatcher started")
}

// Submit queues job without blocking.
func (d *Dispatcher) Submit(job Job) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.stopped {
		return ErrStopped
	}
	select {
	case d.ch <- job:
		d.observeDepth()
		return nil
	default:
		log.Warn().Str("execution_id", job.ExecutionID).Msg("dispatch queue full")
		return ErrQueueFull
	}
}

// Flush stops accepting jobs and waits up to timeout for the queue to drain.
func (d *Dispatcher) Flush(timeout time.Duration) {
	d.mu.Lock()
	if !d.stopped {
		d.stopped = true
		close(d.done)
	}
	d.mu.Unlock()

	doneCh := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(doneCh)
	}()

	select {
	case <-doneCh:
		log.Info().Msg("dispatcher flushed")
	case <-time.After(timeout):
		log.Warn().Msg("dispatcher flush timed out")
	}
}

func (d *Dispatcher) processLoop() {
	defer d.wg.Done()

	for {
		select {
		case job := <-d.ch:
			d.observeDepth()
			d.sendWithRetry(job)
		case <-d.done:
			for {
				select {
				case job := <-d.ch:
					d.sendWithRetry(job)
				default:
					return
				}
			}
		}
	}
}

func (d *Dispatcher) sendWithRetry(job Job) {
	var err error
	for attempt := 0; attempt <= d.maxRetries; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		err = d.sender.Send(ctx, job)
		cancel()

		if err == nil {
			d.count("delivered")
			log.Debug().Str("execution_id", job.ExecutionID).Int("attempt", attempt+1).Msg("job dispatched")
			return
		}
		if IsPermanent(err) {
			break
		}

		if attempt < d.maxRetries {
			d.count("retry")
			backoff := time.Duration(math.Pow(2, float64(attempt))) * d.retryBase
			log.Warn().
				Err(err).
				Str("execution_id", job.ExecutionID).
				Int("attempt", attempt+1).
				Dur("backoff", backoff).
				Msg("dispatch failed, retrying")
			time.Sleep(backoff)
		}
	}

	d.count("failed")
	log.Error().
		Err(err).
		Str("execution_id", job.ExecutionID).
		Msg("dispatch failed permanently")
	if d.onFailure != nil {
		d.onFailure(job, err)
	}
}

func (d *Dispatcher) count(outcome string) {
	if d.metrics != nil {
		d.metrics.DispatchAttempts.WithLabelValues(outcome).Inc()
	}
}

func (d *Dispatcher) observeDepth() {
	if d.metrics != nil {
		d.metrics.DispatchQueueDepth.Set(float64(len(d.ch)))
	}
}
