package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/profilekit/enrichd/internal/jobstore"
	"github.com/profilekit/enrichd/internal/metrics"
)

// Pool runs a fixed number of dequeue loops against the job queue. Each
// loop gets its own store connection because the blocking pop would
// otherwise serialize all workers on one connection.
type Pool struct {
	processor   *Processor
	store       jobstore.Store
	dedicate    func() jobstore.Store
	recorder    *metrics.Recorder
	concurrency int
	popTimeout  time.Duration

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithDedicatedConns supplies a factory for per-loop store connections.
// Without it every loop shares the store the pool was built with.
func WithDedicatedConns(fn func() jobstore.Store) PoolOption {
	return func(p *Pool) { p.dedicate = fn }
}

// NewPool builds a pool of concurrency dequeue loops. popTimeout bounds
// each blocking pop so loops notice shutdown promptly.
func NewPool(processor *Processor, store jobstore.Store, recorder *metrics.Recorder, concurrency int, popTimeout time.Duration, opts ...PoolOption) *Pool {
	if concurrency < 1 {
		concurrency = 1
	}
	p := &Pool{
		processor:   processor,
		store:       store,
		dedicate:    func() jobstore.Store { return store },
		recorder:    recorder,
		concurrency: concurrency,
		popTimeout:  popTimeout,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start launches the dequeue loops. Calling Start on a running pool is a no-op.
func (p *Pool) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return
	}
	p.running = true
	p.stopCh = make(chan struct{})

	for i := 0; i < p.concurrency; i++ {
		p.wg.Add(1)
		go p.loop(i, p.dedicate())
	}
	slog.Info("worker pool started", "concurrency", p.concurrency)
}

// Stop signals all loops and waits for in-flight jobs to finish, or until
// ctx expires. A job already being processed runs to completion.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	close(p.stopCh)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		slog.Info("worker pool stopped")
		return nil
	case <-ctx.Done():
		slog.Warn("worker pool stop timed out with jobs in flight")
		return ctx.Err()
	}
}

func (p *Pool) loop(id int, queue jobstore.Store) {
	defer p.wg.Done()
	log := slog.With("worker", id)
	log.Debug("worker loop started")

	for {
		select {
		case <-p.stopCh:
			log.Debug("worker loop stopping")
			return
		default:
		}

		jobID, err := queue.PopQueue(context.Background(), p.popTimeout)
		if errors.Is(err, jobstore.ErrQueueTimeout) {
			p.publishQueueDepth()
			continue
		}
		if err != nil {
			log.Error("popping job queue", "error", err)
			select {
			case <-p.stopCh:
				return
			case <-time.After(p.popTimeout):
			}
			continue
		}

		p.processor.Process(context.Background(), jobID)
		p.publishQueueDepth()
	}
}

func (p *Pool) publishQueueDepth() {
	depth, err := p.store.QueueDepth(context.Background())
	if err != nil {
		return
	}
	p.recorder.QueueDepth(context.Background(), depth)
}
