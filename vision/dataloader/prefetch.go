package dataloader

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

// ErrStopped is returned by NextBatch after Stop.
var ErrStopped = errors.New("prefetcher has been stopped")

// PrefetchConfig configures a Prefetcher.
type PrefetchConfig struct {
	// Depth is the number of batches prepared ahead of the consumer (default: 2).
	Depth int
}

type prefetched struct {
	batch *Batch
	err   error
}

// Prefetcher prepares batches from an inner source on a background goroutine
// so augmentation overlaps with training. A single worker keeps the inner
// source's batch order.
type Prefetcher struct {
	source BatchSource
	depth  int

	batches chan prefetched
	parent  context.Context
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu        sync.Mutex
	isRunning bool
}

// NewPrefetcher wraps source. Call Start before the first NextBatch.
func NewPrefetcher(source BatchSource, config PrefetchConfig) (*Prefetcher, error) {
	if source == nil {
		return nil, errors.New("data source cannot be nil")
	}
	if config.Depth <= 0 {
		config.Depth = 2
	}
	return &Prefetcher{source: source, depth: config.Depth}, nil
}

// Start launches the background worker. It stops when ctx is cancelled or
// Stop is called.
func (p *Prefetcher) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.isRunning {
		return errors.New("prefetcher is already running")
	}
	p.parent = ctx
	p.ctx, p.cancel = context.WithCancel(ctx)
	p.batches = make(chan prefetched, p.depth)
	p.isRunning = true

	p.wg.Add(1)
	go p.worker(p.ctx, p.batches)
	return nil
}

// Stop cancels the worker and waits for it to exit.
func (p *Prefetcher) Stop() {
	p.mu.Lock()
	if !p.isRunning {
		p.mu.Unlock()
		return
	}
	p.cancel()
	p.isRunning = false
	p.mu.Unlock()

	p.wg.Wait()
}

func (p *Prefetcher) worker(ctx context.Context, out chan<- prefetched) {
	defer p.wg.Done()
	defer close(out)

	for {
		batch, err := p.source.NextBatch()
		select {
		case out <- prefetched{batch: batch, err: err}:
		case <-ctx.Done():
			return
		}
		if err != nil {
			return
		}
	}
}

// NextBatch returns the next prepared batch, blocking until one is ready.
func (p *Prefetcher) NextBatch() (*Batch, error) {
	p.mu.Lock()
	running, batches, ctx := p.isRunning, p.batches, p.ctx
	p.mu.Unlock()
	if !running {
		return nil, ErrStopped
	}

	select {
	case item, ok := <-batches:
		if !ok {
			return nil, ErrStopped
		}
		if item.err != nil {
			return nil, errors.Wrap(item.err, "prefetching batch")
		}
		return item.batch, nil
	case <-ctx.Done():
		return nil, ErrStopped
	}
}

// Reset discards prefetched batches and rewinds the inner source. A running
// prefetcher is restarted under the same parent context.
func (p *Prefetcher) Reset() {
	p.mu.Lock()
	running, parent := p.isRunning, p.parent
	p.mu.Unlock()

	p.Stop()
	p.source.Reset()
	if running {
		_ = p.Start(parent)
	}
}

// Len returns the inner source's samples per pass.
func (p *Prefetcher) Len() int {
	return p.source.Len()
}

// BatchSize returns the inner source's batch size.
func (p *Prefetcher) BatchSize() int {
	return p.source.BatchSize()
}
