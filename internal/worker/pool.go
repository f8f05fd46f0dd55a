// Package worker runs fire-and-forget jobs with bounded concurrency.
package worker

import (
	"context"
	"log/slog"
	"sync"
)

// Pool runs submitted jobs on their own goroutines, at most Cap at a time.
// Jobs receive the pool's base context, not the submitter's, so they
// outlive the request that started them.
type Pool struct {
	slots  chan struct{}
	base   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPool creates a pool with capacity slots (at least one).
func NewPool(capacity int) *Pool {
	if capacity <= 0 {
		capacity = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{slots: make(chan struct{}, capacity), base: ctx, cancel: cancel}
}

// Submit waits for a free slot (or ctx) and starts job.
func (p *Pool) Submit(ctx context.Context, name string, job func(ctx context.Context)) error {
	if err := p.base.Err(); err != nil {
		return err
	}
	select {
	case p.slots <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	case <-p.base.Done():
		return p.base.Err()
	}
	p.start(name, job)
	return nil
}

// TrySubmit starts job only if a slot is free right now.
func (p *Pool) TrySubmit(name string, job func(ctx context.Context)) bool {
	if p.base.Err() != nil {
		return false
	}
	select {
	case p.slots <- struct{}{}:
	default:
		return false
	}
	p.start(name, job)
	return true
}

// start runs job on a slot the caller already holds.
func (p *Pool) start(name string, job func(ctx context.Context)) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer func() { <-p.slots }()
		defer func() {
			if r := recover(); r != nil {
				slog.Error("Worker job panicked", "job", name, "panic", r)
			}
		}()
		job(p.base)
	}()
}

// Wait blocks until every started job returned.
func (p *Pool) Wait() { p.wg.Wait() }

// Shutdown cancels running jobs' context and waits for them.
func (p *Pool) Shutdown() {
	p.cancel()
	p.wg.Wait()
}

// Active returns the number of running jobs.
func (p *Pool) Active() int { return len(p.slots) }

// Cap returns the concurrency limit.
func (p *Pool) Cap() int { return cap(p.slots) }
