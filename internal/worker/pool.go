package worker

import (
	"context"
	"sync"

	"github.com/nexoedge/agent/internal/wire"
)

// job couples a request with the channel its single reply is delivered on.
type job struct {
	ctx   context.Context
	req   *wire.Event
	reply chan *wire.Event
}

// Pool is a fixed-size set of goroutines draining a shared job queue, the
// in-process analogue of a dealer socket's worker-side fan-out: Submit
// enqueues a request and blocks until the assigned worker produces a reply.
type Pool struct {
	jobs       chan job
	dispatcher *Dispatcher
	wg         sync.WaitGroup
}

// NewPool starts n worker goroutines backed by dispatcher. n must be >= 1.
func NewPool(ctx context.Context, n int, dispatcher *Dispatcher) *Pool {
	p := &Pool{
		jobs:       make(chan job, n),
		dispatcher: dispatcher,
	}
	for i := 0; i < n; i++ {
		p.wg.Add(1)
		go p.run(ctx)
	}
	return p
}

func (p *Pool) run(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case j, ok := <-p.jobs:
			if !ok {
				return
			}
			j.reply <- p.dispatcher.Handle(j.ctx, j.req)
		}
	}
}

// Submit hands req to the pool and blocks for its reply, or returns ctx's
// error if it is cancelled first.
func (p *Pool) Submit(ctx context.Context, req *wire.Event) (*wire.Event, error) {
	j := job{ctx: ctx, req: req, reply: make(chan *wire.Event, 1)}
	select {
	case p.jobs <- j:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case rep := <-j.reply:
		return rep, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close stops accepting new jobs and waits for in-flight workers to drain.
// Workers exit once the closed queue is empty, or earlier if the context
// NewPool was started with is cancelled.
func (p *Pool) Close() {
	close(p.jobs)
	p.wg.Wait()
}
