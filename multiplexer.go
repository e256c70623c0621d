package kafka

import (
	"context"
	"sync"
)

// Mx is multiplexer combining into single stream number of consumers.
//
// It is responsibility of the user of the multiplexer and the consumer
// implementation to handle errors. Multiplexer will not do anything except
// passing them through.
//
// It is important to remember that because fetch from every consumer is done
// by separate worker, most of the time there is one record consumed by each
// worker that is held in memory while waiting for opportunity to return it
// once Consume on multiplexer is called.
type Mx struct {
	wg     sync.WaitGroup
	errc   chan error
	recc   chan Record
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
}

var _ Consumer = (*Mx)(nil)

// Merge is merging consume result of any number of consumers into single
// stream and expose them through returned multiplexer.
func Merge(consumers ...Consumer) *Mx {
	ctx, cancel := context.WithCancel(context.Background())
	p := &Mx{
		errc:   make(chan error),
		recc:   make(chan Record),
		ctx:    ctx,
		cancel: cancel,
	}

	for _, consumer := range consumers {
		p.wg.Add(1)

		go func(c Consumer) {
			defer p.wg.Done()
			for {
				rec, err := c.Consume(ctx)
				if err != nil {
					if ctx.Err() != nil {
						return
					}
					select {
					case p.errc <- err:
					case <-ctx.Done():
						return
					}
				} else {
					select {
					case p.recc <- rec:
					case <-ctx.Done():
						return
					}
				}
			}
		}(consumer)
	}

	return p
}

// Close is closing multiplexer and stopping all underlying workers. Call is
// blocking until all workers are done. Calling Close from several goroutines
// is safe and will block all of them until multiplexer is closed. Closing
// closed multiplexer has no effect.
func (p *Mx) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}
	p.closed = true

	p.cancel()
	p.wg.Wait()
	close(p.errc)
	close(p.recc)
}

// Consume returns Consume result from any of the merged consumers. Once the
// multiplexer is closed ErrMxClosed is returned.
func (p *Mx) Consume(ctx context.Context) (Record, error) {
	select {
	case rec, ok := <-p.recc:
		if ok {
			return rec, nil
		}
		return Record{}, ErrMxClosed
	case err, ok := <-p.errc:
		if ok {
			return Record{}, err
		}
		return Record{}, ErrMxClosed
	case <-p.ctx.Done():
		return Record{}, ErrMxClosed
	case <-ctx.Done():
		return Record{}, ctx.Err()
	}
}
