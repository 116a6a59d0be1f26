// Package fsm holds the machinery shared by the checkout and connection
// machines: an ordered event loop, a change broadcaster and legal
// transition tables.
package fsm

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/vitwit/checkout/logger"
	"github.com/vitwit/checkout/types"
)

type envelope struct {
	fn     func() error
	reply  chan error
	epoch  uint64
	tagged bool
	name   string
}

// Loop runs transitions one at a time, strictly in delivery order.
//
// Send is used for user events and waits for the transition's result.
// Post is used by asynchronous completions; a posted event carries the
// epoch current when its work was issued and is dropped if the epoch has
// moved on or the loop is closed. Notify delivers outside changes and is
// only dropped by Close.
type Loop struct {
	ctx    context.Context
	cancel context.CancelFunc
	log    logger.Logger

	mu     sync.Mutex
	queue  []envelope
	wake   chan struct{}
	closed bool
	done   chan struct{}

	epoch atomic.Uint64

	// OnStale is called for each dropped event. Set it before the first Post.
	OnStale func(name string)
}

// NewLoop starts a loop bound to ctx. Cancelling ctx closes the loop.
func NewLoop(ctx context.Context, log logger.Logger) *Loop {
	ctx, cancel := context.WithCancel(ctx)
	l := &Loop{
		ctx:    ctx,
		cancel: cancel,
		log:    logger.OrNoop(log),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go l.run()
	return l
}

// Context is cancelled when the loop closes. Collaborator calls run under it.
func (l *Loop) Context() context.Context { return l.ctx }

// Done is closed once the loop goroutine has exited.
func (l *Loop) Done() <-chan struct{} { return l.done }

// Epoch returns the current supersession counter.
func (l *Loop) Epoch() uint64 { return l.epoch.Load() }

// Bump invalidates every completion issued so far. Call it from inside a
// transition.
func (l *Loop) Bump() uint64 { return l.epoch.Add(1) }

func (l *Loop) enqueue(env envelope) bool {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return false
	}
	l.queue = append(l.queue, env)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// Send runs fn on the loop and returns its error. It must not be called
// from inside a transition of the same loop.
func (l *Loop) Send(ctx context.Context, fn func() error) error {
	reply := make(chan error, 1)
	if !l.enqueue(envelope{fn: fn, reply: reply}) {
		return types.NewError(types.ErrSessionClosed, "checkout session is closed")
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-l.done:
		select {
		case err := <-reply:
			return err
		default:
		}
		return types.NewError(types.ErrSessionClosed, "checkout session is closed")
	}
}

// Post enqueues fn tagged with epoch without waiting. It never blocks.
func (l *Loop) Post(epoch uint64, name string, fn func()) {
	l.enqueue(envelope{
		fn:     func() error { fn(); return nil },
		epoch:  epoch,
		tagged: true,
		name:   name,
	})
}

// Notify enqueues fn without an epoch tag, so no Bump can drop it. It is
// for reports of external state, not completions of work the loop issued.
// It never blocks.
func (l *Loop) Notify(name string, fn func()) {
	l.enqueue(envelope{
		fn:   func() error { fn(); return nil },
		name: name,
	})
}

// Go runs work in its own goroutine under the loop context and posts the
// returned completion back to the loop, tagged with the current epoch.
// A nil completion posts nothing.
func (l *Loop) Go(name string, work func(ctx context.Context) func()) {
	epoch := l.Epoch()
	go func() {
		complete := work(l.ctx)
		if complete == nil {
			return
		}
		l.Post(epoch, name, complete)
	}()
}

// Close stops the loop. Queued and late events are discarded.
func (l *Loop) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	l.mu.Unlock()

	l.cancel()
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Closed reports whether Close was called or the context ended.
func (l *Loop) Closed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

func (l *Loop) next() (envelope, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed || len(l.queue) == 0 {
		return envelope{}, false
	}
	env := l.queue[0]
	l.queue[0] = envelope{}
	l.queue = l.queue[1:]
	return env, true
}

func (l *Loop) run() {
	defer close(l.done)

	for {
		for {
			env, ok := l.next()
			if !ok {
				break
			}
			l.dispatch(env)
		}

		select {
		case <-l.wake:
			if l.Closed() {
				l.drain()
				return
			}
		case <-l.ctx.Done():
			l.Close()
			l.drain()
			return
		}
	}
}

func (l *Loop) dispatch(env envelope) {
	if env.tagged && env.epoch != l.Epoch() {
		l.log.Debug("dropping stale event", map[string]any{
			"event":   env.name,
			"epoch":   env.epoch,
			"current": l.Epoch(),
		})
		if l.OnStale != nil {
			l.OnStale(env.name)
		}
		return
	}

	err := env.fn()
	if env.reply != nil {
		env.reply <- err
	}
}

func (l *Loop) drain() {
	l.mu.Lock()
	pending := l.queue
	l.queue = nil
	l.mu.Unlock()

	for _, env := range pending {
		if env.reply != nil {
			env.reply <- types.NewError(types.ErrSessionClosed, "checkout session is closed")
		}
	}
}
