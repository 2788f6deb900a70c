package placement

import (
	"context"
	"sync"
)

// Request is one operation addressed to an entity.
type Request struct {
	Op     string
	Sender string
	Body   []byte
}

// Behavior is the logic of one entity instance. Receive is never called
// concurrently for the same instance, except for ops the behavior declares
// concurrent.
type Behavior interface {
	Receive(ctx context.Context, req Request) ([]byte, error)
}

// ConcurrentOps is implemented by behaviors with ops that must not wait in
// the mailbox. Those ops are handled on the caller's goroutine and must only
// touch state the behavior synchronizes itself.
type ConcurrentOps interface {
	Concurrent(op string) bool
}

// Starter is called before the instance serves its first request. Stopped,
// if implemented, never runs before Started has returned.
type Starter interface {
	Started(self Ref)
}

// Stopper is called after the mailbox has drained on close.
type Stopper interface {
	Stopped()
}

type envelope struct {
	ctx   context.Context
	req   Request
	reply chan result
}

type result struct {
	body []byte
	err  error
}

// Instance runs a Behavior behind a FIFO mailbox: requests are served one at
// a time in submission order.
type Instance struct {
	key        Key
	behavior   Behavior
	concurrent ConcurrentOps
	mailbox    chan envelope
	stop       chan struct{}
	done       chan struct{}
	stopOnce   sync.Once
}

func newInstance(key Key, behavior Behavior, mailboxSize int) *Instance {
	if mailboxSize <= 0 {
		mailboxSize = 64
	}
	in := &Instance{
		key:      key,
		behavior: behavior,
		mailbox:  make(chan envelope, mailboxSize),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	in.concurrent, _ = behavior.(ConcurrentOps)
	return in
}

// start runs the Started hook, then the mailbox loop.
func (in *Instance) start(self Ref) {
	if s, ok := in.behavior.(Starter); ok {
		s.Started(self)
	}
	go in.run()
}

func (in *Instance) run() {
	defer close(in.done)
	for {
		select {
		case <-in.stop:
			in.drain()
			if s, ok := in.behavior.(Stopper); ok {
				s.Stopped()
			}
			return
		case env := <-in.mailbox:
			body, err := in.behavior.Receive(env.ctx, env.req)
			env.reply <- result{body: body, err: err}
		}
	}
}

func (in *Instance) drain() {
	for {
		select {
		case env := <-in.mailbox:
			env.reply <- result{err: unavailable(in.key, "instance closed")}
		default:
			return
		}
	}
}

// Ask submits req and waits for its reply.
func (in *Instance) Ask(ctx context.Context, req Request) ([]byte, error) {
	if in.concurrent != nil && in.concurrent.Concurrent(req.Op) {
		select {
		case <-in.stop:
			return nil, unavailable(in.key, "instance closed")
		default:
		}
		return in.behavior.Receive(ctx, req)
	}

	env := envelope{ctx: ctx, req: req, reply: make(chan result, 1)}
	select {
	case in.mailbox <- env:
	case <-in.stop:
		return nil, unavailable(in.key, "instance closed")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case res := <-env.reply:
		return res.body, res.err
	case <-in.done:
		// The request may have landed after the final drain.
		select {
		case res := <-env.reply:
			return res.body, res.err
		default:
			return nil, unavailable(in.key, "instance closed")
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Tell enqueues req without waiting for the reply. It reports false when the
// mailbox is full or the instance is closed.
func (in *Instance) Tell(req Request) bool {
	env := envelope{ctx: context.Background(), req: req, reply: make(chan result, 1)}
	select {
	case <-in.stop:
		return false
	default:
	}
	select {
	case in.mailbox <- env:
		return true
	default:
		return false
	}
}

// Close stops the instance after the request in flight; queued requests fail
// with ErrEntityUnavailable. It waits for the stop hook to return.
func (in *Instance) Close() {
	in.stopOnce.Do(func() { close(in.stop) })
	<-in.done
}
