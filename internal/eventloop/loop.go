// Package eventloop is a small single-goroutine readiness loop.
//
// I/O sources call Handle.Notify from any goroutine; the loop invokes the
// registered callback later on its own goroutine. Callbacks therefore never
// run concurrently with each other, which lets the code they drive keep its
// state without locks.
package eventloop

import (
	"context"
	"sync"
	"time"
)

// Handle is a readiness registration.
type Handle interface {
	// Notify marks the registration ready. Safe for concurrent use.
	Notify()
	// SetEnabled suspends or resumes delivery. A notification that arrives
	// while disabled is kept and delivered once after re-enabling.
	SetEnabled(enabled bool)
	// Deregister drops the registration. Once it returns, the callback is
	// never invoked again.
	Deregister()
}

type item struct {
	reg *registration
	fn  func()
}

// Loop dispatches readiness callbacks and posted functions in FIFO order.
type Loop struct {
	mu    sync.Mutex
	queue []item
	wake  chan struct{}
}

// New returns an idle Loop. Call Run to start dispatching.
func New() *Loop {
	return &Loop{wake: make(chan struct{}, 1)}
}

// Register adds a readiness source. The registration starts enabled.
func (l *Loop) Register(name string, onReady func()) Handle {
	return &registration{loop: l, name: name, onReady: onReady, enabled: true}
}

// Post queues fn to run on the loop goroutine.
func (l *Loop) Post(fn func()) {
	l.mu.Lock()
	l.queue = append(l.queue, item{fn: fn})
	l.mu.Unlock()
	l.signal()
}

// Do runs fn on the loop goroutine and waits for it to finish. It must not
// be called from the loop goroutine itself.
func (l *Loop) Do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	l.Post(func() {
		defer close(done)
		fn()
	})
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run dispatches until ctx is done.
func (l *Loop) Run(ctx context.Context) error {
	for {
		l.dispatch(-1)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.wake:
		}
	}
}

// ProcessPending runs the callbacks that are ready right now. When none
// are, it waits up to budget for one to become ready. It returns the number
// of callbacks run. Calling it from inside a callback re-enters the loop;
// the calling registration is not re-entered as long as its owner keeps it
// disabled for the duration.
func (l *Loop) ProcessPending(budget time.Duration) int {
	n := l.dispatch(l.pending())
	if n > 0 {
		return n
	}
	t := time.NewTimer(budget)
	defer t.Stop()
	select {
	case <-l.wake:
	case <-t.C:
		return 0
	}
	return l.dispatch(l.pending())
}

func (l *Loop) pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue)
}

func (l *Loop) signal() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// dispatch pops and runs up to max queued items (all when max < 0).
func (l *Loop) dispatch(max int) int {
	ran := 0
	for popped := 0; max < 0 || popped < max; popped++ {
		l.mu.Lock()
		if len(l.queue) == 0 {
			l.mu.Unlock()
			break
		}
		it := l.queue[0]
		l.queue[0] = item{}
		l.queue = l.queue[1:]

		fn := it.fn
		if r := it.reg; r != nil {
			r.queued = false
			if r.dead || !r.enabled || !r.pending {
				l.mu.Unlock()
				continue
			}
			r.pending = false
			fn = r.onReady
		}
		l.mu.Unlock()

		fn()
		ran++
	}
	return ran
}

type registration struct {
	loop    *Loop
	name    string
	onReady func()

	// Guarded by loop.mu.
	enabled bool
	pending bool
	queued  bool
	dead    bool
}

func (r *registration) Notify() {
	l := r.loop
	l.mu.Lock()
	if r.dead {
		l.mu.Unlock()
		return
	}
	r.pending = true
	enqueued := r.enqueueLocked()
	l.mu.Unlock()
	if enqueued {
		l.signal()
	}
}

func (r *registration) SetEnabled(enabled bool) {
	l := r.loop
	l.mu.Lock()
	if r.dead {
		l.mu.Unlock()
		return
	}
	r.enabled = enabled
	enqueued := enabled && r.pending && r.enqueueLocked()
	l.mu.Unlock()
	if enqueued {
		l.signal()
	}
}

func (r *registration) Deregister() {
	l := r.loop
	l.mu.Lock()
	r.dead = true
	r.pending = false
	l.mu.Unlock()
}

func (r *registration) enqueueLocked() bool {
	if !r.enabled || r.queued {
		return false
	}
	r.queued = true
	r.loop.queue = append(r.loop.queue, item{reg: r})
	return true
}

func (r *registration) String() string { return r.name }
