// Package eventloop runs tasks on a single goroutine in FIFO order.
// Code that must only run on that goroutine takes a Token, which only the loop
// can mint.
package eventloop

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/cuemby/burrow/pkg/log"
	"github.com/rs/zerolog"
)

// ErrClosed is returned by Run when the loop has already been stopped
var ErrClosed = errors.New("event loop closed")

// Token proves that the holder is running inside a task executed by the loop
// goroutine. Only the loop mints valid tokens, so methods that mutate state owned
// by the control loop take a Token and cannot be reached from a foreign goroutine
// except through Post.
type Token struct {
	loop *Loop
}

// Valid reports whether the token was minted by a running loop
func (t Token) Valid() bool {
	return t.loop != nil
}

// Assert panics when the token was not minted by a loop. Loop-only methods call it
// so a zero Token fabricated elsewhere fails loudly instead of racing.
func (t Token) Assert() {
	if t.loop == nil {
		panic("eventloop: control-loop method called without a loop token")
	}
}

// Loop returns the loop that minted the token
func (t Token) Loop() *Loop {
	return t.loop
}

// Task is a unit of work executed on the loop goroutine
type Task func(Token)

type namedTask struct {
	name string
	fn   Task
}

// Poster enqueues work onto a control loop. It is the only capability handed to
// code that runs on other goroutines.
type Poster interface {
	Post(name string, fn Task)
}

// Loop is a single-consumer FIFO executor. Post may be called from any goroutine
// while Run drains the queue; tasks run one at a time in the order they were posted.
type Loop struct {
	mu      sync.Mutex
	queue   []namedTask
	wakeCh  chan struct{}
	stopCh  chan struct{}
	doneCh  chan struct{}
	stopped atomic.Bool
	running atomic.Bool

	observer func(name string, depth int)
	logger   zerolog.Logger
}

// New creates a loop. It does not start draining until Run is called.
func New() *Loop {
	return &Loop{
		wakeCh: make(chan struct{}, 1),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
		logger: log.WithComponent("eventloop"),
	}
}

// SetObserver installs a hook called before each task with the task name and the
// remaining queue depth. Must be called before Run.
func (l *Loop) SetObserver(fn func(name string, depth int)) {
	l.observer = fn
}

// Post enqueues fn. Tasks posted after Stop are dropped.
func (l *Loop) Post(name string, fn Task) {
	if l.stopped.Load() {
		l.logger.Debug().Str("task", name).Msg("Dropping task posted after stop")
		return
	}

	l.mu.Lock()
	l.queue = append(l.queue, namedTask{name: name, fn: fn})
	l.mu.Unlock()

	select {
	case l.wakeCh <- struct{}{}:
	default:
	}
}

// Run drains the queue on the calling goroutine until Stop is called.
// Tasks still queued at Stop time are discarded.
func (l *Loop) Run() error {
	if !l.running.CompareAndSwap(false, true) {
		return errors.New("event loop already running")
	}
	defer close(l.doneCh)

	if l.stopped.Load() {
		return ErrClosed
	}

	token := Token{loop: l}
	for {
		select {
		case <-l.stopCh:
			return nil
		case <-l.wakeCh:
		}

		for {
			task, depth, ok := l.next()
			if !ok {
				break
			}
			if l.observer != nil {
				l.observer(task.name, depth)
			}
			l.execute(token, task)

			select {
			case <-l.stopCh:
				return nil
			default:
			}
		}
	}
}

func (l *Loop) next() (namedTask, int, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.queue) == 0 {
		return namedTask{}, 0, false
	}
	task := l.queue[0]
	l.queue[0] = namedTask{}
	l.queue = l.queue[1:]
	return task, len(l.queue), true
}

func (l *Loop) execute(token Token, task namedTask) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error().
				Str("task", task.name).
				Interface("panic", r).
				Msg("Task panicked on control loop")
		}
	}()
	task.fn(token)
}

// Stop makes Run return after the task currently executing. Safe to call more
// than once and from any goroutine.
func (l *Loop) Stop() {
	if l.stopped.CompareAndSwap(false, true) {
		close(l.stopCh)
	}
}

// Done is closed once Run has returned
func (l *Loop) Done() <-chan struct{} {
	return l.doneCh
}

// Pending returns the number of queued tasks
func (l *Loop) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue)
}

// Call posts fn and blocks until it has run on the loop or ctx is done.
// It must not be called from a task running on the same loop.
func (l *Loop) Call(ctx context.Context, name string, fn Task) error {
	done := make(chan struct{})
	l.Post(name, func(t Token) {
		defer close(done)
		fn(t)
	})

	select {
	case <-done:
		return nil
	case <-l.stopCh:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}
