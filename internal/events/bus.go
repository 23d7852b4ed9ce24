package events

import (
	"context"
	"fmt"
	"reflect"
	"sync"

	"go.uber.org/zap"
)

// Handler receives one event. Errors are logged and swallowed; they never
// reach other handlers or the dispatcher.
type Handler func(ctx context.Context, event any) error

// stopSentinel marks the end of the queue during Stop.
type stopSentinel struct{}

// Bus is a single-dispatcher typed pub/sub. Publish enqueues onto an
// unbounded FIFO and returns immediately; one dispatcher goroutine
// dequeues events one at a time, fans out to the subscribers registered
// for the event's exact type, and waits for all of them before taking the
// next event. That wait is what gives per-type publish-order delivery.
type Bus struct {
	mu       sync.Mutex
	cond     *sync.Cond
	queue    []any
	handlers map[reflect.Type][]Handler
	started  bool
	stopping bool

	done   chan struct{}
	logger *zap.Logger
}

func NewBus(logger *zap.Logger) *Bus {
	b := &Bus{
		handlers: make(map[reflect.Type][]Handler),
		done:     make(chan struct{}),
		logger:   logger,
	}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// Subscribe registers a handler for the concrete type of prototype.
// Subscriptions made after Start still take effect for later events.
func (b *Bus) Subscribe(prototype any, h Handler) {
	t := reflect.TypeOf(prototype)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[t] = append(b.handlers[t], h)
}

// Publish enqueues the event and returns. Events published after Stop has
// begun are dropped.
func (b *Bus) Publish(event any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopping {
		b.logger.Warn("event dropped, bus stopping",
			zap.String("event_type", fmt.Sprintf("%T", event)))
		return
	}
	b.queue = append(b.queue, event)
	b.cond.Signal()
}

// Start launches the dispatcher goroutine.
func (b *Bus) Start() {
	b.mu.Lock()
	if b.started {
		b.mu.Unlock()
		return
	}
	b.started = true
	b.mu.Unlock()
	go b.dispatch()
}

// Stop drains the queue via a sentinel and blocks until the dispatcher has
// delivered everything published before the call.
func (b *Bus) Stop() {
	b.mu.Lock()
	if !b.started || b.stopping {
		b.mu.Unlock()
		return
	}
	b.stopping = true
	b.queue = append(b.queue, stopSentinel{})
	b.cond.Signal()
	b.mu.Unlock()

	<-b.done
}

func (b *Bus) dispatch() {
	defer close(b.done)
	for {
		b.mu.Lock()
		for len(b.queue) == 0 {
			b.cond.Wait()
		}
		event := b.queue[0]
		b.queue = b.queue[1:]
		if _, ok := event.(stopSentinel); ok {
			b.mu.Unlock()
			return
		}
		hs := append([]Handler(nil), b.handlers[reflect.TypeOf(event)]...)
		b.mu.Unlock()

		if len(hs) == 0 {
			continue
		}

		var wg sync.WaitGroup
		for _, h := range hs {
			wg.Add(1)
			go func(h Handler) {
				defer wg.Done()
				defer func() {
					if r := recover(); r != nil {
						b.logger.Error("event handler panicked",
							zap.String("event_type", fmt.Sprintf("%T", event)),
							zap.Any("panic", r))
					}
				}()
				if err := h(context.Background(), event); err != nil {
					b.logger.Error("event handler failed",
						zap.String("event_type", fmt.Sprintf("%T", event)),
						zap.Error(err))
				}
			}(h)
		}
		wg.Wait()
	}
}
