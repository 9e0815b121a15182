// Package events provides a type-keyed publish/subscribe dispatcher that
// decouples state mutation from the presentation layer.
//
// Handlers are keyed by the static type of the event. Publish walks a
// point-in-time snapshot of the handlers registered for that type: a handler
// registered while a publish is running is first invoked on the next publish,
// and a handler disposed while a publish is running may still be invoked once
// for that publish.
package events

import (
	"context"
	"fmt"
	"reflect"
	"sync"

	"github.com/cbodonnell/tally/pkg/errs"
	"github.com/cbodonnell/tally/pkg/log"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultAsyncConcurrency bounds the async handlers run at once by PublishAsync.
	DefaultAsyncConcurrency = 16
)

type syncHandler struct {
	id uint64
	fn func(event any)
}

type asyncHandler struct {
	id uint64
	fn func(ctx context.Context, event any) error
}

// Bus dispatches events to handlers. The zero value is not usable; create
// buses with NewBus and pass them to the components that need them.
type Bus struct {
	lock             sync.RWMutex
	handlers         map[reflect.Type][]syncHandler
	asyncHandlers    map[reflect.Type][]asyncHandler
	nextID           uint64
	asyncConcurrency int
	logger           *log.Logger
}

type NewBusOptions struct {
	// Logger receives handler failures. Defaults to the package logger.
	Logger *log.Logger
	// AsyncConcurrency bounds concurrently running async handlers.
	AsyncConcurrency int
}

func NewBus(opts NewBusOptions) *Bus {
	if opts.Logger == nil {
		opts.Logger = log.Named("events")
	}
	if opts.AsyncConcurrency <= 0 {
		opts.AsyncConcurrency = DefaultAsyncConcurrency
	}
	return &Bus{
		handlers:         make(map[reflect.Type][]syncHandler),
		asyncHandlers:    make(map[reflect.Type][]asyncHandler),
		asyncConcurrency: opts.AsyncConcurrency,
		logger:           opts.Logger,
	}
}

// Subscription is the token returned by Subscribe. Dispose removes the
// handler and is safe to call more than once.
type Subscription struct {
	bus       *Bus
	eventType reflect.Type
	id        uint64
	async     bool
	once      sync.Once
}

func (s *Subscription) Dispose() {
	if s == nil || s.bus == nil {
		return
	}
	s.once.Do(func() {
		s.bus.remove(s.eventType, s.id, s.async)
	})
}

// Subscribe registers handler for events of type T.
func Subscribe[T any](bus *Bus, handler func(event T)) *Subscription {
	eventType := reflect.TypeFor[T]()

	bus.lock.Lock()
	defer bus.lock.Unlock()
	bus.nextID++
	id := bus.nextID
	bus.handlers[eventType] = append(bus.handlers[eventType], syncHandler{
		id: id,
		fn: func(event any) { handler(event.(T)) },
	})
	return &Subscription{bus: bus, eventType: eventType, id: id}
}

// SubscribeAsync registers a handler that only runs for PublishAsync.
func SubscribeAsync[T any](bus *Bus, handler func(ctx context.Context, event T) error) *Subscription {
	eventType := reflect.TypeFor[T]()

	bus.lock.Lock()
	defer bus.lock.Unlock()
	bus.nextID++
	id := bus.nextID
	bus.asyncHandlers[eventType] = append(bus.asyncHandlers[eventType], asyncHandler{
		id: id,
		fn: func(ctx context.Context, event any) error { return handler(ctx, event.(T)) },
	})
	return &Subscription{bus: bus, eventType: eventType, id: id, async: true}
}

// Publish synchronously invokes every handler registered for T, in
// registration order. A panicking handler is logged and the remaining
// handlers still run.
func Publish[T any](bus *Bus, event T) error {
	if isNil(event) {
		return errs.ErrNilEvent
	}
	eventType := reflect.TypeFor[T]()
	handlers, _ := bus.snapshot(eventType, false)
	for _, h := range handlers {
		bus.invoke(eventType, h, event)
	}
	return nil
}

// PublishAsync runs the synchronous pass, then runs the async handlers for T
// concurrently and waits for all of them. Async handler errors are logged,
// never returned.
func PublishAsync[T any](ctx context.Context, bus *Bus, event T) error {
	if isNil(event) {
		return errs.ErrNilEvent
	}
	eventType := reflect.TypeFor[T]()
	handlers, asyncHandlers := bus.snapshot(eventType, true)
	for _, h := range handlers {
		bus.invoke(eventType, h, event)
	}
	if len(asyncHandlers) == 0 {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(bus.asyncConcurrency)
	for _, h := range asyncHandlers {
		g.Go(func() error {
			bus.invokeAsync(gctx, eventType, h, event)
			return nil
		})
	}
	return g.Wait()
}

// HandlerCount reports the number of handlers, sync and async, registered for T.
func HandlerCount[T any](bus *Bus) int {
	eventType := reflect.TypeFor[T]()
	bus.lock.RLock()
	defer bus.lock.RUnlock()
	return len(bus.handlers[eventType]) + len(bus.asyncHandlers[eventType])
}

func (b *Bus) snapshot(eventType reflect.Type, withAsync bool) ([]syncHandler, []asyncHandler) {
	b.lock.RLock()
	defer b.lock.RUnlock()
	handlers := append([]syncHandler(nil), b.handlers[eventType]...)
	if !withAsync {
		return handlers, nil
	}
	return handlers, append([]asyncHandler(nil), b.asyncHandlers[eventType]...)
}

func (b *Bus) remove(eventType reflect.Type, id uint64, async bool) {
	b.lock.Lock()
	defer b.lock.Unlock()
	if async {
		b.asyncHandlers[eventType] = removeByID(b.asyncHandlers[eventType], id, func(h asyncHandler) uint64 { return h.id })
		if len(b.asyncHandlers[eventType]) == 0 {
			delete(b.asyncHandlers, eventType)
		}
		return
	}
	b.handlers[eventType] = removeByID(b.handlers[eventType], id, func(h syncHandler) uint64 { return h.id })
	if len(b.handlers[eventType]) == 0 {
		delete(b.handlers, eventType)
	}
}

// removeByID returns a new slice so that snapshots taken by running
// publishes are never modified.
func removeByID[H any](handlers []H, id uint64, idOf func(H) uint64) []H {
	out := make([]H, 0, len(handlers))
	for _, h := range handlers {
		if idOf(h) != id {
			out = append(out, h)
		}
	}
	return out
}

func (b *Bus) invoke(eventType reflect.Type, h syncHandler, event any) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("Recovered from panic in %s handler %d: %v", eventType, h.id, r)
		}
	}()
	h.fn(event)
}

func (b *Bus) invokeAsync(ctx context.Context, eventType reflect.Type, h asyncHandler, event any) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("Recovered from panic in async %s handler %d: %v", eventType, h.id, r)
		}
	}()
	if err := h.fn(ctx, event); err != nil {
		b.logger.Error("Async %s handler %d failed: %v", eventType, h.id, err)
	}
}

func isNil(event any) bool {
	if event == nil {
		return true
	}
	v := reflect.ValueOf(event)
	switch v.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Func, reflect.Chan, reflect.Interface:
		return v.IsNil()
	}
	return false
}

func (s *Subscription) String() string {
	return fmt.Sprintf("subscription %d for %s", s.id, s.eventType)
}
