package router

import (
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"bouncelink/internal/registry"
	"bouncelink/internal/wire"
	logx "bouncelink/pkg/logx"
)

// Handler consumes one event. A returned error or a panic is logged as a
// HandlerError and never reaches the dispatcher's caller.
type Handler func(ev wire.Event) error

// HandlerError describes one failed handler invocation.
type HandlerError struct {
	Type  string
	Err   error
	Panic any
}

func (e *HandlerError) Error() string {
	if e.Panic != nil {
		return fmt.Sprintf("handler for %s panicked: %v", e.Type, e.Panic)
	}
	return fmt.Sprintf("handler for %s: %v", e.Type, e.Err)
}

func (e *HandlerError) Unwrap() error { return e.Err }

// Router fans events out to the handlers registered for their type plus
// the wildcard handlers. It owns no state besides the dispatch map.
type Router struct {
	log logx.Logger
	now func() time.Time

	mu       sync.RWMutex
	handlers map[string]*registry.Registry[Handler]

	dispatched atomic.Uint64
	failures   atomic.Uint64
}

// Stats is a best-effort counter snapshot.
type Stats struct {
	Dispatched uint64 `json:"dispatched"`
	Failures   uint64 `json:"handler_failures"`
	Handlers   int    `json:"handlers"`
}

func New(log logx.Logger) *Router {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Router{
		log:      log,
		now:      time.Now,
		handlers: map[string]*registry.Registry[Handler]{},
	}
}

// Subscription is returned by On and detaches exactly one handler.
type Subscription struct {
	r      *Router
	typ    string
	handle registry.Handle
}

// Handle identifies the registration.
func (s Subscription) Handle() registry.Handle { return s.handle }

// Unsubscribe detaches the handler. Calling it again is a no-op.
func (s Subscription) Unsubscribe() {
	if s.r == nil {
		return
	}
	s.r.remove(s.typ, s.handle)
}

// On registers h for eventType (or wire.Wildcard).
func (r *Router) On(eventType string, h Handler) Subscription {
	if h == nil {
		return Subscription{}
	}
	r.mu.Lock()
	reg := r.handlers[eventType]
	if reg == nil {
		reg = &registry.Registry[Handler]{}
		r.handlers[eventType] = reg
	}
	r.mu.Unlock()

	handle, _ := reg.Add(h)
	return Subscription{r: r, typ: eventType, handle: handle}
}

// Off removes the given subscriptions for eventType, or every handler for
// eventType when none are given. It returns how many were removed.
func (r *Router) Off(eventType string, subs ...Subscription) int {
	if len(subs) == 0 {
		r.mu.Lock()
		reg := r.handlers[eventType]
		delete(r.handlers, eventType)
		r.mu.Unlock()
		if reg == nil {
			return 0
		}
		return reg.Clear()
	}
	n := 0
	for _, s := range subs {
		if s.typ == eventType && r.remove(eventType, s.handle) {
			n++
		}
	}
	return n
}

func (r *Router) remove(eventType string, h registry.Handle) bool {
	r.mu.RLock()
	reg := r.handlers[eventType]
	r.mu.RUnlock()
	if reg == nil {
		return false
	}
	return reg.Remove(h)
}

// Dispatch builds an Event for eventType/p and delivers it.
func (r *Router) Dispatch(eventType string, p wire.Payload) wire.Event {
	ev := wire.NewEvent(eventType, p, r.now())
	r.DispatchEvent(ev)
	return ev
}

// DispatchEvent delivers ev to the type handlers, then the wildcard
// handlers, each in registration order.
func (r *Router) DispatchEvent(ev wire.Event) {
	r.dispatched.Add(1)

	r.mu.RLock()
	typed := r.handlers[ev.Type]
	wild := r.handlers[wire.Wildcard]
	r.mu.RUnlock()

	if typed != nil {
		r.invokeAll(ev, typed)
	}
	if wild != nil && ev.Type != wire.Wildcard {
		r.invokeAll(ev, wild)
	}
}

func (r *Router) invokeAll(ev wire.Event, reg *registry.Registry[Handler]) {
	for _, h := range reg.Snapshot() {
		if err := r.invoke(ev, h); err != nil {
			r.failures.Add(1)
			r.log.Warn("event handler failed", logx.String("event", ev.Type), logx.String("event_id", ev.ID), logx.Err(err))
		}
	}
}

func (r *Router) invoke(ev wire.Event, h Handler) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = &HandlerError{Type: ev.Type, Panic: p}
			r.log.Debug("event handler panic stack", logx.String("event", ev.Type), logx.Stack(string(debug.Stack())))
		}
	}()
	if herr := h(ev); herr != nil {
		var he *HandlerError
		if errors.As(herr, &he) {
			return herr
		}
		return &HandlerError{Type: ev.Type, Err: herr}
	}
	return nil
}

// Stats returns dispatch counters.
func (r *Router) Stats() Stats {
	r.mu.RLock()
	n := 0
	for _, reg := range r.handlers {
		n += reg.Len()
	}
	r.mu.RUnlock()
	return Stats{Dispatched: r.dispatched.Load(), Failures: r.failures.Load(), Handlers: n}
}
