// Copyright (c) 2025 Seedfast
// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package registry maps event types to ordered subscriber handlers.
//
// Subscribe and Unsubscribe may be called from any goroutine while Dispatch
// runs on the listener goroutine: Dispatch snapshots the handler list under a
// read lock and invokes handlers outside it. Each handler invocation is
// isolated, so a handler that returns an error or panics never prevents the
// remaining handlers from running.
package registry

import (
	"context"
	"slices"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc/panics"
	"go.uber.org/zap"

	"rbridge/cli/internal/bridge/model"
	bridgeerrors "rbridge/cli/internal/errors"
)

// Handler receives dispatched events. The registry holds a non-owning
// reference: unsubscribe before releasing anything the handler closes over.
type Handler func(ctx context.Context, ev model.Event) error

// Subscription is a registered interest in one event type.
type Subscription struct {
	ID        string
	EventType string
	Handler   Handler
}

// FailureFunc observes handler failures (metrics hook).
type FailureFunc func(sub Subscription, err error)

// Registry is safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	byType map[string][]Subscription
	typeOf map[string]string

	logger    *zap.Logger
	onFailure FailureFunc
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the logger used for handler failures.
func WithLogger(l *zap.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithFailureHook registers fn to be called for every failed handler invocation.
func WithFailureHook(fn FailureFunc) Option {
	return func(r *Registry) { r.onFailure = fn }
}

// New creates an empty registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		byType: make(map[string][]Subscription),
		typeOf: make(map[string]string),
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Subscribe appends handler under eventType and returns its subscription id.
func (r *Registry) Subscribe(eventType string, handler Handler) string {
	id := uuid.NewString()
	r.mu.Lock()
	r.byType[eventType] = append(r.byType[eventType], Subscription{ID: id, EventType: eventType, Handler: handler})
	r.typeOf[id] = eventType
	r.mu.Unlock()
	return id
}

// Unsubscribe removes the subscription with the given id. It returns false if
// the id is unknown.
func (r *Registry) Unsubscribe(id string) bool {
	r.mu.Lock()
	eventType, ok := r.typeOf[id]
	if !ok {
		r.mu.Unlock()
		return false
	}
	delete(r.typeOf, id)
	subs := r.byType[eventType]
	idx := slices.IndexFunc(subs, func(s Subscription) bool { return s.ID == id })
	if idx >= 0 {
		// Build a new slice so snapshots held by Dispatch stay intact.
		next := make([]Subscription, 0, len(subs)-1)
		next = append(next, subs[:idx]...)
		next = append(next, subs[idx+1:]...)
		subs = next
	}
	if len(subs) == 0 {
		delete(r.byType, eventType)
	} else {
		r.byType[eventType] = subs
	}
	r.mu.Unlock()
	return true
}

// Dispatch invokes every handler registered for ev.Type in registration order
// and returns how many were invoked. Handler errors and panics are logged and
// never returned.
func (r *Registry) Dispatch(ctx context.Context, ev model.Event) int {
	r.mu.RLock()
	subs := r.byType[ev.Type]
	r.mu.RUnlock()

	for _, sub := range subs {
		if err := invoke(ctx, sub.Handler, ev); err != nil {
			r.logger.Warn("event handler failed",
				zap.String("subscription_id", sub.ID),
				zap.String("event_type", ev.Type),
				zap.String("event_id", ev.ID),
				zap.Error(err))
			if r.onFailure != nil {
				r.onFailure(sub, err)
			}
		}
	}
	return len(subs)
}

func invoke(ctx context.Context, h Handler, ev model.Event) (err error) {
	var pc panics.Catcher
	pc.Try(func() { err = h(ctx, ev) })
	if rec := pc.Recovered(); rec != nil {
		return bridgeerrors.Wrap(bridgeerrors.Callback, "handler panicked", rec.AsError())
	}
	if err != nil {
		return bridgeerrors.Wrap(bridgeerrors.Callback, "handler returned error", err)
	}
	return nil
}

// EventTypes returns the sorted set of event types that currently have subscribers.
func (r *Registry) EventTypes() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.byType))
	for t := range r.byType {
		out = append(out, t)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Len returns the total number of subscriptions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.typeOf)
}

// Close drops every subscription.
func (r *Registry) Close() {
	r.mu.Lock()
	r.byType = make(map[string][]Subscription)
	r.typeOf = make(map[string]string)
	r.mu.Unlock()
}
