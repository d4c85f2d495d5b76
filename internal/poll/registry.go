package poll

import (
	"context"
	"sync"
)

// Registry keeps at most one controller per consumer. Pointing a consumer at
// a new key stops its previous controller.
type Registry struct {
	load    Loader
	publish Publisher
	opts    []Option

	mu         sync.Mutex
	byConsumer map[string]*Controller
}

// NewRegistry creates a registry whose controllers share load and publish.
func NewRegistry(load Loader, publish Publisher, opts ...Option) *Registry {
	return &Registry{
		load:       load,
		publish:    publish,
		opts:       opts,
		byConsumer: make(map[string]*Controller),
	}
}

// Watch subscribes consumer to key. If the consumer already watches key
// with a live or satisfied controller, that controller is returned
// untouched. A cancelled or exhausted controller for the same key is
// replaced, so watching again retries the full backoff schedule. Otherwise
// the previous controller is stopped and a new one is started on the
// calling goroutine.
func (r *Registry) Watch(ctx context.Context, consumer string, key Key) *Controller {
	r.mu.Lock()
	prev, ok := r.byConsumer[consumer]
	if ok && prev.Key() == key && reusable(prev.State()) {
		r.mu.Unlock()
		return prev
	}
	c := NewController(key, r.load, r.publish, r.opts...)
	r.byConsumer[consumer] = c
	r.mu.Unlock()

	if ok {
		prev.Stop()
	}
	c.Start(ctx)
	return c
}

func reusable(s State) bool {
	return s != Cancelled && s != Exhausted
}

// Detach stops and forgets the consumer's controller.
func (r *Registry) Detach(consumer string) {
	r.mu.Lock()
	c, ok := r.byConsumer[consumer]
	delete(r.byConsumer, consumer)
	r.mu.Unlock()
	if ok {
		c.Stop()
	}
}

// Get returns the consumer's controller.
func (r *Registry) Get(consumer string) (*Controller, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.byConsumer[consumer]
	return c, ok
}

// Len returns the number of tracked consumers.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byConsumer)
}

// StopAll detaches every consumer.
func (r *Registry) StopAll() {
	r.mu.Lock()
	all := r.byConsumer
	r.byConsumer = make(map[string]*Controller)
	r.mu.Unlock()
	for _, c := range all {
		c.Stop()
	}
}
