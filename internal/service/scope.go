package service

import (
	"io"
	"reflect"
	"sync"

	"github.com/jfourny/pluginhost/pkg/pluginapi"
)

// Scope is a live set of resolved instances backed by a Registry. The
// root scope caches singletons; forked scopes cache scoped instances and
// delegate singletons to the root.
type Scope struct {
	registry *Registry
	root     *Scope

	mu        sync.Mutex
	instances map[reflect.Type]any
	closers   []io.Closer
	disposed  bool
}

func newScope(registry *Registry) *Scope {
	s := &Scope{
		registry:  registry,
		instances: make(map[reflect.Type]any),
	}
	s.root = s
	return s
}

var _ pluginapi.Resolver = (*Scope)(nil)

// Fork derives a child scope for one logical request. Singletons still
// resolve against the root; scoped instances are private to the child.
func (s *Scope) Fork() *Scope {
	return &Scope{
		registry:  s.registry,
		root:      s.root,
		instances: make(map[reflect.Type]any),
	}
}

// Resolve returns the instance bound to t, constructing it on demand
// according to its lifetime. Unregistered types yield ErrNotRegistered.
func (s *Scope) Resolve(t reflect.Type) (any, error) {
	b, ok := s.registry.lookup(t)
	if !ok {
		return nil, pluginapi.ErrNotRegistered
	}

	switch b.lifetime {
	case pluginapi.Singleton:
		return s.root.cached(t, b)
	case pluginapi.Scoped:
		return s.cached(t, b)
	default:
		instance, err := b.construct(s)
		if err != nil {
			return nil, err
		}
		s.trackCloser(instance)
		return instance, nil
	}
}

// cached returns the instance stored under t, constructing it first if
// needed. Construction runs outside the lock so a constructor may resolve
// other services; if two goroutines race, the first stored instance wins
// and the loser is closed.
func (s *Scope) cached(t reflect.Type, b *binding) (any, error) {
	s.mu.Lock()
	if instance, ok := s.instances[t]; ok {
		s.mu.Unlock()
		return instance, nil
	}
	s.mu.Unlock()

	instance, err := b.construct(s)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if existing, ok := s.instances[t]; ok {
		s.mu.Unlock()
		if closer, isCloser := instance.(io.Closer); isCloser {
			_ = closer.Close()
		}
		return existing, nil
	}
	s.instances[t] = instance
	if closer, ok := instance.(io.Closer); ok {
		s.closers = append(s.closers, closer)
	}
	s.mu.Unlock()

	return instance, nil
}

func (s *Scope) trackCloser(instance any) {
	closer, ok := instance.(io.Closer)
	if !ok {
		return
	}
	s.mu.Lock()
	s.closers = append(s.closers, closer)
	s.mu.Unlock()
}

// Dispose closes every tracked instance in reverse construction order.
// Idempotent.
func (s *Scope) Dispose() {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return
	}
	s.disposed = true
	closers := s.closers
	s.closers = nil
	s.instances = make(map[reflect.Type]any)
	s.mu.Unlock()

	for i := len(closers) - 1; i >= 0; i-- {
		_ = closers[i].Close()
	}
}
