// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package codec

import (
	"errors"
	"fmt"
	"sync"
)

var ErrUnknownBean = errors.New("codec: unknown bean id")

// Bean is a value that serializes its own fields. The id returned by
// BeanID travels on the wire and selects the factory on the receiving side.
type Bean interface {
	BeanID() string
	WriteFields(out *OutputBuffer) error
	ReadFields(in *InputBuffer) error
}

// Registry maps bean ids to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]func() Bean
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]func() Bean)}
}

// Register binds id to factory, replacing any earlier binding.
func (r *Registry) Register(id string, factory func() Bean) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[id] = factory
}

// New returns a fresh bean for id.
func (r *Registry) New(id string) (Bean, error) {
	r.mu.RLock()
	factory, ok := r.factories[id]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownBean, id)
	}
	return factory(), nil
}

var defaultRegistry = NewRegistry()

// Register binds id in the registry used by the default Coder.
func Register(id string, factory func() Bean) {
	defaultRegistry.Register(id, factory)
}
