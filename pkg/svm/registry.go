// Copyright 2026 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package svm

import (
	"context"

	"gvisor.dev/gpusvm/pkg/sync"
)

// Registry tracks the bindings of all processes.
type Registry struct {
	// mu serializes binding setup and protects bindings.
	mu       sync.Mutex
	bindings map[Key]*Binding
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{bindings: make(map[Key]*Binding)}
}

// Init returns the binding for key, creating and enabling it on first use.
// If an enabled binding already exists it is returned unchanged.
func (r *Registry) Init(ctx context.Context, key Key, deps Deps) (*Binding, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.bindings[key]; ok {
		if b.State() != StateDisabled {
			return b, nil
		}
		b.Release(ctx)
		delete(r.bindings, key)
	}
	b := newBinding(key, deps)
	if err := b.init(ctx); err != nil {
		return nil, err
	}
	r.bindings[key] = b
	return b, nil
}

// Lookup returns the binding for key.
func (r *Registry) Lookup(key Key) (*Binding, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.bindings[key]
	return b, ok
}

// Fini releases the binding for key.
func (r *Registry) Fini(ctx context.Context, key Key) {
	r.mu.Lock()
	b, ok := r.bindings[key]
	delete(r.bindings, key)
	r.mu.Unlock()
	if ok {
		b.Release(ctx)
	}
}

// ProcessExit releases every binding of process pid.
//
// Preconditions: the CPU address-space lock of pid is not held.
func (r *Registry) ProcessExit(ctx context.Context, pid int32) {
	r.mu.Lock()
	var bs []*Binding
	for k, b := range r.bindings {
		if k.PID == pid {
			bs = append(bs, b)
			delete(r.bindings, k)
		}
	}
	r.mu.Unlock()
	for _, b := range bs {
		b.Release(ctx)
	}
}

// Len returns the number of tracked bindings.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.bindings)
}
