// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/AleutianAI/AleutianFlow/services/flow/execctx"
	"github.com/AleutianAI/AleutianFlow/services/flow/unit"
)

// NoopType is the command type every Registry starts with. It succeeds
// without doing anything and is what FromPlan writes.
const NoopType = "noop"

// Factory creates the behavior of a command from its spec. Build wraps the
// returned function with the descriptor derived from the document entry.
type Factory func(spec CommandSpec) (unit.ExecuteFunc, error)

// Registry maps command types to factories.
//
// Thread Safety: Safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates a registry holding only NoopType.
func NewRegistry() *Registry {
	r := &Registry{factories: make(map[string]Factory)}
	r.factories[NoopType] = func(CommandSpec) (unit.ExecuteFunc, error) {
		return func(context.Context, *execctx.Context) (unit.Output, error) {
			return unit.Output{}, nil
		}, nil
	}
	return r
}

// Register adds a factory for typ.
//
// Outputs:
//
//	error - ErrDuplicateType if typ is already registered.
func (r *Registry) Register(typ string, f Factory) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.factories[typ]; ok {
		return fmt.Errorf("%w: %q", ErrDuplicateType, typ)
	}
	r.factories[typ] = f
	return nil
}

// Lookup returns the factory for typ.
func (r *Registry) Lookup(typ string) (Factory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.factories[typ]
	return f, ok
}

// Types returns the registered types, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for t := range r.factories {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// NewCommand builds the command described by spec.
func (r *Registry) NewCommand(spec CommandSpec) (unit.Command, error) {
	f, ok := r.Lookup(spec.Type)
	if !ok {
		return nil, fmt.Errorf("%w: %q for command %q", ErrUnknownCommandType, spec.Type, spec.ID)
	}
	desc, err := spec.Descriptor()
	if err != nil {
		return nil, err
	}
	if spec.Retry != nil {
		p := spec.Retry.Policy()
		desc.Retry = &p
	}
	fn, err := f(spec)
	if err != nil {
		return nil, fmt.Errorf("command %q (%s): %w", spec.ID, spec.Type, err)
	}
	return unit.NewFunc(desc, fn), nil
}
