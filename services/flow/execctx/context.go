// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package execctx holds the per-run execution context shared by every unit
// of one pipeline run.
//
// A Context owns three things:
//
//   - a concurrent key/value store of tagged values
//   - an append-only history with one entry per unit attempt
//   - the run's status state machine
//
// A Context is created when a run starts and discarded when its result is
// returned. Nothing is persisted across runs.
//
// # Visibility
//
// Writes made by a unit are visible to every unit in a later phase. Units in
// the same parallel phase get no ordering guarantee between their writes.
//
// # Thread Safety
//
// All methods are safe for concurrent use.
package execctx

import (
	"sort"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianFlow/services/flow/value"
)

// Outcome is the terminal state of one attempt or unit.
type Outcome string

const (
	OutcomePending   Outcome = ""
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
	OutcomeTimedOut  Outcome = "timed_out"
	OutcomeSkipped   Outcome = "skipped"
	OutcomeCancelled Outcome = "cancelled"
)

// HistoryEntry records one unit attempt.
type HistoryEntry struct {
	// Scope is the slash-separated path of the scope owning the unit.
	Scope string `json:"scope"`

	UnitID string `json:"unitId"`

	// Attempt is 1-based. Skipped units are recorded with Attempt 0.
	Attempt int `json:"attempt"`

	Outcome Outcome `json:"outcome"`
	Error   string  `json:"error,omitempty"`

	// Fallback is set when the attempt ran a fallback for this primary id.
	Fallback string `json:"fallback,omitempty"`

	StartedAt  time.Time `json:"startedAt"`
	FinishedAt time.Time `json:"finishedAt"`
}

// Duration returns how long the attempt took.
func (h HistoryEntry) Duration() time.Duration {
	return h.FinishedAt.Sub(h.StartedAt)
}

// Context is the shared state of one pipeline run.
type Context struct {
	id string

	mu          sync.RWMutex
	data        map[string]value.Value
	history     []HistoryEntry
	status      Status
	transitions []StatusChange

	now func() time.Time
}

// New creates an empty context for the run identified by id.
func New(id string) *Context {
	return &Context{
		id:   id,
		data: make(map[string]value.Value),
		now:  time.Now,
	}
}

// NewWithData creates a context seeded with initial entries.
func NewWithData(id string, seed map[string]value.Value) *Context {
	c := New(id)
	for k, v := range seed {
		c.data[k] = v
	}
	return c
}

// ID returns the run identifier.
func (c *Context) ID() string { return c.id }

// Get returns the value stored under key.
func (c *Context) Get(key string) (value.Value, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.data[key]
	return v, ok
}

// GetOr returns the value under key, or def when absent.
func (c *Context) GetOr(key string, def value.Value) value.Value {
	if v, ok := c.Get(key); ok {
		return v
	}
	return def
}

// GetString returns the string stored under key. ok is false when the key
// is missing or holds another kind.
func (c *Context) GetString(key string) (string, bool) {
	v, ok := c.Get(key)
	if !ok {
		return "", false
	}
	return v.AsString()
}

// GetNumber returns the number stored under key.
func (c *Context) GetNumber(key string) (float64, bool) {
	v, ok := c.Get(key)
	if !ok {
		return 0, false
	}
	return v.AsNumber()
}

// GetBool returns the bool stored under key.
func (c *Context) GetBool(key string) (bool, bool) {
	v, ok := c.Get(key)
	if !ok {
		return false, false
	}
	return v.AsBool()
}

// Set stores v under key, replacing any previous value.
func (c *Context) Set(key string, v value.Value) {
	c.mu.Lock()
	c.data[key] = v
	c.mu.Unlock()
}

// SetAny converts x with value.FromAny and stores it.
func (c *Context) SetAny(key string, x any) error {
	v, err := value.FromAny(x)
	if err != nil {
		return err
	}
	c.Set(key, v)
	return nil
}

// Remove deletes key and reports whether it was present.
func (c *Context) Remove(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.data[key]
	delete(c.data, key)
	return ok
}

// Has reports whether key is present.
func (c *Context) Has(key string) bool {
	_, ok := c.Get(key)
	return ok
}

// Keys returns all keys in sorted order.
func (c *Context) Keys() []string {
	c.mu.RLock()
	keys := make([]string, 0, len(c.data))
	for k := range c.data {
		keys = append(keys, k)
	}
	c.mu.RUnlock()
	sort.Strings(keys)
	return keys
}

// Len returns the number of stored entries.
func (c *Context) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.data)
}

// Snapshot returns a copy of the shared data.
func (c *Context) Snapshot() map[string]value.Value {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]value.Value, len(c.data))
	for k, v := range c.data {
		out[k] = v
	}
	return out
}

// Record appends an entry to the history.
func (c *Context) Record(entry HistoryEntry) {
	c.mu.Lock()
	c.history = append(c.history, entry)
	c.mu.Unlock()
}

// History returns a copy of the history in append order.
func (c *Context) History() []HistoryEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]HistoryEntry, len(c.history))
	copy(out, c.history)
	return out
}

// HistoryFor returns the entries of one unit in one scope.
func (c *Context) HistoryFor(scope, unitID string) []HistoryEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []HistoryEntry
	for _, h := range c.history {
		if h.Scope == scope && h.UnitID == unitID {
			out = append(out, h)
		}
	}
	return out
}
