// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package execctx

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidTransition is returned when a status change is not allowed by
// the run state machine.
var ErrInvalidTransition = errors.New("invalid status transition")

// Status is the lifecycle state of a pipeline run.
//
//	NotStarted → Initializing → Validating → Planning → Executing
//	Executing → Completed | Failed | Cancelled (via Cancelling)
//	Completed | Failed | Cancelled → CleaningUp
//
// Paused and Cancelling are transient and only entered on an external
// signal.
type Status int

const (
	StatusNotStarted Status = iota
	StatusInitializing
	StatusValidating
	StatusPlanning
	StatusExecuting
	StatusPaused
	StatusCancelling
	StatusCompleted
	StatusFailed
	StatusCancelled
	StatusCleaningUp
)

var statusNames = [...]string{
	StatusNotStarted:   "not_started",
	StatusInitializing: "initializing",
	StatusValidating:   "validating",
	StatusPlanning:     "planning",
	StatusExecuting:    "executing",
	StatusPaused:       "paused",
	StatusCancelling:   "cancelling",
	StatusCompleted:    "completed",
	StatusFailed:       "failed",
	StatusCancelled:    "cancelled",
	StatusCleaningUp:   "cleaning_up",
}

func (s Status) String() string {
	if s >= 0 && int(s) < len(statusNames) {
		return statusNames[s]
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// MarshalText implements encoding.TextMarshaler.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Status) UnmarshalText(text []byte) error {
	for i, name := range statusNames {
		if name == string(text) {
			*s = Status(i)
			return nil
		}
	}
	return fmt.Errorf("unknown status %q", text)
}

// IsOutcome reports whether s is one of Completed, Failed or Cancelled.
func (s Status) IsOutcome() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Transient reports whether s is Paused or Cancelling.
func (s Status) Transient() bool {
	return s == StatusPaused || s == StatusCancelling
}

var transitions = map[Status][]Status{
	StatusNotStarted:   {StatusInitializing, StatusCancelling},
	StatusInitializing: {StatusValidating, StatusFailed, StatusCancelling},
	StatusValidating:   {StatusPlanning, StatusFailed, StatusCancelling},
	StatusPlanning:     {StatusExecuting, StatusFailed, StatusCancelling},
	StatusExecuting:    {StatusCompleted, StatusFailed, StatusPaused, StatusCancelling},
	StatusPaused:       {StatusExecuting, StatusCancelling},
	StatusCancelling:   {StatusCancelled},
	StatusCompleted:    {StatusCleaningUp},
	StatusFailed:       {StatusCleaningUp},
	StatusCancelled:    {StatusCleaningUp},
	StatusCleaningUp:   nil,
}

// CanTransition reports whether from → to is allowed.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// StatusChange records one state machine transition.
type StatusChange struct {
	From Status    `json:"from"`
	To   Status    `json:"to"`
	At   time.Time `json:"at"`
}

// Status returns the current run status.
func (c *Context) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

// Transition moves the run to status to.
//
// Outputs:
//
//	error - ErrInvalidTransition (wrapped) if the move is not allowed. The
//	        status is unchanged in that case.
func (c *Context) Transition(to Status) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	from := c.status
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s → %s", ErrInvalidTransition, from, to)
	}
	c.status = to
	c.transitions = append(c.transitions, StatusChange{From: from, To: to, At: c.now()})
	return nil
}

// Transitions returns every status change in order.
func (c *Context) Transitions() []StatusChange {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]StatusChange, len(c.transitions))
	copy(out, c.transitions)
	return out
}
