// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package executor

import (
	"errors"
	"fmt"
)

// Sentinel errors for the executor package.
var (
	// ErrNilContext is returned when a nil execution context is passed.
	ErrNilContext = errors.New("execution context must not be nil")

	// ErrUnitTimeout marks an attempt that exceeded its timeout. Timeouts
	// are retryable.
	ErrUnitTimeout = errors.New("unit execution timed out")

	// ErrUnitPanic marks an attempt whose command panicked.
	ErrUnitPanic = errors.New("unit panicked")

	// ErrNotCommand is returned for a leaf unit that does not implement
	// unit.Command or Composite.
	ErrNotCommand = errors.New("unit is neither a command nor a composite")
)

// UnitError wraps the final error of a unit with its id and attempt count.
type UnitError struct {
	Scope    string
	UnitID   string
	Attempts int
	Err      error
}

// Error returns the error message.
func (e *UnitError) Error() string {
	plural := "s"
	if e.Attempts == 1 {
		plural = ""
	}
	return fmt.Sprintf("unit %q in %s failed after %d attempt%s: %v", e.UnitID, e.Scope, e.Attempts, plural, e.Err)
}

// Unwrap returns the underlying error.
func (e *UnitError) Unwrap() error {
	return e.Err
}
