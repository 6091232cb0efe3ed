// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package unit

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownEnum indicates a configuration string that names no known
	// category, priority, strategy, dependency type or profile.
	ErrUnknownEnum = errors.New("unknown enum value")

	// ErrEmptyID indicates a unit without an identifier.
	ErrEmptyID = errors.New("unit id is empty")

	// ErrInvalidRetryPolicy indicates a retry policy that cannot be applied.
	ErrInvalidRetryPolicy = errors.New("invalid retry policy")
)

// permanentError marks an error that retrying cannot fix.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps err so the executor stops retrying the unit after the
// current attempt. Permanent(nil) returns nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err, or anything it wraps, was marked with
// Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Permanentf is shorthand for Permanent(fmt.Errorf(format, args...)).
func Permanentf(format string, args ...any) error {
	return Permanent(fmt.Errorf(format, args...))
}
