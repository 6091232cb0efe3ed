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

import "errors"

// Sentinel errors for the config package.
var (
	// ErrDocumentTooLarge is returned for documents over MaxDocumentSize.
	ErrDocumentTooLarge = errors.New("pipeline document too large")

	// ErrInvalidDocument wraps YAML and struct validation failures.
	ErrInvalidDocument = errors.New("invalid pipeline document")

	// ErrUnknownEnvironment is returned when the requested environment has
	// no overlay in the document.
	ErrUnknownEnvironment = errors.New("unknown environment")

	// ErrUnknownCommandType is returned when no factory is registered for
	// a command type.
	ErrUnknownCommandType = errors.New("unknown command type")

	// ErrDuplicateType is returned when a factory is registered twice.
	ErrDuplicateType = errors.New("command type already registered")

	// ErrDuplicateID is returned when two units of a document share an id.
	ErrDuplicateID = errors.New("duplicate unit id")

	// ErrUnknownReference is returned when a behavior, aggregator or
	// fallback names a unit that does not exist or has the wrong kind.
	ErrUnknownReference = errors.New("unknown unit reference")

	// ErrUnitReused is returned when a unit is placed in more than one
	// group, or is both a member and a fallback.
	ErrUnitReused = errors.New("unit used more than once")

	// ErrNestingCycle is returned when groups contain each other.
	ErrNestingCycle = errors.New("groups contain each other")

	// ErrMissingParam is returned by Params accessors for absent keys.
	ErrMissingParam = errors.New("missing parameter")

	// ErrParamType is returned by Params accessors when a value has the
	// wrong kind.
	ErrParamType = errors.New("parameter has the wrong type")
)
