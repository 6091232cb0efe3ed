// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package pipeline

import "errors"

// Sentinel errors for the pipeline package.
var (
	// ErrNilPipeline is returned when Run or Start receive a nil pipeline.
	ErrNilPipeline = errors.New("pipeline must not be nil")

	// ErrValidationFailed is returned when validation reports errors and
	// FailOnError is set. The validation.Report is on the ExecutionResult.
	ErrValidationFailed = errors.New("pipeline validation failed")

	// ErrPlanningFailed wraps the planner error of the first scope that
	// could not be planned.
	ErrPlanningFailed = errors.New("pipeline planning failed")

	// ErrCancelled is the cause used when a run is cancelled without a
	// reason.
	ErrCancelled = errors.New("pipeline run cancelled")
)
