// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package report

import "errors"

// Sentinel errors for the report package.
var (
	// ErrInvalidInput is returned for nil results and empty paths.
	ErrInvalidInput = errors.New("invalid input")

	// ErrReportCorrupt is returned when a stored checksum does not match.
	ErrReportCorrupt = errors.New("report checksum mismatch")

	// ErrVersionMismatch is returned for reports written by another format
	// version.
	ErrVersionMismatch = errors.New("report version mismatch")
)
