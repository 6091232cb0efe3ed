// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package report persists and renders the results of pipeline runs.
//
// Saved reports are JSON files carrying a format version and a BLAKE3
// checksum of the result payload. Writes are atomic: the report is
// written to a temp file in the target directory and renamed into place.
package report

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/zeebo/blake3"

	"github.com/AleutianAI/AleutianFlow/services/flow/pipeline"
)

// Version is the current report format version (semver).
const Version = "1.0.0"

// Report is a saved run.
type Report struct {
	Version  string                    `json:"version"`
	SavedAt  time.Time                 `json:"savedAt"`
	Checksum string                    `json:"checksum"`
	Result   *pipeline.ExecutionResult `json:"result"`
}

// envelope is the on-disk form. The checksum covers the compact encoding
// of Result.
type envelope struct {
	Version  string          `json:"version"`
	SavedAt  time.Time       `json:"savedAt"`
	Checksum string          `json:"checksum"`
	Result   json.RawMessage `json:"result"`
}

func checksum(compact []byte, version string, savedAt time.Time) string {
	h := blake3.New()
	_, _ = h.Write([]byte(version))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(savedAt.UTC().Format(time.RFC3339Nano)))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write(compact)
	return hex.EncodeToString(h.Sum(nil))
}

// Save writes res to path.
//
// Description:
//
//	Serializes the result with a checksum so Load can detect tampering or
//	truncation. Writes atomically using temp file + rename.
//
// Inputs:
//
//	res - The finished run. Must not be nil.
//	path - File path to write. Parent directory must exist.
//
// Outputs:
//
//	error - Non-nil if serialization or the file write fails.
func Save(res *pipeline.ExecutionResult, path string) error {
	if res == nil {
		return fmt.Errorf("%w: result must not be nil", ErrInvalidInput)
	}
	if path == "" {
		return fmt.Errorf("%w: path must not be empty", ErrInvalidInput)
	}

	payload, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	savedAt := time.Now().UTC()
	env := envelope{
		Version:  Version,
		SavedAt:  savedAt,
		Checksum: checksum(payload, Version, savedAt),
		Result:   payload,
	}
	data, err := json.MarshalIndent(env, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".report-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write report: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync report: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close report: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename report: %w", err)
	}
	success = true
	return nil
}

// Load reads and verifies a report.
//
// Outputs:
//
//	*Report - The loaded report. Never nil on success.
//	error - ErrVersionMismatch, ErrReportCorrupt, or a read/parse error.
func Load(path string) (*Report, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: path must not be empty", ErrInvalidInput)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read report: %w", err)
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("unmarshal report: %w", err)
	}
	if env.Version != Version {
		return nil, fmt.Errorf("%w: got %s, want %s", ErrVersionMismatch, env.Version, Version)
	}

	var compact bytes.Buffer
	if err := json.Compact(&compact, env.Result); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrReportCorrupt, err)
	}
	if checksum(compact.Bytes(), env.Version, env.SavedAt) != env.Checksum {
		return nil, ErrReportCorrupt
	}

	var res pipeline.ExecutionResult
	if err := json.Unmarshal(compact.Bytes(), &res); err != nil {
		return nil, fmt.Errorf("unmarshal result: %w", err)
	}
	return &Report{Version: env.Version, SavedAt: env.SavedAt, Checksum: env.Checksum, Result: &res}, nil
}
