// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package result holds execution results and the bottom-up fold that rolls
// command results into behavior, aggregator and pipeline results.
//
// Results are values. Every With method returns a modified copy and leaves
// the receiver untouched, so a result can be shared between goroutines once
// built. Counts such as FailedCommands are always derived from children;
// nothing is cached.
package result

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/AleutianAI/AleutianFlow/services/flow/planner"
	"github.com/AleutianAI/AleutianFlow/services/flow/value"
)

// Level is the nesting level of a result.
type Level int

const (
	LevelCommand Level = iota
	LevelBehavior
	LevelAggregator
	LevelPipeline
)

func (l Level) String() string {
	switch l {
	case LevelCommand:
		return "command"
	case LevelBehavior:
		return "behavior"
	case LevelAggregator:
		return "aggregator"
	case LevelPipeline:
		return "pipeline"
	default:
		return fmt.Sprintf("level(%d)", int(l))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (l Level) MarshalText() ([]byte, error) { return []byte(l.String()), nil }

// Status is the terminal state of a unit.
type Status int

const (
	StatusPending Status = iota
	StatusSucceeded
	StatusFailed
	StatusTimedOut
	StatusSkipped
	StatusCancelled
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusSucceeded:
		return "succeeded"
	case StatusFailed:
		return "failed"
	case StatusTimedOut:
		return "timed_out"
	case StatusSkipped:
		return "skipped"
	case StatusCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Status) UnmarshalText(text []byte) error {
	for c := StatusPending; c <= StatusCancelled; c++ {
		if c.String() == string(text) {
			*s = c
			return nil
		}
	}
	return fmt.Errorf("unknown result status %q", text)
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (l *Level) UnmarshalText(text []byte) error {
	for c := LevelCommand; c <= LevelPipeline; c++ {
		if c.String() == string(text) {
			*l = c
			return nil
		}
	}
	return fmt.Errorf("unknown result level %q", text)
}

// IsFailure reports whether s counts as a failure: Failed or TimedOut.
func (s Status) IsFailure() bool {
	return s == StatusFailed || s == StatusTimedOut
}

// SkipReason explains a Skipped status.
type SkipReason string

const (
	SkipNone       SkipReason = ""
	SkipDependency SkipReason = "dependency"
	SkipCondition  SkipReason = "condition"
	SkipFailFast   SkipReason = "fail_fast"
)

// Result is the outcome of one unit at any level.
type Result struct {
	ID           string      `json:"id"`
	Name         string      `json:"name"`
	Level        Level       `json:"level"`
	Status       Status      `json:"status"`
	SkipReason   SkipReason  `json:"skipReason,omitempty"`
	ErrorMessage string      `json:"errorMessage,omitempty"`
	Data         value.Value `json:"data"`
	StartedAt    time.Time   `json:"startedAt"`
	CompletedAt  time.Time   `json:"completedAt"`

	// Attempts counts invocations including retries. Zero for skipped
	// units and for composites.
	Attempts int `json:"attempts"`

	Optional bool `json:"optional,omitempty"`
	Phase    int  `json:"phase"`

	// FallbackUsed is the id of the fallback unit that produced this
	// result, if the primary failed.
	FallbackUsed string `json:"fallbackUsed,omitempty"`

	Warnings    []string `json:"warnings,omitempty"`
	Information []string `json:"information,omitempty"`
	Children    []Result `json:"children,omitempty"`

	// Plan is the plan this composite executed its children with.
	Plan *planner.Plan `json:"plan,omitempty"`
}

// New creates a pending result.
func New(id, name string, level Level) Result {
	if name == "" {
		name = id
	}
	return Result{ID: id, Name: name, Level: level}
}

// Skip creates a skipped result.
func Skip(id, name string, level Level, reason SkipReason, detail string) Result {
	r := New(id, name, level)
	r.Status = StatusSkipped
	r.SkipReason = reason
	if detail != "" {
		r.Information = []string{detail}
	}
	return r
}

// IsSuccess reports whether the unit succeeded.
func (r Result) IsSuccess() bool { return r.Status == StatusSucceeded }

// Duration returns CompletedAt - StartedAt, or zero if either is unset.
func (r Result) Duration() time.Duration {
	if r.StartedAt.IsZero() || r.CompletedAt.IsZero() {
		return 0
	}
	return r.CompletedAt.Sub(r.StartedAt)
}

// WithStatus returns a copy with status s.
func (r Result) WithStatus(s Status) Result {
	r.Status = s
	return r
}

// WithError returns a copy with the given failure status and message.
func (r Result) WithError(s Status, err error) Result {
	r.Status = s
	if err != nil {
		r.ErrorMessage = err.Error()
	}
	return r
}

// WithData returns a copy carrying data.
func (r Result) WithData(data value.Value) Result {
	r.Data = data
	return r
}

// WithTiming returns a copy with start and completion times.
func (r Result) WithTiming(start, end time.Time) Result {
	r.StartedAt, r.CompletedAt = start, end
	return r
}

// WithAttempts returns a copy with the attempt count.
func (r Result) WithAttempts(n int) Result {
	r.Attempts = n
	return r
}

// WithOptional returns a copy with the optional flag.
func (r Result) WithOptional(optional bool) Result {
	r.Optional = optional
	return r
}

// WithPhase returns a copy with the phase number.
func (r Result) WithPhase(n int) Result {
	r.Phase = n
	return r
}

// WithFallback returns a copy recording that fallback id produced it.
func (r Result) WithFallback(id string) Result {
	r.FallbackUsed = id
	return r
}

// WithPlan returns a copy carrying the plan.
func (r Result) WithPlan(p *planner.Plan) Result {
	r.Plan = p
	return r
}

// WithWarnings returns a copy with msgs appended to the warnings.
func (r Result) WithWarnings(msgs ...string) Result {
	r.Warnings = appendCopy(r.Warnings, msgs)
	return r
}

// WithInformation returns a copy with msgs appended to the information.
func (r Result) WithInformation(msgs ...string) Result {
	r.Information = appendCopy(r.Information, msgs)
	return r
}

func appendCopy(dst, src []string) []string {
	if len(src) == 0 {
		return dst
	}
	out := make([]string, 0, len(dst)+len(src))
	out = append(out, dst...)
	return append(out, src...)
}

// Fold rolls children into a parent result.
//
// Description:
//
//	The parent succeeds unless a required child failed, timed out or was
//	cancelled. A cancelled required child makes the parent Cancelled when
//	no required child failed. Optional-child failures and fallback use are
//	recorded as warnings. Skipped children never change the status.
//
// Inputs:
//
//	id, name, level - Identity of the parent.
//	children - Child results in execution order. Copied.
//	start, end - The parent's timing.
//
// Outputs:
//
//	Result - The folded parent.
func Fold(id, name string, level Level, children []Result, start, end time.Time) Result {
	r := New(id, name, level).WithTiming(start, end)
	r.Children = append([]Result(nil), children...)
	r.Status = StatusSucceeded

	var failures []string
	cancelled := false
	for _, c := range children {
		switch {
		case c.Status.IsFailure() && c.Optional:
			r.Warnings = append(r.Warnings, fmt.Sprintf("optional %s %q failed: %s", c.Level, c.ID, c.ErrorMessage))
		case c.Status.IsFailure():
			failures = append(failures, fmt.Sprintf("%s: %s", c.ID, c.ErrorMessage))
		case c.Status == StatusCancelled && !c.Optional:
			cancelled = true
		}
		if c.FallbackUsed != "" {
			r.Warnings = append(r.Warnings, fmt.Sprintf("%s %q recovered by fallback %q", c.Level, c.ID, c.FallbackUsed))
		}
	}
	switch {
	case len(failures) > 0:
		r.Status = StatusFailed
		r.ErrorMessage = strings.Join(failures, "; ")
	case cancelled:
		r.Status = StatusCancelled
		r.ErrorMessage = "cancelled"
	}
	return r
}

// Walk visits r and every descendant depth-first, parents before children.
// Returning false from fn stops descent into that node's children.
func (r Result) Walk(fn func(Result) bool) {
	if !fn(r) {
		return
	}
	for _, c := range r.Children {
		c.Walk(fn)
	}
}

// Child returns the direct child with the given id.
func (r Result) Child(id string) (Result, bool) {
	for _, c := range r.Children {
		if c.ID == id {
			return c, true
		}
	}
	return Result{}, false
}

// Find follows a path of child ids from r.
func (r Result) Find(path ...string) (Result, bool) {
	cur := r
	for _, id := range path {
		next, ok := cur.Child(id)
		if !ok {
			return Result{}, false
		}
		cur = next
	}
	return cur, true
}

func (r Result) count(level Level, match func(Status) bool) int {
	n := 0
	for _, c := range r.Children {
		c.Walk(func(d Result) bool {
			if d.Level == level && match(d.Status) {
				n++
			}
			return true
		})
	}
	return n
}

// Total counts descendants at level.
func (r Result) Total(level Level) int {
	return r.count(level, func(Status) bool { return true })
}

// Successful counts succeeded descendants at level.
func (r Result) Successful(level Level) int {
	return r.count(level, func(s Status) bool { return s == StatusSucceeded })
}

// Failed counts failed or timed out descendants at level.
func (r Result) Failed(level Level) int {
	return r.count(level, Status.IsFailure)
}

// Skipped counts skipped descendants at level.
func (r Result) Skipped(level Level) int {
	return r.count(level, func(s Status) bool { return s == StatusSkipped })
}

// Cancelled counts cancelled descendants at level.
func (r Result) Cancelled(level Level) int {
	return r.count(level, func(s Status) bool { return s == StatusCancelled })
}

// SuccessRate returns Successful/Total at level, or 0 with no descendants.
func (r Result) SuccessRate(level Level) float64 {
	total := r.Total(level)
	if total == 0 {
		return 0
	}
	return float64(r.Successful(level)) / float64(total)
}

func (r Result) SuccessfulCommands() int { return r.Successful(LevelCommand) }
func (r Result) FailedCommands() int     { return r.Failed(LevelCommand) }
func (r Result) SkippedCommands() int    { return r.Skipped(LevelCommand) }
func (r Result) TotalCommands() int      { return r.Total(LevelCommand) }

func (r Result) SuccessfulBehaviors() int { return r.Successful(LevelBehavior) }
func (r Result) FailedBehaviors() int     { return r.Failed(LevelBehavior) }
func (r Result) TotalBehaviors() int      { return r.Total(LevelBehavior) }

func (r Result) SuccessfulAggregators() int { return r.Successful(LevelAggregator) }
func (r Result) FailedAggregators() int     { return r.Failed(LevelAggregator) }
func (r Result) TotalAggregators() int      { return r.Total(LevelAggregator) }

// FallbacksUsed counts descendants produced by a fallback.
func (r Result) FallbacksUsed() int {
	n := 0
	for _, c := range r.Children {
		c.Walk(func(d Result) bool {
			if d.FallbackUsed != "" {
				n++
			}
			return true
		})
	}
	return n
}

// Summary holds the derived counts of one level, for reporting.
type Summary struct {
	Total       int     `json:"total"`
	Successful  int     `json:"successful"`
	Failed      int     `json:"failed"`
	Skipped     int     `json:"skipped"`
	Cancelled   int     `json:"cancelled"`
	SuccessRate float64 `json:"successRate"`
}

// Summarize derives the counts of level.
func (r Result) Summarize(level Level) Summary {
	return Summary{
		Total:       r.Total(level),
		Successful:  r.Successful(level),
		Failed:      r.Failed(level),
		Skipped:     r.Skipped(level),
		Cancelled:   r.Cancelled(level),
		SuccessRate: r.SuccessRate(level),
	}
}

// MarshalJSON adds the derived command counts to the serialized form.
func (r Result) MarshalJSON() ([]byte, error) {
	type plain Result
	return json.Marshal(struct {
		plain
		Commands *Summary `json:"commands,omitempty"`
	}{plain: plain(r), Commands: r.summaryIfComposite()})
}

func (r Result) summaryIfComposite() *Summary {
	if len(r.Children) == 0 {
		return nil
	}
	s := r.Summarize(LevelCommand)
	return &s
}
