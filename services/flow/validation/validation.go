// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package validation checks a workflow tree before it is planned.
//
// Problems are reported as values. A Report separates errors, which make a
// tree unrunnable when FailOnError is set, from warnings, which are only
// surfaced.
package validation

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/AleutianAI/AleutianFlow/services/flow/execctx"
	"github.com/AleutianAI/AleutianFlow/services/flow/resolver"
	"github.com/AleutianAI/AleutianFlow/services/flow/unit"
)

// ErrInvalid is wrapped by Report.Err when the report holds errors.
var ErrInvalid = errors.New("validation failed")

// Severity grades an Issue.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Issue codes.
const (
	CodeEmptyID            = "EMPTY_ID"
	CodeDuplicateID        = "DUPLICATE_ID"
	CodeUnknownDependency  = "UNKNOWN_DEPENDENCY"
	CodeSelfDependency     = "SELF_DEPENDENCY"
	CodeUnknownEnum        = "UNKNOWN_ENUM"
	CodeMissingCondition   = "MISSING_CONDITION"
	CodeInvalidCondition   = "INVALID_CONDITION"
	CodeUnusedCondition    = "UNUSED_CONDITION"
	CodeUnknownFallback    = "UNKNOWN_FALLBACK"
	CodeFallbackIgnored    = "FALLBACK_IGNORED"
	CodeInvalidRetry       = "INVALID_RETRY"
	CodeNegativeDuration   = "NEGATIVE_DURATION"
	CodeDependencyCycle    = "DEPENDENCY_CYCLE"
	CodeEmptyScope         = "EMPTY_SCOPE"
	CodeFallbackDependency = "FALLBACK_DEPENDENCY"
)

// Issue is one finding.
type Issue struct {
	Severity Severity `json:"severity"`
	Code     string   `json:"code"`

	// Path locates the finding: scope path, then unit id.
	Path    string `json:"path"`
	Message string `json:"message"`
}

func (i Issue) String() string {
	return fmt.Sprintf("%s %s at %s: %s", i.Severity, i.Code, i.Path, i.Message)
}

// Report collects the issues of one validation pass.
type Report struct {
	Errors   []Issue `json:"errors"`
	Warnings []Issue `json:"warnings"`
}

// IsValid reports whether there are no errors.
func (r Report) IsValid() bool { return len(r.Errors) == 0 }

// Err returns nil for a valid report, otherwise an error wrapping
// ErrInvalid that lists every error.
func (r Report) Err() error {
	if r.IsValid() {
		return nil
	}
	msgs := make([]string, len(r.Errors))
	for i, e := range r.Errors {
		msgs[i] = e.String()
	}
	return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(msgs, "; "))
}

// Merge returns a report holding the issues of r followed by o.
func (r Report) Merge(o Report) Report {
	return Report{
		Errors:   append(append([]Issue(nil), r.Errors...), o.Errors...),
		Warnings: append(append([]Issue(nil), r.Warnings...), o.Warnings...),
	}
}

// HasCode reports whether any issue carries code.
func (r Report) HasCode(code string) bool {
	for _, list := range [][]Issue{r.Errors, r.Warnings} {
		for _, i := range list {
			if i.Code == code {
				return true
			}
		}
	}
	return false
}

func (r *Report) errorf(code, path, format string, args ...any) {
	r.Errors = append(r.Errors, Issue{Severity: SeverityError, Code: code, Path: path, Message: fmt.Sprintf(format, args...)})
}

func (r *Report) warnf(code, path, format string, args ...any) {
	r.Warnings = append(r.Warnings, Issue{Severity: SeverityWarning, Code: code, Path: path, Message: fmt.Sprintf(format, args...)})
}

// Scope is the validation view of one nesting level.
type Scope struct {
	Path     string
	Strategy unit.Strategy

	// Units are the schedulable units, fallbacks excluded.
	Units []unit.Descriptor

	// Fallbacks maps primary id to fallback unit.
	Fallbacks map[string]unit.Descriptor

	// Children are the scopes of composite units, keyed by unit id.
	Children map[string]Scope
}

// Validate checks root and every nested scope.
func Validate(root Scope) Report {
	var r Report
	validateScope(&r, root)
	return r
}

func validateScope(r *Report, s Scope) {
	if !validStrategy(s.Strategy) {
		r.errorf(CodeUnknownEnum, s.Path, "unrecognized execution strategy %d", int(s.Strategy))
	}
	if len(s.Units) == 0 {
		r.warnf(CodeEmptyScope, s.Path, "scope has no units")
	}

	known := make(map[string]bool, len(s.Units))
	for _, d := range s.Units {
		path := join(s.Path, d.ID)
		switch {
		case d.ID == "":
			r.errorf(CodeEmptyID, s.Path, "unit without id")
			continue
		case known[d.ID]:
			r.errorf(CodeDuplicateID, path, "duplicate unit id %q", d.ID)
			continue
		}
		known[d.ID] = true
	}
	fallbackIDs := make(map[string]bool, len(s.Fallbacks))
	for _, fb := range s.Fallbacks {
		fallbackIDs[fb.ID] = true
	}

	for _, d := range s.Units {
		if d.ID == "" {
			continue
		}
		validateUnit(r, s, d, known, fallbackIDs)
	}
	validateFallbacks(r, s, known)

	if !hasStructuralErrors(*r, s.Path) {
		if _, err := resolver.Resolve(s.Units); err != nil {
			var cycle *resolver.CycleError
			if errors.As(err, &cycle) {
				r.errorf(CodeDependencyCycle, s.Path, "%s", cycle.Error())
			}
		}
	}

	ids := make([]string, 0, len(s.Children))
	for id := range s.Children {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		validateScope(r, s.Children[id])
	}
}

func validateUnit(r *Report, s Scope, d unit.Descriptor, known, fallbackIDs map[string]bool) {
	path := join(s.Path, d.ID)

	if !validCategory(d.Category) {
		r.errorf(CodeUnknownEnum, path, "unrecognized category %d", int(d.Category))
	}
	if d.Priority < unit.PriorityLow || d.Priority > unit.PriorityCritical {
		r.errorf(CodeUnknownEnum, path, "unrecognized priority %d", int(d.Priority))
	}
	if d.Profile < unit.ProfileInherit || d.Profile > unit.ProfileAIHeavy {
		r.errorf(CodeUnknownEnum, path, "unrecognized profile %d", int(d.Profile))
	}
	if d.Timeout < 0 || d.Estimate < 0 {
		r.errorf(CodeNegativeDuration, path, "timeout and estimate must not be negative")
	}
	if d.Retry != nil {
		if err := d.Retry.Validate(); err != nil {
			r.errorf(CodeInvalidRetry, path, "%v", err)
		}
	}

	for _, dep := range d.Dependencies {
		if dep.Type < unit.DependencyExecution || dep.Type > unit.DependencyConditional {
			r.errorf(CodeUnknownEnum, path, "unrecognized dependency type %d", int(dep.Type))
			continue
		}
		switch {
		case dep.Target == d.ID && dep.Required:
			r.errorf(CodeSelfDependency, path, "unit %q requires itself", d.ID)
		case dep.Target == d.ID:
			r.warnf(CodeSelfDependency, path, "unit %q has an optional dependency on itself", d.ID)
		case fallbackIDs[dep.Target]:
			r.warnf(CodeFallbackDependency, path, "dependency %q is a fallback and only runs when its primary fails", dep.Target)
		case !known[dep.Target]:
			r.errorf(CodeUnknownDependency, path, "dependency %q is not a unit of %s", dep.Target, scopeName(s.Path))
		}

		if dep.Type == unit.DependencyConditional {
			if strings.TrimSpace(dep.Condition) == "" {
				r.errorf(CodeMissingCondition, path, "conditional dependency on %q has no condition", dep.Target)
			} else if _, err := execctx.ParseCondition(dep.Condition); err != nil {
				r.errorf(CodeInvalidCondition, path, "%v", err)
			}
		} else if dep.Condition != "" {
			r.warnf(CodeUnusedCondition, path, "condition on %s dependency %q is ignored", dep.Type, dep.Target)
		}
	}
}

func validateFallbacks(r *Report, s Scope, known map[string]bool) {
	primaries := make([]string, 0, len(s.Fallbacks))
	for id := range s.Fallbacks {
		primaries = append(primaries, id)
	}
	sort.Strings(primaries)

	for _, primary := range primaries {
		fb := s.Fallbacks[primary]
		path := join(s.Path, primary)
		switch {
		case !known[primary]:
			r.errorf(CodeUnknownFallback, path, "fallback declared for unknown unit %q", primary)
		case fb.ID == "" || fb.ID == primary:
			r.errorf(CodeUnknownFallback, path, "unit %q cannot fall back to %q", primary, fb.ID)
		case known[fb.ID]:
			r.errorf(CodeUnknownFallback, path, "fallback %q is also scheduled as a regular unit", fb.ID)
		}
		if s.Strategy != unit.StrategyFallback {
			r.warnf(CodeFallbackIgnored, path, "fallback %q is ignored under %s strategy", fb.ID, s.Strategy)
		}
	}
}

// hasStructuralErrors reports errors that make cycle detection meaningless
// for the scope at path: empty or duplicate ids.
func hasStructuralErrors(r Report, path string) bool {
	for _, e := range r.Errors {
		if (e.Code == CodeEmptyID || e.Code == CodeDuplicateID) && (e.Path == path || strings.HasPrefix(e.Path, path+"/")) {
			return true
		}
	}
	return false
}

func validStrategy(s unit.Strategy) bool {
	switch s {
	case unit.StrategySequential, unit.StrategyParallel, unit.StrategyConditional, unit.StrategyFallback:
		return true
	default:
		return false
	}
}

func validCategory(c unit.Category) bool {
	return c >= unit.CategoryGeneral && c <= unit.CategoryNotification
}

func join(scope, id string) string {
	if scope == "" {
		return id
	}
	return scope + "/" + id
}

func scopeName(path string) string {
	if path == "" {
		return "the scope"
	}
	return path
}
