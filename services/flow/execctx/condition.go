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
	"strconv"
	"strings"

	"github.com/AleutianAI/AleutianFlow/services/flow/value"
)

var (
	// ErrEmptyCondition is returned when a conditional edge has no predicate.
	ErrEmptyCondition = errors.New("empty condition")

	// ErrInvalidCondition is returned when a predicate cannot be parsed.
	ErrInvalidCondition = errors.New("invalid condition")
)

// Reader is the read side of a Context, as needed by conditions.
type Reader interface {
	Get(key string) (value.Value, bool)
}

type clauseKind int

const (
	clauseTruthy clauseKind = iota
	clauseExists
	clauseEquals
	clauseNotEquals
	clauseTarget
)

type clause struct {
	kind    clauseKind
	negate  bool
	key     string
	literal value.Value
	targets []Outcome
}

// Condition is a parsed predicate of a conditional dependency.
//
// Grammar:
//
//	condition := group ( "||" group )*
//	group     := clause ( "&&" clause )*
//	clause    := ["!"] ( status | "exists(" key ")" | key | key op literal )
//	status    := "succeeded" | "failed" | "skipped" | "cancelled" | "completed"
//	op        := "==" | "!="
//
// Status clauses test the outcome of the edge's target unit. Key clauses
// read the shared data. Literals may be quoted strings, numbers, true,
// false, null or bare words.
type Condition struct {
	source string
	groups [][]clause
}

// ParseCondition parses expr.
func ParseCondition(expr string) (*Condition, error) {
	src := strings.TrimSpace(expr)
	if src == "" {
		return nil, ErrEmptyCondition
	}
	c := &Condition{source: src}
	for _, part := range strings.Split(src, "||") {
		var group []clause
		for _, raw := range strings.Split(part, "&&") {
			cl, err := parseClause(strings.TrimSpace(raw))
			if err != nil {
				return nil, fmt.Errorf("%w: %q: %v", ErrInvalidCondition, src, err)
			}
			group = append(group, cl)
		}
		c.groups = append(c.groups, group)
	}
	return c, nil
}

// String returns the source text.
func (c *Condition) String() string { return c.source }

// UsesTarget reports whether any clause tests the outcome of the edge
// target. Such a condition can only be evaluated after the target finished.
func (c *Condition) UsesTarget() bool {
	for _, group := range c.groups {
		for _, cl := range group {
			if cl.kind == clauseTarget {
				return true
			}
		}
	}
	return false
}

// ReferencesTarget parses expr and reports whether it tests the edge
// target's outcome. Unparseable expressions report false.
func ReferencesTarget(expr string) bool {
	c, err := ParseCondition(expr)
	if err != nil {
		return false
	}
	return c.UsesTarget()
}

// Eval evaluates the condition against shared data and the outcome of the
// edge target. OutcomePending means the target has not finished.
func (c *Condition) Eval(data Reader, target Outcome) bool {
	for _, group := range c.groups {
		ok := true
		for _, cl := range group {
			if !cl.eval(data, target) {
				ok = false
				break
			}
		}
		if ok {
			return true
		}
	}
	return false
}

// EvalCondition parses and evaluates expr in one step.
func EvalCondition(expr string, data Reader, target Outcome) (bool, error) {
	c, err := ParseCondition(expr)
	if err != nil {
		return false, err
	}
	return c.Eval(data, target), nil
}

func parseClause(s string) (clause, error) {
	if s == "" {
		return clause{}, errors.New("empty clause")
	}
	if i := strings.Index(s, "!="); i >= 0 {
		return comparison(s[:i], s[i+2:], clauseNotEquals)
	}
	if i := strings.Index(s, "=="); i >= 0 {
		return comparison(s[:i], s[i+2:], clauseEquals)
	}

	negate := false
	for strings.HasPrefix(s, "!") {
		negate = !negate
		s = strings.TrimSpace(s[1:])
	}
	if s == "" {
		return clause{}, errors.New("negation without operand")
	}

	switch s {
	case "succeeded":
		return clause{kind: clauseTarget, negate: negate, targets: []Outcome{OutcomeSucceeded}}, nil
	case "failed":
		return clause{kind: clauseTarget, negate: negate, targets: []Outcome{OutcomeFailed, OutcomeTimedOut}}, nil
	case "skipped":
		return clause{kind: clauseTarget, negate: negate, targets: []Outcome{OutcomeSkipped}}, nil
	case "cancelled":
		return clause{kind: clauseTarget, negate: negate, targets: []Outcome{OutcomeCancelled}}, nil
	case "completed":
		return clause{kind: clauseTarget, negate: negate, targets: []Outcome{OutcomeSucceeded, OutcomeFailed, OutcomeTimedOut}}, nil
	}

	if strings.HasPrefix(s, "exists(") && strings.HasSuffix(s, ")") {
		key := strings.TrimSpace(s[len("exists(") : len(s)-1])
		if !validKey(key) {
			return clause{}, fmt.Errorf("bad key %q", key)
		}
		return clause{kind: clauseExists, negate: negate, key: key}, nil
	}
	if !validKey(s) {
		return clause{}, fmt.Errorf("bad key %q", s)
	}
	return clause{kind: clauseTruthy, negate: negate, key: s}, nil
}

func comparison(left, right string, kind clauseKind) (clause, error) {
	key := strings.TrimSpace(left)
	if !validKey(key) {
		return clause{}, fmt.Errorf("bad key %q", key)
	}
	lit := strings.TrimSpace(right)
	if lit == "" {
		return clause{}, errors.New("missing literal")
	}
	return clause{kind: kind, key: key, literal: parseLiteral(lit)}, nil
}

func parseLiteral(s string) value.Value {
	if len(s) >= 2 && (s[0] == '"' || s[0] == '\'') && s[len(s)-1] == s[0] {
		return value.String(s[1 : len(s)-1])
	}
	switch s {
	case "true":
		return value.Bool(true)
	case "false":
		return value.Bool(false)
	case "null":
		return value.Null()
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return value.Number(f)
	}
	return value.String(s)
}

func validKey(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '_' || r == '.' || r == '-' || r == '/':
		default:
			return false
		}
	}
	return true
}

func (cl clause) eval(data Reader, target Outcome) bool {
	var result bool
	switch cl.kind {
	case clauseTarget:
		for _, o := range cl.targets {
			if target == o {
				result = true
				break
			}
		}
	case clauseExists:
		_, result = data.Get(cl.key)
	case clauseTruthy:
		v, ok := data.Get(cl.key)
		result = ok && v.Truthy()
	case clauseEquals, clauseNotEquals:
		v, ok := data.Get(cl.key)
		if !ok {
			v = value.Null()
		}
		eq := looselyEqual(v, cl.literal)
		if cl.kind == clauseNotEquals {
			eq = !eq
		}
		return eq
	}
	if cl.negate {
		return !result
	}
	return result
}

// looselyEqual compares a stored value with a literal. A string on either
// side is compared by rendering.
func looselyEqual(v, lit value.Value) bool {
	if v.Equal(lit) {
		return true
	}
	if v.Kind() == value.KindString || lit.Kind() == value.KindString {
		return v.String() == lit.String() && !v.IsNull() && !lit.IsNull()
	}
	return false
}
