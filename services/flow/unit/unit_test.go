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
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianFlow/services/flow/execctx"
	"github.com/AleutianAI/AleutianFlow/services/flow/value"
)

func TestParseEnums(t *testing.T) {
	s, err := ParseStrategy("Parallel")
	require.NoError(t, err)
	assert.Equal(t, StrategyParallel, s)

	d, err := ParseDependencyType("")
	require.NoError(t, err)
	assert.Equal(t, DependencyExecution, d)

	p, err := ParseProfile("ai-heavy")
	require.NoError(t, err)
	assert.Equal(t, ProfileAIHeavy, p)

	c, err := ParseCategory("DataProcessing")
	require.NoError(t, err)
	assert.Equal(t, CategoryDataProcessing, c)

	pr, err := ParsePriority("critical")
	require.NoError(t, err)
	assert.Equal(t, PriorityCritical, pr)

	for _, bad := range []func() error{
		func() error { _, err := ParseStrategy("roundrobin"); return err },
		func() error { _, err := ParseDependencyType("soft"); return err },
		func() error { _, err := ParseProfile("huge"); return err },
		func() error { _, err := ParseCategory("misc"); return err },
		func() error { _, err := ParsePriority("urgent"); return err },
	} {
		assert.ErrorIs(t, bad(), ErrUnknownEnum)
	}
}

func TestRetryPolicy_Backoff(t *testing.T) {
	p := RetryPolicy{MaxRetries: 4, Delay: 100 * time.Millisecond, BackoffMultiplier: 2, MaxDelay: 500 * time.Millisecond}
	assert.Equal(t, 100*time.Millisecond, p.Backoff(0))
	assert.Equal(t, 200*time.Millisecond, p.Backoff(1))
	assert.Equal(t, 400*time.Millisecond, p.Backoff(2))
	assert.Equal(t, 500*time.Millisecond, p.Backoff(3), "capped at MaxDelay")

	constant := RetryPolicy{MaxRetries: 3, Delay: 50 * time.Millisecond, BackoffMultiplier: 1}
	for n := 0; n < 3; n++ {
		assert.Equal(t, 50*time.Millisecond, constant.Backoff(n))
	}

	assert.Zero(t, RetryPolicy{}.Backoff(2))
}

func TestRetryPolicy_Validate(t *testing.T) {
	assert.NoError(t, RetryPolicy{MaxRetries: 2, Delay: time.Second, BackoffMultiplier: 1.5}.Validate())
	assert.ErrorIs(t, RetryPolicy{MaxRetries: -1}.Validate(), ErrInvalidRetryPolicy)
	assert.ErrorIs(t, RetryPolicy{BackoffMultiplier: 0.5}.Validate(), ErrInvalidRetryPolicy)
	assert.ErrorIs(t, RetryPolicy{MaxDelay: -time.Second}.Validate(), ErrInvalidRetryPolicy)
}

func TestPermanent(t *testing.T) {
	base := errors.New("bad credentials")
	err := fmt.Errorf("calling provider: %w", Permanent(base))
	assert.True(t, IsPermanent(err))
	assert.ErrorIs(t, err, base)
	assert.False(t, IsPermanent(base))
	assert.Nil(t, Permanent(nil))
}

func TestDescriptor_OrderingTargets(t *testing.T) {
	d := Descriptor{
		ID: "b",
		Dependencies: []Dependency{
			DependsOn("a"),
			After("x"),
			ReadsFrom("y"),
			When("z", "succeeded"),
			When("w", "mode == fast"),
			DependsOn("a"),
			DependsOn("c"),
		},
	}
	assert.Equal(t, []string{"a", "z", "c"}, d.OrderingTargets())
}

func TestDependency_Orders(t *testing.T) {
	tests := []struct {
		name string
		dep  Dependency
		want bool
	}{
		{"required execution", DependsOn("a"), true},
		{"optional execution", After("a"), false},
		{"data", ReadsFrom("a"), false},
		{"resource", Shares("a"), false},
		{"status condition", When("a", "succeeded"), true},
		{"mixed condition", When("a", "mode == fast || failed"), true},
		{"data condition", When("a", "mode == fast"), false},
		{"optional status condition", Dependency{Target: "a", Type: DependencyConditional, Condition: "!skipped"}, true},
		{"unparseable condition", When("a", "&&"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.dep.Orders())
		})
	}
}

func TestDescriptor_CloneIsDeep(t *testing.T) {
	d := Descriptor{
		ID:           "a",
		Dependencies: []Dependency{DependsOn("b")},
		Retry:        &RetryPolicy{MaxRetries: 1},
	}
	c := d.Clone()
	c.Dependencies[0].Target = "changed"
	c.Retry.MaxRetries = 9

	assert.Equal(t, "b", d.Dependencies[0].Target)
	assert.Equal(t, 1, d.Retry.MaxRetries)
	assert.Equal(t, "a", d.DisplayName())
}

func TestFunc_Execute(t *testing.T) {
	cmd := NewFunc(Descriptor{ID: "greet"}, func(ctx context.Context, ec *execctx.Context) (Output, error) {
		ec.Set("greeting", value.String("hello"))
		return Output{Data: value.Bool(true), Information: []string{"done"}}, nil
	})
	ec := execctx.New("run-1")

	out, err := cmd.Execute(context.Background(), ec)
	require.NoError(t, err)
	assert.True(t, out.Data.Truthy())
	got, ok := ec.GetString("greeting")
	assert.True(t, ok)
	assert.Equal(t, "hello", got)
	assert.Equal(t, "greet", cmd.Descriptor().ID)
}
