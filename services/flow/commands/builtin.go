// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package commands

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/AleutianAI/AleutianFlow/services/flow/config"
	"github.com/AleutianAI/AleutianFlow/services/flow/execctx"
	"github.com/AleutianAI/AleutianFlow/services/flow/unit"
	"github.com/AleutianAI/AleutianFlow/services/flow/value"
)

// newSet writes params.value to params.key.
//
//	key    string, required
//	value  any, null when absent
func newSet(spec config.CommandSpec) (unit.ExecuteFunc, error) {
	key, err := spec.Params.RequiredString("key")
	if err != nil {
		return nil, err
	}
	v, _ := spec.Params.Value("value")
	return func(_ context.Context, ec *execctx.Context) (unit.Output, error) {
		ec.Set(key, v)
		return unit.Output{Data: v}, nil
	}, nil
}

// newTemplate renders params.template into params.into.
//
//	template  string, required
//	into      string, defaults to the command id
func newTemplate(spec config.CommandSpec) (unit.ExecuteFunc, error) {
	raw, err := spec.Params.RequiredString("template")
	if err != nil {
		return nil, err
	}
	into, err := spec.Params.String("into", spec.ID)
	if err != nil {
		return nil, err
	}
	t, err := parseText("template", raw)
	if err != nil {
		return nil, unit.Permanent(err)
	}
	return func(_ context.Context, ec *execctx.Context) (unit.Output, error) {
		out, err := t.render(ec)
		if err != nil {
			return unit.Output{}, unit.Permanent(fmt.Errorf("rendering template: %w", err))
		}
		v := value.String(out)
		ec.Set(into, v)
		return unit.Output{Data: v}, nil
	}, nil
}

// newSleep waits params.duration (milliseconds or a duration string).
func newSleep(spec config.CommandSpec) (unit.ExecuteFunc, error) {
	d, err := spec.Params.Duration("duration", time.Second)
	if err != nil {
		return nil, err
	}
	return func(ctx context.Context, _ *execctx.Context) (unit.Output, error) {
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return unit.Output{}, ctx.Err()
		case <-t.C:
			return unit.Output{Information: []string{fmt.Sprintf("slept %s", d)}}, nil
		}
	}, nil
}

// newFail always fails.
//
//	message    string, optional
//	permanent  bool, stops retries when true
func newFail(spec config.CommandSpec) (unit.ExecuteFunc, error) {
	msg, err := spec.Params.String("message", "")
	if err != nil {
		return nil, err
	}
	permanent := false
	if v, ok := spec.Params.Value("permanent"); ok {
		permanent = v.Truthy()
	}
	failure := ErrDrill
	if msg != "" {
		failure = errors.New(msg)
	}
	return func(context.Context, *execctx.Context) (unit.Output, error) {
		if permanent {
			return unit.Output{}, unit.Permanent(failure)
		}
		return unit.Output{}, failure
	}, nil
}
