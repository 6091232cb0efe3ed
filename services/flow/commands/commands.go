// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package commands provides the built-in command types of pipeline
// documents.
//
//	noop      does nothing (registered by config.NewRegistry)
//	set       writes a value into shared data
//	template  renders a text/template over shared data
//	http      performs an HTTP request and stores the response
//	llm       asks a chat model and stores the reply
//	sleep     waits, honoring cancellation
//	fail      always fails, for drills and fallback tests
//
// String parameters named as templatable below are rendered against the
// shared data before use, so `url: "https://{{.host}}/v1"` picks up the
// host variable or a value written by an earlier command.
package commands

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"text/template"
	"time"

	"github.com/AleutianAI/AleutianFlow/services/flow/config"
	"github.com/AleutianAI/AleutianFlow/services/flow/execctx"
	"github.com/AleutianAI/AleutianFlow/services/flow/unit"
)

// Command types.
const (
	TypeSet      = "set"
	TypeTemplate = "template"
	TypeHTTP     = "http"
	TypeLLM      = "llm"
	TypeSleep    = "sleep"
	TypeFail     = "fail"
)

// Sentinel errors for the commands package.
var (
	// ErrNoLLM is returned by the llm factory when Deps carries no client.
	ErrNoLLM = errors.New("no LLM client configured")

	// ErrHTTPStatus wraps unexpected HTTP response statuses.
	ErrHTTPStatus = errors.New("unexpected HTTP status")

	// ErrResponseTooLarge is returned when a response body exceeds
	// MaxResponseBytes.
	ErrResponseTooLarge = errors.New("response body too large")

	// ErrDrill is returned by fail commands without a message.
	ErrDrill = errors.New("command failed on purpose")
)

// Deps are the collaborators of the built-in commands.
type Deps struct {
	// HTTPClient is used by http commands. Nil means a client with a 30s
	// timeout.
	HTTPClient *http.Client

	// LLM is used by llm commands. Nil leaves the llm type unusable.
	LLM LLMClient

	// Logger receives command-level logs. Nil means slog.Default().
	Logger *slog.Logger
}

// Register adds every built-in type to reg.
func Register(reg *config.Registry, deps Deps) error {
	if deps.HTTPClient == nil {
		deps.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	factories := map[string]config.Factory{
		TypeSet:      newSet,
		TypeTemplate: newTemplate,
		TypeHTTP:     func(spec config.CommandSpec) (unit.ExecuteFunc, error) { return newHTTP(spec, deps) },
		TypeLLM:      func(spec config.CommandSpec) (unit.ExecuteFunc, error) { return newLLM(spec, deps) },
		TypeSleep:    newSleep,
		TypeFail:     newFail,
	}
	var errs []error
	for _, typ := range []string{TypeSet, TypeTemplate, TypeHTTP, TypeLLM, TypeSleep, TypeFail} {
		if err := reg.Register(typ, factories[typ]); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// textTemplate is a parsed templatable parameter.
type textTemplate struct {
	raw  string
	tmpl *template.Template
}

// parseText parses a templatable parameter. Missing keys render as an
// error so typos surface.
func parseText(name, raw string) (*textTemplate, error) {
	t, err := template.New(name).Option("missingkey=error").Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", name, err)
	}
	return &textTemplate{raw: raw, tmpl: t}, nil
}

// render executes the template over the shared data.
func (t *textTemplate) render(ec *execctx.Context) (string, error) {
	if t == nil {
		return "", nil
	}
	data := make(map[string]any, ec.Len())
	for k, v := range ec.Snapshot() {
		data[k] = v.Any()
	}
	var buf bytes.Buffer
	if err := t.tmpl.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}
