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
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianFlow/services/flow/config"
	"github.com/AleutianAI/AleutianFlow/services/flow/execctx"
	"github.com/AleutianAI/AleutianFlow/services/flow/pipeline"
	"github.com/AleutianAI/AleutianFlow/services/flow/unit"
	"github.com/AleutianAI/AleutianFlow/services/flow/value"
)

type fakeLLM struct {
	prompts []string
	params  []GenerationParams
	reply   string
	err     error
}

func (f *fakeLLM) Generate(_ context.Context, prompt string, params GenerationParams) (string, error) {
	f.prompts = append(f.prompts, prompt)
	f.params = append(f.params, params)
	return f.reply, f.err
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func registry(t *testing.T, deps Deps) *config.Registry {
	t.Helper()
	if deps.Logger == nil {
		deps.Logger = quietLogger()
	}
	reg := config.NewRegistry()
	require.NoError(t, Register(reg, deps))
	return reg
}

func spec(id, typ string, params map[string]any) config.CommandSpec {
	p := config.Params{}
	for k, v := range params {
		p[k] = value.MustFromAny(v)
	}
	return config.CommandSpec{UnitSpec: config.UnitSpec{ID: id}, Type: typ, Params: p}
}

func execute(t *testing.T, reg *config.Registry, s config.CommandSpec, ec *execctx.Context) (unit.Output, error) {
	t.Helper()
	cmd, err := reg.NewCommand(s)
	require.NoError(t, err)
	return cmd.Execute(context.Background(), ec)
}

func TestRegister(t *testing.T) {
	reg := registry(t, Deps{})
	assert.Equal(t, []string{"fail", "http", "llm", "noop", "set", "sleep", "template"}, reg.Types())

	err := Register(reg, Deps{})
	require.Error(t, err)
	assert.ErrorIs(t, err, config.ErrDuplicateType)
}

func TestSet(t *testing.T) {
	reg := registry(t, Deps{})
	ec := execctx.New("run")
	out, err := execute(t, reg, spec("s", TypeSet, map[string]any{"key": "answer", "value": 42}), ec)
	require.NoError(t, err)

	n, ok := ec.GetNumber("answer")
	require.True(t, ok)
	assert.Equal(t, float64(42), n)
	assert.True(t, out.Data.Equal(value.Int(42)))

	_, err = reg.NewCommand(spec("s", TypeSet, nil))
	assert.ErrorIs(t, err, config.ErrMissingParam)
}

func TestTemplate(t *testing.T) {
	reg := registry(t, Deps{})
	ec := execctx.NewWithData("run", map[string]value.Value{"user": value.String("ada"), "n": value.Int(3)})

	_, err := execute(t, reg, spec("greet", TypeTemplate, map[string]any{"template": "hi {{.user}} x{{.n}}"}), ec)
	require.NoError(t, err)
	got, _ := ec.GetString("greet")
	assert.Equal(t, "hi ada x3", got)

	_, err = execute(t, reg, spec("greet", TypeTemplate, map[string]any{"template": "{{.missing}}"}), ec)
	require.Error(t, err)
	assert.True(t, unit.IsPermanent(err))

	_, err = reg.NewCommand(spec("bad", TypeTemplate, map[string]any{"template": "{{"}))
	assert.Error(t, err)
}

func TestSleep(t *testing.T) {
	reg := registry(t, Deps{})
	cmd, err := reg.NewCommand(spec("nap", TypeSleep, map[string]any{"duration": "5s"}))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err = cmd.Execute(ctx, execctx.New("run"))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)

	out, err := execute(t, reg, spec("nap", TypeSleep, map[string]any{"duration": 1}), execctx.New("run"))
	require.NoError(t, err)
	assert.Equal(t, []string{"slept 1ms"}, out.Information)
}

func TestFail(t *testing.T) {
	reg := registry(t, Deps{})
	_, err := execute(t, reg, spec("f", TypeFail, nil), execctx.New("run"))
	assert.ErrorIs(t, err, ErrDrill)
	assert.False(t, unit.IsPermanent(err))

	_, err = execute(t, reg, spec("f", TypeFail, map[string]any{"message": "nope", "permanent": true}), execctx.New("run"))
	assert.EqualError(t, err, "nope")
	assert.True(t, unit.IsPermanent(err))
}

func TestHTTP(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/items/7":
			assert.Equal(t, http.MethodPost, r.Method)
			assert.Equal(t, "secret", r.Header.Get("X-Token"))
			body, _ := io.ReadAll(r.Body)
			assert.JSONEq(t, `{"name":"widget"}`, string(body))
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"id":7,"tags":["a","b"]}`))
		case "/text":
			_, _ = w.Write([]byte("plain"))
		case "/missing":
			http.NotFound(w, r)
		case "/busy":
			w.WriteHeader(http.StatusServiceUnavailable)
		case "/created":
			w.WriteHeader(http.StatusCreated)
		case "/huge":
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write(bytes.Repeat([]byte(" "), MaxResponseBytes))
			_, _ = w.Write([]byte("{}"))
		case "/exact":
			_, _ = w.Write(bytes.Repeat([]byte("x"), MaxResponseBytes))
		}
	}))
	defer srv.Close()

	reg := registry(t, Deps{HTTPClient: srv.Client()})
	ec := execctx.NewWithData("run", map[string]value.Value{
		"base": value.String(srv.URL),
		"item": value.Int(7),
		"name": value.String("widget"),
	})

	t.Run("json", func(t *testing.T) {
		_, err := execute(t, reg, spec("get", TypeHTTP, map[string]any{
			"url":     "{{.base}}/items/{{.item}}",
			"method":  "post",
			"headers": map[string]any{"X-Token": "secret"},
			"body":    `{"name":"{{.name}}"}`,
			"into":    "item_body",
		}), ec)
		require.NoError(t, err)
		v, ok := ec.Get("item_body")
		require.True(t, ok)
		id, _ := v.Field("id")
		assert.True(t, id.Equal(value.Int(7)))
	})

	t.Run("text", func(t *testing.T) {
		_, err := execute(t, reg, spec("txt", TypeHTTP, map[string]any{"url": srv.URL + "/text"}), ec)
		require.NoError(t, err)
		got, _ := ec.GetString("txt")
		assert.Equal(t, "plain", got)
	})

	t.Run("client error is permanent", func(t *testing.T) {
		_, err := execute(t, reg, spec("m", TypeHTTP, map[string]any{"url": srv.URL + "/missing"}), ec)
		assert.ErrorIs(t, err, ErrHTTPStatus)
		assert.True(t, unit.IsPermanent(err))
	})

	t.Run("oversized body is rejected", func(t *testing.T) {
		_, err := execute(t, reg, spec("huge", TypeHTTP, map[string]any{"url": srv.URL + "/huge"}), ec)
		assert.ErrorIs(t, err, ErrResponseTooLarge)
		assert.True(t, unit.IsPermanent(err))
		assert.False(t, ec.Has("huge"))
	})

	t.Run("body at the limit is kept", func(t *testing.T) {
		_, err := execute(t, reg, spec("exact", TypeHTTP, map[string]any{"url": srv.URL + "/exact"}), ec)
		require.NoError(t, err)
		got, _ := ec.GetString("exact")
		assert.Len(t, got, MaxResponseBytes)
	})

	t.Run("server error is retryable", func(t *testing.T) {
		_, err := execute(t, reg, spec("b", TypeHTTP, map[string]any{"url": srv.URL + "/busy"}), ec)
		assert.ErrorIs(t, err, ErrHTTPStatus)
		assert.False(t, unit.IsPermanent(err))
	})

	t.Run("expected status", func(t *testing.T) {
		_, err := execute(t, reg, spec("c", TypeHTTP, map[string]any{"url": srv.URL + "/created", "expectStatus": 201}), ec)
		assert.NoError(t, err)
		_, err = execute(t, reg, spec("c", TypeHTTP, map[string]any{"url": srv.URL + "/text", "expectStatus": 201}), ec)
		assert.ErrorIs(t, err, ErrHTTPStatus)
	})

	t.Run("missing url", func(t *testing.T) {
		_, err := reg.NewCommand(spec("x", TypeHTTP, nil))
		assert.ErrorIs(t, err, config.ErrMissingParam)
	})
}

func TestLLM(t *testing.T) {
	llm := &fakeLLM{reply: "a haiku"}
	reg := registry(t, Deps{LLM: llm})
	ec := execctx.NewWithData("run", map[string]value.Value{"topic": value.String("rivers")})

	_, err := execute(t, reg, spec("poem", TypeLLM, map[string]any{
		"prompt":      "write about {{.topic}}",
		"system":      "you are terse",
		"temperature": 0.5,
		"maxTokens":   64,
	}), ec)
	require.NoError(t, err)

	got, _ := ec.GetString("poem")
	assert.Equal(t, "a haiku", got)
	require.Len(t, llm.prompts, 1)
	assert.Equal(t, "write about rivers", llm.prompts[0])
	assert.Equal(t, "you are terse", llm.params[0].System)
	require.NotNil(t, llm.params[0].Temperature)
	assert.InDelta(t, 0.5, *llm.params[0].Temperature, 1e-6)
	require.NotNil(t, llm.params[0].MaxTokens)
	assert.Equal(t, 64, *llm.params[0].MaxTokens)

	llm.err = errors.New("rate limited")
	_, err = execute(t, reg, spec("poem", TypeLLM, map[string]any{"prompt": "again"}), ec)
	assert.EqualError(t, err, "rate limited")

	_, err = registry(t, Deps{}).NewCommand(spec("poem", TypeLLM, map[string]any{"prompt": "x"}))
	assert.ErrorIs(t, err, ErrNoLLM)
}

func TestOpenAIClient(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"c1","object":"chat.completion","model":"m",
			"choices":[{"index":0,"message":{"role":"assistant","content":"hello"},"finish_reason":"stop"}]}`))
	}))
	defer srv.Close()

	client, err := NewOpenAIClient(OpenAIConfig{APIKey: "sk-test", Model: "m", BaseURL: srv.URL + "/v1"})
	require.NoError(t, err)

	out, err := client.Generate(context.Background(), "hi", GenerationParams{System: "be brief"})
	require.NoError(t, err)
	assert.Equal(t, "hello", out)
	assert.Equal(t, "m", got["model"])
	msgs, _ := got["messages"].([]any)
	require.Len(t, msgs, 2)
	assert.Equal(t, "be brief", msgs[0].(map[string]any)["content"])
}

func TestNewOpenAIClient_Secret(t *testing.T) {
	dir := t.TempDir()
	_, err := NewOpenAIClient(OpenAIConfig{SecretPath: filepath.Join(dir, "absent")})
	assert.ErrorIs(t, err, ErrNoAPIKey)

	path := filepath.Join(dir, "key")
	require.NoError(t, os.WriteFile(path, []byte("sk-file\n"), 0o600))
	client, err := NewOpenAIClient(OpenAIConfig{SecretPath: path})
	require.NoError(t, err)
	assert.Equal(t, DefaultModel, client.model)
}

func TestPipelineFromDocument(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"green"}`))
	}))
	defer srv.Close()

	doc, err := config.Parse([]byte(`
name: health
variables:
  target: `+srv.URL+`
settings:
  executionStrategy: parallel
commands:
  - id: check
    type: http
    params: {url: "{{.target}}/health"}
  - id: summary
    type: template
    dependencies: [check]
    params: {template: "service is {{.check.status}}"}
`), "")
	require.NoError(t, err)
	p, err := config.Build(doc, registry(t, Deps{HTTPClient: srv.Client()}))
	require.NoError(t, err)
	cfg, opts, err := doc.Runtime()
	require.NoError(t, err)

	res := pipeline.NewRunner(cfg, opts, pipeline.WithLogger(quietLogger())).Run(context.Background(), p)
	require.NoError(t, res.Err())
	summary, ok := res.Root.Child("summary")
	require.True(t, ok)
	s, _ := summary.Data.AsString()
	assert.Equal(t, "service is green", s)
}
