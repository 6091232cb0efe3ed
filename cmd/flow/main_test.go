// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianFlow/services/flow/config"
	"github.com/AleutianAI/AleutianFlow/services/flow/pipeline"
	"github.com/AleutianAI/AleutianFlow/services/flow/report"
)

const demoDoc = `
name: demo
version: 1.0.0
variables:
  greeting: hello
settings:
  executionStrategy: parallel
commands:
  - id: greet
    type: template
    params: {template: "{{.greeting}} world"}
  - id: nap
    type: sleep
    params: {duration: 1}
  - id: shout
    type: template
    dependencies: [greet]
    params: {template: "{{.greet}}!"}
`

const failingDoc = `
name: broken
commands:
  - id: boom
    type: fail
    params: {message: "disk full", permanent: true}
`

// syncBuffer is a bytes.Buffer safe for the concurrent writes of watch
// mode.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func writeDoc(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "flow.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func runCLI(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	t.Setenv("OPENAI_API_KEY", "")
	t.Setenv("NO_COLOR", "1")
	var stdout, stderr syncBuffer
	code := execute(context.Background(), args, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestTypes(t *testing.T) {
	code, out, _ := runCLI(t, "types")
	assert.Equal(t, exitOK, code)
	for _, typ := range []string{"fail", "http", "llm", "noop", "set", "sleep", "template"} {
		assert.Contains(t, out, typ+"\n")
	}
}

func TestValidate(t *testing.T) {
	code, out, _ := runCLI(t, "validate", writeDoc(t, demoDoc))
	assert.Equal(t, exitOK, code)
	assert.Contains(t, out, "demo: valid (0 warnings)")

	code, _, errOut := runCLI(t, "validate", writeDoc(t, demoDoc+"\nbogus: true\n"))
	assert.Equal(t, exitInvalid, code)
	assert.Contains(t, errOut, "bogus")

	code, _, _ = runCLI(t, "validate")
	assert.Equal(t, exitInvalid, code, "missing argument")
}

func TestPlan(t *testing.T) {
	path := writeDoc(t, demoDoc)

	code, out, _ := runCLI(t, "plan", path)
	require.Equal(t, exitOK, code)
	assert.Contains(t, out, "demo  strategy=parallel")
	assert.Contains(t, out, "phase 1 (parallel): greet, nap")
	assert.Contains(t, out, "phase 2 (parallel): shout")

	code, out, _ = runCLI(t, "plan", path, "--json")
	require.Equal(t, exitOK, code)
	var plans map[string]json.RawMessage
	require.NoError(t, json.Unmarshal([]byte(out), &plans))
	assert.Contains(t, plans, "demo")

	code, _, errOut := runCLI(t, "plan", path, "--scope", "nope")
	assert.Equal(t, exitInvalid, code)
	assert.Contains(t, errOut, `no scope "nope"`)
}

func TestPlan_Export(t *testing.T) {
	path := writeDoc(t, demoDoc)
	exported := filepath.Join(t.TempDir(), "plan.yaml")

	code, _, _ := runCLI(t, "plan", path, "--export", exported)
	require.Equal(t, exitOK, code)

	doc, err := config.Load(exported, "")
	require.NoError(t, err)
	assert.Equal(t, "demo", doc.Name)
	assert.Len(t, doc.Commands, 3)
}

func TestRun(t *testing.T) {
	path := writeDoc(t, demoDoc)
	saved := filepath.Join(t.TempDir(), "report.json")

	code, out, _ := runCLI(t, "run", path, "--report", saved, "--max-parallel", "1")
	require.Equal(t, exitOK, code, out)
	assert.True(t, strings.HasPrefix(out, "demo 1.0.0  completed"))
	assert.Contains(t, out, "✓ shout  command")

	rep, err := report.Load(saved)
	require.NoError(t, err)
	shout, ok := rep.Result.Root.Child("shout")
	require.True(t, ok)
	s, _ := shout.Data.AsString()
	assert.Equal(t, "hello world!", s)

	code, shown, _ := runCLI(t, "show", saved)
	assert.Equal(t, exitOK, code)
	assert.Contains(t, shown, "✓ shout  command")
}

func TestRun_JSON(t *testing.T) {
	code, out, _ := runCLI(t, "run", writeDoc(t, demoDoc), "--json")
	require.Equal(t, exitOK, code)

	var res pipeline.ExecutionResult
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, "demo", res.Name)
	assert.Equal(t, 3, res.Metrics.Commands.Successful)
}

func TestRun_Failure(t *testing.T) {
	code, out, _ := runCLI(t, "run", writeDoc(t, failingDoc))
	assert.Equal(t, exitFailed, code)
	assert.Contains(t, out, "broken  failed")
	assert.Contains(t, out, "disk full")
}

func TestRun_Cancelled(t *testing.T) {
	path := writeDoc(t, `
name: slow
commands:
  - id: wait
    type: sleep
    params: {duration: 10s}
`)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	var stdout, stderr syncBuffer
	start := time.Now()
	code := execute(ctx, []string{"run", path}, &stdout, &stderr)
	assert.Equal(t, exitCancelled, code)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Contains(t, stdout.String(), "slow  cancelled")
	assert.Contains(t, stdout.String(), "interrupted")
}

func TestRun_Watch(t *testing.T) {
	path := writeDoc(t, demoDoc)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var stdout, stderr syncBuffer
	done := make(chan int, 1)
	go func() { done <- execute(ctx, []string{"run", path, "--watch"}, &stdout, &stderr) }()

	require.Eventually(t, func() bool {
		return strings.Contains(stderr.String(), "watching")
	}, 5*time.Second, 10*time.Millisecond)

	changed := strings.Replace(demoDoc, "greeting: hello", "greeting: goodbye", 1)
	require.NoError(t, os.WriteFile(path, []byte(changed), 0o600))

	require.Eventually(t, func() bool {
		return strings.Count(stdout.String(), "demo 1.0.0  completed") >= 2
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case code := <-done:
		assert.Equal(t, exitOK, code)
	case <-time.After(5 * time.Second):
		t.Fatal("watch did not stop after cancel")
	}
}

func TestBadLogLevel(t *testing.T) {
	code, _, errOut := runCLI(t, "types", "--log-level", "shouty")
	assert.Equal(t, exitInvalid, code)
	assert.Contains(t, errOut, "unknown log level")
}
