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
	"log/slog"
	"os"
	"strings"

	"github.com/sashabaranov/go-openai"

	"github.com/AleutianAI/AleutianFlow/services/flow/config"
	"github.com/AleutianAI/AleutianFlow/services/flow/execctx"
	"github.com/AleutianAI/AleutianFlow/services/flow/unit"
	"github.com/AleutianAI/AleutianFlow/services/flow/value"
)

// DefaultModel is used when neither the command nor the environment
// names one.
const DefaultModel = "gpt-4o-mini"

// DefaultSecretPath is read when OPENAI_API_KEY is unset.
const DefaultSecretPath = "/run/secrets/openai_api_key"

// ErrNoAPIKey is returned when no API key can be found.
var ErrNoAPIKey = errors.New("OPENAI_API_KEY not set and secret not found")

// GenerationParams tune a single completion. Nil fields use the
// provider's defaults.
type GenerationParams struct {
	Model       string
	System      string
	Temperature *float32
	MaxTokens   *int
}

// LLMClient generates text for llm commands.
type LLMClient interface {
	Generate(ctx context.Context, prompt string, params GenerationParams) (string, error)
}

// OpenAIConfig configures an OpenAIClient.
type OpenAIConfig struct {
	APIKey     string
	Model      string
	BaseURL    string
	SecretPath string
}

// OpenAIConfigFromEnv reads OPENAI_API_KEY, OPENAI_MODEL and
// OPENAI_BASE_URL.
func OpenAIConfigFromEnv() OpenAIConfig {
	return OpenAIConfig{
		APIKey:  os.Getenv("OPENAI_API_KEY"),
		Model:   os.Getenv("OPENAI_MODEL"),
		BaseURL: os.Getenv("OPENAI_BASE_URL"),
	}
}

// OpenAIClient is an LLMClient backed by the chat completions API.
type OpenAIClient struct {
	client *openai.Client
	model  string
}

// NewOpenAIClient builds a client. A missing API key falls back to the
// secret file at cfg.SecretPath (DefaultSecretPath when empty).
func NewOpenAIClient(cfg OpenAIConfig) (*OpenAIClient, error) {
	apiKey := cfg.APIKey
	if apiKey == "" {
		path := cfg.SecretPath
		if path == "" {
			path = DefaultSecretPath
		}
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("%w: %s", ErrNoAPIKey, path)
		}
		apiKey = strings.TrimSpace(string(raw))
		slog.Info("read the OpenAI API key from secret file", "path", path)
	}
	model := cfg.Model
	if model == "" {
		model = DefaultModel
	}

	oc := openai.DefaultConfig(apiKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = cfg.BaseURL
	}
	slog.Info("initializing OpenAI client", "model", model)
	return &OpenAIClient{client: openai.NewClientWithConfig(oc), model: model}, nil
}

// Generate implements LLMClient.
func (o *OpenAIClient) Generate(ctx context.Context, prompt string, params GenerationParams) (string, error) {
	model := params.Model
	if model == "" {
		model = o.model
	}
	system := params.System
	if system == "" {
		system = "You are a helpful assistant."
	}
	req := openai.ChatCompletionRequest{
		Model: model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
	}
	if params.Temperature != nil {
		req.Temperature = *params.Temperature
	}
	if params.MaxTokens != nil {
		req.MaxCompletionTokens = *params.MaxTokens
	}

	resp, err := o.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", fmt.Errorf("OpenAI API call failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("OpenAI returned no choices")
	}
	slog.Debug("received response from OpenAI", "finish_reason", resp.Choices[0].FinishReason)
	return resp.Choices[0].Message.Content, nil
}

// newLLM asks deps.LLM to complete a prompt.
//
//	prompt       string, required, templatable
//	system       string, templatable
//	model        string
//	temperature  number
//	maxTokens    number
//	into         string, defaults to the command id
func newLLM(spec config.CommandSpec, deps Deps) (unit.ExecuteFunc, error) {
	if deps.LLM == nil {
		return nil, ErrNoLLM
	}
	p := spec.Params
	rawPrompt, err := p.RequiredString("prompt")
	if err != nil {
		return nil, err
	}
	prompt, err := parseText("prompt", rawPrompt)
	if err != nil {
		return nil, err
	}
	rawSystem, err := p.String("system", "")
	if err != nil {
		return nil, err
	}
	var system *textTemplate
	if rawSystem != "" {
		if system, err = parseText("system", rawSystem); err != nil {
			return nil, err
		}
	}
	var params GenerationParams
	if params.Model, err = p.String("model", ""); err != nil {
		return nil, err
	}
	if _, ok := p.Value("temperature"); ok {
		t, err := p.Number("temperature", 0)
		if err != nil {
			return nil, err
		}
		t32 := float32(t)
		params.Temperature = &t32
	}
	if _, ok := p.Value("maxTokens"); ok {
		n, err := p.Number("maxTokens", 0)
		if err != nil {
			return nil, err
		}
		limit := int(n)
		params.MaxTokens = &limit
	}
	into, err := p.String("into", spec.ID)
	if err != nil {
		return nil, err
	}

	return func(ctx context.Context, ec *execctx.Context) (unit.Output, error) {
		text, err := prompt.render(ec)
		if err != nil {
			return unit.Output{}, unit.Permanent(fmt.Errorf("rendering prompt: %w", err))
		}
		call := params
		if call.System, err = system.render(ec); err != nil {
			return unit.Output{}, unit.Permanent(fmt.Errorf("rendering system prompt: %w", err))
		}
		deps.Logger.Debug("llm command request", slog.String("unit", spec.ID), slog.Int("prompt_chars", len(text)))
		out, err := deps.LLM.Generate(ctx, text, call)
		if err != nil {
			return unit.Output{}, err
		}
		v := value.String(out)
		ec.Set(into, v)
		return unit.Output{Data: v}, nil
	}, nil
}
