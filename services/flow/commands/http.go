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
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strings"

	"github.com/AleutianAI/AleutianFlow/services/flow/config"
	"github.com/AleutianAI/AleutianFlow/services/flow/execctx"
	"github.com/AleutianAI/AleutianFlow/services/flow/unit"
	"github.com/AleutianAI/AleutianFlow/services/flow/value"
)

// MaxResponseBytes bounds the body an http command reads (10MB).
const MaxResponseBytes = 10 * 1024 * 1024

type httpCommand struct {
	id      string
	method  string
	url     *textTemplate
	body    *textTemplate
	headers map[string]string
	into    string
	expect  int
	client  *http.Client
	logger  *slog.Logger
}

// newHTTP performs one request.
//
//	url           string, required, templatable
//	method        string, GET by default
//	headers       map of strings
//	body          string, templatable
//	into          string, defaults to the command id
//	expectStatus  number, any 2xx when absent
//
// JSON responses are stored decoded, others as a string. 5xx and 429
// responses are retryable, other unexpected statuses are permanent, as are
// bodies larger than MaxResponseBytes.
func newHTTP(spec config.CommandSpec, deps Deps) (unit.ExecuteFunc, error) {
	p := spec.Params
	rawURL, err := p.RequiredString("url")
	if err != nil {
		return nil, err
	}
	c := &httpCommand{id: spec.ID, client: deps.HTTPClient, logger: deps.Logger, headers: map[string]string{}}
	if c.url, err = parseText("url", rawURL); err != nil {
		return nil, err
	}
	if c.method, err = p.String("method", http.MethodGet); err != nil {
		return nil, err
	}
	c.method = strings.ToUpper(c.method)
	rawBody, err := p.String("body", "")
	if err != nil {
		return nil, err
	}
	if rawBody != "" {
		if c.body, err = parseText("body", rawBody); err != nil {
			return nil, err
		}
	}
	headers, err := p.Map("headers")
	if err != nil {
		return nil, err
	}
	for k, v := range headers {
		c.headers[k] = v.String()
	}
	if c.into, err = p.String("into", spec.ID); err != nil {
		return nil, err
	}
	expect, err := p.Number("expectStatus", 0)
	if err != nil {
		return nil, err
	}
	c.expect = int(expect)
	return c.execute, nil
}

func (c *httpCommand) execute(ctx context.Context, ec *execctx.Context) (unit.Output, error) {
	target, err := c.url.render(ec)
	if err != nil {
		return unit.Output{}, unit.Permanent(fmt.Errorf("rendering url: %w", err))
	}
	var body io.Reader
	if c.body != nil {
		rendered, err := c.body.render(ec)
		if err != nil {
			return unit.Output{}, unit.Permanent(fmt.Errorf("rendering body: %w", err))
		}
		body = strings.NewReader(rendered)
	}

	req, err := http.NewRequestWithContext(ctx, c.method, target, body)
	if err != nil {
		return unit.Output{}, unit.Permanent(fmt.Errorf("building request: %w", err))
	}
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}

	c.logger.Debug("http command request",
		slog.String("unit", c.id),
		slog.String("method", c.method),
		slog.String("url", target),
	)
	resp, err := c.client.Do(req)
	if err != nil {
		return unit.Output{}, fmt.Errorf("%s %s: %w", c.method, target, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, MaxResponseBytes+1))
	if err != nil {
		return unit.Output{}, fmt.Errorf("reading response: %w", err)
	}
	if len(data) > MaxResponseBytes {
		return unit.Output{}, unit.Permanent(fmt.Errorf("%w: %s %s exceeds %d bytes",
			ErrResponseTooLarge, c.method, target, MaxResponseBytes))
	}

	if !c.accepts(resp.StatusCode) {
		err := fmt.Errorf("%w: %s %s returned %d", ErrHTTPStatus, c.method, target, resp.StatusCode)
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return unit.Output{}, err
		}
		return unit.Output{}, unit.Permanent(err)
	}

	v := decodeBody(resp.Header.Get("Content-Type"), data)
	ec.Set(c.into, v)
	return unit.Output{
		Data:        v,
		Information: []string{fmt.Sprintf("%s %s: %d (%d bytes)", c.method, target, resp.StatusCode, len(data))},
	}, nil
}

func (c *httpCommand) accepts(status int) bool {
	if c.expect != 0 {
		return status == c.expect
	}
	return status >= 200 && status < 300
}

func decodeBody(contentType string, data []byte) value.Value {
	mt, _, _ := mime.ParseMediaType(contentType)
	if mt == "application/json" || strings.HasSuffix(mt, "+json") {
		var decoded any
		if err := json.Unmarshal(data, &decoded); err == nil {
			if v, err := value.FromAny(decoded); err == nil {
				return v
			}
		}
	}
	return value.String(string(data))
}
