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
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianFlow/pkg/logging"
	"github.com/AleutianAI/AleutianFlow/services/flow/commands"
	"github.com/AleutianAI/AleutianFlow/services/flow/config"
	"github.com/AleutianAI/AleutianFlow/services/flow/pipeline"
)

// app holds the state shared by every subcommand.
type app struct {
	stdout, stderr io.Writer

	env      string
	logLevel string
	logDir   string
	logJSON  bool
	jsonOut  bool

	logger *logging.Logger
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "flow",
		Short:         "Validate, plan and run hierarchical workflow documents",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return withCode(exitInvalid, a.setupLogging())
		},
	}
	pf := root.PersistentFlags()
	pf.StringVar(&a.env, "env", "", "environment overlay to apply (default $"+config.EnvVar+")")
	pf.StringVar(&a.logLevel, "log-level", "warn", "log level: debug, info, warn, error")
	pf.StringVar(&a.logDir, "log-dir", "", "also write JSON logs to this directory")
	pf.BoolVar(&a.logJSON, "log-json", false, "write console logs as JSON")
	pf.BoolVar(&a.jsonOut, "json", false, "print machine-readable JSON instead of text")

	root.AddCommand(
		newValidateCmd(a),
		newPlanCmd(a),
		newRunCmd(a),
		newShowCmd(a),
		newTypesCmd(a),
	)
	return root
}

func (a *app) setupLogging() error {
	level, err := logging.ParseLevel(a.logLevel)
	if err != nil {
		return err
	}
	a.logger, err = logging.New(logging.Config{
		Level:   level,
		LogDir:  a.logDir,
		JSON:    a.logJSON,
		Output:  a.stderr,
		Service: "flow",
	})
	if err != nil {
		return err
	}
	slog.SetDefault(a.logger.Slog())
	return nil
}

func (a *app) close() {
	if a.logger != nil {
		_ = a.logger.Close()
	}
}

func (a *app) log() *slog.Logger {
	if a.logger == nil {
		return slog.Default()
	}
	return a.logger.Slog()
}

// registry returns the built-in command types. llm commands are
// available only when an OpenAI key can be found.
func (a *app) registry() (*config.Registry, error) {
	deps := commands.Deps{Logger: a.log()}
	if client, err := commands.NewOpenAIClient(commands.OpenAIConfigFromEnv()); err == nil {
		deps.LLM = client
	} else {
		a.log().Debug("llm commands disabled", slog.String("reason", err.Error()))
	}
	reg := config.NewRegistry()
	if err := commands.Register(reg, deps); err != nil {
		return nil, err
	}
	return reg, nil
}

// loaded is a parsed and built document.
type loaded struct {
	path     string
	doc      *config.Document
	pipeline *pipeline.Pipeline
}

func (a *app) load(path string) (*loaded, error) {
	doc, err := config.Load(path, a.env)
	if err != nil {
		return nil, withCode(exitInvalid, err)
	}
	reg, err := a.registry()
	if err != nil {
		return nil, err
	}
	p, err := config.Build(doc, reg)
	if err != nil {
		return nil, withCode(exitInvalid, err)
	}
	return &loaded{path: path, doc: doc, pipeline: p}, nil
}

func (a *app) printJSON(v any) error {
	enc := json.NewEncoder(a.stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// colorEnabled reports whether w is a terminal and NO_COLOR is unset.
func colorEnabled(w io.Writer) bool {
	if os.Getenv("NO_COLOR") != "" {
		return false
	}
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

func newTypesCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "types",
		Short: "List the available command types",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			reg, err := a.registry()
			if err != nil {
				return err
			}
			if a.jsonOut {
				return a.printJSON(reg.Types())
			}
			for _, t := range reg.Types() {
				fmt.Fprintln(a.stdout, t)
			}
			return nil
		},
	}
}

// contextOrBackground guards against commands executed without a context.
func contextOrBackground(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
