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
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianFlow/services/flow/config"
	"github.com/AleutianAI/AleutianFlow/services/flow/planner"
	"github.com/AleutianAI/AleutianFlow/services/flow/validation"
)

func newValidateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <document>",
		Short: "Check a document for structural errors",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			l, err := a.load(args[0])
			if err != nil {
				return err
			}
			report := l.pipeline.Validate()
			if a.jsonOut {
				if err := a.printJSON(report); err != nil {
					return err
				}
			} else {
				printIssues(a, report)
				if report.IsValid() {
					fmt.Fprintf(a.stdout, "%s: valid (%d warnings)\n", l.pipeline.Name, len(report.Warnings))
				}
			}
			return withCode(exitInvalid, report.Err())
		},
	}
}

func printIssues(a *app, report validation.Report) {
	for _, issue := range report.Errors {
		fmt.Fprintln(a.stdout, issue.String())
	}
	for _, issue := range report.Warnings {
		fmt.Fprintln(a.stdout, issue.String())
	}
}

func newPlanCmd(a *app) *cobra.Command {
	var scope, export string
	cmd := &cobra.Command{
		Use:   "plan <document>",
		Short: "Print the execution plan of every scope",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			l, err := a.load(args[0])
			if err != nil {
				return err
			}
			_, opts, err := l.doc.Runtime()
			if err != nil {
				return withCode(exitInvalid, err)
			}
			plans, err := l.pipeline.Plans(opts)
			if err != nil {
				return withCode(exitInvalid, err)
			}
			if scope != "" {
				p, ok := plans[scope]
				if !ok {
					return withCode(exitInvalid, fmt.Errorf("no scope %q; scopes are %s", scope, strings.Join(sortedKeys(plans), ", ")))
				}
				plans = map[string]*planner.Plan{scope: p}
			}
			if export != "" {
				p := plans[scope]
				if p == nil {
					p = plans[l.pipeline.Path()]
				}
				return exportPlan(p, export)
			}
			if a.jsonOut {
				return a.printJSON(plans)
			}
			for _, path := range sortedKeys(plans) {
				printPlan(a, plans[path])
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&scope, "scope", "", "only this scope path, e.g. pipeline/aggregator/behavior")
	cmd.Flags().StringVar(&export, "export", "", "write the scope's plan as a standalone document to this file")
	return cmd
}

func printPlan(a *app, p *planner.Plan) {
	fmt.Fprintf(a.stdout, "%s  strategy=%s profile=%s estimate=%s fingerprint=%s\n",
		p.Scope, p.Strategy, p.Profile, p.EstimatedDuration, p.Fingerprint()[:12])
	for _, ph := range p.Phases {
		mode := "sequential"
		if ph.Parallel {
			mode = "parallel"
		}
		fmt.Fprintf(a.stdout, "  phase %d (%s): %s\n", ph.Number, mode, strings.Join(ph.Units, ", "))
	}
}

// exportPlan writes p as a document whose commands are noops carrying
// the planned policies, so the schedule can be replayed or diffed.
func exportPlan(p *planner.Plan, path string) error {
	data, err := config.Marshal(config.FromPlan(p))
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func sortedKeys(m map[string]*planner.Plan) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
