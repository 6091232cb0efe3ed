// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package report

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/AleutianAI/AleutianFlow/services/flow/execctx"
	"github.com/AleutianAI/AleutianFlow/services/flow/pipeline"
	"github.com/AleutianAI/AleutianFlow/services/flow/result"
)

// Palette used when color is enabled.
var (
	ColorSuccess = lipgloss.Color("#2CD7C7")
	ColorWarning = lipgloss.Color("#F4D03F")
	ColorError   = lipgloss.Color("#E74C3C")
	ColorMuted   = lipgloss.Color("#2C4A54")
	ColorTitle   = lipgloss.Color("#20B9B4")
)

// RenderOptions control Render.
type RenderOptions struct {
	// Color enables ANSI styling. Callers usually set it from
	// isatty.IsTerminal on the output.
	Color bool

	// Details adds warnings and information lines under each unit.
	Details bool
}

type palette struct {
	title, ok, warn, bad, muted func(...string) string
}

func newPalette(w io.Writer, color bool) palette {
	if !color {
		plain := func(s ...string) string { return strings.Join(s, " ") }
		return palette{plain, plain, plain, plain, plain}
	}
	r := lipgloss.NewRenderer(w)
	return palette{
		title: r.NewStyle().Bold(true).Foreground(ColorTitle).Render,
		ok:    r.NewStyle().Foreground(ColorSuccess).Render,
		warn:  r.NewStyle().Foreground(ColorWarning).Render,
		bad:   r.NewStyle().Foreground(ColorError).Render,
		muted: r.NewStyle().Foreground(ColorMuted).Render,
	}
}

// Render writes a human-readable summary of res to w: a header, the
// result tree, metrics, validation findings and the run error.
func Render(w io.Writer, res *pipeline.ExecutionResult, opts RenderOptions) error {
	if res == nil {
		return fmt.Errorf("%w: result must not be nil", ErrInvalidInput)
	}
	p := newPalette(w, opts.Color)
	var b strings.Builder

	header := res.Name
	if res.Version != "" {
		header += " " + res.Version
	}
	fmt.Fprintf(&b, "%s  %s  %s  %s\n",
		p.title(header),
		runStatus(p, res.Status),
		formatDuration(res.Duration()),
		p.muted("run "+res.ExecutionID),
	)

	if res.Root.ID != "" {
		b.WriteString("\n")
		renderTree(&b, p, res.Root, 0, opts.Details)
	}

	m := res.Metrics
	b.WriteString("\n")
	for _, s := range []struct {
		label string
		sum   result.Summary
	}{
		{"commands", m.Commands},
		{"behaviors", m.Behaviors},
		{"aggregators", m.Aggregators},
	} {
		if s.sum.Total == 0 {
			continue
		}
		fmt.Fprintf(&b, "%-12s %d/%d succeeded, %d failed, %d skipped, %d cancelled\n",
			s.label, s.sum.Successful, s.sum.Total, s.sum.Failed, s.sum.Skipped, s.sum.Cancelled)
	}
	fmt.Fprintf(&b, "%-12s %d attempts, %d retries, %d timeouts, %d fallbacks, peak %d, %d phases\n",
		"execution", m.Attempts, m.Retries, m.Timeouts, m.FallbacksExecuted, m.PeakConcurrency, m.PhasesExecuted)

	for _, issue := range res.Validation.Errors {
		b.WriteString(p.bad("error: "+issue.String()) + "\n")
	}
	for _, issue := range res.Validation.Warnings {
		b.WriteString(p.warn("warning: "+issue.String()) + "\n")
	}
	if res.Error != "" {
		b.WriteString(p.bad("error: "+res.Error) + "\n")
	}

	_, err := io.WriteString(w, b.String())
	return err
}

func renderTree(b *strings.Builder, p palette, r result.Result, depth int, details bool) {
	indent := strings.Repeat("  ", depth)
	line := fmt.Sprintf("%s%s %s  %s", indent, marker(p, r.Status), displayName(r), p.muted(r.Level.String()))

	switch r.Status {
	case result.StatusSkipped:
		reason := string(r.SkipReason)
		if reason == "" {
			reason = "skipped"
		}
		line += "  " + p.muted("skipped ("+reason+")")
	case result.StatusCancelled:
		line += "  " + p.muted("cancelled")
	default:
		line += "  " + formatDuration(r.Duration())
	}
	if r.Level == result.LevelCommand && r.Attempts > 1 {
		line += fmt.Sprintf("  %d attempts", r.Attempts)
	}
	if r.FallbackUsed != "" {
		line += "  " + p.warn("fallback "+r.FallbackUsed)
	}
	if r.Status.IsFailure() && r.ErrorMessage != "" {
		line += "  " + p.bad(r.ErrorMessage)
	}
	b.WriteString(line + "\n")

	if details {
		for _, w := range r.Warnings {
			b.WriteString(indent + "    " + p.warn("! "+w) + "\n")
		}
		for _, info := range r.Information {
			b.WriteString(indent + "    " + p.muted("- "+info) + "\n")
		}
	}
	for _, c := range r.Children {
		renderTree(b, p, c, depth+1, details)
	}
}

func displayName(r result.Result) string {
	if r.Name == "" || r.Name == r.ID {
		return r.ID
	}
	return r.Name + " (" + r.ID + ")"
}

func marker(p palette, s result.Status) string {
	switch s {
	case result.StatusSucceeded:
		return p.ok("✓")
	case result.StatusFailed, result.StatusTimedOut:
		return p.bad("✗")
	case result.StatusSkipped:
		return p.muted("↷")
	case result.StatusCancelled:
		return p.warn("⊘")
	default:
		return p.muted("·")
	}
}

func runStatus(p palette, s execctx.Status) string {
	switch s {
	case execctx.StatusCompleted:
		return p.ok(s.String())
	case execctx.StatusFailed:
		return p.bad(s.String())
	default:
		return p.warn(s.String())
	}
}

func formatDuration(d time.Duration) string {
	switch {
	case d <= 0:
		return "0s"
	case d < time.Millisecond:
		return d.Round(time.Microsecond).String()
	case d < time.Second:
		return d.Round(time.Millisecond).String()
	default:
		return d.Round(10 * time.Millisecond).String()
	}
}
