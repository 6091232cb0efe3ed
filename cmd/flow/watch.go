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
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DebounceWindow is how long watch waits for more changes before
// re-running.
const DebounceWindow = 200 * time.Millisecond

// watch calls fn once, then again after every change to the file at path,
// until ctx is done. Failures of fn are reported and watching continues.
//
// The parent directory is watched rather than the file, since editors
// often save by writing a new file and renaming it over the old one.
func (a *app) watch(ctx context.Context, path string, fn func(context.Context) error) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	if dir, err := filepath.EvalSymlinks(filepath.Dir(abs)); err == nil {
		abs = filepath.Join(dir, filepath.Base(abs))
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer w.Close()
	if err := w.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}

	runAndReport := func() {
		if err := fn(ctx); err != nil && ctx.Err() == nil {
			var ee *exitError
			if !errors.As(err, &ee) || ee.code == exitInvalid {
				fmt.Fprintln(a.stderr, "error:", err)
			}
		}
		fmt.Fprintf(a.stderr, "watching %s for changes\n", path)
	}
	runAndReport()

	var timer *time.Timer
	var timerC <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil
		case event, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != abs || event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(DebounceWindow)
			} else {
				timer.Reset(DebounceWindow)
			}
			timerC = timer.C
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			a.log().Warn("watch error", slog.String("error", err.Error()))
		case <-timerC:
			timerC = nil
			a.log().Info("document changed", slog.String("path", path))
			runAndReport()
		}
	}
}
