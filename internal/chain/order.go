// Licensed Materials - Property of IBM
// Copyright IBM Corp. 2023.
// US Government Users Restricted Rights - Use, duplication or disclosure restricted by GSA ADP Schedule Contract with IBM Corp.

package chain

import (
	"errors"
	"fmt"
	"strings"

	"github.com/zosopentools/patchchain/internal/base"
)

// Returned (wrapped) when a command names a task, upstream or bundle that is not configured
var ErrUnknown = errors.New("not configured")

// Tasks depend on each other in a loop through from or after
type CycleError struct {
	Tasks []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("task order contains a cycle between %v", strings.Join(e.Tasks, ", "))
}

// Dependencies of a task that are part of the given set
func dependencies(t base.TaskConfig, in map[string]bool) []string {
	var deps []string
	if t.From != "" && in[t.From] {
		deps = append(deps, t.From)
	}
	for _, dep := range t.After {
		if in[dep] && dep != t.From {
			deps = append(deps, dep)
		}
	}
	return deps
}

// Levels groups tasks so that every task comes after the tasks it depends on
//
// Tasks in the same level are independent of each other and keep their
// configuration order. Dependencies outside the given set are ignored.
func Levels(tasks []base.TaskConfig) ([][]base.TaskConfig, error) {
	in := make(map[string]bool, len(tasks))
	for _, t := range tasks {
		in[t.Name] = true
	}

	done := make(map[string]bool, len(tasks))
	remaining := append([]base.TaskConfig(nil), tasks...)
	var levels [][]base.TaskConfig
	for len(remaining) > 0 {
		var level, next []base.TaskConfig
		for _, t := range remaining {
			ready := true
			for _, dep := range dependencies(t, in) {
				if !done[dep] {
					ready = false
					break
				}
			}
			if ready {
				level = append(level, t)
			} else {
				next = append(next, t)
			}
		}

		if len(level) == 0 {
			names := make([]string, 0, len(next))
			for _, t := range next {
				names = append(names, t.Name)
			}
			return nil, &CycleError{Tasks: names}
		}
		for _, t := range level {
			done[t.Name] = true
		}
		levels = append(levels, level)
		remaining = next
	}
	return levels, nil
}

// Select the named tasks, or every task when no names are given
//
// With withBases set the tasks their base trees come from are selected as
// well, so the whole chain down to the upstream is brought up to date.
func Select(cfg base.Config, names []string, withBases bool) ([]base.TaskConfig, error) {
	if len(names) == 0 {
		return append([]base.TaskConfig(nil), cfg.Tasks...), nil
	}

	want := make(map[string]bool, len(names))
	var errs []error
	for _, name := range names {
		t, ok := cfg.Task(name)
		if !ok {
			errs = append(errs, fmt.Errorf("task %q: %w", name, ErrUnknown))
			continue
		}
		for withBases && t.From != "" && !want[t.Name] {
			want[t.Name] = true
			t, _ = cfg.Task(t.From)
		}
		want[t.Name] = true
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	// Configuration order
	var out []base.TaskConfig
	for _, t := range cfg.Tasks {
		if want[t.Name] {
			out = append(out, t)
		}
	}
	return out, nil
}

// Tasks whose base chain roots at the named upstream
func Dependents(cfg base.Config, upstream string) []base.TaskConfig {
	var out []base.TaskConfig
	for _, t := range cfg.Tasks {
		if root, ok := cfg.RootUpstream(t.Name); ok && root == upstream {
			out = append(out, t)
		}
	}
	return out
}
