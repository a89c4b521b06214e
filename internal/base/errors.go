// Licensed Materials - Property of IBM
// Copyright IBM Corp. 2023.
// US Government Users Restricted Rights - Use, duplication or disclosure restricted by GSA ADP Schedule Contract with IBM Corp.

package base

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Returned (wrapped) when an output tree was edited after it was applied and
// the edits have not been rebuilt into the patch stack yet.
var ErrOutputModified = errors.New("output tree modified since last apply; run rebuild-patches or use --force")

// A patch hunk did not match the tree it was applied to
//
// Recoverable by editing the output tree and rebuilding the stack.
type ConflictError struct {
	Task string

	// Sequence number of the failing patch
	Sequence int

	// File name of the failing patch
	Patch string

	// Path of the file inside the tree the hunk targets
	Path string

	// Header of the hunk that failed, empty for whole-file conflicts
	Hunk string

	Reason string
}

func (e *ConflictError) Error() string {
	msg := fmt.Sprintf("task %q: patch %04d (%v) does not apply to %v: %v", e.Task, e.Sequence, e.Patch, e.Path, e.Reason)
	if e.Hunk != "" {
		msg += " at " + e.Hunk
	}
	return msg
}

func (e *ConflictError) ExitCode() int { return ExitConflict }

// The output tree changed in a way that cannot be attributed to tracked files
type RebuildAmbiguityError struct {
	Task   string
	Paths  []string
	Reason string
}

func (e *RebuildAmbiguityError) Error() string {
	return fmt.Sprintf("task %q: cannot rebuild patches: %v (%v)", e.Task, e.Reason, strings.Join(e.Paths, ", "))
}

func (e *RebuildAmbiguityError) ExitCode() int { return ExitAmbiguity }

// Another operation holds the lock on a workspace resource
type WorkspaceBusyError struct {
	Lock string
	Path string
}

func (e *WorkspaceBusyError) Error() string {
	return fmt.Sprintf("workspace busy: %v is locked by another operation (%v)", e.Lock, e.Path)
}

func (e *WorkspaceBusyError) ExitCode() int { return ExitBusy }

// An operation exceeded its caller supplied deadline
type TimeoutError struct {
	Op      string
	Timeout time.Duration
	Err     error
}

func (e *TimeoutError) Error() string {
	if e.Timeout > 0 {
		return fmt.Sprintf("%v timed out after %v: %v", e.Op, e.Timeout, e.Err)
	}
	return fmt.Sprintf("%v timed out: %v", e.Op, e.Err)
}

func (e *TimeoutError) Unwrap() error { return e.Err }

func (e *TimeoutError) ExitCode() int { return ExitTimeout }

// Fetching or checking out an upstream repository failed
type SyncError struct {
	Upstream string
	Op       string
	Err      error
}

func (e *SyncError) Error() string {
	return fmt.Sprintf("upstream %q: %v: %v", e.Upstream, e.Op, e.Err)
}

func (e *SyncError) Unwrap() error { return e.Err }

func (e *SyncError) ExitCode() int { return ExitSync }

// A moved upstream pin broke a dependent patch stack
type UpstreamConflictError struct {
	Upstream string

	// Commit range that caused the break
	From string
	To   string

	Conflict *ConflictError
}

func (e *UpstreamConflictError) Error() string {
	return fmt.Sprintf("upstream %q moved %v..%v: %v", e.Upstream, ShortCommit(e.From), ShortCommit(e.To), e.Conflict)
}

func (e *UpstreamConflictError) Unwrap() error { return e.Conflict }

func (e *UpstreamConflictError) ExitCode() int { return ExitConflict }

// Failure to publish to a single destination
type DestinationFailure struct {
	Destination string
	URL         string
	Err         error
}

// One or more publish destinations failed
type PublishError struct {
	Bundle   string
	Failures []DestinationFailure
}

func (e *PublishError) Error() string {
	parts := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		parts = append(parts, fmt.Sprintf("%v (%v): %v", f.Destination, f.URL, f.Err))
	}
	return fmt.Sprintf("publish %q failed for %d destination(s): %v", e.Bundle, len(e.Failures), strings.Join(parts, "; "))
}

func (e *PublishError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failures))
	for _, f := range e.Failures {
		errs = append(errs, f.Err)
	}
	return errs
}

func (e *PublishError) ExitCode() int { return ExitPublish }

// Report whether an error may succeed when the operation is repeated
//
// Only lock contention and timeouts are retried locally.
func Retryable(err error) bool {
	var busy *WorkspaceBusyError
	var timeout *TimeoutError
	return errors.As(err, &busy) || errors.As(err, &timeout)
}

// Map an error to the process exit code for its kind
func ExitCodeOf(err error) int {
	if err == nil {
		return ExitOK
	}
	if errors.Is(err, ErrOutputModified) {
		return ExitOutputModified
	}
	var coder interface{ ExitCode() int }
	if errors.As(err, &coder) {
		return coder.ExitCode()
	}
	return ExitFailure
}

// Abbreviate a commit hash for messages
func ShortCommit(commit string) string {
	if len(commit) > 10 {
		return commit[:10]
	}
	if commit == "" {
		return "(none)"
	}
	return commit
}
