// Package errs defines the error kinds surfaced by mpca and the sentinel
// errors for every named failure condition.
package errs

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Kind classifies an error for recovery decisions and for the failure marker
// persisted in a run-state record.
type Kind string

const (
	KindInitialization Kind = "initialization"
	KindFeature        Kind = "feature"
	KindState          Kind = "state"
	KindVersionControl Kind = "version_control"
	KindStorage        Kind = "storage"
	KindConfiguration  Kind = "configuration"
	KindTemplate       Kind = "template"
	KindAgent          Kind = "agent"
	KindVerification   Kind = "verification"
	KindTooling        Kind = "tooling"
	KindPolicy         Kind = "policy"
	KindInterrupted    Kind = "interrupted"
	KindUnexpected     Kind = "unexpected"
)

// sentinel is a named failure condition with a fixed kind.
type sentinel struct {
	kind Kind
	msg  string
}

func (s *sentinel) Error() string { return s.msg }

func newSentinel(kind Kind, msg string) error {
	return &sentinel{kind: kind, msg: msg}
}

// Initialization
var (
	ErrNotGitRepo         = newSentinel(KindInitialization, "not a git repository")
	ErrAlreadyInitialized = newSentinel(KindInitialization, "project already initialized")
	ErrNotInitialized     = newSentinel(KindInitialization, "project not initialized (run 'mpca init')")
)

// Feature
var (
	ErrFeatureNotFound = newSentinel(KindFeature, "feature not found")
	ErrFeatureExists   = newSentinel(KindFeature, "feature already exists")
	ErrInvalidSlug     = newSentinel(KindFeature, "invalid feature slug")
)

// State
var (
	ErrCorruptedState    = newSentinel(KindState, "corrupted run-state record")
	ErrInvalidTransition = newSentinel(KindState, "invalid phase transition")
	ErrMissingState      = newSentinel(KindState, "run-state record missing")
)

// Version control
var (
	ErrWorktreeExists     = newSentinel(KindVersionControl, "worktree already exists")
	ErrWorktreeNotFound   = newSentinel(KindVersionControl, "worktree not found")
	ErrBranchExists       = newSentinel(KindVersionControl, "branch already exists")
	ErrUncommittedChanges = newSentinel(KindVersionControl, "uncommitted changes")
	ErrNothingToCommit    = newSentinel(KindVersionControl, "nothing to commit")
	ErrGitCommand         = newSentinel(KindVersionControl, "git command failed")
)

// Storage
var (
	ErrNotFound         = newSentinel(KindStorage, "path not found")
	ErrInvalidPath      = newSentinel(KindStorage, "invalid path")
	ErrPermissionDenied = newSentinel(KindStorage, "permission denied")
	ErrReadFailed       = newSentinel(KindStorage, "read failed")
	ErrWriteFailed      = newSentinel(KindStorage, "write failed")
)

// Configuration
var (
	ErrConfigInvalid      = newSentinel(KindConfiguration, "invalid configuration")
	ErrConfigParse        = newSentinel(KindConfiguration, "failed to parse configuration")
	ErrConfigMissingField = newSentinel(KindConfiguration, "missing configuration field")
	ErrConfigNotFound     = newSentinel(KindConfiguration, "configuration not found")
)

// Template
var (
	ErrTemplateNotFound = newSentinel(KindTemplate, "template not found")
	ErrTemplateRender   = newSentinel(KindTemplate, "template render failed")
	ErrInvalidContext   = newSentinel(KindTemplate, "invalid template context")
)

// Agent
var (
	ErrAgentFailed  = newSentinel(KindAgent, "agent exchange failed")
	ErrAgentAuth    = newSentinel(KindAgent, "agent authentication failed")
	ErrRateLimited  = newSentinel(KindAgent, "agent rate limited")
	ErrAgentTimeout = newSentinel(KindAgent, "agent exchange timed out")
)

// Verification
var (
	ErrVerificationFailed  = newSentinel(KindVerification, "verification failed")
	ErrTestsFailed         = newSentinel(KindVerification, "tests failed")
	ErrSpecMissing         = newSentinel(KindVerification, "specification document missing")
	ErrVerificationTimeout = newSentinel(KindVerification, "verification timed out")
)

// Tooling
var (
	ErrCommandFailed  = newSentinel(KindTooling, "command failed")
	ErrExecutionError = newSentinel(KindTooling, "command execution error")
)

// Policy
var (
	ErrToolNotPermitted = newSentinel(KindPolicy, "operation not permitted by tool policy")
)

// Interrupted
var (
	ErrInterrupted = newSentinel(KindInterrupted, "interrupted")
)

// Error attaches orchestration context to an underlying error.
type Error struct {
	Op      string
	Feature string
	Phase   string
	Step    int
	Path    string
	Err     error
}

func (e *Error) Error() string {
	var parts []string
	if e.Feature != "" {
		parts = append(parts, "feature "+e.Feature)
	}
	if e.Phase != "" {
		parts = append(parts, fmt.Sprintf("phase %s step %d", e.Phase, e.Step))
	}
	if e.Op != "" {
		parts = append(parts, e.Op)
	}
	if e.Path != "" {
		parts = append(parts, e.Path)
	}
	if len(parts) == 0 {
		return e.Err.Error()
	}
	return strings.Join(parts, ": ") + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// Wrap annotates err with an operation and optional path. It returns nil for
// a nil err.
func Wrap(err error, op, path string) error {
	if err == nil {
		return nil
	}
	return &Error{Op: op, Path: path, Err: err}
}

// Withf wraps a sentinel with a formatted detail, keeping it matchable with
// errors.Is.
func Withf(target error, format string, args ...any) error {
	return fmt.Errorf("%w: %s", target, fmt.Sprintf(format, args...))
}

// KindOf classifies err by the first sentinel found in its chain.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var s *sentinel
	if errors.As(err, &s) {
		return s.kind
	}
	if errors.Is(err, context.Canceled) {
		return KindInterrupted
	}
	return KindUnexpected
}

// Recoverable reports whether err is a transient agent condition that a
// front-end may wait out and resend.
func Recoverable(err error) bool {
	return errors.Is(err, ErrRateLimited) || errors.Is(err, ErrAgentTimeout)
}
