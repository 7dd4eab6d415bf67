package engine

import (
	"errors"
	"fmt"
	"strings"

	"github.com/picklr-io/tierctl/internal/ir"
	"github.com/picklr-io/tierctl/internal/state"
)

// ConfigError is implemented by errors found before anything is applied.
// They are never retried.
type ConfigError interface {
	error
	configError()
}

// IsConfigError reports whether err wraps a ConfigError.
func IsConfigError(err error) bool {
	var ce ConfigError
	return errors.As(err, &ce)
}

// CycleError carries every node on a dependency cycle, with the first node
// repeated at the end.
type CycleError struct {
	Path []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("dependency cycle detected: %s", strings.Join(e.Path, " -> "))
}

func (*CycleError) configError() {}

// UnknownDependencyError names a dependency that is neither declared nor external.
type UnknownDependencyError struct {
	ID      string
	Missing string
}

func (e *UnknownDependencyError) Error() string {
	return fmt.Sprintf("resource %q depends on unknown resource %q", e.ID, e.Missing)
}

func (*UnknownDependencyError) configError() {}

// DuplicateIDError names an id declared more than once.
type DuplicateIDError struct {
	ID string
}

func (e *DuplicateIDError) Error() string {
	return fmt.Sprintf("duplicate resource id %q", e.ID)
}

func (*DuplicateIDError) configError() {}

// SelfReferenceError names a resource that lists itself as a dependency.
type SelfReferenceError struct {
	ID string
}

func (e *SelfReferenceError) Error() string {
	return fmt.Sprintf("resource %q depends on itself", e.ID)
}

func (*SelfReferenceError) configError() {}

// InvalidResourceError reports a malformed descriptor.
type InvalidResourceError struct {
	ID     string
	Reason string
}

func (e *InvalidResourceError) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("invalid resource: %s", e.Reason)
	}
	return fmt.Sprintf("invalid resource %q: %s", e.ID, e.Reason)
}

func (*InvalidResourceError) configError() {}

// TeardownBlockedError reports a resource whose recorded dependents are not
// part of the same teardown.
type TeardownBlockedError struct {
	ID         string
	Dependents []string
}

func (e *TeardownBlockedError) Error() string {
	return fmt.Sprintf("cannot tear down %q: still required by %s; tear those down too or mark them removed",
		e.ID, strings.Join(e.Dependents, ", "))
}

func (*TeardownBlockedError) configError() {}

// ResourceFailedError is the terminal failure of one descriptor.
type ResourceFailedError struct {
	ID       string
	Kind     ir.Kind
	Attempts int
	Err      error
}

func (e *ResourceFailedError) Error() string {
	return fmt.Sprintf("%s %q failed after %d attempt(s): %v", e.Kind, e.ID, e.Attempts, e.Err)
}

func (e *ResourceFailedError) Unwrap() error {
	return e.Err
}

// ConcurrentPlanError is returned when another run holds overlapping ids.
type ConcurrentPlanError = state.ConcurrentPlanError

// ApplyError aggregates every failed and skipped descriptor of a run.
type ApplyError struct {
	Direction ir.Direction
	Failed    []string
	Skipped   []string

	// Cause is set when the run was cancelled or timed out.
	Cause error
	Errs  []error
}

func (e *ApplyError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s failed", e.Direction)
	if e.Cause != nil {
		fmt.Fprintf(&b, " (%v)", e.Cause)
	}
	if len(e.Failed) > 0 {
		fmt.Fprintf(&b, ": %d resource(s) failed [%s]", len(e.Failed), strings.Join(e.Failed, ", "))
	}
	if len(e.Skipped) > 0 {
		fmt.Fprintf(&b, ", %d skipped [%s]", len(e.Skipped), strings.Join(e.Skipped, ", "))
	}
	for _, err := range e.Errs {
		fmt.Fprintf(&b, "\n  %v", err)
	}
	return b.String()
}

func (e *ApplyError) Unwrap() []error {
	errs := append([]error(nil), e.Errs...)
	if e.Cause != nil {
		errs = append(errs, e.Cause)
	}
	return errs
}
