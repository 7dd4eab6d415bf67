package ir

import (
	"context"
	"errors"
	"fmt"
)

// Handle is a backend's reference to a materialized resource.
type Handle struct {
	ID      string         `json:"id"`
	Outputs map[string]any `json:"outputs,omitempty"`
}

// Clone returns a deep copy of the handle.
func (h *Handle) Clone() *Handle {
	if h == nil {
		return nil
	}
	return &Handle{ID: h.ID, Outputs: CopyProperties(h.Outputs)}
}

// Output returns the named output. The reserved name "id" falls back to
// the handle id.
func (h *Handle) Output(name string) (any, bool) {
	if h == nil {
		return nil, false
	}
	if v, ok := h.Outputs[name]; ok {
		return v, true
	}
	if name == "id" {
		return h.ID, true
	}
	return nil, false
}

// OutputString returns the named output when it is a string.
func (h *Handle) OutputString(name string) string {
	v, _ := h.Output(name)
	s, _ := v.(string)
	return s
}

// Request is what the engine hands to a backend for a single descriptor.
type Request struct {
	ID         string
	Kind       Kind
	Properties map[string]any

	// Prior is the handle recorded by the last successful apply, if any.
	Prior *Handle
}

// Backend provisions resources. Implementations classify failures by
// wrapping them with Transient or Permanent; unclassified errors are
// classified by the engine.
type Backend interface {
	CreateOrUpdate(ctx context.Context, req *Request) (*Handle, error)
	Delete(ctx context.Context, req *Request) error
}

// TransientBackendError marks a failure that may succeed on retry
// (throttling, temporary unavailability).
type TransientBackendError struct {
	Err error
}

func (e *TransientBackendError) Error() string {
	return fmt.Sprintf("transient backend error: %v", e.Err)
}

func (e *TransientBackendError) Unwrap() error {
	return e.Err
}

// PermanentBackendError marks a failure that retrying cannot fix
// (validation, conflict, permission).
type PermanentBackendError struct {
	Err error
}

func (e *PermanentBackendError) Error() string {
	return fmt.Sprintf("permanent backend error: %v", e.Err)
}

func (e *PermanentBackendError) Unwrap() error {
	return e.Err
}

// Transient wraps err as a TransientBackendError.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientBackendError{Err: err}
}

// Permanent wraps err as a PermanentBackendError.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentBackendError{Err: err}
}

// IsTransient reports whether err was classified as transient.
func IsTransient(err error) bool {
	var t *TransientBackendError
	return errors.As(err, &t)
}

// IsPermanent reports whether err was classified as permanent.
func IsPermanent(err error) bool {
	var p *PermanentBackendError
	return errors.As(err, &p)
}
