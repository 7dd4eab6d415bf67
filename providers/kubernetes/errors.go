package kubernetes

import (
	"github.com/picklr-io/tierctl/internal/ir"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
)

// classify maps API server status errors onto the engine's retry classes.
// Unrecognised errors (network failures) are left to the engine's message
// heuristics.
func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case apierrors.IsConflict(err),
		apierrors.IsServerTimeout(err),
		apierrors.IsTimeout(err),
		apierrors.IsTooManyRequests(err),
		apierrors.IsServiceUnavailable(err),
		apierrors.IsInternalError(err):
		return ir.Transient(err)
	case apierrors.IsInvalid(err),
		apierrors.IsBadRequest(err),
		apierrors.IsForbidden(err),
		apierrors.IsUnauthorized(err),
		apierrors.IsMethodNotSupported(err),
		apierrors.IsAlreadyExists(err),
		apierrors.IsNotAcceptable(err),
		apierrors.IsUnsupportedMediaType(err):
		return ir.Permanent(err)
	}
	return err
}
