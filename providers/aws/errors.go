package aws

import (
	"errors"
	"strings"

	"github.com/aws/smithy-go"
	"github.com/picklr-io/tierctl/internal/ir"
)

var transientCodes = map[string]bool{
	"Throttling":                             true,
	"ThrottlingException":                    true,
	"RequestLimitExceeded":                   true,
	"TooManyRequestsException":               true,
	"ProvisionedThroughputExceededException": true,
	"RequestThrottled":                       true,
	"ServiceUnavailable":                     true,
	"ServiceUnavailableException":            true,
	"InternalError":                          true,
	"InternalFailure":                        true,
	"ServerException":                        true,
	// Resource busy with another operation (cluster updating, table creating).
	"ResourceInUseException": true,
	// Dependents (ENIs, load balancers) still draining.
	"DependencyViolation":    true,
	"LimitExceededException": true,
	"ConcurrentModification": true,
}

var permanentCodes = map[string]bool{
	"ValidationException":                  true,
	"ValidationError":                      true,
	"InvalidParameterValue":                true,
	"InvalidParameterCombination":          true,
	"InvalidParameterException":            true,
	"InvalidRequestException":              true,
	"MalformedPolicyDocument":              true,
	"AccessDenied":                         true,
	"AccessDeniedException":                true,
	"UnauthorizedOperation":                true,
	"UnrecognizedClientException":          true,
	"InvalidClientTokenId":                 true,
	"InvalidVpcRange":                      true,
	"InvalidSubnet.Range":                  true,
	"InvalidSubnet.Conflict":               true,
	"UnsupportedAvailabilityZoneException": true,
	"EntityAlreadyExists":                  true,
	"AddressLimitExceeded":                 true,
	"VpcLimitExceeded":                     true,
}

var notFoundCodes = map[string]bool{
	"NoSuchEntity":              true,
	"ResourceNotFoundException": true,
	"NatGatewayNotFound":        true,
	"NotFoundException":         true,
}

// errorCode returns the API error code carried by err, or "".
func errorCode(err error) string {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode()
	}
	return ""
}

// classify wraps err as transient or permanent based on its API error code.
// Errors without a known code are returned unchanged for the engine's
// message heuristics.
func classify(err error) error {
	if err == nil || ir.IsTransient(err) || ir.IsPermanent(err) {
		return err
	}
	code := errorCode(err)
	switch {
	case transientCodes[code]:
		return ir.Transient(err)
	case permanentCodes[code]:
		return ir.Permanent(err)
	case isWaiterTimeout(err):
		return ir.Transient(err)
	}
	return err
}

// isNotFound reports whether err says the target no longer exists.
func isNotFound(err error) bool {
	code := errorCode(err)
	if code == "" {
		return false
	}
	return notFoundCodes[code] || strings.HasSuffix(code, ".NotFound")
}

// isAlreadyExists reports whether a create call raced an existing object.
func isAlreadyExists(err error) bool {
	switch errorCode(err) {
	case "EntityAlreadyExists", "ResourceInUseException":
		return true
	}
	return false
}

func isWaiterTimeout(err error) bool {
	return strings.Contains(err.Error(), "exceeded max wait time")
}
