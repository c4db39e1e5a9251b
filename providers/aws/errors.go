package aws

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/aws/smithy-go"

	"github.com/picklr-io/lakestack/internal/provider"
)

var notFoundCodes = []string{
	"NotFound",
	"NoSuchBucket",
	"NoSuchEntity",
	"ResourceNotFoundException",
	"InvalidVpcID.NotFound",
	"InvalidSubnetID.NotFound",
	"InvalidGroup.NotFound",
	"DBClusterNotFoundFault",
	"DBInstanceNotFound",
	"DBInstanceNotFoundFault",
	"DBSubnetGroupNotFoundFault",
}

var transientCodes = []string{
	"Throttling",
	"ThrottlingException",
	"ThrottledException",
	"RequestLimitExceeded",
	"TooManyRequestsException",
	"RequestThrottled",
	"SlowDown",
	"ServiceUnavailable",
	"InternalError",
	"InternalFailure",
	"ServerException",
	"ResourceInUseException",
	"ResourceInUse",
	"DependencyViolation",
	"InvalidDBClusterStateFault",
	"InvalidDBInstanceState",
	"ConcurrentModification",
	"ConcurrentModificationException",
	"OperationAbortedException",
}

// propagationCodes are validation errors that AWS also returns while a
// freshly created IAM principal is not yet visible everywhere. They are
// transient only when the message is about that principal.
var propagationCodes = map[string][]string{
	"InvalidParameterException": {"could not be assumed", "cannot be assumed"},
	"MalformedPolicyDocument":   {"invalid principal"},
}

// classify maps AWS API errors onto the provider taxonomy: missing
// resources become ErrNotFound, throttling and dependency races become
// transient, everything else is fatal.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		switch {
		case slices.Contains(notFoundCodes, code):
			return fmt.Errorf("%w: %w", provider.ErrNotFound, err)
		case slices.Contains(transientCodes, code), propagating(code, apiErr.ErrorMessage()):
			return provider.Transient(err)
		case apiErr.ErrorFault() == smithy.FaultServer:
			return provider.Transient(err)
		}
	}
	return provider.Classify(err)
}

func propagating(code, message string) bool {
	msg := strings.ToLower(message)
	return slices.ContainsFunc(propagationCodes[code], func(pattern string) bool {
		return strings.Contains(msg, pattern)
	})
}

// isNotFound reports whether err is an AWS "does not exist" error.
func isNotFound(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return slices.Contains(notFoundCodes, apiErr.ErrorCode())
	}
	return errors.Is(err, provider.ErrNotFound)
}

func hasCode(err error, codes ...string) bool {
	var apiErr smithy.APIError
	return errors.As(err, &apiErr) && slices.Contains(codes, apiErr.ErrorCode())
}
