package aws

import (
	"errors"
	"fmt"
	"testing"

	sdk "github.com/aws/aws-sdk-go-v2/aws"
	dbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	iamtypes "github.com/aws/aws-sdk-go-v2/service/iam/types"
	"github.com/picklr-io/tierctl/internal/ir"
	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		transient bool
		permanent bool
	}{
		{"throttling", apiError("ThrottlingException"), true, false},
		{"request limit", apiError("RequestLimitExceeded"), true, false},
		{"dependency violation", apiError("DependencyViolation"), true, false},
		{"resource in use", apiError("ResourceInUseException"), true, false},
		{"wrapped throttling", fmt.Errorf("failed to create VPC: %w", apiError("Throttling")), true, false},
		{"validation", apiError("ValidationException"), false, true},
		{"access denied", apiError("AccessDeniedException"), false, true},
		{"malformed policy", apiError("MalformedPolicyDocument"), false, true},
		{"typed already exists", &iamtypes.EntityAlreadyExistsException{Message: sdk.String("exists")}, false, true},
		{"waiter timeout", errors.New("exceeded max wait time for ClusterActive waiter"), true, false},
		{"unknown code", apiError("SomethingNew"), false, false},
		{"plain error", errors.New("boom"), false, false},
		{"already permanent", ir.Permanent(apiError("Throttling")), false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := classify(tt.err)
			assert.Equal(t, tt.transient, ir.IsTransient(err), "transient")
			assert.Equal(t, tt.permanent, ir.IsPermanent(err), "permanent")
			assert.ErrorIs(t, err, tt.err)
		})
	}
}

func TestClassify_Nil(t *testing.T) {
	assert.NoError(t, classify(nil))
}

func TestIsNotFound(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"plain", errors.New("not found"), false},
		{"no such entity", &iamtypes.NoSuchEntityException{}, true},
		{"dynamodb", &dbtypes.ResourceNotFoundException{}, true},
		{"nat gateway", apiError("NatGatewayNotFound"), true},
		{"ec2 suffix", apiError("InvalidVpcID.NotFound"), true},
		{"wrapped", fmt.Errorf("describe: %w", apiError("InvalidSubnetID.NotFound")), true},
		{"other code", apiError("DependencyViolation"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, isNotFound(tt.err))
		})
	}
}

func TestIsAlreadyExists(t *testing.T) {
	assert.True(t, isAlreadyExists(apiError("EntityAlreadyExists")))
	assert.True(t, isAlreadyExists(&dbtypes.ResourceInUseException{}))
	assert.False(t, isAlreadyExists(apiError("ValidationException")))
	assert.False(t, isAlreadyExists(nil))
}
