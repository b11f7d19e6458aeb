package challenge

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected Reason
	}{
		{"nil", nil, ReasonNone},
		{"decode error", &DecodeError{Err: errors.New("bad")}, ReasonInvalidPayload},
		{"wrapped decode error", fmt.Errorf("stage: %w", &DecodeError{Err: errors.New("bad")}), ReasonInvalidPayload},
		{"validation error", &ValidationError{Details: "name required"}, ReasonValidation},
		{"wrapped validation error", fmt.Errorf("upsert c1: %w", &ValidationError{Details: "x"}), ReasonValidation},
		{"anything else", errors.New("connection refused"), ReasonProcessing},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Classify(tt.err))
		})
	}
}

func TestReason_Permanent(t *testing.T) {
	assert.True(t, ReasonInvalidPayload.Permanent())
	assert.True(t, ReasonValidation.Permanent())
	assert.False(t, ReasonProcessing.Permanent())
	assert.False(t, ReasonNone.Permanent())
}

func TestOutcome(t *testing.T) {
	assert.True(t, Succeeded().Success())
	assert.True(t, Failed(nil).Success())

	out := Failed(errors.New("db down"))
	assert.False(t, out.Success())
	assert.Equal(t, ReasonProcessing, out.Reason)
}

func TestValidate(t *testing.T) {
	require.NoError(t, Validate(UpsertCommand{ExternalID: "c1", Name: "Checker"}))

	err := Validate(UpsertCommand{ExternalID: "c1"})
	require.Error(t, err)

	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "required", verr.Fields["name"])
	assert.Equal(t, "validation failed: name: required", err.Error())
	assert.Equal(t, ReasonValidation, Classify(err))
}

func TestValidate_MaxLength(t *testing.T) {
	long := make([]byte, 256)
	for i := range long {
		long[i] = 'a'
	}

	err := Validate(UpsertCommand{ExternalID: "c1", Name: string(long)})
	require.Error(t, err)

	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "max=255", verr.Fields["name"])
}
