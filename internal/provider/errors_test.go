package provider

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"typed transient", Transientf("cluster still creating"), true},
		{"typed fatal wins over message", Fatal(errors.New("Throttling: rate exceeded")), false},
		{"wrapped transient", fmt.Errorf("create vpc: %w", Transient(errors.New("x"))), true},
		{"throttling message", errors.New("ThrottlingException: Rate exceeded"), true},
		{"connection reset", errors.New("read tcp: connection reset by peer"), true},
		{"not found", fmt.Errorf("read: %w", ErrNotFound), false},
		{"unknown kind", ErrUnknownKind, false},
		{"cancelled", context.Canceled, false},
		{"access denied", errors.New("AccessDenied: not authorized"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsTransient(tt.err))
		})
	}
}

func TestWrappersKeepNil(t *testing.T) {
	assert.NoError(t, Transient(nil))
	assert.NoError(t, Fatal(nil))
}

func TestFatalUnwrap(t *testing.T) {
	err := Fatal(fmt.Errorf("lookup: %w", ErrNotFound))
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, "lookup: resource not found", err.Error())
}

func TestClassify(t *testing.T) {
	assert.Nil(t, Classify(nil))

	var transient *TransientError
	assert.ErrorAs(t, Classify(errors.New("Rate exceeded")), &transient)

	var fatal *FatalError
	assert.ErrorAs(t, Classify(errors.New("AccessDenied: not authorized")), &fatal)

	nf := fmt.Errorf("vpc-123: %w", ErrNotFound)
	assert.Same(t, nf, Classify(nf))
}
