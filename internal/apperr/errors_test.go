package apperr

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "plain error", err: errors.New("boom"), want: true},
		{name: "transient", err: Transient(errors.New("net down")), want: true},
		{name: "terminal", err: Terminal(errors.New("bad payload")), want: false},
		{name: "wrapped terminal", err: fmt.Errorf("handler: %w", Terminal(errors.New("x"))), want: false},
		{name: "timeout", err: fmt.Errorf("%w: 5s", ErrTimeout), want: true},
		{name: "unknown type", err: fmt.Errorf("%w: foo", ErrUnknownTaskType), want: false},
		{name: "cancelled", err: ErrCancelled, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryable(tt.err))
		})
	}
}

func TestKind(t *testing.T) {
	assert.Equal(t, KindTimeout, Kind(context.DeadlineExceeded))
	assert.Equal(t, KindTimeout, Kind(fmt.Errorf("%w", ErrTimeout)))
	assert.Equal(t, KindTerminal, Kind(Terminal(errors.New("x"))))
	assert.Equal(t, KindTransient, Kind(Transient(errors.New("x"))))
	assert.Equal(t, KindUnknownTaskType, Kind(ErrUnknownTaskType))
	assert.Equal(t, KindCancelled, Kind(ErrCancelled))
}

func TestValidationf(t *testing.T) {
	err := Validationf("name %q taken", "crm")
	assert.ErrorIs(t, err, ErrValidation)
	assert.Contains(t, err.Error(), `name "crm" taken`)
}

func TestTransientNil(t *testing.T) {
	assert.NoError(t, Transient(nil))
	assert.NoError(t, Terminal(nil))
}
