package transmission

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/rezonia/fiscal-gateway/internal/model"
	"github.com/rezonia/fiscal-gateway/internal/signature"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		code string
		want Outcome
	}{
		{"100", OutcomeSuccess},
		{"101", OutcomeSuccess},
		{"104", OutcomeSuccess},
		{"107", OutcomeSuccess},
		{"135", OutcomeSuccess},
		{"138", OutcomeSuccess},
		{"150", OutcomeSuccess},
		{"105", OutcomeRetryable},
		{"108", OutcomeRetryable},
		{"109", OutcomeRetryable},
		{"204", OutcomeRejection},
		{"215", OutcomeRejection},
		{"225", OutcomeRejection},
		{"228", OutcomeRejection},
		{"236", OutcomeRejection},
		{"386", OutcomeRejection},
		{"656", OutcomeRejection},
		{"999", OutcomeRejection},
		{"", OutcomeRejection},
	}

	for _, tt := range tests {
		t.Run("cStat "+tt.code, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.code))
		})
	}
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want FailureKind
	}{
		{"nil", nil, KindNone},
		{"transient", Transient("network error", errors.New("reset")), KindTransient},
		{"wrapped permanent", fmt.Errorf("submit: %w", Permanent("204", "Duplicidade de NF-e")), KindPermanent},
		{"validation", model.NewValidationError("items", nil, "required", "no items"), KindValidation},
		{"credential", signature.ErrCertExpired("EMITENTE"), KindFatal},
		{"deadline", fmt.Errorf("call: %w", context.DeadlineExceeded), KindTransient},
		{"unknown", errors.New("boom"), KindPermanent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestFailure_Error(t *testing.T) {
	f := Permanent("204", "Duplicidade de NF-e")
	assert.Equal(t, "permanent failure [204] Duplicidade de NF-e", f.Error())
	assert.False(t, f.Retryable())
	assert.Equal(t, "204 Duplicidade de NF-e", ReasonOf(f))

	tr := Transient("timeout", context.DeadlineExceeded)
	assert.True(t, tr.Retryable())
	assert.ErrorIs(t, tr, context.DeadlineExceeded)
}
