package services

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"tournament-escrow/safety"
)

func TestErrorForCode(t *testing.T) {
	err, ok := errorForCode("AlreadyRefunded")
	assert.True(t, ok)
	assert.Equal(t, ErrAlreadyRefunded, err)

	_, ok = errorForCode("SomethingElse")
	assert.False(t, ok)
	_, ok = errorForCode("")
	assert.False(t, ok)
}

func TestKindOf(t *testing.T) {
	cases := []struct {
		err       error
		kind      Kind
		retryable bool
	}{
		{fmt.Errorf("wrap: %w", ErrInvalidEntryFee), KindValidation, false},
		{fmt.Errorf("wrap: %w", ErrTournamentFull), KindDomain, false},
		{unavailable("op", errors.New("eof")), KindTransient, true},
		{fmt.Errorf("op: %w", safety.ErrRateLimitExceeded), KindTransient, true},
		{&safety.CircuitOpenError{Name: "settlement"}, KindTransient, true},
		{context.DeadlineExceeded, KindTransient, true},
		{ErrFatal, KindFatal, false},
		{errors.New("connection reset"), KindUnknown, true},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.kind, KindOf(tc.err), tc.err.Error())
		assert.Equal(t, tc.retryable, IsRetryable(tc.err), tc.err.Error())
	}
	assert.False(t, IsRetryable(nil))
}
