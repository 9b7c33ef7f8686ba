package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSentinelMatchingThroughWrapping(t *testing.T) {
	err := fmt.Errorf("transfer: %w", InsufficientFunds(10, 40))

	assert.True(t, stderrors.Is(err, ErrInsufficientFunds))
	assert.False(t, stderrors.Is(err, ErrNotFound))

	se := GetServiceError(err)
	require.NotNil(t, se)
	assert.Equal(t, http.StatusUnprocessableEntity, se.HTTPStatus)
	assert.Equal(t, int64(10), se.Details["available"])
}

func TestWithDetailsDoesNotMutateReceiver(t *testing.T) {
	base := Validation("amount must be positive")
	withField := base.WithDetails("field", "amount")

	assert.Nil(t, base.Details)
	assert.Equal(t, "amount", withField.Details["field"])
}

func TestInternalKeepsCause(t *testing.T) {
	cause := stderrors.New("connection reset")
	err := Internal("store failure", cause)

	assert.True(t, stderrors.Is(err, cause))
	assert.True(t, stderrors.Is(err, ErrInternal))
	assert.Contains(t, err.Error(), "connection reset")
}
