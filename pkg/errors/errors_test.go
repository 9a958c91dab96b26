package errors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppError_Error(t *testing.T) {
	err := NewAppError(ErrCodeInvalidInput, "test error", 400)
	assert.Equal(t, "INVALID_INPUT: test error", err.Error())
}

func TestAppError_WithCause(t *testing.T) {
	originalErr := errors.New("original error")
	err := WrapError(originalErr, ErrCodeInternal, "wrapped error", 500)

	assert.Equal(t, originalErr, err.Cause)
	assert.Contains(t, err.Error(), "original error")
	assert.ErrorIs(t, err, originalErr)
}

func TestAppError_WithContext(t *testing.T) {
	err := NewAppError(ErrCodeInvalidInput, "test error", 400)
	err.WithContext("field", "value").WithContext("count", 42)

	assert.Equal(t, "value", err.Context["field"])
	assert.Equal(t, 42, err.Context["count"])
}

func TestConstructors(t *testing.T) {
	tests := []struct {
		err    *AppError
		code   ErrorCode
		status int
	}{
		{NewInvalidInputError("bad"), ErrCodeInvalidInput, http.StatusBadRequest},
		{NewRateLimitError(), ErrCodeRateLimit, http.StatusTooManyRequests},
		{NewInternalError("boom"), ErrCodeInternal, http.StatusInternalServerError},
		{NewServiceUnavailableError("down"), ErrCodeServiceUnavailable, http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			assert.Equal(t, tt.code, tt.err.Code)
			assert.Equal(t, tt.status, tt.err.HTTPStatus)
		})
	}
}

func TestGetAppError(t *testing.T) {
	appErr := NewAppError(ErrCodeInvalidInput, "test", 400)
	assert.Same(t, appErr, GetAppError(appErr))

	wrapped := fmt.Errorf("handler: %w", appErr)
	assert.Same(t, appErr, GetAppError(wrapped))

	assert.Nil(t, GetAppError(errors.New("regular error")))
	assert.Nil(t, GetAppError(nil))
}

func TestClassify(t *testing.T) {
	errFull := errors.New("room is full")
	errGone := errors.New("session closed")
	mappings := []Mapping{
		{Target: errFull, Code: ErrCodeRoomFull, HTTPStatus: http.StatusConflict},
		{Target: errGone, Code: ErrCodeSessionClosed, HTTPStatus: http.StatusConflict},
	}

	got := Classify(fmt.Errorf("request join: %w", errFull), mappings)
	require.NotNil(t, got)
	assert.Equal(t, ErrCodeRoomFull, got.Code)
	assert.Equal(t, "room is full", got.Message)
	assert.ErrorIs(t, got, errFull)

	unknown := Classify(errors.New("disk on fire"), mappings)
	assert.Equal(t, ErrCodeInternal, unknown.Code)
	assert.Equal(t, http.StatusInternalServerError, unknown.HTTPStatus)

	existing := NewRateLimitError()
	assert.Same(t, existing, Classify(existing, mappings))
	assert.Nil(t, Classify(nil, mappings))
}
