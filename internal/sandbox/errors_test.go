package sandbox

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorMatchesSentinelByKind(t *testing.T) {
	err := fmt.Errorf("handler: %w", newError(KindFileNotFound, "read", "s1", "/app/x", nil))

	assert.True(t, errors.Is(err, ErrFileNotFound))
	assert.False(t, errors.Is(err, ErrInvalidPath))
	assert.Equal(t, KindFileNotFound, KindOf(err))
	assert.Equal(t, Kind(""), KindOf(errors.New("plain")))
}

func TestErrorMessage(t *testing.T) {
	cause := errors.New("boom")
	assert.Equal(t, "provision: engine down: boom", newError(KindProvision, "provision", "", "engine down", cause).Error())
	assert.Equal(t, "exec: boom", newError(KindEngine, "exec", "", "", cause).Error())
	assert.Equal(t, "ExecutionTimeout", (&Error{Kind: KindExecutionTimeout}).Error())
	assert.ErrorIs(t, newError(KindEngine, "exec", "", "", cause), cause)
}

func TestKindHTTPMapping(t *testing.T) {
	tests := []struct {
		kind      Kind
		status    int
		retryable bool
	}{
		{KindProvision, http.StatusServiceUnavailable, true},
		{KindRuntimeNotFound, http.StatusServiceUnavailable, true},
		{KindInvalidPath, http.StatusBadRequest, false},
		{KindFileNotFound, http.StatusNotFound, false},
		{KindPermissionDenied, http.StatusForbidden, false},
		{KindFileTooLarge, http.StatusRequestEntityTooLarge, false},
		{KindExecutionFailure, http.StatusOK, false},
		{KindExecutionTimeout, http.StatusOK, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.status, tt.kind.HTTPStatus(), tt.kind)
		assert.Equal(t, tt.retryable, tt.kind.Retryable(), tt.kind)
	}
}
