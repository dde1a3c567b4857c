package domerrors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorFormatting(t *testing.T) {
	plain := New(CodeValidation, "nonce is stale")
	assert.Equal(t, "nonce is stale", plain.Error())

	cause := errors.New("connection refused")
	wrapped := Wrap(CodeLedger, "lock asset", cause)
	assert.Equal(t, "lock asset: connection refused", wrapped.Error())
	assert.ErrorIs(t, wrapped, cause)
}

func TestIsMatchesOnCode(t *testing.T) {
	err := fmt.Errorf("handler: %w", New(CodeTimeout, "deadline exceeded"))

	assert.ErrorIs(t, err, New(CodeTimeout, "different message"))
	assert.NotErrorIs(t, err, New(CodeValidation, "deadline exceeded"))

	var ge GatewayError
	require.ErrorAs(t, err, &ge)
	assert.Equal(t, CodeTimeout, ge.Code)
}

func TestToHTTPStatus(t *testing.T) {
	cases := map[Code]int{
		CodeValidation:        http.StatusBadRequest,
		CodeBadRequest:        http.StatusBadRequest,
		CodeUnauthorized:      http.StatusUnauthorized,
		CodeNotFound:          http.StatusNotFound,
		CodeConflict:          http.StatusConflict,
		CodeProtocolViolation: http.StatusUnprocessableEntity,
		CodeLedger:            http.StatusBadGateway,
		CodeTimeout:           http.StatusGatewayTimeout,
		CodeInternal:          http.StatusInternalServerError,
		Code("something-new"): http.StatusInternalServerError,
	}
	for code, want := range cases {
		assert.Equal(t, want, ToHTTPStatus(code), string(code))
	}
}
