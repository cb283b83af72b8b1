package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestErrorMatchesByKind(t *testing.T) {
	err := New(KindCycleDetected, "department %s would become its own ancestor", "eng")

	require.ErrorIs(t, err, ErrCycleDetected)
	require.NotErrorIs(t, err, ErrMaxDepthExceeded)

	wrapped := fmt.Errorf("move department: %w", err)
	require.ErrorIs(t, wrapped, ErrCycleDetected)
	require.Equal(t, KindCycleDetected, KindOf(wrapped))
}

func TestErrorUnwrapsCause(t *testing.T) {
	cause := errors.New("connection reset")
	err := Wrap(KindRollupConflict, cause, "rollup retries exhausted")

	require.ErrorIs(t, err, cause)
	require.Equal(t, "rollup retries exhausted: connection reset", err.Error())
}

func TestKindOfForeignError(t *testing.T) {
	require.Equal(t, Kind(""), KindOf(errors.New("boom")))
	require.Equal(t, http.StatusInternalServerError, HTTPStatus(KindOf(errors.New("boom"))))
}

func TestHTTPStatus(t *testing.T) {
	require.Equal(t, http.StatusNotFound, HTTPStatus(KindNotFound))
	require.Equal(t, http.StatusForbidden, HTTPStatus(KindForbidden))
	require.Equal(t, http.StatusConflict, HTTPStatus(KindDuplicateCode))
	require.Equal(t, http.StatusUnprocessableEntity, HTTPStatus(KindMaxDepthExceeded))
	require.Equal(t, http.StatusBadRequest, HTTPStatus(KindValidation))
}
