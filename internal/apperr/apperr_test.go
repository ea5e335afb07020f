package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindSurvivesWrapping(t *testing.T) {
	base := Newf(NotFound, "case %s", "CASE-X")
	wrapped := fmt.Errorf("loading detail: %w", base)

	assert.Equal(t, NotFound, KindOf(wrapped))
	assert.True(t, errors.Is(wrapped, ErrNotFound))
	assert.False(t, errors.Is(wrapped, ErrForbidden))
}

func TestWrapKeepsCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := Wrap(cause, Unavailable, "database unreachable")

	require.True(t, errors.Is(err, cause))
	assert.Equal(t, Unavailable, KindOf(err))
	assert.Contains(t, err.Error(), "connection refused")
}

func TestHTTPStatusMapping(t *testing.T) {
	cases := map[Kind]int{
		Unauthenticated: http.StatusUnauthorized,
		Forbidden:       http.StatusForbidden,
		NotFound:        http.StatusNotFound,
		Validation:      http.StatusBadRequest,
		Conflict:        http.StatusConflict,
		Precondition:    http.StatusPreconditionFailed,
		Storage:         http.StatusInternalServerError,
		Chain:           http.StatusInternalServerError,
		Unavailable:     http.StatusServiceUnavailable,
		Internal:        http.StatusInternalServerError,
	}
	for kind, want := range cases {
		assert.Equal(t, want, HTTPStatus(New(kind, "x")), "kind %s", kind)
	}
	assert.Equal(t, http.StatusInternalServerError, HTTPStatus(errors.New("plain")))
}

func TestMessageNeverLeaksCause(t *testing.T) {
	err := Wrap(errors.New("pq: duplicate key value violates unique constraint"),
		Conflict, "email already registered")

	assert.Equal(t, "email already registered", Message(err))
	assert.Equal(t, "internal error", Message(errors.New("raw driver error")))
}

func TestDetails(t *testing.T) {
	err := New(Validation, "bad input").With("field", "email").With("reason", "format")

	d := Details(fmt.Errorf("handler: %w", err))
	require.NotNil(t, d)
	assert.Equal(t, "email", d["field"])
	assert.Equal(t, "format", d["reason"])
	assert.Nil(t, Details(errors.New("plain")))
}

func TestSentinelKinds(t *testing.T) {
	assert.Equal(t, Conflict, KindOf(ErrDuplicateEmail))
	assert.Equal(t, Conflict, KindOf(ErrInviteAlreadyUsed))
	assert.Equal(t, Validation, KindOf(ErrInviteExpired))
	assert.Equal(t, Precondition, KindOf(ErrContextMissing))
	assert.Equal(t, Forbidden, KindOf(ErrTenantInactive))
}
