package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHTTPStatus(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, HTTPStatus(Validation("name is required")))
	assert.Equal(t, http.StatusForbidden, HTTPStatus(Auth("token mismatch")))
	assert.Equal(t, http.StatusNotFound, HTTPStatus(NotFound("agent %s not found", "a1")))
	assert.Equal(t, http.StatusInternalServerError, HTTPStatus(Server("failed to save", errors.New("conn reset"))))
	assert.Equal(t, http.StatusInternalServerError, HTTPStatus(errors.New("plain")))
}

func TestKindSurvivesWrapping(t *testing.T) {
	err := fmt.Errorf("dispatch: %w", NotFound("project not found"))
	assert.True(t, Is(err, KindNotFound))
	assert.Equal(t, "project not found", Message(err))
}

func TestServerErrorHidesCause(t *testing.T) {
	cause := errors.New("pq: password authentication failed")
	err := Server("failed to list jobs", cause)

	assert.Equal(t, "failed to list jobs", Message(err))
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "internal server error", Message(errors.New("boom")))
}
