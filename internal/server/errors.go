package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tingly-dev/toolfence/internal/relay"
)

const (
	errTypeInvalidRequest = "invalid_request_error"
	errTypeAuthentication = "authentication_error"
	errTypeNotFound       = "not_found_error"
	errTypeConflict       = "conflict_error"
	errTypeUpstream       = "upstream_error"
	errTypeInternal       = "internal_error"
)

type errorBody struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

type errorResponse struct {
	Error errorBody `json:"error"`
}

func abortWithError(c *gin.Context, status int, typ, message string) {
	c.AbortWithStatusJSON(status, errorResponse{Error: errorBody{Message: message, Type: typ}})
}

// abortWithStreamError maps manager errors to HTTP statuses.
func abortWithStreamError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, relay.ErrStreamNotFound):
		abortWithError(c, http.StatusNotFound, errTypeNotFound, err.Error())
	case errors.Is(err, relay.ErrStreamFinished):
		abortWithError(c, http.StatusConflict, errTypeConflict, err.Error())
	default:
		abortWithError(c, http.StatusInternalServerError, errTypeInternal, err.Error())
	}
}
