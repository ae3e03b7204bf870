package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/openfroyo/envrun/pkg/engine"
)

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// statusFor maps an engine error to its HTTP status.
func statusFor(err error) int {
	var (
		cycle      *engine.CycleError
		integrity  *engine.GraphIntegrityError
		envLocked  *engine.EnvironmentLockedError
		modLocked  *engine.ModuleLockedError
		transition *engine.InvalidTransitionError
	)
	switch {
	case errors.As(err, &cycle), errors.As(err, &integrity):
		return http.StatusUnprocessableEntity
	case errors.As(err, &envLocked), errors.As(err, &modLocked), errors.As(err, &transition):
		return http.StatusConflict
	case engine.IsNotFound(err):
		return http.StatusNotFound
	case engine.IsValidation(err):
		return http.StatusBadRequest
	case engine.IsConflict(err):
		return http.StatusConflict
	case engine.IsTransient(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) respondError(c *gin.Context, err error) {
	status := statusFor(err)
	code := engine.ErrorCode(err)

	resp := ErrorResponse{Code: code, Message: err.Error()}
	var cycle *engine.CycleError
	if errors.As(err, &cycle) {
		resp.Details = map[string]interface{}{"cycle": cycle.Cycle}
	}
	var modLocked *engine.ModuleLockedError
	if errors.As(err, &modLocked) {
		resp.Details = map[string]interface{}{"held_by": modLocked.HeldBy}
	}

	if status >= http.StatusInternalServerError {
		s.logger.WithError(err).WithField("path", c.FullPath()).Error("request failed")
		resp.Message = "internal error"
	}
	s.metrics.RecordError(code)
	c.AbortWithStatusJSON(status, resp)
}

func abortWithError(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, ErrorResponse{Code: code, Message: message})
}

func badRequest(c *gin.Context, message string) {
	abortWithError(c, http.StatusBadRequest, engine.ErrCodeValidation, message)
}
