package httpapi

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/dotsetgreg/alice/pkg/logger"
	"github.com/dotsetgreg/alice/pkg/memory"
	"github.com/dotsetgreg/alice/pkg/modes"
	"github.com/dotsetgreg/alice/pkg/providers"
	"github.com/dotsetgreg/alice/pkg/session"
)

// statusFor maps a controller error onto an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, memory.ErrUnknownSession),
		errors.Is(err, memory.ErrUnknownUser),
		errors.Is(err, modes.ErrModeNotFound):
		return http.StatusNotFound
	case errors.Is(err, session.ErrSessionArchived),
		errors.Is(err, modes.ErrDuplicateMode),
		errors.Is(err, modes.ErrNotBuiltin),
		errors.Is(err, memory.ErrImportConflict),
		errors.Is(err, memory.ErrOutOfOrderTurn):
		return http.StatusConflict
	case errors.Is(err, memory.ErrIncompatibleSchema),
		errors.Is(err, memory.ErrInvalidExport),
		errors.Is(err, memory.ErrInvalidFact),
		errors.Is(err, modes.ErrInvalidMode),
		errors.Is(err, session.ErrEmptyMessage):
		return http.StatusUnprocessableEntity
	case errors.Is(err, providers.ErrModelUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func abortWithError(c *gin.Context, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		logger.ErrorCF("http", "Request failed", map[string]any{
			"path":  c.FullPath(),
			"error": err.Error(),
		})
	}
	c.AbortWithStatusJSON(status, gin.H{"error": err.Error()})
}

func badRequest(c *gin.Context, err error) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
}
