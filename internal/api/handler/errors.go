package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/timmy/triage/internal/domain"
	"github.com/timmy/triage/internal/logger"
)

// respondError maps domain errors to HTTP status codes.
func respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	var cfgErr *domain.ConfigurationError
	var payloadErr *domain.InvalidPayloadError

	switch {
	case errors.Is(err, domain.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidTransition):
		status = http.StatusConflict
	case errors.As(err, &payloadErr):
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error":  err.Error(),
			"fields": payloadErr.Fields,
		})
		return
	case errors.As(err, &cfgErr):
		status = http.StatusBadRequest
	}

	if status == http.StatusInternalServerError {
		logger.CtxError(c.Request.Context(), "Request failed: %v", err)
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func badRequest(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": message})
}
