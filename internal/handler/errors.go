package handler

import (
	"errors"
	"net/http"

	"famfin/support-service/internal/models"
	"famfin/support-service/internal/utils"

	"github.com/gin-gonic/gin"
)

func HTTPStatusFromError(err error) int {
	switch {
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, models.ErrConversationClosed), errors.Is(err, models.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, models.ErrValidation), errors.Is(err, models.ErrInvalidID):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrTransientIO):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// respondError writes the error body. A closed ticket tells the owner to
// take the explicit reopen path instead of failing silently.
func respondError(c *gin.Context, err error) {
	status := HTTPStatusFromError(err)
	_ = c.Error(err)
	body := gin.H{"error": err.Error()}
	if status == http.StatusInternalServerError {
		body["error"] = "internal server error"
		if id := utils.RequestID(c); id != "" {
			body["request_id"] = id
		}
	}
	if errors.Is(err, models.ErrConversationClosed) {
		body["reopen_required"] = true
	}
	c.AbortWithStatusJSON(status, body)
}
