package handler

import (
	"context"
	"net/http"
	"time"

	"famfin/support-service/internal/repository"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
)

type HealthHandler struct {
	store repository.ConversationStore
	redis *redis.Client
}

// NewHealthHandler accepts a nil redis client when the relay is disabled.
func NewHealthHandler(store repository.ConversationStore, rdb *redis.Client) *HealthHandler {
	return &HealthHandler{store: store, redis: rdb}
}

func (h *HealthHandler) Check(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	body := gin.H{"store": "ok"}
	if err := h.store.Ping(ctx); err != nil {
		status = http.StatusServiceUnavailable
		body["store"] = err.Error()
	}
	if h.redis != nil {
		body["redis"] = "ok"
		if err := h.redis.Ping(ctx).Err(); err != nil {
			status = http.StatusServiceUnavailable
			body["redis"] = err.Error()
		}
	}
	c.JSON(status, body)
}
