package handler

import (
	"net/http"
	"strconv"

	"famfin/support-service/internal/models"
	"famfin/support-service/internal/repository"
	"famfin/support-service/internal/services"
	"famfin/support-service/internal/utils"

	"github.com/gin-gonic/gin"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

type SupportHandler struct {
	Service *services.SupportService
}

func NewSupportHandler(service *services.SupportService) *SupportHandler {
	return &SupportHandler{Service: service}
}

type openRequest struct {
	OwnerUserID      string `json:"owner_user_id" validate:"omitempty,max=128"`
	OwnerDisplayName string `json:"owner_display_name" validate:"omitempty,max=256"`
	OwnerEmail       string `json:"owner_email" validate:"omitempty,email"`
	Text             string `json:"text" validate:"required,max=4000"`
}

type sendRequest struct {
	Text string `json:"text" validate:"required,max=4000"`
}

func (h *SupportHandler) Register(api *gin.RouterGroup) {
	api.POST("/messages", h.OpenOrContinue)
	api.GET("/conversations", h.ListConversations)
	api.GET("/conversations/:id", h.GetConversation)
	api.GET("/conversations/:id/messages", h.ListMessages)
	api.GET("/conversations/:id/tickets", h.ListTickets)
	api.POST("/conversations/:id/messages", h.SendMessage)
	api.POST("/conversations/:id/reopen", h.Reopen)
	api.POST("/conversations/:id/close", h.CloseTicket)
	api.POST("/conversations/:id/hide", h.Hide)
	api.POST("/conversations/:id/read", h.MarkRead)
	api.GET("/waiting", h.ListWaitingUsers)
	api.GET("/unread", h.HasUnread)
}

func (h *SupportHandler) OpenOrContinue(c *gin.Context) {
	p := mustPrincipal(c)
	var req openRequest
	if !bindAndValidate(c, &req) {
		return
	}
	res, err := h.Service.OpenOrContinue(c.Request.Context(), p, services.OpenRequest{
		OwnerUserID:      req.OwnerUserID,
		OwnerDisplayName: req.OwnerDisplayName,
		OwnerEmail:       req.OwnerEmail,
		Text:             req.Text,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	status := http.StatusOK
	if res.Created {
		status = http.StatusCreated
	}
	c.JSON(status, res)
}

func (h *SupportHandler) SendMessage(c *gin.Context) {
	p := mustPrincipal(c)
	id, ok := conversationID(c)
	if !ok {
		return
	}
	var req sendRequest
	if !bindAndValidate(c, &req) {
		return
	}
	msg, err := h.Service.SendMessage(c.Request.Context(), p, id, req.Text)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message_id": msg.ID.Hex(), "message": msg})
}

// Reopen is the explicit path an owner takes after a send was rejected
// because the ticket is closed.
func (h *SupportHandler) Reopen(c *gin.Context) {
	p := mustPrincipal(c)
	id, ok := conversationID(c)
	if !ok {
		return
	}
	var req sendRequest
	if !bindAndValidate(c, &req) {
		return
	}
	conv, err := h.Service.GetConversation(c.Request.Context(), p, id)
	if err != nil {
		respondError(c, err)
		return
	}
	res, err := h.Service.OpenOrContinue(c.Request.Context(), p, services.OpenRequest{
		OwnerUserID: conv.OwnerUserID,
		Text:        req.Text,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *SupportHandler) CloseTicket(c *gin.Context) {
	p := mustPrincipal(c)
	id, ok := conversationID(c)
	if !ok {
		return
	}
	conv, err := h.Service.CloseTicket(c.Request.Context(), p, id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, conv)
}

func (h *SupportHandler) Hide(c *gin.Context) {
	p := mustPrincipal(c)
	id, ok := conversationID(c)
	if !ok {
		return
	}
	if err := h.Service.Hide(c.Request.Context(), p, id); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *SupportHandler) MarkRead(c *gin.Context) {
	p := mustPrincipal(c)
	id, ok := conversationID(c)
	if !ok {
		return
	}
	marked, err := h.Service.MarkRead(c.Request.Context(), p, id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"marked": marked})
}

func (h *SupportHandler) GetConversation(c *gin.Context) {
	p := mustPrincipal(c)
	id, ok := conversationID(c)
	if !ok {
		return
	}
	conv, err := h.Service.GetConversation(c.Request.Context(), p, id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, conv)
}

func (h *SupportHandler) ListMessages(c *gin.Context) {
	p := mustPrincipal(c)
	id, ok := conversationID(c)
	if !ok {
		return
	}
	afterSeq, ok := afterSeqParam(c)
	if !ok {
		return
	}
	msgs, err := h.Service.ListMessages(c.Request.Context(), p, id, afterSeq)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, msgs)
}

func (h *SupportHandler) ListTickets(c *gin.Context) {
	p := mustPrincipal(c)
	id, ok := conversationID(c)
	if !ok {
		return
	}
	tickets, err := h.Service.ListTickets(c.Request.Context(), p, id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, tickets)
}

func (h *SupportHandler) ListConversations(c *gin.Context) {
	p := mustPrincipal(c)
	var (
		convs []models.Conversation
		err   error
	)
	switch services.ListView(c.DefaultQuery("view", string(services.ViewActive))) {
	case services.ViewActive:
		convs, err = h.Service.ListActiveConversations(c.Request.Context(), p)
	case services.ViewClosed:
		convs, err = h.Service.ListClosedConversations(c.Request.Context(), p)
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "view must be active or closed"})
		return
	}
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, convs)
}

func (h *SupportHandler) ListWaitingUsers(c *gin.Context) {
	p := mustPrincipal(c)
	statuses, err := h.Service.ListWaitingUsers(c.Request.Context(), p)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, statuses)
}

func (h *SupportHandler) HasUnread(c *gin.Context) {
	p := mustPrincipal(c)
	unread, err := h.Service.HasUnread(c.Request.Context(), p)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"unread": unread})
}

// --- helpers ---

func mustPrincipal(c *gin.Context) models.Principal {
	p, _ := utils.GetPrincipal(c)
	return p
}

func conversationID(c *gin.Context) (primitive.ObjectID, bool) {
	id, err := repository.ParseID(c.Param("id"))
	if err != nil {
		respondError(c, err)
		return id, false
	}
	return id, true
}

func afterSeqParam(c *gin.Context) (int64, bool) {
	raw := c.Query("after_seq")
	if raw == "" {
		return 0, true
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "after_seq must be a non-negative integer"})
		return 0, false
	}
	return v, true
}

func bindAndValidate(c *gin.Context, req interface{}) bool {
	if err := c.ShouldBindJSON(req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid input"})
		return false
	}
	if err := utils.GetValidator().Struct(req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation failed", "details": utils.ParseErrors(err)})
		return false
	}
	return true
}
