package handler

import (
	"context"
	"errors"
	"net/http"
	"time"

	"famfin/support-service/internal/models"
	"famfin/support-service/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const writeWait = 10 * time.Second

// StreamHandler serves the live feeds over websockets.
type StreamHandler struct {
	Service  *services.SupportService
	upgrader websocket.Upgrader
	log      *logrus.Entry
}

func NewStreamHandler(service *services.SupportService, allowedOrigins []string, log *logrus.Logger) *StreamHandler {
	return &StreamHandler{
		Service: service,
		upgrader: websocket.Upgrader{
			CheckOrigin: originChecker(allowedOrigins),
		},
		log: log.WithField("component", "stream"),
	}
}

func originChecker(allowed []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		for _, o := range allowed {
			if o == "*" || o == origin {
				return true
			}
		}
		return false
	}
}

func (h *StreamHandler) Register(api *gin.RouterGroup) {
	api.GET("/ws/conversations/:id", h.Messages)
	api.GET("/ws/conversations", h.ConversationList)
	api.GET("/ws/unread", h.UnreadSignal)
}

type clientFrame struct {
	Type    string `json:"type"`
	Enabled *bool  `json:"enabled,omitempty"`
}

type messageFrame struct {
	Type    string         `json:"type"`
	Replay  bool           `json:"replay"`
	Message models.Message `json:"message"`
}

type notifyFrame struct {
	Type      string `json:"type"`
	MessageID string `json:"message_id"`
	SenderID  string `json:"sender_id"`
}

// Messages streams one conversation: history first, then live messages.
// Staff viewers mark owner messages read as they are shown. A client frame
// {"type":"notifications","enabled":false} mutes the notify cue.
func (h *StreamHandler) Messages(c *gin.Context) {
	p := mustPrincipal(c)
	id, ok := conversationID(c)
	if !ok {
		return
	}
	afterSeq, ok := afterSeqParam(c)
	if !ok {
		return
	}

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	conv, err := h.Service.GetConversation(ctx, p, id)
	if err != nil {
		respondError(c, err)
		return
	}
	stream, err := h.Service.SubscribeMessages(ctx, p, id, afterSeq)
	if err != nil {
		respondError(c, err)
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.WithError(err).Warn("failed to upgrade connection")
		return
	}
	defer conn.Close()

	log := h.log.WithFields(logrus.Fields{"conversation_id": id.Hex(), "viewer_id": p.ID})
	timeline := services.NewTimeline()
	var writeErr error
	dispatcher := services.NewDispatcher(p.ID, func(m models.Message) {
		writeErr = writeJSON(conn, notifyFrame{Type: "notify", MessageID: m.ID.Hex(), SenderID: m.SenderID})
	})

	go h.readLoop(conn, cancel, func(f clientFrame) {
		if f.Type == "notifications" && f.Enabled != nil {
			dispatcher.SetEnabled(*f.Enabled)
		}
	})

	if p.IsStaff() {
		h.markRead(ctx, p, conv, log)
	}

	for {
		for del := range stream.C {
			del.Replay = !timeline.Live(del)
			if !timeline.Apply(del.Message) {
				continue
			}
			if err := writeJSON(conn, messageFrame{Type: "message", Replay: del.Replay, Message: del.Message}); err != nil {
				log.WithError(err).Debug("write failed")
				return
			}
			dispatcher.Handle(del)
			if writeErr != nil {
				return
			}
			if p.IsStaff() && !del.Replay && del.Message.SenderID == conv.OwnerUserID {
				h.markRead(ctx, p, conv, log)
			}
		}

		if !errors.Is(stream.Err(), services.ErrLagged) {
			return
		}
		// Replay everything again; the timeline drops what was already sent
		// and reports anything past the gap as live.
		log.Info("subscriber lagged, resubscribing")
		timeline.MarkGap()
		if stream, err = h.Service.SubscribeMessages(ctx, p, id, 0); err != nil {
			log.WithError(err).Warn("resubscribe failed")
			return
		}
	}
}

func (h *StreamHandler) markRead(ctx context.Context, p models.Principal, conv *models.Conversation, log *logrus.Entry) {
	if _, err := h.Service.MarkRead(ctx, p, conv.ID); err != nil {
		log.WithError(err).Warn("mark read failed")
	}
}

// ConversationList streams the viewer's active or closed list whenever it
// changes.
func (h *StreamHandler) ConversationList(c *gin.Context) {
	p := mustPrincipal(c)
	view := services.ListView(c.DefaultQuery("view", string(services.ViewActive)))
	if view != services.ViewActive && view != services.ViewClosed {
		c.JSON(http.StatusBadRequest, gin.H{"error": "view must be active or closed"})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.WithError(err).Warn("failed to upgrade connection")
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()
	go h.readLoop(conn, cancel, nil)

	for convs := range h.Service.SubscribeConversationList(ctx, p, view) {
		if err := writeJSON(conn, gin.H{"type": "conversations", "view": view, "conversations": convs}); err != nil {
			return
		}
	}
}

// UnreadSignal streams the staff-wide "something is unread" flag.
func (h *StreamHandler) UnreadSignal(c *gin.Context) {
	p := mustPrincipal(c)

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	signal, err := h.Service.SubscribeUnreadSignal(ctx, p)
	if err != nil {
		respondError(c, err)
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.WithError(err).Warn("failed to upgrade connection")
		return
	}
	defer conn.Close()
	go h.readLoop(conn, cancel, nil)

	for unread := range signal {
		if err := writeJSON(conn, gin.H{"type": "unread", "unread": unread}); err != nil {
			return
		}
	}
}

// readLoop drains client frames and cancels the stream once the socket
// closes.
func (h *StreamHandler) readLoop(conn *websocket.Conn, cancel context.CancelFunc, onFrame func(clientFrame)) {
	defer cancel()
	for {
		var f clientFrame
		if err := conn.ReadJSON(&f); err != nil {
			var closeErr *websocket.CloseError
			if !errors.As(err, &closeErr) {
				h.log.WithError(err).Debug("read failed")
			}
			return
		}
		if onFrame != nil {
			onFrame(f)
		}
	}
}

func writeJSON(conn *websocket.Conn, v interface{}) error {
	if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return conn.WriteJSON(v)
}
