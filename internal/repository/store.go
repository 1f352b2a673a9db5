package repository

import (
	"context"
	"time"

	"famfin/support-service/internal/models"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// ConversationStore persists conversations, their append-only message log
// and the ticket history. Implementations assign message ids, sequence
// numbers and timestamps on append.
type ConversationStore interface {
	// CreateConversation inserts conv together with its first ticket and
	// msgs (the opening marker and the first real message) as one unit.
	// Returns models.ErrConflict when the owner already has a conversation
	// and models.ErrDuplicateTicket when the ticket number is taken.
	CreateConversation(ctx context.Context, conv *models.Conversation, ticket *models.Ticket, msgs ...*models.Message) error
	// AppendMessage adds msg to the log, drops its sender from hiddenFor and
	// recounts unreadCountForStaff from the log in the same step. Returns
	// the updated conversation. With requireOpen set, a conversation that is
	// not OPEN at write time yields models.ErrConflict and nothing is stored.
	AppendMessage(ctx context.Context, msg *models.Message, requireOpen bool) (*models.Conversation, error)
	// ReopenConversation flips a CLOSED conversation to OPEN, records the
	// new ticket, appends msgs and drops unhide from hiddenFor, all as one
	// unit. Returns models.ErrConflict if the conversation is not closed.
	ReopenConversation(ctx context.Context, id primitive.ObjectID, ticket *models.Ticket, unhide string, msgs ...*models.Message) (*models.Conversation, error)
	// CloseConversation returns models.ErrConflict if it is already closed.
	CloseConversation(ctx context.Context, id primitive.ObjectID, staffID string, at time.Time) (*models.Conversation, error)
	UpsertConversation(ctx context.Context, id primitive.ObjectID, upd models.ConversationUpdate) (*models.Conversation, error)
	GetConversation(ctx context.Context, id primitive.ObjectID) (*models.Conversation, error)
	GetConversationByOwner(ctx context.Context, ownerUserID string) (*models.Conversation, error)
	ListConversations(ctx context.Context, filter models.ConversationFilter) ([]models.Conversation, error)
	// ListMessages returns messages with Seq > afterSeq ordered by
	// (createdAt, seq).
	ListMessages(ctx context.Context, conversationID primitive.ObjectID, afterSeq int64) ([]models.Message, error)
	// MarkOwnerMessagesRead flips every unread owner message to read and
	// recounts unreadCountForStaff in the same step. Returns the updated
	// conversation and the number of messages flipped.
	MarkOwnerMessagesRead(ctx context.Context, conversationID primitive.ObjectID) (*models.Conversation, int64, error)
	ListTickets(ctx context.Context, conversationID primitive.ObjectID) ([]models.Ticket, error)
	Ping(ctx context.Context) error
}

func ParseID(id string) (primitive.ObjectID, error) {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return primitive.NilObjectID, models.ErrInvalidID
	}
	return oid, nil
}

// nextTimestamp keeps createdAt non-decreasing inside one conversation.
// Mongo stores milliseconds, so both stores truncate to that precision.
func nextTimestamp(now, last time.Time) time.Time {
	ts := now.UTC().Truncate(time.Millisecond)
	if ts.Before(last) {
		return last
	}
	return ts
}
