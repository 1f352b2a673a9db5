package models

import (
	"slices"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

type ConversationStatus string

const (
	StatusOpen   ConversationStatus = "open"
	StatusClosed ConversationStatus = "closed"
)

// Conversation is the durable thread between one regular user and support.
// It survives every ticket opened inside it.
type Conversation struct {
	ID          primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	OwnerUserID string             `bson:"owner_user_id" json:"owner_user_id"`
	// Snapshot taken when the conversation was first opened. Later profile
	// edits are intentionally not copied here.
	OwnerDisplayName string `bson:"owner_display_name" json:"owner_display_name"`
	OwnerEmail       string `bson:"owner_email" json:"owner_email"`

	Status              ConversationStatus `bson:"status" json:"status"`
	CurrentTicketNumber string             `bson:"current_ticket_number" json:"current_ticket_number"`

	LastMessageSnapshot string    `bson:"last_message_snapshot" json:"last_message_snapshot"`
	LastMessageAt       time.Time `bson:"last_message_at" json:"last_message_at"`
	UnreadCountForStaff int64     `bson:"unread_count_for_staff" json:"unread_count_for_staff"`
	HiddenFor           []string  `bson:"hidden_for" json:"hidden_for"`

	ClosedAt        *time.Time `bson:"closed_at,omitempty" json:"closed_at,omitempty"`
	ClosedByStaffID string     `bson:"closed_by_staff_id,omitempty" json:"closed_by_staff_id,omitempty"`

	CreatedAt time.Time `bson:"created_at" json:"created_at"`
	UpdatedAt time.Time `bson:"updated_at" json:"updated_at"`
}

func (c *Conversation) IsHiddenFor(viewerID string) bool {
	return slices.Contains(c.HiddenFor, viewerID)
}

// ConversationUpdate is a partial, field-level merge. Nil fields are left
// untouched. UnreadCountForStaff is not mergeable: stores derive it from the
// message log whenever the log changes.
type ConversationUpdate struct {
	Status              *ConversationStatus
	CurrentTicketNumber *string
	LastMessageSnapshot *string
	LastMessageAt       *time.Time
	AddHiddenFor        string
	RemoveHiddenFor     string
	ClosedAt            *time.Time
	ClosedByStaffID     *string
}

type ConversationFilter struct {
	Status            *ConversationStatus
	OwnerUserID       string
	HiddenForExcludes string
}

// Ticket records one opening event (initial open or reopen) of a conversation.
type Ticket struct {
	ID             primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	Number         string             `bson:"number" json:"number"`
	ConversationID primitive.ObjectID `bson:"conversation_id" json:"conversation_id"`
	Reopen         bool               `bson:"reopen" json:"reopen"`
	OpenedBy       string             `bson:"opened_by" json:"opened_by"`
	OpenedAt       time.Time          `bson:"opened_at" json:"opened_at"`
}
