package models

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// SystemSenderID marks messages synthesized by the service itself.
const SystemSenderID = "system"

type Message struct {
	ID             primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	ConversationID primitive.ObjectID `bson:"conversation_id" json:"conversation_id"`
	// Seq is assigned by the store on append and only ever grows. It breaks
	// createdAt ties and serves as the resume cursor for streams.
	Seq               int64     `bson:"seq" json:"seq"`
	SenderID          string    `bson:"sender_id" json:"sender_id"`
	SenderDisplayName string    `bson:"sender_display_name" json:"sender_display_name"`
	SenderEmail       string    `bson:"sender_email" json:"sender_email"`
	Text              string    `bson:"text" json:"text"`
	CreatedAt         time.Time `bson:"created_at" json:"created_at"`
	Read              bool      `bson:"read" json:"read"`
	IsSystemMessage   bool      `bson:"is_system_message" json:"is_system_message"`
}

// Before reports whether m sorts ahead of other in conversation order.
func (m *Message) Before(other *Message) bool {
	if !m.CreatedAt.Equal(other.CreatedAt) {
		return m.CreatedAt.Before(other.CreatedAt)
	}
	return m.Seq < other.Seq
}

// AwaitsStaff reports whether m is an owner message staff has not read yet.
func (m *Message) AwaitsStaff(ownerUserID string) bool {
	return m.SenderID == ownerUserID && !m.IsSystemMessage && !m.Read
}

func NewSystemMessage(conversationID primitive.ObjectID, text string) *Message {
	return &Message{
		ConversationID:    conversationID,
		SenderID:          SystemSenderID,
		SenderDisplayName: "Support",
		Text:              text,
		Read:              true,
		IsSystemMessage:   true,
	}
}
