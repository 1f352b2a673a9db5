package models

import "time"

type WaitingStatus string

const (
	WaitingAvailable WaitingStatus = "AVAILABLE"
	WaitingWaiting   WaitingStatus = "WAITING"
	WaitingCritical  WaitingStatus = "CRITICAL"
	WaitingOffline   WaitingStatus = "OFFLINE"
)

// Rank orders statuses for the staff directory, most urgent first.
func (s WaitingStatus) Rank() int {
	switch s {
	case WaitingCritical:
		return 0
	case WaitingWaiting:
		return 1
	case WaitingAvailable:
		return 2
	default:
		return 3
	}
}

type UserStatus struct {
	OwnerUserID    string        `json:"owner_user_id"`
	DisplayName    string        `json:"display_name"`
	Email          string        `json:"email"`
	ConversationID string        `json:"conversation_id"`
	Status         WaitingStatus `json:"status"`
	UnreadCount    int           `json:"unread_count"`
	OldestUnreadAt *time.Time    `json:"oldest_unread_at,omitempty"`
	LastActivityAt time.Time     `json:"last_activity_at"`
}
