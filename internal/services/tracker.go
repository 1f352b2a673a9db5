package services

import (
	"sort"
	"strings"
	"time"

	"famfin/support-service/internal/models"
	"famfin/support-service/internal/utils"
)

const (
	DefaultCriticalAfter = time.Hour
	DefaultActiveWindow  = 24 * time.Hour
)

// Tracker derives waiting and unread state from the message log. It holds
// no state of its own.
type Tracker struct {
	clock         utils.Clock
	criticalAfter time.Duration
	activeWindow  time.Duration
}

func NewTracker(clock utils.Clock, criticalAfter, activeWindow time.Duration) *Tracker {
	if criticalAfter <= 0 {
		criticalAfter = DefaultCriticalAfter
	}
	if activeWindow <= 0 {
		activeWindow = DefaultActiveWindow
	}
	return &Tracker{clock: clock, criticalAfter: criticalAfter, activeWindow: activeWindow}
}

// UnreadOwnerMessages returns the owner-authored messages staff has not seen,
// oldest first.
func (t *Tracker) UnreadOwnerMessages(conv *models.Conversation, msgs []models.Message) []models.Message {
	var unread []models.Message
	for _, m := range msgs {
		if m.AwaitsStaff(conv.OwnerUserID) {
			unread = append(unread, m)
		}
	}
	return unread
}

func (t *Tracker) IsWaiting(conv *models.Conversation, msgs []models.Message) bool {
	return len(t.UnreadOwnerMessages(conv, msgs)) > 0
}

// HasUnreadFor reports whether conv holds an unread message that staffID
// did not write.
func (t *Tracker) HasUnreadFor(staffID string, conv *models.Conversation, msgs []models.Message) bool {
	for _, m := range msgs {
		if !m.Read && m.SenderID != staffID && !m.IsSystemMessage {
			return true
		}
	}
	return false
}

func (t *Tracker) Classify(conv *models.Conversation, msgs []models.Message) models.UserStatus {
	status := models.UserStatus{
		OwnerUserID:    conv.OwnerUserID,
		DisplayName:    conv.OwnerDisplayName,
		Email:          conv.OwnerEmail,
		ConversationID: conv.ID.Hex(),
		LastActivityAt: conv.LastMessageAt,
	}
	for i := len(msgs) - 1; i >= 0; i-- {
		if !msgs[i].IsSystemMessage {
			status.LastActivityAt = msgs[i].CreatedAt
			break
		}
	}

	now := t.clock.Now()
	unread := t.UnreadOwnerMessages(conv, msgs)
	status.UnreadCount = len(unread)
	switch {
	case len(unread) > 0:
		oldest := unread[0].CreatedAt
		status.OldestUnreadAt = &oldest
		if now.Sub(oldest) >= t.criticalAfter {
			status.Status = models.WaitingCritical
		} else {
			status.Status = models.WaitingWaiting
		}
	case !status.LastActivityAt.IsZero() && now.Sub(status.LastActivityAt) < t.activeWindow:
		status.Status = models.WaitingAvailable
	default:
		status.Status = models.WaitingOffline
	}
	return status
}

// SortUserStatuses puts the most urgent owners first, then orders by name.
func SortUserStatuses(statuses []models.UserStatus) {
	sort.SliceStable(statuses, func(i, j int) bool {
		ri, rj := statuses[i].Status.Rank(), statuses[j].Status.Rank()
		if ri != rj {
			return ri < rj
		}
		ni, nj := strings.ToLower(statuses[i].DisplayName), strings.ToLower(statuses[j].DisplayName)
		if ni != nj {
			return ni < nj
		}
		return statuses[i].OwnerUserID < statuses[j].OwnerUserID
	})
}
