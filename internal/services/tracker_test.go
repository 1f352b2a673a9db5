package services

import (
	"testing"
	"time"

	"famfin/support-service/internal/models"
	"famfin/support-service/internal/utils"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

func TestTracker_Classify(t *testing.T) {
	now := time.Date(2025, 1, 2, 12, 0, 0, 0, time.UTC)
	tracker := NewTracker(utils.NewFakeClock(now), time.Hour, 24*time.Hour)
	conv := &models.Conversation{ID: primitive.NewObjectID(), OwnerUserID: "u1", OwnerDisplayName: "Alice"}

	msg := func(sender string, ago time.Duration, read bool) models.Message {
		return models.Message{SenderID: sender, CreatedAt: now.Add(-ago), Read: read}
	}
	marker := models.Message{SenderID: models.SystemSenderID, IsSystemMessage: true, Read: true, CreatedAt: now}

	tests := []struct {
		name   string
		msgs   []models.Message
		want   models.WaitingStatus
		unread int
	}{
		{name: "fresh unread", msgs: []models.Message{msg("u1", 10*time.Minute, false)}, want: models.WaitingWaiting, unread: 1},
		{name: "old unread", msgs: []models.Message{msg("u1", 2*time.Hour, false), msg("u1", time.Minute, false)}, want: models.WaitingCritical, unread: 2},
		{name: "exactly one hour", msgs: []models.Message{msg("u1", time.Hour, false)}, want: models.WaitingCritical, unread: 1},
		{name: "answered recently", msgs: []models.Message{msg("u1", 3*time.Hour, true), msg("staff", 2*time.Hour, true)}, want: models.WaitingAvailable},
		{name: "quiet for days", msgs: []models.Message{msg("u1", 72*time.Hour, true)}, want: models.WaitingOffline},
		{name: "only markers", msgs: []models.Message{marker}, want: models.WaitingOffline},
		{name: "staff unread is ignored", msgs: []models.Message{msg("staff", 2*time.Hour, false)}, want: models.WaitingAvailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tracker.Classify(conv, tt.msgs)
			if got.Status != tt.want {
				t.Errorf("Classify status = %s, want %s", got.Status, tt.want)
			}
			if got.UnreadCount != tt.unread {
				t.Errorf("Classify unread = %d, want %d", got.UnreadCount, tt.unread)
			}
			if (tt.unread > 0) != (got.OldestUnreadAt != nil) {
				t.Errorf("OldestUnreadAt = %v with %d unread", got.OldestUnreadAt, tt.unread)
			}
		})
	}
}

func TestTracker_HasUnreadFor(t *testing.T) {
	tracker := NewTracker(utils.RealClock(), 0, 0)
	conv := &models.Conversation{OwnerUserID: "u1"}

	msgs := []models.Message{
		{SenderID: models.SystemSenderID, IsSystemMessage: true},
		{SenderID: "staff-1", Read: false},
	}
	if tracker.HasUnreadFor("staff-1", conv, msgs) {
		t.Error("own messages must not count as unread")
	}
	if !tracker.HasUnreadFor("staff-2", conv, msgs) {
		t.Error("another author's unread message should count")
	}
	if tracker.IsWaiting(conv, msgs) {
		t.Error("staff messages never make an owner wait")
	}
}

func TestSortUserStatuses(t *testing.T) {
	statuses := []models.UserStatus{
		{OwnerUserID: "1", DisplayName: "zed", Status: models.WaitingOffline},
		{OwnerUserID: "2", DisplayName: "Bea", Status: models.WaitingAvailable},
		{OwnerUserID: "3", DisplayName: "amy", Status: models.WaitingWaiting},
		{OwnerUserID: "4", DisplayName: "Cal", Status: models.WaitingCritical},
		{OwnerUserID: "5", DisplayName: "Ann", Status: models.WaitingWaiting},
	}
	SortUserStatuses(statuses)

	want := []string{"4", "3", "5", "2", "1"}
	for i, s := range statuses {
		if s.OwnerUserID != want[i] {
			t.Fatalf("position %d = %s, want %s", i, s.OwnerUserID, want[i])
		}
	}
}
