package repository

import (
	"context"
	"testing"
	"time"

	"famfin/support-service/internal/models"
	"famfin/support-service/internal/utils"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

var start = time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC)

func seedConversation(t *testing.T, s *MemoryStore, owner, number string) *models.Conversation {
	t.Helper()
	conv := &models.Conversation{OwnerUserID: owner, OwnerDisplayName: owner}
	ticket := &models.Ticket{Number: number, OpenedBy: owner}
	require.NoError(t, s.CreateConversation(context.Background(), conv, ticket, models.NewSystemMessage(primitive.NilObjectID, "opened")))
	return conv
}

func TestMemoryStore_CreateConversation(t *testing.T) {
	s := NewMemoryStore(utils.NewFakeClock(start))
	ctx := context.Background()

	conv := seedConversation(t, s, "u1", "#20250101-0001")
	assert.False(t, conv.ID.IsZero())
	assert.Equal(t, models.StatusOpen, conv.Status)
	assert.Equal(t, "#20250101-0001", conv.CurrentTicketNumber)
	assert.Equal(t, "opened", conv.LastMessageSnapshot)
	assert.NotNil(t, conv.HiddenFor)

	err := s.CreateConversation(ctx, &models.Conversation{OwnerUserID: "u1"}, &models.Ticket{Number: "#x"}, models.NewSystemMessage(primitive.NilObjectID, "x"))
	assert.ErrorIs(t, err, models.ErrConflict)

	err = s.CreateConversation(ctx, &models.Conversation{OwnerUserID: "u2"}, &models.Ticket{Number: "#20250101-0001"}, models.NewSystemMessage(primitive.NilObjectID, "x"))
	assert.ErrorIs(t, err, models.ErrDuplicateTicket)

	_, err = s.GetConversationByOwner(ctx, "u2")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestMemoryStore_MessageOrdering(t *testing.T) {
	clock := utils.NewFakeClock(start)
	s := NewMemoryStore(clock)
	ctx := context.Background()
	conv := seedConversation(t, s, "u1", "#1")

	appendText(t, s, conv.ID, "u1", "same instant")
	clock.Set(start.Add(-time.Minute))
	appendText(t, s, conv.ID, "u1", "clock went back")
	clock.Set(start.Add(time.Minute))
	appendText(t, s, conv.ID, "u1", "later")

	msgs, err := s.ListMessages(ctx, conv.ID, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 4)
	texts := []string{msgs[0].Text, msgs[1].Text, msgs[2].Text, msgs[3].Text}
	assert.Equal(t, []string{"opened", "same instant", "clock went back", "later"}, texts)
	for i := 1; i < len(msgs); i++ {
		assert.Greater(t, msgs[i].Seq, msgs[i-1].Seq)
		assert.False(t, msgs[i].CreatedAt.Before(msgs[i-1].CreatedAt))
	}

	tail, err := s.ListMessages(ctx, conv.ID, msgs[1].Seq)
	require.NoError(t, err)
	require.Len(t, tail, 2)
	assert.Equal(t, "clock went back", tail[0].Text)

	_, err = s.AppendMessage(ctx, &models.Message{ConversationID: primitive.NewObjectID(), Text: "nowhere"}, false)
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestMemoryStore_CloseAndReopen(t *testing.T) {
	clock := utils.NewFakeClock(start)
	s := NewMemoryStore(clock)
	ctx := context.Background()
	conv := seedConversation(t, s, "u1", "#1")

	_, err := s.ReopenConversation(ctx, conv.ID, &models.Ticket{Number: "#2"}, "u1", models.NewSystemMessage(conv.ID, "reopened"))
	assert.ErrorIs(t, err, models.ErrConflict, "open conversations cannot be reopened")

	_, err = s.UpsertConversation(ctx, conv.ID, models.ConversationUpdate{AddHiddenFor: "u1"})
	require.NoError(t, err)

	clock.Advance(time.Hour)
	closed, err := s.CloseConversation(ctx, conv.ID, "staff-1", clock.Now())
	require.NoError(t, err)
	assert.Equal(t, models.StatusClosed, closed.Status)
	assert.Equal(t, "staff-1", closed.ClosedByStaffID)
	require.NotNil(t, closed.ClosedAt)

	_, err = s.CloseConversation(ctx, conv.ID, "staff-1", clock.Now())
	assert.ErrorIs(t, err, models.ErrConflict)

	_, err = s.ReopenConversation(ctx, conv.ID, &models.Ticket{Number: "#1"}, "u1", models.NewSystemMessage(conv.ID, "reopened"))
	assert.ErrorIs(t, err, models.ErrDuplicateTicket)
	unchanged, err := s.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusClosed, unchanged.Status, "a failed reopen leaves no trace")
	msgs, err := s.ListMessages(ctx, conv.ID, 0)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)

	clock.Advance(time.Hour)
	reopened, err := s.ReopenConversation(ctx, conv.ID, &models.Ticket{Number: "#2"}, "u1",
		models.NewSystemMessage(conv.ID, "reopened"),
		&models.Message{SenderID: "u1", Text: "still broken"})
	require.NoError(t, err)
	assert.Equal(t, models.StatusOpen, reopened.Status)
	assert.Equal(t, "#2", reopened.CurrentTicketNumber)
	assert.Nil(t, reopened.ClosedAt)
	assert.Empty(t, reopened.ClosedByStaffID)
	assert.False(t, reopened.IsHiddenFor("u1"))
	assert.Equal(t, "still broken", reopened.LastMessageSnapshot)
	assert.Equal(t, int64(1), reopened.UnreadCountForStaff)

	tickets, err := s.ListTickets(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, tickets, 2)
	assert.Equal(t, "#1", tickets[0].Number)
	assert.Equal(t, "#2", tickets[1].Number)
}

func TestMemoryStore_ListConversations(t *testing.T) {
	clock := utils.NewFakeClock(start)
	s := NewMemoryStore(clock)
	ctx := context.Background()

	a := seedConversation(t, s, "a", "#a")
	clock.Advance(time.Minute)
	b := seedConversation(t, s, "b", "#b")
	clock.Advance(time.Minute)
	c := seedConversation(t, s, "c", "#c")

	_, err := s.CloseConversation(ctx, c.ID, "staff-1", clock.Now())
	require.NoError(t, err)
	_, err = s.UpsertConversation(ctx, a.ID, models.ConversationUpdate{AddHiddenFor: "staff-1"})
	require.NoError(t, err)

	open := models.StatusOpen
	got, err := s.ListConversations(ctx, models.ConversationFilter{Status: &open})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, b.ID, got[0].ID, "newest activity first")
	assert.Equal(t, a.ID, got[1].ID)

	got, err = s.ListConversations(ctx, models.ConversationFilter{Status: &open, HiddenForExcludes: "staff-1"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, b.ID, got[0].ID)

	closed := models.StatusClosed
	got, err = s.ListConversations(ctx, models.ConversationFilter{Status: &closed, OwnerUserID: "c"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, c.ID, got[0].ID)
}

func TestMemoryStore_MarkOwnerMessagesRead(t *testing.T) {
	s := NewMemoryStore(utils.NewFakeClock(start))
	ctx := context.Background()
	conv := seedConversation(t, s, "u1", "#1")

	appendText(t, s, conv.ID, "u1", "one")
	updated := appendText(t, s, conv.ID, "u1", "two")
	assert.Equal(t, int64(2), updated.UnreadCountForStaff, "counter follows the log")
	_, err := s.AppendMessage(ctx, &models.Message{ConversationID: conv.ID, SenderID: "staff-1", Text: "reply", Read: true}, false)
	require.NoError(t, err)

	got, marked, err := s.MarkOwnerMessagesRead(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), marked)
	assert.Zero(t, got.UnreadCountForStaff)

	_, marked, err = s.MarkOwnerMessagesRead(ctx, conv.ID)
	require.NoError(t, err)
	assert.Zero(t, marked)

	_, _, err = s.MarkOwnerMessagesRead(ctx, primitive.NewObjectID())
	assert.ErrorIs(t, err, models.ErrNotFound)

	msgs, err := s.ListMessages(ctx, conv.ID, 0)
	require.NoError(t, err)
	for _, m := range msgs {
		assert.True(t, m.Read || m.IsSystemMessage, m.Text)
	}
}

func TestMemoryStore_CreateWithFirstMessage(t *testing.T) {
	s := NewMemoryStore(utils.NewFakeClock(start))
	ctx := context.Background()

	conv := &models.Conversation{OwnerUserID: "u1"}
	first := &models.Message{SenderID: "u1", Text: "help"}
	err := s.CreateConversation(ctx, conv, &models.Ticket{Number: "#1"}, models.NewSystemMessage(primitive.NilObjectID, "opened"), first)
	require.NoError(t, err)
	assert.Equal(t, conv.ID, first.ConversationID)
	assert.Equal(t, "help", conv.LastMessageSnapshot)
	assert.Equal(t, int64(1), conv.UnreadCountForStaff)

	msgs, err := s.ListMessages(ctx, conv.ID, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.True(t, msgs[0].IsSystemMessage)
	assert.Equal(t, "help", msgs[1].Text)
}

func TestMemoryStore_AppendUnhidesSender(t *testing.T) {
	s := NewMemoryStore(utils.NewFakeClock(start))
	ctx := context.Background()
	conv := seedConversation(t, s, "u1", "#1")

	_, err := s.UpsertConversation(ctx, conv.ID, models.ConversationUpdate{AddHiddenFor: "u1"})
	require.NoError(t, err)
	_, err = s.UpsertConversation(ctx, conv.ID, models.ConversationUpdate{AddHiddenFor: "staff-1"})
	require.NoError(t, err)

	updated := appendText(t, s, conv.ID, "u1", "back again")
	assert.False(t, updated.IsHiddenFor("u1"))
	assert.True(t, updated.IsHiddenFor("staff-1"))
}

func TestMemoryStore_AppendRequireOpen(t *testing.T) {
	clock := utils.NewFakeClock(start)
	s := NewMemoryStore(clock)
	ctx := context.Background()
	conv := seedConversation(t, s, "u1", "#1")

	_, err := s.AppendMessage(ctx, &models.Message{ConversationID: conv.ID, SenderID: "u1", Text: "open"}, true)
	require.NoError(t, err)

	_, err = s.CloseConversation(ctx, conv.ID, "staff-1", clock.Now())
	require.NoError(t, err)

	_, err = s.AppendMessage(ctx, &models.Message{ConversationID: conv.ID, SenderID: "u1", Text: "late"}, true)
	assert.ErrorIs(t, err, models.ErrConflict)
	got, err := s.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, "open", got.LastMessageSnapshot)
	assert.Equal(t, int64(1), got.UnreadCountForStaff)

	// Staff may still write into the closed ticket.
	_, err = s.AppendMessage(ctx, &models.Message{ConversationID: conv.ID, SenderID: "staff-1", Text: "audit", Read: true}, false)
	require.NoError(t, err)
	msgs, err := s.ListMessages(ctx, conv.ID, 0)
	require.NoError(t, err)
	assert.Len(t, msgs, 3)
}

func appendText(t *testing.T, s *MemoryStore, convID primitive.ObjectID, sender, text string) *models.Conversation {
	t.Helper()
	conv, err := s.AppendMessage(context.Background(), &models.Message{ConversationID: convID, SenderID: sender, Text: text}, false)
	require.NoError(t, err)
	return conv
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	s := NewMemoryStore(utils.NewFakeClock(start))
	ctx := context.Background()
	conv := seedConversation(t, s, "u1", "#1")

	got, err := s.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	got.HiddenFor = append(got.HiddenFor, "intruder")
	got.Status = models.StatusClosed

	again, err := s.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.Empty(t, again.HiddenFor)
	assert.Equal(t, models.StatusOpen, again.Status)
}

func TestParseID(t *testing.T) {
	id := primitive.NewObjectID()
	got, err := ParseID(id.Hex())
	require.NoError(t, err)
	assert.Equal(t, id, got)

	_, err = ParseID("not-an-id")
	assert.ErrorIs(t, err, models.ErrInvalidID)
}
