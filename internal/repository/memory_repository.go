package repository

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"famfin/support-service/internal/models"
	"famfin/support-service/internal/utils"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// MemoryStore keeps everything in process. Used by tests and by the
// "memory" store driver for local runs.
type MemoryStore struct {
	mu            sync.RWMutex
	clock         utils.Clock
	seq           int64
	conversations map[primitive.ObjectID]*models.Conversation
	byOwner       map[string]primitive.ObjectID
	messages      map[primitive.ObjectID][]*models.Message
	tickets       map[string]*models.Ticket
}

func NewMemoryStore(clock utils.Clock) *MemoryStore {
	return &MemoryStore{
		clock:         clock,
		conversations: make(map[primitive.ObjectID]*models.Conversation),
		byOwner:       make(map[string]primitive.ObjectID),
		messages:      make(map[primitive.ObjectID][]*models.Message),
		tickets:       make(map[string]*models.Ticket),
	}
}

func (s *MemoryStore) CreateConversation(_ context.Context, conv *models.Conversation, ticket *models.Ticket, msgs ...*models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byOwner[conv.OwnerUserID]; ok {
		return models.ErrConflict
	}
	if _, ok := s.tickets[ticket.Number]; ok {
		return models.ErrDuplicateTicket
	}

	now := s.clock.Now().UTC().Truncate(time.Millisecond)
	conv.ID = primitive.NewObjectID()
	conv.Status = models.StatusOpen
	conv.CurrentTicketNumber = ticket.Number
	conv.CreatedAt = now
	conv.UpdatedAt = now
	if conv.HiddenFor == nil {
		conv.HiddenFor = []string{}
	}
	stored := cloneConversation(conv)
	s.conversations[conv.ID] = stored
	s.byOwner[conv.OwnerUserID] = conv.ID

	s.insertTicketLocked(conv.ID, ticket, now)
	for _, msg := range msgs {
		msg.ConversationID = conv.ID
		s.appendLocked(stored, msg)
	}
	s.recountLocked(stored)
	*conv = *cloneConversation(stored)
	return nil
}

func (s *MemoryStore) AppendMessage(_ context.Context, msg *models.Message, requireOpen bool) (*models.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.conversations[msg.ConversationID]
	if !ok {
		return nil, models.ErrNotFound
	}
	if requireOpen && conv.Status != models.StatusOpen {
		return nil, models.ErrConflict
	}
	s.appendLocked(conv, msg)
	s.unhideLocked(conv, msg.SenderID)
	s.recountLocked(conv)
	return cloneConversation(conv), nil
}

func (s *MemoryStore) appendLocked(conv *models.Conversation, msg *models.Message) {
	s.seq++
	msg.ID = primitive.NewObjectID()
	msg.Seq = s.seq
	msg.CreatedAt = nextTimestamp(s.clock.Now(), conv.LastMessageAt)

	stored := *msg
	s.messages[conv.ID] = append(s.messages[conv.ID], &stored)

	conv.LastMessageAt = msg.CreatedAt
	conv.LastMessageSnapshot = msg.Text
	conv.UpdatedAt = msg.CreatedAt
}

func (s *MemoryStore) unhideLocked(conv *models.Conversation, viewerID string) {
	conv.HiddenFor = slices.DeleteFunc(conv.HiddenFor, func(v string) bool { return v == viewerID })
}

// recountLocked derives unreadCountForStaff from the log.
func (s *MemoryStore) recountLocked(conv *models.Conversation) {
	var unread int64
	for _, msg := range s.messages[conv.ID] {
		if msg.AwaitsStaff(conv.OwnerUserID) {
			unread++
		}
	}
	conv.UnreadCountForStaff = unread
}

func (s *MemoryStore) insertTicketLocked(convID primitive.ObjectID, ticket *models.Ticket, now time.Time) {
	ticket.ID = primitive.NewObjectID()
	ticket.ConversationID = convID
	ticket.OpenedAt = now
	stored := *ticket
	s.tickets[ticket.Number] = &stored
}

func (s *MemoryStore) ReopenConversation(_ context.Context, id primitive.ObjectID, ticket *models.Ticket, unhide string, msgs ...*models.Message) (*models.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.conversations[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	if conv.Status != models.StatusClosed {
		return nil, models.ErrConflict
	}
	if _, ok := s.tickets[ticket.Number]; ok {
		return nil, models.ErrDuplicateTicket
	}

	now := s.clock.Now().UTC().Truncate(time.Millisecond)
	conv.Status = models.StatusOpen
	conv.CurrentTicketNumber = ticket.Number
	conv.ClosedAt = nil
	conv.ClosedByStaffID = ""
	s.unhideLocked(conv, unhide)
	conv.UpdatedAt = now

	s.insertTicketLocked(id, ticket, now)
	for _, msg := range msgs {
		msg.ConversationID = id
		s.appendLocked(conv, msg)
	}
	s.recountLocked(conv)
	return cloneConversation(conv), nil
}

func (s *MemoryStore) CloseConversation(_ context.Context, id primitive.ObjectID, staffID string, at time.Time) (*models.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.conversations[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	if conv.Status == models.StatusClosed {
		return nil, models.ErrConflict
	}
	closedAt := at.UTC().Truncate(time.Millisecond)
	conv.Status = models.StatusClosed
	conv.ClosedAt = &closedAt
	conv.ClosedByStaffID = staffID
	conv.UpdatedAt = closedAt
	return cloneConversation(conv), nil
}

func (s *MemoryStore) UpsertConversation(_ context.Context, id primitive.ObjectID, upd models.ConversationUpdate) (*models.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.conversations[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	if upd.Status != nil {
		conv.Status = *upd.Status
	}
	if upd.CurrentTicketNumber != nil {
		conv.CurrentTicketNumber = *upd.CurrentTicketNumber
	}
	if upd.LastMessageSnapshot != nil {
		conv.LastMessageSnapshot = *upd.LastMessageSnapshot
	}
	if upd.LastMessageAt != nil {
		conv.LastMessageAt = *upd.LastMessageAt
	}
	if upd.AddHiddenFor != "" && !conv.IsHiddenFor(upd.AddHiddenFor) {
		conv.HiddenFor = append(conv.HiddenFor, upd.AddHiddenFor)
	}
	if upd.RemoveHiddenFor != "" {
		s.unhideLocked(conv, upd.RemoveHiddenFor)
	}
	if upd.ClosedAt != nil {
		conv.ClosedAt = upd.ClosedAt
	}
	if upd.ClosedByStaffID != nil {
		conv.ClosedByStaffID = *upd.ClosedByStaffID
	}
	conv.UpdatedAt = s.clock.Now().UTC().Truncate(time.Millisecond)
	return cloneConversation(conv), nil
}

func (s *MemoryStore) GetConversation(_ context.Context, id primitive.ObjectID) (*models.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conv, ok := s.conversations[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	return cloneConversation(conv), nil
}

func (s *MemoryStore) GetConversationByOwner(_ context.Context, ownerUserID string) (*models.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byOwner[ownerUserID]
	if !ok {
		return nil, models.ErrNotFound
	}
	return cloneConversation(s.conversations[id]), nil
}

func (s *MemoryStore) ListConversations(_ context.Context, filter models.ConversationFilter) ([]models.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]models.Conversation, 0)
	for _, conv := range s.conversations {
		if filter.Status != nil && conv.Status != *filter.Status {
			continue
		}
		if filter.OwnerUserID != "" && conv.OwnerUserID != filter.OwnerUserID {
			continue
		}
		if filter.HiddenForExcludes != "" && conv.IsHiddenFor(filter.HiddenForExcludes) {
			continue
		}
		result = append(result, *cloneConversation(conv))
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].LastMessageAt.After(result[j].LastMessageAt)
	})
	return result, nil
}

func (s *MemoryStore) ListMessages(_ context.Context, conversationID primitive.ObjectID, afterSeq int64) ([]models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]models.Message, 0)
	for _, msg := range s.messages[conversationID] {
		if msg.Seq > afterSeq {
			result = append(result, *msg)
		}
	}
	sort.SliceStable(result, func(i, j int) bool { return result[i].Before(&result[j]) })
	return result, nil
}

func (s *MemoryStore) MarkOwnerMessagesRead(_ context.Context, conversationID primitive.ObjectID) (*models.Conversation, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.conversations[conversationID]
	if !ok {
		return nil, 0, models.ErrNotFound
	}
	var marked int64
	for _, msg := range s.messages[conversationID] {
		if msg.AwaitsStaff(conv.OwnerUserID) {
			msg.Read = true
			marked++
		}
	}
	s.recountLocked(conv)
	return cloneConversation(conv), marked, nil
}

func (s *MemoryStore) ListTickets(_ context.Context, conversationID primitive.ObjectID) ([]models.Ticket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]models.Ticket, 0)
	for _, t := range s.tickets {
		if t.ConversationID == conversationID {
			result = append(result, *t)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].OpenedAt.Equal(result[j].OpenedAt) {
			return result[i].OpenedAt.Before(result[j].OpenedAt)
		}
		return result[i].ID.Hex() < result[j].ID.Hex()
	})
	return result, nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func cloneConversation(c *models.Conversation) *models.Conversation {
	out := *c
	out.HiddenFor = slices.Clone(c.HiddenFor)
	if out.HiddenFor == nil {
		out.HiddenFor = []string{}
	}
	if c.ClosedAt != nil {
		at := *c.ClosedAt
		out.ClosedAt = &at
	}
	return &out
}
