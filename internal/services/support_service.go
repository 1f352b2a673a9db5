package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"famfin/support-service/internal/models"
	"famfin/support-service/internal/repository"
	"famfin/support-service/internal/utils"

	"github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Notifier pushes a short alert to a user who may not be watching the chat.
type Notifier interface {
	SendMessageNotification(ctx context.Context, toUserID, messageText string) error
}

type Options struct {
	TicketRetries int
	IORetries     int
	IOBackoff     time.Duration
}

// maxLifecycleAttempts bounds how often OpenOrContinue re-reads a
// conversation whose status changed between read and write.
const maxLifecycleAttempts = 3

func DefaultOptions() Options {
	return Options{TicketRetries: 5, IORetries: 3, IOBackoff: 100 * time.Millisecond}
}

// SupportService owns the ticket lifecycle: open, continue, reopen, close
// and per-viewer hiding.
type SupportService struct {
	store    repository.ConversationStore
	broker   *Broker
	tracker  *Tracker
	tickets  *TicketNumberGenerator
	notifier Notifier
	clock    utils.Clock
	locks    *keyedMutex
	opts     Options
	log      *logrus.Entry
}

func NewSupportService(
	store repository.ConversationStore,
	broker *Broker,
	tracker *Tracker,
	tickets *TicketNumberGenerator,
	notifier Notifier,
	clock utils.Clock,
	opts Options,
	log *logrus.Entry,
) *SupportService {
	if opts.TicketRetries <= 0 {
		opts.TicketRetries = 1
	}
	if opts.IORetries <= 0 {
		opts.IORetries = 1
	}
	return &SupportService{
		store:    store,
		broker:   broker,
		tracker:  tracker,
		tickets:  tickets,
		notifier: notifier,
		clock:    clock,
		locks:    newKeyedMutex(),
		opts:     opts,
		log:      log.WithField("component", "support"),
	}
}

type OpenRequest struct {
	// OwnerUserID is required when staff starts the conversation and ignored
	// for regular users, who always write into their own thread.
	OwnerUserID      string
	OwnerDisplayName string
	OwnerEmail       string
	Text             string
}

type SendResult struct {
	Message        *models.Message      `json:"message"`
	ConversationID string               `json:"conversation_id"`
	TicketNumber   string               `json:"ticket_number"`
	Created        bool                 `json:"created"`
	Reopened       bool                 `json:"reopened"`
	Conversation   *models.Conversation `json:"-"`
}

// --- Lifecycle ---

// OpenOrContinue writes into the owner's conversation, creating it or
// reopening it first when needed.
func (s *SupportService) OpenOrContinue(ctx context.Context, p models.Principal, req OpenRequest) (*SendResult, error) {
	text := strings.TrimSpace(req.Text)
	if text == "" {
		return nil, fmt.Errorf("%w: text is required", models.ErrValidation)
	}

	owner := models.Principal{ID: p.ID, DisplayName: p.DisplayName, Email: p.Email, Role: models.RoleRegular}
	if p.IsStaff() {
		if req.OwnerUserID == "" {
			return nil, fmt.Errorf("%w: owner_user_id is required", models.ErrValidation)
		}
		if req.OwnerUserID == p.ID {
			return nil, fmt.Errorf("%w: staff cannot open a ticket with themselves", models.ErrValidation)
		}
		owner = models.Principal{ID: req.OwnerUserID, DisplayName: req.OwnerDisplayName, Email: req.OwnerEmail, Role: models.RoleRegular}
	}

	unlock := s.locks.Lock(owner.ID)
	defer unlock()

	msg := newMessage(p, owner.ID, text)
	conv, err := s.readConversationByOwner(ctx, owner.ID)
	if errors.Is(err, models.ErrNotFound) {
		var marker *models.Message
		conv, marker, err = s.createConversation(ctx, p, owner, msg)
		if err == nil {
			s.publishAppended(ctx, p, conv, marker, msg)
			return newSendResult(conv, msg, true, false), nil
		}
		if errors.Is(err, models.ErrConflict) {
			// Another instance created it first.
			conv, err = s.readConversationByOwner(ctx, owner.ID)
		}
	}
	if err != nil {
		return nil, err
	}

	// The owner lock is process-local. ErrConflict means another instance
	// closed or reopened the ticket between our read and our write.
	for attempt := 1; ; attempt++ {
		if conv.Status == models.StatusClosed {
			reopened, marker, err := s.reopenConversation(ctx, p, conv, msg)
			if err == nil {
				s.publishAppended(ctx, p, reopened, marker, msg)
				return newSendResult(reopened, msg, false, true), nil
			}
			if !errors.Is(err, models.ErrConflict) || attempt >= maxLifecycleAttempts {
				return nil, err
			}
		} else {
			msg.ConversationID = conv.ID
			updated, err := s.store.AppendMessage(ctx, msg, true)
			if err == nil {
				s.publishAppended(ctx, p, updated, msg)
				return newSendResult(updated, msg, false, false), nil
			}
			if !errors.Is(err, models.ErrConflict) || attempt >= maxLifecycleAttempts {
				return nil, err
			}
		}
		s.log.WithFields(logrus.Fields{
			"conversation_id": conv.ID.Hex(),
			"attempt":         attempt,
		}).Debug("conversation changed underneath, re-reading")
		if conv, err = s.readConversationByOwner(ctx, owner.ID); err != nil {
			return nil, err
		}
	}
}

func newSendResult(conv *models.Conversation, msg *models.Message, created, reopened bool) *SendResult {
	return &SendResult{
		Message:        msg,
		ConversationID: conv.ID.Hex(),
		TicketNumber:   conv.CurrentTicketNumber,
		Created:        created,
		Reopened:       reopened,
		Conversation:   conv,
	}
}

// createConversation stores the conversation, its first ticket, the opening
// marker and first in one step.
func (s *SupportService) createConversation(ctx context.Context, opener models.Principal, owner models.Principal, first *models.Message) (*models.Conversation, *models.Message, error) {
	var lastErr error
	for attempt := 0; attempt < s.opts.TicketRetries; attempt++ {
		number := s.tickets.Next()
		conv := &models.Conversation{
			OwnerUserID:      owner.ID,
			OwnerDisplayName: owner.DisplayName,
			OwnerEmail:       owner.Email,
		}
		ticket := &models.Ticket{Number: number, OpenedBy: opener.ID}
		marker := models.NewSystemMessage(primitive.NilObjectID, s.markerText("New ticket", number))

		err := s.store.CreateConversation(ctx, conv, ticket, marker, first)
		if errors.Is(err, models.ErrDuplicateTicket) {
			lastErr = err
			s.log.WithField("ticket", number).Warn("ticket number collision, retrying")
			continue
		}
		if err != nil {
			return nil, nil, err
		}
		s.log.WithFields(logrus.Fields{
			"conversation_id": conv.ID.Hex(),
			"owner_id":        owner.ID,
			"ticket":          number,
		}).Info("ticket opened")
		return conv, marker, nil
	}
	return nil, nil, fmt.Errorf("could not mint a unique ticket number: %w", lastErr)
}

// reopenConversation flips a closed conversation back to open with a new
// ticket, the reopen marker and msg in one step. Must run under the owner's
// lock. ErrConflict means someone else already reopened it.
func (s *SupportService) reopenConversation(ctx context.Context, p models.Principal, conv *models.Conversation, msg *models.Message) (*models.Conversation, *models.Message, error) {
	var lastErr error
	for attempt := 0; attempt < s.opts.TicketRetries; attempt++ {
		number := s.tickets.Next()
		ticket := &models.Ticket{Number: number, Reopen: true, OpenedBy: p.ID}
		marker := models.NewSystemMessage(conv.ID, s.markerText("Ticket reopened, new ticket", number))

		reopened, err := s.store.ReopenConversation(ctx, conv.ID, ticket, p.ID, marker, msg)
		if errors.Is(err, models.ErrDuplicateTicket) {
			lastErr = err
			continue
		}
		if err != nil {
			return nil, nil, err
		}
		s.log.WithFields(logrus.Fields{
			"conversation_id": conv.ID.Hex(),
			"ticket":          number,
			"previous_ticket": conv.CurrentTicketNumber,
		}).Info("ticket reopened")
		return reopened, marker, nil
	}
	return nil, nil, fmt.Errorf("could not mint a unique ticket number: %w", lastErr)
}

func (s *SupportService) markerText(prefix, number string) string {
	return fmt.Sprintf("%s %s opened at %s", prefix, number, s.clock.Now().UTC().Format("2006-01-02 15:04 MST"))
}

// SendMessage appends to an existing conversation. Owners get
// ErrConversationClosed for a closed ticket and must take the reopen path;
// staff may still post into it.
func (s *SupportService) SendMessage(ctx context.Context, p models.Principal, conversationID primitive.ObjectID, text string) (*models.Message, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, fmt.Errorf("%w: text is required", models.ErrValidation)
	}
	conv, err := s.readConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if err := authorizeViewer(p, conv); err != nil {
		return nil, err
	}

	unlock := s.locks.Lock(conv.OwnerUserID)
	defer unlock()

	// Status may have changed while waiting for the lock.
	if conv, err = s.readConversation(ctx, conversationID); err != nil {
		return nil, err
	}
	if conv.Status == models.StatusClosed && !p.IsStaff() {
		return nil, models.ErrConversationClosed
	}
	msg := newMessage(p, conv.OwnerUserID, text)
	msg.ConversationID = conv.ID
	// Appends are not retried: a timed-out insert may still have landed.
	updated, err := s.store.AppendMessage(ctx, msg, !p.IsStaff())
	if errors.Is(err, models.ErrConflict) {
		// Closed by another instance after the read above.
		return nil, models.ErrConversationClosed
	}
	if err != nil {
		return nil, err
	}
	s.publishAppended(ctx, p, updated, msg)
	return msg, nil
}

func newMessage(p models.Principal, ownerUserID, text string) *models.Message {
	return &models.Message{
		SenderID:          p.ID,
		SenderDisplayName: p.DisplayName,
		SenderEmail:       p.Email,
		Text:              text,
		// Only owner-authored messages wait for staff to read them.
		Read: p.ID != ownerUserID,
	}
}

// publishAppended fans out freshly stored msgs plus the conversation they
// changed, and pushes staff replies to the owner.
func (s *SupportService) publishAppended(ctx context.Context, p models.Principal, conv *models.Conversation, msgs ...*models.Message) {
	for _, msg := range msgs {
		s.broker.Publish(ctx, Event{Kind: EventMessage, ConversationID: conv.ID.Hex(), Message: msg})
	}
	s.broker.Publish(ctx, Event{Kind: EventConversation, ConversationID: conv.ID.Hex(), Conversation: conv})

	if p.IsStaff() && s.notifier != nil && len(msgs) > 0 {
		text := msgs[len(msgs)-1].Text
		if err := s.notifier.SendMessageNotification(ctx, conv.OwnerUserID, text); err != nil {
			s.log.WithError(err).WithField("owner_id", conv.OwnerUserID).Warn("push notification failed")
		}
	}
}

// CloseTicket ends the current ticket. Staff only; closing a closed ticket
// is Forbidden.
func (s *SupportService) CloseTicket(ctx context.Context, p models.Principal, conversationID primitive.ObjectID) (*models.Conversation, error) {
	if !p.IsStaff() {
		return nil, models.ErrForbidden
	}
	conv, err := s.readConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	unlock := s.locks.Lock(conv.OwnerUserID)
	defer unlock()

	var closed *models.Conversation
	err = s.withRetry(ctx, func() error {
		var err error
		closed, err = s.store.CloseConversation(ctx, conversationID, p.ID, s.clock.Now())
		return err
	})
	if errors.Is(err, models.ErrConflict) {
		return nil, fmt.Errorf("%w: ticket %s is already closed", models.ErrForbidden, conv.CurrentTicketNumber)
	}
	if err != nil {
		return nil, err
	}
	s.log.WithFields(logrus.Fields{
		"conversation_id": closed.ID.Hex(),
		"ticket":          closed.CurrentTicketNumber,
		"staff_id":        p.ID,
	}).Info("ticket closed")
	s.broker.Publish(ctx, Event{Kind: EventConversation, ConversationID: closed.ID.Hex(), Conversation: closed})
	return closed, nil
}

// Hide removes the conversation from the caller's own lists. Idempotent.
func (s *SupportService) Hide(ctx context.Context, p models.Principal, conversationID primitive.ObjectID) error {
	conv, err := s.readConversation(ctx, conversationID)
	if err != nil {
		return err
	}
	if err := authorizeViewer(p, conv); err != nil {
		return err
	}
	var updated *models.Conversation
	err = s.withRetry(ctx, func() error {
		var err error
		updated, err = s.store.UpsertConversation(ctx, conversationID, models.ConversationUpdate{AddHiddenFor: p.ID})
		return err
	})
	if err != nil {
		return err
	}
	s.broker.Publish(ctx, Event{Kind: EventConversation, ConversationID: updated.ID.Hex(), Conversation: updated})
	return nil
}

// MarkRead is the batch "staff has viewed this thread" operation. It holds
// the owner's lock so it cannot interleave with an append.
func (s *SupportService) MarkRead(ctx context.Context, p models.Principal, conversationID primitive.ObjectID) (int64, error) {
	if !p.IsStaff() {
		return 0, models.ErrForbidden
	}
	conv, err := s.readConversation(ctx, conversationID)
	if err != nil {
		return 0, err
	}

	unlock := s.locks.Lock(conv.OwnerUserID)
	defer unlock()

	var (
		updated *models.Conversation
		marked  int64
	)
	err = s.withRetry(ctx, func() error {
		var err error
		updated, marked, err = s.store.MarkOwnerMessagesRead(ctx, conversationID)
		return err
	})
	if err != nil {
		return 0, err
	}
	if marked > 0 || conv.UnreadCountForStaff != updated.UnreadCountForStaff {
		s.broker.Publish(ctx, Event{Kind: EventConversation, ConversationID: updated.ID.Hex(), Conversation: updated})
	}
	return marked, nil
}

// --- Queries ---

func (s *SupportService) GetConversation(ctx context.Context, p models.Principal, conversationID primitive.ObjectID) (*models.Conversation, error) {
	conv, err := s.readConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if err := authorizeViewer(p, conv); err != nil {
		return nil, err
	}
	return conv, nil
}

func (s *SupportService) ListMessages(ctx context.Context, p models.Principal, conversationID primitive.ObjectID, afterSeq int64) ([]models.Message, error) {
	if _, err := s.GetConversation(ctx, p, conversationID); err != nil {
		return nil, err
	}
	return s.listMessages(ctx, conversationID, afterSeq)
}

func (s *SupportService) ListTickets(ctx context.Context, p models.Principal, conversationID primitive.ObjectID) ([]models.Ticket, error) {
	if _, err := s.GetConversation(ctx, p, conversationID); err != nil {
		return nil, err
	}
	var tickets []models.Ticket
	err := s.withRetry(ctx, func() error {
		var err error
		tickets, err = s.store.ListTickets(ctx, conversationID)
		return err
	})
	return tickets, err
}

// ListActiveConversations returns open conversations the viewer has not
// hidden. Regular users only ever see their own.
func (s *SupportService) ListActiveConversations(ctx context.Context, p models.Principal) ([]models.Conversation, error) {
	return s.listConversations(ctx, p, models.StatusOpen)
}

// ListClosedConversations is the ticket history view: staff see every
// closed conversation, owners their own.
func (s *SupportService) ListClosedConversations(ctx context.Context, p models.Principal) ([]models.Conversation, error) {
	return s.listConversations(ctx, p, models.StatusClosed)
}

func (s *SupportService) listConversations(ctx context.Context, p models.Principal, status models.ConversationStatus) ([]models.Conversation, error) {
	filter := models.ConversationFilter{Status: &status, HiddenForExcludes: p.ID}
	if !p.IsStaff() {
		filter.OwnerUserID = p.ID
	}
	var convs []models.Conversation
	err := s.withRetry(ctx, func() error {
		var err error
		convs, err = s.store.ListConversations(ctx, filter)
		return err
	})
	return convs, err
}

// ListWaitingUsers is the staff directory: one entry per owner, most urgent
// first, then alphabetical.
func (s *SupportService) ListWaitingUsers(ctx context.Context, p models.Principal) ([]models.UserStatus, error) {
	if !p.IsStaff() {
		return nil, models.ErrForbidden
	}
	convs, err := s.listAllConversations(ctx)
	if err != nil {
		return nil, err
	}

	statuses := make([]models.UserStatus, 0, len(convs))
	for i := range convs {
		msgs, err := s.listMessages(ctx, convs[i].ID, 0)
		if err != nil {
			return nil, err
		}
		statuses = append(statuses, s.tracker.Classify(&convs[i], msgs))
	}
	SortUserStatuses(statuses)
	return statuses, nil
}

// HasUnread is the staff-wide signal: true iff some conversation holds an
// unread message staffID did not write.
func (s *SupportService) HasUnread(ctx context.Context, p models.Principal) (bool, error) {
	if !p.IsStaff() {
		return false, models.ErrForbidden
	}
	convs, err := s.listAllConversations(ctx)
	if err != nil {
		return false, err
	}
	for i := range convs {
		msgs, err := s.listMessages(ctx, convs[i].ID, 0)
		if err != nil {
			return false, err
		}
		if s.tracker.HasUnreadFor(p.ID, &convs[i], msgs) {
			return true, nil
		}
	}
	return false, nil
}

// --- Streams ---

func (s *SupportService) SubscribeMessages(ctx context.Context, p models.Principal, conversationID primitive.ObjectID, afterSeq int64) (*MessageStream, error) {
	if _, err := s.GetConversation(ctx, p, conversationID); err != nil {
		return nil, err
	}
	return s.broker.SubscribeMessages(ctx, conversationID, afterSeq)
}

type ListView string

const (
	ViewActive ListView = "active"
	ViewClosed ListView = "closed"
)

func (s *SupportService) SubscribeConversationList(ctx context.Context, p models.Principal, view ListView) <-chan []models.Conversation {
	query := func(ctx context.Context) ([]models.Conversation, error) {
		if view == ViewClosed {
			return s.ListClosedConversations(ctx, p)
		}
		return s.ListActiveConversations(ctx, p)
	}
	return Watch(ctx, s.broker, query, conversationListsEqual)
}

func (s *SupportService) SubscribeUnreadSignal(ctx context.Context, p models.Principal) (<-chan bool, error) {
	if !p.IsStaff() {
		return nil, models.ErrForbidden
	}
	query := func(ctx context.Context) (bool, error) { return s.HasUnread(ctx, p) }
	return Watch(ctx, s.broker, query, func(a, b bool) bool { return a == b }), nil
}

// --- helpers ---

func (s *SupportService) readConversation(ctx context.Context, id primitive.ObjectID) (*models.Conversation, error) {
	var conv *models.Conversation
	err := s.withRetry(ctx, func() error {
		var err error
		conv, err = s.store.GetConversation(ctx, id)
		return err
	})
	return conv, err
}

func (s *SupportService) readConversationByOwner(ctx context.Context, ownerUserID string) (*models.Conversation, error) {
	var conv *models.Conversation
	err := s.withRetry(ctx, func() error {
		var err error
		conv, err = s.store.GetConversationByOwner(ctx, ownerUserID)
		return err
	})
	return conv, err
}

func (s *SupportService) listMessages(ctx context.Context, conversationID primitive.ObjectID, afterSeq int64) ([]models.Message, error) {
	var msgs []models.Message
	err := s.withRetry(ctx, func() error {
		var err error
		msgs, err = s.store.ListMessages(ctx, conversationID, afterSeq)
		return err
	})
	return msgs, err
}

func (s *SupportService) listAllConversations(ctx context.Context) ([]models.Conversation, error) {
	var convs []models.Conversation
	err := s.withRetry(ctx, func() error {
		var err error
		convs, err = s.store.ListConversations(ctx, models.ConversationFilter{})
		return err
	})
	return convs, err
}

func authorizeViewer(p models.Principal, conv *models.Conversation) error {
	if p.IsStaff() || p.ID == conv.OwnerUserID {
		return nil
	}
	return models.ErrForbidden
}

func conversationListsEqual(a, b []models.Conversation) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].ID != b[i].ID || a[i].Status != b[i].Status ||
			!a[i].UpdatedAt.Equal(b[i].UpdatedAt) ||
			a[i].UnreadCountForStaff != b[i].UnreadCountForStaff ||
			a[i].LastMessageSnapshot != b[i].LastMessageSnapshot {
			return false
		}
	}
	return true
}
