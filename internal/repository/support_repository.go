package repository

import (
	"context"
	"errors"
	"time"

	"famfin/support-service/internal/models"
	"famfin/support-service/internal/utils"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const messageSeqCounter = "support_messages"

// MongoStore is the production ConversationStore. Every step that touches
// the message log (open, reopen, append, mark read) runs inside a
// transaction together with the conversation update, so the deployment must
// be a replica set (hosted clusters are).
type MongoStore struct {
	client           *mongo.Client
	conversationsCol *mongo.Collection
	messagesCol      *mongo.Collection
	ticketsCol       *mongo.Collection
	countersCol      *mongo.Collection
	clock            utils.Clock
}

func NewMongoStore(db *mongo.Database, clock utils.Clock) *MongoStore {
	return &MongoStore{
		client:           db.Client(),
		conversationsCol: db.Collection("support_conversations"),
		messagesCol:      db.Collection("support_messages"),
		ticketsCol:       db.Collection("support_tickets"),
		countersCol:      db.Collection("support_counters"),
		clock:            clock,
	}
}

func (r *MongoStore) EnsureIndexes(ctx context.Context) error {
	if _, err := r.conversationsCol.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "owner_user_id", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "last_message_at", Value: -1}}},
	}); err != nil {
		return wrapMongoErr(err)
	}
	if _, err := r.messagesCol.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "conversation_id", Value: 1}, {Key: "created_at", Value: 1}, {Key: "seq", Value: 1}}},
		{Keys: bson.D{{Key: "conversation_id", Value: 1}, {Key: "sender_id", Value: 1}, {Key: "read", Value: 1}}},
	}); err != nil {
		return wrapMongoErr(err)
	}
	if _, err := r.ticketsCol.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "number", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "conversation_id", Value: 1}, {Key: "opened_at", Value: 1}}},
	}); err != nil {
		return wrapMongoErr(err)
	}
	return nil
}

// Conversations

func (r *MongoStore) CreateConversation(ctx context.Context, conv *models.Conversation, ticket *models.Ticket, msgs ...*models.Message) error {
	now := r.now()
	conv.ID = primitive.NewObjectID()
	conv.Status = models.StatusOpen
	conv.CurrentTicketNumber = ticket.Number
	conv.CreatedAt = now
	conv.UpdatedAt = now
	if conv.HiddenFor == nil {
		conv.HiddenFor = []string{}
	}
	fresh := *conv

	res, err := r.withTransaction(ctx, func(sc mongo.SessionContext) (interface{}, error) {
		if err := r.insertTicket(sc, fresh.ID, ticket, now); err != nil {
			return nil, err
		}
		if _, err := r.conversationsCol.InsertOne(sc, &fresh); err != nil {
			if mongo.IsDuplicateKeyError(err) {
				return nil, models.ErrConflict
			}
			return nil, err
		}
		newest, err := r.appendInSession(sc, fresh.ID, time.Time{}, msgs)
		if err != nil {
			return nil, err
		}
		return r.refreshInSession(sc, &fresh, bson.M{"_id": fresh.ID}, conversationChange{newest: newest})
	})
	if err != nil {
		return err
	}
	*conv = *res.(*models.Conversation)
	return nil
}

func (r *MongoStore) ReopenConversation(ctx context.Context, id primitive.ObjectID, ticket *models.Ticket, unhide string, msgs ...*models.Message) (*models.Conversation, error) {
	now := r.now()
	res, err := r.withTransaction(ctx, func(sc mongo.SessionContext) (interface{}, error) {
		conv, err := r.GetConversation(sc, id)
		if err != nil {
			return nil, err
		}
		if conv.Status != models.StatusClosed {
			return nil, models.ErrConflict
		}
		if err := r.insertTicket(sc, id, ticket, now); err != nil {
			return nil, err
		}
		newest, err := r.appendInSession(sc, id, conv.LastMessageAt, msgs)
		if err != nil {
			return nil, err
		}
		return r.refreshInSession(sc, conv, bson.M{"_id": id, "status": models.StatusClosed}, conversationChange{
			set: bson.M{
				"status":                models.StatusOpen,
				"current_ticket_number": ticket.Number,
			},
			unset:  bson.M{"closed_at": "", "closed_by_staff_id": ""},
			unhide: unhide,
			newest: newest,
			at:     now,
		})
	})
	if err != nil {
		return nil, err
	}
	return res.(*models.Conversation), nil
}

func (r *MongoStore) CloseConversation(ctx context.Context, id primitive.ObjectID, staffID string, at time.Time) (*models.Conversation, error) {
	closedAt := at.UTC().Truncate(time.Millisecond)
	var conv models.Conversation
	err := r.conversationsCol.FindOneAndUpdate(ctx,
		bson.M{"_id": id, "status": models.StatusOpen},
		bson.M{"$set": bson.M{
			"status":             models.StatusClosed,
			"closed_at":          closedAt,
			"closed_by_staff_id": staffID,
			"updated_at":         closedAt,
		}},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&conv)
	if errors.Is(err, mongo.ErrNoDocuments) {
		if _, getErr := r.GetConversation(ctx, id); getErr != nil {
			return nil, getErr
		}
		return nil, models.ErrConflict
	}
	if err != nil {
		return nil, wrapMongoErr(err)
	}
	return &conv, nil
}

func (r *MongoStore) UpsertConversation(ctx context.Context, id primitive.ObjectID, upd models.ConversationUpdate) (*models.Conversation, error) {
	set := bson.M{"updated_at": r.now()}
	if upd.Status != nil {
		set["status"] = *upd.Status
	}
	if upd.CurrentTicketNumber != nil {
		set["current_ticket_number"] = *upd.CurrentTicketNumber
	}
	if upd.LastMessageSnapshot != nil {
		set["last_message_snapshot"] = *upd.LastMessageSnapshot
	}
	if upd.LastMessageAt != nil {
		set["last_message_at"] = *upd.LastMessageAt
	}
	if upd.ClosedAt != nil {
		set["closed_at"] = *upd.ClosedAt
	}
	if upd.ClosedByStaffID != nil {
		set["closed_by_staff_id"] = *upd.ClosedByStaffID
	}
	update := bson.M{"$set": set}
	if upd.AddHiddenFor != "" {
		update["$addToSet"] = bson.M{"hidden_for": upd.AddHiddenFor}
	}
	if upd.RemoveHiddenFor != "" {
		update["$pull"] = bson.M{"hidden_for": upd.RemoveHiddenFor}
	}

	var conv models.Conversation
	err := r.conversationsCol.FindOneAndUpdate(ctx, bson.M{"_id": id}, update,
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&conv)
	if err != nil {
		return nil, wrapMongoErr(err)
	}
	return &conv, nil
}

func (r *MongoStore) GetConversation(ctx context.Context, id primitive.ObjectID) (*models.Conversation, error) {
	var conv models.Conversation
	if err := r.conversationsCol.FindOne(ctx, bson.M{"_id": id}).Decode(&conv); err != nil {
		return nil, wrapMongoErr(err)
	}
	return &conv, nil
}

func (r *MongoStore) GetConversationByOwner(ctx context.Context, ownerUserID string) (*models.Conversation, error) {
	var conv models.Conversation
	if err := r.conversationsCol.FindOne(ctx, bson.M{"owner_user_id": ownerUserID}).Decode(&conv); err != nil {
		return nil, wrapMongoErr(err)
	}
	return &conv, nil
}

func (r *MongoStore) ListConversations(ctx context.Context, filter models.ConversationFilter) ([]models.Conversation, error) {
	query := bson.M{}
	if filter.Status != nil {
		query["status"] = *filter.Status
	}
	if filter.OwnerUserID != "" {
		query["owner_user_id"] = filter.OwnerUserID
	}
	if filter.HiddenForExcludes != "" {
		query["hidden_for"] = bson.M{"$ne": filter.HiddenForExcludes}
	}
	cursor, err := r.conversationsCol.Find(ctx, query,
		options.Find().SetSort(bson.D{{Key: "last_message_at", Value: -1}}))
	if err != nil {
		return nil, wrapMongoErr(err)
	}
	result := make([]models.Conversation, 0)
	if err := cursor.All(ctx, &result); err != nil {
		return nil, wrapMongoErr(err)
	}
	return result, nil
}

// Messages

// AppendMessage with requireOpen also conditions the conversation update on
// status=open, so a close committed by another instance after the read
// aborts the whole transaction.
func (r *MongoStore) AppendMessage(ctx context.Context, msg *models.Message, requireOpen bool) (*models.Conversation, error) {
	res, err := r.withTransaction(ctx, func(sc mongo.SessionContext) (interface{}, error) {
		conv, err := r.GetConversation(sc, msg.ConversationID)
		if err != nil {
			return nil, err
		}
		filter := bson.M{"_id": conv.ID}
		if requireOpen {
			if conv.Status != models.StatusOpen {
				return nil, models.ErrConflict
			}
			filter["status"] = models.StatusOpen
		}
		newest, err := r.appendInSession(sc, conv.ID, conv.LastMessageAt, []*models.Message{msg})
		if err != nil {
			return nil, err
		}
		return r.refreshInSession(sc, conv, filter, conversationChange{
			unhide: msg.SenderID,
			newest: newest,
		})
	})
	if err != nil {
		return nil, err
	}
	return res.(*models.Conversation), nil
}

// appendInSession inserts msgs in order after last and returns the newest.
func (r *MongoStore) appendInSession(ctx context.Context, convID primitive.ObjectID, last time.Time, msgs []*models.Message) (*models.Message, error) {
	var newest *models.Message
	for _, msg := range msgs {
		seq, err := r.nextSeq(ctx)
		if err != nil {
			return nil, err
		}
		msg.ID = primitive.NewObjectID()
		msg.ConversationID = convID
		msg.Seq = seq
		msg.CreatedAt = nextTimestamp(r.clock.Now(), last)
		if _, err := r.messagesCol.InsertOne(ctx, msg); err != nil {
			return nil, err
		}
		last = msg.CreatedAt
		newest = msg
	}
	return newest, nil
}

type conversationChange struct {
	set    bson.M
	unset  bson.M
	unhide string
	newest *models.Message
	at     time.Time
}

// refreshInSession applies change to the conversation matched by filter and
// sets unread_count_for_staff from the log as seen inside the same session.
// A filter that no longer matches means the conversation moved on:
// models.ErrConflict.
func (r *MongoStore) refreshInSession(ctx context.Context, conv *models.Conversation, filter bson.M, change conversationChange) (*models.Conversation, error) {
	unread, err := r.messagesCol.CountDocuments(ctx, bson.M{
		"conversation_id":   conv.ID,
		"sender_id":         conv.OwnerUserID,
		"is_system_message": false,
		"read":              false,
	})
	if err != nil {
		return nil, err
	}

	set := bson.M{"unread_count_for_staff": unread}
	for k, v := range change.set {
		set[k] = v
	}
	touched := change.at
	if touched.IsZero() {
		touched = r.now()
	}
	maxFields := bson.M{"updated_at": touched}
	if change.newest != nil {
		set["last_message_snapshot"] = change.newest.Text
		maxFields["last_message_at"] = change.newest.CreatedAt
		if change.newest.CreatedAt.After(touched) {
			maxFields["updated_at"] = change.newest.CreatedAt
		}
	}
	update := bson.M{"$set": set, "$max": maxFields}
	if len(change.unset) > 0 {
		update["$unset"] = change.unset
	}
	if change.unhide != "" {
		update["$pull"] = bson.M{"hidden_for": change.unhide}
	}

	var updated models.Conversation
	err = r.conversationsCol.FindOneAndUpdate(ctx, filter, update,
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&updated)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, models.ErrConflict
	}
	if err != nil {
		return nil, err
	}
	return &updated, nil
}

func (r *MongoStore) nextSeq(ctx context.Context) (int64, error) {
	var counter struct {
		Value int64 `bson:"value"`
	}
	err := r.countersCol.FindOneAndUpdate(ctx,
		bson.M{"_id": messageSeqCounter},
		bson.M{"$inc": bson.M{"value": 1}},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	).Decode(&counter)
	return counter.Value, err
}

func (r *MongoStore) ListMessages(ctx context.Context, conversationID primitive.ObjectID, afterSeq int64) ([]models.Message, error) {
	cursor, err := r.messagesCol.Find(ctx,
		bson.M{"conversation_id": conversationID, "seq": bson.M{"$gt": afterSeq}},
		options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "seq", Value: 1}}),
	)
	if err != nil {
		return nil, wrapMongoErr(err)
	}
	result := make([]models.Message, 0)
	if err := cursor.All(ctx, &result); err != nil {
		return nil, wrapMongoErr(err)
	}
	return result, nil
}

func (r *MongoStore) MarkOwnerMessagesRead(ctx context.Context, conversationID primitive.ObjectID) (*models.Conversation, int64, error) {
	var marked int64
	res, err := r.withTransaction(ctx, func(sc mongo.SessionContext) (interface{}, error) {
		conv, err := r.GetConversation(sc, conversationID)
		if err != nil {
			return nil, err
		}
		flipped, err := r.messagesCol.UpdateMany(sc,
			bson.M{"conversation_id": conversationID, "sender_id": conv.OwnerUserID, "is_system_message": false, "read": false},
			bson.M{"$set": bson.M{"read": true}},
		)
		if err != nil {
			return nil, err
		}
		marked = flipped.ModifiedCount
		return r.refreshInSession(sc, conv, bson.M{"_id": conversationID}, conversationChange{})
	})
	if err != nil {
		return nil, 0, err
	}
	return res.(*models.Conversation), marked, nil
}

// Tickets

func (r *MongoStore) insertTicket(ctx context.Context, convID primitive.ObjectID, ticket *models.Ticket, now time.Time) error {
	ticket.ID = primitive.NewObjectID()
	ticket.ConversationID = convID
	ticket.OpenedAt = now
	if _, err := r.ticketsCol.InsertOne(ctx, ticket); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return models.ErrDuplicateTicket
		}
		return err
	}
	return nil
}

func (r *MongoStore) ListTickets(ctx context.Context, conversationID primitive.ObjectID) ([]models.Ticket, error) {
	cursor, err := r.ticketsCol.Find(ctx, bson.M{"conversation_id": conversationID},
		options.Find().SetSort(bson.D{{Key: "opened_at", Value: 1}, {Key: "_id", Value: 1}}))
	if err != nil {
		return nil, wrapMongoErr(err)
	}
	result := make([]models.Ticket, 0)
	if err := cursor.All(ctx, &result); err != nil {
		return nil, wrapMongoErr(err)
	}
	return result, nil
}

func (r *MongoStore) Ping(ctx context.Context) error {
	return wrapMongoErr(r.client.Ping(ctx, nil))
}

func (r *MongoStore) withTransaction(ctx context.Context, fn func(sc mongo.SessionContext) (interface{}, error)) (interface{}, error) {
	session, err := r.client.StartSession()
	if err != nil {
		return nil, wrapMongoErr(err)
	}
	defer session.EndSession(ctx)

	res, err := session.WithTransaction(ctx, fn)
	if err != nil {
		return nil, wrapMongoErr(err)
	}
	return res, nil
}

func (r *MongoStore) now() time.Time {
	return r.clock.Now().UTC().Truncate(time.Millisecond)
}

// wrapMongoErr maps driver errors onto the models taxonomy.
func wrapMongoErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, mongo.ErrNoDocuments):
		return models.ErrNotFound
	case errors.Is(err, models.ErrConflict), errors.Is(err, models.ErrDuplicateTicket),
		errors.Is(err, models.ErrNotFound), errors.Is(err, models.ErrTransientIO):
		return err
	case mongo.IsNetworkError(err), mongo.IsTimeout(err), errors.Is(err, context.DeadlineExceeded):
		return &transientError{err: err}
	default:
		return err
	}
}

// transientError matches models.ErrTransientIO while keeping a single
// Unwrap chain to the driver error, so WithTransaction still sees its
// labels.
type transientError struct{ err error }

func (e *transientError) Error() string { return models.ErrTransientIO.Error() + ": " + e.err.Error() }

func (e *transientError) Unwrap() error { return e.err }

func (e *transientError) Is(target error) bool { return target == models.ErrTransientIO }
