package services

import (
	"context"
	"errors"
	"sync"

	"famfin/support-service/internal/models"
	"famfin/support-service/internal/repository"

	"github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

type EventKind string

const (
	EventMessage      EventKind = "message"
	EventConversation EventKind = "conversation"
)

// Event is what the broker fans out, locally and across instances.
type Event struct {
	Kind           EventKind            `json:"kind"`
	ConversationID string               `json:"conversation_id"`
	Message        *models.Message      `json:"message,omitempty"`
	Conversation   *models.Conversation `json:"conversation,omitempty"`
	Origin         string               `json:"origin,omitempty"`
}

// EventRelay forwards locally published events to other instances.
type EventRelay interface {
	Publish(ctx context.Context, ev Event) error
}

// Delivery is one message handed to a stream subscriber. Replay is set for
// history loaded at subscribe time.
type Delivery struct {
	Message models.Message
	Replay  bool
}

// ErrLagged closes a stream whose subscriber fell behind its buffer. The
// subscriber resubscribes from its cursor.
var ErrLagged = errors.New("subscriber lagged behind")

const DefaultSubscriberBuffer = 64

type messageSub struct {
	live   chan models.Message
	mu     sync.Mutex
	closed bool
}

type watchSub struct {
	dirty chan struct{}
}

// Broker fans out appended messages and conversation changes to live
// subscribers. Delivery is at-least-once; every stream de-duplicates by
// message id before handing messages on.
type Broker struct {
	store      repository.ConversationStore
	bufferSize int
	log        *logrus.Entry

	mu       sync.RWMutex
	msgSubs  map[primitive.ObjectID]map[*messageSub]struct{}
	watchers map[*watchSub]struct{}
	relay    EventRelay
}

func NewBroker(store repository.ConversationStore, bufferSize int, log *logrus.Entry) *Broker {
	if bufferSize <= 0 {
		bufferSize = DefaultSubscriberBuffer
	}
	return &Broker{
		store:      store,
		bufferSize: bufferSize,
		log:        log.WithField("component", "broker"),
		msgSubs:    make(map[primitive.ObjectID]map[*messageSub]struct{}),
		watchers:   make(map[*watchSub]struct{}),
	}
}

func (b *Broker) AttachRelay(relay EventRelay) {
	b.mu.Lock()
	b.relay = relay
	b.mu.Unlock()
}

// Publish delivers ev to local subscribers and hands it to the relay.
func (b *Broker) Publish(ctx context.Context, ev Event) {
	b.Deliver(ev)

	b.mu.RLock()
	relay := b.relay
	b.mu.RUnlock()
	if relay != nil {
		if err := relay.Publish(ctx, ev); err != nil {
			b.log.WithError(err).WithField("conversation_id", ev.ConversationID).Warn("relay publish failed")
		}
	}
}

// Deliver fans ev out to local subscribers only. Remote events enter here.
func (b *Broker) Deliver(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if ev.Kind == EventMessage && ev.Message != nil {
		for sub := range b.msgSubs[ev.Message.ConversationID] {
			sub.offer(*ev.Message)
		}
	}
	for w := range b.watchers {
		select {
		case w.dirty <- struct{}{}:
		default:
		}
	}
}

func (s *messageSub) offer(msg models.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.live <- msg:
	default:
		s.closed = true
		close(s.live)
	}
}

func (s *messageSub) shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.live)
	}
}

// MessageStream is a replay-then-live feed of one conversation.
type MessageStream struct {
	C <-chan Delivery

	mu  sync.Mutex
	err error
}

// Err reports why C was closed: ErrLagged, a store error or the context error.
func (s *MessageStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *MessageStream) setErr(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

// SubscribeMessages replays every message with Seq > afterSeq and then
// continues with live deliveries until ctx is done.
func (b *Broker) SubscribeMessages(ctx context.Context, conversationID primitive.ObjectID, afterSeq int64) (*MessageStream, error) {
	sub := &messageSub{live: make(chan models.Message, b.bufferSize)}

	// Register before loading history so nothing appended in between is lost.
	b.mu.Lock()
	if b.msgSubs[conversationID] == nil {
		b.msgSubs[conversationID] = make(map[*messageSub]struct{})
	}
	b.msgSubs[conversationID][sub] = struct{}{}
	b.mu.Unlock()

	history, err := b.store.ListMessages(ctx, conversationID, afterSeq)
	if err != nil {
		b.unsubscribe(conversationID, sub)
		return nil, err
	}

	out := make(chan Delivery)
	stream := &MessageStream{C: out}
	go func() {
		defer close(out)
		defer b.unsubscribe(conversationID, sub)

		seen := make(map[primitive.ObjectID]struct{}, len(history))
		emit := func(d Delivery) bool {
			if _, dup := seen[d.Message.ID]; dup {
				return true
			}
			seen[d.Message.ID] = struct{}{}
			select {
			case out <- d:
				return true
			case <-ctx.Done():
				stream.setErr(ctx.Err())
				return false
			}
		}

		for _, msg := range history {
			if !emit(Delivery{Message: msg, Replay: true}) {
				return
			}
		}
		for {
			select {
			case msg, ok := <-sub.live:
				if !ok {
					stream.setErr(ErrLagged)
					return
				}
				if msg.Seq <= afterSeq {
					continue
				}
				if !emit(Delivery{Message: msg}) {
					return
				}
			case <-ctx.Done():
				stream.setErr(ctx.Err())
				return
			}
		}
	}()
	return stream, nil
}

func (b *Broker) unsubscribe(conversationID primitive.ObjectID, sub *messageSub) {
	b.mu.Lock()
	if subs, ok := b.msgSubs[conversationID]; ok {
		delete(subs, sub)
		if len(subs) == 0 {
			delete(b.msgSubs, conversationID)
		}
	}
	b.mu.Unlock()
	sub.shutdown()
}

// SubscriberCount is the number of live message subscribers of a conversation.
func (b *Broker) SubscriberCount(conversationID primitive.ObjectID) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.msgSubs[conversationID])
}

// Watch re-runs query whenever a conversation or message event is seen and
// sends the result when it differs from the last one sent. The first result
// is always sent. Events arriving while a query runs are coalesced.
func Watch[T any](ctx context.Context, b *Broker, query func(context.Context) (T, error), equal func(a, b T) bool) <-chan T {
	w := &watchSub{dirty: make(chan struct{}, 1)}
	w.dirty <- struct{}{}

	b.mu.Lock()
	b.watchers[w] = struct{}{}
	b.mu.Unlock()

	out := make(chan T)
	go func() {
		defer close(out)
		defer func() {
			b.mu.Lock()
			delete(b.watchers, w)
			b.mu.Unlock()
		}()

		var last T
		sent := false
		for {
			select {
			case <-ctx.Done():
				return
			case <-w.dirty:
			}
			v, err := query(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				b.log.WithError(err).Warn("watch query failed")
				continue
			}
			if sent && equal(last, v) {
				continue
			}
			select {
			case out <- v:
				last, sent = v, true
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}
