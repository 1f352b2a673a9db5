package services

import (
	"sort"

	"famfin/support-service/internal/models"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Timeline is a consumer-side materialized view of one conversation:
// de-duplicated by message id and kept in (createdAt, seq) order.
type Timeline struct {
	byID     map[primitive.ObjectID]int
	messages []models.Message
	lastSeq  int64

	gapped   bool
	gapAfter int64
}

func NewTimeline() *Timeline {
	return &Timeline{byID: make(map[primitive.ObjectID]int)}
}

// Apply adds msg and reports whether it was new. A repeated id only
// refreshes the read flag, which can only move from false to true.
func (t *Timeline) Apply(msg models.Message) bool {
	if i, ok := t.byID[msg.ID]; ok {
		if msg.Read {
			t.messages[i].Read = true
		}
		return false
	}

	pos := sort.Search(len(t.messages), func(i int) bool { return msg.Before(&t.messages[i]) })
	t.messages = append(t.messages, models.Message{})
	copy(t.messages[pos+1:], t.messages[pos:])
	t.messages[pos] = msg
	for i := pos; i < len(t.messages); i++ {
		t.byID[t.messages[i].ID] = i
	}
	if msg.Seq > t.lastSeq {
		t.lastSeq = msg.Seq
	}
	return true
}

func (t *Timeline) Messages() []models.Message {
	out := make([]models.Message, len(t.messages))
	copy(out, t.messages)
	return out
}

func (t *Timeline) Len() int { return len(t.messages) }

// LastSeq is the highest sequence number applied so far.
func (t *Timeline) LastSeq() int64 { return t.lastSeq }

// MarkGap records that the live feed broke off at the current LastSeq, for
// example after the subscriber lagged and had to resubscribe.
func (t *Timeline) MarkGap() {
	t.gapped = true
	t.gapAfter = t.lastSeq
}

// Live reports whether del is live traffic. Replayed messages past a gap
// were never delivered live, so they count as live.
func (t *Timeline) Live(del Delivery) bool {
	return !del.Replay || (t.gapped && del.Message.Seq > t.gapAfter)
}
