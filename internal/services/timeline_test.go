package services

import (
	"testing"
	"time"

	"famfin/support-service/internal/models"

	"github.com/stretchr/testify/assert"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

func TestTimeline_DeduplicatesAndOrders(t *testing.T) {
	base := time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC)
	a := models.Message{ID: primitive.NewObjectID(), Seq: 1, CreatedAt: base, Text: "a"}
	b := models.Message{ID: primitive.NewObjectID(), Seq: 2, CreatedAt: base, Text: "b"}
	c := models.Message{ID: primitive.NewObjectID(), Seq: 3, CreatedAt: base.Add(time.Second), Text: "c"}

	tl := NewTimeline()
	assert.True(t, tl.Apply(c))
	assert.True(t, tl.Apply(a))
	assert.False(t, tl.Apply(a), "same id twice")
	assert.True(t, tl.Apply(b))
	assert.False(t, tl.Apply(c))

	var texts []string
	for _, m := range tl.Messages() {
		texts = append(texts, m.Text)
	}
	assert.Equal(t, []string{"a", "b", "c"}, texts)
	assert.Equal(t, 3, tl.Len())
	assert.Equal(t, int64(3), tl.LastSeq())
}

func TestTimeline_ReadFlagOnlyMovesForward(t *testing.T) {
	m := models.Message{ID: primitive.NewObjectID(), Seq: 1}
	tl := NewTimeline()
	tl.Apply(m)

	m.Read = true
	tl.Apply(m)
	assert.True(t, tl.Messages()[0].Read)

	m.Read = false
	tl.Apply(m)
	assert.True(t, tl.Messages()[0].Read)
}

func TestTimeline_ReplayPastGapIsLive(t *testing.T) {
	msg := func(seq int64) models.Message {
		return models.Message{ID: primitive.NewObjectID(), Seq: seq, SenderID: "user-1"}
	}
	seen, missed := msg(4), msg(5)

	tl := NewTimeline()
	assert.False(t, tl.Live(Delivery{Message: seen, Replay: true}))
	tl.Apply(seen)
	assert.True(t, tl.Live(Delivery{Message: missed}))

	tl.MarkGap()
	assert.False(t, tl.Live(Delivery{Message: seen, Replay: true}), "already shown before the gap")
	assert.True(t, tl.Live(Delivery{Message: missed, Replay: true}))

	notified := 0
	d := NewDispatcher("staff-1", func(models.Message) { notified++ })
	del := Delivery{Message: missed, Replay: true}
	del.Replay = !tl.Live(del)
	d.Handle(del)
	assert.Equal(t, 1, notified)
}
