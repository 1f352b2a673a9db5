package services

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRedisRelay_HandleSkipsOwnEvents(t *testing.T) {
	env := newTestEnv(t)
	id := openConversation(t, env, "Help me")
	relay := NewRedisRelay(nil, "", env.broker, testLogger())
	require.Equal(t, DefaultEventsChannel, relay.channel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stream, err := env.svc.SubscribeMessages(ctx, staff, id, 0)
	require.NoError(t, err)
	recvDelivery(t, stream.C)
	history := recvDelivery(t, stream.C)

	// A remote copy of a message this subscriber already has is dropped by
	// stream de-duplication.
	remote := Event{Kind: EventMessage, ConversationID: id.Hex(), Message: &history.Message, Origin: "other-instance"}
	payload, err := json.Marshal(remote)
	require.NoError(t, err)
	relay.handle(payload)
	expectNoDelivery(t, stream.C)

	// A new remote message goes through.
	fresh := history.Message
	fresh.ID[11]++
	fresh.Seq += 100
	fresh.Text = "from another node"
	remote.Message = &fresh
	payload, err = json.Marshal(remote)
	require.NoError(t, err)
	relay.handle(payload)
	d := recvDelivery(t, stream.C)
	require.Equal(t, "from another node", d.Message.Text)

	// Echoes of our own publications are ignored.
	own := fresh
	own.ID[11]++
	own.Text = "echo"
	remote.Message = &own
	remote.Origin = relay.InstanceID()
	payload, err = json.Marshal(remote)
	require.NoError(t, err)
	relay.handle(payload)
	expectNoDelivery(t, stream.C)

	relay.handle([]byte("not json"))
	expectNoDelivery(t, stream.C)
}
