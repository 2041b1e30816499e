package eventbus

import (
	"context"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestBuild_InProcessRoundTrip(t *testing.T) {
	bus, err := Build(DefaultSettings())
	require.NoError(t, err)
	t.Cleanup(func() { _ = bus.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := bus.Subscriber.Subscribe(ctx, "topic")
	require.NoError(t, err)

	msg := message.NewMessage(uuid.NewString(), []byte(`{"ok":true}`))
	msg.Metadata.Set("session_id", "s1")
	require.NoError(t, bus.Publisher.Publish("topic", msg))

	select {
	case got := <-ch:
		require.Equal(t, `{"ok":true}`, string(got.Payload))
		require.Equal(t, "s1", got.Metadata.Get("session_id"))
		got.Ack()
	case <-time.After(2 * time.Second):
		t.Fatal("message not delivered")
	}
}

func TestSettings_Validate(t *testing.T) {
	require.NoError(t, Settings{}.Validate())
	require.Error(t, Settings{Enabled: true}.Validate())
	require.Error(t, Settings{Enabled: true, Addr: "localhost:6379"}.Validate())
	s := DefaultSettings()
	s.Enabled = true
	require.NoError(t, s.Validate())
}
