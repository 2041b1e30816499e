package insights

import (
	"context"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/go-go-golems/rebuttal/pkg/persistence/sessionstore"
	"github.com/stretchr/testify/require"
)

func TestNotifier_PublishSubscribe(t *testing.T) {
	pubsub := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 8}, watermill.NopLogger{})
	t.Cleanup(func() { _ = pubsub.Close() })
	n := NewNotifier(pubsub, pubsub)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := n.Subscribe(ctx)
	require.NoError(t, err)

	// garbage on the topic is skipped
	require.NoError(t, pubsub.Publish(Topic, message.NewMessage("bad", []byte("{"))))

	want := sessionstore.Insight{ID: "i1", SessionID: "s1", TriggerTurnID: "t1", Title: "T", CreatedAt: time.UnixMilli(1_700_000_000_000).UTC()}
	require.NoError(t, n.Publish(ctx, want))

	select {
	case got := <-ch:
		require.Equal(t, want.ID, got.ID)
		require.Equal(t, want.SessionID, got.SessionID)
		require.True(t, want.CreatedAt.Equal(got.CreatedAt))
	case <-time.After(2 * time.Second):
		t.Fatal("insight not delivered")
	}

	cancel()
	require.Eventually(t, func() bool {
		_, ok := <-ch
		return !ok
	}, 2*time.Second, 10*time.Millisecond)
}
