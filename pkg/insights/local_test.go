package insights

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-go-golems/rebuttal/pkg/persistence/sessionstore"
	"github.com/pkg/errors"
	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/require"
)

type scriptedChat struct {
	mu       sync.Mutex
	replies  []string
	err      error
	requests []openai.ChatCompletionRequest
}

func (c *scriptedChat) CreateChatCompletion(_ context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requests = append(c.requests, req)
	if c.err != nil {
		return openai.ChatCompletionResponse{}, c.err
	}
	reply := ""
	if len(c.replies) > 0 {
		reply = c.replies[0]
		c.replies = c.replies[1:]
	}
	return openai.ChatCompletionResponse{
		Choices: []openai.ChatCompletionChoice{{Message: openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: reply}}},
	}, nil
}

func testModels() (ModelSettings, ModelSettings) {
	return ModelSettings{APIKey: "k", Model: DefaultRouterModel, Temperature: 0.3},
		ModelSettings{APIKey: "k", Model: DefaultGeneratorModel, Temperature: 0.5}
}

func seedSession(t *testing.T, store *sessionstore.InMemoryStore, transcripts ...string) (sessionstore.Session, []sessionstore.Turn) {
	t.Helper()
	ctx := context.Background()
	sess, err := store.CreateSession(ctx, sessionstore.NewSession{})
	require.NoError(t, err)
	var turns []sessionstore.Turn
	for _, text := range transcripts {
		turn, err := store.AppendTurn(ctx, sessionstore.NewTurn{SessionID: sess.ID, Transcript: text, IsFormatted: true})
		require.NoError(t, err)
		turns = append(turns, turn)
	}
	return sess, turns
}

func TestLocalPipeline_GeneratesPersistsAndPublishes(t *testing.T) {
	store := sessionstore.NewInMemoryStore()
	sess, turns := seedSession(t, store, "The moon is made of cheese.", "Everyone knows that.")
	_, err := store.InsertInsight(context.Background(), sessionstore.NewInsight{
		SessionID: sess.ID, TriggerTurnID: turns[0].ID, Title: "Moon", NotificationBody: "It is rock.",
	})
	require.NoError(t, err)

	router := &scriptedChat{replies: []string{"```json\n{\"should_generate\": true, \"reason\": \"checkable claim\"}\n```"}}
	generator := &scriptedChat{replies: []string{`{"title":"Consensus is not evidence","notification_body":"Popularity does not make a claim true.","expanded_body":"Longer text."}`}}
	pub := &recordingPublisher{}
	rs, gs := testModels()
	p := NewLocalPipeline(store, rs, gs, WithChatClients(router, generator), WithPublisher(pub))

	resp, err := p.Generate(context.Background(), Request{SessionID: sess.ID, TriggerTurnID: turns[1].ID})
	require.NoError(t, err)
	require.NotNil(t, resp.Insight)
	require.Equal(t, "Consensus is not evidence", resp.Insight.Title)
	require.Equal(t, turns[1].ID, resp.Insight.TriggerTurnID)
	require.Equal(t, 1, pub.count())

	saved, err := store.ListInsights(context.Background(), sess.ID)
	require.NoError(t, err)
	require.Len(t, saved, 2)

	require.Len(t, router.requests, 1)
	req := router.requests[0]
	require.Equal(t, DefaultRouterModel, req.Model)
	require.InDelta(t, 0.3, req.Temperature, 1e-6)
	user := req.Messages[1].Content
	require.Contains(t, user, "[Turn 1]: The moon is made of cheese.")
	require.Contains(t, user, "[Turn 2]: Everyone knows that.")
	require.Contains(t, user, "=== PREVIOUSLY GENERATED INSIGHTS ===")
	require.Contains(t, user, "[After Turn 1] Moon: It is rock.")
	require.InDelta(t, 0.5, generator.requests[0].Temperature, 1e-6)
}

func TestLocalPipeline_RouterDeclines(t *testing.T) {
	store := sessionstore.NewInMemoryStore()
	sess, turns := seedSession(t, store, "hi")
	router := &scriptedChat{replies: []string{`{"should_generate": false, "reason": "small talk"}`}}
	generator := &scriptedChat{}
	rs, gs := testModels()
	p := NewLocalPipeline(store, rs, gs, WithChatClients(router, generator))

	resp, err := p.Generate(context.Background(), Request{SessionID: sess.ID, TriggerTurnID: turns[0].ID})
	require.NoError(t, err)
	require.Nil(t, resp.Insight)
	require.Equal(t, "small talk", resp.Reason)
	require.Empty(t, generator.requests)
}

func TestLocalPipeline_MalformedRouterOutput(t *testing.T) {
	store := sessionstore.NewInMemoryStore()
	sess, turns := seedSession(t, store, "hi")
	router := &scriptedChat{replies: []string{"```json\n{not json\n```"}}
	rs, gs := testModels()
	p := NewLocalPipeline(store, rs, gs, WithChatClients(router, &scriptedChat{}))

	resp, err := p.Generate(context.Background(), Request{SessionID: sess.ID, TriggerTurnID: turns[0].ID})
	require.Error(t, err)
	require.Nil(t, resp.Insight)
	require.True(t, errors.Is(err, ErrPipeline))
	require.True(t, errors.Is(err, ErrMalformedOutput))
	require.True(t, strings.Contains(err.Error(), "parse error"))
	reason, ok := MalformedReason(err)
	require.True(t, ok)
	require.Equal(t, "Router response parse error", reason)
}

func TestLocalPipeline_IncompleteGeneratorOutput(t *testing.T) {
	store := sessionstore.NewInMemoryStore()
	sess, turns := seedSession(t, store, "hi")
	router := &scriptedChat{replies: []string{`{"should_generate": true, "reason": "x"}`}}
	generator := &scriptedChat{replies: []string{`{"title": ""}`}}
	rs, gs := testModels()
	p := NewLocalPipeline(store, rs, gs, WithChatClients(router, generator))

	_, err := p.Generate(context.Background(), Request{SessionID: sess.ID, TriggerTurnID: turns[0].ID})
	require.True(t, errors.Is(err, ErrMalformedOutput))
	reason, _ := MalformedReason(err)
	require.Equal(t, "Generator returned incomplete insight", reason)
	saved, err := store.ListInsights(context.Background(), sess.ID)
	require.NoError(t, err)
	require.Empty(t, saved)
}

func TestLocalPipeline_NoTurnsAndUnknownTrigger(t *testing.T) {
	store := sessionstore.NewInMemoryStore()
	empty, _ := seedSession(t, store)
	sess, _ := seedSession(t, store, "hi")
	rs, gs := testModels()
	p := NewLocalPipeline(store, rs, gs, WithChatClients(&scriptedChat{}, &scriptedChat{}))

	resp, err := p.Generate(context.Background(), Request{SessionID: empty.ID, TriggerTurnID: "t"})
	require.NoError(t, err)
	require.Equal(t, "No turns found", resp.Reason)

	resp, err = p.Generate(context.Background(), Request{SessionID: sess.ID, TriggerTurnID: "missing"})
	require.NoError(t, err)
	require.Equal(t, "Trigger turn not found", resp.Reason)
}

func TestLocalPipeline_ContextWindowAndMissingKey(t *testing.T) {
	store := sessionstore.NewInMemoryStore()
	texts := make([]string, 20)
	for i := range texts {
		texts[i] = "turn"
	}
	sess, turns := seedSession(t, store, texts...)
	router := &scriptedChat{replies: []string{`{"should_generate": false, "reason": "no"}`}}
	rs, gs := testModels()
	p := NewLocalPipeline(store, rs, gs, WithChatClients(router, &scriptedChat{}), WithPipelineClock(func() time.Time { return time.Unix(0, 0) }))

	_, err := p.Generate(context.Background(), Request{SessionID: sess.ID, TriggerTurnID: turns[19].ID})
	require.NoError(t, err)
	user := router.requests[0].Messages[1].Content
	require.NotContains(t, user, "[Turn 4]:")
	require.Contains(t, user, "[Turn 5]:")
	require.Contains(t, user, "[Turn 20]:")

	rs.APIKey = ""
	p = NewLocalPipeline(store, rs, gs, WithChatClients(router, &scriptedChat{}))
	_, err = p.Generate(context.Background(), Request{SessionID: sess.ID, TriggerTurnID: turns[0].ID})
	require.True(t, errors.Is(err, ErrPipeline))
}
