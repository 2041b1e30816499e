package insights

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/go-go-golems/rebuttal/pkg/persistence/sessionstore"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	openai "github.com/sashabaranov/go-openai"
)

const (
	DefaultBaseURL        = "https://openrouter.ai/api/v1"
	DefaultRouterModel    = "google/gemini-2.5-flash-lite"
	DefaultGeneratorModel = "perplexity/sonar"
	DefaultContextTurns   = 16
)

// ModelSettings configures one OpenAI-compatible chat completion endpoint.
type ModelSettings struct {
	BaseURL     string  `mapstructure:"base-url"`
	APIKey      string  `mapstructure:"api-key"`
	Model       string  `mapstructure:"model"`
	Temperature float32 `mapstructure:"temperature"`
}

// ChatCompleter is the part of the go-openai client the pipeline uses.
type ChatCompleter interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// NewChatClient builds a go-openai client for an OpenAI-compatible endpoint.
func NewChatClient(s ModelSettings) ChatCompleter {
	cfg := openai.DefaultConfig(s.APIKey)
	if s.BaseURL != "" {
		cfg.BaseURL = strings.TrimRight(s.BaseURL, "/")
	}
	return openai.NewClientWithConfig(cfg)
}

// PipelineStore is what the in-process pipeline reads and writes.
type PipelineStore interface {
	GetTurn(ctx context.Context, turnID string) (sessionstore.Turn, error)
	RecentTurns(ctx context.Context, sessionID string, n int) ([]sessionstore.Turn, error)
	ListInsightsForTurns(ctx context.Context, sessionID string, turnIDs []string) ([]sessionstore.Insight, error)
	InsertInsight(ctx context.Context, in sessionstore.NewInsight) (sessionstore.Insight, error)
}

// InsightPublisher announces persisted insights.
type InsightPublisher interface {
	Publish(ctx context.Context, ins sessionstore.Insight) error
}

// LocalPipeline runs the router and generator stages in-process, persists accepted
// insights, and publishes them.
type LocalPipeline struct {
	store        PipelineStore
	router       ChatCompleter
	generator    ChatCompleter
	routerCfg    ModelSettings
	generatorCfg ModelSettings
	contextTurns int
	publisher    InsightPublisher
	now          func() time.Time
}

var _ Pipeline = &LocalPipeline{}

type LocalOption func(*LocalPipeline)

func WithPublisher(p InsightPublisher) LocalOption {
	return func(lp *LocalPipeline) { lp.publisher = p }
}

func WithContextTurns(n int) LocalOption {
	return func(lp *LocalPipeline) {
		if n > 0 {
			lp.contextTurns = n
		}
	}
}

// WithChatClients replaces the clients built from the model settings.
func WithChatClients(router, generator ChatCompleter) LocalOption {
	return func(lp *LocalPipeline) {
		lp.router = router
		lp.generator = generator
	}
}

func WithPipelineClock(now func() time.Time) LocalOption {
	return func(lp *LocalPipeline) {
		if now != nil {
			lp.now = now
		}
	}
}

func NewLocalPipeline(store PipelineStore, router, generator ModelSettings, opts ...LocalOption) *LocalPipeline {
	lp := &LocalPipeline{
		store:        store,
		routerCfg:    router,
		generatorCfg: generator,
		contextTurns: DefaultContextTurns,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(lp)
	}
	if lp.router == nil {
		lp.router = NewChatClient(router)
	}
	if lp.generator == nil {
		lp.generator = NewChatClient(generator)
	}
	return lp
}

type routerDecision struct {
	ShouldGenerate bool   `json:"should_generate"`
	Reason         string `json:"reason"`
}

type generatedInsight struct {
	Title            string `json:"title"`
	NotificationBody string `json:"notification_body"`
	ExpandedBody     string `json:"expanded_body"`
}

func (p *LocalPipeline) Generate(ctx context.Context, req Request) (Response, error) {
	if p == nil || p.store == nil {
		return Response{}, pipelineErr(errors.New("pipeline is not configured"), "generate")
	}
	if req.SessionID == "" || req.TriggerTurnID == "" {
		return Response{}, pipelineErr(errors.New("session_id and trigger_turn_id are required"), "generate")
	}
	if p.routerCfg.APIKey == "" || p.generatorCfg.APIKey == "" {
		return Response{}, pipelineErr(errors.New("model api key not configured"), "generate")
	}

	turns, err := p.store.RecentTurns(ctx, req.SessionID, p.contextTurns)
	if err != nil {
		return Response{}, pipelineErr(err, "load turns")
	}
	if len(turns) == 0 {
		return Response{Reason: "No turns found"}, nil
	}

	trigger, ok := findTurn(turns, req.TriggerTurnID)
	if !ok {
		trigger, err = p.store.GetTurn(ctx, req.TriggerTurnID)
		if errors.Is(err, sessionstore.ErrNotFound) || (err == nil && trigger.SessionID != req.SessionID) {
			return Response{Reason: "Trigger turn not found"}, nil
		}
		if err != nil {
			return Response{}, pipelineErr(err, "load trigger turn")
		}
	}

	turnIDs := make([]string, 0, len(turns))
	for _, t := range turns {
		turnIDs = append(turnIDs, t.ID)
	}
	prior, err := p.store.ListInsightsForTurns(ctx, req.SessionID, turnIDs)
	if err != nil {
		return Response{}, pipelineErr(err, "load previous insights")
	}
	convo := conversationContext(turns, prior)

	var decision routerDecision
	if err := p.complete(ctx, "Router", p.router, p.routerCfg, routerSystemPrompt, routerUserPrompt(convo, trigger), &decision); err != nil {
		return Response{}, errors.Wrap(err, "router")
	}
	logger := log.With().
		Str("component", "insights").
		Str("session_id", req.SessionID).
		Str("turn_id", req.TriggerTurnID).
		Logger()
	if !decision.ShouldGenerate {
		logger.Debug().Str("reason", decision.Reason).Msg("router declined")
		return Response{Reason: decision.Reason}, nil
	}

	var gen generatedInsight
	if err := p.complete(ctx, "Generator", p.generator, p.generatorCfg, generatorSystemPrompt, generatorUserPrompt(convo, trigger, decision.Reason), &gen); err != nil {
		return Response{}, errors.Wrap(err, "generator")
	}
	if strings.TrimSpace(gen.Title) == "" || strings.TrimSpace(gen.NotificationBody) == "" {
		return Response{}, &MalformedError{Reason: "Generator returned incomplete insight"}
	}

	ins, err := p.store.InsertInsight(ctx, sessionstore.NewInsight{
		SessionID:        req.SessionID,
		TriggerTurnID:    trigger.ID,
		Title:            strings.TrimSpace(gen.Title),
		NotificationBody: strings.TrimSpace(gen.NotificationBody),
		ExpandedBody:     strings.TrimSpace(gen.ExpandedBody),
		CreatedAt:        p.now(),
	})
	if err != nil {
		return Response{}, pipelineErr(err, "save insight")
	}
	logger.Info().Str("insight_id", ins.ID).Str("title", ins.Title).Msg("insight generated")

	if p.publisher != nil {
		if err := p.publisher.Publish(ctx, ins); err != nil {
			// the insight is saved; readers will still see it on the next load
			logger.Warn().Err(err).Str("insight_id", ins.ID).Msg("insight notification failed")
		}
	}
	return Response{Insight: &ins}, nil
}

func (p *LocalPipeline) complete(ctx context.Context, stage string, client ChatCompleter, cfg ModelSettings, system, user string, out any) error {
	resp, err := client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       cfg.Model,
		Temperature: cfg.Temperature,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: user},
		},
	})
	if err != nil {
		return pipelineErr(err, "chat completion")
	}
	if len(resp.Choices) == 0 {
		return &MalformedError{Reason: stage + " returned no choices"}
	}
	content := StripCodeFences(resp.Choices[0].Message.Content)
	if err := json.Unmarshal([]byte(content), out); err != nil {
		return &MalformedError{Reason: stage + " response parse error", Err: err}
	}
	return nil
}

func findTurn(turns []sessionstore.Turn, id string) (sessionstore.Turn, bool) {
	for _, t := range turns {
		if t.ID == id {
			return t, true
		}
	}
	return sessionstore.Turn{}, false
}
