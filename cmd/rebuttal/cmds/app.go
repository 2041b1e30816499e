package cmds

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-go-golems/rebuttal/pkg/config"
	"github.com/go-go-golems/rebuttal/pkg/eventbus"
	"github.com/go-go-golems/rebuttal/pkg/insights"
	"github.com/go-go-golems/rebuttal/pkg/ledger"
	"github.com/go-go-golems/rebuttal/pkg/metrics"
	"github.com/go-go-golems/rebuttal/pkg/persistence/sessionstore"
	"github.com/go-go-golems/rebuttal/pkg/recording"
	"github.com/go-go-golems/rebuttal/pkg/transcription"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// app is the wired object graph behind record and serve.
type app struct {
	settings     config.Settings
	store        sessionstore.Store
	bus          *eventbus.Bus
	notifier     *insights.Notifier
	metrics      *metrics.Metrics
	pipeline     insights.Pipeline
	trigger      *insights.Trigger
	orchestrator *recording.Orchestrator
}

func openStore(s config.DatabaseSettings) (sessionstore.Store, error) {
	path := strings.TrimSpace(s.Path)
	if path == ":memory:" {
		log.Warn().Str("component", "cli").Msg("using in-memory session store, nothing will be kept")
		return sessionstore.NewInMemoryStore(), nil
	}
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.Wrap(err, "create database directory")
		}
	}
	dsn, err := sessionstore.SQLiteDSNForFile(path)
	if err != nil {
		return nil, err
	}
	store, err := sessionstore.NewSQLiteStore(dsn)
	if err != nil {
		return nil, errors.Wrapf(err, "open database %s", path)
	}
	return store, nil
}

// buildPipeline returns nil when insights are off.
func buildPipeline(s config.InsightsSettings, store sessionstore.Store, publisher insights.InsightPublisher) insights.Pipeline {
	switch s.Mode {
	case config.InsightsLocal:
		opts := []insights.LocalOption{insights.WithContextTurns(s.ContextTurns)}
		if publisher != nil {
			opts = append(opts, insights.WithPublisher(publisher))
		}
		return insights.NewLocalPipeline(store, s.Router, s.Generator, opts...)
	case config.InsightsRemote:
		return insights.NewRemotePipeline(s.Endpoint, s.APIKey, s.Timeout)
	}
	return nil
}

// newApp wires store, bus, pipeline, trigger and orchestrator.
func newApp(ctx context.Context, s config.Settings) (*app, error) {
	store, err := openStore(s.Database)
	if err != nil {
		return nil, err
	}
	a := &app{settings: s, store: store, metrics: metrics.New()}

	if s.Redis.Enabled {
		if err := eventbus.EnsureGroupAtTail(ctx, s.Redis.Addr, insights.Topic, s.Redis.Group); err != nil {
			_ = a.Close()
			return nil, errors.Wrap(err, "prepare insight stream")
		}
	}
	bus, err := eventbus.Build(s.Redis)
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	a.bus = bus
	a.notifier = insights.NewNotifier(bus.Publisher, bus.Subscriber)

	a.pipeline = buildPipeline(s.Insights, store, a.notifier)
	var trigger recording.InsightTrigger
	if a.pipeline != nil {
		opts := []insights.TriggerOption{
			insights.WithObserver(a.metrics),
			insights.WithRequestTimeout(s.Insights.Timeout),
			insights.WithFailureHandler(func(sessionID string, err error) {
				a.orchestrator.PipelineFailed(sessionID, err)
			}),
		}
		if s.Insights.Mode == config.InsightsRemote {
			// the remote side persists but cannot reach our bus
			opts = append(opts, insights.WithResultPublisher(a.notifier))
		}
		a.trigger = insights.NewTrigger(a.pipeline, opts...)
		trigger = a.trigger
	}

	ts := s.Transcription
	a.orchestrator = recording.New(
		store,
		ledger.New(store),
		func() recording.Link { return transcription.NewLink(ts) },
		trigger,
		recording.Config{UserID: s.UserID},
		recording.WithObserver(a.metrics),
	)
	if err := a.orchestrator.WatchInsights(ctx, a.notifier); err != nil {
		_ = a.Close()
		return nil, err
	}
	log.Info().
		Str("component", "cli").
		Str("database", s.Database.Path).
		Str("insights", s.Insights.Mode).
		Bool("redis", s.Redis.Enabled).
		Msg("rebuttal wired")
	return a, nil
}

// drainInsights waits for outstanding insight requests so their results reach the
// store and the view before shutdown.
func (a *app) drainInsights(timeout time.Duration) {
	if a.trigger == nil || a.trigger.InFlight() == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	log.Info().Str("component", "cli").Int("in_flight", a.trigger.InFlight()).Msg("waiting for insight requests")
	if err := a.trigger.Wait(ctx); err != nil {
		log.Warn().Err(err).Str("component", "cli").Msg("gave up waiting for insight requests")
	}
}

// shutdown ends the live session first. Its final turns start insight requests,
// which are drained before the bus and the store close.
func (a *app) shutdown(ctx context.Context, drain time.Duration) error {
	if a.orchestrator != nil {
		if err := a.orchestrator.Shutdown(ctx); err != nil {
			log.Warn().Err(err).Str("component", "cli").Msg("ending session on shutdown failed")
		}
	}
	a.drainInsights(drain)
	return a.Close()
}

func (a *app) Close() error {
	var first error
	if a.orchestrator != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := a.orchestrator.Shutdown(ctx); err != nil {
			first = err
		}
		cancel()
	}
	if err := a.bus.Close(); err != nil && first == nil {
		first = err
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
