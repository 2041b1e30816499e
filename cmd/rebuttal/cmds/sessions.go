package cmds

import (
	"context"
	"strings"

	"github.com/go-go-golems/glazed/pkg/cli"
	glazedcmds "github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/fields"
	"github.com/go-go-golems/glazed/pkg/cmds/sources"
	"github.com/go-go-golems/glazed/pkg/cmds/values"
	"github.com/go-go-golems/glazed/pkg/middlewares"
	"github.com/go-go-golems/glazed/pkg/settings"
	"github.com/go-go-golems/glazed/pkg/types"
	"github.com/go-go-golems/rebuttal/pkg/config"
	"github.com/go-go-golems/rebuttal/pkg/persistence/sessionstore"
	"github.com/go-go-golems/rebuttal/pkg/timeline"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

const timeLayout = "2006-01-02 15:04:05"

// rowSink is the part of a glaze processor the read-only commands write to.
type rowSink interface {
	AddRow(ctx context.Context, row types.Row) error
}

func newSessionsCommand(r *root) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Browse recorded sessions",
	}

	listCmd, err := NewSessionsListCommand(r)
	cobra.CheckErr(err)
	showCmd, err := NewSessionsShowCommand(r)
	cobra.CheckErr(err)

	cobraListCmd, err := cli.BuildCobraCommand(listCmd, cli.WithCobraMiddlewaresFunc(glazedMiddlewares))
	cobra.CheckErr(err)
	cobraShowCmd, err := cli.BuildCobraCommand(showCmd, cli.WithCobraMiddlewaresFunc(glazedMiddlewares))
	cobra.CheckErr(err)

	cmd.AddCommand(cobraListCmd, cobraShowCmd)
	return cmd
}

func glazedMiddlewares(
	_ *values.Values,
	cmd *cobra.Command,
	args []string,
) ([]sources.Middleware, error) {
	return []sources.Middleware{
		sources.FromCobra(cmd),
		sources.FromArgs(args),
		sources.FromEnv(config.EnvPrefix,
			fields.WithSource("env"),
		),
		sources.FromDefaults(),
	}, nil
}

// withStore opens the configured store for the duration of fn.
func withStore(ctx context.Context, r *root, fn func(ctx context.Context, s config.Settings, store sessionstore.Store) error) error {
	s, err := r.settings()
	if err != nil {
		return err
	}
	store, err := openStore(s.Database)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()
	return fn(ctx, s, store)
}

type SessionsListCommand struct {
	*glazedcmds.CommandDescription
	r *root
}

type SessionsListSettings struct {
	Limit int `glazed:"limit"`
}

func NewSessionsListCommand(r *root) (*SessionsListCommand, error) {
	glazedSection, err := settings.NewGlazedSection()
	if err != nil {
		return nil, err
	}
	commandSettingsSection, err := cli.NewCommandSettingsSection()
	if err != nil {
		return nil, err
	}

	desc := glazedcmds.NewCommandDescription(
		"list",
		glazedcmds.WithShort("List sessions, newest first"),
		glazedcmds.WithLong("List recorded sessions of the configured user with their durations and status."),
		glazedcmds.WithFlags(
			fields.New(
				"limit",
				fields.TypeInteger,
				fields.WithDefault(20),
				fields.WithHelp("Maximum number of sessions (0 = no limit)"),
			),
		),
		glazedcmds.WithSections(glazedSection, commandSettingsSection),
	)
	return &SessionsListCommand{CommandDescription: desc, r: r}, nil
}

func (c *SessionsListCommand) RunIntoGlazeProcessor(
	ctx context.Context,
	parsedValues *values.Values,
	gp middlewares.Processor,
) error {
	s := &SessionsListSettings{}
	if err := parsedValues.DecodeSectionInto(values.DefaultSlug, s); err != nil {
		return err
	}
	return withStore(ctx, c.r, func(ctx context.Context, cfg config.Settings, store sessionstore.Store) error {
		return listSessions(ctx, store, cfg.UserID, s.Limit, gp)
	})
}

func listSessions(ctx context.Context, store sessionstore.Store, userID string, limit int, sink rowSink) error {
	sessions, err := store.ListSessions(ctx, sessionstore.SessionQuery{UserID: userID, Limit: limit})
	if err != nil {
		return err
	}
	for _, s := range sessions {
		if err := sink.AddRow(ctx, sessionRow(s)); err != nil {
			return err
		}
	}
	return nil
}

func sessionRow(s sessionstore.Session) types.Row {
	status := "ended"
	if s.Active() {
		status = "active"
	}
	return types.NewRow(
		types.MRP("id", s.ID),
		types.MRP("started_at", s.StartedAt.Local().Format(timeLayout)),
		types.MRP("title", s.Title),
		types.MRP("audio_duration", timeline.FormatDuration(s.AudioDurationSeconds)),
		types.MRP("session_duration", timeline.FormatDuration(s.SessionDurationSeconds)),
		types.MRP("status", status),
	)
}

type SessionsShowCommand struct {
	*glazedcmds.CommandDescription
	r *root
}

type SessionsShowSettings struct {
	SessionID string `glazed:"session-id"`
}

func NewSessionsShowCommand(r *root) (*SessionsShowCommand, error) {
	glazedSection, err := settings.NewGlazedSection()
	if err != nil {
		return nil, err
	}
	commandSettingsSection, err := cli.NewCommandSettingsSection()
	if err != nil {
		return nil, err
	}

	desc := glazedcmds.NewCommandDescription(
		"show",
		glazedcmds.WithShort("Show a session's transcript interleaved with its insights"),
		glazedcmds.WithLong("Emit one row per timeline entry of a session: turns in order, each insight after the turn it answers."),
		glazedcmds.WithArguments(
			fields.New(
				"session-id",
				fields.TypeString,
				fields.WithHelp("Session ID"),
				fields.WithRequired(true),
			),
		),
		glazedcmds.WithSections(glazedSection, commandSettingsSection),
	)
	return &SessionsShowCommand{CommandDescription: desc, r: r}, nil
}

func (c *SessionsShowCommand) RunIntoGlazeProcessor(
	ctx context.Context,
	parsedValues *values.Values,
	gp middlewares.Processor,
) error {
	s := &SessionsShowSettings{}
	if err := parsedValues.DecodeSectionInto(values.DefaultSlug, s); err != nil {
		return err
	}
	id := strings.TrimSpace(s.SessionID)
	if id == "" {
		return errors.New("session-id is required")
	}
	return withStore(ctx, c.r, func(ctx context.Context, _ config.Settings, store sessionstore.Store) error {
		return showSession(ctx, store, id, gp)
	})
}

func showSession(ctx context.Context, store sessionstore.Store, id string, sink rowSink) error {
	if _, err := store.GetSession(ctx, id); err != nil {
		return err
	}
	turns, err := store.ListTurns(ctx, id)
	if err != nil {
		return err
	}
	ins, err := store.ListInsights(ctx, id)
	if err != nil {
		return err
	}
	for _, row := range timelineRows(turns, ins) {
		if err := sink.AddRow(ctx, row); err != nil {
			return err
		}
	}
	return nil
}

// timelineRows gives insights the turn order of the turn that triggered them.
func timelineRows(turns []sessionstore.Turn, ins []sessionstore.Insight) []types.Row {
	orders := make(map[string]int, len(turns))
	for _, t := range turns {
		orders[t.ID] = t.TurnOrder
	}
	entries := timeline.Build(turns, ins)
	rows := make([]types.Row, 0, len(entries))
	for _, e := range entries {
		row := types.NewRow(
			types.MRP("kind", string(e.Kind)),
			types.MRP("created_at", e.CreatedAt.Local().Format(timeLayout)),
		)
		switch e.Kind {
		case timeline.KindTurn:
			row.Set("turn_order", e.Turn.TurnOrder)
			row.Set("text", e.Turn.Transcript)
			row.Set("detail", "")
		case timeline.KindInsight:
			row.Set("turn_order", orders[e.Insight.TriggerTurnID])
			row.Set("text", e.Insight.Title+": "+e.Insight.NotificationBody)
			row.Set("detail", strings.TrimSpace(e.Insight.ExpandedBody))
		}
		rows = append(rows, row)
	}
	return rows
}
