package cmds

import (
	"context"
	"strings"
	"time"

	"github.com/go-go-golems/glazed/pkg/cli"
	glazedcmds "github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/fields"
	"github.com/go-go-golems/glazed/pkg/cmds/values"
	"github.com/go-go-golems/glazed/pkg/middlewares"
	"github.com/go-go-golems/glazed/pkg/settings"
	"github.com/go-go-golems/glazed/pkg/types"
	"github.com/go-go-golems/rebuttal/pkg/config"
	"github.com/go-go-golems/rebuttal/pkg/insights"
	"github.com/go-go-golems/rebuttal/pkg/persistence/sessionstore"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

func newInsightCommand(r *root) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "insight",
		Short: "Work with the insight pipeline",
	}
	generateCmd, err := NewInsightGenerateCommand(r)
	cobra.CheckErr(err)
	cobraGenerateCmd, err := cli.BuildCobraCommand(generateCmd, cli.WithCobraMiddlewaresFunc(glazedMiddlewares))
	cobra.CheckErr(err)
	cmd.AddCommand(cobraGenerateCmd)
	return cmd
}

type InsightGenerateCommand struct {
	*glazedcmds.CommandDescription
	r *root
}

type InsightGenerateSettings struct {
	Session string `glazed:"session"`
	Turn    string `glazed:"turn"`
}

func NewInsightGenerateCommand(r *root) (*InsightGenerateCommand, error) {
	glazedSection, err := settings.NewGlazedSection()
	if err != nil {
		return nil, err
	}
	commandSettingsSection, err := cli.NewCommandSettingsSection()
	if err != nil {
		return nil, err
	}

	desc := glazedcmds.NewCommandDescription(
		"generate",
		glazedcmds.WithShort("Run the insight pipeline once for a stored turn"),
		glazedcmds.WithLong("Run the router and generator for one trigger turn and emit the insight, or the reason none was produced."),
		glazedcmds.WithFlags(
			fields.New(
				"session",
				fields.TypeString,
				fields.WithHelp("Session ID"),
				fields.WithRequired(true),
			),
			fields.New(
				"turn",
				fields.TypeString,
				fields.WithDefault(""),
				fields.WithHelp("Trigger turn ID (default: the latest turn)"),
			),
		),
		glazedcmds.WithSections(glazedSection, commandSettingsSection),
	)
	return &InsightGenerateCommand{CommandDescription: desc, r: r}, nil
}

func (c *InsightGenerateCommand) RunIntoGlazeProcessor(
	ctx context.Context,
	parsedValues *values.Values,
	gp middlewares.Processor,
) error {
	s := &InsightGenerateSettings{}
	if err := parsedValues.DecodeSectionInto(values.DefaultSlug, s); err != nil {
		return err
	}
	return withStore(ctx, c.r, func(ctx context.Context, cfg config.Settings, store sessionstore.Store) error {
		return generateInsight(ctx, cfg.Insights, store, s.Session, s.Turn, gp)
	})
}

// generateInsight reports malformed model output as a row with a reason rather than
// an error; transport and store failures are returned.
func generateInsight(ctx context.Context, s config.InsightsSettings, store sessionstore.Store, sessionID, turnID string, sink rowSink) error {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return errors.New("session is required")
	}
	p := buildPipeline(s, store, nil)
	if p == nil {
		return errors.New("insights are off; set --insights-mode local or remote")
	}
	turnID = strings.TrimSpace(turnID)
	if turnID == "" {
		turns, err := store.RecentTurns(ctx, sessionID, 1)
		if err != nil {
			return err
		}
		if len(turns) == 0 {
			return errors.Errorf("session %s has no turns", sessionID)
		}
		turnID = turns[0].ID
	}

	timeout := s.Timeout
	if timeout <= 0 {
		timeout = 90 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	resp, err := p.Generate(ctx, insights.Request{SessionID: sessionID, TriggerTurnID: turnID})
	if err != nil {
		reason, ok := insights.MalformedReason(err)
		if !ok {
			return err
		}
		resp = insights.Response{Reason: reason}
	}
	return sink.AddRow(ctx, insightRow(sessionID, turnID, resp))
}

func insightRow(sessionID, turnID string, resp insights.Response) types.Row {
	row := types.NewRow(
		types.MRP("session_id", sessionID),
		types.MRP("trigger_turn_id", turnID),
	)
	if resp.Insight == nil {
		row.Set("insight_id", "")
		row.Set("title", "")
		row.Set("notification_body", "")
		row.Set("expanded_body", "")
		row.Set("reason", resp.Reason)
		return row
	}
	row.Set("insight_id", resp.Insight.ID)
	row.Set("title", resp.Insight.Title)
	row.Set("notification_body", resp.Insight.NotificationBody)
	row.Set("expanded_body", resp.Insight.ExpandedBody)
	row.Set("reason", resp.Reason)
	return row
}
