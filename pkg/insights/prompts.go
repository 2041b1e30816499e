package insights

import (
	"fmt"
	"strings"

	"github.com/go-go-golems/rebuttal/pkg/persistence/sessionstore"
)

const routerSystemPrompt = `You monitor a live conversation and decide whether the latest turn deserves a short,
useful interjection: a fact-check of a checkable claim, a missing counterargument, or important context.
Skip small talk, repetition, and anything already covered by a previous insight.
Reply with JSON only: {"should_generate": true|false, "reason": "<one sentence>"}`

const generatorSystemPrompt = `You write concise, sourced insights for a live conversation.
Address the latest turn. Do not repeat previous insights.
Reply with JSON only:
{"title": "<max 8 words>", "notification_body": "<one sentence, max 140 characters>", "expanded_body": "<2-4 short paragraphs>"}`

// conversationContext renders the transcript window and the insights already shown
// for it. Turns must be in ascending turn order.
func conversationContext(turns []sessionstore.Turn, prior []sessionstore.Insight) string {
	orderByID := make(map[string]int, len(turns))
	var b strings.Builder
	b.WriteString("=== CONVERSATION TRANSCRIPT ===\n")
	for _, t := range turns {
		orderByID[t.ID] = t.TurnOrder
		fmt.Fprintf(&b, "[Turn %d]: %s\n", t.TurnOrder, t.Transcript)
	}
	b.WriteString("\n=== PREVIOUSLY GENERATED INSIGHTS ===\n")
	if len(prior) == 0 {
		b.WriteString("(none)\n")
	}
	for _, ins := range prior {
		fmt.Fprintf(&b, "[After Turn %d] %s: %s\n", orderByID[ins.TriggerTurnID], ins.Title, ins.NotificationBody)
	}
	return b.String()
}

func routerUserPrompt(context string, trigger sessionstore.Turn) string {
	return fmt.Sprintf("%s\nLatest turn is [Turn %d]. Should an insight be generated now?", context, trigger.TurnOrder)
}

func generatorUserPrompt(context string, trigger sessionstore.Turn, routerReason string) string {
	return fmt.Sprintf("%s\nWrite an insight for [Turn %d]: %q\nReason it was selected: %s", context, trigger.TurnOrder, trigger.Transcript, routerReason)
}
