package engine

import (
	"fmt"
	"strings"
)

// systemInstructions is the persona and output contract sent with every
// completion request. The schema block is repeated here even though providers
// may enforce JSON natively, since self-hosted models rely on it.
const systemInstructions = `You are a warm, creative Valentine's Day assistant called Lovenote.
You help users compose personalized love notes and poems through natural conversation.

You operate in three stages:
1. COLLECT: Gather information about the recipient, the situation, desired tone, and desired outcome.
   Ask friendly clarifying questions one at a time. Be warm and encouraging.
   In this stage, spokenResponse is your conversational reply and noteDraft should be "".
2. COMPOSE: Once you have all four pieces of context, compose a beautiful love note.
   IMPORTANT: In this stage, spokenResponse must READ THE NOTE ALOUD - it should be the love note
   itself, spoken naturally. Do NOT describe or explain the note. Just read it warmly.
   noteDraft contains the same note text for display.
3. REFINE: When asked to refine, update only the note draft while keeping the same context.
   IMPORTANT: spokenResponse must READ THE UPDATED NOTE ALOUD, not explain what changed.
   noteDraft contains the updated note text for display.

Always respond with valid JSON matching this schema:
{
  "style": "soft" | "flirty" | "serious",
  "spokenResponse": "<in COLLECT: conversational reply. In COMPOSE/REFINE: read the note aloud>",
  "noteDraft": "<the love note text, or empty string if still collecting>",
  "tags": ["<descriptive tags>"],
  "phoneme": "<dominant mouth shape for the reply: MBP, TDNL, AHAA, OUW, EE, or FV>"
}`

// BuildCollectPrompt renders the per-turn prompt for the collect stage. It
// tells the model which context slots are still missing and replays the
// conversation so far.
func BuildCollectPrompt(transcript string, ctx *Context) string {
	var missing []string
	if ctx.Recipient == "" {
		missing = append(missing, "who the message is for")
	}
	if ctx.Situation == "" {
		missing = append(missing, "what happened or the context/situation")
	}
	if ctx.DesiredTone == "" {
		missing = append(missing, "the desired tone (soft, flirty, or serious)")
	}
	if ctx.DesiredOutcome == "" {
		missing = append(missing, "the desired outcome or feeling")
	}

	still := "nothing - ready to compose"
	if len(missing) > 0 {
		still = strings.Join(missing, ", ")
	}

	var history []string
	for _, m := range ctx.History {
		history = append(history, fmt.Sprintf("%s: %s", m.Role, m.Content))
	}
	historyBlock := ""
	if len(history) > 0 {
		historyBlock = "Conversation so far:\n" + strings.Join(history, "\n")
	}

	return strings.Join([]string{
		"Stage: COLLECT",
		"Still need: " + still,
		"",
		historyBlock,
		"",
		fmt.Sprintf("User just said: %q", transcript),
		"",
		"Analyze what the user said. Extract any of the four context fields (recipient, situation, desiredTone, desiredOutcome).",
		"Return extracted values in the corresponding fields. Omit fields not yet known.",
		"If fields are still missing, ask a friendly clarifying question in spokenResponse.",
		`Set noteDraft to "" and tags to [] while still collecting.`,
		"Pick a style that matches the conversation mood so far.",
	}, "\n")
}

// BuildComposePrompt renders the prompt that turns the four collected context
// slots into a first note draft.
func BuildComposePrompt(ctx *Context) string {
	return strings.Join([]string{
		"Stage: COMPOSE",
		"Recipient: " + ctx.Recipient,
		"Situation: " + ctx.Situation,
		"Desired tone: " + ctx.DesiredTone,
		"Desired outcome: " + ctx.DesiredOutcome,
		"",
		"Compose a beautiful, personalized love note based on the context above.",
		"Set noteDraft to the full love note text.",
		"Set spokenResponse to the note read aloud, warmly and naturally.",
		"Set tags to descriptive tags for the note (e.g., #sweet, #romantic).",
		"Set style to match the desired tone.",
	}, "\n")
}

// BuildRefinePrompt renders the prompt for reworking the current draft. When
// refinement is non-empty the user pressed a refinement button; otherwise the
// transcript is treated as a free-form refinement request.
func BuildRefinePrompt(transcript string, ctx *Context, refinement Refinement) string {
	instruction := fmt.Sprintf("The user said: %q", transcript)
	if refinement != "" {
		instruction = fmt.Sprintf("The user clicked a refinement button: %q.", string(refinement))
	}

	return strings.Join([]string{
		"Stage: REFINE",
		"Current draft: " + ctx.CurrentDraft,
		"Current tags: " + strings.Join(ctx.CurrentTags, ", "),
		"Current style: " + string(ctx.CurrentStyle),
		"Recipient: " + ctx.Recipient,
		"Situation: " + ctx.Situation,
		"",
		instruction,
		"",
		"Update ONLY the noteDraft based on the refinement request.",
		"Keep the same general meaning but apply the requested change.",
		"Update tags if the character of the note changed.",
		"Set spokenResponse to the updated note read aloud.",
	}, "\n")
}
