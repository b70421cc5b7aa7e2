// Package engine implements the collect -> compose -> refine conversation
// workflow that turns transcribed speech into a love note draft.
//
// An [Engine] owns all conversation sessions and drives the LLM through the
// stage-specific prompts in prompts.go. Every model turn must come back as a
// [StructuredOutput]; a failed or unparseable turn is retried exactly once,
// and after that the engine answers with a fixed per-stage fallback line
// rather than surfacing the provider error to the caller.
//
// The engine serializes nothing across sessions; callers must not invoke
// Process* concurrently for the same session ID. The gateway guarantees this
// by consuming each session's transcripts on a single goroutine.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/lovenote-ai/lovenote/internal/observe"
	"github.com/lovenote-ai/lovenote/internal/resilience"
	"github.com/lovenote-ai/lovenote/pkg/provider/llm"
	"github.com/lovenote-ai/lovenote/pkg/types"
)

// llmAttempts is the total number of model calls per turn: the first attempt
// plus exactly one retry.
const llmAttempts = 2

// Fallback lines spoken when both model attempts fail. The stage is left
// unchanged so the user can simply try again.
const (
	collectFallback = "I'd love to help you write something special. Could you tell me who this message is for?"
	composeFallback = "I'm having trouble composing right now, let me try again."
	refineFallback  = "I'm having trouble with that refinement, let me try again."
)

var (
	// ErrUnknownSession is returned when a session ID has no live context.
	ErrUnknownSession = errors.New("engine: unknown session")

	// ErrInvalidStage is returned when a refinement arrives before any draft
	// exists.
	ErrInvalidStage = errors.New("engine: invalid stage for refinement")
)

// Stage is the workflow position of a conversation.
type Stage string

const (
	StageCollect Stage = "collect"
	StageCompose Stage = "compose"
	StageRefine  Stage = "refine"
)

// Refinement is one of the fixed refinement requests the client can send.
type Refinement string

const (
	RefineShorter      Refinement = "shorter"
	RefineBolder       Refinement = "bolder"
	RefineMoreRomantic Refinement = "more_romantic"
	RefineFrench       Refinement = "translate_french"
)

// Text returns the user-visible instruction recorded in history for a
// refinement button press.
func (r Refinement) Text() string {
	switch r {
	case RefineShorter:
		return "Make it shorter"
	case RefineBolder:
		return "Make it bolder"
	case RefineMoreRomantic:
		return "Make it more romantic"
	case RefineFrench:
		return "Translate it to French"
	}
	return string(r)
}

// Context is the full state of one conversation session. The four context
// slots use the empty string for "not yet known".
type Context struct {
	SessionID string
	Stage     Stage

	Recipient      string
	Situation      string
	DesiredTone    string
	DesiredOutcome string

	CurrentDraft string
	CurrentTags  []string
	CurrentStyle Style

	History   []types.Message
	CreatedAt time.Time
}

// ContextComplete reports whether all four context slots are populated and
// the conversation is ready to compose.
func (c *Context) ContextComplete() bool {
	return c.Recipient != "" && c.Situation != "" && c.DesiredTone != "" && c.DesiredOutcome != ""
}

// Callbacks receive notepad updates as the model produces them. Both fire at
// most once per turn, style before draft. Nil callbacks are skipped.
type Callbacks struct {
	OnStyleUpdate     func(style Style)
	OnNoteDraftUpdate func(noteDraft string, tags []string)
}

// Result is the outcome of one conversation turn. Output is nil when the
// turn fell back after a failed model call.
type Result struct {
	Output         *StructuredOutput
	SpokenResponse string
	Stage          Stage
}

// Engine drives the conversation workflow for all live sessions.
type Engine struct {
	mu           sync.Mutex
	sessions     map[string]*Context
	provider     llm.Provider
	providerName string

	callbacks Callbacks
	metrics   *observe.Metrics
	now       func() time.Time
}

// Option configures an [Engine].
type Option func(*Engine)

// WithCallbacks registers notepad update callbacks.
func WithCallbacks(cb Callbacks) Option {
	return func(e *Engine) {
		e.callbacks = cb
	}
}

// WithClock overrides the time source. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// WithMetrics overrides the metrics instance used for provider call counters.
func WithMetrics(m *observe.Metrics) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

// WithProviderName sets the LLM provider name reported on metrics.
func WithProviderName(name string) Option {
	return func(e *Engine) {
		e.providerName = name
	}
}

// New creates an [Engine] backed by the given LLM provider.
func New(provider llm.Provider, opts ...Option) *Engine {
	e := &Engine{
		sessions: make(map[string]*Context),
		provider: provider,
		now:      time.Now,
	}
	for _, o := range opts {
		o(e)
	}
	if e.metrics == nil {
		e.metrics = observe.DefaultMetrics()
	}
	return e
}

// SetProvider swaps the LLM backend and its metric label. Takes effect on the
// next turn; sessions keep their accumulated context.
func (e *Engine) SetProvider(p llm.Provider, name string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.provider = p
	e.providerName = name
}

// SetCallbacks replaces the notepad update callbacks.
func (e *Engine) SetCallbacks(cb Callbacks) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.callbacks = cb
}

// CreateSession registers a fresh conversation context in the collect stage.
// An existing session with the same ID is replaced.
func (e *Engine) CreateSession(sessionID string) *Context {
	sc := &Context{
		SessionID:   sessionID,
		Stage:       StageCollect,
		CurrentTags: []string{},
		History:     []types.Message{},
		CreatedAt:   e.now(),
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.sessions[sessionID] = sc
	return sc
}

// GetSession returns the context for sessionID, if any.
func (e *Engine) GetSession(sessionID string) (*Context, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	sc, ok := e.sessions[sessionID]
	return sc, ok
}

// DeleteSession removes a session and reports whether it existed.
func (e *Engine) DeleteSession(sessionID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.sessions[sessionID]
	delete(e.sessions, sessionID)
	return ok
}

// SessionCount returns the number of live sessions.
func (e *Engine) SessionCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.sessions)
}

// ProcessTranscript handles one final transcript for a session. In the
// collect stage it extracts context; once a draft exists, further speech is
// treated as a free-form refinement request. Provider failures never surface
// as errors here; the result carries a fallback line instead.
func (e *Engine) ProcessTranscript(ctx context.Context, sessionID, transcript string) (*Result, error) {
	sc, ok := e.GetSession(sessionID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSession, sessionID)
	}

	sc.History = append(sc.History, types.Message{Role: "user", Content: transcript})

	var result *Result
	switch sc.Stage {
	case StageCollect:
		result = e.processCollect(ctx, sc, transcript)
	case StageCompose, StageRefine:
		result = e.processRefine(ctx, sc, transcript, "")
	default:
		return nil, fmt.Errorf("engine: unknown stage %q for session %s", sc.Stage, sessionID)
	}

	sc.History = append(sc.History, types.Message{Role: "assistant", Content: result.SpokenResponse})
	return result, nil
}

// ProcessRefinement handles a refinement button press. Only valid once a
// draft exists (compose or refine stage).
func (e *Engine) ProcessRefinement(ctx context.Context, sessionID string, r Refinement) (*Result, error) {
	sc, ok := e.GetSession(sessionID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSession, sessionID)
	}
	if sc.Stage != StageCompose && sc.Stage != StageRefine {
		return nil, fmt.Errorf("%w: %s", ErrInvalidStage, sc.Stage)
	}

	sc.Stage = StageRefine

	text := r.Text()
	sc.History = append(sc.History, types.Message{Role: "user", Content: text})

	result := e.processRefine(ctx, sc, text, r)

	sc.History = append(sc.History, types.Message{Role: "assistant", Content: result.SpokenResponse})
	return result, nil
}

// processCollect runs one collect turn: extract context slots, then compose
// immediately if the turn completed the context.
func (e *Engine) processCollect(ctx context.Context, sc *Context, transcript string) *Result {
	out, err := e.generate(ctx, BuildCollectPrompt(transcript, sc))
	if err != nil {
		slog.Warn("collect turn failed, using fallback",
			"session", sc.SessionID, "error", err)
		return &Result{SpokenResponse: collectFallback, Stage: StageCollect}
	}

	sc.CurrentStyle = out.Style

	// Non-empty extractions win; an omitted field never clears a slot.
	if out.Recipient != "" {
		sc.Recipient = out.Recipient
	}
	if out.Situation != "" {
		sc.Situation = out.Situation
	}
	if out.DesiredTone != "" {
		sc.DesiredTone = out.DesiredTone
	}
	if out.DesiredOutcome != "" {
		sc.DesiredOutcome = out.DesiredOutcome
	}

	slog.Debug("collect turn",
		"session", sc.SessionID,
		"recipient", sc.Recipient,
		"situation", sc.Situation,
		"tone", sc.DesiredTone,
		"outcome", sc.DesiredOutcome)

	if sc.ContextComplete() {
		sc.Stage = StageCompose
		return e.processCompose(ctx, sc)
	}

	return &Result{Output: out, SpokenResponse: out.SpokenResponse, Stage: sc.Stage}
}

// processCompose turns the completed context into the first draft.
func (e *Engine) processCompose(ctx context.Context, sc *Context) *Result {
	out, err := e.generate(ctx, BuildComposePrompt(sc))
	if err != nil {
		slog.Warn("compose turn failed, using fallback",
			"session", sc.SessionID, "error", err)
		return &Result{SpokenResponse: composeFallback, Stage: sc.Stage}
	}

	sc.CurrentDraft = out.NoteDraft
	sc.CurrentTags = out.Tags
	sc.CurrentStyle = out.Style
	sc.Stage = StageCompose

	e.notify(out)

	return &Result{Output: out, SpokenResponse: out.SpokenResponse, Stage: StageCompose}
}

// processRefine reworks the current draft. The four context slots are
// snapshotted and restored afterwards so a refinement can never alter them.
func (e *Engine) processRefine(ctx context.Context, sc *Context, transcript string, r Refinement) *Result {
	recipient := sc.Recipient
	situation := sc.Situation
	tone := sc.DesiredTone
	outcome := sc.DesiredOutcome

	out, err := e.generate(ctx, BuildRefinePrompt(transcript, sc, r))
	if err != nil {
		slog.Warn("refine turn failed, using fallback",
			"session", sc.SessionID, "error", err)
		return &Result{SpokenResponse: refineFallback, Stage: sc.Stage}
	}

	sc.CurrentDraft = out.NoteDraft
	sc.CurrentTags = out.Tags
	sc.CurrentStyle = out.Style
	sc.Stage = StageRefine

	sc.Recipient = recipient
	sc.Situation = situation
	sc.DesiredTone = tone
	sc.DesiredOutcome = outcome

	e.notify(out)

	return &Result{Output: out, SpokenResponse: out.SpokenResponse, Stage: StageRefine}
}

// notify fires the notepad callbacks, style first.
func (e *Engine) notify(out *StructuredOutput) {
	e.mu.Lock()
	cb := e.callbacks
	e.mu.Unlock()

	if cb.OnStyleUpdate != nil {
		cb.OnStyleUpdate(out.Style)
	}
	if cb.OnNoteDraftUpdate != nil {
		cb.OnNoteDraftUpdate(out.NoteDraft, out.Tags)
	}
}

// generate runs one model turn with the retry policy and parses the result.
// A schema-invalid response counts as a failure for retry purposes. Every
// attempt lands on the provider request counter, retries included.
func (e *Engine) generate(ctx context.Context, prompt string) (*StructuredOutput, error) {
	e.mu.Lock()
	provider := e.provider
	name := e.providerName
	e.mu.Unlock()

	return resilience.Retry(ctx, llmAttempts, "llm turn", func(ctx context.Context) (*StructuredOutput, error) {
		out, err := completeOnce(ctx, provider, prompt)
		if err != nil {
			e.metrics.RecordProviderError(ctx, name, "llm")
			e.metrics.RecordProviderRequest(ctx, name, "llm", "error")
			return nil, err
		}
		e.metrics.RecordProviderRequest(ctx, name, "llm", "ok")
		return out, nil
	})
}

// completeOnce is a single model call plus structured-output parse.
func completeOnce(ctx context.Context, provider llm.Provider, prompt string) (*StructuredOutput, error) {
	resp, err := provider.Complete(ctx, llm.CompletionRequest{
		Messages:     []types.Message{{Role: "user", Content: prompt}},
		SystemPrompt: systemInstructions,
		Temperature:  0.7,
		JSONOnly:     true,
	})
	if err != nil {
		return nil, err
	}
	return ParseStructuredOutput(resp.Content)
}
