package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/lovenote-ai/lovenote/internal/engine"
	"github.com/lovenote-ai/lovenote/internal/observe"
	"github.com/lovenote-ai/lovenote/internal/protocol"
	"github.com/lovenote-ai/lovenote/pkg/provider/llm"
	"github.com/lovenote-ai/lovenote/pkg/provider/stt"
	"github.com/lovenote-ai/lovenote/pkg/provider/tts"
	"github.com/lovenote-ai/lovenote/pkg/types"
)

// outboundBuffer sizes the per-session outbound frame queue. Audio chunks
// dominate the traffic; the writer drains continuously so the queue only has
// to absorb bursts.
const outboundBuffer = 64

// User-facing error messages. The client displays these verbatim.
const (
	msgInvalidFormat      = "Invalid message format"
	msgAudioFailed        = "Failed to process audio"
	msgStartFailed        = "Failed to start conversation"
	msgNoConversation     = "No active conversation to refine"
	msgRefineInvalidStage = "Cannot refine before a draft exists"
	msgRefineFailed       = "Failed to process refinement"
	msgModeSwitchFailed   = "Failed to switch mode"
)

// Conn is the subset of [websocket.Conn] a session uses. Abstracted so tests
// can drive a session without a network connection.
type Conn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
}

// providerSet is one mode's worth of providers plus the voice to speak with.
// The name fields carry the configured provider names for metric labels; the
// TTS name travels on voice.Provider.
type providerSet struct {
	mode  string
	stt   stt.Provider
	tts   tts.Provider
	llm   llm.Provider
	voice types.VoiceProfile

	sttName string
	llmName string
}

// conversation is the state of one active STT stream. The consumer goroutine
// owns lastPartial and speakingNotified; handle.Close is safe from any
// goroutine.
type conversation struct {
	handle stt.SessionHandle
	done   chan struct{}

	lastPartial      string
	speakingNotified bool
}

// outFrame is one queued outbound WebSocket frame.
type outFrame struct {
	typ  websocket.MessageType
	data []byte
}

// sessionConfig carries everything a session needs from the gateway.
type sessionConfig struct {
	id             string
	conn           Conn
	manager        *Manager
	metrics        *observe.Metrics
	idleTimeout    time.Duration
	providers      providerSet
	buildProviders func(mode string) (providerSet, error)
}

// Session is the server side of one WebSocket connection: a single reader, a
// single writer, and at most one active conversation at a time.
type Session struct {
	id             string
	conn           Conn
	manager        *Manager
	metrics        *observe.Metrics
	idleTimeout    time.Duration
	buildProviders func(mode string) (providerSet, error)

	engine   *engine.Engine
	outbound chan outFrame

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	active    bool
	providers providerSet
	speaker   *tts.Speaker
	conv      *conversation

	// procMu serializes engine turns and their response emission so a
	// refinement from the read loop cannot interleave with a transcript turn.
	procMu sync.Mutex

	idleTimer *time.Timer
}

func newSession(cfg sessionConfig) *Session {
	s := &Session{
		id:             cfg.id,
		conn:           cfg.conn,
		manager:        cfg.manager,
		metrics:        cfg.metrics,
		idleTimeout:    cfg.idleTimeout,
		buildProviders: cfg.buildProviders,
		providers:      cfg.providers,
		speaker:        tts.NewSpeaker(cfg.providers.tts, cfg.providers.voice),
		outbound:       make(chan outFrame, outboundBuffer),
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	s.engine = engine.New(cfg.providers.llm,
		engine.WithMetrics(s.metrics),
		engine.WithProviderName(cfg.providers.llmName),
		engine.WithCallbacks(engine.Callbacks{
			OnStyleUpdate: func(style engine.Style) {
				s.sendEvent(protocol.StyleUpdate(string(style)))
			},
			OnNoteDraftUpdate: func(noteDraft string, tags []string) {
				s.sendEvent(protocol.NoteDraftUpdate(noteDraft, tags))
			},
		}))
	return s
}

// run drives the session until the connection ends, then tears it down.
func (s *Session) run(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	s.ctx = ctx
	s.cancel = cancel

	s.mu.Lock()
	s.active = true
	s.mu.Unlock()

	go s.writeLoop(ctx)

	s.idleTimer = time.AfterFunc(s.idleTimeout, s.idleExpired)

	s.sendEvent(protocol.SessionReady())
	slog.Info("session started", "session_id", s.id, "mode", s.providers.mode)

	s.readLoop(ctx)
	s.teardown(websocket.StatusNormalClosure, "")
}

func (s *Session) readLoop(ctx context.Context) {
	for {
		typ, data, err := s.conn.Read(ctx)
		if err != nil {
			return
		}
		s.idleTimer.Reset(s.idleTimeout)

		msg, err := protocol.Decode(data, typ == websocket.MessageBinary)
		if err != nil {
			slog.Debug("bad frame", "session_id", s.id, "error", err)
			s.sendEvent(protocol.ErrorEvent(msgInvalidFormat))
			continue
		}

		switch {
		case msg.Audio != nil:
			s.handleAudio(msg.Audio)
		case msg.Control != nil:
			s.handleControl(ctx, msg.Control)
		}
	}
}

func (s *Session) writeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case f := <-s.outbound:
			if err := s.conn.Write(ctx, f.typ, f.data); err != nil {
				s.cancel()
				return
			}
		}
	}
}

func (s *Session) handleControl(ctx context.Context, ctl *protocol.Control) {
	switch ctl.Action {
	case protocol.ActionStartConversation:
		s.startConversation(ctx)
	case protocol.ActionEndConversation:
		s.endConversation()
	case protocol.ActionRefinement:
		s.handleRefinement(ctx, ctl.Refinement)
	case protocol.ActionSetMode:
		s.handleSetMode(ctx, ctl.Mode)
	}
}

// handleAudio routes an inbound audio frame to the STT stream. Audio with no
// active conversation is dropped silently.
func (s *Session) handleAudio(a *protocol.Audio) {
	s.mu.Lock()
	conv := s.conv
	s.mu.Unlock()
	if conv == nil {
		return
	}
	if err := conv.handle.SendAudio(a.Data); err != nil {
		slog.Warn("audio feed failed", "session_id", s.id, "error", err)
		s.sendEvent(protocol.ErrorEvent(msgAudioFailed))
	}
}

// startConversation opens an STT stream and a fresh engine context. Calling
// it while a conversation is already running is a no-op.
func (s *Session) startConversation(ctx context.Context) {
	s.mu.Lock()
	if s.conv != nil {
		s.mu.Unlock()
		return
	}
	sttProv := s.providers.stt
	sttName := s.providers.sttName
	s.mu.Unlock()

	handle, err := sttProv.StartStream(s.ctx, stt.StreamConfig{
		SampleRate:     protocol.DefaultSampleRate,
		Channels:       1,
		InterimResults: true,
	})
	if err != nil {
		s.metrics.RecordProviderError(s.ctx, sttName, "stt")
		s.metrics.RecordProviderRequest(s.ctx, sttName, "stt", "error")
		slog.Error("stt stream failed", "session_id", s.id, "error", err)
		s.sendEvent(protocol.ErrorEvent(msgStartFailed))
		return
	}
	s.metrics.RecordProviderRequest(s.ctx, sttName, "stt", "ok")

	s.engine.CreateSession(s.id)

	conv := &conversation{handle: handle, done: make(chan struct{})}
	s.mu.Lock()
	s.conv = conv
	s.mu.Unlock()

	s.metrics.ActiveConversations.Add(s.ctx, 1)
	go s.consumeTranscripts(ctx, conv)

	slog.Info("conversation started", "session_id", s.id)
}

// endConversation stops the STT stream and speaker, drops the engine context,
// and tells the client. The socket stays open; a new conversation can start.
func (s *Session) endConversation() {
	if !s.stopConversation() {
		return
	}
	s.sendEvent(protocol.ConversationEnded())
	slog.Info("conversation ended", "session_id", s.id)
}

// stopConversation tears down the active conversation, waiting for the
// transcript consumer to exit. Reports whether a conversation was running.
func (s *Session) stopConversation() bool {
	s.mu.Lock()
	conv := s.conv
	s.conv = nil
	speaker := s.speaker
	s.mu.Unlock()

	if conv == nil {
		return false
	}

	if err := conv.handle.Close(); err != nil {
		slog.Warn("stt close failed", "session_id", s.id, "error", err)
	}
	speaker.Stop()
	<-conv.done

	s.engine.DeleteSession(s.id)
	s.metrics.ActiveConversations.Add(s.ctx, -1)
	return true
}

// consumeTranscripts is the single consumer of one conversation's transcript
// stream. It exits when the STT handle closes its channel.
func (s *Session) consumeTranscripts(ctx context.Context, conv *conversation) {
	defer close(conv.done)
	for t := range conv.handle.Transcripts() {
		if t.IsFinal {
			s.handleFinal(ctx, conv, t.Text)
		} else {
			s.handlePartial(conv, t.Text)
		}
	}
}

// handlePartial emits interim transcript events, suppressing duplicates, and
// arbitrates barge-in: a partial arriving during synthesis stops the speaker
// and confirms it with tts.end before the partial goes out.
func (s *Session) handlePartial(conv *conversation, text string) {
	if text == "" || text == conv.lastPartial {
		return
	}
	conv.lastPartial = text

	speaker := s.currentSpeaker()
	if speaker.IsSynthesizing() {
		speaker.Stop()
		s.sendEvent(protocol.TTSEnd())
		s.metrics.RecordBargeIn(s.ctx)
		slog.Debug("barge-in", "session_id", s.id)
	}

	if !conv.speakingNotified {
		conv.speakingNotified = true
		s.sendEvent(protocol.UserSpeakingStart())
	}
	s.sendEvent(protocol.PartialTranscript(text))
}

// handleFinal runs one full turn: final transcript event, engine dispatch,
// assistant response, then synthesis.
func (s *Session) handleFinal(ctx context.Context, conv *conversation, text string) {
	conv.lastPartial = ""
	conv.speakingNotified = false

	if strings.TrimSpace(text) == "" {
		return
	}
	s.sendEvent(protocol.FinalTranscript(text))

	s.procMu.Lock()
	defer s.procMu.Unlock()

	start := time.Now()
	res, err := s.engine.ProcessTranscript(ctx, s.id, text)
	if err != nil {
		// The conversation ended while this final was in flight.
		slog.Warn("transcript dropped", "session_id", s.id, "error", err)
		return
	}
	s.metrics.RecordTurn(s.ctx, string(res.Stage), time.Since(start).Seconds())

	s.respond(res)
}

// handleRefinement runs a refinement button press through the engine.
func (s *Session) handleRefinement(ctx context.Context, r protocol.RefinementType) {
	s.mu.Lock()
	conv := s.conv
	s.mu.Unlock()
	if conv == nil {
		s.sendEvent(protocol.ErrorEvent(msgNoConversation))
		return
	}

	s.procMu.Lock()
	defer s.procMu.Unlock()

	start := time.Now()
	res, err := s.engine.ProcessRefinement(ctx, s.id, engine.Refinement(r))
	if err != nil {
		switch {
		case errors.Is(err, engine.ErrInvalidStage):
			s.sendEvent(protocol.ErrorEvent(msgRefineInvalidStage))
		default:
			slog.Warn("refinement failed", "session_id", s.id, "error", err)
			s.sendEvent(protocol.ErrorEvent(msgRefineFailed))
		}
		return
	}
	s.metrics.RecordTurn(s.ctx, string(res.Stage), time.Since(start).Seconds())

	s.respond(res)
}

// handleSetMode swaps the full provider set. All-or-nothing: any construction
// failure leaves the current mode untouched.
func (s *Session) handleSetMode(ctx context.Context, mode string) {
	set, err := s.buildProviders(mode)
	if err != nil {
		slog.Warn("mode switch failed", "session_id", s.id, "mode", mode, "error", err)
		if errors.Is(err, errUnknownMode) {
			s.sendEvent(protocol.ErrorEvent(fmt.Sprintf("Unknown mode: %s", mode)))
		} else {
			s.sendEvent(protocol.ErrorEvent(msgModeSwitchFailed))
		}
		return
	}

	// An active conversation runs against the old providers; end it first so
	// the swap never races a live stream.
	if s.stopConversation() {
		s.sendEvent(protocol.ConversationEnded())
	}

	s.mu.Lock()
	s.providers = set
	s.speaker = tts.NewSpeaker(set.tts, set.voice)
	s.mu.Unlock()
	s.engine.SetProvider(set.llm, set.llmName)

	s.metrics.RecordModeSwitch(s.ctx, mode)
	s.sendEvent(protocol.ModeChanged(mode))
	slog.Info("mode changed", "session_id", s.id, "mode", mode)
}

// respond emits the assistant turn and synthesizes it. Synthesis runs on its
// own goroutine so the transcript consumer stays free to arbitrate barge-in.
func (s *Session) respond(res *engine.Result) {
	data := protocol.AssistantResponseData{
		Text:  res.SpokenResponse,
		Stage: string(res.Stage),
	}
	if out := res.Output; out != nil {
		data.Style = string(out.Style)
		data.NoteDraft = out.NoteDraft
		data.Tags = out.Tags
		data.Phoneme = string(out.Phoneme)
	}
	s.sendEvent(protocol.AssistantResponse(data))

	go s.speak(res.SpokenResponse)
}

// speak synthesizes one utterance, bracketing the audio with tts.start and
// tts.end. tts.end is always sent, even when synthesis fails or is stopped;
// after a barge-in this means the client sees a second tts.end following the
// interrupting partial_transcript, so clients must treat tts.end as
// idempotent.
func (s *Session) speak(text string) {
	s.mu.Lock()
	speaker := s.speaker
	ttsName := s.providers.voice.Provider
	s.mu.Unlock()

	s.sendEvent(protocol.TTSStart())
	defer s.sendEvent(protocol.TTSEnd())

	start := time.Now()
	err := speaker.Speak(s.ctx, text, func(chunk []byte) {
		s.sendAudio(chunk)
	})
	if err != nil {
		s.metrics.RecordProviderError(s.ctx, ttsName, "tts")
		s.metrics.RecordProviderRequest(s.ctx, ttsName, "tts", "error")
		slog.Warn("synthesis failed", "session_id", s.id, "error", err)
		return
	}
	s.metrics.RecordProviderRequest(s.ctx, ttsName, "tts", "ok")
	s.metrics.SpeakDuration.Record(s.ctx, time.Since(start).Seconds())
}

// idleExpired fires when no frame arrived within the idle timeout.
func (s *Session) idleExpired() {
	slog.Info("session idle, closing", "session_id", s.id)
	s.teardown(websocket.StatusNormalClosure, "idle timeout")
}

// shutdown closes the session during server shutdown.
func (s *Session) shutdown() {
	s.teardown(websocket.StatusGoingAway, "server shutting down")
}

// teardown releases everything the session holds. Runs at most once; later
// calls return immediately.
func (s *Session) teardown(code websocket.StatusCode, reason string) {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return
	}
	s.active = false
	s.mu.Unlock()

	if s.idleTimer != nil {
		s.idleTimer.Stop()
	}

	// Cancel before joining the transcript consumer. A peer that stopped
	// draining the socket leaves the writer stuck and the outbound queue
	// full; with the context gone, enqueue falls through instead of holding
	// the consumer (and this teardown) hostage.
	s.cancel()
	s.stopConversation()

	s.conn.Close(code, reason)
	s.manager.remove(s.id)
	slog.Info("session closed", "session_id", s.id)
}

// currentSpeaker returns the speaker for the active provider set.
func (s *Session) currentSpeaker() *tts.Speaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.speaker
}

// sendEvent encodes an event and queues it for the writer goroutine.
func (s *Session) sendEvent(ev protocol.Event) {
	b, err := protocol.Encode(ev)
	if err != nil {
		slog.Error("event encode failed", "session_id", s.id, "event", ev.Event, "error", err)
		return
	}
	s.enqueue(outFrame{typ: websocket.MessageText, data: b})
}

// sendAudio queues a binary audio frame for the writer goroutine.
func (s *Session) sendAudio(chunk []byte) {
	s.enqueue(outFrame{typ: websocket.MessageBinary, data: chunk})
}

func (s *Session) enqueue(f outFrame) {
	select {
	case s.outbound <- f:
	case <-s.ctx.Done():
	}
}
