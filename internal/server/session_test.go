package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/lovenote-ai/lovenote/internal/observe"
	llmmock "github.com/lovenote-ai/lovenote/pkg/provider/llm/mock"
	"github.com/lovenote-ai/lovenote/pkg/provider/stt"
	sttmock "github.com/lovenote-ai/lovenote/pkg/provider/stt/mock"
	ttsmock "github.com/lovenote-ai/lovenote/pkg/provider/tts/mock"
	"github.com/lovenote-ai/lovenote/pkg/types"
)

// fakeConn is an in-memory Conn. Tests feed inbound frames through the
// inbound channel and inspect everything the session wrote.
type fakeConn struct {
	inbound chan inFrame

	mu         sync.Mutex
	frames     []recordedFrame
	closeCode  websocket.StatusCode
	closeCount int
}

type inFrame struct {
	typ  websocket.MessageType
	data []byte
}

type recordedFrame struct {
	typ  websocket.MessageType
	data []byte
}

func newFakeConn() *fakeConn {
	return &fakeConn{inbound: make(chan inFrame, 16)}
}

func (c *fakeConn) Read(ctx context.Context) (websocket.MessageType, []byte, error) {
	select {
	case <-ctx.Done():
		return 0, nil, ctx.Err()
	case f, ok := <-c.inbound:
		if !ok {
			return 0, nil, errors.New("connection closed")
		}
		return f.typ, f.data, nil
	}
}

func (c *fakeConn) Write(_ context.Context, typ websocket.MessageType, p []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := make([]byte, len(p))
	copy(cp, p)
	c.frames = append(c.frames, recordedFrame{typ: typ, data: cp})
	return nil
}

func (c *fakeConn) Close(code websocket.StatusCode, _ string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeCount++
	if c.closeCount == 1 {
		c.closeCode = code
	}
	return nil
}

// events returns the names of all text-frame events written so far, in order.
func (c *fakeConn) events() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var names []string
	for _, f := range c.frames {
		if f.typ != websocket.MessageText {
			continue
		}
		var ev struct {
			Event string `json:"event"`
		}
		if json.Unmarshal(f.data, &ev) == nil {
			names = append(names, ev.Event)
		}
	}
	return names
}

// eventIndex returns the position of the first occurrence of name among text
// events, or -1.
func (c *fakeConn) eventIndex(name string) int {
	for i, ev := range c.events() {
		if ev == name {
			return i
		}
	}
	return -1
}

func (c *fakeConn) hasEvent(name string) bool {
	return c.eventIndex(name) >= 0
}

// errorMessages returns the message of every error event written so far.
func (c *fakeConn) errorMessages() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var msgs []string
	for _, f := range c.frames {
		if f.typ != websocket.MessageText {
			continue
		}
		var ev struct {
			Event string `json:"event"`
			Data  struct {
				Message string `json:"message"`
			} `json:"data"`
		}
		if json.Unmarshal(f.data, &ev) == nil && ev.Event == "error" {
			msgs = append(msgs, ev.Data.Message)
		}
	}
	return msgs
}

// binaryCount returns the number of binary frames written so far.
func (c *fakeConn) binaryCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, f := range c.frames {
		if f.typ == websocket.MessageBinary {
			n++
		}
	}
	return n
}

func (c *fakeConn) closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCount > 0
}

// stalledConn is a fakeConn whose Write blocks until the write context ends,
// like a peer that stopped draining the socket.
type stalledConn struct {
	fakeConn
}

func newStalledConn() *stalledConn {
	return &stalledConn{fakeConn: fakeConn{inbound: make(chan inFrame, 16)}}
}

func (c *stalledConn) Write(ctx context.Context, _ websocket.MessageType, _ []byte) error {
	<-ctx.Done()
	return ctx.Err()
}

// testDeps bundles the mock providers behind a test session.
type testDeps struct {
	sttProv *sttmock.Provider
	ttsProv *ttsmock.Provider
	llmProv *llmmock.Provider

	mu       sync.Mutex
	sessions []*sttmock.Session
}

// lastSTTSession returns the most recently started mock STT session.
func (d *testDeps) lastSTTSession() *sttmock.Session {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.sessions) == 0 {
		return nil
	}
	return d.sessions[len(d.sessions)-1]
}

func newTestDeps() *testDeps {
	d := &testDeps{
		ttsProv: &ttsmock.Provider{},
		llmProv: &llmmock.Provider{},
	}
	d.sttProv = &sttmock.Provider{
		SessionFactory: func() stt.SessionHandle {
			sess := &sttmock.Session{
				TranscriptsCh:       make(chan types.Transcript, 16),
				CloseChannelOnClose: true,
			}
			d.mu.Lock()
			d.sessions = append(d.sessions, sess)
			d.mu.Unlock()
			return sess
		},
	}
	return d
}

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	m, err := observe.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	return m
}

// startTestSession builds a session over a fakeConn, runs it, and registers
// cleanup. The alternate deps back the "selfhost" mode for set_mode tests.
func startTestSession(t *testing.T, deps, alt *testDeps) (*Session, *fakeConn) {
	t.Helper()

	conn := newFakeConn()
	s := newSession(sessionConfig{
		id:          "test-session",
		conn:        conn,
		manager:     NewManager(),
		metrics:     testMetrics(t),
		idleTimeout: time.Minute,
		providers: providerSet{
			mode: "cloud",
			stt:  deps.sttProv,
			tts:  deps.ttsProv,
			llm:  deps.llmProv,
		},
		buildProviders: func(mode string) (providerSet, error) {
			if mode == "selfhost" && alt != nil {
				return providerSet{
					mode: mode,
					stt:  alt.sttProv,
					tts:  alt.ttsProv,
					llm:  alt.llmProv,
				}, nil
			}
			return providerSet{}, fmt.Errorf("%w: %q", errUnknownMode, mode)
		},
	})
	s.manager.tryAdd(s, 0)

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.run(context.Background())
	}()
	t.Cleanup(func() {
		s.shutdown()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Error("session did not shut down")
		}
	})

	waitFor(t, "session_ready", func() bool { return conn.hasEvent("session_ready") })
	return s, conn
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for !cond() {
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for %s", what)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func controlFrame(action string) inFrame {
	raw := fmt.Sprintf(`{"type":"control","payload":{"action":%q}}`, action)
	return inFrame{typ: websocket.MessageText, data: []byte(raw)}
}

func refinementFrame(kind string) inFrame {
	raw := fmt.Sprintf(`{"type":"control","payload":{"action":"refinement","data":{"type":%q}}}`, kind)
	return inFrame{typ: websocket.MessageText, data: []byte(raw)}
}

func setModeFrame(mode string) inFrame {
	raw := fmt.Sprintf(`{"type":"control","payload":{"action":"set_mode","data":{"mode":%q}}}`, mode)
	return inFrame{typ: websocket.MessageText, data: []byte(raw)}
}

// collectResponse is a minimal valid model reply for a collect turn.
const collectResponse = `{"style":"soft","spokenResponse":"Who is this note for?","noteDraft":"","tags":[]}`

func TestSession_InvalidFrame(t *testing.T) {
	t.Parallel()
	_, conn := startTestSession(t, newTestDeps(), nil)

	conn.inbound <- inFrame{typ: websocket.MessageText, data: []byte(`{"garbage":`)}

	waitFor(t, "error event", func() bool { return len(conn.errorMessages()) > 0 })
	if got := conn.errorMessages()[0]; got != "Invalid message format" {
		t.Errorf("error message = %q, want Invalid message format", got)
	}
}

func TestStartConversation_Idempotent(t *testing.T) {
	t.Parallel()
	deps := newTestDeps()
	_, conn := startTestSession(t, deps, nil)

	conn.inbound <- controlFrame("start_conversation")
	conn.inbound <- controlFrame("start_conversation")

	waitFor(t, "stream start", func() bool { return deps.sttProv.StartStreamCallCount() >= 1 })
	// Give the second control a chance to be processed.
	time.Sleep(20 * time.Millisecond)
	if got := deps.sttProv.StartStreamCallCount(); got != 1 {
		t.Errorf("StartStream calls = %d, want 1 (restart must be a no-op)", got)
	}
}

func TestStartConversation_STTFailure(t *testing.T) {
	t.Parallel()
	deps := newTestDeps()
	deps.sttProv.SessionFactory = nil
	deps.sttProv.StartStreamErr = errors.New("dial failed")
	s, conn := startTestSession(t, deps, nil)

	conn.inbound <- controlFrame("start_conversation")

	waitFor(t, "error event", func() bool { return len(conn.errorMessages()) > 0 })
	if got := conn.errorMessages()[0]; got != "Failed to start conversation" {
		t.Errorf("error message = %q", got)
	}
	if conn.closed() {
		t.Error("session should survive an STT start failure")
	}
	if _, ok := s.engine.GetSession(s.id); ok {
		t.Error("no engine context should exist after a failed start")
	}
}

func TestAudio_DroppedWithoutConversation(t *testing.T) {
	t.Parallel()
	deps := newTestDeps()
	_, conn := startTestSession(t, deps, nil)

	conn.inbound <- inFrame{typ: websocket.MessageBinary, data: []byte{1, 2, 3}}
	time.Sleep(20 * time.Millisecond)

	if len(conn.errorMessages()) != 0 {
		t.Errorf("unexpected error events: %v", conn.errorMessages())
	}
}

func TestAudio_RoutedToSTT(t *testing.T) {
	t.Parallel()
	deps := newTestDeps()
	_, conn := startTestSession(t, deps, nil)

	conn.inbound <- controlFrame("start_conversation")
	waitFor(t, "stream start", func() bool { return deps.lastSTTSession() != nil })

	conn.inbound <- inFrame{typ: websocket.MessageBinary, data: []byte{1, 2, 3, 4}}

	sess := deps.lastSTTSession()
	waitFor(t, "audio delivery", func() bool { return sess.SendAudioCallCount() == 1 })
}

func TestAudio_FeedError(t *testing.T) {
	t.Parallel()
	deps := newTestDeps()
	_, conn := startTestSession(t, deps, nil)

	conn.inbound <- controlFrame("start_conversation")
	waitFor(t, "stream start", func() bool { return deps.lastSTTSession() != nil })
	deps.lastSTTSession().SendAudioErr = errors.New("stream gone")

	conn.inbound <- inFrame{typ: websocket.MessageBinary, data: []byte{1}}

	waitFor(t, "error event", func() bool { return len(conn.errorMessages()) > 0 })
	if got := conn.errorMessages()[0]; got != "Failed to process audio" {
		t.Errorf("error message = %q", got)
	}
	if conn.closed() {
		t.Error("session should survive an audio feed error")
	}
}

func TestTranscriptFlow_FullTurn(t *testing.T) {
	t.Parallel()
	deps := newTestDeps()
	deps.llmProv.Responses = []llmmock.Response{{Content: collectResponse}}
	deps.ttsProv.SynthesizeChunks = [][]byte{[]byte("aud1"), []byte("aud2")}
	_, conn := startTestSession(t, deps, nil)

	conn.inbound <- controlFrame("start_conversation")
	waitFor(t, "stream start", func() bool { return deps.lastSTTSession() != nil })
	ch := deps.lastSTTSession().TranscriptsCh

	ch <- types.Transcript{Text: "hel"}
	ch <- types.Transcript{Text: "hel"} // duplicate, must be suppressed
	ch <- types.Transcript{Text: "hello"}
	ch <- types.Transcript{Text: "hello there", IsFinal: true}

	waitFor(t, "full turn", func() bool {
		return conn.hasEvent("tts.end") && conn.binaryCount() == 2
	})

	events := conn.events()
	partials := 0
	for _, ev := range events {
		if ev == "partial_transcript" {
			partials++
		}
	}
	if partials != 2 {
		t.Errorf("partial events = %d, want 2 (duplicate suppressed)", partials)
	}

	for _, pair := range [][2]string{
		{"user_speaking_start", "partial_transcript"},
		{"partial_transcript", "final_transcript"},
		{"final_transcript", "assistant_response"},
		{"assistant_response", "tts.start"},
		{"tts.start", "tts.end"},
	} {
		if conn.eventIndex(pair[0]) >= conn.eventIndex(pair[1]) {
			t.Errorf("event %q should precede %q, got order %v", pair[0], pair[1], events)
		}
	}
}

func TestBargeIn_TTSEndBeforePartial(t *testing.T) {
	t.Parallel()
	deps := newTestDeps()
	deps.llmProv.Responses = []llmmock.Response{{Content: collectResponse}}
	chunks := make([][]byte, 50)
	for i := range chunks {
		chunks[i] = []byte("chunk")
	}
	deps.ttsProv.SynthesizeChunks = chunks
	deps.ttsProv.ChunkDelay = 10 * time.Millisecond
	s, conn := startTestSession(t, deps, nil)

	conn.inbound <- controlFrame("start_conversation")
	waitFor(t, "stream start", func() bool { return deps.lastSTTSession() != nil })
	ch := deps.lastSTTSession().TranscriptsCh

	ch <- types.Transcript{Text: "hello there", IsFinal: true}

	// Wait until synthesis is audibly in flight.
	waitFor(t, "synthesis in flight", func() bool { return conn.binaryCount() >= 1 })

	ch <- types.Transcript{Text: "wait actually"}

	waitFor(t, "barge-in partial", func() bool { return conn.hasEvent("partial_transcript") })
	if conn.eventIndex("tts.end") >= conn.eventIndex("partial_transcript") {
		t.Errorf("tts.end must precede partial_transcript on barge-in, got %v", conn.events())
	}

	waitFor(t, "speaker stopped", func() bool { return !s.currentSpeaker().IsSynthesizing() })
}

func TestRefinement_NoConversation(t *testing.T) {
	t.Parallel()
	_, conn := startTestSession(t, newTestDeps(), nil)

	conn.inbound <- refinementFrame("shorter")

	waitFor(t, "error event", func() bool { return len(conn.errorMessages()) > 0 })
	if got := conn.errorMessages()[0]; !strings.Contains(got, "No active conversation") {
		t.Errorf("error message = %q", got)
	}
}

func TestRefinement_InvalidStage(t *testing.T) {
	t.Parallel()
	deps := newTestDeps()
	_, conn := startTestSession(t, deps, nil)

	conn.inbound <- controlFrame("start_conversation")
	waitFor(t, "stream start", func() bool { return deps.lastSTTSession() != nil })

	// Still in the collect stage; no draft exists yet.
	conn.inbound <- refinementFrame("shorter")

	waitFor(t, "error event", func() bool { return len(conn.errorMessages()) > 0 })
	if got := conn.errorMessages()[0]; !strings.Contains(got, "refine") {
		t.Errorf("error message = %q", got)
	}
	if deps.llmProv.CompleteCallCount() != 0 {
		t.Error("an invalid-stage refinement must not reach the model")
	}
}

func TestEndConversation_ThenRestartFresh(t *testing.T) {
	t.Parallel()
	deps := newTestDeps()
	deps.llmProv.Responses = []llmmock.Response{{Content: collectResponse}}
	s, conn := startTestSession(t, deps, nil)

	conn.inbound <- controlFrame("start_conversation")
	waitFor(t, "stream start", func() bool { return deps.lastSTTSession() != nil })
	first := deps.lastSTTSession()

	first.TranscriptsCh <- types.Transcript{Text: "for Sam", IsFinal: true}
	waitFor(t, "assistant response", func() bool { return conn.hasEvent("assistant_response") })

	conn.inbound <- controlFrame("end_conversation")
	waitFor(t, "conversation end", func() bool { return conn.hasEvent("conversation_ended") })

	if first.CloseCount() == 0 {
		t.Error("STT handle should be closed when the conversation ends")
	}
	if _, ok := s.engine.GetSession(s.id); ok {
		t.Error("engine context should be deleted when the conversation ends")
	}
	if conn.closed() {
		t.Error("socket must stay open after end_conversation")
	}

	conn.inbound <- controlFrame("start_conversation")
	waitFor(t, "restart", func() bool { return deps.sttProv.StartStreamCallCount() == 2 })

	sc, ok := s.engine.GetSession(s.id)
	if !ok {
		t.Fatal("restart should create a fresh engine context")
	}
	if len(sc.History) != 0 {
		t.Error("restarted conversation must not inherit history")
	}
}

func TestSetMode_Unknown(t *testing.T) {
	t.Parallel()
	deps := newTestDeps()
	_, conn := startTestSession(t, deps, nil)

	conn.inbound <- setModeFrame("premium")

	waitFor(t, "error event", func() bool { return len(conn.errorMessages()) > 0 })
	if got := conn.errorMessages()[0]; !strings.Contains(got, "premium") {
		t.Errorf("error message = %q, should name the mode", got)
	}
	if conn.hasEvent("mode_changed") {
		t.Error("a failed switch must not emit mode_changed")
	}
}

func TestSetMode_SwapsProviders(t *testing.T) {
	t.Parallel()
	deps := newTestDeps()
	alt := newTestDeps()
	_, conn := startTestSession(t, deps, alt)

	conn.inbound <- setModeFrame("selfhost")
	waitFor(t, "mode change", func() bool { return conn.hasEvent("mode_changed") })

	conn.inbound <- controlFrame("start_conversation")
	waitFor(t, "stream start", func() bool { return alt.sttProv.StartStreamCallCount() == 1 })
	if deps.sttProv.StartStreamCallCount() != 0 {
		t.Error("the old STT provider must not be used after the switch")
	}
}

func TestSetMode_EndsActiveConversation(t *testing.T) {
	t.Parallel()
	deps := newTestDeps()
	alt := newTestDeps()
	_, conn := startTestSession(t, deps, alt)

	conn.inbound <- controlFrame("start_conversation")
	waitFor(t, "stream start", func() bool { return deps.lastSTTSession() != nil })
	first := deps.lastSTTSession()

	conn.inbound <- setModeFrame("selfhost")
	waitFor(t, "mode change", func() bool { return conn.hasEvent("mode_changed") })

	if !conn.hasEvent("conversation_ended") {
		t.Error("switching modes mid-conversation should end the conversation first")
	}
	if conn.eventIndex("conversation_ended") >= conn.eventIndex("mode_changed") {
		t.Error("conversation_ended should precede mode_changed")
	}
	if first.CloseCount() == 0 {
		t.Error("old STT handle should be closed by the switch")
	}
}

func TestIdleTimeout_ClosesSession(t *testing.T) {
	t.Parallel()

	deps := newTestDeps()
	conn := newFakeConn()
	manager := NewManager()
	s := newSession(sessionConfig{
		id:          "idle-session",
		conn:        conn,
		manager:     manager,
		metrics:     testMetrics(t),
		idleTimeout: 40 * time.Millisecond,
		providers:   providerSet{mode: "cloud", stt: deps.sttProv, tts: deps.ttsProv, llm: deps.llmProv},
		buildProviders: func(string) (providerSet, error) {
			return providerSet{}, errUnknownMode
		},
	})
	manager.tryAdd(s, 0)

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.run(context.Background())
	}()

	waitFor(t, "idle close", conn.closed)
	if conn.closeCode != websocket.StatusNormalClosure {
		t.Errorf("close code = %d, want %d (normal closure)", conn.closeCode, websocket.StatusNormalClosure)
	}
	waitFor(t, "manager removal", func() bool { return manager.Count() == 0 })

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("run did not return after idle teardown")
	}
}

func TestTeardown_PeerStopsDraining(t *testing.T) {
	t.Parallel()

	deps := newTestDeps()
	deps.sttProv.SessionFactory = func() stt.SessionHandle {
		sess := &sttmock.Session{
			TranscriptsCh:       make(chan types.Transcript, 4*outboundBuffer),
			CloseChannelOnClose: true,
		}
		deps.mu.Lock()
		deps.sessions = append(deps.sessions, sess)
		deps.mu.Unlock()
		return sess
	}

	conn := newStalledConn()
	manager := NewManager()
	s := newSession(sessionConfig{
		id:          "stalled-session",
		conn:        conn,
		manager:     manager,
		metrics:     testMetrics(t),
		idleTimeout: time.Minute,
		providers:   providerSet{mode: "cloud", stt: deps.sttProv, tts: deps.ttsProv, llm: deps.llmProv},
		buildProviders: func(string) (providerSet, error) {
			return providerSet{}, errUnknownMode
		},
	})
	manager.tryAdd(s, 0)

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.run(context.Background())
	}()

	conn.inbound <- controlFrame("start_conversation")
	waitFor(t, "stream start", func() bool { return deps.lastSTTSession() != nil })
	ch := deps.lastSTTSession().TranscriptsCh

	// More partials than the outbound queue can absorb. With the peer not
	// reading, the transcript consumer ends up blocked on the full queue.
	for i := 0; i < 2*outboundBuffer; i++ {
		ch <- types.Transcript{Text: fmt.Sprintf("partial %d", i)}
	}
	time.Sleep(30 * time.Millisecond)

	s.shutdown()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("teardown wedged behind a stalled peer")
	}
	waitFor(t, "manager removal", func() bool { return manager.Count() == 0 })
	if !conn.closed() {
		t.Error("connection should be closed after teardown")
	}
}

func TestTurn_RecordsProviderCalls(t *testing.T) {
	t.Parallel()

	deps := newTestDeps()
	deps.llmProv.Responses = []llmmock.Response{{Content: collectResponse}}
	deps.ttsProv.SynthesizeChunks = [][]byte{[]byte("aud")}

	reader := sdkmetric.NewManualReader()
	m, err := observe.NewMetrics(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)))
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}

	conn := newFakeConn()
	manager := NewManager()
	s := newSession(sessionConfig{
		id:          "counted-session",
		conn:        conn,
		manager:     manager,
		metrics:     m,
		idleTimeout: time.Minute,
		providers: providerSet{
			mode:    "cloud",
			stt:     deps.sttProv,
			tts:     deps.ttsProv,
			llm:     deps.llmProv,
			voice:   types.VoiceProfile{Provider: "elevenlabs"},
			sttName: "deepgram",
			llmName: "openai",
		},
		buildProviders: func(string) (providerSet, error) {
			return providerSet{}, errUnknownMode
		},
	})
	manager.tryAdd(s, 0)

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.run(context.Background())
	}()
	t.Cleanup(func() {
		s.shutdown()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Error("session did not shut down")
		}
	})

	conn.inbound <- controlFrame("start_conversation")
	waitFor(t, "stream start", func() bool { return deps.lastSTTSession() != nil })
	deps.lastSTTSession().TranscriptsCh <- types.Transcript{Text: "for Sam", IsFinal: true}
	waitFor(t, "full turn", func() bool {
		return conn.hasEvent("tts.end") && conn.binaryCount() == 1
	})

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}

	requests := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, met := range sm.Metrics {
			if met.Name != "lovenote.provider.requests" {
				continue
			}
			sum, ok := met.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("provider.requests data is %T, want Sum[int64]", met.Data)
			}
			for _, dp := range sum.DataPoints {
				kind, _ := dp.Attributes.Value(attribute.Key("kind"))
				status, _ := dp.Attributes.Value(attribute.Key("status"))
				requests[kind.AsString()+"/"+status.AsString()] += dp.Value
			}
		}
	}
	for _, want := range []string{"stt/ok", "llm/ok", "tts/ok"} {
		if requests[want] == 0 {
			t.Errorf("no %s provider request recorded, got %v", want, requests)
		}
	}
}

func TestTeardown_RunsOnce(t *testing.T) {
	t.Parallel()
	deps := newTestDeps()
	s, conn := startTestSession(t, deps, nil)

	conn.inbound <- controlFrame("start_conversation")
	waitFor(t, "stream start", func() bool { return deps.lastSTTSession() != nil })

	s.shutdown()
	s.shutdown()
	s.teardown(websocket.StatusNormalClosure, "")

	conn.mu.Lock()
	closes := conn.closeCount
	conn.mu.Unlock()
	if closes != 1 {
		t.Errorf("connection Close calls = %d, want 1", closes)
	}
	if got := deps.lastSTTSession().CloseCount(); got != 1 {
		t.Errorf("STT handle Close calls = %d, want 1", got)
	}
}
