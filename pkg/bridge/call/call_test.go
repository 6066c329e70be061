package call

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/essexlabs/avery-bridge/pkg/bridge/agent"
	"github.com/essexlabs/avery-bridge/pkg/bridge/calls"
	"github.com/essexlabs/avery-bridge/pkg/bridge/convo"
)

type fakeTransport struct {
	in chan []byte

	mu     sync.Mutex
	writes [][]byte

	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{in: make(chan []byte, 64), closed: make(chan struct{})}
}

func (f *fakeTransport) ReadMessage() ([]byte, error) {
	select {
	case data := <-f.in:
		return data, nil
	case <-f.closed:
		return nil, errors.New("transport closed")
	}
}

func (f *fakeTransport) WriteMessage(data []byte) error {
	select {
	case <-f.closed:
		return errors.New("transport closed")
	default:
	}
	f.mu.Lock()
	f.writes = append(f.writes, data)
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) Close() error {
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeTransport) writtenEvents() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.writes))
	for _, w := range f.writes {
		var msg struct {
			Event string `json:"event"`
		}
		_ = json.Unmarshal(w, &msg)
		out = append(out, msg.Event)
	}
	return out
}

func (f *fakeTransport) waitForWrites(t *testing.T, n int) []string {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if evs := f.writtenEvents(); len(evs) >= n {
			return evs
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d provider writes, have %v", n, f.writtenEvents())
	return nil
}

type reconfigureCall struct {
	language string
	history  []agent.Message
}

type fakeAgent struct {
	mu sync.Mutex

	events   chan any
	done     chan struct{}
	doneOnce sync.Once

	language      string
	reconfiguring bool
	reconfigErr   error

	audio        [][]byte
	injected     []string
	fnResponses  []string
	reconfigures []reconfigureCall
	begins       int
}

func newFakeAgent() *fakeAgent {
	return &fakeAgent{
		events:   make(chan any, 64),
		done:     make(chan struct{}),
		language: agent.LanguageEnglish,
	}
}

func (f *fakeAgent) SendAudio(_ context.Context, data []byte) error {
	f.mu.Lock()
	f.audio = append(f.audio, data)
	f.mu.Unlock()
	return nil
}

func (f *fakeAgent) SendFunctionCallResponse(_ context.Context, _, _, content string) error {
	f.mu.Lock()
	f.fnResponses = append(f.fnResponses, content)
	f.mu.Unlock()
	return nil
}

func (f *fakeAgent) InjectMessage(_ context.Context, message string) error {
	f.mu.Lock()
	f.injected = append(f.injected, message)
	f.mu.Unlock()
	return nil
}

func (f *fakeAgent) BeginReconfigure() {
	f.mu.Lock()
	f.begins++
	f.reconfiguring = true
	f.mu.Unlock()
}

func (f *fakeAgent) Reconfigure(_ context.Context, language string, history []agent.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reconfigures = append(f.reconfigures, reconfigureCall{language: language, history: history})
	f.reconfiguring = false
	if f.reconfigErr != nil {
		return f.reconfigErr
	}
	f.language = language
	return nil
}

func (f *fakeAgent) Events() <-chan any     { return f.events }
func (f *fakeAgent) Done() <-chan struct{}  { return f.done }
func (f *fakeAgent) Reconfiguring() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reconfiguring
}

func (f *fakeAgent) Language() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.language
}

func (f *fakeAgent) Close() error {
	f.doneOnce.Do(func() { close(f.done) })
	return nil
}

func (f *fakeAgent) sentAudio() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.audio))
	copy(out, f.audio)
	return out
}

func (f *fakeAgent) waitForInjected(t *testing.T, n int) []string {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		f.mu.Lock()
		if len(f.injected) >= n {
			out := make([]string, len(f.injected))
			copy(out, f.injected)
			f.mu.Unlock()
			return out
		}
		f.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d injected messages", n)
	return nil
}

type scriptedMachine struct {
	mu      sync.Mutex
	replies map[string]convo.Reply
	calls   []string
}

func (s *scriptedMachine) Respond(_ context.Context, _ string, utterance string) (convo.Reply, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, utterance)
	if r, ok := s.replies[utterance]; ok {
		return r, nil
	}
	return convo.Reply{}, nil
}

func startFrame(streamSID, callSID string) []byte {
	return []byte(fmt.Sprintf(`{"event":"start","start":{"streamSid":%q,"callSid":%q}}`, streamSID, callSID))
}

func mediaFrame(audio []byte) []byte {
	return []byte(fmt.Sprintf(`{"event":"media","media":{"payload":%q}}`, base64.StdEncoding.EncodeToString(audio)))
}

type callFixture struct {
	lc        *LiveCall
	transport *fakeTransport
	agent     *fakeAgent
	machine   *scriptedMachine
	sessions  *convo.Store
	tracker   *calls.Tracker
	runDone   chan struct{}
}

func startCall(t *testing.T, cfg Config, machine *scriptedMachine) *callFixture {
	t.Helper()
	transport := newFakeTransport()
	fa := newFakeAgent()
	sessions := convo.NewStore()
	tracker := calls.NewTracker()

	deps := Dependencies{
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		Transport: transport,
		Agent:     fa,
		Sessions:  sessions,
		Tracker:   tracker,
	}
	if machine != nil {
		deps.Machine = machine
	}
	lc, err := New(cfg, deps)
	if err != nil {
		t.Fatalf("new call: %v", err)
	}

	fix := &callFixture{
		lc: lc, transport: transport, agent: fa,
		machine: machine, sessions: sessions, tracker: tracker,
		runDone: make(chan struct{}),
	}
	go func() {
		defer close(fix.runDone)
		_ = lc.Run(context.Background())
	}()
	t.Cleanup(func() {
		transport.Close()
		fix.waitDone(t)
	})
	return fix
}

func (f *callFixture) begin(t *testing.T) {
	t.Helper()
	f.transport.in <- startFrame("MZ1", "CA1")
	select {
	case <-f.lc.started:
	case <-time.After(3 * time.Second):
		t.Fatalf("call never started")
	}
}

func (f *callFixture) waitDone(t *testing.T) {
	t.Helper()
	select {
	case <-f.runDone:
	case <-time.After(3 * time.Second):
		t.Fatalf("call did not shut down")
	}
}

func TestLiveCall_BuffersIngressAudio(t *testing.T) {
	fix := startCall(t, Config{BufferBytes: 6}, nil)
	fix.begin(t)

	fix.transport.in <- mediaFrame([]byte{1, 2, 3})
	fix.transport.in <- mediaFrame([]byte{4, 5, 6})

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if chunks := fix.agent.sentAudio(); len(chunks) > 0 {
			if len(chunks) != 1 || len(chunks[0]) != 6 {
				t.Fatalf("chunks=%v", chunks)
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("no audio reached agent leg")
}

func TestLiveCall_MediaBeforeStartIsDropped(t *testing.T) {
	fix := startCall(t, Config{BufferBytes: 2}, nil)

	fix.transport.in <- mediaFrame([]byte{1, 2, 3, 4})
	fix.transport.in <- startFrame("MZ1", "CA1")
	select {
	case <-fix.lc.started:
	case <-time.After(3 * time.Second):
		t.Fatalf("call never started")
	}

	time.Sleep(50 * time.Millisecond)
	if chunks := fix.agent.sentAudio(); len(chunks) != 0 {
		t.Fatalf("pre-start audio forwarded: %v", chunks)
	}
}

func TestLiveCall_BargeInClearsBeforeNextAudio(t *testing.T) {
	fix := startCall(t, Config{}, nil)
	fix.begin(t)

	fix.agent.events <- agent.AudioEvent{Data: []byte{9}}
	fix.agent.events <- agent.UserStartedSpeakingEvent{}
	fix.agent.events <- agent.AudioEvent{Data: []byte{8}}

	evs := fix.transport.waitForWrites(t, 3)
	if evs[0] != "media" || evs[1] != "clear" || evs[2] != "media" {
		t.Fatalf("write order=%v, want [media clear media]", evs)
	}
}

func TestLiveCall_SameLanguageSwitchNeverReconnects(t *testing.T) {
	fix := startCall(t, Config{}, nil)
	fix.begin(t)

	fix.agent.events <- agent.FunctionCallRequestEvent{Functions: []agent.FunctionCall{{
		ID: "f1", Name: agent.SwitchLanguageFunction, Arguments: `{"language":"en"}`, ClientSide: true,
	}}}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		fix.agent.mu.Lock()
		responses := len(fix.agent.fnResponses)
		reconfigs := len(fix.agent.reconfigures)
		var content string
		if responses > 0 {
			content = fix.agent.fnResponses[0]
		}
		fix.agent.mu.Unlock()
		if responses == 1 {
			if reconfigs != 0 {
				t.Fatalf("same-language switch reconfigured the session")
			}
			if !strings.Contains(content, "Already speaking in en") {
				t.Fatalf("response=%q", content)
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("no function response sent")
}

func TestLiveCall_LanguageSwitchClearsThenReconfiguresWithTrimmedHistory(t *testing.T) {
	fix := startCall(t, Config{HistoryWindow: 10}, nil)
	fix.begin(t)

	// 12 transcript turns recorded from conversation events; only the last
	// 10 may be replayed.
	for i := 0; i < 12; i++ {
		fix.agent.events <- agent.ConversationTextEvent{Role: "user", Content: fmt.Sprintf("turn %d", i)}
	}
	fix.agent.events <- agent.FunctionCallRequestEvent{Functions: []agent.FunctionCall{{
		ID: "f1", Name: agent.SwitchLanguageFunction, Arguments: `{"language":"es"}`, ClientSide: true,
	}}}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		fix.agent.mu.Lock()
		reconfigs := make([]reconfigureCall, len(fix.agent.reconfigures))
		copy(reconfigs, fix.agent.reconfigures)
		fix.agent.mu.Unlock()
		if len(reconfigs) == 1 {
			if reconfigs[0].language != agent.LanguageSpanish {
				t.Fatalf("reconfigure language=%q", reconfigs[0].language)
			}
			if len(reconfigs[0].history) != 10 {
				t.Fatalf("history len=%d, want 10", len(reconfigs[0].history))
			}
			if reconfigs[0].history[0].Content != "turn 2" {
				t.Fatalf("history starts at %q, want turn 2", reconfigs[0].history[0].Content)
			}
			evs := fix.transport.writtenEvents()
			if len(evs) != 1 || evs[0] != "clear" {
				t.Fatalf("provider writes=%v, want exactly one clear", evs)
			}
			fix.agent.mu.Lock()
			begins := fix.agent.begins
			fix.agent.mu.Unlock()
			if begins != 1 {
				t.Fatalf("begins=%d, want the busy flag raised before the clear", begins)
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("reconfigure never called")
}

func TestLiveCall_SwitchFailureKeepsCallAlive(t *testing.T) {
	fix := startCall(t, Config{}, nil)
	fix.begin(t)

	fix.agent.mu.Lock()
	fix.agent.reconfigErr = errors.New("agent unreachable")
	fix.agent.mu.Unlock()

	fix.agent.events <- agent.FunctionCallRequestEvent{Functions: []agent.FunctionCall{{
		ID: "f1", Name: agent.SwitchLanguageFunction, Arguments: `{"language":"es"}`, ClientSide: true,
	}}}
	// The failed switch restored the prior session; audio keeps flowing.
	fix.agent.events <- agent.AudioEvent{Data: []byte{7}}

	evs := fix.transport.waitForWrites(t, 2)
	if evs[len(evs)-1] != "media" {
		t.Fatalf("writes=%v, want trailing media after failed switch", evs)
	}
	select {
	case <-fix.runDone:
		t.Fatalf("call shut down after failed switch")
	default:
	}

	// The pending turn was answered on the restored session.
	fix.agent.mu.Lock()
	responses := make([]string, len(fix.agent.fnResponses))
	copy(responses, fix.agent.fnResponses)
	fix.agent.mu.Unlock()
	if len(responses) != 1 || !strings.Contains(responses[0], "continuing in en") {
		t.Fatalf("responses=%v, want failed switch acknowledged", responses)
	}
}

func TestLiveCall_UnknownFunctionGetsErrorResponse(t *testing.T) {
	fix := startCall(t, Config{}, nil)
	fix.begin(t)

	fix.agent.events <- agent.FunctionCallRequestEvent{Functions: []agent.FunctionCall{{
		ID: "f1", Name: "teleport", ClientSide: true,
	}}}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		fix.agent.mu.Lock()
		n := len(fix.agent.fnResponses)
		var content string
		if n > 0 {
			content = fix.agent.fnResponses[0]
		}
		fix.agent.mu.Unlock()
		if n == 1 {
			if !strings.Contains(content, "not supported") {
				t.Fatalf("response=%q", content)
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("no response for unknown function")
}

func TestLiveCall_StopTearsDownBothLegs(t *testing.T) {
	fix := startCall(t, Config{}, nil)
	fix.begin(t)

	if fix.tracker.Count() != 1 {
		t.Fatalf("tracker count=%d, want 1", fix.tracker.Count())
	}

	fix.transport.in <- []byte(`{"event":"stop"}`)
	fix.waitDone(t)

	select {
	case <-fix.agent.done:
	default:
		t.Fatalf("agent session not closed on stop")
	}
	if fix.tracker.Count() != 0 {
		t.Fatalf("tracker count=%d after stop, want 0", fix.tracker.Count())
	}
}

func TestLiveCall_PassiveModeInjectsScriptedReplies(t *testing.T) {
	machine := &scriptedMachine{replies: map[string]convo.Reply{
		"":    {Text: "Hi, may I speak with Jordan Reyes?", Stage: convo.StageConfirmIdentity},
		"yes": {Text: "Please provide your date of birth.", Stage: convo.StageVerifyDOB},
	}}
	fix := startCall(t, Config{Passive: true}, machine)
	fix.begin(t)

	injected := fix.agent.waitForInjected(t, 1)
	if !strings.Contains(injected[0], "Jordan Reyes") {
		t.Fatalf("greeting=%q", injected[0])
	}

	fix.agent.events <- agent.ConversationTextEvent{Role: "user", Content: "yes"}
	injected = fix.agent.waitForInjected(t, 2)
	if !strings.Contains(injected[1], "date of birth") {
		t.Fatalf("reply=%q", injected[1])
	}

	// Agent-role transcript lines never go through the machine.
	fix.agent.events <- agent.ConversationTextEvent{Role: "assistant", Content: "Please provide your date of birth."}
	time.Sleep(50 * time.Millisecond)
	machine.mu.Lock()
	turns := len(machine.calls)
	machine.mu.Unlock()
	if turns != 2 {
		t.Fatalf("machine calls=%d, want 2", turns)
	}
}

func TestLiveCall_AudioSuppressedWhileReconfiguring(t *testing.T) {
	fix := startCall(t, Config{}, nil)
	fix.begin(t)

	fix.agent.mu.Lock()
	fix.agent.reconfiguring = true
	fix.agent.mu.Unlock()

	fix.agent.events <- agent.AudioEvent{Data: []byte{1}}
	// Give the downlink pump time to drain the event while the flag is set.
	time.Sleep(100 * time.Millisecond)
	if evs := fix.transport.writtenEvents(); len(evs) != 0 {
		t.Fatalf("stale audio reached provider during reconfigure: %v", evs)
	}

	fix.agent.mu.Lock()
	fix.agent.reconfiguring = false
	fix.agent.mu.Unlock()

	fix.agent.events <- agent.AudioEvent{Data: []byte{2}}
	evs := fix.transport.waitForWrites(t, 1)
	if evs[0] != "media" {
		t.Fatalf("writes=%v, want media once reconfigure finished", evs)
	}
}
