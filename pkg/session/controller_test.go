package session

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/voxloop/voxloop/pkg/audio"
	"github.com/voxloop/voxloop/pkg/realtime"
)

type fakeClient struct {
	mu          sync.Mutex
	status      realtime.Status
	sent        []string
	connects    int
	disconnects int
	cancels     int
	responses   []string
	connectErr  error
}

func (c *fakeClient) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connects++
	if c.connectErr != nil {
		return c.connectErr
	}
	c.status = realtime.StatusConnected
	return nil
}

func (c *fakeClient) Disconnect(code int, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnects++
	c.status = realtime.StatusDisconnected
}

func (c *fakeClient) SendAudio(chunk string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, chunk)
}

func (c *fakeClient) CreateResponse(instructions string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.responses = append(c.responses, instructions)
	return nil
}

func (c *fakeClient) CancelResponse() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancels++
	return nil
}

func (c *fakeClient) Status() realtime.Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

type fakeMic struct {
	initErr   error
	inits     int
	starts    int
	stops     int
	cleanups  int
	onChunk   func(audio.CapturedChunk)
	streaming bool
}

func (m *fakeMic) Initialize() error {
	m.inits++
	return m.initErr
}

func (m *fakeMic) StartStreaming(onChunk func(audio.CapturedChunk)) error {
	m.starts++
	m.streaming = true
	m.onChunk = onChunk
	return nil
}

func (m *fakeMic) StopStreaming() {
	m.stops++
	m.streaming = false
}

func (m *fakeMic) Cleanup() { m.cleanups++ }

type fakeSpeaker struct {
	played   [][]float32
	stops    int
	suspends int
}

func (s *fakeSpeaker) Play(samples []float32) { s.played = append(s.played, samples) }

func (s *fakeSpeaker) Stop() { s.stops++ }

func (s *fakeSpeaker) Suspend() { s.suspends++ }

func newTestController() (*Controller, *fakeClient, *fakeMic, *fakeSpeaker) {
	client := &fakeClient{status: realtime.StatusDisconnected}
	mic := &fakeMic{}
	speaker := &fakeSpeaker{}
	ctrl := New(audio.NewCodec(nil), mic, speaker, nil)
	ctrl.Bind(client)
	return ctrl, client, mic, speaker
}

func connect(ctrl *Controller) {
	ctrl.Hooks().OnStatusChange(realtime.StatusConnected)
}

func TestStart_RequiresConnection(t *testing.T) {
	ctrl, _, mic, _ := newTestController()

	if err := ctrl.Start(); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("Start while disconnected = %v, want ErrNotConnected", err)
	}
	if mic.inits != 0 {
		t.Fatalf("microphone touched while disconnected")
	}
}

func TestStart_DoubleStartRejected(t *testing.T) {
	ctrl, _, mic, _ := newTestController()
	connect(ctrl)

	if err := ctrl.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := ctrl.Start(); !errors.Is(err, ErrAlreadyListening) {
		t.Fatalf("second Start = %v, want ErrAlreadyListening", err)
	}
	if mic.starts != 1 {
		t.Fatalf("microphone started %d times, want 1", mic.starts)
	}
}

func TestStart_RejectedWhileResponding(t *testing.T) {
	ctrl, _, _, _ := newTestController()
	connect(ctrl)
	ctrl.Hooks().OnResponseCreated(realtime.ResponseCreatedEvent{})

	if err := ctrl.Start(); !errors.Is(err, ErrResponding) {
		t.Fatalf("Start during response = %v, want ErrResponding", err)
	}

	ctrl.Hooks().OnResponseDone(realtime.ResponseDoneEvent{})
	if err := ctrl.Start(); err != nil {
		t.Fatalf("Start after response done: %v", err)
	}
}

func TestCapturedChunksFlowToClient(t *testing.T) {
	ctrl, client, mic, _ := newTestController()
	connect(ctrl)

	if err := ctrl.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	mic.onChunk(audio.CapturedChunk{Format: audio.FormatPCM16, Data: make([]byte, 512)})
	// Sub-threshold chunks must never reach the wire.
	mic.onChunk(audio.CapturedChunk{Format: audio.FormatPCM16, Data: make([]byte, 10)})

	client.mu.Lock()
	defer client.mu.Unlock()
	if len(client.sent) != 1 {
		t.Fatalf("client received %d chunks, want 1", len(client.sent))
	}
}

func TestAssistantDeltas_AppendToStreamingTail(t *testing.T) {
	ctrl, _, _, _ := newTestController()
	hooks := ctrl.Hooks()

	hooks.OnAudioTranscriptDelta(realtime.AudioTranscriptDeltaEvent{Delta: "Hel"})
	hooks.OnAudioTranscriptDelta(realtime.AudioTranscriptDeltaEvent{Delta: "lo"})

	msgs := ctrl.Messages()
	if len(msgs) != 1 {
		t.Fatalf("%d messages, want 1", len(msgs))
	}
	if msgs[0].Content != "Hello" || msgs[0].Role != RoleAssistant || !msgs[0].Streaming {
		t.Fatalf("unexpected message: %+v", msgs[0])
	}

	hooks.OnAudioTranscriptDone(realtime.AudioTranscriptDoneEvent{})
	hooks.OnAudioTranscriptDelta(realtime.AudioTranscriptDeltaEvent{Delta: "Again"})

	msgs = ctrl.Messages()
	if len(msgs) != 2 {
		t.Fatalf("%d messages after finalize, want 2", len(msgs))
	}
	if msgs[0].Streaming {
		t.Fatalf("finalized message still streaming")
	}
	if msgs[1].Content != "Again" {
		t.Fatalf("second message = %+v", msgs[1])
	}
}

func TestUserAndAssistantTurnsInterleave(t *testing.T) {
	ctrl, _, _, _ := newTestController()
	hooks := ctrl.Hooks()

	hooks.OnInputTranscriptionDelta(realtime.InputTranscriptionDeltaEvent{Delta: "what time "})
	hooks.OnInputTranscriptionCompleted(realtime.InputTranscriptionCompletedEvent{Transcript: "what time is it"})
	hooks.OnAudioTranscriptDelta(realtime.AudioTranscriptDeltaEvent{Delta: "It is noon."})
	hooks.OnResponseDone(realtime.ResponseDoneEvent{})

	msgs := ctrl.Messages()
	if len(msgs) != 2 {
		t.Fatalf("%d messages, want 2", len(msgs))
	}
	if msgs[0].Role != RoleUser || msgs[0].Content != "what time is it" || msgs[0].Streaming {
		t.Fatalf("user message = %+v", msgs[0])
	}
	if msgs[1].Role != RoleAssistant || msgs[1].Content != "It is noon." || msgs[1].Streaming {
		t.Fatalf("assistant message = %+v", msgs[1])
	}
}

func TestUserCompleted_WithoutPriorDeltas(t *testing.T) {
	ctrl, _, _, _ := newTestController()

	ctrl.Hooks().OnInputTranscriptionCompleted(realtime.InputTranscriptionCompletedEvent{Transcript: "hi"})

	msgs := ctrl.Messages()
	if len(msgs) != 1 || msgs[0].Role != RoleUser || msgs[0].Content != "hi" {
		t.Fatalf("messages = %+v", msgs)
	}
}

func TestAudioDeltas_ReachSpeaker(t *testing.T) {
	ctrl, _, _, speaker := newTestController()

	codec := audio.NewCodec(nil)
	wire := codec.Encode(audio.CapturedChunk{Format: audio.FormatPCM16, Data: make([]byte, 480)})
	ctrl.Hooks().OnAudioDelta(realtime.AudioDeltaEvent{Delta: wire})
	ctrl.Hooks().OnAudioDelta(realtime.AudioDeltaEvent{Delta: "not base64!"})

	if len(speaker.played) != 1 {
		t.Fatalf("speaker received %d buffers, want 1", len(speaker.played))
	}
	if len(speaker.played[0]) != 240 {
		t.Fatalf("buffer = %d samples, want 240", len(speaker.played[0]))
	}
}

func TestStatusLoss_StopsListening(t *testing.T) {
	ctrl, _, mic, _ := newTestController()
	connect(ctrl)
	if err := ctrl.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	ctrl.Hooks().OnStatusChange(realtime.StatusError)

	if ctrl.Recording() {
		t.Fatalf("still recording after connection loss")
	}
	if mic.stops != 1 {
		t.Fatalf("microphone stopped %d times, want 1", mic.stops)
	}
}

func TestInterrupt_CancelsOnlyWhileResponding(t *testing.T) {
	ctrl, client, _, speaker := newTestController()
	connect(ctrl)

	if err := ctrl.Interrupt(); err != nil {
		t.Fatalf("Interrupt while idle: %v", err)
	}
	if client.cancels != 0 {
		t.Fatalf("idle interrupt cancelled a response")
	}

	ctrl.Hooks().OnResponseCreated(realtime.ResponseCreatedEvent{})
	if err := ctrl.Interrupt(); err != nil {
		t.Fatalf("Interrupt: %v", err)
	}
	if client.cancels != 1 {
		t.Fatalf("cancels = %d, want 1", client.cancels)
	}
	if speaker.stops != 2 {
		t.Fatalf("speaker stops = %d, want 2", speaker.stops)
	}
}

func TestClear_ResetsTranscript(t *testing.T) {
	ctrl, _, _, _ := newTestController()
	ctrl.Hooks().OnAudioTranscriptDelta(realtime.AudioTranscriptDeltaEvent{Delta: "hello"})

	ctrl.Clear()

	if msgs := ctrl.Messages(); len(msgs) != 0 {
		t.Fatalf("messages after Clear = %+v", msgs)
	}
}

func TestRestart_FullTeardownThenReconnect(t *testing.T) {
	ctrl, client, mic, speaker := newTestController()
	connect(ctrl)
	if err := ctrl.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if err := ctrl.Restart(context.Background()); err != nil {
		t.Fatalf("Restart: %v", err)
	}

	if client.disconnects != 1 || client.connects != 1 {
		t.Fatalf("disconnects=%d connects=%d, want 1/1", client.disconnects, client.connects)
	}
	if mic.cleanups != 1 {
		t.Fatalf("mic cleanups = %d, want 1", mic.cleanups)
	}
	if speaker.suspends == 0 {
		t.Fatalf("speaker not suspended during restart")
	}
}

func TestRestart_ReplacesExhaustedClient(t *testing.T) {
	ctrl, client, _, _ := newTestController()
	connect(ctrl)
	client.connectErr = realtime.ErrReconnectExhausted

	fresh := &fakeClient{}
	ctrl.SetClientFactory(func() Realtime { return fresh })

	if err := ctrl.Restart(context.Background()); err != nil {
		t.Fatalf("Restart: %v", err)
	}
	if client.disconnects != 1 {
		t.Fatalf("spent client disconnects = %d, want 1", client.disconnects)
	}
	if fresh.connects != 1 {
		t.Fatalf("fresh client connects = %d, want 1", fresh.connects)
	}

	// Subsequent operations must drive the replacement, not the spent one.
	connect(ctrl)
	if err := ctrl.Say("hello"); err != nil {
		t.Fatalf("Say after replacement: %v", err)
	}
	if len(fresh.responses) != 1 {
		t.Fatalf("fresh client responses = %v", fresh.responses)
	}
	if len(client.responses) != 0 {
		t.Fatalf("spent client still receiving: %v", client.responses)
	}
}

func TestRestart_ExhaustedWithoutFactorySurfacesError(t *testing.T) {
	ctrl, client, _, _ := newTestController()
	connect(ctrl)
	client.connectErr = realtime.ErrReconnectExhausted

	if err := ctrl.Restart(context.Background()); !errors.Is(err, realtime.ErrReconnectExhausted) {
		t.Fatalf("Restart = %v, want ErrReconnectExhausted", err)
	}
}

func TestRestart_HonorsContextCancellation(t *testing.T) {
	ctrl, client, _, _ := newTestController()
	connect(ctrl)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := ctrl.Restart(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Restart with cancelled context = %v, want context.Canceled", err)
	}
	if client.connects != 0 {
		t.Fatalf("reconnected despite cancelled context")
	}
}

func TestSay_RecordsUserMessageAndRequestsResponse(t *testing.T) {
	ctrl, client, _, _ := newTestController()

	if err := ctrl.Say("hello"); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("Say while disconnected = %v, want ErrNotConnected", err)
	}

	connect(ctrl)
	if err := ctrl.Say("hello"); err != nil {
		t.Fatalf("Say: %v", err)
	}
	if len(client.responses) != 1 || client.responses[0] != "hello" {
		t.Fatalf("responses = %v", client.responses)
	}
	msgs := ctrl.Messages()
	if len(msgs) != 1 || msgs[0].Role != RoleUser || msgs[0].Content != "hello" {
		t.Fatalf("messages = %+v", msgs)
	}
}

func TestErrorHook_ExposedToPresentation(t *testing.T) {
	ctrl, _, _, _ := newTestController()

	var updates int
	ctrl.OnUpdate(func() { updates++ })
	ctrl.Hooks().OnError(errors.New("backend unavailable"))

	if got := ctrl.LastError(); got != "backend unavailable" {
		t.Fatalf("LastError = %q", got)
	}
	if updates == 0 {
		t.Fatalf("OnUpdate not invoked for error")
	}
}
