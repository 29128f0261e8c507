// Package session orchestrates the voice conversation: it feeds captured
// audio through the codec into the realtime client, routes inbound audio
// and text events into playback and transcript state, and exposes the
// lifecycle operations the presentation layer drives.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/voxloop/voxloop/pkg/audio"
	"github.com/voxloop/voxloop/pkg/realtime"
)

// Role identifies who produced a transcript message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Message is one turn of the transcript. Once Streaming is false a message
// never changes again except by a full transcript clear.
type Message struct {
	ID        string
	Role      Role
	Content   string
	CreatedAt time.Time
	Streaming bool
}

// Lifecycle misuse errors surfaced to the presentation layer.
var (
	ErrNotConnected     = errors.New("session: not connected")
	ErrAlreadyListening = errors.New("session: already listening")
	ErrResponding       = errors.New("session: response in progress")
)

// restartSettleDelay gives the platform time to fully release the capture
// device before reacquisition, avoiding device-busy races across restarts.
const restartSettleDelay = 500 * time.Millisecond

// Realtime is the slice of the realtime client the controller drives.
type Realtime interface {
	Connect(ctx context.Context) error
	Disconnect(code int, reason string)
	SendAudio(chunk string)
	CreateResponse(instructions string) error
	CancelResponse() error
}

type microphone interface {
	Initialize() error
	StartStreaming(onChunk func(audio.CapturedChunk)) error
	StopStreaming()
	Cleanup()
}

type speaker interface {
	Play(samples []float32)
	Stop()
	Suspend()
}

// Controller wires capture, codec, client, and playback together and owns
// the observable session state: status, transcript, recording flag, and
// the latest error message.
type Controller struct {
	codec  *audio.Codec
	mic    microphone
	spk    speaker
	logger *zap.Logger

	mu         sync.Mutex
	client     Realtime
	newClient  func() Realtime
	status     realtime.Status
	messages   []Message
	recording  bool
	responding bool
	lastError  string
	rateLimits []realtime.RateLimit
	callArgs   map[string]string

	onUpdate func()
}

// New builds a Controller around the audio pipeline. Bind attaches the
// realtime client once it has been constructed with this controller's
// Hooks.
func New(codec *audio.Codec, mic microphone, spk speaker, logger *zap.Logger) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{
		codec:    codec,
		mic:      mic,
		spk:      spk,
		logger:   logger,
		status:   realtime.StatusDisconnected,
		callArgs: make(map[string]string),
	}
}

// Bind attaches the realtime client the controller drives.
func (c *Controller) Bind(client Realtime) {
	c.mu.Lock()
	c.client = client
	c.mu.Unlock()
}

// SetClientFactory registers a constructor used to replace the bound client
// when it reports reconnect exhaustion during Restart. A client past its
// reconnect budget is spent and cannot be revived in place.
func (c *Controller) SetClientFactory(fn func() Realtime) {
	c.mu.Lock()
	c.newClient = fn
	c.mu.Unlock()
}

// OnUpdate registers a single presentation callback invoked after any
// observable state change.
func (c *Controller) OnUpdate(fn func()) {
	c.mu.Lock()
	c.onUpdate = fn
	c.mu.Unlock()
}

// Hooks returns the realtime event hooks that route into this controller.
func (c *Controller) Hooks() realtime.Hooks {
	return realtime.Hooks{
		OnStatusChange:                c.handleStatus,
		OnAudioDelta:                  c.handleAudioDelta,
		OnAudioTranscriptDelta:        c.handleAssistantDelta,
		OnAudioTranscriptDone:         c.handleAssistantDone,
		OnInputTranscriptionDelta:     c.handleUserDelta,
		OnInputTranscriptionCompleted: c.handleUserCompleted,
		OnResponseCreated:             c.handleResponseCreated,
		OnResponseDone:                c.handleResponseDone,
		OnFunctionCallArgumentsDelta:  c.handleCallArgsDelta,
		OnFunctionCallArgumentsDone:   c.handleCallArgsDone,
		OnRateLimits:                  c.handleRateLimits,
		OnError:                       c.handleError,
	}
}

// Start begins listening: it acquires the microphone and streams encoded
// chunks into the client. Listening requires a connected session with no
// response in progress; starting while already listening is rejected, not
// duplicated.
func (c *Controller) Start() error {
	c.mu.Lock()
	if c.status != realtime.StatusConnected {
		c.mu.Unlock()
		return ErrNotConnected
	}
	if c.recording {
		c.mu.Unlock()
		return ErrAlreadyListening
	}
	if c.responding {
		c.mu.Unlock()
		return ErrResponding
	}
	client := c.client
	c.mu.Unlock()

	if err := c.mic.Initialize(); err != nil {
		return err
	}
	err := c.mic.StartStreaming(func(chunk audio.CapturedChunk) {
		wire := c.codec.Encode(chunk)
		if wire == "" {
			return
		}
		client.SendAudio(wire)
	})
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.recording = true
	c.mu.Unlock()
	c.notify()
	return nil
}

// Stop halts listening. Calling while not listening is a no-op.
func (c *Controller) Stop() {
	c.mu.Lock()
	if !c.recording {
		c.mu.Unlock()
		return
	}
	c.recording = false
	c.mu.Unlock()

	c.mic.StopStreaming()
	c.notify()
}

// Clear discards the transcript.
func (c *Controller) Clear() {
	c.mu.Lock()
	c.messages = nil
	c.callArgs = make(map[string]string)
	c.mu.Unlock()
	c.notify()
}

// Interrupt cuts off the assistant: playback stops immediately and any
// in-flight response is cancelled. A no-op when nothing is responding.
func (c *Controller) Interrupt() error {
	c.spk.Stop()
	c.mu.Lock()
	client := c.client
	responding := c.responding
	c.responding = false
	c.mu.Unlock()
	c.finalizeTail(RoleAssistant)
	if !responding || client == nil {
		return nil
	}
	return client.CancelResponse()
}

// Say sends a one-off text instruction and asks for a spoken response.
func (c *Controller) Say(text string) error {
	c.mu.Lock()
	client := c.client
	connected := c.status == realtime.StatusConnected
	c.mu.Unlock()
	if !connected || client == nil {
		return ErrNotConnected
	}
	c.append(Message{
		ID:        uuid.NewString(),
		Role:      RoleUser,
		Content:   text,
		CreatedAt: time.Now(),
	})
	return client.CreateResponse(text)
}

// Restart tears the whole session down and connects fresh: capture and
// playback released, transport closed, then a settling delay before
// reacquisition so singly-owned device handles are fully handed back.
func (c *Controller) Restart(ctx context.Context) error {
	c.Stop()
	c.spk.Suspend()

	c.mu.Lock()
	client := c.client
	c.responding = false
	c.lastError = ""
	c.mu.Unlock()

	if client != nil {
		client.Disconnect(1000, "restart")
	}
	c.mic.Cleanup()

	select {
	case <-time.After(restartSettleDelay):
	case <-ctx.Done():
		return ctx.Err()
	}

	if client == nil {
		return ErrNotConnected
	}
	err := client.Connect(ctx)
	if !errors.Is(err, realtime.ErrReconnectExhausted) {
		return err
	}

	// An exhausted client cannot be revived; replace it when a factory is
	// available and retry the connection on the fresh instance.
	c.mu.Lock()
	factory := c.newClient
	c.mu.Unlock()
	if factory == nil {
		return err
	}
	c.logger.Info("replacing exhausted realtime client")
	fresh := factory()
	c.mu.Lock()
	c.client = fresh
	c.mu.Unlock()
	return fresh.Connect(ctx)
}

// Shutdown releases everything without reconnecting.
func (c *Controller) Shutdown() {
	c.Stop()
	c.spk.Suspend()
	c.mu.Lock()
	client := c.client
	c.mu.Unlock()
	if client != nil {
		client.Disconnect(1000, "shutdown")
	}
	c.mic.Cleanup()
}

// Status reports the observable connection state.
func (c *Controller) Status() realtime.Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Recording reports whether the microphone is streaming.
func (c *Controller) Recording() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.recording
}

// Messages returns a snapshot of the ordered transcript.
func (c *Controller) Messages() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Message, len(c.messages))
	copy(out, c.messages)
	return out
}

// LastError returns the current user-visible error message, if any.
func (c *Controller) LastError() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastError
}

// RateLimits returns the latest rate-limit snapshot from the backend.
func (c *Controller) RateLimits() []realtime.RateLimit {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]realtime.RateLimit, len(c.rateLimits))
	copy(out, c.rateLimits)
	return out
}

func (c *Controller) handleStatus(status realtime.Status) {
	c.mu.Lock()
	c.status = status
	if status != realtime.StatusConnected {
		c.responding = false
	}
	c.mu.Unlock()
	if status == realtime.StatusDisconnected || status == realtime.StatusError {
		c.Stop()
	}
	c.notify()
}

func (c *Controller) handleAudioDelta(ev realtime.AudioDeltaEvent) {
	samples := c.codec.Decode(ev.Delta)
	if len(samples) == 0 {
		return
	}
	c.spk.Play(samples)
}

// handleAssistantDelta appends a text delta to the streaming assistant
// message at the tail of the transcript, starting a new message when the
// tail is absent, finalized, or not the assistant's.
func (c *Controller) handleAssistantDelta(ev realtime.AudioTranscriptDeltaEvent) {
	c.appendDelta(RoleAssistant, ev.Delta)
}

func (c *Controller) handleAssistantDone(ev realtime.AudioTranscriptDoneEvent) {
	c.finalizeTail(RoleAssistant)
}

func (c *Controller) handleUserDelta(ev realtime.InputTranscriptionDeltaEvent) {
	c.appendDelta(RoleUser, ev.Delta)
}

func (c *Controller) handleUserCompleted(ev realtime.InputTranscriptionCompletedEvent) {
	c.mu.Lock()
	if tail := c.tailLocked(RoleUser); tail != nil {
		if ev.Transcript != "" {
			tail.Content = ev.Transcript
		}
		tail.Streaming = false
	} else if ev.Transcript != "" {
		c.messages = append(c.messages, Message{
			ID:        uuid.NewString(),
			Role:      RoleUser,
			Content:   ev.Transcript,
			CreatedAt: time.Now(),
		})
	}
	c.mu.Unlock()
	c.notify()
}

func (c *Controller) handleResponseCreated(ev realtime.ResponseCreatedEvent) {
	c.mu.Lock()
	c.responding = true
	c.mu.Unlock()
	c.notify()
}

func (c *Controller) handleResponseDone(ev realtime.ResponseDoneEvent) {
	c.mu.Lock()
	c.responding = false
	c.mu.Unlock()
	c.finalizeTail(RoleAssistant)
}

func (c *Controller) handleCallArgsDelta(ev realtime.FunctionCallArgumentsDeltaEvent) {
	c.mu.Lock()
	c.callArgs[ev.CallID] += ev.Delta
	c.mu.Unlock()
}

func (c *Controller) handleCallArgsDone(ev realtime.FunctionCallArgumentsDoneEvent) {
	c.mu.Lock()
	delete(c.callArgs, ev.CallID)
	name := ev.Name
	c.mu.Unlock()
	if name == "" {
		return
	}
	c.append(Message{
		ID:        uuid.NewString(),
		Role:      RoleSystem,
		Content:   "function call: " + name + " " + ev.Arguments,
		CreatedAt: time.Now(),
	})
}

func (c *Controller) handleRateLimits(ev realtime.RateLimitsUpdatedEvent) {
	c.mu.Lock()
	c.rateLimits = ev.RateLimits
	c.mu.Unlock()
	c.notify()
}

func (c *Controller) handleError(err error) {
	c.mu.Lock()
	c.lastError = err.Error()
	c.mu.Unlock()
	c.logger.Warn("session error", zap.Error(err))
	c.notify()
}

func (c *Controller) appendDelta(role Role, delta string) {
	if delta == "" {
		return
	}
	c.mu.Lock()
	if tail := c.tailLocked(role); tail != nil {
		tail.Content += delta
	} else {
		c.messages = append(c.messages, Message{
			ID:        uuid.NewString(),
			Role:      role,
			Content:   delta,
			CreatedAt: time.Now(),
			Streaming: true,
		})
	}
	c.mu.Unlock()
	c.notify()
}

// tailLocked returns the transcript tail when it is a still-streaming
// message of the given role, otherwise nil.
func (c *Controller) tailLocked(role Role) *Message {
	if len(c.messages) == 0 {
		return nil
	}
	tail := &c.messages[len(c.messages)-1]
	if tail.Role != role || !tail.Streaming {
		return nil
	}
	return tail
}

func (c *Controller) finalizeTail(role Role) {
	c.mu.Lock()
	if tail := c.tailLocked(role); tail != nil {
		tail.Streaming = false
	}
	c.mu.Unlock()
	c.notify()
}

func (c *Controller) append(msg Message) {
	c.mu.Lock()
	c.messages = append(c.messages, msg)
	c.mu.Unlock()
	c.notify()
}

func (c *Controller) notify() {
	c.mu.Lock()
	fn := c.onUpdate
	c.mu.Unlock()
	if fn != nil {
		fn()
	}
}
