package realtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Status is the connection state of a Client.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusError        Status = "error"
)

const (
	defaultBaseURL        = "wss://api.openai.com/v1/realtime"
	defaultConnectTimeout = 15 * time.Second

	reconnectBaseDelay  = time.Second
	reconnectMaxDelay   = 10 * time.Second
	maxReconnectAttempt = 5
)

// ErrReconnectExhausted is returned once the reconnect attempt cap has been
// exceeded; the client instance is spent and must be recreated.
var ErrReconnectExhausted = errors.New("realtime: reconnect attempts exhausted; create a new client")

// Hooks are the observation points for inbound events and state transitions.
// Unset hooks are skipped. The client keeps no history of past events.
type Hooks struct {
	OnStatusChange func(Status)

	OnSessionCreated func(SessionCreatedEvent)
	OnSessionUpdated func(SessionUpdatedEvent)

	OnSpeechStarted  func(SpeechStartedEvent)
	OnSpeechStopped  func(SpeechStoppedEvent)
	OnInputCommitted func(InputCommittedEvent)

	OnItemCreated                 func(ItemCreatedEvent)
	OnInputTranscriptionDelta     func(InputTranscriptionDeltaEvent)
	OnInputTranscriptionCompleted func(InputTranscriptionCompletedEvent)

	OnResponseCreated      func(ResponseCreatedEvent)
	OnResponseDone         func(ResponseDoneEvent)
	OnAudioDelta           func(AudioDeltaEvent)
	OnAudioDone            func(AudioDoneEvent)
	OnAudioTranscriptDelta func(AudioTranscriptDeltaEvent)
	OnAudioTranscriptDone  func(AudioTranscriptDoneEvent)
	OnContentPartAdded     func(ContentPartAddedEvent)
	OnContentPartDone      func(ContentPartDoneEvent)
	OnOutputItemAdded      func(OutputItemAddedEvent)
	OnOutputItemDone       func(OutputItemDoneEvent)

	OnFunctionCallArgumentsDelta func(FunctionCallArgumentsDeltaEvent)
	OnFunctionCallArgumentsDone  func(FunctionCallArgumentsDoneEvent)

	OnRateLimits func(RateLimitsUpdatedEvent)

	// OnError receives both transport errors and backend error frames. A
	// backend error frame does not change connection state by itself.
	OnError func(error)
}

// ClientConfig configures a realtime Client.
type ClientConfig struct {
	APIKey  string
	BaseURL string
	Session SessionOptions
}

// Client owns one websocket session to the realtime backend: connect and
// auth, the session-configuration handshake, inbound demultiplexing,
// outbound event construction, bounded reconnection, and teardown.
type Client struct {
	apiKey  string
	baseURL string
	session SessionOptions
	hooks   Hooks
	logger  *zap.Logger

	dialer *websocket.Dialer

	mu                sync.Mutex
	conn              *websocket.Conn
	status            Status
	pending           chan struct{} // non-nil while a connect attempt is in flight
	pendingErr        error
	reconnectTimer    *time.Timer
	reconnectAttempts int
	exhausted         bool
	deliberateClose   bool

	writeMu sync.Mutex
}

// NewClient builds a Client. Session options are normalized against the
// supported whitelists up front. A nil logger disables logging.
func NewClient(cfg ClientConfig, hooks Hooks, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Client{
		apiKey:  cfg.APIKey,
		baseURL: baseURL,
		session: cfg.Session.Normalize(logger),
		hooks:   hooks,
		logger:  logger,
		dialer:  &websocket.Dialer{HandshakeTimeout: defaultConnectTimeout},
		status:  StatusDisconnected,
	}
}

// Status reports the current connection state.
func (c *Client) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Session returns the normalized session options in effect.
func (c *Client) Session() SessionOptions {
	return c.session
}

// Connect opens the websocket session and performs the configuration
// handshake. It is idempotent: a call while already connected resolves
// immediately, and a call while another connect is in flight awaits that
// same attempt instead of opening a second connection.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.exhausted {
		c.mu.Unlock()
		return ErrReconnectExhausted
	}
	if c.status == StatusConnected {
		c.mu.Unlock()
		return nil
	}
	if c.pending != nil {
		pending := c.pending
		c.mu.Unlock()
		select {
		case <-pending:
			c.mu.Lock()
			err := c.pendingErr
			c.mu.Unlock()
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	pending := make(chan struct{})
	c.pending = pending
	c.deliberateClose = false
	changed := c.setStatusLocked(StatusConnecting)
	c.mu.Unlock()
	c.notifyStatus(changed, StatusConnecting)

	return c.finishConnect(pending, c.dial(ctx))
}

// finishConnect resolves one connect attempt. A nil conn after a successful
// dial means the transport dropped during the handshake window and
// handleClosure already ran; the attempt must be reported as failed, or the
// client would sit in a connected status with no transport behind it.
func (c *Client) finishConnect(pending chan struct{}, err error) error {
	c.mu.Lock()
	if err == nil && c.conn == nil {
		err = errors.New("realtime: connection lost during handshake")
	}
	c.pendingErr = err
	c.pending = nil
	next := StatusConnected
	if err != nil {
		next = StatusError
		if c.deliberateClose {
			next = StatusDisconnected
		}
	} else {
		c.reconnectAttempts = 0
	}
	changed := c.setStatusLocked(next)
	c.mu.Unlock()
	close(pending)
	c.notifyStatus(changed, next)
	return err
}

func (c *Client) dial(ctx context.Context) error {
	endpoint, err := c.endpoint()
	if err != nil {
		return err
	}

	headers := make(http.Header)
	headers.Set("Authorization", "Bearer "+c.apiKey)
	headers.Set("OpenAI-Beta", "realtime=v1")

	dialCtx := ctx
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, defaultConnectTimeout)
		defer cancel()
	}

	conn, resp, err := c.dialer.DialContext(dialCtx, endpoint, headers)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("realtime dial failed (status %d): %w", resp.StatusCode, err)
		}
		return fmt.Errorf("realtime dial failed: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	update := SessionUpdate{Type: TypeSessionUpdate, Session: c.session.sessionConfig()}
	if err := c.writeJSON(conn, update); err != nil {
		_ = conn.Close()
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		return fmt.Errorf("send session.update: %w", err)
	}

	go c.readLoop(conn)
	return nil
}

func (c *Client) endpoint() (string, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return "", fmt.Errorf("invalid realtime base URL: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("realtime base URL must use ws(s) or http(s), got %q", u.Scheme)
	}
	q := u.Query()
	q.Set("model", c.session.Model)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// SendAudio transmits one base64 wire chunk as an input-buffer-append event.
// Blank input is a no-op. Sending while disconnected is logged and dropped;
// there is no outbound buffering for replay after reconnect.
func (c *Client) SendAudio(chunk string) {
	if chunk == "" {
		return
	}
	c.mu.Lock()
	conn := c.conn
	connected := c.status == StatusConnected
	c.mu.Unlock()
	if !connected || conn == nil {
		c.logger.Debug("dropping audio chunk while not connected")
		return
	}
	if err := c.writeJSON(conn, InputAudioBufferAppend{Type: TypeInputAudioBufferAppend, Audio: chunk}); err != nil {
		c.logger.Warn("audio send failed", zap.Error(err))
	}
}

// CommitAudioBuffer commits the pending input audio buffer.
func (c *Client) CommitAudioBuffer() error {
	return c.sendEvent(InputAudioBufferCommit{Type: TypeInputAudioBufferCommit})
}

// ClearAudioBuffer discards the pending input audio buffer.
func (c *Client) ClearAudioBuffer() error {
	return c.sendEvent(InputAudioBufferClear{Type: TypeInputAudioBufferClear})
}

// CancelResponse cancels the in-progress model response, if any.
func (c *Client) CancelResponse() error {
	return c.sendEvent(ResponseCancel{Type: TypeResponseCancel})
}

// CreateResponse asks the backend to produce a response. Instructions, when
// non-empty, override the session instructions for this response only.
func (c *Client) CreateResponse(instructions string) error {
	ev := ResponseCreate{Type: TypeResponseCreate}
	if instructions != "" {
		ev.Response = &ResponseConfig{
			Modalities:   []string{"text", "audio"},
			Instructions: instructions,
		}
	}
	return c.sendEvent(ev)
}

func (c *Client) sendEvent(v any) error {
	c.mu.Lock()
	conn := c.conn
	connected := c.status == StatusConnected
	c.mu.Unlock()
	if !connected || conn == nil {
		return errors.New("realtime: not connected")
	}
	return c.writeJSON(conn, v)
}

func (c *Client) writeJSON(conn *websocket.Conn, v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteJSON(v)
}

// Disconnect cancels any pending reconnect, closes the transport if open,
// and resets all connection state. It is safe to call from any state and
// never fails, even if the transport is already gone.
func (c *Client) Disconnect(code int, reason string) {
	c.mu.Lock()
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	conn := c.conn
	c.conn = nil
	c.pending = nil
	c.pendingErr = nil
	c.reconnectAttempts = 0
	c.deliberateClose = true
	changed := c.setStatusLocked(StatusDisconnected)
	c.mu.Unlock()
	c.notifyStatus(changed, StatusDisconnected)

	if conn != nil {
		deadline := time.Now().Add(2 * time.Second)
		c.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
		c.writeMu.Unlock()
		_ = conn.Close()
	}
}

func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.handleClosure(conn, err)
			return
		}
		event, decodeErr := DecodeServerEvent(data)
		if decodeErr != nil {
			// One malformed frame does not end the stream.
			c.logger.Warn("undecodable event frame", zap.Error(decodeErr))
			continue
		}
		c.dispatch(event)
	}
}

// dispatch routes one inbound event. The switch is exhaustive over the
// closed event vocabulary; UnknownEvent is the forward-compatibility arm.
func (c *Client) dispatch(event ServerEvent) {
	switch ev := event.(type) {
	case SessionCreatedEvent:
		if c.hooks.OnSessionCreated != nil {
			c.hooks.OnSessionCreated(ev)
		}
	case SessionUpdatedEvent:
		if c.hooks.OnSessionUpdated != nil {
			c.hooks.OnSessionUpdated(ev)
		}
	case SpeechStartedEvent:
		if c.hooks.OnSpeechStarted != nil {
			c.hooks.OnSpeechStarted(ev)
		}
	case SpeechStoppedEvent:
		// The backend's VAD decided the utterance ended; commit the input
		// buffer without waiting for an explicit user action.
		if err := c.CommitAudioBuffer(); err != nil {
			c.logger.Warn("auto-commit after speech stop failed", zap.Error(err))
		}
		if c.hooks.OnSpeechStopped != nil {
			c.hooks.OnSpeechStopped(ev)
		}
	case InputCommittedEvent:
		if c.hooks.OnInputCommitted != nil {
			c.hooks.OnInputCommitted(ev)
		}
	case ItemCreatedEvent:
		if c.hooks.OnItemCreated != nil {
			c.hooks.OnItemCreated(ev)
		}
	case InputTranscriptionDeltaEvent:
		if c.hooks.OnInputTranscriptionDelta != nil {
			c.hooks.OnInputTranscriptionDelta(ev)
		}
	case InputTranscriptionCompletedEvent:
		if c.hooks.OnInputTranscriptionCompleted != nil {
			c.hooks.OnInputTranscriptionCompleted(ev)
		}
	case ResponseCreatedEvent:
		if c.hooks.OnResponseCreated != nil {
			c.hooks.OnResponseCreated(ev)
		}
	case ResponseDoneEvent:
		if c.hooks.OnResponseDone != nil {
			c.hooks.OnResponseDone(ev)
		}
	case AudioDeltaEvent:
		if c.hooks.OnAudioDelta != nil {
			c.hooks.OnAudioDelta(ev)
		}
	case AudioDoneEvent:
		if c.hooks.OnAudioDone != nil {
			c.hooks.OnAudioDone(ev)
		}
	case AudioTranscriptDeltaEvent:
		if c.hooks.OnAudioTranscriptDelta != nil {
			c.hooks.OnAudioTranscriptDelta(ev)
		}
	case AudioTranscriptDoneEvent:
		if c.hooks.OnAudioTranscriptDone != nil {
			c.hooks.OnAudioTranscriptDone(ev)
		}
	case ContentPartAddedEvent:
		if c.hooks.OnContentPartAdded != nil {
			c.hooks.OnContentPartAdded(ev)
		}
	case ContentPartDoneEvent:
		if c.hooks.OnContentPartDone != nil {
			c.hooks.OnContentPartDone(ev)
		}
	case OutputItemAddedEvent:
		if c.hooks.OnOutputItemAdded != nil {
			c.hooks.OnOutputItemAdded(ev)
		}
	case OutputItemDoneEvent:
		if c.hooks.OnOutputItemDone != nil {
			c.hooks.OnOutputItemDone(ev)
		}
	case FunctionCallArgumentsDeltaEvent:
		if c.hooks.OnFunctionCallArgumentsDelta != nil {
			c.hooks.OnFunctionCallArgumentsDelta(ev)
		}
	case FunctionCallArgumentsDoneEvent:
		if c.hooks.OnFunctionCallArgumentsDone != nil {
			c.hooks.OnFunctionCallArgumentsDone(ev)
		}
	case RateLimitsUpdatedEvent:
		if c.hooks.OnRateLimits != nil {
			c.hooks.OnRateLimits(ev)
		}
	case ErrorEvent:
		// Backend-reported errors go to the error hook only; the
		// connection may remain usable.
		if c.hooks.OnError != nil {
			c.hooks.OnError(ev.Err)
		}
	case UnknownEvent:
		c.logger.Debug("ignoring unknown event type", zap.String("type", ev.Type))
	}
}

func (c *Client) handleClosure(conn *websocket.Conn, err error) {
	c.mu.Lock()
	if c.conn != conn {
		// A newer connection has replaced this one; nothing to do.
		c.mu.Unlock()
		return
	}
	c.conn = nil
	deliberate := c.deliberateClose
	c.mu.Unlock()
	_ = conn.Close()

	if deliberate || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		c.mu.Lock()
		changed := c.setStatusLocked(StatusDisconnected)
		c.mu.Unlock()
		c.notifyStatus(changed, StatusDisconnected)
		return
	}

	c.logger.Warn("connection closed abnormally", zap.Error(err))
	c.mu.Lock()
	changed := c.setStatusLocked(StatusError)
	c.mu.Unlock()
	c.notifyStatus(changed, StatusError)
	if c.hooks.OnError != nil {
		c.hooks.OnError(fmt.Errorf("connection closed: %w", err))
	}
	c.scheduleReconnect()
}

// BackoffDelay returns the reconnect delay for a 1-based attempt number:
// base * 2^(attempt-1), capped at the fixed ceiling.
func BackoffDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := reconnectBaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= reconnectMaxDelay {
			return reconnectMaxDelay
		}
	}
	if delay > reconnectMaxDelay {
		return reconnectMaxDelay
	}
	return delay
}

func (c *Client) scheduleReconnect() {
	c.mu.Lock()
	if c.deliberateClose {
		c.mu.Unlock()
		return
	}
	c.reconnectAttempts++
	attempt := c.reconnectAttempts
	if attempt > maxReconnectAttempt {
		c.exhausted = true
		c.mu.Unlock()
		c.logger.Error("reconnect attempts exhausted, giving up",
			zap.Int("attempts", maxReconnectAttempt))
		if c.hooks.OnError != nil {
			c.hooks.OnError(ErrReconnectExhausted)
		}
		return
	}
	delay := BackoffDelay(attempt)
	c.logger.Info("scheduling reconnect",
		zap.Int("attempt", attempt), zap.Duration("delay", delay))
	c.reconnectTimer = time.AfterFunc(delay, func() {
		c.mu.Lock()
		c.reconnectTimer = nil
		if c.deliberateClose {
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()
		if err := c.Connect(context.Background()); err != nil {
			c.logger.Warn("reconnect attempt failed", zap.Error(err), zap.Int("attempt", attempt))
			c.scheduleReconnect()
		}
	})
	c.mu.Unlock()
}

// setStatusLocked records a transition; the caller must invoke
// notifyStatus with the returned value after releasing the mutex so hooks
// run unlocked and in transition order.
func (c *Client) setStatusLocked(status Status) bool {
	if c.status == status {
		return false
	}
	c.status = status
	return true
}

func (c *Client) notifyStatus(changed bool, status Status) {
	if changed && c.hooks.OnStatusChange != nil {
		c.hooks.OnStatusChange(status)
	}
}
