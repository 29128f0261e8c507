package realtime

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Outbound frame type tags.
const (
	TypeSessionUpdate          = "session.update"
	TypeInputAudioBufferAppend = "input_audio_buffer.append"
	TypeInputAudioBufferCommit = "input_audio_buffer.commit"
	TypeInputAudioBufferClear  = "input_audio_buffer.clear"
	TypeResponseCreate         = "response.create"
	TypeResponseCancel         = "response.cancel"
)

// SessionConfig is the negotiated session shape sent in session.update.
type SessionConfig struct {
	Modalities              []string             `json:"modalities,omitempty"`
	Instructions            string               `json:"instructions,omitempty"`
	Voice                   string               `json:"voice,omitempty"`
	InputAudioFormat        string               `json:"input_audio_format,omitempty"`
	OutputAudioFormat       string               `json:"output_audio_format,omitempty"`
	InputAudioTranscription *TranscriptionConfig `json:"input_audio_transcription,omitempty"`
	TurnDetection           *TurnDetection       `json:"turn_detection,omitempty"`
	Temperature             float64              `json:"temperature,omitempty"`
	MaxResponseOutputTokens int                  `json:"max_response_output_tokens,omitempty"`
}

// TranscriptionConfig selects the model used for user speech transcription.
type TranscriptionConfig struct {
	Model string `json:"model"`
}

// TurnDetection configures server-side voice activity detection.
type TurnDetection struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold,omitempty"`
	PrefixPaddingMS   int     `json:"prefix_padding_ms,omitempty"`
	SilenceDurationMS int     `json:"silence_duration_ms,omitempty"`
}

// ResponseConfig carries per-response overrides for response.create.
type ResponseConfig struct {
	Modalities   []string `json:"modalities,omitempty"`
	Instructions string   `json:"instructions,omitempty"`
}

type SessionUpdate struct {
	Type    string        `json:"type"`
	Session SessionConfig `json:"session"`
}

type InputAudioBufferAppend struct {
	Type  string `json:"type"`
	Audio string `json:"audio"`
}

type InputAudioBufferCommit struct {
	Type string `json:"type"`
}

type InputAudioBufferClear struct {
	Type string `json:"type"`
}

type ResponseCreate struct {
	Type     string          `json:"type"`
	Response *ResponseConfig `json:"response,omitempty"`
}

type ResponseCancel struct {
	Type string `json:"type"`
}

// ConversationItem is one item of the server-held conversation.
type ConversationItem struct {
	ID      string        `json:"id,omitempty"`
	Type    string        `json:"type,omitempty"`
	Status  string        `json:"status,omitempty"`
	Role    string        `json:"role,omitempty"`
	Content []ContentPart `json:"content,omitempty"`
}

// ContentPart is one content element of an item or response output.
type ContentPart struct {
	Type       string `json:"type,omitempty"`
	Text       string `json:"text,omitempty"`
	Audio      string `json:"audio,omitempty"`
	Transcript string `json:"transcript,omitempty"`
}

// ResponseInfo describes a model response lifecycle frame.
type ResponseInfo struct {
	ID            string             `json:"id,omitempty"`
	Status        string             `json:"status,omitempty"`
	StatusDetails json.RawMessage    `json:"status_details,omitempty"`
	Output        []ConversationItem `json:"output,omitempty"`
	Usage         json.RawMessage    `json:"usage,omitempty"`
}

// RateLimit is one entry of a rate_limits.updated frame.
type RateLimit struct {
	Name         string  `json:"name"`
	Limit        int     `json:"limit"`
	Remaining    int     `json:"remaining"`
	ResetSeconds float64 `json:"reset_seconds"`
}

// ErrorDetail is the payload of an inbound error frame.
type ErrorDetail struct {
	Type    string `json:"type,omitempty"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
	Param   string `json:"param,omitempty"`
	EventID string `json:"event_id,omitempty"`
}

func (e ErrorDetail) Error() string {
	if strings.TrimSpace(e.Code) == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Code)
}

// ServerEvent is implemented by every inbound frame the backend can send.
// The set is closed: the client demultiplexes with an exhaustive type switch,
// and anything outside the vocabulary decodes to UnknownEvent.
type ServerEvent interface {
	serverEventType() string
}

type SessionCreatedEvent struct {
	EventID string          `json:"event_id"`
	Session json.RawMessage `json:"session"`
}

func (SessionCreatedEvent) serverEventType() string { return "session.created" }

type SessionUpdatedEvent struct {
	EventID string          `json:"event_id"`
	Session json.RawMessage `json:"session"`
}

func (SessionUpdatedEvent) serverEventType() string { return "session.updated" }

type SpeechStartedEvent struct {
	EventID      string `json:"event_id"`
	AudioStartMS int64  `json:"audio_start_ms"`
	ItemID       string `json:"item_id"`
}

func (SpeechStartedEvent) serverEventType() string { return "input_audio_buffer.speech_started" }

type SpeechStoppedEvent struct {
	EventID    string `json:"event_id"`
	AudioEndMS int64  `json:"audio_end_ms"`
	ItemID     string `json:"item_id"`
}

func (SpeechStoppedEvent) serverEventType() string { return "input_audio_buffer.speech_stopped" }

type InputCommittedEvent struct {
	EventID        string `json:"event_id"`
	PreviousItemID string `json:"previous_item_id"`
	ItemID         string `json:"item_id"`
}

func (InputCommittedEvent) serverEventType() string { return "input_audio_buffer.committed" }

type ItemCreatedEvent struct {
	EventID        string           `json:"event_id"`
	PreviousItemID string           `json:"previous_item_id"`
	Item           ConversationItem `json:"item"`
}

func (ItemCreatedEvent) serverEventType() string { return "conversation.item.created" }

type InputTranscriptionDeltaEvent struct {
	EventID      string `json:"event_id"`
	ItemID       string `json:"item_id"`
	ContentIndex int    `json:"content_index"`
	Delta        string `json:"delta"`
}

func (InputTranscriptionDeltaEvent) serverEventType() string {
	return "conversation.item.input_audio_transcription.delta"
}

type InputTranscriptionCompletedEvent struct {
	EventID      string `json:"event_id"`
	ItemID       string `json:"item_id"`
	ContentIndex int    `json:"content_index"`
	Transcript   string `json:"transcript"`
}

func (InputTranscriptionCompletedEvent) serverEventType() string {
	return "conversation.item.input_audio_transcription.completed"
}

type ResponseCreatedEvent struct {
	EventID  string       `json:"event_id"`
	Response ResponseInfo `json:"response"`
}

func (ResponseCreatedEvent) serverEventType() string { return "response.created" }

type ResponseDoneEvent struct {
	EventID  string       `json:"event_id"`
	Response ResponseInfo `json:"response"`
}

func (ResponseDoneEvent) serverEventType() string { return "response.done" }

type AudioDeltaEvent struct {
	EventID      string `json:"event_id"`
	ResponseID   string `json:"response_id"`
	ItemID       string `json:"item_id"`
	OutputIndex  int    `json:"output_index"`
	ContentIndex int    `json:"content_index"`
	Delta        string `json:"delta"`
}

func (AudioDeltaEvent) serverEventType() string { return "response.audio.delta" }

type AudioDoneEvent struct {
	EventID      string `json:"event_id"`
	ResponseID   string `json:"response_id"`
	ItemID       string `json:"item_id"`
	OutputIndex  int    `json:"output_index"`
	ContentIndex int    `json:"content_index"`
}

func (AudioDoneEvent) serverEventType() string { return "response.audio.done" }

type AudioTranscriptDeltaEvent struct {
	EventID      string `json:"event_id"`
	ResponseID   string `json:"response_id"`
	ItemID       string `json:"item_id"`
	OutputIndex  int    `json:"output_index"`
	ContentIndex int    `json:"content_index"`
	Delta        string `json:"delta"`
}

func (AudioTranscriptDeltaEvent) serverEventType() string { return "response.audio_transcript.delta" }

type AudioTranscriptDoneEvent struct {
	EventID      string `json:"event_id"`
	ResponseID   string `json:"response_id"`
	ItemID       string `json:"item_id"`
	OutputIndex  int    `json:"output_index"`
	ContentIndex int    `json:"content_index"`
	Transcript   string `json:"transcript"`
}

func (AudioTranscriptDoneEvent) serverEventType() string { return "response.audio_transcript.done" }

type ContentPartAddedEvent struct {
	EventID      string      `json:"event_id"`
	ResponseID   string      `json:"response_id"`
	ItemID       string      `json:"item_id"`
	OutputIndex  int         `json:"output_index"`
	ContentIndex int         `json:"content_index"`
	Part         ContentPart `json:"part"`
}

func (ContentPartAddedEvent) serverEventType() string { return "response.content_part.added" }

type ContentPartDoneEvent struct {
	EventID      string      `json:"event_id"`
	ResponseID   string      `json:"response_id"`
	ItemID       string      `json:"item_id"`
	OutputIndex  int         `json:"output_index"`
	ContentIndex int         `json:"content_index"`
	Part         ContentPart `json:"part"`
}

func (ContentPartDoneEvent) serverEventType() string { return "response.content_part.done" }

type OutputItemAddedEvent struct {
	EventID     string           `json:"event_id"`
	ResponseID  string           `json:"response_id"`
	OutputIndex int              `json:"output_index"`
	Item        ConversationItem `json:"item"`
}

func (OutputItemAddedEvent) serverEventType() string { return "response.output_item.added" }

type OutputItemDoneEvent struct {
	EventID     string           `json:"event_id"`
	ResponseID  string           `json:"response_id"`
	OutputIndex int              `json:"output_index"`
	Item        ConversationItem `json:"item"`
}

func (OutputItemDoneEvent) serverEventType() string { return "response.output_item.done" }

type FunctionCallArgumentsDeltaEvent struct {
	EventID     string `json:"event_id"`
	ResponseID  string `json:"response_id"`
	ItemID      string `json:"item_id"`
	OutputIndex int    `json:"output_index"`
	CallID      string `json:"call_id"`
	Delta       string `json:"delta"`
}

func (FunctionCallArgumentsDeltaEvent) serverEventType() string {
	return "response.function_call_arguments.delta"
}

type FunctionCallArgumentsDoneEvent struct {
	EventID     string `json:"event_id"`
	ResponseID  string `json:"response_id"`
	ItemID      string `json:"item_id"`
	OutputIndex int    `json:"output_index"`
	CallID      string `json:"call_id"`
	Name        string `json:"name"`
	Arguments   string `json:"arguments"`
}

func (FunctionCallArgumentsDoneEvent) serverEventType() string {
	return "response.function_call_arguments.done"
}

type RateLimitsUpdatedEvent struct {
	EventID    string      `json:"event_id"`
	RateLimits []RateLimit `json:"rate_limits"`
}

func (RateLimitsUpdatedEvent) serverEventType() string { return "rate_limits.updated" }

type ErrorEvent struct {
	EventID string      `json:"event_id"`
	Err     ErrorDetail `json:"error"`
}

func (ErrorEvent) serverEventType() string { return "error" }

// UnknownEvent carries any frame outside the recognized vocabulary.
type UnknownEvent struct {
	Type string
	Raw  json.RawMessage
}

func (e UnknownEvent) serverEventType() string { return e.Type }

// DecodeServerEvent parses one inbound text frame into its typed event.
// Frames with an unrecognized type tag decode to UnknownEvent; only a frame
// that is not valid JSON or lacks a type tag is an error.
func DecodeServerEvent(data []byte) (ServerEvent, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("decode event envelope: %w", err)
	}
	typ := strings.TrimSpace(envelope.Type)
	if typ == "" {
		return nil, fmt.Errorf("event frame missing type")
	}

	decode := func(v any) error {
		if err := json.Unmarshal(data, v); err != nil {
			return fmt.Errorf("decode %s: %w", typ, err)
		}
		return nil
	}

	switch typ {
	case "session.created":
		var ev SessionCreatedEvent
		return ev, decode(&ev)
	case "session.updated":
		var ev SessionUpdatedEvent
		return ev, decode(&ev)
	case "input_audio_buffer.speech_started":
		var ev SpeechStartedEvent
		return ev, decode(&ev)
	case "input_audio_buffer.speech_stopped":
		var ev SpeechStoppedEvent
		return ev, decode(&ev)
	case "input_audio_buffer.committed":
		var ev InputCommittedEvent
		return ev, decode(&ev)
	case "conversation.item.created":
		var ev ItemCreatedEvent
		return ev, decode(&ev)
	case "conversation.item.input_audio_transcription.delta":
		var ev InputTranscriptionDeltaEvent
		return ev, decode(&ev)
	case "conversation.item.input_audio_transcription.completed":
		var ev InputTranscriptionCompletedEvent
		return ev, decode(&ev)
	case "response.created":
		var ev ResponseCreatedEvent
		return ev, decode(&ev)
	case "response.done":
		var ev ResponseDoneEvent
		return ev, decode(&ev)
	case "response.audio.delta":
		var ev AudioDeltaEvent
		return ev, decode(&ev)
	case "response.audio.done":
		var ev AudioDoneEvent
		return ev, decode(&ev)
	case "response.audio_transcript.delta":
		var ev AudioTranscriptDeltaEvent
		return ev, decode(&ev)
	case "response.audio_transcript.done":
		var ev AudioTranscriptDoneEvent
		return ev, decode(&ev)
	case "response.content_part.added":
		var ev ContentPartAddedEvent
		return ev, decode(&ev)
	case "response.content_part.done":
		var ev ContentPartDoneEvent
		return ev, decode(&ev)
	case "response.output_item.added":
		var ev OutputItemAddedEvent
		return ev, decode(&ev)
	case "response.output_item.done":
		var ev OutputItemDoneEvent
		return ev, decode(&ev)
	case "response.function_call_arguments.delta":
		var ev FunctionCallArgumentsDeltaEvent
		return ev, decode(&ev)
	case "response.function_call_arguments.done":
		var ev FunctionCallArgumentsDoneEvent
		return ev, decode(&ev)
	case "rate_limits.updated":
		var ev RateLimitsUpdatedEvent
		return ev, decode(&ev)
	case "error":
		var ev ErrorEvent
		return ev, decode(&ev)
	default:
		return UnknownEvent{
			Type: typ,
			Raw:  append(json.RawMessage(nil), data...),
		}, nil
	}
}
