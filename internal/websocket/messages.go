package websocket

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// MessageType defines the type of WebSocket message
type MessageType string

// Client to server message types
const (
	MessageTypeSynthesize MessageType = "synthesize"
	MessageTypeCancel     MessageType = "cancel"
	MessageTypePing       MessageType = "ping"
)

// Server to client message types
const (
	MessageTypeSpeakingStart MessageType = "speaking_start"
	MessageTypeSpeakingEnd   MessageType = "speaking_end"
	MessageTypeError         MessageType = "error"
	MessageTypePong          MessageType = "pong"
)

// maxTextLength bounds one synthesis request, in characters
const maxTextLength = 5000

var validFormats = map[string]bool{
	"": true, "mp3": true, "ogg_opus": true, "pcm": true, "wav": true,
}

// BaseMessage defines the common structure for all WebSocket messages
type BaseMessage struct {
	Type      MessageType `json:"type"`
	Timestamp string      `json:"timestamp"`
	RequestID string      `json:"request_id,omitempty"`
}

// SynthesizeMessage asks for text to be spoken. Audio follows as binary
// messages between speaking_start and speaking_end.
type SynthesizeMessage struct {
	BaseMessage
	Text       string `json:"text"`
	Voice      string `json:"voice,omitempty"`
	Format     string `json:"format,omitempty"`
	SampleRate int    `json:"sample_rate,omitempty"`
}

// CancelMessage stops the synthesis with the given request id, or the
// current one when no id is given
type CancelMessage struct {
	BaseMessage
}

// PingMessage represents a ping message for connection health check
type PingMessage struct {
	BaseMessage
	Data string `json:"data,omitempty"`
}

// PongMessage represents a pong response
type PongMessage struct {
	BaseMessage
	Data string `json:"data,omitempty"`
}

// SpeakingStartMessage announces the audio of a request
type SpeakingStartMessage struct {
	BaseMessage
	Voice  string `json:"voice,omitempty"`
	Format string `json:"format,omitempty"`
}

// SpeakingEndMessage closes the audio of a request
type SpeakingEndMessage struct {
	BaseMessage
	Chunks     int  `json:"chunks"`
	AudioBytes int  `json:"audio_bytes"`
	Cancelled  bool `json:"cancelled,omitempty"`
}

// ErrorMessage represents an error response
type ErrorMessage struct {
	BaseMessage
	Code      string `json:"error_code"`
	Message   string `json:"message"`
	Details   string `json:"details,omitempty"`
	FaultCode int    `json:"fault_code,omitempty"`
}

// MessageValidator provides validation for WebSocket messages
type MessageValidator struct{}

// NewMessageValidator creates a new message validator
func NewMessageValidator() *MessageValidator {
	return &MessageValidator{}
}

// ValidateMessage parses and validates an incoming message
func (v *MessageValidator) ValidateMessage(messageBytes []byte) (interface{}, error) {
	// First parse as base message to get type
	var base BaseMessage
	if err := json.Unmarshal(messageBytes, &base); err != nil {
		return nil, fmt.Errorf("invalid JSON format: %w", err)
	}

	switch base.Type {
	case MessageTypeSynthesize:
		var msg SynthesizeMessage
		if err := json.Unmarshal(messageBytes, &msg); err != nil {
			return nil, fmt.Errorf("invalid synthesize message: %w", err)
		}
		if err := v.validateSynthesize(&msg); err != nil {
			return nil, err
		}
		return &msg, nil

	case MessageTypeCancel:
		var msg CancelMessage
		if err := json.Unmarshal(messageBytes, &msg); err != nil {
			return nil, fmt.Errorf("invalid cancel message: %w", err)
		}
		return &msg, nil

	case MessageTypePing:
		var msg PingMessage
		if err := json.Unmarshal(messageBytes, &msg); err != nil {
			return nil, fmt.Errorf("invalid ping message: %w", err)
		}
		return &msg, nil

	default:
		return nil, fmt.Errorf("unsupported message type: %s", base.Type)
	}
}

// validateSynthesize validates synthesize message fields
func (v *MessageValidator) validateSynthesize(msg *SynthesizeMessage) error {
	if msg.RequestID == "" {
		return fmt.Errorf("request_id is required")
	}
	if strings.TrimSpace(msg.Text) == "" {
		return fmt.Errorf("text is required")
	}
	if utf8.RuneCountInString(msg.Text) > maxTextLength {
		return fmt.Errorf("text must be at most %d characters", maxTextLength)
	}
	if !validFormats[msg.Format] {
		return fmt.Errorf("format must be one of: mp3, ogg_opus, pcm, wav")
	}
	if msg.SampleRate != 0 && (msg.SampleRate < 8000 || msg.SampleRate > 48000) {
		return fmt.Errorf("sample_rate must be between 8000 and 48000")
	}
	return nil
}

func newBase(t MessageType, requestID string) BaseMessage {
	return BaseMessage{
		Type:      t,
		Timestamp: time.Now().Format(time.RFC3339),
		RequestID: requestID,
	}
}

// CreateErrorMessage creates a standardized error message
func CreateErrorMessage(requestID, code, message, details string) *ErrorMessage {
	return &ErrorMessage{
		BaseMessage: newBase(MessageTypeError, requestID),
		Code:        code,
		Message:     message,
		Details:     details,
	}
}

// CreatePongMessage creates a pong response message
func CreatePongMessage(data string) *PongMessage {
	return &PongMessage{
		BaseMessage: newBase(MessageTypePong, ""),
		Data:        data,
	}
}

// CreateSpeakingStartMessage creates the message preceding synthesized audio
func CreateSpeakingStartMessage(requestID, voice, format string) *SpeakingStartMessage {
	return &SpeakingStartMessage{
		BaseMessage: newBase(MessageTypeSpeakingStart, requestID),
		Voice:       voice,
		Format:      format,
	}
}

// CreateSpeakingEndMessage creates the message following synthesized audio
func CreateSpeakingEndMessage(requestID string, chunks, audioBytes int, cancelled bool) *SpeakingEndMessage {
	return &SpeakingEndMessage{
		BaseMessage: newBase(MessageTypeSpeakingEnd, requestID),
		Chunks:      chunks,
		AudioBytes:  audioBytes,
		Cancelled:   cancelled,
	}
}
