package api

import "github.com/CaoMeiYouRen/momei-speech/domain/entities"

// SynthesizeRequest represents the request payload for speech synthesis
type SynthesizeRequest struct {
	Text       string `json:"text"`
	Voice      string `json:"voice,omitempty"`
	Format     string `json:"format,omitempty"`
	SampleRate int    `json:"sample_rate,omitempty"`
}

// VoicesResponse lists the voices of the configured provider
type VoicesResponse struct {
	Voices []entities.Voice `json:"voices"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
	Code    int    `json:"code,omitempty"`
}
