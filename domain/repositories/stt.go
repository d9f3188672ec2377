package repositories

import (
	"context"

	"github.com/CaoMeiYouRen/momei-speech/domain/entities"
)

// SpeechToText abstracts speech recognition services
type SpeechToText interface {
	// Transcribe converts a complete audio buffer to text
	Transcribe(ctx context.Context, req *TranscribeRequest) (*entities.Transcript, error)
}

// TranscribeRequest describes one recognition call
type TranscribeRequest struct {
	Audio    []byte `json:"-"`
	Format   string `json:"format"` // wav, pcm, mp3, ogg, opus
	Language string `json:"language,omitempty"`
	Model    string `json:"model,omitempty"`
}
