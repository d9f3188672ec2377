package repositories

import (
	"context"
	"io"

	"github.com/CaoMeiYouRen/momei-speech/domain/entities"
)

// TextToSpeech abstracts speech synthesis services
type TextToSpeech interface {
	// Synthesize starts a synthesis and returns its audio as soon as the
	// session is started. Audio arrives on the stream while synthesis runs.
	Synthesize(ctx context.Context, req *SynthesizeRequest) (AudioStream, error)
	// ListVoices returns the voices the provider can speak with
	ListVoices() []entities.Voice
}

// SynthesizeRequest describes one synthesis call
type SynthesizeRequest struct {
	Text       string `json:"text"`
	Voice      string `json:"voice,omitempty"`
	Format     string `json:"format,omitempty"` // mp3, pcm, ogg_opus
	SampleRate int    `json:"sample_rate,omitempty"`
}

// AudioStream is a lazily pulled, cancellable sequence of audio chunks.
//
// Next returns io.EOF once synthesis completed, or the fault that ended it.
// Close cancels the synthesis and releases its connection; it is safe to
// call more than once and from any goroutine.
type AudioStream interface {
	io.ReadCloser
	Next(ctx context.Context) ([]byte, error)
}
