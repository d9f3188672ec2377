// Package providers registers the speech providers the binaries can use.
package providers

import (
	"go.uber.org/zap"

	"github.com/CaoMeiYouRen/momei-speech/adapters/speech"
	"github.com/CaoMeiYouRen/momei-speech/adapters/volcengine"
	"github.com/CaoMeiYouRen/momei-speech/internal/config"
	"github.com/CaoMeiYouRen/momei-speech/internal/metrics"
	"github.com/CaoMeiYouRen/momei-speech/usecase"
)

// Volcengine is the registry name of the Volcengine OpenSpeech provider
const Volcengine = "volcengine"

// Register adds every known provider to r
func Register(r *usecase.Registry, logger *zap.Logger, collector *metrics.Collector) {
	r.Register(Volcengine, func(cfg config.SpeechConfig) (*usecase.Providers, error) {
		return &usecase.Providers{
			Name: Volcengine,
			STT:  volcengine.NewASR(cfg.Volcengine, logger, collector),
			TTS:  volcengine.NewTTS(cfg.Volcengine, logger, collector),
		}, nil
	})

	r.Register(speech.ProviderName, func(cfg config.SpeechConfig) (*usecase.Providers, error) {
		return &usecase.Providers{
			Name: speech.ProviderName,
			STT:  speech.NewMockSpeechToText(logger),
			TTS:  speech.NewMockTextToSpeech(logger),
		}, nil
	})
}
