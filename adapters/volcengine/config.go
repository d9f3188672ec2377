// Package volcengine implements speech recognition and synthesis on top of
// the Volcengine OpenSpeech streaming websocket API.
package volcengine

import (
	"fmt"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/CaoMeiYouRen/momei-speech/domain"
)

const (
	defaultASREndpoint   = "wss://openspeech.bytedance.com/api/v3/sauc/bigmodel_nostream"
	defaultTTSEndpoint   = "wss://openspeech.bytedance.com/api/v3/tts/bidirection"
	defaultASRResourceID = "volc.bigasr.sauc.duration"
	defaultTTSResourceID = "volc.service_type.10029"
	defaultASRModel      = "bigmodel"
	defaultASRTimeout    = 30 * time.Second
	defaultUID           = "momei-speech"
	defaultVoice         = "zh_female_shuangkuaisisi_moon_bigtts"
	defaultTTSFormat     = "mp3"
	defaultSampleRate    = 24000
)

// Config holds configuration shared by the recognition and synthesis
// clients.
// Required fields:
// - AppID: the application id issued by the console
// - AccessKey: the access token of the application
// Everything else falls back to a default when left empty.
type Config struct {
	AppID     string
	AccessKey string

	ASREndpoint   string
	ASRResourceID string
	ASRModel      string
	// ASRTimeout bounds a whole recognition call (default 30s)
	ASRTimeout time.Duration

	TTSEndpoint   string
	TTSResourceID string
	// TTSIdleTimeout ends a synthesis when the service stays silent this
	// long. Zero waits forever.
	TTSIdleTimeout time.Duration
	DefaultVoice   string
	TTSFormat      string
	TTSSampleRate  int

	// UID is sent as user.uid in every request payload
	UID string
}

// Validate checks the values that cannot be defaulted
func (c Config) Validate() error {
	if c.AppID == "" || c.AccessKey == "" {
		return domain.NewFault(domain.FaultConfiguration,
			"volcengine app id and access key are required", domain.ErrMissingCredentials)
	}

	if c.ASRTimeout < 0 {
		return domain.NewFault(domain.FaultConfiguration,
			fmt.Sprintf("asr timeout must not be negative, got %s", c.ASRTimeout), nil)
	}

	if c.TTSIdleTimeout < 0 {
		return domain.NewFault(domain.FaultConfiguration,
			fmt.Sprintf("tts idle timeout must not be negative, got %s", c.TTSIdleTimeout), nil)
	}

	if c.TTSSampleRate < 0 {
		return domain.NewFault(domain.FaultConfiguration,
			fmt.Sprintf("sample rate must be positive, got %d", c.TTSSampleRate), nil)
	}

	return nil
}

// Resolved returns a copy of c with defaults applied
func (c Config) Resolved() Config {
	if c.ASREndpoint == "" {
		c.ASREndpoint = defaultASREndpoint
	}
	if c.ASRResourceID == "" {
		c.ASRResourceID = defaultASRResourceID
	}
	if c.ASRModel == "" {
		c.ASRModel = defaultASRModel
	}
	if c.ASRTimeout == 0 {
		c.ASRTimeout = defaultASRTimeout
	}
	if c.TTSEndpoint == "" {
		c.TTSEndpoint = defaultTTSEndpoint
	}
	if c.TTSResourceID == "" {
		c.TTSResourceID = defaultTTSResourceID
	}
	if c.DefaultVoice == "" {
		c.DefaultVoice = defaultVoice
	}
	if c.TTSFormat == "" {
		c.TTSFormat = defaultTTSFormat
	}
	if c.TTSSampleRate == 0 {
		c.TTSSampleRate = defaultSampleRate
	}
	if c.UID == "" {
		c.UID = defaultUID
	}
	return c
}

// authHeader builds the connection headers that authenticate a call
func (c Config) authHeader(resourceID string) http.Header {
	h := http.Header{}
	h.Set("X-Api-App-Key", c.AppID)
	h.Set("X-Api-Access-Key", c.AccessKey)
	h.Set("X-Api-Resource-Id", resourceID)
	h.Set("X-Api-Connect-Id", uuid.NewString())
	return h
}

// NewConfigFromEnv creates a Config from environment variables
func NewConfigFromEnv() Config {
	config := Config{
		AppID:         os.Getenv("VOLC_APP_ID"),
		AccessKey:     os.Getenv("VOLC_ACCESS_KEY"),
		ASREndpoint:   os.Getenv("VOLC_ASR_ENDPOINT"),
		ASRResourceID: os.Getenv("VOLC_ASR_RESOURCE_ID"),
		ASRModel:      os.Getenv("VOLC_ASR_MODEL"),
		TTSEndpoint:   os.Getenv("VOLC_TTS_ENDPOINT"),
		TTSResourceID: os.Getenv("VOLC_TTS_RESOURCE_ID"),
		DefaultVoice:  os.Getenv("VOLC_DEFAULT_VOICE"),
		TTSFormat:     os.Getenv("VOLC_TTS_FORMAT"),
		UID:           os.Getenv("VOLC_UID"),
	}

	if timeoutStr := os.Getenv("VOLC_ASR_TIMEOUT"); timeoutStr != "" {
		if timeout, err := time.ParseDuration(timeoutStr); err == nil && timeout > 0 {
			config.ASRTimeout = timeout
		}
	}

	if idleStr := os.Getenv("VOLC_TTS_IDLE_TIMEOUT"); idleStr != "" {
		if idle, err := time.ParseDuration(idleStr); err == nil && idle > 0 {
			config.TTSIdleTimeout = idle
		}
	}

	if rateStr := os.Getenv("VOLC_TTS_SAMPLE_RATE"); rateStr != "" {
		if rate, err := strconv.Atoi(rateStr); err == nil && rate > 0 {
			config.TTSSampleRate = rate
		}
	}

	return config
}
