package speech

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/CaoMeiYouRen/momei-speech/domain"
	"github.com/CaoMeiYouRen/momei-speech/domain/entities"
	"github.com/CaoMeiYouRen/momei-speech/domain/repositories"
)

// ProviderName is the registry name of the mock providers
const ProviderName = "mock"

// pcmBytesPerSecond assumes 16 kHz, 16 bit mono audio
const pcmBytesPerSecond = 32000

// mockFormats are the upload formats the mock recognizer accepts
var mockFormats = map[string]bool{
	"": true, "wav": true, "pcm": true, "mp3": true, "ogg": true, "opus": true, "ogg_opus": true,
}

// MockSpeechToText is a deterministic recognizer used in development and tests
type MockSpeechToText struct {
	logger *zap.Logger
	// Err, when set, is returned by every call
	Err error
}

// NewMockSpeechToText creates a new mock speech-to-text service
func NewMockSpeechToText(logger *zap.Logger) *MockSpeechToText {
	return &MockSpeechToText{logger: logger}
}

var _ repositories.SpeechToText = (*MockSpeechToText)(nil)

// Transcribe picks a canned sentence based on the audio size
func (s *MockSpeechToText) Transcribe(ctx context.Context, req *repositories.TranscribeRequest) (*entities.Transcript, error) {
	s.logger.Info("Processing speech-to-text",
		zap.Int("audioSize", len(req.Audio)),
		zap.String("format", req.Format))

	if s.Err != nil {
		return nil, s.Err
	}
	if len(req.Audio) == 0 {
		return nil, domain.NewFault(domain.FaultInvalidRequest, "audio cannot be empty", nil)
	}
	if !mockFormats[strings.ToLower(req.Format)] {
		return nil, domain.NewFault(domain.FaultInvalidRequest, "unsupported audio format "+req.Format, nil)
	}
	if err := ctx.Err(); err != nil {
		return nil, domain.NewFault(domain.FaultTransport, "recognition cancelled", err)
	}

	var text string
	switch {
	case len(req.Audio) > 10000:
		return s.transcript("今天天气很好，我们出去走走吧。", req), nil
	case len(req.Audio) > 5000:
		text = "谢谢收听。"
	case len(req.Audio) > 1000:
		text = "你好，墨梅！"
	default:
		text = "你好"
	}
	return s.transcript(text, req), nil
}

func (s *MockSpeechToText) transcript(text string, req *repositories.TranscribeRequest) *entities.Transcript {
	duration := float64(len(req.Audio)) / pcmBytesPerSecond
	return &entities.Transcript{
		Text:            text,
		Language:        req.Language,
		DurationSeconds: duration,
		Confidence:      1,
		Utterances: []entities.Utterance{{
			Text:      text,
			StartTime: 0,
			EndTime:   int(duration * 1000),
			Definite:  true,
		}},
	}
}

// MockTextToSpeech streams a generated byte pattern sized after the text
type MockTextToSpeech struct {
	logger *zap.Logger

	// ChunkSize is the size of every emitted chunk
	ChunkSize int
	// FailAfter makes the stream end with Fault after that many chunks.
	// A negative value never fails.
	FailAfter int
	Fault     error
}

// NewMockTextToSpeech creates a new mock text-to-speech service
func NewMockTextToSpeech(logger *zap.Logger) *MockTextToSpeech {
	return &MockTextToSpeech{
		logger:    logger,
		ChunkSize: 1024,
		FailAfter: -1,
	}
}

var _ repositories.TextToSpeech = (*MockTextToSpeech)(nil)

var mockVoices = []entities.Voice{
	{ID: "mock_female", Name: "Mock Female", Language: "zh-CN", Gender: "female"},
	{ID: "mock_male", Name: "Mock Male", Language: "en-US", Gender: "male"},
}

// ListVoices returns the mock catalog
func (t *MockTextToSpeech) ListVoices() []entities.Voice {
	out := make([]entities.Voice, len(mockVoices))
	copy(out, mockVoices)
	return out
}

// Synthesize returns a stream of len(text)*100 bytes
func (t *MockTextToSpeech) Synthesize(ctx context.Context, req *repositories.SynthesizeRequest) (repositories.AudioStream, error) {
	if strings.TrimSpace(req.Text) == "" {
		return nil, domain.NewFault(domain.FaultInvalidRequest, "text cannot be empty", nil)
	}

	t.logger.Info("Processing text-to-speech",
		zap.Int("textLength", len(req.Text)),
		zap.String("voice", req.Voice))

	size := len(req.Text) * 100
	audio := make([]byte, size)
	for i := range audio {
		audio[i] = byte(i % 256)
	}

	chunkSize := t.ChunkSize
	if chunkSize <= 0 {
		chunkSize = 1024
	}
	var chunks [][]byte
	for start := 0; start < len(audio); start += chunkSize {
		end := min(start+chunkSize, len(audio))
		chunks = append(chunks, audio[start:end])
	}

	stream := &chunkStream{chunks: chunks, failAfter: t.FailAfter, fault: t.Fault}
	if stream.fault == nil {
		stream.fault = domain.NewServerFault(45000000, "mock synthesis failed")
	}
	return stream, nil
}

var errMockStreamClosed = errors.New("audio stream closed")

// chunkStream replays prepared chunks
type chunkStream struct {
	mu        sync.Mutex
	chunks    [][]byte
	next      int
	failAfter int
	fault     error
	closed    bool
	pending   []byte
}

func (s *chunkStream) Next(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, errMockStreamClosed
	}
	if s.failAfter >= 0 && s.next >= s.failAfter {
		return nil, s.fault
	}
	if s.next >= len(s.chunks) {
		return nil, io.EOF
	}
	chunk := s.chunks[s.next]
	s.next++
	return chunk, nil
}

func (s *chunkStream) Read(p []byte) (int, error) {
	for len(s.pending) == 0 {
		chunk, err := s.Next(context.Background())
		if err != nil {
			return 0, err
		}
		s.pending = chunk
	}
	n := copy(p, s.pending)
	s.pending = s.pending[n:]
	return n, nil
}

func (s *chunkStream) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
