package usecase

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/CaoMeiYouRen/momei-speech/domain"
	"github.com/CaoMeiYouRen/momei-speech/domain/entities"
	"github.com/CaoMeiYouRen/momei-speech/domain/repositories"
	"github.com/CaoMeiYouRen/momei-speech/internal/config"
)

const recordTimeout = 5 * time.Second

// minRecognitionBudget is the quota a recognition call needs left, since its
// duration is only known afterwards
const minRecognitionBudget = 1.0

// ErrSynthesisCancelled is recorded on synthesis tasks the caller abandoned
var ErrSynthesisCancelled = errors.New("synthesis cancelled by caller")

// SpeechService checks quotas, calls the configured provider and records
// usage for every call
type SpeechService struct {
	registry *Registry
	speech   config.SpeechConfig
	tasks    repositories.TaskRepository
	quotas   repositories.QuotaRepository
	logger   *zap.Logger

	now func() time.Time
}

// NewSpeechService creates a new speech service
func NewSpeechService(
	registry *Registry,
	speech config.SpeechConfig,
	tasks repositories.TaskRepository,
	quotas repositories.QuotaRepository,
	logger *zap.Logger,
) *SpeechService {
	return &SpeechService{
		registry: registry,
		speech:   speech,
		tasks:    tasks,
		quotas:   quotas,
		logger:   logger,
		now:      time.Now,
	}
}

// ListVoices returns the voice catalog of the configured provider
func (s *SpeechService) ListVoices() ([]entities.Voice, error) {
	p, err := s.registry.Get(s.speech)
	if err != nil {
		return nil, err
	}
	return p.TTS.ListVoices(), nil
}

// Transcribe recognizes a complete audio clip for a user
func (s *SpeechService) Transcribe(ctx context.Context, userID string, req *repositories.TranscribeRequest) (*entities.Transcript, error) {
	p, err := s.registry.Get(s.speech)
	if err != nil {
		return nil, err
	}

	if err := s.checkQuota(ctx, userID, entities.TaskKindASR, minRecognitionBudget); err != nil {
		return nil, err
	}

	task := entities.NewSpeechTask(uuid.NewString(), userID, entities.TaskKindASR, p.Name, len(req.Audio))
	if err := s.tasks.Create(ctx, task); err != nil {
		return nil, fmt.Errorf("failed to record task: %w", err)
	}

	logger := s.logger.With(zap.String("taskID", task.ID), zap.String("userID", userID))
	logger.Info("Transcribing audio",
		zap.Int("audioSize", len(req.Audio)),
		zap.String("format", req.Format))

	transcript, err := p.STT.Transcribe(ctx, req)
	if err != nil {
		task.Fail(0, err)
		s.record(task, logger)
		return nil, err
	}

	task.Complete(len([]rune(transcript.Text)), transcript.DurationSeconds)
	s.record(task, logger)

	logger.Info("Transcription completed",
		zap.Int("textLength", len(transcript.Text)),
		zap.Float64("durationSeconds", transcript.DurationSeconds))
	return transcript, nil
}

// Synthesize starts a synthesis for a user. Usage is recorded when the
// returned stream ends, fails or is closed.
func (s *SpeechService) Synthesize(ctx context.Context, userID string, req *repositories.SynthesizeRequest) (repositories.AudioStream, error) {
	p, err := s.registry.Get(s.speech)
	if err != nil {
		return nil, err
	}

	chars := len([]rune(req.Text))
	if err := s.checkQuota(ctx, userID, entities.TaskKindTTS, float64(chars)); err != nil {
		return nil, err
	}

	task := entities.NewSpeechTask(uuid.NewString(), userID, entities.TaskKindTTS, p.Name, chars)
	if err := s.tasks.Create(ctx, task); err != nil {
		return nil, fmt.Errorf("failed to record task: %w", err)
	}

	logger := s.logger.With(zap.String("taskID", task.ID), zap.String("userID", userID))

	stream, err := p.TTS.Synthesize(ctx, req)
	if err != nil {
		task.Fail(0, err)
		s.record(task, logger)
		return nil, err
	}

	return &usageStream{
		AudioStream: stream,
		onEnd: func(audioBytes int, err error) {
			if err != nil {
				task.Fail(audioBytes, err)
			} else {
				task.Complete(audioBytes, 0)
			}
			s.record(task, logger)
		},
	}, nil
}

func (s *SpeechService) checkQuota(ctx context.Context, userID string, kind entities.TaskKind, amount float64) error {
	quota, err := s.quotas.GetQuota(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to load quota: %w", err)
	}

	now := s.now().UTC()
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	used, err := s.tasks.UsageSince(ctx, userID, dayStart)
	if err != nil {
		return fmt.Errorf("failed to load usage: %w", err)
	}

	if !quota.Allows(used, kind, amount) {
		s.logger.Warn("Quota exceeded",
			zap.String("userID", userID),
			zap.String("kind", string(kind)),
			zap.Float64("amount", amount))
		return domain.NewFault(domain.FaultQuota, fmt.Sprintf("daily %s quota exceeded", kind), nil)
	}
	return nil
}

// record stores the final task state. The caller's context may already be
// gone, so a fresh one is used.
func (s *SpeechService) record(task *entities.SpeechTask, logger *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()

	if err := s.tasks.Update(ctx, task); err != nil {
		logger.Error("Failed to record task", zap.Error(err))
		return
	}
	logger.Debug("Task recorded",
		zap.String("status", string(task.Status)),
		zap.Int("outputSize", task.OutputSize))
}

// usageStream counts delivered bytes and reports the outcome exactly once
type usageStream struct {
	repositories.AudioStream

	mu      sync.Mutex
	bytes   int
	pending []byte
	once    sync.Once
	onEnd   func(audioBytes int, err error)
}

func (u *usageStream) Next(ctx context.Context) ([]byte, error) {
	chunk, err := u.AudioStream.Next(ctx)
	switch {
	case err == nil:
		u.mu.Lock()
		u.bytes += len(chunk)
		u.mu.Unlock()
	case errors.Is(err, io.EOF):
		u.end(nil)
	case ctx.Err() != nil:
		// the caller stopped waiting; the session itself is still alive
	default:
		u.end(err)
	}
	return chunk, err
}

func (u *usageStream) Read(p []byte) (int, error) {
	for len(u.pending) == 0 {
		chunk, err := u.Next(context.Background())
		if err != nil {
			return 0, err
		}
		u.pending = chunk
	}
	n := copy(p, u.pending)
	u.pending = u.pending[n:]
	return n, nil
}

func (u *usageStream) Close() error {
	u.end(ErrSynthesisCancelled)
	return u.AudioStream.Close()
}

func (u *usageStream) end(err error) {
	u.once.Do(func() {
		u.mu.Lock()
		n := u.bytes
		u.mu.Unlock()
		u.onEnd(n, err)
	})
}
