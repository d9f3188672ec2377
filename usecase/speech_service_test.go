package usecase

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/CaoMeiYouRen/momei-speech/adapters/memory"
	"github.com/CaoMeiYouRen/momei-speech/adapters/speech"
	"github.com/CaoMeiYouRen/momei-speech/domain"
	"github.com/CaoMeiYouRen/momei-speech/domain/entities"
	"github.com/CaoMeiYouRen/momei-speech/domain/repositories"
	"github.com/CaoMeiYouRen/momei-speech/internal/config"
)

// spyTasks remembers the ids of created tasks
type spyTasks struct {
	*memory.TaskRepository

	mu  sync.Mutex
	ids []string
}

func (s *spyTasks) Create(ctx context.Context, task *entities.SpeechTask) error {
	if err := s.TaskRepository.Create(ctx, task); err != nil {
		return err
	}
	s.mu.Lock()
	s.ids = append(s.ids, task.ID)
	s.mu.Unlock()
	return nil
}

func (s *spyTasks) last(t *testing.T) *entities.SpeechTask {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	require.NotEmpty(t, s.ids, "no task was created")
	task, err := s.GetByID(context.Background(), s.ids[len(s.ids)-1])
	require.NoError(t, err)
	return task
}

func (s *spyTasks) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ids)
}

type serviceFixture struct {
	service *SpeechService
	tasks   *spyTasks
	quotas  *memory.QuotaRepository
	stt     *speech.MockSpeechToText
	tts     *speech.MockTextToSpeech
}

func newServiceFixture(t *testing.T, defaults entities.UserQuota) *serviceFixture {
	logger := zaptest.NewLogger(t)
	f := &serviceFixture{
		tasks:  &spyTasks{TaskRepository: memory.NewTaskRepository()},
		quotas: memory.NewQuotaRepository(defaults),
		stt:    speech.NewMockSpeechToText(logger),
		tts:    speech.NewMockTextToSpeech(logger),
	}

	registry := NewRegistry(logger)
	registry.Register(speech.ProviderName, func(cfg config.SpeechConfig) (*Providers, error) {
		return &Providers{STT: f.stt, TTS: f.tts}, nil
	})

	f.service = NewSpeechService(registry, config.SpeechConfig{Provider: speech.ProviderName}, f.tasks, f.quotas, logger)
	return f
}

func TestSpeechService_Transcribe(t *testing.T) {
	f := newServiceFixture(t, entities.UserQuota{})

	tr, err := f.service.Transcribe(context.Background(), "user-1", &repositories.TranscribeRequest{
		Audio:  make([]byte, 64000),
		Format: "pcm",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, tr.Text)

	task := f.tasks.last(t)
	assert.Equal(t, entities.TaskStatusSucceeded, task.Status)
	assert.Equal(t, entities.TaskKindASR, task.Kind)
	assert.Equal(t, "mock", task.Provider)
	assert.Equal(t, 64000, task.InputSize)
	assert.Equal(t, 2.0, task.AudioSeconds)
	assert.NotNil(t, task.CompletedAt)
}

func TestSpeechService_TranscribeFailureIsRecorded(t *testing.T) {
	f := newServiceFixture(t, entities.UserQuota{})
	f.stt.Err = domain.NewServerFault(1013, "audio invalid")

	_, err := f.service.Transcribe(context.Background(), "user-1", &repositories.TranscribeRequest{Audio: []byte{1, 2}})
	require.Error(t, err)
	assert.True(t, domain.IsKind(err, domain.FaultServer))

	task := f.tasks.last(t)
	assert.Equal(t, entities.TaskStatusFailed, task.Status)
	assert.Contains(t, task.Error, "audio invalid")
}

func TestSpeechService_RecognitionQuota(t *testing.T) {
	f := newServiceFixture(t, entities.UserQuota{DailyASRSeconds: 2})
	req := &repositories.TranscribeRequest{Audio: make([]byte, 64000), Format: "pcm"}

	_, err := f.service.Transcribe(context.Background(), "user-1", req)
	require.NoError(t, err)

	_, err = f.service.Transcribe(context.Background(), "user-1", req)
	require.Error(t, err)
	se, ok := domain.AsSpeechError(err)
	require.True(t, ok)
	assert.Equal(t, domain.FaultQuota, se.Kind)
	assert.Equal(t, 429, se.HTTPStatus())
	assert.Equal(t, 1, f.tasks.count())

	// other users keep their own budget
	_, err = f.service.Transcribe(context.Background(), "user-2", req)
	assert.NoError(t, err)
}

func TestSpeechService_SynthesizeRecordsOnEOF(t *testing.T) {
	f := newServiceFixture(t, entities.UserQuota{})

	stream, err := f.service.Synthesize(context.Background(), "user-1", &repositories.SynthesizeRequest{Text: "你好世界"})
	require.NoError(t, err)

	running := f.tasks.last(t)
	assert.Equal(t, entities.TaskStatusRunning, running.Status)
	assert.Equal(t, 4, running.InputSize)

	audio, err := io.ReadAll(stream)
	require.NoError(t, err)
	require.NoError(t, stream.Close())

	task := f.tasks.last(t)
	assert.Equal(t, entities.TaskStatusSucceeded, task.Status)
	assert.Equal(t, len(audio), task.OutputSize)

	usage, err := f.tasks.UsageSince(context.Background(), "user-1", time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 4, usage.TTSChars)
}

func TestSpeechService_SynthesizeCancelled(t *testing.T) {
	f := newServiceFixture(t, entities.UserQuota{})

	stream, err := f.service.Synthesize(context.Background(), "user-1", &repositories.SynthesizeRequest{Text: "hello world"})
	require.NoError(t, err)

	chunk, err := stream.Next(context.Background())
	require.NoError(t, err)
	require.NoError(t, stream.Close())
	require.NoError(t, stream.Close())

	task := f.tasks.last(t)
	assert.Equal(t, entities.TaskStatusFailed, task.Status)
	assert.Equal(t, len(chunk), task.OutputSize)
	assert.Equal(t, ErrSynthesisCancelled.Error(), task.Error)
}

func TestSpeechService_SynthesizeStreamFault(t *testing.T) {
	f := newServiceFixture(t, entities.UserQuota{})
	f.tts.FailAfter = 1

	stream, err := f.service.Synthesize(context.Background(), "user-1", &repositories.SynthesizeRequest{Text: "hello world"})
	require.NoError(t, err)
	defer stream.Close()

	_, err = stream.Next(context.Background())
	require.NoError(t, err)
	_, err = stream.Next(context.Background())
	require.Error(t, err)
	assert.True(t, domain.IsKind(err, domain.FaultServer))

	task := f.tasks.last(t)
	assert.Equal(t, entities.TaskStatusFailed, task.Status)
	assert.Equal(t, 1024, task.OutputSize)
}

func TestSpeechService_CallerContextDoesNotEndTask(t *testing.T) {
	f := newServiceFixture(t, entities.UserQuota{})

	stream, err := f.service.Synthesize(context.Background(), "user-1", &repositories.SynthesizeRequest{Text: "hi"})
	require.NoError(t, err)
	defer stream.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = stream.Next(ctx)
	require.ErrorIs(t, err, context.Canceled)

	assert.Equal(t, entities.TaskStatusRunning, f.tasks.last(t).Status)
}

func TestSpeechService_SynthesisQuota(t *testing.T) {
	f := newServiceFixture(t, entities.UserQuota{DailyTTSChars: 10})
	ctx := context.Background()

	stream, err := f.service.Synthesize(ctx, "user-1", &repositories.SynthesizeRequest{Text: "12345678"})
	require.NoError(t, err)
	_, err = io.ReadAll(stream)
	require.NoError(t, err)

	_, err = f.service.Synthesize(ctx, "user-1", &repositories.SynthesizeRequest{Text: "abc"})
	assert.True(t, domain.IsKind(err, domain.FaultQuota))

	_, err = f.service.Synthesize(ctx, "user-1", &repositories.SynthesizeRequest{Text: "ab"})
	assert.NoError(t, err)

	// a per-user override wins over the default
	require.NoError(t, f.quotas.SetQuota(ctx, entities.UserQuota{UserID: "user-1"}))
	_, err = f.service.Synthesize(ctx, "user-1", &repositories.SynthesizeRequest{Text: "abcdefghijk"})
	assert.NoError(t, err)
}

func TestSpeechService_SynthesizeRejectedSynchronously(t *testing.T) {
	f := newServiceFixture(t, entities.UserQuota{})

	_, err := f.service.Synthesize(context.Background(), "user-1", &repositories.SynthesizeRequest{Text: " "})
	require.Error(t, err)
	assert.True(t, domain.IsKind(err, domain.FaultInvalidRequest))
	assert.Equal(t, entities.TaskStatusFailed, f.tasks.last(t).Status)
}

func TestSpeechService_UnknownProvider(t *testing.T) {
	logger := zaptest.NewLogger(t)
	service := NewSpeechService(NewRegistry(logger), config.SpeechConfig{Provider: "nope"},
		memory.NewTaskRepository(), memory.NewQuotaRepository(entities.UserQuota{}), logger)

	_, err := service.ListVoices()
	assert.True(t, domain.IsKind(err, domain.FaultConfiguration))

	_, err = service.Transcribe(context.Background(), "user-1", &repositories.TranscribeRequest{Audio: []byte{1}})
	assert.True(t, domain.IsKind(err, domain.FaultConfiguration))
}

func TestSpeechService_ListVoices(t *testing.T) {
	f := newServiceFixture(t, entities.UserQuota{})

	voices, err := f.service.ListVoices()
	require.NoError(t, err)
	assert.Len(t, voices, 2)
}
