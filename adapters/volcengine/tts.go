package volcengine

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/CaoMeiYouRen/momei-speech/domain"
	"github.com/CaoMeiYouRen/momei-speech/domain/entities"
	"github.com/CaoMeiYouRen/momei-speech/domain/repositories"
	"github.com/CaoMeiYouRen/momei-speech/internal/metrics"
	"github.com/CaoMeiYouRen/momei-speech/internal/protocol"
	"github.com/CaoMeiYouRen/momei-speech/internal/wsconn"
)

const synthesisNamespace = "BidirectionalTTS"

// TTS implements TextToSpeech with the bidirectional synthesis endpoint
type TTS struct {
	config  Config
	logger  *zap.Logger
	metrics *metrics.Collector
}

// Ensure TTS implements the TextToSpeech interface
var _ repositories.TextToSpeech = (*TTS)(nil)

// NewTTS creates a synthesis client
func NewTTS(config Config, logger *zap.Logger, collector *metrics.Collector) *TTS {
	return &TTS{
		config:  config.Resolved(),
		logger:  logger.With(zap.String("provider", "volcengine"), zap.String("kind", "tts")),
		metrics: collector,
	}
}

type synthesisRequest struct {
	User      requestUser     `json:"user"`
	Event     protocol.Event  `json:"event"`
	Namespace string          `json:"namespace"`
	ReqParams synthesisParams `json:"req_params"`
}

type synthesisParams struct {
	Text        string      `json:"text,omitempty"`
	Speaker     string      `json:"speaker"`
	AudioParams audioParams `json:"audio_params"`
}

type audioParams struct {
	Format     string `json:"format"`
	SampleRate int    `json:"sample_rate"`
}

// ListVoices returns the embedded voice catalog
func (t *TTS) ListVoices() []entities.Voice {
	return Voices()
}

// Synthesize validates the request and starts a session in the background.
// The returned stream yields audio as soon as the service produces it.
func (t *TTS) Synthesize(ctx context.Context, req *repositories.SynthesizeRequest) (repositories.AudioStream, error) {
	if err := t.config.Validate(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.Text) == "" {
		return nil, domain.NewFault(domain.FaultInvalidRequest, "text cannot be empty", nil)
	}

	if req.Voice != "" {
		if _, ok := LookupVoice(req.Voice); !ok {
			return nil, domain.NewFault(domain.FaultInvalidRequest, "unknown voice "+req.Voice, nil)
		}
	}

	params := synthesisParams{
		Speaker: req.Voice,
		AudioParams: audioParams{
			Format:     req.Format,
			SampleRate: req.SampleRate,
		},
	}
	if params.Speaker == "" {
		params.Speaker = t.config.DefaultVoice
	}
	if params.AudioParams.Format == "" {
		params.AudioParams.Format = t.config.TTSFormat
	}
	if params.AudioParams.SampleRate == 0 {
		params.AudioParams.SampleRate = t.config.TTSSampleRate
	}

	sessionID := uuid.NewString()
	logger := t.logger.With(zap.String("sessionID", sessionID))
	logger.Info("Starting synthesis",
		zap.String("speaker", params.Speaker),
		zap.String("format", params.AudioParams.Format),
		zap.Int("textLength", len([]rune(req.Text))),
	)

	stream := newAudioStream()
	sess := newSynthesisSession(sessionID, t.config.UID, req.Text, params, stream, logger)

	go t.run(ctx, sess, stream)

	return stream, nil
}

// run is the producer side of the stream
func (t *TTS) run(ctx context.Context, sess *synthesisSession, stream *audioStream) {
	start := time.Now()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-stream.closed:
			cancel()
		case <-ctx.Done():
		}
	}()

	err := t.session(ctx, sess)
	if stream.isClosed() {
		err = ErrStreamClosed
	}

	outcome := "succeeded"
	switch {
	case errors.Is(err, ErrStreamClosed), errors.Is(err, context.Canceled):
		outcome = "cancelled"
	case domain.IsKind(err, domain.FaultTimeout):
		outcome = "timeout"
	case err != nil:
		outcome = "failed"
	}
	t.metrics.RecordSession("tts", outcome, time.Since(start))
	t.metrics.RecordAudioBytes("tts", sess.audioBytes)

	if err != nil && outcome != "cancelled" {
		sess.logger.Error("Synthesis failed",
			zap.Error(err),
			zap.Stringer("state", sess.fsm.State()),
			zap.Int("chunks", sess.chunks),
		)
	} else {
		sess.logger.Info("Synthesis finished",
			zap.String("outcome", outcome),
			zap.Int("chunks", sess.chunks),
			zap.Int("audioBytes", sess.audioBytes),
			zap.Duration("elapsed", time.Since(start)),
		)
	}

	stream.finish(err)
}

func (t *TTS) session(ctx context.Context, sess *synthesisSession) error {
	header := t.config.authHeader(t.config.TTSResourceID)
	header.Set("X-Api-Request-Id", sess.id)

	sess.ctx = ctx
	conn, err := wsconn.Dial(ctx, t.config.TTSEndpoint, wsconn.Options{
		Header:      header,
		IdleTimeout: t.config.TTSIdleTimeout,
		Logger:      sess.logger,
		Metrics:     t.metrics,
	})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}

	err = conn.Run(ctx, sess)
	if err != nil {
		sess.fsm.fail()
	}
	switch {
	case err == nil:
		return nil
	case errors.Is(err, wsconn.ErrIdleTimeout):
		return domain.NewFault(domain.FaultTimeout, "synthesis stalled", err)
	case errors.Is(err, ErrStreamClosed), errors.Is(err, context.Canceled):
		return err
	case errors.Is(err, context.DeadlineExceeded):
		return domain.NewFault(domain.FaultTimeout, "synthesis deadline exceeded", err)
	}
	if _, ok := domain.AsSpeechError(err); !ok {
		err = domain.NewFault(domain.FaultTransport, "synthesis connection failed", err)
	}
	return err
}

// synthesisSession is the incremental completion policy: it walks the
// event sequence and forwards every audio frame to the stream.
type synthesisSession struct {
	// ctx bounds the hand-off of audio to the consumer
	ctx    context.Context
	id     string
	uid    string
	text   string
	params synthesisParams
	stream *audioStream
	fsm    synthesisFSM
	logger *zap.Logger

	chunks     int
	audioBytes int
}

func newSynthesisSession(id, uid, text string, params synthesisParams, stream *audioStream, logger *zap.Logger) *synthesisSession {
	return &synthesisSession{
		ctx:    context.Background(),
		id:     id,
		uid:    uid,
		text:   text,
		params: params,
		stream: stream,
		logger: logger,
	}
}

func (s *synthesisSession) payload(event protocol.Event, withText bool) ([]byte, error) {
	params := s.params
	if withText {
		params.Text = s.text
	}
	return json.Marshal(synthesisRequest{
		User:      requestUser{UID: s.uid},
		Event:     event,
		Namespace: synthesisNamespace,
		ReqParams: params,
	})
}

func (s *synthesisSession) send(c *wsconn.Conn, event protocol.Event, payload []byte) error {
	if payload == nil {
		payload = []byte("{}")
	}
	if err := c.Send(protocol.NewEventFrame(event, s.id, payload)); err != nil {
		return err
	}
	s.logger.Debug("Event sent", zap.Stringer("event", event), zap.Stringer("state", s.fsm.State()))
	return nil
}

// Open starts the connection
func (s *synthesisSession) Open(c *wsconn.Conn) error {
	if err := s.fsm.start(); err != nil {
		return domain.NewFault(domain.FaultProtocol, "session already started", err)
	}
	return s.send(c, protocol.EventStartConnection, nil)
}

// Frame advances the state machine with one server frame
func (s *synthesisSession) Frame(c *wsconn.Conn, f *protocol.Frame) (bool, error) {
	switch f.Type {
	case protocol.ErrorResponse:
		s.fsm.fail()
		return true, domain.NewServerFault(int(f.ErrorCode), f.Text())

	case protocol.AudioOnlyServerResponse:
		if !s.fsm.acceptsAudio() {
			s.fsm.fail()
			return true, domain.NewFault(domain.FaultProtocol,
				"audio received in state "+s.fsm.State().String(), nil)
		}
		return false, s.deliver(f.Payload)
	}

	if !f.HasEvent() {
		s.logger.Debug("Ignoring frame without event", zap.Stringer("type", f.Type))
		return false, nil
	}

	switch f.Event {
	case protocol.EventConnectionFailed, protocol.EventSessionFailed, protocol.EventSessionCanceled:
		s.fsm.fail()
		return true, s.serverFault(f)
	}

	next, err := s.fsm.advance(f.Event)
	if err != nil {
		return true, domain.NewFault(domain.FaultProtocol, "unexpected event", err)
	}

	switch f.Event {
	case protocol.EventConnectionStarted:
		payload, err := s.payload(protocol.EventStartSession, false)
		if err != nil {
			return true, err
		}
		return false, s.send(c, protocol.EventStartSession, payload)

	case protocol.EventSessionStarted:
		payload, err := s.payload(protocol.EventTaskRequest, true)
		if err != nil {
			return true, err
		}
		if err := s.send(c, protocol.EventTaskRequest, payload); err != nil {
			return true, err
		}
		if err := s.send(c, protocol.EventFinishSession, nil); err != nil {
			return true, err
		}
		s.fsm.finishing()
		return false, nil

	case protocol.EventSessionFinished:
		return false, s.send(c, protocol.EventFinishConnection, nil)

	case protocol.EventConnectionFinished:
		return next == stateDone, nil
	}

	return false, nil
}

// Closed fails a session whose socket ended before event 52
func (s *synthesisSession) Closed(err error) error {
	s.fsm.fail()
	if errors.Is(err, wsconn.ErrIdleTimeout) {
		return err
	}
	return domain.NewFault(domain.FaultTransport, "connection closed before synthesis finished", err)
}

func (s *synthesisSession) deliver(chunk []byte) error {
	if len(chunk) == 0 {
		return nil
	}
	if err := s.stream.deliver(s.ctx, chunk); err != nil {
		return err
	}
	s.chunks++
	s.audioBytes += len(chunk)
	return nil
}

// serverFault builds the fault for a failure event. The payload usually
// carries status_code and message.
func (s *synthesisSession) serverFault(f *protocol.Frame) error {
	var body struct {
		StatusCode int    `json:"status_code"`
		Message    string `json:"message"`
	}
	message := f.Text()
	if err := f.UnmarshalPayload(&body); err == nil && body.Message != "" {
		message = body.Message
	}
	if message == "" {
		message = f.Event.String()
	}
	return domain.NewServerFault(body.StatusCode, message)
}
