package volcengine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
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

const (
	recognitionSampleRate = 16000
	recognitionBits       = 16
	recognitionChannels   = 1

	// The whole audio goes out as the second client frame.
	audioSequence int32 = 2
)

// ASR implements SpeechToText with the one-shot recognition endpoint
type ASR struct {
	config  Config
	logger  *zap.Logger
	metrics *metrics.Collector
}

// Ensure ASR implements the SpeechToText interface
var _ repositories.SpeechToText = (*ASR)(nil)

// NewASR creates a recognition client. Credentials are checked per call so
// a server without them can still start.
func NewASR(config Config, logger *zap.Logger, collector *metrics.Collector) *ASR {
	return &ASR{
		config:  config.Resolved(),
		logger:  logger.With(zap.String("provider", "volcengine"), zap.String("kind", "asr")),
		metrics: collector,
	}
}

type recognitionRequest struct {
	User    requestUser      `json:"user"`
	Audio   recognitionAudio `json:"audio"`
	Request recognitionModel `json:"request"`
}

type requestUser struct {
	UID string `json:"uid"`
}

type recognitionAudio struct {
	Format   string `json:"format"`
	Codec    string `json:"codec"`
	Rate     int    `json:"rate"`
	Bits     int    `json:"bits"`
	Channel  int    `json:"channel"`
	Language string `json:"language,omitempty"`
}

type recognitionModel struct {
	ModelName      string `json:"model_name"`
	EnableITN      bool   `json:"enable_itn"`
	EnablePunc     bool   `json:"enable_punc"`
	ShowUtterances bool   `json:"show_utterances"`
	ResultType     string `json:"result_type"`
}

// audioFormat maps a caller format to the format and codec the service expects
func audioFormat(format string) (string, string, bool) {
	switch strings.ToLower(format) {
	case "", "wav":
		return "wav", "raw", true
	case "pcm":
		return "pcm", "raw", true
	case "mp3":
		return "mp3", "raw", true
	case "ogg", "opus", "ogg_opus":
		return "ogg", "opus", true
	}
	return "", "", false
}

// Transcribe sends the whole audio in one request and waits for the result
func (a *ASR) Transcribe(ctx context.Context, req *repositories.TranscribeRequest) (*entities.Transcript, error) {
	if err := a.config.Validate(); err != nil {
		return nil, err
	}
	if len(req.Audio) == 0 {
		return nil, domain.NewFault(domain.FaultInvalidRequest, "audio cannot be empty", nil)
	}
	format, codec, ok := audioFormat(req.Format)
	if !ok {
		return nil, domain.NewFault(domain.FaultInvalidRequest, "unsupported audio format "+req.Format, nil)
	}

	model := req.Model
	if model == "" {
		model = a.config.ASRModel
	}

	payload, err := json.Marshal(recognitionRequest{
		User: requestUser{UID: a.config.UID},
		Audio: recognitionAudio{
			Format:   format,
			Codec:    codec,
			Rate:     recognitionSampleRate,
			Bits:     recognitionBits,
			Channel:  recognitionChannels,
			Language: req.Language,
		},
		Request: recognitionModel{
			ModelName:      model,
			EnableITN:      true,
			EnablePunc:     true,
			ShowUtterances: true,
			ResultType:     "full",
		},
	})
	if err != nil {
		return nil, domain.NewFault(domain.FaultProtocol, "failed to marshal request", err)
	}

	requestID := uuid.NewString()
	logger := a.logger.With(zap.String("requestID", requestID))
	logger.Info("Starting recognition",
		zap.String("format", format),
		zap.Int("audioBytes", len(req.Audio)),
		zap.String("language", req.Language),
	)

	start := time.Now()
	sess := newRecognitionSession(payload, req.Audio, req.Language, logger)
	transcript, err := a.run(ctx, sess, requestID, start)

	outcome := "succeeded"
	switch {
	case domain.IsKind(err, domain.FaultTimeout):
		outcome = "timeout"
	case err != nil:
		outcome = "failed"
	}
	a.metrics.RecordSession("asr", outcome, time.Since(start))
	a.metrics.RecordAudioBytes("asr", len(req.Audio))

	if err != nil {
		logger.Error("Recognition failed", zap.Error(err), zap.Duration("elapsed", time.Since(start)))
		return nil, err
	}

	logger.Info("Recognition finished",
		zap.Int("textLength", len(transcript.Text)),
		zap.Float64("durationSeconds", transcript.DurationSeconds),
		zap.Duration("elapsed", time.Since(start)),
	)
	return transcript, nil
}

// run dials and drives the session. The timeout starts at session creation
// and covers the dial as well.
func (a *ASR) run(ctx context.Context, sess *recognitionSession, requestID string, start time.Time) (*entities.Transcript, error) {
	deadline := start.Add(a.config.ASRTimeout)

	dialCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	header := a.config.authHeader(a.config.ASRResourceID)
	header.Set("X-Api-Request-Id", requestID)

	conn, err := wsconn.Dial(dialCtx, a.config.ASREndpoint, wsconn.Options{
		Header:  header,
		Logger:  sess.logger,
		Metrics: a.metrics,
	})
	if err != nil {
		if ctx.Err() == nil && errors.Is(dialCtx.Err(), context.DeadlineExceeded) {
			return nil, sess.timeoutFault(a.config.ASRTimeout)
		}
		return nil, err
	}

	timer := time.AfterFunc(time.Until(deadline), func() {
		sess.settle(nil, sess.timeoutFault(a.config.ASRTimeout))
		conn.Close()
	})
	defer timer.Stop()

	runErr := conn.Run(ctx, sess)
	sess.finish(runErr)
	return sess.outcome()
}

type recognitionState int

const (
	recognitionConnecting recognitionState = iota
	recognitionAwaiting
	recognitionResolved
	recognitionFailed
	recognitionTimedOut
)

// recognitionSession is the single-value completion policy: the first
// qualifying event settles it and everything after is dropped.
type recognitionSession struct {
	config   []byte
	audio    []byte
	language string
	logger   *zap.Logger

	// text is the best transcript seen so far
	text       string
	utterances []entities.Utterance

	once       sync.Once
	mu         sync.Mutex
	state      recognitionState
	transcript *entities.Transcript
	err        error
}

func newRecognitionSession(config, audio []byte, language string, logger *zap.Logger) *recognitionSession {
	return &recognitionSession{
		config:   config,
		audio:    audio,
		language: language,
		logger:   logger,
	}
}

// settle records the outcome if nothing settled the session before. It
// reports whether this call won.
func (s *recognitionSession) settle(transcript *entities.Transcript, err error) bool {
	won := false
	s.once.Do(func() {
		won = true
		s.transcript = transcript
		s.err = err

		s.mu.Lock()
		defer s.mu.Unlock()
		switch {
		case err == nil:
			s.state = recognitionResolved
		case domain.IsKind(err, domain.FaultTimeout):
			s.state = recognitionTimedOut
		default:
			s.state = recognitionFailed
		}
	})
	return won
}

func (s *recognitionSession) State() recognitionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *recognitionSession) timeoutFault(timeout time.Duration) error {
	return domain.NewFault(domain.FaultTimeout, "no recognition result within "+timeout.String(), nil)
}

// finish settles with whatever ended the socket loop
func (s *recognitionSession) finish(runErr error) {
	switch {
	case runErr == nil:
		s.closed(nil)
	case errors.Is(runErr, context.Canceled), errors.Is(runErr, context.DeadlineExceeded):
		s.settle(nil, domain.NewFault(domain.FaultTransport, "recognition cancelled", runErr))
	default:
		if _, ok := domain.AsSpeechError(runErr); !ok {
			runErr = domain.NewFault(domain.FaultTransport, "recognition connection failed", runErr)
		}
		s.settle(nil, runErr)
	}
}

func (s *recognitionSession) outcome() (*entities.Transcript, error) {
	return s.transcript, s.err
}

// Open sends the configuration frame followed by the whole audio
func (s *recognitionSession) Open(c *wsconn.Conn) error {
	if err := c.Send(protocol.NewSequencedRequest(1, s.config)); err != nil {
		return err
	}
	if err := c.Send(protocol.NewAudioRequest(audioSequence, s.audio, true)); err != nil {
		return err
	}
	s.mu.Lock()
	if s.state == recognitionConnecting {
		s.state = recognitionAwaiting
	}
	s.mu.Unlock()
	return nil
}

// Frame handles one server frame
func (s *recognitionSession) Frame(c *wsconn.Conn, f *protocol.Frame) (bool, error) {
	switch f.Type {
	case protocol.ErrorResponse:
		s.settle(nil, domain.NewServerFault(int(f.ErrorCode), f.Text()))
		return true, nil

	case protocol.FullServerResponse:
		var resp recognitionResponse
		if err := f.UnmarshalPayload(&resp); err != nil {
			s.logger.Debug("Ignoring unparseable response", zap.String("payload", f.Text()), zap.Error(err))
			return false, nil
		}

		text, utterances, definite := resp.transcript()
		if text != "" {
			s.text = text
			s.utterances = utterances
		}

		if f.Final() || definite {
			s.settle(&entities.Transcript{
				Text:            s.text,
				Language:        s.language,
				DurationSeconds: resp.AudioInfo.Duration / 1000,
				Confidence:      resp.confidence(),
				Utterances:      s.utterances,
			}, nil)
			return true, nil
		}
		return false, nil
	}

	s.logger.Debug("Ignoring frame", zap.Stringer("type", f.Type))
	return false, nil
}

// Closed settles a session whose socket ended without a final result. Text
// seen so far is returned as a best effort transcript.
func (s *recognitionSession) Closed(err error) error {
	s.closed(err)
	return nil
}

func (s *recognitionSession) closed(err error) {
	if s.text != "" {
		if s.settle(&entities.Transcript{
			Text:       s.text,
			Language:   s.language,
			Utterances: s.utterances,
		}, nil) {
			s.logger.Warn("Connection closed before a final result, returning partial transcript",
				zap.Int("textLength", len(s.text)),
				zap.NamedError("closeError", err),
			)
		}
		return
	}
	if errors.Is(err, wsconn.ErrClosed) {
		err = nil
	}
	s.settle(nil, domain.NewFault(domain.FaultTransport, "connection closed without result", err))
}

type recognitionResponse struct {
	AudioInfo struct {
		Duration float64 `json:"duration"` // milliseconds
	} `json:"audio_info"`
	Result json.RawMessage `json:"result"`
}

type recognitionResult struct {
	Text       string               `json:"text"`
	Confidence float64              `json:"confidence"`
	Utterances []recognitionSegment `json:"utterances"`
}

type recognitionSegment struct {
	Text      string `json:"text"`
	StartTime int    `json:"start_time"`
	EndTime   int    `json:"end_time"`
	Definite  bool   `json:"definite"`
}

// transcript extracts text from either result shape: an object with a text
// field or an array of utterances concatenated in order.
func (r recognitionResponse) transcript() (string, []entities.Utterance, bool) {
	raw := bytes.TrimSpace(r.Result)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", nil, false
	}

	var segments []recognitionSegment
	var text string

	if raw[0] == '[' {
		if err := json.Unmarshal(raw, &segments); err != nil {
			return "", nil, false
		}
	} else {
		var result recognitionResult
		if err := json.Unmarshal(raw, &result); err != nil {
			return "", nil, false
		}
		text = result.Text
		segments = result.Utterances
	}

	var b strings.Builder
	definite := false
	utterances := make([]entities.Utterance, 0, len(segments))
	for _, seg := range segments {
		b.WriteString(seg.Text)
		definite = definite || seg.Definite
		utterances = append(utterances, entities.Utterance{
			Text:      seg.Text,
			StartTime: seg.StartTime,
			EndTime:   seg.EndTime,
			Definite:  seg.Definite,
		})
	}
	if text == "" {
		text = b.String()
	}
	if len(utterances) == 0 {
		utterances = nil
	}
	return text, utterances, definite
}

func (r recognitionResponse) confidence() float64 {
	var result recognitionResult
	if len(r.Result) > 0 && r.Result[0] == '{' {
		_ = json.Unmarshal(r.Result, &result)
	}
	return result.Confidence
}
