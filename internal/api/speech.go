package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/CaoMeiYouRen/momei-speech/domain"
	"github.com/CaoMeiYouRen/momei-speech/domain/repositories"
	"github.com/CaoMeiYouRen/momei-speech/internal/auth"
	"github.com/CaoMeiYouRen/momei-speech/usecase"
)

// maxAudioSize bounds uploaded recognition audio
const maxAudioSize = 32 << 20

var contentTypes = map[string]string{
	"mp3":      "audio/mpeg",
	"ogg_opus": "audio/ogg",
	"pcm":      "audio/pcm",
	"wav":      "audio/wav",
}

type speechHandler struct {
	speech *usecase.SpeechService
	logger *zap.Logger
}

func (h *speechHandler) listVoices(c echo.Context) error {
	voices, err := h.speech.ListVoices()
	if err != nil {
		return h.fault(c, err)
	}
	return c.JSON(http.StatusOK, VoicesResponse{Voices: voices})
}

func (h *speechHandler) transcribe(c echo.Context) error {
	claims, _ := auth.ClaimsFrom(c)

	file, err := c.FormFile("audio")
	if err != nil {
		return c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "missing_audio",
			Message: "Multipart field audio is required",
		})
	}
	if file.Size > maxAudioSize {
		return c.JSON(http.StatusRequestEntityTooLarge, ErrorResponse{
			Error:   "audio_too_large",
			Message: fmt.Sprintf("Audio must be at most %d bytes", maxAudioSize),
		})
	}

	src, err := file.Open()
	if err != nil {
		h.logger.Error("Failed to open uploaded audio", zap.Error(err))
		return c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "invalid_audio",
			Message: "Uploaded audio could not be read",
		})
	}
	defer src.Close()

	audio, err := io.ReadAll(io.LimitReader(src, maxAudioSize))
	if err != nil {
		h.logger.Error("Failed to read uploaded audio", zap.Error(err))
		return c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "invalid_audio",
			Message: "Uploaded audio could not be read",
		})
	}
	if len(audio) == 0 {
		return c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "missing_audio",
			Message: "Uploaded audio is empty",
		})
	}

	format := c.FormValue("format")
	if format == "" {
		format = strings.TrimPrefix(strings.ToLower(filepath.Ext(file.Filename)), ".")
	}

	transcript, err := h.speech.Transcribe(c.Request().Context(), claims.UserID, &repositories.TranscribeRequest{
		Audio:    audio,
		Format:   format,
		Language: c.FormValue("language"),
		Model:    c.FormValue("model"),
	})
	if err != nil {
		return h.fault(c, err)
	}
	return c.JSON(http.StatusOK, transcript)
}

// synthesize streams audio to the response as the provider produces it. A
// failure before the first chunk is still reported as a JSON error.
func (h *speechHandler) synthesize(c echo.Context) error {
	claims, _ := auth.ClaimsFrom(c)

	var req SynthesizeRequest
	if err := c.Bind(&req); err != nil {
		h.logger.Warn("Failed to bind synthesize request", zap.Error(err))
		return c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "invalid_request",
			Message: "Invalid request format",
		})
	}
	if strings.TrimSpace(req.Text) == "" {
		return c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "missing_fields",
			Message: "Text is required",
		})
	}

	ctx := c.Request().Context()
	stream, err := h.speech.Synthesize(ctx, claims.UserID, &repositories.SynthesizeRequest{
		Text:       req.Text,
		Voice:      req.Voice,
		Format:     req.Format,
		SampleRate: req.SampleRate,
	})
	if err != nil {
		return h.fault(c, err)
	}
	defer stream.Close()

	first, err := stream.Next(ctx)
	if err != nil && !errors.Is(err, io.EOF) {
		return h.fault(c, err)
	}

	contentType, ok := contentTypes[req.Format]
	if !ok {
		contentType = contentTypes["mp3"]
	}
	res := c.Response()
	res.Header().Set(echo.HeaderContentType, contentType)
	res.WriteHeader(http.StatusOK)

	written := 0
	for chunk := first; len(chunk) > 0; {
		if _, err := res.Write(chunk); err != nil {
			h.logger.Info("Client went away during synthesis", zap.Error(err))
			return nil
		}
		res.Flush()
		written += len(chunk)

		chunk, err = stream.Next(ctx)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, context.Canceled) {
				// headers are gone, all that is left is to cut the body short
				h.logger.Error("Synthesis failed mid-stream",
					zap.Error(err),
					zap.Int("audioBytes", written))
			}
			return nil
		}
	}
	return nil
}

// fault writes a speech failure with the status its kind maps to
func (h *speechHandler) fault(c echo.Context, err error) error {
	if se, ok := domain.AsSpeechError(err); ok {
		h.logger.Warn("Speech request failed",
			zap.String("kind", string(se.Kind)),
			zap.Int("code", se.Code),
			zap.String("message", se.Message))
		return c.JSON(se.HTTPStatus(), ErrorResponse{
			Error:   string(se.Kind),
			Message: se.Message,
			Code:    se.Code,
		})
	}

	h.logger.Error("Speech request failed", zap.Error(err))
	return c.JSON(http.StatusInternalServerError, ErrorResponse{
		Error:   "internal_error",
		Message: "Speech request failed",
	})
}
