// Command speechctl calls the configured speech provider from the shell.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/CaoMeiYouRen/momei-speech/domain"
	"github.com/CaoMeiYouRen/momei-speech/domain/repositories"
	"github.com/CaoMeiYouRen/momei-speech/internal/auth"
	"github.com/CaoMeiYouRen/momei-speech/internal/config"
	"github.com/CaoMeiYouRen/momei-speech/internal/providers"
	"github.com/CaoMeiYouRen/momei-speech/usecase"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	logger, err := zap.NewDevelopment()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	cfg := config.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	switch os.Args[1] {
	case "transcribe":
		err = runTranscribe(ctx, cfg, logger, os.Args[2:])
	case "synthesize":
		err = runSynthesize(ctx, cfg, logger, os.Args[2:])
	case "voices":
		err = runVoices(cfg, logger)
	case "token":
		err = runToken(cfg, logger, os.Args[2:])
	case "help", "-h", "--help":
		printUsage()
		return
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		var se *domain.SpeechError
		if errors.As(err, &se) {
			fmt.Fprintf(os.Stderr, "%s fault: %s\n", se.Kind, se.Message)
		} else {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`Usage: speechctl <command> [flags]

Commands:
  transcribe  -in <file> [-format wav|pcm|mp3|ogg] [-language zh-CN]
  synthesize  -text <text> -out <file> [-voice <id>] [-format mp3|ogg_opus|pcm|wav]
  voices      list the voice catalog
  token       -user <id> print a user JWT signed with JWT_SECRET`)
}

func loadProviders(cfg config.AppConfig, logger *zap.Logger) (*usecase.Providers, error) {
	registry := usecase.NewRegistry(logger)
	providers.Register(registry, logger, nil)
	return registry.Get(cfg.Speech)
}

func runTranscribe(ctx context.Context, cfg config.AppConfig, logger *zap.Logger, args []string) error {
	fs := flag.NewFlagSet("transcribe", flag.ExitOnError)
	in := fs.String("in", "", "Audio file to transcribe")
	format := fs.String("format", "", "Audio format, defaults to the file extension")
	language := fs.String("language", "", "Language hint such as zh-CN")
	fs.Parse(args)

	if *in == "" {
		return errors.New("-in is required")
	}
	audio, err := os.ReadFile(*in)
	if err != nil {
		return fmt.Errorf("failed to read audio: %w", err)
	}
	if *format == "" {
		*format = strings.TrimPrefix(strings.ToLower(filepath.Ext(*in)), ".")
	}

	p, err := loadProviders(cfg, logger)
	if err != nil {
		return err
	}

	transcript, err := p.STT.Transcribe(ctx, &repositories.TranscribeRequest{
		Audio:    audio,
		Format:   *format,
		Language: *language,
	})
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(transcript)
}

func runSynthesize(ctx context.Context, cfg config.AppConfig, logger *zap.Logger, args []string) error {
	fs := flag.NewFlagSet("synthesize", flag.ExitOnError)
	text := fs.String("text", "", "Text to speak")
	out := fs.String("out", "", "Output audio file")
	voice := fs.String("voice", "", "Voice id, see the voices command")
	format := fs.String("format", "", "Audio format")
	fs.Parse(args)

	if *text == "" || *out == "" {
		return errors.New("-text and -out are required")
	}

	p, err := loadProviders(cfg, logger)
	if err != nil {
		return err
	}

	start := time.Now()
	stream, err := p.TTS.Synthesize(ctx, &repositories.SynthesizeRequest{
		Text:   *text,
		Voice:  *voice,
		Format: *format,
	})
	if err != nil {
		return err
	}
	defer stream.Close()

	file, err := os.Create(*out)
	if err != nil {
		return fmt.Errorf("failed to create output file: %w", err)
	}
	defer file.Close()

	n, err := io.Copy(file, stream)
	if err != nil {
		return err
	}

	logger.Info("Audio saved",
		zap.String("file", *out),
		zap.Int64("bytes", n),
		zap.Duration("elapsed", time.Since(start)))
	return nil
}

func runVoices(cfg config.AppConfig, logger *zap.Logger) error {
	p, err := loadProviders(cfg, logger)
	if err != nil {
		return err
	}
	for _, v := range p.TTS.ListVoices() {
		fmt.Printf("%-45s %-8s %-7s %s\n", v.ID, v.Language, v.Gender, v.Name)
	}
	return nil
}

func runToken(cfg config.AppConfig, logger *zap.Logger, args []string) error {
	fs := flag.NewFlagSet("token", flag.ExitOnError)
	user := fs.String("user", "", "User id to issue the token for")
	fs.Parse(args)

	if cfg.JWTSecret == "" {
		return errors.New("JWT_SECRET is not set")
	}

	token, err := auth.NewAuthenticator(cfg.JWTSecret, logger).GenerateUserToken(*user)
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}
