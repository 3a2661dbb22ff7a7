// Package openai provides transcription backed by the OpenAI audio API.
package openai

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/calm-recall/calmrecall/pkg/provider/transcribe"
)

// Compile-time assertion that Provider implements transcribe.Transcriber.
var _ transcribe.Transcriber = (*Provider)(nil)

// Provider implements transcribe.Transcriber using the OpenAI API.
type Provider struct {
	client oai.Client
	model  string
}

// config holds optional configuration for the provider.
type config struct {
	baseURL string
	timeout time.Duration
}

// Option is a functional option for Provider.
type Option func(*config)

// WithBaseURL overrides the default OpenAI API base URL. Useful for
// API-compatible local gateways.
func WithBaseURL(url string) Option {
	return func(c *config) {
		c.baseURL = url
	}
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) {
		c.timeout = d
	}
}

// New constructs a new OpenAI transcription Provider. model is the audio
// model identifier (e.g. "whisper-1").
func New(apiKey, model string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai: apiKey must not be empty")
	}
	if model == "" {
		model = string(oai.AudioModelWhisper1)
	}

	cfg := &config{}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
	}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{
			Timeout: cfg.timeout,
		}))
	}

	client := oai.NewClient(reqOpts...)
	return &Provider{client: client, model: model}, nil
}

// Name implements transcribe.Transcriber.
func (p *Provider) Name() string { return "openai" }

// Transcribe implements transcribe.Transcriber.
func (p *Provider) Transcribe(ctx context.Context, audio []byte, mimeType string) (string, error) {
	if len(audio) == 0 {
		return "", transcribe.ErrEmptyAudio
	}

	resp, err := p.client.Audio.Transcriptions.New(ctx, oai.AudioTranscriptionNewParams{
		File:  oai.File(bytes.NewReader(audio), fileName(mimeType), mimeType),
		Model: oai.AudioModel(p.model),
	})
	if err != nil {
		return "", fmt.Errorf("openai: transcription request: %w", err)
	}

	return strings.TrimSpace(resp.Text), nil
}

// fileName picks an upload filename matching the container format.
func fileName(mimeType string) string {
	switch {
	case strings.Contains(mimeType, "wav"):
		return "answer.wav"
	case strings.Contains(mimeType, "ogg"):
		return "answer.ogg"
	case strings.Contains(mimeType, "mp4"):
		return "answer.mp4"
	default:
		return "answer.webm"
	}
}
