// This file contains the NativeProvider implementation backed by the
// whisper.cpp CGO bindings. The whisper.cpp static library (libwhisper.a)
// and headers (whisper.h) must be available at link time via LIBRARY_PATH
// and C_INCLUDE_PATH environment variables.

package whisper

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"

	"github.com/calm-recall/calmrecall/pkg/provider/transcribe"
)

// Compile-time assertion that NativeProvider satisfies
// transcribe.Transcriber.
var _ transcribe.Transcriber = (*NativeProvider)(nil)

// NativeProvider implements transcribe.Transcriber using whisper.cpp Go
// bindings (CGO), eliminating HTTP overhead entirely. The model is loaded
// once at startup and shared across all transcriptions.
//
// The bindings consume raw float32 samples, so this provider decodes WAV
// itself and accepts only "audio/wav" clips; other containers return
// [transcribe.ErrUnsupportedFormat]. Record in WAV or use the HTTP provider
// when the browser records webm.
type NativeProvider struct {
	mu       sync.Mutex
	model    whisperlib.Model
	language string
}

// NativeOption is a functional option for configuring a NativeProvider.
type NativeOption func(*NativeProvider)

// WithNativeLanguage sets the BCP-47 language code for transcription
// (e.g., "en", "de", "fr"). Defaults to "en".
func WithNativeLanguage(lang string) NativeOption {
	return func(p *NativeProvider) { p.language = lang }
}

// NewNative creates a NativeProvider that loads the whisper.cpp model from
// the given file path. The caller must call Close when the provider is no
// longer needed.
func NewNative(modelPath string, opts ...NativeOption) (*NativeProvider, error) {
	if modelPath == "" {
		return nil, errors.New("whisper: modelPath must not be empty")
	}
	model, err := whisperlib.New(modelPath)
	if err != nil {
		return nil, fmt.Errorf("whisper: load model %q: %w", modelPath, err)
	}

	p := &NativeProvider{
		model:    model,
		language: "en",
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Close releases the loaded model.
func (p *NativeProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.model == nil {
		return nil
	}
	err := p.model.Close()
	p.model = nil
	return err
}

// Name implements transcribe.Transcriber.
func (p *NativeProvider) Name() string { return "whisper-native" }

// Transcribe decodes the WAV clip and runs whisper.cpp inference on it.
func (p *NativeProvider) Transcribe(ctx context.Context, audio []byte, mimeType string) (string, error) {
	if len(audio) == 0 {
		return "", transcribe.ErrEmptyAudio
	}
	if !strings.Contains(mimeType, "wav") {
		return "", fmt.Errorf("%w: %q (native whisper decodes WAV only)", transcribe.ErrUnsupportedFormat, mimeType)
	}

	samples, err := wavToFloat32Mono(audio)
	if err != nil {
		return "", fmt.Errorf("whisper: decode wav: %w", err)
	}

	// Each whisper context is NOT thread-safe; contexts are cheap, the model
	// is shared, so create one per call.
	wctx, err := p.model.NewContext()
	if err != nil {
		return "", fmt.Errorf("whisper: create context: %w", err)
	}

	if err := wctx.SetLanguage(p.language); err != nil {
		slog.Warn("whisper: failed to set language, using default",
			"language", p.language, "error", err)
	}

	if err := wctx.Process(samples, nil, nil, nil); err != nil {
		return "", fmt.Errorf("whisper: process audio: %w", err)
	}

	var parts []string
	for {
		segment, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("whisper: read segment: %w", err)
		}
		if text := strings.TrimSpace(segment.Text); text != "" {
			parts = append(parts, text)
		}
	}

	return strings.Join(parts, " "), nil
}

// wavToFloat32Mono parses a RIFF/WAV container holding 16-bit signed
// little-endian PCM and returns normalised mono float32 samples, downmixing
// multi-channel audio by averaging.
func wavToFloat32Mono(wav []byte) ([]float32, error) {
	if len(wav) < 44 || string(wav[0:4]) != "RIFF" || string(wav[8:12]) != "WAVE" {
		return nil, errors.New("not a RIFF/WAVE file")
	}

	var (
		channels      int
		bitsPerSample int
		data          []byte
	)

	// Walk the chunk list; fmt and data can appear in any order after the
	// RIFF header.
	off := 12
	for off+8 <= len(wav) {
		id := string(wav[off : off+4])
		size := int(binary.LittleEndian.Uint32(wav[off+4 : off+8]))
		body := off + 8
		if body+size > len(wav) {
			return nil, errors.New("truncated chunk")
		}

		switch id {
		case "fmt ":
			if size < 16 {
				return nil, errors.New("short fmt chunk")
			}
			channels = int(binary.LittleEndian.Uint16(wav[body+2 : body+4]))
			bitsPerSample = int(binary.LittleEndian.Uint16(wav[body+14 : body+16]))
		case "data":
			data = wav[body : body+size]
		}

		// Chunks are word-aligned.
		off = body + size
		if size%2 == 1 {
			off++
		}
	}

	if channels == 0 || data == nil {
		return nil, errors.New("missing fmt or data chunk")
	}
	if bitsPerSample != 16 {
		return nil, fmt.Errorf("unsupported bit depth %d (want 16)", bitsPerSample)
	}

	frameBytes := 2 * channels
	frames := len(data) / frameBytes
	samples := make([]float32, frames)
	for i := range frames {
		var sum int
		for c := range channels {
			v := int16(binary.LittleEndian.Uint16(data[i*frameBytes+2*c:]))
			sum += int(v)
		}
		samples[i] = float32(sum/channels) / 32768.0
	}
	return samples, nil
}
