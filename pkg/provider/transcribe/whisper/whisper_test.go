package whisper

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/calm-recall/calmrecall/pkg/provider/transcribe"
)

func TestProvider_Transcribe(t *testing.T) {
	t.Parallel()

	var gotLanguage, gotModel, gotFilename string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/inference" {
			t.Errorf("path = %q; want /inference", r.URL.Path)
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Fatalf("parse multipart: %v", err)
		}
		gotLanguage = r.FormValue("language")
		gotModel = r.FormValue("model")
		if fhs := r.MultipartForm.File["file"]; len(fhs) == 1 {
			gotFilename = fhs[0].Filename
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"text": "  your keys are in the bowl \n"})
	}))
	defer srv.Close()

	p, err := New(srv.URL, WithModel("base.en"), WithLanguage("en"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	text, err := p.Transcribe(context.Background(), []byte{1, 2, 3}, "audio/webm")
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if text != "your keys are in the bowl" {
		t.Errorf("text = %q", text)
	}
	if gotLanguage != "en" || gotModel != "base.en" {
		t.Errorf("language/model = %q/%q", gotLanguage, gotModel)
	}
	if gotFilename != "answer.webm" {
		t.Errorf("filename = %q; want answer.webm", gotFilename)
	}
}

func TestProvider_TranscribeServerError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "model not loaded", http.StatusInternalServerError)
	}))
	defer srv.Close()

	p, err := New(srv.URL)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := p.Transcribe(context.Background(), []byte{1}, "audio/webm"); err == nil {
		t.Error("Transcribe accepted HTTP 500")
	}
}

func TestProvider_TranscribeEmptyAudio(t *testing.T) {
	t.Parallel()

	p, err := New("http://localhost:1")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := p.Transcribe(context.Background(), nil, "audio/webm"); !errors.Is(err, transcribe.ErrEmptyAudio) {
		t.Errorf("Transcribe = %v; want ErrEmptyAudio", err)
	}
}

func TestNew_RequiresServerURL(t *testing.T) {
	t.Parallel()

	if _, err := New(""); err == nil {
		t.Error("New accepted empty server URL")
	}
}

// buildWAV assembles a minimal RIFF/WAV container around the given 16-bit
// samples.
func buildWAV(t *testing.T, channels int, samples []int16) []byte {
	t.Helper()

	dataSize := len(samples) * 2
	buf := make([]byte, 0, 44+dataSize)
	le := binary.LittleEndian

	u32 := func(v uint32) []byte { b := make([]byte, 4); le.PutUint32(b, v); return b }
	u16 := func(v uint16) []byte { b := make([]byte, 2); le.PutUint16(b, v); return b }

	buf = append(buf, "RIFF"...)
	buf = append(buf, u32(uint32(36+dataSize))...)
	buf = append(buf, "WAVE"...)
	buf = append(buf, "fmt "...)
	buf = append(buf, u32(16)...)
	buf = append(buf, u16(1)...) // PCM
	buf = append(buf, u16(uint16(channels))...)
	buf = append(buf, u32(16000)...)
	buf = append(buf, u32(uint32(16000*channels*2))...)
	buf = append(buf, u16(uint16(channels*2))...)
	buf = append(buf, u16(16)...)
	buf = append(buf, "data"...)
	buf = append(buf, u32(uint32(dataSize))...)
	for _, s := range samples {
		buf = append(buf, u16(uint16(s))...)
	}
	return buf
}

func TestWavToFloat32Mono(t *testing.T) {
	t.Parallel()

	t.Run("mono", func(t *testing.T) {
		t.Parallel()
		wav := buildWAV(t, 1, []int16{0, 16384, -16384, 32767})
		samples, err := wavToFloat32Mono(wav)
		if err != nil {
			t.Fatalf("wavToFloat32Mono: %v", err)
		}
		if len(samples) != 4 {
			t.Fatalf("samples = %d; want 4", len(samples))
		}
		if samples[0] != 0 || samples[1] != 0.5 || samples[2] != -0.5 {
			t.Errorf("samples = %v", samples)
		}
	})

	t.Run("stereo downmix", func(t *testing.T) {
		t.Parallel()
		// Two frames: (16384, 16384) and (16384, -16384).
		wav := buildWAV(t, 2, []int16{16384, 16384, 16384, -16384})
		samples, err := wavToFloat32Mono(wav)
		if err != nil {
			t.Fatalf("wavToFloat32Mono: %v", err)
		}
		if len(samples) != 2 {
			t.Fatalf("samples = %d; want 2", len(samples))
		}
		if samples[0] != 0.5 || samples[1] != 0 {
			t.Errorf("samples = %v; want [0.5 0]", samples)
		}
	})

	t.Run("not wav", func(t *testing.T) {
		t.Parallel()
		if _, err := wavToFloat32Mono([]byte("definitely not a wav container....................")); err == nil {
			t.Error("accepted non-WAV input")
		}
	})
}
