// Package transcription implements TranscriptionEngine: local
// speech-to-text over encrypted audio blobs via whisper.cpp.
package transcription

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sync"

	"github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"

	"github.com/thinkhq/think/pkg/blobvault"
	"github.com/thinkhq/think/pkg/crypto"
	"github.com/thinkhq/think/pkg/dataaccess"
)

const beamSize = 5

// vadSetter is satisfied by whisper.Context builds that expose
// voice-activity filtering; checked dynamically so this package keeps
// working against bindings versions that don't carry the setter yet.
type vadSetter interface {
	SetVAD(bool)
}

// allowedModels is the fixed set of whisper model names selectable via the
// "whisper_model" setting; unlisted names fall back to defaultModel.
var allowedModels = map[string]string{
	"tiny":   "ggml-tiny.en.bin",
	"base":   "ggml-base.en.bin",
	"small":  "ggml-small.en.bin",
	"medium": "ggml-medium.en.bin",
}

const defaultModel = "small"

// Engine wraps a lazily loaded, name-cached whisper.Model and a dedicated
// worker goroutine so blocking model calls never run on a caller's own
// goroutine.
type Engine struct {
	modelDir string
	vault    *blobvault.Vault

	mu     sync.Mutex
	models map[string]whisper.Model

	work chan func()
}

// New builds an Engine that resolves model files under modelDir and
// decrypts audio blobs through vault.
func New(modelDir string, vault *blobvault.Vault) *Engine {
	e := &Engine{
		modelDir: modelDir,
		vault:    vault,
		models:   make(map[string]whisper.Model),
		work:     make(chan func()),
	}
	go e.runWorker()
	return e
}

func (e *Engine) runWorker() {
	for fn := range e.work {
		fn()
	}
}

// run executes fn on the dedicated worker goroutine and blocks for its
// result, keeping whisper's cgo calls off arbitrary caller goroutines.
func (e *Engine) run(ctx context.Context, fn func() error) error {
	done := make(chan error, 1)
	select {
	case e.work <- func() { done <- fn() }:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func resolveModelName(setting string) string {
	if file, ok := allowedModels[setting]; ok {
		return file
	}
	return allowedModels[defaultModel]
}

func (e *Engine) loadModel(modelSetting string) (whisper.Model, error) {
	file := resolveModelName(modelSetting)

	e.mu.Lock()
	defer e.mu.Unlock()
	if m, ok := e.models[file]; ok {
		return m, nil
	}

	m, err := whisper.New(filepath.Join(e.modelDir, file))
	if err != nil {
		return nil, fmt.Errorf("transcription: load model %q: %w", file, err)
	}
	e.models[file] = m
	return m, nil
}

// Transcribe decrypts the blob named audioBlobName from domain DomainAudio,
// writes it to a tempfile preserving ext, runs the default whisper model
// (defaultModel; beam_size=5, auto language, voice-activity filtering), and
// returns the full transcript plus timestamped segments rounded to 2
// decimals. The tempfile is always removed.
func (e *Engine) Transcribe(ctx context.Context, audioBlobName string) (string, []dataaccess.TranscriptSegment, error) {
	return e.TranscribeWithModel(ctx, audioBlobName, defaultModel)
}

// TranscribeWithModel is Transcribe with an explicit model setting name
// (one of allowedModels' keys), used when a caller needs to honor a
// settings override rather than the package default.
func (e *Engine) TranscribeWithModel(ctx context.Context, audioBlobName, modelSetting string) (string, []dataaccess.TranscriptSegment, error) {
	plaintext, err := e.vault.Read(ctx, crypto.DomainAudio, audioBlobName)
	if err != nil {
		return "", nil, fmt.Errorf("transcription: read audio blob: %w", err)
	}

	tmpPath, err := writeTempFile(plaintext, filepath.Ext(audioBlobName))
	if err != nil {
		return "", nil, err
	}
	defer os.Remove(tmpPath)

	samples, err := loadWAVSamples(tmpPath)
	if err != nil {
		return "", nil, fmt.Errorf("transcription: decode wav: %w", err)
	}

	var transcript string
	var segments []dataaccess.TranscriptSegment
	err = e.run(ctx, func() error {
		model, err := e.loadModel(modelSetting)
		if err != nil {
			return err
		}
		wctx, err := model.NewContext()
		if err != nil {
			return fmt.Errorf("transcription: new context: %w", err)
		}
		_ = wctx.SetLanguage("auto")
		wctx.SetBeamSize(beamSize)
		if v, ok := wctx.(vadSetter); ok {
			v.SetVAD(true)
		}

		if err := wctx.Process(samples, nil, nil, nil); err != nil {
			return fmt.Errorf("transcription: process audio: %w", err)
		}

		var sb []byte
		for {
			seg, err := wctx.NextSegment()
			if err != nil {
				break
			}
			start := round2(seg.Start.Seconds())
			end := round2(seg.End.Seconds())
			segments = append(segments, dataaccess.TranscriptSegment{Start: start, End: end, Text: seg.Text})
			sb = append(sb, []byte(seg.Text)...)
		}
		transcript = string(sb)
		return nil
	})
	if err != nil {
		return "", nil, err
	}
	return transcript, segments, nil
}

func round2(f float64) float64 {
	return math.Round(f*100) / 100
}

// writeTempFile preserves ext so downstream readers (and whisper's wav
// parser, which is extension-agnostic but still helps debugging) can
// inspect the tempfile's kind.
func writeTempFile(data []byte, ext string) (string, error) {
	f, err := os.CreateTemp("", "think-audio-*"+ext)
	if err != nil {
		return "", fmt.Errorf("transcription: create tempfile: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(data); err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("transcription: write tempfile: %w", err)
	}
	return f.Name(), nil
}

// wavHeader mirrors the canonical 44-byte PCM WAV header.
type wavHeader struct {
	ChunkID       [4]byte
	ChunkSize     uint32
	Format        [4]byte
	Subchunk1ID   [4]byte
	Subchunk1Size uint32
	AudioFormat   uint16
	NumChannels   uint16
	SampleRate    uint32
	ByteRate      uint32
	BlockAlign    uint16
	BitsPerSample uint16
	Subchunk2ID   [4]byte
	Subchunk2Size uint32
}

// loadWAVSamples decodes a 16-bit PCM WAV file into mono float32 samples in
// [-1, 1], the shape whisper.cpp's Process expects.
func loadWAVSamples(path string) ([]float32, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var header wavHeader
	if err := binary.Read(f, binary.LittleEndian, &header); err != nil {
		return nil, fmt.Errorf("read wav header: %w", err)
	}
	if string(header.ChunkID[:]) != "RIFF" || string(header.Format[:]) != "WAVE" {
		return nil, fmt.Errorf("not a wav file")
	}
	if header.BitsPerSample != 16 {
		return nil, fmt.Errorf("unsupported bits per sample: %d", header.BitsPerSample)
	}

	audioData := make([]byte, header.Subchunk2Size)
	if _, err := io.ReadFull(f, audioData); err != nil {
		return nil, fmt.Errorf("read audio data: %w", err)
	}

	samples := make([]float32, 0, len(audioData)/2)
	for i := 0; i+1 < len(audioData); i += 2 {
		s := int16(binary.LittleEndian.Uint16(audioData[i : i+2]))
		samples = append(samples, float32(s)/32768.0)
	}

	if header.NumChannels == 2 {
		mono := make([]float32, len(samples)/2)
		for i := range mono {
			mono[i] = (samples[i*2] + samples[i*2+1]) / 2.0
		}
		samples = mono
	}

	return samples, nil
}

// Close releases every loaded model.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	var firstErr error
	for name, m := range e.models {
		if err := m.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("transcription: close model %q: %w", name, err)
		}
	}
	e.models = make(map[string]whisper.Model)
	close(e.work)
	return firstErr
}
