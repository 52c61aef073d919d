// Package provider defines the inference provider contract implemented by
// the local backend client and the cloud client, plus a scripted test
// double.
package provider

import (
	"context"
	"errors"

	"github.com/scrybelabs/scrybe-core/internal/audio"
	"github.com/scrybelabs/scrybe-core/internal/protocol"
)

var (
	// ErrProtocol marks a stream that terminated without a done event.
	ErrProtocol = errors.New("provider: stream ended without done event")
	// ErrRemote wraps an error event received from the provider.
	ErrRemote = errors.New("provider: remote error")
)

// Request is the immutable snapshot handed to a provider for one inference
// attempt. Built once, never mutated.
type Request struct {
	SessionID   string
	InferenceID string
	Mode        string
	Audio       audio.Capture
	ContextText string
	Preset      string
	// AudioProfile selects the processing profile (fast or quality).
	AudioProfile   string
	ASRModel       string
	LLMModel       string
	OutputLanguage string
}

// ChunkResult is the outcome of a single transcription request.
type ChunkResult struct {
	Text             string
	DetectedLanguage string
}

// Provider is the inference engine contract. Implementations are shared,
// stateless-between-calls services; TerminateIfRunning must be idempotent
// and safe to call when no call is in flight.
type Provider interface {
	// Run performs ASR and LLM rewriting in one round-trip, streaming
	// partial text through onToken.
	Run(ctx context.Context, req Request, onToken func(token string)) (protocol.StreamMeta, error)
	// RunPreparedTranscript skips ASR and rewrites rawText directly.
	RunPreparedTranscript(ctx context.Context, req Request, rawText string, onToken func(token string)) (protocol.StreamMeta, error)
	// TranscribeChunk transcribes the audio referenced by req and returns
	// plain text plus the detected language.
	TranscribeChunk(ctx context.Context, req Request) (ChunkResult, error)
	// TerminateIfRunning aborts any in-flight call.
	TerminateIfRunning()
}
