package provider

import (
	"context"
	"strings"
	"sync"

	"github.com/scrybelabs/scrybe-core/internal/protocol"
)

// Scripted is a provider that replays a fixed token script. Test helper.
type Scripted struct {
	Tokens     []string
	Meta       protocol.StreamMeta
	Err        error
	ChunkText  string
	ChunkErr   error
	Delay      func(i int) // called before each token when set
	mu         sync.Mutex
	runs       int
	terminated bool
}

func (s *Scripted) Run(ctx context.Context, req Request, onToken func(string)) (protocol.StreamMeta, error) {
	return s.replay(ctx, onToken)
}

func (s *Scripted) RunPreparedTranscript(ctx context.Context, req Request, rawText string, onToken func(string)) (protocol.StreamMeta, error) {
	return s.replay(ctx, onToken)
}

func (s *Scripted) replay(ctx context.Context, onToken func(string)) (protocol.StreamMeta, error) {
	s.mu.Lock()
	s.runs++
	s.mu.Unlock()
	for i, tok := range s.Tokens {
		select {
		case <-ctx.Done():
			return protocol.StreamMeta{}, ctx.Err()
		default:
		}
		if s.Delay != nil {
			s.Delay(i)
		}
		if onToken != nil {
			onToken(tok)
		}
	}
	if s.Err != nil {
		return protocol.StreamMeta{}, s.Err
	}
	meta := s.Meta
	if meta.RawText == "" {
		meta.RawText = strings.Join(s.Tokens, "")
	}
	if meta.OutputText == "" {
		meta.OutputText = meta.RawText
	}
	return meta, nil
}

func (s *Scripted) TranscribeChunk(ctx context.Context, req Request) (ChunkResult, error) {
	if s.ChunkErr != nil {
		return ChunkResult{}, s.ChunkErr
	}
	return ChunkResult{Text: s.ChunkText}, nil
}

func (s *Scripted) TerminateIfRunning() {
	s.mu.Lock()
	s.terminated = true
	s.mu.Unlock()
}

func (s *Scripted) Runs() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runs
}

func (s *Scripted) Terminated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.terminated
}
