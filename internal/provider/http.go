package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/scrybelabs/scrybe-core/internal/protocol"
)

// httpProvider speaks the streaming wire contract over HTTP. Both the local
// backend client and the cloud client are this type with different
// endpoints and auth.
type httpProvider struct {
	endpoint  string
	authorize func(r *http.Request)
	client    *http.Client

	mu      sync.Mutex
	nextID  uint64
	cancels map[uint64]context.CancelFunc
}

// NewLocal returns the client for the local inference backend.
func NewLocal(endpoint string) Provider {
	return &httpProvider{
		endpoint: strings.TrimRight(endpoint, "/"),
		client:   &http.Client{},
	}
}

// NewCloud returns the cloud client. apiKey is read per call so that a key
// configured after startup is picked up without a restart.
func NewCloud(endpoint string, apiKey func() string) Provider {
	return &httpProvider{
		endpoint: strings.TrimRight(endpoint, "/"),
		authorize: func(r *http.Request) {
			if key := apiKey(); key != "" {
				r.Header.Set("Authorization", "Bearer "+key)
			}
		},
		client: &http.Client{},
	}
}

type streamPayload struct {
	SessionID      string `json:"session_id"`
	Mode           string `json:"mode"`
	AudioPath      string `json:"audio_path,omitempty"`
	ContextText    string `json:"context_text,omitempty"`
	Preset         string `json:"preset,omitempty"`
	AudioProfile   string `json:"audio_profile,omitempty"`
	ASRModel       string `json:"asr_model,omitempty"`
	LLMModel       string `json:"llm_model,omitempty"`
	OutputLanguage string `json:"output_language,omitempty"`
	RawText        string `json:"raw_text,omitempty"`
}

func payloadFromRequest(req Request) streamPayload {
	return streamPayload{
		SessionID:      req.SessionID,
		Mode:           req.Mode,
		AudioPath:      req.Audio.Path,
		ContextText:    req.ContextText,
		Preset:         req.Preset,
		AudioProfile:   req.AudioProfile,
		ASRModel:       req.ASRModel,
		LLMModel:       req.LLMModel,
		OutputLanguage: req.OutputLanguage,
	}
}

func (p *httpProvider) Run(ctx context.Context, req Request, onToken func(string)) (protocol.StreamMeta, error) {
	return p.stream(ctx, payloadFromRequest(req), onToken)
}

func (p *httpProvider) RunPreparedTranscript(ctx context.Context, req Request, rawText string, onToken func(string)) (protocol.StreamMeta, error) {
	payload := payloadFromRequest(req)
	payload.AudioPath = ""
	payload.RawText = rawText
	return p.stream(ctx, payload, onToken)
}

func (p *httpProvider) stream(ctx context.Context, payload streamPayload, onToken func(string)) (protocol.StreamMeta, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return protocol.StreamMeta{}, err
	}

	reqCtx, callID := p.arm(ctx)
	defer p.disarm(callID)

	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodPost, p.endpoint+"/v1/stream", bytes.NewReader(body))
	if err != nil {
		return protocol.StreamMeta{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	if p.authorize != nil {
		p.authorize(httpReq)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return protocol.StreamMeta{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return protocol.StreamMeta{}, fmt.Errorf("%w: status %s", ErrRemote, resp.Status)
	}

	var meta *protocol.StreamMeta
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		select {
		case <-reqCtx.Done():
			return protocol.StreamMeta{}, reqCtx.Err()
		default:
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		trimmed := strings.TrimPrefix(line, protocol.StreamDataPrefix)
		if trimmed == protocol.StreamDoneSentinel {
			break
		}
		var event protocol.StreamEvent
		if err := json.Unmarshal([]byte(trimmed), &event); err != nil {
			return protocol.StreamMeta{}, fmt.Errorf("decode stream event: %w", err)
		}
		switch event.Type {
		case protocol.StreamEventToken:
			if onToken != nil {
				onToken(event.Token)
			}
		case protocol.StreamEventDone:
			if event.Meta == nil {
				return protocol.StreamMeta{}, fmt.Errorf("%w: done event without meta", ErrProtocol)
			}
			meta = event.Meta
		case protocol.StreamEventError:
			return protocol.StreamMeta{}, fmt.Errorf("%w: %s", ErrRemote, event.Message)
		default:
			return protocol.StreamMeta{}, fmt.Errorf("decode stream event: unknown type %q", event.Type)
		}
	}
	if err := scanner.Err(); err != nil {
		if reqCtx.Err() != nil {
			return protocol.StreamMeta{}, reqCtx.Err()
		}
		return protocol.StreamMeta{}, fmt.Errorf("read stream: %w", err)
	}
	if meta == nil {
		return protocol.StreamMeta{}, ErrProtocol
	}
	return *meta, nil
}

type transcribeResponse struct {
	Text     string `json:"text"`
	Language string `json:"language"`
}

func (p *httpProvider) TranscribeChunk(ctx context.Context, req Request) (ChunkResult, error) {
	file, err := os.Open(req.Audio.Path)
	if err != nil {
		return ChunkResult{}, fmt.Errorf("open audio: %w", err)
	}
	defer file.Close()

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	part, err := writer.CreateFormFile("file", "audio.wav")
	if err != nil {
		return ChunkResult{}, err
	}
	if _, err := io.Copy(part, file); err != nil {
		return ChunkResult{}, fmt.Errorf("read audio: %w", err)
	}
	_ = writer.WriteField("model", req.ASRModel)
	_ = writer.WriteField("mode", req.Mode)
	_ = writer.WriteField("language", req.OutputLanguage)
	if err := writer.Close(); err != nil {
		return ChunkResult{}, err
	}

	reqCtx, callID := p.arm(ctx)
	defer p.disarm(callID)

	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodPost, p.endpoint+"/v1/transcribe", &buf)
	if err != nil {
		return ChunkResult{}, err
	}
	httpReq.Header.Set("Content-Type", writer.FormDataContentType())
	if p.authorize != nil {
		p.authorize(httpReq)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return ChunkResult{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return ChunkResult{}, fmt.Errorf("%w: status %s", ErrRemote, resp.Status)
	}

	var decoded transcribeResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return ChunkResult{}, fmt.Errorf("decode transcribe response: %w", err)
	}
	return ChunkResult{Text: decoded.Text, DetectedLanguage: decoded.Language}, nil
}

// TerminateIfRunning aborts every in-flight call. Idempotent; a call with
// nothing in flight is a no-op.
func (p *httpProvider) TerminateIfRunning() {
	p.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(p.cancels))
	for _, cancel := range p.cancels {
		cancels = append(cancels, cancel)
	}
	p.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
}

// arm registers one call's cancel under a fresh token. Calls run
// concurrently (chunk transcription overlaps the main stream), so each one
// holds its own slot.
func (p *httpProvider) arm(ctx context.Context) (context.Context, uint64) {
	reqCtx, cancel := context.WithCancel(ctx)
	p.mu.Lock()
	if p.cancels == nil {
		p.cancels = make(map[uint64]context.CancelFunc)
	}
	p.nextID++
	id := p.nextID
	p.cancels[id] = cancel
	p.mu.Unlock()
	return reqCtx, id
}

func (p *httpProvider) disarm(id uint64) {
	p.mu.Lock()
	cancel := p.cancels[id]
	delete(p.cancels, id)
	p.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// statusPoll reports whether the endpoint answers its health probe. Shared
// with the backend manager through the HealthCheck helper.
func statusPoll(ctx context.Context, client *http.Client, endpoint string) bool {
	reqCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, strings.TrimRight(endpoint, "/")+"/healthz", nil)
	if err != nil {
		return false
	}
	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// HealthCheck probes an inference endpoint once.
func HealthCheck(ctx context.Context, endpoint string) bool {
	return statusPoll(ctx, http.DefaultClient, endpoint)
}
