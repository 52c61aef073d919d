package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
)

func streamServer(t *testing.T, lines []string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/stream" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, line := range lines {
			fmt.Fprintln(w, line)
			flusher.Flush()
		}
	}))
}

func TestStreamDecodesTokensAndDone(t *testing.T) {
	srv := streamServer(t, []string{
		`data: {"type":"token","token":"Hi"}`,
		`data: {"type":"token","token":" there"}`,
		`data: {"type":"done","meta":{"mode":"dictate","raw_text":"Hi there","output_text":"Hi there."}}`,
		`data: [DONE]`,
	})
	defer srv.Close()

	p := NewLocal(srv.URL)
	var tokens []string
	meta, err := p.Run(context.Background(), Request{SessionID: "s1", Mode: "dictate"}, func(tok string) {
		tokens = append(tokens, tok)
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(tokens) != 2 || tokens[0] != "Hi" || tokens[1] != " there" {
		t.Fatalf("tokens = %v", tokens)
	}
	if meta.OutputText != "Hi there." {
		t.Fatalf("OutputText = %q", meta.OutputText)
	}
}

func TestStreamAcceptsBarePayloadLines(t *testing.T) {
	srv := streamServer(t, []string{
		`{"type":"token","token":"ok"}`,
		`{"type":"done","meta":{"mode":"ask","raw_text":"ok","output_text":"ok"}}`,
	})
	defer srv.Close()

	p := NewLocal(srv.URL)
	meta, err := p.Run(context.Background(), Request{Mode: "ask"}, nil)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if meta.RawText != "ok" {
		t.Fatalf("RawText = %q", meta.RawText)
	}
}

func TestStreamMissingDoneIsProtocolError(t *testing.T) {
	srv := streamServer(t, []string{
		`data: {"type":"token","token":"partial"}`,
	})
	defer srv.Close()

	p := NewLocal(srv.URL)
	_, err := p.Run(context.Background(), Request{Mode: "dictate"}, nil)
	if !errors.Is(err, ErrProtocol) {
		t.Fatalf("Run() error = %v, want ErrProtocol", err)
	}
}

func TestStreamErrorEventIsRemoteError(t *testing.T) {
	srv := streamServer(t, []string{
		`data: {"type":"error","message":"model not loaded"}`,
	})
	defer srv.Close()

	p := NewLocal(srv.URL)
	_, err := p.Run(context.Background(), Request{Mode: "dictate"}, nil)
	if !errors.Is(err, ErrRemote) {
		t.Fatalf("Run() error = %v, want ErrRemote", err)
	}
}

func TestCloudSendsBearerToken(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		fmt.Fprintln(w, `{"type":"done","meta":{"mode":"ask","raw_text":"x","output_text":"x"}}`)
	}))
	defer srv.Close()

	p := NewCloud(srv.URL, func() string { return "secret" })
	if _, err := p.Run(context.Background(), Request{Mode: "ask"}, nil); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if gotAuth != "Bearer secret" {
		t.Fatalf("Authorization = %q", gotAuth)
	}
}

func TestRunPreparedTranscriptSendsRawText(t *testing.T) {
	var body streamPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := jsonDecode(r, &body); err != nil {
			t.Errorf("decode request: %v", err)
		}
		fmt.Fprintln(w, `{"type":"done","meta":{"mode":"dictate","raw_text":"hi","output_text":"hi"}}`)
	}))
	defer srv.Close()

	p := NewLocal(srv.URL)
	req := Request{SessionID: "s2", Mode: "dictate"}
	req.Audio.Path = "/tmp/should-not-be-sent.wav"
	if _, err := p.RunPreparedTranscript(context.Background(), req, "hi", nil); err != nil {
		t.Fatalf("RunPreparedTranscript() error = %v", err)
	}
	if body.RawText != "hi" {
		t.Fatalf("RawText = %q", body.RawText)
	}
	if body.AudioPath != "" {
		t.Fatalf("AudioPath = %q, want empty", body.AudioPath)
	}
}

func TestTranscribeChunkDecodesResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/transcribe" {
			http.NotFound(w, r)
			return
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("parse multipart: %v", err)
		}
		fmt.Fprintln(w, `{"text":"hello world","language":"en"}`)
	}))
	defer srv.Close()

	wavPath := filepath.Join(t.TempDir(), "chunk.wav")
	if err := os.WriteFile(wavPath, []byte("RIFFfake"), 0o644); err != nil {
		t.Fatalf("write wav: %v", err)
	}

	p := NewLocal(srv.URL)
	req := Request{Mode: "dictate", ASRModel: "base"}
	req.Audio.Path = wavPath
	result, err := p.TranscribeChunk(context.Background(), req)
	if err != nil {
		t.Fatalf("TranscribeChunk() error = %v", err)
	}
	if result.Text != "hello world" || result.DetectedLanguage != "en" {
		t.Fatalf("result = %+v", result)
	}
}

func TestTerminateIfRunningAbortsStream(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `data: {"type":"token","token":"slow"}`)
		w.(http.Flusher).Flush()
		close(started)
		<-release
	}))
	defer srv.Close()
	defer close(release)

	p := NewLocal(srv.URL).(*httpProvider)
	done := make(chan error, 1)
	go func() {
		_, err := p.Run(context.Background(), Request{Mode: "dictate"}, nil)
		done <- err
	}()
	<-started
	p.TerminateIfRunning()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("Run() error = %v, want context.Canceled", err)
	}
}

func TestConcurrentCallsDoNotCancelEachOther(t *testing.T) {
	firstArrived := make(chan struct{})
	secondArrived := make(chan struct{})
	releaseFirst := make(chan struct{})
	releaseSecond := make(chan struct{})
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch calls.Add(1) {
		case 1:
			close(firstArrived)
			<-releaseFirst
		case 2:
			close(secondArrived)
			<-releaseSecond
		}
		fmt.Fprintln(w, `{"text":"chunk","language":"en"}`)
	}))
	defer srv.Close()

	wavPath := filepath.Join(t.TempDir(), "chunk.wav")
	if err := os.WriteFile(wavPath, []byte("RIFFfake"), 0o644); err != nil {
		t.Fatalf("write wav: %v", err)
	}

	p := NewLocal(srv.URL)
	req := Request{Mode: "dictate"}
	req.Audio.Path = wavPath

	first := make(chan error, 1)
	second := make(chan error, 1)
	go func() {
		_, err := p.TranscribeChunk(context.Background(), req)
		first <- err
	}()
	<-firstArrived
	go func() {
		_, err := p.TranscribeChunk(context.Background(), req)
		second <- err
	}()
	<-secondArrived

	// The first call finishing must not tear down the second one.
	close(releaseFirst)
	if err := <-first; err != nil {
		t.Fatalf("first TranscribeChunk() error = %v", err)
	}
	close(releaseSecond)
	if err := <-second; err != nil {
		t.Fatalf("second TranscribeChunk() error = %v, want nil", err)
	}
}

func TestStreamNonOKStatusIsRemoteError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	p := NewLocal(srv.URL)
	_, err := p.Run(context.Background(), Request{Mode: "ask"}, nil)
	if !errors.Is(err, ErrRemote) {
		t.Fatalf("Run() error = %v, want ErrRemote", err)
	}
}

func TestHealthCheck(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" {
			w.WriteHeader(http.StatusOK)
			return
		}
		http.NotFound(w, r)
	}))
	defer srv.Close()

	if !HealthCheck(context.Background(), srv.URL) {
		t.Fatal("HealthCheck() = false, want true")
	}
	srv.Close()
	if HealthCheck(context.Background(), srv.URL) {
		t.Fatal("HealthCheck() = true after close, want false")
	}
}

func jsonDecode(r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}
