package commands

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/scrybelabs/scrybe-core/internal/bus"
	"github.com/scrybelabs/scrybe-core/internal/config"
	"github.com/scrybelabs/scrybe-core/internal/natsserver"
	"github.com/scrybelabs/scrybe-core/internal/protocol"
)

type recordingHandler struct {
	mu    sync.Mutex
	calls []string
	modes []string
}

func (h *recordingHandler) record(op string, cmd protocol.Command) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, op)
	h.modes = append(h.modes, cmd.Mode+cmd.ToMode)
	return nil
}

func (h *recordingHandler) Start(_ context.Context, cmd protocol.Command) error {
	return h.record("start", cmd)
}
func (h *recordingHandler) Stop(_ context.Context, cmd protocol.Command) error {
	return h.record("stop", cmd)
}
func (h *recordingHandler) Promote(_ context.Context, cmd protocol.Command) error {
	return h.record("promote", cmd)
}
func (h *recordingHandler) Cancel(_ context.Context, cmd protocol.Command) error {
	return h.record("cancel", cmd)
}

func (h *recordingHandler) snapshot() ([]string, []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	calls := make([]string, len(h.calls))
	copy(calls, h.calls)
	modes := make([]string, len(h.modes))
	copy(modes, h.modes)
	return calls, modes
}

func TestServiceDispatchesCommands(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv, err := natsserver.Start(config.BusConfig{Embedded: true, Port: -1}, log)
	if err != nil {
		t.Fatalf("start embedded nats: %v", err)
	}
	defer srv.Shutdown()

	client, err := bus.Connect(config.BusConfig{
		Servers:        []string{srv.ClientURL()},
		ConnectTimeout: 2000,
	}, log)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer client.Close()

	handler := &recordingHandler{}
	svc := NewService(context.Background(), client, handler, log)
	if err := svc.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer svc.Close()
	if !svc.Healthy() {
		t.Fatal("service not healthy after start")
	}

	publish := func(subject string, cmd protocol.Command) {
		data, err := json.Marshal(cmd)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		if err := client.Conn().Publish(subject, data); err != nil {
			t.Fatalf("publish %s: %v", subject, err)
		}
	}

	publish(protocol.SubjectCmdStart, protocol.Command{Mode: protocol.ModeDictate})
	publish(protocol.SubjectCmdPromote, protocol.Command{ToMode: protocol.ModeAsk})
	publish(protocol.SubjectCmdStop, protocol.Command{})
	publish(protocol.SubjectCmdCancel, protocol.Command{})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		calls, _ := handler.snapshot()
		if len(calls) == 4 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	calls, modes := handler.snapshot()
	if len(calls) != 4 {
		t.Fatalf("calls = %v, want 4", calls)
	}
	seen := map[string]bool{}
	for _, c := range calls {
		seen[c] = true
	}
	for _, op := range []string{"start", "stop", "promote", "cancel"} {
		if !seen[op] {
			t.Fatalf("calls = %v, missing %s", calls, op)
		}
	}
	for i, c := range calls {
		if c == "start" && modes[i] != protocol.ModeDictate {
			t.Fatalf("start mode = %q", modes[i])
		}
		if c == "promote" && modes[i] != protocol.ModeAsk {
			t.Fatalf("promote mode = %q", modes[i])
		}
	}
}
