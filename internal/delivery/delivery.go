package delivery

import (
	"log/slog"
	"sync"
	"time"

	"github.com/scrybelabs/scrybe-core/internal/bus"
	"github.com/scrybelabs/scrybe-core/internal/protocol"
)

// Sink delivers finished text to the host. Paste inserts text at the
// cursor; ReplaceLast swaps a prior insertion for a refined version and is
// expected to be a no-op when the target surface has changed.
type Sink interface {
	Paste(sessionID, target, text string) error
	ReplaceLast(sessionID, target, text string) error
}

// BusSink publishes paste requests for the host agent to act on.
type BusSink struct {
	client *bus.Client
	log    *slog.Logger

	// TargetStillFocused gates refinement replacement. Nil means always
	// focused, which suits headless and test setups.
	TargetStillFocused func(target string) bool
}

func NewBusSink(client *bus.Client, log *slog.Logger) *BusSink {
	return &BusSink{client: client, log: log.With("component", "delivery")}
}

func (s *BusSink) Paste(sessionID, target, text string) error {
	return s.publish(sessionID, target, text, false)
}

func (s *BusSink) ReplaceLast(sessionID, target, text string) error {
	if s.TargetStillFocused != nil && !s.TargetStillFocused(target) {
		s.log.Info("replacement skipped, target no longer focused", "session_id", sessionID, "target", target)
		return nil
	}
	return s.publish(sessionID, target, text, true)
}

func (s *BusSink) publish(sessionID, target, text string, replace bool) error {
	return s.client.PublishJSON(protocol.SubjectPaste, protocol.PasteRequest{
		SessionID: sessionID,
		Target:    target,
		Text:      text,
		Replace:   replace,
		Timestamp: time.Now().UTC(),
	})
}

// Recorder is an in-memory sink for tests.
type Recorder struct {
	mu       sync.Mutex
	Pastes   []protocol.PasteRequest
	Focused  bool
	FailWith error
}

func NewRecorder() *Recorder {
	return &Recorder{Focused: true}
}

func (r *Recorder) Paste(sessionID, target, text string) error {
	return r.record(sessionID, target, text, false)
}

func (r *Recorder) ReplaceLast(sessionID, target, text string) error {
	r.mu.Lock()
	focused := r.Focused
	r.mu.Unlock()
	if !focused {
		return nil
	}
	return r.record(sessionID, target, text, true)
}

func (r *Recorder) record(sessionID, target, text string, replace bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.FailWith != nil {
		return r.FailWith
	}
	r.Pastes = append(r.Pastes, protocol.PasteRequest{
		SessionID: sessionID,
		Target:    target,
		Text:      text,
		Replace:   replace,
	})
	return nil
}

func (r *Recorder) SetFocused(focused bool) {
	r.mu.Lock()
	r.Focused = focused
	r.mu.Unlock()
}

func (r *Recorder) All() []protocol.PasteRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]protocol.PasteRequest, len(r.Pastes))
	copy(out, r.Pastes)
	return out
}
