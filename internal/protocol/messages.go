package protocol

import "time"

// Workflow modes accepted by the command surface.
const (
	ModeDictate   = "dictate"
	ModeAsk       = "ask"
	ModeTranslate = "translate"
)

// Bus subjects exposed by the daemon.
const (
	SubjectCmdStart   = "scrybe.cmd.start"
	SubjectCmdStop    = "scrybe.cmd.stop"
	SubjectCmdPromote = "scrybe.cmd.promote"
	SubjectCmdCancel  = "scrybe.cmd.cancel"

	SubjectState         = "scrybe.state"
	SubjectPretranscribe = "scrybe.pretranscribe"
	SubjectPaste         = "scrybe.paste"
)

// Command is published by hotkey frontends to drive the controller.
type Command struct {
	Mode      string    `json:"mode,omitempty"`
	FromMode  string    `json:"from_mode,omitempty"`
	ToMode    string    `json:"to_mode,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Target    string    `json:"target,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// StateSnapshot is broadcast after every controller transition.
type StateSnapshot struct {
	SessionID string    `json:"session_id,omitempty"`
	State     string    `json:"state"`
	Mode      string    `json:"mode,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// PretranscribeSnapshot mirrors the incremental ASR session runtime state.
type PretranscribeSnapshot struct {
	SessionID           string    `json:"session_id"`
	Status              string    `json:"status"`
	CompletedChunks     int       `json:"completed_chunks"`
	QueueDepth          int       `json:"queue_depth"`
	LastLatencyMS       int64     `json:"last_latency_ms"`
	LowConfidenceMerges int       `json:"low_confidence_merges"`
	Timestamp           time.Time `json:"timestamp"`
}

// PasteRequest asks the host agent to insert (or replace) delivered text.
type PasteRequest struct {
	SessionID string    `json:"session_id"`
	Target    string    `json:"target,omitempty"`
	Text      string    `json:"text"`
	Replace   bool      `json:"replace"`
	Timestamp time.Time `json:"timestamp"`
}

// HistoryRecord is the append-only delivery record shape.
type HistoryRecord struct {
	SessionID string    `json:"session_id"`
	Mode      string    `json:"mode"`
	RawText   string    `json:"raw_text"`
	Output    string    `json:"output_text"`
	Timestamp time.Time `json:"timestamp"`
}
