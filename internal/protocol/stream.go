package protocol

// Wire contract for the inference backends' streaming endpoint: newline
// delimited events, each a JSON object tagged by "type". A literal
// "data: [DONE]" line terminates the stream. A stream that terminates
// without a done event is a protocol error.

const (
	StreamEventToken = "token"
	StreamEventDone  = "done"
	StreamEventError = "error"

	// StreamDataPrefix is the optional SSE framing prefix on each line.
	StreamDataPrefix = "data: "
	// StreamDoneSentinel terminates the stream after the prefix is stripped.
	StreamDoneSentinel = "[DONE]"
)

// StreamEvent is one line of the streaming endpoint.
type StreamEvent struct {
	Type    string      `json:"type"`
	Token   string      `json:"token,omitempty"`
	Meta    *StreamMeta `json:"meta,omitempty"`
	Message string      `json:"message,omitempty"`
}

// StreamMeta is the terminal result bundle of one inference.
type StreamMeta struct {
	Mode                 string           `json:"mode"`
	RawText              string           `json:"raw_text"`
	OutputText           string           `json:"output_text"`
	UsedWebSearch        bool             `json:"used_web_search"`
	WebSources           []string         `json:"web_sources"`
	TimingMS             map[string]int64 `json:"timing_ms"`
	ASRLanguageDetected  string           `json:"asr_language_detected"`
	OutputLanguagePolicy string           `json:"output_language_policy"`
}
