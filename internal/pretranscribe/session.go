// Package pretranscribe runs incremental ASR over live audio while a
// recording is still in progress, so that the transcript is (mostly) ready
// by the time the user releases the hotkey.
package pretranscribe

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/scrybelabs/scrybe-core/internal/audio"
	"github.com/scrybelabs/scrybe-core/internal/config"
	"github.com/scrybelabs/scrybe-core/internal/protocol"
)

// ErrFinalized is returned when Finish or Cancel is called twice.
var ErrFinalized = errors.New("pretranscribe: session already finalized")

// ChunkFunc transcribes one chunk WAV file.
type ChunkFunc func(ctx context.Context, wavPath string) (string, error)

// FullFunc re-transcribes the entire recording in one request. Used by the
// high-failure fallback only.
type FullFunc func(ctx context.Context, capture audio.Capture) (string, error)

// Result is the outcome of Finish.
type Result struct {
	Transcript          string
	FallbackUsed        bool
	LowConfidenceMerges int
	ChunkFailures       int
	CompletedChunks     int
}

const speechThreshold = 350 // mean abs amplitude of a 16-bit sample window

// Session consumes a live PCM stream, chunks it, and transcribes chunks
// concurrently under a bounded in-flight cap. Bound 1:1 to a recording
// session id; exactly one of Finish or Cancel may be called.
type Session struct {
	id     string
	cfg    config.PretranscribeConfig
	chunk  ChunkFunc
	full   FullFunc
	notify func(protocol.PretranscribeSnapshot)
	log    *slog.Logger

	sampleRate int
	channels   int

	ctx    context.Context
	cancel context.CancelFunc
	sem    chan struct{}
	wg     sync.WaitGroup

	mu          sync.Mutex
	buf         []byte
	cursor      int
	nextIndex   int
	results     map[int]string
	completed   int
	failures    int
	queued      int
	lastLatency time.Duration
	lowConf     int
	status      string
	finalized   bool
}

func New(parent context.Context, id string, cfg config.PretranscribeConfig, audioCfg config.AudioConfig, chunk ChunkFunc, full FullFunc, notify func(protocol.PretranscribeSnapshot), log *slog.Logger) *Session {
	ctx, cancel := context.WithCancel(parent)
	if notify == nil {
		notify = func(protocol.PretranscribeSnapshot) {}
	}
	return &Session{
		id:         id,
		cfg:        cfg,
		chunk:      chunk,
		full:       full,
		notify:     notify,
		log:        log.With(slog.String("component", "pretranscribe"), slog.String("session_id", id)),
		sampleRate: audioCfg.SampleRate,
		channels:   audioCfg.Channels,
		ctx:        ctx,
		cancel:     cancel,
		sem:        make(chan struct{}, cfg.MaxInflight),
		results:    make(map[int]string),
		status:     "running",
	}
}

// ID returns the recording session id this session was created for.
func (s *Session) ID() string {
	return s.id
}

func (s *Session) bytesPerMS() int {
	return s.sampleRate * 2 * s.channels / 1000
}

// Feed appends live PCM and schedules chunk transcription whenever the
// configured step/overlap/speech parameters say a chunk is ready. Feed
// itself never blocks; submissions queue on the in-flight cap instead.
func (s *Session) Feed(pcm []byte) {
	s.mu.Lock()
	if s.finalized {
		s.mu.Unlock()
		return
	}
	s.buf = append(s.buf, pcm...)

	for {
		spec, ok := s.nextChunkLocked()
		if !ok {
			break
		}
		s.scheduleLocked(spec.index, spec.pcm)
	}
	s.mu.Unlock()
	s.emitSnapshot()
}

type chunkSpec struct {
	index int
	pcm   []byte
}

// nextChunkLocked cuts one chunk off the unconsumed buffer, extending
// backwards by the overlap so boundary words appear in both chunks.
func (s *Session) nextChunkLocked() (chunkSpec, bool) {
	bpm := s.bytesPerMS()
	pending := s.buf[s.cursor:]

	stepBytes := s.cfg.StepMS * bpm
	maxBytes := s.cfg.MaxChunkMS * bpm
	minSpeechBytes := s.cfg.MinSpeechMS * bpm
	endSilenceBytes := s.cfg.EndSilenceMS * bpm

	ready := false
	switch {
	case len(pending) >= maxBytes:
		ready = true
	case len(pending) >= stepBytes &&
		speechBytes(pending) >= minSpeechBytes &&
		trailingSilence(pending, endSilenceBytes):
		ready = true
	}
	if !ready {
		return chunkSpec{}, false
	}

	start := s.cursor - s.cfg.OverlapMS*bpm
	if start < 0 {
		start = 0
	}
	start -= start % 2
	chunk := append([]byte(nil), s.buf[start:]...)
	s.cursor = len(s.buf)

	index := s.nextIndex
	s.nextIndex++
	return chunkSpec{index: index, pcm: chunk}, true
}

func (s *Session) scheduleLocked(index int, pcm []byte) {
	s.queued++
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		select {
		case s.sem <- struct{}{}:
			defer func() { <-s.sem }()
		case <-s.ctx.Done():
			s.recordFailure(index, s.ctx.Err())
			return
		}

		path, err := audio.WriteTempWAV(fmt.Sprintf("scrybe_chunk_%d_*.wav", index), pcm, s.sampleRate, s.channels)
		if err != nil {
			s.recordFailure(index, err)
			return
		}
		defer os.Remove(path)

		start := time.Now()
		text, err := s.chunk(s.ctx, path)
		if err != nil {
			s.recordFailure(index, err)
			return
		}
		s.recordSuccess(index, text, time.Since(start))
	}()
}

func (s *Session) recordSuccess(index int, text string, latency time.Duration) {
	s.mu.Lock()
	if s.status == "cancelled" {
		s.mu.Unlock()
		return
	}
	s.queued--
	s.completed++
	s.lastLatency = latency
	s.results[index] = text
	s.mu.Unlock()
	s.emitSnapshot()
}

func (s *Session) recordFailure(index int, err error) {
	s.mu.Lock()
	if s.status == "cancelled" {
		s.mu.Unlock()
		return
	}
	s.queued--
	s.failures++
	s.mu.Unlock()
	s.log.Debug("chunk transcription failed", slog.Int("chunk", index), slog.String("error", err.Error()))
	s.emitSnapshot()
}

// Finish waits for in-flight chunks, then returns either the merged chunked
// transcript or, when the failure rate crossed the configured threshold and
// a full-audio transcriber was supplied, one full-recording re-transcription.
func (s *Session) Finish(ctx context.Context, final audio.Capture) (Result, error) {
	s.mu.Lock()
	if s.finalized {
		s.mu.Unlock()
		return Result{}, ErrFinalized
	}
	s.finalized = true
	s.status = "finishing"

	// Flush whatever trailing audio never hit a chunk boundary.
	if tail := s.buf[s.cursor:]; len(tail) >= s.cfg.MinSpeechMS*s.bytesPerMS() && speechBytes(tail) >= s.cfg.MinSpeechMS*s.bytesPerMS()/2 {
		if spec, ok := s.forceTailChunkLocked(); ok {
			s.scheduleLocked(spec.index, spec.pcm)
		}
	}
	s.mu.Unlock()
	s.emitSnapshot()

	s.wg.Wait()

	s.mu.Lock()
	attempts := s.completed + s.failures
	rate := 0.0
	if attempts > 0 {
		rate = float64(s.failures) / float64(attempts)
	}
	useFallback := s.cfg.FallbackPolicy == "full_asr_on_high_failure" &&
		s.full != nil && attempts > 0 && rate > s.cfg.FailureThreshold

	result := Result{
		LowConfidenceMerges: s.lowConf,
		ChunkFailures:       s.failures,
		CompletedChunks:     s.completed,
	}

	if !useFallback {
		indexes := make([]int, 0, len(s.results))
		for i := range s.results {
			indexes = append(indexes, i)
		}
		sort.Ints(indexes)
		parts := make([]string, 0, len(indexes))
		for _, i := range indexes {
			parts = append(parts, s.results[i])
		}
		merged, lowConf := mergeTranscripts(parts)
		s.lowConf += lowConf
		result.LowConfidenceMerges = s.lowConf
		result.Transcript = merged
		s.status = "finished"
		s.mu.Unlock()
		s.emitSnapshot()
		return result, nil
	}
	s.status = "fallback"
	s.mu.Unlock()
	s.emitSnapshot()

	text, err := s.full(ctx, final)
	s.mu.Lock()
	if err != nil {
		s.status = "failed"
		s.mu.Unlock()
		s.emitSnapshot()
		return Result{}, fmt.Errorf("full-audio fallback: %w", err)
	}
	result.Transcript = text
	result.FallbackUsed = true
	s.status = "finished"
	s.mu.Unlock()
	s.emitSnapshot()
	return result, nil
}

func (s *Session) forceTailChunkLocked() (chunkSpec, bool) {
	bpm := s.bytesPerMS()
	start := s.cursor - s.cfg.OverlapMS*bpm
	if start < 0 {
		start = 0
	}
	start -= start % 2
	if start >= len(s.buf) {
		return chunkSpec{}, false
	}
	chunk := append([]byte(nil), s.buf[start:]...)
	s.cursor = len(s.buf)
	index := s.nextIndex
	s.nextIndex++
	return chunkSpec{index: index, pcm: chunk}, true
}

// Cancel abandons all in-flight chunk requests; no further results are
// merged. Idempotent with respect to Finish: the second call is a no-op.
func (s *Session) Cancel() {
	s.mu.Lock()
	if s.finalized {
		s.mu.Unlock()
		return
	}
	s.finalized = true
	s.status = "cancelled"
	s.mu.Unlock()
	s.cancel()
	s.emitSnapshot()
}

// Snapshot returns the current runtime state.
func (s *Session) Snapshot() protocol.PretranscribeSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return protocol.PretranscribeSnapshot{
		SessionID:           s.id,
		Status:              s.status,
		CompletedChunks:     s.completed,
		QueueDepth:          s.queued,
		LastLatencyMS:       s.lastLatency.Milliseconds(),
		LowConfidenceMerges: s.lowConf,
		Timestamp:           time.Now().UTC(),
	}
}

func (s *Session) emitSnapshot() {
	s.notify(s.Snapshot())
}

// mergeTranscripts joins chunk transcripts, dropping words duplicated in
// the overlap regions. When no overlap match is found between two adjacent
// non-empty chunks the merge had to guess; that count is reported.
func mergeTranscripts(parts []string) (string, int) {
	const maxOverlapWords = 8

	var words []string
	lowConf := 0
	for _, part := range parts {
		next := strings.Fields(part)
		if len(next) == 0 {
			continue
		}
		if len(words) == 0 {
			words = append(words, next...)
			continue
		}
		k := overlapWords(words, next, maxOverlapWords)
		if k == 0 {
			lowConf++
		}
		words = append(words, next[k:]...)
	}
	return strings.Join(words, " "), lowConf
}

func overlapWords(prev, next []string, max int) int {
	limit := max
	if len(prev) < limit {
		limit = len(prev)
	}
	if len(next) < limit {
		limit = len(next)
	}
	for k := limit; k > 0; k-- {
		match := true
		for i := 0; i < k; i++ {
			if !strings.EqualFold(prev[len(prev)-k+i], next[i]) {
				match = false
				break
			}
		}
		if match {
			return k
		}
	}
	return 0
}

func speechBytes(pcm []byte) int {
	const window = 320 // 10ms at 16kHz mono
	speech := 0
	for off := 0; off+window <= len(pcm); off += window {
		if windowHasSpeech(pcm[off : off+window]) {
			speech += window
		}
	}
	return speech
}

func trailingSilence(pcm []byte, silenceBytes int) bool {
	if silenceBytes <= 0 {
		return true
	}
	if len(pcm) < silenceBytes {
		return false
	}
	return speechBytes(pcm[len(pcm)-silenceBytes:]) == 0
}

func windowHasSpeech(window []byte) bool {
	var sum int64
	n := len(window) / 2
	if n == 0 {
		return false
	}
	for i := 0; i < n; i++ {
		sample := int64(int16(binary.LittleEndian.Uint16(window[i*2:])))
		if sample < 0 {
			sample = -sample
		}
		sum += sample
	}
	return sum/int64(n) > speechThreshold
}
