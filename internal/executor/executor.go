package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/scrybelabs/scrybe-core/internal/protocol"
	"github.com/scrybelabs/scrybe-core/internal/provider"
	"github.com/scrybelabs/scrybe-core/internal/route"
	"github.com/scrybelabs/scrybe-core/internal/textproc"
	"github.com/scrybelabs/scrybe-core/internal/textstream"
)

var (
	// ErrASRFailure marks a failure in the transcription stage.
	ErrASRFailure = errors.New("executor: asr stage failed")
	// ErrLLMFailure marks a failure in the rewrite stage.
	ErrLLMFailure = errors.New("executor: llm stage failed")
)

// Outcome is the finished result of one inference.
type Outcome struct {
	Meta       protocol.StreamMeta
	RawText    string
	OutputText string
	TimingMS   map[string]int64
}

// Executor runs one inference over a planned route, feeding every accepted
// token action to the caller as it arrives.
type Executor struct {
	log        *slog.Logger
	llmRewrite bool
	clock      func() time.Time
}

func New(log *slog.Logger, llmRewrite bool) *Executor {
	return &Executor{
		log:        log.With("component", "executor"),
		llmRewrite: llmRewrite,
		clock:      time.Now,
	}
}

// Execute dispatches to the right path for the route. pretranscript, when
// supplied, replaces the audio for the rewrite stage. onAction receives
// every non-ignored accumulator action in token order; it is never called
// concurrently.
func (e *Executor) Execute(ctx context.Context, rt route.Route, req provider.Request, pretranscript string, havePretranscript bool, onAction func(textstream.Action)) (Outcome, error) {
	start := e.clock()
	acc := textstream.New()
	emit := func(tok string) {
		action := acc.Ingest(tok)
		if action.Kind == textstream.ActionIgnore {
			return
		}
		if onAction != nil {
			onAction(action)
		}
	}

	var outcome Outcome
	var err error
	switch {
	case !e.llmRewrite && req.Mode == protocol.ModeDictate:
		outcome, err = e.runASROnly(ctx, rt, req, pretranscript, havePretranscript, emit)
	case havePretranscript:
		outcome, err = e.runPrepared(ctx, rt, req, pretranscript, emit)
	case rt.Plan.Hybrid():
		outcome, err = e.runHybrid(ctx, rt, req, emit)
	default:
		outcome, err = e.runSingle(ctx, rt, req, emit)
	}
	if err != nil {
		return Outcome{}, err
	}

	if outcome.RawText == "" {
		outcome.RawText = outcome.Meta.RawText
	}
	if outcome.OutputText == "" {
		outcome.OutputText = outcome.Meta.OutputText
	}
	if outcome.OutputText == "" {
		outcome.OutputText = acc.Text()
	}
	// Local post-processing applies on every path, not just ASR-only.
	// Fragment dedupe is dictate-only; it folds whitespace, which would
	// mangle multi-line answers.
	if req.Mode == protocol.ModeDictate {
		outcome.OutputText = textproc.DedupeFragments(outcome.OutputText)
	}
	outcome.OutputText = textproc.FormatForMode(req.Mode, outcome.OutputText)
	if outcome.TimingMS == nil {
		outcome.TimingMS = make(map[string]int64)
	}
	for k, v := range outcome.Meta.TimingMS {
		outcome.TimingMS[k] = v
	}
	outcome.TimingMS["total_ms"] = e.clock().Sub(start).Milliseconds()
	return outcome, nil
}

// runSingle streams the whole pipeline through one provider.
func (e *Executor) runSingle(ctx context.Context, rt route.Route, req provider.Request, emit func(string)) (Outcome, error) {
	meta, err := rt.LLM.Run(ctx, req, emit)
	if err != nil {
		return Outcome{}, wrapStage(ErrLLMFailure, err)
	}
	return Outcome{Meta: meta}, nil
}

// runHybrid transcribes on one side and rewrites on the other.
func (e *Executor) runHybrid(ctx context.Context, rt route.Route, req provider.Request, emit func(string)) (Outcome, error) {
	asrStart := e.clock()
	chunk, err := rt.ASR.TranscribeChunk(ctx, req)
	if err != nil {
		return Outcome{}, wrapStage(ErrASRFailure, err)
	}
	asrMS := e.clock().Sub(asrStart).Milliseconds()

	meta, err := rt.LLM.RunPreparedTranscript(ctx, req, chunk.Text, emit)
	if err != nil {
		return Outcome{}, wrapStage(ErrLLMFailure, err)
	}
	if meta.ASRLanguageDetected == "" {
		meta.ASRLanguageDetected = chunk.DetectedLanguage
	}
	return Outcome{
		Meta:     meta,
		RawText:  chunk.Text,
		TimingMS: map[string]int64{"asr_ms": asrMS},
	}, nil
}

// runPrepared skips audio transcription entirely.
func (e *Executor) runPrepared(ctx context.Context, rt route.Route, req provider.Request, rawText string, emit func(string)) (Outcome, error) {
	meta, err := rt.LLM.RunPreparedTranscript(ctx, req, rawText, emit)
	if err != nil {
		return Outcome{}, wrapStage(ErrLLMFailure, err)
	}
	return Outcome{Meta: meta, RawText: rawText}, nil
}

// runASROnly produces formatted transcript text without a rewrite stage.
func (e *Executor) runASROnly(ctx context.Context, rt route.Route, req provider.Request, pretranscript string, havePretranscript bool, emit func(string)) (Outcome, error) {
	raw := pretranscript
	var asrMS int64
	if !havePretranscript {
		asrStart := e.clock()
		chunk, err := rt.ASR.TranscribeChunk(ctx, req)
		if err != nil {
			return Outcome{}, wrapStage(ErrASRFailure, err)
		}
		raw = chunk.Text
		asrMS = e.clock().Sub(asrStart).Milliseconds()
	}

	output := textproc.FormatForMode(req.Mode, textproc.DedupeFragments(raw))
	emit(output)
	return Outcome{
		Meta: protocol.StreamMeta{
			Mode:       req.Mode,
			RawText:    raw,
			OutputText: output,
		},
		RawText:    raw,
		OutputText: output,
		TimingMS:   map[string]int64{"asr_ms": asrMS},
	}, nil
}

func wrapStage(stage error, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %v", stage, err)
}
