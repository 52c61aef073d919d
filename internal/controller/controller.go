package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/scrybelabs/scrybe-core/internal/audio"
	"github.com/scrybelabs/scrybe-core/internal/config"
	"github.com/scrybelabs/scrybe-core/internal/delivery"
	"github.com/scrybelabs/scrybe-core/internal/executor"
	"github.com/scrybelabs/scrybe-core/internal/pretranscribe"
	"github.com/scrybelabs/scrybe-core/internal/protocol"
	"github.com/scrybelabs/scrybe-core/internal/provider"
	"github.com/scrybelabs/scrybe-core/internal/refine"
	"github.com/scrybelabs/scrybe-core/internal/route"
	"github.com/scrybelabs/scrybe-core/internal/session"
	"github.com/scrybelabs/scrybe-core/internal/textstream"
	"github.com/scrybelabs/scrybe-core/internal/watchdog"
)

// Publisher is the slice of the bus client the controller needs.
type Publisher interface {
	PublishJSON(subject string, msg any) error
}

// HistoryAppender persists finished transcripts.
type HistoryAppender interface {
	Append(ctx context.Context, rec protocol.HistoryRecord) error
}

// BackendStarter warms up the inference backend.
type BackendStarter interface {
	StartIfNeeded(ctx context.Context, asrModel, llmModel string) error
}

// Deps wires the controller into the rest of the daemon.
type Deps struct {
	Config   config.Config
	Logger   *slog.Logger
	Recorder audio.Recorder
	Planner  *route.Planner
	Executor *executor.Executor
	Backend  BackendStarter
	Sink     delivery.Sink
	History  HistoryAppender
	Refiner  *refine.Worker
	Pub      Publisher
	ChunkASR pretranscribe.ChunkFunc
	FullASR  pretranscribe.FullFunc
}

// Controller owns the recording session lifecycle. One session at a time;
// every transition is broadcast as a state snapshot.
type Controller struct {
	cfg      config.Config
	log      *slog.Logger
	recorder audio.Recorder
	planner  *route.Planner
	exec     *executor.Executor
	backend  BackendStarter
	sink     delivery.Sink
	history  HistoryAppender
	refiner  *refine.Worker
	pub      Publisher
	chunkASR pretranscribe.ChunkFunc
	fullASR  pretranscribe.FullFunc

	runCtx context.Context

	mu                sync.Mutex
	state             State
	sessionID         string
	mode              string
	target            string
	pre               *pretranscribe.Session
	tracker           *session.Tracker
	wd                *watchdog.Watchdog
	inferCancel       context.CancelFunc
	activeInferenceID string
	cancelRequested   bool
	timedOut          bool

	metrics *metrics

	wg sync.WaitGroup
}

func New(ctx context.Context, deps Deps) *Controller {
	c := &Controller{
		cfg:      deps.Config,
		log:      deps.Logger.With("component", "controller"),
		recorder: deps.Recorder,
		planner:  deps.Planner,
		exec:     deps.Executor,
		backend:  deps.Backend,
		sink:     deps.Sink,
		history:  deps.History,
		refiner:  deps.Refiner,
		pub:      deps.Pub,
		chunkASR: deps.ChunkASR,
		fullASR:  deps.FullASR,
		runCtx:   ctx,
		state:    StateIdle,
		tracker:  session.NewTracker(),
	}
	c.wd = watchdog.New(c.onWatchdogTimeout)
	m, err := newMetrics()
	if err != nil {
		c.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}
	c.metrics = m
	return c
}

func validMode(mode string) bool {
	switch mode {
	case protocol.ModeDictate, protocol.ModeAsk, protocol.ModeTranslate:
		return true
	}
	return false
}

// Start begins a new recording session. While a previous session is still
// finishing it acts as a cancel: the active inference is aborted and the
// start itself is rejected.
func (c *Controller) Start(ctx context.Context, cmd protocol.Command) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateStopping || c.state == StateProcessing {
		c.cancelRequested = true
		if c.pre != nil {
			c.pre.Cancel()
		}
		if c.inferCancel != nil {
			c.inferCancel()
		}
		return fmt.Errorf("busy in state %s, cancelling active session", c.state)
	}

	next, err := Transition(c.state, EventStart)
	if err != nil {
		return err
	}
	mode := cmd.Mode
	if mode == "" {
		mode = protocol.ModeDictate
	}
	if !validMode(mode) {
		return fmt.Errorf("unknown mode %q", mode)
	}

	c.sessionID = session.NewID()
	c.mode = mode
	c.target = cmd.Target
	c.tracker.Reset()
	c.cancelRequested = false
	c.timedOut = false
	c.activeInferenceID = ""

	// Warm the backend while the user is still talking.
	go func() {
		if err := c.backend.StartIfNeeded(c.runCtx, c.cfg.Engine.ASRModel, c.cfg.Engine.LLMModel); err != nil {
			c.log.Warn("backend prewarm failed", "error", err)
		}
	}()

	if c.cfg.Pretranscribe.Enabled && mode == protocol.ModeDictate && c.chunkASR != nil {
		c.pre = pretranscribe.New(c.runCtx, c.sessionID, c.cfg.Pretranscribe, c.cfg.Audio,
			c.chunkASR, c.fullASR, c.notifyPretranscribe, c.log)
		c.recorder.SetChunkSink(c.pre.Feed)
	} else {
		c.pre = nil
		c.recorder.SetChunkSink(nil)
	}

	if err := c.recorder.Start(ctx, c.cfg.Audio.EnhancementMode); err != nil {
		if c.pre != nil {
			c.pre.Cancel()
			c.pre = nil
		}
		c.sessionID = ""
		return fmt.Errorf("start recorder: %w", err)
	}

	// A quality pass still refining the previous dictation is obsolete
	// the moment a new recording begins.
	if c.refiner != nil {
		c.refiner.CancelActive()
	}

	c.state = next
	c.publishStateLocked("")
	c.log.Info("recording started", "session_id", c.sessionID, "mode", mode)
	return nil
}

// Promote switches the session's workflow mode mid-recording. Promoting to
// the current mode is a no-op.
func (c *Controller) Promote(ctx context.Context, cmd protocol.Command) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, err := Transition(c.state, EventPromote); err != nil {
		return err
	}
	to := cmd.ToMode
	if !validMode(to) {
		return fmt.Errorf("unknown mode %q", to)
	}
	if to == c.mode {
		return nil
	}

	from := c.mode
	c.mode = to
	if to != protocol.ModeDictate && c.pre != nil {
		c.pre.Cancel()
		c.pre = nil
		c.recorder.SetChunkSink(nil)
	}
	c.publishStateLocked("promoted from " + from)
	c.log.Info("session promoted", "session_id", c.sessionID, "from", from, "to", to)
	return nil
}

// Stop finalizes the recording and kicks off inference in the background.
func (c *Controller) Stop(ctx context.Context, cmd protocol.Command) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	next, err := Transition(c.state, EventStop)
	if err != nil {
		return err
	}
	if cmd.Mode != "" && cmd.Mode != c.mode {
		return fmt.Errorf("stop mode %q does not match active mode %q", cmd.Mode, c.mode)
	}
	c.state = next
	c.publishStateLocked("")

	c.wg.Add(1)
	go c.finalize(c.sessionID)
	return nil
}

// Cancel aborts whatever stage the session is in.
func (c *Controller) Cancel(ctx context.Context, cmd protocol.Command) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case StateRecording:
		if c.pre != nil {
			c.pre.Cancel()
			c.pre = nil
		}
		if err := c.recorder.Abort(ctx); err != nil {
			c.log.Warn("recorder abort failed", "error", err)
		}
		c.abandonLocked(EventCancel, cmd.Reason)
		return nil
	case StateStopping, StateProcessing:
		c.cancelRequested = true
		if c.pre != nil {
			c.pre.Cancel()
		}
		if c.inferCancel != nil {
			c.inferCancel()
		}
		return nil
	default:
		return fmt.Errorf("cancel rejected in state %s", c.state)
	}
}

// finalize runs after Stop outside the caller's lock: recorder teardown,
// route planning, inference, delivery.
func (c *Controller) finalize(sessionID string) {
	defer c.wg.Done()
	ctx := c.runCtx

	capture, stopErr := c.recorder.Stop(ctx)

	c.mu.Lock()
	if c.sessionID != sessionID || c.state != StateStopping {
		c.mu.Unlock()
		capture.Discard()
		return
	}
	if c.cancelRequested {
		c.abandonLocked(EventCancel, "cancelled during stop")
		c.mu.Unlock()
		capture.Discard()
		return
	}
	if stopErr != nil {
		c.abandonLocked(EventFail, "recorder stop failed: "+stopErr.Error())
		c.mu.Unlock()
		capture.Discard()
		return
	}
	if capture.Empty() {
		if c.pre != nil {
			c.pre.Cancel()
			c.pre = nil
		}
		c.state, _ = Transition(c.state, EventDiscard)
		c.publishStateLocked("empty recording discarded")
		c.sessionID = ""
		c.mu.Unlock()
		capture.Discard()
		return
	}

	c.state, _ = Transition(c.state, EventStopped)
	c.publishStateLocked("")
	mode := c.mode
	target := c.target
	pre := c.pre
	c.pre = nil
	c.mu.Unlock()

	c.runInference(ctx, sessionID, mode, target, capture, pre)
}

func (c *Controller) runInference(ctx context.Context, sessionID, mode, target string, capture audio.Capture, pre *pretranscribe.Session) {
	rt, err := c.planner.Plan(c.cfg.Engine)
	if err != nil {
		c.finishWithError(sessionID, capture, err)
		return
	}
	if err := c.backend.StartIfNeeded(ctx, c.cfg.Engine.ASRModel, c.cfg.Engine.LLMModel); err != nil {
		c.finishWithError(sessionID, capture, err)
		return
	}

	var pretranscript string
	havePretranscript := false
	if pre != nil {
		result, preErr := pre.Finish(ctx, capture)
		if preErr != nil {
			c.metrics.recordFallback(ctx)
			c.log.Warn("pretranscription failed, falling back to full inference",
				"session_id", sessionID, "error", preErr)
		} else if result.Transcript != "" {
			if result.FallbackUsed {
				c.metrics.recordFallback(ctx)
			}
			pretranscript = result.Transcript
			havePretranscript = true
			c.log.Debug("pretranscript ready",
				"session_id", sessionID,
				"chunks", result.CompletedChunks,
				"fallback_used", result.FallbackUsed,
				"low_confidence_merges", result.LowConfidenceMerges)
		}
	}

	inferenceID := session.NewID()
	if !c.tracker.RegisterInferenceStart(sessionID) {
		c.log.Warn("duplicate inference suppressed", "session_id", sessionID)
		capture.Discard()
		return
	}

	inferCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	c.mu.Lock()
	c.inferCancel = cancel
	c.activeInferenceID = inferenceID
	c.mu.Unlock()

	firstToken := time.Duration(c.cfg.Watchdog.FirstTokenLocalMS) * time.Millisecond
	if !rt.Plan.LLMLocal || havePretranscript {
		firstToken = time.Duration(c.cfg.Watchdog.FirstTokenRemoteMS) * time.Millisecond
	}
	stall := time.Duration(c.cfg.Watchdog.StallMS) * time.Millisecond
	c.wd.Arm(inferenceID, firstToken)

	req := provider.Request{
		SessionID:      sessionID,
		InferenceID:    inferenceID,
		Mode:           mode,
		Audio:          capture,
		Preset:         "fast",
		AudioProfile:   c.cfg.Audio.EnhancementMode,
		ASRModel:       c.cfg.Engine.ASRModel,
		LLMModel:       c.cfg.Engine.LLMModel,
		OutputLanguage: c.cfg.Engine.OutputLanguage,
	}

	outcome, err := c.exec.Execute(inferCtx, rt, req, pretranscript, havePretranscript, func(action textstream.Action) {
		c.metrics.recordToken(ctx)
		c.wd.Arm(inferenceID, stall)
	})
	c.wd.Clear()

	c.mu.Lock()
	if c.activeInferenceID != inferenceID || c.sessionID != sessionID || c.state != StateProcessing {
		c.mu.Unlock()
		c.log.Warn("stale inference result discarded", "inference_id", inferenceID)
		capture.Discard()
		return
	}
	c.inferCancel = nil
	c.activeInferenceID = ""

	if err != nil {
		switch {
		case c.cancelRequested && errors.Is(err, context.Canceled):
			c.metrics.recordInference(ctx, mode, "cancelled")
			c.abandonLocked(EventCancel, "cancelled")
		case c.timedOut:
			c.metrics.recordInference(ctx, mode, "failed")
			c.abandonLocked(EventFail, "inference watchdog timeout")
		default:
			c.metrics.recordInference(ctx, mode, "failed")
			c.abandonLocked(EventFail, err.Error())
		}
		c.mu.Unlock()
		capture.Discard()
		return
	}

	if c.tracker.RegisterPaste(sessionID) {
		if pasteErr := c.sink.Paste(sessionID, target, outcome.OutputText); pasteErr != nil {
			c.log.Warn("paste delivery failed", "session_id", sessionID, "error", pasteErr)
		}
	}
	if c.tracker.RegisterHistoryInsert(sessionID) {
		rec := protocol.HistoryRecord{
			SessionID: sessionID,
			Mode:      mode,
			RawText:   outcome.RawText,
			Output:    outcome.OutputText,
			Timestamp: time.Now().UTC(),
		}
		if histErr := c.history.Append(ctx, rec); histErr != nil {
			c.log.Warn("history insert failed", "session_id", sessionID, "error", histErr)
		}
	}

	c.state, _ = Transition(c.state, EventDone)
	c.publishStateLocked("")
	c.metrics.recordInference(ctx, mode, "completed")
	c.log.Info("inference completed",
		"session_id", sessionID,
		"inference_id", inferenceID,
		"mode", mode,
		"timing_ms", outcome.TimingMS)
	c.resetLocked()
	c.mu.Unlock()

	// The quality pass only applies to local dictation with enhancement
	// active. When the worker takes the job it owns the capture file and
	// removes it after the pass.
	localPass := rt.Plan.LLMLocal
	if !c.cfg.Engine.LLMRewrite {
		localPass = rt.Plan.ASRLocal
	}
	if c.refiner != nil && mode == protocol.ModeDictate && localPass && c.cfg.Audio.EnhancementMode != "off" {
		if c.refiner.Schedule(c.runCtx, c.exec, refine.Job{
			SessionID:         sessionID,
			Target:            target,
			Route:             rt,
			Request:           req,
			Pretranscript:     pretranscript,
			HavePretranscript: havePretranscript,
			FirstPassText:     outcome.OutputText,
		}) {
			return
		}
	}
	capture.Discard()
}

func (c *Controller) finishWithError(sessionID string, capture audio.Capture, err error) {
	c.mu.Lock()
	if c.sessionID == sessionID && c.state == StateProcessing {
		if c.cancelRequested {
			c.abandonLocked(EventCancel, "cancelled")
		} else {
			c.abandonLocked(EventFail, err.Error())
		}
	}
	c.mu.Unlock()
	capture.Discard()
}

// abandonLocked moves to a terminal state, broadcasts it, and resets.
func (c *Controller) abandonLocked(event Event, detail string) {
	next, err := Transition(c.state, event)
	if err != nil {
		c.log.Warn("forced failure transition", "state", string(c.state), "error", err)
		next = StateFailed
	}
	c.state = next
	c.publishStateLocked(detail)
	c.resetLocked()
}

func (c *Controller) resetLocked() {
	c.state, _ = Transition(c.state, EventReset)
	c.publishStateLocked("")
	c.sessionID = ""
	c.mode = ""
	c.target = ""
	c.cancelRequested = false
	c.timedOut = false
}

func (c *Controller) onWatchdogTimeout(inferenceID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if inferenceID != c.activeInferenceID {
		return
	}
	c.timedOut = true
	if c.inferCancel != nil {
		c.inferCancel()
	}
	c.metrics.recordTimeout(c.runCtx)
	c.log.Warn("inference watchdog fired", "inference_id", inferenceID)
}

func (c *Controller) notifyPretranscribe(snap protocol.PretranscribeSnapshot) {
	if c.pub == nil {
		return
	}
	if err := c.pub.PublishJSON(protocol.SubjectPretranscribe, snap); err != nil {
		c.log.Debug("pretranscribe snapshot publish failed", "error", err)
	}
}

func (c *Controller) publishStateLocked(detail string) {
	if c.pub == nil {
		return
	}
	snap := protocol.StateSnapshot{
		SessionID: c.sessionID,
		State:     string(c.state),
		Mode:      c.mode,
		Detail:    detail,
		Timestamp: time.Now().UTC(),
	}
	if err := c.pub.PublishJSON(protocol.SubjectState, snap); err != nil {
		c.log.Debug("state snapshot publish failed", "error", err)
	}
}

// Snapshot reports the current state for the ops surface.
func (c *Controller) Snapshot() protocol.StateSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return protocol.StateSnapshot{
		SessionID: c.sessionID,
		State:     string(c.state),
		Mode:      c.mode,
		Timestamp: time.Now().UTC(),
	}
}

// Terminate aborts everything in flight and waits for background work.
func (c *Controller) Terminate(ctx context.Context) {
	c.mu.Lock()
	if c.inferCancel != nil {
		c.inferCancel()
	}
	if c.pre != nil {
		c.pre.Cancel()
		c.pre = nil
	}
	if c.state == StateRecording {
		if err := c.recorder.Abort(ctx); err != nil {
			c.log.Warn("recorder abort failed", "error", err)
		}
	}
	c.tracker.Reset()
	c.mu.Unlock()

	if c.refiner != nil {
		c.refiner.CancelActive()
	}
	c.wg.Wait()
	if c.refiner != nil {
		c.refiner.Wait()
	}
}
