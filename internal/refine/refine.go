package refine

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/scrybelabs/scrybe-core/internal/config"
	"github.com/scrybelabs/scrybe-core/internal/delivery"
	"github.com/scrybelabs/scrybe-core/internal/executor"
	"github.com/scrybelabs/scrybe-core/internal/provider"
	"github.com/scrybelabs/scrybe-core/internal/route"
	"github.com/scrybelabs/scrybe-core/internal/textproc"
)

// Job carries everything the second pass needs. The route and request are
// frozen copies of the first pass, re-run under the quality preset.
type Job struct {
	SessionID         string
	Target            string
	Route             route.Route
	Request           provider.Request
	Pretranscript     string
	HavePretranscript bool
	FirstPassText     string
}

// Worker runs at most one background quality pass at a time. Scheduling a
// new job, or a new recording starting, cancels the active one. A pass that
// lands on text effectively equal to the first pass delivers nothing.
type Worker struct {
	cfg  config.RefineConfig
	sink delivery.Sink
	norm textproc.Normalizer
	log  *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	gen    uint64
	wg     sync.WaitGroup
}

func NewWorker(cfg config.RefineConfig, sink delivery.Sink, log *slog.Logger) *Worker {
	return &Worker{
		cfg:  cfg,
		sink: sink,
		norm: textproc.NewNormalizer(cfg),
		log:  log.With("component", "refine"),
	}
}

// Schedule queues the quality pass and reports whether it took the job.
// When it returns true the worker owns the job's capture file and removes
// it once the pass finishes; a false return leaves cleanup to the caller.
func (w *Worker) Schedule(parent context.Context, exec *executor.Executor, job Job) bool {
	if !w.cfg.Enabled {
		return false
	}

	w.mu.Lock()
	if w.cancel != nil {
		w.cancel()
	}
	ctx, cancel := context.WithCancel(parent)
	w.cancel = cancel
	w.gen++
	myGen := w.gen
	w.mu.Unlock()

	job.Request.Preset = "quality"
	job.Request.AudioProfile = "quality"

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer w.release(myGen, cancel)
		defer job.Request.Audio.Discard()
		w.run(ctx, exec, job)
	}()
	return true
}

func (w *Worker) run(ctx context.Context, exec *executor.Executor, job Job) {
	outcome, err := exec.Execute(ctx, job.Route, job.Request, job.Pretranscript, job.HavePretranscript, nil)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			w.log.Debug("quality pass cancelled", "session_id", job.SessionID)
			return
		}
		w.log.Warn("quality pass failed", "session_id", job.SessionID, "error", err)
		return
	}
	if ctx.Err() != nil {
		return
	}

	if w.norm.EffectivelyEqual(outcome.OutputText, job.FirstPassText) {
		w.log.Debug("quality pass unchanged", "session_id", job.SessionID)
		return
	}
	if !w.cfg.AutoReplace {
		w.log.Info("quality pass differs, auto replace disabled", "session_id", job.SessionID)
		return
	}
	if err := w.sink.ReplaceLast(job.SessionID, job.Target, outcome.OutputText); err != nil {
		w.log.Warn("quality replacement failed", "session_id", job.SessionID, "error", err)
		return
	}
	w.log.Info("quality replacement delivered", "session_id", job.SessionID)
}

// CancelActive aborts any in-flight quality pass.
func (w *Worker) CancelActive() {
	w.mu.Lock()
	if w.cancel != nil {
		w.cancel()
		w.cancel = nil
	}
	w.mu.Unlock()
}

func (w *Worker) release(myGen uint64, cancel context.CancelFunc) {
	w.mu.Lock()
	if w.gen == myGen {
		w.cancel = nil
	}
	w.mu.Unlock()
	cancel()
}

// Wait blocks until any scheduled pass has finished. Shutdown and test
// helper.
func (w *Worker) Wait() {
	w.wg.Wait()
}
