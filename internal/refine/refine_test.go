package refine

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/scrybelabs/scrybe-core/internal/config"
	"github.com/scrybelabs/scrybe-core/internal/delivery"
	"github.com/scrybelabs/scrybe-core/internal/executor"
	"github.com/scrybelabs/scrybe-core/internal/protocol"
	"github.com/scrybelabs/scrybe-core/internal/provider"
	"github.com/scrybelabs/scrybe-core/internal/route"
)

func refineConfig() config.RefineConfig {
	return config.RefineConfig{
		Enabled:            true,
		AutoReplace:        true,
		Trim:               true,
		CollapseWhitespace: true,
	}
}

func testWorker(cfg config.RefineConfig) (*Worker, *delivery.Recorder) {
	sink := delivery.NewRecorder()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewWorker(cfg, sink, log), sink
}

func qualityJob(p provider.Provider, firstPass string) Job {
	return Job{
		SessionID:     "s1",
		Route:         route.Route{ASR: p, LLM: p},
		Request:       provider.Request{SessionID: "s1", Mode: protocol.ModeDictate},
		FirstPassText: firstPass,
	}
}

func execFor(p provider.Provider) *executor.Executor {
	return executor.New(slog.New(slog.NewTextHandler(io.Discard, nil)), true)
}

func TestQualityPassReplacesImprovedText(t *testing.T) {
	p := &provider.Scripted{
		Tokens: []string{"Hello, world."},
		Meta:   protocol.StreamMeta{Mode: protocol.ModeDictate, OutputText: "Hello, world."},
	}
	worker, sink := testWorker(refineConfig())

	worker.Schedule(context.Background(), execFor(p), qualityJob(p, "Hello world"))
	worker.Wait()

	pastes := sink.All()
	if len(pastes) != 1 {
		t.Fatalf("pastes = %v", pastes)
	}
	if !pastes[0].Replace || pastes[0].Text != "Hello, world." {
		t.Fatalf("paste = %+v", pastes[0])
	}
}

func TestQualityPassSkipsEffectivelyEqualText(t *testing.T) {
	p := &provider.Scripted{
		Tokens: []string{"Hello   world"},
		Meta:   protocol.StreamMeta{Mode: protocol.ModeDictate, OutputText: "Hello   world"},
	}
	worker, sink := testWorker(refineConfig())

	worker.Schedule(context.Background(), execFor(p), qualityJob(p, "Hello world"))
	worker.Wait()

	if pastes := sink.All(); len(pastes) != 0 {
		t.Fatalf("pastes = %v, want none", pastes)
	}
}

func TestQualityPassHonorsAutoReplaceOff(t *testing.T) {
	p := &provider.Scripted{
		Tokens: []string{"Different text."},
		Meta:   protocol.StreamMeta{Mode: protocol.ModeDictate, OutputText: "Different text."},
	}
	cfg := refineConfig()
	cfg.AutoReplace = false
	worker, sink := testWorker(cfg)

	worker.Schedule(context.Background(), execFor(p), qualityJob(p, "original"))
	worker.Wait()

	if pastes := sink.All(); len(pastes) != 0 {
		t.Fatalf("pastes = %v, want none", pastes)
	}
}

func TestQualityPassSkippedWhenTargetUnfocused(t *testing.T) {
	p := &provider.Scripted{
		Tokens: []string{"Different text."},
		Meta:   protocol.StreamMeta{Mode: protocol.ModeDictate, OutputText: "Different text."},
	}
	worker, sink := testWorker(refineConfig())
	sink.SetFocused(false)

	worker.Schedule(context.Background(), execFor(p), qualityJob(p, "original"))
	worker.Wait()

	if pastes := sink.All(); len(pastes) != 0 {
		t.Fatalf("pastes = %v, want none", pastes)
	}
}

func TestDisabledWorkerRunsNothing(t *testing.T) {
	p := &provider.Scripted{Tokens: []string{"x"}}
	cfg := refineConfig()
	cfg.Enabled = false
	worker, sink := testWorker(cfg)

	if worker.Schedule(context.Background(), execFor(p), qualityJob(p, "y")) {
		t.Fatal("Schedule() = true while disabled, want false")
	}
	worker.Wait()

	if p.Runs() != 0 {
		t.Fatalf("runs = %d, want 0", p.Runs())
	}
	if pastes := sink.All(); len(pastes) != 0 {
		t.Fatalf("pastes = %v", pastes)
	}
}

func TestScheduledPassRemovesCaptureFile(t *testing.T) {
	p := &provider.Scripted{
		Tokens: []string{"Hello   world"},
		Meta:   protocol.StreamMeta{Mode: protocol.ModeDictate, OutputText: "Hello   world"},
	}
	worker, _ := testWorker(refineConfig())

	wavPath := filepath.Join(t.TempDir(), "capture.wav")
	if err := os.WriteFile(wavPath, []byte("RIFFfake"), 0o644); err != nil {
		t.Fatalf("write wav: %v", err)
	}
	job := qualityJob(p, "Hello world")
	job.Request.Audio.Path = wavPath

	if !worker.Schedule(context.Background(), execFor(p), job) {
		t.Fatal("Schedule() = false, want true")
	}
	worker.Wait()

	if _, err := os.Stat(wavPath); !os.IsNotExist(err) {
		t.Fatalf("capture file still present, stat err = %v", err)
	}
}

func TestNewJobCancelsActivePass(t *testing.T) {
	started := make(chan struct{})
	slow := &provider.Scripted{
		Tokens: []string{"slow", " pass"},
		Meta:   protocol.StreamMeta{Mode: protocol.ModeDictate, OutputText: "slow pass"},
	}
	slow.Delay = func(i int) {
		if i == 0 {
			close(started)
		}
		time.Sleep(50 * time.Millisecond)
	}
	fast := &provider.Scripted{
		Tokens: []string{"fast pass."},
		Meta:   protocol.StreamMeta{Mode: protocol.ModeDictate, OutputText: "fast pass."},
	}
	worker, sink := testWorker(refineConfig())

	worker.Schedule(context.Background(), execFor(slow), qualityJob(slow, "original"))
	<-started
	worker.Schedule(context.Background(), execFor(fast), qualityJob(fast, "original"))
	worker.Wait()

	pastes := sink.All()
	if len(pastes) != 1 {
		t.Fatalf("pastes = %v, want exactly the fast pass", pastes)
	}
	if pastes[0].Text != "fast pass." {
		t.Fatalf("paste = %+v", pastes[0])
	}
}
