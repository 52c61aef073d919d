package audio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/mattn/go-shellwords"
)

// CommandRecorder captures raw s16le PCM from a spawned capture process
// (parec, arecord, sox). Chunks flow to the registered sink as they arrive
// and accumulate for the final WAV.
type CommandRecorder struct {
	command    string
	sampleRate int
	channels   int
	log        *slog.Logger

	mu         sync.Mutex
	cmd        *exec.Cmd
	buf        bytes.Buffer
	sink       func([]byte)
	recording  bool
	readerDone chan struct{}
}

func NewCommandRecorder(command string, sampleRate, channels int, log *slog.Logger) *CommandRecorder {
	return &CommandRecorder{
		command:    command,
		sampleRate: sampleRate,
		channels:   channels,
		log:        log.With("component", "audio"),
	}
}

func (r *CommandRecorder) SetChunkSink(sink func(pcm []byte)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sink = sink
}

func (r *CommandRecorder) Start(ctx context.Context, enhancementMode string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.recording {
		return errors.New("already recording")
	}

	args, err := shellwords.Parse(r.command)
	if err != nil {
		return fmt.Errorf("parse capture command: %w", err)
	}
	if len(args) == 0 {
		return errors.New("empty capture command")
	}

	cmd := exec.Command(args[0], args[1:]...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start capture: %w", err)
	}

	r.cmd = cmd
	r.buf.Reset()
	r.recording = true
	r.readerDone = make(chan struct{})
	sink := r.sink
	done := r.readerDone

	go func() {
		defer close(done)
		chunk := make([]byte, 8192)
		for {
			n, readErr := stdout.Read(chunk)
			if n > 0 {
				data := make([]byte, n)
				copy(data, chunk[:n])
				r.mu.Lock()
				r.buf.Write(data)
				r.mu.Unlock()
				if sink != nil {
					sink(data)
				}
			}
			if readErr != nil {
				return
			}
		}
	}()

	r.log.Info("capture started", "enhancement_mode", enhancementMode, "pid", cmd.Process.Pid)
	return nil
}

func (r *CommandRecorder) Stop(ctx context.Context) (Capture, error) {
	r.mu.Lock()
	if !r.recording {
		r.mu.Unlock()
		return Capture{}, errors.New("not recording")
	}
	r.recording = false
	cmd := r.cmd
	done := r.readerDone
	r.cmd = nil
	r.mu.Unlock()

	_ = cmd.Process.Signal(os.Interrupt)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		_ = cmd.Process.Kill()
		<-done
	}
	_ = cmd.Wait()

	r.mu.Lock()
	pcm := make([]byte, r.buf.Len())
	copy(pcm, r.buf.Bytes())
	r.buf.Reset()
	r.mu.Unlock()

	if len(pcm)%2 != 0 {
		pcm = pcm[:len(pcm)-1]
	}
	if len(pcm) == 0 {
		return Capture{SampleRate: r.sampleRate, Channels: r.channels}, nil
	}

	path, err := WriteTempWAV("scrybe_capture_*.wav", pcm, r.sampleRate, r.channels)
	if err != nil {
		return Capture{}, err
	}
	frames := int64(len(pcm) / 2 / r.channels)
	return Capture{
		Path:       path,
		Frames:     frames,
		Duration:   time.Duration(frames) * time.Second / time.Duration(r.sampleRate),
		SampleRate: r.sampleRate,
		Channels:   r.channels,
	}, nil
}

func (r *CommandRecorder) Abort(ctx context.Context) error {
	r.mu.Lock()
	if !r.recording {
		r.mu.Unlock()
		return nil
	}
	r.recording = false
	cmd := r.cmd
	done := r.readerDone
	r.cmd = nil
	r.buf.Reset()
	r.mu.Unlock()

	_ = cmd.Process.Kill()
	<-done
	_ = cmd.Wait()
	return nil
}
