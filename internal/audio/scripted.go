package audio

import (
	"context"
	"errors"
	"os"
	"sync"
	"time"
)

// ScriptedRecorder is a test double that plays back configured PCM on Start
// and materializes a real temp WAV file on Stop.
type ScriptedRecorder struct {
	PCM        []byte
	SampleRate int
	Channels   int
	StartErr   error
	StopErr    error

	mu        sync.Mutex
	sink      func([]byte)
	recording bool
	started   time.Time
	lastPath  string
}

func (r *ScriptedRecorder) SetChunkSink(sink func(pcm []byte)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sink = sink
}

func (r *ScriptedRecorder) Start(_ context.Context, _ string) error {
	r.mu.Lock()
	if r.StartErr != nil {
		r.mu.Unlock()
		return r.StartErr
	}
	if r.recording {
		r.mu.Unlock()
		return errors.New("already recording")
	}
	r.recording = true
	r.started = time.Now()
	sink := r.sink
	pcm := r.PCM
	r.mu.Unlock()

	if sink != nil && len(pcm) > 0 {
		go sink(pcm)
	}
	return nil
}

func (r *ScriptedRecorder) Stop(_ context.Context) (Capture, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.recording {
		return Capture{}, errors.New("not recording")
	}
	r.recording = false
	if r.StopErr != nil {
		return Capture{}, r.StopErr
	}

	sampleRate := r.SampleRate
	if sampleRate == 0 {
		sampleRate = 16000
	}
	channels := r.Channels
	if channels == 0 {
		channels = 1
	}

	if len(r.PCM) == 0 {
		// Zero frames captured still yields a file reference that the
		// caller is expected to discard.
		file, err := os.CreateTemp(os.TempDir(), "scrybe_empty_*.wav")
		if err != nil {
			return Capture{}, err
		}
		file.Close()
		r.lastPath = file.Name()
		return Capture{Path: file.Name(), SampleRate: sampleRate, Channels: channels}, nil
	}

	path, err := WriteTempWAV("scrybe_capture_*.wav", r.PCM, sampleRate, channels)
	if err != nil {
		return Capture{}, err
	}
	r.lastPath = path
	frames := int64(len(r.PCM) / 2 / channels)
	return Capture{
		Path:       path,
		Frames:     frames,
		Duration:   time.Duration(frames) * time.Second / time.Duration(sampleRate),
		SampleRate: sampleRate,
		Channels:   channels,
	}, nil
}

func (r *ScriptedRecorder) Abort(_ context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recording = false
	return nil
}

// LastPath reports the file produced by the most recent Stop.
func (r *ScriptedRecorder) LastPath() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastPath
}

// Recording reports whether Start succeeded without a matching Stop/Abort.
func (r *ScriptedRecorder) Recording() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.recording
}
