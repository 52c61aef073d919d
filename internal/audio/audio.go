// Package audio defines the capture collaborator contract and the WAV
// plumbing shared by the pretranscription chunker and the providers.
package audio

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"time"

	gaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// Capture references one finished recording on disk.
type Capture struct {
	Path       string
	Frames     int64
	Duration   time.Duration
	SampleRate int
	Channels   int
}

// Empty reports whether the recording carried no audio frames.
func (c Capture) Empty() bool {
	return c.Frames == 0
}

// Discard removes the temp audio file. Missing files are not an error.
func (c Capture) Discard() error {
	if c.Path == "" {
		return nil
	}
	if err := os.Remove(c.Path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Recorder is the audio capture service consumed by the controller. Raw PCM
// chunks are pushed to the sink registered before Start; implementations
// deliver them from their own goroutine.
type Recorder interface {
	// Start begins capture with the given enhancement mode (off|fast|quality).
	Start(ctx context.Context, enhancementMode string) error
	// Stop finalizes capture and returns the recorded audio reference.
	Stop(ctx context.Context) (Capture, error)
	// Abort stops capture and discards any buffered audio.
	Abort(ctx context.Context) error
	// SetChunkSink registers the live PCM consumer. May be nil.
	SetChunkSink(sink func(pcm []byte))
}

// WriteWAV encodes little-endian 16-bit PCM into a WAV file at path.
func WriteWAV(path string, pcm []byte, sampleRate, channels int) error {
	if len(pcm)%2 != 0 {
		return fmt.Errorf("pcm payload not aligned")
	}
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create wav file: %w", err)
	}
	defer file.Close()

	buffer := &gaudio.IntBuffer{Format: &gaudio.Format{NumChannels: channels, SampleRate: sampleRate}}
	samples := make([]int, len(pcm)/2)
	for i := 0; i < len(samples); i++ {
		samples[i] = int(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}
	buffer.Data = samples

	enc := wav.NewEncoder(file, sampleRate, 16, channels, 1)
	if err := enc.Write(buffer); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return nil
}

// WriteTempWAV encodes pcm into a fresh temp file and returns its path.
func WriteTempWAV(pattern string, pcm []byte, sampleRate, channels int) (string, error) {
	file, err := os.CreateTemp(os.TempDir(), pattern)
	if err != nil {
		return "", fmt.Errorf("temp wav file: %w", err)
	}
	path := file.Name()
	file.Close()
	if err := WriteWAV(path, pcm, sampleRate, channels); err != nil {
		os.Remove(path)
		return "", err
	}
	return path, nil
}
