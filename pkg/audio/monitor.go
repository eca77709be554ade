package audio

import (
	"errors"
	"fmt"
	"io"
	"math"
	"time"

	"github.com/frostbyte73/core"
	"github.com/livekit/protocol/logger"
	"go.uber.org/atomic"
)

const (
	DefaultFrameSize          = 256
	DefaultInterval           = 100 * time.Millisecond
	DefaultMaxStartAttempts   = 8
	DefaultStartRetryInterval = 50 * time.Millisecond
)

var ErrNoAudioSource = errors.New("stream has no audio source")

// Source yields raw time-domain PCM samples in [-1, 1].
type Source interface {
	// ReadFrame fills buf with up to len(buf) samples and returns the number
	// of samples written. It must not block waiting for a full frame.
	ReadFrame(buf []float32) (int, error)
}

// SourceProvider resolves the audio source behind a media stream. The source
// may not be available immediately after a track is created, so Monitor polls
// it a bounded number of times before giving up.
type SourceProvider interface {
	AudioSource() Source
}

// SamplingError wraps a failure while constructing or reading the sampling
// pipeline. It is logged and never propagated past the monitor.
type SamplingError struct {
	Reason string
	Err    error
}

func (e *SamplingError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("sampling failed: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("sampling failed: %s", e.Reason)
}

func (e *SamplingError) Unwrap() error {
	return e.Err
}

// SampleFunc receives one normalized level per sampling tick along with the
// speaking-candidate classification for that level.
type SampleFunc func(level float64, speaking bool)

type MonitorParams struct {
	// sampling cadence, ~16ms for remote meters, ~100ms for the local mic
	Interval time.Duration
	// samples per RMS frame
	FrameSize int
	// speaking candidate threshold on the normalized 0..1 scale
	Threshold          float64
	MaxStartAttempts   int
	StartRetryInterval time.Duration
	Logger             logger.Logger
}

// Monitor samples a raw audio stream at a fixed cadence and classifies each
// frame as a speaking candidate. One monitor owns one sampling loop; levels
// for a given source never overlap.
type Monitor struct {
	params MonitorParams

	lastLevel atomic.Float64
	stopped   core.Fuse
}

func NewMonitor(params MonitorParams) *Monitor {
	if params.Interval <= 0 {
		params.Interval = DefaultInterval
	}
	if params.FrameSize <= 0 {
		params.FrameSize = DefaultFrameSize
	}
	if params.MaxStartAttempts <= 0 {
		params.MaxStartAttempts = DefaultMaxStartAttempts
	}
	if params.StartRetryInterval <= 0 {
		params.StartRetryInterval = DefaultStartRetryInterval
	}
	if params.Logger == nil {
		params.Logger = logger.GetLogger()
	}
	return &Monitor{
		params:  params,
		stopped: core.NewFuse(),
	}
}

// Start begins sampling in the background. If the provider has no audio
// source yet, it is polled MaxStartAttempts times before the monitor gives up
// silently. Start never returns an error to the caller; acquisition failures
// are logged and swallowed.
func (m *Monitor) Start(provider SourceProvider, onSample SampleFunc) {
	go m.run(provider, onSample)
}

// Stop cancels the sampling loop. Safe to call multiple times, from any
// state, including before acquisition completed.
func (m *Monitor) Stop() {
	m.stopped.Break()
}

// Level returns the last observed normalized level.
func (m *Monitor) Level() float64 {
	return m.lastLevel.Load()
}

func (m *Monitor) run(provider SourceProvider, onSample SampleFunc) {
	src := m.acquire(provider)
	if src == nil {
		return
	}
	// release the processing graph on every exit path
	defer func() {
		if c, ok := src.(io.Closer); ok {
			_ = c.Close()
		}
	}()

	ticker := time.NewTicker(m.params.Interval)
	defer ticker.Stop()

	frame := make([]float32, m.params.FrameSize)
	for {
		select {
		case <-m.stopped.Watch():
			return
		case <-ticker.C:
			n, err := src.ReadFrame(frame)
			if err != nil {
				serr := &SamplingError{Reason: "read frame", Err: err}
				m.params.Logger.Debugw("audio sampling stopped", "error", serr)
				return
			}
			if n == 0 {
				continue
			}
			level := NormalizedRMS(frame[:n])
			m.lastLevel.Store(level)
			onSample(level, level > m.params.Threshold)
		}
	}
}

func (m *Monitor) acquire(provider SourceProvider) Source {
	for attempt := 0; attempt < m.params.MaxStartAttempts; attempt++ {
		if m.stopped.IsBroken() {
			return nil
		}
		if src := provider.AudioSource(); src != nil {
			return src
		}
		time.Sleep(m.params.StartRetryInterval)
	}
	serr := &SamplingError{Reason: "no audio source", Err: ErrNoAudioSource}
	m.params.Logger.Debugw("audio monitor giving up", "error", serr,
		"attempts", m.params.MaxStartAttempts)
	return nil
}

// NormalizedRMS computes root-mean-square energy over a frame and maps it
// onto 0..1 via min(1, rms*2). Typical speech RMS tops out around 0.5, so
// the doubling uses the full meter range.
func NormalizedRMS(frame []float32) float64 {
	if len(frame) == 0 {
		return 0
	}
	var sum float64
	for _, v := range frame {
		sum += float64(v) * float64(v)
	}
	rms := math.Sqrt(sum / float64(len(frame)))
	return math.Min(1, rms*2)
}
