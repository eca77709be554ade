package rtc

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// thresholds are on the normalized 0..1 RMS scale, min(1, rms*2).
	// the local value is recalibrated from the 20/255 byte-scale meter the
	// product shipped with; the remote value matches its RMS path.
	DefaultLocalSpeakingThreshold  = 0.08
	DefaultRemoteSpeakingThreshold = 0.12

	// remote meters follow the render loop, the local mic meter polls
	DefaultRemoteSampleInterval = 16 * time.Millisecond
	DefaultLocalSampleInterval  = 100 * time.Millisecond

	DefaultRemoteGracePeriod = 800 * time.Millisecond
	DefaultLocalGracePeriod  = 500 * time.Millisecond
)

type Config struct {
	Audio    AudioConfig    `yaml:"audio,omitempty"`
	Speaking SpeakingConfig `yaml:"speaking,omitempty"`
}

type AudioConfig struct {
	// minimum normalized level for the local mic to count as a speaking
	// candidate, 0-1
	LocalThreshold float64 `yaml:"local_threshold,omitempty"`
	// minimum normalized level for remote audio to count as a speaking
	// candidate, 0-1
	RemoteThreshold float64 `yaml:"remote_threshold,omitempty"`
	// sampling cadence for the local microphone meter
	LocalSampleInterval time.Duration `yaml:"local_sample_interval,omitempty"`
	// sampling cadence for remote audio meters
	RemoteSampleInterval time.Duration `yaml:"remote_sample_interval,omitempty"`
	// samples per RMS frame
	FrameSize int `yaml:"frame_size,omitempty"`
}

type SpeakingConfig struct {
	// how long a remote participant stays in the speaking set after their
	// last candidate
	RemoteGracePeriod time.Duration `yaml:"remote_grace_period,omitempty"`
	// same, for the local participant
	LocalGracePeriod time.Duration `yaml:"local_grace_period,omitempty"`
}

// NewConfig parses a yaml config string, empty string for all defaults.
func NewConfig(confString string) (*Config, error) {
	c := &Config{}
	if confString != "" {
		if err := yaml.Unmarshal([]byte(confString), c); err != nil {
			return nil, fmt.Errorf("could not parse config: %v", err)
		}
	}
	c.ApplyDefaults()
	return c, nil
}

func (c *Config) ApplyDefaults() {
	if c.Audio.LocalThreshold <= 0 {
		c.Audio.LocalThreshold = DefaultLocalSpeakingThreshold
	}
	if c.Audio.RemoteThreshold <= 0 {
		c.Audio.RemoteThreshold = DefaultRemoteSpeakingThreshold
	}
	if c.Audio.LocalSampleInterval <= 0 {
		c.Audio.LocalSampleInterval = DefaultLocalSampleInterval
	}
	if c.Audio.RemoteSampleInterval <= 0 {
		c.Audio.RemoteSampleInterval = DefaultRemoteSampleInterval
	}
	if c.Speaking.RemoteGracePeriod <= 0 {
		c.Speaking.RemoteGracePeriod = DefaultRemoteGracePeriod
	}
	if c.Speaking.LocalGracePeriod <= 0 {
		c.Speaking.LocalGracePeriod = DefaultLocalGracePeriod
	}
}
