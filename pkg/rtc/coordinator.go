package rtc

import (
	"context"
	"sync"
	"time"

	"github.com/bep/debounce"
	"github.com/frostbyte73/core"
	"github.com/livekit/protocol/logger"

	"github.com/cadenzahq/conference/pkg/audio"
	"github.com/cadenzahq/conference/pkg/rtc/types"
	"github.com/cadenzahq/conference/pkg/utils"
)

const notifyDebounceInterval = 20 * time.Millisecond

// JoinOptions captures the media state requested before the session is live.
// Tracks for enabled kinds are acquired and published during Start, already
// carrying the requested mute state so no frames leak before the first
// toggle.
type JoinOptions struct {
	ParticipantID string
	DisplayName   string

	EnableAudio bool
	EnableVideo bool
	AudioMuted  bool
	VideoMuted  bool

	AudioDeviceID string
	VideoDeviceID string
}

type CoordinatorParams struct {
	Session        types.Session
	DeviceProvider types.DeviceProvider
	Config         *Config

	// local preview sinks, optional
	CameraPreview types.Sink
	ScreenPreview types.Sink

	// remote media callbacks, forwarded from the event bridge
	OnRemoteTrackAttached    func(participantID string, track types.TrackHandle)
	OnRemoteTrackDetached    func(participantID string, track types.TrackHandle)
	OnScreenShareChanged     func(participantID string, track types.TrackHandle)
	OnRemoteVideoMuteChanged func(participantID string, muted bool)

	Logger logger.Logger
}

// Coordinator is the consumer surface of the package. It owns the registry,
// directory, speaking manager and event bridge, and exposes the user actions
// a meeting UI needs. All methods are safe for concurrent use.
type Coordinator struct {
	params CoordinatorParams

	registry  *TrackRegistry
	directory *Directory
	speaking  *SpeakingManager
	bridge    *Bridge

	notifier *utils.ChangeNotifier
	debounce func(func())

	lock sync.Mutex
	// set during Start, constant afterwards
	localID string
	// monitor feeding the local mic meter and speaking candidates
	localMonitor *audio.Monitor
	// remote screen share state as reported by the bridge
	screenOwnerID string
	screenTrack   types.TrackHandle

	started bool
	stopped core.Fuse
}

func NewCoordinator(params CoordinatorParams) *Coordinator {
	if params.Logger == nil {
		params.Logger = logger.GetLogger()
	}
	if params.Config == nil {
		cfg := &Config{}
		cfg.ApplyDefaults()
		params.Config = cfg
	}

	c := &Coordinator{
		params:   params,
		notifier: utils.NewChangeNotifier(),
		debounce: debounce.New(notifyDebounceInterval),
		stopped:  core.NewFuse(),
	}

	c.directory = NewDirectory(DirectoryParams{Logger: params.Logger})
	c.directory.OnChanged(c.scheduleNotify)
	c.directory.OnRemoved(func(participantID string) {
		c.speaking.Remove(participantID)
		// no-op unless the leaving participant owned the active share
		c.handleScreenShareChanged(participantID, nil)
	})

	c.speaking = NewSpeakingManager(SpeakingManagerParams{
		RemoteGracePeriod: params.Config.Speaking.RemoteGracePeriod,
		LocalGracePeriod:  params.Config.Speaking.LocalGracePeriod,
		Logger:            params.Logger,
	})
	c.speaking.OnStateChanged(func(participantID string, speaking bool) {
		c.directory.SetSpeaking(participantID, speaking)
	})
	c.speaking.OnDominantChanged(func(string) {
		c.scheduleNotify()
	})

	c.registry = NewTrackRegistry(TrackRegistryParams{
		Session:        params.Session,
		DeviceProvider: params.DeviceProvider,
		CameraPreview:  params.CameraPreview,
		ScreenPreview:  params.ScreenPreview,
		Logger:         params.Logger,
	})

	c.bridge = NewBridge(BridgeParams{
		Registry:                 c.registry,
		Directory:                c.directory,
		Speaking:                 c.speaking,
		Audio:                    params.Config.Audio,
		OnRemoteTrackAttached:    params.OnRemoteTrackAttached,
		OnRemoteTrackDetached:    params.OnRemoteTrackDetached,
		OnScreenShareChanged:     c.handleScreenShareChanged,
		OnRemoteVideoMuteChanged: params.OnRemoteVideoMuteChanged,
		Logger:                   params.Logger,
	})

	return c
}

// Start wires the event bridge, seeds the directory with the participants
// already in the session, and publishes the media JoinOptions ask for. Errors
// from device acquisition are returned; publish failures after acquisition
// are absorbed per track.
func (c *Coordinator) Start(ctx context.Context, opts JoinOptions) error {
	c.lock.Lock()
	if c.stopped.IsBroken() {
		c.lock.Unlock()
		return types.ErrCoordinatorStopped
	}
	if c.started {
		c.lock.Unlock()
		return types.ErrAlreadyStarted
	}
	c.started = true
	c.localID = opts.ParticipantID
	c.lock.Unlock()

	c.bridge.Wire(c.params.Session)

	c.directory.Upsert(opts.ParticipantID, opts.DisplayName)
	for _, p := range c.params.Session.Participants() {
		if p.ID == opts.ParticipantID {
			continue
		}
		c.directory.Upsert(p.ID, p.DisplayName)
	}

	if opts.EnableAudio {
		if err := c.publishLocal(ctx, types.TrackKindAudio, opts.AudioDeviceID, opts.AudioMuted); err != nil {
			return err
		}
	}
	if opts.EnableVideo {
		if err := c.publishLocal(ctx, types.TrackKindCamera, opts.VideoDeviceID, opts.VideoMuted); err != nil {
			return err
		}
	}
	return nil
}

// Stop releases all local tracks, unwires the session and shuts down the
// timers and sampling loops. Idempotent.
func (c *Coordinator) Stop(ctx context.Context) {
	if c.stopped.IsBroken() {
		return
	}
	c.stopped.Break()

	c.stopLocalMonitor()
	c.bridge.Close()
	c.registry.ReleaseAll(ctx)
	c.speaking.Stop()
}

// ToggleAudio publishes the microphone on first use, then flips the mute
// state on subsequent calls. The track stays published while muted.
func (c *Coordinator) ToggleAudio(ctx context.Context) error {
	if c.stopped.IsBroken() {
		return types.ErrCoordinatorStopped
	}
	t := c.registry.GetLocal(types.TrackKindAudio)
	if t == nil {
		return c.publishLocal(ctx, types.TrackKindAudio, "", false)
	}
	return c.setLocalMuted(ctx, t, !t.IsMuted())
}

// ToggleVideo publishes the camera on first use, then flips the mute state.
func (c *Coordinator) ToggleVideo(ctx context.Context) error {
	if c.stopped.IsBroken() {
		return types.ErrCoordinatorStopped
	}
	t := c.registry.GetLocal(types.TrackKindCamera)
	if t == nil {
		return c.publishLocal(ctx, types.TrackKindCamera, "", false)
	}
	return c.setLocalMuted(ctx, t, !t.IsMuted())
}

// SetAudioMuted sets the microphone mute state explicitly. No-op when the
// requested state already holds or no microphone track exists.
func (c *Coordinator) SetAudioMuted(ctx context.Context, muted bool) error {
	if c.stopped.IsBroken() {
		return types.ErrCoordinatorStopped
	}
	t := c.registry.GetLocal(types.TrackKindAudio)
	if t == nil {
		return nil
	}
	return c.setLocalMuted(ctx, t, muted)
}

// SetVideoMuted sets the camera mute state explicitly.
func (c *Coordinator) SetVideoMuted(ctx context.Context, muted bool) error {
	if c.stopped.IsBroken() {
		return types.ErrCoordinatorStopped
	}
	t := c.registry.GetLocal(types.TrackKindCamera)
	if t == nil {
		return nil
	}
	return c.setLocalMuted(ctx, t, muted)
}

// ToggleScreenShare starts sharing when no share is active and fully releases
// the share otherwise. Unlike audio and video, stopping a share removes the
// track instead of muting it.
func (c *Coordinator) ToggleScreenShare(ctx context.Context) error {
	if c.stopped.IsBroken() {
		return types.ErrCoordinatorStopped
	}
	if t := c.registry.GetLocal(types.TrackKindScreen); t != nil {
		return c.registry.Release(ctx, t)
	}
	return c.publishLocal(ctx, types.TrackKindScreen, "", false)
}

// SwitchCamera replaces the camera capture device while keeping the
// published track and its mute state. Returns a DeviceError when the new
// device cannot be opened; the old device keeps running in that case.
func (c *Coordinator) SwitchCamera(ctx context.Context, deviceID string) error {
	if c.stopped.IsBroken() {
		return types.ErrCoordinatorStopped
	}
	t := c.registry.GetLocal(types.TrackKindCamera)
	if t == nil {
		return c.publishLocal(ctx, types.TrackKindCamera, deviceID, false)
	}
	return c.registry.Replace(ctx, t, deviceID)
}

// SwitchMicrophone replaces the microphone capture device. The level monitor
// is restarted so it reads from the new device.
func (c *Coordinator) SwitchMicrophone(ctx context.Context, deviceID string) error {
	if c.stopped.IsBroken() {
		return types.ErrCoordinatorStopped
	}
	t := c.registry.GetLocal(types.TrackKindAudio)
	if t == nil {
		return c.publishLocal(ctx, types.TrackKindAudio, deviceID, false)
	}
	if err := c.registry.Replace(ctx, t, deviceID); err != nil {
		return err
	}
	c.startLocalMonitor(t)
	return nil
}

// SetDisplayName updates the local participant's roster entry.
func (c *Coordinator) SetDisplayName(name string) {
	c.lock.Lock()
	id := c.localID
	c.lock.Unlock()
	if id == "" {
		return
	}
	c.directory.Upsert(id, name)
}

// Participants returns the current roster snapshot, sorted by participant id.
func (c *Coordinator) Participants() []*Participant {
	return c.directory.Snapshot()
}

// Participant returns one roster entry or nil.
func (c *Coordinator) Participant(id string) *Participant {
	return c.directory.Get(id)
}

// OnParticipantsChanged registers an observer notified after roster or
// speaking changes. Bursts are coalesced.
func (c *Coordinator) OnParticipantsChanged(key string, onChanged func()) {
	c.notifier.AddObserver(key, onChanged)
}

func (c *Coordinator) RemoveParticipantsObserver(key string) {
	c.notifier.RemoveObserver(key)
}

// SpeakingIDs returns the ids currently in the speaking set, sorted.
func (c *Coordinator) SpeakingIDs() []string {
	return c.speaking.SpeakingIDs()
}

func (c *Coordinator) IsSpeaking(participantID string) bool {
	return c.speaking.IsSpeaking(participantID)
}

// DominantSpeaker returns the session-reported dominant speaker id, empty
// when none has been reported.
func (c *Coordinator) DominantSpeaker() string {
	return c.speaking.DominantSpeaker()
}

// LocalAudioLevel returns the last sampled microphone level on the
// normalized 0..1 scale, 0 when no microphone is active.
func (c *Coordinator) LocalAudioLevel() float64 {
	c.lock.Lock()
	m := c.localMonitor
	c.lock.Unlock()
	if m == nil {
		return 0
	}
	return m.Level()
}

func (c *Coordinator) IsAudioMuted() bool {
	t := c.registry.GetLocal(types.TrackKindAudio)
	return t == nil || t.IsMuted()
}

func (c *Coordinator) IsVideoMuted() bool {
	t := c.registry.GetLocal(types.TrackKindCamera)
	return t == nil || t.IsMuted()
}

func (c *Coordinator) IsScreenSharing() bool {
	return c.registry.GetLocal(types.TrackKindScreen) != nil
}

// LocalTrack returns the handle behind the active local track of the given
// kind, nil when none is published.
func (c *Coordinator) LocalTrack(kind types.TrackKind) types.TrackHandle {
	t := c.registry.GetLocal(kind)
	if t == nil {
		return nil
	}
	return t.Handle()
}

// ScreenShareOwner returns the participant currently sharing their screen
// and the share track, or ("", nil) when nobody shares.
func (c *Coordinator) ScreenShareOwner() (string, types.TrackHandle) {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.screenOwnerID, c.screenTrack
}

func (c *Coordinator) publishLocal(ctx context.Context, kind types.TrackKind, deviceID string, muted bool) error {
	t, err := c.registry.AcquireLocal(ctx, kind, deviceID)
	if err != nil {
		return err
	}
	if muted {
		// record intent before publish so the track goes out silent
		if err = t.SetMuted(ctx, true); err != nil {
			return err
		}
	}
	if err = c.registry.Publish(ctx, t); err != nil {
		return err
	}

	c.lock.Lock()
	localID := c.localID
	c.lock.Unlock()

	switch kind {
	case types.TrackKindAudio:
		c.directory.SetAudioMuted(localID, muted)
		c.speaking.HandleMuteChanged(localID, muted)
		c.startLocalMonitor(t)
	case types.TrackKindCamera:
		c.directory.SetCameraMuted(localID, muted)
	}
	return nil
}

func (c *Coordinator) setLocalMuted(ctx context.Context, t *LocalTrack, muted bool) error {
	if err := t.SetMuted(ctx, muted); err != nil {
		return err
	}

	c.lock.Lock()
	localID := c.localID
	c.lock.Unlock()

	switch t.Kind() {
	case types.TrackKindAudio:
		c.directory.SetAudioMuted(localID, muted)
		c.speaking.HandleMuteChanged(localID, muted)
	case types.TrackKindCamera:
		c.directory.SetCameraMuted(localID, muted)
	}
	return nil
}

// startLocalMonitor runs the microphone meter. The monitor keeps sampling
// while muted so the meter recovers instantly on unmute; the speaking
// manager suppresses candidates from muted participants.
func (c *Coordinator) startLocalMonitor(t *LocalTrack) {
	m := audio.NewMonitor(audio.MonitorParams{
		Interval:  c.params.Config.Audio.LocalSampleInterval,
		FrameSize: c.params.Config.Audio.FrameSize,
		Threshold: c.params.Config.Audio.LocalThreshold,
		Logger:    c.params.Logger,
	})

	c.lock.Lock()
	if c.stopped.IsBroken() {
		c.lock.Unlock()
		return
	}
	prev := c.localMonitor
	c.localMonitor = m
	localID := c.localID
	c.lock.Unlock()

	if prev != nil {
		prev.Stop()
	}
	m.Start(t, func(level float64, speaking bool) {
		c.speaking.HandleCandidate(localID, speaking, types.OriginLocal)
	})
}

func (c *Coordinator) stopLocalMonitor() {
	c.lock.Lock()
	m := c.localMonitor
	c.localMonitor = nil
	c.lock.Unlock()
	if m != nil {
		m.Stop()
	}
}

func (c *Coordinator) handleScreenShareChanged(participantID string, track types.TrackHandle) {
	c.lock.Lock()
	if track == nil && c.screenOwnerID != participantID {
		// stale clear from a participant that was already superseded
		c.lock.Unlock()
		return
	}
	if track == nil {
		c.screenOwnerID = ""
		c.screenTrack = nil
	} else {
		c.screenOwnerID = participantID
		c.screenTrack = track
	}
	c.lock.Unlock()

	if f := c.params.OnScreenShareChanged; f != nil {
		f(participantID, track)
	}
	c.scheduleNotify()
}

func (c *Coordinator) scheduleNotify() {
	c.debounce(c.notifier.NotifyChanged)
}
