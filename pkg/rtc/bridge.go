package rtc

import (
	"sync"

	"github.com/livekit/protocol/logger"

	"github.com/cadenzahq/conference/pkg/audio"
	"github.com/cadenzahq/conference/pkg/rtc/types"
)

type BridgeParams struct {
	Registry  *TrackRegistry
	Directory *Directory
	Speaking  *SpeakingManager
	Audio     AudioConfig

	// OnRemoteTrackAttached fires exactly once per registered remote
	// audio/camera track; screen-share tracks go through
	// OnScreenShareChanged instead.
	OnRemoteTrackAttached func(participantID string, track types.TrackHandle)
	OnRemoteTrackDetached func(participantID string, track types.TrackHandle)
	// OnScreenShareChanged reports the remote screen-share owner; a nil
	// track clears it.
	OnScreenShareChanged func(participantID string, track types.TrackHandle)
	// OnRemoteVideoMuteChanged forwards camera mute flips to the UI layer.
	OnRemoteVideoMuteChanged func(participantID string, muted bool)

	Logger logger.Logger
}

// Bridge subscribes to session events exactly once per session instance and
// fans them out to the registry, directory and speaking manager. Events are
// processed synchronously in delivery order; later logic (mute force-clearing
// a speaking state) depends on that causal order.
type Bridge struct {
	params BridgeParams

	lock sync.Mutex
	// session identity -> event subscription cancel
	wired map[types.Session]func()
	// participant id -> remote audio level monitor
	monitors map[string]*audio.Monitor
	// stable track id -> mute listener cancel
	muteCancels map[string]func()
	closed      bool
}

func NewBridge(params BridgeParams) *Bridge {
	if params.Logger == nil {
		params.Logger = logger.GetLogger()
	}
	return &Bridge{
		params:      params,
		wired:       make(map[types.Session]func()),
		monitors:    make(map[string]*audio.Monitor),
		muteCancels: make(map[string]func()),
	}
}

// Wire subscribes to the session's events. Guarded by session identity:
// wiring the same session twice performs no additional subscription.
func (b *Bridge) Wire(session types.Session) {
	b.lock.Lock()
	defer b.lock.Unlock()
	if b.closed {
		return
	}
	if _, ok := b.wired[session]; ok {
		b.params.Logger.Debugw("session already wired, skipping")
		return
	}
	b.wired[session] = session.OnEvent(b.handleEvent)
}

// Unwire cancels the subscription for one session.
func (b *Bridge) Unwire(session types.Session) {
	b.lock.Lock()
	cancel, ok := b.wired[session]
	delete(b.wired, session)
	b.lock.Unlock()
	if ok && cancel != nil {
		cancel()
	}
}

// Close unwires all sessions and tears down the monitors and listeners it
// owns. Idempotent.
func (b *Bridge) Close() {
	b.lock.Lock()
	if b.closed {
		b.lock.Unlock()
		return
	}
	b.closed = true
	cancels := make([]func(), 0, len(b.wired)+len(b.muteCancels))
	for _, cancel := range b.wired {
		cancels = append(cancels, cancel)
	}
	for _, cancel := range b.muteCancels {
		cancels = append(cancels, cancel)
	}
	monitors := make([]*audio.Monitor, 0, len(b.monitors))
	for _, m := range b.monitors {
		monitors = append(monitors, m)
	}
	b.wired = make(map[types.Session]func())
	b.muteCancels = make(map[string]func())
	b.monitors = make(map[string]*audio.Monitor)
	b.lock.Unlock()

	for _, cancel := range cancels {
		if cancel != nil {
			cancel()
		}
	}
	for _, m := range monitors {
		m.Stop()
	}
}

func (b *Bridge) handleEvent(ev types.SessionEvent) {
	switch ev.Type {
	case types.EventTrackAdded:
		b.handleTrackAdded(ev.Track)
	case types.EventTrackRemoved:
		b.handleTrackRemoved(ev.Track)
	case types.EventTrackMuteChanged:
		b.handleTrackMuteChanged(ev.Track)
	case types.EventDominantSpeakerChanged:
		b.params.Speaking.HandleDominantSpeaker(ev.Participant.ID)
	case types.EventParticipantJoined:
		b.params.Directory.Upsert(ev.Participant.ID, ev.Participant.DisplayName)
	case types.EventParticipantLeft:
		b.handleParticipantLeft(ev.Participant.ID)
	case types.EventDisplayNameChanged:
		b.params.Directory.Upsert(ev.Participant.ID, ev.Participant.DisplayName)
	case types.EventParticipantPropertyChanged:
		// diagnostics only, but never dropped
		b.params.Logger.Debugw("participant property changed",
			"participant", ev.Participant.ID,
			"key", ev.Property.Key,
			"old", ev.Property.OldValue,
			"new", ev.Property.NewValue)
	default:
		b.params.Logger.Debugw("unhandled session event", "type", ev.Type)
	}
}

func (b *Bridge) handleTrackAdded(t types.TrackHandle) {
	if t == nil || t.IsLocal() {
		// local tracks are managed by the registry directly
		return
	}

	info, added := b.params.Registry.RegisterRemote(t)
	if !added {
		return
	}
	pid := participantIDOf(info)

	switch info.Class.Kind {
	case types.TrackKindScreen:
		if f := b.params.OnScreenShareChanged; f != nil {
			f(pid, t)
		}

	case types.TrackKindAudio:
		b.params.Directory.AttachTrack(pid, info.ID, t)
		b.params.Directory.SetAudioMuted(pid, info.Muted)
		b.startRemoteMonitor(pid, t)
		b.registerMuteListener(info.ID, t, func(muted bool) {
			b.params.Registry.SetRemoteMuted(info.ID, muted)
			b.params.Directory.SetAudioMuted(pid, muted)
			b.params.Speaking.HandleMuteChanged(pid, muted)
		})
		if f := b.params.OnRemoteTrackAttached; f != nil {
			f(pid, t)
		}

	case types.TrackKindCamera:
		b.params.Directory.AttachTrack(pid, info.ID, t)
		b.params.Directory.SetCameraMuted(pid, info.Muted)
		b.registerMuteListener(info.ID, t, func(muted bool) {
			b.params.Registry.SetRemoteMuted(info.ID, muted)
			b.params.Directory.SetCameraMuted(pid, muted)
			if f := b.params.OnRemoteVideoMuteChanged; f != nil {
				f(pid, muted)
			}
		})
		if f := b.params.OnRemoteTrackAttached; f != nil {
			f(pid, t)
		}
	}
}

func (b *Bridge) handleTrackRemoved(t types.TrackHandle) {
	if t == nil || t.IsLocal() {
		return
	}

	info, removed := b.params.Registry.UnregisterRemote(t)
	if !removed {
		return
	}
	pid := participantIDOf(info)

	b.cancelMuteListener(info.ID)

	switch info.Class.Kind {
	case types.TrackKindScreen:
		if f := b.params.OnScreenShareChanged; f != nil {
			f(pid, nil)
		}

	case types.TrackKindAudio:
		b.stopRemoteMonitor(pid)
		b.params.Directory.DetachTrack(pid, info.ID)
		if f := b.params.OnRemoteTrackDetached; f != nil {
			f(pid, t)
		}

	case types.TrackKindCamera:
		b.params.Directory.DetachTrack(pid, info.ID)
		if f := b.params.OnRemoteTrackDetached; f != nil {
			f(pid, t)
		}
	}
}

// handleTrackMuteChanged covers sessions that report mute flips at the
// session level rather than per track handle. The updates are idempotent
// with the per-track listeners.
func (b *Bridge) handleTrackMuteChanged(t types.TrackHandle) {
	if t == nil || t.IsLocal() {
		return
	}
	info := b.params.Registry.GetRemote(StableTrackID(t))
	if info == nil {
		return
	}
	muted := t.IsMuted()
	pid := participantIDOf(info)
	b.params.Registry.SetRemoteMuted(info.ID, muted)
	switch info.Class.Kind {
	case types.TrackKindAudio:
		b.params.Directory.SetAudioMuted(pid, muted)
		b.params.Speaking.HandleMuteChanged(pid, muted)
	case types.TrackKindCamera:
		b.params.Directory.SetCameraMuted(pid, muted)
		if f := b.params.OnRemoteVideoMuteChanged; f != nil {
			f(pid, muted)
		}
	}
}

// handleParticipantLeft tears down everything owned for the participant: the
// sampling loop, the grace timer, the registered listeners. The cascade is
// not optional.
func (b *Bridge) handleParticipantLeft(participantID string) {
	b.stopRemoteMonitor(participantID)
	for _, info := range b.params.Registry.RemoveRemoteByParticipant(participantID) {
		b.cancelMuteListener(info.ID)
		if info.Class.Kind == types.TrackKindScreen {
			if f := b.params.OnScreenShareChanged; f != nil {
				f(participantID, nil)
			}
		}
	}
	b.params.Speaking.Remove(participantID)
	b.params.Directory.Remove(participantID)
}

func (b *Bridge) startRemoteMonitor(participantID string, t types.TrackHandle) {
	m := audio.NewMonitor(audio.MonitorParams{
		Interval:  b.params.Audio.RemoteSampleInterval,
		FrameSize: b.params.Audio.FrameSize,
		Threshold: b.params.Audio.RemoteThreshold,
		Logger:    b.params.Logger,
	})

	b.lock.Lock()
	if b.closed {
		b.lock.Unlock()
		return
	}
	prev := b.monitors[participantID]
	b.monitors[participantID] = m
	b.lock.Unlock()

	if prev != nil {
		prev.Stop()
	}
	m.Start(t, func(level float64, speaking bool) {
		b.params.Speaking.HandleCandidate(participantID, speaking, types.OriginRemote)
	})
}

func (b *Bridge) stopRemoteMonitor(participantID string) {
	b.lock.Lock()
	m, ok := b.monitors[participantID]
	delete(b.monitors, participantID)
	b.lock.Unlock()
	if ok {
		m.Stop()
	}
}

func (b *Bridge) registerMuteListener(trackID string, t types.TrackHandle, handler func(muted bool)) {
	cancel := t.OnMuteChanged(handler)
	b.lock.Lock()
	if b.closed {
		b.lock.Unlock()
		cancel()
		return
	}
	if prev, ok := b.muteCancels[trackID]; ok && prev != nil {
		prev()
	}
	b.muteCancels[trackID] = cancel
	b.lock.Unlock()
}

func (b *Bridge) cancelMuteListener(trackID string) {
	b.lock.Lock()
	cancel, ok := b.muteCancels[trackID]
	delete(b.muteCancels, trackID)
	b.lock.Unlock()
	if ok && cancel != nil {
		cancel()
	}
}

func participantIDOf(info *RemoteTrackInfo) string {
	if info.ParticipantID != "" {
		return info.ParticipantID
	}
	return "unknown"
}
