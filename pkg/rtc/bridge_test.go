package rtc

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cadenzahq/conference/pkg/rtc/types"
)

type bridgeFixture struct {
	session   *fakeSession
	registry  *TrackRegistry
	directory *Directory
	speaking  *SpeakingManager
	bridge    *Bridge

	mu           sync.Mutex
	attached     []string
	detached     []string
	screenOwner  string
	screenTrack  types.TrackHandle
	videoMutes   []string
	screenEvents int
}

func newBridgeFixture(t *testing.T) *bridgeFixture {
	t.Helper()
	f := &bridgeFixture{
		session:   newFakeSession(),
		directory: NewDirectory(DirectoryParams{}),
		speaking: NewSpeakingManager(SpeakingManagerParams{
			RemoteGracePeriod: 50 * time.Millisecond,
			LocalGracePeriod:  25 * time.Millisecond,
		}),
	}
	f.registry = NewTrackRegistry(TrackRegistryParams{
		Session:        f.session,
		DeviceProvider: &fakeDeviceProvider{},
	})
	f.speaking.OnStateChanged(func(id string, speaking bool) {
		f.directory.SetSpeaking(id, speaking)
	})
	f.bridge = NewBridge(BridgeParams{
		Registry:  f.registry,
		Directory: f.directory,
		Speaking:  f.speaking,
		Audio: AudioConfig{
			RemoteThreshold:      0.1,
			RemoteSampleInterval: time.Millisecond,
			FrameSize:            64,
		},
		OnRemoteTrackAttached: func(pid string, _ types.TrackHandle) {
			f.mu.Lock()
			f.attached = append(f.attached, pid)
			f.mu.Unlock()
		},
		OnRemoteTrackDetached: func(pid string, _ types.TrackHandle) {
			f.mu.Lock()
			f.detached = append(f.detached, pid)
			f.mu.Unlock()
		},
		OnScreenShareChanged: func(pid string, track types.TrackHandle) {
			f.mu.Lock()
			f.screenOwner = pid
			f.screenTrack = track
			f.screenEvents++
			f.mu.Unlock()
		},
		OnRemoteVideoMuteChanged: func(pid string, muted bool) {
			f.mu.Lock()
			f.videoMutes = append(f.videoMutes, pid)
			f.mu.Unlock()
		},
	})
	t.Cleanup(func() {
		f.bridge.Close()
		f.speaking.Stop()
	})
	return f
}

func (f *bridgeFixture) attachCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.attached)
}

func (f *bridgeFixture) detachCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.detached)
}

func (f *bridgeFixture) screenState() (string, types.TrackHandle) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.screenOwner, f.screenTrack
}

func TestBridgeWireIsIdempotent(t *testing.T) {
	f := newBridgeFixture(t)

	f.bridge.Wire(f.session)
	f.bridge.Wire(f.session)
	f.bridge.Wire(f.session)

	assert.Equal(t, 1, f.session.handlerCount())

	// N tracks produce N attach callbacks, not a multiple
	f.session.emit(eventTrackAdded(newFakeAudioTrack("a1", "p1")))
	f.session.emit(eventTrackAdded(newFakeAudioTrack("a2", "p2")))
	assert.Equal(t, 2, f.attachCount())
}

func TestBridgeUnwire(t *testing.T) {
	f := newBridgeFixture(t)

	f.bridge.Wire(f.session)
	f.bridge.Unwire(f.session)
	assert.Equal(t, 0, f.session.handlerCount())

	f.session.emit(eventParticipantJoined("p1", "Alice"))
	assert.Zero(t, f.directory.Len())
}

func TestBridgeRemoteAudioTrack(t *testing.T) {
	f := newBridgeFixture(t)
	f.bridge.Wire(f.session)

	track := newFakeAudioTrack("a1", "p1")
	f.session.emit(eventTrackAdded(track))

	// placeholder participant appears with the track attached
	p := f.directory.Get("p1")
	require.NotNil(t, p)
	assert.Equal(t, []string{"a1"}, p.TrackIDs)
	assert.Equal(t, 1, f.attachCount())
	assert.Equal(t, 1, track.listenerCount())

	// duplicate added event fires side effects exactly once
	f.session.emit(eventTrackAdded(track))
	assert.Equal(t, 1, f.attachCount())
	assert.Equal(t, 1, track.listenerCount())

	// the level monitor picks up the track's audio and marks speaking
	require.Eventually(t, func() bool {
		return f.speaking.IsSpeaking("p1")
	}, time.Second, 5*time.Millisecond)

	f.session.emit(eventTrackRemoved(track))
	assert.Equal(t, 1, f.detachCount())
	assert.Empty(t, f.directory.Get("p1").TrackIDs)
	assert.Equal(t, 0, track.listenerCount())

	// duplicate removed event is a no-op
	f.session.emit(eventTrackRemoved(track))
	assert.Equal(t, 1, f.detachCount())
}

func TestBridgeMuteOverridesAudio(t *testing.T) {
	f := newBridgeFixture(t)
	f.bridge.Wire(f.session)

	track := newFakeAudioTrack("a1", "p1")
	f.session.emit(eventTrackAdded(track))

	require.Eventually(t, func() bool {
		return f.speaking.IsSpeaking("p1")
	}, time.Second, 5*time.Millisecond)

	track.setMuted(true)

	// force-cleared without waiting out the grace period and held clear
	// even though audio frames keep flowing
	assert.False(t, f.speaking.IsSpeaking("p1"))
	assert.True(t, f.directory.Get("p1").IsMuted)
	time.Sleep(20 * time.Millisecond)
	assert.False(t, f.speaking.IsSpeaking("p1"))

	track.setMuted(false)
	require.Eventually(t, func() bool {
		return f.speaking.IsSpeaking("p1")
	}, time.Second, 5*time.Millisecond)
	assert.False(t, f.directory.Get("p1").IsMuted)
}

func TestBridgeRemoteCameraTrack(t *testing.T) {
	f := newBridgeFixture(t)
	f.bridge.Wire(f.session)

	track := newFakeCameraTrack("v1", "p1")
	f.session.emit(eventTrackAdded(track))

	assert.Equal(t, 1, f.attachCount())
	assert.Equal(t, []string{"v1"}, f.directory.Get("p1").TrackIDs)

	track.setMuted(true)
	assert.True(t, f.directory.Get("p1").CameraMuted)
	f.mu.Lock()
	assert.Equal(t, []string{"p1"}, f.videoMutes)
	f.mu.Unlock()
}

func TestBridgeScreenShare(t *testing.T) {
	f := newBridgeFixture(t)
	f.bridge.Wire(f.session)

	track := newFakeScreenTrack("s1", "p1")
	f.session.emit(eventTrackAdded(track))

	owner, shared := f.screenState()
	assert.Equal(t, "p1", owner)
	assert.Same(t, track, shared)
	// screen shares are not roster tracks and get no level monitor
	assert.Equal(t, 0, f.attachCount())

	f.session.emit(eventTrackRemoved(track))
	owner, shared = f.screenState()
	assert.Equal(t, "p1", owner)
	assert.Nil(t, shared)
}

func TestBridgeSessionLevelMuteEvent(t *testing.T) {
	f := newBridgeFixture(t)
	f.bridge.Wire(f.session)

	track := newFakeAudioTrack("a1", "p1")
	f.session.emit(eventTrackAdded(track))

	// some sessions report mute at the session level instead of the handle
	track.mu.Lock()
	track.muted = true
	track.mu.Unlock()
	f.session.emit(types.SessionEvent{Type: types.EventTrackMuteChanged, Track: track})

	assert.True(t, f.directory.Get("p1").IsMuted)
	assert.True(t, f.registry.GetRemote("a1").Muted)
}

func TestBridgeParticipantLifecycle(t *testing.T) {
	f := newBridgeFixture(t)
	f.bridge.Wire(f.session)

	f.session.emit(eventParticipantJoined("p1", "Alice"))
	p := f.directory.Get("p1")
	require.NotNil(t, p)
	assert.Equal(t, "Alice", p.Name)

	f.session.emit(types.SessionEvent{
		Type:        types.EventDisplayNameChanged,
		Participant: types.ParticipantInfo{ID: "p1", DisplayName: "Alicia"},
	})
	assert.Equal(t, "Alicia", f.directory.Get("p1").Name)

	f.session.emit(eventParticipantLeft("p1"))
	assert.Nil(t, f.directory.Get("p1"))
}

func TestBridgeLeaveCascade(t *testing.T) {
	f := newBridgeFixture(t)
	f.bridge.Wire(f.session)

	audioTrack := newFakeAudioTrack("a1", "p1")
	screenTrack := newFakeScreenTrack("s1", "p1")
	f.session.emit(eventParticipantJoined("p1", "Alice"))
	f.session.emit(eventTrackAdded(audioTrack))
	f.session.emit(eventTrackAdded(screenTrack))

	require.Eventually(t, func() bool {
		return f.speaking.IsSpeaking("p1")
	}, time.Second, 5*time.Millisecond)

	f.session.emit(eventParticipantLeft("p1"))

	// everything owned for the participant is torn down
	assert.Nil(t, f.directory.Get("p1"))
	assert.False(t, f.speaking.IsSpeaking("p1"))
	assert.Nil(t, f.registry.GetRemote("a1"))
	assert.Nil(t, f.registry.GetRemote("s1"))
	assert.Equal(t, 0, audioTrack.listenerCount())
	_, shared := f.screenState()
	assert.Nil(t, shared)

	// the sampling loop released its source
	src := audioTrack.source.(*fakeSource)
	require.Eventually(t, src.isClosed, time.Second, 5*time.Millisecond)

	// no stale grace timer fires after the cascade
	time.Sleep(100 * time.Millisecond)
	assert.False(t, f.speaking.IsSpeaking("p1"))
}

func TestBridgeIgnoresLocalTracks(t *testing.T) {
	f := newBridgeFixture(t)
	f.bridge.Wire(f.session)

	track := newFakeAudioTrack("a1", "")
	track.local = true
	f.session.emit(eventTrackAdded(track))

	assert.Equal(t, 0, f.attachCount())
	assert.Nil(t, f.registry.GetRemote("a1"))
}

func TestBridgeDominantSpeakerEvent(t *testing.T) {
	f := newBridgeFixture(t)
	f.bridge.Wire(f.session)

	f.session.emit(types.SessionEvent{
		Type:        types.EventDominantSpeakerChanged,
		Participant: types.ParticipantInfo{ID: "p2"},
	})
	assert.Equal(t, "p2", f.speaking.DominantSpeaker())
}

func TestBridgeClose(t *testing.T) {
	f := newBridgeFixture(t)
	f.bridge.Wire(f.session)

	track := newFakeAudioTrack("a1", "p1")
	f.session.emit(eventTrackAdded(track))
	require.Equal(t, 1, track.listenerCount())

	f.bridge.Close()
	f.bridge.Close() // idempotent

	assert.Equal(t, 0, f.session.handlerCount())
	assert.Equal(t, 0, track.listenerCount())
	src := track.source.(*fakeSource)
	require.Eventually(t, src.isClosed, time.Second, 5*time.Millisecond)

	// wiring after close is refused
	f.bridge.Wire(f.session)
	assert.Equal(t, 0, f.session.handlerCount())
}
