package rtc

import (
	"context"
	"sync"

	"github.com/cadenzahq/conference/pkg/audio"
	"github.com/cadenzahq/conference/pkg/rtc/types"
)

type fakeSink struct {
	id string
}

func (s *fakeSink) ID() string { return s.id }

// fakeSource produces frames of constant amplitude.
type fakeSource struct {
	mu        sync.Mutex
	amplitude float32
	readErr   error
	closed    bool
}

func (s *fakeSource) ReadFrame(buf []float32) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.readErr != nil {
		return 0, s.readErr
	}
	for i := range buf {
		buf[i] = s.amplitude
	}
	return len(buf), nil
}

func (s *fakeSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeSource) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

type fakeTrackHandle struct {
	mu sync.Mutex

	id            string
	participantID string
	streamID      string
	mediaType     types.MediaType
	videoType     types.VideoType
	local         bool

	muted       bool
	muteErr     error
	muteCalls   int
	unmuteCalls int
	muteEntered chan struct{}
	muteBlock   chan struct{}

	attachErr error
	attached  map[string]bool

	listeners    map[int]func(bool)
	nextListener int

	source   audio.Source
	disposed bool
}

var _ types.TrackHandle = (*fakeTrackHandle)(nil)

func newFakeAudioTrack(id, participantID string) *fakeTrackHandle {
	return &fakeTrackHandle{
		id:            id,
		participantID: participantID,
		mediaType:     types.MediaAudio,
		source:        &fakeSource{amplitude: 0.3},
	}
}

func newFakeCameraTrack(id, participantID string) *fakeTrackHandle {
	return &fakeTrackHandle{
		id:            id,
		participantID: participantID,
		mediaType:     types.MediaVideo,
		videoType:     types.VideoCamera,
	}
}

func newFakeScreenTrack(id, participantID string) *fakeTrackHandle {
	return &fakeTrackHandle{
		id:            id,
		participantID: participantID,
		mediaType:     types.MediaVideo,
		videoType:     types.VideoScreen,
	}
}

func (t *fakeTrackHandle) ID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.id
}

func (t *fakeTrackHandle) MediaType() types.MediaType {
	return t.mediaType
}

func (t *fakeTrackHandle) VideoType() types.VideoType {
	return t.videoType
}

func (t *fakeTrackHandle) IsLocal() bool {
	return t.local
}

func (t *fakeTrackHandle) ParticipantID() string {
	return t.participantID
}

func (t *fakeTrackHandle) StreamID() string {
	return t.streamID
}

func (t *fakeTrackHandle) IsMuted() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.muted
}

func (t *fakeTrackHandle) Mute(_ context.Context) error {
	t.mu.Lock()
	t.muteCalls++
	err := t.muteErr
	entered, block := t.muteEntered, t.muteBlock
	t.mu.Unlock()
	// handshake for tests that need to hold a mute in flight
	if entered != nil {
		entered <- struct{}{}
	}
	if block != nil {
		<-block
	}
	if err != nil {
		return err
	}
	t.mu.Lock()
	t.muted = true
	t.mu.Unlock()
	return nil
}

func (t *fakeTrackHandle) Unmute(_ context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.unmuteCalls++
	if t.muteErr != nil {
		return t.muteErr
	}
	t.muted = false
	return nil
}

func (t *fakeTrackHandle) Attach(sink types.Sink) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.attachErr != nil {
		return t.attachErr
	}
	if t.attached == nil {
		t.attached = make(map[string]bool)
	}
	t.attached[sink.ID()] = true
	return nil
}

func (t *fakeTrackHandle) Detach(sink types.Sink) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.attached, sink.ID())
	return nil
}

func (t *fakeTrackHandle) OnMuteChanged(handler func(muted bool)) func() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.listeners == nil {
		t.listeners = make(map[int]func(bool))
	}
	key := t.nextListener
	t.nextListener++
	t.listeners[key] = handler
	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		delete(t.listeners, key)
	}
}

func (t *fakeTrackHandle) AudioSource() audio.Source {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.source
}

func (t *fakeTrackHandle) Dispose() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.disposed = true
}

// setMuted flips the state the way a remote peer would and fires listeners.
func (t *fakeTrackHandle) setMuted(muted bool) {
	t.mu.Lock()
	t.muted = muted
	listeners := make([]func(bool), 0, len(t.listeners))
	for _, f := range t.listeners {
		listeners = append(listeners, f)
	}
	t.mu.Unlock()
	for _, f := range listeners {
		f(muted)
	}
}

func (t *fakeTrackHandle) listenerCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.listeners)
}

func (t *fakeTrackHandle) isDisposed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.disposed
}

func (t *fakeTrackHandle) isAttachedTo(sinkID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.attached[sinkID]
}

func (t *fakeTrackHandle) counts() (mutes, unmutes int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.muteCalls, t.unmuteCalls
}

type fakeSession struct {
	mu sync.Mutex

	handlers    map[int]func(types.SessionEvent)
	nextHandler int

	participants []types.ParticipantInfo

	addErr     error
	removeErr  error
	replaceErr error

	addCalls     int
	removeCalls  int
	replaceCalls int
	lastAdded    types.TrackHandle
	lastRemoved  types.TrackHandle
}

var _ types.Session = (*fakeSession)(nil)

func newFakeSession() *fakeSession {
	return &fakeSession{handlers: make(map[int]func(types.SessionEvent))}
}

func (s *fakeSession) OnEvent(handler func(event types.SessionEvent)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := s.nextHandler
	s.nextHandler++
	s.handlers[key] = handler
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.handlers, key)
	}
}

func (s *fakeSession) Participants() []types.ParticipantInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.participants
}

func (s *fakeSession) AddTrack(_ context.Context, track types.TrackHandle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.addCalls++
	if s.addErr != nil {
		return s.addErr
	}
	s.lastAdded = track
	return nil
}

func (s *fakeSession) RemoveTrack(_ context.Context, track types.TrackHandle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeCalls++
	if s.removeErr != nil {
		return s.removeErr
	}
	s.lastRemoved = track
	return nil
}

func (s *fakeSession) ReplaceTrack(_ context.Context, _, _ types.TrackHandle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replaceCalls++
	return s.replaceErr
}

// emit invokes the registered handlers synchronously, in-line with the
// session contract.
func (s *fakeSession) emit(ev types.SessionEvent) {
	s.mu.Lock()
	handlers := make([]func(types.SessionEvent), 0, len(s.handlers))
	for _, h := range s.handlers {
		handlers = append(handlers, h)
	}
	s.mu.Unlock()
	for _, h := range handlers {
		h(ev)
	}
}

func (s *fakeSession) handlerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.handlers)
}

func (s *fakeSession) callCounts() (add, remove, replace int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addCalls, s.removeCalls, s.replaceCalls
}

type fakeDeviceProvider struct {
	mu      sync.Mutex
	err     error
	created []*fakeTrackHandle
}

var _ types.DeviceProvider = (*fakeDeviceProvider)(nil)

func (p *fakeDeviceProvider) CreateTrack(_ context.Context, req types.CreateTrackRequest) (types.TrackHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return nil, p.err
	}
	t := &fakeTrackHandle{
		id:    "local-" + req.Kind.String(),
		local: true,
	}
	switch req.Kind {
	case types.TrackKindAudio:
		t.mediaType = types.MediaAudio
		t.source = &fakeSource{amplitude: 0.3}
	case types.TrackKindCamera:
		t.mediaType = types.MediaVideo
		t.videoType = types.VideoCamera
	case types.TrackKindScreen:
		t.mediaType = types.MediaVideo
		t.videoType = types.VideoScreen
	}
	p.created = append(p.created, t)
	return t, nil
}

func (p *fakeDeviceProvider) createdCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.created)
}

func (p *fakeDeviceProvider) lastCreated() *fakeTrackHandle {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.created) == 0 {
		return nil
	}
	return p.created[len(p.created)-1]
}

func eventTrackAdded(t types.TrackHandle) types.SessionEvent {
	return types.SessionEvent{Type: types.EventTrackAdded, Track: t}
}

func eventTrackRemoved(t types.TrackHandle) types.SessionEvent {
	return types.SessionEvent{Type: types.EventTrackRemoved, Track: t}
}

func eventParticipantJoined(id, name string) types.SessionEvent {
	return types.SessionEvent{
		Type:        types.EventParticipantJoined,
		Participant: types.ParticipantInfo{ID: id, DisplayName: name},
	}
}

func eventParticipantLeft(id string) types.SessionEvent {
	return types.SessionEvent{
		Type:        types.EventParticipantLeft,
		Participant: types.ParticipantInfo{ID: id},
	}
}
