package types

import (
	"context"

	"github.com/cadenzahq/conference/pkg/audio"
)

// Sink is a rendering target for a media track, owned by the embedding UI
// layer. The coordinator only forwards handles to sinks, it never renders.
type Sink interface {
	ID() string
}

// TrackHandle is the surface the underlying media session exposes for one
// local or remote track. Local handles are owned by the track registry;
// remote handles are owned by the session and only referenced here.
type TrackHandle interface {
	ID() string
	MediaType() MediaType
	VideoType() VideoType
	IsLocal() bool
	// ParticipantID is the owner of a remote track, empty for local tracks.
	ParticipantID() string
	StreamID() string

	IsMuted() bool
	Mute(ctx context.Context) error
	Unmute(ctx context.Context) error

	Attach(sink Sink) error
	Detach(sink Sink) error

	// OnMuteChanged registers a mute listener and returns its cancel func.
	OnMuteChanged(handler func(muted bool)) (cancel func())

	// AudioSource exposes the raw PCM stream behind an audio track. May
	// return nil until the underlying platform track is live.
	AudioSource() audio.Source

	Dispose()
}

// Session is the abstract multi-party media session provided by the
// signaling/transport layer. Event delivery order is preserved: handlers are
// invoked synchronously, one event at a time, in the order the session
// observed them.
type Session interface {
	// OnEvent registers an event handler and returns its cancel func.
	OnEvent(handler func(event SessionEvent)) (cancel func())

	// Participants lists the parties already present in the session.
	Participants() []ParticipantInfo

	AddTrack(ctx context.Context, track TrackHandle) error
	RemoveTrack(ctx context.Context, track TrackHandle) error
	ReplaceTrack(ctx context.Context, oldTrack, newTrack TrackHandle) error
}

// CreateTrackRequest describes one local capture to acquire.
type CreateTrackRequest struct {
	Kind TrackKind
	// DeviceID selects a specific capture device, empty for the default.
	DeviceID string
}

// DeviceProvider acquires local capture tracks from the platform.
type DeviceProvider interface {
	// CreateTrack returns a new unpublished local track, or a *DeviceError
	// when permission is denied or no matching device exists.
	CreateTrack(ctx context.Context, req CreateTrackRequest) (TrackHandle, error)
}
