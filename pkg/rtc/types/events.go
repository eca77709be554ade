package types

// SessionEventType enumerates the closed set of events the session layer can
// deliver. All fan-out happens through a single dispatcher so ordering and
// idempotency are enforced in one place.
type SessionEventType int32

const (
	EventTrackAdded SessionEventType = iota
	EventTrackRemoved
	EventTrackMuteChanged
	EventDominantSpeakerChanged
	EventParticipantJoined
	EventParticipantLeft
	EventDisplayNameChanged
	EventParticipantPropertyChanged
)

func (t SessionEventType) String() string {
	switch t {
	case EventTrackAdded:
		return "track_added"
	case EventTrackRemoved:
		return "track_removed"
	case EventTrackMuteChanged:
		return "track_mute_changed"
	case EventDominantSpeakerChanged:
		return "dominant_speaker_changed"
	case EventParticipantJoined:
		return "participant_joined"
	case EventParticipantLeft:
		return "participant_left"
	case EventDisplayNameChanged:
		return "display_name_changed"
	case EventParticipantPropertyChanged:
		return "participant_property_changed"
	default:
		return "unknown"
	}
}

// PropertyChange carries an opaque participant property update. Forwarded for
// diagnostics only.
type PropertyChange struct {
	Key      string
	OldValue string
	NewValue string
}

// SessionEvent is the tagged union delivered by a Session. Track is set for
// the Track* events, Participant for participant and dominant-speaker events,
// Property for EventParticipantPropertyChanged.
type SessionEvent struct {
	Type        SessionEventType
	Track       TrackHandle
	Participant ParticipantInfo
	Property    PropertyChange
}
