package types

// MediaType is the coarse media classification reported by the session layer.
type MediaType int32

const (
	MediaAudio MediaType = iota
	MediaVideo
)

func (m MediaType) String() string {
	switch m {
	case MediaAudio:
		return "audio"
	case MediaVideo:
		return "video"
	default:
		return "unknown"
	}
}

// VideoType distinguishes camera feeds from screen captures. Only meaningful
// for MediaVideo tracks.
type VideoType int32

const (
	VideoNone VideoType = iota
	VideoCamera
	VideoScreen
)

func (v VideoType) String() string {
	switch v {
	case VideoCamera:
		return "camera"
	case VideoScreen:
		return "screen"
	default:
		return "none"
	}
}

// TrackKind is the domain classification of a track, decided once when the
// track is registered instead of re-inspecting media/video types at every
// call site.
type TrackKind int32

const (
	TrackKindAudio TrackKind = iota
	TrackKindCamera
	TrackKindScreen
)

func (k TrackKind) String() string {
	switch k {
	case TrackKindAudio:
		return "audio"
	case TrackKindCamera:
		return "camera"
	case TrackKindScreen:
		return "screen"
	default:
		return "unknown"
	}
}

type TrackOrigin int32

const (
	OriginLocal TrackOrigin = iota
	OriginRemote
)

func (o TrackOrigin) String() string {
	if o == OriginLocal {
		return "local"
	}
	return "remote"
}

// Classification is the tagged {audio, camera, screen} x {local, remote}
// variant of a track.
type Classification struct {
	Kind   TrackKind
	Origin TrackOrigin
}

// Classify derives the classification of a track handle. Called once at
// registration time.
func Classify(t TrackHandle) Classification {
	c := Classification{Origin: OriginRemote}
	if t.IsLocal() {
		c.Origin = OriginLocal
	}
	switch {
	case t.MediaType() == MediaAudio:
		c.Kind = TrackKindAudio
	case t.VideoType() == VideoScreen:
		c.Kind = TrackKindScreen
	default:
		c.Kind = TrackKindCamera
	}
	return c
}

// ParticipantInfo is the session layer's view of one party.
type ParticipantInfo struct {
	ID          string
	DisplayName string
}
