package rtc

import (
	"sort"
	"sync"

	"github.com/livekit/protocol/logger"

	"github.com/cadenzahq/conference/pkg/rtc/types"
	"github.com/cadenzahq/conference/pkg/telemetry/prometheus"
)

// UnknownDisplayName is used for participants whose metadata has not arrived.
const UnknownDisplayName = "Unknown"

// Participant is the read-only view handed to UI consumers. Instances are
// referentially stable across snapshots that did not change them.
type Participant struct {
	ID          string
	Name        string
	TrackIDs    []string
	IsSpeaking  bool
	IsMuted     bool
	CameraMuted bool
}

type dirEntry struct {
	id          string
	name        string
	tracks      map[string]types.TrackHandle
	speaking    bool
	audioMuted  bool
	cameraMuted bool

	// cached view, nil when the entry is dirty
	snapshot *Participant
}

func (e *dirEntry) view() *Participant {
	if e.snapshot != nil {
		return e.snapshot
	}
	trackIDs := make([]string, 0, len(e.tracks))
	for id := range e.tracks {
		trackIDs = append(trackIDs, id)
	}
	sort.Strings(trackIDs)
	e.snapshot = &Participant{
		ID:          e.id,
		Name:        e.name,
		TrackIDs:    trackIDs,
		IsSpeaking:  e.speaking,
		IsMuted:     e.audioMuted,
		CameraMuted: e.cameraMuted,
	}
	return e.snapshot
}

type DirectoryParams struct {
	Logger logger.Logger
}

// Directory maintains the authoritative participant map and its track
// membership. It is the sole mutator of that map; other components go
// through its operations.
type Directory struct {
	params DirectoryParams

	lock    sync.RWMutex
	entries map[string]*dirEntry

	onRemoved func(participantID string)
	onChanged func()
}

func NewDirectory(params DirectoryParams) *Directory {
	if params.Logger == nil {
		params.Logger = logger.GetLogger()
	}
	return &Directory{
		params:  params,
		entries: make(map[string]*dirEntry),
	}
}

// OnRemoved registers the removal cascade hook, invoked after a participant
// is deleted.
func (d *Directory) OnRemoved(f func(participantID string)) {
	d.onRemoved = f
}

func (d *Directory) OnChanged(f func()) {
	d.onChanged = f
}

// Upsert creates the participant if absent and updates the display name. An
// empty name never blanks out a previously known name.
func (d *Directory) Upsert(id string, name string) {
	d.lock.Lock()
	e, ok := d.entries[id]
	if !ok {
		e = &dirEntry{
			id:     id,
			name:   UnknownDisplayName,
			tracks: make(map[string]types.TrackHandle),
		}
		d.entries[id] = e
		prometheus.AddParticipant()
	}
	changed := !ok
	if name != "" && name != e.name {
		e.name = name
		changed = true
	}
	if changed {
		e.snapshot = nil
	}
	d.lock.Unlock()

	if changed {
		d.notify()
	}
}

// Remove deletes the participant and triggers the cascade hook so speaking
// state and timers for the id are cleared as well.
func (d *Directory) Remove(id string) bool {
	d.lock.Lock()
	_, ok := d.entries[id]
	if ok {
		delete(d.entries, id)
		prometheus.SubParticipant()
	}
	d.lock.Unlock()
	if !ok {
		return false
	}

	if d.onRemoved != nil {
		d.onRemoved(id)
	}
	d.notify()
	return true
}

// AttachTrack adds a track reference, creating a placeholder participant if
// the id has not been seen. Idempotent: replayed events are no-ops.
func (d *Directory) AttachTrack(participantID string, trackID string, track types.TrackHandle) {
	d.lock.Lock()
	e, ok := d.entries[participantID]
	if !ok {
		e = &dirEntry{
			id:     participantID,
			name:   UnknownDisplayName,
			tracks: make(map[string]types.TrackHandle),
		}
		d.entries[participantID] = e
		prometheus.AddParticipant()
	}
	if _, exists := e.tracks[trackID]; exists {
		d.lock.Unlock()
		return
	}
	e.tracks[trackID] = track
	e.snapshot = nil
	d.lock.Unlock()

	d.notify()
}

func (d *Directory) DetachTrack(participantID string, trackID string) {
	d.lock.Lock()
	e, ok := d.entries[participantID]
	if !ok {
		d.lock.Unlock()
		return
	}
	if _, exists := e.tracks[trackID]; !exists {
		d.lock.Unlock()
		return
	}
	delete(e.tracks, trackID)
	e.snapshot = nil
	d.lock.Unlock()

	d.notify()
}

func (d *Directory) SetSpeaking(participantID string, speaking bool) {
	d.setFlag(participantID, func(e *dirEntry) bool {
		if e.speaking == speaking {
			return false
		}
		e.speaking = speaking
		return true
	})
}

func (d *Directory) SetAudioMuted(participantID string, muted bool) {
	d.setFlag(participantID, func(e *dirEntry) bool {
		if e.audioMuted == muted {
			return false
		}
		e.audioMuted = muted
		return true
	})
}

func (d *Directory) SetCameraMuted(participantID string, muted bool) {
	d.setFlag(participantID, func(e *dirEntry) bool {
		if e.cameraMuted == muted {
			return false
		}
		e.cameraMuted = muted
		return true
	})
}

func (d *Directory) setFlag(participantID string, mutate func(*dirEntry) bool) {
	d.lock.Lock()
	e, ok := d.entries[participantID]
	if !ok {
		d.lock.Unlock()
		return
	}
	changed := mutate(e)
	if changed {
		e.snapshot = nil
	}
	d.lock.Unlock()

	if changed {
		d.notify()
	}
}

// Get returns the read-only view for one participant, nil when absent.
func (d *Directory) Get(id string) *Participant {
	d.lock.Lock()
	defer d.lock.Unlock()
	e, ok := d.entries[id]
	if !ok {
		return nil
	}
	return e.view()
}

// Snapshot returns the read-only participant list, ordered by id. Entries
// that did not change keep their instance from the previous snapshot.
func (d *Directory) Snapshot() []*Participant {
	d.lock.Lock()
	defer d.lock.Unlock()

	out := make([]*Participant, 0, len(d.entries))
	for _, e := range d.entries {
		out = append(out, e.view())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (d *Directory) Len() int {
	d.lock.RLock()
	defer d.lock.RUnlock()
	return len(d.entries)
}

func (d *Directory) notify() {
	if d.onChanged != nil {
		d.onChanged()
	}
}
