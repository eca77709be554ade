package rtc

import (
	"context"
	"errors"
	"sync"

	"github.com/livekit/protocol/logger"

	"github.com/cadenzahq/conference/pkg/rtc/types"
	"github.com/cadenzahq/conference/pkg/telemetry/prometheus"
)

type TrackRegistryParams struct {
	Session        types.Session
	DeviceProvider types.DeviceProvider
	// local camera preview sink, optional
	CameraPreview types.Sink
	// local screen-share preview sink, optional
	ScreenPreview types.Sink
	Logger        logger.Logger
}

// RemoteTrackInfo is the registry's weak reference to a remote track: the
// stable id, the classification decided at registration time, and the
// last-known state. The handle itself stays owned by the session.
type RemoteTrackInfo struct {
	ID            string
	ParticipantID string
	Class         types.Classification
	Handle        types.TrackHandle
	Muted         bool
}

// TrackRegistry owns the lifecycle of local capture tracks and reconciles
// remote track identity. It is the sole mutator of local track state; remote
// tracks are reference-counted by stable id so duplicate added/removed events
// from the session never double-fire side effects.
type TrackRegistry struct {
	params TrackRegistryParams

	lock    sync.RWMutex
	locals  map[types.TrackKind]*LocalTrack
	remotes map[string]*RemoteTrackInfo
}

func NewTrackRegistry(params TrackRegistryParams) *TrackRegistry {
	if params.Logger == nil {
		params.Logger = logger.GetLogger()
	}
	return &TrackRegistry{
		params:  params,
		locals:  make(map[types.TrackKind]*LocalTrack),
		remotes: make(map[string]*RemoteTrackInfo),
	}
}

// AcquireLocal requests a new local capture from the platform. The returned
// track is not yet attached to the session; call Publish. Fails with a
// *types.DeviceError when permission is denied or no device exists.
func (r *TrackRegistry) AcquireLocal(ctx context.Context, kind types.TrackKind, deviceID string) (*LocalTrack, error) {
	handle, err := r.params.DeviceProvider.CreateTrack(ctx, types.CreateTrackRequest{
		Kind:     kind,
		DeviceID: deviceID,
	})
	if err != nil {
		var derr *types.DeviceError
		if !errors.As(err, &derr) {
			derr = &types.DeviceError{Kind: kind, DeviceID: deviceID, Err: err}
		}
		r.params.Logger.Warnw("could not acquire local track", derr, "kind", kind)
		return nil, derr
	}

	var preview types.Sink
	switch kind {
	case types.TrackKindCamera:
		preview = r.params.CameraPreview
	case types.TrackKindScreen:
		preview = r.params.ScreenPreview
	}
	return newLocalTrack(handle, kind, deviceID, r.params.Session, preview, r.params.Logger), nil
}

// Publish attaches the track to the session and records it as the active
// local track of its kind. At most one local track per kind is active.
func (r *TrackRegistry) Publish(ctx context.Context, t *LocalTrack) error {
	r.lock.Lock()
	prev := r.locals[t.Kind()]
	r.locals[t.Kind()] = t
	r.lock.Unlock()

	if prev != nil && prev != t && !prev.IsReleased() {
		// a stale active track of the same kind; retire it best-effort
		r.params.Logger.Infow("releasing superseded local track", "kind", t.Kind())
		_ = prev.Release(ctx)
	}
	return t.Publish(ctx)
}

// Replace atomically swaps the track's capture for the given device. Mute
// state survives the swap.
func (r *TrackRegistry) Replace(ctx context.Context, t *LocalTrack, deviceID string) error {
	newHandle, err := r.params.DeviceProvider.CreateTrack(ctx, types.CreateTrackRequest{
		Kind:     t.Kind(),
		DeviceID: deviceID,
	})
	if err != nil {
		var derr *types.DeviceError
		if !errors.As(err, &derr) {
			derr = &types.DeviceError{Kind: t.Kind(), DeviceID: deviceID, Err: err}
		}
		return derr
	}
	return t.Replace(ctx, newHandle, deviceID)
}

// Release removes the track from the session (if published) and disposes it.
func (r *TrackRegistry) Release(ctx context.Context, t *LocalTrack) error {
	r.lock.Lock()
	if r.locals[t.Kind()] == t {
		delete(r.locals, t.Kind())
	}
	r.lock.Unlock()
	return t.Release(ctx)
}

// ReleaseAll retires every active local track. Used on session teardown.
func (r *TrackRegistry) ReleaseAll(ctx context.Context) {
	r.lock.Lock()
	locals := make([]*LocalTrack, 0, len(r.locals))
	for _, t := range r.locals {
		locals = append(locals, t)
	}
	r.locals = make(map[types.TrackKind]*LocalTrack)
	r.lock.Unlock()

	for _, t := range locals {
		_ = t.Release(ctx)
	}
}

// GetLocal returns the active local track of the given kind, nil when none.
func (r *TrackRegistry) GetLocal(kind types.TrackKind) *LocalTrack {
	r.lock.RLock()
	defer r.lock.RUnlock()
	return r.locals[kind]
}

// StableTrackID derives a stable identity for a remote track: the session's
// track id when present, else participant+media type, else stream+media type.
func StableTrackID(t types.TrackHandle) string {
	if id := t.ID(); id != "" {
		return id
	}
	if pid := t.ParticipantID(); pid != "" {
		return pid + "-" + t.MediaType().String()
	}
	return t.StreamID() + "-" + t.MediaType().String()
}

// RegisterRemote records a remote track by stable id. Returns added=false
// for a repeated "added" event so callers fire attach side effects exactly
// once.
func (r *TrackRegistry) RegisterRemote(t types.TrackHandle) (*RemoteTrackInfo, bool) {
	id := StableTrackID(t)

	r.lock.Lock()
	if info, ok := r.remotes[id]; ok {
		r.lock.Unlock()
		prometheus.RecordRemoteTrackDeduped()
		r.params.Logger.Debugw("ignoring duplicate remote track", "trackID", id)
		return info, false
	}
	info := &RemoteTrackInfo{
		ID:            id,
		ParticipantID: t.ParticipantID(),
		Class:         types.Classify(t),
		Handle:        t,
		Muted:         t.IsMuted(),
	}
	r.remotes[id] = info
	r.lock.Unlock()
	return info, true
}

// UnregisterRemote drops the bookkeeping for a remote track. Returns
// removed=false for a repeated "removed" event so detach side effects fire
// exactly once.
func (r *TrackRegistry) UnregisterRemote(t types.TrackHandle) (*RemoteTrackInfo, bool) {
	id := StableTrackID(t)

	r.lock.Lock()
	defer r.lock.Unlock()
	info, ok := r.remotes[id]
	if !ok {
		return nil, false
	}
	delete(r.remotes, id)
	return info, true
}

// RemoveRemoteByParticipant drops all remote tracks owned by a participant.
// Used for the teardown cascade on leave.
func (r *TrackRegistry) RemoveRemoteByParticipant(participantID string) []*RemoteTrackInfo {
	r.lock.Lock()
	defer r.lock.Unlock()
	var removed []*RemoteTrackInfo
	for id, info := range r.remotes {
		if info.ParticipantID == participantID {
			removed = append(removed, info)
			delete(r.remotes, id)
		}
	}
	return removed
}

// GetRemote returns the weak reference for a registered remote track.
func (r *TrackRegistry) GetRemote(id string) *RemoteTrackInfo {
	r.lock.RLock()
	defer r.lock.RUnlock()
	return r.remotes[id]
}

// SetRemoteMuted updates the last-known mute state of a remote track.
func (r *TrackRegistry) SetRemoteMuted(id string, muted bool) {
	r.lock.Lock()
	defer r.lock.Unlock()
	if info, ok := r.remotes[id]; ok {
		info.Muted = muted
	}
}
