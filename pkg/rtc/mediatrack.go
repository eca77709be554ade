package rtc

import (
	"context"
	"sync"

	"github.com/livekit/protocol/logger"

	"github.com/cadenzahq/conference/pkg/audio"
	"github.com/cadenzahq/conference/pkg/rtc/types"
	"github.com/cadenzahq/conference/pkg/telemetry/prometheus"
	"github.com/cadenzahq/conference/pkg/utils"
)

const localTrackOpsQueueSize = 16

// LocalTrack is a locally captured track owned by the track registry. All
// lifecycle operations on one track are serialized through its ops queue, so
// a mute issued while a replace is in flight settles after it. Operations on
// different tracks do not order against each other.
//
// Session rejections are soft: the intended state (muted, published) is
// recorded and logged so a later operation converges, and the caller's
// promise still resolves.
type LocalTrack struct {
	kind    types.TrackKind
	session types.Session
	preview types.Sink
	logger  logger.Logger
	ops     *utils.OpsQueue

	lock          sync.Mutex
	handle        types.TrackHandle
	deviceID      string
	published     bool
	intendedMuted bool
	released      bool
}

func newLocalTrack(
	handle types.TrackHandle,
	kind types.TrackKind,
	deviceID string,
	session types.Session,
	preview types.Sink,
	l logger.Logger,
) *LocalTrack {
	t := &LocalTrack{
		kind:     kind,
		session:  session,
		preview:  preview,
		logger:   l,
		ops:      utils.NewOpsQueue(l, "local-track-"+kind.String(), localTrackOpsQueueSize),
		handle:   handle,
		deviceID: deviceID,
	}
	t.ops.Start()
	return t
}

func (t *LocalTrack) Kind() types.TrackKind {
	return t.kind
}

func (t *LocalTrack) Handle() types.TrackHandle {
	t.lock.Lock()
	defer t.lock.Unlock()
	return t.handle
}

func (t *LocalTrack) DeviceID() string {
	t.lock.Lock()
	defer t.lock.Unlock()
	return t.deviceID
}

func (t *LocalTrack) IsPublished() bool {
	t.lock.Lock()
	defer t.lock.Unlock()
	return t.published
}

// IsMuted reports the intended mute state, which may briefly run ahead of the
// session while an operation is in flight.
func (t *LocalTrack) IsMuted() bool {
	t.lock.Lock()
	defer t.lock.Unlock()
	return t.intendedMuted
}

func (t *LocalTrack) IsReleased() bool {
	t.lock.Lock()
	defer t.lock.Unlock()
	return t.released
}

// AudioSource resolves the PCM source of the current handle, so a level
// monitor keyed to this track follows device switches.
func (t *LocalTrack) AudioSource() audio.Source {
	t.lock.Lock()
	h := t.handle
	t.lock.Unlock()
	if h == nil {
		return nil
	}
	return h.AudioSource()
}

// Publish attaches the track to the session and the local preview sink. At
// most once per track; repeated calls are no-ops.
func (t *LocalTrack) Publish(ctx context.Context) error {
	return t.run(ctx, func() error {
		t.lock.Lock()
		if t.published || t.released {
			t.lock.Unlock()
			return nil
		}
		t.published = true
		handle := t.handle
		t.lock.Unlock()

		t.attachPreview(handle)
		prometheus.AddPublishedTrack(t.kind.String())

		if err := t.session.AddTrack(ctx, handle); err != nil {
			perr := &types.PublishError{TrackID: handle.ID(), Op: "add", Err: err}
			t.logger.Warnw("could not publish track, keeping intended state", perr,
				"kind", t.kind)
			prometheus.RecordPublishFailure(t.kind.String(), "add")
		}
		return nil
	})
}

// SetMuted toggles mute without unpublishing. No session call is issued when
// the intended state already matches.
func (t *LocalTrack) SetMuted(ctx context.Context, muted bool) error {
	return t.run(ctx, func() error {
		t.lock.Lock()
		if t.released || t.intendedMuted == muted {
			t.lock.Unlock()
			return nil
		}
		t.intendedMuted = muted
		handle := t.handle
		t.lock.Unlock()

		var err error
		if muted {
			err = handle.Mute(ctx)
		} else {
			err = handle.Unmute(ctx)
		}
		if err != nil {
			perr := &types.PublishError{TrackID: handle.ID(), Op: "mute", Err: err}
			t.logger.Warnw("could not change mute state, keeping intended state", perr,
				"kind", t.kind, "muted", muted)
			prometheus.RecordPublishFailure(t.kind.String(), "mute")
		}
		return nil
	})
}

// Replace swaps the published handle for a new capture, preserving the mute
// state across the swap. The old handle is disposed only after the swap
// succeeds; on failure the track keeps its current handle and the caller gets
// the error.
func (t *LocalTrack) Replace(ctx context.Context, newHandle types.TrackHandle, deviceID string) error {
	return t.run(ctx, func() error {
		t.lock.Lock()
		if t.released {
			t.lock.Unlock()
			newHandle.Dispose()
			return nil
		}
		oldHandle := t.handle
		muted := t.intendedMuted
		published := t.published
		t.lock.Unlock()

		// mute before the new capture goes live so no frames leak
		if muted {
			if err := newHandle.Mute(ctx); err != nil {
				t.logger.Debugw("could not pre-mute replacement track", "error", err)
			}
		}

		if published {
			if err := t.session.ReplaceTrack(ctx, oldHandle, newHandle); err != nil {
				t.logger.Debugw("replace track not supported or failed, falling back to remove+add",
					"error", err)
				if rerr := t.session.RemoveTrack(ctx, oldHandle); rerr != nil {
					t.logger.Debugw("could not remove old track during swap", "error", rerr)
				}
				if aerr := t.session.AddTrack(ctx, newHandle); aerr != nil {
					newHandle.Dispose()
					prometheus.RecordPublishFailure(t.kind.String(), "replace")
					return &types.PublishError{TrackID: oldHandle.ID(), Op: "replace", Err: aerr}
				}
			}
		}

		t.attachPreview(newHandle)

		t.lock.Lock()
		t.handle = newHandle
		t.deviceID = deviceID
		t.lock.Unlock()

		oldHandle.Dispose()
		return nil
	})
}

// Release removes the track from the session and disposes it. Idempotent and
// safe under network failure.
func (t *LocalTrack) Release(ctx context.Context) error {
	return t.run(ctx, func() error {
		t.lock.Lock()
		if t.released {
			t.lock.Unlock()
			return nil
		}
		t.released = true
		published := t.published
		handle := t.handle
		t.lock.Unlock()

		t.detachPreview(handle)

		if published {
			if err := t.session.RemoveTrack(ctx, handle); err != nil {
				perr := &types.PublishError{TrackID: handle.ID(), Op: "remove", Err: err}
				t.logger.Warnw("could not remove track from session", perr, "kind", t.kind)
				prometheus.RecordPublishFailure(t.kind.String(), "remove")
			}
			prometheus.SubPublishedTrack(t.kind.String())
		}
		handle.Dispose()
		t.ops.Stop()
		return nil
	})
}

func (t *LocalTrack) attachPreview(handle types.TrackHandle) {
	if t.preview == nil {
		return
	}
	if err := handle.Attach(t.preview); err != nil {
		aerr := &types.AttachError{TrackID: handle.ID(), SinkID: t.preview.ID(), Err: err}
		t.logger.Debugw("could not attach local preview", "error", aerr)
	}
}

func (t *LocalTrack) detachPreview(handle types.TrackHandle) {
	if t.preview == nil {
		return
	}
	if err := handle.Detach(t.preview); err != nil {
		aerr := &types.AttachError{TrackID: handle.ID(), SinkID: t.preview.ID(), Err: err}
		t.logger.Debugw("could not detach local preview", "error", aerr)
	}
}

func (t *LocalTrack) run(ctx context.Context, op func() error) error {
	done := make(chan error, 1)
	if !t.ops.Enqueue(func() { done <- op() }) {
		if t.IsReleased() {
			// queue stopped after release; the intent is already settled
			return nil
		}
		return &types.PublishError{TrackID: t.Handle().ID(), Op: "enqueue", Err: utils.ErrOpsQueueFull}
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		// the op still runs to completion, the caller just stops waiting
		return ctx.Err()
	}
}
