package rtc

import (
	"sort"
	"sync"
	"time"

	"github.com/livekit/protocol/logger"

	"github.com/cadenzahq/conference/pkg/rtc/types"
	"github.com/cadenzahq/conference/pkg/telemetry/prometheus"
	"github.com/cadenzahq/conference/pkg/utils"
)

const speakingNotifyQueueSize = 1024

type SpeakingManagerParams struct {
	// how long a participant stays in the speaking set after their last
	// candidate
	RemoteGracePeriod time.Duration
	LocalGracePeriod  time.Duration
	Logger            logger.Logger
}

type speakingState struct {
	speaking    bool
	lastSpokeAt time.Time
	clearTimer  *time.Timer
	// invalidates a pending timer callback after cancel/re-arm
	gen uint64
}

// SpeakingManager turns raw per-participant speaking candidates into a
// debounced speaking set and stores the session-reported dominant speaker.
//
// Entry into the set is immediate; exit waits out a grace period so short
// pauses do not flicker the UI. A mute is authoritative: it force-clears the
// participant and suppresses candidates until unmute. The manager is the
// sole owner of the per-participant grace timers, so the cascade on removal
// is guaranteed.
//
// Callbacks are delivered from a single notify goroutine in transition
// order, never under the lock.
type SpeakingManager struct {
	params SpeakingManagerParams

	lock       sync.Mutex
	states     map[string]*speakingState
	muted      map[string]bool
	dominantID string
	stopped    bool

	notifyQ *utils.OpsQueue

	onStateChanged    func(participantID string, speaking bool)
	onDominantChanged func(participantID string)
}

func NewSpeakingManager(params SpeakingManagerParams) *SpeakingManager {
	if params.RemoteGracePeriod <= 0 {
		params.RemoteGracePeriod = DefaultRemoteGracePeriod
	}
	if params.LocalGracePeriod <= 0 {
		params.LocalGracePeriod = DefaultLocalGracePeriod
	}
	if params.Logger == nil {
		params.Logger = logger.GetLogger()
	}
	s := &SpeakingManager{
		params:  params,
		states:  make(map[string]*speakingState),
		muted:   make(map[string]bool),
		notifyQ: utils.NewOpsQueue(params.Logger, "speaking-notify", speakingNotifyQueueSize),
	}
	s.notifyQ.Start()
	return s
}

func (s *SpeakingManager) OnStateChanged(f func(participantID string, speaking bool)) {
	s.lock.Lock()
	s.onStateChanged = f
	s.lock.Unlock()
}

func (s *SpeakingManager) OnDominantChanged(f func(participantID string)) {
	s.lock.Lock()
	s.onDominantChanged = f
	s.lock.Unlock()
}

// HandleCandidate observes one audio sample classification for a
// participant. A true candidate marks the participant speaking immediately
// and (re)arms the grace timer; a false candidate lets any armed timer run.
func (s *SpeakingManager) HandleCandidate(participantID string, candidate bool, origin types.TrackOrigin) {
	grace := s.params.RemoteGracePeriod
	if origin == types.OriginLocal {
		grace = s.params.LocalGracePeriod
	}

	s.lock.Lock()
	if s.stopped || s.muted[participantID] {
		s.lock.Unlock()
		return
	}
	if !candidate {
		// no immediate clear; the grace timer owns the exit
		s.lock.Unlock()
		return
	}

	st, ok := s.states[participantID]
	if !ok {
		st = &speakingState{}
		s.states[participantID] = st
	}
	st.lastSpokeAt = time.Now()
	entered := !st.speaking
	st.speaking = true
	s.rearmLocked(participantID, st, grace)
	if entered {
		s.notifyStateLocked(participantID, true)
	}
	s.lock.Unlock()
}

// HandleMuteChanged applies an authoritative mute signal. Mute force-clears
// the participant within the same tick and suppresses candidates until
// unmute.
func (s *SpeakingManager) HandleMuteChanged(participantID string, muted bool) {
	s.lock.Lock()
	if s.stopped {
		s.lock.Unlock()
		return
	}
	if !muted {
		delete(s.muted, participantID)
		s.lock.Unlock()
		return
	}
	s.muted[participantID] = true
	if s.clearLocked(participantID) {
		s.notifyStateLocked(participantID, false)
	}
	s.lock.Unlock()
}

// HandleDominantSpeaker stores the session-reported dominant speaker. It is
// not derived from the speaking set.
func (s *SpeakingManager) HandleDominantSpeaker(participantID string) {
	s.lock.Lock()
	if s.stopped || s.dominantID == participantID {
		s.lock.Unlock()
		return
	}
	s.dominantID = participantID
	onDominantChanged := s.onDominantChanged
	s.notifyQ.Enqueue(func() {
		if onDominantChanged != nil {
			onDominantChanged(participantID)
		}
	})
	s.lock.Unlock()
}

// Remove cascades a participant teardown: cancels the grace timer, clears
// the speaking flag and the mute mark. No late timer callback fires after
// removal.
func (s *SpeakingManager) Remove(participantID string) {
	s.lock.Lock()
	if s.clearLocked(participantID) {
		s.notifyStateLocked(participantID, false)
	}
	delete(s.states, participantID)
	delete(s.muted, participantID)
	if s.dominantID == participantID {
		s.dominantID = ""
	}
	s.lock.Unlock()
}

// SpeakingIDs returns the current speaking set, ordered by id.
func (s *SpeakingManager) SpeakingIDs() []string {
	s.lock.Lock()
	defer s.lock.Unlock()
	ids := make([]string, 0, len(s.states))
	for id, st := range s.states {
		if st.speaking {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

func (s *SpeakingManager) IsSpeaking(participantID string) bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	st, ok := s.states[participantID]
	return ok && st.speaking
}

// DominantSpeaker returns the last session-reported dominant speaker id,
// empty when none.
func (s *SpeakingManager) DominantSpeaker() string {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.dominantID
}

// Stop cancels all timers and drops all state. Idempotent.
func (s *SpeakingManager) Stop() {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.stopped {
		return
	}
	s.stopped = true
	for id := range s.states {
		s.clearLocked(id)
	}
	s.states = make(map[string]*speakingState)
	s.muted = make(map[string]bool)
	s.dominantID = ""
	s.notifyQ.Stop()
}

// rearmLocked cancels any pending clear timer and arms a fresh one.
func (s *SpeakingManager) rearmLocked(participantID string, st *speakingState, grace time.Duration) {
	if st.clearTimer != nil {
		st.clearTimer.Stop()
	}
	st.gen++
	gen := st.gen
	st.clearTimer = time.AfterFunc(grace, func() {
		s.onClearTimer(participantID, gen, grace)
	})
}

func (s *SpeakingManager) onClearTimer(participantID string, gen uint64, grace time.Duration) {
	s.lock.Lock()
	st, ok := s.states[participantID]
	if !ok || st.gen != gen || !st.speaking {
		s.lock.Unlock()
		return
	}
	if time.Since(st.lastSpokeAt) < grace {
		// a candidate slipped in between fire and lock; timer was re-armed
		s.lock.Unlock()
		return
	}
	st.speaking = false
	st.clearTimer = nil
	s.notifyStateLocked(participantID, false)
	s.lock.Unlock()
}

// notifyStateLocked queues a state-change delivery while the caller still
// holds the lock, so deliveries leave in transition order.
func (s *SpeakingManager) notifyStateLocked(participantID string, speaking bool) {
	onStateChanged := s.onStateChanged
	s.notifyQ.Enqueue(func() {
		prometheus.RecordSpeakingTransition(speaking)
		if onStateChanged != nil {
			onStateChanged(participantID, speaking)
		}
	})
}

// clearLocked cancels the timer and clears the speaking flag, reporting
// whether the participant had been speaking. Caller holds the lock.
func (s *SpeakingManager) clearLocked(participantID string) bool {
	st, ok := s.states[participantID]
	if !ok {
		return false
	}
	if st.clearTimer != nil {
		st.clearTimer.Stop()
		st.clearTimer = nil
	}
	st.gen++
	if !st.speaking {
		return false
	}
	st.speaking = false
	return true
}
