package prometheus

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/atomic"
)

const conferenceNamespace = "conference"

var (
	initOnce sync.Once

	participantCurrent    atomic.Int32
	trackPublishedCurrent atomic.Int32

	promParticipantCurrent    prometheus.Gauge
	promTrackPublishedCurrent *prometheus.GaugeVec
	promTrackPublishFailures  *prometheus.CounterVec
	promRemoteTrackDeduped    prometheus.Counter
	promSpeakingTransitions   *prometheus.CounterVec
)

// Init registers the conference metrics. Safe to call more than once; only
// the first call registers.
func Init() {
	initOnce.Do(func() {
		promParticipantCurrent = prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: conferenceNamespace,
			Subsystem: "participant",
			Name:      "total",
		})
		promTrackPublishedCurrent = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: conferenceNamespace,
			Subsystem: "track",
			Name:      "published_total",
		}, []string{"kind"})
		promTrackPublishFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: conferenceNamespace,
			Subsystem: "track",
			Name:      "publish_failures",
		}, []string{"kind", "op"})
		promRemoteTrackDeduped = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: conferenceNamespace,
			Subsystem: "track",
			Name:      "remote_deduped",
		})
		promSpeakingTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: conferenceNamespace,
			Subsystem: "speaking",
			Name:      "transitions",
		}, []string{"state"})

		prometheus.MustRegister(promParticipantCurrent)
		prometheus.MustRegister(promTrackPublishedCurrent)
		prometheus.MustRegister(promTrackPublishFailures)
		prometheus.MustRegister(promRemoteTrackDeduped)
		prometheus.MustRegister(promSpeakingTransitions)
	})
}

func AddParticipant() {
	participantCurrent.Inc()
	if promParticipantCurrent != nil {
		promParticipantCurrent.Inc()
	}
}

func SubParticipant() {
	participantCurrent.Dec()
	if promParticipantCurrent != nil {
		promParticipantCurrent.Dec()
	}
}

func AddPublishedTrack(kind string) {
	trackPublishedCurrent.Inc()
	if promTrackPublishedCurrent != nil {
		promTrackPublishedCurrent.WithLabelValues(kind).Inc()
	}
}

func SubPublishedTrack(kind string) {
	trackPublishedCurrent.Dec()
	if promTrackPublishedCurrent != nil {
		promTrackPublishedCurrent.WithLabelValues(kind).Dec()
	}
}

func RecordPublishFailure(kind string, op string) {
	if promTrackPublishFailures != nil {
		promTrackPublishFailures.WithLabelValues(kind, op).Inc()
	}
}

func RecordRemoteTrackDeduped() {
	if promRemoteTrackDeduped != nil {
		promRemoteTrackDeduped.Inc()
	}
}

func RecordSpeakingTransition(speaking bool) {
	if promSpeakingTransitions == nil {
		return
	}
	if speaking {
		promSpeakingTransitions.WithLabelValues("speaking").Inc()
	} else {
		promSpeakingTransitions.WithLabelValues("idle").Inc()
	}
}
