package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	CallsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "engine_calls_active",
		Help: "Currently active call sessions",
	})

	CallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_calls_total",
		Help: "Total dial attempts by provider",
	}, []string{"provider"})

	DialFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_dial_failures_total",
		Help: "Dial attempts that never reached Initiating",
	}, []string{"provider", "reason"})

	StateTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_state_transitions_total",
		Help: "Call state machine transitions",
	}, []string{"to"})

	StatusSamples = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "provider_status_samples_total",
		Help: "Provider status observations consumed",
	}, []string{"provider"})

	LateSamplesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "provider_late_samples_dropped_total",
		Help: "Status samples ignored because the session already ended",
	})

	CallDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "engine_call_duration_seconds",
		Help:    "Duration from dial to Ended",
		Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 1800},
	})

	AudioFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stream_audio_frames_total",
		Help: "Audio frames forwarded to the transcription socket",
	})

	TranscriptFragments = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stream_transcript_fragments_total",
		Help: "Transcript fragments received from the transcription socket",
	})

	FragmentsDeduped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "transcript_fragments_deduped_total",
		Help: "Fragments dropped as empty or identical to the last dispatch",
	})

	SuggestionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "suggestion_request_duration_seconds",
		Help:    "AI suggestion request latency",
		Buckets: []float64{0.05, 0.1, 0.2, 0.5, 1.0, 2.0, 5.0},
	})

	PersistenceStepFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "postcall_step_failures_total",
		Help: "Post-call persistence failures by step",
	}, []string{"step"})

	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_errors_total",
		Help: "Error counts by subsystem",
	}, []string{"subsystem", "error_type"})
)
