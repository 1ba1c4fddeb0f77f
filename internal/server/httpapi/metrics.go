package httpapi

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	callbackEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vidstream_callback_events_total",
		Help: "Transcoder callback deliveries by event and outcome.",
	}, []string{"event", "outcome"})

	lifecycleTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vidstream_lifecycle_transitions_total",
		Help: "Video lifecycle transitions applied, by target status.",
	}, []string{"to"})

	uploadEventsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vidstream_upload_events_total",
		Help: "Storage upload-completion events by outcome.",
	}, []string{"outcome"})
)

const (
	outcomeApplied   = "applied"
	outcomeDuplicate = "duplicate"
	outcomeSkipped   = "skipped"
	outcomeRejected  = "rejected"
	outcomeError     = "error"
)
