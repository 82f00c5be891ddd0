package main

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	framesReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chirp_hub_frames_received_total",
			Help: "Number of frames received, by verb",
		},
		[]string{"verb"},
	)
	framesDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chirp_hub_frames_dropped_total",
			Help: "Number of frames dropped without reply, by reason",
		},
		[]string{"reason"},
	)
	messagesStored = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chirp_hub_messages_stored_total",
			Help: "Number of messages persisted",
		},
	)
	fanoutFrames = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chirp_hub_fanout_frames_total",
			Help: "Number of frames written to transports by fan-out",
		},
	)
	liveSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "chirp_hub_live_sessions",
			Help: "Number of registered transports",
		},
	)
)

func init() {
	prometheus.MustRegister(framesReceived)
	prometheus.MustRegister(framesDropped)
	prometheus.MustRegister(messagesStored)
	prometheus.MustRegister(fanoutFrames)
	prometheus.MustRegister(liveSessions)
}
