package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	SendsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outreach_sends_total",
			Help: "Send attempts by traffic class and outcome",
		},
		[]string{"class", "outcome"}, // cold|followup|friendly , sent|failed|bounce
	)

	SkipsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outreach_skips_total",
			Help: "Dispatch slots skipped by reason",
		},
		[]string{"reason"},
	)

	RunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outreach_runs_total",
			Help: "Dispatch runs by result",
		},
		[]string{"result"}, // ok|halted|config_fault|no_senders|outside_window|error
	)

	JobsEnqueuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outreach_jobs_enqueued_total",
			Help: "Jobs accepted into the queue by source and class",
		},
		[]string{"source", "class"}, // http|kafka
	)
)

func MustRegister(r prometheus.Registerer) {
	r.MustRegister(
		SendsTotal,
		SkipsTotal,
		RunsTotal,
		JobsEnqueuedTotal,
	)
}
