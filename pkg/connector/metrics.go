// linepuppet - A Matrix-LINE puppeting bridge.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package connector

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the engine's Prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	delivered     prometheus.Counter
	bestEffort    prometheus.Counter
	abandoned     prometheus.Counter
	superseded    prometheus.Counter
	parseFailures *prometheus.CounterVec
	ownSends      *prometheus.CounterVec
	receipts      *prometheus.CounterVec
	pendingGroups prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		delivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "linepuppet",
			Name:      "messages_delivered_total",
			Help:      "Messages flushed to the backend in order.",
		}),
		bestEffort: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "linepuppet",
			Name:      "messages_best_effort_total",
			Help:      "Messages delivered from a partial record after every parse attempt failed.",
		}),
		abandoned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "linepuppet",
			Name:      "messages_abandoned_total",
			Help:      "Message IDs dropped without delivery.",
		}),
		superseded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "linepuppet",
			Name:      "parses_superseded_total",
			Help:      "Parse results discarded because their ID was already delivered.",
		}),
		parseFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "linepuppet",
			Name:      "parse_failures_total",
			Help:      "Parse attempts that were rejected, by reason.",
		}, []string{"reason"}),
		ownSends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "linepuppet",
			Name:      "own_sends_total",
			Help:      "Own sends settled, by outcome.",
		}, []string{"outcome"}),
		receipts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "linepuppet",
			Name:      "receipts_reported_total",
			Help:      "Read receipts reported to the backend, by chat kind.",
		}, []string{"chat_type"}),
		pendingGroups: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "linepuppet",
			Name:      "pending_groups",
			Help:      "Message IDs waiting in the pending index of the active session.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.delivered, m.bestEffort, m.abandoned, m.superseded,
			m.parseFailures, m.ownSends, m.receipts, m.pendingGroups)
	}
	return m
}

func (m *Metrics) messageDelivered(bestEffort bool) {
	if m == nil {
		return
	}
	m.delivered.Inc()
	if bestEffort {
		m.bestEffort.Inc()
	}
}

func (m *Metrics) messageAbandoned() {
	if m == nil {
		return
	}
	m.abandoned.Inc()
}

func (m *Metrics) parseSuperseded() {
	if m == nil {
		return
	}
	m.superseded.Inc()
}

func (m *Metrics) parseFailed(reason string) {
	if m == nil {
		return
	}
	m.parseFailures.WithLabelValues(reason).Inc()
}

func (m *Metrics) ownSendSettled(outcome string) {
	if m == nil {
		return
	}
	m.ownSends.WithLabelValues(outcome).Inc()
}

func (m *Metrics) receiptsReported(chatType ChatType, n int) {
	if m == nil || n == 0 {
		return
	}
	m.receipts.WithLabelValues(chatType.String()).Add(float64(n))
}

func (m *Metrics) setPending(n int) {
	if m == nil {
		return
	}
	m.pendingGroups.Set(float64(n))
}
