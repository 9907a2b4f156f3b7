// Package metrics holds the process-wide Prometheus collectors, exposed
// through the /metrics endpoint on the API server.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SessionsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "geoattend_sessions_started_total",
		Help: "Live attendance sessions opened.",
	})
	SessionsEnded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "geoattend_sessions_ended_total",
		Help: "Sessions reconciled and committed.",
	})
	GeoCheckins = promauto.NewCounter(prometheus.CounterOpts{
		Name: "geoattend_geo_checkins_total",
		Help: "Participants auto-marked present by the geofence.",
	})
	ManualMarks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "geoattend_manual_marks_total",
		Help: "Presenter manual status overrides.",
	})
	RecordsCommitted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "geoattend_records_committed_total",
		Help: "Attendance records inserted at session end.",
	})
	AuditEvents = promauto.NewCounter(prometheus.CounterOpts{
		Name: "geoattend_audit_events_total",
		Help: "Transition events written by the audit worker.",
	})
)
