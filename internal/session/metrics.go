package session

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	sessionsOpened = promauto.NewCounter(prometheus.CounterOpts{
		Name: "classtrack_sessions_opened_total",
		Help: "Attendance sessions opened.",
	})
	sessionsClosed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "classtrack_sessions_closed_total",
		Help: "Attendance sessions closed, by reason.",
	}, []string{"reason"})
	admissions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "classtrack_checkins_total",
		Help: "Successful check-ins, by status and method.",
	}, []string{"status", "method"})
	rejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "classtrack_checkin_rejections_total",
		Help: "Rejected check-in attempts, by reason.",
	}, []string{"reason"})
)
