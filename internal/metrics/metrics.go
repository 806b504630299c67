// Package metrics holds the process-wide Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var PunishmentsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "modguard_punishments_total",
	Help: "Punishments processed by the engine, by kind and result",
}, []string{"kind", "result"})

var DetectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "modguard_detections_total",
	Help: "Automod detector triggers",
}, []string{"detector"})

var TimeoutsScheduled = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "modguard_timeouts_scheduled_total",
	Help: "Temporary punishment reversals persisted",
}, []string{"task"})

var TimeoutsFired = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "modguard_timeouts_fired_total",
	Help: "Timeout callbacks by outcome (reversed, failed, skipped, retried)",
}, []string{"task", "outcome"})

var TimeoutsArmed = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "modguard_timeouts_armed",
	Help: "Timeouts currently armed in this process",
})

func Handler() http.Handler {
	return promhttp.Handler()
}
