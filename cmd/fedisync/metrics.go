package main

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var reportsReceived = promauto.NewCounter(prometheus.CounterOpts{
	Name: "fedisync_reports_received",
	Help: "Number of webhook report deliveries received",
})

var reportsIngested = promauto.NewCounter(prometheus.CounterOpts{
	Name: "fedisync_reports_ingested",
	Help: "Number of reports ingested into new cases",
})

var reportsDuplicate = promauto.NewCounter(prometheus.CounterOpts{
	Name: "fedisync_reports_duplicate",
	Help: "Number of duplicate report deliveries",
})

var reportsFailed = promauto.NewCounter(prometheus.CounterOpts{
	Name: "fedisync_reports_failed",
	Help: "Number of report deliveries that failed ingestion",
})

var caseClosesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "fedisync_case_closes_processed",
	Help: "Number of case-close events processed, by moderation outcome",
}, []string{"status"})

func (s *Server) RunMetrics(listen string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return http.ListenAndServe(listen, mux)
}
