// Copyright 2024 The imageauthz authors.
// SPDX-License-Identifier: Apache-2.0

package imageauthz

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	verdictCount = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "imageauthz",
			Name:      "verdicts_total",
			Help:      "Number of authorization verdicts, by verdict and reason.",
		}, []string{"verdict", "reason"})
	authcheckSummary = prometheus.NewSummary(prometheus.SummaryOpts{
		Namespace: "imageauthz",
		Name:      "authcheck_seconds",
		Help:      "Time taken by calls to the authentication service in seconds.",
	})
	authcheckErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "imageauthz",
		Name:      "authcheck_errors_total",
		Help:      "Total failed calls to the authentication service.",
	})
	sessionCacheHits = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "imageauthz",
		Name:      "session_cache_hits_total",
		Help:      "Number of authentication checks answered from the session cache.",
	})
)

func init() {
	prometheus.MustRegister(verdictCount)
	prometheus.MustRegister(authcheckSummary)
	prometheus.MustRegister(authcheckErrors)
	prometheus.MustRegister(sessionCacheHits)
}
