/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package checkexecutor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	cyclesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hwtester_cycles_total",
			Help: "Number of test cycles started",
		},
		[]string{"mode"},
	)

	testsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hwtester_tests_total",
			Help: "Number of pull request tests by outcome",
		},
		[]string{"outcome"},
	)

	forgeErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hwtester_forge_errors_total",
			Help: "Number of cycles cut short by forge failures",
		},
		[]string{"kind"},
	)

	truncationsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "hwtester_report_truncations_total",
			Help: "Number of reports that had output erased to fit the comment limit",
		},
	)
)
