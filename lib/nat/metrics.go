// Copyright (C) 2024 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package nat

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricDiscoveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "portmap",
		Subsystem: "nat",
		Name:      "discoveries_total",
		Help:      "Total number of discovery runs, per mode and outcome",
	}, []string{"mode", "result"})
	metricDevicesFound = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "portmap",
		Subsystem: "nat",
		Name:      "devices_found_total",
		Help:      "Total number of devices returned by searches, per protocol",
	}, []string{"mapper"})
	metricSearchErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "portmap",
		Subsystem: "nat",
		Name:      "search_errors_total",
		Help:      "Total number of searches that failed, per protocol",
	}, []string{"mapper"})
	metricCachedDevices = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "portmap",
		Subsystem: "nat",
		Name:      "cached_devices",
		Help:      "Number of devices in the discovery cache",
	})
	metricRenewals = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "portmap",
		Subsystem: "nat",
		Name:      "renewals_total",
		Help:      "Total number of device renewals, per outcome",
	}, []string{"result"})
)

const (
	metricResultFound    = "found"
	metricResultNotFound = "not_found"
	metricResultSuccess  = "success"
	metricResultFailure  = "failure"
	metricResultPanic    = "panic"
)

func init() {
	for _, mn := range mapperNames {
		metricDevicesFound.WithLabelValues(mn.name)
		metricSearchErrors.WithLabelValues(mn.name)
	}
	for _, res := range []string{metricResultSuccess, metricResultFailure, metricResultPanic} {
		metricRenewals.WithLabelValues(res)
	}
}
