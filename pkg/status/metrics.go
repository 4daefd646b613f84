// SPDX-FileCopyrightText: 2021 The bsonnet Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package status

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/dtn7/bsonnet/pkg/message"
	"github.com/dtn7/bsonnet/pkg/node"
)

// metrics holds the Prometheus metrics of one Node.
type metrics struct {
	messagesReceived prometheus.Counter
	messagesSent     prometheus.Counter
	linkEvents       *prometheus.CounterVec
	errors           prometheus.Counter
}

func newMetrics(registry prometheus.Registerer, n *node.Node) *metrics {
	factory := promauto.With(registry)
	labels := prometheus.Labels{"node": n.Name()}

	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace:   "bsonnet",
		Name:        "links",
		Help:        "Number of known links",
		ConstLabels: labels,
	}, func() float64 {
		return float64(len(n.Links()))
	})

	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace:   "bsonnet",
		Name:        "links_connected",
		Help:        "Number of connected links",
		ConstLabels: labels,
	}, func() float64 {
		connected := 0
		for _, link := range n.Links() {
			if link.IsConnected() {
				connected++
			}
		}
		return float64(connected)
	})

	return &metrics{
		messagesReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "bsonnet",
			Name:        "messages_received_total",
			Help:        "Total number of received messages",
			ConstLabels: labels,
		}),
		messagesSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "bsonnet",
			Name:        "messages_sent_total",
			Help:        "Total number of sent messages",
			ConstLabels: labels,
		}),
		linkEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "bsonnet",
			Name:        "link_events_total",
			Help:        "Total number of link state changes",
			ConstLabels: labels,
		}, []string{"event"}),
		errors: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "bsonnet",
			Name:        "errors_total",
			Help:        "Total number of reported errors",
			ConstLabels: labels,
		}),
	}
}

// serviceCollector exports the Stats of the registered ReliableServices.
type serviceCollector struct {
	status *Status

	desc *prometheus.Desc
}

func newServiceCollector(status *Status) *serviceCollector {
	return &serviceCollector{
		status: status,
		desc: prometheus.NewDesc(
			"bsonnet_service_messages",
			"Message counters of reliable services",
			[]string{"service", "direction", "counter"},
			prometheus.Labels{"node": status.node.Name()}),
	}
}

// Describe implements prometheus.Collector.
func (sc *serviceCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- sc.desc
}

// Collect implements prometheus.Collector.
func (sc *serviceCollector) Collect(ch chan<- prometheus.Metric) {
	for _, stats := range sc.status.serviceStats() {
		for direction, s := range map[string]message.Stats{"send": stats.Send, "recv": stats.Recv} {
			counters := map[string]uint64{
				"unique":    s.Unique,
				"absolute":  s.Absolute,
				"duplicate": s.Duplicate,
				"consumed":  s.Consumed,
				"ackonly":   s.AckOnly,
			}
			for counter, value := range counters {
				ch <- prometheus.MustNewConstMetric(sc.desc, prometheus.GaugeValue, float64(value),
					stats.Name, direction, counter)
			}
		}
	}
}
