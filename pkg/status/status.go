// SPDX-FileCopyrightText: 2021 The bsonnet Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package status

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/dtn7/bsonnet/pkg/bson"
	"github.com/dtn7/bsonnet/pkg/message"
	"github.com/dtn7/bsonnet/pkg/node"
)

// Status serves a Node's state over HTTP.
type Status struct {
	node     *node.Node
	router   *mux.Router
	registry *prometheus.Registry
	metrics  *metrics

	mutex    sync.Mutex
	services map[string]*node.ReliableService
}

// NewStatus registers its endpoints on the router. Its metrics are kept in an own Prometheus registry.
func NewStatus(n *node.Node, router *mux.Router) (s *Status) {
	s = &Status{
		node:     n,
		router:   router,
		registry: prometheus.NewRegistry(),
		services: make(map[string]*node.ReliableService),
	}

	s.metrics = newMetrics(s.registry, n)
	s.registry.MustRegister(newServiceCollector(s))

	s.router.HandleFunc("/links", s.handleLinks).Methods(http.MethodGet)
	s.router.HandleFunc("/send", s.handleSend).Methods(http.MethodPost)
	s.router.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)
	s.router.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	return s
}

// ServeHTTP is a http.Handler to be bound to a HTTP endpoint, e.g., /status.
func (s *Status) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Registry holding this Status' metrics.
func (s *Status) Registry() *prometheus.Registry {
	return s.registry
}

// Handler wraps a node.Handler, counting the Node's events for the metrics. The result should be passed to the
// Node's SetHandler.
func (s *Status) Handler(next node.Handler) node.Handler {
	return node.Handler{
		LinkConnected: func(n *node.Node, link *node.Link) {
			s.metrics.linkEvents.WithLabelValues("connected").Inc()
			if next.LinkConnected != nil {
				next.LinkConnected(n, link)
			}
		},
		LinkDisconnected: func(n *node.Node, link *node.Link) {
			s.metrics.linkEvents.WithLabelValues("disconnected").Inc()
			if next.LinkDisconnected != nil {
				next.LinkDisconnected(n, link)
			}
		},
		ReceivedMessage: func(n *node.Node, link *node.Link, msg *message.Message) {
			s.metrics.messagesReceived.Inc()
			if next.ReceivedMessage != nil {
				next.ReceivedMessage(n, link, msg)
			}
		},
		SentMessage: func(n *node.Node, link *node.Link, msg *message.Message) {
			s.metrics.messagesSent.Inc()
			if next.SentMessage != nil {
				next.SentMessage(n, link, msg)
			}
		},
		Error: func(n *node.Node, err error) {
			s.metrics.errors.Inc()
			if next.Error != nil {
				next.Error(n, err)
			}
		},
	}
}

// AddService exports a ReliableService's statistics.
func (s *Status) AddService(rs *node.ReliableService) {
	s.mutex.Lock()
	s.services[rs.Name()] = rs
	s.mutex.Unlock()
}

// RemoveService stops exporting the ReliableService of this name.
func (s *Status) RemoveService(name string) {
	s.mutex.Lock()
	delete(s.services, name)
	s.mutex.Unlock()
}

func (s *Status) serviceStats() []ServiceStats {
	s.mutex.Lock()
	stats := make([]ServiceStats, 0, len(s.services))
	for name, rs := range s.services {
		send, recv := rs.Stats()
		stats = append(stats, ServiceStats{Name: name, Send: send, Recv: recv})
	}
	s.mutex.Unlock()

	sort.Slice(stats, func(i, j int) bool { return stats[i].Name < stats[j].Name })
	return stats
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithError(err).Warn("Failed to write status response")
	}
}

// handleLinks processes /links GET requests.
func (s *Status) handleLinks(w http.ResponseWriter, _ *http.Request) {
	defaultLink := s.node.DefaultLink()

	links := s.node.Links()
	infos := make([]LinkInfo, 0, len(links))
	for _, link := range links {
		info := LinkInfo{
			Name:      link.Name(),
			Permanent: link.IsPermanent(),
			Default:   link == defaultLink,
		}
		if conn := link.Connection(); conn != nil {
			info.Address = conn.Address()
			info.State = conn.StateString()
		}
		infos = append(infos, info)
	}

	writeJSON(w, infos)
}

// handleSend processes /send POST requests.
func (s *Status) handleSend(w http.ResponseWriter, r *http.Request) {
	var (
		sendRequest  SendRequest
		sendResponse SendResponse
	)

	if jsonErr := json.NewDecoder(r.Body).Decode(&sendRequest); jsonErr != nil {
		sendResponse.Error = jsonErr.Error()
	} else if doc, docErr := DocumentFromJSON(sendRequest.Document); docErr != nil {
		sendResponse.Error = docErr.Error()
	} else if sendErr := s.node.SendDocument(sendRequest.Destination, doc); sendErr != nil {
		sendResponse.Error = sendErr.Error()
	}

	log.WithFields(log.Fields{
		"destination": sendRequest.Destination,
		"response":    sendResponse,
	}).Info("Processing status send request")

	if sendResponse.Error != "" {
		w.WriteHeader(http.StatusBadRequest)
	}
	writeJSON(w, sendResponse)
}

// handleStats processes /stats GET requests.
func (s *Status) handleStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, s.serviceStats())
}

// DocumentFromJSON converts a JSON object into a document. Integral numbers become integers, other numbers doubles.
func DocumentFromJSON(data []byte) (*bson.Document, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, fmt.Errorf("missing document")
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var m map[string]interface{}
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("document is not a JSON object: %w", err)
	}
	return bson.FromMap(m)
}
