// SPDX-FileCopyrightText: 2021 The bsonnet Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package status exposes a Node over HTTP: its Links, a send endpoint for JSON documents, the statistics of
// ReliableServices and Prometheus metrics.
//
// All endpoints are registered on a gorilla/mux Router:
//
//	GET  /links    lists all Links as JSON
//	POST /send     sends a JSON document, see SendRequest
//	GET  /stats    lists the statistics of registered ReliableServices
//	GET  /metrics  Prometheus metrics
package status
