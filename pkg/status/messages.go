// SPDX-FileCopyrightText: 2021 The bsonnet Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package status

import (
	"encoding/json"

	"github.com/dtn7/bsonnet/pkg/message"
)

// LinkInfo describes a Link for GET /links.
type LinkInfo struct {
	Name      string `json:"name"`
	Address   string `json:"address"`
	State     string `json:"state"`
	Permanent bool   `json:"permanent"`
	Default   bool   `json:"default"`
}

// SendRequest describes a JSON to be POSTed to /send.
type SendRequest struct {
	Destination string          `json:"destination"`
	Document    json.RawMessage `json:"document"`
}

// SendResponse describes a JSON response for /send.
type SendResponse struct {
	Error string `json:"error,omitempty"`
}

// ServiceStats describes a ReliableService for GET /stats.
type ServiceStats struct {
	Name string        `json:"name"`
	Send message.Stats `json:"send"`
	Recv message.Stats `json:"recv"`
}
