// SPDX-FileCopyrightText: 2021 The bsonnet Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package transport

import "net"

// Pipe creates two connected in-memory Transports, e.g., for tests or for linking two Nodes in one process.
func Pipe() (Transport, Transport) {
	a, b := net.Pipe()
	return newStreamTransport("pipe", a, nil), newStreamTransport("pipe", b, nil)
}
