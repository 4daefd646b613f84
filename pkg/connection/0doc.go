// SPDX-FileCopyrightText: 2021 The bsonnet Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package connection exchanges BSON documents as length-prefixed frames over a transport.Transport.
//
// A Connection is driven by a state machine:
//
//	Disconnected --Connect--> Connecting --(transport up)--> Connected --Disconnect--> Disconnecting --> Disconnected
//
// A failing transport, a malformed frame or an idle timeout lead from any state to Error, which falls back to
// Disconnected right after its observers were notified. All events of a Connection are emitted in order from its
// own executor; methods might be called from any goroutine.
//
// A Server accepts inbound Connections from a transport.Listener and dials outbound ones.
package connection

import "errors"

// DefaultPort is used for addresses without a port.
const DefaultPort = 7447

var (
	// ErrAddressParse is returned for an address not in the "host:port" format.
	ErrAddressParse = errors.New("malformed address")

	// ErrConnectFailure is reported if a transport could not be established.
	ErrConnectFailure = errors.New("failed to connect")

	// ErrIdleTimeout is reported if no frame arrived within the configured timeout.
	ErrIdleTimeout = errors.New("idle timeout")

	// ErrSendOnClosedConnection is returned when sending on a Connection which is not Connected.
	ErrSendOnClosedConnection = errors.New("send on closed connection")
)
