// SPDX-FileCopyrightText: 2021 The bsonnet Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package connection

import "fmt"

// State of a Connection.
type State int32

const (
	// Disconnected is the initial and the final State.
	Disconnected State = iota

	// Connecting while the transport is being established.
	Connecting

	// Connected allows sending documents.
	Connected

	// Disconnecting after Disconnect was called until the transport is closed.
	Disconnecting

	// Error is a transient State after a failure, followed by Disconnected.
	Error
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Disconnecting:
		return "disconnecting"
	case Error:
		return "error"
	default:
		return fmt.Sprintf("unknown state %d", int32(s))
	}
}
