// SPDX-FileCopyrightText: 2021 The bsonnet Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package transport contains the byte stream transports a connection is built upon, e.g., TCP or WebSockets.
//
// A Transport reports its progress asynchronously to a Handler. Its calls into the Handler are made from the
// Transport's own goroutines, one at a time, and are expected to be handed off to the receiver's execution context.
package transport

// Handler receives a Transport's events. OnConnected is called at most once and always before any OnData.
// OnDisconnected is called exactly once as the last event, with a nil error for a regular close.
type Handler interface {
	OnConnected()
	OnData(data []byte)
	OnDisconnected(err error)
}

// Transport is a bidirectional byte stream.
type Transport interface {
	// Start establishing the stream, if necessary, and reporting its events to the Handler. Start does not block.
	Start(h Handler)

	// Write queues data to be sent. Write does not block; data written after Disconnect is dropped.
	Write(data []byte)

	// Disconnect flushes queued data and closes the stream. Disconnect is idempotent.
	Disconnect()

	// RemoteAddress is the peer's address, as known.
	RemoteAddress() string
}

// Listener accepts inbound Transports.
type Listener interface {
	// Listen starts accepting. Each accepted Transport is passed to the accept function, not yet started.
	Listen(accept func(Transport)) error

	// Close stops accepting new Transports. Already accepted ones are not affected.
	Close() error

	// Address this Listener is bound to.
	Address() string
}
