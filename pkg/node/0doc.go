// SPDX-FileCopyrightText: 2021 The bsonnet Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package node routes Messages between named endpoints.
//
// A Node owns named Links, each wrapping one connection.Connection, and optionally Servers creating Links for
// inbound Connections. Outbound Messages are routed to the Link named by their destination, or else to the default
// Link. Inbound Messages of all Links are reported by one Handler.
//
// On top of a Node, a RemoteService represents one named remote and a ReliableService adds acknowledged, ordered
// delivery by a message.Queue.
package node

import (
	"errors"
	"time"

	"github.com/dtn7/bsonnet/pkg/connection"
	"github.com/dtn7/bsonnet/pkg/message"
)

var (
	// ErrRoutingFailure is returned if neither a Link for a Message's destination nor a default Link exists.
	ErrRoutingFailure = errors.New("no route to destination")

	// ErrSendTimeout is reported by a ReliableService if a Message exceeded its resend limits.
	ErrSendTimeout = errors.New("send timeout")
)

// Options configure a Node.
type Options struct {
	// Connection configures all Connections created by the Node.
	Connection connection.Options

	// RetryInterval between two reconnection attempts of a permanent Link.
	RetryInterval time.Duration
}

// DefaultOptions for a Node.
func DefaultOptions() Options {
	return Options{
		Connection:    connection.DefaultOptions(),
		RetryInterval: 10 * time.Second,
	}
}

// Handler holds optional callbacks for a Node's events. Unset fields are skipped.
//
// ReceivedMessage, LinkConnected and LinkDisconnected are called from the executor of the Link's Connection or
// Server. SentMessage is called from the sending goroutine.
type Handler struct {
	LinkConnected    func(node *Node, link *Link)
	LinkDisconnected func(node *Node, link *Link)
	ReceivedMessage  func(node *Node, link *Link, msg *message.Message)
	SentMessage      func(node *Node, link *Link, msg *message.Message)
	Error            func(node *Node, err error)
}
