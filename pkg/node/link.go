// SPDX-FileCopyrightText: 2021 The bsonnet Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package node

import (
	"fmt"
	"sync"

	"github.com/dtn7/bsonnet/pkg/connection"
	"github.com/dtn7/bsonnet/pkg/message"
)

// Link is a named route of a Node, backed by one Connection. The Connection might be replaced while the Link keeps
// its name.
type Link struct {
	node *Node

	mutex     sync.RWMutex
	name      string
	conn      *connection.Connection
	permanent bool

	// accepted Links were created for an inbound Connection. They are named after the remote address until the
	// peer announces its name as the source of its first addressed Message.
	accepted  bool
	renamable bool
}

func newLink(node *Node, name string) *Link {
	return &Link{
		node: node,
		name: name,
	}
}

func (link *Link) String() string {
	return fmt.Sprintf("link(%s)", link.Name())
}

// Name of this Link.
func (link *Link) Name() string {
	link.mutex.RLock()
	defer link.mutex.RUnlock()

	return link.name
}

// Connection currently backing this Link.
func (link *Link) Connection() *connection.Connection {
	link.mutex.RLock()
	defer link.mutex.RUnlock()

	return link.conn
}

// IsPermanent checks if this Link is reconnected by its Node.
func (link *Link) IsPermanent() bool {
	link.mutex.RLock()
	defer link.mutex.RUnlock()

	return link.permanent
}

// IsConnected checks if this Link's Connection is Connected.
func (link *Link) IsConnected() bool {
	conn := link.Connection()
	return conn != nil && conn.IsConnected()
}

// SendMessage writes the Message on this Link's Connection, without consulting the routing table. A missing
// source is set to the Node's name.
func (link *Link) SendMessage(msg *message.Message) error {
	conn := link.Connection()
	if conn == nil {
		return fmt.Errorf("%w: %v has no connection", connection.ErrSendOnClosedConnection, link)
	}

	if msg.Source() == "" {
		msg.SetSource(link.node.Name())
	}

	if _, err := conn.SendDocument(msg.Document()); err != nil {
		return fmt.Errorf("%v: %w", link, err)
	}

	link.node.emitSent(link, msg)
	return nil
}

// Disconnect this Link's Connection. The Link stays in its Node's table; a permanent Link will be reconnected.
func (link *Link) Disconnect() {
	if conn := link.Connection(); conn != nil {
		conn.Disconnect()
	}
}

// setConnection replaces the Connection and returns the previous one.
func (link *Link) setConnection(conn *connection.Connection) (prev *connection.Connection) {
	link.mutex.Lock()
	defer link.mutex.Unlock()

	prev = link.conn
	link.conn = conn
	return
}
