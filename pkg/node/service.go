// SPDX-FileCopyrightText: 2021 The bsonnet Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package node

import (
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/dtn7/bsonnet/pkg/bson"
	"github.com/dtn7/bsonnet/pkg/message"
)

// ServiceHandler holds optional callbacks for a RemoteService's or ReliableService's events.
type ServiceHandler struct {
	ReceivedMessage func(name string, msg *message.Message)
	SentMessage     func(name string, msg *message.Message)
	Error           func(name string, err error)

	// SendTimeout is only used by a ReliableService, for a Message exceeding its resend limits.
	SendTimeout func(name string, msg *message.Message)
}

// serviceBase holds the common state of both service types.
type serviceBase struct {
	node *Node
	name string

	mutex        sync.Mutex
	handler      ServiceHandler
	lastReceived time.Time
	lastMessage  *message.Message
}

func (sb *serviceBase) log() *log.Entry {
	return log.WithFields(log.Fields{
		"node":    sb.node.Name(),
		"service": sb.name,
	})
}

// Name of the remote.
func (sb *serviceBase) Name() string {
	return sb.name
}

// Node this service is attached to.
func (sb *serviceBase) Node() *Node {
	return sb.node
}

// SetHandler replaces the ServiceHandler.
func (sb *serviceBase) SetHandler(h ServiceHandler) {
	sb.mutex.Lock()
	sb.handler = h
	sb.mutex.Unlock()
}

func (sb *serviceBase) getHandler() ServiceHandler {
	sb.mutex.Lock()
	defer sb.mutex.Unlock()

	return sb.handler
}

// LastReceived returns the time and the last Message received from the remote. The Message is nil if nothing was
// received yet.
func (sb *serviceBase) LastReceived() (time.Time, *message.Message) {
	sb.mutex.Lock()
	defer sb.mutex.Unlock()

	return sb.lastReceived, sb.lastMessage
}

// address the Message to the remote.
func (sb *serviceBase) address(msg *message.Message) {
	msg.SetSource(sb.node.Name())
	msg.SetDestination(sb.name)
}

func (sb *serviceBase) emitReceived(msg *message.Message) {
	sb.mutex.Lock()
	sb.lastReceived = time.Now()
	sb.lastMessage = msg
	h := sb.handler
	sb.mutex.Unlock()

	if h.ReceivedMessage != nil {
		h.ReceivedMessage(sb.name, msg)
	}
}

func (sb *serviceBase) emitSent(msg *message.Message) {
	if h := sb.getHandler(); h.SentMessage != nil {
		h.SentMessage(sb.name, msg)
	}
}

func (sb *serviceBase) emitError(err error) {
	sb.log().WithError(err).Warn("Service reports error")

	if h := sb.getHandler(); h.Error != nil {
		h.Error(sb.name, err)
	}
}

// RemoteService represents a named remote reachable through a Node. It sends addressed Messages and receives
// those whose source is its name.
type RemoteService struct {
	serviceBase
}

// NewRemoteService attaches a RemoteService for the remote's name to the Node. Only one service per name might be
// attached to a Node.
func NewRemoteService(node *Node, name string) (*RemoteService, error) {
	rs := &RemoteService{serviceBase{node: node, name: name}}
	if err := node.registerService(name, rs); err != nil {
		return nil, err
	}
	return rs, nil
}

// Close detaches this RemoteService from its Node.
func (rs *RemoteService) Close() {
	rs.node.unregisterService(rs.name, rs)
}

// SendMessage addresses the Message to the remote and sends it through the Node.
func (rs *RemoteService) SendMessage(msg *message.Message) error {
	rs.address(msg)

	if err := rs.node.SendMessage(msg); err != nil {
		return fmt.Errorf("service %s: %w", rs.name, err)
	}

	rs.emitSent(msg)
	return nil
}

// SendDocument sends the document as a Message.
func (rs *RemoteService) SendDocument(doc *bson.Document) error {
	return rs.SendMessage(message.New(doc))
}

// SendMap sends the map as a Message.
func (rs *RemoteService) SendMap(m map[string]interface{}) error {
	msg, err := message.FromMap(m)
	if err != nil {
		return err
	}
	return rs.SendMessage(msg)
}

func (rs *RemoteService) deliver(_ *Link, msg *message.Message) {
	rs.emitReceived(msg)
}

func (rs *RemoteService) linkDown(*Link) {}
