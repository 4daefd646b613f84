// SPDX-FileCopyrightText: 2021 The bsonnet Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package node

import (
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/dtn7/bsonnet/pkg/connection"
)

// retryLoop reconnects a Node's permanent Links while they are disconnected.
type retryLoop struct {
	node *Node

	// retryTime is the duration between two reconnection attempts.
	retryTime time.Duration

	mutex   sync.Mutex
	started bool
	stopped bool

	// stop{Syn,Ack} are used to supervise stopping this loop, see stop()
	stopSyn chan struct{}
	stopAck chan struct{}
}

func newRetryLoop(node *Node, retryTime time.Duration) *retryLoop {
	if retryTime <= 0 {
		retryTime = DefaultOptions().RetryInterval
	}

	return &retryLoop{
		node:      node,
		retryTime: retryTime,

		stopSyn: make(chan struct{}),
		stopAck: make(chan struct{}),
	}
}

// start the handler goroutine, if not already running.
func (rl *retryLoop) start() {
	rl.mutex.Lock()
	defer rl.mutex.Unlock()

	if rl.started || rl.stopped {
		return
	}
	rl.started = true

	go rl.handler()
}

// stop the handler goroutine and wait for it to finish.
func (rl *retryLoop) stop() {
	rl.mutex.Lock()
	if rl.stopped {
		rl.mutex.Unlock()
		return
	}
	rl.stopped = true
	started := rl.started
	rl.mutex.Unlock()

	if started {
		close(rl.stopSyn)
		<-rl.stopAck
	}
}

func (rl *retryLoop) handler() {
	defer close(rl.stopAck)

	activateTicker := time.NewTicker(rl.retryTime)
	defer activateTicker.Stop()

	for {
		select {
		case <-rl.stopSyn:
			log.WithField("node", rl.node.Name()).Debug("Node's retry loop received closing signal")
			return

		case <-activateTicker.C:
			rl.reconnect()
		}
	}
}

// reconnect all disconnected permanent Links.
func (rl *retryLoop) reconnect() {
	for _, link := range rl.node.Links() {
		if !link.IsPermanent() {
			continue
		}

		conn := link.Connection()
		if conn == nil || conn.State() != connection.Disconnected {
			continue
		}

		log.WithFields(log.Fields{
			"node":    rl.node.Name(),
			"link":    link.Name(),
			"address": conn.Address(),
		}).Info("Reconnecting permanent link")

		conn.Connect()
	}
}
