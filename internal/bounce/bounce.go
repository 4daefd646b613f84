// SPDX-FileCopyrightText: 2021 The bsonnet Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package bounce echoes received documents back to their sender, e.g., to test a peer's implementation.
package bounce

import (
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/dtn7/bsonnet/pkg/message"
	"github.com/dtn7/bsonnet/pkg/node"
)

// Echo writes the Message's document unchanged back on the Link it arrived on.
func Echo(link *node.Link, msg *message.Message) error {
	conn := link.Connection()
	if conn == nil {
		return fmt.Errorf("%v has no connection", link)
	}

	if _, err := conn.SendDocument(msg.Document()); err != nil {
		return fmt.Errorf("bouncing on %v: %w", link, err)
	}
	return nil
}

// Handler wraps a node.Handler to echo every received Message.
func Handler(next node.Handler) node.Handler {
	received := next.ReceivedMessage

	next.ReceivedMessage = func(n *node.Node, link *node.Link, msg *message.Message) {
		if err := Echo(link, msg); err != nil {
			log.WithError(err).WithField("node", n.Name()).Warn("Failed to bounce message")
		} else {
			log.WithFields(log.Fields{
				"node":    n.Name(),
				"link":    link.Name(),
				"message": msg,
			}).Info("Bounced message")
		}

		if received != nil {
			received(n, link, msg)
		}
	}
	return next
}
