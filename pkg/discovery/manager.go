// SPDX-FileCopyrightText: 2021 The bsonnet Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package discovery

import (
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/schollz/peerdiscovery"

	"github.com/dtn7/bsonnet/pkg/connection"
	"github.com/dtn7/bsonnet/pkg/node"
)

// Manager publishes a Node's Announcements and connects the Node to the peers announcing themselves.
type Manager struct {
	node *node.Node

	stopChan4 chan struct{}
	stopChan6 chan struct{}
}

// NewManager for Announcements will be created and started.
func NewManager(n *node.Node, announcements []Announcement, announcementInterval time.Duration, ipv4, ipv6 bool) (*Manager, error) {
	var manager = &Manager{node: n}
	if ipv4 {
		manager.stopChan4 = make(chan struct{})
	}
	if ipv6 {
		manager.stopChan6 = make(chan struct{})
	}

	log.WithFields(log.Fields{
		"node":          n.Name(),
		"interval":      announcementInterval,
		"IPv4":          ipv4,
		"IPv6":          ipv6,
		"announcements": announcements,
	}).Info("Starting discovery Manager")

	msg, err := MarshalAnnouncements(announcements)
	if err != nil {
		return nil, err
	}

	sets := []struct {
		active           bool
		multicastAddress string
		stopChan         chan struct{}
		ipVersion        peerdiscovery.IPVersion
		notify           func(discovered peerdiscovery.Discovered)
	}{
		{ipv4, address4, manager.stopChan4, peerdiscovery.IPv4, manager.notify},
		{ipv6, address6, manager.stopChan6, peerdiscovery.IPv6, manager.notify6},
	}

	for _, set := range sets {
		if !set.active {
			continue
		}

		set := peerdiscovery.Settings{
			Limit:            -1,
			Port:             fmt.Sprintf("%d", port),
			MulticastAddress: set.multicastAddress,
			Payload:          msg,
			Delay:            announcementInterval,
			TimeLimit:        -1,
			StopChan:         set.stopChan,
			AllowSelf:        true,
			IPVersion:        set.ipVersion,
			Notify:           set.notify,
		}

		discoverErrChan := make(chan error)
		go func() {
			_, discoverErr := peerdiscovery.Discover(set)
			discoverErrChan <- discoverErr
		}()

		select {
		case discoverErr := <-discoverErrChan:
			if discoverErr != nil {
				return nil, discoverErr
			}

		case <-time.After(time.Second):
		}
	}

	return manager, nil
}

func (manager *Manager) String() string {
	return fmt.Sprintf("discovery(%s)", manager.node.Name())
}

func (manager *Manager) notify6(discovered peerdiscovery.Discovered) {
	discovered.Address = fmt.Sprintf("[%s]", discovered.Address)

	manager.notify(discovered)
}

func (manager *Manager) notify(discovered peerdiscovery.Discovered) {
	announcements, err := UnmarshalAnnouncements(discovered.Payload)
	if err != nil {
		log.WithError(err).WithFields(log.Fields{
			"discovery": manager,
			"peer":      discovered.Address,
		}).Warn("Peer discovery failed to parse incoming package")

		return
	}

	for _, announcement := range announcements {
		manager.handleDiscovery(announcement, discovered.Address)
	}
}

// handleDiscovery connects the Node to an announced peer, unless it is the Node itself or already connected.
func (manager *Manager) handleDiscovery(announcement Announcement, host string) {
	// IPv6 addresses are bracketed by notify6, but JoinHostPort brackets again.
	if len(host) > 2 && host[0] == '[' && host[len(host)-1] == ']' {
		host = host[1 : len(host)-1]
	}

	logger := log.WithFields(log.Fields{
		"discovery": manager,
		"peer":      host,
		"message":   announcement,
	})
	logger.Debug("Peer discovery received a message")

	if announcement.Node == manager.node.Name() {
		return
	}

	if link := manager.node.LinkForName(announcement.Node); link != nil && link.Connection() != nil &&
		link.Connection().State() != connection.Disconnected {
		logger.Debug("Peer discovery skips an already known peer")
		return
	}

	address := announcement.Address(host)
	if _, err := manager.node.Connect(announcement.Node, address); err != nil {
		logger.WithError(err).Warn("Peer discovery failed to connect to peer")
		return
	}

	logger.WithField("address", address).Info("Peer discovery connects to peer")
}

// Close this Manager.
func (manager *Manager) Close() {
	for _, c := range []chan struct{}{manager.stopChan4, manager.stopChan6} {
		if c != nil {
			c <- struct{}{}
		}
	}
}
