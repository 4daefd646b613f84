// SPDX-FileCopyrightText: 2021 The bsonnet Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package node

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"

	"github.com/dtn7/bsonnet/pkg/bson"
	"github.com/dtn7/bsonnet/pkg/connection"
	"github.com/dtn7/bsonnet/pkg/frame"
	"github.com/dtn7/bsonnet/pkg/message"
	"github.com/dtn7/bsonnet/pkg/transport"
)

// service receives the Messages of one remote from a Node.
type service interface {
	deliver(link *Link, msg *message.Message)
	linkDown(link *Link)
}

// Node routes Messages over its named Links.
type Node struct {
	name string
	opts Options

	mutex       sync.RWMutex
	handler     Handler
	links       map[string]*Link
	byConn      map[*connection.Connection]*Link
	defaultLink *Link
	servers     []*connection.Server
	services    map[string]service
	closed      bool

	retry *retryLoop
}

// New creates a Node with a name, which is used as the source of its Messages.
func New(name string, opts Options) *Node {
	node := &Node{
		name: name,
		opts: opts,

		links:    make(map[string]*Link),
		byConn:   make(map[*connection.Connection]*Link),
		services: make(map[string]service),
	}
	node.retry = newRetryLoop(node, opts.RetryInterval)

	return node
}

func (node *Node) String() string {
	return fmt.Sprintf("node(%s)", node.name)
}

func (node *Node) log() *log.Entry {
	return log.WithField("node", node.name)
}

// Name of this Node.
func (node *Node) Name() string {
	return node.name
}

// SetHandler replaces the Handler.
func (node *Node) SetHandler(h Handler) {
	node.mutex.Lock()
	node.handler = h
	node.mutex.Unlock()
}

func (node *Node) getHandler() Handler {
	node.mutex.RLock()
	defer node.mutex.RUnlock()

	return node.handler
}

// Connect dials a Connection to the address for the Link of this name. An existing Link keeps its name and gets
// the new Connection; its previous Connection is disconnected.
func (node *Node) Connect(linkName, address string) (*Link, error) {
	return node.connect(linkName, address, false)
}

// ConnectPermanent works like Connect, but the Link will be reconnected every RetryInterval while it is
// disconnected, until it is removed.
func (node *Node) ConnectPermanent(linkName, address string) (*Link, error) {
	return node.connect(linkName, address, true)
}

func (node *Node) connect(linkName, address string, permanent bool) (*Link, error) {
	if _, _, err := connection.SplitAddress(address); err != nil && !isURL(address) {
		return nil, err
	}

	conn := connection.New(address, node.opts.Connection)
	link, err := node.attach(linkName, conn, false)
	if err != nil {
		return nil, err
	}

	link.mutex.Lock()
	link.permanent = permanent
	link.mutex.Unlock()

	if permanent {
		node.retry.start()
	}

	if !conn.Connect() {
		return link, fmt.Errorf("%w: cannot connect %v to %s", connection.ErrAddressParse, link, address)
	}
	return link, nil
}

// AddLink adds or updates the Link of this name with a Connection. The Connection might already be connected.
func (node *Node) AddLink(linkName string, conn *connection.Connection) (*Link, error) {
	link, err := node.attach(linkName, conn, false)
	if err != nil {
		return nil, err
	}

	if conn.IsConnected() {
		node.emitLink(link, true)
	}
	return link, nil
}

// attach sets the Connection of a new or existing Link.
func (node *Node) attach(linkName string, conn *connection.Connection, accepted bool) (*Link, error) {
	if linkName == "" {
		return nil, fmt.Errorf("empty link name")
	}

	node.mutex.Lock()
	if node.closed {
		node.mutex.Unlock()
		return nil, fmt.Errorf("%v is closed", node)
	}

	link, exists := node.links[linkName]
	if !exists {
		link = newLink(node, linkName)
		node.links[linkName] = link
	}

	link.mutex.Lock()
	link.accepted = accepted
	link.renamable = accepted
	link.mutex.Unlock()

	prev := link.setConnection(conn)
	node.byConn[conn] = link
	node.mutex.Unlock()

	// Inbound Connections keep their Server as Delegate, which forwards all events.
	if !accepted {
		conn.SetDelegate(node)
	}

	if prev != nil && prev != conn {
		node.log().WithField("link", linkName).Debug("Node replaces a link's connection")
		prev.Disconnect()
	}

	node.log().WithFields(log.Fields{
		"link":    linkName,
		"address": conn.Address(),
	}).Debug("Node attached connection to link")

	return link, nil
}

// LinkForName returns the Link of this name or nil.
func (node *Node) LinkForName(linkName string) *Link {
	node.mutex.RLock()
	defer node.mutex.RUnlock()

	return node.links[linkName]
}

// Links of this Node, sorted by name.
func (node *Node) Links() []*Link {
	node.mutex.RLock()
	links := make([]*Link, 0, len(node.links))
	for _, link := range node.links {
		links = append(links, link)
	}
	node.mutex.RUnlock()

	sort.Slice(links, func(i, j int) bool { return links[i].Name() < links[j].Name() })
	return links
}

// SetDefaultLink selects the Link for Messages without a known destination. An empty name unsets the default Link.
func (node *Node) SetDefaultLink(linkName string) error {
	node.mutex.Lock()
	defer node.mutex.Unlock()

	if linkName == "" {
		node.defaultLink = nil
		return nil
	}

	link, ok := node.links[linkName]
	if !ok {
		return fmt.Errorf("%w: unknown link %q", ErrRoutingFailure, linkName)
	}
	node.defaultLink = link
	return nil
}

// DefaultLink is the Link for Messages without a known destination, or nil.
func (node *Node) DefaultLink() *Link {
	node.mutex.RLock()
	defer node.mutex.RUnlock()

	return node.defaultLink
}

// RemoveLink removes the Link of this name and disconnects it.
func (node *Node) RemoveLink(linkName string) bool {
	node.mutex.Lock()
	link, ok := node.links[linkName]
	if ok {
		delete(node.links, linkName)
		if node.defaultLink == link {
			node.defaultLink = nil
		}
	}
	node.mutex.Unlock()

	if ok {
		link.Disconnect()
	}
	return ok
}

// route selects the Link for a destination.
func (node *Node) route(destination string) (*Link, error) {
	node.mutex.RLock()
	defer node.mutex.RUnlock()

	if link, ok := node.links[destination]; ok {
		return link, nil
	}
	if node.defaultLink != nil {
		return node.defaultLink, nil
	}
	return nil, fmt.Errorf("%w: no link for destination %q and no default link", ErrRoutingFailure, destination)
}

// SendMessage routes the Message to the Link named by its destination, else to the default Link. An
// ErrRoutingFailure is returned if neither exists; nothing is written then. A missing source is set to this
// Node's name.
func (node *Node) SendMessage(msg *message.Message) error {
	link, err := node.route(msg.Destination())
	if err != nil {
		return err
	}
	return link.SendMessage(msg)
}

// SendDocument sends a document as a Message to the destination.
func (node *Node) SendDocument(destination string, doc *bson.Document) error {
	msg := message.New(doc)
	msg.SetDestination(destination)
	return node.SendMessage(msg)
}

// DisconnectLinks disconnects all Links and clears the Link table. Servers keep on accepting new Links.
func (node *Node) DisconnectLinks() {
	node.mutex.Lock()
	links := make([]*Link, 0, len(node.links))
	for _, link := range node.links {
		links = append(links, link)
	}
	node.links = make(map[string]*Link)
	node.defaultLink = nil
	node.mutex.Unlock()

	for _, link := range links {
		link.Disconnect()
	}

	node.log().WithField("links", len(links)).Info("Node disconnected all links")
}

// Listen attaches a Server on the listener. Inbound Connections become Links, named after their remote address.
func (node *Node) Listen(listener transport.Listener) error {
	server := connection.NewServer(listener, node.opts.Connection)
	server.SetDelegate(node)

	if err := server.StartListening(); err != nil {
		return err
	}

	node.mutex.Lock()
	node.servers = append(node.servers, server)
	node.mutex.Unlock()

	node.log().WithField("listener", listener.Address()).Info("Node is listening")
	return nil
}

// Servers attached by Listen.
func (node *Node) Servers() []*connection.Server {
	node.mutex.RLock()
	defer node.mutex.RUnlock()

	servers := make([]*connection.Server, len(node.servers))
	copy(servers, node.servers)
	return servers
}

// Close stops reconnecting, stops all Servers and disconnects all Links.
func (node *Node) Close() error {
	node.mutex.Lock()
	if node.closed {
		node.mutex.Unlock()
		return nil
	}
	node.closed = true
	servers := node.servers
	node.servers = nil
	node.mutex.Unlock()

	node.retry.stop()

	var err error
	for _, server := range servers {
		if stopErr := server.StopListening(); stopErr != nil {
			err = multierror.Append(err, stopErr)
		}
		server.DisconnectAllConnections()
	}

	node.DisconnectLinks()

	node.log().Info("Node closed")
	return err
}

func (node *Node) registerService(name string, svc service) error {
	node.mutex.Lock()
	defer node.mutex.Unlock()

	if _, exists := node.services[name]; exists {
		return fmt.Errorf("%v has already a service for %q", node, name)
	}
	node.services[name] = svc
	return nil
}

func (node *Node) unregisterService(name string, svc service) {
	node.mutex.Lock()
	defer node.mutex.Unlock()

	if node.services[name] == svc {
		delete(node.services, name)
	}
}

func (node *Node) linkForConn(conn *connection.Connection) *Link {
	node.mutex.RLock()
	defer node.mutex.RUnlock()

	return node.byConn[conn]
}

func (node *Node) emitLink(link *Link, connected bool) {
	h := node.getHandler()

	if connected {
		node.log().WithField("link", link.Name()).Info("Link connected")
		if h.LinkConnected != nil {
			h.LinkConnected(node, link)
		}
		return
	}

	node.log().WithField("link", link.Name()).Info("Link disconnected")
	if h.LinkDisconnected != nil {
		h.LinkDisconnected(node, link)
	}

	node.mutex.RLock()
	services := make([]service, 0, len(node.services))
	for _, svc := range node.services {
		services = append(services, svc)
	}
	node.mutex.RUnlock()

	for _, svc := range services {
		svc.linkDown(link)
	}
}

func (node *Node) emitSent(link *Link, msg *message.Message) {
	if h := node.getHandler(); h.SentMessage != nil {
		h.SentMessage(node, link, msg)
	}
}

func (node *Node) emitError(err error) {
	node.log().WithError(err).Warn("Node reports error")

	if h := node.getHandler(); h.Error != nil {
		h.Error(node, err)
	}
}

// ConnectionStateChanged implements connection.Delegate.
func (node *Node) ConnectionStateChanged(conn *connection.Connection, state connection.State) {
	link := node.linkForConn(conn)
	if link == nil {
		return
	}

	switch state {
	case connection.Connected:
		if link.Connection() == conn {
			node.emitLink(link, true)
		}

	case connection.Disconnected:
		node.mutex.Lock()
		current := link.Connection() == conn
		inTable := node.links[link.Name()] == link

		link.mutex.RLock()
		accepted := link.accepted
		link.mutex.RUnlock()

		// Inbound Connections cannot be re-established, thus their Links vanish. Dialed Connections stay known
		// for a later Connect while their Link exists.
		if current && accepted && inTable {
			delete(node.links, link.Name())
			if node.defaultLink == link {
				node.defaultLink = nil
			}
			inTable = false
		}
		if !current || !inTable {
			delete(node.byConn, conn)
		}
		node.mutex.Unlock()

		if current {
			node.emitLink(link, false)
		}
	}
}

// ConnectionError implements connection.Delegate.
func (node *Node) ConnectionError(conn *connection.Connection, err error) {
	if link := node.linkForConn(conn); link != nil {
		node.emitError(fmt.Errorf("%v: %w", link, err))
	}
}

// ConnectionReceived implements connection.Delegate.
func (node *Node) ConnectionReceived(conn *connection.Connection, f frame.Frame) {
	link := node.linkForConn(conn)
	if link == nil {
		return
	}

	msg := message.New(f.Document)
	if msg.IsAddressed() {
		node.renameAccepted(link, msg.Source())
	}

	node.log().WithFields(log.Fields{
		"link":    link.Name(),
		"message": msg,
	}).Debug("Node received message")

	if h := node.getHandler(); h.ReceivedMessage != nil {
		h.ReceivedMessage(node, link, msg)
	}

	if dst := msg.Destination(); dst != "" && dst != node.name {
		return
	}

	node.mutex.RLock()
	svc, ok := node.services[msg.Source()]
	node.mutex.RUnlock()

	if ok {
		svc.deliver(link, msg)
	}
}

// renameAccepted names an inbound Link after its peer's announced name, if this name is still free.
func (node *Node) renameAccepted(link *Link, name string) {
	node.mutex.Lock()
	defer node.mutex.Unlock()

	link.mutex.Lock()
	defer link.mutex.Unlock()

	if !link.renamable {
		return
	}
	link.renamable = false

	if _, exists := node.links[name]; exists || node.links[link.name] != link {
		return
	}

	node.log().WithFields(log.Fields{
		"link": link.name,
		"peer": name,
	}).Info("Node renames inbound link after its peer")

	delete(node.links, link.name)
	node.links[name] = link
	link.name = name
}

// ServerError implements connection.ServerDelegate.
func (node *Node) ServerError(_ *connection.Server, err error) {
	node.emitError(err)
}

// ServerDidConnect implements connection.ServerDelegate by creating a Link for the inbound Connection.
func (node *Node) ServerDidConnect(server *connection.Server, conn *connection.Connection) {
	if node.linkForConn(conn) != nil {
		// Outbound Connections are already known.
		return
	}

	if _, err := node.attach(conn.Address(), conn, true); err != nil {
		node.log().WithError(err).WithField("connection", conn).Warn("Node failed to attach inbound connection")
		conn.Disconnect()
		return
	}

	// The Server forwards the Connected state after ServerDidConnect.
}

// ServerFailedToConnect implements connection.ServerDelegate.
func (node *Node) ServerFailedToConnect(_ *connection.Server, conn *connection.Connection, err error) {
	node.emitError(fmt.Errorf("connecting %v: %w", conn, err))
}

func isURL(address string) bool {
	return strings.Contains(address, "://")
}
