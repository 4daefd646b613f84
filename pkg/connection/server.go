// SPDX-FileCopyrightText: 2021 The bsonnet Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package connection

import (
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/dtn7/bsonnet/internal/executor"
	"github.com/dtn7/bsonnet/pkg/frame"
	"github.com/dtn7/bsonnet/pkg/transport"
)

// ServerDelegate is informed about a Server's Connections.
//
// A ServerDelegate might additionally implement ConnectionFilter to veto inbound Connections and Delegate to
// receive all events of the Server's Connections.
type ServerDelegate interface {
	ServerError(server *Server, err error)
	ServerDidConnect(server *Server, conn *Connection)
	ServerFailedToConnect(server *Server, conn *Connection, err error)
}

// ConnectionFilter is an optional extension of a ServerDelegate.
type ConnectionFilter interface {
	// ServerShouldConnect is asked for each inbound Connection before it is started.
	ServerShouldConnect(server *Server, conn *Connection) bool
}

// serverEntry tracks a Connection owned by the Server.
type serverEntry struct {
	connected bool
	lastErr   error
}

// Server accepts Connections from a transport.Listener and dials outbound Connections. It acts as the Delegate of
// all its Connections; events are passed on to the ServerDelegate from the Server's executor.
type Server struct {
	listener transport.Listener
	opts     Options
	exec     *executor.Executor

	mutex       sync.Mutex
	delegate    ServerDelegate
	connections map[*Connection]*serverEntry
	order       []*Connection
	listening   bool
}

// NewServer creates a Server for a listener. Both inbound and outbound Connections use the Options.
func NewServer(listener transport.Listener, opts Options) *Server {
	return &Server{
		listener:    listener,
		opts:        opts,
		exec:        executor.New(),
		connections: make(map[*Connection]*serverEntry),
	}
}

func (s *Server) String() string {
	return fmt.Sprintf("server(%s)", s.ListenAddress())
}

func (s *Server) log() *log.Entry {
	return log.WithField("server", s.ListenAddress())
}

// SetDelegate sets the ServerDelegate, which might be nil.
func (s *Server) SetDelegate(d ServerDelegate) {
	s.mutex.Lock()
	s.delegate = d
	s.mutex.Unlock()
}

func (s *Server) getDelegate() ServerDelegate {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	return s.delegate
}

// StartListening starts the listener.
func (s *Server) StartListening() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.listening {
		return fmt.Errorf("server is already listening on %s", s.listener.Address())
	}
	if s.listener == nil {
		return fmt.Errorf("server has no listener")
	}

	if err := s.listener.Listen(s.accept); err != nil {
		return fmt.Errorf("starting listener %s: %w", s.listener.Address(), err)
	}
	s.listening = true

	log.WithField("server", s.listener.Address()).Info("Server started listening")
	return nil
}

// StopListening closes the listener. Established Connections remain.
func (s *Server) StopListening() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if !s.listening {
		return nil
	}
	s.listening = false

	log.WithField("server", s.listener.Address()).Info("Server stops listening")
	return s.listener.Close()
}

// IsListening checks if the listener was started.
func (s *Server) IsListening() bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	return s.listening
}

// ListenAddress of the listener.
func (s *Server) ListenAddress() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Address()
}

func (s *Server) accept(t transport.Transport) {
	s.exec.Post(func() {
		conn := Accept(t, s.opts)

		if filter, ok := s.getDelegate().(ConnectionFilter); ok && !filter.ServerShouldConnect(s, conn) {
			s.log().WithField("connection", conn).Info("Server's delegate rejected inbound connection")

			// Starting the Connection is necessary to close the Transport.
			conn.Connect()
			conn.Disconnect()
			return
		}

		s.log().WithField("connection", conn).Debug("Server accepted inbound connection")
		s.register(conn)
		conn.Connect()
	})
}

func (s *Server) register(conn *Connection) {
	s.mutex.Lock()
	s.connections[conn] = &serverEntry{}
	s.order = append(s.order, conn)
	s.mutex.Unlock()

	conn.SetDelegate(s)
}

func (s *Server) unregister(conn *Connection) (entry *serverEntry) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	entry, ok := s.connections[conn]
	if !ok {
		return nil
	}

	delete(s.connections, conn)
	for i, c := range s.order {
		if c == conn {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return entry
}

// ConnectToAddress dials an outbound Connection. The outcome is reported to the ServerDelegate.
func (s *Server) ConnectToAddress(address string) *Connection {
	conn := New(address, s.opts)
	s.register(conn)

	if !conn.Connect() {
		s.unregister(conn)

		err := fmt.Errorf("%w: %s", ErrAddressParse, address)
		s.exec.Post(func() {
			if d := s.getDelegate(); d != nil {
				d.ServerFailedToConnect(s, conn, err)
			}
		})
	}
	return conn
}

// ConnectToAddresses calls ConnectToAddress for all addresses.
func (s *Server) ConnectToAddresses(addresses []string) (conns []*Connection) {
	for _, address := range addresses {
		conns = append(conns, s.ConnectToAddress(address))
	}
	return
}

// Connections lists all Connected Connections.
func (s *Server) Connections() (conns []*Connection) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	for _, conn := range s.order {
		if conn.IsConnected() {
			conns = append(conns, conn)
		}
	}
	return
}

// DisconnectAllConnections disconnects every Connection of this Server, including those still connecting.
func (s *Server) DisconnectAllConnections() {
	s.mutex.Lock()
	conns := make([]*Connection, len(s.order))
	copy(conns, s.order)
	s.mutex.Unlock()

	for _, conn := range conns {
		conn.Disconnect()
	}
}

// ConnectionStateChanged implements Delegate.
func (s *Server) ConnectionStateChanged(conn *Connection, state State) {
	s.exec.Post(func() {
		d := s.getDelegate()

		switch state {
		case Connected:
			s.mutex.Lock()
			if entry, ok := s.connections[conn]; ok {
				entry.connected = true
			}
			s.mutex.Unlock()

			if d != nil {
				d.ServerDidConnect(s, conn)
			}

		case Disconnected:
			if entry := s.unregister(conn); entry != nil && !entry.connected && d != nil {
				err := entry.lastErr
				if err == nil {
					err = fmt.Errorf("%w: %s closed before being established", ErrConnectFailure, conn)
				}
				d.ServerFailedToConnect(s, conn, err)
			}
		}

		if cd, ok := d.(Delegate); ok {
			cd.ConnectionStateChanged(conn, state)
		}
	})
}

// ConnectionError implements Delegate.
func (s *Server) ConnectionError(conn *Connection, err error) {
	s.exec.Post(func() {
		d := s.getDelegate()

		s.mutex.Lock()
		entry, ok := s.connections[conn]
		connected := ok && entry.connected
		if ok {
			entry.lastErr = err
		}
		s.mutex.Unlock()

		// Errors before being connected are reported as ServerFailedToConnect on Disconnected.
		if connected && d != nil {
			d.ServerError(s, err)
		}

		if cd, ok := d.(Delegate); ok {
			cd.ConnectionError(conn, err)
		}
	})
}

// ConnectionReceived implements Delegate.
func (s *Server) ConnectionReceived(conn *Connection, f frame.Frame) {
	s.exec.Post(func() {
		if cd, ok := s.getDelegate().(Delegate); ok {
			cd.ConnectionReceived(conn, f)
		}
	})
}
