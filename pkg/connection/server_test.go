// SPDX-FileCopyrightText: 2021 The bsonnet Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package connection

import (
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dtn7/bsonnet/pkg/bson"
	"github.com/dtn7/bsonnet/pkg/frame"
	"github.com/dtn7/bsonnet/pkg/transport"
)

// recordingDelegate implements ServerDelegate, ConnectionFilter and Delegate.
type recordingDelegate struct {
	reject atomic.Bool

	errs       chan error
	connected  chan *Connection
	failed     chan error
	states     chan State
	connErrs   chan error
	frames     chan frame.Frame
	shouldAsks chan *Connection
}

func newRecordingDelegate() *recordingDelegate {
	return &recordingDelegate{
		errs:       make(chan error, 64),
		connected:  make(chan *Connection, 64),
		failed:     make(chan error, 64),
		states:     make(chan State, 64),
		connErrs:   make(chan error, 64),
		frames:     make(chan frame.Frame, 64),
		shouldAsks: make(chan *Connection, 64),
	}
}

func (rd *recordingDelegate) ServerError(_ *Server, err error) { rd.errs <- err }

func (rd *recordingDelegate) ServerDidConnect(_ *Server, conn *Connection) { rd.connected <- conn }

func (rd *recordingDelegate) ServerFailedToConnect(_ *Server, _ *Connection, err error) { rd.failed <- err }

func (rd *recordingDelegate) ServerShouldConnect(_ *Server, conn *Connection) bool {
	rd.shouldAsks <- conn
	return !rd.reject.Load()
}

func (rd *recordingDelegate) ConnectionStateChanged(_ *Connection, state State) { rd.states <- state }

func (rd *recordingDelegate) ConnectionError(_ *Connection, err error) { rd.connErrs <- err }

func (rd *recordingDelegate) ConnectionReceived(_ *Connection, f frame.Frame) { rd.frames <- f }

func (rd *recordingDelegate) expectDidConnect(t *testing.T) *Connection {
	t.Helper()

	select {
	case conn := <-rd.connected:
		return conn
	case <-time.After(eventTimeout):
		t.Fatal("Waiting for ServerDidConnect timed out")
		return nil
	}
}

func (rd *recordingDelegate) expectStates(t *testing.T, states ...State) {
	t.Helper()

	for _, expected := range states {
		select {
		case state := <-rd.states:
			if state != expected {
				t.Fatalf("Expected state %v, got %v", expected, state)
			}
		case <-time.After(eventTimeout):
			t.Fatalf("Waiting for state %v timed out", expected)
		}
	}
}

func (rd *recordingDelegate) expectFrame(t *testing.T) frame.Frame {
	t.Helper()

	select {
	case f := <-rd.frames:
		return f
	case <-time.After(eventTimeout):
		t.Fatal("Waiting for a frame timed out")
		return frame.Frame{}
	}
}

func TestServerConnectToAddresses(t *testing.T) {
	const clients = 5

	listenAddress := fmt.Sprintf("127.0.0.1:%d", randomTcpPort(t))

	listenDelegate := newRecordingDelegate()
	listenServer := NewServer(transport.ListenTCP(listenAddress), DefaultOptions())
	listenServer.SetDelegate(listenDelegate)
	if err := listenServer.StartListening(); err != nil {
		t.Fatal(err)
	}
	defer func() { _ = listenServer.StopListening() }()

	if !listenServer.IsListening() {
		t.Fatal("Server is not listening")
	}
	if err := listenServer.StartListening(); err == nil {
		t.Fatal("Starting to listen twice did not error")
	}

	dialDelegate := newRecordingDelegate()
	dialServer := NewServer(nil, DefaultOptions())
	dialServer.SetDelegate(dialDelegate)

	addresses := make([]string, clients)
	for i := range addresses {
		addresses[i] = listenAddress
	}
	dialServer.ConnectToAddresses(addresses)

	for i := 0; i < clients; i++ {
		dialDelegate.expectDidConnect(t)
		listenDelegate.expectDidConnect(t)
	}

	deadline := time.Now().Add(eventTimeout)
	for len(listenServer.Connections()) != clients || len(dialServer.Connections()) != clients {
		if time.Now().After(deadline) {
			t.Fatalf("Servers list %d and %d connections",
				len(listenServer.Connections()), len(dialServer.Connections()))
		}
		time.Sleep(10 * time.Millisecond)
	}

	for _, conn := range dialServer.Connections() {
		if _, err := conn.SendDocument(bson.NewDocument()); err != nil {
			t.Fatal(err)
		}
	}
	for i := 0; i < clients; i++ {
		listenDelegate.expectFrame(t)
	}

	listenServer.DisconnectAllConnections()

	deadline = time.Now().Add(eventTimeout)
	for len(listenServer.Connections()) != 0 || len(dialServer.Connections()) != 0 {
		if time.Now().After(deadline) {
			t.Fatal("Connections were not closed")
		}
		time.Sleep(10 * time.Millisecond)
	}

	select {
	case err := <-dialDelegate.errs:
		t.Fatalf("Regular close reported %v", err)
	default:
	}

	if err := listenServer.StopListening(); err != nil {
		t.Fatal(err)
	}
	if listenServer.IsListening() {
		t.Fatal("Server is still listening")
	}
}

func TestServerReject(t *testing.T) {
	listenAddress := fmt.Sprintf("127.0.0.1:%d", randomTcpPort(t))

	listenDelegate := newRecordingDelegate()
	listenDelegate.reject.Store(true)

	listenServer := NewServer(transport.ListenTCP(listenAddress), DefaultOptions())
	listenServer.SetDelegate(listenDelegate)
	if err := listenServer.StartListening(); err != nil {
		t.Fatal(err)
	}
	defer func() { _ = listenServer.StopListening() }()

	client := New(listenAddress, DefaultOptions())
	ev := newEvents()
	client.SetHandler(ev.handler())
	client.Connect()

	select {
	case <-listenDelegate.shouldAsks:
	case <-time.After(eventTimeout):
		t.Fatal("ServerShouldConnect was not asked")
	}

	ev.expectStates(t, Connecting, Connected, Disconnected)

	select {
	case conn := <-listenDelegate.connected:
		t.Fatalf("Rejected connection %v was reported as connected", conn)
	case <-time.After(100 * time.Millisecond):
	}

	if conns := listenServer.Connections(); len(conns) != 0 {
		t.Fatalf("Server lists rejected connections %v", conns)
	}
}

func TestServerFailedToConnect(t *testing.T) {
	delegate := newRecordingDelegate()
	server := NewServer(nil, DefaultOptions())
	server.SetDelegate(delegate)

	server.ConnectToAddress("localhost:0")
	server.ConnectToAddress(fmt.Sprintf("127.0.0.1:%d", randomTcpPort(t)))

	for _, target := range []error{ErrAddressParse, ErrConnectFailure} {
		select {
		case err := <-delegate.failed:
			if !errors.Is(err, target) {
				t.Fatalf("Expected %v, got %v", target, err)
			}
		case <-time.After(eventTimeout):
			t.Fatalf("Waiting for %v timed out", target)
		}
	}

	if err := server.StartListening(); err == nil {
		t.Fatal("Server without listener started listening")
	}
}
