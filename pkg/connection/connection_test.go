// SPDX-FileCopyrightText: 2021 The bsonnet Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package connection

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/dtn7/bsonnet/pkg/bson"
	"github.com/dtn7/bsonnet/pkg/frame"
	"github.com/dtn7/bsonnet/pkg/transport"
)

const eventTimeout = 5 * time.Second

// events records a Connection's events by its Handler.
type events struct {
	states chan State
	errs   chan error
	raws   chan []byte
	docs   chan *bson.Document
}

func newEvents() *events {
	return &events{
		states: make(chan State, 64),
		errs:   make(chan error, 64),
		raws:   make(chan []byte, 64),
		docs:   make(chan *bson.Document, 64),
	}
}

func (ev *events) handler() Handler {
	return Handler{
		StateChanged:     func(_ *Connection, state State) { ev.states <- state },
		Error:            func(_ *Connection, err error) { ev.errs <- err },
		ReceivedBSON:     func(_ *Connection, data []byte) { ev.raws <- data },
		ReceivedDocument: func(_ *Connection, doc *bson.Document) { ev.docs <- doc },
	}
}

func (ev *events) expectStates(t *testing.T, states ...State) {
	t.Helper()

	for _, expected := range states {
		select {
		case state := <-ev.states:
			if state != expected {
				t.Fatalf("Expected state %v, got %v", expected, state)
			}
		case <-time.After(eventTimeout):
			t.Fatalf("Waiting for state %v timed out", expected)
		}
	}
}

func (ev *events) expectError(t *testing.T, target error) {
	t.Helper()

	select {
	case err := <-ev.errs:
		if !errors.Is(err, target) {
			t.Fatalf("Expected error %v, got %v", target, err)
		}
	case <-time.After(eventTimeout):
		t.Fatalf("Waiting for error %v timed out", target)
	}
}

func (ev *events) expectDocument(t *testing.T) *bson.Document {
	t.Helper()

	select {
	case doc := <-ev.docs:
		return doc
	case <-time.After(eventTimeout):
		t.Fatal("Waiting for a document timed out")
		return nil
	}
}

func randomTcpPort(t *testing.T) (port int) {
	if addr, err := net.ResolveTCPAddr("tcp", "localhost:0"); err != nil {
		t.Fatal(err)
	} else if l, err := net.ListenTCP("tcp", addr); err != nil {
		t.Fatal(err)
	} else {
		port = l.Addr().(*net.TCPAddr).Port
		_ = l.Close()
	}
	return
}

// pipeConnection creates a Connection on one end of a pipe and returns the started other end's transport.
func pipeConnection(t *testing.T, opts Options) (*Connection, *events, transport.Transport, chan []byte) {
	a, b := transport.Pipe()

	conn := Accept(a, opts)
	ev := newEvents()
	conn.SetHandler(ev.handler())

	data := make(chan []byte, 64)
	b.Start(&rawHandler{data: data})

	if !conn.Connect() {
		t.Fatal("Connect returned false")
	}
	ev.expectStates(t, Connecting, Connected)

	return conn, ev, b, data
}

type rawHandler struct {
	data chan []byte
}

func (h *rawHandler) OnConnected() {}

func (h *rawHandler) OnData(data []byte) { h.data <- data }

func (h *rawHandler) OnDisconnected(error) {}

func TestSplitAddress(t *testing.T) {
	tests := []struct {
		address string
		host    string
		port    uint16
		valid   bool
	}{
		{"127.0.0.1:9001", "127.0.0.1", 9001, true},
		{"localhost", "localhost", DefaultPort, true},
		{"example.com:1", "example.com", 1, true},
		{"example.com:65535", "example.com", 65535, true},
		{"[::1]:8080", "::1", 8080, true},
		{"[::1]", "::1", DefaultPort, true},
		{"::1", "::1", DefaultPort, true},
		{"example.com:0", "", 0, false},
		{"example.com:65536", "", 0, false},
		{"example.com:port", "", 0, false},
		{"example.com:-1", "", 0, false},
		{":7447", "", 0, false},
		{"", "", 0, false},
	}

	for _, test := range tests {
		t.Run(test.address, func(t *testing.T) {
			host, port, err := SplitAddress(test.address)
			if !test.valid {
				if !errors.Is(err, ErrAddressParse) {
					t.Fatalf("Expected ErrAddressParse, got %v", err)
				}
				return
			}

			if err != nil {
				t.Fatal(err)
			}
			if host != test.host || port != test.port {
				t.Fatalf("Expected %s and %d, got %s and %d", test.host, test.port, host, port)
			}
		})
	}
}

func TestConnectMalformedAddress(t *testing.T) {
	for _, address := range []string{"example.com:0", "example.com:123456", "ws://"} {
		conn := New(address, DefaultOptions())
		if conn.Connect() {
			t.Fatalf("Connect succeeded for %s", address)
		}
		if state := conn.State(); state != Disconnected {
			t.Fatalf("State for %s is %v", address, state)
		}
	}
}

func TestConnectionExchange(t *testing.T) {
	address := fmt.Sprintf("127.0.0.1:%d", randomTcpPort(t))

	serverDelegate := newRecordingDelegate()
	server := NewServer(transport.ListenTCP(address), DefaultOptions())
	server.SetDelegate(serverDelegate)
	if err := server.StartListening(); err != nil {
		t.Fatal(err)
	}
	defer func() { _ = server.StopListening() }()

	client := New(address, DefaultOptions())
	clientEvents := newEvents()
	client.SetHandler(clientEvents.handler())

	if !client.Connect() {
		t.Fatal("Connect returned false")
	}
	if client.Connect() {
		t.Fatal("Second Connect returned true")
	}
	clientEvents.expectStates(t, Connecting, Connected)

	serverConn := serverDelegate.expectDidConnect(t)
	serverDelegate.expectStates(t, Connecting, Connected)
	if !serverConn.IsConnected() {
		t.Fatalf("Server's connection is %s", serverConn.StateString())
	}

	doc := bson.NewDocument(bson.Element{Key: "a", Value: bson.Int32(1)})
	expected, err := bson.Marshal(doc)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := client.SendDocument(doc); err != nil {
		t.Fatal(err)
	}

	f := serverDelegate.expectFrame(t)
	if !bytes.Equal(f.Raw, expected) {
		t.Fatalf("Received %x, expected %x", f.Raw, expected)
	}
	if reencoded, err := bson.Marshal(f.Document); err != nil {
		t.Fatal(err)
	} else if !bytes.Equal(reencoded, expected) {
		t.Fatalf("Re-encoded %x, expected %x", reencoded, expected)
	}

	// And back, as a map.
	if _, err := serverConn.SendMap(map[string]interface{}{"b": "hello"}); err != nil {
		t.Fatal(err)
	}
	if doc := clientEvents.expectDocument(t); doc.String() != `{"b": "hello"}` {
		t.Fatalf("Client received %v", doc)
	}
	if raw := <-clientEvents.raws; len(raw) == 0 {
		t.Fatal("ReceivedBSON got no data")
	}

	if conns := server.Connections(); len(conns) != 1 || conns[0] != serverConn {
		t.Fatalf("Server lists %v", conns)
	}

	client.Disconnect()
	client.Disconnect()
	clientEvents.expectStates(t, Disconnecting, Disconnected)
	serverDelegate.expectStates(t, Disconnected)

	if _, err := client.SendDocument(doc); !errors.Is(err, ErrSendOnClosedConnection) {
		t.Fatalf("Sending on a closed connection returned %v", err)
	}

	select {
	case state := <-clientEvents.states:
		t.Fatalf("Unexpected state change to %v", state)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestConnectionMessageID(t *testing.T) {
	conn, _, _, data := pipeConnection(t, DefaultOptions())
	defer conn.Disconnect()

	conn.msgID.Store(0xfffe)

	ids := make([]MessageID, 0, 3)
	for i := 0; i < 3; i++ {
		id, err := conn.SendBSON([]byte{0x05, 0x00, 0x00, 0x00, 0x00})
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, id)
	}

	if ids[0] != 0xffff || ids[1] != 0 || ids[2] != 1 {
		t.Fatalf("Message IDs do not wrap around: %v", ids)
	}

	var received []byte
	for len(received) < 27 {
		select {
		case d := <-data:
			received = append(received, d...)
		case <-time.After(eventTimeout):
			t.Fatalf("Received only %x", received)
		}
	}

	expected := bytes.Repeat([]byte{0x09, 0x00, 0x00, 0x00, 0x05, 0x00, 0x00, 0x00, 0x00}, 3)
	if !bytes.Equal(received, expected) {
		t.Fatalf("Received %x, expected %x", received, expected)
	}
}

func TestConnectionSendErrors(t *testing.T) {
	conn := New("localhost", DefaultOptions())

	if _, err := conn.SendBSON([]byte{0x05, 0x00, 0x00, 0x00, 0x00}); !errors.Is(err, ErrSendOnClosedConnection) {
		t.Fatalf("Sending on a disconnected connection returned %v", err)
	}
	if _, err := conn.SendBSON([]byte{0x06, 0x00, 0x00, 0x00, 0x00}); !errors.Is(err, bson.ErrMalformedDocument) {
		t.Fatalf("Sending malformed BSON returned %v", err)
	}
	if _, err := conn.SendMap(map[string]interface{}{"ch": make(chan int)}); !errors.Is(err, bson.ErrUnsupportedType) {
		t.Fatalf("Sending an unsupported type returned %v", err)
	}
}

func TestConnectionFragmentedFrames(t *testing.T) {
	conn, ev, remote, _ := pipeConnection(t, DefaultOptions())
	defer conn.Disconnect()

	var stream []byte
	for i := 0; i < 3; i++ {
		doc := bson.NewDocument(bson.Element{Key: "i", Value: bson.Int32(i)})
		var err error
		if stream, err = frame.Append(stream, doc); err != nil {
			t.Fatal(err)
		}
	}

	for i := 0; i < len(stream); i += 5 {
		end := i + 5
		if end > len(stream) {
			end = len(stream)
		}
		remote.Write(stream[i:end])
	}

	for i := 0; i < 3; i++ {
		doc := ev.expectDocument(t)
		if v, _ := doc.Get("i"); v != bson.Int32(i) {
			t.Fatalf("Document %d is %v", i, doc)
		}
	}
}

func TestConnectionMalformedFrame(t *testing.T) {
	conn, ev, remote, _ := pipeConnection(t, Options{MaxFrameSize: 1024})

	remote.Write([]byte{0x00, 0x10, 0x00, 0x00})

	ev.expectError(t, frame.ErrMalformedFrame)
	ev.expectStates(t, Error, Disconnected)

	if state := conn.State(); state != Disconnected {
		t.Fatalf("Connection is %v", state)
	}
}

func TestConnectionIdleTimeout(t *testing.T) {
	conn, ev, remote, _ := pipeConnection(t, Options{Timeout: 200 * time.Millisecond})

	empty := []byte{0x09, 0x00, 0x00, 0x00, 0x05, 0x00, 0x00, 0x00, 0x00}
	for i := 0; i < 3; i++ {
		time.Sleep(100 * time.Millisecond)
		remote.Write(empty)
		ev.expectDocument(t)
	}

	select {
	case err := <-ev.errs:
		t.Fatalf("Connection errored while receiving: %v", err)
	default:
	}

	ev.expectError(t, ErrIdleTimeout)
	ev.expectStates(t, Error, Disconnected)

	if conn.IsConnected() {
		t.Fatal("Connection is still connected")
	}
}

func TestConnectionConnectFailure(t *testing.T) {
	conn := New(fmt.Sprintf("127.0.0.1:%d", randomTcpPort(t)), DefaultOptions())
	ev := newEvents()
	conn.SetHandler(ev.handler())

	if !conn.Connect() {
		t.Fatal("Connect returned false")
	}

	ev.expectStates(t, Connecting)
	ev.expectError(t, ErrConnectFailure)
	ev.expectStates(t, Error, Disconnected)

	// The Connection might be reused.
	if !conn.Connect() {
		t.Fatal("Reconnecting returned false")
	}
	ev.expectStates(t, Connecting)
	ev.expectError(t, ErrConnectFailure)
	ev.expectStates(t, Error, Disconnected)
}

func TestConnectionRemoteClose(t *testing.T) {
	conn, ev, remote, _ := pipeConnection(t, DefaultOptions())

	remote.Disconnect()
	ev.expectStates(t, Disconnected)

	select {
	case err := <-ev.errs:
		t.Fatalf("Regular close reported %v", err)
	default:
	}

	if conn.State() != Disconnected {
		t.Fatalf("Connection is %v", conn.State())
	}
}

func TestStateString(t *testing.T) {
	states := map[State]string{
		Disconnected:  "disconnected",
		Connecting:    "connecting",
		Connected:     "connected",
		Disconnecting: "disconnecting",
		Error:         "error",
	}

	for state, str := range states {
		if state.String() != str {
			t.Fatalf("State %d is %s, expected %s", state, state.String(), str)
		}
	}

	if conn := New("localhost", DefaultOptions()); conn.StateString() != "disconnected" {
		t.Fatalf("New connection is %s", conn.StateString())
	}
}
