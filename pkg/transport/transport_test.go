// SPDX-FileCopyrightText: 2021 The bsonnet Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package transport

import (
	"bytes"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"
)

// recorder is a Handler collecting all events.
type recorder struct {
	mutex sync.Mutex
	data  []byte

	connected    chan struct{}
	disconnected chan error
	dataNotify   chan struct{}
}

func newRecorder() *recorder {
	return &recorder{
		connected:    make(chan struct{}, 1),
		disconnected: make(chan error, 2),
		dataNotify:   make(chan struct{}, 1),
	}
}

func (r *recorder) OnConnected() {
	r.connected <- struct{}{}
}

func (r *recorder) OnData(data []byte) {
	r.mutex.Lock()
	r.data = append(r.data, data...)
	r.mutex.Unlock()

	select {
	case r.dataNotify <- struct{}{}:
	default:
	}
}

func (r *recorder) OnDisconnected(err error) {
	r.disconnected <- err
}

func (r *recorder) waitConnected(t *testing.T) {
	select {
	case <-r.connected:
	case <-time.After(5 * time.Second):
		t.Fatal("Transport did not connect")
	}
}

func (r *recorder) waitData(t *testing.T, expected []byte) {
	deadline := time.After(5 * time.Second)
	for {
		r.mutex.Lock()
		equal := bytes.Equal(r.data, expected)
		r.mutex.Unlock()

		if equal {
			return
		}

		select {
		case <-r.dataNotify:
		case <-deadline:
			r.mutex.Lock()
			defer r.mutex.Unlock()
			t.Fatalf("Received %x, expected %x", r.data, expected)
		}
	}
}

func (r *recorder) waitDisconnected(t *testing.T) error {
	select {
	case err := <-r.disconnected:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("Transport did not disconnect")
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

// exchange writes data in both directions and disconnects the dialing side afterwards.
func exchange(t *testing.T, dialer Transport, accepted <-chan Transport) {
	dialRec := newRecorder()
	dialer.Start(dialRec)
	dialRec.waitConnected(t)

	var acc Transport
	select {
	case acc = <-accepted:
	case <-time.After(5 * time.Second):
		t.Fatal("Listener did not accept")
	}

	accRec := newRecorder()
	acc.Start(accRec)
	accRec.waitConnected(t)

	dialer.Write([]byte("hello "))
	dialer.Write([]byte("world"))
	accRec.waitData(t, []byte("hello world"))

	acc.Write([]byte{0x00, 0x01, 0x02})
	dialRec.waitData(t, []byte{0x00, 0x01, 0x02})

	dialer.Disconnect()
	dialer.Disconnect()

	if err := dialRec.waitDisconnected(t); err != nil {
		t.Fatalf("Regular disconnect reported %v", err)
	}
	if err := accRec.waitDisconnected(t); err != nil {
		t.Fatalf("Remote disconnect reported %v", err)
	}

	select {
	case err := <-dialRec.disconnected:
		t.Fatalf("OnDisconnected was called twice, %v", err)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestTCP(t *testing.T) {
	address := fmt.Sprintf("localhost:%d", randomTcpPort(t))

	accepted := make(chan Transport, 1)
	listener := ListenTCP(address)
	if err := listener.Listen(func(tr Transport) { accepted <- tr }); err != nil {
		t.Fatal(err)
	}
	defer func() { _ = listener.Close() }()

	exchange(t, DialTCP(address), accepted)
}

func TestTCPListenerAddress(t *testing.T) {
	listener := ListenTCP("localhost:0")
	if err := listener.Close(); err == nil {
		t.Fatal("Closing an unstarted listener did not error")
	}

	if err := listener.Listen(func(Transport) {}); err != nil {
		t.Fatal(err)
	}

	if _, port, err := net.SplitHostPort(listener.Address()); err != nil {
		t.Fatal(err)
	} else if port == "0" {
		t.Fatalf("Address %s does not contain the bound port", listener.Address())
	}

	if err := listener.Close(); err != nil {
		t.Fatal(err)
	}
	if err := listener.Close(); err != nil {
		t.Fatalf("Second close errored: %v", err)
	}
}

func TestTCPDialRefused(t *testing.T) {
	rec := newRecorder()
	tr := DialTCP(fmt.Sprintf("localhost:%d", randomTcpPort(t)))
	tr.Start(rec)

	if err := rec.waitDisconnected(t); err == nil {
		t.Fatal("Dialing a closed port did not report an error")
	}

	select {
	case <-rec.connected:
		t.Fatal("OnConnected was called for a failed dial")
	default:
	}
}

func TestDisconnectBeforeStart(t *testing.T) {
	rec := newRecorder()
	tr := DialTCP(fmt.Sprintf("localhost:%d", randomTcpPort(t)))
	tr.Disconnect()
	tr.Start(rec)

	if err := rec.waitDisconnected(t); err != nil {
		t.Fatalf("Cancelled dial reported %v", err)
	}
}

func TestWebSocket(t *testing.T) {
	address := fmt.Sprintf("localhost:%d", randomTcpPort(t))

	accepted := make(chan Transport, 1)
	listener := NewWebSocketListener(address)
	if err := listener.Listen(func(tr Transport) { accepted <- tr }); err != nil {
		t.Fatal(err)
	}
	defer func() { _ = listener.Close() }()

	exchange(t, DialWebSocket(fmt.Sprintf("ws://%s/", address)), accepted)
}

func TestPipe(t *testing.T) {
	a, b := Pipe()

	accepted := make(chan Transport, 1)
	accepted <- b

	exchange(t, a, accepted)
}
