// SPDX-FileCopyrightText: 2021 The bsonnet Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package transport

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// DialTCP creates a Transport which establishes a TCP connection to the address when being started.
func DialTCP(address string) Transport {
	return newStreamTransport(address, nil, func(ctx context.Context) (io.ReadWriteCloser, error) {
		return dial(ctx, address)
	})
}

// NewStreamTransport creates a Transport for an already established connection, e.g., an accepted one.
func NewStreamTransport(conn net.Conn) Transport {
	return newStreamTransport(conn.RemoteAddr().String(), conn, nil)
}

// TCPListener accepts inbound TCP connections.
type TCPListener struct {
	listenAddress string

	mutex    sync.Mutex
	listener *net.TCPListener

	stopSyn chan struct{}
	stopAck chan struct{}
}

// ListenTCP creates a new TCPListener for the address, e.g., ":7447". The listener is bound by calling Listen.
func ListenTCP(listenAddress string) *TCPListener {
	return &TCPListener{
		listenAddress: listenAddress,

		stopSyn: make(chan struct{}),
		stopAck: make(chan struct{}),
	}
}

// Listen binds the TCPListener and starts accepting connections.
func (listener *TCPListener) Listen(accept func(Transport)) error {
	tcpAddr, err := net.ResolveTCPAddr("tcp", listener.listenAddress)
	if err != nil {
		return err
	}

	ln, err := net.ListenTCP("tcp", tcpAddr)
	if err != nil {
		return err
	}

	listener.mutex.Lock()
	listener.listener = ln
	listener.mutex.Unlock()

	go func(ln *net.TCPListener) {
		for {
			select {
			case <-listener.stopSyn:
				_ = ln.Close()
				close(listener.stopAck)

				return

			default:
				if err := ln.SetDeadline(time.Now().Add(50 * time.Millisecond)); err != nil {
					log.WithError(err).WithField("listener", listener).Error(
						"TCPListener failed to set deadline on TCP socket")

					_ = ln.Close()
					close(listener.stopAck)
					return
				} else if conn, err := ln.Accept(); err == nil {
					log.WithFields(log.Fields{
						"listener": listener,
						"peer":     conn.RemoteAddr(),
					}).Debug("TCPListener accepted a connection")

					accept(NewStreamTransport(conn))
				}
			}
		}
	}(ln)

	return nil
}

// Close stops accepting connections.
func (listener *TCPListener) Close() error {
	listener.mutex.Lock()
	started := listener.listener != nil
	listener.mutex.Unlock()

	if !started {
		return fmt.Errorf("TCPListener %s was not started", listener.listenAddress)
	}

	select {
	case <-listener.stopSyn:
		return nil
	default:
		close(listener.stopSyn)
	}
	<-listener.stopAck

	return nil
}

// Address the TCPListener is bound to. A configured port 0 is replaced by the actual port after Listen.
func (listener *TCPListener) Address() string {
	listener.mutex.Lock()
	defer listener.mutex.Unlock()

	if listener.listener != nil {
		return listener.listener.Addr().String()
	}
	return listener.listenAddress
}

func (listener *TCPListener) String() string {
	return fmt.Sprintf("tcp://%s", listener.Address())
}
