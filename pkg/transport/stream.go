// SPDX-FileCopyrightText: 2021 The bsonnet Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// readBufferSize is the size of a single read from the underlying stream.
const readBufferSize = 32 * 1024

// disconnectGrace bounds the time for flushing queued data when disconnecting.
const disconnectGrace = 2 * time.Second

// deadliner is implemented by streams supporting write deadlines, e.g., net.Conn.
type deadliner interface {
	SetWriteDeadline(t time.Time) error
}

// streamTransport implements a Transport on an io.ReadWriteCloser, which is either available from the start or
// created by a dial function.
type streamTransport struct {
	address string
	dial    func(ctx context.Context) (io.ReadWriteCloser, error)

	ctx    context.Context
	cancel context.CancelFunc

	handler Handler

	mutex   sync.Mutex
	stream  io.ReadWriteCloser
	outBuff []byte
	closing bool
	failErr error
	started bool

	outNotify chan struct{}
	closeSyn  chan struct{}
	closeOnce sync.Once
}

func newStreamTransport(address string, stream io.ReadWriteCloser, dial func(context.Context) (io.ReadWriteCloser, error)) *streamTransport {
	ctx, cancel := context.WithCancel(context.Background())

	return &streamTransport{
		address: address,
		dial:    dial,
		stream:  stream,

		ctx:    ctx,
		cancel: cancel,

		outNotify: make(chan struct{}, 1),
		closeSyn:  make(chan struct{}),
	}
}

func (t *streamTransport) log() *log.Entry {
	return log.WithField("transport", t.address)
}

func (t *streamTransport) Start(h Handler) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	if t.started {
		t.log().Warn("Transport was already started")
		return
	}
	t.started = true
	t.handler = h

	go t.handleIn()
}

func (t *streamTransport) Write(data []byte) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	if t.closing {
		return
	}

	t.outBuff = append(t.outBuff, data...)

	select {
	case t.outNotify <- struct{}{}:
	default:
	}
}

func (t *streamTransport) Disconnect() {
	t.closeOnce.Do(func() {
		t.mutex.Lock()
		t.closing = true
		stream := t.stream
		t.mutex.Unlock()

		if stream == nil {
			// Still dialing or not started at all.
			t.cancel()
		} else if d, ok := stream.(deadliner); ok {
			_ = d.SetWriteDeadline(time.Now().Add(disconnectGrace))
		}

		close(t.closeSyn)
	})
}

func (t *streamTransport) RemoteAddress() string {
	return t.address
}

// fail stores the first error and closes the stream, which terminates handleIn.
func (t *streamTransport) fail(err error) {
	t.mutex.Lock()
	if t.failErr == nil {
		t.failErr = err
	}
	stream := t.stream
	t.mutex.Unlock()

	t.cancel()
	if stream != nil {
		_ = stream.Close()
	}
}

// handleIn establishes the stream, if necessary, and reads until it ends. It is the only caller of the Handler.
func (t *streamTransport) handleIn() {
	t.mutex.Lock()
	stream := t.stream
	t.mutex.Unlock()

	if stream == nil {
		var err error
		if stream, err = t.dial(t.ctx); err != nil {
			if t.ctx.Err() != nil {
				err = nil
			}
			t.handler.OnDisconnected(err)
			return
		}

		t.mutex.Lock()
		t.stream = stream
		closing := t.closing
		t.mutex.Unlock()

		if closing {
			_ = stream.Close()
			t.handler.OnDisconnected(nil)
			return
		}
	}

	t.log().Debug("Transport is connected")
	t.handler.OnConnected()

	go t.handleOut(stream)

	buff := make([]byte, readBufferSize)
	for {
		n, err := stream.Read(buff)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buff[:n])
			t.handler.OnData(data)
		}

		if err != nil {
			t.mutex.Lock()
			failErr, closing := t.failErr, t.closing
			t.mutex.Unlock()

			switch {
			case failErr != nil:
				err = failErr
			case closing, errors.Is(err, io.EOF):
				err = nil
			default:
				err = fmt.Errorf("reading from %s: %w", t.address, err)
			}

			t.cancel()
			_ = stream.Close()

			t.log().WithError(err).Debug("Transport is disconnected")
			t.handler.OnDisconnected(err)
			return
		}
	}
}

// handleOut writes queued data until the Transport is closed.
func (t *streamTransport) handleOut(stream io.ReadWriteCloser) {
	for {
		select {
		case <-t.outNotify:
		case <-t.closeSyn:
		case <-t.ctx.Done():
			return
		}

		t.mutex.Lock()
		data, closing := t.outBuff, t.closing
		t.outBuff = nil
		t.mutex.Unlock()

		if len(data) > 0 {
			if _, err := stream.Write(data); err != nil {
				t.fail(fmt.Errorf("writing to %s: %w", t.address, err))
				return
			}
		}

		if closing {
			_ = stream.Close()
			return
		}
	}
}
