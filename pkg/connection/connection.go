// SPDX-FileCopyrightText: 2021 The bsonnet Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package connection

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/dtn7/bsonnet/internal/executor"
	"github.com/dtn7/bsonnet/pkg/bson"
	"github.com/dtn7/bsonnet/pkg/frame"
	"github.com/dtn7/bsonnet/pkg/transport"
)

// MessageID identifies a sent document locally. It is monotonic and wraps around.
type MessageID uint16

// Handler holds optional callbacks for a Connection's events. Unset fields are skipped.
type Handler struct {
	StateChanged     func(conn *Connection, state State)
	Error            func(conn *Connection, err error)
	ReceivedBSON     func(conn *Connection, data []byte)
	ReceivedDocument func(conn *Connection, doc *bson.Document)
}

// Delegate is the owner of a Connection, e.g., a Server or a Node. It is informed next to the Handler.
type Delegate interface {
	ConnectionStateChanged(conn *Connection, state State)
	ConnectionError(conn *Connection, err error)
	ConnectionReceived(conn *Connection, f frame.Frame)
}

// Connection exchanges BSON documents with a peer.
type Connection struct {
	address string
	opts    Options

	exec  *executor.Executor
	state atomic.Int32
	msgID atomic.Uint32

	mutex    sync.Mutex
	handler  Handler
	delegate Delegate

	// Only accessed from the executor, except for pending which is handed over once.
	transport transport.Transport
	pending   transport.Transport
	parser    *frame.Parser
	idleTimer *executor.Timer
	failed    bool
}

// New creates a Connection to be dialed to an address by Connect. Besides "host:port", the address might also be
// an URL understood by the Options' Dial function.
func New(address string, opts Options) *Connection {
	return &Connection{
		address: address,
		opts:    opts,
		exec:    executor.New(),
	}
}

// Accept creates a Connection for an inbound transport, e.g., from a transport.Listener. The Connection is
// started by Connect.
func Accept(t transport.Transport, opts Options) *Connection {
	conn := New(t.RemoteAddress(), opts)
	conn.pending = t
	return conn
}

func (conn *Connection) String() string {
	return conn.address
}

func (conn *Connection) log() *log.Entry {
	return log.WithFields(log.Fields{
		"connection": conn.address,
		"state":      conn.State(),
	})
}

// Address of the peer.
func (conn *Connection) Address() string {
	return conn.address
}

// Timeout is the configured idle timeout.
func (conn *Connection) Timeout() time.Duration {
	return conn.opts.Timeout
}

// State of this Connection.
func (conn *Connection) State() State {
	return State(conn.state.Load())
}

// StateString describes the current State.
func (conn *Connection) StateString() string {
	return conn.State().String()
}

// IsConnected checks if this Connection is Connected.
func (conn *Connection) IsConnected() bool {
	return conn.State() == Connected
}

// SetHandler replaces the Handler. Events emitted after this call use the new Handler.
func (conn *Connection) SetHandler(h Handler) {
	conn.mutex.Lock()
	conn.handler = h
	conn.mutex.Unlock()
}

// SetDelegate replaces the Delegate, which might be nil.
func (conn *Connection) SetDelegate(d Delegate) {
	conn.mutex.Lock()
	conn.delegate = d
	conn.mutex.Unlock()
}

func (conn *Connection) observers() (Handler, Delegate) {
	conn.mutex.Lock()
	defer conn.mutex.Unlock()

	return conn.handler, conn.delegate
}

// Connect starts establishing this Connection. It never blocks, the outcome is reported by events.
//
// The return value is false if the address is malformed or if this Connection is not Disconnected.
func (conn *Connection) Connect() bool {
	conn.mutex.Lock()
	pending := conn.pending
	conn.mutex.Unlock()

	address := conn.address
	if pending == nil {
		var err error
		if address, err = normalizeAddress(conn.address); err != nil {
			conn.log().WithError(err).Warn("Connect failed to parse the address")
			return false
		}
	}

	if !conn.state.CompareAndSwap(int32(Disconnected), int32(Connecting)) {
		conn.log().Debug("Connect was called for a Connection which is not disconnected")
		return false
	}

	conn.exec.Post(func() {
		conn.mutex.Lock()
		t := conn.pending
		conn.pending = nil
		conn.mutex.Unlock()

		if t == nil {
			t = conn.opts.dial(address)
		}

		conn.transport = t
		conn.parser = frame.NewParser(conn.opts.MaxFrameSize)
		conn.failed = false

		conn.log().Info("Connection is connecting")
		conn.emitState(Connecting)

		t.Start(&transportHandler{conn: conn, t: t})
	})
	return true
}

// Disconnect this Connection. Queued, but not yet written, sends are suppressed. Disconnect is idempotent.
func (conn *Connection) Disconnect() {
	for {
		state := conn.State()
		if state != Connecting && state != Connected {
			return
		}

		if conn.state.CompareAndSwap(int32(state), int32(Disconnecting)) {
			break
		}
	}

	conn.exec.Post(func() {
		conn.log().Info("Connection is disconnecting")
		conn.emitState(Disconnecting)

		conn.stopIdleTimer()
		if conn.transport != nil {
			conn.transport.Disconnect()
		}
	})
}

// SendDocument encodes the document and writes it as a frame. Encoding errors are returned directly.
func (conn *Connection) SendDocument(doc *bson.Document) (MessageID, error) {
	data, err := frame.Encode(doc)
	if err != nil {
		return 0, err
	}
	return conn.send(data)
}

// SendBSON writes an already encoded document as a frame. The data is checked to be a valid document.
func (conn *Connection) SendBSON(data []byte) (MessageID, error) {
	f, err := frame.AppendRaw(nil, data)
	if err != nil {
		return 0, err
	}
	return conn.send(f)
}

// SendMap converts a map into a document by bson.FromMap and sends it.
func (conn *Connection) SendMap(m map[string]interface{}) (MessageID, error) {
	doc, err := bson.FromMap(m)
	if err != nil {
		return 0, err
	}
	return conn.SendDocument(doc)
}

func (conn *Connection) send(data []byte) (MessageID, error) {
	if state := conn.State(); state != Connected {
		return 0, fmt.Errorf("%w: %s is %v", ErrSendOnClosedConnection, conn.address, state)
	}

	id := MessageID(conn.msgID.Add(1))

	conn.exec.Post(func() {
		if conn.State() != Connected || conn.transport == nil {
			conn.log().WithField("message", id).Debug("Dropping queued send for a closed Connection")
			return
		}

		conn.log().WithFields(log.Fields{
			"message": id,
			"size":    len(data),
		}).Debug("Connection writes frame")

		conn.transport.Write(data)
	})
	return id, nil
}

func (conn *Connection) emitState(state State) {
	h, d := conn.observers()

	if h.StateChanged != nil {
		h.StateChanged(conn, state)
	}
	if d != nil {
		d.ConnectionStateChanged(conn, state)
	}
}

func (conn *Connection) emitError(err error) {
	h, d := conn.observers()

	if h.Error != nil {
		h.Error(conn, err)
	}
	if d != nil {
		d.ConnectionError(conn, err)
	}
}

func (conn *Connection) emitFrame(f frame.Frame) {
	h, d := conn.observers()

	if h.ReceivedBSON != nil {
		h.ReceivedBSON(conn, f.Raw)
	}
	if h.ReceivedDocument != nil {
		h.ReceivedDocument(conn, f.Document)
	}
	if d != nil {
		d.ConnectionReceived(conn, f)
	}
}

// fail reports an error once, enters the Error state and closes the transport. The final transition to
// Disconnected happens when the transport reports its closing.
func (conn *Connection) fail(err error) {
	if conn.failed {
		return
	}
	conn.failed = true

	conn.log().WithError(err).Warn("Connection failed")

	conn.stopIdleTimer()
	conn.state.Store(int32(Error))
	conn.emitError(err)
	conn.emitState(Error)

	if conn.transport != nil {
		conn.transport.Disconnect()
	}
}

func (conn *Connection) resetIdleTimer() {
	conn.stopIdleTimer()

	if conn.opts.Timeout <= 0 {
		return
	}

	conn.idleTimer = conn.exec.AfterFunc(conn.opts.Timeout, func() {
		conn.idleTimer = nil
		conn.fail(fmt.Errorf("%w: no frame from %s within %v", ErrIdleTimeout, conn.address, conn.opts.Timeout))
	})
}

func (conn *Connection) stopIdleTimer() {
	conn.idleTimer.Stop()
	conn.idleTimer = nil
}

func (conn *Connection) onConnected(t transport.Transport) {
	if t != conn.transport {
		return
	}

	if !conn.state.CompareAndSwap(int32(Connecting), int32(Connected)) {
		conn.log().Debug("Transport connected, but the Connection is not connecting anymore")
		return
	}

	conn.log().Info("Connection is connected")
	conn.emitState(Connected)
	conn.resetIdleTimer()
}

func (conn *Connection) onData(t transport.Transport, data []byte) {
	if t != conn.transport || conn.failed {
		return
	}

	frames, err := conn.parser.Feed(data)
	for _, f := range frames {
		conn.log().WithField("size", len(f.Raw)).Debug("Connection received frame")

		if conn.State() == Connected {
			conn.resetIdleTimer()
		}
		conn.emitFrame(f)
	}

	if err != nil {
		conn.log().WithError(err).Error("Connection received a malformed frame")
		conn.fail(fmt.Errorf("receiving from %s: %w", conn.address, err))
	}
}

func (conn *Connection) onDisconnected(t transport.Transport, err error) {
	if t != conn.transport {
		return
	}

	conn.transport = nil
	conn.parser = nil
	conn.stopIdleTimer()

	if err != nil && !conn.failed {
		if conn.State() == Connecting {
			err = fmt.Errorf("%w: %s: %w", ErrConnectFailure, conn.address, err)
		}
		conn.fail(err)
	}

	conn.log().Info("Connection is disconnected")
	conn.state.Store(int32(Disconnected))
	conn.emitState(Disconnected)
}

// transportHandler posts a Transport's events onto the Connection's executor, tagged with the Transport to filter
// events of a replaced Transport.
type transportHandler struct {
	conn *Connection
	t    transport.Transport
}

func (th *transportHandler) OnConnected() {
	th.conn.exec.Post(func() { th.conn.onConnected(th.t) })
}

func (th *transportHandler) OnData(data []byte) {
	th.conn.exec.Post(func() { th.conn.onData(th.t, data) })
}

func (th *transportHandler) OnDisconnected(err error) {
	th.conn.exec.Post(func() { th.conn.onDisconnected(th.t, err) })
}
