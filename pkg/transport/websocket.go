// SPDX-FileCopyrightText: 2021 The bsonnet Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
)

// webSocketStream adapts a *websocket.Conn to an io.ReadWriteCloser. Each Write is sent as one binary message,
// Read concatenates the binary messages received. Frame boundaries are restored by the frame parser above.
type webSocketStream struct {
	conn   *websocket.Conn
	reader io.Reader

	closeOnce sync.Once
	closeErr  error
}

func newWebSocketStream(conn *websocket.Conn) *webSocketStream {
	return &webSocketStream{conn: conn}
}

func (ws *webSocketStream) Read(p []byte) (n int, err error) {
	for {
		if ws.reader == nil {
			var msgType int
			msgType, ws.reader, err = ws.conn.NextReader()
			if err != nil {
				ws.reader = nil
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					err = io.EOF
				}
				return 0, err
			}

			if msgType != websocket.BinaryMessage {
				log.WithField("peer", ws.conn.RemoteAddr()).Debug("WebSocket skips non-binary message")
				ws.reader = nil
				continue
			}
		}

		n, err = ws.reader.Read(p)
		if errors.Is(err, io.EOF) {
			ws.reader = nil
			err = nil
		}
		if n > 0 || err != nil {
			return
		}
	}
}

func (ws *webSocketStream) Write(p []byte) (int, error) {
	if err := ws.conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (ws *webSocketStream) SetWriteDeadline(t time.Time) error {
	return ws.conn.SetWriteDeadline(t)
}

// Close sends a close message and closes the underlying connection afterwards.
func (ws *webSocketStream) Close() error {
	ws.closeOnce.Do(func() {
		closeMsg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = ws.conn.WriteControl(websocket.CloseMessage, closeMsg, time.Now().Add(time.Second))
		ws.closeErr = ws.conn.Close()
	})
	return ws.closeErr
}

// DialWebSocket creates a Transport which dials the WebSocket URL, e.g., "ws://example.com:8080/bsonnet", when
// being started.
func DialWebSocket(url string) Transport {
	return newStreamTransport(url, nil, func(ctx context.Context) (io.ReadWriteCloser, error) {
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
		if err != nil {
			return nil, err
		}
		return newWebSocketStream(conn), nil
	})
}

// WebSocketListener is a Listener as a http.Handler to accept incoming connections via WebSockets.
//
// Either mount the WebSocketListener in an existing HTTP server or create it by NewWebSocketListener with an
// address to let it serve on its own.
type WebSocketListener struct {
	listenAddress string

	mutex    sync.Mutex
	accept   func(Transport)
	server   *http.Server
	listener net.Listener

	upgrader websocket.Upgrader
}

// NewWebSocketListener creates a WebSocketListener. For a non-empty address, Listen starts its own HTTP server
// serving WebSockets on every path.
func NewWebSocketListener(listenAddress string) *WebSocketListener {
	return &WebSocketListener{
		listenAddress: listenAddress,
		upgrader:      websocket.Upgrader{},
	}
}

// Listen registers the accept function and starts the HTTP server, if configured.
func (listener *WebSocketListener) Listen(accept func(Transport)) error {
	listener.mutex.Lock()
	defer listener.mutex.Unlock()

	if listener.accept != nil {
		return fmt.Errorf("WebSocketListener is already listening")
	}

	if listener.listenAddress != "" {
		ln, err := net.Listen("tcp", listener.listenAddress)
		if err != nil {
			return err
		}

		listener.listener = ln
		listener.server = &http.Server{Handler: listener}

		go func(server *http.Server, ln net.Listener) {
			if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.WithField("listener", listener).WithError(err).Warn("WebSocketListener's HTTP server errored")
			}
		}(listener.server, ln)
	}

	listener.accept = accept
	return nil
}

// Close stops accepting connections and shuts down an owned HTTP server.
func (listener *WebSocketListener) Close() error {
	listener.mutex.Lock()
	server := listener.server
	listener.accept = nil
	listener.server = nil
	listener.mutex.Unlock()

	if server != nil {
		return server.Close()
	}
	return nil
}

// Address of the owned HTTP server or the configured address.
func (listener *WebSocketListener) Address() string {
	listener.mutex.Lock()
	defer listener.mutex.Unlock()

	if listener.listener != nil {
		return listener.listener.Addr().String()
	}
	return listener.listenAddress
}

func (listener *WebSocketListener) String() string {
	return fmt.Sprintf("ws://%s", listener.Address())
}

// ServeHTTP upgrades a HTTP connection to a WebSocket connection and passes it on as a Transport.
func (listener *WebSocketListener) ServeHTTP(writer http.ResponseWriter, request *http.Request) {
	listener.mutex.Lock()
	accept := listener.accept
	listener.mutex.Unlock()

	if accept == nil {
		http.Error(writer, "not listening", http.StatusServiceUnavailable)
		return
	}

	if conn, err := listener.upgrader.Upgrade(writer, request, nil); err != nil {
		log.WithField("listener", listener).WithError(err).Warn("Upgrading connection errored")
	} else {
		log.WithFields(log.Fields{
			"listener": listener,
			"peer":     conn.RemoteAddr(),
		}).Debug("WebSocketListener accepted a connection")

		accept(newStreamTransport(conn.RemoteAddr().String(), newWebSocketStream(conn), nil))
	}
}
