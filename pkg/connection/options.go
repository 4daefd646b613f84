// SPDX-FileCopyrightText: 2021 The bsonnet Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package connection

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/dtn7/bsonnet/pkg/frame"
	"github.com/dtn7/bsonnet/pkg/transport"
)

// Options configure a Connection.
type Options struct {
	// Timeout disconnects a Connection if no frame arrived for this duration. Zero disables the idle timeout.
	Timeout time.Duration

	// MaxFrameSize limits inbound frames. Zero selects frame.DefaultMaxFrameSize.
	MaxFrameSize int

	// Dial creates a Transport for a "host:port" address. It defaults to transport.DialTCP. WebSocket URLs are
	// always dialed by transport.DialWebSocket.
	Dial func(address string) transport.Transport
}

// DefaultOptions without an idle timeout, dialing TCP connections.
func DefaultOptions() Options {
	return Options{
		MaxFrameSize: frame.DefaultMaxFrameSize,
		Dial:         transport.DialTCP,
	}
}

func (opts Options) dial(address string) transport.Transport {
	if strings.HasPrefix(address, "ws://") || strings.HasPrefix(address, "wss://") {
		return transport.DialWebSocket(address)
	}
	if opts.Dial == nil {
		return transport.DialTCP(address)
	}
	return opts.Dial(address)
}

// SplitAddress splits a "host:port" address. A missing port results in the DefaultPort, a port outside [1, 65535]
// in an ErrAddressParse.
func SplitAddress(address string) (host string, port uint16, err error) {
	if address == "" {
		err = fmt.Errorf("%w: empty address", ErrAddressParse)
		return
	}

	portStr := ""
	if h, p, splitErr := net.SplitHostPort(address); splitErr == nil {
		host, portStr = h, p
	} else if strings.Count(address, ":") == 0 || strings.HasPrefix(address, "[") && strings.HasSuffix(address, "]") {
		host = strings.TrimSuffix(strings.TrimPrefix(address, "["), "]")
	} else if strings.Count(address, ":") > 1 && !strings.HasPrefix(address, "[") {
		// Bare IPv6 address without brackets and thus without a port.
		host = address
	} else {
		err = fmt.Errorf("%w: %s: %v", ErrAddressParse, address, splitErr)
		return
	}

	if host == "" {
		err = fmt.Errorf("%w: %s: missing host", ErrAddressParse, address)
		return
	}

	if portStr == "" {
		port = DefaultPort
		return
	}

	if p, parseErr := strconv.ParseUint(portStr, 10, 16); parseErr != nil || p == 0 {
		err = fmt.Errorf("%w: %s: invalid port %q", ErrAddressParse, address, portStr)
	} else {
		port = uint16(p)
	}
	return
}

// normalizeAddress returns address as "host:port", using the DefaultPort if necessary. URLs, e.g., for WebSockets,
// are only checked for a host.
func normalizeAddress(address string) (string, error) {
	if strings.Contains(address, "://") {
		if u, err := url.Parse(address); err != nil {
			return "", fmt.Errorf("%w: %v", ErrAddressParse, err)
		} else if u.Host == "" {
			return "", fmt.Errorf("%w: %s: missing host", ErrAddressParse, address)
		}
		return address, nil
	}

	host, port, err := SplitAddress(address)
	if err != nil {
		return "", err
	}
	return net.JoinHostPort(host, strconv.Itoa(int(port))), nil
}
