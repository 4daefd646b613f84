// SPDX-FileCopyrightText: 2021 The bsonnet Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package discovery

import (
	"bytes"
	"fmt"
	"io"
	"net"
	"strconv"

	"github.com/dtn7/cboring"
)

// Protocol of an announced listener.
type Protocol uint64

const (
	// TCP listener, dialed by transport.DialTCP.
	TCP Protocol = 0

	// WebSocket listener, dialed by transport.DialWebSocket.
	WebSocket Protocol = 1
)

// ParseProtocol from its configuration name, "tcp" or "ws".
func ParseProtocol(name string) (Protocol, error) {
	switch name {
	case "tcp":
		return TCP, nil
	case "ws", "websocket":
		return WebSocket, nil
	default:
		return 0, fmt.Errorf("unknown protocol %q", name)
	}
}

// CheckValid returns an error for unknown Protocols.
func (p Protocol) CheckValid() error {
	if p > WebSocket {
		return fmt.Errorf("unknown protocol number %d", uint64(p))
	}
	return nil
}

func (p Protocol) String() string {
	switch p {
	case TCP:
		return "tcp"
	case WebSocket:
		return "ws"
	default:
		return fmt.Sprintf("unknown(%d)", uint64(p))
	}
}

// Announcement of some Node's listener.
type Announcement struct {
	Protocol Protocol
	Node     string
	Port     uint
	// Path of a WebSocket endpoint; empty for TCP.
	Path string
}

// Address to dial this Announcement's listener on the announcing host.
func (announcement Announcement) Address(host string) string {
	hostPort := net.JoinHostPort(host, strconv.FormatUint(uint64(announcement.Port), 10))

	if announcement.Protocol == WebSocket {
		path := announcement.Path
		if path == "" || path[0] != '/' {
			path = "/" + path
		}
		return "ws://" + hostPort + path
	}
	return hostPort
}

// UnmarshalAnnouncements creates a new array of Announcement based on a CBOR byte string.
func UnmarshalAnnouncements(data []byte) (announcements []Announcement, err error) {
	buff := bytes.NewBuffer(data)

	if l, cErr := cboring.ReadArrayLength(buff); cErr != nil {
		err = cErr
		return
	} else {
		announcements = make([]Announcement, l)
	}

	for i := 0; i < len(announcements); i++ {
		if cErr := cboring.Unmarshal(&announcements[i], buff); cErr != nil {
			err = fmt.Errorf("unmarshalling Announcement %d failed: %w", i, cErr)
			return
		}
	}

	return
}

// MarshalAnnouncements into a CBOR byte string.
func MarshalAnnouncements(announcements []Announcement) (data []byte, err error) {
	buff := new(bytes.Buffer)

	if cErr := cboring.WriteArrayLength(uint64(len(announcements)), buff); cErr != nil {
		err = cErr
		return
	}

	for i := range announcements {
		announcement := announcements[i]
		if cErr := cboring.Marshal(&announcement, buff); cErr != nil {
			err = fmt.Errorf("marshalling Announcement %d (%v) failed: %w", i, announcement, cErr)
			return
		}
	}

	data = buff.Bytes()
	return
}

// MarshalCbor creates a CBOR representation for an Announcement.
func (announcement *Announcement) MarshalCbor(w io.Writer) error {
	if err := cboring.WriteArrayLength(4, w); err != nil {
		return err
	}

	if err := cboring.WriteUInt(uint64(announcement.Protocol), w); err != nil {
		return err
	}
	if err := cboring.WriteTextString(announcement.Node, w); err != nil {
		return err
	}
	if err := cboring.WriteUInt(uint64(announcement.Port), w); err != nil {
		return err
	}
	return cboring.WriteTextString(announcement.Path, w)
}

// UnmarshalCbor creates an Announcement from its CBOR representation.
func (announcement *Announcement) UnmarshalCbor(r io.Reader) error {
	if l, err := cboring.ReadArrayLength(r); err != nil {
		return err
	} else if l != 4 {
		return fmt.Errorf("wrong array length: %d instead of 4", l)
	}

	if n, err := cboring.ReadUInt(r); err != nil {
		return err
	} else if protocol := Protocol(n); protocol.CheckValid() != nil {
		return protocol.CheckValid()
	} else {
		announcement.Protocol = protocol
	}

	if name, err := cboring.ReadTextString(r); err != nil {
		return err
	} else if name == "" {
		return fmt.Errorf("empty node name")
	} else {
		announcement.Node = name
	}

	if n, err := cboring.ReadUInt(r); err != nil {
		return err
	} else if n == 0 || n > 65535 {
		return fmt.Errorf("invalid port %d", n)
	} else {
		announcement.Port = uint(n)
	}

	if path, err := cboring.ReadTextString(r); err != nil {
		return err
	} else {
		announcement.Path = path
	}

	return nil
}

func (announcement Announcement) String() string {
	return fmt.Sprintf("Announcement(%v,%s,%d,%q)", announcement.Protocol, announcement.Node, announcement.Port, announcement.Path)
}
