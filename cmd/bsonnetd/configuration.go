// SPDX-FileCopyrightText: 2021 The bsonnet Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package main

import (
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/gorilla/mux"
	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"

	"github.com/dtn7/bsonnet/internal/bounce"
	"github.com/dtn7/bsonnet/pkg/discovery"
	"github.com/dtn7/bsonnet/pkg/message"
	"github.com/dtn7/bsonnet/pkg/node"
	"github.com/dtn7/bsonnet/pkg/status"
	"github.com/dtn7/bsonnet/pkg/transport"
)

// tomlConfig describes the TOML-configuration.
type tomlConfig struct {
	Node      nodeConf
	Logging   logConf
	Discovery discoveryConf
	Status    statusConf
	Listen    []listenConf
	Peer      []peerConf
	Reliable  []reliableConf
}

// nodeConf describes the Node-configuration block.
type nodeConf struct {
	Name          string
	Timeout       string
	MaxFrameSize  int    `toml:"max-frame-size"`
	RetryInterval string `toml:"retry-interval"`
	DefaultLink   string `toml:"default-link"`
	Bounce        bool
}

// logConf describes the Logging-configuration block.
type logConf struct {
	Level        string
	ReportCaller bool `toml:"report-caller"`
	Format       string
}

// discoveryConf describes the Discovery-configuration block.
type discoveryConf struct {
	IPv4     bool
	IPv6     bool
	Interval uint
}

// statusConf describes the HTTP status endpoint.
type statusConf struct {
	Listen string
}

// listenConf describes a "listen" block.
type listenConf struct {
	Protocol string
	Endpoint string
	Path     string
}

// peerConf describes a "peer" block.
type peerConf struct {
	Name      string
	Protocol  string
	Endpoint  string
	Permanent bool
}

// reliableConf describes a "reliable" block, a ReliableService for a remote.
type reliableConf struct {
	Name           string
	ResendInterval string `toml:"resend-interval"`
	MaxResends     int    `toml:"max-resends"`
	ResendTimeout  string `toml:"resend-timeout"`
}

// daemon bundles everything started from the configuration.
type daemon struct {
	node       *node.Node
	discovery  *discovery.Manager
	httpServer *http.Server
	services   []*node.ReliableService
}

// Close everything in the reverse order of its creation.
func (d *daemon) Close() (err error) {
	if d.httpServer != nil {
		if closeErr := d.httpServer.Close(); closeErr != nil {
			err = multierror.Append(err, closeErr)
		}
	}
	if d.discovery != nil {
		d.discovery.Close()
	}
	for _, rs := range d.services {
		rs.Close()
	}
	if closeErr := d.node.Close(); closeErr != nil {
		err = multierror.Append(err, closeErr)
	}
	return
}

// parseDuration of an optional configuration value.
func parseDuration(name, value string, fallback time.Duration) (time.Duration, error) {
	if value == "" {
		return fallback, nil
	}

	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	return d, nil
}

func parseListenPort(endpoint string) (port int, err error) {
	var portStr string
	_, portStr, err = net.SplitHostPort(endpoint)
	if err != nil {
		return
	}
	port, err = strconv.Atoi(portStr)
	return
}

// configureLogging by the Logging-configuration block.
func configureLogging(conf logConf) {
	if conf.Level != "" {
		if lvl, err := log.ParseLevel(conf.Level); err != nil {
			log.WithFields(log.Fields{
				"level":    conf.Level,
				"error":    err,
				"provided": "panic,fatal,error,warn,info,debug,trace",
			}).Warn("Failed to set log level. Please select one of the provided ones")
		} else {
			log.SetLevel(lvl)
		}
	}

	log.SetReportCaller(conf.ReportCaller)

	switch conf.Format {
	case "", "text":
		log.SetFormatter(&log.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "15:04:05.000",
		})

	case "json":
		log.SetFormatter(&log.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
		})

	default:
		log.Warn("Unknown logging format")
	}
}

// nodeOptions from the Node-configuration block.
func nodeOptions(conf nodeConf) (opts node.Options, err error) {
	opts = node.DefaultOptions()

	if opts.Connection.Timeout, err = parseDuration("node.timeout", conf.Timeout, opts.Connection.Timeout); err != nil {
		return
	}
	if opts.RetryInterval, err = parseDuration("node.retry-interval", conf.RetryInterval, opts.RetryInterval); err != nil {
		return
	}
	if conf.MaxFrameSize > 0 {
		opts.Connection.MaxFrameSize = conf.MaxFrameSize
	}
	return
}

// parseListen inspects a "listen" block and returns its Listener and Announcement.
func parseListen(conv listenConf, nodeName string) (transport.Listener, discovery.Announcement, error) {
	protocol, err := discovery.ParseProtocol(conv.Protocol)
	if err != nil {
		return nil, discovery.Announcement{}, fmt.Errorf("listen.protocol: %w", err)
	}

	portInt, err := parseListenPort(conv.Endpoint)
	if err != nil {
		return nil, discovery.Announcement{}, fmt.Errorf("listen.endpoint: %w", err)
	}

	announcement := discovery.Announcement{
		Protocol: protocol,
		Node:     nodeName,
		Port:     uint(portInt),
	}

	switch protocol {
	case discovery.WebSocket:
		// The WebSocketListener serves on every path; the configured one is only announced.
		announcement.Path = conv.Path
		if announcement.Path == "" {
			announcement.Path = "/"
		}
		return transport.NewWebSocketListener(conv.Endpoint), announcement, nil

	default:
		return transport.ListenTCP(conv.Endpoint), announcement, nil
	}
}

// parsePeer inspects a "peer" block and connects the Node.
func parsePeer(conv peerConf, n *node.Node) error {
	if conv.Name == "" {
		return fmt.Errorf("peer.name is empty")
	}

	address := conv.Endpoint
	switch conv.Protocol {
	case "", "tcp":
	case "ws", "websocket":
		address = "ws://" + conv.Endpoint
	default:
		return fmt.Errorf("unknown peer.protocol %q", conv.Protocol)
	}

	var err error
	if conv.Permanent {
		_, err = n.ConnectPermanent(conv.Name, address)
	} else {
		_, err = n.Connect(conv.Name, address)
	}
	return err
}

// parseReliable creates a ReliableService for a "reliable" block.
func parseReliable(conf reliableConf, n *node.Node, bouncing bool) (rs *node.ReliableService, err error) {
	opts := node.DefaultReliableOptions()
	opts.MaxResends = conf.MaxResends

	if opts.ResendInterval, err = parseDuration("reliable.resend-interval", conf.ResendInterval, opts.ResendInterval); err != nil {
		return
	}
	if opts.ResendTimeout, err = parseDuration("reliable.resend-timeout", conf.ResendTimeout, 0); err != nil {
		return
	}

	if rs, err = node.NewReliableService(n, conf.Name, opts); err != nil {
		return
	}

	logger := log.WithFields(log.Fields{"node": n.Name(), "service": conf.Name})
	rs.SetHandler(node.ServiceHandler{
		ReceivedMessage: func(name string, msg *message.Message) {
			logger.WithField("message", msg).Info("Reliable service received message")

			if bouncing {
				if sendErr := rs.SendDocument(msg.Payload()); sendErr != nil {
					logger.WithError(sendErr).Warn("Reliable service failed to bounce message")
				}
			}
		},
		SendTimeout: func(name string, msg *message.Message) {
			logger.WithField("message", msg).Warn("Reliable service gave up on message")
		},
	})
	return
}

// validate the configuration, collecting all problems.
func validate(conf tomlConfig) (err error) {
	if conf.Node.Name == "" {
		err = multierror.Append(err, fmt.Errorf("node.name is empty"))
	}
	for i, l := range conf.Listen {
		if l.Endpoint == "" {
			err = multierror.Append(err, fmt.Errorf("listen %d: endpoint is empty", i))
		}
	}
	for i, p := range conf.Peer {
		if p.Endpoint == "" {
			err = multierror.Append(err, fmt.Errorf("peer %d: endpoint is empty", i))
		}
	}
	for i, r := range conf.Reliable {
		if r.Name == "" {
			err = multierror.Append(err, fmt.Errorf("reliable %d: name is empty", i))
		}
	}
	return
}

// parseDaemon creates the Node and everything around it based on the given TOML configuration.
func parseDaemon(filename string) (d *daemon, err error) {
	var conf tomlConfig
	if _, err = toml.DecodeFile(filename, &conf); err != nil {
		return
	}
	return startDaemon(conf)
}

func startDaemon(conf tomlConfig) (d *daemon, err error) {
	configureLogging(conf.Logging)

	if err = validate(conf); err != nil {
		return
	}

	opts, err := nodeOptions(conf.Node)
	if err != nil {
		return
	}

	d = &daemon{node: node.New(conf.Node.Name, opts)}
	defer func() {
		if err != nil {
			_ = d.Close()
			d = nil
		}
	}()

	handler := node.Handler{
		ReceivedMessage: func(n *node.Node, link *node.Link, msg *message.Message) {
			log.WithFields(log.Fields{
				"link":    link.Name(),
				"message": msg,
			}).Debug("Received message")
		},
	}
	if conf.Node.Bounce {
		handler = bounce.Handler(handler)
	}

	// Status
	var s *status.Status
	if conf.Status.Listen != "" {
		s = status.NewStatus(d.node, mux.NewRouter())
		handler = s.Handler(handler)

		d.httpServer = &http.Server{Addr: conf.Status.Listen, Handler: s}
		go func(srv *http.Server) {
			if srvErr := srv.ListenAndServe(); srvErr != nil && srvErr != http.ErrServerClosed {
				log.WithError(srvErr).Error("Status HTTP server failed")
			}
		}(d.httpServer)
	}

	d.node.SetHandler(handler)

	// Reliable services
	for _, rc := range conf.Reliable {
		rs, rsErr := parseReliable(rc, d.node, conf.Node.Bounce)
		if rsErr != nil {
			err = rsErr
			return
		}

		d.services = append(d.services, rs)
		if s != nil {
			s.AddService(rs)
		}
	}

	// Listen
	var announcements []discovery.Announcement
	for _, lc := range conf.Listen {
		listener, announcement, lErr := parseListen(lc, conf.Node.Name)
		if lErr != nil {
			err = lErr
			return
		}

		if err = d.node.Listen(listener); err != nil {
			return
		}
		announcements = append(announcements, announcement)
	}

	// Peer
	for _, pc := range conf.Peer {
		if pErr := parsePeer(pc, d.node); pErr != nil {
			log.WithFields(log.Fields{
				"peer":  pc.Endpoint,
				"error": pErr,
			}).Warn("Failed to establish a connection to a peer")
		}
	}

	if conf.Node.DefaultLink != "" {
		if err = d.node.SetDefaultLink(conf.Node.DefaultLink); err != nil {
			return
		}
	}

	// Discovery
	if conf.Discovery.IPv4 || conf.Discovery.IPv6 {
		if conf.Discovery.Interval == 0 {
			conf.Discovery.Interval = 10
		}

		d.discovery, err = discovery.NewManager(
			d.node, announcements, time.Duration(conf.Discovery.Interval)*time.Second,
			conf.Discovery.IPv4, conf.Discovery.IPv6)
		if err != nil {
			return
		}
	}

	log.WithFields(log.Fields{
		"node":      conf.Node.Name,
		"listeners": len(conf.Listen),
		"peers":     len(conf.Peer),
	}).Info("Daemon started")

	return
}
