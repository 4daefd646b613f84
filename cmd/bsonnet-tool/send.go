// SPDX-FileCopyrightText: 2021 The bsonnet Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package main

import (
	"fmt"
	"os"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/dtn7/bsonnet/pkg/message"
	"github.com/dtn7/bsonnet/pkg/node"
	"github.com/dtn7/bsonnet/pkg/status"
)

const peerLink = "peer"

func sendCmd() *cobra.Command {
	var (
		name        string
		destination string
		wait        time.Duration
		timeout     time.Duration
	)

	cmd := &cobra.Command{
		Use:   "send address json|-",
		Short: "Send a JSON document as a message",
		Long: `Connect to a node at address, e.g., "localhost:7447" or "ws://host:port/",
and send the JSON object, read from stdin for "-". Received messages are
printed until the wait duration elapsed.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := readInput(args[1], cmd.InOrStdin())
			if err != nil {
				return err
			}
			doc, err := status.DocumentFromJSON(data)
			if err != nil {
				return err
			}

			connected := make(chan struct{}, 1)
			received := make(chan *message.Message, 64)

			n := node.New(name, node.DefaultOptions())
			defer func() { _ = n.Close() }()

			n.SetHandler(node.Handler{
				LinkConnected: func(*node.Node, *node.Link) {
					select {
					case connected <- struct{}{}:
					default:
					}
				},
				ReceivedMessage: func(_ *node.Node, _ *node.Link, msg *message.Message) {
					queueReply(received, msg)
				},
			})

			if _, err := n.Connect(peerLink, args[0]); err != nil {
				return err
			}
			if err := n.SetDefaultLink(peerLink); err != nil {
				return err
			}

			select {
			case <-connected:
			case <-time.After(timeout):
				return fmt.Errorf("connecting to %s timed out", args[0])
			}

			msg := message.New(doc)
			if destination != "" {
				msg.SetDestination(destination)
			}
			if err := n.SendMessage(msg); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "sent %v\n", msg)

			deadline := time.After(wait)
			for {
				select {
				case msg := <-received:
					_, _ = fmt.Fprintf(cmd.OutOrStdout(), "received %v\n", msg)
				case <-deadline:
					return nil
				}
			}
		},
	}

	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "bsonnet-tool"
	}

	cmd.Flags().StringVarP(&name, "name", "n", hostname, "Node name, used as the message's source")
	cmd.Flags().StringVarP(&destination, "destination", "d", "", "Message destination")
	cmd.Flags().DurationVarP(&wait, "wait", "w", 0, "Duration to wait for replies")
	cmd.Flags().DurationVarP(&timeout, "timeout", "t", 5*time.Second, "Connection timeout")

	return cmd
}

// queueReply hands a received Message to the printing loop without blocking the Connection.
func queueReply(received chan<- *message.Message, msg *message.Message) bool {
	select {
	case received <- msg:
		return true
	default:
		log.WithField("message", msg).Warn("Dropping reply, too many pending")
		return false
	}
}
