// SPDX-FileCopyrightText: 2021 The bsonnet Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dtn7/bsonnet/internal/bounce"
	"github.com/dtn7/bsonnet/pkg/message"
	"github.com/dtn7/bsonnet/pkg/node"
	"github.com/dtn7/bsonnet/pkg/transport"
)

func bounceCmd() *cobra.Command {
	var (
		name      string
		websocket bool
	)

	cmd := &cobra.Command{
		Use:   "bounce address",
		Short: "Echo every received document",
		Long: `Listen on address, e.g., ":7447", and write every received document
unchanged back to its sender until interrupted.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			n := node.New(name, node.DefaultOptions())
			defer func() { _ = n.Close() }()

			n.SetHandler(bounce.Handler(node.Handler{
				LinkConnected: func(_ *node.Node, link *node.Link) {
					_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%v connected\n", link)
				},
				LinkDisconnected: func(_ *node.Node, link *node.Link) {
					_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%v disconnected\n", link)
				},
				ReceivedMessage: func(_ *node.Node, link *node.Link, msg *message.Message) {
					_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%v: %v\n", link, msg)
				},
			}))

			var listener transport.Listener
			if websocket {
				listener = transport.NewWebSocketListener(args[0])
			} else {
				listener = transport.ListenTCP(args[0])
			}

			if err := n.Listen(listener); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "bouncing on %s\n", listener.Address())

			waitSignal()
			return nil
		},
	}

	cmd.Flags().StringVarP(&name, "name", "n", "bouncer", "Node name")
	cmd.Flags().BoolVar(&websocket, "ws", false, "Listen for WebSockets instead of TCP")

	return cmd
}
