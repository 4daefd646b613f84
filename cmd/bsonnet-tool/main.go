// SPDX-FileCopyrightText: 2021 The bsonnet Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// bsonnet-tool sends documents to, or bounces documents of, other Nodes and dumps their encodings.
package main

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func main() {
	var verbose bool

	rootCmd := &cobra.Command{
		Use:   "bsonnet-tool",
		Short: "Exchange BSON documents with bsonnet nodes",
		Long: `bsonnet-tool talks to bsonnet nodes over TCP or WebSockets.

It sends JSON documents as BSON messages, runs a bouncer echoing every
received document and dumps the wire encoding of documents.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if verbose {
				log.SetLevel(log.DebugLevel)
			} else {
				log.SetLevel(log.WarnLevel)
			}
		},
	}
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	rootCmd.AddCommand(
		sendCmd(),
		bounceCmd(),
		dumpCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

// readInput returns the argument or, for "-", the stdin.
func readInput(arg string, stdin io.Reader) ([]byte, error) {
	if arg == "-" {
		return io.ReadAll(stdin)
	}
	return []byte(arg), nil
}

// waitSignal blocks until a SIGINT or SIGTERM appears.
func waitSignal() {
	signalSyn := make(chan os.Signal, 1)
	signal.Notify(signalSyn, os.Interrupt, syscall.SIGTERM)
	<-signalSyn
}
