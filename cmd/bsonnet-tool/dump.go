// SPDX-FileCopyrightText: 2021 The bsonnet Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package main

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dtn7/bsonnet/pkg/frame"
	"github.com/dtn7/bsonnet/pkg/status"
)

func dumpCmd() *cobra.Command {
	var decode bool

	cmd := &cobra.Command{
		Use:   "dump json|hex|-",
		Short: "Show the frame encoding of a document",
		Long: `Encode a JSON object into a frame and print its hex dump, or, with
--decode, parse a hex encoded frame and print its documents.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := readInput(args[0], cmd.InOrStdin())
			if err != nil {
				return err
			}

			var out string
			if decode {
				out, err = decodeFrames(string(data))
			} else {
				out, err = encodeFrame(data)
			}
			if err != nil {
				return err
			}

			_, _ = fmt.Fprint(cmd.OutOrStdout(), out)
			return nil
		},
	}

	cmd.Flags().BoolVarP(&decode, "decode", "d", false, "Decode hex encoded frames")

	return cmd
}

// encodeFrame of a JSON object as a hex dump.
func encodeFrame(data []byte) (string, error) {
	doc, err := status.DocumentFromJSON(data)
	if err != nil {
		return "", err
	}

	f, err := frame.Encode(doc)
	if err != nil {
		return "", err
	}
	return hex.Dump(f), nil
}

// decodeFrames of hex encoded data, whitespace ignored, one document per line.
func decodeFrames(hexData string) (string, error) {
	data, err := hex.DecodeString(strings.Join(strings.Fields(hexData), ""))
	if err != nil {
		return "", err
	}

	parser := frame.NewParser(0)
	frames, err := parser.Feed(data)
	if err != nil {
		return "", err
	}
	if n := parser.Buffered(); n > 0 {
		return "", fmt.Errorf("%w: %d trailing bytes", frame.ErrMalformedFrame, n)
	}

	var b strings.Builder
	for _, f := range frames {
		b.WriteString(f.Document.String())
		b.WriteByte('\n')
	}
	return b.String(), nil
}
