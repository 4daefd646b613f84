// SPDX-FileCopyrightText: 2021 The bsonnet Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package main

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/dtn7/bsonnet/pkg/frame"
)

func TestDumpRoundTrip(t *testing.T) {
	// {"a": "b"} as a frame: 4 bytes length, 14 bytes document.
	const frameHex = "12000000 0e000000 02 6100 02000000 6200 00"

	out, err := decodeFrames(frameHex)
	if err != nil {
		t.Fatal(err)
	}
	if out != "{\"a\": \"b\"}\n" {
		t.Fatalf("Decoded %q", out)
	}

	dump, err := encodeFrame([]byte(`{"a": "b"}`))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(dump, "00000000  12 00 00 00 0e 00 00 00  02 61 00 02 00 00 00 62") {
		t.Fatalf("Dump is %q", dump)
	}
}

func TestDumpInvalid(t *testing.T) {
	if _, err := decodeFrames("zz"); err == nil {
		t.Fatal("Invalid hex was decoded")
	}
	if _, err := decodeFrames("12000000 0e000000"); !errors.Is(err, frame.ErrMalformedFrame) {
		t.Fatalf("Truncated frame resulted in %v", err)
	}
	if _, err := encodeFrame([]byte(`[1]`)); err == nil {
		t.Fatal("JSON array was encoded")
	}
}

func TestDumpCommand(t *testing.T) {
	cmd := dumpCmd()

	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetIn(strings.NewReader(`{"n": 1}`))
	cmd.SetArgs([]string{"-"})

	if err := cmd.Execute(); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), "10 6e 00 01 00 00 00") {
		t.Fatalf("Dump is %q", out.String())
	}
}

func TestReadInput(t *testing.T) {
	if data, _ := readInput("{}", nil); string(data) != "{}" {
		t.Fatalf("Argument input is %q", data)
	}
	if data, _ := readInput("-", strings.NewReader("stdin")); string(data) != "stdin" {
		t.Fatalf("Stdin input is %q", data)
	}
}
