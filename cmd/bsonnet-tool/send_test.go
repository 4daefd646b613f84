// SPDX-FileCopyrightText: 2021 The bsonnet Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package main

import (
	"testing"
	"time"

	"github.com/dtn7/bsonnet/pkg/message"
)

func TestQueueReplyFull(t *testing.T) {
	received := make(chan *message.Message, 2)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 5; i++ {
			ok := queueReply(received, message.New(nil))
			if expected := i < 2; ok != expected {
				t.Errorf("Reply %d queued: %t", i, ok)
			}
		}
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Queueing replies blocked")
	}

	if len(received) != 2 {
		t.Fatalf("%d replies are queued", len(received))
	}
}
