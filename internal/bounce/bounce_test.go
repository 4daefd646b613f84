// SPDX-FileCopyrightText: 2021 The bsonnet Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package bounce

import (
	"testing"
	"time"

	"github.com/dtn7/bsonnet/pkg/bson"
	"github.com/dtn7/bsonnet/pkg/connection"
	"github.com/dtn7/bsonnet/pkg/message"
	"github.com/dtn7/bsonnet/pkg/node"
	"github.com/dtn7/bsonnet/pkg/transport"
)

func TestBounce(t *testing.T) {
	ta, tb := transport.Pipe()

	connA := connection.Accept(ta, connection.DefaultOptions())
	connB := connection.Accept(tb, connection.DefaultOptions())
	connA.Connect()
	connB.Connect()

	deadline := time.Now().Add(5 * time.Second)
	for !connA.IsConnected() || !connB.IsConnected() {
		if time.Now().After(deadline) {
			t.Fatal("Pipe connections did not connect")
		}
		time.Sleep(10 * time.Millisecond)
	}

	bouncer := node.New("bouncer", node.DefaultOptions())
	defer func() { _ = bouncer.Close() }()

	bounced := make(chan *message.Message, 1)
	bouncer.SetHandler(Handler(node.Handler{
		ReceivedMessage: func(_ *node.Node, _ *node.Link, msg *message.Message) { bounced <- msg },
	}))

	sender := node.New("sender", node.DefaultOptions())
	defer func() { _ = sender.Close() }()

	received := make(chan *message.Message, 1)
	sender.SetHandler(node.Handler{
		ReceivedMessage: func(_ *node.Node, _ *node.Link, msg *message.Message) { received <- msg },
	})

	if _, err := bouncer.AddLink("sender", connB); err != nil {
		t.Fatal(err)
	}
	if _, err := sender.AddLink("bouncer", connA); err != nil {
		t.Fatal(err)
	}

	doc := bson.NewDocument(
		bson.Element{Key: "greeting", Value: bson.String("hello")},
		bson.Element{Key: "n", Value: bson.Int64(23)})
	if err := sender.SendDocument("bouncer", doc); err != nil {
		t.Fatal(err)
	}

	select {
	case <-bounced:
	case <-time.After(5 * time.Second):
		t.Fatal("Bouncer's handler was not called")
	}

	select {
	case msg := <-received:
		if msg.Source() != "sender" || msg.Destination() != "bouncer" {
			t.Fatalf("Bounced message was modified: %v", msg)
		}
		if v, _ := msg.Document().Get("greeting"); v != bson.String("hello") {
			t.Fatalf("Bounced message is %v", msg)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Message was not bounced")
	}
}
