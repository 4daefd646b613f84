// SPDX-FileCopyrightText: 2021 The bsonnet Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package status

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"

	"github.com/dtn7/bsonnet/pkg/bson"
	"github.com/dtn7/bsonnet/pkg/message"
	"github.com/dtn7/bsonnet/pkg/node"
	"github.com/dtn7/bsonnet/pkg/transport"
)

func randomTcpPort(t *testing.T) (port int) {
	if addr, err := net.ResolveTCPAddr("tcp", "localhost:0"); err != nil {
		t.Fatal(err)
	} else if l, err := net.ListenTCP("tcp", addr); err != nil {
		t.Fatal(err)
	} else {
		port = l.Addr().(*net.TCPAddr).Port
		_ = l.Close()
	}
	return
}

// connectedNodes returns a Node "local" with a Status and a connected Link to a Node "remote".
func connectedNodes(t *testing.T) (local, remote *node.Node, s *Status, received chan *message.Message) {
	address := fmt.Sprintf("127.0.0.1:%d", randomTcpPort(t))

	received = make(chan *message.Message, 16)
	remote = node.New("remote", node.DefaultOptions())
	remote.SetHandler(node.Handler{
		ReceivedMessage: func(_ *node.Node, _ *node.Link, msg *message.Message) { received <- msg },
	})
	if err := remote.Listen(transport.ListenTCP(address)); err != nil {
		t.Fatal(err)
	}

	connected := make(chan struct{}, 1)
	local = node.New("local", node.DefaultOptions())
	s = NewStatus(local, mux.NewRouter())
	local.SetHandler(s.Handler(node.Handler{
		LinkConnected: func(*node.Node, *node.Link) {
			select {
			case connected <- struct{}{}:
			default:
			}
		},
	}))

	if _, err := local.Connect("remote", address); err != nil {
		t.Fatal(err)
	}

	select {
	case <-connected:
	case <-time.After(5 * time.Second):
		t.Fatal("Link did not connect")
	}
	return
}

func request(s *Status, method, path, body string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(method, path, strings.NewReader(body)))
	return rec
}

func TestStatusLinks(t *testing.T) {
	local, remote, s, _ := connectedNodes(t)
	defer func() { _ = local.Close() }()
	defer func() { _ = remote.Close() }()

	if err := local.SetDefaultLink("remote"); err != nil {
		t.Fatal(err)
	}

	rec := request(s, http.MethodGet, "/links", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /links returned %d", rec.Code)
	}

	var infos []LinkInfo
	if err := json.NewDecoder(rec.Body).Decode(&infos); err != nil {
		t.Fatal(err)
	}

	if len(infos) != 1 {
		t.Fatalf("Expected one link, got %v", infos)
	}
	if info := infos[0]; info.Name != "remote" || info.State != "connected" || !info.Default || info.Permanent {
		t.Fatalf("Link info is %v", info)
	}

	if rec := request(s, http.MethodPost, "/links", ""); rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("POST /links returned %d", rec.Code)
	}
}

func TestStatusSend(t *testing.T) {
	local, remote, s, received := connectedNodes(t)
	defer func() { _ = local.Close() }()
	defer func() { _ = remote.Close() }()

	rec := request(s, http.MethodPost, "/send", `{"destination": "remote", "document": {"a": 1, "b": "x", "c": 1.5}}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("POST /send returned %d: %s", rec.Code, rec.Body)
	}

	select {
	case msg := <-received:
		doc := msg.Document()
		if v, _ := doc.Get("a"); v != bson.Int32(1) {
			t.Fatalf("Field a is %v", v)
		}
		if v, _ := doc.Get("b"); v != bson.String("x") {
			t.Fatalf("Field b is %v", v)
		}
		if v, _ := doc.Get("c"); v != bson.Double(1.5) {
			t.Fatalf("Field c is %v", v)
		}
		if msg.Source() != "local" || msg.Destination() != "remote" {
			t.Fatalf("Message is addressed %q -> %q", msg.Source(), msg.Destination())
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Document was not received")
	}

	tests := []struct {
		name string
		body string
		err  string
	}{
		{"unknown destination", `{"destination": "nowhere", "document": {"a": 1}}`, "no route"},
		{"missing document", `{"destination": "remote"}`, "missing document"},
		{"array document", `{"destination": "remote", "document": [1, 2]}`, "not a JSON object"},
		{"malformed request", `{"destination"`, "unexpected EOF"},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			rec := request(s, http.MethodPost, "/send", test.body)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("POST /send returned %d", rec.Code)
			}

			var resp SendResponse
			if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
				t.Fatal(err)
			}
			if !strings.Contains(resp.Error, test.err) {
				t.Fatalf("Error %q does not contain %q", resp.Error, test.err)
			}
		})
	}
}

func TestStatusStatsAndMetrics(t *testing.T) {
	local, remote, s, _ := connectedNodes(t)
	defer func() { _ = local.Close() }()
	defer func() { _ = remote.Close() }()

	rs, err := node.NewReliableService(local, "remote", node.DefaultReliableOptions())
	if err != nil {
		t.Fatal(err)
	}
	defer rs.Close()
	s.AddService(rs)

	if err := rs.SendDocument(bson.NewDocument(bson.Element{Key: "a", Value: bson.Int32(1)})); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		rec := request(s, http.MethodGet, "/stats", "")

		var stats []ServiceStats
		if err := json.NewDecoder(rec.Body).Decode(&stats); err != nil {
			t.Fatal(err)
		}
		if len(stats) != 1 || stats[0].Name != "remote" {
			t.Fatalf("Stats are %v", stats)
		}
		if stats[0].Send.Unique == 1 && stats[0].Send.Consumed >= 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("Stats do not show the message: %v", stats)
		}
		time.Sleep(10 * time.Millisecond)
	}

	rec := request(s, http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /metrics returned %d", rec.Code)
	}

	body := rec.Body.String()
	for _, expected := range []string{
		`bsonnet_links{node="local"} 1`,
		`bsonnet_links_connected{node="local"} 1`,
		`bsonnet_link_events_total{event="connected",node="local"} 1`,
		`bsonnet_messages_sent_total{node="local"}`,
		`bsonnet_service_messages{counter="unique",direction="send",node="local",service="remote"} 1`,
	} {
		if !strings.Contains(body, expected) {
			t.Errorf("Metrics do not contain %q:\n%s", expected, body)
		}
	}

	s.RemoveService("remote")
	rec = request(s, http.MethodGet, "/stats", "")
	if strings.TrimSpace(rec.Body.String()) != "[]" {
		t.Fatalf("Stats after removal are %s", rec.Body)
	}
}

func TestDocumentFromJSON(t *testing.T) {
	doc, err := DocumentFromJSON([]byte(`{"n": 9007199254740993, "nested": {"t": true}, "list": [1, "a"], "null": null}`))
	if err != nil {
		t.Fatal(err)
	}

	if v, _ := doc.Get("n"); v != bson.Int64(9007199254740993) {
		t.Fatalf("Large number is %v", v)
	}
	if v, _ := doc.Get("null"); v != (bson.Null{}) {
		t.Fatalf("Null is %v", v)
	}
	if v, ok := doc.Get("nested"); !ok {
		t.Fatal("Nested document is missing")
	} else if nested, ok := v.(*bson.Document); !ok || nested.Len() != 1 {
		t.Fatalf("Nested document is %v", v)
	}
}
