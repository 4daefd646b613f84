// SPDX-FileCopyrightText: 2021 The bsonnet Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package message provides addressed Messages and a Queue implementing reliable, ordered delivery on top of them.
//
// A Message is a BSON document which might carry metadata next to its payload: a source and a destination name for
// routing, and a sequence number, an acknowledgement number and a token for reliability. The session keys identify the
// Queue instance which assigned the sequence number and the one being acknowledged. A document without any of these
// keys is a bare payload.
package message

import "github.com/dtn7/bsonnet/pkg/bson"

// Metadata keys embedded in a Message's document.
const (
	KeySource      = "source"
	KeyDestination = "destination"
	KeySeqNo       = "seqNo"
	KeyAckNo       = "ackNo"
	KeyToken       = "token"
	KeySession     = "session"
	KeyAckSession  = "ackSession"
)

var metadataKeys = []string{KeySource, KeyDestination, KeySeqNo, KeyAckNo, KeyToken, KeySession, KeyAckSession}

// Message wraps a document with accessors for its metadata.
type Message struct {
	doc *bson.Document
}

// New creates a Message for a document. A nil document results in an empty one. The document is not copied.
func New(doc *bson.Document) *Message {
	if doc == nil {
		doc = bson.NewDocument()
	}
	return &Message{doc: doc}
}

// FromMap creates a Message from a map by bson.FromMap.
func FromMap(m map[string]interface{}) (*Message, error) {
	doc, err := bson.FromMap(m)
	if err != nil {
		return nil, err
	}
	return New(doc), nil
}

// Document of this Message, including its metadata.
func (msg *Message) Document() *bson.Document {
	return msg.doc
}

// Payload is a copy of the document without the metadata keys.
func (msg *Message) Payload() *bson.Document {
	payload := msg.doc.Clone()
	for _, key := range metadataKeys {
		payload.Delete(key)
	}
	return payload
}

// HasPayload checks if the document contains other keys than the metadata.
func (msg *Message) HasPayload() bool {
	return msg.Payload().Len() > 0
}

// Has checks if the document contains this key.
func (msg *Message) Has(key string) bool {
	return msg.doc.Has(key)
}

// Clone creates a deep copy.
func (msg *Message) Clone() *Message {
	return New(msg.doc.Clone())
}

func (msg *Message) String() string {
	return msg.doc.String()
}

func (msg *Message) getString(key string) string {
	if v, ok := msg.doc.Get(key); ok {
		if s, ok := v.(bson.String); ok {
			return string(s)
		}
	}
	return ""
}

func (msg *Message) setString(key, value string) {
	if value == "" {
		msg.doc.Delete(key)
	} else {
		msg.doc.Set(key, bson.String(value))
	}
}

func (msg *Message) getUint(key string) (uint64, bool) {
	v, ok := msg.doc.Get(key)
	if !ok {
		return 0, false
	}

	switch n := v.(type) {
	case bson.Int64:
		if n >= 0 {
			return uint64(n), true
		}
	case bson.Int32:
		if n >= 0 {
			return uint64(n), true
		}
	}
	return 0, false
}

func (msg *Message) setUint(key string, value uint64) {
	msg.doc.Set(key, bson.Int64(int64(value)))
}

// Source names the sender, or is empty.
func (msg *Message) Source() string {
	return msg.getString(KeySource)
}

// SetSource sets the source; an empty string removes it.
func (msg *Message) SetSource(source string) {
	msg.setString(KeySource, source)
}

// Destination names the recipient, or is empty.
func (msg *Message) Destination() string {
	return msg.getString(KeyDestination)
}

// SetDestination sets the destination; an empty string removes it.
func (msg *Message) SetDestination(destination string) {
	msg.setString(KeyDestination, destination)
}

// IsAddressed checks if both source and destination are set.
func (msg *Message) IsAddressed() bool {
	return msg.Source() != "" && msg.Destination() != ""
}

// SeqNo is the sequence number, if present.
func (msg *Message) SeqNo() (uint64, bool) {
	return msg.getUint(KeySeqNo)
}

// SetSeqNo sets the sequence number.
func (msg *Message) SetSeqNo(seqNo uint64) {
	msg.setUint(KeySeqNo, seqNo)
}

// AckNo is the cumulative acknowledgement number, if present.
func (msg *Message) AckNo() (uint64, bool) {
	return msg.getUint(KeyAckNo)
}

// SetAckNo sets the cumulative acknowledgement number.
func (msg *Message) SetAckNo(ackNo uint64) {
	msg.setUint(KeyAckNo, ackNo)
}

// IsReliable checks if this Message carries a sequence number.
func (msg *Message) IsReliable() bool {
	_, ok := msg.SeqNo()
	return ok
}

// Token is an application defined number, if present.
func (msg *Message) Token() (uint64, bool) {
	return msg.getUint(KeyToken)
}

// SetToken sets the token.
func (msg *Message) SetToken(token uint64) {
	msg.setUint(KeyToken, token)
}

// Session identifies the sender's Queue, if present.
func (msg *Message) Session() (uint64, bool) {
	return msg.getUint(KeySession)
}

// SetSession sets the sender's session.
func (msg *Message) SetSession(session uint64) {
	msg.setUint(KeySession, session)
}

// AckSession identifies the Queue whose sequence numbers the AckNo refers to, if present.
func (msg *Message) AckSession() (uint64, bool) {
	return msg.getUint(KeyAckSession)
}

// SetAckSession sets the acknowledged session.
func (msg *Message) SetAckSession(session uint64) {
	msg.setUint(KeyAckSession, session)
}
