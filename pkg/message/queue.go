// SPDX-FileCopyrightText: 2021 The bsonnet Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package message

import (
	"fmt"
	"math/rand"
	"sort"
	"time"
)

// DefaultResendInterval is used by NewQueue for a non-positive interval.
const DefaultResendInterval = time.Second

// Stats counts a Queue's traffic in one direction.
//
// For the send direction, Unique counts enqueued Messages, Consumed counts transmissions, Duplicate counts
// retransmissions, Absolute counts Messages retired by an acknowledgement and AckOnly counts pure
// acknowledgements created by AckMessage.
//
// For the receive direction, Unique counts new Messages, Duplicate counts dropped redeliveries, Consumed counts
// Messages delivered in order and AckOnly counts Messages without a sequence number.
type Stats struct {
	Unique    uint64
	Absolute  uint64
	Duplicate uint64
	Consumed  uint64
	AckOnly   uint64
}

func (s Stats) String() string {
	return fmt.Sprintf("unique=%d absolute=%d duplicate=%d consumed=%d ackonly=%d",
		s.Unique, s.Absolute, s.Duplicate, s.Consumed, s.AckOnly)
}

// PendingInfo describes an unacknowledged outbound Message.
type PendingInfo struct {
	SeqNo      uint64
	EnqueuedAt time.Time
	// SentAt is the time of the latest transmission; zero if never transmitted.
	SentAt   time.Time
	Attempts int
}

type pendingEntry struct {
	PendingInfo
	msg *Message
}

type readyEntry struct {
	seqNo uint64
	msg   *Message
}

// Queue implements cumulative acknowledgement, retransmission, duplicate suppression and in-order delivery for the
// Messages exchanged with one remote.
//
// Sequence numbers start at 1. The cumulative acknowledgement number announces the highest sequence number up to
// which all inbound Messages were delivered.
//
// Each Queue picks a random session. Outbound Messages carry it, and acknowledgements name the remote session they
// refer to. An inbound Message from a new remote session restarts the receive direction, while acknowledgements for
// another session than this Queue's are ignored.
//
// A Queue is not safe for concurrent use; it must be owned by one executor.
type Queue struct {
	resendInterval time.Duration
	now            func() time.Time

	session     uint64
	peerSession uint64

	nextSeqNo uint64
	ackedNo   uint64
	sendQueue []*pendingEntry

	deliveredNo uint64
	recvQueue   []readyEntry

	sendStats Stats
	recvStats Stats
}

// NewQueue creates a Queue retransmitting unacknowledged Messages after the interval.
func NewQueue(resendInterval time.Duration) *Queue {
	if resendInterval <= 0 {
		resendInterval = DefaultResendInterval
	}

	return &Queue{
		resendInterval: resendInterval,
		now:            time.Now,
		session:        newSession(),
		nextSeqNo:      1,
	}
}

// newSession is positive to be representable as a BSON int64.
func newSession() uint64 {
	for {
		if session := rand.Int63(); session != 0 {
			return uint64(session)
		}
	}
}

// Session of this Queue, attached to all outbound Messages.
func (q *Queue) Session() uint64 {
	return q.session
}

// PeerSession is the remote's latest session, or zero if nothing was received yet.
func (q *Queue) PeerSession() uint64 {
	return q.peerSession
}

// ResendInterval between two transmissions of an unacknowledged Message.
func (q *Queue) ResendInterval() time.Duration {
	return q.resendInterval
}

// EnqueueSend assigns the next sequence number to the Message and marks it for transmission.
func (q *Queue) EnqueueSend(msg *Message) uint64 {
	seqNo := q.nextSeqNo
	q.nextSeqNo++

	msg.SetSeqNo(seqNo)
	msg.SetSession(q.session)
	q.sendQueue = append(q.sendQueue, &pendingEntry{
		PendingInfo: PendingInfo{SeqNo: seqNo, EnqueuedAt: q.now()},
		msg:         msg,
	})
	q.sendStats.Unique++

	return seqNo
}

// DequeueSend returns the Message with the lowest sequence number which was either never transmitted or whose last
// transmission is at least the ResendInterval ago. The Message stays pending until it is acknowledged.
func (q *Queue) DequeueSend() (*Message, bool) {
	now := q.now()

	for _, entry := range q.sendQueue {
		if entry.Attempts > 0 && now.Sub(entry.SentAt) < q.resendInterval {
			continue
		}

		if entry.Attempts > 0 {
			q.sendStats.Duplicate++
		}
		entry.SentAt = now
		entry.Attempts++
		q.sendStats.Consumed++

		return entry.msg, true
	}
	return nil, false
}

// EnqueueRecv processes an inbound Message. Its acknowledgement retires pending outbound Messages. Messages with a
// new sequence number are buffered for DequeueRecv; redeliveries are dropped.
func (q *Queue) EnqueueRecv(msg *Message) {
	if session, ok := msg.Session(); ok && session != q.peerSession {
		if q.peerSession != 0 {
			q.restartRecv()
		}
		q.peerSession = session
	}

	if ackNo, ok := msg.AckNo(); ok {
		if ackSession, ok := msg.AckSession(); !ok || ackSession == q.session {
			q.acknowledge(ackNo)
		}
	}

	seqNo, ok := msg.SeqNo()
	if !ok {
		q.recvStats.AckOnly++
		return
	}

	if seqNo <= q.deliveredNo {
		q.recvStats.Duplicate++
		return
	}

	pos := sort.Search(len(q.recvQueue), func(i int) bool { return q.recvQueue[i].seqNo >= seqNo })
	if pos < len(q.recvQueue) && q.recvQueue[pos].seqNo == seqNo {
		q.recvStats.Duplicate++
		return
	}

	q.recvQueue = append(q.recvQueue, readyEntry{})
	copy(q.recvQueue[pos+1:], q.recvQueue[pos:])
	q.recvQueue[pos] = readyEntry{seqNo: seqNo, msg: msg}
	q.recvStats.Unique++
}

// restartRecv forgets the delivery state of the remote's previous session.
func (q *Queue) restartRecv() {
	q.deliveredNo = 0
	q.recvQueue = nil
}

// acknowledge retires all pending Messages up to ackNo. Acknowledgements beyond the highest assigned sequence number
// are limited to it.
func (q *Queue) acknowledge(ackNo uint64) {
	if highest := q.nextSeqNo - 1; ackNo > highest {
		ackNo = highest
	}
	if ackNo <= q.ackedNo {
		return
	}
	q.ackedNo = ackNo

	retired := 0
	for retired < len(q.sendQueue) && q.sendQueue[retired].SeqNo <= ackNo {
		q.sendQueue[retired] = nil
		retired++
	}
	q.sendQueue = q.sendQueue[retired:]
	q.sendStats.Absolute += uint64(retired)
}

// DequeueRecv returns the next Message in order, if it has arrived. Later Messages stay buffered behind a gap.
func (q *Queue) DequeueRecv() (*Message, bool) {
	if len(q.recvQueue) == 0 || q.recvQueue[0].seqNo != q.deliveredNo+1 {
		return nil, false
	}

	entry := q.recvQueue[0]
	q.recvQueue[0] = readyEntry{}
	q.recvQueue = q.recvQueue[1:]

	q.deliveredNo = entry.seqNo
	q.recvStats.Consumed++

	return entry.msg, true
}

// AckMessage creates a Message carrying only the current cumulative acknowledgement number.
func (q *Queue) AckMessage() *Message {
	msg := New(nil)
	msg.SetSession(q.session)
	q.StampAck(msg)
	q.sendStats.AckOnly++
	return msg
}

// StampAck attaches the current cumulative acknowledgement number and, once known, the remote session it refers to.
func (q *Queue) StampAck(msg *Message) {
	msg.SetAckNo(q.CumulativeAckNo())
	if q.peerSession != 0 {
		msg.SetAckSession(q.peerSession)
	}
}

// CumulativeAckNo is the highest inbound sequence number up to which all Messages were delivered. It should be
// attached to outbound traffic.
func (q *Queue) CumulativeAckNo() uint64 {
	return q.deliveredNo
}

// AckedNo is the highest outbound sequence number acknowledged by the remote.
func (q *Queue) AckedNo() uint64 {
	return q.ackedNo
}

// NextSeqNo is the sequence number to be assigned next.
func (q *Queue) NextSeqNo() uint64 {
	return q.nextSeqNo
}

// Pending describes the pending outbound Message with this sequence number.
func (q *Queue) Pending(seqNo uint64) (PendingInfo, bool) {
	pos := sort.Search(len(q.sendQueue), func(i int) bool { return q.sendQueue[i].SeqNo >= seqNo })
	if pos < len(q.sendQueue) && q.sendQueue[pos].SeqNo == seqNo {
		return q.sendQueue[pos].PendingInfo, true
	}
	return PendingInfo{}, false
}

// PendingMessage returns the pending outbound Message with this sequence number.
func (q *Queue) PendingMessage(seqNo uint64) (*Message, bool) {
	pos := sort.Search(len(q.sendQueue), func(i int) bool { return q.sendQueue[i].SeqNo >= seqNo })
	if pos < len(q.sendQueue) && q.sendQueue[pos].SeqNo == seqNo {
		return q.sendQueue[pos].msg, true
	}
	return nil, false
}

// PendingInfos describes all pending outbound Messages in ascending order.
func (q *Queue) PendingInfos() []PendingInfo {
	infos := make([]PendingInfo, len(q.sendQueue))
	for i, entry := range q.sendQueue {
		infos[i] = entry.PendingInfo
	}
	return infos
}

// SendPending is the amount of unacknowledged outbound Messages.
func (q *Queue) SendPending() int {
	return len(q.sendQueue)
}

// RecvBuffered is the amount of inbound Messages waiting for delivery.
func (q *Queue) RecvBuffered() int {
	return len(q.recvQueue)
}

// SendStats for outbound Messages.
func (q *Queue) SendStats() Stats {
	return q.sendStats
}

// RecvStats for inbound Messages.
func (q *Queue) RecvStats() Stats {
	return q.recvStats
}

// StatsString summarizes both directions' Stats.
func (q *Queue) StatsString() string {
	return fmt.Sprintf("send: %v, pending=%d; recv: %v, buffered=%d; cumAck=%d",
		q.sendStats, len(q.sendQueue), q.recvStats, len(q.recvQueue), q.deliveredNo)
}
