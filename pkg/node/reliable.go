// SPDX-FileCopyrightText: 2021 The bsonnet Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package node

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dtn7/bsonnet/internal/executor"
	"github.com/dtn7/bsonnet/pkg/bson"
	"github.com/dtn7/bsonnet/pkg/message"
)

// ReliableOptions configure a ReliableService.
type ReliableOptions struct {
	// ResendInterval between two transmissions of an unacknowledged Message.
	ResendInterval time.Duration

	// TickInterval between two runs transmitting due Messages and owed acknowledgements.
	TickInterval time.Duration

	// MaxResends limits the retransmissions of a Message; zero means no limit.
	MaxResends int

	// ResendTimeout limits the time a Message might stay unacknowledged; zero means no limit.
	ResendTimeout time.Duration
}

// DefaultReliableOptions resend every second without any limit.
func DefaultReliableOptions() ReliableOptions {
	return ReliableOptions{
		ResendInterval: message.DefaultResendInterval,
		TickInterval:   250 * time.Millisecond,
	}
}

// ReliableService is a RemoteService with acknowledged, ordered and duplicate free delivery, using a message.Queue
// on its own executor. The remote must use a ReliableService for this Node's name as well.
//
// Outbound Messages are transmitted on each tick until acknowledged. If a Message exceeds the MaxResends or the
// ResendTimeout, an ErrSendTimeout is reported and the Link to the remote is disconnected. All pending Messages
// are dropped whenever the Link carrying the remote's traffic goes down, which is the Link of the latest transmission
// or reception. The queue's new session lets the remote restart its receive direction as well.
type ReliableService struct {
	serviceBase

	opts ReliableOptions
	exec *executor.Executor

	// Only accessed from the executor.
	queue      *message.Queue
	link       *Link
	ackOwed    bool
	unroutable bool
	timer      *executor.Timer
	closed     bool

	statsMutex sync.Mutex
	sendStats  message.Stats
	recvStats  message.Stats
}

// NewReliableService attaches a ReliableService for the remote's name to the Node.
func NewReliableService(node *Node, name string, opts ReliableOptions) (*ReliableService, error) {
	if opts.ResendInterval <= 0 {
		opts.ResendInterval = message.DefaultResendInterval
	}
	if opts.TickInterval <= 0 {
		opts.TickInterval = DefaultReliableOptions().TickInterval
	}

	rs := &ReliableService{
		serviceBase: serviceBase{node: node, name: name},

		opts:  opts,
		exec:  executor.New(),
		queue: message.NewQueue(opts.ResendInterval),
	}

	if err := node.registerService(name, rs); err != nil {
		return nil, err
	}

	rs.exec.Post(rs.schedule)
	return rs, nil
}

// Close detaches this ReliableService from its Node and stops its timer. Pending Messages are dropped.
func (rs *ReliableService) Close() {
	rs.node.unregisterService(rs.name, rs)

	rs.exec.Post(func() {
		rs.closed = true
		rs.timer.Stop()
	})
	rs.exec.Stop()
}

// SendMessage queues the Message for reliable transmission to the remote. Routing failures are returned directly;
// a later loss of the route results in retransmissions.
func (rs *ReliableService) SendMessage(msg *message.Message) error {
	if _, err := rs.node.route(rs.name); err != nil {
		return fmt.Errorf("service %s: %w", rs.name, err)
	}

	rs.address(msg)

	if !rs.exec.Post(func() {
		if rs.closed {
			return
		}

		seqNo := rs.queue.EnqueueSend(msg)
		rs.log().WithField("seqNo", seqNo).Debug("Service queued message")

		rs.flush()
	}) {
		return fmt.Errorf("service %s is closed", rs.name)
	}
	return nil
}

// SendDocument sends the document as a reliable Message.
func (rs *ReliableService) SendDocument(doc *bson.Document) error {
	return rs.SendMessage(message.New(doc))
}

// SendMap sends the map as a reliable Message.
func (rs *ReliableService) SendMap(m map[string]interface{}) error {
	msg, err := message.FromMap(m)
	if err != nil {
		return err
	}
	return rs.SendMessage(msg)
}

// Stats of the current queue, for both directions.
func (rs *ReliableService) Stats() (send, recv message.Stats) {
	rs.statsMutex.Lock()
	defer rs.statsMutex.Unlock()

	return rs.sendStats, rs.recvStats
}

func (rs *ReliableService) updateStats() {
	rs.statsMutex.Lock()
	rs.sendStats = rs.queue.SendStats()
	rs.recvStats = rs.queue.RecvStats()
	rs.statsMutex.Unlock()
}

func (rs *ReliableService) schedule() {
	if rs.closed {
		return
	}
	rs.timer = rs.exec.AfterFunc(rs.opts.TickInterval, rs.tick)
}

func (rs *ReliableService) tick() {
	if rs.closed {
		return
	}

	rs.checkLimits()
	rs.flush()
	rs.schedule()
}

// checkLimits reports the first Message exceeding the resend limits and resets the queue.
func (rs *ReliableService) checkLimits() {
	if rs.opts.MaxResends <= 0 && rs.opts.ResendTimeout <= 0 {
		return
	}

	now := time.Now()
	for _, info := range rs.queue.PendingInfos() {
		resends := info.Attempts - 1
		exceeded := rs.opts.MaxResends > 0 && resends >= rs.opts.MaxResends && now.Sub(info.SentAt) >= rs.opts.ResendInterval
		exceeded = exceeded || rs.opts.ResendTimeout > 0 && now.Sub(info.EnqueuedAt) >= rs.opts.ResendTimeout
		if !exceeded {
			continue
		}

		err := fmt.Errorf("%w: message %d to %s after %d transmissions", ErrSendTimeout, info.SeqNo, rs.name, info.Attempts)
		rs.log().WithError(err).WithField("stats", rs.queue.StatsString()).Warn("Service gives up")

		if h := rs.getHandler(); h.SendTimeout != nil {
			if msg, ok := rs.queue.PendingMessage(info.SeqNo); ok {
				h.SendTimeout(rs.name, msg)
			}
		}
		rs.emitError(err)

		link := rs.link
		if link == nil {
			link, _ = rs.node.route(rs.name)
		}
		rs.reset()
		if link != nil {
			link.Disconnect()
		}
		return
	}
}

// flush transmits all due Messages, carrying the current acknowledgement, or a pure acknowledgement if one is owed.
func (rs *ReliableService) flush() {
	defer rs.updateStats()

	for {
		msg, ok := rs.queue.DequeueSend()
		if !ok {
			break
		}

		// Stays pending on failure and will be retransmitted.
		if !rs.transmit(msg) {
			return
		}

		rs.ackOwed = false
		rs.emitSent(msg)
	}

	if rs.ackOwed {
		ack := rs.queue.AckMessage()
		rs.address(ack)

		if rs.transmit(ack) {
			rs.ackOwed = false
		}
	}
}

// transmit sends the Message on the Link currently routing to the remote, which becomes this service's Link. A
// routing failure is reported once until a route exists again.
func (rs *ReliableService) transmit(msg *message.Message) bool {
	rs.queue.StampAck(msg)

	link, err := rs.node.route(rs.name)
	if err == nil {
		err = link.SendMessage(msg)
	}
	if err != nil {
		rs.log().WithError(err).Debug("Service failed to transmit message")
		if errors.Is(err, ErrRoutingFailure) && !rs.unroutable {
			rs.unroutable = true
			rs.emitError(fmt.Errorf("service %s: %w", rs.name, err))
		}
		return false
	}

	rs.unroutable = false
	rs.link = link
	return true
}

func (rs *ReliableService) deliver(link *Link, msg *message.Message) {
	rs.exec.Post(func() {
		if rs.closed {
			return
		}

		rs.link = link
		rs.queue.EnqueueRecv(msg)
		if msg.IsReliable() {
			// Duplicates are acknowledged as well, as the previous acknowledgement might be lost.
			rs.ackOwed = true
		}

		for {
			next, ok := rs.queue.DequeueRecv()
			if !ok {
				break
			}
			rs.emitReceived(next)
		}
		rs.updateStats()
	})
}

func (rs *ReliableService) linkDown(link *Link) {
	rs.exec.Post(func() {
		if rs.closed || rs.link != link {
			return
		}

		rs.log().WithField("stats", rs.queue.StatsString()).Info("Service resets its queue as the link went down")
		rs.reset()
	})
}

func (rs *ReliableService) reset() {
	rs.queue = message.NewQueue(rs.opts.ResendInterval)
	rs.link = nil
	rs.ackOwed = false
	rs.updateStats()
}
