package amqprpc

import (
	"context"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/relaymq/amqprpc/internal/rabbitmq"
)

// loop waits for sessions from the connection manager and drains each one
// until it dies. The manager re-establishes the consumer after any failure,
// so from here a reconnect just looks like the next session arriving.
func (s *Server) loop(ctx context.Context) {
	for {
		select {
		case sess := <-s.manager.Sessions():
			s.mu.Lock()
			s.current = &sess
			s.mu.Unlock()
			s.serve(ctx, sess)

		case <-s.done:
			return
		case <-ctx.Done():
			return
		}
	}
}

// serve receives delivery and control events for one session, in the order
// the broker sends them. It never blocks on a handler.
func (s *Server) serve(ctx context.Context, sess rabbitmq.Session) {
	for {
		select {
		case d, ok := <-sess.Deliveries:
			if !ok {
				s.logger.Warn("delivery channel closed", "queue", s.queue)
				return
			}
			s.dispatch(ctx, sess.Channel, d)

		case tag, ok := <-sess.Cancels:
			if !ok {
				return
			}
			// The broker revoked the subscription, e.g. the queue was
			// deleted. Not recoverable at this level.
			s.logger.Error("consumer cancelled by broker",
				"queue", s.queue,
				"consumerTag", tag)
			s.escalate(&rabbitmq.ConsumerError{
				Queue:       s.queue,
				ConsumerTag: tag,
				Op:          "consume",
				Err:         rabbitmq.ErrConsumerCancelled,
				Timestamp:   time.Now(),
			})
			return

		case <-s.done:
			return
		case <-ctx.Done():
			return
		}
	}
}

// dispatch launches an independent handler unit for one delivery. The unit
// captures the session channel it was launched under; if a reconnect has
// replaced that channel by the time the unit settles, the ack/publish calls
// fail and the broker redelivers the message.
func (s *Server) dispatch(ctx context.Context, ch rabbitmq.Channel, d amqp.Delivery) {
	s.stats.delivered.Add(1)
	s.stats.inFlight.Add(1)

	unit := func() {
		defer s.stats.inFlight.Add(-1)
		out := s.invoke(ctx, d.Body)
		s.settle(d, out)
		s.respond(ctx, ch, d, out)
	}

	if s.pool != nil {
		if err := s.pool.Submit(unit); err != nil {
			s.stats.inFlight.Add(-1)
			s.logger.Error("failed to submit handler unit",
				"error", err,
				"deliveryTag", d.DeliveryTag)
		}
		return
	}

	go unit()
}

// invoke runs the handler, containing any panic as a permanent failure so
// a faulty handler can never take the server down or touch other in-flight
// messages.
func (s *Server) invoke(ctx context.Context, payload []byte) (out Outcome) {
	defer func() {
		if r := recover(); r != nil {
			s.stats.panics.Add(1)
			s.logger.Error("handler panicked", "panic", r)
			out = Fail(fmt.Sprintf("exception: %v", r))
		}
	}()

	return s.handler.Process(ctx, payload)
}

// settle performs exactly one acknowledgment action for the delivery, per
// the outcome variant: accept, return to the queue, or drop.
func (s *Server) settle(d amqp.Delivery, out Outcome) {
	var err error
	switch out.disposition {
	case dispositionAck:
		if err = d.Ack(false); err == nil {
			s.stats.acked.Add(1)
		}
	case dispositionRequeue:
		if err = d.Reject(true); err == nil {
			s.stats.requeued.Add(1)
		}
	case dispositionDrop:
		if err = d.Reject(false); err == nil {
			s.stats.dropped.Add(1)
		}
	}

	if err != nil {
		// Usually a stale channel after a reconnect. The message is
		// unacknowledged on a dead channel, so the broker redelivers it.
		s.logger.Error("acknowledgment failed",
			"error", err,
			"deliveryTag", d.DeliveryTag,
			"outcome", out.String())
	}
}

// respond publishes the reply, if the outcome produces one and the request
// named a destination. Replies go to the default exchange routed by the
// reply-to queue name, echoing the caller's correlation id verbatim.
func (s *Server) respond(ctx context.Context, ch rabbitmq.Channel, d amqp.Delivery, out Outcome) {
	body, ok := out.replyBody()
	if !ok {
		return
	}

	if d.ReplyTo == "" {
		// The handler produced a reply but the caller gave nowhere to send
		// it; the caller mismatched request/response expectations.
		s.logger.Warn("reply suppressed, request has no reply-to",
			"outcome", out.String(),
			"correlationId", d.CorrelationId)
		return
	}

	pub := amqp.Publishing{
		CorrelationId: d.CorrelationId,
		Body:          body,
	}

	if err := ch.PublishWithContext(ctx, "", d.ReplyTo, false, false, pub); err != nil {
		s.logger.Error("failed to publish reply",
			"error", err,
			"replyTo", d.ReplyTo,
			"correlationId", d.CorrelationId)
		return
	}

	s.stats.replies.Add(1)
	s.logger.Debug("reply published",
		"replyTo", d.ReplyTo,
		"correlationId", d.CorrelationId)
}

// escalate surfaces the first fatal error on Done without blocking
func (s *Server) escalate(err error) {
	select {
	case s.fatal <- err:
	default:
	}
}
