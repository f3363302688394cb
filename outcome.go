package amqprpc

import "fmt"

// disposition is the broker-level action an outcome maps to.
type disposition int

const (
	dispositionAck disposition = iota
	dispositionRequeue
	dispositionDrop
)

// Outcome is the result of one handler invocation. Exactly one of the four
// constructors produces it, and the variant alone determines the
// acknowledgment action and whether a reply is published:
//
//	Accept        ack, no reply
//	AcceptReply   ack, reply published to the caller
//	Retry         reject with requeue, no reply
//	Fail          reject without requeue, failure detail published
type Outcome struct {
	disposition disposition
	reply       []byte
	hasReply    bool
	detail      string
	failed      bool
}

// Accept acknowledges the message without replying.
func Accept() Outcome {
	return Outcome{disposition: dispositionAck}
}

// AcceptReply acknowledges the message and replies to the caller with body.
func AcceptReply(body []byte) Outcome {
	return Outcome{disposition: dispositionAck, reply: body, hasReply: true}
}

// Retry returns the message to the queue for redelivery, to any available
// consumer, possibly this one.
func Retry() Outcome {
	return Outcome{disposition: dispositionRequeue}
}

// Fail drops the message. detail is rendered with its canonical string form
// and published to the caller when the request carries a reply-to
// destination, so a waiting caller observes why its call failed instead of
// timing out.
func Fail(detail any) Outcome {
	return Outcome{disposition: dispositionDrop, detail: fmt.Sprint(detail), failed: true}
}

// Failed reports whether the outcome is a permanent failure.
func (o Outcome) Failed() bool {
	return o.failed
}

// Detail returns the failure detail; empty unless Failed.
func (o Outcome) Detail() string {
	return o.detail
}

// replyBody returns the bytes to publish back to the caller, if any.
func (o Outcome) replyBody() ([]byte, bool) {
	switch {
	case o.hasReply:
		return o.reply, true
	case o.failed:
		return []byte(o.detail), true
	default:
		return nil, false
	}
}

// String names the outcome variant for logging.
func (o Outcome) String() string {
	switch {
	case o.failed:
		return "permanent-failure"
	case o.hasReply:
		return "accepted-with-reply"
	case o.disposition == dispositionRequeue:
		return "retryable-failure"
	default:
		return "accepted"
	}
}
