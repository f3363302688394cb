// Package amqprpc implements the server side of asynchronous RPC over an
// AMQP 0-9-1 broker.
//
// A Server subscribes to one queue and dispatches every delivery to a
// caller-supplied Handler in its own goroutine, so a slow handler never
// blocks receipt of further deliveries. The handler returns one of four
// outcomes, which alone determines what happens at the broker:
//
//	Accept()         acknowledge, no reply
//	AcceptReply(b)   acknowledge and publish b to the request's reply-to
//	Retry()          reject with requeue
//	Fail(detail)     reject without requeue, publish detail to reply-to
//
// Replies carry the request's correlation id verbatim and are published to
// the default exchange routed by the reply-to queue name, so a waiting
// caller can match them to its call.
//
// The server keeps its connection alive indefinitely: initial connect
// failures are retried with a fixed delay (see WithFailFast to opt out),
// and a lost established connection is re-dialed immediately. The queue
// itself is assumed to be declared by the deployment.
//
//	srv, err := amqprpc.NewServer(url, "rpc.billing",
//		amqprpc.HandlerFunc(func(ctx context.Context, payload []byte) amqprpc.Outcome {
//			return amqprpc.AcceptReply([]byte("ok"))
//		}))
//	if err != nil {
//		log.Fatal(err)
//	}
//	if err := srv.Start(ctx); err != nil {
//		log.Fatal(err)
//	}
//	defer srv.Stop()
package amqprpc
