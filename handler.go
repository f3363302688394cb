package amqprpc

import "context"

// Handler is the business-logic boundary the server calls into: one
// operation, payload bytes in, structured outcome out. The server never
// inspects the payload; decoding it is entirely the handler's concern.
//
// A handler must not panic across this boundary; if it does, the server
// contains the panic and treats the invocation as a permanent failure.
type Handler interface {
	Process(ctx context.Context, payload []byte) Outcome
}

// HandlerFunc is a function that implements Handler
type HandlerFunc func(ctx context.Context, payload []byte) Outcome

// Process implements Handler
func (f HandlerFunc) Process(ctx context.Context, payload []byte) Outcome {
	return f(ctx, payload)
}
