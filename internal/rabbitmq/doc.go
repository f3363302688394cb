// Package rabbitmq provides the RabbitMQ connection lifecycle for the
// amqprpc server.
//
// This package includes:
//   - ConnectionManager: maintains one (connection, channel, consumer)
//     triple with automatic reconnection
//   - Session: the live triple handed to the dispatch loop after every
//     successful connect
//   - Connection/Channel: narrow interfaces over amqp091-go so lifecycle
//     behavior is testable against fakes
//
// The reconnection policy distinguishes two cases: a broker that has never
// been reached is retried with a fixed delay between attempts, while a
// connection that was established and then lost is re-dialed immediately.
package rabbitmq
