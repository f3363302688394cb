package amqprpc

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaymq/amqprpc/internal/rabbitmq"
)

// Fake connection whose termination the test controls
type fakeConn struct {
	ch *fakeChannel

	mu        sync.Mutex
	closed    bool
	notifiers []chan *amqp.Error
}

func newFakeConn() *fakeConn {
	return &fakeConn{ch: newFakeChannel()}
}

func (c *fakeConn) Channel() (rabbitmq.Channel, error) {
	return c.ch, nil
}

func (c *fakeConn) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notifiers = append(c.notifiers, receiver)
	return receiver
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// terminate simulates a broker-initiated connection loss
func (c *fakeConn) terminate(reason *amqp.Error) {
	close(c.ch.deliveries)
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, n := range c.notifiers {
		n <- reason
	}
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// scriptedDialer returns the queued results in order
func scriptedDialer(conns []*fakeConn, errs []error) rabbitmq.Dialer {
	var mu sync.Mutex
	return func(url string, cfg *amqp.Config) (rabbitmq.Connection, error) {
		mu.Lock()
		defer mu.Unlock()
		if len(errs) > 0 {
			err := errs[0]
			errs = errs[1:]
			return nil, err
		}
		if len(conns) == 0 {
			return nil, errors.New("dialer script exhausted")
		}
		conn := conns[0]
		conns = conns[1:]
		return conn, nil
	}
}

func TestNewServer(t *testing.T) {
	echo := HandlerFunc(func(ctx context.Context, p []byte) Outcome {
		return AcceptReply(p)
	})

	t.Run("requires a queue", func(t *testing.T) {
		srv, err := NewServer("amqp://localhost", "", echo)
		assert.Error(t, err)
		assert.Nil(t, srv)
		assert.Contains(t, err.Error(), "queue")
	})

	t.Run("requires a handler", func(t *testing.T) {
		srv, err := NewServer("amqp://localhost", "rpc.test", nil)
		assert.Error(t, err)
		assert.Nil(t, srv)
		assert.Contains(t, err.Error(), "handler")
	})

	t.Run("defaults to unbounded dispatch", func(t *testing.T) {
		srv, err := NewServer("amqp://localhost", "rpc.test", echo)
		require.NoError(t, err)
		assert.Nil(t, srv.pool)
		assert.NotNil(t, srv.logger)
		assert.False(t, srv.IsConnected())
	})

	t.Run("applies options", func(t *testing.T) {
		logger := slog.Default()
		srv, err := NewServer("amqp://localhost", "rpc.test", echo,
			WithLogger(logger),
			WithMaxConcurrency(4),
		)
		require.NoError(t, err)
		assert.Equal(t, logger, srv.logger)
		require.NotNil(t, srv.pool)
		assert.Equal(t, 4, srv.pool.Cap())
	})
}

func TestServerStartStop(t *testing.T) {
	echo := HandlerFunc(func(ctx context.Context, p []byte) Outcome {
		return AcceptReply(append([]byte("echo:"), p...))
	})

	t.Run("fail fast surfaces the first connect error", func(t *testing.T) {
		srv := newTestServer(t, echo,
			WithFailFast(),
			withConnectionOptions(rabbitmq.WithDialer(scriptedDialer(nil, []error{errors.New("connection refused")}))),
		)

		err := srv.Start(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "connection refused")
	})

	t.Run("without fail fast a connect failure is retried in background", func(t *testing.T) {
		srv := newTestServer(t, echo,
			WithReconnectDelay(10*time.Millisecond),
			withConnectionOptions(rabbitmq.WithDialer(scriptedDialer([]*fakeConn{newFakeConn()}, []error{errors.New("connection refused")}))),
		)
		defer srv.Stop()

		require.NoError(t, srv.Start(context.Background()))

		require.Eventually(t, srv.IsConnected, time.Second, 5*time.Millisecond)
	})

	t.Run("processes deliveries end to end", func(t *testing.T) {
		conn := newFakeConn()
		srv := newTestServer(t, echo,
			withConnectionOptions(rabbitmq.WithDialer(scriptedDialer([]*fakeConn{conn}, nil))),
		)
		defer srv.Stop()

		require.NoError(t, srv.Start(context.Background()))

		ack := &mockAcknowledger{}
		ack.On("Ack", uint64(1), false).Return(nil).Once()
		conn.ch.deliveries <- delivery(ack, 1, "ping", "q.reply", "c1")

		require.Eventually(t, func() bool {
			return srv.Stats().Replies == 1
		}, time.Second, 5*time.Millisecond)

		ack.AssertExpectations(t)
		calls := conn.ch.publishCalls()
		require.Len(t, calls, 1)
		assert.Equal(t, "q.reply", calls[0].key)
		assert.Equal(t, []byte("echo:ping"), calls[0].msg.Body)
		assert.Equal(t, "c1", calls[0].msg.CorrelationId)
	})

	t.Run("Start twice fails", func(t *testing.T) {
		conn := newFakeConn()
		srv := newTestServer(t, echo,
			withConnectionOptions(rabbitmq.WithDialer(scriptedDialer([]*fakeConn{conn}, nil))),
		)
		defer srv.Stop()

		require.NoError(t, srv.Start(context.Background()))
		err := srv.Start(context.Background())
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "already running")
	})

	t.Run("Stop cancels the consumer and closes the connection", func(t *testing.T) {
		conn := newFakeConn()
		srv := newTestServer(t, echo,
			withConnectionOptions(rabbitmq.WithDialer(scriptedDialer([]*fakeConn{conn}, nil))),
		)

		require.NoError(t, srv.Start(context.Background()))
		require.Eventually(t, func() bool {
			srv.mu.Lock()
			defer srv.mu.Unlock()
			return srv.current != nil
		}, time.Second, 5*time.Millisecond)

		require.NoError(t, srv.Stop())
		assert.NoError(t, srv.Stop(), "Stop is idempotent")

		conn.ch.mu.Lock()
		cancelled := len(conn.ch.cancelled)
		conn.ch.mu.Unlock()
		assert.Equal(t, 1, cancelled)
		assert.True(t, conn.isClosed())
	})
}

func TestServerReconnect(t *testing.T) {
	echo := HandlerFunc(func(ctx context.Context, p []byte) Outcome {
		return Accept()
	})

	t.Run("resumes consuming after connection loss without backoff", func(t *testing.T) {
		first := newFakeConn()
		second := newFakeConn()
		srv := newTestServer(t, echo,
			WithReconnectDelay(5*time.Second), // immediate path must not wait this out
			withConnectionOptions(rabbitmq.WithDialer(scriptedDialer([]*fakeConn{first, second}, nil))),
		)
		defer srv.Stop()

		require.NoError(t, srv.Start(context.Background()))

		ack1 := &mockAcknowledger{}
		ack1.On("Ack", uint64(1), false).Return(nil).Once()
		first.ch.deliveries <- delivery(ack1, 1, "before", "", "")
		require.Eventually(t, func() bool {
			return srv.Stats().Acked == 1
		}, time.Second, 5*time.Millisecond)

		first.terminate(&amqp.Error{Code: amqp.ConnectionForced, Reason: "broker restart"})

		// Well inside the 5s backoff: the lost-connection path re-dials
		// immediately and the next delivery is served by the new session.
		ack2 := &mockAcknowledger{}
		ack2.On("Ack", uint64(2), false).Return(nil).Once()
		require.Eventually(t, func() bool {
			select {
			case second.ch.deliveries <- delivery(ack2, 2, "after", "", ""):
				return true
			default:
				return false
			}
		}, time.Second, 5*time.Millisecond)

		require.Eventually(t, func() bool {
			return srv.Stats().Acked == 2
		}, time.Second, 5*time.Millisecond)
		ack1.AssertExpectations(t)
		ack2.AssertExpectations(t)
	})
}

func TestServerConsumerCancelled(t *testing.T) {
	t.Run("broker cancel escalates on Done", func(t *testing.T) {
		conn := newFakeConn()
		srv := newTestServer(t, HandlerFunc(func(ctx context.Context, p []byte) Outcome {
			return Accept()
		}), withConnectionOptions(rabbitmq.WithDialer(scriptedDialer([]*fakeConn{conn}, nil))))
		defer srv.Stop()

		require.NoError(t, srv.Start(context.Background()))
		require.Eventually(t, srv.IsConnected, time.Second, 5*time.Millisecond)

		conn.ch.cancels <- "rpc.test-consumer"

		select {
		case err := <-srv.Done():
			assert.ErrorIs(t, err, rabbitmq.ErrConsumerCancelled)
		case <-time.After(time.Second):
			t.Fatal("expected a fatal error on Done")
		}
	})
}
