package amqprpc

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/relaymq/amqprpc/internal/rabbitmq"
)

// Server consumes RPC requests from one queue and dispatches each to the
// supplied Handler. Multiple servers in one process are independent
// instances, each owning its own connection and channel.
type Server struct {
	url     string
	queue   string
	handler Handler
	logger  *slog.Logger

	manager *rabbitmq.ConnectionManager
	pool    *ants.Pool

	stats counters

	fatal    chan error
	done     chan struct{}
	stopOnce sync.Once

	mu      sync.Mutex
	running bool
	current *rabbitmq.Session
}

type serverConfig struct {
	logger         *slog.Logger
	reconnectDelay time.Duration
	failFast       bool
	dialConfig     *amqp.Config
	dialTimeout    time.Duration
	consumerTag    string
	maxConcurrency int
	connOptions    []rabbitmq.ConnectionOption
}

// Option configures the server
type Option func(*serverConfig)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(c *serverConfig) {
		c.logger = logger
	}
}

// WithReconnectDelay sets the delay between failed connect attempts
func WithReconnectDelay(delay time.Duration) Option {
	return func(c *serverConfig) {
		c.reconnectDelay = delay
	}
}

// WithFailFast makes Start return the error from a failed first connect
// attempt instead of retrying in the background, so the embedding
// application can apply its own startup failure policy.
func WithFailFast() Option {
	return func(c *serverConfig) {
		c.failFast = true
	}
}

// WithDialConfig sets broker-specific dial parameters
func WithDialConfig(cfg amqp.Config) Option {
	return func(c *serverConfig) {
		c.dialConfig = &cfg
	}
}

// WithDialTimeout sets the timeout for a single dial attempt
func WithDialTimeout(timeout time.Duration) Option {
	return func(c *serverConfig) {
		c.dialTimeout = timeout
	}
}

// WithConsumerTag sets the consumer tag instead of generating one
func WithConsumerTag(tag string) Option {
	return func(c *serverConfig) {
		c.consumerTag = tag
	}
}

// WithMaxConcurrency bounds the number of concurrently running handler
// units by dispatching through a worker pool of the given size. The default
// of 0 keeps the historical behavior: one unbounded goroutine per message.
// With a bound in place, a saturated pool blocks receipt of further
// deliveries until a worker frees up.
func WithMaxConcurrency(n int) Option {
	return func(c *serverConfig) {
		c.maxConcurrency = n
	}
}

// withConnectionOptions passes options straight to the connection manager;
// used by tests to inject a fake dialer.
func withConnectionOptions(opts ...rabbitmq.ConnectionOption) Option {
	return func(c *serverConfig) {
		c.connOptions = append(c.connOptions, opts...)
	}
}

// NewServer creates a server consuming from queue on the broker at url.
// The queue is assumed to exist; declaring it is the deployment's concern.
func NewServer(url, queue string, handler Handler, opts ...Option) (*Server, error) {
	if queue == "" {
		return nil, fmt.Errorf("queue cannot be empty")
	}
	if handler == nil {
		return nil, fmt.Errorf("handler cannot be nil")
	}

	cfg := &serverConfig{
		logger:         slog.Default(),
		reconnectDelay: 10 * time.Second,
	}

	for _, opt := range opts {
		opt(cfg)
	}

	connOpts := []rabbitmq.ConnectionOption{
		rabbitmq.WithLogger(cfg.logger),
		rabbitmq.WithReconnectDelay(cfg.reconnectDelay),
		rabbitmq.WithInitialRetry(!cfg.failFast),
	}
	if cfg.dialConfig != nil {
		connOpts = append(connOpts, rabbitmq.WithDialConfig(*cfg.dialConfig))
	}
	if cfg.dialTimeout > 0 {
		connOpts = append(connOpts, rabbitmq.WithDialTimeout(cfg.dialTimeout))
	}
	if cfg.consumerTag != "" {
		connOpts = append(connOpts, rabbitmq.WithConsumerTag(cfg.consumerTag))
	}
	connOpts = append(connOpts, cfg.connOptions...)

	s := &Server{
		url:     url,
		queue:   queue,
		handler: handler,
		logger:  cfg.logger,
		manager: rabbitmq.NewConnectionManager(url, queue, connOpts...),
		fatal:   make(chan error, 1),
		done:    make(chan struct{}),
	}

	if cfg.maxConcurrency > 0 {
		pool, err := ants.NewPool(cfg.maxConcurrency)
		if err != nil {
			return nil, fmt.Errorf("failed to create worker pool: %w", err)
		}
		s.pool = pool
	}

	return s, nil
}

// Start connects to the broker and begins dispatching. It returns once the
// dispatch loop is running; connect failures are retried in the background
// unless WithFailFast was set, in which case the first failure is returned.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("server already running")
	}
	s.running = true
	s.mu.Unlock()

	if err := s.manager.Start(ctx); err != nil {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		return fmt.Errorf("failed to connect: %w", err)
	}

	go s.loop(ctx)

	s.logger.Info("rpc server started", "queue", s.queue)
	return nil
}

// Stop cancels the consumer and closes the connection. Handler units that
// are already in flight keep running; their ack/publish calls fail against
// the closed channel and the broker redelivers those messages. Stop is
// idempotent.
func (s *Server) Stop() error {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		sess := s.current
		s.current = nil
		s.running = false
		s.mu.Unlock()

		close(s.done)

		if sess != nil {
			if err := sess.Channel.Cancel(sess.ConsumerTag, false); err != nil {
				s.logger.Debug("consumer cancel failed", "error", err)
			} else {
				s.logger.Info("consumer cancelled", "consumerTag", sess.ConsumerTag)
			}
		}

		if err := s.manager.Close(); err != nil {
			s.logger.Debug("connection close failed", "error", err)
		}

		if s.pool != nil {
			s.pool.Release()
		}

		s.logger.Info("rpc server stopped", "queue", s.queue)
	})
	return nil
}

// Done returns a channel that receives the first non-recoverable error,
// such as the broker cancelling the consumer because the queue was deleted.
// Process-level supervision should restart the server when this fires.
func (s *Server) Done() <-chan error {
	return s.fatal
}

// Stats returns a snapshot of the server's counters
func (s *Server) Stats() Stats {
	return s.stats.snapshot()
}

// IsConnected reports whether the server currently holds a live connection
func (s *Server) IsConnected() bool {
	return s.manager.IsConnected()
}

// ConnectionStateListener receives connection state change notifications
type ConnectionStateListener interface {
	OnConnected()
	OnDisconnected(err error)
	OnReconnecting(attempt int)
}

// AddStateListener registers a listener for connection state changes
func (s *Server) AddStateListener(l ConnectionStateListener) {
	s.manager.AddStateListener(l)
}
