package rabbitmq

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Session is one established (connection, channel, consumer) triple. The
// lifecycle manager hands a fresh Session to the dispatch loop after every
// successful connect; a Session is dead once its Deliveries channel closes.
type Session struct {
	Channel     Channel
	ConsumerTag string
	Deliveries  <-chan amqp.Delivery
	Cancels     <-chan string
}

// ConnectionStateListener receives connection state change notifications
type ConnectionStateListener interface {
	OnConnected()
	OnDisconnected(err error)
	OnReconnecting(attempt int)
}

// ConnectionManager owns the RabbitMQ connection, channel, and consumer
// registration for a single queue and keeps the triple alive indefinitely.
//
// Initial connect failures back off for reconnectDelay between attempts and
// retry forever, unless initial retry is disabled, in which case the first
// failure is returned to the caller. Loss of an established connection
// reconnects immediately, with no backoff on the first attempt; the broker
// was reachable moments earlier.
type ConnectionManager struct {
	url            string
	queue          string
	consumerTag    string
	dial           Dialer
	dialConfig     *amqp.Config
	dialTimeout    time.Duration
	reconnectDelay time.Duration
	retryInitial   bool
	logger         *slog.Logger

	sessions chan Session
	done     chan struct{}
	stopOnce sync.Once

	mu        sync.RWMutex
	conn      Connection
	connected bool

	listenersMu    sync.RWMutex
	stateListeners []ConnectionStateListener
}

// ConnectionOption configures the ConnectionManager
type ConnectionOption func(*ConnectionManager)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.logger = logger
	}
}

// WithReconnectDelay sets the delay between failed connect attempts
func WithReconnectDelay(delay time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.reconnectDelay = delay
	}
}

// WithInitialRetry controls whether a failed first connect attempt is
// retried. Disabled, the first failure is returned from Start so the caller
// can fail fast.
func WithInitialRetry(retry bool) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.retryInitial = retry
	}
}

// WithDialConfig sets broker-specific dial parameters
func WithDialConfig(cfg amqp.Config) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.dialConfig = &cfg
	}
}

// WithDialTimeout sets the timeout for a single dial attempt
func WithDialTimeout(timeout time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.dialTimeout = timeout
	}
}

// WithConsumerTag sets the consumer tag instead of generating one
func WithConsumerTag(tag string) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.consumerTag = tag
	}
}

// WithDialer replaces the dial function; used by tests
func WithDialer(dial Dialer) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.dial = dial
	}
}

// NewConnectionManager creates a new connection manager for one queue
func NewConnectionManager(url, queue string, options ...ConnectionOption) *ConnectionManager {
	cm := &ConnectionManager{
		url:            url,
		queue:          queue,
		dial:           defaultDial,
		dialTimeout:    30 * time.Second,
		reconnectDelay: 10 * time.Second,
		retryInitial:   true,
		logger:         slog.Default(),
		sessions:       make(chan Session),
		done:           make(chan struct{}),
	}

	for _, opt := range options {
		opt(cm)
	}

	return cm
}

// Sessions returns the channel on which newly established sessions are
// delivered. Exactly one Session is sent per successful connect.
func (cm *ConnectionManager) Sessions() <-chan Session {
	return cm.sessions
}

// IsConnected returns the connection status
func (cm *ConnectionManager) IsConnected() bool {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.connected
}

// Start establishes the initial connection and launches the supervision
// loop. With initial retry enabled (the default) Start only fails on
// context cancellation; connect failures are retried in the background.
func (cm *ConnectionManager) Start(ctx context.Context) error {
	sess, closed, err := cm.establish(ctx)
	if err != nil {
		if !cm.retryInitial {
			return err
		}
		cm.logger.Error("initial connect failed, retrying",
			"error", err,
			"retryIn", cm.reconnectDelay)
		go cm.run(ctx, nil, nil)
		return nil
	}

	go cm.run(ctx, sess, closed)
	return nil
}

// Close shuts the manager down and closes the active connection, if any
func (cm *ConnectionManager) Close() error {
	var err error
	cm.stopOnce.Do(func() {
		close(cm.done)

		cm.mu.Lock()
		if cm.conn != nil {
			err = cm.conn.Close()
			cm.conn = nil
		}
		cm.connected = false
		cm.mu.Unlock()

		cm.logger.Info("connection manager shutting down")
	})
	return err
}

// run is the supervision loop: hand the live session to the consumer side,
// watch for termination, reconnect, repeat.
func (cm *ConnectionManager) run(ctx context.Context, sess *Session, closed <-chan *amqp.Error) {
	attempt := 0

	for {
		if sess == nil {
			attempt++
			cm.notifyReconnecting(attempt)

			select {
			case <-time.After(cm.reconnectDelay):
			case <-cm.done:
				return
			case <-ctx.Done():
				return
			}

			s, c, err := cm.establish(ctx)
			if err != nil {
				cm.logger.Error("reconnect failed",
					"error", err,
					"attempt", attempt,
					"retryIn", cm.reconnectDelay)
				continue
			}
			sess, closed = s, c
			attempt = 0
		}

		select {
		case cm.sessions <- *sess:
		case <-cm.done:
			return
		case <-ctx.Done():
			return
		}

		select {
		case amqpErr := <-closed:
			cm.setDisconnected()
			cm.notifyDisconnected(amqpErr)

			select {
			case <-cm.done:
				return
			default:
			}

			if amqpErr != nil {
				cm.logger.Error("connection closed", "error", amqpErr)
			}

			// The first attempt after losing an established connection is
			// immediate; only repeated failures back off.
			s, c, err := cm.establish(ctx)
			if err != nil {
				cm.logger.Error("immediate reconnect failed",
					"error", err,
					"retryIn", cm.reconnectDelay)
				sess, closed = nil, nil
				continue
			}
			sess, closed = s, c

		case <-cm.done:
			return
		case <-ctx.Done():
			return
		}
	}
}

// establish performs one full connect: dial, open channel, register the
// consumer. Any step failing tears the partial connection down.
func (cm *ConnectionManager) establish(ctx context.Context) (*Session, <-chan *amqp.Error, error) {
	conn, err := cm.dialBroker(ctx)
	if err != nil {
		return nil, nil, &ConnectionError{
			Op:        "connect",
			URL:       SanitizeURL(cm.url),
			Err:       err,
			Timestamp: time.Now(),
			Attempts:  1,
		}
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, nil, &ConnectionError{
			Op:        "open channel",
			URL:       SanitizeURL(cm.url),
			Err:       err,
			Timestamp: time.Now(),
		}
	}

	tag := cm.consumerTag
	if tag == "" {
		tag = cm.queue + "-" + uuid.NewString()
	}

	deliveries, err := ch.Consume(
		cm.queue,
		tag,
		false, // autoAck
		false, // exclusive
		false, // noLocal
		false, // noWait
		nil,
	)
	if err != nil {
		conn.Close()
		return nil, nil, &ConsumerError{
			Queue:       cm.queue,
			ConsumerTag: tag,
			Op:          "consume",
			Err:         err,
			Timestamp:   time.Now(),
		}
	}

	closed := conn.NotifyClose(make(chan *amqp.Error, 1))
	cancels := ch.NotifyCancel(make(chan string, 1))

	cm.mu.Lock()
	cm.conn = conn
	cm.connected = true
	cm.mu.Unlock()

	cm.logger.Info("connected to RabbitMQ",
		"url", SanitizeURL(cm.url),
		"queue", cm.queue,
		"consumerTag", tag)

	cm.notifyConnected()

	return &Session{
		Channel:     ch,
		ConsumerTag: tag,
		Deliveries:  deliveries,
		Cancels:     cancels,
	}, closed, nil
}

// dialBroker dials with a timeout without trusting the dialer to honor one
func (cm *ConnectionManager) dialBroker(ctx context.Context) (Connection, error) {
	dialCtx, cancel := context.WithTimeout(ctx, cm.dialTimeout)
	defer cancel()

	connChan := make(chan Connection)
	errChan := make(chan error, 1)

	go func() {
		conn, err := cm.dial(cm.url, cm.dialConfig)
		if err != nil {
			errChan <- err
			return
		}
		select {
		case connChan <- conn:
		default:
			// Nobody is waiting anymore; don't leak the connection.
			conn.Close()
		}
	}()

	select {
	case conn := <-connChan:
		return conn, nil
	case err := <-errChan:
		return nil, err
	case <-dialCtx.Done():
		return nil, ErrConnectionTimeout
	}
}

func (cm *ConnectionManager) setDisconnected() {
	cm.mu.Lock()
	cm.conn = nil
	cm.connected = false
	cm.mu.Unlock()
}

// AddStateListener adds a connection state listener
func (cm *ConnectionManager) AddStateListener(listener ConnectionStateListener) {
	cm.listenersMu.Lock()
	defer cm.listenersMu.Unlock()
	cm.stateListeners = append(cm.stateListeners, listener)
}

func (cm *ConnectionManager) notifyConnected() {
	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()

	for _, listener := range cm.stateListeners {
		go listener.OnConnected()
	}
}

func (cm *ConnectionManager) notifyDisconnected(amqpErr *amqp.Error) {
	// A nil *amqp.Error means a graceful close; don't hand listeners a
	// non-nil interface wrapping a nil pointer.
	var err error
	if amqpErr != nil {
		err = amqpErr
	}

	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()

	for _, listener := range cm.stateListeners {
		go listener.OnDisconnected(err)
	}
}

func (cm *ConnectionManager) notifyReconnecting(attempt int) {
	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()

	for _, listener := range cm.stateListeners {
		go listener.OnReconnecting(attempt)
	}
}
