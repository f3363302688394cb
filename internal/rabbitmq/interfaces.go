package rabbitmq

import (
	"context"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Channel is the subset of *amqp.Channel the server needs. Keeping it an
// interface lets the lifecycle and dispatch paths run against a fake channel
// in tests.
type Channel interface {
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	NotifyCancel(c chan string) chan string
	Cancel(consumer string, noWait bool) error
	Close() error
}

// Connection is the subset of *amqp.Connection the lifecycle manager needs.
type Connection interface {
	Channel() (Channel, error)
	NotifyClose(receiver chan *amqp.Error) chan *amqp.Error
	Close() error
}

// Dialer opens a broker connection. The default dialer wraps amqp.Dial;
// tests substitute a scripted one.
type Dialer func(url string, cfg *amqp.Config) (Connection, error)

// amqpConnection adapts *amqp.Connection to the Connection interface.
type amqpConnection struct {
	*amqp.Connection
}

func (c amqpConnection) Channel() (Channel, error) {
	ch, err := c.Connection.Channel()
	if err != nil {
		return nil, err
	}
	return ch, nil
}

func defaultDial(url string, cfg *amqp.Config) (Connection, error) {
	var (
		conn *amqp.Connection
		err  error
	)
	if cfg != nil {
		conn, err = amqp.DialConfig(url, *cfg)
	} else {
		conn, err = amqp.Dial(url)
	}
	if err != nil {
		return nil, err
	}
	return amqpConnection{conn}, nil
}
