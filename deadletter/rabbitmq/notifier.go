// Package rabbitmq publishes dead jobs to a RabbitMQ exchange.
package rabbitmq

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/BranchIntl/jobqueue/errors"
	"github.com/BranchIntl/jobqueue/job"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Message is the body published for a dead job
type Message struct {
	ID          string    `json:"id"`
	Queue       string    `json:"queue"`
	Attempts    int       `json:"attempts"`
	MaxAttempts int       `json:"max_attempts"`
	LastError   string    `json:"last_error"`
	Payload     []byte    `json:"payload"`
	DeadAt      time.Time `json:"dead_at"`
}

// channel is the subset of *amqp.Channel the notifier uses
type channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// Notifier implements core.DeadLetterNotifier over RabbitMQ
type Notifier struct {
	connection  *amqp.Connection
	channel     channel
	options     Options
	logger      *slog.Logger
	mu          sync.RWMutex
	isConnected bool
	closed      chan struct{}
	connClose   chan *amqp.Error
	chanClose   chan *amqp.Error
}

// NewNotifier creates a notifier. Call Connect before use.
func NewNotifier(options Options, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{
		options: options,
		logger:  logger,
		closed:  make(chan struct{}),
	}
}

// Connect dials RabbitMQ and declares the exchange
func (n *Notifier) Connect(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if err := n.connect(); err != nil {
		return err
	}

	if n.options.ReconnectEnabled {
		go n.handleReconnection()
	}
	return nil
}

// connect expects the caller to hold the lock
func (n *Notifier) connect() error {
	conn, err := amqp.Dial(n.options.URI)
	if err != nil {
		return errors.NewConnectionError(redactURI(n.options.URI),
			fmt.Errorf("failed to connect to RabbitMQ: %w", err))
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return errors.NewConnectionError(redactURI(n.options.URI),
			fmt.Errorf("failed to open channel: %w", err))
	}

	if err := declareExchange(ch, n.options); err != nil {
		ch.Close()
		conn.Close()
		return errors.NewConnectionError(redactURI(n.options.URI),
			fmt.Errorf("failed to declare exchange %q: %w", n.options.Exchange, err))
	}

	n.connection = conn
	n.channel = ch
	n.connClose = conn.NotifyClose(make(chan *amqp.Error, 1))
	n.chanClose = ch.NotifyClose(make(chan *amqp.Error, 1))
	n.isConnected = true
	return nil
}

// redactURI hides the password in an AMQP URI for errors and logs
func redactURI(raw string) string {
	uri, err := url.Parse(raw)
	if err != nil || uri.User == nil {
		return raw
	}
	return uri.Redacted()
}

func declareExchange(ch channel, options Options) error {
	return ch.ExchangeDeclare(
		options.Exchange,     // name
		options.ExchangeType, // kind
		true,                 // durable
		false,                // auto-deleted
		false,                // internal
		false,                // no-wait
		nil,                  // arguments
	)
}

func (n *Notifier) handleReconnection() {
	for {
		n.mu.RLock()
		connClose, chanClose := n.connClose, n.chanClose
		n.mu.RUnlock()

		var err *amqp.Error
		select {
		case err = <-connClose:
		case err = <-chanClose:
		case <-n.closed:
			return
		}
		if err == nil {
			// Graceful shutdown
			return
		}
		n.logger.Warn("RabbitMQ channel lost, reconnecting", "error", err)

		n.mu.Lock()
		n.isConnected = false
		if n.connection != nil && !n.connection.IsClosed() {
			n.connection.Close()
		}
		n.mu.Unlock()

		for {
			select {
			case <-n.closed:
				return
			case <-time.After(n.options.ReconnectDelay):
			}

			n.mu.Lock()
			select {
			case <-n.closed:
				n.mu.Unlock()
				return
			default:
			}
			err := n.connect()
			n.mu.Unlock()
			if err == nil {
				n.logger.Info("Reconnected to RabbitMQ")
				break
			}
			n.logger.Warn("Reconnect failed", "error", err)
		}
	}
}

// Close stops reconnection and closes the connection
func (n *Notifier) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	select {
	case <-n.closed:
		return nil
	default:
		close(n.closed)
	}

	n.isConnected = false
	if n.channel != nil {
		if err := n.channel.Close(); err != nil {
			return err
		}
	}
	if n.connection != nil {
		return n.connection.Close()
	}
	return nil
}

// Health reports whether the notifier holds an open connection
func (n *Notifier) Health() error {
	n.mu.RLock()
	defer n.mu.RUnlock()

	if !n.isConnected || n.channel == nil {
		return errors.ErrNotConnected
	}
	if n.connection != nil && n.connection.IsClosed() {
		return errors.ErrNotConnected
	}
	return nil
}

// NotifyDead publishes j to the exchange with the queue name as routing key
func (n *Notifier) NotifyDead(ctx context.Context, j *job.Job) error {
	n.mu.RLock()
	ch, connected := n.channel, n.isConnected
	n.mu.RUnlock()
	if !connected || ch == nil {
		return errors.ErrNotConnected
	}

	msg, err := buildPublishing(j)
	if err != nil {
		return errors.NewSerializationError("json", err)
	}

	err = ch.PublishWithContext(
		ctx,
		n.options.Exchange, // exchange
		j.Queue,            // routing key
		false,              // mandatory
		false,              // immediate
		msg,
	)
	if err != nil {
		return fmt.Errorf("publish dead job %s: %w", j.ID, err)
	}

	n.logger.Debug("Published dead job", "queue", j.Queue, "id", j.ID)
	return nil
}

func buildPublishing(j *job.Job) (amqp.Publishing, error) {
	body, err := json.Marshal(Message{
		ID:          j.ID,
		Queue:       j.Queue,
		Attempts:    j.Attempts,
		MaxAttempts: j.MaxAttempts,
		LastError:   j.LastError,
		Payload:     j.Payload,
		DeadAt:      j.UpdatedAt,
	})
	if err != nil {
		return amqp.Publishing{}, err
	}

	return amqp.Publishing{
		ContentType:  "application/json",
		Body:         body,
		DeliveryMode: amqp.Persistent,
		Timestamp:    j.UpdatedAt,
		MessageId:    j.ID,
		Type:         "jobqueue.dead",
	}, nil
}
