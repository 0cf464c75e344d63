package broker

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/streadway/amqp"
)

var errNotConnected = errors.New("rabbitmq: not connected")

// pooledChannel pairs a channel with its close notifications so dead channels are never handed out.
type pooledChannel struct {
	channel amqpChannel
	closed  chan *amqp.Error
}

func newPooledChannel(channel amqpChannel) *pooledChannel {
	return &pooledChannel{channel: channel, closed: channel.NotifyClose(make(chan *amqp.Error, 1))}
}

// dead reports whether the server closed the channel since it was pooled.
func (pc *pooledChannel) dead() bool {
	select {
	case err := <-pc.closed:
		logrus.WithError(err).Debug("dropping closed rabbitmq channel")
		return true
	default:
		return false
	}
}

func dial(url string) (*amqp.Connection, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}
	lost := conn.NotifyClose(make(chan *amqp.Error, 1))
	go func() {
		for err := range lost {
			logrus.WithError(err).Warn("rabbitmq connection lost")
		}
	}()
	return conn, nil
}

// connect replaces the connection and refills the pool. Channels of the previous
// connection are unusable after it closes, so the pool is emptied first.
func (r *rabbitMqBroker) connect() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.connection != nil && !r.connection.IsClosed() {
		_ = r.connection.Close()
	}
	conn, err := dial(r.settings.URL)
	if err != nil {
		return err
	}
	r.connection = conn
	r.openChannel = func() (amqpChannel, error) { return conn.Channel() }

	for len(r.channelPool) > 0 {
		<-r.channelPool
	}
	for len(r.channelPool) < cap(r.channelPool) {
		ch, err := r.openChannel()
		if err != nil {
			return fmt.Errorf("open rabbitmq channel: %w", err)
		}
		r.channelPool <- newPooledChannel(ch)
	}

	logrus.WithFields(logrus.Fields{"exchange": r.exchange, "pool_size": cap(r.channelPool)}).Info("rabbitmq connected")
	return nil
}

// watchConnection reconnects on every tick while the connection is down.
func (r *rabbitMqBroker) watchConnection() {
	for {
		select {
		case <-r.stopReconnect:
			return
		case <-r.reconnectTicker.C:
			if r.connection != nil && !r.connection.IsClosed() {
				continue
			}
			if err := r.connect(); err != nil {
				logrus.WithError(err).Error("rabbitmq reconnect failed")
			}
		}
	}
}

// acquire takes a live pooled channel, opening a new one when the pool is empty.
func (r *rabbitMqBroker) acquire() (*pooledChannel, error) {
	for {
		select {
		case pc := <-r.channelPool:
			if pc.dead() {
				continue
			}
			return pc, nil
		default:
			r.mu.Lock()
			open := r.openChannel
			r.mu.Unlock()
			if open == nil {
				return nil, errNotConnected
			}
			ch, err := open()
			if err != nil {
				return nil, fmt.Errorf("open rabbitmq channel: %w", err)
			}
			return newPooledChannel(ch), nil
		}
	}
}

// release returns pc to the pool, or closes it when the pool is full.
func (r *rabbitMqBroker) release(pc *pooledChannel) {
	if pc.dead() {
		return
	}
	select {
	case r.channelPool <- pc:
	default:
		_ = pc.channel.Close()
	}
}
