package kafka

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/IBM/sarama"
	"go.uber.org/multierr"

	"github.com/mirkobrombin/go-huddle/v1/syncbus"
)

const channelBuffer = 256

type kafkaSubscription struct {
	pc    sarama.PartitionConsumer
	chans []chan syncbus.Event
}

// Bus implements syncbus.Bus using a single-partition Kafka topic per channel.
// Consumers start at the newest offset so a restarted instance never replays
// stale coordination traffic.
type Bus struct {
	producer  sarama.SyncProducer
	consumer  sarama.Consumer
	client    sarama.Client
	mu        sync.Mutex
	subs      map[string]*kafkaSubscription
	closed    bool
	healthy   atomic.Bool
	published atomic.Uint64
	delivered atomic.Uint64
	dropped   atomic.Uint64
}

// NewBus creates a new Bus connecting to the given brokers.
func NewBus(brokers []string, cfg *sarama.Config) (*Bus, error) {
	if cfg == nil {
		cfg = sarama.NewConfig()
	}
	cfg.Producer.Return.Successes = true
	client, err := sarama.NewClient(brokers, cfg)
	if err != nil {
		return nil, err
	}
	producer, err := sarama.NewSyncProducerFromClient(client)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	consumer, err := sarama.NewConsumerFromClient(client)
	if err != nil {
		_ = producer.Close()
		_ = client.Close()
		return nil, err
	}
	b := NewBusFromClients(producer, consumer)
	b.client = client
	return b, nil
}

// NewBusFromClients wraps an existing producer and consumer.
func NewBusFromClients(producer sarama.SyncProducer, consumer sarama.Consumer) *Bus {
	b := &Bus{
		producer: producer,
		consumer: consumer,
		subs:     make(map[string]*kafkaSubscription),
	}
	b.healthy.Store(true)
	return b
}

// Publish implements syncbus.Bus.Publish.
func (b *Bus) Publish(ctx context.Context, topic string, data []byte) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return syncbus.ErrBusClosed
	}
	msg := &sarama.ProducerMessage{Topic: topic, Value: sarama.ByteEncoder(data)}
	if _, _, err := b.producer.SendMessage(msg); err != nil {
		b.healthy.Store(false)
		return err
	}
	b.healthy.Store(true)
	b.published.Add(1)
	return nil
}

// Subscribe implements syncbus.Bus.Subscribe.
func (b *Bus) Subscribe(ctx context.Context, topic string) (<-chan syncbus.Event, error) {
	ch := make(chan syncbus.Event, channelBuffer)
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, syncbus.ErrBusClosed
	}
	sub := b.subs[topic]
	if sub == nil {
		pc, err := b.consumer.ConsumePartition(topic, 0, sarama.OffsetNewest)
		if err != nil {
			b.mu.Unlock()
			b.healthy.Store(false)
			return nil, err
		}
		sub = &kafkaSubscription{pc: pc}
		b.subs[topic] = sub
		go b.dispatch(sub, topic)
	}
	sub.chans = append(sub.chans, ch)
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		_ = b.Unsubscribe(context.Background(), topic, ch)
	}()
	return ch, nil
}

func (b *Bus) dispatch(sub *kafkaSubscription, topic string) {
	for msg := range sub.pc.Messages() {
		evt := syncbus.Event{Topic: topic, Data: msg.Value}
		b.mu.Lock()
		for _, ch := range sub.chans {
			select {
			case ch <- evt:
				b.delivered.Add(1)
			default:
				b.dropped.Add(1)
			}
		}
		b.mu.Unlock()
	}
}

// Unsubscribe implements syncbus.Bus.Unsubscribe.
func (b *Bus) Unsubscribe(ctx context.Context, topic string, ch <-chan syncbus.Event) error {
	b.mu.Lock()
	sub := b.subs[topic]
	if sub == nil {
		b.mu.Unlock()
		return nil
	}
	for i, c := range sub.chans {
		if c == ch {
			sub.chans[i] = sub.chans[len(sub.chans)-1]
			sub.chans = sub.chans[:len(sub.chans)-1]
			close(c)
			break
		}
	}
	if len(sub.chans) == 0 {
		delete(b.subs, topic)
		b.mu.Unlock()
		return sub.pc.Close()
	}
	b.mu.Unlock()
	return nil
}

// IsHealthy reports whether the last broker interaction succeeded.
func (b *Bus) IsHealthy() bool {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	return !closed && b.healthy.Load()
}

// Metrics returns the published, delivered and dropped counts.
func (b *Bus) Metrics() syncbus.Metrics {
	return syncbus.Metrics{
		Published: b.published.Load(),
		Delivered: b.delivered.Load(),
		Dropped:   b.dropped.Load(),
	}
}

// Close releases resources used by the Bus.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := b.subs
	b.subs = make(map[string]*kafkaSubscription)
	for _, sub := range subs {
		for _, c := range sub.chans {
			close(c)
		}
		sub.chans = nil
	}
	b.mu.Unlock()

	var err error
	for _, sub := range subs {
		err = multierr.Append(err, sub.pc.Close())
	}
	err = multierr.Append(err, b.producer.Close())
	err = multierr.Append(err, b.consumer.Close())
	if b.client != nil && !b.client.Closed() {
		err = multierr.Append(err, b.client.Close())
	}
	return err
}
