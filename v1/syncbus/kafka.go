package syncbus

import (
	"context"
	stdErrors "errors"
	"sync"

	sarama "github.com/IBM/sarama"

	lockerrors "github.com/mirkobrombin/go-keylock/v1/errors"
)

// DefaultKafkaTopic carries the notifications of every bus key. Bus keys are
// sent as message keys since they are not valid Kafka topic names.
const DefaultKafkaTopic = "keylock-unlocks"

// KafkaBus implements Bus on a single Kafka topic. Partition 0 is consumed
// from the newest offset once the first local subscriber appears.
type KafkaBus struct {
	counters
	producer sarama.SyncProducer
	consumer sarama.Consumer
	topic    string
	mu       sync.Mutex
	pc       sarama.PartitionConsumer
	subs     map[string][]chan struct{}
	closed   bool
}

// NewKafkaBus connects to brokers and returns a KafkaBus publishing to topic.
func NewKafkaBus(brokers []string, cfg *sarama.Config, topic string) (*KafkaBus, error) {
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
	return NewKafkaBusFromClients(producer, consumer, topic), nil
}

// NewKafkaBusFromClients returns a KafkaBus over an existing producer and
// consumer. An empty topic selects DefaultKafkaTopic.
func NewKafkaBusFromClients(producer sarama.SyncProducer, consumer sarama.Consumer, topic string) *KafkaBus {
	if topic == "" {
		topic = DefaultKafkaTopic
	}
	return &KafkaBus{
		producer: producer,
		consumer: consumer,
		topic:    topic,
		subs:     make(map[string][]chan struct{}),
	}
}

// Publish implements Bus.Publish.
func (b *KafkaBus) Publish(ctx context.Context, key string) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return lockerrors.ErrConnectionClosed
	}
	msg := &sarama.ProducerMessage{
		Topic: b.topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.StringEncoder(key),
	}
	if _, _, err := b.producer.SendMessage(msg); err != nil {
		if stdErrors.Is(err, sarama.ErrClosedClient) {
			return lockerrors.ErrConnectionClosed
		}
		return err
	}
	b.published.Add(1)
	return nil
}

// Subscribe implements Bus.Subscribe.
func (b *KafkaBus) Subscribe(ctx context.Context, key string) (chan struct{}, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, lockerrors.ErrConnectionClosed
	}
	if b.pc == nil {
		pc, err := b.consumer.ConsumePartition(b.topic, 0, sarama.OffsetNewest)
		if err != nil {
			b.mu.Unlock()
			return nil, err
		}
		b.pc = pc
		go b.dispatch(pc)
	}
	ch := make(chan struct{}, 1)
	b.subs[key] = append(b.subs[key], ch)
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		_ = b.Unsubscribe(context.Background(), key, ch)
	}()
	return ch, nil
}

func (b *KafkaBus) dispatch(pc sarama.PartitionConsumer) {
	for msg := range pc.Messages() {
		key := string(msg.Key)
		if key == "" {
			key = string(msg.Value)
		}
		b.mu.Lock()
		b.fanOut(b.subs[key])
		b.mu.Unlock()
	}
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *KafkaBus) Unsubscribe(ctx context.Context, key string, ch chan struct{}) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	chans, removed := removeChan(b.subs[key], ch)
	if !removed {
		return nil
	}
	close(ch)
	if len(chans) == 0 {
		delete(b.subs, key)
	} else {
		b.subs[key] = chans
	}
	return nil
}

// Close drops every subscription and closes the Kafka clients.
func (b *KafkaBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	for key, chans := range b.subs {
		for _, ch := range chans {
			close(ch)
		}
		delete(b.subs, key)
	}
	pc := b.pc
	b.mu.Unlock()

	var errs []error
	if pc != nil {
		errs = append(errs, pc.Close())
	}
	errs = append(errs, b.producer.Close(), b.consumer.Close())
	return stdErrors.Join(errs...)
}
