package syncbus

import (
	"context"
	"fmt"
	"sync"

	sarama "github.com/IBM/sarama"

	latcherrors "github.com/mirkobrombin/go-latch/v1/errors"
)

// DefaultKafkaTopic is the Kafka topic release notifications travel on.
const DefaultKafkaTopic = "latch-unlock"

// KafkaBus implements Bus using a single Kafka topic. Kafka topic names
// cannot hold arbitrary resource names, so the bus topic is carried as the
// message key and every partition is consumed from the newest offset.
type KafkaBus struct {
	client   sarama.Client
	producer sarama.SyncProducer
	consumer sarama.Consumer
	topic    string
	f        *fanout

	closeOnce sync.Once
	wg        sync.WaitGroup
	pcs       []sarama.PartitionConsumer
}

// NewKafkaBus creates a new KafkaBus connected to brokers. An empty topic
// selects DefaultKafkaTopic.
func NewKafkaBus(brokers []string, cfg *sarama.Config, topic string) (*KafkaBus, error) {
	if cfg == nil {
		cfg = sarama.NewConfig()
	}
	cfg.Producer.Return.Successes = true
	if topic == "" {
		topic = DefaultKafkaTopic
	}
	client, err := sarama.NewClient(brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: kafka client: %w", latcherrors.ErrStoreUnavailable, err)
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
	b := &KafkaBus{
		client:   client,
		producer: producer,
		consumer: consumer,
		topic:    topic,
		f:        newFanout(),
	}
	partitions, err := consumer.Partitions(topic)
	if err != nil {
		_ = b.Close()
		return nil, err
	}
	for _, p := range partitions {
		pc, err := consumer.ConsumePartition(topic, p, sarama.OffsetNewest)
		if err != nil {
			_ = b.Close()
			return nil, err
		}
		b.pcs = append(b.pcs, pc)
		b.wg.Add(1)
		go b.dispatch(pc)
	}
	return b, nil
}

func (b *KafkaBus) dispatch(pc sarama.PartitionConsumer) {
	defer b.wg.Done()
	for msg := range pc.Messages() {
		b.f.deliver(string(msg.Key))
	}
}

// Publish implements Bus.Publish.
func (b *KafkaBus) Publish(ctx context.Context, topic string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, _, err := b.producer.SendMessage(&sarama.ProducerMessage{
		Topic: b.topic,
		Key:   sarama.StringEncoder(topic),
		Value: sarama.StringEncoder("1"),
	})
	if err != nil {
		return fmt.Errorf("%w: kafka publish %s: %w", latcherrors.ErrStoreUnavailable, topic, err)
	}
	b.f.published.Add(1)
	return nil
}

// Subscribe implements Bus.Subscribe.
func (b *KafkaBus) Subscribe(ctx context.Context, topic string) (chan struct{}, error) {
	ch, _ := b.f.add(topic)
	go func() {
		<-ctx.Done()
		_ = b.Unsubscribe(context.Background(), topic, ch)
	}()
	return ch, nil
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *KafkaBus) Unsubscribe(ctx context.Context, topic string, ch chan struct{}) error {
	b.f.remove(topic, ch)
	return nil
}

// Close stops consuming and releases the Kafka client.
func (b *KafkaBus) Close() error {
	var err error
	b.closeOnce.Do(func() {
		for _, pc := range b.pcs {
			pc.AsyncClose()
		}
		b.wg.Wait()
		_ = b.consumer.Close()
		_ = b.producer.Close()
		err = b.client.Close()
		b.f.closeAll()
	})
	return err
}

// Metrics returns delivery counters.
func (b *KafkaBus) Metrics() Metrics {
	return b.f.metrics()
}
