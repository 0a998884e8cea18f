package events

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"
)

// KafkaConfig describes the optional Kafka event sink.
type KafkaConfig struct {
	Brokers  []string
	Topic    string
	ClientID string
}

// KafkaEmitter publishes every ledger event to a Kafka topic. Publication is
// asynchronous; a full producer buffer drops the event and logs it.
type KafkaEmitter struct {
	topic    string
	producer sarama.AsyncProducer
	logger   *slog.Logger
	seq      atomic.Uint64
	now      func() time.Time
	wg       sync.WaitGroup
}

// NewKafkaEmitter dials the brokers and starts the error drain.
func NewKafkaEmitter(cfg KafkaConfig, logger *slog.Logger) (*KafkaEmitter, error) {
	brokers := make([]string, 0, len(cfg.Brokers))
	for _, b := range cfg.Brokers {
		if trimmed := strings.TrimSpace(b); trimmed != "" {
			brokers = append(brokers, trimmed)
		}
	}
	if len(brokers) == 0 {
		return nil, fmt.Errorf("events: kafka brokers required")
	}
	topic := strings.TrimSpace(cfg.Topic)
	if topic == "" {
		return nil, fmt.Errorf("events: kafka topic required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	sc := sarama.NewConfig()
	if cfg.ClientID != "" {
		sc.ClientID = cfg.ClientID
	}
	sc.Producer.RequiredAcks = sarama.WaitForLocal
	sc.Producer.Return.Successes = false
	sc.Producer.Return.Errors = true
	producer, err := sarama.NewAsyncProducer(brokers, sc)
	if err != nil {
		return nil, fmt.Errorf("events: kafka producer: %w", err)
	}
	return newKafkaEmitter(topic, producer, logger), nil
}

func newKafkaEmitter(topic string, producer sarama.AsyncProducer, logger *slog.Logger) *KafkaEmitter {
	k := &KafkaEmitter{topic: topic, producer: producer, logger: logger, now: time.Now}
	k.wg.Add(1)
	go k.drainErrors()
	return k
}

func (k *KafkaEmitter) drainErrors() {
	defer k.wg.Done()
	for perr := range k.producer.Errors() {
		if perr == nil {
			continue
		}
		k.logger.Warn("kafka publish failed", slog.String("topic", k.topic), slog.Any("error", perr.Err))
	}
}

// Emit implements the Emitter interface.
func (k *KafkaEmitter) Emit(evt Event) {
	if k == nil || evt == nil {
		return
	}
	env := NewEnvelope(k.seq.Add(1), evt, k.now())
	payload, err := json.Marshal(env)
	if err != nil {
		k.logger.Warn("kafka encode failed", slog.String("type", env.Type), slog.Any("error", err))
		return
	}
	msg := &sarama.ProducerMessage{
		Topic: k.topic,
		Key:   sarama.StringEncoder(env.Type),
		Value: sarama.ByteEncoder(payload),
	}
	select {
	case k.producer.Input() <- msg:
	default:
		k.logger.Warn("kafka buffer full, event dropped", slog.String("type", env.Type), slog.Uint64("sequence", env.Sequence))
	}
}

// Close flushes buffered messages and stops the producer.
func (k *KafkaEmitter) Close() error {
	if k == nil || k.producer == nil {
		return nil
	}
	err := k.producer.Close()
	k.wg.Wait()
	return err
}
