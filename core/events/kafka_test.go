package events

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/stretchr/testify/require"

	"cardledger/core/types"
)

func TestKafkaEmitterPublishesEnvelopes(t *testing.T) {
	cfg := sarama.NewConfig()
	cfg.Producer.Return.Errors = true
	producer := mocks.NewAsyncProducer(t, cfg)

	var seen []uint64
	producer.ExpectInputWithCheckerFunctionAndSucceed(func(val []byte) error {
		var env Envelope
		if err := json.Unmarshal(val, &env); err != nil {
			return err
		}
		if env.Type != "connections.deposited" || env.Attributes["amount"] != "5" {
			return fmt.Errorf("unexpected envelope %+v", env)
		}
		seen = append(seen, env.Sequence)
		return nil
	})
	producer.ExpectInputAndSucceed()

	emitter := newKafkaEmitter("ledger-events", producer, slog.New(slog.NewTextHandler(io.Discard, nil)))
	emitter.now = func() time.Time { return time.Unix(1_700_000_000, 0) }

	emitter.Emit(&types.Event{Type: "connections.deposited", Attributes: map[string]string{"amount": "5"}})
	emitter.Emit(&types.Event{Type: "connections.exchanged"})
	emitter.Emit(nil)

	require.NoError(t, emitter.Close())
	require.Equal(t, []uint64{1}, seen)
}

func TestNewKafkaEmitterValidatesConfig(t *testing.T) {
	_, err := NewKafkaEmitter(KafkaConfig{Brokers: []string{" "}, Topic: "t"}, nil)
	require.Error(t, err)

	_, err = NewKafkaEmitter(KafkaConfig{Brokers: []string{"127.0.0.1:9092"}}, nil)
	require.Error(t, err)

	var nilEmitter *KafkaEmitter
	nilEmitter.Emit(&types.Event{Type: "x"})
	require.NoError(t, nilEmitter.Close())
}
