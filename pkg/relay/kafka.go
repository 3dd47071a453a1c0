package relay

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/uhyunpark/nftswap/pkg/app/core/events"
)

// messageWriter is the part of *kafka.Writer the publisher uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes each event as one JSON message. Consumers
// deduplicate replays by the seq field of the payload.
type KafkaPublisher struct {
	writer messageWriter
}

func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			Async:        false,
			BatchTimeout: 10 * time.Millisecond,
		},
	}
}

func (p *KafkaPublisher) Name() string { return "kafka" }

func (p *KafkaPublisher) Publish(ctx context.Context, evs []events.Event) error {
	msgs := make([]kafka.Message, 0, len(evs))
	for i := range evs {
		value, err := json.Marshal(&evs[i])
		if err != nil {
			return err
		}
		msgs = append(msgs, kafka.Message{
			Key:   messageKey(&evs[i]),
			Value: value,
			Headers: []kafka.Header{
				{Key: "type", Value: []byte(evs[i].Type)},
			},
		})
	}
	return p.writer.WriteMessages(ctx, msgs...)
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// messageKey partitions by collection so one collection's events stay ordered.
func messageKey(ev *events.Event) []byte {
	return ev.Asset.Collection.Bytes()
}
