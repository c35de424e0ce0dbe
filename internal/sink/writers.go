package sink

import (
	"context"
	"encoding/json"
	"strconv"

	"github.com/go-redis/redis/v8"
	"github.com/segmentio/kafka-go"

	"presencewatch/internal/model"
	"presencewatch/internal/storage"
)

// StorageWriter appends to the SQL observation table.
type StorageWriter struct {
	Store storage.Store
}

func (w StorageWriter) Name() string { return "storage" }

func (w StorageWriter) Write(ctx context.Context, obs model.Observation) error {
	_, err := w.Store.SaveObservation(ctx, obs)
	return err
}

// RedisWriter appends to a Redis stream. The auto-generated entry id
// carries the server time of the append.
type RedisWriter struct {
	client *redis.Client
	stream string
	maxLen int64
}

func NewRedisWriter(client *redis.Client, stream string, maxLen int64) *RedisWriter {
	return &RedisWriter{client: client, stream: stream, maxLen: maxLen}
}

func (w *RedisWriter) Name() string { return "redis" }

func (w *RedisWriter) Write(ctx context.Context, obs model.Observation) error {
	args := &redis.XAddArgs{
		Stream: w.stream,
		ID:     "*",
		Values: map[string]interface{}{
			"uuid":  obs.UUID,
			"state": string(obs.State),
			"sd":    strconv.FormatFloat(obs.SD, 'f', -1, 64),
		},
	}
	if w.maxLen > 0 {
		args.MaxLen = w.maxLen
		args.Approx = true
	}
	return w.client.XAdd(ctx, args).Err()
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaWriter publishes observations keyed by UUID so one transmitter's
// records stay ordered within a partition.
type KafkaWriter struct {
	w messageWriter
}

func NewKafkaWriter(brokers []string, topic string) *KafkaWriter {
	return &KafkaWriter{w: &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
	}}
}

func (w *KafkaWriter) Name() string { return "kafka" }

func (w *KafkaWriter) Write(ctx context.Context, obs model.Observation) error {
	value, err := json.Marshal(record{UUID: obs.UUID, State: string(obs.State), SD: obs.SD})
	if err != nil {
		return err
	}
	return w.w.WriteMessages(ctx, kafka.Message{Key: []byte(obs.UUID), Value: value})
}

func (w *KafkaWriter) Close() error {
	return w.w.Close()
}

// record is the wire shape without a time field; the consumer side uses
// the broker timestamp.
type record struct {
	UUID  string  `json:"uuid"`
	State string  `json:"state"`
	SD    float64 `json:"sd"`
}
