package kafka

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/couchcryptid/rent-crime-etl/internal/domain"
	kafkago "github.com/segmentio/kafka-go"
)

// Writer produces messages to one Kafka topic. It implements
// pipeline.BatchLoader for normalized records and pipeline.RejectSink for
// rows that failed normalization.
type Writer struct {
	writer *kafkago.Writer
}

// NewWriter creates a producer for topic.
func NewWriter(brokers []string, topic string) *Writer {
	w := &kafkago.Writer{
		Addr:         kafkago.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafkago.Hash{},
		RequiredAcks: kafkago.RequireAll,
	}
	return &Writer{writer: w}
}

// LoadBatch publishes normalized records in a single WriteMessages call.
func (w *Writer) LoadBatch(ctx context.Context, records []domain.Record) error {
	if len(records) == 0 {
		return nil
	}
	msgs := make([]kafkago.Message, 0, len(records))
	for _, rec := range records {
		msg, err := serializeRecord(rec)
		if err != nil {
			return err
		}
		msgs = append(msgs, msg)
	}
	return w.writer.WriteMessages(ctx, msgs...)
}

// PublishRejections forwards rejected rows unchanged, with the rejection
// reason in the headers, so they can be inspected and replayed.
func (w *Writer) PublishRejections(ctx context.Context, rows []domain.RejectedRow) error {
	if len(rows) == 0 {
		return nil
	}
	msgs := make([]kafkago.Message, len(rows))
	for i, row := range rows {
		msgs[i] = serializeRejection(row)
	}
	return w.writer.WriteMessages(ctx, msgs...)
}

func (w *Writer) Close() error {
	return w.writer.Close()
}

// serializeRecord marshals a normalized crime or rent record. Crimes are
// keyed by ID and rents by ZIP so each key stays on one partition.
func serializeRecord(rec domain.Record) (kafkago.Message, error) {
	var (
		key     string
		dataset string
		payload any
	)
	switch {
	case rec.Crime != nil:
		key, dataset, payload = rec.Crime.ID, domain.DatasetCrime, rec.Crime
	case rec.Rent != nil:
		key, dataset, payload = rec.Rent.ZIP, domain.DatasetRent, rec.Rent
	default:
		return kafkago.Message{}, fmt.Errorf("serialize record: empty record")
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return kafkago.Message{}, fmt.Errorf("serialize %s record: %w", dataset, err)
	}
	return kafkago.Message{
		Key:   []byte(key),
		Value: data,
		Headers: []kafkago.Header{
			{Key: "dataset", Value: []byte(dataset)},
		},
	}, nil
}

func serializeRejection(row domain.RejectedRow) kafkago.Message {
	return kafkago.Message{
		Key:   row.Key,
		Value: row.Value,
		Headers: []kafkago.Header{
			{Key: "dataset", Value: []byte(row.Dataset)},
			{Key: "reason", Value: []byte(row.Reason)},
			{Key: "detail", Value: []byte(row.Detail)},
		},
	}
}
