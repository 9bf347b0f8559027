package pipeline

import (
	"context"

	"github.com/couchcryptid/rent-crime-etl/internal/domain"
)

// datasetHeader lets a producer name the dataset explicitly, overriding the
// topic mapping.
const datasetHeader = "dataset"

// RowTransformer implements Transformer by routing each event to its dataset
// and running the schema normalizer.
type RowTransformer struct {
	datasets map[string]string
}

// NewTransformer creates a RowTransformer. topics maps source topic names to
// datasets; an event whose topic is not listed is treated as if the topic
// were the dataset name, which is how file sources label their events.
func NewTransformer(topics map[string]string) *RowTransformer {
	datasets := make(map[string]string, len(topics))
	for topic, dataset := range topics {
		datasets[topic] = dataset
	}
	return &RowTransformer{datasets: datasets}
}

func (t *RowTransformer) Transform(_ context.Context, raw domain.RawEvent) (domain.Record, error) {
	return domain.ParseRawEvent(raw, t.dataset(raw))
}

func (t *RowTransformer) dataset(raw domain.RawEvent) string {
	if d := raw.Headers[datasetHeader]; d != "" {
		return d
	}
	if d, ok := t.datasets[raw.Topic]; ok {
		return d
	}
	return raw.Topic
}
