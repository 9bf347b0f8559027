//go:build integration

package integration_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"testing"
	"time"

	kafkago "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tckafka "github.com/testcontainers/testcontainers-go/modules/kafka"

	"github.com/couchcryptid/rent-crime-etl/internal/adapter/kafka"
	"github.com/couchcryptid/rent-crime-etl/internal/config"
	"github.com/couchcryptid/rent-crime-etl/internal/domain"
	"github.com/couchcryptid/rent-crime-etl/internal/observability"
	"github.com/couchcryptid/rent-crime-etl/internal/pipeline"
	"github.com/couchcryptid/rent-crime-etl/internal/store"
)

const (
	testCrimeTopic  = "test-crime"
	testRentTopic   = "test-rent"
	testRejectTopic = "test-rejects"
	testSinkTopic   = "test-sink"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func startKafka(ctx context.Context, t *testing.T) string {
	t.Helper()
	container, err := tckafka.Run(ctx, "confluentinc/confluent-local:7.5.0", tckafka.WithClusterID("rent-crime-test"))
	testcontainers.CleanupContainer(t, container)
	require.NoError(t, err, "start kafka container")

	brokers, err := container.Brokers(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, brokers)
	return brokers[0]
}

func createTopic(t *testing.T, broker, topic string) {
	t.Helper()
	conn, err := kafkago.Dial("tcp", broker)
	require.NoError(t, err)
	defer conn.Close()

	controller, err := conn.Controller()
	require.NoError(t, err)
	ctrl, err := kafkago.Dial("tcp", net.JoinHostPort(controller.Host, strconv.Itoa(controller.Port)))
	require.NoError(t, err)
	defer ctrl.Close()

	require.NoError(t, ctrl.CreateTopics(kafkago.TopicConfig{
		Topic:             topic,
		NumPartitions:     1,
		ReplicationFactor: 1,
	}))
}

func testConfig(broker, group string) *config.Config {
	return &config.Config{
		KafkaBrokers:       []string{broker},
		KafkaCrimeTopic:    testCrimeTopic,
		KafkaRentTopic:     testRentTopic,
		KafkaRejectTopic:   testRejectTopic,
		KafkaSinkTopic:     testSinkTopic,
		KafkaGroupID:       fmt.Sprintf("%s-%d", group, time.Now().UnixNano()),
		BatchFlushInterval: 2 * time.Second,
	}
}

func produce(ctx context.Context, t *testing.T, broker, topic string, rows ...any) {
	t.Helper()
	producer := &kafkago.Writer{Addr: kafkago.TCP(broker), Topic: topic}
	defer producer.Close()

	msgs := make([]kafkago.Message, 0, len(rows))
	for i, row := range rows {
		payload, ok := row.([]byte)
		if !ok {
			var err error
			payload, err = json.Marshal(row)
			require.NoError(t, err)
		}
		msgs = append(msgs, kafkago.Message{Key: []byte(strconv.Itoa(i)), Value: payload})
	}
	require.NoError(t, producer.WriteMessages(ctx, msgs...))
}

func consumer(broker, topic string) *kafkago.Reader {
	return kafkago.NewReader(kafkago.ReaderConfig{
		Brokers:     []string{broker},
		Topic:       topic,
		GroupID:     fmt.Sprintf("test-%s-%d", topic, time.Now().UnixNano()),
		StartOffset: kafkago.FirstOffset,
	})
}

func testCrosswalk(t *testing.T) *domain.Crosswalk {
	t.Helper()
	cw, err := domain.NewCrosswalk([]domain.CrosswalkEntry{
		{ZIP: "10001", Precinct: "1", Borough: "Manhattan"},
		{ZIP: "10002", Precinct: "1", Borough: "Manhattan"},
	})
	require.NoError(t, err)
	return cw
}

// TestKafkaReaderWriter verifies the adapter layer: a message produced to the
// crime topic is extracted, normalized, and republished to the sink topic.
func TestKafkaReaderWriter(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 90*time.Second)
	defer cancel()

	broker := startKafka(ctx, t)
	for _, topic := range []string{testCrimeTopic, testRentTopic, testSinkTopic} {
		createTopic(t, broker, topic)
	}
	cfg := testConfig(broker, "test-reader")

	row := domain.RawCrimeRow{ID: "100", Date: "2024-01-05T00:00:00.000", Time: "12:00:00", Category: "FELONY", Precinct: "1"}
	produce(ctx, t, broker, testCrimeTopic, row)

	// The consumer group may need a rebalance before partitions are assigned.
	reader := kafka.NewReader(cfg, discardLogger())
	t.Cleanup(func() { _ = reader.Close() })

	batch, err := reader.ExtractBatch(ctx, 1)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	raw := batch[0]
	assert.Equal(t, testCrimeTopic, raw.Topic)
	require.NotNil(t, raw.Commit, "commit callback should be set")
	require.NoError(t, raw.Commit(ctx))

	transformer := pipeline.NewTransformer(map[string]string{testCrimeTopic: domain.DatasetCrime})
	rec, err := transformer.Transform(ctx, raw)
	require.NoError(t, err)
	require.NotNil(t, rec.Crime)

	writer := kafka.NewWriter(cfg.KafkaBrokers, cfg.KafkaSinkTopic)
	t.Cleanup(func() { _ = writer.Close() })
	require.NoError(t, writer.LoadBatch(ctx, []domain.Record{rec}))

	sink := consumer(broker, testSinkTopic)
	t.Cleanup(func() { _ = sink.Close() })

	msg, err := sink.ReadMessage(ctx)
	require.NoError(t, err)
	assert.Equal(t, "100", string(msg.Key))
	require.Len(t, msg.Headers, 1)
	assert.Equal(t, domain.DatasetCrime, string(msg.Headers[0].Value))

	var got domain.CrimeRecord
	require.NoError(t, json.Unmarshal(msg.Value, &got))
	assert.Equal(t, domain.Felony, got.Category)
	assert.Equal(t, "1", got.Location.Precinct)
	assert.Equal(t, time.Date(2024, time.January, 5, 12, 0, 0, 0, time.UTC), got.OccurredAt)
}

// TestPipelineEndToEnd streams both datasets through the pipeline into the
// record store, with rejects going to the dead-letter topic, and checks the
// resulting Danger Ratios.
func TestPipelineEndToEnd(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	broker := startKafka(ctx, t)
	for _, topic := range []string{testCrimeTopic, testRentTopic, testRejectTopic, testSinkTopic} {
		createTopic(t, broker, topic)
	}
	cfg := testConfig(broker, "test-pipeline")

	produce(ctx, t, broker, testCrimeTopic,
		domain.RawCrimeRow{ID: "1", Date: "01/05/2024", Time: "12:00:00", Category: "FELONY", Precinct: "1"},
		domain.RawCrimeRow{ID: "2", Date: "01/09/2024", Time: "08:15:00", Category: "MISDEMEANOR", ZIP: "10001"},
		domain.RawCrimeRow{ID: "3", Date: "01/20/2024", Time: "23:40:00", Category: "M", ZIP: "10001"},
		domain.RawCrimeRow{ID: "4", Date: "01/21/2024", Category: "INFRACTION", ZIP: "10001"},
		[]byte("not-json{{{"),
	)
	produce(ctx, t, broker, testRentTopic,
		domain.RawRentRow{ZIP: "10001", Date: "2024-01-01", MedianRent: "2000"},
		domain.RawRentRow{ZIP: "10002", Date: "2024-01-01", MedianRent: "1800"},
	)

	st := store.NewMemory(testCrosswalk(t))
	reader := kafka.NewReader(cfg, discardLogger())
	t.Cleanup(func() { _ = reader.Close() })
	sinkWriter := kafka.NewWriter(cfg.KafkaBrokers, cfg.KafkaSinkTopic)
	t.Cleanup(func() { _ = sinkWriter.Close() })
	rejectWriter := kafka.NewWriter(cfg.KafkaBrokers, cfg.KafkaRejectTopic)
	t.Cleanup(func() { _ = rejectWriter.Close() })

	transformer := pipeline.NewTransformer(map[string]string{
		testCrimeTopic: domain.DatasetCrime,
		testRentTopic:  domain.DatasetRent,
	})
	p := pipeline.New(reader, transformer, pipeline.Loaders{st, sinkWriter}, discardLogger(),
		observability.NewMetricsForTesting(), 50, pipeline.WithRejectSink(rejectWriter))

	pipelineCtx, pipelineCancel := context.WithCancel(ctx)
	errCh := make(chan error, 1)
	go func() { errCh <- p.Run(pipelineCtx) }()

	require.Eventually(t, func() bool {
		crimes, rents := st.Counts()
		return crimes == 3 && rents == 2
	}, 60*time.Second, 250*time.Millisecond, "records never reached the store")

	rejects := consumer(broker, testRejectTopic)
	t.Cleanup(func() { _ = rejects.Close() })

	reasons := map[string]int{}
	for range 2 {
		readCtx, readCancel := context.WithTimeout(ctx, 30*time.Second)
		msg, err := rejects.ReadMessage(readCtx)
		readCancel()
		require.NoError(t, err, "read from reject topic")
		for _, h := range msg.Headers {
			if h.Key == "reason" {
				reasons[string(h.Value)]++
			}
		}
	}
	assert.Equal(t, map[string]int{
		string(domain.RejectUnknownCategory): 1,
		string(domain.RejectMalformed): 1,
	}, reasons)

	pipelineCancel()
	require.NoError(t, <-errCh)

	snap := st.Snapshot()
	res, err := domain.Aggregate(domain.AggregateInput{
		Granularity: domain.GranularityZIP,
		Crimes:      snap.Crimes,
		Rents:       snap.Rents,
		Crosswalk:   snap.Crosswalk,
	})
	require.NoError(t, err)

	ratios := map[string]float64{}
	for _, b := range res.Buckets {
		if b.HasRatio() {
			ratios[b.GeoKey] = *b.DangerRatio
		}
	}
	assert.InDelta(t, 0.00275, ratios["10001"], 1e-12)
	assert.InDelta(t, 1.5/1800, ratios["10002"], 1e-12)
}
