package kafka_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/next-trace/scg-bus-runtime/adapters/kafka"
	"github.com/next-trace/scg-bus-runtime/codec"
	cbus "github.com/next-trace/scg-bus-runtime/contract/bus"
	berr "github.com/next-trace/scg-bus-runtime/contract/errors"
)

type written struct {
	topic   string
	key     []byte
	value   []byte
	headers map[string]string
}

type fakeWriter struct {
	mu    sync.Mutex
	calls []written
	err   error
}

func (f *fakeWriter) Write(_ context.Context, topic string, key, value []byte, headers map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls = append(f.calls, written{topic, key, value, headers})

	return f.err
}

type commit struct {
	partition int32
	next      int64
}

type fakeReader struct {
	mu      sync.Mutex
	batches [][]kafka.Record
	commits []commit
	err     error
}

func (f *fakeReader) Poll(ctx context.Context) ([]kafka.Record, error) {
	f.mu.Lock()

	if f.err != nil {
		defer f.mu.Unlock()
		return nil, f.err
	}

	if len(f.batches) == 0 {
		f.mu.Unlock()
		<-ctx.Done()

		return nil, ctx.Err()
	}

	defer f.mu.Unlock()

	b := f.batches[0]
	f.batches = f.batches[1:]

	return b, nil
}

func (f *fakeReader) Commit(_ context.Context, _ string, partition int32, next int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.commits = append(f.commits, commit{partition, next})

	return nil
}

type paymentCaptured struct {
	Amount int `json:"amount"`
}

func (paymentCaptured) MessageName() string { return "payments.payment-captured" }

func record(t *testing.T, partition int32, offset int64) kafka.Record {
	t.Helper()

	_, val, err := codec.Marshal(paymentCaptured{Amount: int(offset)}, cbus.Attributes{})
	require.NoError(t, err)

	return kafka.Record{Topic: "work", Partition: partition, Offset: offset, Key: []byte("k"), Value: val}
}

func TestKafka_SendAndPublishTopics(t *testing.T) {
	fw := &fakeWriter{}
	tr := kafka.New(fw, &fakeReader{}, "work", "events")

	attrs := cbus.Attributes{Attributes: map[string]string{"traceparent": "tp"}}
	require.NoError(t, tr.Send(t.Context(), paymentCaptured{Amount: 5}, attrs))
	require.NoError(t, tr.Publish(t.Context(), paymentCaptured{Amount: 6}, cbus.Attributes{}))

	require.Len(t, fw.calls, 2)
	assert.Equal(t, "work", fw.calls[0].topic)
	assert.Equal(t, "payments.payment-captured", string(fw.calls[0].key))
	assert.Equal(t, "tp", fw.calls[0].headers["traceparent"])
	assert.Equal(t, "send", fw.calls[0].headers[kafka.HeaderKind])
	assert.Equal(t, "events", fw.calls[1].topic)
	assert.Equal(t, "publish", fw.calls[1].headers[kafka.HeaderKind])
}

func TestKafka_EventsTopicDefaultsToTopic(t *testing.T) {
	fw := &fakeWriter{}
	tr := kafka.New(fw, &fakeReader{}, "work", "")

	require.NoError(t, tr.Publish(t.Context(), paymentCaptured{}, cbus.Attributes{}))
	assert.Equal(t, "work", fw.calls[0].topic)
}

func TestKafka_CommitsInPartitionOrder(t *testing.T) {
	fr := &fakeReader{batches: [][]kafka.Record{{record(t, 0, 10), record(t, 0, 11), record(t, 0, 12)}}}
	tr := kafka.New(&fakeWriter{}, fr, "work", "")

	m10, err := tr.ClaimNext(t.Context())
	require.NoError(t, err)
	m11, err := tr.ClaimNext(t.Context())
	require.NoError(t, err)

	depth, _ := tr.Depth(t.Context())
	assert.Equal(t, 3, depth)

	require.NoError(t, tr.Delete(t.Context(), m11))
	assert.Empty(t, fr.commits, "offset 11 must wait for offset 10")

	require.NoError(t, tr.Delete(t.Context(), m10))
	assert.Equal(t, []commit{{0, 12}}, fr.commits)

	m12, err := tr.ClaimNext(t.Context())
	require.NoError(t, err)
	require.NoError(t, tr.Delete(t.Context(), m12))
	assert.Equal(t, []commit{{0, 12}, {0, 13}}, fr.commits)

	depth, _ = tr.Depth(t.Context())
	assert.Equal(t, 0, depth)
}

func TestKafka_RetryReproducesWithSeenCount(t *testing.T) {
	fw := &fakeWriter{}
	fr := &fakeReader{batches: [][]kafka.Record{{record(t, 2, 0)}}}
	tr := kafka.New(fw, fr, "work", "")

	m, err := tr.ClaimNext(t.Context())
	require.NoError(t, err)
	require.NoError(t, tr.Retry(t.Context(), m))

	require.Len(t, fw.calls, 1)

	copyRec := fw.calls[0]
	assert.Equal(t, "work", copyRec.topic)
	assert.Equal(t, "1", copyRec.headers[kafka.HeaderSeen])

	env, err := codec.Decode(copyRec.value)
	require.NoError(t, err)
	assert.Equal(t, m.Envelope().ID, env.ID)
	assert.Equal(t, 1, env.SeenCount)

	assert.Equal(t, []commit{{2, 1}}, fr.commits)
}

func TestKafka_RetryKeepsOriginalWhenProduceFails(t *testing.T) {
	fw := &fakeWriter{err: errors.New("leader not available")}
	fr := &fakeReader{batches: [][]kafka.Record{{record(t, 0, 0)}}}
	tr := kafka.New(fw, fr, "work", "")

	m, err := tr.ClaimNext(t.Context())
	require.NoError(t, err)

	require.ErrorIs(t, tr.Retry(t.Context(), m), berr.ErrResolveFailed)
	assert.Empty(t, fr.commits)
}

func TestKafka_ClaimHonoursContext(t *testing.T) {
	tr := kafka.New(&fakeWriter{}, &fakeReader{}, "work", "")

	ctx, cancel := context.WithCancel(t.Context())

	errc := make(chan error, 1)

	go func() {
		_, err := tr.ClaimNext(ctx)
		errc <- err
	}()

	cancel()
	require.ErrorIs(t, <-errc, context.Canceled)
}

func TestKafka_PoisonRecordSkipped(t *testing.T) {
	fr := &fakeReader{batches: [][]kafka.Record{{{Topic: "work", Offset: 0, Value: []byte("garbage")}}}}
	tr := kafka.New(&fakeWriter{}, fr, "work", "")

	_, err := tr.ClaimNext(t.Context())
	require.ErrorIs(t, err, berr.ErrClaimFailed)
	assert.Equal(t, []commit{{0, 1}}, fr.commits)

	depth, _ := tr.Depth(t.Context())
	assert.Equal(t, 0, depth)
}

func TestKafka_ErrorsWrapped(t *testing.T) {
	boom := errors.New("broker gone")
	tr := kafka.New(&fakeWriter{err: boom}, &fakeReader{err: boom}, "work", "")

	err := tr.Send(t.Context(), paymentCaptured{}, cbus.Attributes{})
	require.ErrorIs(t, err, berr.ErrSendFailed)
	require.ErrorIs(t, err, boom)

	require.ErrorIs(t, tr.Publish(t.Context(), paymentCaptured{}, cbus.Attributes{}), berr.ErrPublishFailed)

	_, err = tr.ClaimNext(t.Context())
	require.ErrorIs(t, err, berr.ErrClaimFailed)
}

func TestKafka_CloseStopsClaims(t *testing.T) {
	tr := kafka.New(&fakeWriter{}, &fakeReader{}, "work", "")

	require.NoError(t, tr.Close())

	_, err := tr.ClaimNext(t.Context())
	require.ErrorIs(t, err, berr.ErrTransportClosed)
}

func TestNewWithKgo_Validation(t *testing.T) {
	_, _, err := kafka.NewWithKgo(kafka.Config{})
	require.ErrorIs(t, err, berr.ErrTransportNotConfigured)

	_, _, err = kafka.NewWithKgo(kafka.Config{Brokers: []string{"localhost:9092"}})
	require.ErrorIs(t, err, berr.ErrTransportNotConfigured)
}
