// Package kafka implements a consumer-group transport on Kafka.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/next-trace/scg-bus-runtime/codec"
	cbus "github.com/next-trace/scg-bus-runtime/contract/bus"
	berr "github.com/next-trace/scg-bus-runtime/contract/errors"
)

const (
	// HeaderSeen carries the number of earlier deliveries of a re-produced record.
	HeaderSeen = "bus-seen"
	// HeaderKind marks whether a message was sent or published.
	HeaderKind = "bus-kind"
)

// Record is a consumed Kafka record.
type Record struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte
	Value     []byte
	Headers   map[string]string
}

// Writer is a minimal Kafka-like producer interface.
type Writer interface {
	Write(ctx context.Context, topic string, key, value []byte, headers map[string]string) error
}

// Reader is a minimal consumer-group interface.
type Reader interface {
	// Poll blocks until at least one record is available or ctx ends.
	Poll(ctx context.Context) ([]Record, error)
	// Commit marks every offset below next as consumed for the partition.
	Commit(ctx context.Context, topic string, partition int32, next int64) error
}

// Transport implements cbus.Transport over a Writer and Reader. Records are committed in
// partition order: a record resolved ahead of an earlier one is committed once the
// earlier one resolves.
type Transport struct {
	Writer Writer
	Reader Reader
	// Topic receives sent messages and is the topic consumed by Reader.
	Topic string
	// EventsTopic receives published messages. Defaults to Topic.
	EventsTopic string

	poll    chan struct{}
	mu      sync.Mutex
	buffer  []Record
	offsets *offsetTracker
	held    int

	closeOnce sync.Once
	closed    chan struct{}
	onClose   func()
}

type inflight struct {
	env cbus.Envelope
	rec Record
}

func (m *inflight) Envelope() cbus.Envelope { return m.env }

var _ cbus.Transport = (*Transport)(nil)

// New creates a transport producing with w and consuming with r.
func New(w Writer, r Reader, topic, eventsTopic string) *Transport {
	if eventsTopic == "" {
		eventsTopic = topic
	}

	return &Transport{
		Writer:      w,
		Reader:      r,
		Topic:       topic,
		EventsTopic: eventsTopic,
		poll:        make(chan struct{}, 1),
		offsets:     newOffsetTracker(),
		closed:      make(chan struct{}),
	}
}

func (t *Transport) Send(ctx context.Context, msg cbus.Message, attrs cbus.Attributes) error {
	return t.emit(ctx, msg, attrs, t.Topic, "send", berr.ErrSendFailed)
}

func (t *Transport) Publish(ctx context.Context, msg cbus.Message, attrs cbus.Attributes) error {
	return t.emit(ctx, msg, attrs, t.EventsTopic, "publish", berr.ErrPublishFailed)
}

func (t *Transport) emit(ctx context.Context, msg cbus.Message, attrs cbus.Attributes, topic, label string, base error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if t.Writer == nil {
		return fmt.Errorf("kafka %s: %w", label, errors.Join(base, berr.ErrTransportNotConfigured))
	}

	env, val, err := codec.Marshal(msg, attrs)
	if err != nil {
		return fmt.Errorf("kafka %s serialize: %w", label, err)
	}

	headers := make(map[string]string, len(env.Attributes.Attributes)+1)
	for k, v := range env.Attributes.Attributes {
		headers[k] = v
	}

	headers[HeaderKind] = label

	return t.write(ctx, topic, []byte(env.Name), val, headers, label, base)
}

func (t *Transport) write(ctx context.Context, topic string, key, val []byte, headers map[string]string, label string, base error) error {
	if err := t.Writer.Write(ctx, topic, key, val, headers); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		return fmt.Errorf("kafka %s write: %w", label, errors.Join(base, err))
	}

	return nil
}

// ClaimNext returns the next buffered record, polling when the buffer is empty. One slot
// polls at a time; the others wait for its records.
func (t *Transport) ClaimNext(ctx context.Context) (cbus.Inflight, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if t.Reader == nil {
		return nil, fmt.Errorf("kafka claim: %w", berr.ErrTransportNotConfigured)
	}

	for {
		if t.isClosed() {
			return nil, fmt.Errorf("kafka claim: %w", berr.ErrTransportClosed)
		}

		select {
		case <-t.closed:
			return nil, fmt.Errorf("kafka claim: %w", berr.ErrTransportClosed)
		case <-ctx.Done():
			return nil, ctx.Err()
		case t.poll <- struct{}{}:
		}

		rec, ok := t.next()
		if !ok {
			recs, err := t.Reader.Poll(ctx)
			if err != nil {
				<-t.poll

				if ctxErr := ctx.Err(); ctxErr != nil {
					return nil, ctxErr
				}

				if errors.Is(err, berr.ErrTransportClosed) {
					return nil, err
				}

				return nil, fmt.Errorf("kafka claim: %w", errors.Join(berr.ErrClaimFailed, err))
			}

			t.fill(recs)
			rec, ok = t.next()
		}

		<-t.poll

		if !ok {
			continue
		}

		env, err := codec.Decode(rec.Value)
		if err != nil {
			// Skip records that are not envelopes so they do not block the partition.
			_ = t.release(ctx, rec)
			return nil, fmt.Errorf("kafka claim %s/%d@%d: %w", rec.Topic, rec.Partition, rec.Offset, errors.Join(berr.ErrClaimFailed, err))
		}

		if n, err := strconv.Atoi(rec.Headers[HeaderSeen]); err == nil {
			env.SeenCount = n
		}

		return &inflight{env: env, rec: rec}, nil
	}
}

func (t *Transport) fill(recs []Record) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, r := range recs {
		t.offsets.track(r.Topic, r.Partition, r.Offset)
	}

	t.buffer = append(t.buffer, recs...)
}

func (t *Transport) next() (Record, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.buffer) == 0 {
		return Record{}, false
	}

	r := t.buffer[0]
	t.buffer = t.buffer[1:]
	t.held++

	return r, true
}

func (t *Transport) Delete(ctx context.Context, m cbus.Inflight) error {
	in, ok := m.(*inflight)
	if !ok || in == nil {
		return fmt.Errorf("kafka delete %T: %w", m, berr.ErrResolveFailed)
	}

	return t.release(ctx, in.rec)
}

// Retry produces a copy of the record with an incremented seen count to the end of the
// topic, then commits the original.
func (t *Transport) Retry(ctx context.Context, m cbus.Inflight) error {
	in, ok := m.(*inflight)
	if !ok || in == nil {
		return fmt.Errorf("kafka retry %T: %w", m, berr.ErrResolveFailed)
	}

	env := in.env
	env.SeenCount++

	val, err := codec.Encode(env)
	if err != nil {
		return err
	}

	headers := make(map[string]string, len(in.rec.Headers)+1)
	for k, v := range in.rec.Headers {
		headers[k] = v
	}

	headers[HeaderSeen] = strconv.Itoa(env.SeenCount)

	if t.Writer == nil {
		return fmt.Errorf("kafka retry: %w", errors.Join(berr.ErrResolveFailed, berr.ErrTransportNotConfigured))
	}

	// The original stays uncommitted when the copy cannot be produced, so it is redelivered.
	if err := t.write(ctx, in.rec.Topic, in.rec.Key, val, headers, "retry", berr.ErrResolveFailed); err != nil {
		return err
	}

	return t.release(ctx, in.rec)
}

func (t *Transport) release(ctx context.Context, rec Record) error {
	t.mu.Lock()
	t.held--
	t.mu.Unlock()

	return t.resolve(ctx, rec)
}

func (t *Transport) resolve(ctx context.Context, rec Record) error {
	t.mu.Lock()
	next, ok := t.offsets.done(rec.Topic, rec.Partition, rec.Offset)
	t.mu.Unlock()

	if !ok {
		return nil
	}

	if err := t.Reader.Commit(ctx, rec.Topic, rec.Partition, next); err != nil {
		return fmt.Errorf("kafka commit %s/%d@%d: %w", rec.Topic, rec.Partition, next, errors.Join(berr.ErrResolveFailed, err))
	}

	return nil
}

// Depth counts records held by this consumer: buffered plus in flight. Broker lag is not
// included.
func (t *Transport) Depth(context.Context) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	return len(t.buffer) + t.held, nil
}

func (t *Transport) Close() error {
	t.closeOnce.Do(func() {
		close(t.closed)

		if t.onClose != nil {
			t.onClose()
		}
	})

	return nil
}

func (t *Transport) isClosed() bool {
	select {
	case <-t.closed:
		return true
	default:
		return false
	}
}
