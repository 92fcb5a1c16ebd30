// Package redis implements a reliable-queue transport on Redis lists. Claimed messages
// move atomically to a processing list and stay there until deleted or retried, so a
// crashed worker never loses them.
package redis

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/next-trace/scg-bus-runtime/codec"
	cbus "github.com/next-trace/scg-bus-runtime/contract/bus"
	berr "github.com/next-trace/scg-bus-runtime/contract/errors"
)

const (
	defaultQueue        = "bus"
	defaultBlockTimeout = 2 * time.Second
)

// Transport implements cbus.Transport over a Redis client.
type Transport struct {
	client       redis.UniversalClient
	pending      string
	processing   string
	blockTimeout time.Duration

	closeOnce sync.Once
	closed    chan struct{}
	onClose   func() error
}

type inflight struct {
	env cbus.Envelope
	raw string
}

func (m *inflight) Envelope() cbus.Envelope { return m.env }

var _ cbus.Transport = (*Transport)(nil)

// New creates a transport using "<queue>:pending" and "<queue>:processing". The caller
// keeps ownership of client.
func New(client redis.UniversalClient, queue string, blockTimeout time.Duration) *Transport {
	if queue == "" {
		queue = defaultQueue
	}

	if blockTimeout <= 0 {
		blockTimeout = defaultBlockTimeout
	}

	return &Transport{
		client:       client,
		pending:      queue + ":pending",
		processing:   queue + ":processing",
		blockTimeout: blockTimeout,
		closed:       make(chan struct{}),
	}
}

// Keys returns the pending and processing list keys.
func (t *Transport) Keys() (pending, processing string) { return t.pending, t.processing }

func (t *Transport) Send(ctx context.Context, msg cbus.Message, attrs cbus.Attributes) error {
	return t.push(ctx, msg, attrs, "send", berr.ErrSendFailed)
}

// Publish enqueues like Send. Redis lists have a single consumer group per queue.
func (t *Transport) Publish(ctx context.Context, msg cbus.Message, attrs cbus.Attributes) error {
	return t.push(ctx, msg, attrs, "publish", berr.ErrPublishFailed)
}

func (t *Transport) push(ctx context.Context, msg cbus.Message, attrs cbus.Attributes, label string, base error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if t.client == nil {
		return fmt.Errorf("redis %s: %w", label, errors.Join(base, berr.ErrTransportNotConfigured))
	}

	_, raw, err := codec.Marshal(msg, attrs)
	if err != nil {
		return fmt.Errorf("redis %s serialize: %w", label, err)
	}

	if err := t.client.LPush(ctx, t.pending, raw).Err(); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		return fmt.Errorf("redis %s lpush: %w", label, errors.Join(base, err))
	}

	return nil
}

// ClaimNext blocks in bounded BLMOVE calls until a message arrives, ctx ends, or the
// transport closes.
//
// When ctx ends while a BLMOVE is in flight the server may already have moved an entry
// to the processing list. Nobody holds that entry; it stays there until Recover runs.
func (t *Transport) ClaimNext(ctx context.Context) (cbus.Inflight, error) {
	if t.client == nil {
		return nil, fmt.Errorf("redis claim: %w", berr.ErrTransportNotConfigured)
	}

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		select {
		case <-t.closed:
			return nil, fmt.Errorf("redis claim: %w", berr.ErrTransportClosed)
		default:
		}

		raw, err := t.client.BLMove(ctx, t.pending, t.processing, "RIGHT", "LEFT", t.blockTimeout).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}

		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}

			if errors.Is(err, redis.ErrClosed) {
				return nil, fmt.Errorf("redis claim: %w", errors.Join(berr.ErrTransportClosed, err))
			}

			return nil, fmt.Errorf("redis claim: %w", errors.Join(berr.ErrClaimFailed, err))
		}

		env, err := codec.Decode([]byte(raw))
		if err != nil {
			// Drop entries that are not envelopes; they would fail forever.
			_ = t.client.LRem(context.WithoutCancel(ctx), t.processing, 1, raw).Err()
			return nil, fmt.Errorf("redis claim: %w", errors.Join(berr.ErrClaimFailed, err))
		}

		return &inflight{env: env, raw: raw}, nil
	}
}

func (t *Transport) Delete(ctx context.Context, m cbus.Inflight) error {
	in, err := t.inflight(m, "delete")
	if err != nil {
		return err
	}

	if err := t.client.LRem(ctx, t.processing, 1, in.raw).Err(); err != nil {
		return fmt.Errorf("redis delete %s: %w", in.env.ID, errors.Join(berr.ErrResolveFailed, err))
	}

	return nil
}

// Retry atomically removes the message from processing and pushes it back to the end of
// the pending list with an incremented seen count.
func (t *Transport) Retry(ctx context.Context, m cbus.Inflight) error {
	in, err := t.inflight(m, "retry")
	if err != nil {
		return err
	}

	env := in.env
	env.SeenCount++

	raw, err := codec.Encode(env)
	if err != nil {
		return err
	}

	_, err = t.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.LRem(ctx, t.processing, 1, in.raw)
		p.LPush(ctx, t.pending, raw)

		return nil
	})
	if err != nil {
		return fmt.Errorf("redis retry %s: %w", in.env.ID, errors.Join(berr.ErrResolveFailed, err))
	}

	return nil
}

func (t *Transport) inflight(m cbus.Inflight, label string) (*inflight, error) {
	in, ok := m.(*inflight)
	if !ok || in == nil {
		return nil, fmt.Errorf("redis %s %T: %w", label, m, berr.ErrResolveFailed)
	}

	if t.client == nil {
		return nil, fmt.Errorf("redis %s: %w", label, berr.ErrTransportNotConfigured)
	}

	return in, nil
}

// Depth counts pending and processing entries.
func (t *Transport) Depth(ctx context.Context) (int, error) {
	if t.client == nil {
		return 0, fmt.Errorf("redis depth: %w", berr.ErrTransportNotConfigured)
	}

	p := t.client.Pipeline()
	pending := p.LLen(ctx, t.pending)
	processing := p.LLen(ctx, t.processing)

	if _, err := p.Exec(ctx); err != nil {
		return 0, fmt.Errorf("redis depth: %w", err)
	}

	return int(pending.Val() + processing.Val()), nil
}

// Recover moves every entry left in processing back to pending and returns how many were
// moved. This includes entries stranded by a claim cancelled mid-BLMOVE and entries held
// by a process that died. Call it only while no consumer of this queue is running,
// typically at startup (busd does so with BUS_REDIS_RECOVER_ON_START).
func (t *Transport) Recover(ctx context.Context) (int, error) {
	if t.client == nil {
		return 0, fmt.Errorf("redis recover: %w", berr.ErrTransportNotConfigured)
	}

	n := 0

	for {
		err := t.client.LMove(ctx, t.processing, t.pending, "RIGHT", "RIGHT").Err()
		if errors.Is(err, redis.Nil) {
			return n, nil
		}

		if err != nil {
			return n, fmt.Errorf("redis recover: %w", err)
		}

		n++
	}
}

// Close stops claims. It closes the client only when the transport created it.
func (t *Transport) Close() error {
	var err error

	t.closeOnce.Do(func() {
		close(t.closed)

		if t.onClose != nil {
			err = t.onClose()
		}
	})

	return err
}
