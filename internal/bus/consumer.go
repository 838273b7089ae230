package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	"codeforge/internal/types"
)

// BuildFailedHandler processes one consumed CI build failure. A nil return
// acknowledges the message; an error negatively acknowledges it for
// redelivery.
type BuildFailedHandler func(ctx context.Context, ev types.BuildFailedEvent) error

// ConsumeBuildFailed runs a durable pull consumer over the BuildFailed
// subject until the context ends. Malformed payloads are acknowledged and
// logged so a poison message cannot wedge the consumer; handler failures
// are NAKed for redelivery.
func (b *Bus) ConsumeBuildFailed(ctx context.Context, handler BuildFailedHandler) error {
	stream, err := b.js.Stream(ctx, b.cfg.Stream)
	if err != nil {
		return fmt.Errorf("get stream %s: %w", b.cfg.Stream, err)
	}

	consumer, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:       b.cfg.ConsumerDurable,
		FilterSubject: b.cfg.BuildFailedSubject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       30 * time.Second,
		MaxDeliver:    5,
	})
	if err != nil {
		return fmt.Errorf("create consumer %s: %w", b.cfg.ConsumerDurable, err)
	}

	b.log.Info("consuming build failures",
		zap.String("subject", b.cfg.BuildFailedSubject),
		zap.String("durable", b.cfg.ConsumerDurable))

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		msgs, err := consumer.Fetch(1, jetstream.FetchMaxWait(5*time.Second))
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			b.log.Debug("fetch error", zap.Error(err))
			continue
		}

		for msg := range msgs.Messages() {
			b.handleBuildFailed(ctx, msg, handler)
		}
		if err := msgs.Error(); err != nil && err != context.DeadlineExceeded {
			b.log.Warn("message fetch error", zap.Error(err))
		}
	}
}

func (b *Bus) handleBuildFailed(ctx context.Context, msg jetstream.Msg, handler BuildFailedHandler) {
	if ctx.Err() != nil {
		if err := msg.Nak(); err != nil {
			b.log.Debug("nak during shutdown failed", zap.Error(err))
		}
		return
	}

	var ev types.BuildFailedEvent
	if err := json.Unmarshal(msg.Data(), &ev); err != nil {
		b.log.Warn("dropping malformed build failure",
			zap.String("subject", msg.Subject()),
			zap.Error(err))
		if err := msg.Ack(); err != nil {
			b.log.Debug("ack failed", zap.Error(err))
		}
		return
	}

	if err := handler(ctx, ev); err != nil {
		b.log.Warn("build failure handling failed, redelivering",
			zap.String("build_id", ev.BuildID),
			zap.Error(err))
		if err := msg.Nak(); err != nil {
			b.log.Debug("nak failed", zap.Error(err))
		}
		return
	}

	if err := msg.Ack(); err != nil {
		b.log.Debug("ack failed", zap.Error(err))
	}
}
