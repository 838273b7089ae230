// Package bus connects codeforge to NATS JetStream: domain events go out
// through the outbox pump, BuildFailed events come in through a durable
// consumer. The stream covers both subject spaces so delivery is
// at-least-once on both sides.
package bus

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	"codeforge/internal/config"
)

// Bus wraps the NATS connection and its JetStream context.
type Bus struct {
	conn *nats.Conn
	js   jetstream.JetStream
	cfg  config.BusConfig
	log  *zap.Logger
}

// Connect dials NATS and ensures the stream exists. The connection retries
// in the background when the server is unreachable, so a bus outage at
// startup degrades to an accumulating outbox instead of a crash.
func Connect(ctx context.Context, cfg config.BusConfig, log *zap.Logger) (*Bus, error) {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("bus")

	conn, err := nats.Connect(cfg.URL,
		nats.Name("codeforge"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn("nats disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}))
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("create jetstream context: %w", err)
	}

	b := &Bus{conn: conn, js: js, cfg: cfg, log: log}
	if err := b.ensureStream(ctx); err != nil {
		// The stream can be created on reconnect; publishing fails loudly
		// until then and the outbox absorbs it.
		log.Warn("stream not ready, will rely on reconnect", zap.Error(err))
	}

	log.Info("bus connected",
		zap.String("url", cfg.URL),
		zap.String("stream", cfg.Stream),
		zap.String("subject_prefix", cfg.SubjectPrefix))
	return b, nil
}

// ensureStream creates or updates the stream covering the emitted event
// subjects and the consumed BuildFailed subject.
func (b *Bus) ensureStream(ctx context.Context) error {
	subjects := []string{b.cfg.SubjectPrefix + ".>"}
	if b.cfg.BuildFailedSubject != "" {
		subjects = append(subjects, b.cfg.BuildFailedSubject)
	}

	_, err := b.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     b.cfg.Stream,
		Subjects: subjects,
		Storage:  jetstream.FileStorage,
		// Duplicate window backs the Nats-Msg-Id dedupe on publish.
		Duplicates: 2 * time.Minute,
	})
	if err != nil {
		return fmt.Errorf("ensure stream %s: %w", b.cfg.Stream, err)
	}
	return nil
}

// Publish sends one event to the stream. msgID rides as the JetStream
// message id, so redeliveries of the same outbox row dedupe server-side
// within the duplicate window.
func (b *Bus) Publish(ctx context.Context, subject string, data []byte, msgID string) error {
	_, err := b.js.Publish(ctx, subject, data, jetstream.WithMsgID(msgID))
	if err != nil {
		return fmt.Errorf("publish to %s: %w", subject, err)
	}
	return nil
}

// Close drains the connection, letting in-flight messages settle.
func (b *Bus) Close() {
	if b.conn == nil {
		return
	}
	if err := b.conn.Drain(); err != nil {
		b.log.Debug("drain failed, closing hard", zap.Error(err))
		b.conn.Close()
	}
}
