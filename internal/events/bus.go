package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	rstream "github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"

	"VoiceChat/internal/config"
)

// Envelope is the wire form of an event on the bus.
type Envelope struct {
	Seq     uint64          `json:"seq"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Bus publishes events to a watermill topic, in memory or on a Redis stream.
type Bus struct {
	topic  string
	pub    message.Publisher
	sub    message.Subscriber
	redis  *redis.Client
	shared bool // pub and sub are the same gochannel
	logger *slog.Logger

	mu  sync.Mutex // orders seq assignment with publish
	seq uint64
}

// NewBus builds the bus selected by cfg.EventBus.
func NewBus(cfg config.Config, logger *slog.Logger) (*Bus, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	wmLogger := watermill.NewSlogLogger(logger)
	b := &Bus{topic: cfg.RedisStream, logger: logger}

	switch cfg.EventBus {
	case config.BusRedis:
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		marshaler := rstream.DefaultMarshallerUnmarshaller{}
		pub, err := rstream.NewPublisher(rstream.PublisherConfig{
			Client:     client,
			Marshaller: marshaler,
		}, wmLogger)
		if err != nil {
			client.Close()
			return nil, fmt.Errorf("failed to create redis publisher: %w", err)
		}
		sub, err := rstream.NewSubscriber(rstream.SubscriberConfig{
			Client:       client,
			Unmarshaller: marshaler,
		}, wmLogger)
		if err != nil {
			pub.Close()
			client.Close()
			return nil, fmt.Errorf("failed to create redis subscriber: %w", err)
		}
		b.pub, b.sub, b.redis = pub, sub, client
	default:
		// Publish waits for subscriber acks so events arrive in emission order.
		pubSub := gochannel.NewGoChannel(gochannel.Config{
			OutputChannelBuffer:            256,
			BlockPublishUntilSubscriberAck: true,
		}, wmLogger)
		b.pub, b.sub, b.shared = pubSub, pubSub, true
	}
	if b.topic == "" {
		b.topic = "voicechat.events"
	}
	return b, nil
}

// Notify publishes ev. Failures are logged, never returned to the engine.
func (b *Bus) Notify(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.seq++
	payload, err := Encode(ev, b.seq)
	if err != nil {
		b.logger.Warn("failed to encode event", "event", ev.GetId(), "error", err)
		return
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.Metadata.Set("event", ev.GetId())
	if err := b.pub.Publish(b.topic, msg); err != nil {
		b.logger.Warn("failed to publish event", "event", ev.GetId(), "error", err)
	}
}

// Subscribe streams envelopes until ctx is done.
func (b *Bus) Subscribe(ctx context.Context) (<-chan Envelope, error) {
	msgs, err := b.sub.Subscribe(ctx, b.topic)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe: %w", err)
	}
	out := make(chan Envelope, 64)
	go func() {
		defer close(out)
		for msg := range msgs {
			var env Envelope
			err := json.Unmarshal(msg.Payload, &env)
			msg.Ack()
			if err != nil {
				b.logger.Warn("dropping undecodable event", "error", err)
				continue
			}
			select {
			case out <- env:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (b *Bus) Close() error {
	var firstErr error
	if err := b.pub.Close(); err != nil {
		firstErr = fmt.Errorf("failed to close publisher: %w", err)
	}
	if !b.shared {
		if err := b.sub.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to close subscriber: %w", err)
		}
	}
	if b.redis != nil {
		if err := b.redis.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to close redis client: %w", err)
		}
	}
	return firstErr
}

// Encode renders ev as an Envelope.
func Encode(ev Event, seq uint64) ([]byte, error) {
	payload, err := sonic.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s: %w", ev.GetId(), err)
	}
	return json.Marshal(Envelope{Seq: seq, Type: ev.GetId(), Payload: payload})
}
