package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// relayed is a message published by a relay, tagged with the relay that published it.
type relayed struct {
	Origin  string  `json:"origin"`
	Message Message `json:"message"`
}

// RedisRelay fans messages of a document out to every server replica through Redis pub/sub.
// Replicas don't receive their own messages back.
type RedisRelay struct {
	client *redis.Client
	origin string
	prefix string
	logger *slog.Logger
}

// NewRedisRelay creates a relay over client, publishing to channels named "docsync:<docID>".
func NewRedisRelay(client *redis.Client, logger *slog.Logger) *RedisRelay {
	if logger == nil {
		logger = slog.Default()
	}
	origin := uuid.NewString()
	return &RedisRelay{
		client: client,
		origin: origin,
		prefix: "docsync:",
		logger: logger.With(slog.String("relay", origin)),
	}
}

// Origin identifies this relay among replicas.
func (r *RedisRelay) Origin() string {
	return r.origin
}

func (r *RedisRelay) channel(docID string) string {
	return r.prefix + docID
}

// Publish sends m to the other replicas following docID.
func (r *RedisRelay) Publish(ctx context.Context, docID string, m Message) error {
	bs, err := encodeRelayed(r.origin, m)
	if err != nil {
		return err
	}
	if err := r.client.Publish(ctx, r.channel(docID), bs).Err(); err != nil {
		return fmt.Errorf("publishing to %s: %w", r.channel(docID), err)
	}
	return nil
}

// Subscribe follows the messages of docID published by other replicas, until ctx is done.
// The returned channel is closed when the subscription ends.
func (r *RedisRelay) Subscribe(ctx context.Context, docID string) (<-chan Message, error) {
	pubsub := r.client.Subscribe(ctx, r.channel(docID))
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("subscribing to %s: %w", r.channel(docID), err)
	}
	out := make(chan Message)
	go func() {
		defer close(out)
		defer pubsub.Close()
		ch := pubsub.Channel()
		for {
			select {
			case msg, ok := <-ch:
				if !ok {
					return
				}
				m, ok, err := decodeRelayed(r.origin, []byte(msg.Payload))
				if err != nil {
					r.logger.Warn("dropping relayed message", slog.String("channel", msg.Channel), slog.Any("error", err))
					continue
				}
				if !ok {
					continue
				}
				select {
				case out <- m:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func encodeRelayed(origin string, m Message) ([]byte, error) {
	return json.Marshal(relayed{Origin: origin, Message: m})
}

// decodeRelayed decodes a relayed message, reporting false for messages from origin itself.
func decodeRelayed(origin string, bs []byte) (Message, bool, error) {
	var r relayed
	if err := json.Unmarshal(bs, &r); err != nil {
		return Message{}, false, err
	}
	if r.Origin == origin {
		return Message{}, false, nil
	}
	return r.Message, true, nil
}
